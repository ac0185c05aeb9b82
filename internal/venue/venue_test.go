package venue_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/treasury-engine/internal/venue"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time           { return c.t }
func (c *clock) advance(by time.Duration) { c.t = c.t.Add(by) }

func newClock() *clock {
	return &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func newPool(t *testing.T, liquidity float64) (*venue.Pool, *clock) {
	t.Helper()
	c := newClock()
	p := venue.NewPool("sim-pool", c.now, venue.ReserveConfig{
		Asset:     "USDC",
		MaxLTV:    d(0.8),
		Liquidity: d(liquidity),
	})
	return p, c
}

// --- Pool ---

func TestPool_BorrowLimitedByMaxLTV(t *testing.T) {
	p, _ := newPool(t, 1000)
	ctx := context.Background()

	require.NoError(t, p.Supply(ctx, "USDC", d(100)))
	assert.ErrorIs(t, p.Borrow(ctx, "USDC", d(81)), venue.ErrBorrowLimit)
	require.NoError(t, p.Borrow(ctx, "USDC", d(80)))

	borrowed, err := p.BorrowedValue(ctx, "USDC")
	require.NoError(t, err)
	assert.True(t, borrowed.Equal(d(80)))
}

func TestPool_BorrowLimitedByCash(t *testing.T) {
	p, _ := newPool(t, 0)
	ctx := context.Background()

	require.NoError(t, p.Supply(ctx, "USDC", d(100)))
	p.Drain("USDC", d(90))
	assert.ErrorIs(t, p.Borrow(ctx, "USDC", d(50)), venue.ErrInsufficientLiquidity)
}

func TestPool_WithdrawKeepsCollateralRequirement(t *testing.T) {
	p, _ := newPool(t, 1000)
	ctx := context.Background()

	require.NoError(t, p.Supply(ctx, "USDC", d(100)))
	require.NoError(t, p.Borrow(ctx, "USDC", d(40)))

	max, err := p.MaxWithdrawable(ctx, "USDC")
	require.NoError(t, err)
	assert.True(t, max.Equal(d(50)), "max withdrawable %s", max)

	got, err := p.Withdraw(ctx, "USDC", d(80))
	require.NoError(t, err)
	assert.True(t, got.Equal(d(50)))

	got, err = p.Withdraw(ctx, "USDC", d(1))
	require.NoError(t, err)
	assert.True(t, got.IsZero())
}

func TestPool_WithdrawBoundedByCashAndCap(t *testing.T) {
	p, _ := newPool(t, 0)
	ctx := context.Background()

	require.NoError(t, p.Supply(ctx, "USDC", d(100)))
	p.Drain("USDC", d(60))

	got, err := p.Withdraw(ctx, "USDC", d(100))
	require.NoError(t, err)
	assert.True(t, got.Equal(d(40)))

	supplied, err := p.SuppliedValue(ctx, "USDC")
	require.NoError(t, err)
	assert.True(t, supplied.Equal(d(60)))

	p.AddYield("USDC", d(10))
	limit := d(5)
	p.SetWithdrawCap("USDC", &limit)
	max, err := p.MaxWithdrawable(ctx, "USDC")
	require.NoError(t, err)
	assert.True(t, max.Equal(d(5)))

	p.SetWithdrawCap("USDC", nil)
	max, err = p.MaxWithdrawable(ctx, "USDC")
	require.NoError(t, err)
	assert.True(t, max.Equal(d(10)))
}

func TestPool_RepayCapsAtDebt(t *testing.T) {
	p, _ := newPool(t, 1000)
	ctx := context.Background()

	require.NoError(t, p.Supply(ctx, "USDC", d(100)))
	require.NoError(t, p.Borrow(ctx, "USDC", d(30)))
	paid, err := p.Repay(ctx, "USDC", d(50))
	require.NoError(t, err)
	assert.True(t, paid.Equal(d(30)))
}

func TestPool_AccruesInterest(t *testing.T) {
	c := newClock()
	p := venue.NewPool("sim-pool", c.now, venue.ReserveConfig{
		Asset:    "USDC",
		MaxLTV:   d(0.8),
		Interest: venue.InterestModel{BaseRate: d(0.1)},
	})
	ctx := context.Background()

	require.NoError(t, p.Supply(ctx, "USDC", d(100)))
	require.NoError(t, p.Borrow(ctx, "USDC", d(50)))
	c.advance(365 * 24 * time.Hour)

	borrowed, err := p.BorrowedValue(ctx, "USDC")
	require.NoError(t, err)
	assert.True(t, borrowed.Equal(d(55)), "borrowed %s", borrowed)

	supplied, err := p.SuppliedValue(ctx, "USDC")
	require.NoError(t, err)
	assert.True(t, supplied.Equal(d(105)), "supplied %s", supplied)
}

func TestPool_Rewards(t *testing.T) {
	p, _ := newPool(t, 1000)
	ctx := context.Background()

	var h venue.Harvester = p
	p.AccrueRewards("USDC", d(5))

	pending, err := h.PendingRewards(ctx, []string{"USDC"})
	require.NoError(t, err)
	assert.True(t, pending.Equal(d(5)))

	claimed, err := h.ClaimRewards(ctx, []string{"USDC"})
	require.NoError(t, err)
	assert.True(t, claimed.Equal(d(5)))

	pending, err = h.PendingRewards(ctx, []string{"USDC"})
	require.NoError(t, err)
	assert.True(t, pending.IsZero())

	_, err = h.PendingRewards(ctx, []string{"DAI"})
	assert.ErrorIs(t, err, venue.ErrUnsupportedAsset)
}

func TestPool_Offline(t *testing.T) {
	p, _ := newPool(t, 1000)
	p.SetOffline(true)
	_, err := p.SuppliedValue(context.Background(), "USDC")
	assert.ErrorIs(t, err, venue.ErrUnavailable)
}

// --- Shares ---

func TestShares_RoundsBalancesDownAndDebtUp(t *testing.T) {
	s := venue.NewShares("sim-shares", 2, venue.ReserveConfig{
		Asset:     "USDC",
		MaxLTV:    d(0.8),
		Liquidity: d(3),
	})
	ctx := context.Background()

	require.NoError(t, s.Supply(ctx, "USDC", d(1)))
	s.AddYield("USDC", d(0.01))

	// Exchange rate is 4.01 / 4; the engine's 1.0025 is reported as 1.00.
	supplied, err := s.SuppliedValue(ctx, "USDC")
	require.NoError(t, err)
	assert.True(t, supplied.Equal(d(1)), "supplied %s", supplied)

	require.NoError(t, s.Borrow(ctx, "USDC", d(0.333)))
	borrowed, err := s.BorrowedValue(ctx, "USDC")
	require.NoError(t, err)
	assert.True(t, borrowed.Equal(d(0.34)), "borrowed %s", borrowed)
}

func TestShares_WithdrawReturnsRoundedAmount(t *testing.T) {
	s := venue.NewShares("sim-shares", 2, venue.ReserveConfig{
		Asset:     "USDC",
		MaxLTV:    d(0.8),
		Liquidity: d(3),
	})
	ctx := context.Background()

	require.NoError(t, s.Supply(ctx, "USDC", d(1)))
	s.AddYield("USDC", d(0.01))

	got, err := s.Withdraw(ctx, "USDC", d(10))
	require.NoError(t, err)
	assert.True(t, got.Equal(d(1)), "withdrew %s", got)
}

func TestShares_IsNotHarvester(t *testing.T) {
	var a venue.Adapter = venue.NewShares("sim-shares", 6)
	_, ok := a.(venue.Harvester)
	assert.False(t, ok)
}

// --- Interest model ---

func TestInterestModel_BorrowAPR(t *testing.T) {
	m := venue.InterestModel{BaseRate: d(0), Slope1: d(0.04), Slope2: d(0.75), Kink: d(0.8)}

	tests := []struct {
		name               string
		borrowed, supplied float64
		want               float64
	}{
		{"idle reserve", 0, 100, 0},
		{"below kink", 50, 100, 0.02},
		{"at kink", 80, 100, 0.032},
		{"above kink", 90, 100, 0.107},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := m.BorrowAPR(d(tt.borrowed), d(tt.supplied))
			assert.True(t, got.Equal(d(tt.want)), "apr %s", got)
		})
	}
}

// --- Flash minter ---

func TestFlashMinter_Capacity(t *testing.T) {
	f := venue.NewFlashMinter(map[string]decimal.Decimal{"USDC": d(1000)}, decimal.Zero)
	ctx := context.Background()

	max, err := f.MaxFlashLoan(ctx, "USDC")
	require.NoError(t, err)
	assert.True(t, max.Equal(d(1000)))

	called := false
	err = f.FlashLoan(ctx, "USDC", d(1001), func(_ context.Context, amt decimal.Decimal) (decimal.Decimal, error) {
		called = true
		return amt, nil
	})
	assert.ErrorIs(t, err, venue.ErrFlashCapacity)
	assert.False(t, called)
	assert.Zero(t, f.Loans())
}

func TestFlashMinter_RequiresRepayment(t *testing.T) {
	f := venue.NewFlashMinter(map[string]decimal.Decimal{"USDC": d(1000)}, decimal.Zero)
	ctx := context.Background()

	err := f.FlashLoan(ctx, "USDC", d(500), func(_ context.Context, amt decimal.Decimal) (decimal.Decimal, error) {
		return amt.Sub(d(1)), nil
	})
	assert.ErrorIs(t, err, venue.ErrFlashNotRepaid)

	err = f.FlashLoan(ctx, "USDC", d(500), func(_ context.Context, amt decimal.Decimal) (decimal.Decimal, error) {
		return amt, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, f.Loans())
}

func TestFlashMinter_FeeIsOwed(t *testing.T) {
	f := venue.NewFlashMinter(map[string]decimal.Decimal{"USDC": d(1000)}, decimal.Zero)
	f.SetFee(d(0.001))
	ctx := context.Background()

	fee, err := f.FlashFee(ctx, "USDC", d(1000))
	require.NoError(t, err)
	assert.True(t, fee.Equal(d(1)))

	err = f.FlashLoan(ctx, "USDC", d(1000), func(_ context.Context, amt decimal.Decimal) (decimal.Decimal, error) {
		return amt, nil
	})
	assert.ErrorIs(t, err, venue.ErrFlashNotRepaid)

	err = f.FlashLoan(ctx, "USDC", d(1000), func(_ context.Context, amt decimal.Decimal) (decimal.Decimal, error) {
		return amt.Add(fee), nil
	})
	assert.NoError(t, err)
}

func TestFlashMinter_ContinuationErrorAborts(t *testing.T) {
	f := venue.NewFlashMinter(map[string]decimal.Decimal{"USDC": d(1000)}, decimal.Zero)
	boom := errors.New("boom")
	err := f.FlashLoan(context.Background(), "USDC", d(10), func(context.Context, decimal.Decimal) (decimal.Decimal, error) {
		return decimal.Zero, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, f.Loans())
}

// --- Staked token ---

func TestStakedToken_RedeemWindowInclusive(t *testing.T) {
	period, window := 10*24*time.Hour, 2*24*time.Hour
	ctx := context.Background()

	tests := []struct {
		name   string
		offset time.Duration
		ok     bool
	}{
		{"before window", period - time.Second, false},
		{"window opens", period, true},
		{"window closes", period + window, true},
		{"after window", period + window + time.Second, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newClock()
			s := venue.NewStakedToken("stkAAVE", "AAVE", period, window, c.now)
			require.NoError(t, s.Cooldown(ctx))
			c.advance(tt.offset)

			got, err := s.Redeem(ctx, d(3))
			if !tt.ok {
				assert.ErrorIs(t, err, venue.ErrCooldownNotReady)
				return
			}
			require.NoError(t, err)
			assert.True(t, got.Equal(d(3)))
		})
	}
}

func TestStakedToken_RedeemClearsCooldown(t *testing.T) {
	c := newClock()
	s := venue.NewStakedToken("stkAAVE", "AAVE", time.Hour, time.Hour, c.now)
	ctx := context.Background()

	_, err := s.Redeem(ctx, d(1))
	assert.ErrorIs(t, err, venue.ErrCooldownNotReady)

	require.NoError(t, s.Cooldown(ctx))
	c.advance(time.Hour)
	_, err = s.Redeem(ctx, d(1))
	require.NoError(t, err)

	_, err = s.Redeem(ctx, d(1))
	assert.ErrorIs(t, err, venue.ErrCooldownNotReady)

	assert.Equal(t, "stkAAVE", s.RewardToken())
	assert.Equal(t, "AAVE", s.RedeemAsset())
}

// --- Snapshots ---

func TestPool_SnapshotRestore(t *testing.T) {
	p, c := newPool(t, 1000)
	ctx := context.Background()

	require.NoError(t, p.Supply(ctx, "USDC", d(100)))
	require.NoError(t, p.Borrow(ctx, "USDC", d(40)))
	p.AccrueRewards("USDC", d(3))
	data, err := p.Snapshot()
	require.NoError(t, err)

	fresh := venue.NewPool("sim-pool", c.now, venue.ReserveConfig{Asset: "USDC", MaxLTV: d(0.8), Liquidity: d(1000)})
	require.NoError(t, fresh.Restore(data))

	supplied, err := fresh.SuppliedValue(ctx, "USDC")
	require.NoError(t, err)
	assert.True(t, supplied.Equal(d(100)))
	borrowed, err := fresh.BorrowedValue(ctx, "USDC")
	require.NoError(t, err)
	assert.True(t, borrowed.Equal(d(40)))
	pending, err := fresh.PendingRewards(ctx, []string{"USDC"})
	require.NoError(t, err)
	assert.True(t, pending.Equal(d(3)))
	assert.ErrorIs(t, fresh.Borrow(ctx, "USDC", d(41)), venue.ErrBorrowLimit, "restored debt counts against the limit")
}

func TestPool_RestoreRejectsUnlistedPosition(t *testing.T) {
	c := newClock()
	both := venue.NewPool("sim-pool", c.now,
		venue.ReserveConfig{Asset: "USDC", MaxLTV: d(0.8), Liquidity: d(1000)},
		venue.ReserveConfig{Asset: "DAI", MaxLTV: d(0.8), Liquidity: d(1000)},
	)
	ctx := context.Background()
	require.NoError(t, both.Supply(ctx, "USDC", d(5)))
	require.NoError(t, both.Supply(ctx, "DAI", d(10)))
	data, err := both.Snapshot()
	require.NoError(t, err)

	p, _ := newPool(t, 1000)
	assert.ErrorIs(t, p.Restore(data), venue.ErrUnsupportedAsset)
	supplied, err := p.SuppliedValue(ctx, "USDC")
	require.NoError(t, err)
	assert.True(t, supplied.IsZero(), "failed restore changes nothing")

	assert.Error(t, p.Restore([]byte("not json")))
}

func TestShares_SnapshotRestore(t *testing.T) {
	cfg := venue.ReserveConfig{Asset: "USDC", MaxLTV: d(0.8), Liquidity: d(3)}
	s := venue.NewShares("sim-shares", 2, cfg)
	ctx := context.Background()

	require.NoError(t, s.Supply(ctx, "USDC", d(1)))
	s.AddYield("USDC", d(0.01))
	require.NoError(t, s.Borrow(ctx, "USDC", d(0.333)))
	data, err := s.Snapshot()
	require.NoError(t, err)

	fresh := venue.NewShares("sim-shares", 2, cfg)
	require.NoError(t, fresh.Restore(data))
	supplied, err := fresh.SuppliedValue(ctx, "USDC")
	require.NoError(t, err)
	assert.True(t, supplied.Equal(d(1)))
	borrowed, err := fresh.BorrowedValue(ctx, "USDC")
	require.NoError(t, err)
	assert.True(t, borrowed.Equal(d(0.34)))

	empty := venue.NewShares("sim-shares", 2)
	assert.ErrorIs(t, empty.Restore(data), venue.ErrUnsupportedAsset)
}

func TestStakedToken_SnapshotRestore(t *testing.T) {
	c := newClock()
	s := venue.NewStakedToken("stkAAVE", "AAVE", time.Hour, time.Hour, c.now)
	ctx := context.Background()
	require.NoError(t, s.Cooldown(ctx))
	data, err := s.Snapshot()
	require.NoError(t, err)

	fresh := venue.NewStakedToken("stkAAVE", "AAVE", time.Hour, time.Hour, c.now)
	require.NoError(t, fresh.Restore(data))
	c.advance(time.Hour)
	got, err := fresh.Redeem(ctx, d(2))
	require.NoError(t, err, "restored cooldown opens the window")
	assert.True(t, got.Equal(d(2)))
}
