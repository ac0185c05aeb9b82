package ledger_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/treasury-engine/internal/ledger"
	"github.com/atmx/treasury-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type fakeValuer struct {
	supplied, borrowed decimal.Decimal
	err                error
}

func (v *fakeValuer) SuppliedValue(context.Context, string) (decimal.Decimal, error) {
	return v.supplied, v.err
}

func (v *fakeValuer) BorrowedValue(context.Context, string) (decimal.Decimal, error) {
	return v.borrowed, v.err
}

type fakeBook struct {
	positions map[string]*model.AssetPosition
	idle      map[string]decimal.Decimal
}

func newBook(positions ...model.AssetPosition) *fakeBook {
	b := &fakeBook{
		positions: make(map[string]*model.AssetPosition),
		idle:      make(map[string]decimal.Decimal),
	}
	for i := range positions {
		p := positions[i]
		b.positions[p.Asset] = &p
	}
	return b
}

func (b *fakeBook) Position(asset string) (*model.AssetPosition, error) {
	p, ok := b.positions[asset]
	if !ok {
		return nil, model.ErrUnknownAsset
	}
	return p, nil
}

func (b *fakeBook) Balance(asset string) decimal.Decimal { return b.idle[asset] }

func TestReconcile_BooksGain(t *testing.T) {
	v := &fakeValuer{supplied: d(110)}
	book := newBook(model.AssetPosition{Asset: "USDC", LastBalance: d(100)})
	l := ledger.New(v)

	rep, err := l.Reconcile(context.Background(), book, "USDC", decimal.Zero)
	require.NoError(t, err)

	assert.True(t, rep.Delta.Equal(d(10)), "delta %s", rep.Delta)
	assert.True(t, rep.NetGain.Equal(d(10)))
	assert.True(t, rep.NetDebt.IsZero())
	assert.True(t, book.positions["USDC"].LastBalance.Equal(d(110)))
}

func TestReconcile_DebtFlipsToGain(t *testing.T) {
	// netDebt 3, then the position gains 7: net +4.
	v := &fakeValuer{supplied: d(107)}
	book := newBook(model.AssetPosition{Asset: "USDC", LastBalance: d(100), NetDebt: d(3)})
	l := ledger.New(v)

	rep, err := l.Reconcile(context.Background(), book, "USDC", decimal.Zero)
	require.NoError(t, err)
	assert.True(t, rep.NetGain.Equal(d(4)), "net gain %s", rep.NetGain)
	assert.True(t, rep.NetDebt.IsZero())
}

func TestReconcile_LossAccumulatesDebt(t *testing.T) {
	v := &fakeValuer{supplied: d(95)}
	book := newBook(model.AssetPosition{Asset: "USDC", LastBalance: d(100), NetGain: d(2)})
	l := ledger.New(v)

	rep, err := l.Reconcile(context.Background(), book, "USDC", decimal.Zero)
	require.NoError(t, err)
	assert.True(t, rep.NetGain.IsZero())
	assert.True(t, rep.NetDebt.Equal(d(3)), "net debt %s", rep.NetDebt)
}

func TestReconcile_ExactZeroCrossing(t *testing.T) {
	v := &fakeValuer{supplied: d(97)}
	book := newBook(model.AssetPosition{Asset: "USDC", LastBalance: d(100), NetGain: d(3)})

	rep, err := ledger.New(v).Reconcile(context.Background(), book, "USDC", decimal.Zero)
	require.NoError(t, err)
	assert.True(t, rep.NetGain.IsZero())
	assert.True(t, rep.NetDebt.IsZero())
}

func TestReconcile_Idempotent(t *testing.T) {
	v := &fakeValuer{supplied: d(120), borrowed: d(15)}
	book := newBook(model.AssetPosition{Asset: "USDC", LastBalance: d(100)})
	book.idle["USDC"] = d(5)
	l := ledger.New(v)
	ctx := context.Background()

	first, err := l.Reconcile(ctx, book, "USDC", decimal.Zero)
	require.NoError(t, err)
	second, err := l.Reconcile(ctx, book, "USDC", decimal.Zero)
	require.NoError(t, err)

	assert.True(t, first.NetGain.Equal(d(10)))
	assert.True(t, second.Delta.IsZero())
	assert.True(t, second.NetGain.Equal(first.NetGain))
	assert.True(t, second.LastBalance.Equal(first.LastBalance))
}

func TestReconcile_PendingInflow(t *testing.T) {
	v := &fakeValuer{supplied: d(100)}
	book := newBook(model.AssetPosition{Asset: "USDC", LastBalance: d(100)})

	rep, err := ledger.New(v).Reconcile(context.Background(), book, "USDC", d(50))
	require.NoError(t, err)
	assert.True(t, rep.Delta.IsZero())
	assert.True(t, rep.LastBalance.Equal(d(150)))
}

func TestReconcile_RejectsNegativeInflow(t *testing.T) {
	book := newBook(model.AssetPosition{Asset: "USDC"})
	_, err := ledger.New(&fakeValuer{}).Reconcile(context.Background(), book, "USDC", d(-1))
	assert.ErrorIs(t, err, model.ErrInvalidAmount)
}

func TestReconcile_ValuationUnavailable(t *testing.T) {
	v := &fakeValuer{err: errors.New("oracle down")}
	book := newBook(model.AssetPosition{Asset: "USDC", LastBalance: d(100), NetGain: d(1)})

	_, err := ledger.New(v).Reconcile(context.Background(), book, "USDC", decimal.Zero)
	require.ErrorIs(t, err, model.ErrValuationUnavailable)
	assert.Equal(t, model.KindValuationUnavailable, model.KindOf(err))

	// Nothing was written.
	p := book.positions["USDC"]
	assert.True(t, p.LastBalance.Equal(d(100)))
	assert.True(t, p.NetGain.Equal(d(1)))
}

func TestReconcile_UnknownAsset(t *testing.T) {
	_, err := ledger.New(&fakeValuer{}).Reconcile(context.Background(), newBook(), "DAI", decimal.Zero)
	assert.ErrorIs(t, err, model.ErrUnknownAsset)
}

func TestNAV_LeveredSubtractsDebt(t *testing.T) {
	l := ledger.New(&fakeValuer{supplied: d(400), borrowed: d(300)})
	nav, err := l.NAV(context.Background(), "USDC")
	require.NoError(t, err)
	assert.True(t, nav.Equal(d(100)))
}

func TestTotalManagedValue_IncludesIdle(t *testing.T) {
	book := newBook(model.AssetPosition{Asset: "USDC"})
	book.idle["USDC"] = d(7)
	total, err := ledger.New(&fakeValuer{supplied: d(93)}).TotalManagedValue(context.Background(), book, "USDC")
	require.NoError(t, err)
	assert.True(t, total.Equal(d(100)))
}

func TestUnrealizedPL(t *testing.T) {
	book := newBook(
		model.AssetPosition{Asset: "USDC", NetGain: d(4)},
		model.AssetPosition{Asset: "DAI", NetDebt: d(2.5)},
	)
	pl, err := ledger.UnrealizedPL(book, "USDC")
	require.NoError(t, err)
	assert.True(t, pl.Equal(d(4)))

	pl, err = ledger.UnrealizedPL(book, "DAI")
	require.NoError(t, err)
	assert.True(t, pl.Equal(d(-2.5)))
}

func TestRelease_LeavesPL(t *testing.T) {
	book := newBook(model.AssetPosition{Asset: "USDC", LastBalance: d(110), NetGain: d(10)})
	require.NoError(t, ledger.Release(book, "USDC", d(40)))
	p := book.positions["USDC"]
	assert.True(t, p.LastBalance.Equal(d(70)))
	assert.True(t, p.NetGain.Equal(d(10)))
}

func TestRealize(t *testing.T) {
	book := newBook(model.AssetPosition{Asset: "USDC", LastBalance: d(110), NetGain: d(10)})
	require.NoError(t, ledger.Realize(book, "USDC", d(6)))
	p := book.positions["USDC"]
	assert.True(t, p.NetGain.Equal(d(4)))
	assert.True(t, p.LastBalance.Equal(d(104)))

	assert.ErrorIs(t, ledger.Realize(book, "USDC", d(5)), model.ErrInvalidAmount)
}

func TestNet(t *testing.T) {
	tests := []struct {
		gain, debt, delta  float64
		wantGain, wantDebt float64
	}{
		{0, 0, 5, 5, 0},
		{0, 0, -5, 0, 5},
		{2, 0, -5, 0, 3},
		{0, 3, 7, 4, 0},
		{1, 0, -1, 0, 0},
	}
	for _, tt := range tests {
		gain, debt := ledger.Net(d(tt.gain), d(tt.debt), d(tt.delta))
		assert.True(t, gain.Equal(d(tt.wantGain)), "gain: %v", tt)
		assert.True(t, debt.Equal(d(tt.wantDebt)), "debt: %v", tt)
		assert.False(t, gain.IsPositive() && debt.IsPositive(), "both sides nonzero: %v", tt)
	}
}
