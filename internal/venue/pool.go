package venue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ReserveConfig describes one asset listed on a simulated venue.
type ReserveConfig struct {
	Asset string
	// MaxLTV is the venue's own borrow limit on this collateral.
	MaxLTV decimal.Decimal
	// Liquidity is cash deposited by other suppliers at listing time.
	Liquidity     decimal.Decimal
	Interest      InterestModel
	ReserveFactor decimal.Decimal
	// RewardRate is the incentive emission per unit of supplied plus
	// borrowed balance per year, paid in the reward token.
	RewardRate decimal.Decimal
}

type poolReserve struct {
	cfg         ReserveConfig
	cash        decimal.Decimal
	supplied    decimal.Decimal
	borrowed    decimal.Decimal
	rewards     decimal.Decimal
	withdrawCap *decimal.Decimal
	lastAccrual time.Time
}

// Pool simulates a variable-rate lending pool holding the engine's account.
// Amounts are exact; the quirk it exposes is spot liquidity: withdrawals are
// bounded by the cash the pool holds, not by the engine's logical balance.
type Pool struct {
	mu       sync.Mutex
	name     string
	reserves map[string]*poolReserve
	now      func() time.Time
	offline  bool
}

// NewPool creates a pool listing the given reserves. A nil clock uses time.Now.
func NewPool(name string, now func() time.Time, reserves ...ReserveConfig) *Pool {
	if now == nil {
		now = time.Now
	}
	p := &Pool{
		name:     name,
		reserves: make(map[string]*poolReserve, len(reserves)),
		now:      now,
	}
	for _, cfg := range reserves {
		p.reserves[cfg.Asset] = &poolReserve{
			cfg:         cfg,
			cash:        cfg.Liquidity,
			lastAccrual: now(),
		}
	}
	return p
}

func (p *Pool) Name() string { return p.name }

// reserve returns the accrued reserve for asset. Caller holds p.mu.
func (p *Pool) reserve(asset string) (*poolReserve, error) {
	if p.offline {
		return nil, ErrUnavailable
	}
	r, ok := p.reserves[asset]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAsset, asset)
	}
	now := p.now()
	elapsed := now.Sub(r.lastAccrual)
	if elapsed > 0 {
		totalSupplied := r.supplied.Add(r.cfg.Liquidity)
		borrowAPR := r.cfg.Interest.BorrowAPR(r.borrowed, totalSupplied)
		supplyAPR := r.cfg.Interest.SupplyAPR(r.borrowed, totalSupplied, r.cfg.ReserveFactor)
		r.borrowed = accrue(r.borrowed, borrowAPR, elapsed)
		r.supplied = accrue(r.supplied, supplyAPR, elapsed)
		r.rewards = r.rewards.Add(accrue(r.supplied.Add(r.borrowed), r.cfg.RewardRate, elapsed).Sub(r.supplied.Add(r.borrowed)))
		r.lastAccrual = now
	}
	return r, nil
}

func (p *Pool) Supply(_ context.Context, asset string, amount decimal.Decimal) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	r, err := p.reserve(asset)
	if err != nil {
		return err
	}
	r.supplied = r.supplied.Add(amount)
	r.cash = r.cash.Add(amount)
	return nil
}

func (p *Pool) Withdraw(_ context.Context, asset string, amount decimal.Decimal) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	r, err := p.reserve(asset)
	if err != nil {
		return decimal.Zero, err
	}
	w := decimal.Min(amount, r.maxWithdrawable())
	if !w.IsPositive() {
		return decimal.Zero, nil
	}
	r.supplied = r.supplied.Sub(w)
	r.cash = r.cash.Sub(w)
	return w, nil
}

func (p *Pool) Borrow(_ context.Context, asset string, amount decimal.Decimal) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	r, err := p.reserve(asset)
	if err != nil {
		return err
	}
	if r.borrowed.Add(amount).GreaterThan(r.supplied.Mul(r.cfg.MaxLTV)) {
		return ErrBorrowLimit
	}
	if amount.GreaterThan(r.cash) {
		return ErrInsufficientLiquidity
	}
	r.borrowed = r.borrowed.Add(amount)
	r.cash = r.cash.Sub(amount)
	return nil
}

func (p *Pool) Repay(_ context.Context, asset string, amount decimal.Decimal) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	r, err := p.reserve(asset)
	if err != nil {
		return decimal.Zero, err
	}
	paid := decimal.Min(amount, r.borrowed)
	r.borrowed = r.borrowed.Sub(paid)
	r.cash = r.cash.Add(paid)
	return paid, nil
}

func (p *Pool) SuppliedValue(_ context.Context, asset string) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	r, err := p.reserve(asset)
	if err != nil {
		return decimal.Zero, err
	}
	return r.supplied, nil
}

func (p *Pool) BorrowedValue(_ context.Context, asset string) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	r, err := p.reserve(asset)
	if err != nil {
		return decimal.Zero, err
	}
	return r.borrowed, nil
}

func (p *Pool) MaxWithdrawable(_ context.Context, asset string) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	r, err := p.reserve(asset)
	if err != nil {
		return decimal.Zero, err
	}
	return r.maxWithdrawable(), nil
}

// maxWithdrawable keeps the remaining collateral above borrowed / MaxLTV.
func (r *poolReserve) maxWithdrawable() decimal.Decimal {
	free := r.supplied
	if r.borrowed.IsPositive() {
		if !r.cfg.MaxLTV.IsPositive() {
			return decimal.Zero
		}
		required := r.borrowed.DivRound(r.cfg.MaxLTV, rateScale).RoundCeil(rateScale)
		free = r.supplied.Sub(required)
	}
	free = decimal.Min(free, r.cash)
	if r.withdrawCap != nil {
		free = decimal.Min(free, *r.withdrawCap)
	}
	if free.IsNegative() {
		return decimal.Zero
	}
	return free
}

func (p *Pool) PendingRewards(_ context.Context, assets []string) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	total := decimal.Zero
	for _, asset := range assets {
		r, err := p.reserve(asset)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(r.rewards)
	}
	return total, nil
}

func (p *Pool) ClaimRewards(_ context.Context, assets []string) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	total := decimal.Zero
	for _, asset := range assets {
		r, err := p.reserve(asset)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(r.rewards)
		r.rewards = decimal.Zero
	}
	return total, nil
}

// --- Simulation controls ---

// AddYield grows the engine's supplied balance, as interest accrued off-line would.
func (p *Pool) AddYield(asset string, amount decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.reserves[asset]; ok {
		r.supplied = r.supplied.Add(amount)
		r.cash = r.cash.Add(amount)
	}
}

// Drain removes spot liquidity, as other borrowers drawing cash would.
func (p *Pool) Drain(asset string, amount decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.reserves[asset]; ok {
		r.cash = decimal.Max(decimal.Zero, r.cash.Sub(amount))
	}
}

// SetWithdrawCap bounds any single withdrawal; nil removes the bound.
func (p *Pool) SetWithdrawCap(asset string, limit *decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.reserves[asset]; ok {
		r.withdrawCap = limit
	}
}

// AccrueRewards credits incentive rewards to the asset's reserve.
func (p *Pool) AccrueRewards(asset string, amount decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.reserves[asset]; ok {
		r.rewards = r.rewards.Add(amount)
	}
}

// SetOffline makes every call fail with ErrUnavailable.
func (p *Pool) SetOffline(offline bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offline = offline
}
