package venue

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

type shareMarket struct {
	cfg         ReserveConfig
	cash        decimal.Decimal
	totalShares decimal.Decimal
	totalAssets decimal.Decimal // underlying owed to all share holders
	shares      decimal.Decimal // held by the engine
	debt        decimal.Decimal
	withdrawCap *decimal.Decimal
}

// Shares simulates a share-accounted lending market. Deposits mint shares at
// the current exchange rate rounded down, balances are reported rounded down
// to the asset precision and debt is rounded up, so withdrawals can return
// slightly less than the logical balance.
type Shares struct {
	mu        sync.Mutex
	name      string
	precision int32
	markets   map[string]*shareMarket
	offline   bool
}

// NewShares creates a share-based venue with amounts rounded to precision
// decimal places.
func NewShares(name string, precision int32, markets ...ReserveConfig) *Shares {
	s := &Shares{
		name:      name,
		precision: precision,
		markets:   make(map[string]*shareMarket, len(markets)),
	}
	for _, cfg := range markets {
		s.markets[cfg.Asset] = &shareMarket{
			cfg:         cfg,
			cash:        cfg.Liquidity,
			totalShares: cfg.Liquidity,
			totalAssets: cfg.Liquidity,
		}
	}
	return s
}

func (s *Shares) Name() string { return s.name }

func (s *Shares) market(asset string) (*shareMarket, error) {
	if s.offline {
		return nil, ErrUnavailable
	}
	m, ok := s.markets[asset]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAsset, asset)
	}
	return m, nil
}

// rate is underlying per share; one before the first deposit.
func (m *shareMarket) rate() decimal.Decimal {
	if !m.totalShares.IsPositive() {
		return decimal.NewFromInt(1)
	}
	return m.totalAssets.DivRound(m.totalShares, rateScale)
}

func (s *Shares) balance(m *shareMarket) decimal.Decimal {
	return m.shares.Mul(m.rate()).RoundFloor(s.precision)
}

func (s *Shares) Supply(_ context.Context, asset string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.market(asset)
	if err != nil {
		return err
	}
	minted := amount.DivRound(m.rate(), rateScale).RoundFloor(rateScale)
	m.shares = m.shares.Add(minted)
	m.totalShares = m.totalShares.Add(minted)
	m.totalAssets = m.totalAssets.Add(amount)
	m.cash = m.cash.Add(amount)
	return nil
}

func (s *Shares) Withdraw(_ context.Context, asset string, amount decimal.Decimal) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.market(asset)
	if err != nil {
		return decimal.Zero, err
	}
	w := decimal.Min(amount, s.maxWithdrawable(m)).RoundFloor(s.precision)
	if !w.IsPositive() {
		return decimal.Zero, nil
	}
	burned := w.DivRound(m.rate(), rateScale).RoundCeil(rateScale)
	if burned.GreaterThan(m.shares) {
		burned = m.shares
	}
	m.shares = m.shares.Sub(burned)
	m.totalShares = m.totalShares.Sub(burned)
	m.totalAssets = m.totalAssets.Sub(w)
	m.cash = m.cash.Sub(w)
	return w, nil
}

func (s *Shares) Borrow(_ context.Context, asset string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.market(asset)
	if err != nil {
		return err
	}
	owed := amount.RoundCeil(s.precision)
	if m.debt.Add(owed).GreaterThan(s.balance(m).Mul(m.cfg.MaxLTV)) {
		return ErrBorrowLimit
	}
	if amount.GreaterThan(m.cash) {
		return ErrInsufficientLiquidity
	}
	m.debt = m.debt.Add(owed)
	m.cash = m.cash.Sub(amount)
	return nil
}

func (s *Shares) Repay(_ context.Context, asset string, amount decimal.Decimal) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.market(asset)
	if err != nil {
		return decimal.Zero, err
	}
	paid := decimal.Min(amount, m.debt)
	m.debt = m.debt.Sub(paid)
	m.cash = m.cash.Add(paid)
	return paid, nil
}

func (s *Shares) SuppliedValue(_ context.Context, asset string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.market(asset)
	if err != nil {
		return decimal.Zero, err
	}
	return s.balance(m), nil
}

func (s *Shares) BorrowedValue(_ context.Context, asset string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.market(asset)
	if err != nil {
		return decimal.Zero, err
	}
	return m.debt, nil
}

func (s *Shares) MaxWithdrawable(_ context.Context, asset string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.market(asset)
	if err != nil {
		return decimal.Zero, err
	}
	return s.maxWithdrawable(m), nil
}

func (s *Shares) maxWithdrawable(m *shareMarket) decimal.Decimal {
	free := s.balance(m)
	if m.debt.IsPositive() {
		if !m.cfg.MaxLTV.IsPositive() {
			return decimal.Zero
		}
		free = free.Sub(m.debt.DivRound(m.cfg.MaxLTV, rateScale).RoundCeil(s.precision))
	}
	free = decimal.Min(free, m.cash)
	if m.withdrawCap != nil {
		free = decimal.Min(free, *m.withdrawCap)
	}
	if free.IsNegative() {
		return decimal.Zero
	}
	return free.RoundFloor(s.precision)
}

// --- Simulation controls ---

// AddYield credits interest to every share holder pro rata.
func (s *Shares) AddYield(asset string, amount decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.markets[asset]; ok {
		m.totalAssets = m.totalAssets.Add(amount)
		m.cash = m.cash.Add(amount)
	}
}

// SetWithdrawCap bounds any single withdrawal; nil removes the bound.
func (s *Shares) SetWithdrawCap(asset string, limit *decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.markets[asset]; ok {
		m.withdrawCap = limit
	}
}

// SetOffline makes every call fail with ErrUnavailable.
func (s *Shares) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = offline
}
