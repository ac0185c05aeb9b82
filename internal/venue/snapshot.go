package venue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// The simulations keep their books in memory. Snapshot and Restore let the
// engine save them next to the registry so a restart resumes the same
// venue balances. Listing configuration is not part of a snapshot.

type reserveSnapshot struct {
	Cash        decimal.Decimal `json:"cash"`
	Supplied    decimal.Decimal `json:"supplied"`
	Borrowed    decimal.Decimal `json:"borrowed"`
	Rewards     decimal.Decimal `json:"rewards"`
	LastAccrual time.Time       `json:"last_accrual"`
}

// Snapshot encodes every reserve's balances.
func (p *Pool) Snapshot() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]reserveSnapshot, len(p.reserves))
	for asset, r := range p.reserves {
		out[asset] = reserveSnapshot{
			Cash:        r.cash,
			Supplied:    r.supplied,
			Borrowed:    r.borrowed,
			Rewards:     r.rewards,
			LastAccrual: r.lastAccrual,
		}
	}
	return json.Marshal(out)
}

// Restore replaces reserve balances with a snapshot. It fails without
// changing anything when the snapshot holds a position on an unlisted asset.
func (p *Pool) Restore(data []byte) error {
	var in map[string]reserveSnapshot
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("decode %s state: %w", p.name, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for asset, rs := range in {
		if _, ok := p.reserves[asset]; !ok && (!rs.Supplied.IsZero() || !rs.Borrowed.IsZero()) {
			return fmt.Errorf("%w: saved position on %s", ErrUnsupportedAsset, asset)
		}
	}
	for asset, rs := range in {
		r, ok := p.reserves[asset]
		if !ok {
			continue
		}
		r.cash, r.supplied, r.borrowed, r.rewards = rs.Cash, rs.Supplied, rs.Borrowed, rs.Rewards
		r.lastAccrual = rs.LastAccrual
	}
	return nil
}

type marketSnapshot struct {
	Cash        decimal.Decimal `json:"cash"`
	TotalShares decimal.Decimal `json:"total_shares"`
	TotalAssets decimal.Decimal `json:"total_assets"`
	Shares      decimal.Decimal `json:"shares"`
	Debt        decimal.Decimal `json:"debt"`
}

// Snapshot encodes every market's share accounting.
func (s *Shares) Snapshot() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]marketSnapshot, len(s.markets))
	for asset, m := range s.markets {
		out[asset] = marketSnapshot{
			Cash:        m.cash,
			TotalShares: m.totalShares,
			TotalAssets: m.totalAssets,
			Shares:      m.shares,
			Debt:        m.debt,
		}
	}
	return json.Marshal(out)
}

// Restore replaces market accounting with a snapshot.
func (s *Shares) Restore(data []byte) error {
	var in map[string]marketSnapshot
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("decode %s state: %w", s.name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for asset, ms := range in {
		if _, ok := s.markets[asset]; !ok && (!ms.Shares.IsZero() || !ms.Debt.IsZero()) {
			return fmt.Errorf("%w: saved position on %s", ErrUnsupportedAsset, asset)
		}
	}
	for asset, ms := range in {
		m, ok := s.markets[asset]
		if !ok {
			continue
		}
		m.cash, m.totalShares, m.totalAssets = ms.Cash, ms.TotalShares, ms.TotalAssets
		m.shares, m.debt = ms.Shares, ms.Debt
	}
	return nil
}

type stakeSnapshot struct {
	CooldownStart *time.Time `json:"cooldown_start,omitempty"`
}

// Snapshot encodes the venue-side cooldown.
func (s *StakedToken) Snapshot() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return json.Marshal(stakeSnapshot{CooldownStart: s.cooldownStart})
}

// Restore replaces the venue-side cooldown with a snapshot.
func (s *StakedToken) Restore(data []byte) error {
	var in stakeSnapshot
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("decode %s state: %w", s.token, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cooldownStart = in.CooldownStart
	return nil
}
