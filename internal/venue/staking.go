package venue

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// StakedToken simulates a staked reward token that redeems into its
// underlying only inside the unstake window following a cooldown.
type StakedToken struct {
	mu            sync.Mutex
	token         string
	redeemAsset   string
	period        time.Duration
	window        time.Duration
	rate          decimal.Decimal
	now           func() time.Time
	cooldownStart *time.Time
	offline       bool
}

// NewStakedToken creates a staking module redeeming token into redeemAsset
// one for one. A nil clock uses time.Now.
func NewStakedToken(token, redeemAsset string, period, window time.Duration, now func() time.Time) *StakedToken {
	if now == nil {
		now = time.Now
	}
	return &StakedToken{
		token:       token,
		redeemAsset: redeemAsset,
		period:      period,
		window:      window,
		rate:        decimal.NewFromInt(1),
		now:         now,
	}
}

func (s *StakedToken) RewardToken() string { return s.token }
func (s *StakedToken) RedeemAsset() string { return s.redeemAsset }

func (s *StakedToken) Cooldown(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return ErrUnavailable
	}
	t := s.now()
	s.cooldownStart = &t
	return nil
}

func (s *StakedToken) Redeem(_ context.Context, amount decimal.Decimal) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return decimal.Zero, ErrUnavailable
	}
	if s.cooldownStart == nil {
		return decimal.Zero, ErrCooldownNotReady
	}
	opens := s.cooldownStart.Add(s.period)
	closes := opens.Add(s.window)
	now := s.now()
	if now.Before(opens) || now.After(closes) {
		return decimal.Zero, ErrCooldownNotReady
	}
	s.cooldownStart = nil
	return amount.Mul(s.rate), nil
}

// SetRate sets the underlying received per staked token.
func (s *StakedToken) SetRate(rate decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rate = rate
}

// SetOffline makes every call fail with ErrUnavailable.
func (s *StakedToken) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = offline
}
