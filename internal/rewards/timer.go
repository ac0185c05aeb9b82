// Package rewards implements the cooldown state machine that governs
// redemption of the staked reward token harvested from venues.
//
// A cooldown must be triggered and then run for Period before the staked
// balance can be redeemed, and redemption is only possible for Window after
// that. Missing the window is routine: the next claim re-triggers.
package rewards

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/treasury-engine/internal/model"
	"github.com/atmx/treasury-engine/internal/registry"
	"github.com/atmx/treasury-engine/internal/venue"
)

const (
	// DefaultCooldownPeriod is 864000 seconds.
	DefaultCooldownPeriod = 10 * 24 * time.Hour

	// DefaultUnstakeWindow is 172800 seconds.
	DefaultUnstakeWindow = 2 * 24 * time.Hour
)

// Policy configures the timer.
type Policy struct {
	Period time.Duration
	Window time.Duration

	// RetriggerWhileCooling restarts the cooldown when a claim during
	// CoolingDown harvests new rewards. Off by default.
	RetriggerWhileCooling bool
}

// DefaultPolicy returns the standard ten-day cooldown and two-day window.
func DefaultPolicy() Policy {
	return Policy{Period: DefaultCooldownPeriod, Window: DefaultUnstakeWindow}
}

// Phase derives the cooldown phase. The window bounds are inclusive.
func Phase(state model.CooldownState, balance decimal.Decimal, now time.Time, p Policy) model.CooldownPhase {
	if state.Start == nil || !balance.IsPositive() {
		return model.PhaseIdle
	}
	opens := state.Start.Add(p.Period)
	closes := opens.Add(p.Window)
	switch {
	case now.Before(opens):
		return model.PhaseCoolingDown
	case now.After(closes):
		return model.PhaseExpired
	default:
		return model.PhaseRedeemWindowOpen
	}
}

// ClaimResult describes what a claim did.
type ClaimResult struct {
	PhaseBefore   model.CooldownPhase `json:"phase_before"`
	PhaseAfter    model.CooldownPhase `json:"phase_after"`
	Harvested     decimal.Decimal     `json:"harvested"`
	Redeemed      decimal.Decimal     `json:"redeemed"`
	Received      decimal.Decimal     `json:"received"`
	Triggered     bool                `json:"triggered"`
	CooldownStart *time.Time          `json:"cooldown_start,omitempty"`
	RewardBalance decimal.Decimal     `json:"reward_balance"`
	// Deferred lists venue calls that failed after the claim had already
	// changed venue state. They are retried by the next claim.
	Deferred []string `json:"deferred,omitempty"`
}

// Timer is the reward cooldown timer. harvester may be nil when the venue
// pays no incentives.
type Timer struct {
	staking   venue.Staking
	harvester venue.Harvester
	policy    Policy
	now       func() time.Time
}

// NewTimer creates a timer. A nil clock uses time.Now.
func NewTimer(staking venue.Staking, harvester venue.Harvester, policy Policy, now func() time.Time) *Timer {
	if now == nil {
		now = time.Now
	}
	return &Timer{staking: staking, harvester: harvester, policy: policy, now: now}
}

// Policy returns the timer configuration.
func (t *Timer) Policy() Policy { return t.policy }

// Phase reports the phase of cooldown and balance at the current time.
func (t *Timer) Phase(cooldown model.CooldownState, balance decimal.Decimal) model.CooldownPhase {
	return Phase(cooldown, balance, t.now(), t.policy)
}

// Claim is the single entry point of the state machine. assets are the
// managed assets whose venue positions accrue rewards.
//
// Venue calls made by a claim cannot be reversed. The first one may fail
// the claim, since nothing has happened yet. A failure after that is
// recorded in Deferred and the claim commits what the venue actually did,
// so the wallet never disagrees with the staking module.
func (t *Timer) Claim(ctx context.Context, tx *registry.Tx, assets []string) (ClaimResult, error) {
	now := t.now()
	token := t.staking.RewardToken()
	balance := tx.Balance(token)
	phase := Phase(tx.Cooldown(), balance, now, t.policy)
	res := ClaimResult{PhaseBefore: phase}

	pending, err := t.pending(ctx, assets)
	if err != nil {
		return ClaimResult{}, err
	}

	run := &claimRun{res: &res}
	switch phase {
	case model.PhaseIdle, model.PhaseExpired:
		if !balance.IsPositive() && !pending.IsPositive() {
			break
		}
		if err := run.step(t.harvest(ctx, tx, assets, &res)); err != nil {
			return ClaimResult{}, err
		}
		if tx.Balance(token).IsPositive() {
			if err := run.step(t.trigger(ctx, tx, now, &res)); err != nil {
				return ClaimResult{}, err
			}
		}

	case model.PhaseCoolingDown:
		if err := run.step(t.harvest(ctx, tx, assets, &res)); err != nil {
			return ClaimResult{}, err
		}
		if t.policy.RetriggerWhileCooling && res.Harvested.IsPositive() {
			if err := run.step(t.trigger(ctx, tx, now, &res)); err != nil {
				return ClaimResult{}, err
			}
		}

	case model.PhaseRedeemWindowOpen:
		if err := tx.Debit(token, balance); err != nil {
			return ClaimResult{}, err
		}
		received, err := t.staking.Redeem(ctx, balance)
		if err := run.step(err == nil, err); err != nil {
			return ClaimResult{}, fmt.Errorf("%w: redeem %s: %w", model.ErrVenueUnavailable, token, err)
		}
		tx.Credit(t.staking.RedeemAsset(), received)
		tx.SetCooldown(model.CooldownState{})
		res.Redeemed, res.Received = balance, received

		if err := run.step(t.harvest(ctx, tx, assets, &res)); err != nil {
			return ClaimResult{}, err
		}
		if tx.Balance(token).IsPositive() {
			if err := run.step(t.trigger(ctx, tx, now, &res)); err != nil {
				return ClaimResult{}, err
			}
		}
	}

	cd := tx.Cooldown()
	res.CooldownStart = cd.Start
	res.RewardBalance = tx.Balance(token)
	res.PhaseAfter = Phase(cd, res.RewardBalance, now, t.policy)
	return res, nil
}

// claimRun tracks whether a claim has already changed venue state.
type claimRun struct {
	res     *ClaimResult
	changed bool
}

// step returns err while the venue is untouched. Once a call has
// changed venue state, later failures are deferred instead.
func (r *claimRun) step(changed bool, err error) error {
	if err == nil {
		r.changed = r.changed || changed
		return nil
	}
	if !r.changed {
		return err
	}
	r.res.Deferred = append(r.res.Deferred, err.Error())
	return nil
}

func (t *Timer) trigger(ctx context.Context, tx *registry.Tx, now time.Time, res *ClaimResult) (bool, error) {
	if err := t.staking.Cooldown(ctx); err != nil {
		return false, fmt.Errorf("%w: cooldown: %w", model.ErrVenueUnavailable, err)
	}
	start := now
	tx.SetCooldown(model.CooldownState{Start: &start})
	res.Triggered = true
	return true, nil
}

func (t *Timer) pending(ctx context.Context, assets []string) (decimal.Decimal, error) {
	if t.harvester == nil || len(assets) == 0 {
		return decimal.Zero, nil
	}
	p, err := t.harvester.PendingRewards(ctx, assets)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: pending rewards: %w", model.ErrValuationUnavailable, err)
	}
	return p, nil
}

func (t *Timer) harvest(ctx context.Context, tx *registry.Tx, assets []string, res *ClaimResult) (bool, error) {
	if t.harvester == nil || len(assets) == 0 {
		return false, nil
	}
	amt, err := t.harvester.ClaimRewards(ctx, assets)
	if err != nil {
		return false, fmt.Errorf("%w: claim rewards: %w", model.ErrVenueUnavailable, err)
	}
	if !amt.IsPositive() {
		return false, nil
	}
	tx.Credit(t.staking.RewardToken(), amt)
	res.Harvested = amt
	return true, nil
}
