package treasury

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/treasury-engine/internal/ledger"
	"github.com/atmx/treasury-engine/internal/leverage"
	"github.com/atmx/treasury-engine/internal/model"
)

// TotalManagedValue returns idle plus venue NAV for asset.
func (e *Engine) TotalManagedValue(ctx context.Context, asset string) (decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.TotalManagedValue(ctx, e.reg, asset)
}

// UnrealizedPL returns the last reconciled netGain - netDebt for asset.
func (e *Engine) UnrealizedPL(asset string) (decimal.Decimal, error) {
	return ledger.UnrealizedPL(e.reg, asset)
}

// Position returns the accounting record for asset.
func (e *Engine) Position(asset string) (model.AssetPosition, error) {
	p, err := e.reg.Position(asset)
	if err != nil {
		return model.AssetPosition{}, err
	}
	return *p, nil
}

// Positions returns every managed asset's record, ordered by asset.
func (e *Engine) Positions() []model.AssetPosition {
	return e.reg.Positions()
}

// Balances returns the engine's nonzero idle balances.
func (e *Engine) Balances() []model.Balance {
	return e.reg.Balances()
}

// AssetSummary is the live view of one managed asset.
type AssetSummary struct {
	Position          model.AssetPosition `json:"position"`
	Idle              decimal.Decimal     `json:"idle"`
	Supplied          decimal.Decimal     `json:"supplied"`
	Borrowed          decimal.Decimal     `json:"borrowed"`
	TotalManagedValue decimal.Decimal     `json:"total_managed_value"`
	UnrealizedPL      decimal.Decimal     `json:"unrealized_pl"`
	// PendingDelta is the change a reconciliation would book now.
	PendingDelta decimal.Decimal     `json:"pending_delta"`
	LTV          decimal.Decimal     `json:"ltv"`
	State        model.LeverageState `json:"state"`
}

// Summary reads the venue and reports asset's live state without
// reconciling.
func (e *Engine) Summary(ctx context.Context, asset string) (AssetSummary, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pos, err := e.reg.Position(asset)
	if err != nil {
		return AssetSummary{}, err
	}
	supplied, err := e.venue.SuppliedValue(ctx, asset)
	if err != nil {
		return AssetSummary{}, fmt.Errorf("%w: supplied %s: %w", model.ErrValuationUnavailable, asset, err)
	}
	borrowed, err := e.venue.BorrowedValue(ctx, asset)
	if err != nil {
		return AssetSummary{}, fmt.Errorf("%w: borrowed %s: %w", model.ErrValuationUnavailable, asset, err)
	}
	total, err := e.ledger.TotalManagedValue(ctx, e.reg, asset)
	if err != nil {
		return AssetSummary{}, err
	}
	return AssetSummary{
		Position:          *pos,
		Idle:              e.reg.Balance(asset),
		Supplied:          supplied,
		Borrowed:          borrowed,
		TotalManagedValue: total,
		UnrealizedPL:      pos.UnrealizedPL(),
		PendingDelta:      total.Sub(pos.LastBalance),
		LTV:               leverage.LTV(supplied, borrowed),
		State:             pos.LeverageState(),
	}, nil
}

// CooldownStatus is the reward timer's current view.
type CooldownStatus struct {
	Phase         model.CooldownPhase `json:"phase"`
	Start         *time.Time          `json:"cooldown_start,omitempty"`
	WindowOpens   *time.Time          `json:"window_opens,omitempty"`
	WindowCloses  *time.Time          `json:"window_closes,omitempty"`
	RewardToken   string              `json:"reward_token"`
	RewardBalance decimal.Decimal     `json:"reward_balance"`
}

// Cooldown reports the reward cooldown phase at the current time.
func (e *Engine) Cooldown() CooldownStatus {
	token := e.staking.RewardToken()
	state := e.reg.Cooldown()
	balance := e.reg.Balance(token)
	st := CooldownStatus{
		Phase:         e.timer.Phase(state, balance),
		Start:         state.Start,
		RewardToken:   token,
		RewardBalance: balance,
	}
	if state.Start != nil {
		p := e.timer.Policy()
		opens := state.Start.Add(p.Period)
		closes := opens.Add(p.Window)
		st.WindowOpens, st.WindowCloses = &opens, &closes
	}
	return st
}

// LiquidationParams is the safety gate's configuration.
type LiquidationParams struct {
	Threshold decimal.Decimal `json:"liquidation_warning_threshold"`
	Enabled   bool            `json:"liquidation_check"`
}

// Liquidation returns the safety gate configuration.
func (e *Engine) Liquidation() LiquidationParams {
	e.mu.Lock()
	defer e.mu.Unlock()
	return LiquidationParams{Threshold: e.gate.Threshold, Enabled: e.gate.Enabled}
}

// Journal returns the committed operations recorded for asset, oldest first.
func (e *Engine) Journal(ctx context.Context, asset string) ([]model.JournalEntry, error) {
	return e.store.GetJournalEntriesByAsset(ctx, asset)
}
