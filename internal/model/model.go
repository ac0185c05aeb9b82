// Package model defines the core domain types shared across the treasury engine.
// All monetary values use shopspring/decimal, never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// AssetPosition is the per-asset accounting record. LastBalance, NetGain and
// NetDebt are written only by the ledger; BorrowBalance only by the leverage
// engine. At most one of NetGain and NetDebt is nonzero.
type AssetPosition struct {
	Asset            string          `json:"asset" db:"asset"`
	LastBalance      decimal.Decimal `json:"last_balance" db:"last_balance"`
	NetGain          decimal.Decimal `json:"net_gain" db:"net_gain"`
	NetDebt          decimal.Decimal `json:"net_debt" db:"net_debt"`
	BorrowBalance    decimal.Decimal `json:"borrow_balance" db:"borrow_balance"`
	CollateralFactor decimal.Decimal `json:"collateral_factor" db:"collateral_factor"`
	RegisteredAt     time.Time       `json:"registered_at" db:"registered_at"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
}

// UnrealizedPL returns the signed net P&L, netGain - netDebt.
func (p AssetPosition) UnrealizedPL() decimal.Decimal {
	return p.NetGain.Sub(p.NetDebt)
}

// LeverageState reports the resting leverage state of the position.
func (p AssetPosition) LeverageState() LeverageState {
	if p.BorrowBalance.IsPositive() {
		return Levered
	}
	return Unlevered
}

// LeverageState is the per-asset leverage state machine. Levering and
// Delevering exist only inside a single fold or unfold.
type LeverageState string

const (
	Unlevered  LeverageState = "unlevered"
	Levering   LeverageState = "levering"
	Levered    LeverageState = "levered"
	Delevering LeverageState = "delevering"
)

// CooldownPhase is derived from the cooldown start, the reward balance and now.
type CooldownPhase string

const (
	PhaseIdle             CooldownPhase = "idle"
	PhaseCoolingDown      CooldownPhase = "cooling_down"
	PhaseRedeemWindowOpen CooldownPhase = "redeem_window_open"
	PhaseExpired          CooldownPhase = "expired"
)

// CooldownState is held once per engine; the reward token is fungible
// across assets. A nil Start means no cooldown has been triggered.
type CooldownState struct {
	Start *time.Time `json:"cooldown_start,omitempty" db:"cooldown_start"`
}

// Triggered reports whether a cooldown start is recorded.
func (c CooldownState) Triggered() bool {
	return c.Start != nil
}

// Params are the runtime-adjustable safety settings. Once saved they take
// precedence over the configured values.
type Params struct {
	LiquidationWarningThreshold decimal.Decimal `json:"liquidation_warning_threshold" db:"liquidation_threshold"`
	LiquidationCheck            bool            `json:"liquidation_check" db:"liquidation_check"`
}

// Balance is an idle wallet balance held directly by the engine.
type Balance struct {
	Asset  string          `json:"asset" db:"asset"`
	Amount decimal.Decimal `json:"amount" db:"amount"`
}

// Op names a state-changing engine operation.
type Op string

const (
	OpRegister   Op = "register"
	OpDeregister Op = "deregister"
	OpPush       Op = "push"
	OpPull       Op = "pull"
	OpFold       Op = "fold"
	OpUnfold     Op = "unfold"
	OpClaim      Op = "claim"
	OpSurplus    Op = "surplus"
	OpRecover    Op = "recover"
	OpParams     Op = "params"
)

// JournalEntry is an immutable record of a committed operation on one asset.
// Once created, entries are never modified or deleted.
type JournalEntry struct {
	ID            string          `json:"id" db:"id"`
	Op            Op              `json:"op" db:"op"`
	Asset         string          `json:"asset" db:"asset"`
	Caller        string          `json:"caller" db:"caller"`
	Requested     decimal.Decimal `json:"requested" db:"requested"`
	Amount        decimal.Decimal `json:"amount" db:"amount"` // effective amount moved
	LastBalance   decimal.Decimal `json:"last_balance" db:"last_balance"`
	NetGain       decimal.Decimal `json:"net_gain" db:"net_gain"`
	NetDebt       decimal.Decimal `json:"net_debt" db:"net_debt"`
	BorrowBalance decimal.Decimal `json:"borrow_balance" db:"borrow_balance"`
	Timestamp     time.Time       `json:"timestamp" db:"timestamp"`
}
