// Package ledger implements per-asset profit and loss reconciliation.
//
// Each asset carries a reference balance (LastBalance) and a single signed
// net P&L split into the non-negative NetGain and NetDebt fields. Reconcile
// folds the change in total managed value since the last reconciliation into
// that net value:
//
//	delta   = idle + NAV - LastBalance
//	net     = NetGain - NetDebt + delta
//	NetGain = max(net, 0), NetDebt = max(-net, 0)
//
// Arithmetic is exact decimal, so the zero crossing needs no tie-break.
// The ledger never moves value; callers pass it the transaction that stages
// the surrounding value movement.
package ledger

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/treasury-engine/internal/model"
	"github.com/atmx/treasury-engine/internal/venue"
)

// Book is the view of registry state the ledger reads and writes. Both the
// committed registry and a staged transaction satisfy it.
type Book interface {
	Position(asset string) (*model.AssetPosition, error)
	Balance(asset string) decimal.Decimal
}

// Valuer reads the venue's valuation of supplied collateral and debt.
type Valuer interface {
	SuppliedValue(ctx context.Context, asset string) (decimal.Decimal, error)
	BorrowedValue(ctx context.Context, asset string) (decimal.Decimal, error)
}

var _ Valuer = (venue.Adapter)(nil)

// Report summarizes one reconciliation.
type Report struct {
	Asset        string          `json:"asset"`
	CurrentTotal decimal.Decimal `json:"current_total"`
	Delta        decimal.Decimal `json:"delta"`
	NetGain      decimal.Decimal `json:"net_gain"`
	NetDebt      decimal.Decimal `json:"net_debt"`
	LastBalance  decimal.Decimal `json:"last_balance"`
}

// Ledger reconciles positions against a venue valuation.
type Ledger struct {
	valuer Valuer
}

// New creates a ledger reading valuations from v.
func New(v Valuer) *Ledger {
	return &Ledger{valuer: v}
}

// NAV is supplied minus borrowed value, or the raw supplied valuation for an
// unlevered position.
func (l *Ledger) NAV(ctx context.Context, asset string) (decimal.Decimal, error) {
	supplied, err := l.valuer.SuppliedValue(ctx, asset)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: supplied %s: %w", model.ErrValuationUnavailable, asset, err)
	}
	borrowed, err := l.valuer.BorrowedValue(ctx, asset)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: borrowed %s: %w", model.ErrValuationUnavailable, asset, err)
	}
	if borrowed.IsPositive() {
		return supplied.Sub(borrowed), nil
	}
	return supplied, nil
}

// TotalManagedValue is idle plus NAV. It has no side effects.
func (l *Ledger) TotalManagedValue(ctx context.Context, book Book, asset string) (decimal.Decimal, error) {
	if _, err := book.Position(asset); err != nil {
		return decimal.Zero, err
	}
	nav, err := l.NAV(ctx, asset)
	if err != nil {
		return decimal.Zero, err
	}
	return book.Balance(asset).Add(nav), nil
}

// UnrealizedPL returns NetGain - NetDebt.
func UnrealizedPL(book Book, asset string) (decimal.Decimal, error) {
	pos, err := book.Position(asset)
	if err != nil {
		return decimal.Zero, err
	}
	return pos.UnrealizedPL(), nil
}

// Reconcile books the change in managed value since the last reconciliation
// and sets the reference balance to the current total plus pendingInflow,
// capital the caller is about to move in within the same operation.
func (l *Ledger) Reconcile(ctx context.Context, book Book, asset string, pendingInflow decimal.Decimal) (Report, error) {
	if pendingInflow.IsNegative() {
		return Report{}, fmt.Errorf("%w: pending inflow %s", model.ErrInvalidAmount, pendingInflow)
	}
	pos, err := book.Position(asset)
	if err != nil {
		return Report{}, err
	}
	total, err := l.TotalManagedValue(ctx, book, asset)
	if err != nil {
		return Report{}, err
	}

	delta := total.Sub(pos.LastBalance)
	pos.NetGain, pos.NetDebt = Net(pos.NetGain, pos.NetDebt, delta)
	pos.LastBalance = total.Add(pendingInflow)

	return Report{
		Asset:        asset,
		CurrentTotal: total,
		Delta:        delta,
		NetGain:      pos.NetGain,
		NetDebt:      pos.NetDebt,
		LastBalance:  pos.LastBalance,
	}, nil
}

// Release lowers the reference balance by capital handed back to the
// allocation layer. The outflow is principal, not loss, so the net P&L is
// untouched. Call it after Reconcile in the same operation.
func Release(book Book, asset string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("%w: release %s", model.ErrInvalidAmount, amount)
	}
	pos, err := book.Position(asset)
	if err != nil {
		return err
	}
	pos.LastBalance = pos.LastBalance.Sub(amount)
	return nil
}

// Realize books distributed surplus: NetGain and the reference balance both
// fall by amount. The amount may not exceed NetGain.
func Realize(book Book, asset string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("%w: realize %s", model.ErrInvalidAmount, amount)
	}
	pos, err := book.Position(asset)
	if err != nil {
		return err
	}
	if amount.GreaterThan(pos.NetGain) {
		return fmt.Errorf("%w: realize %s exceeds gain %s", model.ErrInvalidAmount, amount, pos.NetGain)
	}
	pos.NetGain = pos.NetGain.Sub(amount)
	pos.LastBalance = pos.LastBalance.Sub(amount)
	return nil
}

// Net applies delta to the signed value gain - debt and splits the result
// back into its non-negative parts.
func Net(gain, debt, delta decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	net := gain.Sub(debt).Add(delta)
	if net.IsNegative() {
		return decimal.Zero, net.Neg()
	}
	return net, decimal.Zero
}
