// Package leverage opens and closes recursive borrow-against-collateral
// positions in one atomic step using fee-free, same-asset flash liquidity.
//
// Fold supplies flash-borrowed funds as collateral, borrows the same amount
// back from the venue and repays the flash loan with it. Unfold is the
// mirror image. Each call re-measures flash liquidity and re-checks the
// safety gate, so deeper leverage is reached with repeated folds.
package leverage

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/treasury-engine/internal/ledger"
	"github.com/atmx/treasury-engine/internal/model"
	"github.com/atmx/treasury-engine/internal/registry"
	"github.com/atmx/treasury-engine/internal/venue"
)

// Result describes the position after a fold or unfold.
type Result struct {
	Asset     string              `json:"asset"`
	Requested decimal.Decimal     `json:"requested"`
	Amount    decimal.Decimal     `json:"amount"` // flash amount actually executed
	Supplied  decimal.Decimal     `json:"supplied"`
	Borrowed  decimal.Decimal     `json:"borrowed"`
	LTV       decimal.Decimal     `json:"ltv"`
	State     model.LeverageState `json:"state"`
	Report    ledger.Report       `json:"report"`
}

// Engine is the leveraged position engine. It is the only writer of
// AssetPosition.BorrowBalance.
type Engine struct {
	venue  venue.Adapter
	flash  venue.FlashLender
	ledger *ledger.Ledger
	gate   *Gate
}

// NewEngine creates a leverage engine.
func NewEngine(v venue.Adapter, flash venue.FlashLender, l *ledger.Ledger, gate *Gate) *Engine {
	return &Engine{venue: v, flash: flash, ledger: l, gate: gate}
}

// Gate returns the safety gate shared with the capital-flow coordinator.
func (e *Engine) Gate() *Gate { return e.gate }

// Fold levers asset by up to requested. The executed amount is requested
// capped by available flash liquidity and by collateral capacity; a feasible
// amount of zero only reconciles.
func (e *Engine) Fold(ctx context.Context, tx *registry.Tx, asset string, requested decimal.Decimal) (Result, error) {
	if requested.IsNegative() {
		return Result{}, fmt.Errorf("%w: fold %s", model.ErrInvalidAmount, requested)
	}
	pos, err := tx.Position(asset)
	if err != nil {
		return Result{}, err
	}
	supplied, borrowed, err := e.valuations(ctx, asset)
	if err != nil {
		return Result{}, err
	}
	available, err := e.flash.MaxFlashLoan(ctx, asset)
	if err != nil {
		return Result{}, fmt.Errorf("%w: flash capacity %s: %w", model.ErrVenueUnavailable, asset, err)
	}

	amount := decimal.Min(requested, available, Capacity(pos.CollateralFactor, supplied, borrowed))
	if amount.IsPositive() {
		if err := e.requireZeroFee(ctx, asset, amount); err != nil {
			return Result{}, err
		}
		if err := e.lever(ctx, asset, amount, true); err != nil {
			return Result{}, err
		}
		tx.OnRollback(func(ctx context.Context) error {
			_, err := e.delever(ctx, asset, amount)
			return err
		})
	} else {
		amount = decimal.Zero
	}

	return e.settle(ctx, tx, pos, requested, amount)
}

// Unfold delevers asset by up to requested, bounded by the debt and the
// available flash liquidity. When the venue returns less collateral than the
// debt repaid, the shortfall is re-borrowed so the flash loan closes; the
// position is left partially delevered and ErrInsufficientCollateral is
// returned next to a result describing the committed state.
func (e *Engine) Unfold(ctx context.Context, tx *registry.Tx, asset string, requested decimal.Decimal) (Result, error) {
	if requested.IsNegative() {
		return Result{}, fmt.Errorf("%w: unfold %s", model.ErrInvalidAmount, requested)
	}
	pos, err := tx.Position(asset)
	if err != nil {
		return Result{}, err
	}
	_, borrowed, err := e.valuations(ctx, asset)
	if err != nil {
		return Result{}, err
	}
	if !borrowed.IsPositive() {
		return Result{}, fmt.Errorf("%w: %s", model.ErrNothingBorrowed, asset)
	}
	available, err := e.flash.MaxFlashLoan(ctx, asset)
	if err != nil {
		return Result{}, fmt.Errorf("%w: flash capacity %s: %w", model.ErrVenueUnavailable, asset, err)
	}

	amount := decimal.Min(requested, borrowed, available)
	if !amount.IsPositive() {
		return e.settle(ctx, tx, pos, requested, decimal.Zero)
	}
	if err := e.requireZeroFee(ctx, asset, amount); err != nil {
		return Result{}, err
	}
	withdrawn, err := e.delever(ctx, asset, amount)
	if err != nil {
		return Result{}, err
	}
	if withdrawn.IsPositive() {
		tx.OnRollback(func(ctx context.Context) error {
			return e.lever(ctx, asset, withdrawn, false)
		})
	}

	res, err := e.settle(ctx, tx, pos, requested, withdrawn)
	if err != nil {
		return Result{}, err
	}
	if withdrawn.LessThan(amount) {
		return res, fmt.Errorf("%w: %s withdrew %s of %s", model.ErrInsufficientCollateral, asset, withdrawn, amount)
	}
	return res, nil
}

// lever runs supply then borrow of amount inside a flash loan. With check
// set, the safety gate is evaluated before the loan closes and a breach
// unwinds the venue calls.
func (e *Engine) lever(ctx context.Context, asset string, amount decimal.Decimal, check bool) error {
	err := e.flash.FlashLoan(ctx, asset, amount, func(ctx context.Context, got decimal.Decimal) (decimal.Decimal, error) {
		if err := e.venue.Supply(ctx, asset, got); err != nil {
			return decimal.Zero, fmt.Errorf("%w: supply %s: %w", model.ErrVenueUnavailable, asset, err)
		}
		if err := e.venue.Borrow(ctx, asset, got); err != nil {
			_, werr := e.venue.Withdraw(ctx, asset, got)
			return decimal.Zero, errors.Join(fmt.Errorf("%w: borrow %s: %w", model.ErrVenueUnavailable, asset, err), werr)
		}
		if check {
			supplied, borrowed, err := e.valuations(ctx, asset)
			if err == nil {
				err = e.gate.Check(asset, supplied, borrowed)
			}
			if err != nil {
				return decimal.Zero, errors.Join(err, e.unwind(ctx, asset, got))
			}
		}
		return got, nil
	})
	return flashError(asset, err)
}

// delever runs repay then withdraw of amount inside a flash loan and returns
// the collateral actually withdrawn.
func (e *Engine) delever(ctx context.Context, asset string, amount decimal.Decimal) (decimal.Decimal, error) {
	var withdrawn decimal.Decimal
	err := e.flash.FlashLoan(ctx, asset, amount, func(ctx context.Context, got decimal.Decimal) (decimal.Decimal, error) {
		paid, err := e.venue.Repay(ctx, asset, got)
		if err != nil {
			return decimal.Zero, fmt.Errorf("%w: repay %s: %w", model.ErrVenueUnavailable, asset, err)
		}
		w, err := e.venue.Withdraw(ctx, asset, paid)
		if err != nil {
			berr := e.venue.Borrow(ctx, asset, paid)
			return decimal.Zero, errors.Join(fmt.Errorf("%w: withdraw %s: %w", model.ErrVenueUnavailable, asset, err), berr)
		}
		if short := paid.Sub(w); short.IsPositive() {
			if err := e.venue.Borrow(ctx, asset, short); err != nil {
				return decimal.Zero, fmt.Errorf("%w: re-borrow %s: %w", model.ErrVenueUnavailable, asset, err)
			}
		}
		withdrawn = w
		return got, nil
	})
	if err != nil {
		return decimal.Zero, flashError(asset, err)
	}
	return withdrawn, nil
}

// unwind reverses a supply and borrow of amount while the flash loan that
// funded them is still open.
func (e *Engine) unwind(ctx context.Context, asset string, amount decimal.Decimal) error {
	if _, err := e.venue.Repay(ctx, asset, amount); err != nil {
		return err
	}
	_, err := e.venue.Withdraw(ctx, asset, amount)
	return err
}

// settle refreshes BorrowBalance from the venue and reconciles.
func (e *Engine) settle(ctx context.Context, tx *registry.Tx, pos *model.AssetPosition, requested, amount decimal.Decimal) (Result, error) {
	supplied, borrowed, err := e.valuations(ctx, pos.Asset)
	if err != nil {
		return Result{}, err
	}
	pos.BorrowBalance = borrowed

	report, err := e.ledger.Reconcile(ctx, tx, pos.Asset, decimal.Zero)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Asset:     pos.Asset,
		Requested: requested,
		Amount:    amount,
		Supplied:  supplied,
		Borrowed:  borrowed,
		LTV:       LTV(supplied, borrowed),
		State:     pos.LeverageState(),
		Report:    report,
	}, nil
}

func (e *Engine) requireZeroFee(ctx context.Context, asset string, amount decimal.Decimal) error {
	fee, err := e.flash.FlashFee(ctx, asset, amount)
	if err != nil {
		return fmt.Errorf("%w: flash fee %s: %w", model.ErrVenueUnavailable, asset, err)
	}
	if !fee.IsZero() {
		return fmt.Errorf("%w: %s fee %s on %s", model.ErrNonZeroFlashFee, asset, fee, amount)
	}
	return nil
}

func (e *Engine) valuations(ctx context.Context, asset string) (decimal.Decimal, decimal.Decimal, error) {
	supplied, err := e.venue.SuppliedValue(ctx, asset)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: supplied %s: %w", model.ErrValuationUnavailable, asset, err)
	}
	borrowed, err := e.venue.BorrowedValue(ctx, asset)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: borrowed %s: %w", model.ErrValuationUnavailable, asset, err)
	}
	return supplied, borrowed, nil
}

// flashError tags flash-source failures; errors already carrying a
// taxonomy kind pass through.
func flashError(asset string, err error) error {
	if err == nil || model.KindOf(err) != model.KindUnknown {
		return err
	}
	return fmt.Errorf("%w: flash loan %s: %w", model.ErrVenueUnavailable, asset, err)
}
