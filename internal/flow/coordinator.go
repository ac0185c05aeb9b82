// Package flow moves capital between the allocation layer, the engine's idle
// wallet and the lending venue, reconciling the ledger around every movement.
package flow

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/treasury-engine/internal/allocator"
	"github.com/atmx/treasury-engine/internal/ledger"
	"github.com/atmx/treasury-engine/internal/leverage"
	"github.com/atmx/treasury-engine/internal/model"
	"github.com/atmx/treasury-engine/internal/registry"
	"github.com/atmx/treasury-engine/internal/venue"
)

// Result describes one push, pull or surplus transfer.
type Result struct {
	Asset     string          `json:"asset"`
	Requested decimal.Decimal `json:"requested"`
	Amount    decimal.Decimal `json:"amount"`
	FromIdle  decimal.Decimal `json:"from_idle"`
	FromVenue decimal.Decimal `json:"from_venue"`
	Report    ledger.Report   `json:"report"`
}

// Coordinator is the capital-flow coordinator.
type Coordinator struct {
	alloc  allocator.Allocator
	venue  venue.Adapter
	ledger *ledger.Ledger
	gate   *leverage.Gate
}

// NewCoordinator creates a coordinator. gate is the same safety gate the
// leverage engine uses.
func NewCoordinator(alloc allocator.Allocator, v venue.Adapter, l *ledger.Ledger, gate *leverage.Gate) *Coordinator {
	return &Coordinator{alloc: alloc, venue: v, ledger: l, gate: gate}
}

// Push routes amount of asset from the allocation layer into the venue. The
// ledger is reconciled first with amount as pending inflow, so the new
// capital raises the reference balance without being booked as gain. A zero
// amount only reconciles.
func (c *Coordinator) Push(ctx context.Context, tx *registry.Tx, asset string, amount decimal.Decimal) (Result, error) {
	if amount.IsNegative() {
		return Result{}, fmt.Errorf("%w: push %s", model.ErrInvalidAmount, amount)
	}
	report, err := c.ledger.Reconcile(ctx, tx, asset, amount)
	if err != nil {
		return Result{}, err
	}
	res := Result{Asset: asset, Requested: amount, Amount: amount, Report: report}
	if amount.IsZero() {
		return res, nil
	}

	if err := c.alloc.Disburse(ctx, asset, amount); err != nil {
		return Result{}, fmt.Errorf("%w: disburse %s: %w", model.ErrInsufficientFunds, asset, err)
	}
	tx.OnRollback(func(ctx context.Context) error {
		return c.alloc.Collect(ctx, asset, amount)
	})
	tx.Credit(asset, amount)

	if err := tx.Debit(asset, amount); err != nil {
		return Result{}, err
	}
	if err := c.venue.Supply(ctx, asset, amount); err != nil {
		return Result{}, fmt.Errorf("%w: supply %s: %w", model.ErrVenueUnavailable, asset, err)
	}
	tx.OnRollback(func(ctx context.Context) error {
		_, err := c.venue.Withdraw(ctx, asset, amount)
		return err
	})
	return res, nil
}

// Pull returns up to requested of asset to the allocation layer, drawing on
// idle balance first and then on the venue's spot liquidity. The reference
// balance falls by exactly the amount released.
func (c *Coordinator) Pull(ctx context.Context, tx *registry.Tx, asset string, requested decimal.Decimal) (Result, error) {
	if requested.IsNegative() {
		return Result{}, fmt.Errorf("%w: pull %s", model.ErrInvalidAmount, requested)
	}
	report, err := c.ledger.Reconcile(ctx, tx, asset, decimal.Zero)
	if err != nil {
		return Result{}, err
	}
	fromIdle, fromVenue, err := c.release(ctx, tx, asset, requested)
	if err != nil {
		return Result{}, err
	}
	amount := fromIdle.Add(fromVenue)
	if err := ledger.Release(tx, asset, amount); err != nil {
		return Result{}, err
	}
	report.LastBalance = report.LastBalance.Sub(amount)
	return Result{
		Asset:     asset,
		Requested: requested,
		Amount:    amount,
		FromIdle:  fromIdle,
		FromVenue: fromVenue,
		Report:    report,
	}, nil
}

// PushSurplus reconciles and hands the realized gain, as far as it can be
// released, to the allocation layer.
func (c *Coordinator) PushSurplus(ctx context.Context, tx *registry.Tx, asset string) (Result, error) {
	report, err := c.ledger.Reconcile(ctx, tx, asset, decimal.Zero)
	if err != nil {
		return Result{}, err
	}
	gain := report.NetGain
	res := Result{Asset: asset, Requested: gain, Report: report}
	if !gain.IsPositive() {
		return res, nil
	}
	fromIdle, fromVenue, err := c.release(ctx, tx, asset, gain)
	if err != nil {
		return Result{}, err
	}
	amount := fromIdle.Add(fromVenue)
	if err := ledger.Realize(tx, asset, amount); err != nil {
		return Result{}, err
	}
	res.Amount, res.FromIdle, res.FromVenue = amount, fromIdle, fromVenue
	res.Report.NetGain = gain.Sub(amount)
	res.Report.LastBalance = report.LastBalance.Sub(amount)
	return res, nil
}

// release moves up to amount of asset out to the allocation layer: idle
// first, then min(rest, maxWithdrawable) from the venue. A levered position
// is checked against the safety gate on its post-withdrawal LTV before the
// venue is touched.
func (c *Coordinator) release(ctx context.Context, tx *registry.Tx, asset string, amount decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	fromIdle := decimal.Min(amount, tx.Balance(asset))
	need := amount.Sub(fromIdle)

	planned := decimal.Zero
	if need.IsPositive() {
		maxW, err := c.venue.MaxWithdrawable(ctx, asset)
		if err != nil {
			return decimal.Zero, decimal.Zero, fmt.Errorf("%w: max withdrawable %s: %w", model.ErrValuationUnavailable, asset, err)
		}
		planned = decimal.Min(need, maxW)
	}

	if c.gate != nil && c.gate.Enabled {
		borrowed, err := c.venue.BorrowedValue(ctx, asset)
		if err != nil {
			return decimal.Zero, decimal.Zero, fmt.Errorf("%w: borrowed %s: %w", model.ErrValuationUnavailable, asset, err)
		}
		if borrowed.IsPositive() {
			supplied, err := c.venue.SuppliedValue(ctx, asset)
			if err != nil {
				return decimal.Zero, decimal.Zero, fmt.Errorf("%w: supplied %s: %w", model.ErrValuationUnavailable, asset, err)
			}
			if err := c.gate.Check(asset, supplied.Sub(planned), borrowed); err != nil {
				return decimal.Zero, decimal.Zero, err
			}
		}
	}

	fromVenue := decimal.Zero
	if planned.IsPositive() {
		w, err := c.venue.Withdraw(ctx, asset, planned)
		if err != nil {
			return decimal.Zero, decimal.Zero, fmt.Errorf("%w: withdraw %s: %w", model.ErrVenueUnavailable, asset, err)
		}
		if w.IsPositive() {
			tx.OnRollback(func(ctx context.Context) error {
				return c.venue.Supply(ctx, asset, w)
			})
			tx.Credit(asset, w)
		}
		fromVenue = w
	}

	total := fromIdle.Add(fromVenue)
	if !total.IsPositive() {
		return decimal.Zero, decimal.Zero, nil
	}
	if err := tx.Debit(asset, total); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	if err := c.alloc.Collect(ctx, asset, total); err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: collect %s: %w", model.ErrVenueUnavailable, asset, err)
	}
	tx.OnRollback(func(ctx context.Context) error {
		return c.alloc.Disburse(ctx, asset, total)
	})
	return fromIdle, fromVenue, nil
}
