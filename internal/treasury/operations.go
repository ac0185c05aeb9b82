package treasury

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atmx/treasury-engine/internal/flow"
	"github.com/atmx/treasury-engine/internal/leverage"
	"github.com/atmx/treasury-engine/internal/metrics"
	"github.com/atmx/treasury-engine/internal/model"
	"github.com/atmx/treasury-engine/internal/registry"
	"github.com/atmx/treasury-engine/internal/rewards"
)

// RegisterAsset adds asset to the managed set with collateral factor cf.
func (e *Engine) RegisterAsset(ctx context.Context, caller, asset string, cf decimal.Decimal) (model.AssetPosition, error) {
	asset = strings.TrimSpace(asset)
	var pos model.AssetPosition
	err := e.execute(ctx, model.OpRegister, caller, func(tx *registry.Tx) ([]record, error) {
		if asset == "" {
			return nil, fmt.Errorf("%w: asset symbol is required", model.ErrInvalidParameter)
		}
		if e.isRewardAsset(asset) {
			return nil, fmt.Errorf("%w: %s is a reward asset", model.ErrInvalidParameter, asset)
		}
		if err := leverage.ValidateCollateralFactor(cf); err != nil {
			return nil, err
		}
		now := e.now().UTC()
		pos = model.AssetPosition{
			Asset:            asset,
			CollateralFactor: cf,
			RegisteredAt:     now,
			UpdatedAt:        now,
		}
		if err := tx.Register(pos); err != nil {
			return nil, err
		}
		return []record{{asset: asset}}, nil
	})
	if err != nil {
		return model.AssetPosition{}, err
	}
	return pos, nil
}

// DeregisterAsset removes asset from the managed set. The venue must hold
// neither supply nor debt for it and the idle balance must be empty.
func (e *Engine) DeregisterAsset(ctx context.Context, caller, asset string) error {
	return e.execute(ctx, model.OpDeregister, caller, func(tx *registry.Tx) ([]record, error) {
		if _, err := tx.Position(asset); err != nil {
			return nil, err
		}
		supplied, err := e.venue.SuppliedValue(ctx, asset)
		if err != nil {
			return nil, fmt.Errorf("%w: supplied %s: %w", model.ErrValuationUnavailable, asset, err)
		}
		borrowed, err := e.venue.BorrowedValue(ctx, asset)
		if err != nil {
			return nil, fmt.Errorf("%w: borrowed %s: %w", model.ErrValuationUnavailable, asset, err)
		}
		idle := tx.Balance(asset)
		if !supplied.IsZero() || !borrowed.IsZero() || !idle.IsZero() {
			return nil, fmt.Errorf("%w: %s supplied %s borrowed %s idle %s",
				model.ErrNonNullBalances, asset, supplied, borrowed, idle)
		}
		if err := tx.Deregister(asset); err != nil {
			return nil, err
		}
		return []record{{asset: asset}}, nil
	})
}

// Push moves amount of asset from the allocation layer into the venue.
func (e *Engine) Push(ctx context.Context, caller, asset string, amount decimal.Decimal) (flow.Result, error) {
	var res flow.Result
	err := e.execute(ctx, model.OpPush, caller, func(tx *registry.Tx) ([]record, error) {
		var err error
		if res, err = e.flow.Push(ctx, tx, asset, amount); err != nil {
			return nil, err
		}
		return []record{flowRecord(res)}, nil
	})
	if err != nil {
		return flow.Result{}, err
	}
	return res, nil
}

// Pull returns up to amount of asset to the allocation layer.
func (e *Engine) Pull(ctx context.Context, caller, asset string, amount decimal.Decimal) (flow.Result, error) {
	var res flow.Result
	err := e.execute(ctx, model.OpPull, caller, func(tx *registry.Tx) ([]record, error) {
		var err error
		if res, err = e.flow.Pull(ctx, tx, asset, amount); err != nil {
			return nil, err
		}
		return []record{flowRecord(res)}, nil
	})
	if err != nil {
		return flow.Result{}, err
	}
	return res, nil
}

// PushBatch pushes amounts[i] of assets[i] for every i in one transaction:
// either every element commits or none does.
func (e *Engine) PushBatch(ctx context.Context, caller string, assets []string, amounts []decimal.Decimal) ([]flow.Result, error) {
	return e.batch(ctx, model.OpPush, caller, assets, amounts, e.flow.Push)
}

// PullBatch pulls amounts[i] of assets[i] for every i in one transaction.
func (e *Engine) PullBatch(ctx context.Context, caller string, assets []string, amounts []decimal.Decimal) ([]flow.Result, error) {
	return e.batch(ctx, model.OpPull, caller, assets, amounts, e.flow.Pull)
}

type flowStep func(ctx context.Context, tx *registry.Tx, asset string, amount decimal.Decimal) (flow.Result, error)

func (e *Engine) batch(ctx context.Context, op model.Op, caller string, assets []string, amounts []decimal.Decimal, step flowStep) ([]flow.Result, error) {
	var results []flow.Result
	err := e.execute(ctx, op, caller, func(tx *registry.Tx) ([]record, error) {
		if len(assets) != len(amounts) || len(assets) == 0 {
			return nil, fmt.Errorf("%w: %d assets, %d amounts", model.ErrIncompatibleLengths, len(assets), len(amounts))
		}
		results = make([]flow.Result, 0, len(assets))
		recs := make([]record, 0, len(assets))
		for i, asset := range assets {
			res, err := step(ctx, tx, asset, amounts[i])
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			results = append(results, res)
			recs = append(recs, flowRecord(res))
		}
		return recs, nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func flowRecord(res flow.Result) record {
	return record{asset: res.Asset, requested: res.Requested, amount: res.Amount}
}

// PushSurplus reconciles asset and distributes its realized gain.
func (e *Engine) PushSurplus(ctx context.Context, caller, asset string) (flow.Result, error) {
	var res flow.Result
	err := e.execute(ctx, model.OpSurplus, caller, func(tx *registry.Tx) ([]record, error) {
		var err error
		if res, err = e.flow.PushSurplus(ctx, tx, asset); err != nil {
			return nil, err
		}
		return []record{flowRecord(res)}, nil
	})
	if err != nil {
		return flow.Result{}, err
	}
	return res, nil
}

// Fold levers asset by up to amount.
func (e *Engine) Fold(ctx context.Context, caller, asset string, amount decimal.Decimal) (leverage.Result, error) {
	var res leverage.Result
	err := e.execute(ctx, model.OpFold, caller, func(tx *registry.Tx) ([]record, error) {
		var err error
		if res, err = e.leverage.Fold(ctx, tx, asset, amount); err != nil {
			return nil, err
		}
		return []record{leverageRecord(res)}, nil
	})
	if err != nil {
		return leverage.Result{}, err
	}
	observeLeverage(model.OpFold, res)
	return res, nil
}

// Unfold delevers asset by up to amount. A venue that cannot return all the
// matching collateral leaves the position partially delevered: that state
// commits and is returned together with ErrInsufficientCollateral.
func (e *Engine) Unfold(ctx context.Context, caller, asset string, amount decimal.Decimal) (leverage.Result, error) {
	var res leverage.Result
	var partial error
	err := e.execute(ctx, model.OpUnfold, caller, func(tx *registry.Tx) ([]record, error) {
		var err error
		res, err = e.leverage.Unfold(ctx, tx, asset, amount)
		if err != nil && !errors.Is(err, model.ErrInsufficientCollateral) {
			return nil, err
		}
		partial = err
		return []record{leverageRecord(res)}, nil
	})
	if err != nil {
		return leverage.Result{}, err
	}
	observeLeverage(model.OpUnfold, res)
	if partial != nil {
		metrics.OperationsTotal.WithLabelValues(string(model.OpUnfold), "partial").Inc()
	}
	return res, partial
}

func leverageRecord(res leverage.Result) record {
	return record{asset: res.Asset, requested: res.Requested, amount: res.Amount}
}

func observeLeverage(op model.Op, res leverage.Result) {
	if res.Amount.IsPositive() {
		metrics.FlashAmount.WithLabelValues(res.Asset, string(op)).Observe(res.Amount.InexactFloat64())
	}
	metrics.LoanToValue.WithLabelValues(res.Asset).Set(res.LTV.InexactFloat64())
}

// Claim drives the reward cooldown timer over every managed asset.
func (e *Engine) Claim(ctx context.Context, caller string) (rewards.ClaimResult, error) {
	var res rewards.ClaimResult
	err := e.execute(ctx, model.OpClaim, caller, func(tx *registry.Tx) ([]record, error) {
		var err error
		if res, err = e.timer.Claim(ctx, tx, e.managedAssets()); err != nil {
			return nil, err
		}
		return []record{{
			asset:     e.staking.RewardToken(),
			requested: res.Redeemed,
			amount:    res.Harvested,
		}}, nil
	})
	if err != nil {
		return rewards.ClaimResult{}, err
	}
	for _, msg := range res.Deferred {
		e.log.Warn("claim step deferred", zap.String("caller", caller), zap.String("error", msg))
	}
	metrics.SetCooldownPhase(string(res.PhaseAfter))
	return res, nil
}

// RecoverResult describes a recovered balance.
type RecoverResult struct {
	Asset  string          `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
}

// Recover hands an idle balance of a non-managed asset, such as the asset
// redeemed from the staked reward token, to the allocation layer. A zero
// amount recovers the whole balance.
func (e *Engine) Recover(ctx context.Context, caller, asset string, amount decimal.Decimal) (RecoverResult, error) {
	var res RecoverResult
	err := e.execute(ctx, model.OpRecover, caller, func(tx *registry.Tx) ([]record, error) {
		if tx.Registered(asset) {
			return nil, fmt.Errorf("%w: %s", model.ErrManagedAsset, asset)
		}
		if amount.IsNegative() {
			return nil, fmt.Errorf("%w: recover %s", model.ErrInvalidAmount, amount)
		}
		if amount.IsZero() {
			amount = tx.Balance(asset)
		}
		if !amount.IsPositive() {
			return nil, fmt.Errorf("%w: no idle %s", model.ErrInsufficientFunds, asset)
		}
		if err := tx.Debit(asset, amount); err != nil {
			return nil, err
		}
		if err := e.alloc.Collect(ctx, asset, amount); err != nil {
			return nil, fmt.Errorf("%w: collect %s: %w", model.ErrVenueUnavailable, asset, err)
		}
		tx.OnRollback(func(ctx context.Context) error {
			return e.alloc.Disburse(ctx, asset, amount)
		})
		res = RecoverResult{Asset: asset, Amount: amount}
		return []record{{asset: asset, requested: amount, amount: amount}}, nil
	})
	if err != nil {
		return RecoverResult{}, err
	}
	return res, nil
}

// SetLiquidationWarningThreshold sets the maximum tolerable LTV, in (0, 1].
// The saved value overrides configuration on the next start.
func (e *Engine) SetLiquidationWarningThreshold(ctx context.Context, caller string, threshold decimal.Decimal) error {
	return e.execute(ctx, model.OpParams, caller, func(*registry.Tx) ([]record, error) {
		if err := e.gate.SetThreshold(threshold); err != nil {
			return nil, err
		}
		return []record{{amount: threshold}}, nil
	})
}

// ToggleLiquidationCheck switches the safety gate on fold and pull.
func (e *Engine) ToggleLiquidationCheck(ctx context.Context, caller string, enabled bool) error {
	return e.execute(ctx, model.OpParams, caller, func(*registry.Tx) ([]record, error) {
		e.gate.Enabled = enabled
		flag := decimal.Zero
		if enabled {
			flag = decimal.NewFromInt(1)
		}
		return []record{{amount: flag}}, nil
	})
}

// SetCollateralFactor changes the fold capacity bound for asset.
func (e *Engine) SetCollateralFactor(ctx context.Context, caller, asset string, cf decimal.Decimal) error {
	return e.execute(ctx, model.OpParams, caller, func(tx *registry.Tx) ([]record, error) {
		if err := leverage.ValidateCollateralFactor(cf); err != nil {
			return nil, err
		}
		pos, err := tx.Position(asset)
		if err != nil {
			return nil, err
		}
		pos.CollateralFactor = cf
		pos.UpdatedAt = e.now().UTC()
		return []record{{asset: asset, amount: cf}}, nil
	})
}
