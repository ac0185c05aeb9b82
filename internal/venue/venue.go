// Package venue defines the capability contracts the treasury engine consumes
// from lending venues, flash-liquidity sources and the reward staking module,
// along with in-memory simulations of each.
//
// Amounts are in asset units. The engine never branches on venue identity;
// a concrete Adapter is chosen at configuration time.
package venue

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrUnsupportedAsset is returned when the venue has no reserve for the asset.
	ErrUnsupportedAsset = errors.New("venue: unsupported asset")

	// ErrInsufficientLiquidity is returned when spot liquidity cannot cover a borrow.
	ErrInsufficientLiquidity = errors.New("venue: insufficient liquidity")

	// ErrBorrowLimit is returned when a borrow would exceed the venue's maximum LTV.
	ErrBorrowLimit = errors.New("venue: borrow exceeds collateral limit")

	// ErrUnavailable is returned by simulations switched offline.
	ErrUnavailable = errors.New("venue: unavailable")

	// ErrFlashCapacity is returned when a flash loan exceeds the source's capacity.
	ErrFlashCapacity = errors.New("venue: flash loan exceeds capacity")

	// ErrFlashNotRepaid is returned when the continuation repays less than owed.
	ErrFlashNotRepaid = errors.New("venue: flash loan not repaid")

	// ErrCooldownNotReady is returned by staking redemption outside the window.
	ErrCooldownNotReady = errors.New("venue: cooldown window not open")
)

// Adapter is a lending venue holding the engine's supplied collateral and debt.
type Adapter interface {
	// Name identifies the venue in logs and metrics.
	Name() string

	// Supply deposits amount of asset as collateral.
	Supply(ctx context.Context, asset string, amount decimal.Decimal) error

	// Withdraw removes up to amount of collateral and returns what was
	// actually withdrawn, which may be less than requested.
	Withdraw(ctx context.Context, asset string, amount decimal.Decimal) (decimal.Decimal, error)

	// Borrow draws amount of asset against the engine's collateral.
	Borrow(ctx context.Context, asset string, amount decimal.Decimal) error

	// Repay returns up to amount of debt and reports the amount applied.
	Repay(ctx context.Context, asset string, amount decimal.Decimal) (decimal.Decimal, error)

	// SuppliedValue is the current valuation of supplied collateral.
	SuppliedValue(ctx context.Context, asset string) (decimal.Decimal, error)

	// BorrowedValue is the current valuation of outstanding debt.
	BorrowedValue(ctx context.Context, asset string) (decimal.Decimal, error)

	// MaxWithdrawable is the collateral withdrawable right now, bounded by
	// spot liquidity and the venue's own collateral requirements.
	MaxWithdrawable(ctx context.Context, asset string) (decimal.Decimal, error)
}

// Harvester is implemented by venues that accrue incentive rewards on
// supplied or borrowed positions.
type Harvester interface {
	// PendingRewards is the reward-token amount claimable for assets.
	PendingRewards(ctx context.Context, assets []string) (decimal.Decimal, error)

	// ClaimRewards transfers accrued rewards for assets and returns the amount.
	ClaimRewards(ctx context.Context, assets []string) (decimal.Decimal, error)
}

// FlashFunc is the continuation run while a flash loan is outstanding. It
// receives the borrowed amount and returns the amount it repays.
type FlashFunc func(ctx context.Context, amount decimal.Decimal) (repaid decimal.Decimal, err error)

// FlashLender provides single-call uncollateralized same-asset liquidity.
type FlashLender interface {
	// MaxFlashLoan is the largest amount currently lendable.
	MaxFlashLoan(ctx context.Context, asset string) (decimal.Decimal, error)

	// FlashFee is the fee charged for borrowing amount.
	FlashFee(ctx context.Context, asset string, amount decimal.Decimal) (decimal.Decimal, error)

	// FlashLoan lends amount, runs fn and requires amount plus fee back
	// before returning. Any error from fn aborts the loan.
	FlashLoan(ctx context.Context, asset string, amount decimal.Decimal, fn FlashFunc) error
}

// Staking is the reward-token staking module with a mandatory cooldown
// before redemption.
type Staking interface {
	// RewardToken is the staked token harvested from venues.
	RewardToken() string

	// RedeemAsset is the secondary asset the reward token redeems into.
	RedeemAsset() string

	// Cooldown starts the venue-side cooldown for the engine's stake.
	Cooldown(ctx context.Context) error

	// Redeem burns amount of reward token and returns RedeemAsset received.
	Redeem(ctx context.Context, amount decimal.Decimal) (decimal.Decimal, error)
}
