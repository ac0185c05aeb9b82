package model

import "errors"

// Kind classifies an engine error for callers deciding whether to retry.
type Kind int

const (
	KindUnknown Kind = iota
	KindAuthorization
	KindConfiguration
	KindLiquidityShortfall
	KindSafetyViolation
	KindValuationUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindAuthorization:
		return "authorization"
	case KindConfiguration:
		return "configuration"
	case KindLiquidityShortfall:
		return "liquidity_shortfall"
	case KindSafetyViolation:
		return "safety_violation"
	case KindValuationUnavailable:
		return "valuation_unavailable"
	default:
		return "unknown"
	}
}

// Error is a sentinel carrying its taxonomy kind. Compare with errors.Is.
type Error struct {
	kind Kind
	msg  string
}

func (e *Error) Error() string { return e.msg }

// Kind returns the taxonomy class of the error.
func (e *Error) Kind() Kind { return e.kind }

func newError(kind Kind, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

var (
	// ErrNotApproved is returned when the allocation layer does not approve the caller.
	ErrNotApproved = newError(KindAuthorization, "treasury: caller not approved")

	// ErrUnknownAsset is returned for operations on an unregistered asset.
	ErrUnknownAsset = newError(KindConfiguration, "treasury: unknown asset")

	// ErrAssetExists is returned when registering an asset twice.
	ErrAssetExists = newError(KindConfiguration, "treasury: asset already registered")

	// ErrIncompatibleLengths is returned for batches whose asset and amount
	// lists differ in length or are empty.
	ErrIncompatibleLengths = newError(KindConfiguration, "treasury: incompatible batch lengths")

	// ErrInvalidAmount is returned for negative amounts.
	ErrInvalidAmount = newError(KindConfiguration, "treasury: invalid amount")

	// ErrInvalidParameter is returned when a parameter is outside its allowed range.
	ErrInvalidParameter = newError(KindConfiguration, "treasury: parameter out of range")

	// ErrNonNullBalances is returned when deregistering an asset the venue
	// still holds supply or debt for.
	ErrNonNullBalances = newError(KindConfiguration, "treasury: asset has non-null venue balances")

	// ErrManagedAsset is returned when recovering an asset the ledger tracks.
	ErrManagedAsset = newError(KindConfiguration, "treasury: asset is managed by the ledger")

	// ErrInsufficientFunds is returned when a balance cannot cover a transfer.
	ErrInsufficientFunds = newError(KindLiquidityShortfall, "treasury: insufficient funds")

	// ErrInsufficientCollateral is returned when the venue cannot honor the
	// collateral withdrawal matching a debt repayment.
	ErrInsufficientCollateral = newError(KindLiquidityShortfall, "treasury: insufficient collateral withdrawn")

	// ErrNothingBorrowed is returned when unfolding a position with no debt.
	ErrNothingBorrowed = newError(KindLiquidityShortfall, "treasury: nothing borrowed")

	// ErrCloseToLiquidation is returned when an operation would leave the
	// loan-to-value above the liquidation warning threshold.
	ErrCloseToLiquidation = newError(KindSafetyViolation, "treasury: close to liquidation")

	// ErrNonZeroFlashFee is returned when the flash source charges a fee.
	ErrNonZeroFlashFee = newError(KindSafetyViolation, "treasury: non-zero flash fee")

	// ErrValuationUnavailable is returned when a venue read fails.
	ErrValuationUnavailable = newError(KindValuationUnavailable, "treasury: valuation unavailable")

	// ErrVenueUnavailable is returned when a venue or flash source call fails.
	ErrVenueUnavailable = newError(KindValuationUnavailable, "treasury: venue call failed")
)

// KindOf returns the taxonomy class of err, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return KindUnknown
}
