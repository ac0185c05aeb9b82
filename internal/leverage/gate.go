package leverage

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/treasury-engine/internal/model"
)

// ltvScale is the number of decimal places LTV ratios are rounded to.
const ltvScale int32 = 18

// DefaultThreshold is the maximum tolerable loan-to-value when none is configured.
var DefaultThreshold = decimal.NewFromFloat(0.8)

// Gate enforces the liquidation warning threshold: a position whose
// borrowed/supplied ratio exceeds Threshold is considered too close to the
// venue's liquidation point. The threshold is global across assets.
type Gate struct {
	// Threshold is the maximum tolerable LTV, in (0, 1].
	Threshold decimal.Decimal

	// Enabled switches the check on fold and pull.
	Enabled bool
}

// NewGate creates an enabled gate after validating threshold.
func NewGate(threshold decimal.Decimal) (*Gate, error) {
	g := &Gate{Enabled: true}
	if err := g.SetThreshold(threshold); err != nil {
		return nil, err
	}
	return g, nil
}

// SetThreshold updates the threshold; values outside (0, 1] are rejected.
func (g *Gate) SetThreshold(threshold decimal.Decimal) error {
	if err := ValidateThreshold(threshold); err != nil {
		return err
	}
	g.Threshold = threshold
	return nil
}

// ValidateThreshold reports whether threshold lies in (0, 1].
func ValidateThreshold(threshold decimal.Decimal) error {
	if !threshold.IsPositive() || threshold.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: liquidation warning threshold %s not in (0, 1]", model.ErrInvalidParameter, threshold)
	}
	return nil
}

// ValidateCollateralFactor reports whether cf lies in (0, 1).
func ValidateCollateralFactor(cf decimal.Decimal) error {
	if !cf.IsPositive() || cf.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: collateral factor %s not in (0, 1)", model.ErrInvalidParameter, cf)
	}
	return nil
}

// LTV returns borrowed / supplied. A position with debt and no collateral
// reports an LTV of one or more so it never passes a threshold check.
func LTV(supplied, borrowed decimal.Decimal) decimal.Decimal {
	if !borrowed.IsPositive() {
		return decimal.Zero
	}
	if !supplied.IsPositive() {
		return decimal.NewFromInt(1).Add(borrowed)
	}
	return borrowed.DivRound(supplied, ltvScale)
}

// Check returns ErrCloseToLiquidation when the gate is enabled and the
// position's LTV exceeds the threshold. Unlevered positions always pass.
func (g *Gate) Check(asset string, supplied, borrowed decimal.Decimal) error {
	if g == nil || !g.Enabled || !borrowed.IsPositive() {
		return nil
	}
	ltv := LTV(supplied, borrowed)
	if ltv.GreaterThan(g.Threshold) {
		return fmt.Errorf("%w: %s ltv %s above %s", model.ErrCloseToLiquidation, asset, ltv.Round(6), g.Threshold)
	}
	return nil
}

// Capacity is the largest fold amount F keeping borrowed/supplied within the
// collateral factor: (B + F) <= cf * (S + F), i.e. F <= (cf*S - B) / (1 - cf).
func Capacity(cf, supplied, borrowed decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	if !cf.IsPositive() || cf.GreaterThanOrEqual(one) {
		return decimal.Zero
	}
	headroom := cf.Mul(supplied).Sub(borrowed)
	if !headroom.IsPositive() {
		return decimal.Zero
	}
	return headroom.DivRound(one.Sub(cf), ltvScale).RoundFloor(ltvScale)
}
