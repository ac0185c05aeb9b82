package venue

import (
	"time"

	"github.com/shopspring/decimal"
)

const rateScale int32 = 18

var secondsPerYear = decimal.NewFromInt(365 * 24 * 60 * 60)

// InterestModel derives a borrow APR from utilisation with a kink that
// steepens the slope once the reserve is mostly lent out. Rates are
// fractions: 0.02 is 2%.
type InterestModel struct {
	BaseRate decimal.Decimal
	Slope1   decimal.Decimal
	Slope2   decimal.Decimal
	Kink     decimal.Decimal
}

// Utilisation is borrowed / supplied, zero when the reserve is empty.
func Utilisation(borrowed, supplied decimal.Decimal) decimal.Decimal {
	if !borrowed.IsPositive() || !supplied.IsPositive() {
		return decimal.Zero
	}
	return borrowed.DivRound(supplied, rateScale)
}

// BorrowAPR returns the annual borrow rate at the given utilisation.
func (m InterestModel) BorrowAPR(borrowed, supplied decimal.Decimal) decimal.Decimal {
	u := Utilisation(borrowed, supplied)
	if u.IsZero() {
		return m.BaseRate
	}
	if m.Kink.IsZero() || u.LessThanOrEqual(m.Kink) {
		return m.BaseRate.Add(m.Slope1.Mul(u))
	}
	atKink := m.BaseRate.Add(m.Slope1.Mul(m.Kink))
	return atKink.Add(m.Slope2.Mul(u.Sub(m.Kink)))
}

// SupplyAPR passes the borrow rate through to suppliers pro rata to
// utilisation, less the reserve factor.
func (m InterestModel) SupplyAPR(borrowed, supplied, reserveFactor decimal.Decimal) decimal.Decimal {
	borrowAPR := m.BorrowAPR(borrowed, supplied)
	u := Utilisation(borrowed, supplied)
	return borrowAPR.Mul(u).Mul(decimal.NewFromInt(1).Sub(reserveFactor))
}

// accrue grows principal by rate over elapsed using simple interest.
func accrue(principal, rate decimal.Decimal, elapsed time.Duration) decimal.Decimal {
	if elapsed <= 0 || principal.IsZero() || rate.IsZero() {
		return principal
	}
	years := decimal.NewFromFloat(elapsed.Seconds()).DivRound(secondsPerYear, rateScale)
	return principal.Add(principal.Mul(rate).Mul(years)).Round(rateScale)
}
