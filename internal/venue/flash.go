package venue

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// FlashMinter simulates a flash-mint facility: per-asset capacity and a
// proportional fee (zero for a compliant source).
type FlashMinter struct {
	mu       sync.Mutex
	capacity map[string]decimal.Decimal
	fee      decimal.Decimal
	offline  bool
	loans    int
}

// NewFlashMinter creates a minter with the given capacities and fee fraction.
func NewFlashMinter(capacity map[string]decimal.Decimal, fee decimal.Decimal) *FlashMinter {
	caps := make(map[string]decimal.Decimal, len(capacity))
	for asset, c := range capacity {
		caps[asset] = c
	}
	return &FlashMinter{capacity: caps, fee: fee}
}

func (f *FlashMinter) MaxFlashLoan(_ context.Context, asset string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline {
		return decimal.Zero, ErrUnavailable
	}
	return f.capacity[asset], nil
}

func (f *FlashMinter) FlashFee(_ context.Context, _ string, amount decimal.Decimal) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline {
		return decimal.Zero, ErrUnavailable
	}
	return amount.Mul(f.fee), nil
}

// FlashLoan runs fn with amount outstanding. The lock is not held while fn
// runs so the continuation may query the minter.
func (f *FlashMinter) FlashLoan(ctx context.Context, asset string, amount decimal.Decimal, fn FlashFunc) error {
	f.mu.Lock()
	if f.offline {
		f.mu.Unlock()
		return ErrUnavailable
	}
	if amount.GreaterThan(f.capacity[asset]) {
		f.mu.Unlock()
		return fmt.Errorf("%w: %s %s", ErrFlashCapacity, asset, amount)
	}
	owed := amount.Add(amount.Mul(f.fee))
	f.mu.Unlock()

	repaid, err := fn(ctx, amount)
	if err != nil {
		return err
	}
	if repaid.LessThan(owed) {
		return fmt.Errorf("%w: repaid %s of %s", ErrFlashNotRepaid, repaid, owed)
	}

	f.mu.Lock()
	f.loans++
	f.mu.Unlock()
	return nil
}

// Loans is the number of flash loans completed.
func (f *FlashMinter) Loans() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loans
}

// SetCapacity sets the lendable amount of asset.
func (f *FlashMinter) SetCapacity(asset string, amount decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.capacity[asset] = amount
}

// SetFee sets the proportional fee charged per loan.
func (f *FlashMinter) SetFee(fee decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fee = fee
}

// SetOffline makes every call fail with ErrUnavailable.
func (f *FlashMinter) SetOffline(offline bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = offline
}
