// Package allocator models the capital-allocation layer that approves
// callers, routes capital into the engine and takes it back. Borrow caps are
// enforced here, before capital reaches the engine.
package allocator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientReserves is returned when the treasury cannot fund a disbursement.
	ErrInsufficientReserves = errors.New("allocator: insufficient reserves")

	// ErrBorrowCapExceeded is returned when a disbursement would exceed the asset's cap.
	ErrBorrowCapExceeded = errors.New("allocator: borrow cap exceeded")
)

// Allocator is the external collaborator consumed by the engine.
type Allocator interface {
	// IsCallerApproved gates every state-mutating engine entry point.
	IsCallerApproved(ctx context.Context, caller string) (bool, error)

	// BorrowCap is the maximum capital the engine may hold for asset;
	// zero means uncapped.
	BorrowCap(ctx context.Context, asset string) (decimal.Decimal, error)

	// Disburse moves amount of asset from the treasury into the engine.
	Disburse(ctx context.Context, asset string, amount decimal.Decimal) error

	// Collect moves amount of asset from the engine back to the treasury.
	Collect(ctx context.Context, asset string, amount decimal.Decimal) error
}

// Memory is an in-process Allocator.
type Memory struct {
	mu          sync.Mutex
	approved    map[string]bool
	reserves    map[string]decimal.Decimal
	caps        map[string]decimal.Decimal
	outstanding map[string]decimal.Decimal
}

// NewMemory creates an allocator approving callers.
func NewMemory(callers ...string) *Memory {
	m := &Memory{
		approved:    make(map[string]bool),
		reserves:    make(map[string]decimal.Decimal),
		caps:        make(map[string]decimal.Decimal),
		outstanding: make(map[string]decimal.Decimal),
	}
	for _, c := range callers {
		m.approved[c] = true
	}
	return m
}

func (m *Memory) IsCallerApproved(_ context.Context, caller string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.approved[caller], nil
}

func (m *Memory) BorrowCap(_ context.Context, asset string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.caps[asset], nil
}

func (m *Memory) Disburse(_ context.Context, asset string, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.caps[asset]; ok && c.IsPositive() {
		if m.outstanding[asset].Add(amount).GreaterThan(c) {
			return fmt.Errorf("%w: %s cap %s", ErrBorrowCapExceeded, asset, c)
		}
	}
	if m.reserves[asset].LessThan(amount) {
		return fmt.Errorf("%w: %s has %s, need %s", ErrInsufficientReserves, asset, m.reserves[asset], amount)
	}
	m.reserves[asset] = m.reserves[asset].Sub(amount)
	m.outstanding[asset] = m.outstanding[asset].Add(amount)
	return nil
}

func (m *Memory) Collect(_ context.Context, asset string, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reserves[asset] = m.reserves[asset].Add(amount)
	m.outstanding[asset] = decimal.Max(decimal.Zero, m.outstanding[asset].Sub(amount))
	return nil
}

// Approve whitelists caller.
func (m *Memory) Approve(caller string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.approved[caller] = true
}

// Revoke removes caller from the whitelist.
func (m *Memory) Revoke(caller string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.approved, caller)
}

// Fund adds treasury reserves of asset.
func (m *Memory) Fund(asset string, amount decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reserves[asset] = m.reserves[asset].Add(amount)
}

// SetBorrowCap sets the cap for asset; zero removes it.
func (m *Memory) SetBorrowCap(asset string, limit decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.caps[asset] = limit
}

// Reserve is the treasury's undeployed balance of asset.
func (m *Memory) Reserve(asset string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reserves[asset]
}

// Outstanding is the capital of asset currently disbursed to the engine.
func (m *Memory) Outstanding(asset string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outstanding[asset]
}

type memorySnapshot struct {
	Reserves    map[string]decimal.Decimal `json:"reserves"`
	Outstanding map[string]decimal.Decimal `json:"outstanding"`
}

// Snapshot encodes reserves and outstanding disbursements. Approvals and
// caps come from configuration and are not included.
func (m *Memory) Snapshot() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return json.Marshal(memorySnapshot{Reserves: m.reserves, Outstanding: m.outstanding})
}

// Restore replaces reserves and outstanding disbursements with a snapshot,
// discarding any funding applied since construction.
func (m *Memory) Restore(data []byte) error {
	var in memorySnapshot
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("decode allocator state: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reserves = make(map[string]decimal.Decimal, len(in.Reserves))
	for asset, v := range in.Reserves {
		m.reserves[asset] = v
	}
	m.outstanding = make(map[string]decimal.Decimal, len(in.Outstanding))
	for asset, v := range in.Outstanding {
		m.outstanding[asset] = v
	}
	return nil
}
