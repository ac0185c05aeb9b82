// Package registry owns the per-asset accounting records, the engine's idle
// wallet and the cooldown state. Components never hold these directly; they
// read and write them through a Tx that is committed only when the whole
// operation succeeded.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/treasury-engine/internal/model"
)

// Registry is the committed state. Safe for concurrent readers; writes
// happen only through Tx.Commit.
type Registry struct {
	mu        sync.RWMutex
	positions map[string]*model.AssetPosition
	wallet    map[string]decimal.Decimal
	cooldown  model.CooldownState
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		positions: make(map[string]*model.AssetPosition),
		wallet:    make(map[string]decimal.Decimal),
	}
}

// Load replaces the committed state, typically with a store snapshot at startup.
func (r *Registry) Load(positions []model.AssetPosition, balances []model.Balance, cooldown model.CooldownState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.positions = make(map[string]*model.AssetPosition, len(positions))
	for _, p := range positions {
		p := p
		r.positions[p.Asset] = &p
	}
	r.wallet = make(map[string]decimal.Decimal, len(balances))
	for _, b := range balances {
		r.wallet[b.Asset] = b.Amount
	}
	r.cooldown = copyCooldown(cooldown)
}

// Position returns a copy of the committed record for asset.
func (r *Registry) Position(asset string) (*model.AssetPosition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.positions[asset]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrUnknownAsset, asset)
	}
	cp := *p
	return &cp, nil
}

// Registered reports whether asset has a committed record.
func (r *Registry) Registered(asset string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.positions[asset]
	return ok
}

// Positions returns every committed record ordered by asset.
func (r *Registry) Positions() []model.AssetPosition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.AssetPosition, 0, len(r.positions))
	for _, p := range r.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}

// Balance returns the committed idle balance of asset.
func (r *Registry) Balance(asset string) decimal.Decimal {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.wallet[asset]
}

// Balances returns every nonzero idle balance ordered by asset.
func (r *Registry) Balances() []model.Balance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.Balance, 0, len(r.wallet))
	for asset, amt := range r.wallet {
		if amt.IsZero() {
			continue
		}
		out = append(out, model.Balance{Asset: asset, Amount: amt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}

// Cooldown returns the committed cooldown state.
func (r *Registry) Cooldown() model.CooldownState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copyCooldown(r.cooldown)
}

// Begin opens a unit of work against the committed state.
func (r *Registry) Begin() *Tx {
	return &Tx{
		reg:       r,
		positions: make(map[string]*model.AssetPosition),
		removed:   make(map[string]bool),
		wallet:    make(map[string]decimal.Decimal),
	}
}

func copyCooldown(c model.CooldownState) model.CooldownState {
	if c.Start == nil {
		return model.CooldownState{}
	}
	t := *c.Start
	return model.CooldownState{Start: &t}
}
