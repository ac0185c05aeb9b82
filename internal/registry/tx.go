package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/treasury-engine/internal/model"
)

// Compensation undoes one external side effect (a venue or allocator call)
// when the enclosing operation aborts.
type Compensation func(ctx context.Context) error

// Tx stages reads and writes of registry state. Nothing is visible to other
// readers until Commit; Rollback discards the staged state and runs the
// registered compensations in reverse order.
type Tx struct {
	reg       *Registry
	positions map[string]*model.AssetPosition
	removed   map[string]bool
	wallet    map[string]decimal.Decimal
	cooldown  *model.CooldownState
	undo      []Compensation
	done      bool
}

// Changes lists everything a committed Tx wrote, for persistence.
type Changes struct {
	Positions []model.AssetPosition
	Removed   []string
	Balances  []model.Balance
	Cooldown  *model.CooldownState
}

// Empty reports whether the transaction wrote nothing.
func (c Changes) Empty() bool {
	return len(c.Positions) == 0 && len(c.Removed) == 0 && len(c.Balances) == 0 && c.Cooldown == nil
}

// Position returns the staged record for asset. Mutations through the
// returned pointer are part of the transaction.
func (tx *Tx) Position(asset string) (*model.AssetPosition, error) {
	if p, ok := tx.positions[asset]; ok {
		return p, nil
	}
	if tx.removed[asset] {
		return nil, fmt.Errorf("%w: %s", model.ErrUnknownAsset, asset)
	}
	p, err := tx.reg.Position(asset)
	if err != nil {
		return nil, err
	}
	tx.positions[asset] = p
	return p, nil
}

// Registered reports whether asset is registered as seen by this transaction.
func (tx *Tx) Registered(asset string) bool {
	if _, ok := tx.positions[asset]; ok {
		return true
	}
	if tx.removed[asset] {
		return false
	}
	return tx.reg.Registered(asset)
}

// Register stages a new record.
func (tx *Tx) Register(pos model.AssetPosition) error {
	if tx.Registered(pos.Asset) {
		return fmt.Errorf("%w: %s", model.ErrAssetExists, pos.Asset)
	}
	p := pos
	tx.positions[pos.Asset] = &p
	delete(tx.removed, pos.Asset)
	return nil
}

// Deregister stages removal of the record for asset.
func (tx *Tx) Deregister(asset string) error {
	if !tx.Registered(asset) {
		return fmt.Errorf("%w: %s", model.ErrUnknownAsset, asset)
	}
	delete(tx.positions, asset)
	tx.removed[asset] = true
	return nil
}

// Balance returns the staged idle balance of asset.
func (tx *Tx) Balance(asset string) decimal.Decimal {
	if b, ok := tx.wallet[asset]; ok {
		return b
	}
	return tx.reg.Balance(asset)
}

// Credit adds amount to the idle balance of asset.
func (tx *Tx) Credit(asset string, amount decimal.Decimal) {
	tx.wallet[asset] = tx.Balance(asset).Add(amount)
}

// Debit removes amount from the idle balance of asset.
func (tx *Tx) Debit(asset string, amount decimal.Decimal) error {
	bal := tx.Balance(asset)
	if bal.LessThan(amount) {
		return fmt.Errorf("%w: idle %s %s < %s", model.ErrInsufficientFunds, asset, bal, amount)
	}
	tx.wallet[asset] = bal.Sub(amount)
	return nil
}

// Cooldown returns the staged cooldown state.
func (tx *Tx) Cooldown() model.CooldownState {
	if tx.cooldown != nil {
		return copyCooldown(*tx.cooldown)
	}
	return tx.reg.Cooldown()
}

// SetCooldown stages a new cooldown state.
func (tx *Tx) SetCooldown(c model.CooldownState) {
	cp := copyCooldown(c)
	tx.cooldown = &cp
}

// OnRollback registers a compensation for an external effect that has
// already happened.
func (tx *Tx) OnRollback(fn Compensation) {
	tx.undo = append(tx.undo, fn)
}

// Stamp sets UpdatedAt on every record the transaction has touched.
func (tx *Tx) Stamp(now time.Time) {
	for _, p := range tx.positions {
		p.UpdatedAt = now
	}
}

// Commit publishes the staged state and returns what changed.
func (tx *Tx) Commit() Changes {
	if tx.done {
		return Changes{}
	}
	tx.done = true

	r := tx.reg
	r.mu.Lock()
	defer r.mu.Unlock()

	var ch Changes
	for asset := range tx.removed {
		delete(r.positions, asset)
		ch.Removed = append(ch.Removed, asset)
	}
	for asset, p := range tx.positions {
		cp := *p
		r.positions[asset] = &cp
		ch.Positions = append(ch.Positions, cp)
	}
	for asset, amt := range tx.wallet {
		r.wallet[asset] = amt
		ch.Balances = append(ch.Balances, model.Balance{Asset: asset, Amount: amt})
	}
	if tx.cooldown != nil {
		r.cooldown = copyCooldown(*tx.cooldown)
		cd := copyCooldown(*tx.cooldown)
		ch.Cooldown = &cd
	}

	sort.Strings(ch.Removed)
	sort.Slice(ch.Positions, func(i, j int) bool { return ch.Positions[i].Asset < ch.Positions[j].Asset })
	sort.Slice(ch.Balances, func(i, j int) bool { return ch.Balances[i].Asset < ch.Balances[j].Asset })
	return ch
}

// Rollback discards the staged state and runs compensations, newest first.
// Safe to call after Commit, where it does nothing.
func (tx *Tx) Rollback(ctx context.Context) error {
	if tx.done {
		return nil
	}
	tx.done = true

	var errs []error
	for i := len(tx.undo) - 1; i >= 0; i-- {
		if err := tx.undo[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	tx.undo = nil
	return errors.Join(errs...)
}
