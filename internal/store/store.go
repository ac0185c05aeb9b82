// Package store defines the persistence interface for the treasury engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), SQLite (single-node deployments) and in-memory (for testing).
//
// The engine's registry is authoritative while running; the store mirrors
// every committed change and seeds the registry at startup.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/treasury-engine/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface.
type Store interface {
	// --- Asset positions ---

	// SavePosition inserts or replaces the record for p.Asset.
	SavePosition(ctx context.Context, p *model.AssetPosition) error

	// GetPosition retrieves the record for asset.
	GetPosition(ctx context.Context, asset string) (*model.AssetPosition, error)

	// ListPositions returns all records.
	ListPositions(ctx context.Context) ([]model.AssetPosition, error)

	// DeletePosition removes the record for asset.
	DeletePosition(ctx context.Context, asset string) error

	// --- Idle wallet ---

	// SaveBalance inserts or replaces an idle balance.
	SaveBalance(ctx context.Context, b model.Balance) error

	// ListBalances returns all idle balances.
	ListBalances(ctx context.Context) ([]model.Balance, error)

	// --- Cooldown ---

	// SaveCooldown replaces the engine's cooldown state.
	SaveCooldown(ctx context.Context, c model.CooldownState) error

	// GetCooldown returns the cooldown state; unset when never saved.
	GetCooldown(ctx context.Context) (model.CooldownState, error)

	// --- Safety parameters ---

	// SaveParams replaces the engine's runtime parameters.
	SaveParams(ctx context.Context, p model.Params) error

	// GetParams returns the saved parameters, or ErrNotFound when never saved.
	GetParams(ctx context.Context) (model.Params, error)

	// --- Collaborator state ---

	// SaveSnapshot replaces the opaque state blob stored under name.
	SaveSnapshot(ctx context.Context, name string, data []byte) error

	// GetSnapshot returns the blob stored under name, or ErrNotFound.
	GetSnapshot(ctx context.Context, name string) ([]byte, error)

	// --- Immutable journal ---

	// InsertJournalEntry appends an operation record.
	InsertJournalEntry(ctx context.Context, e *model.JournalEntry) error

	// GetJournalEntriesByAsset returns the records for asset, oldest first.
	GetJournalEntriesByAsset(ctx context.Context, asset string) ([]model.JournalEntry, error)
}

// columns converts scanned text columns, keeping the first parse error so a
// corrupt row fails the read instead of loading as zero.
type columns struct {
	err error
}

func (c *columns) decimal(name, s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil && c.err == nil {
		c.err = fmt.Errorf("column %s: %w", name, err)
	}
	return v
}

func (c *columns) time(name, s string) time.Time {
	v, err := time.Parse(time.RFC3339Nano, s)
	if err != nil && c.err == nil {
		c.err = fmt.Errorf("column %s: %w", name, err)
	}
	return v
}
