package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/treasury-engine/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache.
// Writes go to the primary store and invalidate the cache; reads check
// Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) SavePosition(ctx context.Context, p *model.AssetPosition) error {
	if err := s.primary.SavePosition(ctx, p); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionKey(p.Asset), positionsKey)
	return nil
}

func (s *CachedStore) DeletePosition(ctx context.Context, asset string) error {
	if err := s.primary.DeletePosition(ctx, asset); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionKey(asset), positionsKey)
	return nil
}

func (s *CachedStore) SaveBalance(ctx context.Context, b model.Balance) error {
	return s.primary.SaveBalance(ctx, b)
}

func (s *CachedStore) SaveCooldown(ctx context.Context, c model.CooldownState) error {
	if err := s.primary.SaveCooldown(ctx, c); err != nil {
		return err
	}
	s.rdb.Del(ctx, cooldownKey)
	return nil
}

func (s *CachedStore) InsertJournalEntry(ctx context.Context, e *model.JournalEntry) error {
	if err := s.primary.InsertJournalEntry(ctx, e); err != nil {
		return err
	}
	s.rdb.Del(ctx, journalKey(e.Asset))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetPosition(ctx context.Context, asset string) (*model.AssetPosition, error) {
	var p model.AssetPosition
	if s.getJSON(ctx, positionKey(asset), &p) {
		return &p, nil
	}

	// Cache miss: read from primary.
	pos, err := s.primary.GetPosition(ctx, asset)
	if err != nil {
		return nil, err
	}
	s.setJSON(ctx, positionKey(asset), pos)
	return pos, nil
}

func (s *CachedStore) ListPositions(ctx context.Context) ([]model.AssetPosition, error) {
	var positions []model.AssetPosition
	if s.getJSON(ctx, positionsKey, &positions) {
		return positions, nil
	}

	positions, err := s.primary.ListPositions(ctx)
	if err != nil {
		return nil, err
	}
	s.setJSON(ctx, positionsKey, positions)
	return positions, nil
}

func (s *CachedStore) GetCooldown(ctx context.Context) (model.CooldownState, error) {
	var c model.CooldownState
	if s.getJSON(ctx, cooldownKey, &c) {
		return c, nil
	}

	c, err := s.primary.GetCooldown(ctx)
	if err != nil {
		return model.CooldownState{}, err
	}
	s.setJSON(ctx, cooldownKey, c)
	return c, nil
}

func (s *CachedStore) GetJournalEntriesByAsset(ctx context.Context, asset string) ([]model.JournalEntry, error) {
	var entries []model.JournalEntry
	if s.getJSON(ctx, journalKey(asset), &entries) {
		return entries, nil
	}

	entries, err := s.primary.GetJournalEntriesByAsset(ctx, asset)
	if err != nil {
		return nil, err
	}
	s.setJSON(ctx, journalKey(asset), entries)
	return entries, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListBalances(ctx context.Context) ([]model.Balance, error) {
	return s.primary.ListBalances(ctx)
}

func (s *CachedStore) SaveParams(ctx context.Context, p model.Params) error {
	return s.primary.SaveParams(ctx, p)
}

func (s *CachedStore) GetParams(ctx context.Context) (model.Params, error) {
	return s.primary.GetParams(ctx)
}

func (s *CachedStore) SaveSnapshot(ctx context.Context, name string, data []byte) error {
	return s.primary.SaveSnapshot(ctx, name, data)
}

func (s *CachedStore) GetSnapshot(ctx context.Context, name string) ([]byte, error) {
	return s.primary.GetSnapshot(ctx, name)
}

// --- Cache helpers ---

func (s *CachedStore) getJSON(ctx context.Context, key string, dst interface{}) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) setJSON(ctx context.Context, key string, v interface{}) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

const (
	positionsKey = "treasury:positions"
	cooldownKey  = "treasury:cooldown"
)

func positionKey(asset string) string { return fmt.Sprintf("treasury:position:%s", asset) }
func journalKey(asset string) string  { return fmt.Sprintf("treasury:journal:%s", asset) }
