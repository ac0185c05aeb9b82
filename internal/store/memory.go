package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/atmx/treasury-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	positions map[string]*model.AssetPosition
	balances  map[string]model.Balance
	cooldown  model.CooldownState
	params    *model.Params
	snapshots map[string][]byte
	journal   []model.JournalEntry
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		positions: make(map[string]*model.AssetPosition),
		balances:  make(map[string]model.Balance),
		snapshots: make(map[string][]byte),
	}
}

func (s *MemoryStore) SavePosition(_ context.Context, p *model.AssetPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a copy to avoid external mutation.
	cp := *p
	s.positions[p.Asset] = &cp
	return nil
}

func (s *MemoryStore) GetPosition(_ context.Context, asset string) (*model.AssetPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[asset]
	if !ok {
		return nil, fmt.Errorf("position %s: %w", asset, ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListPositions(_ context.Context) ([]model.AssetPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.AssetPosition, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out, nil
}

func (s *MemoryStore) DeletePosition(_ context.Context, asset string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.positions, asset)
	return nil
}

func (s *MemoryStore) SaveBalance(_ context.Context, b model.Balance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[b.Asset] = b
	return nil
}

func (s *MemoryStore) ListBalances(_ context.Context) ([]model.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Balance, 0, len(s.balances))
	for _, b := range s.balances {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out, nil
}

func (s *MemoryStore) SaveCooldown(_ context.Context, c model.CooldownState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.Start == nil {
		s.cooldown = model.CooldownState{}
		return nil
	}
	t := *c.Start
	s.cooldown = model.CooldownState{Start: &t}
	return nil
}

func (s *MemoryStore) GetCooldown(_ context.Context) (model.CooldownState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.cooldown.Start == nil {
		return model.CooldownState{}, nil
	}
	t := *s.cooldown.Start
	return model.CooldownState{Start: &t}, nil
}

func (s *MemoryStore) SaveParams(_ context.Context, p model.Params) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.params = &p
	return nil
}

func (s *MemoryStore) GetParams(_ context.Context) (model.Params, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.params == nil {
		return model.Params{}, fmt.Errorf("params: %w", ErrNotFound)
	}
	return *s.params, nil
}

func (s *MemoryStore) SaveSnapshot(_ context.Context, name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[name] = append([]byte(nil), data...)
	return nil
}

func (s *MemoryStore) GetSnapshot(_ context.Context, name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.snapshots[name]
	if !ok {
		return nil, fmt.Errorf("snapshot %s: %w", name, ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

func (s *MemoryStore) InsertJournalEntry(_ context.Context, e *model.JournalEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.journal = append(s.journal, *e)
	return nil
}

func (s *MemoryStore) GetJournalEntriesByAsset(_ context.Context, asset string) ([]model.JournalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.JournalEntry
	for _, e := range s.journal {
		if e.Asset == asset {
			result = append(result, e)
		}
	}
	return result, nil
}
