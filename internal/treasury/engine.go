// Package treasury is the engine's entry point. It authorizes callers,
// serializes state-changing operations, runs each one in a registry
// transaction over the ledger, flow, leverage and rewards components, and
// persists, journals and publishes what committed.
package treasury

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atmx/treasury-engine/internal/allocator"
	"github.com/atmx/treasury-engine/internal/flow"
	"github.com/atmx/treasury-engine/internal/ledger"
	"github.com/atmx/treasury-engine/internal/leverage"
	"github.com/atmx/treasury-engine/internal/metrics"
	"github.com/atmx/treasury-engine/internal/model"
	"github.com/atmx/treasury-engine/internal/registry"
	"github.com/atmx/treasury-engine/internal/rewards"
	"github.com/atmx/treasury-engine/internal/store"
	"github.com/atmx/treasury-engine/internal/venue"
)

// Event is published after every committed operation.
type Event struct {
	Type      string          `json:"type"`
	Asset     string          `json:"asset,omitempty"`
	Caller    string          `json:"caller"`
	Amount    decimal.Decimal `json:"amount"`
	NetGain   decimal.Decimal `json:"net_gain"`
	NetDebt   decimal.Decimal `json:"net_debt"`
	Timestamp time.Time       `json:"timestamp"`
}

// Notifier receives committed events. Publish must not block.
type Notifier interface {
	Publish(Event)
}

// Snapshotter is implemented by in-process collaborators, such as the venue
// simulations and the in-memory allocator, whose state has to survive a
// restart together with the registry.
type Snapshotter interface {
	Snapshot() ([]byte, error)
	Restore(data []byte) error
}

type namedSnapshotter struct {
	name string
	Snapshotter
}

// Deps are the engine's collaborators. Harvester, Store, Logger and
// Notifier are optional.
type Deps struct {
	Venue     venue.Adapter
	Flash     venue.FlashLender
	Staking   venue.Staking
	Harvester venue.Harvester
	Allocator allocator.Allocator
	Store     store.Store
	Logger    *zap.Logger
	Notifier  Notifier
	Now       func() time.Time
}

// Options are the engine's tunable parameters.
type Options struct {
	LiquidationWarningThreshold decimal.Decimal
	LiquidationCheck            bool
	Cooldown                    rewards.Policy
}

// DefaultOptions enables the liquidation check at the default threshold
// with the standard cooldown policy.
func DefaultOptions() Options {
	return Options{
		LiquidationWarningThreshold: leverage.DefaultThreshold,
		LiquidationCheck:            true,
		Cooldown:                    rewards.DefaultPolicy(),
	}
}

// Engine is the treasury capital engine.
type Engine struct {
	mu sync.Mutex

	reg      *registry.Registry
	ledger   *ledger.Ledger
	flow     *flow.Coordinator
	leverage *leverage.Engine
	timer    *rewards.Timer
	gate     *leverage.Gate

	venue    venue.Adapter
	staking  venue.Staking
	alloc    allocator.Allocator
	store    store.Store
	state    []namedSnapshotter
	log      *zap.Logger
	notifier Notifier
	now      func() time.Time
}

// New wires an engine over d.
func New(d Deps, opts Options) (*Engine, error) {
	if d.Venue == nil || d.Flash == nil || d.Staking == nil || d.Allocator == nil {
		return nil, fmt.Errorf("%w: venue, flash lender, staking and allocator are required", model.ErrInvalidParameter)
	}
	gate, err := leverage.NewGate(opts.LiquidationWarningThreshold)
	if err != nil {
		return nil, err
	}
	gate.Enabled = opts.LiquidationCheck

	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Store == nil {
		d.Store = store.NewMemoryStore()
	}

	l := ledger.New(d.Venue)
	e := &Engine{
		reg:      registry.New(),
		ledger:   l,
		flow:     flow.NewCoordinator(d.Allocator, d.Venue, l, gate),
		leverage: leverage.NewEngine(d.Venue, d.Flash, l, gate),
		timer:    rewards.NewTimer(d.Staking, d.Harvester, opts.Cooldown, d.Now),
		gate:     gate,
		venue:    d.Venue,
		staking:  d.Staking,
		alloc:    d.Allocator,
		store:    d.Store,
		log:      d.Logger.Named("treasury"),
		notifier: d.Notifier,
		now:      d.Now,
	}
	for _, c := range []struct {
		name string
		dep  any
	}{
		{"venue", d.Venue},
		{"flash", d.Flash},
		{"staking", d.Staking},
		{"allocator", d.Allocator},
	} {
		if s, ok := c.dep.(Snapshotter); ok {
			e.state = append(e.state, namedSnapshotter{name: c.name, Snapshotter: s})
		}
	}
	return e, nil
}

// Load seeds the registry from the store, restores saved collaborator state
// and applies saved safety parameters over the configured ones. A store that
// holds positions but no state for a collaborator is refused, since the
// first reconcile would book the missing venue balance as a loss.
func (e *Engine) Load(ctx context.Context) error {
	positions, err := e.store.ListPositions(ctx)
	if err != nil {
		return fmt.Errorf("load positions: %w", err)
	}
	balances, err := e.store.ListBalances(ctx)
	if err != nil {
		return fmt.Errorf("load balances: %w", err)
	}
	cooldown, err := e.store.GetCooldown(ctx)
	if err != nil {
		return fmt.Errorf("load cooldown: %w", err)
	}
	params, err := e.store.GetParams(ctx)
	savedParams := err == nil
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("load params: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	saved := make([][]byte, len(e.state))
	for i, s := range e.state {
		data, err := e.store.GetSnapshot(ctx, s.name)
		if errors.Is(err, store.ErrNotFound) {
			if len(positions) > 0 || len(balances) > 0 {
				return fmt.Errorf("load %s state: store holds positions but no saved state", s.name)
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("load %s state: %w", s.name, err)
		}
		saved[i] = data
	}
	restored := 0
	for i, s := range e.state {
		if saved[i] == nil {
			continue
		}
		if err := s.Restore(saved[i]); err != nil {
			return fmt.Errorf("restore %s state: %w", s.name, err)
		}
		restored++
	}
	if savedParams {
		if err := e.gate.SetThreshold(params.LiquidationWarningThreshold); err != nil {
			return fmt.Errorf("load params: %w", err)
		}
		e.gate.Enabled = params.LiquidationCheck
	}

	e.reg.Load(positions, balances, cooldown)
	metrics.RegisteredAssets.Set(float64(len(positions)))
	for _, p := range positions {
		metrics.NetPL.WithLabelValues(p.Asset).Set(p.UnrealizedPL().InexactFloat64())
	}
	metrics.SetCooldownPhase(string(e.timer.Phase(cooldown, e.reg.Balance(e.staking.RewardToken()))))

	e.log.Info("registry loaded",
		zap.Int("positions", len(positions)),
		zap.Int("balances", len(balances)),
		zap.Bool("cooldown_triggered", cooldown.Triggered()),
		zap.Int("restored_state", restored),
		zap.Bool("saved_params", savedParams),
	)
	return nil
}

// record is one journaled effect of an operation.
type record struct {
	asset     string
	requested decimal.Decimal
	amount    decimal.Decimal
}

// execute authorizes caller, runs fn in a fresh transaction under the
// engine lock and commits on success. On failure the transaction is rolled
// back, which also reverses completed venue and allocator calls.
func (e *Engine) execute(ctx context.Context, op model.Op, caller string, fn func(tx *registry.Tx) ([]record, error)) error {
	start := time.Now()
	err := e.executeLocked(ctx, op, caller, fn)
	e.observe(op, start, err)
	return err
}

func (e *Engine) executeLocked(ctx context.Context, op model.Op, caller string, fn func(tx *registry.Tx) ([]record, error)) error {
	if err := e.authorize(ctx, caller); err != nil {
		e.log.Warn("caller rejected", zap.String("op", string(op)), zap.String("caller", caller))
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	tx := e.reg.Begin()
	recs, err := fn(tx)
	if err != nil {
		if rerr := tx.Rollback(context.WithoutCancel(ctx)); rerr != nil {
			e.log.Error("rollback compensation failed",
				zap.String("op", string(op)),
				zap.String("caller", caller),
				zap.NamedError("cause", err),
				zap.Error(rerr),
			)
		}
		e.log.Info("operation aborted",
			zap.String("op", string(op)),
			zap.String("caller", caller),
			zap.String("kind", model.KindOf(err).String()),
			zap.Error(err),
		)
		return err
	}

	now := e.now().UTC()
	tx.Stamp(now)
	changes := tx.Commit()
	entries := e.journal(op, caller, changes, recs, now)
	e.persist(context.WithoutCancel(ctx), op, changes, entries)
	e.publish(op, caller, entries)

	for _, p := range changes.Positions {
		metrics.NetPL.WithLabelValues(p.Asset).Set(p.UnrealizedPL().InexactFloat64())
	}
	for _, asset := range changes.Removed {
		metrics.NetPL.DeleteLabelValues(asset)
		metrics.LoanToValue.DeleteLabelValues(asset)
	}
	if len(changes.Removed) > 0 || op == model.OpRegister {
		metrics.RegisteredAssets.Set(float64(len(e.reg.Positions())))
	}

	fields := []zap.Field{
		zap.String("op", string(op)),
		zap.String("caller", caller),
	}
	for _, en := range entries {
		e.log.Info("operation committed", append(fields,
			zap.String("asset", en.Asset),
			zap.String("requested", en.Requested.String()),
			zap.String("amount", en.Amount.String()),
			zap.String("net_gain", en.NetGain.String()),
			zap.String("net_debt", en.NetDebt.String()),
		)...)
	}
	return nil
}

func (e *Engine) authorize(ctx context.Context, caller string) error {
	if caller == "" {
		return fmt.Errorf("%w: missing caller", model.ErrNotApproved)
	}
	ok, err := e.alloc.IsCallerApproved(ctx, caller)
	if err != nil {
		return fmt.Errorf("%w: approval check for %s: %w", model.ErrNotApproved, caller, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrNotApproved, caller)
	}
	return nil
}

func (e *Engine) journal(op model.Op, caller string, ch registry.Changes, recs []record, now time.Time) []model.JournalEntry {
	touched := make(map[string]model.AssetPosition, len(ch.Positions))
	for _, p := range ch.Positions {
		touched[p.Asset] = p
	}
	entries := make([]model.JournalEntry, 0, len(recs))
	for _, r := range recs {
		en := model.JournalEntry{
			ID:        uuid.New().String(),
			Op:        op,
			Asset:     r.asset,
			Caller:    caller,
			Requested: r.requested,
			Amount:    r.amount,
			Timestamp: now,
		}
		if p, ok := touched[r.asset]; ok {
			en.LastBalance = p.LastBalance
			en.NetGain = p.NetGain
			en.NetDebt = p.NetDebt
			en.BorrowBalance = p.BorrowBalance
		}
		entries = append(entries, en)
	}
	return entries
}

// persist mirrors committed changes to the store. The registry is already
// authoritative, so store failures are logged and not returned.
func (e *Engine) persist(ctx context.Context, op model.Op, ch registry.Changes, entries []model.JournalEntry) {
	fail := func(what string, err error) {
		e.log.Error("persist failed", zap.String("op", string(op)), zap.String("record", what), zap.Error(err))
	}
	for _, asset := range ch.Removed {
		if err := e.store.DeletePosition(ctx, asset); err != nil {
			fail("position "+asset, err)
		}
	}
	for i := range ch.Positions {
		if err := e.store.SavePosition(ctx, &ch.Positions[i]); err != nil {
			fail("position "+ch.Positions[i].Asset, err)
		}
	}
	for _, b := range ch.Balances {
		if err := e.store.SaveBalance(ctx, b); err != nil {
			fail("balance "+b.Asset, err)
		}
	}
	if ch.Cooldown != nil {
		if err := e.store.SaveCooldown(ctx, *ch.Cooldown); err != nil {
			fail("cooldown", err)
		}
	}
	if op == model.OpParams {
		p := model.Params{LiquidationWarningThreshold: e.gate.Threshold, LiquidationCheck: e.gate.Enabled}
		if err := e.store.SaveParams(ctx, p); err != nil {
			fail("params", err)
		}
	}
	for _, s := range e.state {
		data, err := s.Snapshot()
		if err == nil {
			err = e.store.SaveSnapshot(ctx, s.name, data)
		}
		if err != nil {
			fail(s.name+" state", err)
		}
	}
	for i := range entries {
		if err := e.store.InsertJournalEntry(ctx, &entries[i]); err != nil {
			fail("journal "+entries[i].ID, err)
		}
	}
}

func (e *Engine) publish(op model.Op, caller string, entries []model.JournalEntry) {
	if e.notifier == nil {
		return
	}
	for _, en := range entries {
		e.notifier.Publish(Event{
			Type:      string(op),
			Asset:     en.Asset,
			Caller:    caller,
			Amount:    en.Amount,
			NetGain:   en.NetGain,
			NetDebt:   en.NetDebt,
			Timestamp: en.Timestamp,
		})
	}
}

func (e *Engine) observe(op model.Op, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = model.KindOf(err).String()
	}
	metrics.OperationsTotal.WithLabelValues(string(op), outcome).Inc()
	metrics.OperationLatency.WithLabelValues(string(op)).Observe(time.Since(start).Seconds())
	if model.KindOf(err) == model.KindSafetyViolation {
		metrics.SafetyRejections.WithLabelValues(string(op)).Inc()
	}
}

func (e *Engine) managedAssets() []string {
	positions := e.reg.Positions()
	assets := make([]string, len(positions))
	for i, p := range positions {
		assets[i] = p.Asset
	}
	return assets
}

// isRewardAsset reports whether asset is the staked reward token or the
// asset it redeems into.
func (e *Engine) isRewardAsset(asset string) bool {
	return asset == e.staking.RewardToken() || asset == e.staking.RedeemAsset()
}
