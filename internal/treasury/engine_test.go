package treasury_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/atmx/treasury-engine/internal/allocator"
	"github.com/atmx/treasury-engine/internal/model"
	"github.com/atmx/treasury-engine/internal/rewards"
	"github.com/atmx/treasury-engine/internal/store"
	"github.com/atmx/treasury-engine/internal/treasury"
	"github.com/atmx/treasury-engine/internal/venue"
)

const admin = "treasury-admin"

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(by time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(by)
}

type recorder struct {
	mu     sync.Mutex
	events []treasury.Event
}

func (r *recorder) Publish(ev treasury.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

type testEnv struct {
	clock   *clock
	pool    *venue.Pool
	flash   *venue.FlashMinter
	staking *venue.StakedToken
	alloc   *allocator.Memory
	store   store.Store
	events  *recorder
	engine  *treasury.Engine
}

// newTestEnv lists USDC and DAI on a 0.9 LTV pool, funds the allocator with
// 1000 of each and registers both at collateral factor 0.75.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithStore(t, store.NewMemoryStore(), zap.NewNop())
}

func newTestEnvWithStore(t *testing.T, st store.Store, log *zap.Logger) *testEnv {
	t.Helper()
	env := &testEnv{
		clock:  &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
		store:  st,
		events: &recorder{},
	}
	env.wire()
	env.engine = env.newEngine(t, log)

	ctx := context.Background()
	for _, asset := range []string{"USDC", "DAI"} {
		_, err := env.engine.RegisterAsset(ctx, admin, asset, d(0.75))
		require.NoError(t, err)
	}
	return env
}

// wire builds fresh in-process collaborators.
func (env *testEnv) wire() {
	env.pool = venue.NewPool("sim-pool", env.clock.now,
		venue.ReserveConfig{Asset: "USDC", MaxLTV: d(0.9), Liquidity: d(1000)},
		venue.ReserveConfig{Asset: "DAI", MaxLTV: d(0.9), Liquidity: d(1000)},
	)
	env.flash = venue.NewFlashMinter(map[string]decimal.Decimal{"USDC": d(1000), "DAI": d(1000)}, decimal.Zero)
	policy := rewards.DefaultPolicy()
	env.staking = venue.NewStakedToken("stkAAVE", "AAVE", policy.Period, policy.Window, env.clock.now)

	env.alloc = allocator.NewMemory(admin)
	env.alloc.Fund("USDC", d(1000))
	env.alloc.Fund("DAI", d(1000))
}

// restart rebuilds every collaborator over the same store and clock, as a
// new process would.
func (env *testEnv) restart(t *testing.T) *testEnv {
	t.Helper()
	next := &testEnv{clock: env.clock, store: env.store, events: &recorder{}}
	next.wire()
	next.engine = next.newEngine(t, zap.NewNop())
	return next
}

func (env *testEnv) newEngine(t *testing.T, log *zap.Logger) *treasury.Engine {
	t.Helper()
	e, err := treasury.New(treasury.Deps{
		Venue:     env.pool,
		Flash:     env.flash,
		Staking:   env.staking,
		Harvester: env.pool,
		Allocator: env.alloc,
		Store:     env.store,
		Logger:    log,
		Notifier:  env.events,
		Now:       env.clock.now,
	}, treasury.DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, e.Load(context.Background()))
	return e
}

func (env *testEnv) supplied(t *testing.T, asset string) decimal.Decimal {
	t.Helper()
	s, err := env.pool.SuppliedValue(context.Background(), asset)
	require.NoError(t, err)
	return s
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := treasury.New(treasury.Deps{}, treasury.DefaultOptions())
	assert.ErrorIs(t, err, model.ErrInvalidParameter)
}

func TestAuthorization(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, caller := range []string{"", "mallory"} {
		_, err := env.engine.Push(ctx, caller, "USDC", d(10))
		require.ErrorIs(t, err, model.ErrNotApproved, "caller %q", caller)
		assert.Equal(t, model.KindAuthorization, model.KindOf(err))
	}
	assert.ErrorIs(t, env.engine.ToggleLiquidationCheck(ctx, "mallory", false), model.ErrNotApproved)
	_, err := env.engine.Claim(ctx, "mallory")
	assert.ErrorIs(t, err, model.ErrNotApproved)

	assert.True(t, env.supplied(t, "USDC").IsZero())

	env.alloc.Approve("mallory")
	_, err = env.engine.Push(ctx, "mallory", "USDC", d(10))
	assert.NoError(t, err)
}

func TestRegisterAsset_Validation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.engine.RegisterAsset(ctx, admin, "USDC", d(0.75))
	assert.ErrorIs(t, err, model.ErrAssetExists)

	_, err = env.engine.RegisterAsset(ctx, admin, "stkAAVE", d(0.5))
	assert.ErrorIs(t, err, model.ErrInvalidParameter)

	_, err = env.engine.RegisterAsset(ctx, admin, "  ", d(0.5))
	assert.ErrorIs(t, err, model.ErrInvalidParameter)

	_, err = env.engine.RegisterAsset(ctx, admin, "WETH", d(1))
	assert.ErrorIs(t, err, model.ErrInvalidParameter)

	pos, err := env.engine.RegisterAsset(ctx, admin, "WETH", d(0.8))
	require.NoError(t, err)
	assert.Equal(t, "WETH", pos.Asset)
	assert.True(t, pos.RegisteredAt.Equal(env.clock.now()))
	assert.Len(t, env.engine.Positions(), 3)
}

func TestPush_PersistsAndReloads(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.engine.Push(ctx, admin, "USDC", d(100))
	require.NoError(t, err)

	reloaded := env.newEngine(t, zap.NewNop())
	pos, err := reloaded.Position("USDC")
	require.NoError(t, err)
	assert.True(t, pos.LastBalance.Equal(d(100)))
	assert.True(t, pos.CollateralFactor.Equal(d(0.75)))
	assert.Len(t, reloaded.Positions(), 2)

	entries, err := reloaded.Journal(ctx, "USDC")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, model.OpRegister, entries[0].Op)
	assert.Equal(t, model.OpPush, entries[1].Op)
	assert.Equal(t, admin, entries[1].Caller)
	assert.True(t, entries[1].Amount.Equal(d(100)))
	assert.True(t, entries[1].LastBalance.Equal(d(100)))
	assert.NotEmpty(t, entries[1].ID)
}

func TestPushPull_ReconcilesYield(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.engine.Push(ctx, admin, "USDC", d(100))
	require.NoError(t, err)
	env.pool.AddYield("USDC", d(10))

	sum, err := env.engine.Summary(ctx, "USDC")
	require.NoError(t, err)
	assert.True(t, sum.TotalManagedValue.Equal(d(110)))
	assert.True(t, sum.PendingDelta.Equal(d(10)))
	assert.True(t, sum.UnrealizedPL.IsZero(), "summary does not reconcile")

	res, err := env.engine.Pull(ctx, admin, "USDC", d(50))
	require.NoError(t, err)
	assert.True(t, res.Report.NetGain.Equal(d(10)))

	pl, err := env.engine.UnrealizedPL("USDC")
	require.NoError(t, err)
	assert.True(t, pl.Equal(d(10)))

	tmv, err := env.engine.TotalManagedValue(ctx, "USDC")
	require.NoError(t, err)
	assert.True(t, tmv.Equal(d(60)))
}

func TestPushBatch_AllOrNothing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.engine.PushBatch(ctx, admin,
		[]string{"USDC", "WETH"},
		[]decimal.Decimal{d(100), d(50)})
	require.ErrorIs(t, err, model.ErrUnknownAsset)
	assert.Contains(t, err.Error(), "element 1")

	assert.True(t, env.supplied(t, "USDC").IsZero(), "first element unwound")
	assert.True(t, env.alloc.Reserve("USDC").Equal(d(1000)))
	pos, err := env.engine.Position("USDC")
	require.NoError(t, err)
	assert.True(t, pos.LastBalance.IsZero())
}

func TestPushBatch_IncompatibleLengths(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.engine.PushBatch(context.Background(), admin,
		[]string{"USDC", "DAI"},
		[]decimal.Decimal{d(1)})
	assert.ErrorIs(t, err, model.ErrIncompatibleLengths)

	_, err = env.engine.PullBatch(context.Background(), admin, []string{"USDC"}, nil)
	assert.ErrorIs(t, err, model.ErrIncompatibleLengths)

	_, err = env.engine.PushBatch(context.Background(), admin, nil, nil)
	assert.ErrorIs(t, err, model.ErrIncompatibleLengths)
	assert.Equal(t, []string{"register", "register"}, env.events.types(), "empty batch commits nothing")
}

func TestBatch_CommitsEveryElement(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	results, err := env.engine.PushBatch(ctx, admin,
		[]string{"USDC", "DAI"},
		[]decimal.Decimal{d(100), d(200)})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, env.supplied(t, "USDC").Equal(d(100)))
	assert.True(t, env.supplied(t, "DAI").Equal(d(200)))

	results, err = env.engine.PullBatch(ctx, admin,
		[]string{"USDC", "DAI"},
		[]decimal.Decimal{d(40), d(50)})
	require.NoError(t, err)
	assert.True(t, results[0].Amount.Equal(d(40)))
	assert.True(t, results[1].Amount.Equal(d(50)))
	assert.True(t, env.alloc.Reserve("DAI").Equal(d(850)))
}

func TestDeregisterAsset_RequiresEmptyPosition(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.engine.Push(ctx, admin, "DAI", d(100))
	require.NoError(t, err)
	assert.ErrorIs(t, env.engine.DeregisterAsset(ctx, admin, "DAI"), model.ErrNonNullBalances)

	_, err = env.engine.Pull(ctx, admin, "DAI", d(100))
	require.NoError(t, err)
	require.NoError(t, env.engine.DeregisterAsset(ctx, admin, "DAI"))

	_, err = env.engine.Position("DAI")
	assert.ErrorIs(t, err, model.ErrUnknownAsset)
	_, err = env.store.GetPosition(ctx, "DAI")
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.ErrorIs(t, env.engine.DeregisterAsset(ctx, admin, "DAI"), model.ErrUnknownAsset)
}

func TestFoldUnfold_PartialCommits(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.engine.Push(ctx, admin, "USDC", d(100))
	require.NoError(t, err)
	res, err := env.engine.Fold(ctx, admin, "USDC", d(1000))
	require.NoError(t, err)
	assert.True(t, res.Amount.Equal(d(300)))

	limit := d(200)
	env.pool.SetWithdrawCap("USDC", &limit)
	res, err = env.engine.Unfold(ctx, admin, "USDC", d(300))
	require.ErrorIs(t, err, model.ErrInsufficientCollateral)
	assert.True(t, res.Amount.Equal(d(200)))

	pos, err := env.engine.Position("USDC")
	require.NoError(t, err)
	assert.True(t, pos.BorrowBalance.Equal(d(100)), "partial unfold committed")

	entries, err := env.engine.Journal(ctx, "USDC")
	require.NoError(t, err)
	assert.Equal(t, model.OpUnfold, entries[len(entries)-1].Op)
}

func TestFold_SafetyViolationLeavesNothing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.engine.Push(ctx, admin, "USDC", d(100))
	require.NoError(t, err)
	require.NoError(t, env.engine.SetLiquidationWarningThreshold(ctx, admin, d(0.7)))

	_, err = env.engine.Fold(ctx, admin, "USDC", d(1000))
	require.ErrorIs(t, err, model.ErrCloseToLiquidation)

	pos, err := env.engine.Position("USDC")
	require.NoError(t, err)
	assert.True(t, pos.BorrowBalance.IsZero())
	assert.True(t, env.supplied(t, "USDC").Equal(d(100)))

	require.NoError(t, env.engine.ToggleLiquidationCheck(ctx, admin, false))
	_, err = env.engine.Fold(ctx, admin, "USDC", d(1000))
	assert.NoError(t, err)
}

func TestLiquidationParams(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	p := env.engine.Liquidation()
	assert.True(t, p.Threshold.Equal(d(0.8)))
	assert.True(t, p.Enabled)

	assert.ErrorIs(t, env.engine.SetLiquidationWarningThreshold(ctx, admin, d(1.5)), model.ErrInvalidParameter)
	require.NoError(t, env.engine.SetLiquidationWarningThreshold(ctx, admin, d(0.7)))
	require.NoError(t, env.engine.ToggleLiquidationCheck(ctx, admin, false))

	p = env.engine.Liquidation()
	assert.True(t, p.Threshold.Equal(d(0.7)))
	assert.False(t, p.Enabled)

	assert.ErrorIs(t, env.engine.SetCollateralFactor(ctx, admin, "USDC", d(0)), model.ErrInvalidParameter)
	require.NoError(t, env.engine.SetCollateralFactor(ctx, admin, "USDC", d(0.5)))
	pos, err := env.engine.Position("USDC")
	require.NoError(t, err)
	assert.True(t, pos.CollateralFactor.Equal(d(0.5)))
}

func TestClaimAndRecover(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.engine.Push(ctx, admin, "USDC", d(100))
	require.NoError(t, err)
	env.pool.AccrueRewards("USDC", d(5))

	res, err := env.engine.Claim(ctx, admin)
	require.NoError(t, err)
	assert.True(t, res.Triggered)
	assert.Equal(t, model.PhaseCoolingDown, env.engine.Cooldown().Phase)

	env.clock.advance(rewards.DefaultCooldownPeriod)
	st := env.engine.Cooldown()
	assert.Equal(t, model.PhaseRedeemWindowOpen, st.Phase)
	require.NotNil(t, st.WindowOpens)
	assert.True(t, st.WindowOpens.Equal(env.clock.now()))

	res, err = env.engine.Claim(ctx, admin)
	require.NoError(t, err)
	assert.True(t, res.Redeemed.Equal(d(5)))
	assert.Equal(t, model.PhaseIdle, env.engine.Cooldown().Phase)

	_, err = env.engine.Recover(ctx, admin, "USDC", decimal.Zero)
	assert.ErrorIs(t, err, model.ErrManagedAsset)

	_, err = env.engine.Recover(ctx, admin, "AAVE", d(6))
	assert.ErrorIs(t, err, model.ErrInsufficientFunds)

	rec, err := env.engine.Recover(ctx, admin, "AAVE", decimal.Zero)
	require.NoError(t, err)
	assert.True(t, rec.Amount.Equal(d(5)))
	assert.True(t, env.alloc.Reserve("AAVE").Equal(d(5)))
	assert.Empty(t, env.engine.Balances())

	// Cooldown survives a reload.
	reloaded := env.newEngine(t, zap.NewNop())
	assert.Equal(t, model.PhaseIdle, reloaded.Cooldown().Phase)
}

func TestEvents_PublishedOnCommitOnly(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.engine.Push(ctx, admin, "USDC", d(100))
	require.NoError(t, err)
	_, err = env.engine.Push(ctx, admin, "WETH", d(100))
	require.Error(t, err)

	assert.Equal(t, []string{"register", "register", "push"}, env.events.types())
}

type failingStore struct {
	store.Store
}

func (failingStore) SavePosition(context.Context, *model.AssetPosition) error {
	return errors.New("disk full")
}

func TestPersistFailureIsLoggedNotReturned(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	env := newTestEnvWithStore(t, failingStore{Store: store.NewMemoryStore()}, zap.New(core))

	_, err := env.engine.Push(context.Background(), admin, "USDC", d(100))
	require.NoError(t, err)

	pos, err := env.engine.Position("USDC")
	require.NoError(t, err)
	assert.True(t, pos.LastBalance.Equal(d(100)))
	assert.NotZero(t, logs.FilterMessage("persist failed").Len())
}

func TestRestart_RestoresVenueAndAllocatorState(t *testing.T) {
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "treasury.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	env := newTestEnvWithStore(t, st, zap.NewNop())
	ctx := context.Background()

	_, err = env.engine.Push(ctx, admin, "USDC", d(100))
	require.NoError(t, err)
	_, err = env.engine.Fold(ctx, admin, "USDC", d(50))
	require.NoError(t, err)

	next := env.restart(t)
	assert.True(t, next.supplied(t, "USDC").Equal(d(150)))
	borrowed, err := next.pool.BorrowedValue(ctx, "USDC")
	require.NoError(t, err)
	assert.True(t, borrowed.Equal(d(50)))
	assert.True(t, next.alloc.Reserve("USDC").Equal(d(900)), "configured funding is not applied twice")

	res, err := next.engine.Push(ctx, admin, "USDC", decimal.Zero)
	require.NoError(t, err)
	assert.True(t, res.Amount.IsZero())
	pos, err := next.engine.Position("USDC")
	require.NoError(t, err)
	assert.True(t, pos.LastBalance.Equal(d(100)))
	assert.True(t, pos.NetDebt.IsZero())
	assert.True(t, pos.NetGain.IsZero())
}

func TestRestart_RefusesPositionsWithoutVenueState(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, st.SavePosition(ctx, &model.AssetPosition{
		Asset:            "USDC",
		LastBalance:      d(100),
		CollateralFactor: d(0.75),
	}))

	env := &testEnv{clock: &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}, store: st, events: &recorder{}}
	env.wire()
	e, err := treasury.New(treasury.Deps{
		Venue:     env.pool,
		Flash:     env.flash,
		Staking:   env.staking,
		Harvester: env.pool,
		Allocator: env.alloc,
		Store:     st,
		Now:       env.clock.now,
	}, treasury.DefaultOptions())
	require.NoError(t, err)

	err = e.Load(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no saved state")
	assert.Empty(t, e.Positions())
}

func TestRestart_KeepsLiquidationParams(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.engine.SetLiquidationWarningThreshold(ctx, admin, d(0.7)))
	require.NoError(t, env.engine.ToggleLiquidationCheck(ctx, admin, false))

	next := env.restart(t)
	p := next.engine.Liquidation()
	assert.True(t, p.Threshold.Equal(d(0.7)))
	assert.False(t, p.Enabled)

	entries, err := next.engine.Journal(ctx, "")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, model.OpParams, entries[0].Op)
	assert.True(t, entries[0].Amount.Equal(d(0.7)))
	assert.True(t, entries[1].Amount.IsZero())
}
