package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atmx/treasury-engine/internal/allocator"
	"github.com/atmx/treasury-engine/internal/api"
	"github.com/atmx/treasury-engine/internal/config"
	"github.com/atmx/treasury-engine/internal/logger"
	"github.com/atmx/treasury-engine/internal/metrics"
	"github.com/atmx/treasury-engine/internal/rewards"
	"github.com/atmx/treasury-engine/internal/store"
	"github.com/atmx/treasury-engine/internal/treasury"
	"github.com/atmx/treasury-engine/internal/venue"
)

func main() {
	configPath := flag.String("config", os.Getenv("TREASURY_CONFIG"), "path to the YAML config file")
	flag.Parse()

	envErr := config.LoadEnv()
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	defer log.Sync()
	if envErr != nil {
		log.Debug("no .env file loaded", zap.Error(envErr))
	}

	ctx := context.Background()

	// --- Initialize store ---
	st, cleanup, err := openStore(ctx, cfg.Store, log)
	if err != nil {
		log.Fatal("store initialization failed", zap.Error(err))
	}
	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Venue, flash liquidity, staking, allocator ---
	adapter := buildVenue(cfg)
	harvester, _ := adapter.(venue.Harvester)

	capacity := make(map[string]decimal.Decimal, len(cfg.Assets))
	for _, a := range cfg.Assets {
		capacity[a.Symbol] = a.FlashCapacity.Decimal
	}
	flash := venue.NewFlashMinter(capacity, cfg.Leverage.FlashFee.Decimal)
	staking := venue.NewStakedToken(cfg.Rewards.Token, cfg.Rewards.RedeemAsset,
		cfg.Cooldown.Period(), cfg.Cooldown.Window(), nil)

	alloc := allocator.NewMemory(cfg.Allocator.ApprovedCallers...)
	for _, a := range cfg.Assets {
		alloc.Fund(a.Symbol, a.Reserve.Decimal)
		alloc.SetBorrowCap(a.Symbol, a.BorrowCap.Decimal)
	}

	// --- WebSocket hub ---
	wsHub := api.NewWSHub(log)
	go wsHub.Run()

	// --- Engine ---
	engine, err := treasury.New(treasury.Deps{
		Venue:     adapter,
		Flash:     flash,
		Staking:   staking,
		Harvester: harvester,
		Allocator: alloc,
		Store:     st,
		Logger:    log,
		Notifier:  wsHub,
	}, treasury.Options{
		LiquidationWarningThreshold: cfg.Leverage.LiquidationWarningThreshold.Decimal,
		LiquidationCheck:            cfg.Leverage.CheckEnabled(),
		Cooldown: rewards.Policy{
			Period:                cfg.Cooldown.Period(),
			Window:                cfg.Cooldown.Window(),
			RetriggerWhileCooling: cfg.Cooldown.RetriggerWhileCooling,
		},
	})
	if err != nil {
		log.Fatal("engine initialization failed", zap.Error(err))
	}
	if err := engine.Load(ctx); err != nil {
		log.Fatal("engine load failed", zap.Error(err))
	}
	registerConfiguredAssets(ctx, engine, cfg, log)

	svc := api.NewService(engine, log)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(time.Duration(cfg.Server.RequestTimeoutSeconds) * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for dashboard cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+api.CallerHeader)
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"treasury-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	limiter := api.NewRateLimiter(cfg.Server.RateLimitPerMinute, cfg.Server.RateLimitBurst)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(limiter.Middleware)
		// WebSocket endpoint for committed engine events.
		r.Get("/ws", wsHub.HandleWS)
		svc.Routes(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: time.Duration(cfg.Server.RequestTimeoutSeconds+5) * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("treasury-engine listening",
			zap.String("port", cfg.Server.Port),
			zap.String("venue", adapter.Name()),
			zap.String("store", cfg.Store.Driver),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownGraceSeconds)*time.Second)
	defer cancel()

	log.Info("shutting down treasury-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", zap.Error(err))
	}
	wsHub.Stop()
	log.Info("treasury-engine stopped")
}

// openStore selects the persistence backend from configuration.
func openStore(ctx context.Context, cfg config.StoreConfig, log *zap.Logger) (store.Store, []func(), error) {
	var cleanup []func()

	switch cfg.Driver {
	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		log.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL == "" {
			return pg, cleanup, nil
		}
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("invalid redis url: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		log.Info("Redis cache enabled", zap.Duration("ttl", cfg.CacheTTL()))
		return store.NewCachedStore(pg, rdb, cfg.CacheTTL()), cleanup, nil

	case config.DriverSQLite:
		sq, err := store.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite %s: %w", cfg.SQLitePath, err)
		}
		cleanup = append(cleanup, func() { sq.Close() })
		log.Info("using SQLite store", zap.String("path", cfg.SQLitePath))
		return sq, cleanup, nil

	default:
		log.Warn("using in-memory store (data will not persist)")
		return store.NewMemoryStore(), cleanup, nil
	}
}

// buildVenue lists every configured asset on the selected venue simulation.
func buildVenue(cfg config.Config) venue.Adapter {
	reserves := make([]venue.ReserveConfig, 0, len(cfg.Assets))
	for _, a := range cfg.Assets {
		reserves = append(reserves, venue.ReserveConfig{
			Asset:     a.Symbol,
			MaxLTV:    a.VenueMaxLTV.Decimal,
			Liquidity: a.VenueLiquidity.Decimal,
			Interest: venue.InterestModel{
				BaseRate: a.Interest.BaseRate.Decimal,
				Slope1:   a.Interest.Slope1.Decimal,
				Slope2:   a.Interest.Slope2.Decimal,
				Kink:     a.Interest.Kink.Decimal,
			},
			ReserveFactor: a.ReserveFactor.Decimal,
			RewardRate:    a.RewardRate.Decimal,
		})
	}
	if cfg.Venue.Kind == config.VenueShares {
		return venue.NewShares(cfg.Venue.Name, cfg.Venue.Precision, reserves...)
	}
	return venue.NewPool(cfg.Venue.Name, nil, reserves...)
}

// registerConfiguredAssets registers assets marked for registration that the
// store has no record of, acting as the first approved caller.
func registerConfiguredAssets(ctx context.Context, engine *treasury.Engine, cfg config.Config, log *zap.Logger) {
	if len(cfg.Allocator.ApprovedCallers) == 0 {
		return
	}
	admin := cfg.Allocator.ApprovedCallers[0]
	for _, a := range cfg.Assets {
		if !a.Register {
			continue
		}
		if _, err := engine.Position(a.Symbol); err == nil {
			continue
		}
		if _, err := engine.RegisterAsset(ctx, admin, a.Symbol, a.CollateralFactor.Decimal); err != nil {
			log.Error("asset registration failed", zap.String("asset", a.Symbol), zap.Error(err))
		}
	}
}

// requestLogger logs each request through zap.
func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	log = log.Named("http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("caller", r.Header.Get(api.CallerHeader)),
			)
		})
	}
}
