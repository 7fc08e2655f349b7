// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra    — configuration store, shared Redis store
//  2. initCore     — vault, breaker, selector, router, limiter, metrics
//  3. initGateway  — dispatch engine + HTTP edge
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/octanelabs/relay/internal/circuit"
	"github.com/octanelabs/relay/internal/config"
	"github.com/octanelabs/relay/internal/dispatch"
	"github.com/octanelabs/relay/internal/keyselect"
	"github.com/octanelabs/relay/internal/logger"
	"github.com/octanelabs/relay/internal/metrics"
	"github.com/octanelabs/relay/internal/modelrouter"
	"github.com/octanelabs/relay/internal/proxy"
	"github.com/octanelabs/relay/internal/ratelimit"
	"github.com/octanelabs/relay/internal/store"
	"github.com/octanelabs/relay/internal/vault"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	st  *store.Store
	rdb *redis.Client

	vlt      *vault.Vault
	breaker  *circuit.Breaker
	selector *keyselect.Selector
	router   *modelrouter.Router
	limiter  *ratelimit.Limiter
	prom     *metrics.Registry
	audit    *logger.Logger

	engine *dispatch.Engine
	gw     *proxy.Gateway
	mgmt   *proxy.ManagementRoutes
}

// New initialises all subsystems and returns a ready-to-run App.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"core", a.initCore},
		{"gateway", a.initGateway},
	}
	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}
	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or the
// listener fails. Closes the app on return.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting relay",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("circuit_store", a.cfg.Circuit.Store),
		slog.Bool("rate_limit", a.cfg.RateLimit.Enabled()),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.Start(addr, a.mgmt)
	})
	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases resources in reverse-init order. Safe to call repeatedly.
func (a *App) Close() {
	if a.audit != nil {
		_ = a.audit.Close()
		a.audit = nil
	}
	if a.router != nil {
		a.router.Close()
		a.router = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
	if a.st != nil {
		if err := a.st.Close(); err != nil {
			a.log.Error("store close error", slog.String("error", err.Error()))
		}
		a.st = nil
	}
}

// ── Init steps ───────────────────────────────────────────────────────────────

func (a *App) initInfra(ctx context.Context) error {
	st, err := store.Open(a.cfg.DatabaseURL)
	if err != nil {
		return err
	}
	a.st = st
	a.log.Info("configuration store ready")

	if a.cfg.RedisURL != "" {
		rdb, err := connectRedis(ctx, a.cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("shared store connected")
	}
	return nil
}

func (a *App) initCore(ctx context.Context) error {
	vlt, err := vault.NewFromString(a.cfg.MasterKey)
	if err != nil {
		return err
	}
	a.vlt = vlt

	var cbStore circuit.Store
	if a.cfg.Circuit.Store == "memory" || a.rdb == nil {
		cbStore = circuit.NewMemoryStore()
	} else {
		cbStore = circuit.NewRedisStore(a.rdb)
	}
	a.breaker = circuit.New(cbStore, circuit.Config{
		FailureThreshold: a.cfg.Circuit.FailureThreshold,
		Window:           a.cfg.Circuit.Window,
		OpenFor:          a.cfg.Circuit.OpenFor,
		ProbeCount:       a.cfg.Circuit.ProbeCount,
	})

	a.selector = keyselect.New(
		keyselect.Strategy(a.cfg.Selector.Strategy),
		a.cfg.Selector.FailThreshold,
	)

	a.router = modelrouter.New(a.baseCtx, a.st, a.cfg.RouterCacheTTL)

	if a.rdb != nil && a.cfg.RateLimit.Enabled() {
		a.limiter = ratelimit.New(a.rdb, ratelimit.Limits{
			GlobalRPM: a.cfg.RateLimit.GlobalRPM,
			PerKeyRPM: a.cfg.RateLimit.PerKeyRPM,
			PerIPRPM:  a.cfg.RateLimit.PerIPRPM,
			Window:    a.cfg.RateLimit.Window,
		})
		a.log.Info("rate limiting enabled",
			slog.Int("global_rpm", a.cfg.RateLimit.GlobalRPM),
			slog.Int("key_rpm", a.cfg.RateLimit.PerKeyRPM),
			slog.Int("ip_rpm", a.cfg.RateLimit.PerIPRPM),
		)
	}

	a.prom = metrics.New()

	audit, err := logger.New(a.baseCtx, a.log)
	if err != nil {
		return err
	}
	a.audit = audit

	return nil
}

func (a *App) initGateway(_ context.Context) error {
	a.engine = dispatch.New(dispatch.Config{
		Router:         a.router,
		Breaker:        a.breaker,
		Selector:       a.selector,
		Vault:          a.vlt,
		Store:          a.st,
		Limiter:        a.limiter,
		Metrics:        a.prom,
		Logger:         a.log,
		DefaultTimeout: a.cfg.RequestTimeout,
	})

	a.gw = proxy.NewGateway(a.engine, a.router, proxy.Options{
		Logger:         a.log,
		Metrics:        a.prom,
		Limiter:        a.limiter,
		Audit:          a.audit,
		ClientKeys:     a.cfg.ClientAPIKeys,
		RequestTimeout: a.cfg.RequestTimeout,
		CORSOrigins:    a.cfg.CORSOrigins,
		Ready:          a.readiness(),
	})

	a.mgmt = &proxy.ManagementRoutes{Metrics: a.prom.Handler()}
	return nil
}

// readiness probes the configuration store and, when configured, Redis.
func (a *App) readiness() func() bool {
	st, rdb, base := a.st, a.rdb, a.baseCtx
	return func() bool {
		ctx, cancel := context.WithTimeout(base, time.Second)
		defer cancel()
		if err := st.Ping(ctx); err != nil {
			return false
		}
		if rdb != nil && rdb.Ping(ctx).Err() != nil {
			return false
		}
		return true
	}
}

// connectRedis parses the URL and verifies connectivity with a PING.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return rdb, nil
}
