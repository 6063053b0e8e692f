// Package app wires the eduloom server runtime: config, logging, storage
// backends, metrics, HTTP routes and the realtime chat gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"eduloom/cmd/internal/progress"
	progressapi "eduloom/cmd/internal/progress/api"
	"eduloom/cmd/internal/realtime"
)

// App is the eduloom server runtime: it owns HTTP server wiring and the
// resources behind the gateway and the progress API.
type App struct {
	cfg Config
	log Logger

	// closers run in reverse order on shutdown.
	closers []func() error

	dbPool    *pgxpool.Pool
	dbEnabled bool

	progressProbe readinessProbe
	redis         *redis.Client
	registry      *prometheus.Registry

	ws       *realtime.WSGateway
	progress *progressapi.Handler
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	ctx := context.Background()

	wsCfg := realtime.LoadGatewayConfigFromEnv()
	if err := ValidateSecurityConfig(cfg, wsCfg); err != nil {
		return nil, err
	}
	verifier, err := newVerifier(cfg)
	if err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, log: log}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := realtime.NewMetrics(a.registry)
	if err != nil {
		return nil, fmt.Errorf("app: metrics: %w", err)
	}

	msgStore, err := a.newMessageStore(ctx)
	if err != nil {
		a.closeAll()
		return nil, err
	}

	progressStore, err := a.newProgressStore(ctx)
	if err != nil {
		a.closeAll()
		return nil, err
	}

	opts := []realtime.GatewayOption{realtime.WithMetrics(metrics)}
	var progressVerifier progressapi.TokenVerifier
	if verifier != nil {
		opts = append(opts, realtime.WithVerifier(verifier))
		progressVerifier = verifier
	} else {
		log.Warn("auth.disabled", "detail", "EDULOOM_JWT_SECRET not set; progress API disabled and websocket senders unauthenticated")
	}

	a.ws = realtime.NewWSGateway(log, realtime.NewHub(log), msgStore, wsCfg, opts...)
	a.progress = progressapi.NewHandler(log, progressStore, progressVerifier,
		progressapi.WithLimiter(a.newProgressLimiter()))
	return a, nil
}

// Handler returns the root HTTP handler with the middleware chain applied.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.progressProbe, a.registry, a.ws, a.progress)

	var h http.Handler = mux
	h = WithCORS(h, a.cfg, a.log)
	h = WithSecurityHeaders(h)
	return WithRequestLogging(h, a.log)
}

// Close releases storage resources. Run calls it on shutdown.
func (a *App) Close() { a.closeAll() }

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"base_url", base,
		"ws_url", wsBaseURL(base)+"/ws",
		"db_enabled", a.dbEnabled,
		"progress_backend", a.cfg.ProgressBackend,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		a.closeAll()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		a.closeAll()
		return err
	}

	a.closeAll()
	a.log.Info("server.stopped")
	return nil
}

// newMessageStore decides between Postgres-backed persistence and the
// in-memory dev store.
func (a *App) newMessageStore(ctx context.Context) (realtime.MessageStore, error) {
	if a.cfg.DatabaseURL == "" {
		a.log.Info("db.disabled.inmemory_store")
		return realtime.NewInMemoryStore(), nil
	}

	pool, err := NewDBPool(ctx, a.cfg)
	if err != nil {
		return nil, fmt.Errorf("app: db pool: %w", err)
	}
	// The pool is owned here; PostgresStore.Close is a no-op.
	a.closers = append(a.closers, func() error { pool.Close(); return nil })
	a.dbPool = pool
	a.dbEnabled = true

	st, err := realtime.NewPostgresStore(pool, realtime.WithSchema(a.cfg.DBSchema))
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("app: migrate: %w", err)
	}
	a.closers = append(a.closers, st.Close)

	a.log.Info("db.enabled.postgres_store", "schema", a.cfg.DBSchema)
	return st, nil
}

// newProgressStore opens the progress backend selected by
// EDULOOM_PROGRESS_BACKEND.
func (a *App) newProgressStore(ctx context.Context) (progress.Store, error) {
	switch a.cfg.ProgressBackend {
	case "", ProgressMemory:
		a.log.Info("progress.backend", "backend", ProgressMemory)
		return progress.NewMemoryStore(), nil

	case ProgressSQLite:
		st, err := progress.OpenSQLite(a.cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("app: progress sqlite: %w", err)
		}
		a.closers = append(a.closers, st.Close)
		a.log.Info("progress.backend", "backend", ProgressSQLite, "path", a.cfg.SQLitePath)
		return st, nil

	case ProgressRedis:
		if a.cfg.RedisAddr == "" {
			return nil, errors.New("app: EDULOOM_PROGRESS_BACKEND=redis requires EDULOOM_REDIS_ADDR")
		}
		client := redis.NewClient(&redis.Options{
			Addr:     a.cfg.RedisAddr,
			Password: a.cfg.RedisPassword,
			DB:       a.cfg.RedisDB,
		})
		st := progress.NewRedisStore(client, progress.DefaultRedisPrefix)

		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := st.Ping(pingCtx); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("app: progress redis: %w", err)
		}
		a.closers = append(a.closers, st.Close)
		a.progressProbe = st
		a.redis = client
		a.log.Info("progress.backend", "backend", ProgressRedis, "addr", a.cfg.RedisAddr)
		return st, nil

	default:
		return nil, fmt.Errorf("app: unknown progress backend %q", a.cfg.ProgressBackend)
	}
}

// newProgressLimiter shares the Redis progress backend when there is one so
// limits hold across server instances.
func (a *App) newProgressLimiter() progressapi.Limiter {
	if a.cfg.ProgressRateLimit <= 0 {
		return nil
	}
	if a.redis != nil {
		return progressapi.NewRedisLimiter(a.redis, progressapi.DefaultRateLimitPrefix, a.cfg.ProgressRateLimit, a.cfg.ProgressRateWindow)
	}
	return progressapi.NewMemoryLimiter(a.cfg.ProgressRateLimit, a.cfg.ProgressRateWindow)
}

func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Error("store.close.fail", "err", err)
		}
	}
	a.closers = nil
}

// runtimeBaseURL turns a listen address into a URL a local client can dial.
// Wildcard binds map to the IPv4 loopback.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + strings.TrimSpace(addr)
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// wsBaseURL converts an http(s) base URL to its ws(s) equivalent.
func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	case strings.HasPrefix(base, "ws://"), strings.HasPrefix(base, "wss://"):
		return base
	default:
		return "ws://" + base
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
