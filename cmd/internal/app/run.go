package app

import (
	"context"
	"os/signal"
	"syscall"
)

// Run is the CLI entrypoint used by cmd/eduloom.
// It returns an error instead of calling os.Exit to keep defers effective.
func Run() error {
	cfg := LoadConfig()
	log := NewLogger(cfg.LogLevel, cfg.LogFormat)
	log.Info("config.loaded",
		"http_addr", cfg.HTTPAddr,
		"db_configured", cfg.DatabaseURL != "",
		"db_max_conns", cfg.DBMaxConns,
		"progress_backend", cfg.ProgressBackend,
		"progress_rate_limit", cfg.ProgressRateLimit,
		"auth", cfg.JWTSecret != "",
		"cors_origins", len(cfg.CORSAllowedOrigins),
	)

	a, err := New(cfg, log)
	if err != nil {
		log.Error("server.init.fail", "err", err)
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return a.Run(ctx)
}
