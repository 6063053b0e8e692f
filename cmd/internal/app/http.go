package app

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	progressapi "eduloom/cmd/internal/progress/api"
	"eduloom/cmd/internal/realtime"
)

// readinessProbe is implemented by backends that can report reachability
// (the Redis progress store).
type readinessProbe interface {
	Ping(ctx context.Context) error
}

func registerHTTP(
	mux *http.ServeMux,
	log Logger,
	cfg Config,
	dbPool *pgxpool.Pool,
	dbEnabled bool,
	progressProbe readinessProbe,
	registry *prometheus.Registry,
	ws *realtime.WSGateway,
	progress *progressapi.Handler,
) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if cfg.ReadinessRequireDB && !dbEnabled {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}

		if dbEnabled && dbPool != nil {
			if err := PingDB(r.Context(), dbPool, 2*time.Second); err != nil {
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				log.Info("readyz.db.not_ready", "err", err)
				return
			}
		}

		if progressProbe != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			err := progressProbe.Ping(ctx)
			cancel()
			if err != nil {
				http.Error(w, "progress store not ready", http.StatusServiceUnavailable)
				log.Info("readyz.progress.not_ready", "err", err)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	if registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	}

	if progress != nil {
		progress.Register(mux)
	}

	mux.HandleFunc("/ws", ws.HandleWS)
}
