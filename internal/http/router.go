// http — служебный HTTP-сервер agent: health-проверки, метрики и состояние сессии.
package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/pribylovaa/betforbes-session/internal/http/middleware"
	"github.com/pribylovaa/betforbes-session/internal/models"
	"github.com/pribylovaa/betforbes-session/internal/session"
)

// Session — то, что сервер читает у менеджера.
type Session interface {
	Snapshot() models.Snapshot
	CheckNow(ctx context.Context) error
}

// Options — параметры сборки HTTP-роутера.
type Options struct {
	Logger  *slog.Logger
	Timeout time.Duration
	// Gatherer — источник метрик для /metrics; nil — prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
	// Ready — признак готовности для /healthz; nil — всегда готов.
	Ready func() bool
	// RenewLimit/RenewBurst ограничивают POST /session/renew; 0 — без ограничения.
	RenewLimit rate.Limit
	RenewBurst int
}

// NewRouter собирает http.Handler agent.
func NewRouter(s Session, opts Options) http.Handler {
	root := chi.NewRouter()

	root.Use(
		middleware.Recover(),
		middleware.RequestID(),
		middleware.Logging(opts.Logger, func(*http.Request) slog.Attr {
			return slog.String("session_state", s.Snapshot().State.String())
		}),
	)
	if opts.Timeout > 0 {
		root.Use(middleware.Timeout(opts.Timeout))
	}

	ready := opts.Ready
	if ready == nil {
		ready = func() bool { return true }
	}

	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	root.Get("/livez", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	root.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
			return
		}

		http.Error(w, "not ready", http.StatusServiceUnavailable)
	})

	root.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	root.Get("/session", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.Snapshot())
	})

	var renew chi.Router = root
	if opts.RenewLimit > 0 {
		burst := opts.RenewBurst
		if burst <= 0 {
			burst = 1
		}
		renew = root.With(middleware.RateLimit(opts.RenewLimit, burst))
	}

	// Внеочередная проверка срока жизни токена.
	renew.Post("/session/renew", func(w http.ResponseWriter, r *http.Request) {
		if err := s.CheckNow(r.Context()); err != nil {
			status := http.StatusBadGateway
			if session.RequiresLogin(err) {
				status = http.StatusUnauthorized
			}
			writeJSON(w, status, map[string]string{"error": err.Error()})
			return
		}

		writeJSON(w, http.StatusOK, s.Snapshot())
	})

	return root
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
