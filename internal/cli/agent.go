package cli

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/pribylovaa/betforbes-session/internal/app"
	sessionhttp "github.com/pribylovaa/betforbes-session/internal/http"
)

const shutdownTimeout = 10 * time.Second

func newAgentCmd(e *env) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Keep the session alive: renewal, cross-process sync, health and metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return e.run(cmd, func(ctx context.Context, a *app.App) error {
				if addr == "" {
					addr = a.Config.Metrics.Addr()
				}
				return runAgent(ctx, a, e.registry, addr)
			})
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address for /livez, /healthz, /metrics (defaults to metrics.host:port)")

	return cmd
}

func runAgent(parent context.Context, a *app.App, reg prometheus.Gatherer, addr string) error {
	log := a.Log

	rootCtx, rootCancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer rootCancel()

	snap := a.Session.Initialize(rootCtx)
	log.Info("agent_session_restored",
		slog.String("state", snap.State.String()),
		slog.Bool("authenticated", snap.IsAuthenticated),
	)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.Session.RunRenewal(rootCtx)
	}()
	go func() {
		defer wg.Done()
		if err := a.Sync.Run(rootCtx); err != nil {
			log.Error("sync_failed", slog.String("err", err.Error()))
		}
	}()

	var ready atomic.Bool

	// /session/renew не чаще раза в секунду: каждый вызов может уйти в /auth/refresh.
	handler := sessionhttp.NewRouter(a.Session, sessionhttp.Options{
		Logger:     log,
		Timeout:    a.Config.API.Timeout,
		Gatherer:   prometheus.Gatherers{reg, prometheus.DefaultGatherer},
		Ready:      ready.Load,
		RenewLimit: rate.Every(time.Second),
		RenewBurst: 1,
	})

	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Error("http_listen_failed", slog.String("addr", addr), slog.String("err", err.Error()))
		rootCancel()
		wg.Wait()
		return err
	}

	log.Info("http_listen_start", slog.String("addr", ln.Addr().String()))

	serveErrCh := make(chan error, 1)
	go func() {
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- err
		}
		close(serveErrCh)
	}()

	ready.Store(true)
	log.Info("agent_ready")

	var serveErr error
	select {
	case <-rootCtx.Done():
		log.Info("shutdown_requested")
	case serveErr = <-serveErrCh:
		if serveErr != nil {
			log.Error("http_serve_failed", slog.String("err", serveErr.Error()))
		}
	}

	ready.Store(false)
	rootCancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http_shutdown_incomplete", slog.String("err", err.Error()))
	} else {
		log.Info("http_stopped")
	}

	wg.Wait()
	log.Info("agent_stopped")

	return serveErr
}
