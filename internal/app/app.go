// app — корень композиции: собирает хранилище, API-клиент, координатор refresh,
// HTTP-адаптер, менеджер сессии и синхронизатор из конфигурации.
//
// Порядок связывания:
//
//	api.Client -> refresh.Coordinator -> transport.Client -> api.SetAuthorizedDoer
//	-> session.Manager -> (hook отказа refresh, слушатели refresh) -> crosstab.Synchronizer
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"

	"github.com/pribylovaa/betforbes-session/internal/api"
	"github.com/pribylovaa/betforbes-session/internal/config"
	"github.com/pribylovaa/betforbes-session/internal/crosstab"
	"github.com/pribylovaa/betforbes-session/internal/metrics"
	"github.com/pribylovaa/betforbes-session/internal/refresh"
	"github.com/pribylovaa/betforbes-session/internal/session"
	"github.com/pribylovaa/betforbes-session/internal/storage"
	"github.com/pribylovaa/betforbes-session/internal/transport"
)

const (
	envLocal = "local"
	envDev   = "dev"
	envProd  = "prod"
)

// Options — внешние зависимости сборки.
type Options struct {
	Logger *slog.Logger
	// Registerer — реестр метрик; nil — prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
	// Store — готовое хранилище; nil — открыть по cfg.Store. Закрывает его App.
	Store storage.Store
}

// App — собранный менеджер сессии.
type App struct {
	Config  *config.Config
	Log     *slog.Logger
	Metrics *metrics.Metrics

	Store   storage.Store
	API     *api.Client
	Refresh *refresh.Coordinator
	HTTP    *transport.Client
	Session *session.Manager
	Sync    *crosstab.Synchronizer

	mu    sync.Mutex
	conns []*grpc.ClientConn
}

// New собирает компоненты. При ошибке уже открытые ресурсы закрываются.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	const op = "app.New"

	lg := opts.Logger
	if lg == nil {
		lg = SetupLogger(cfg.Env, io.Discard)
	}

	m := metrics.New(opts.Registerer)

	parser, err := api.ParserByName(cfg.API.ResponseShape)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	client, err := api.New(api.Options{
		BaseURL:   cfg.API.BaseURL,
		Timeout:   cfg.API.Timeout,
		UserAgent: cfg.API.UserAgent,
		Parser:    parser,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	store := opts.Store
	if store == nil {
		store, err = OpenStore(ctx, cfg.Store, lg)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}

	coord := refresh.New(client, store, refresh.Options{
		Timeout: cfg.API.RefreshTimeout,
		Metrics: m,
	})

	tc, err := transport.New(store, coord, transport.Options{
		BaseURL:    client.BaseURL(),
		HTTPClient: client.HTTPClient(),
		UserAgent:  cfg.API.UserAgent,
		Metrics:    m,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	client.SetAuthorizedDoer(tc)

	mgr := session.New(client, store, coord, session.Options{
		Logger:           lg,
		Metrics:          m,
		Bearer:           tc,
		LogoutTimeout:    cfg.API.LogoutTimeout,
		RenewalInterval:  cfg.Renewal.Interval,
		RenewalThreshold: cfg.Renewal.Threshold,
	})
	tc.SetAuthFailureHook(mgr.HandleAuthFailure)
	coord.AddListener(tc)
	coord.AddListener(mgr)

	syncer := crosstab.New(store, mgr, crosstab.Options{Logger: lg, Metrics: m})

	lg.Debug("app_assembled",
		slog.String("api", client.BaseURL()),
		slog.String("store", cfg.Store.Driver),
		slog.String("shape", parser.Name()),
	)

	return &App{
		Config:  cfg,
		Log:     lg,
		Metrics: m,
		Store:   store,
		API:     client,
		Refresh: coord,
		HTTP:    tc,
		Session: mgr,
		Sync:    syncer,
	}, nil
}

// DialGRPC открывает gRPC-подключение к апстриму с тем же Bearer/refresh, что и HTTP.
// Подключение закрывается в Close.
func (a *App) DialGRPC(target string) (*grpc.ClientConn, error) {
	conn, err := transport.Dial(target, a.HTTP, transport.DialOptions{
		Timeout:   a.Config.API.Timeout,
		UserAgent: a.Config.API.UserAgent,
		Logger:    a.Log,
	})
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.conns = append(a.conns, conn)
	a.mu.Unlock()

	return conn, nil
}

// Close закрывает gRPC-подключения и хранилище.
func (a *App) Close() error {
	a.mu.Lock()
	conns := a.conns
	a.conns = nil
	a.mu.Unlock()

	var errs []error
	for _, c := range conns {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.Store.Close(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// SetupLogger — text-логгер для local, JSON для dev/prod; prod пишет с уровня Info.
func SetupLogger(env string, w io.Writer) *slog.Logger {
	switch env {
	case envLocal:
		return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
	case envDev:
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
	case envProd:
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo}))
	default:
		return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
}
