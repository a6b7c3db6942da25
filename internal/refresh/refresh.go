// refresh — координатор обновления токенов.
//
// Гарантии:
//   - N одновременных вызовов Refresh дают ровно один сетевой вызов /auth/refresh,
//     и все вызывающие получают один и тот же результат (singleflight);
//   - сетевой вызов идёт под собственным дедлайном и не зависит от отмены
//     контекста отдельного вызывающего; каждый вызывающий может перестать ждать сам;
//   - новые токены записываются в хранилище до того, как ожидающие получат результат;
//   - отказ сервера (ErrRefreshRejected) терминален: повторов нет.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/pribylovaa/betforbes-session/internal/api"
	"github.com/pribylovaa/betforbes-session/internal/metrics"
	"github.com/pribylovaa/betforbes-session/internal/models"
	"github.com/pribylovaa/betforbes-session/internal/pkg/log"
	"github.com/pribylovaa/betforbes-session/internal/pkg/redact"
	"github.com/pribylovaa/betforbes-session/internal/storage"
)

const (
	defaultTimeout = 10 * time.Second
	flightKey      = "refresh"
)

var (
	// ErrNoRefreshToken — refresh-токена нет (или хранилище недоступно): сессии нет.
	ErrNoRefreshToken = errors.New("no refresh token")
	// ErrRefreshRejected — сервер отверг refresh-токен; сессию нужно завершить.
	ErrRefreshRejected = errors.New("refresh token rejected")
)

// Terminal сообщает, что ошибка refresh означает конец сессии.
func Terminal(err error) bool {
	return errors.Is(err, ErrNoRefreshToken) || errors.Is(err, ErrRefreshRejected)
}

// TokenRefresher — сетевой обмен refresh-токена (api.Client).
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (models.TokenPair, error)
}

// Listener получает исходы обновления.
type Listener interface {
	OnRefreshed(ctx context.Context, pair models.TokenPair)
	OnRefreshFailed(ctx context.Context, err error)
}

// Options — параметры координатора.
type Options struct {
	// Timeout — дедлайн сетевого вызова refresh (по умолчанию 10s).
	Timeout time.Duration
	Metrics *metrics.Metrics
}

// Coordinator — дедупликатор обновлений токена в пределах процесса.
type Coordinator struct {
	api     TokenRefresher
	store   storage.Store
	timeout time.Duration
	metrics *metrics.Metrics

	group singleflight.Group

	mu        sync.RWMutex
	listeners []Listener
}

// New создаёт координатор.
func New(api TokenRefresher, store storage.Store, opts Options) *Coordinator {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Coordinator{
		api:     api,
		store:   store,
		timeout: timeout,
		metrics: opts.Metrics,
	}
}

// AddListener подписывает слушателя на исходы обновления.
func (c *Coordinator) AddListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.listeners = append(c.listeners, l)
}

// Refresh обновляет пару токенов или присоединяется к уже идущему обновлению.
func (c *Coordinator) Refresh(ctx context.Context) (models.TokenPair, error) {
	var leader atomic.Bool

	ch := c.group.DoChan(flightKey, func() (any, error) {
		leader.Store(true)
		return c.do(ctx)
	})

	select {
	case res := <-ch:
		if !leader.Load() {
			c.metrics.RefreshJoined()
		}
		if res.Err != nil {
			return models.TokenPair{}, res.Err
		}
		return res.Val.(models.TokenPair), nil
	case <-ctx.Done():
		return models.TokenPair{}, ctx.Err()
	}
}

// do выполняет один сетевой refresh. Контекст отвязан от отмены вызывающего,
// но сохраняет его значения (логгер).
func (c *Coordinator) do(callerCtx context.Context) (models.TokenPair, error) {
	const op = "refresh.Coordinator.Refresh"

	ctx, cancel := context.WithTimeout(context.WithoutCancel(callerCtx), c.timeout)
	defer cancel()

	lg := log.From(ctx).With(slog.String("op", op))

	old, ok, err := c.store.Get(ctx, storage.SlotRefreshToken)
	if err != nil || !ok || old == "" {
		if err != nil {
			lg.Warn("refresh_token_read_failed", slog.String("err", err.Error()))
		}

		err := fmt.Errorf("%s: %w", op, ErrNoRefreshToken)
		c.metrics.RefreshResult(metrics.RefreshNoSession)
		c.notifyFailed(ctx, err)
		return models.TokenPair{}, err
	}

	start := time.Now()
	pair, err := c.api.Refresh(ctx, old)
	if err != nil {
		switch api.KindOf(err) {
		case api.KindRejected, api.KindUnauthorized:
			err = fmt.Errorf("%s: %w: %w", op, ErrRefreshRejected, err)
			c.metrics.RefreshResult(metrics.RefreshRejected)
			lg.Warn("refresh_rejected", slog.Duration("dur", time.Since(start)))
		default:
			err = fmt.Errorf("%s: %w", op, err)
			c.metrics.RefreshResult(metrics.RefreshError)
			lg.Error("refresh_failed", slog.String("err", err.Error()), slog.Duration("dur", time.Since(start)))
		}

		c.notifyFailed(ctx, err)
		return models.TokenPair{}, err
	}

	// Сервер может не ротировать refresh-токен.
	if pair.RefreshToken == "" {
		pair.RefreshToken = old
	}

	if err := storage.SaveTokens(ctx, c.store, pair); err != nil {
		// Токены действительны и без записи: отдаём их, адаптер держит их в памяти.
		lg.Error("refresh_persist_failed", slog.String("err", err.Error()))
	}

	c.metrics.RefreshResult(metrics.RefreshSuccess)
	lg.Info("refresh_succeeded",
		slog.String("access_token", redact.Token(pair.AccessToken)),
		slog.Duration("dur", time.Since(start)),
	)

	c.notifyRefreshed(ctx, pair)
	return pair, nil
}

func (c *Coordinator) snapshot() []Listener {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Listener, len(c.listeners))
	copy(out, c.listeners)
	return out
}

func (c *Coordinator) notifyRefreshed(ctx context.Context, pair models.TokenPair) {
	for _, l := range c.snapshot() {
		l.OnRefreshed(ctx, pair)
	}
}

func (c *Coordinator) notifyFailed(ctx context.Context, err error) {
	for _, l := range c.snapshot() {
		l.OnRefreshFailed(ctx, err)
	}
}
