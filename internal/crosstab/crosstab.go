// crosstab — синхронизация сессии между процессами, разделяющими одно хранилище.
//
// Synchronizer читает события Store.Watch (только чужие записи) и применяет их
// к менеджеру сессии:
//   - очищен access-токен -> выход без сетевых вызовов;
//   - записан профиль -> обновление пользователя (вход/refresh в другом процессе);
//   - записан access-токен -> обновление заголовка по умолчанию.
//
// Согласованность итоговая: блокировок между процессами нет, побеждает последний писатель.
package crosstab

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pribylovaa/betforbes-session/internal/metrics"
	"github.com/pribylovaa/betforbes-session/internal/models"
	"github.com/pribylovaa/betforbes-session/internal/pkg/log"
	"github.com/pribylovaa/betforbes-session/internal/storage"
)

// Target — получатель изменений (session.Manager).
type Target interface {
	ApplyRemoteLogout()
	ApplyRemoteUser(u *models.User)
	ApplyRemoteToken(access string)
}

// Options — параметры синхронизатора.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Synchronizer — подписчик на изменения хранилища.
type Synchronizer struct {
	store   storage.Store
	target  Target
	log     *slog.Logger
	metrics *metrics.Metrics
}

// New создаёт синхронизатор.
func New(store storage.Store, target Target, opts Options) *Synchronizer {
	return &Synchronizer{
		store:   store,
		target:  target,
		log:     log.Or(opts.Logger).With(slog.String("component", "crosstab")),
		metrics: opts.Metrics,
	}
}

// Run применяет события до отмены ctx. Закрытие потока событий при живом ctx
// (хранилище закрыто) возвращается как storage.ErrClosed.
func (s *Synchronizer) Run(ctx context.Context) error {
	const op = "crosstab.Synchronizer.Run"

	events, err := s.store.Watch(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	s.log.Info("sync_started")

	for {
		select {
		case <-ctx.Done():
			s.log.Info("sync_stopped")
			return nil
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("%s: %w", op, storage.ErrClosed)
			}
			s.Apply(ev)
		}
	}
}

// Apply применяет одно событие. Слоты refresh-токена и реферального кода игнорируются.
func (s *Synchronizer) Apply(ev storage.Event) {
	kind := "set"
	if ev.Cleared {
		kind = "cleared"
	}

	switch ev.Slot {
	case storage.SlotAccessToken:
		if ev.Cleared || ev.Value == "" {
			s.target.ApplyRemoteLogout()
		} else {
			s.target.ApplyRemoteToken(ev.Value)
		}
	case storage.SlotUser:
		if ev.Cleared {
			// Профиль уходит вместе с токеном; выход применит событие токена.
			return
		}
		u := storage.DecodeUser(ev.Value)
		if u == nil {
			s.log.Warn("sync_user_undecodable")
			return
		}
		s.target.ApplyRemoteUser(u)
	default:
		return
	}

	s.metrics.SyncEvent(string(ev.Slot), kind)
	s.log.Debug("sync_event_applied",
		slog.String("slot", string(ev.Slot)),
		slog.String("kind", kind),
		slog.String("source", ev.Source),
	)
}
