package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/pribylovaa/betforbes-session/internal/models"
	"github.com/pribylovaa/betforbes-session/internal/refresh"
	"github.com/pribylovaa/betforbes-session/internal/storage"
	"github.com/pribylovaa/betforbes-session/internal/token"
)

// RunRenewal проверяет срок жизни access-токена сразу и затем раз в
// RenewalInterval до отмены ctx.
func (m *Manager) RunRenewal(ctx context.Context) {
	t := time.NewTicker(m.renewalInterval)
	defer t.Stop()

	m.log.Info("renewal_started",
		slog.Duration("interval", m.renewalInterval),
		slog.Duration("threshold", m.renewalThreshold),
	)

	if err := m.CheckNow(ctx); err != nil {
		m.log.Warn("renewal_check_failed", slog.String("err", err.Error()))
	}

	for {
		select {
		case <-ctx.Done():
			m.log.Info("renewal_stopped")
			return
		case <-t.C:
			if err := m.CheckNow(ctx); err != nil {
				m.log.Warn("renewal_check_failed", slog.String("err", err.Error()))
			}
		}
	}
}

// CheckNow — одна проверка: если сессия активна, а токен истёк или истекает
// в пределах RenewalThreshold, выполняется refresh. Отказ refresh-токена
// завершает сессию (SessionExpired); временный сбой возвращается, сессия остаётся.
func (m *Manager) CheckNow(ctx context.Context) error {
	const op = "session.Manager.CheckNow"

	if m.Snapshot().State != models.StateAuthenticated {
		return nil
	}

	ctx, lg := m.opLogger(ctx, op)

	access, ok, err := m.store.Get(ctx, storage.SlotAccessToken)
	if err != nil {
		return classify(op, err)
	}
	if !ok || access == "" {
		// Другой процесс уже вышел; это применит синхронизатор.
		return nil
	}

	now := m.now()
	if !token.Expired(access, now, 0) && !token.ExpiresWithin(access, now, m.renewalThreshold) {
		return nil
	}

	lg.Debug("renewal_refreshing")

	if _, err := m.refresher.Refresh(ctx); err != nil {
		if refresh.Terminal(err) {
			m.expire(ctx, err)
			return &Error{Op: op, Kind: KindSessionExpired, Message: MsgSessionExpired, Err: err}
		}
		return classify(op, err)
	}

	lg.Info("renewal_succeeded")
	return nil
}
