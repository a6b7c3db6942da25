package session

import (
	"context"
	"log/slog"

	"github.com/pribylovaa/betforbes-session/internal/models"
	"github.com/pribylovaa/betforbes-session/internal/refresh"
	"github.com/pribylovaa/betforbes-session/internal/storage"
)

// ApplyRemoteLogout применяет выход, сделанный другим процессом: слот access-токена
// уже очищен. Сетевых вызовов и записей в хранилище нет.
func (m *Manager) ApplyRemoteLogout() {
	m.bearer.ClearBearer()

	changed := false
	m.update(func(s *models.Snapshot) {
		if s.User == nil && s.State == models.StateUnauthenticated {
			return
		}
		changed = true
		s.User = nil
		if s.State != models.StateInitializing {
			s.State = models.StateUnauthenticated
		}
	})

	if changed {
		m.log.Info("session_remote_logout_applied")
	}
}

// ApplyRemoteUser применяет профиль, записанный другим процессом (вход или обновление).
// nil игнорируется: очистку профиля сопровождает очистка токена.
func (m *Manager) ApplyRemoteUser(u *models.User) {
	if u == nil {
		return
	}

	user := u.Clone()
	m.update(func(s *models.Snapshot) {
		s.User = user
		if s.State != models.StateInitializing {
			s.State = models.StateAuthenticated
		}
	})

	m.log.Debug("session_remote_user_applied", slog.String("user_id", user.ID))
}

// ApplyRemoteToken обновляет заголовок по умолчанию токеном, записанным другим процессом.
func (m *Manager) ApplyRemoteToken(access string) {
	if access == "" {
		return
	}

	m.bearer.SetBearer(access)
}

// HandleAuthFailure — реакция на неудачный refresh после 401 в HTTP/gRPC-адаптере.
// Отказ refresh-токена завершает сессию с SessionExpired; временный сбой только логируется.
func (m *Manager) HandleAuthFailure(ctx context.Context, err error) {
	if !refresh.Terminal(err) {
		m.log.Warn("session_auth_failure_transient", slog.String("err", err.Error()))
		return
	}

	m.expire(ctx, err)
}

// expire завершает сессию после отказа refresh.
func (m *Manager) expire(ctx context.Context, cause error) {
	m.clearStorage(ctx)

	m.update(func(s *models.Snapshot) {
		hadUser := s.User != nil
		s.User = nil
		if s.State != models.StateInitializing {
			s.State = models.StateUnauthenticated
		}
		if hadUser {
			s.Error = MsgSessionExpired
		}
	})

	m.log.Info("session_expired", slog.String("err", cause.Error()))
}

// OnRefreshed — refresh.Listener: профиль перечитывается из кэша, чтобы User
// оставался согласован с хранилищем.
func (m *Manager) OnRefreshed(ctx context.Context, _ models.TokenPair) {
	u, err := storage.LoadUser(ctx, m.store)
	if err != nil || u == nil {
		return
	}

	m.update(func(s *models.Snapshot) {
		if s.User != nil {
			s.User = u
		}
	})
}

// OnRefreshFailed — refresh.Listener. Решение о конце сессии принимает вызывающий
// refresh (Initialize, CheckNow, HandleAuthFailure).
func (m *Manager) OnRefreshFailed(context.Context, error) {}
