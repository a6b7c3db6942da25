package session

import (
	"context"
	"errors"
	"log/slog"

	"github.com/pribylovaa/betforbes-session/internal/api"
	"github.com/pribylovaa/betforbes-session/internal/models"
	"github.com/pribylovaa/betforbes-session/internal/pkg/redact"
	"github.com/pribylovaa/betforbes-session/internal/referral"
	"github.com/pribylovaa/betforbes-session/internal/refresh"
	"github.com/pribylovaa/betforbes-session/internal/storage"
	"github.com/pribylovaa/betforbes-session/internal/token"
)

// Initialize восстанавливает сессию из хранилища. Выполняется один раз:
// повторный вызов возвращает текущий снимок. Ошибки не возвращаются: любой сбой
// очищает хранилище и оставляет сессию неаутентифицированной. IsLoading по
// завершении всегда false.
func (m *Manager) Initialize(ctx context.Context) models.Snapshot {
	const op = "session.Manager.Initialize"

	started := false
	m.update(func(s *models.Snapshot) {
		if s.State != models.StateUninitialized {
			return
		}
		started = true
		s.State = models.StateInitializing
		s.IsLoading = true
	})
	if !started {
		return m.Snapshot()
	}

	ctx, lg := m.opLogger(ctx, op)

	access, ok, err := m.store.Get(ctx, storage.SlotAccessToken)
	if err != nil {
		lg.Warn("session_store_unavailable", slog.String("err", err.Error()))
		return m.endUnauthenticated(ctx, "")
	}
	if !ok || access == "" {
		// Профиль без токена (прерванная очистка) — тоже «нет сессии».
		lg.Debug("session_no_access_token")
		return m.endUnauthenticated(ctx, "")
	}

	if cached, err := storage.LoadUser(ctx, m.store); err == nil && cached != nil {
		m.update(func(s *models.Snapshot) { s.User = cached })
	}

	if token.Expired(access, m.now(), 0) {
		lg.Debug("session_token_expired_locally")

		pair, err := m.refresher.Refresh(ctx)
		if err != nil {
			lg.Info("session_initialize_refresh_failed", slog.String("err", err.Error()))

			msg := ""
			if errors.Is(err, refresh.ErrRefreshRejected) {
				msg = MsgSessionExpired
			}
			return m.endUnauthenticated(ctx, msg)
		}
		access = pair.AccessToken
	}

	user, err := m.api.Validate(ctx)
	if err != nil || user == nil {
		if err != nil {
			lg.Info("session_validate_failed", slog.String("err", err.Error()))
		}
		return m.endUnauthenticated(ctx, "")
	}

	// После refresh-on-401 внутри Validate токен мог смениться.
	if cur, ok, err := m.store.Get(ctx, storage.SlotAccessToken); err == nil && ok {
		access = cur
	}

	if err := storage.SaveUser(ctx, m.store, user); err != nil {
		lg.Warn("session_user_persist_failed", slog.String("err", err.Error()))
	}
	m.bearer.SetBearer(access)

	lg.Info("session_initialized", slog.String("user_id", user.ID))
	return m.update(func(s *models.Snapshot) {
		s.State = models.StateAuthenticated
		s.User = user.Clone()
		s.IsLoading = false
	})
}

// endUnauthenticated очищает хранилище и завершает операцию в unauthenticated.
func (m *Manager) endUnauthenticated(ctx context.Context, message string) models.Snapshot {
	m.clearStorage(ctx)

	return m.update(func(s *models.Snapshot) {
		s.State = models.StateUnauthenticated
		s.User = nil
		s.IsLoading = false
		if message != "" {
			s.Error = message
		}
	})
}

func (m *Manager) clearStorage(ctx context.Context) {
	m.bearer.ClearBearer()

	if err := m.store.ClearAll(ctx); err != nil {
		m.log.Warn("session_clear_failed", slog.String("err", err.Error()))
	}
}

// Login выполняет вход. Сообщение об ошибке пишется в Error и возвращается как *Error.
// Неудачная попытка не трогает уже установленную сессию; без неё хранилище очищается.
func (m *Manager) Login(ctx context.Context, email, password string) (*models.User, error) {
	const op = "session.Manager.Login"

	ctx, lg := m.opLogger(ctx, op)
	live := m.begin()

	res, err := m.api.Login(ctx, email, password)
	if err != nil {
		lg.Info("login_failed", slog.String("email", redact.Email(email)), slog.String("err", err.Error()))
		return nil, m.fail(ctx, op, err, live)
	}

	user := m.establish(ctx, res)
	lg.Info("login_succeeded", slog.String("user_id", user.ID))

	return user.Clone(), nil
}

// RegisterInput — данные регистрации.
type RegisterInput struct {
	Name            string
	Email           string
	Password        string
	ConfirmPassword string
	// ReferralCode — код, введённый пользователем; пусто — используется сохранённый.
	ReferralCode string
}

// Register регистрирует пользователя. Токены из ответа сохраняются как при входе;
// если профиля в ответе нет, он запрашивается через Validate. Без токенов (нужна
// верификация) состояние не меняется, а res.Message содержит подтверждение сервера.
func (m *Manager) Register(ctx context.Context, in RegisterInput) (*models.AuthResult, error) {
	const op = "session.Manager.Register"

	ctx, lg := m.opLogger(ctx, op)
	live := m.begin()

	code := referral.Normalize(in.ReferralCode)
	if code == "" {
		code = referral.Saved(ctx, m.store)
	}

	res, err := m.api.Register(ctx, api.RegisterRequest{
		Name:            in.Name,
		Email:           in.Email,
		Password:        in.Password,
		ConfirmPassword: in.ConfirmPassword,
		ReferralCode:    code,
	})
	if err != nil {
		lg.Info("register_failed", slog.String("email", redact.Email(in.Email)), slog.String("err", err.Error()))
		return nil, m.fail(ctx, op, err, live)
	}

	if code != "" {
		if err := referral.Clear(ctx, m.store); err != nil {
			lg.Warn("referral_clear_failed", slog.String("err", err.Error()))
		}
	}

	if res.Tokens != nil && res.Tokens.AccessToken != "" {
		if res.User == nil {
			user, err := m.fetchUser(ctx, *res.Tokens)
			if err != nil {
				// Токены уже сохранены; сессию подтвердит следующий Initialize.
				lg.Warn("register_profile_unavailable", slog.String("err", err.Error()))
				m.update(func(s *models.Snapshot) { s.IsLoading = false })
				return res, nil
			}
			res.User = user

			// Validate мог пройти через refresh-on-401 и сменить пару.
			if cur, err := storage.LoadTokens(ctx, m.store); err == nil && cur.AccessToken != "" {
				res.Tokens = &cur
			}
		}

		user := m.establish(ctx, res)
		lg.Info("register_succeeded", slog.String("user_id", user.ID), slog.Bool("session", true))
		return res, nil
	}

	lg.Info("register_succeeded", slog.Bool("session", false))
	m.update(func(s *models.Snapshot) { s.IsLoading = false })

	return res, nil
}

// begin отмечает начало пользовательской операции и сообщает, была ли
// до неё установлена сессия.
func (m *Manager) begin() bool {
	snap := m.update(func(s *models.Snapshot) {
		s.IsLoading = true
		s.Error = ""
	})

	return snap.State == models.StateAuthenticated && snap.User != nil
}

// fetchUser сохраняет токены и запрашивает профиль, которого не было в ответе.
func (m *Manager) fetchUser(ctx context.Context, pair models.TokenPair) (*models.User, error) {
	if err := storage.SaveTokens(ctx, m.store, pair); err != nil {
		m.log.Warn("session_tokens_persist_failed", slog.String("err", err.Error()))
	}
	m.bearer.SetBearer(pair.AccessToken)

	user, err := m.api.Validate(ctx)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, errors.New("empty profile")
	}

	return user, nil
}

// establish сохраняет токены и профиль из успешного ответа и переводит сессию в authenticated.
func (m *Manager) establish(ctx context.Context, res *models.AuthResult) *models.User {
	lg := m.log

	if err := storage.SaveTokens(ctx, m.store, *res.Tokens); err != nil {
		lg.Warn("session_tokens_persist_failed", slog.String("err", err.Error()))
	}
	if err := storage.SaveUser(ctx, m.store, res.User); err != nil {
		lg.Warn("session_user_persist_failed", slog.String("err", err.Error()))
	}
	m.bearer.SetBearer(res.Tokens.AccessToken)

	user := res.User.Clone()
	m.update(func(s *models.Snapshot) {
		s.State = models.StateAuthenticated
		s.User = user
		s.IsLoading = false
		s.Error = ""
	})

	return user
}

// fail пишет сообщение в Error и возвращает *Error. Живая сессия (live)
// сохраняется; иначе частичные данные попытки очищаются.
func (m *Manager) fail(ctx context.Context, op string, err error, live bool) error {
	se := classify(op, err)

	if live {
		m.update(func(s *models.Snapshot) {
			s.IsLoading = false
			s.Error = se.Message
		})
		return se
	}

	m.clearStorage(ctx)

	m.update(func(s *models.Snapshot) {
		s.State = models.StateUnauthenticated
		s.User = nil
		s.IsLoading = false
		s.Error = se.Message
	})

	return se
}

// Logout завершает сессию. Вызов /auth/logout — best-effort со своим таймаутом;
// его ошибки проглатываются, хранилище очищается всегда.
func (m *Manager) Logout(ctx context.Context) {
	const op = "session.Manager.Logout"

	ctx, lg := m.opLogger(ctx, op)
	m.update(func(s *models.Snapshot) { s.IsLoading = true })

	if access, ok, err := m.store.Get(ctx, storage.SlotAccessToken); err == nil && ok && access != "" {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.logoutTimeout)
		if err := m.api.Logout(lctx); err != nil {
			lg.Info("logout_server_call_failed", slog.String("err", err.Error()))
		}
		cancel()
	}

	m.clearStorage(ctx)
	m.update(func(s *models.Snapshot) {
		s.State = models.StateUnauthenticated
		s.User = nil
		s.IsLoading = false
		s.Error = ""
	})

	lg.Info("logout_completed")
}
