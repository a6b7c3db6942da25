// session — контроллер жизненного цикла сессии.
//
// Manager владеет in-memory состоянием (пользователь, загрузка, ошибка) и
// согласует его с хранилищем токенов:
//   - Initialize восстанавливает сессию из хранилища: оптимистично показывает
//     кэшированный профиль, при истёкшем токене делает refresh и подтверждает
//     токен на сервере; любой сбой очищает хранилище;
//   - Login/Register сохраняют токены и профиль, ошибки пишутся в Error и возвращаются;
//   - Logout всегда успешен локально;
//   - ApplyRemote* применяют изменения из других процессов без сетевых вызовов;
//   - RunRenewal/CheckNow заранее обновляют токен, который скоро истечёт.
//
// Manager создаётся явно в корне композиции; глобального состояния нет.
package session

//go:generate mockgen -destination=../mocks/auth_api.go -package=mocks . AuthAPI
//go:generate mockgen -destination=../mocks/refresher.go -package=mocks . Refresher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pribylovaa/betforbes-session/internal/api"
	"github.com/pribylovaa/betforbes-session/internal/metrics"
	"github.com/pribylovaa/betforbes-session/internal/models"
	"github.com/pribylovaa/betforbes-session/internal/pkg/log"
	"github.com/pribylovaa/betforbes-session/internal/storage"
)

const (
	defaultLogoutTimeout    = 5 * time.Second
	defaultRenewalInterval  = 2 * time.Minute
	defaultRenewalThreshold = 5 * time.Minute
)

// AuthAPI — эндпойнты аутентификации (api.Client).
type AuthAPI interface {
	Login(ctx context.Context, email, password string) (*models.AuthResult, error)
	Register(ctx context.Context, in api.RegisterRequest) (*models.AuthResult, error)
	Validate(ctx context.Context) (*models.User, error)
	Logout(ctx context.Context) error
}

// Refresher — обновление пары токенов (refresh.Coordinator).
type Refresher interface {
	Refresh(ctx context.Context) (models.TokenPair, error)
}

// Bearer — заголовок по умолчанию HTTP-адаптера (transport.Client).
type Bearer interface {
	SetBearer(token string)
	ClearBearer()
}

type noBearer struct{}

func (noBearer) SetBearer(string) {}
func (noBearer) ClearBearer()     {}

// Options — параметры менеджера.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Bearer  Bearer

	// LogoutTimeout — собственный дедлайн best-effort вызова /auth/logout.
	LogoutTimeout time.Duration
	// RenewalInterval — период проверки срока жизни токена в RunRenewal.
	RenewalInterval time.Duration
	// RenewalThreshold — токен обновляется, если до exp осталось меньше.
	RenewalThreshold time.Duration

	// Now — источник времени (для тестов).
	Now func() time.Time
}

// Manager — контроллер сессии.
type Manager struct {
	api       AuthAPI
	store     storage.Store
	refresher Refresher
	bearer    Bearer
	log       *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	logoutTimeout    time.Duration
	renewalInterval  time.Duration
	renewalThreshold time.Duration

	mu     sync.RWMutex
	snap   models.Snapshot
	subs   map[int]chan models.Snapshot
	nextID int
}

// New создаёт менеджер в состоянии uninitialized.
func New(authAPI AuthAPI, store storage.Store, refresher Refresher, opts Options) *Manager {
	m := &Manager{
		api:              authAPI,
		store:            store,
		refresher:        refresher,
		bearer:           opts.Bearer,
		log:              log.Or(opts.Logger).With(slog.String("component", "session")),
		metrics:          opts.Metrics,
		now:              opts.Now,
		logoutTimeout:    opts.LogoutTimeout,
		renewalInterval:  opts.RenewalInterval,
		renewalThreshold: opts.RenewalThreshold,
		subs:             make(map[int]chan models.Snapshot),
	}

	if m.bearer == nil {
		m.bearer = noBearer{}
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.logoutTimeout <= 0 {
		m.logoutTimeout = defaultLogoutTimeout
	}
	if m.renewalInterval <= 0 {
		m.renewalInterval = defaultRenewalInterval
	}
	if m.renewalThreshold <= 0 {
		m.renewalThreshold = defaultRenewalThreshold
	}

	m.metrics.SetState(models.StateUninitialized)
	return m
}

// Snapshot возвращает копию текущего состояния.
func (m *Manager) Snapshot() models.Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return copySnapshot(m.snap)
}

// Subscribe подписывает на изменения состояния. Канал сразу получает текущий снимок;
// медленный подписчик видит только последний снимок. cancel закрывает канал.
func (m *Manager) Subscribe() (<-chan models.Snapshot, func()) {
	ch := make(chan models.Snapshot, 1)

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = ch
	ch <- copySnapshot(m.snap)
	m.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()

			if _, ok := m.subs[id]; ok {
				delete(m.subs, id)
				close(ch)
			}
		})
	}

	return ch, cancel
}

// ClearError сбрасывает Error без других побочных эффектов.
func (m *Manager) ClearError() {
	m.update(func(s *models.Snapshot) { s.Error = "" })
}

// update меняет снимок под блокировкой и рассылает результат подписчикам.
func (m *Manager) update(fn func(s *models.Snapshot)) models.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.snap.State
	fn(&m.snap)
	m.snap.IsAuthenticated = m.snap.User != nil

	if m.snap.State != prev {
		m.metrics.SetState(m.snap.State)
		m.log.Debug("session_state_changed",
			slog.String("from", prev.String()),
			slog.String("to", m.snap.State.String()),
		)
	}

	out := copySnapshot(m.snap)
	for _, ch := range m.subs {
		select {
		case ch <- copySnapshot(out):
		default:
			// Вытесняем устаревший снимок.
			select {
			case <-ch:
			default:
			}
			ch <- copySnapshot(out)
		}
	}

	return out
}

func copySnapshot(s models.Snapshot) models.Snapshot {
	s.User = s.User.Clone()
	return s
}

// opLogger возвращает логгер операции и контекст, в который он положен.
func (m *Manager) opLogger(ctx context.Context, op string) (context.Context, *slog.Logger) {
	lg := m.log.With(slog.String("op", op))
	return log.Into(ctx, lg), lg
}
