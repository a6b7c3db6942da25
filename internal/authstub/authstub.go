// authstub — внутрипроцессная имитация REST API аутентификации BetForbes для тестов.
//
// Эндпойнты (под /api): /auth/login, /auth/register, /auth/validate, /auth/refresh,
// /auth/logout, /user/profile и защищённый /echo (возвращает тело и предъявленный токен).
//
// Access-токены — HS256 JWT с exp, refresh-токены — случайные строки с ротацией.
// Сервер считает вызовы и умеет имитировать отказы, задержку refresh,
// обязательную верификацию e-mail и три формы ответа (nested/flat/legacy).
package authstub

import (
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/pribylovaa/betforbes-session/internal/http/middleware"
	"github.com/pribylovaa/betforbes-session/internal/models"
)

const (
	defaultAccessTTL = 15 * time.Minute
	defaultSecret    = "authstub-secret"
)

// Options — параметры заглушки.
type Options struct {
	Secret    string
	AccessTTL time.Duration
	// Shape — форма ответов: nested (по умолчанию), flat, legacy.
	Shape  string
	Logger *slog.Logger
}

type account struct {
	user models.User
	hash []byte
}

// Counters — число обращений к эндпойнтам.
type Counters struct {
	Login    int64
	Register int64
	Validate int64
	Refresh  int64
	Logout   int64
	Profile  int64
	Echo     int64
}

// Registration — тело последнего запроса регистрации.
type Registration struct {
	Name            string `json:"name"`
	Email           string `json:"email"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirmPassword"`
	ReferralCode    string `json:"referralCode"`
}

// Server — заглушка auth API.
type Server struct {
	secret    []byte
	accessTTL time.Duration

	mu       sync.Mutex
	accounts map[string]*account // по e-mail
	refresh  map[string]string   // refresh-токен -> user id
	lastReg  *Registration
	shape    string

	login, register, validate, refreshN, logout, profile, echo atomic.Int64

	failRefresh         atomic.Bool
	failValidate        atomic.Bool
	failLogout          atomic.Bool
	requireVerification atomic.Bool
	refreshDelay        atomic.Int64

	handler http.Handler
}

// New собирает заглушку и её chi-роутер.
func New(opts Options) *Server {
	secret := opts.Secret
	if secret == "" {
		secret = defaultSecret
	}

	ttl := opts.AccessTTL
	if ttl <= 0 {
		ttl = defaultAccessTTL
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	s := &Server{
		secret:    []byte(secret),
		accessTTL: ttl,
		accounts:  make(map[string]*account),
		refresh:   make(map[string]string),
		shape:     normalizeShape(opts.Shape),
	}

	root := chi.NewRouter()
	root.Use(
		middleware.Recover(),
		middleware.RequestID(),
		middleware.Logging(logger),
		middleware.AuthBearer(),
	)

	api := chi.NewRouter()
	api.Post("/auth/login", s.handleLogin)
	api.Post("/auth/register", s.handleRegister)
	api.Get("/auth/validate", s.handleValidate)
	api.Post("/auth/refresh", s.handleRefresh)
	api.Post("/auth/logout", s.handleLogout)
	api.Get("/user/profile", s.handleProfile)
	api.Post("/echo", s.handleEcho)

	root.Mount("/api", api)
	s.handler = root

	return s
}

// Handler — http.Handler заглушки; базовый URL клиента: <server>/api.
func (s *Server) Handler() http.Handler { return s.handler }

// AddUser регистрирует пользователя напрямую (минуя /auth/register).
func (s *Server) AddUser(name, email, password string) models.User {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		panic(err)
	}

	email = strings.ToLower(strings.TrimSpace(email))
	u := models.User{ID: uuid.NewString(), Name: name, Email: email}

	s.mu.Lock()
	s.accounts[email] = &account{user: u, hash: hash}
	s.mu.Unlock()

	return u
}

// SetFlags меняет признаки isPremium/isAdmin пользователя.
func (s *Server) SetFlags(email string, premium, admin bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if acc, ok := s.accounts[strings.ToLower(email)]; ok {
		acc.user.IsPremium = premium
		acc.user.IsAdmin = admin
	}
}

// IssueTokens выдаёт пару токенов для пользователя с заданным TTL access-токена.
// Отрицательный TTL даёт уже истёкший токен.
func (s *Server) IssueTokens(userID string, accessTTL time.Duration) (models.TokenPair, error) {
	s.mu.Lock()
	u, ok := s.userByIDLocked(userID)
	s.mu.Unlock()
	if !ok {
		return models.TokenPair{}, errUnknownUser
	}

	access, err := s.signAccess(u, time.Now().Add(accessTTL))
	if err != nil {
		return models.TokenPair{}, err
	}

	refresh, err := s.newRefresh(u.ID)
	if err != nil {
		return models.TokenPair{}, err
	}

	return models.TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// RevokeRefresh делает refresh-токен недействительным.
func (s *Server) RevokeRefresh(token string) {
	s.mu.Lock()
	delete(s.refresh, token)
	s.mu.Unlock()
}

// Counts возвращает счётчики обращений.
func (s *Server) Counts() Counters {
	return Counters{
		Login:    s.login.Load(),
		Register: s.register.Load(),
		Validate: s.validate.Load(),
		Refresh:  s.refreshN.Load(),
		Logout:   s.logout.Load(),
		Profile:  s.profile.Load(),
		Echo:     s.echo.Load(),
	}
}

// LastRegistration — тело последней регистрации или nil.
func (s *Server) LastRegistration() *Registration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lastReg == nil {
		return nil
	}
	r := *s.lastReg
	return &r
}

// FailRefresh заставляет /auth/refresh отвечать 401.
func (s *Server) FailRefresh(v bool) { s.failRefresh.Store(v) }

// FailValidate заставляет /auth/validate и /user/profile отвечать 500.
func (s *Server) FailValidate(v bool) { s.failValidate.Store(v) }

// FailLogout заставляет /auth/logout отвечать 500.
func (s *Server) FailLogout(v bool) { s.failLogout.Store(v) }

// RequireVerification: регистрация без выдачи токенов.
func (s *Server) RequireVerification(v bool) { s.requireVerification.Store(v) }

// SetRefreshDelay задерживает ответ /auth/refresh.
func (s *Server) SetRefreshDelay(d time.Duration) { s.refreshDelay.Store(int64(d)) }

// SetShape меняет форму ответов.
func (s *Server) SetShape(shape string) {
	s.mu.Lock()
	s.shape = normalizeShape(shape)
	s.mu.Unlock()
}

func (s *Server) currentShape() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shape
}

func (s *Server) userByIDLocked(id string) (models.User, bool) {
	for _, acc := range s.accounts {
		if acc.user.ID == id {
			return acc.user, true
		}
	}

	return models.User{}, false
}

func normalizeShape(shape string) string {
	switch shape {
	case "flat", "legacy":
		return shape
	default:
		return "nested"
	}
}
