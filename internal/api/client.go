// api — клиент REST-эндпойнтов аутентификации BetForbes (/auth/*, /user/profile).
//
// Основные аспекты:
//   - login/register/refresh уходят напрямую (без Bearer и без retry на 401);
//   - validate/logout/profile идут через AuthorizedDoer (transport.Client),
//     который прикладывает access-токен и один раз повторяет запрос после refresh;
//   - форма ответа разбирается подключаемым Parser;
//   - ошибки классифицируются в *Error (network/server/rejected/unauthorized).
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pribylovaa/betforbes-session/internal/models"
	"github.com/pribylovaa/betforbes-session/internal/pkg/log"
)

const (
	defaultTimeout   = 15 * time.Second
	defaultUserAgent = "betforbes-session/1.0"
	maxBodyBytes     = 1 << 20

	// HeaderRequestID — заголовок корреляции запросов.
	HeaderRequestID = "X-Request-Id"
)

// AuthorizedDoer отправляет запрос к защищённой части API с Bearer-токеном.
type AuthorizedDoer interface {
	Do(ctx context.Context, req *http.Request) (*http.Response, error)
}

// Options — параметры клиента.
type Options struct {
	// BaseURL — префикс API, например https://api.betforbes.com/api.
	BaseURL    string
	Timeout    time.Duration
	UserAgent  string
	Parser     Parser
	HTTPClient *http.Client
}

// Client — клиент auth API.
type Client struct {
	base   string
	http   *http.Client
	parser Parser
	ua     string

	mu     sync.RWMutex
	authed AuthorizedDoer
}

// New создаёт клиента. Пустой Parser означает NestedParser.
func New(opts Options) (*Client, error) {
	const op = "api.New"

	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("%s: empty base url", op)
	}

	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}

	parser := opts.Parser
	if parser == nil {
		parser = NestedParser{}
	}

	ua := opts.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}

	c := &Client{base: base, http: hc, parser: parser, ua: ua}
	c.authed = plainDoer{hc}

	return c, nil
}

// plainDoer — AuthorizedDoer без учётных данных; используется, пока не подключён transport.
type plainDoer struct{ hc *http.Client }

func (d plainDoer) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	return d.hc.Do(req.WithContext(ctx))
}

// SetAuthorizedDoer подключает адаптер с Bearer/refresh. Вызывается в корне композиции:
// transport зависит от refresh-координатора, а тот — от этого клиента.
func (c *Client) SetAuthorizedDoer(d AuthorizedDoer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if d == nil {
		c.authed = plainDoer{c.http}
		return
	}
	c.authed = d
}

func (c *Client) authorized() AuthorizedDoer {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.authed
}

// BaseURL — нормализованный префикс API.
func (c *Client) BaseURL() string { return c.base }

// UserAgent — значение заголовка User-Agent.
func (c *Client) UserAgent() string { return c.ua }

// HTTPClient — транспорт без учётных данных.
func (c *Client) HTTPClient() *http.Client { return c.http }

// Parser — активная форма ответа.
func (c *Client) Parser() Parser { return c.parser }

// RegisterRequest — данные регистрации.
type RegisterRequest struct {
	Name     string
	Email    string
	Password string
	// ConfirmPassword — пусто означает «равен Password».
	ConfirmPassword string
	// ReferralCode — нормализованный реферальный код (необязателен).
	ReferralCode string
}

type loginBody struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type registerBody struct {
	Name            string `json:"name"`
	Email           string `json:"email"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirmPassword"`
	ReferralCode    string `json:"referralCode,omitempty"`
}

type refreshBody struct {
	RefreshToken string `json:"refreshToken"`
}

// Login — POST /auth/login. Успех обязан содержать access-токен и пользователя.
func (c *Client) Login(ctx context.Context, email, password string) (*models.AuthResult, error) {
	const op = "api.Client.Login"

	status, body, err := c.send(ctx, op, http.MethodPost, "/auth/login", loginBody{Email: email, Password: password}, false)
	if err != nil {
		return nil, err
	}

	res, err := c.parse(op, status, body, false)
	if err != nil {
		return nil, err
	}

	if res.Tokens == nil || res.User == nil {
		return nil, badResponse(op, status, errors.New("login response without tokens or user"))
	}

	return res, nil
}

// Register — POST /auth/register. Токены в ответе необязательны (может потребоваться верификация e-mail).
func (c *Client) Register(ctx context.Context, in RegisterRequest) (*models.AuthResult, error) {
	const op = "api.Client.Register"

	confirm := in.ConfirmPassword
	if confirm == "" {
		confirm = in.Password
	}

	req := registerBody{
		Name:            in.Name,
		Email:           in.Email,
		Password:        in.Password,
		ConfirmPassword: confirm,
		ReferralCode:    in.ReferralCode,
	}

	status, body, err := c.send(ctx, op, http.MethodPost, "/auth/register", req, false)
	if err != nil {
		return nil, err
	}

	return c.parse(op, status, body, false)
}

// Refresh — POST /auth/refresh. Отказ сервера (4xx или success:false) — KindRejected.
// Пустой RefreshToken в результате означает, что сервер не ротирует refresh-токен.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (models.TokenPair, error) {
	const op = "api.Client.Refresh"

	status, body, err := c.send(ctx, op, http.MethodPost, "/auth/refresh", refreshBody{RefreshToken: refreshToken}, false)
	if err != nil {
		return models.TokenPair{}, err
	}

	res, err := c.parse(op, status, body, false)
	if err != nil {
		return models.TokenPair{}, err
	}

	if res.Tokens == nil {
		return models.TokenPair{}, badResponse(op, status, errors.New("refresh response without access token"))
	}

	return *res.Tokens, nil
}

// Validate — GET /auth/validate через AuthorizedDoer; возвращает подтверждённого пользователя.
func (c *Client) Validate(ctx context.Context) (*models.User, error) {
	return c.userCall(ctx, "api.Client.Validate", "/auth/validate")
}

// Profile — GET /user/profile через AuthorizedDoer.
func (c *Client) Profile(ctx context.Context) (*models.User, error) {
	return c.userCall(ctx, "api.Client.Profile", "/user/profile")
}

func (c *Client) userCall(ctx context.Context, op, path string) (*models.User, error) {
	status, body, err := c.send(ctx, op, http.MethodGet, path, nil, true)
	if err != nil {
		return nil, err
	}

	res, err := c.parse(op, status, body, true)
	if err != nil {
		return nil, err
	}

	if res.User == nil {
		return nil, badResponse(op, status, errors.New("response without user"))
	}

	return res.User, nil
}

// Logout — POST /auth/logout через AuthorizedDoer. Тело ответа не разбирается.
func (c *Client) Logout(ctx context.Context) error {
	const op = "api.Client.Logout"

	status, body, err := c.send(ctx, op, http.MethodPost, "/auth/logout", nil, true)
	if err != nil {
		return err
	}

	if status >= http.StatusMultipleChoices {
		var env envelope
		_ = json.Unmarshal(body, &env)
		return statusError(op, status, env.Message)
	}

	return nil
}

// NewRequest строит запрос к API с общими заголовками. path — относительно BaseURL.
func (c *Client) NewRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.ua)
	req.Header.Set(HeaderRequestID, uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return req, nil
}

// send выполняет запрос и читает тело. Ошибка — только транспортная (*Error KindNetwork).
func (c *Client) send(ctx context.Context, op, method, path string, payload any, authed bool) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("%s: %w", op, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := c.NewRequest(ctx, method, path, body)
	if err != nil {
		return 0, nil, fmt.Errorf("%s: %w", op, err)
	}

	lg := log.From(ctx).With(
		"op", op,
		"method", method,
		"path", path,
		"request_id", req.Header.Get(HeaderRequestID),
	)

	start := time.Now()

	var resp *http.Response
	if authed {
		resp, err = c.authorized().Do(ctx, req)
	} else {
		resp, err = c.http.Do(req)
	}
	if err != nil {
		lg.Warn("api_request_failed", "err", err, "duration", time.Since(start))
		return 0, nil, networkError(op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		lg.Warn("api_response_read_failed", "status", resp.StatusCode, "err", err)
		return 0, nil, networkError(op, err)
	}

	lg.Debug("api_request", "status", resp.StatusCode, "duration", time.Since(start))

	return resp.StatusCode, raw, nil
}

// parse разбирает тело и классифицирует исход.
// Для незащищённых эндпойнтов 401 означает отказ в учётных данных (KindRejected).
func (c *Client) parse(op string, status int, body []byte, authed bool) (*models.AuthResult, error) {
	res, perr := c.parser.Parse(body)

	if status < http.StatusOK || status >= http.StatusMultipleChoices {
		msg := ""
		if perr == nil {
			msg = res.Message
		}

		e := statusError(op, status, msg)
		if !authed && e.Kind == KindUnauthorized {
			e.Kind = KindRejected
		}
		return nil, e
	}

	if perr != nil {
		return nil, badResponse(op, status, perr)
	}

	if !res.Success {
		msg := res.Message
		if msg == "" {
			msg = MsgInvalidCredentials
		}
		return nil, &Error{Op: op, Kind: KindRejected, Status: status, Message: msg}
	}

	return res, nil
}
