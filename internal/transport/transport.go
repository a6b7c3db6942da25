// transport — адаптер исходящих запросов к защищённой части API.
//
// Основные аспекты:
//   - Bearer прикладывается только к запросам под префиксом базового URL API;
//     запросы на другие хосты уходят без учётных данных;
//   - тело запроса буферизуется, чтобы единственный повтор мог его переотправить;
//   - на 401 адаптер ждёт (или запускает) refresh и повторяет запрос ровно один раз;
//     ответ повтора возвращается как есть, даже если это снова 401;
//   - при неудачном refresh вызывающий получает исходный 401, а хук OnAuthFailure
//     решает судьбу сессии;
//   - «заголовок по умолчанию» — последний полученный access-токен в памяти;
//     он используется, когда хранилище недоступно.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/pribylovaa/betforbes-session/internal/metrics"
	"github.com/pribylovaa/betforbes-session/internal/models"
	"github.com/pribylovaa/betforbes-session/internal/pkg/log"
	"github.com/pribylovaa/betforbes-session/internal/pkg/redact"
	"github.com/pribylovaa/betforbes-session/internal/storage"
)

const (
	headerAuthorization = "Authorization"
	headerRequestID     = "X-Request-Id"
	headerUserAgent     = "User-Agent"

	maxReplayBytes = 10 << 20
)

// ErrBodyTooLarge — тело запроса не помещается в буфер повтора.
var ErrBodyTooLarge = errors.New("request body too large to replay")

// Refresher — источник новой пары токенов (refresh.Coordinator).
type Refresher interface {
	Refresh(ctx context.Context) (models.TokenPair, error)
}

// AuthFailureFunc вызывается, когда refresh после 401 не удался.
type AuthFailureFunc func(ctx context.Context, err error)

// Options — параметры адаптера.
type Options struct {
	// BaseURL — префикс защищённого API (тот же, что у api.Client).
	BaseURL    string
	HTTPClient *http.Client
	UserAgent  string
	Metrics    *metrics.Metrics
}

// Client — HTTP-адаптер с Bearer и refresh-on-401.
type Client struct {
	base      *url.URL
	hc        *http.Client
	ua        string
	store     storage.Store
	refresher Refresher
	metrics   *metrics.Metrics

	mu        sync.RWMutex
	bearer    string
	onFailure AuthFailureFunc
}

// New создаёт адаптер.
func New(store storage.Store, refresher Refresher, opts Options) (*Client, error) {
	const op = "transport.New"

	raw := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if raw == "" {
		return nil, fmt.Errorf("%s: empty base url", op)
	}

	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("%s: base url must be absolute: %q", op, raw)
	}

	hc := opts.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}

	return &Client{
		base:      base,
		hc:        hc,
		ua:        opts.UserAgent,
		store:     store,
		refresher: refresher,
		metrics:   opts.Metrics,
	}, nil
}

// SetAuthFailureHook подключает реакцию на неудачный refresh (обычно session.Manager).
func (c *Client) SetAuthFailureHook(fn AuthFailureFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onFailure = fn
}

// SetBearer обновляет заголовок по умолчанию.
func (c *Client) SetBearer(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.bearer = token
}

// ClearBearer сбрасывает заголовок по умолчанию.
func (c *Client) ClearBearer() { c.SetBearer("") }

// Bearer — текущий заголовок по умолчанию.
func (c *Client) Bearer() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.bearer
}

// OnRefreshed — refresh.Listener: новый токен становится заголовком по умолчанию.
func (c *Client) OnRefreshed(_ context.Context, pair models.TokenPair) {
	c.SetBearer(pair.AccessToken)
}

// OnRefreshFailed — refresh.Listener. Заголовок по умолчанию не трогаем:
// очистку сессии выполняет менеджер, а он же сбрасывает и заголовок.
func (c *Client) OnRefreshFailed(context.Context, error) {}

// Token возвращает access-токен для очередного запроса: из хранилища,
// а при его недоступности — заголовок по умолчанию.
func (c *Client) Token(ctx context.Context) string {
	tok, ok, err := c.store.Get(ctx, storage.SlotAccessToken)
	if err != nil {
		log.From(ctx).Debug("bearer_store_unavailable", slog.String("err", err.Error()))
		return c.Bearer()
	}
	if !ok {
		return ""
	}

	return tok
}

// Protected сообщает, относится ли URL к защищённой части API.
func (c *Client) Protected(u *url.URL) bool {
	if u == nil || !strings.EqualFold(u.Scheme, c.base.Scheme) || !strings.EqualFold(u.Host, c.base.Host) {
		return false
	}

	prefix := c.base.Path
	if prefix == "" {
		return true
	}

	return u.Path == prefix || strings.HasPrefix(u.Path, prefix+"/")
}

// Do отправляет запрос. Контракт см. в описании пакета.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	const op = "transport.Client.Do"

	if err := bufferBody(req); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if req.Header.Get(headerRequestID) == "" {
		req.Header.Set(headerRequestID, uuid.NewString())
	}
	if c.ua != "" && req.Header.Get(headerUserAgent) == "" {
		req.Header.Set(headerUserAgent, c.ua)
	}

	ctx, lg := log.With(ctx,
		slog.String("request_id", req.Header.Get(headerRequestID)),
		slog.String("method", req.Method),
		slog.String("path", req.URL.Path),
	)

	if !c.Protected(req.URL) {
		req.Header.Del(headerAuthorization)
		return c.send(ctx, req)
	}

	sent := c.Token(ctx)
	first, err := c.send(ctx, withBearer(req, sent))
	if err != nil || first.StatusCode != http.StatusUnauthorized {
		return first, err
	}

	// Токен уже сменил кто-то другой (параллельный refresh или другая вкладка):
	// повторяем с ним, не запуская refresh.
	next := c.Token(ctx)
	if next == "" || next == sent {
		pair, rerr := c.refresher.Refresh(ctx)
		if rerr != nil {
			lg.Warn("refresh_after_401_failed", slog.String("err", rerr.Error()))
			c.authFailure(ctx, rerr)
			return first, nil
		}
		next = pair.AccessToken
	}

	retry, err := cloneForRetry(ctx, req)
	if err != nil {
		return first, nil
	}
	drain(first)

	c.metrics.Retry()
	lg.Debug("request_retry", slog.String("access_token", redact.Token(next)))

	return c.send(ctx, withBearer(retry, next))
}

func (c *Client) send(ctx context.Context, req *http.Request) (*http.Response, error) {
	resp, err := c.hc.Do(req.WithContext(ctx))
	if err != nil {
		c.metrics.Request(0)
		return nil, err
	}

	c.metrics.Request(resp.StatusCode)
	return resp, nil
}

func (c *Client) authFailure(ctx context.Context, err error) {
	c.mu.RLock()
	fn := c.onFailure
	c.mu.RUnlock()

	if fn != nil {
		fn(ctx, err)
	}
}

func withBearer(req *http.Request, token string) *http.Request {
	if token == "" {
		req.Header.Del(headerAuthorization)
		return req
	}

	req.Header.Set(headerAuthorization, "Bearer "+token)
	return req
}

// bufferBody гарантирует, что у запроса есть GetBody для повтора.
func bufferBody(req *http.Request) error {
	if req.Body == nil || req.Body == http.NoBody || req.GetBody != nil {
		return nil
	}
	defer req.Body.Close()

	buf, err := io.ReadAll(io.LimitReader(req.Body, maxReplayBytes+1))
	if err != nil {
		return err
	}
	if len(buf) > maxReplayBytes {
		return ErrBodyTooLarge
	}

	req.ContentLength = int64(len(buf))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(buf)), nil
	}
	req.Body, _ = req.GetBody()

	return nil
}

func cloneForRetry(ctx context.Context, req *http.Request) (*http.Request, error) {
	retry := req.Clone(ctx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		retry.Body = body
	}

	return retry, nil
}

// drain дочитывает тело, чтобы соединение вернулось в пул.
func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}
