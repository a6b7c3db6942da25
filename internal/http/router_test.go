package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/pribylovaa/betforbes-session/internal/models"
	"github.com/pribylovaa/betforbes-session/internal/session"
)

type fakeSession struct {
	snap     models.Snapshot
	checkErr error
	checks   atomic.Int32
}

func (f *fakeSession) Snapshot() models.Snapshot { return f.snap }

func (f *fakeSession) CheckNow(context.Context) error {
	f.checks.Add(1)
	return f.checkErr
}

func do(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestRouter_Health(t *testing.T) {
	t.Parallel()

	var ready atomic.Bool
	h := NewRouter(&fakeSession{}, Options{
		Gatherer: prometheus.NewRegistry(),
		Ready:    ready.Load,
	})

	require.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/livez").Code)
	require.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodGet, "/healthz").Code)

	ready.Store(true)
	require.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz").Code)
}

func TestRouter_Metrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "router_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	rec := do(t, NewRouter(&fakeSession{}, Options{Gatherer: reg}), http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "router_test_total 1")
}

func TestRouter_Session(t *testing.T) {
	t.Parallel()

	s := &fakeSession{snap: models.Snapshot{
		State:           models.StateAuthenticated,
		IsAuthenticated: true,
		User:            &models.User{ID: "u1", Name: "Ana", Email: "ana@example.com"},
	}}

	rec := do(t, NewRouter(s, Options{Gatherer: prometheus.NewRegistry()}), http.MethodGet, "/session")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-Id"))

	var v struct {
		State           string       `json:"state"`
		IsAuthenticated bool         `json:"isAuthenticated"`
		User            *models.User `json:"user"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	require.Equal(t, "authenticated", v.State)
	require.True(t, v.IsAuthenticated)
	require.Equal(t, "u1", v.User.ID)
}

func TestRouter_Renew(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		err    error
		status int
	}{
		{name: "ok", status: http.StatusOK},
		{name: "expired", err: &session.Error{Kind: session.KindSessionExpired, Message: session.MsgSessionExpired}, status: http.StatusUnauthorized},
		{name: "transient", err: errors.New("boom"), status: http.StatusBadGateway},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s := &fakeSession{checkErr: tt.err}
			rec := do(t, NewRouter(s, Options{Gatherer: prometheus.NewRegistry()}), http.MethodPost, "/session/renew")
			require.Equal(t, tt.status, rec.Code)
			require.EqualValues(t, 1, s.checks.Load())
			if tt.err != nil {
				require.True(t, strings.Contains(rec.Body.String(), "error"))
			}
		})
	}
}

func TestRouter_RenewRateLimited(t *testing.T) {
	t.Parallel()

	s := &fakeSession{}
	h := NewRouter(s, Options{
		Gatherer:   prometheus.NewRegistry(),
		RenewLimit: rate.Every(time.Hour),
		RenewBurst: 1,
	})

	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/session/renew").Code)
	require.Equal(t, http.StatusTooManyRequests, do(t, h, http.MethodPost, "/session/renew").Code)
	require.EqualValues(t, 1, s.checks.Load())

	// Лимит не распространяется на остальные маршруты.
	require.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/session").Code)
}
