package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/pribylovaa/betforbes-session/internal/authstub"
	"github.com/pribylovaa/betforbes-session/internal/config"
	"github.com/pribylovaa/betforbes-session/internal/models"
	"github.com/pribylovaa/betforbes-session/internal/storage"
	"github.com/pribylovaa/betforbes-session/internal/storage/memory"
)

func testConfig(base string) *config.Config {
	return &config.Config{
		Env: "local",
		API: config.APIConfig{
			BaseURL:        base,
			Timeout:        5 * time.Second,
			RefreshTimeout: 5 * time.Second,
			LogoutTimeout:  time.Second,
			ResponseShape:  "nested",
			UserAgent:      "sessionctl-test",
		},
		Store:   config.StoreConfig{Driver: config.DriverMemory},
		Renewal: config.RenewalConfig{Interval: time.Minute, Threshold: time.Minute},
	}
}

func newStub(t *testing.T) (*authstub.Server, string) {
	t.Helper()

	stub := authstub.New(authstub.Options{})
	srv := httptest.NewServer(stub.Handler())
	t.Cleanup(srv.Close)

	return stub, srv.URL + "/api"
}

func newApp(t *testing.T, cfg *config.Config, st storage.Store) *App {
	t.Helper()

	a, err := New(context.Background(), cfg, Options{Registerer: prometheus.NewRegistry(), Store: st})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	return a
}

func TestNew_UnknownShape(t *testing.T) {
	cfg := testConfig("http://localhost/api")
	cfg.API.ResponseShape = "xml"

	_, err := New(context.Background(), cfg, Options{Registerer: prometheus.NewRegistry()})
	require.Error(t, err)
}

func TestNew_RelativeBaseURLClosesStore(t *testing.T) {
	cfg := testConfig("/api")
	shared := memory.NewShared()
	st := shared.Handle()

	_, err := New(context.Background(), cfg, Options{Registerer: prometheus.NewRegistry(), Store: st})
	require.Error(t, err)

	_, _, err = st.Get(context.Background(), storage.SlotAccessToken)
	require.ErrorIs(t, err, storage.ErrClosed)
}

// Сквозной сценарий: вход, защищённый запрос через адаптер, выход.
func TestApp_LoginCallLogout(t *testing.T) {
	stub, base := newStub(t)
	stub.AddUser("Ana", "ana@example.com", "secret1")

	a := newApp(t, testConfig(base), memory.New())
	ctx := context.Background()

	u, err := a.Session.Login(ctx, "ana@example.com", "secret1")
	require.NoError(t, err)
	require.Equal(t, "ana@example.com", u.Email)
	require.True(t, a.Session.Snapshot().IsAuthenticated)

	req, err := a.API.NewRequest(ctx, http.MethodPost, "/echo", bytes.NewBufferString(`{"x":1}`))
	require.NoError(t, err)
	resp, err := a.HTTP.Do(ctx, req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Data struct {
			Body  string `json:"body"`
			Token string `json:"token"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.JSONEq(t, `{"x":1}`, out.Data.Body)
	require.Equal(t, a.HTTP.Token(ctx), out.Data.Token)

	a.Session.Logout(ctx)
	require.Equal(t, models.StateUnauthenticated, a.Session.Snapshot().State)
	require.EqualValues(t, 1, stub.Counts().Logout)

	_, ok, err := a.Store.Get(ctx, storage.SlotAccessToken)
	require.NoError(t, err)
	require.False(t, ok)
}

// Два процесса над одним файлом: вход в первом виден второму через синхронизатор.
func TestApp_FileStoreSyncAcrossProcesses(t *testing.T) {
	stub, base := newStub(t)
	stub.AddUser("Ana", "ana@example.com", "secret1")

	path := filepath.Join(t.TempDir(), "session.json")
	cfg := testConfig(base)
	cfg.Store = config.StoreConfig{Driver: config.DriverFile, FilePath: path, PollInterval: 20 * time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	stA, err := OpenStore(ctx, cfg.Store, nil)
	require.NoError(t, err)
	stB, err := OpenStore(ctx, cfg.Store, nil)
	require.NoError(t, err)

	a := newApp(t, cfg, stA)
	b := newApp(t, cfg, stB)
	require.Equal(t, models.StateUnauthenticated, b.Session.Initialize(ctx).State)

	go func() { _ = b.Sync.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)

	_, err = a.Session.Login(ctx, "ana@example.com", "secret1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s := b.Session.Snapshot()
		return s.IsAuthenticated && s.User != nil && s.User.Email == "ana@example.com"
	}, 3*time.Second, 20*time.Millisecond)

	a.Session.Logout(ctx)

	require.Eventually(t, func() bool {
		return b.Session.Snapshot().State == models.StateUnauthenticated
	}, 3*time.Second, 20*time.Millisecond)
	require.EqualValues(t, 1, stub.Counts().Login)
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()

	st, err := OpenStore(ctx, config.StoreConfig{Driver: config.DriverMemory}, nil)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	st, err = OpenStore(ctx, config.StoreConfig{Driver: config.DriverFile, FilePath: filepath.Join(t.TempDir(), "s.json")}, nil)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	_, err = OpenStore(ctx, config.StoreConfig{Driver: "etcd"}, nil)
	require.ErrorContains(t, err, "unknown driver")

	_, err = OpenStore(ctx, config.StoreConfig{Driver: config.DriverRedis, RedisURL: "::not a url"}, nil)
	require.Error(t, err)
}

func TestDialGRPC(t *testing.T) {
	_, base := newStub(t)
	a := newApp(t, testConfig(base), memory.New())

	conn, err := a.DialGRPC("127.0.0.1:1")
	require.NoError(t, err)
	require.NotNil(t, conn)

	_, err = a.DialGRPC("")
	require.Error(t, err)
}

func TestSetupLogger(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	SetupLogger("prod", &buf).Debug("hidden")
	require.Empty(t, buf.String())

	SetupLogger("dev", &buf).Debug("shown")
	require.Contains(t, buf.String(), `"msg":"shown"`)

	buf.Reset()
	SetupLogger("local", &buf).Info("text")
	require.Contains(t, buf.String(), "msg=text")
}
