package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pribylovaa/betforbes-session/internal/authstub"
	"github.com/pribylovaa/betforbes-session/internal/models"
)

type harness struct {
	stub    *authstub.Server
	cfgPath string
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	stub := authstub.New(authstub.Options{})
	srv := httptest.NewServer(stub.Handler())
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	cfg := fmt.Sprintf(`
env: "prod"
api:
  base_url: %q
  timeout: "5s"
store:
  driver: "file"
  file_path: %q
  poll_interval: "20ms"
`, srv.URL+"/api", filepath.Join(dir, "session.json"))

	p := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(cfg), 0o600))

	return &harness{stub: stub, cfgPath: p}
}

// exec запускает sessionctl с --config и возвращает stdout.
func (h *harness) exec(t *testing.T, ctx context.Context, args ...string) (string, error) {
	t.Helper()

	var out, errOut bytes.Buffer
	root := NewRootCmd()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(append([]string{"--config", h.cfgPath}, args...))

	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func (h *harness) snapshot(t *testing.T) models.Snapshot {
	t.Helper()

	out, err := h.exec(t, context.Background(), "whoami")
	require.NoError(t, err)

	var v struct {
		State           string       `json:"state"`
		IsAuthenticated bool         `json:"isAuthenticated"`
		User            *models.User `json:"user"`
		Error           string       `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &v))

	snap := models.Snapshot{IsAuthenticated: v.IsAuthenticated, User: v.User, Error: v.Error}
	for _, s := range models.States {
		if s.String() == v.State {
			snap.State = s
		}
	}
	return snap
}

func TestRoot_Subcommands(t *testing.T) {
	t.Parallel()

	want := map[string]bool{
		"login": false, "register": false, "logout": false, "whoami": false,
		"call": false, "probe": false, "referral": false, "agent": false,
	}

	for _, c := range NewRootCmd().Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}

	for name, found := range want {
		require.True(t, found, "subcommand %q not registered", name)
	}
}

func TestLogin_RequiresFlags(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	_, err := h.exec(t, context.Background(), "login", "--email", "ana@example.com")
	require.ErrorContains(t, err, "password")
}

// Вход, восстановление в новом процессе, защищённый вызов и выход.
func TestCLI_SessionRoundTrip(t *testing.T) {
	h := newHarness(t)
	h.stub.AddUser("Ana", "ana@example.com", "secret1")
	ctx := context.Background()

	out, err := h.exec(t, ctx, "login", "--email", "ana@example.com", "--password", "secret1")
	require.NoError(t, err)
	require.Contains(t, out, "logged in as Ana <ana@example.com>")

	snap := h.snapshot(t)
	require.Equal(t, models.StateAuthenticated, snap.State)
	require.Equal(t, "ana@example.com", snap.User.Email)

	out, err = h.exec(t, ctx, "call", "get", "/user/profile")
	require.NoError(t, err)
	require.Contains(t, out, "HTTP 200")
	require.Contains(t, out, "ana@example.com")

	out, err = h.exec(t, ctx, "logout")
	require.NoError(t, err)
	require.Contains(t, out, "logged out")
	require.EqualValues(t, 1, h.stub.Counts().Logout)

	snap = h.snapshot(t)
	require.Equal(t, models.StateUnauthenticated, snap.State)
	require.Nil(t, snap.User)
}

func TestCLI_WhoamiProfile(t *testing.T) {
	h := newHarness(t)
	h.stub.AddUser("Ana", "ana@example.com", "secret1")
	ctx := context.Background()

	_, err := h.exec(t, ctx, "whoami", "--profile")
	require.EqualError(t, err, "not logged in")

	_, err = h.exec(t, ctx, "login", "--email", "ana@example.com", "--password", "secret1")
	require.NoError(t, err)

	out, err := h.exec(t, ctx, "whoami", "--profile")
	require.NoError(t, err)

	var u models.User
	require.NoError(t, json.Unmarshal([]byte(out), &u))
	require.Equal(t, "ana@example.com", u.Email)
	require.EqualValues(t, 1, h.stub.Counts().Profile)
}

func TestCLI_LoginFailureShowsServerMessage(t *testing.T) {
	h := newHarness(t)
	h.stub.AddUser("Ana", "ana@example.com", "secret1")

	_, err := h.exec(t, context.Background(), "login", "--email", "ana@example.com", "--password", "wrong")
	require.EqualError(t, err, "Credenciais inválidas")
}

// Код из ссылки сохраняется и уходит в следующую регистрацию.
func TestCLI_ReferralCaptureThenRegister(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	out, err := h.exec(t, ctx, "referral", "capture", "https://betforbes.com/cadastro?ref=abc123")
	require.NoError(t, err)
	require.Contains(t, out, "saved referral code ABC123")

	out, err = h.exec(t, ctx, "referral", "show")
	require.NoError(t, err)
	require.Equal(t, "ABC123\n", out)

	out, err = h.exec(t, ctx, "register", "--name", "Bia", "--email", "bia@example.com", "--password", "secret1")
	require.NoError(t, err)
	require.Contains(t, out, "logged in as Bia <bia@example.com>")
	require.Equal(t, "ABC123", h.stub.LastRegistration().ReferralCode)

	out, err = h.exec(t, ctx, "referral", "show")
	require.NoError(t, err)
	require.Equal(t, "\n", out)
}

func TestCLI_ReferralLink(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	root := NewRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"referral", "link", "https://betforbes.com/", "xyz789"})
	require.NoError(t, root.Execute())
	require.Equal(t, "https://betforbes.com/cadastro?ref=XYZ789\n", out.String())
}

func TestCLI_Agent(t *testing.T) {
	h := newHarness(t)
	h.stub.AddUser("Ana", "ana@example.com", "secret1")

	_, err := h.exec(t, context.Background(), "login", "--email", "ana@example.com", "--password", "secret1")
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := h.exec(t, ctx, "agent", "--addr", addr)
		done <- err
	}()

	base := "http://" + addr
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/healthz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	resp, err := http.Get(base + "/session")
	require.NoError(t, err)
	var v struct {
		State string `json:"state"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	_ = resp.Body.Close()
	require.Equal(t, "authenticated", v.State)

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	var body bytes.Buffer
	_, _ = body.ReadFrom(resp.Body)
	_ = resp.Body.Close()
	require.Contains(t, body.String(), `session_state{state="authenticated"} 1`)

	// Выход другим процессом доходит до agent через хранилище.
	_, err = h.exec(t, context.Background(), "logout")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/session")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var v struct {
			State string `json:"state"`
		}
		return json.NewDecoder(resp.Body).Decode(&v) == nil && v.State == "unauthenticated"
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("agent did not stop")
	}
}
