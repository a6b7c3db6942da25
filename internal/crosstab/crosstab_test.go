package crosstab

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/pribylovaa/betforbes-session/internal/metrics"
	"github.com/pribylovaa/betforbes-session/internal/mocks"
	"github.com/pribylovaa/betforbes-session/internal/models"
	"github.com/pribylovaa/betforbes-session/internal/session"
	"github.com/pribylovaa/betforbes-session/internal/storage"
	"github.com/pribylovaa/betforbes-session/internal/storage/memory"
)

type recorder struct {
	mu      sync.Mutex
	logouts int
	users   []*models.User
	tokens  []string
}

func (r *recorder) ApplyRemoteLogout() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logouts++
}

func (r *recorder) ApplyRemoteUser(u *models.User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users = append(r.users, u)
}

func (r *recorder) ApplyRemoteToken(access string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens = append(r.tokens, access)
}

type fakeBearer struct {
	mu    sync.Mutex
	token string
}

func (b *fakeBearer) SetBearer(t string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.token = t
}

func (b *fakeBearer) ClearBearer() { b.SetBearer("") }

func (b *fakeBearer) get() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.token
}

func TestApply(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := &recorder{}
	s := New(memory.New(), rec, Options{Metrics: metrics.New(reg)})

	s.Apply(storage.Event{Slot: storage.SlotAccessToken, Value: "a1"})
	s.Apply(storage.Event{Slot: storage.SlotUser, Value: `{"id":"u1","name":"Ana","email":"ana@example.com"}`})
	s.Apply(storage.Event{Slot: storage.SlotUser, Value: "{broken"})
	s.Apply(storage.Event{Slot: storage.SlotUser, Cleared: true})
	s.Apply(storage.Event{Slot: storage.SlotRefreshToken, Value: "r1"})
	s.Apply(storage.Event{Slot: storage.SlotReferral, Value: "ABC123"})
	s.Apply(storage.Event{Slot: storage.SlotAccessToken, Cleared: true})

	require.Equal(t, []string{"a1"}, rec.tokens)
	require.Len(t, rec.users, 1)
	require.Equal(t, "u1", rec.users[0].ID)
	require.Equal(t, 1, rec.logouts)

	expected := `
# HELP session_sync_events_total Cross-process storage events applied, by slot and kind.
# TYPE session_sync_events_total counter
session_sync_events_total{kind="cleared",slot="accessToken"} 1
session_sync_events_total{kind="set",slot="accessToken"} 1
session_sync_events_total{kind="set",slot="betforbes_user"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "session_sync_events_total"))
}

func TestRun_WatchError(t *testing.T) {
	shared := memory.NewShared()
	shared.SetUnavailable(true)

	s := New(shared.Handle(), &recorder{}, Options{})
	err := s.Run(context.Background())
	require.ErrorIs(t, err, storage.ErrUnavailable)
}

func TestRun_StoreClosed(t *testing.T) {
	ctrl := gomock.NewController(t)
	st := mocks.NewMockStore(ctrl)

	events := make(chan storage.Event)
	close(events)
	st.EXPECT().Watch(gomock.Any()).Return((<-chan storage.Event)(events), nil)

	s := New(st, &recorder{}, Options{})
	err := s.Run(context.Background())
	require.ErrorIs(t, err, storage.ErrClosed)
}

func TestRun_StopsOnCancel(t *testing.T) {
	s := New(memory.New(), &recorder{}, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

// Вторая «вкладка» следует за входом и выходом первой без единого сетевого вызова:
// у моков API и refresh нет ожиданий, любой вызов провалит тест.
func TestSync_LoginAndLogoutPropagate(t *testing.T) {
	ctrl := gomock.NewController(t)
	authAPI := mocks.NewMockAuthAPI(ctrl)
	refresher := mocks.NewMockRefresher(ctrl)

	shared := memory.NewShared()
	tabA := shared.Handle()
	tabB := shared.Handle()

	bearer := &fakeBearer{}
	mgr := session.New(authAPI, tabB, refresher, session.Options{Bearer: bearer})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	s := New(tabB, mgr, Options{})
	go func() { _ = s.Run(ctx) }()

	// Подписка Watch устанавливается асинхронно.
	time.Sleep(50 * time.Millisecond)

	u := &models.User{ID: "u1", Name: "Ana", Email: "ana@example.com"}
	require.NoError(t, storage.SaveTokens(ctx, tabA, models.TokenPair{AccessToken: "a1", RefreshToken: "r1"}))
	require.NoError(t, storage.SaveUser(ctx, tabA, u))

	require.Eventually(t, func() bool {
		snap := mgr.Snapshot()
		return snap.IsAuthenticated && snap.User != nil && snap.User.ID == "u1"
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, models.StateAuthenticated, mgr.Snapshot().State)
	require.Eventually(t, func() bool { return bearer.get() == "a1" }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, tabA.ClearAll(ctx))

	require.Eventually(t, func() bool {
		snap := mgr.Snapshot()
		return !snap.IsAuthenticated && snap.State == models.StateUnauthenticated
	}, 2*time.Second, 10*time.Millisecond)
	require.Empty(t, bearer.get())
	require.Empty(t, mgr.Snapshot().Error)
}

// Собственные записи вкладки в свой Watch не приходят.
func TestSync_IgnoresOwnWrites(t *testing.T) {
	shared := memory.NewShared()
	tab := shared.Handle()
	rec := &recorder{}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	s := New(tab, rec, Options{})
	go func() { _ = s.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, tab.Set(ctx, storage.SlotAccessToken, "mine"))
	require.NoError(t, tab.ClearAll(ctx))
	time.Sleep(100 * time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Empty(t, rec.tokens)
	require.Zero(t, rec.logouts)
}
