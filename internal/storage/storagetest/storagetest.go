// storagetest — общий набор проверок контракта storage.Store.
// Бэкенды вызывают Run из своих тестов (в т.ч. интеграционных).
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pribylovaa/betforbes-session/internal/models"
	"github.com/pribylovaa/betforbes-session/internal/storage"
)

// Factory возвращает два дескриптора над одним и тем же хранилищем
// (две «вкладки»). Очистку ресурсов фабрика регистрирует через t.Cleanup.
type Factory func(t *testing.T) (a, b storage.Store)

// Options — параметры прогона.
type Options struct {
	// EventTimeout — сколько ждать событие Watch (поллинговым бэкендам нужно больше).
	EventTimeout time.Duration
}

// Run прогоняет все проверки контракта.
func Run(t *testing.T, newPair Factory, opts Options) {
	if opts.EventTimeout <= 0 {
		opts.EventTimeout = 2 * time.Second
	}

	t.Run("SetGetClear", func(t *testing.T) { testSetGetClear(t, newPair) })
	t.Run("ClearAccessClearsUser", func(t *testing.T) { testClearAccessClearsUser(t, newPair) })
	t.Run("ClearAllIdempotent", func(t *testing.T) { testClearAllIdempotent(t, newPair) })
	t.Run("ClearAllKeepsReferral", func(t *testing.T) { testClearAllKeepsReferral(t, newPair) })
	t.Run("UnknownSlot", func(t *testing.T) { testUnknownSlot(t, newPair) })
	t.Run("SharedBetweenHandles", func(t *testing.T) { testShared(t, newPair) })
	t.Run("WatchForeignWrites", func(t *testing.T) { testWatch(t, newPair, opts) })
}

func testSetGetClear(t *testing.T, newPair Factory) {
	st, _ := newPair(t)
	ctx := context.Background()

	_, ok, err := st.Get(ctx, storage.SlotRefreshToken)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, st.Set(ctx, storage.SlotRefreshToken, "R1"))
	v, ok, err := st.Get(ctx, storage.SlotRefreshToken)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "R1", v)

	require.NoError(t, st.Set(ctx, storage.SlotRefreshToken, "R2"))
	v, _, err = st.Get(ctx, storage.SlotRefreshToken)
	require.NoError(t, err)
	require.Equal(t, "R2", v)

	require.NoError(t, st.Clear(ctx, storage.SlotRefreshToken))
	_, ok, err = st.Get(ctx, storage.SlotRefreshToken)
	require.NoError(t, err)
	require.False(t, ok)
}

func testClearAccessClearsUser(t *testing.T, newPair Factory) {
	st, _ := newPair(t)
	ctx := context.Background()

	require.NoError(t, storage.SaveTokens(ctx, st, models.TokenPair{AccessToken: "A", RefreshToken: "R"}))
	require.NoError(t, storage.SaveUser(ctx, st, &models.User{ID: "u1", Email: "u1@example.com"}))

	require.NoError(t, st.Clear(ctx, storage.SlotAccessToken))

	_, ok, err := st.Get(ctx, storage.SlotUser)
	require.NoError(t, err)
	require.False(t, ok, "профиль не должен пережить access-токен")

	v, ok, err := st.Get(ctx, storage.SlotRefreshToken)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "R", v)
}

func testClearAllIdempotent(t *testing.T, newPair Factory) {
	st, _ := newPair(t)
	ctx := context.Background()

	require.NoError(t, storage.SaveTokens(ctx, st, models.TokenPair{AccessToken: "A", RefreshToken: "R"}))
	require.NoError(t, storage.SaveUser(ctx, st, &models.User{ID: "u1", Email: "u1@example.com"}))

	for i := 0; i < 2; i++ {
		require.NoError(t, st.ClearAll(ctx))

		for _, slot := range storage.AuthSlots {
			_, ok, err := st.Get(ctx, slot)
			require.NoError(t, err)
			require.False(t, ok, "slot %s after ClearAll #%d", slot, i+1)
		}
	}
}

func testClearAllKeepsReferral(t *testing.T, newPair Factory) {
	st, _ := newPair(t)
	ctx := context.Background()

	require.NoError(t, st.Set(ctx, storage.SlotReferral, "ABC123"))
	require.NoError(t, st.ClearAll(ctx))

	v, ok, err := st.Get(ctx, storage.SlotReferral)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "ABC123", v)
}

func testUnknownSlot(t *testing.T, newPair Factory) {
	st, _ := newPair(t)
	ctx := context.Background()

	_, _, err := st.Get(ctx, storage.Slot("token"))
	require.ErrorIs(t, err, storage.ErrUnknownSlot)
	require.ErrorIs(t, st.Set(ctx, storage.Slot("token"), "x"), storage.ErrUnknownSlot)
}

func testShared(t *testing.T, newPair Factory) {
	a, b := newPair(t)
	ctx := context.Background()

	require.NoError(t, a.Set(ctx, storage.SlotAccessToken, "A1"))

	v, ok, err := b.Get(ctx, storage.SlotAccessToken)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "A1", v)

	require.NoError(t, b.ClearAll(ctx))
	_, ok, err = a.Get(ctx, storage.SlotAccessToken)
	require.NoError(t, err)
	require.False(t, ok)
}

func testWatch(t *testing.T, newPair Factory, opts Options) {
	a, b := newPair(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := a.Watch(ctx)
	require.NoError(t, err)

	// Собственная запись «a» не должна прийти в его же Watch.
	require.NoError(t, a.Set(ctx, storage.SlotRefreshToken, "own"))

	require.NoError(t, b.Set(ctx, storage.SlotAccessToken, "from-b"))
	ev := next(t, events, opts.EventTimeout, storage.SlotAccessToken)
	require.False(t, ev.Cleared)
	require.Equal(t, "from-b", ev.Value)

	require.NoError(t, b.Clear(ctx, storage.SlotAccessToken))
	ev = next(t, events, opts.EventTimeout, storage.SlotAccessToken)
	require.True(t, ev.Cleared)

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-events:
			return !ok
		default:
			return false
		}
	}, opts.EventTimeout, 10*time.Millisecond, "канал Watch должен закрыться после отмены ctx")
}

// next ждёт событие по слоту, пропуская прочие; собственные события «a» — ошибка.
func next(t *testing.T, events <-chan storage.Event, timeout time.Duration, slot storage.Slot) storage.Event {
	t.Helper()

	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "канал Watch закрыт раньше времени")
			require.NotEqual(t, storage.SlotRefreshToken, ev.Slot, "пришло собственное событие писателя")
			if ev.Slot == slot {
				return ev
			}
		case <-deadline:
			t.Fatalf("не дождались события по слоту %s", slot)
		}
	}
}
