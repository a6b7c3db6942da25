package referral

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pribylovaa/betforbes-session/internal/storage"
	"github.com/pribylovaa/betforbes-session/internal/storage/memory"
)

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"abc123", "ABC123"},
		{"  Bf2024XYZ ", "BF2024XYZ"},
		{"ABCDEFGHIJKL", "ABCDEFGHIJKL"},
		{"ABC12", ""},
		{"ABCDEFGHIJKLM", ""},
		{"ABC-123", ""},
		{"", ""},
		{"çãoçãoç", ""},
	}

	for _, tt := range tests {
		require.Equal(t, tt.want, Normalize(tt.in), tt.in)
	}
}

func TestCaptureSavedClear(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := memory.New()

	code, err := Capture(ctx, st, "https://betforbes.com/cadastro?ref=abc123&utm=x")
	require.NoError(t, err)
	require.Equal(t, "ABC123", code)
	require.Equal(t, "ABC123", Saved(ctx, st))

	// Невалидный код не затирает сохранённый.
	code, err = Capture(ctx, st, "https://betforbes.com/?ref=x")
	require.NoError(t, err)
	require.Empty(t, code)
	require.Equal(t, "ABC123", Saved(ctx, st))

	// ClearAll сессии код не трогает.
	require.NoError(t, st.ClearAll(ctx))
	require.Equal(t, "ABC123", Saved(ctx, st))

	require.NoError(t, Clear(ctx, st))
	require.Empty(t, Saved(ctx, st))
}

func TestCapture_BadURL(t *testing.T) {
	t.Parallel()

	_, err := Capture(context.Background(), memory.New(), "http://[::1")
	require.Error(t, err)
}

func TestSaved_GarbageAndUnavailable(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	shared := memory.NewShared()
	st := shared.Handle()

	require.NoError(t, st.Set(ctx, storage.SlotReferral, "not a code"))
	require.Empty(t, Saved(ctx, st))

	shared.SetUnavailable(true)
	require.Empty(t, Saved(ctx, st))

	ok, err := Save(ctx, st, "ABC123")
	require.False(t, ok)
	require.ErrorIs(t, err, storage.ErrUnavailable)
}

func TestInviteLink(t *testing.T) {
	t.Parallel()

	require.Equal(t, "https://betforbes.com/cadastro?ref=ABC123", InviteLink("https://betforbes.com//", "abc123"))
	require.Equal(t, "https://betforbes.com/cadastro", InviteLink("https://betforbes.com", "bad"))
}
