package api

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pribylovaa/betforbes-session/internal/models"
)

func TestParsers(t *testing.T) {
	t.Parallel()

	user := &models.User{ID: "u1", Name: "Ana", Email: "ana@example.com", IsPremium: true}
	pair := &models.TokenPair{AccessToken: "A", RefreshToken: "R"}

	tests := []struct {
		name   string
		parser Parser
		body   string
		want   *models.AuthResult
	}{
		{
			name:   "nested",
			parser: NestedParser{},
			body:   `{"success":true,"data":{"user":{"id":"u1","name":"Ana","email":"ana@example.com","isPremium":true,"isAdmin":false},"tokens":{"accessToken":"A","refreshToken":"R"}}}`,
			want:   &models.AuthResult{Success: true, User: user, Tokens: pair},
		},
		{
			name:   "nested failure keeps message",
			parser: NestedParser{},
			body:   `{"success":false,"message":"Credenciais inválidas"}`,
			want:   &models.AuthResult{Success: false, Message: "Credenciais inválidas"},
		},
		{
			name:   "nested ignores flat tokens",
			parser: NestedParser{},
			body:   `{"success":true,"data":{"accessToken":"A","refreshToken":"R"}}`,
			want:   &models.AuthResult{Success: true},
		},
		{
			name:   "flat",
			parser: FlatParser{},
			body:   `{"success":true,"data":{"user":{"id":"u1","name":"Ana","email":"ana@example.com","isPremium":true},"accessToken":"A","refreshToken":"R"}}`,
			want:   &models.AuthResult{Success: true, User: user, Tokens: pair},
		},
		{
			name:   "legacy token field",
			parser: LegacyParser{},
			body:   `{"token":"A","refreshToken":"R","user":{"id":"u1","name":"Ana","email":"ana@example.com","isPremium":true}}`,
			want:   &models.AuthResult{Success: true, User: user, Tokens: pair},
		},
		{
			name:   "legacy accessToken and data user",
			parser: LegacyParser{},
			body:   `{"success":true,"accessToken":"A","refreshToken":"R","data":{"user":{"id":"u1","name":"Ana","email":"ana@example.com","isPremium":true}}}`,
			want:   &models.AuthResult{Success: true, User: user, Tokens: pair},
		},
		{
			name:   "empty user object dropped",
			parser: NestedParser{},
			body:   `{"success":true,"data":{"user":{}}}`,
			want:   &models.AuthResult{Success: true},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := tt.parser.Parse([]byte(tt.body))
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestParsers_NotJSON(t *testing.T) {
	t.Parallel()

	for _, p := range []Parser{NestedParser{}, FlatParser{}, LegacyParser{}} {
		_, err := p.Parse([]byte("<html>bad gateway</html>"))
		require.Error(t, err, p.Name())
	}
}

func TestParserByName(t *testing.T) {
	t.Parallel()

	for name, want := range map[string]string{"": "nested", "nested": "nested", "FLAT": "flat", " legacy ": "legacy"} {
		p, err := ParserByName(name)
		require.NoError(t, err)
		require.Equal(t, want, p.Name())
	}

	_, err := ParserByName("cookie")
	require.ErrorIs(t, err, ErrUnknownShape)
}
