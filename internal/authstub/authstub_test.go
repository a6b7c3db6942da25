package authstub

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func do(t *testing.T, h http.Handler, method, path, token string, body any) (int, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	var out map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	return rr.Code, out
}

func TestLoginValidateRefreshLogout(t *testing.T) {
	t.Parallel()

	s := New(Options{})
	s.AddUser("Ana", "ana@example.com", "secret1")
	h := s.Handler()

	code, out := do(t, h, http.MethodPost, "/api/auth/login", "", map[string]string{"email": "ana@example.com", "password": "bad"})
	require.Equal(t, http.StatusUnauthorized, code)
	require.Equal(t, false, out["success"])
	require.Equal(t, msgInvalidCredentials, out["message"])

	code, out = do(t, h, http.MethodPost, "/api/auth/login", "", map[string]string{"email": "ANA@example.com", "password": "secret1"})
	require.Equal(t, http.StatusOK, code)

	tokens := out["data"].(map[string]any)["tokens"].(map[string]any)
	access := tokens["accessToken"].(string)
	refresh := tokens["refreshToken"].(string)
	require.NotEmpty(t, access)
	require.NotEmpty(t, refresh)

	code, out = do(t, h, http.MethodGet, "/api/auth/validate", access, nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ana@example.com", out["data"].(map[string]any)["user"].(map[string]any)["email"])

	code, _ = do(t, h, http.MethodGet, "/api/auth/validate", "garbage", nil)
	require.Equal(t, http.StatusUnauthorized, code)

	code, out = do(t, h, http.MethodPost, "/api/auth/refresh", "", map[string]string{"refreshToken": refresh})
	require.Equal(t, http.StatusOK, code)
	newAccess := out["data"].(map[string]any)["tokens"].(map[string]any)["accessToken"].(string)
	require.NotEqual(t, access, newAccess)

	// Ротация: старый refresh-токен больше не принимается.
	code, _ = do(t, h, http.MethodPost, "/api/auth/refresh", "", map[string]string{"refreshToken": refresh})
	require.Equal(t, http.StatusUnauthorized, code)

	code, _ = do(t, h, http.MethodPost, "/api/auth/logout", newAccess, nil)
	require.Equal(t, http.StatusOK, code)

	c := s.Counts()
	require.EqualValues(t, 2, c.Login)
	require.EqualValues(t, 2, c.Validate)
	require.EqualValues(t, 2, c.Refresh)
	require.EqualValues(t, 1, c.Logout)
}

func TestExpiredTokenRejected(t *testing.T) {
	t.Parallel()

	s := New(Options{})
	u := s.AddUser("Ana", "ana@example.com", "secret1")

	pair, err := s.IssueTokens(u.ID, -time.Minute)
	require.NoError(t, err)

	code, _ := do(t, s.Handler(), http.MethodGet, "/api/user/profile", pair.AccessToken, nil)
	require.Equal(t, http.StatusUnauthorized, code)
}

func TestRegister_VerificationAndReferral(t *testing.T) {
	t.Parallel()

	s := New(Options{})
	s.RequireVerification(true)

	code, out := do(t, s.Handler(), http.MethodPost, "/api/auth/register", "", map[string]string{
		"name": "Bia", "email": "bia@example.com", "password": "p", "confirmPassword": "p", "referralCode": "ABC123",
	})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, out["success"])
	_, hasTokens := out["data"].(map[string]any)["tokens"]
	require.False(t, hasTokens)
	require.Equal(t, "ABC123", s.LastRegistration().ReferralCode)

	code, out = do(t, s.Handler(), http.MethodPost, "/api/auth/register", "", map[string]string{
		"name": "Bia", "email": "bia@example.com", "password": "p",
	})
	require.Equal(t, http.StatusConflict, code)
	require.Equal(t, msgEmailTaken, out["message"])
}

func TestShapes(t *testing.T) {
	t.Parallel()

	s := New(Options{Shape: "legacy"})
	s.AddUser("Ana", "ana@example.com", "secret1")

	_, out := do(t, s.Handler(), http.MethodPost, "/api/auth/login", "", map[string]string{"email": "ana@example.com", "password": "secret1"})
	require.NotEmpty(t, out["token"])
	require.NotNil(t, out["user"])

	s.SetShape("flat")
	_, out = do(t, s.Handler(), http.MethodPost, "/api/auth/login", "", map[string]string{"email": "ana@example.com", "password": "secret1"})
	require.NotEmpty(t, out["data"].(map[string]any)["accessToken"])
}
