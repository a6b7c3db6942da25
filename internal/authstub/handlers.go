package authstub

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/pribylovaa/betforbes-session/internal/http/middleware"
	"github.com/pribylovaa/betforbes-session/internal/models"
	logctx "github.com/pribylovaa/betforbes-session/internal/pkg/log"
	"github.com/pribylovaa/betforbes-session/internal/pkg/redact"
)

const (
	msgInvalidCredentials = "Credenciais inválidas"
	msgInvalidToken       = "Token inválido"
	msgInvalidRefresh     = "Refresh token inválido"
	msgPasswordMismatch   = "As senhas não coincidem"
	msgEmailTaken         = "E-mail já cadastrado"
	msgBadRequest         = "Requisição inválida"
	msgVerifyEmail        = "Verifique seu e-mail para ativar a conta"
	msgInternal           = "Erro interno do servidor"
)

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	s.login.Add(1)

	var in struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decode(r, &in); err != nil {
		writeFail(w, http.StatusBadRequest, msgBadRequest)
		return
	}

	s.mu.Lock()
	acc, ok := s.accounts[strings.ToLower(strings.TrimSpace(in.Email))]
	s.mu.Unlock()

	if !ok || bcrypt.CompareHashAndPassword(acc.hash, []byte(in.Password)) != nil {
		logctx.From(r.Context()).Info("stub_login_rejected", "email", redact.Email(in.Email))
		writeFail(w, http.StatusUnauthorized, msgInvalidCredentials)
		return
	}

	pair, err := s.issue(acc.user)
	if err != nil {
		writeFail(w, http.StatusInternalServerError, msgInternal)
		return
	}

	s.writeAuth(w, acc.user, &pair, "")
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	s.register.Add(1)

	var in Registration
	if err := decode(r, &in); err != nil || in.Email == "" || in.Password == "" {
		writeFail(w, http.StatusBadRequest, msgBadRequest)
		return
	}

	s.mu.Lock()
	reg := in
	s.lastReg = &reg
	s.mu.Unlock()

	if in.ConfirmPassword != "" && in.ConfirmPassword != in.Password {
		writeFail(w, http.StatusBadRequest, msgPasswordMismatch)
		return
	}

	email := strings.ToLower(strings.TrimSpace(in.Email))

	s.mu.Lock()
	_, exists := s.accounts[email]
	s.mu.Unlock()
	if exists {
		writeFail(w, http.StatusConflict, msgEmailTaken)
		return
	}

	u := s.AddUser(in.Name, email, in.Password)

	if s.requireVerification.Load() {
		s.writeAuth(w, u, nil, msgVerifyEmail)
		return
	}

	pair, err := s.issue(u)
	if err != nil {
		writeFail(w, http.StatusInternalServerError, msgInternal)
		return
	}

	s.writeAuth(w, u, &pair, "")
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	s.validate.Add(1)
	s.serveUser(w, r)
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	s.profile.Add(1)
	s.serveUser(w, r)
}

func (s *Server) serveUser(w http.ResponseWriter, r *http.Request) {
	u, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	if s.failValidate.Load() {
		writeFail(w, http.StatusInternalServerError, msgInternal)
		return
	}

	s.writeAuth(w, u, nil, "")
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.refreshN.Add(1)

	if d := time.Duration(s.refreshDelay.Load()); d > 0 {
		select {
		case <-time.After(d):
		case <-r.Context().Done():
			return
		}
	}

	var in struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := decode(r, &in); err != nil || in.RefreshToken == "" {
		writeFail(w, http.StatusBadRequest, msgBadRequest)
		return
	}

	if s.failRefresh.Load() {
		writeFail(w, http.StatusUnauthorized, msgInvalidRefresh)
		return
	}

	_, pair, err := s.rotate(in.RefreshToken)
	if err != nil {
		logctx.From(r.Context()).Info("stub_refresh_rejected", "refresh_token", redact.Token(in.RefreshToken))
		writeFail(w, http.StatusUnauthorized, msgInvalidRefresh)
		return
	}

	s.writeTokens(w, pair)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.logout.Add(1)

	if s.failLogout.Load() {
		writeFail(w, http.StatusInternalServerError, msgInternal)
		return
	}

	u, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	s.revokeUser(u.ID)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleEcho — защищённый эндпойнт для проверки повтора запроса с телом.
func (s *Server) handleEcho(w http.ResponseWriter, r *http.Request) {
	s.echo.Add(1)

	if _, ok := s.authenticate(w, r); !ok {
		return
	}

	body, _ := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data": map[string]any{
			"body":  string(body),
			"token": middleware.BearerFrom(r.Context()),
		},
	})
}

// authenticate проверяет Bearer-токен; при отказе пишет 401.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (models.User, bool) {
	tok := middleware.BearerFrom(r.Context())
	if tok == "" {
		writeFail(w, http.StatusUnauthorized, msgInvalidToken)
		return models.User{}, false
	}

	uid, err := s.parseAccess(tok)
	if err != nil {
		writeFail(w, http.StatusUnauthorized, msgInvalidToken)
		return models.User{}, false
	}

	s.mu.Lock()
	u, ok := s.userByIDLocked(uid)
	s.mu.Unlock()
	if !ok {
		writeFail(w, http.StatusUnauthorized, msgInvalidToken)
		return models.User{}, false
	}

	return u, true
}

// writeAuth пишет пользователя (и токены, если есть) в текущей форме ответа.
func (s *Server) writeAuth(w http.ResponseWriter, u models.User, pair *models.TokenPair, message string) {
	out := map[string]any{"success": true}
	if message != "" {
		out["message"] = message
	}

	switch s.currentShape() {
	case "legacy":
		out["user"] = u
		if pair != nil {
			out["token"] = pair.AccessToken
			out["refreshToken"] = pair.RefreshToken
		}
	case "flat":
		data := map[string]any{"user": u}
		if pair != nil {
			data["accessToken"] = pair.AccessToken
			data["refreshToken"] = pair.RefreshToken
		}
		out["data"] = data
	default:
		data := map[string]any{"user": u}
		if pair != nil {
			data["tokens"] = map[string]string{
				"accessToken":  pair.AccessToken,
				"refreshToken": pair.RefreshToken,
			}
		}
		out["data"] = data
	}

	writeJSON(w, http.StatusOK, out)
}

func (s *Server) writeTokens(w http.ResponseWriter, pair models.TokenPair) {
	out := map[string]any{"success": true}

	switch s.currentShape() {
	case "legacy":
		out["token"] = pair.AccessToken
		out["refreshToken"] = pair.RefreshToken
	case "flat":
		out["data"] = map[string]string{
			"accessToken":  pair.AccessToken,
			"refreshToken": pair.RefreshToken,
		}
	default:
		out["data"] = map[string]any{
			"tokens": map[string]string{
				"accessToken":  pair.AccessToken,
				"refreshToken": pair.RefreshToken,
			},
		}
	}

	writeJSON(w, http.StatusOK, out)
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	return dec.Decode(v)
}

func writeFail(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"success": false, "message": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
