package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pribylovaa/betforbes-session/internal/models"
)

// Parser приводит тело ответа auth API к models.AuthResult.
//
// Бэкенды BetForbes отдавали токены в разных местах ответа, поэтому форма
// выбирается конфигурацией (api.response_shape), а не угадывается.
type Parser interface {
	Name() string
	// Parse возвращает ошибку только для тела, которое не является JSON-объектом.
	Parse(body []byte) (*models.AuthResult, error)
}

// ErrUnknownShape — неизвестное имя формы ответа в конфигурации.
var ErrUnknownShape = errors.New("unknown response shape")

// ParserByName возвращает парсер по имени: nested (по умолчанию), flat, legacy.
func ParserByName(name string) (Parser, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "nested":
		return NestedParser{}, nil
	case "flat":
		return FlatParser{}, nil
	case "legacy":
		return LegacyParser{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownShape, name)
	}
}

// envelope — общие поля всех форм. Success — указатель: legacy-ответы его не содержат.
type envelope struct {
	Success *bool           `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (e envelope) success() bool { return e.Success == nil || *e.Success }

func decodeEnvelope(body []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return envelope{}, err
	}

	return env, nil
}

type wireTokens struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

func (t wireTokens) pair() *models.TokenPair {
	if t.AccessToken == "" {
		return nil
	}

	return &models.TokenPair{AccessToken: t.AccessToken, RefreshToken: t.RefreshToken}
}

// userOrNil отбрасывает пустой объект пользователя.
func userOrNil(u *models.User) *models.User {
	if u == nil || (u.ID == "" && u.Email == "") {
		return nil
	}

	return u
}

// NestedParser — каноническая форма: {success, data:{user, tokens:{accessToken, refreshToken}}, message}.
type NestedParser struct{}

func (NestedParser) Name() string { return "nested" }

func (NestedParser) Parse(body []byte) (*models.AuthResult, error) {
	env, err := decodeEnvelope(body)
	if err != nil {
		return nil, err
	}

	res := &models.AuthResult{Success: env.success(), Message: env.Message}

	var data struct {
		User   *models.User `json:"user"`
		Tokens wireTokens   `json:"tokens"`
	}
	if len(env.Data) > 0 && json.Unmarshal(env.Data, &data) == nil {
		res.User = userOrNil(data.User)
		res.Tokens = data.Tokens.pair()
	}

	return res, nil
}

// FlatParser — токены прямо в data: {success, data:{user, accessToken, refreshToken}}.
type FlatParser struct{}

func (FlatParser) Name() string { return "flat" }

func (FlatParser) Parse(body []byte) (*models.AuthResult, error) {
	env, err := decodeEnvelope(body)
	if err != nil {
		return nil, err
	}

	res := &models.AuthResult{Success: env.success(), Message: env.Message}

	var data struct {
		User *models.User `json:"user"`
		wireTokens
	}
	if len(env.Data) > 0 && json.Unmarshal(env.Data, &data) == nil {
		res.User = userOrNil(data.User)
		res.Tokens = data.wireTokens.pair()
	}

	return res, nil
}

// LegacyParser — токен на верхнем уровне: {token|accessToken, refreshToken, user}.
// Поле data, если есть, используется как источник пользователя.
type LegacyParser struct{}

func (LegacyParser) Name() string { return "legacy" }

func (LegacyParser) Parse(body []byte) (*models.AuthResult, error) {
	env, err := decodeEnvelope(body)
	if err != nil {
		return nil, err
	}

	var top struct {
		Token string       `json:"token"`
		User  *models.User `json:"user"`
		wireTokens
	}
	if err := json.Unmarshal(body, &top); err != nil {
		return nil, err
	}

	if top.AccessToken == "" {
		top.AccessToken = top.Token
	}

	user := top.User
	if user == nil && len(env.Data) > 0 {
		var data struct {
			User *models.User `json:"user"`
		}
		if json.Unmarshal(env.Data, &data) == nil {
			user = data.User
		}
	}

	return &models.AuthResult{
		Success: env.success(),
		Message: env.Message,
		User:    userOrNil(user),
		Tokens:  top.wireTokens.pair(),
	}, nil
}
