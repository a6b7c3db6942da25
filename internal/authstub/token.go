package authstub

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/pribylovaa/betforbes-session/internal/models"
)

var (
	errUnknownUser  = errors.New("authstub: unknown user")
	errInvalidToken = errors.New("authstub: invalid token")
)

type accessClaims struct {
	UserID string `json:"uid"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

// signAccess подписывает access-токен. jti делает токены уникальными в пределах секунды.
func (s *Server) signAccess(u models.User, exp time.Time) (string, error) {
	now := time.Now()

	claims := accessClaims{
		UserID: u.ID,
		Email:  u.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
			Subject:   u.ID,
			ID:        uuid.NewString(),
		},
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// parseAccess проверяет подпись и срок; возвращает id пользователя.
func (s *Server) parseAccess(tokenStr string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &accessClaims{},
		func(t *jwt.Token) (interface{}, error) {
			return s.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errInvalidToken, err)
	}

	claims, ok := token.Claims.(*accessClaims)
	if !ok || !token.Valid || claims.UserID == "" {
		return "", errInvalidToken
	}

	return claims.UserID, nil
}

// newRefresh выдаёт случайный refresh-токен и запоминает владельца.
func (s *Server) newRefresh(userID string) (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	plain := base64.RawURLEncoding.EncodeToString(b)

	s.mu.Lock()
	s.refresh[plain] = userID
	s.mu.Unlock()

	return plain, nil
}

// rotate обменивает refresh-токен на новую пару; старый токен сгорает.
func (s *Server) rotate(old string) (models.User, models.TokenPair, error) {
	s.mu.Lock()
	uid, ok := s.refresh[old]
	if ok {
		delete(s.refresh, old)
	}
	u, found := s.userByIDLocked(uid)
	s.mu.Unlock()

	if !ok || !found {
		return models.User{}, models.TokenPair{}, errInvalidToken
	}

	pair, err := s.issue(u)
	return u, pair, err
}

func (s *Server) issue(u models.User) (models.TokenPair, error) {
	access, err := s.signAccess(u, time.Now().Add(s.accessTTL))
	if err != nil {
		return models.TokenPair{}, err
	}

	refresh, err := s.newRefresh(u.ID)
	if err != nil {
		return models.TokenPair{}, err
	}

	return models.TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// revokeUser отзывает все refresh-токены пользователя.
func (s *Server) revokeUser(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for tok, uid := range s.refresh {
		if uid == userID {
			delete(s.refresh, tok)
		}
	}
}
