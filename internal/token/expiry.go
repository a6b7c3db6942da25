// token — локальный разбор access-токена без проверки подписи.
//
// Клиент не знает секрета сервера, поэтому payload JWT читается «как есть»:
// этого достаточно, чтобы узнать exp и заранее обновить токен.
// Все функции закрыты на отказ: неразборчивый токен считается истёкшим.
package token

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var parser = jwt.NewParser(jwt.WithoutClaimsValidation())

// DecodeExpiry возвращает exp из payload токена.
// ok=false — токен не JWT, payload не декодируется или exp отсутствует.
func DecodeExpiry(tok string) (exp time.Time, ok bool) {
	if strings.Count(tok, ".") != 2 {
		return time.Time{}, false
	}

	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(tok, claims); err != nil {
		return time.Time{}, false
	}

	nd, err := claims.GetExpirationTime()
	if err != nil || nd == nil {
		return time.Time{}, false
	}

	return nd.Time, true
}

// Expired сообщает, истёк ли токен на момент now с учётом leeway.
// Токен без читаемого exp считается истёкшим.
func Expired(tok string, now time.Time, leeway time.Duration) bool {
	exp, ok := DecodeExpiry(tok)
	if !ok {
		return true
	}

	return !now.Before(exp.Add(leeway))
}

// ExpiresWithin — токен ещё действителен, но истечёт в пределах window.
// Для неразборчивых и уже истёкших токенов возвращает false.
func ExpiresWithin(tok string, now time.Time, window time.Duration) bool {
	exp, ok := DecodeExpiry(tok)
	if !ok {
		return false
	}

	left := exp.Sub(now)
	return left > 0 && left < window
}
