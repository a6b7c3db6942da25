package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/pribylovaa/betforbes-session/internal/api"
	"github.com/pribylovaa/betforbes-session/internal/refresh"
)

// Kind — класс ошибки сессии, видимый вызывающему.
type Kind int

const (
	// KindNoSession — сохранённых учётных данных нет (штатное состояние «не вошёл»).
	KindNoSession Kind = iota + 1
	// KindInvalidCredentials — сервер отклонил вход/регистрацию; сообщение сервера как есть.
	KindInvalidCredentials
	// KindTokenExpiredLocally — exp access-токена прошёл; запускает тихий refresh.
	KindTokenExpiredLocally
	// KindRefreshFailed — refresh-токен отклонён; сессия завершена.
	KindRefreshFailed
	// KindSessionExpired — refresh не удался при активной сессии.
	KindSessionExpired
	// KindNetworkError — транспорт не доставил запрос.
	KindNetworkError
	// KindServerError — 5xx или некорректный ответ.
	KindServerError
)

func (k Kind) String() string {
	switch k {
	case KindNoSession:
		return "no_session"
	case KindInvalidCredentials:
		return "invalid_credentials"
	case KindTokenExpiredLocally:
		return "token_expired_locally"
	case KindRefreshFailed:
		return "refresh_failed"
	case KindSessionExpired:
		return "session_expired"
	case KindNetworkError:
		return "network_error"
	case KindServerError:
		return "server_error"
	default:
		return "unknown"
	}
}

// Пользовательские сообщения.
const (
	MsgSessionExpired = "Sua sessão expirou. Faça login novamente."
	MsgUnexpected     = "Erro inesperado"
)

// Error — ошибка операции сессии. Message можно показывать пользователю.
type Error struct {
	Op      string
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Op, e.Kind, e.Message, e.Err)
	}

	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// RequiresLogin сообщает UI, что нужно перейти на экран входа.
func (e *Error) RequiresLogin() bool {
	switch e.Kind {
	case KindNoSession, KindRefreshFailed, KindSessionExpired:
		return true
	default:
		return false
	}
}

// KindOf возвращает класс ошибки сессии или 0.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}

	return 0
}

// RequiresLogin — RequiresLogin для произвольной ошибки.
func RequiresLogin(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.RequiresLogin()
}

// classify переводит ошибки нижних слоёв в *Error.
func classify(op string, err error) *Error {
	e := &Error{Op: op, Err: err}

	switch {
	case errors.Is(err, refresh.ErrNoRefreshToken):
		e.Kind = KindNoSession
	case errors.Is(err, refresh.ErrRefreshRejected):
		e.Kind = KindRefreshFailed
		e.Message = MsgSessionExpired
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		e.Kind = KindNetworkError
		e.Message = api.MsgNetwork
	default:
		switch api.KindOf(err) {
		case api.KindNetwork:
			e.Kind = KindNetworkError
		case api.KindServer:
			e.Kind = KindServerError
		case api.KindRejected, api.KindUnauthorized:
			e.Kind = KindInvalidCredentials
		default:
			e.Kind = KindServerError
			e.Message = MsgUnexpected
		}
		if e.Message == "" {
			e.Message = api.MessageOf(err)
		}
	}

	return e
}
