package api

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind — класс ошибки обращения к auth API.
type Kind int

const (
	// KindNetwork — транспорт не доставил запрос или ответ (DNS, TCP, таймаут).
	KindNetwork Kind = iota + 1
	// KindServer — 5xx, не-JSON тело или успешный ответ без обязательных полей.
	KindServer
	// KindRejected — 4xx или success:false: сервер отклонил учётные данные/токен.
	KindRejected
	// KindUnauthorized — защищённый запрос получил 401 и после повтора.
	KindUnauthorized
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindServer:
		return "server"
	case KindRejected:
		return "rejected"
	case KindUnauthorized:
		return "unauthorized"
	default:
		return "unknown"
	}
}

// Сообщения по умолчанию, если сервер не прислал своё.
const (
	MsgInvalidCredentials = "Credenciais inválidas"
	MsgNetwork            = "Erro de rede"
	MsgBadResponse        = "Resposta inválida do servidor"
)

// Error — ошибка auth API. Message безопасно показывать пользователю.
type Error struct {
	Op      string
	Kind    Kind
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %s: %v", e.Op, e.Kind, e.Message, e.Err)
	case e.Status != 0:
		return fmt.Sprintf("%s: %s (%d): %s", e.Op, e.Kind, e.Status, e.Message)
	default:
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Message)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf возвращает класс ошибки или 0, если это не *Error.
func KindOf(err error) Kind {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}

	return 0
}

// MessageOf возвращает пользовательское сообщение ошибки API или "".
func MessageOf(err error) string {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}

	return ""
}

func networkError(op string, err error) *Error {
	return &Error{Op: op, Kind: KindNetwork, Message: MsgNetwork, Err: err}
}

func badResponse(op string, status int, err error) *Error {
	return &Error{Op: op, Kind: KindServer, Status: status, Message: MsgBadResponse, Err: err}
}

// statusError классифицирует неуспешный HTTP-статус.
// Сообщение сервера передаётся как есть; без него — сообщение по умолчанию.
func statusError(op string, status int, serverMsg string) *Error {
	e := &Error{Op: op, Status: status, Message: serverMsg}

	switch {
	case status >= http.StatusInternalServerError:
		e.Kind = KindServer
		if e.Message == "" {
			e.Message = fmt.Sprintf("Erro HTTP %d", status)
		}
	case status == http.StatusUnauthorized:
		e.Kind = KindUnauthorized
		if e.Message == "" {
			e.Message = MsgInvalidCredentials
		}
	default:
		e.Kind = KindRejected
		if e.Message == "" {
			e.Message = MsgInvalidCredentials
		}
	}

	return e
}
