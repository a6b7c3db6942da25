package models

// State — состояние жизненного цикла сессии.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateAuthenticated
	StateUnauthenticated
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateAuthenticated:
		return "authenticated"
	case StateUnauthenticated:
		return "unauthenticated"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// States перечисляет все состояния (для метрик).
var States = []State{StateUninitialized, StateInitializing, StateAuthenticated, StateUnauthenticated}

// Snapshot — неизменяемый снимок сессии для потребителей (UI/CLI).
type Snapshot struct {
	State           State `json:"state"`
	User            *User `json:"user,omitempty"`
	IsAuthenticated bool  `json:"isAuthenticated"`
	IsLoading       bool  `json:"isLoading"`
	// Error — последнее сообщение об ошибке для пользователя; пусто, если ошибки нет.
	Error string `json:"error,omitempty"`
}
