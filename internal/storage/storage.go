// storage описывает долговременное хранилище сессии — аналог localStorage,
// разделяемый всеми процессами (вкладками), которые работают с одной учётной записью.
//
// Основные аспекты:
//   - хранилище — набор именованных слотов со строковыми значениями, без логики валидации;
//   - очистка слота access-токена всегда очищает и кэш профиля (нет «осиротевшего» профиля);
//   - ClearAll очищает три auth-слота и идемпотентен;
//   - Watch доставляет изменения, сделанные ДРУГИМИ писателями (как событие storage
//     в браузере, которое не приходит во вкладку-автор).
package storage

//go:generate mockgen -destination=../mocks/store.go -package=mocks . Store

import (
	"context"
	"errors"
)

// Slot — имя слота хранилища.
type Slot string

const (
	SlotAccessToken  Slot = "accessToken"
	SlotRefreshToken Slot = "refreshToken"
	SlotUser         Slot = "betforbes_user"
	SlotReferral     Slot = "bf_referral_code"
)

// AuthSlots — слоты, которые очищает ClearAll.
var AuthSlots = []Slot{SlotAccessToken, SlotRefreshToken, SlotUser}

// AllSlots — все известные слоты.
var AllSlots = []Slot{SlotAccessToken, SlotRefreshToken, SlotUser, SlotReferral}

var (
	// ErrUnavailable — хранилище недоступно; вызывающие трактуют это как «нет сессии».
	ErrUnavailable = errors.New("storage unavailable")
	// ErrUnknownSlot — имя слота не входит в фиксированный набор.
	ErrUnknownSlot = errors.New("unknown slot")
	// ErrClosed — операция над закрытым хранилищем.
	ErrClosed = errors.New("storage closed")
)

// Valid сообщает, входит ли слот в фиксированный набор.
func (s Slot) Valid() bool {
	for _, k := range AllSlots {
		if k == s {
			return true
		}
	}

	return false
}

// ClearSet возвращает слоты, которые нужно очистить при Clear(slot):
// вместе с access-токеном всегда уходит кэш профиля.
func ClearSet(slot Slot) []Slot {
	if slot == SlotAccessToken {
		return []Slot{SlotAccessToken, SlotUser}
	}

	return []Slot{slot}
}

// Event — изменение слота, сделанное другим писателем.
type Event struct {
	Slot    Slot   `json:"slot"`
	Value   string `json:"value,omitempty"`
	Cleared bool   `json:"cleared,omitempty"`
	// Source — идентификатор писателя; по нему хранилище отсеивает собственные записи.
	Source string `json:"source"`
}

// Store — контракт хранилища слотов.
type Store interface {
	// Get возвращает значение слота и признак его наличия.
	Get(ctx context.Context, slot Slot) (string, bool, error)
	// Set записывает значение слота.
	Set(ctx context.Context, slot Slot, value string) error
	// Clear очищает слот (см. ClearSet).
	Clear(ctx context.Context, slot Slot) error
	// ClearAll очищает AuthSlots; повторный вызов даёт то же пустое состояние.
	ClearAll(ctx context.Context) error
	// Watch подписывает на изменения других писателей до отмены ctx.
	// Канал закрывается при отмене ctx или закрытии хранилища.
	Watch(ctx context.Context) (<-chan Event, error)
	// Close освобождает ресурсы.
	Close() error
}
