// memory — хранилище слотов в памяти процесса.
//
// Shared играет роль localStorage одного origin, а каждый Store из Shared.Handle —
// отдельной вкладки: записи одной вкладки приходят в Watch остальных.
package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/pribylovaa/betforbes-session/internal/storage"
)

const watchBuffer = 64

// Shared — общее состояние для всех дескрипторов.
type Shared struct {
	mu          sync.Mutex
	data        map[storage.Slot]string
	subs        map[int]*subscriber
	nextID      int
	unavailable bool
}

type subscriber struct {
	owner string
	ch    chan storage.Event
}

// NewShared создаёт пустое общее хранилище.
func NewShared() *Shared {
	return &Shared{
		data: make(map[storage.Slot]string),
		subs: make(map[int]*subscriber),
	}
}

// Handle возвращает новый дескриптор («вкладку») над общим состоянием.
func (s *Shared) Handle() *Store {
	return &Store{shared: s, id: uuid.NewString()}
}

// SetUnavailable имитирует недоступность хранилища.
func (s *Shared) SetUnavailable(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = v
}

// Dump возвращает копию содержимого (для тестов и отладки).
func (s *Shared) Dump() map[storage.Slot]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[storage.Slot]string, len(s.data))
	for k, v := range s.data {
		out[k] = v
	}

	return out
}

// broadcast рассылает событие всем подписчикам, кроме автора. Вызывается под s.mu.
// Переполненный подписчик теряет событие: синхронизация вкладок — advisory.
func (s *Shared) broadcast(ev storage.Event) {
	for _, sub := range s.subs {
		if sub.owner == ev.Source {
			continue
		}

		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// Store — дескриптор одной «вкладки».
type Store struct {
	shared *Shared
	id     string

	closeOnce sync.Once
	mu        sync.Mutex
	closed    bool
	watchers  []int
}

// New создаёт одиночное хранилище в памяти.
func New() *Store {
	return NewShared().Handle()
}

// ID — идентификатор писателя.
func (s *Store) ID() string { return s.id }

func (s *Store) check() error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return storage.ErrClosed
	}
	if s.shared.unavailable {
		return storage.ErrUnavailable
	}

	return nil
}

func (s *Store) Get(_ context.Context, slot storage.Slot) (string, bool, error) {
	if !slot.Valid() {
		return "", false, storage.ErrUnknownSlot
	}

	s.shared.mu.Lock()
	defer s.shared.mu.Unlock()

	if err := s.check(); err != nil {
		return "", false, err
	}

	v, ok := s.shared.data[slot]
	return v, ok, nil
}

func (s *Store) Set(_ context.Context, slot storage.Slot, value string) error {
	if !slot.Valid() {
		return storage.ErrUnknownSlot
	}

	s.shared.mu.Lock()
	defer s.shared.mu.Unlock()

	if err := s.check(); err != nil {
		return err
	}

	if old, ok := s.shared.data[slot]; ok && old == value {
		return nil
	}

	s.shared.data[slot] = value
	s.shared.broadcast(storage.Event{Slot: slot, Value: value, Source: s.id})
	return nil
}

func (s *Store) Clear(_ context.Context, slot storage.Slot) error {
	if !slot.Valid() {
		return storage.ErrUnknownSlot
	}

	return s.remove(storage.ClearSet(slot))
}

func (s *Store) ClearAll(_ context.Context) error {
	return s.remove(storage.AuthSlots)
}

// remove удаляет слоты под одной блокировкой: частичного состояния не бывает.
func (s *Store) remove(slots []storage.Slot) error {
	s.shared.mu.Lock()
	defer s.shared.mu.Unlock()

	if err := s.check(); err != nil {
		return err
	}

	for _, slot := range slots {
		if _, ok := s.shared.data[slot]; !ok {
			continue
		}

		delete(s.shared.data, slot)
		s.shared.broadcast(storage.Event{Slot: slot, Cleared: true, Source: s.id})
	}

	return nil
}

func (s *Store) Watch(ctx context.Context) (<-chan storage.Event, error) {
	s.shared.mu.Lock()
	if err := s.check(); err != nil {
		s.shared.mu.Unlock()
		return nil, err
	}

	id := s.shared.nextID
	s.shared.nextID++
	sub := &subscriber{owner: s.id, ch: make(chan storage.Event, watchBuffer)}
	s.shared.subs[id] = sub
	s.shared.mu.Unlock()

	s.mu.Lock()
	s.watchers = append(s.watchers, id)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.unsubscribe(id)
	}()

	return sub.ch, nil
}

func (s *Store) unsubscribe(id int) {
	s.shared.mu.Lock()
	defer s.shared.mu.Unlock()

	if sub, ok := s.shared.subs[id]; ok {
		delete(s.shared.subs, id)
		close(sub.ch)
	}
}

// Close закрывает дескриптор и все его подписки; общее состояние не трогается.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		ids := s.watchers
		s.watchers = nil
		s.mu.Unlock()

		for _, id := range ids {
			s.unsubscribe(id)
		}
	})

	return nil
}

var _ storage.Store = (*Store)(nil)
