// file — хранилище слотов в JSON-файле на диске.
//
// Несколько процессов, открывших один путь, видят общее состояние.
// Запись атомарная (временный файл + rename), права 0600. Watch опрашивает файл
// с заданным интервалом и сравнивает слоты с последним известным состоянием.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pribylovaa/betforbes-session/internal/storage"
)

const (
	defaultPollInterval = 500 * time.Millisecond
	watchBuffer         = 64
	fileMode            = 0o600
	dirMode             = 0o700
)

// document — формат файла.
type document struct {
	Writer string                  `json:"writer"`
	Seq    uint64                  `json:"seq"`
	Slots  map[storage.Slot]string `json:"slots"`
}

type watcher struct {
	known map[storage.Slot]string
	ch    chan storage.Event
}

// Store — дескриптор файла сессии.
type Store struct {
	path string
	poll time.Duration
	id   string

	mu       sync.Mutex
	closed   bool
	watchers map[*watcher]struct{}
	done     chan struct{}
}

// DefaultPath возвращает путь по умолчанию: <UserConfigDir>/betforbes/session.json.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}

	return filepath.Join(dir, "betforbes", "session.json"), nil
}

// New открывает хранилище по пути path. Каталог создаётся при необходимости.
// poll <= 0 означает интервал по умолчанию.
func New(path string, poll time.Duration) (*Store, error) {
	const op = "storage.file.New"

	if path == "" {
		return nil, fmt.Errorf("%s: empty path", op)
	}
	if poll <= 0 {
		poll = defaultPollInterval
	}

	if err := os.MkdirAll(filepath.Dir(path), dirMode); err != nil {
		return nil, fmt.Errorf("%s: %w: %v", op, storage.ErrUnavailable, err)
	}

	return &Store{
		path:     path,
		poll:     poll,
		id:       uuid.NewString(),
		watchers: make(map[*watcher]struct{}),
		done:     make(chan struct{}),
	}, nil
}

// ID — идентификатор писателя.
func (s *Store) ID() string { return s.id }

// Path — путь к файлу.
func (s *Store) Path() string { return s.path }

// read читает документ; отсутствующий файл — пустой документ.
func (s *Store) read() (document, error) {
	doc := document{Slots: make(map[storage.Slot]string)}

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return doc, nil
		}
		return doc, fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}

	if len(raw) == 0 {
		return doc, nil
	}

	// Повреждённый файл трактуется как пустое хранилище и будет перезаписан.
	if err := json.Unmarshal(raw, &doc); err != nil {
		return document{Slots: make(map[storage.Slot]string)}, nil
	}
	if doc.Slots == nil {
		doc.Slots = make(map[storage.Slot]string)
	}

	return doc, nil
}

// write атомарно заменяет файл.
func (s *Store) write(doc document) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".session-*.tmp")
	if err != nil {
		return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	tmpName := tmp.Name()

	cleanup := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}

	if err := tmp.Chmod(fileMode); err != nil {
		return cleanup(err)
	}
	if _, err := tmp.Write(raw); err != nil {
		return cleanup(err)
	}
	if err := tmp.Sync(); err != nil {
		return cleanup(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}

	return nil
}

// mutate выполняет read-modify-write под блокировкой дескриптора.
// Между процессами действует правило «последний писатель побеждает».
func (s *Store) mutate(op string, fn func(slots map[storage.Slot]string) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("%s: %w", op, storage.ErrClosed)
	}

	doc, err := s.read()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if !fn(doc.Slots) {
		return nil
	}

	doc.Writer = s.id
	doc.Seq++
	if err := s.write(doc); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	// Собственная запись не должна всплыть в Watch этого же дескриптора.
	for w := range s.watchers {
		w.known = copySlots(doc.Slots)
	}

	return nil
}

func (s *Store) Get(_ context.Context, slot storage.Slot) (string, bool, error) {
	const op = "storage.file.Get"

	if !slot.Valid() {
		return "", false, fmt.Errorf("%s: %w", op, storage.ErrUnknownSlot)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", false, fmt.Errorf("%s: %w", op, storage.ErrClosed)
	}

	doc, err := s.read()
	if err != nil {
		return "", false, fmt.Errorf("%s: %w", op, err)
	}

	v, ok := doc.Slots[slot]
	return v, ok, nil
}

func (s *Store) Set(_ context.Context, slot storage.Slot, value string) error {
	const op = "storage.file.Set"

	if !slot.Valid() {
		return fmt.Errorf("%s: %w", op, storage.ErrUnknownSlot)
	}

	return s.mutate(op, func(slots map[storage.Slot]string) bool {
		if old, ok := slots[slot]; ok && old == value {
			return false
		}
		slots[slot] = value
		return true
	})
}

func (s *Store) Clear(_ context.Context, slot storage.Slot) error {
	const op = "storage.file.Clear"

	if !slot.Valid() {
		return fmt.Errorf("%s: %w", op, storage.ErrUnknownSlot)
	}

	return s.mutate(op, removeFn(storage.ClearSet(slot)))
}

func (s *Store) ClearAll(_ context.Context) error {
	return s.mutate("storage.file.ClearAll", removeFn(storage.AuthSlots))
}

func removeFn(slots []storage.Slot) func(map[storage.Slot]string) bool {
	return func(m map[storage.Slot]string) bool {
		changed := false
		for _, slot := range slots {
			if _, ok := m[slot]; ok {
				delete(m, slot)
				changed = true
			}
		}
		return changed
	}
}

// Watch запускает опрос файла до отмены ctx или Close.
func (s *Store) Watch(ctx context.Context) (<-chan storage.Event, error) {
	const op = "storage.file.Watch"

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", op, storage.ErrClosed)
	}

	doc, err := s.read()
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	w := &watcher{known: copySlots(doc.Slots), ch: make(chan storage.Event, watchBuffer)}
	s.watchers[w] = struct{}{}
	s.mu.Unlock()

	go s.pollLoop(ctx, w)

	return w.ch, nil
}

func (s *Store) pollLoop(ctx context.Context, w *watcher) {
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	defer func() {
		s.mu.Lock()
		delete(s.watchers, w)
		s.mu.Unlock()
		close(w.ch)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
		}

		events := s.diff(w)
		for _, ev := range events {
			select {
			case w.ch <- ev:
			case <-ctx.Done():
				return
			case <-s.done:
				return
			}
		}
	}
}

// diff сравнивает файл с известным состоянию наблюдателя и возвращает чужие изменения.
func (s *Store) diff(w *watcher) []storage.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		// Временная недоступность: попробуем на следующем тике.
		return nil
	}

	var events []storage.Event
	if doc.Writer != s.id {
		for _, slot := range storage.AllSlots {
			oldV, hadOld := w.known[slot]
			newV, hasNew := doc.Slots[slot]

			switch {
			case hasNew && (!hadOld || oldV != newV):
				events = append(events, storage.Event{Slot: slot, Value: newV, Source: doc.Writer})
			case !hasNew && hadOld:
				events = append(events, storage.Event{Slot: slot, Cleared: true, Source: doc.Writer})
			}
		}
	}

	w.known = copySlots(doc.Slots)
	return events
}

// Close останавливает опрос; файл остаётся на диске.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	close(s.done)
	return nil
}

func copySlots(m map[storage.Slot]string) map[storage.Slot]string {
	out := make(map[storage.Slot]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

var _ storage.Store = (*Store)(nil)
