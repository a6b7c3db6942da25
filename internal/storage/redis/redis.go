// redis — хранилище слотов в Redis.
//
// Слот хранится ключом <prefix><slot>. Каждое изменение публикуется в канал
// <prefix>events в виде JSON storage.Event; Watch подписывается на этот канал
// и отбрасывает собственные события дескриптора.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/pribylovaa/betforbes-session/internal/storage"
)

const (
	defaultPrefix = "betforbes:session:"
	watchBuffer   = 64
)

// Store — дескриптор хранилища поверх клиента Redis.
type Store struct {
	rdb    *goredis.Client
	prefix string
	id     string
	owns   bool

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// New создаёт клиент Redis из URL (например, redis://:pass@host:6379/0).
// Пустой namespace даёт префикс "betforbes:session:".
func New(ctx context.Context, redisURL, namespace string) (*Store, error) {
	const op = "storage.redis.New"

	opt, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	rdb := goredis.NewClient(opt)

	// Fail-fast на старте.
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("%s: %w: %v", op, storage.ErrUnavailable, err)
	}

	st := NewWithClient(rdb, namespace)
	st.owns = true

	return st, nil
}

// NewWithClient оборачивает готовый клиент; Close его не закрывает.
func NewWithClient(rdb *goredis.Client, namespace string) *Store {
	prefix := defaultPrefix
	if namespace != "" {
		prefix = "betforbes:" + namespace + ":"
	}

	return &Store{
		rdb:    rdb,
		prefix: prefix,
		id:     uuid.NewString(),
		done:   make(chan struct{}),
	}
}

// ID — идентификатор писателя.
func (s *Store) ID() string { return s.id }

func (s *Store) key(slot storage.Slot) string { return s.prefix + string(slot) }

func (s *Store) channel() string { return s.prefix + "events" }

func (s *Store) check() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrClosed
	}

	return nil
}

// unavailable оборачивает ошибку драйвера; ошибки контекста пробрасываются как есть.
func unavailable(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
}

func (s *Store) Get(ctx context.Context, slot storage.Slot) (string, bool, error) {
	const op = "storage.redis.Get"

	if !slot.Valid() {
		return "", false, fmt.Errorf("%s: %w", op, storage.ErrUnknownSlot)
	}
	if err := s.check(); err != nil {
		return "", false, fmt.Errorf("%s: %w", op, err)
	}

	v, err := s.rdb.Get(ctx, s.key(slot)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("%s: %w", op, unavailable(err))
	}

	return v, true, nil
}

func (s *Store) Set(ctx context.Context, slot storage.Slot, value string) error {
	const op = "storage.redis.Set"

	if !slot.Valid() {
		return fmt.Errorf("%s: %w", op, storage.ErrUnknownSlot)
	}
	if err := s.check(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	payload, err := s.encode(storage.Event{Slot: slot, Value: value})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, s.key(slot), value, 0)
	pipe.Publish(ctx, s.channel(), payload)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, unavailable(err))
	}

	return nil
}

func (s *Store) Clear(ctx context.Context, slot storage.Slot) error {
	const op = "storage.redis.Clear"

	if !slot.Valid() {
		return fmt.Errorf("%s: %w", op, storage.ErrUnknownSlot)
	}

	return s.remove(ctx, op, storage.ClearSet(slot))
}

func (s *Store) ClearAll(ctx context.Context) error {
	return s.remove(ctx, "storage.redis.ClearAll", storage.AuthSlots)
}

// remove удаляет слоты одной транзакцией MULTI/EXEC и публикует события
// только по действительно удалённым ключам.
func (s *Store) remove(ctx context.Context, op string, slots []storage.Slot) error {
	if err := s.check(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	pipe := s.rdb.TxPipeline()
	dels := make([]*goredis.IntCmd, len(slots))
	for i, slot := range slots {
		dels[i] = pipe.Del(ctx, s.key(slot))
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, unavailable(err))
	}

	pub := s.rdb.Pipeline()
	published := 0
	for i, slot := range slots {
		if dels[i].Val() == 0 {
			continue
		}

		payload, err := s.encode(storage.Event{Slot: slot, Cleared: true})
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		pub.Publish(ctx, s.channel(), payload)
		published++
	}

	if published == 0 {
		return nil
	}

	if _, err := pub.Exec(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, unavailable(err))
	}

	return nil
}

func (s *Store) encode(ev storage.Event) (string, error) {
	ev.Source = s.id

	raw, err := json.Marshal(ev)
	if err != nil {
		return "", err
	}

	return string(raw), nil
}

// Watch подписывается на канал событий до отмены ctx или Close.
func (s *Store) Watch(ctx context.Context) (<-chan storage.Event, error) {
	const op = "storage.redis.Watch"

	if err := s.check(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	pubsub := s.rdb.Subscribe(ctx, s.channel())

	// Дожидаемся подтверждения подписки, иначе ранние события потеряются.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("%s: %w", op, unavailable(err))
	}

	out := make(chan storage.Event, watchBuffer)
	msgs := pubsub.Channel()

	go func() {
		defer close(out)
		defer pubsub.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}

				var ev storage.Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				if ev.Source == s.id || !ev.Slot.Valid() {
					continue
				}

				select {
				case out <- ev:
				case <-ctx.Done():
					return
				case <-s.done:
					return
				}
			}
		}
	}()

	return out, nil
}

// Close останавливает подписки и закрывает клиент, если он создан в New.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	if s.owns {
		return s.rdb.Close()
	}

	return nil
}

var _ storage.Store = (*Store)(nil)
