// postgres — хранилище слотов в PostgreSQL (таблица session_slots,
// схема во встроенных migrations/, применяется Migrate).
//
// Каждое изменение в той же транзакции отправляет pg_notify в канал session_slots;
// Watch держит отдельное соединение с LISTEN.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pribylovaa/betforbes-session/internal/storage"
)

const (
	notifyChannel    = "session_slots"
	defaultNamespace = "default"
	watchBuffer      = 64
)

// notification — полезная нагрузка pg_notify.
type notification struct {
	Namespace string `json:"namespace"`
	storage.Event
}

// Storage — хранилище поверх пула pgx.
type Storage struct {
	db        *pgxpool.Pool
	namespace string
	id        string

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// New создает новое подключение к PostgreSQL.
func New(ctx context.Context, dbURL, namespace string) (*Storage, error) {
	const op = "storage.postgres.New"

	config, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	db, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%s: %w", op, mapErr(err))
	}

	if namespace == "" {
		namespace = defaultNamespace
	}

	return &Storage{
		db:        db,
		namespace: namespace,
		id:        uuid.NewString(),
		done:      make(chan struct{}),
	}, nil
}

// ID — идентификатор писателя.
func (s *Storage) ID() string { return s.id }

// mapErr: ошибки соединения (класс 08 и сетевые) становятся storage.ErrUnavailable.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgerrcode.IsConnectionException(pgErr.Code) || pgErr.Code == pgerrcode.CannotConnectNow {
			return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
		}
		return err
	}

	return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
}

func (s *Storage) check() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrClosed
	}

	return nil
}

func (s *Storage) Get(ctx context.Context, slot storage.Slot) (string, bool, error) {
	const op = "storage.postgres.Get"

	if !slot.Valid() {
		return "", false, fmt.Errorf("%s: %w", op, storage.ErrUnknownSlot)
	}
	if err := s.check(); err != nil {
		return "", false, fmt.Errorf("%s: %w", op, err)
	}

	query := `
        SELECT value
        FROM session_slots
        WHERE namespace = $1 AND slot = $2
    `

	var value string
	err := s.db.QueryRow(ctx, query, s.namespace, string(slot)).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}

		return "", false, fmt.Errorf("%s: %w", op, mapErr(err))
	}

	return value, true, nil
}

func (s *Storage) Set(ctx context.Context, slot storage.Slot, value string) error {
	const op = "storage.postgres.Set"

	if !slot.Valid() {
		return fmt.Errorf("%s: %w", op, storage.ErrUnknownSlot)
	}
	if err := s.check(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	query := `
        INSERT INTO session_slots(namespace, slot, value, updated_at)
        VALUES ($1, $2, $3, now())
        ON CONFLICT (namespace, slot) DO UPDATE
        SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
        WHERE session_slots.value IS DISTINCT FROM EXCLUDED.value
    `

	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, query, s.namespace, string(slot), value)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}

		return s.notify(ctx, tx, storage.Event{Slot: slot, Value: value})
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, mapErr(err))
	}

	return nil
}

func (s *Storage) Clear(ctx context.Context, slot storage.Slot) error {
	const op = "storage.postgres.Clear"

	if !slot.Valid() {
		return fmt.Errorf("%s: %w", op, storage.ErrUnknownSlot)
	}

	return s.remove(ctx, op, storage.ClearSet(slot))
}

func (s *Storage) ClearAll(ctx context.Context) error {
	return s.remove(ctx, "storage.postgres.ClearAll", storage.AuthSlots)
}

// remove удаляет слоты одной транзакцией и уведомляет только об удалённых.
func (s *Storage) remove(ctx context.Context, op string, slots []storage.Slot) error {
	if err := s.check(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	names := make([]string, len(slots))
	for i, slot := range slots {
		names[i] = string(slot)
	}

	query := `
        DELETE FROM session_slots
        WHERE namespace = $1 AND slot = ANY($2)
        RETURNING slot
    `

	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, query, s.namespace, names)
		if err != nil {
			return err
		}

		deleted, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return err
		}

		for _, slot := range deleted {
			if err := s.notify(ctx, tx, storage.Event{Slot: storage.Slot(slot), Cleared: true}); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, mapErr(err))
	}

	return nil
}

// notify ставит уведомление в транзакцию: слушатели получат его только после COMMIT.
func (s *Storage) notify(ctx context.Context, tx pgx.Tx, ev storage.Event) error {
	ev.Source = s.id

	payload, err := json.Marshal(notification{Namespace: s.namespace, Event: ev})
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, "SELECT pg_notify($1, $2)", notifyChannel, string(payload))
	return err
}

// Watch слушает канал session_slots на выделенном соединении пула.
func (s *Storage) Watch(ctx context.Context) (<-chan storage.Event, error) {
	const op = "storage.postgres.Watch"

	if err := s.check(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	conn, err := s.db.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, mapErr(err))
	}

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("%s: %w", op, mapErr(err))
	}

	wctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-wctx.Done():
		case <-s.done:
			cancel()
		}
	}()

	out := make(chan storage.Event, watchBuffer)

	go func() {
		defer close(out)
		defer cancel()
		defer func() {
			if !conn.Conn().IsClosed() {
				_, _ = conn.Exec(context.Background(), "UNLISTEN "+notifyChannel)
			}
			conn.Release()
		}()

		for {
			n, err := conn.Conn().WaitForNotification(wctx)
			if err != nil {
				return
			}

			var msg notification
			if err := json.Unmarshal([]byte(n.Payload), &msg); err != nil {
				continue
			}
			if msg.Namespace != s.namespace || msg.Source == s.id || !msg.Slot.Valid() {
				continue
			}

			select {
			case out <- msg.Event:
			case <-wctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// Close закрывает пул соединений.
func (s *Storage) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	// Pool.Close дожидается возврата слушающих соединений: их освобождает закрытие done.
	s.db.Close()

	return nil
}

// Проверка на соответствие интерфейсу storage.Store.
var _ storage.Store = (*Storage)(nil)
