// mongo — хранилище слотов в MongoDB.
//
// Один документ на namespace:
//
//	{_id: <namespace>, slots: {accessToken: "...", ...}, last_write: {writer: "<id>", at: <date>}}
//
// Watch читает change stream коллекции (нужен replica set) и по полю
// last_write.writer отсеивает собственные изменения дескриптора.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/pribylovaa/betforbes-session/internal/storage"
)

const (
	slotsCollection  = "session_slots"
	defaultDBName    = "betforbes"
	defaultNamespace = "default"
	watchBuffer      = 64
	slotsField       = "slots"
	lastWriteField   = "last_write"
)

// Mongo — хранилище слотов поверх коллекции session_slots.
type Mongo struct {
	client    *mongodriver.Client
	slots     *mongodriver.Collection
	namespace string
	id        string

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// New подключается к MongoDB и проверяет соединение.
func New(ctx context.Context, uri, namespace string) (*Mongo, error) {
	if uri == "" {
		return nil, fmt.Errorf("mongo: empty uri")
	}

	cli, err := mongodriver.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}

	if err := cli.Ping(ctx, readpref.Primary()); err != nil {
		_ = cli.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w: %v", storage.ErrUnavailable, err)
	}

	if namespace == "" {
		namespace = defaultNamespace
	}

	return &Mongo{
		client:    cli,
		slots:     cli.Database(databaseFromURI(uri)).Collection(slotsCollection),
		namespace: namespace,
		id:        uuid.NewString(),
		done:      make(chan struct{}),
	}, nil
}

// ID — идентификатор писателя.
func (m *Mongo) ID() string { return m.id }

func (m *Mongo) check() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return storage.ErrClosed
	}

	return nil
}

func mapErr(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if mongodriver.IsNetworkError(err) || mongodriver.IsTimeout(err) || errors.Is(err, mongodriver.ErrClientDisconnected) {
		return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}

	var srvErr mongodriver.ServerError
	if errors.As(err, &srvErr) {
		return err
	}

	return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
}

func slotPath(slot storage.Slot) string { return slotsField + "." + string(slot) }

func (m *Mongo) lastWrite() bson.D {
	return bson.D{{Key: "writer", Value: m.id}, {Key: "at", Value: time.Now().UTC()}}
}

func (m *Mongo) Get(ctx context.Context, slot storage.Slot) (string, bool, error) {
	const op = "storage.mongo.Get"

	if !slot.Valid() {
		return "", false, fmt.Errorf("%s: %w", op, storage.ErrUnknownSlot)
	}
	if err := m.check(); err != nil {
		return "", false, fmt.Errorf("%s: %w", op, err)
	}

	var doc struct {
		Slots map[string]string `bson:"slots"`
	}

	opts := options.FindOne().SetProjection(bson.D{{Key: slotPath(slot), Value: 1}})
	err := m.slots.FindOne(ctx, bson.D{{Key: "_id", Value: m.namespace}}, opts).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("%s: %w", op, mapErr(err))
	}

	v, ok := doc.Slots[string(slot)]
	return v, ok, nil
}

func (m *Mongo) Set(ctx context.Context, slot storage.Slot, value string) error {
	const op = "storage.mongo.Set"

	if !slot.Valid() {
		return fmt.Errorf("%s: %w", op, storage.ErrUnknownSlot)
	}
	if err := m.check(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: slotPath(slot), Value: value},
		{Key: lastWriteField, Value: m.lastWrite()},
	}}}

	_, err := m.slots.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: m.namespace}},
		update,
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, mapErr(err))
	}

	return nil
}

func (m *Mongo) Clear(ctx context.Context, slot storage.Slot) error {
	const op = "storage.mongo.Clear"

	if !slot.Valid() {
		return fmt.Errorf("%s: %w", op, storage.ErrUnknownSlot)
	}

	return m.remove(ctx, op, storage.ClearSet(slot))
}

func (m *Mongo) ClearAll(ctx context.Context) error {
	return m.remove(ctx, "storage.mongo.ClearAll", storage.AuthSlots)
}

// remove снимает поля одним UpdateOne: изменение документа атомарно.
// Документ обновляется, только если хотя бы один слот присутствует.
func (m *Mongo) remove(ctx context.Context, op string, slots []storage.Slot) error {
	if err := m.check(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	unset := make(bson.D, 0, len(slots))
	exists := make(bson.A, 0, len(slots))
	for _, slot := range slots {
		unset = append(unset, bson.E{Key: slotPath(slot), Value: ""})
		exists = append(exists, bson.D{{Key: slotPath(slot), Value: bson.D{{Key: "$exists", Value: true}}}})
	}

	filter := bson.D{
		{Key: "_id", Value: m.namespace},
		{Key: "$or", Value: exists},
	}
	update := bson.D{
		{Key: "$unset", Value: unset},
		{Key: "$set", Value: bson.D{{Key: lastWriteField, Value: m.lastWrite()}}},
	}

	if _, err := m.slots.UpdateOne(ctx, filter, update); err != nil {
		return fmt.Errorf("%s: %w", op, mapErr(err))
	}

	return nil
}

// changeEvent — нужная часть события change stream.
type changeEvent struct {
	OperationType     string   `bson:"operationType"`
	FullDocument      bson.Raw `bson:"fullDocument"`
	UpdateDescription struct {
		UpdatedFields bson.Raw `bson:"updatedFields"`
		RemovedFields []string `bson:"removedFields"`
	} `bson:"updateDescription"`
}

// Watch открывает change stream по документу namespace.
func (m *Mongo) Watch(ctx context.Context) (<-chan storage.Event, error) {
	const op = "storage.mongo.Watch"

	if err := m.check(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	pipeline := mongodriver.Pipeline{
		bson.D{{Key: "$match", Value: bson.D{
			{Key: "documentKey._id", Value: m.namespace},
			{Key: "operationType", Value: bson.D{{Key: "$in", Value: bson.A{"insert", "update", "replace"}}}},
		}}},
	}

	cs, err := m.slots.Watch(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, mapErr(err))
	}

	wctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-wctx.Done():
		case <-m.done:
			cancel()
		}
	}()

	out := make(chan storage.Event, watchBuffer)

	go func() {
		defer close(out)
		defer cancel()
		defer cs.Close(context.Background())

		for cs.Next(wctx) {
			var ce changeEvent
			if err := cs.Decode(&ce); err != nil {
				continue
			}

			for _, ev := range m.eventsFrom(ce) {
				select {
				case out <- ev:
				case <-wctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// eventsFrom переводит событие change stream в события слотов; свои записи отбрасываются.
func (m *Mongo) eventsFrom(ce changeEvent) []storage.Event {
	var (
		source string
		events []storage.Event
	)

	switch ce.OperationType {
	case "insert", "replace":
		source = writerOf(ce.FullDocument, lastWriteField)
		if source == m.id {
			return nil
		}

		if raw, err := ce.FullDocument.LookupErr(slotsField); err == nil {
			if doc, ok := raw.DocumentOK(); ok {
				events = append(events, slotEvents(doc, "", source)...)
			}
		}

	case "update":
		upd := ce.UpdateDescription.UpdatedFields
		source = writerOf(upd, lastWriteField)
		if source == "" {
			if v, err := upd.LookupErr(lastWriteField + ".writer"); err == nil {
				source, _ = v.StringValueOK()
			}
		}
		if source == m.id {
			return nil
		}

		events = append(events, slotEvents(upd, slotsField+".", source)...)
		if raw, err := upd.LookupErr(slotsField); err == nil {
			if doc, ok := raw.DocumentOK(); ok {
				events = append(events, slotEvents(doc, "", source)...)
			}
		}

		for _, f := range ce.UpdateDescription.RemovedFields {
			slot := storage.Slot(strings.TrimPrefix(f, slotsField+"."))
			if f == string(slot) || !slot.Valid() {
				continue
			}
			events = append(events, storage.Event{Slot: slot, Cleared: true, Source: source})
		}
	}

	return events
}

// slotEvents собирает события записи из элементов документа с ключами <prefix><slot>.
func slotEvents(doc bson.Raw, prefix, source string) []storage.Event {
	elems, err := doc.Elements()
	if err != nil {
		return nil
	}

	var events []storage.Event
	for _, el := range elems {
		key := el.Key()
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			continue
		}

		slot := storage.Slot(strings.TrimPrefix(key, prefix))
		if !slot.Valid() {
			continue
		}

		v, ok := el.Value().StringValueOK()
		if !ok {
			continue
		}
		events = append(events, storage.Event{Slot: slot, Value: v, Source: source})
	}

	return events
}

func writerOf(doc bson.Raw, field string) string {
	if len(doc) == 0 {
		return ""
	}

	v, err := doc.LookupErr(field, "writer")
	if err != nil {
		return ""
	}

	s, _ := v.StringValueOK()
	return s
}

// Close отключает клиента.
func (m *Mongo) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.done)
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return m.client.Disconnect(ctx)
}

// databaseFromURI извлекает имя базы данных из URI-пути mongodb.
// Если оно отсутствует или не поддается расшифровке, возвращает значение по умолчанию.
func databaseFromURI(uri string) string {
	u, err := url.Parse(uri)
	if err == nil {
		if name := strings.Trim(u.Path, "/"); name != "" {
			return name
		}
	}
	return defaultDBName
}

var _ storage.Store = (*Mongo)(nil)
