package resultcache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"maps"
	"time"

	"github.com/brandplot/brandplot-server/internal/kvstore"
	"github.com/brandplot/brandplot-server/internal/log"
	"github.com/brandplot/brandplot-server/internal/xerrors"
)

// TimestampField is the reserved payload key holding the write time.
const TimestampField = "timestamp"

const DefaultTTL = 24 * time.Hour

// Event labels cache outcomes for observers.
type Event string

const (
	EventHit         Event = "hit"
	EventMiss        Event = "miss"
	EventExpired     Event = "expired"
	EventCorrupt     Event = "corrupt"
	EventReadError   Event = "read_error"
	EventWriteError  Event = "write_error"
	EventDeleteError Event = "delete_error"
)

// ErrCorrupt marks a stored record that cannot be decoded.
var ErrCorrupt = errors.New("resultcache: corrupt record")

// Entry is a decoded record.
type Entry struct {
	Data      map[string]any
	Timestamp time.Time
}

// Map returns the payload with the timestamp field, as serialized.
func (e Entry) Map() map[string]any {
	out := make(map[string]any, len(e.Data)+1)
	maps.Copy(out, e.Data)
	out[TimestampField] = e.Timestamp.UnixMilli()
	return out
}

type Option func(*Cache)

func WithTTL(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

func WithLogger(l log.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithObserver is called once per operation outcome.
func WithObserver(fn func(Event)) Option {
	return func(c *Cache) {
		c.observe = fn
	}
}

// Cache is bound to a single storage key.
type Cache struct {
	store   kvstore.Store
	key     string
	ttl     time.Duration
	now     func() time.Time
	logger  log.Logger
	observe func(Event)
}

func New(store kvstore.Store, key string, opts ...Option) *Cache {
	c := &Cache{
		store:  store,
		key:    key,
		ttl:    DefaultTTL,
		now:    time.Now,
		logger: log.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Cache) Key() string        { return c.key }
func (c *Cache) TTL() time.Duration { return c.ttl }

func (c *Cache) emit(e Event) {
	if c.observe != nil {
		c.observe(e)
	}
}

// Set stamps data with the current time and overwrites the stored record.
// A "timestamp" key in data is replaced by the stamp.
func (c *Cache) Set(ctx context.Context, data map[string]any) error {
	_, err := c.write(ctx, data)
	return err
}

func (c *Cache) write(ctx context.Context, data map[string]any) (Entry, error) {
	now := c.now()
	e := Entry{Data: make(map[string]any, len(data)), Timestamp: time.UnixMilli(now.UnixMilli())}
	maps.Copy(e.Data, data)
	delete(e.Data, TimestampField)

	raw, err := json.Marshal(e.Map())
	if err != nil {
		err = xerrors.Wrapf(err, "encode result %s", c.key)
		c.emit(EventWriteError)
		c.logger.Error(ctx, err, "result cache write failed", "key", c.key)
		return Entry{}, err
	}
	if err := c.store.Put(ctx, c.key, raw, c.ttl); err != nil {
		err = xerrors.Wrapf(err, "store result %s", c.key)
		c.emit(EventWriteError)
		c.logger.Error(ctx, err, "result cache write failed", "key", c.key)
		return Entry{}, err
	}
	return e, nil
}

// Get returns the stored record if present and within its TTL. Expired
// records are deleted.
func (c *Cache) Get(ctx context.Context) (Entry, bool) {
	raw, err := c.store.Get(ctx, c.key)
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			c.emit(EventMiss)
			return Entry{}, false
		}
		c.emit(EventReadError)
		c.logger.Error(ctx, err, "result cache read failed", "key", c.key)
		return Entry{}, false
	}

	e, err := decode(raw)
	if err != nil {
		c.emit(EventCorrupt)
		c.logger.Error(ctx, xerrors.Wrapf(err, "decode result %s", c.key), "result cache record unreadable", "key", c.key)
		return Entry{}, false
	}

	if c.now().Sub(e.Timestamp) > c.ttl {
		c.emit(EventExpired)
		if err := c.store.Delete(ctx, c.key); err != nil {
			c.emit(EventDeleteError)
			c.logger.Error(ctx, err, "result cache expired record delete failed", "key", c.key)
		}
		return Entry{}, false
	}

	c.emit(EventHit)
	return e, true
}

// Update shallow-merges partial over the stored payload and writes it back
// with a fresh timestamp. It reports false without writing when nothing is
// stored.
func (c *Cache) Update(ctx context.Context, partial map[string]any) (bool, error) {
	_, ok, err := c.UpdateEntry(ctx, partial)
	return ok, err
}

// UpdateEntry is Update returning the merged record.
func (c *Cache) UpdateEntry(ctx context.Context, partial map[string]any) (Entry, bool, error) {
	cur, ok := c.Get(ctx)
	if !ok {
		return Entry{}, false, nil
	}
	maps.Copy(cur.Data, partial)
	e, err := c.write(ctx, cur.Data)
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

// SetEntry is Set returning the stored record.
func (c *Cache) SetEntry(ctx context.Context, data map[string]any) (Entry, error) {
	return c.write(ctx, data)
}

// Clear removes the stored record. Clearing an empty cache is not an error.
func (c *Cache) Clear(ctx context.Context) error {
	if err := c.store.Delete(ctx, c.key); err != nil {
		err = xerrors.Wrapf(err, "delete result %s", c.key)
		c.emit(EventDeleteError)
		c.logger.Error(ctx, err, "result cache clear failed", "key", c.key)
		return err
	}
	return nil
}

// decode keeps numbers as json.Number so integers beyond 2^53 survive a
// round trip unchanged.
func decode(raw []byte) (Entry, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return Entry{}, errors.Join(ErrCorrupt, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return Entry{}, xerrors.Wrap(ErrCorrupt, "trailing data")
	}
	if m == nil {
		return Entry{}, xerrors.WithStack(ErrCorrupt)
	}
	n, ok := m[TimestampField].(json.Number)
	if !ok {
		return Entry{}, xerrors.Wrap(ErrCorrupt, "missing timestamp")
	}
	ms, err := n.Int64()
	if err != nil {
		f, ferr := n.Float64()
		if ferr != nil {
			return Entry{}, xerrors.Wrapf(ErrCorrupt, "timestamp %q", n.String())
		}
		ms = int64(f)
	}
	delete(m, TimestampField)
	return Entry{Data: m, Timestamp: time.UnixMilli(ms)}, nil
}
