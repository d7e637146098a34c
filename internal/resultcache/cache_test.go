package resultcache

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/brandplot/brandplot-server/internal/kvstore"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestCache(t *testing.T) (*Cache, *kvstore.Memory, *clock, *[]Event) {
	t.Helper()
	clk := &clock{t: time.UnixMilli(1_700_000_000_123)}
	store := kvstore.NewMemory()
	var events []Event
	c := New(store, "brandplot:result:acme-brandplot",
		WithClock(clk.now),
		WithObserver(func(e Event) { events = append(events, e) }),
	)
	return c, store, clk, &events
}

// failingStore fails every call with err.
type failingStore struct{ err error }

func (f failingStore) Get(context.Context, string) ([]byte, error) { return nil, f.err }
func (f failingStore) Put(context.Context, string, []byte, time.Duration) error { return f.err }
func (f failingStore) Delete(context.Context, string) error { return f.err }

func TestSetGet_RoundTrip(t *testing.T) {
	c, _, clk, _ := newTestCache(t)
	ctx := t.Context()

	payload := map[string]any{"name": "Acme", "palette": []any{"#000", "#fff"}, "score": json.Number("4.5")}
	if err := c.Set(ctx, payload); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, ok := c.Get(ctx)
	if !ok {
		t.Fatal("Get after Set reported absent")
	}
	if !reflect.DeepEqual(got.Data, payload) {
		t.Fatalf("Data = %#v, want %#v", got.Data, payload)
	}
	if got.Timestamp.UnixMilli() != clk.t.UnixMilli() {
		t.Fatalf("Timestamp = %d, want %d", got.Timestamp.UnixMilli(), clk.t.UnixMilli())
	}

	m := got.Map()
	if m[TimestampField] != clk.t.UnixMilli() {
		t.Fatalf("Map timestamp = %v", m[TimestampField])
	}
	if m["name"] != "Acme" {
		t.Fatalf("Map name = %v", m["name"])
	}
}

func TestSetGet_LargeIntegersExact(t *testing.T) {
	c, _, _, _ := newTestCache(t)
	ctx := t.Context()

	// 2^53 + 1 is the first integer a float64 cannot hold
	const big int64 = 9007199254740993
	if err := c.Set(ctx, map[string]any{"id": big, "ratio": 0.1}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok := c.Get(ctx)
	if !ok {
		t.Fatal("absent")
	}
	n, isNum := got.Data["id"].(json.Number)
	if !isNum {
		t.Fatalf("id = %T, want json.Number", got.Data["id"])
	}
	if v, err := n.Int64(); err != nil || v != big {
		t.Fatalf("id = %s, want %d", n, big)
	}
	if got.Data["ratio"] != json.Number("0.1") {
		t.Fatalf("ratio = %v", got.Data["ratio"])
	}

	raw, err := json.Marshal(got.Map())
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !strings.Contains(string(raw), `"id":9007199254740993`) {
		t.Fatalf("serialized = %s", raw)
	}
}

func TestSet_TimestampKeyIsReserved(t *testing.T) {
	c, _, clk, _ := newTestCache(t)
	ctx := t.Context()

	_ = c.Set(ctx, map[string]any{"a": 1.0, TimestampField: 42.0})
	got, ok := c.Get(ctx)
	if !ok {
		t.Fatal("absent")
	}
	if _, present := got.Data[TimestampField]; present {
		t.Fatal("payload should not carry timestamp")
	}
	if !got.Timestamp.Equal(time.UnixMilli(clk.t.UnixMilli())) {
		t.Fatalf("Timestamp = %v, want stamp", got.Timestamp)
	}
}

func TestSet_DoesNotAliasCaller(t *testing.T) {
	c, _, _, _ := newTestCache(t)
	ctx := t.Context()
	in := map[string]any{"a": 1.0}
	_ = c.Set(ctx, in)
	if _, ok := in[TimestampField]; ok {
		t.Fatal("Set mutated caller map")
	}
}

func TestGet_Missing(t *testing.T) {
	c, _, _, events := newTestCache(t)
	if _, ok := c.Get(t.Context()); ok {
		t.Fatal("expected absent")
	}
	if len(*events) != 1 || (*events)[0] != EventMiss {
		t.Fatalf("events = %v, want [miss]", *events)
	}
}

func TestGet_ExpiryDeletesRecord(t *testing.T) {
	c, store, clk, events := newTestCache(t)
	ctx := t.Context()
	_ = c.Set(ctx, map[string]any{"a": 1.0})

	clk.advance(DefaultTTL)
	if _, ok := c.Get(ctx); !ok {
		t.Fatal("record exactly TTL old should still be valid")
	}

	clk.advance(time.Millisecond)
	if _, ok := c.Get(ctx); ok {
		t.Fatal("record past TTL should be absent")
	}
	if _, err := store.Get(ctx, c.Key()); !errors.Is(err, kvstore.ErrNotFound) {
		t.Fatalf("storage entry should be removed, Get = %v", err)
	}
	if last := (*events)[len(*events)-1]; last != EventExpired {
		t.Fatalf("last event = %s, want expired", last)
	}
}

func TestGet_CustomTTL(t *testing.T) {
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	c := New(kvstore.NewMemory(), "k", WithClock(clk.now), WithTTL(time.Hour))
	ctx := t.Context()
	_ = c.Set(ctx, map[string]any{"a": 1.0})
	clk.advance(time.Hour + time.Second)
	if _, ok := c.Get(ctx); ok {
		t.Fatal("expected expiry after 1h ttl")
	}
	if c.TTL() != time.Hour {
		t.Fatalf("TTL = %s", c.TTL())
	}
}

func TestGet_CorruptReadsAbsent(t *testing.T) {
	tests := map[string]string{
		"not json":          "{{{",
		"array":             `[1,2,3]`,
		"null":              `null`,
		"missing timestamp": `{"a":1}`,
		"string timestamp":  `{"a":1,"timestamp":"yesterday"}`,
		"trailing data":     `{"a":1,"timestamp":1}{}`,
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			c, store, _, events := newTestCache(t)
			ctx := t.Context()
			_ = store.Put(ctx, c.Key(), []byte(raw), 0)

			if _, ok := c.Get(ctx); ok {
				t.Fatal("corrupt record should read as absent")
			}
			if (*events)[0] != EventCorrupt {
				t.Fatalf("events = %v, want corrupt", *events)
			}
			// corrupt records are left in place
			if _, err := store.Get(ctx, c.Key()); err != nil {
				t.Fatalf("corrupt record removed: %v", err)
			}
		})
	}
}

func TestUpdate_MergesAndRestamps(t *testing.T) {
	c, _, clk, _ := newTestCache(t)
	ctx := t.Context()
	_ = c.Set(ctx, map[string]any{"a": 1.0, "b": 2.0})
	first, _ := c.Get(ctx)

	clk.advance(time.Hour)
	ok, err := c.Update(ctx, map[string]any{"b": 3.0})
	if err != nil || !ok {
		t.Fatalf("Update = (%v, %v), want (true, nil)", ok, err)
	}

	got, _ := c.Get(ctx)
	want := map[string]any{"a": json.Number("1"), "b": json.Number("3")}
	if !reflect.DeepEqual(got.Data, want) {
		t.Fatalf("Data = %#v, want %#v", got.Data, want)
	}
	if !got.Timestamp.After(first.Timestamp) {
		t.Fatalf("Timestamp %v not refreshed past %v", got.Timestamp, first.Timestamp)
	}
}

func TestUpdate_SlidingExpiry(t *testing.T) {
	c, _, clk, _ := newTestCache(t)
	ctx := t.Context()
	_ = c.Set(ctx, map[string]any{"a": 1.0})

	clk.advance(20 * time.Hour)
	_, _ = c.Update(ctx, map[string]any{"b": 2.0})
	clk.advance(20 * time.Hour)

	if _, ok := c.Get(ctx); !ok {
		t.Fatal("ttl should count from the last update")
	}
}

func TestUpdate_MissingIsNoop(t *testing.T) {
	c, store, _, _ := newTestCache(t)
	ctx := t.Context()

	ok, err := c.Update(ctx, map[string]any{"b": 3.0})
	if err != nil || ok {
		t.Fatalf("Update = (%v, %v), want (false, nil)", ok, err)
	}
	if _, ok := c.Get(ctx); ok {
		t.Fatal("Update on empty cache created a record")
	}
	if store.Len() != 0 {
		t.Fatalf("store Len = %d, want 0", store.Len())
	}
}

func TestUpdateEntry_ReturnsMerged(t *testing.T) {
	c, _, _, _ := newTestCache(t)
	ctx := t.Context()
	_ = c.Set(ctx, map[string]any{"a": 1.0})

	e, ok, err := c.UpdateEntry(ctx, map[string]any{"c": "x"})
	if err != nil || !ok {
		t.Fatalf("UpdateEntry = (%v, %v)", ok, err)
	}
	if e.Data["a"] != json.Number("1") || e.Data["c"] != "x" {
		t.Fatalf("merged = %#v", e.Data)
	}
}

func TestClear_Idempotent(t *testing.T) {
	c, _, _, _ := newTestCache(t)
	ctx := t.Context()
	_ = c.Set(ctx, map[string]any{"a": 1.0})

	if err := c.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if err := c.Clear(ctx); err != nil {
		t.Fatalf("second Clear: %v", err)
	}
	if _, ok := c.Get(ctx); ok {
		t.Fatal("record present after Clear")
	}
}

func TestStoreFailures_FailOpen(t *testing.T) {
	boom := errors.New("storage unavailable")
	var events []Event
	c := New(failingStore{err: boom}, "k", WithObserver(func(e Event) { events = append(events, e) }))
	ctx := t.Context()

	if err := c.Set(ctx, map[string]any{"a": 1.0}); !errors.Is(err, boom) {
		t.Fatalf("Set err = %v, want wrapped %v", err, boom)
	}
	if _, ok := c.Get(ctx); ok {
		t.Fatal("Get should read absent on storage failure")
	}
	if ok, err := c.Update(ctx, map[string]any{"a": 2.0}); ok || err != nil {
		t.Fatalf("Update = (%v, %v), want no-op", ok, err)
	}
	if err := c.Clear(ctx); !errors.Is(err, boom) {
		t.Fatalf("Clear err = %v", err)
	}

	want := []Event{EventWriteError, EventReadError, EventReadError, EventDeleteError}
	if !reflect.DeepEqual(events, want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
}

func TestNamespace_For(t *testing.T) {
	store := kvstore.NewMemory()
	ns := NewNamespace(store, "brandplot:result:", WithTTL(time.Hour))
	ctx := t.Context()

	a := ns.For("acme-brandplot")
	b := ns.For("globex-brandplot")
	if a.Key() != "brandplot:result:acme-brandplot" {
		t.Fatalf("Key = %q", a.Key())
	}
	if a.TTL() != time.Hour {
		t.Fatalf("TTL = %s", a.TTL())
	}

	_ = a.Set(ctx, map[string]any{"who": "acme"})
	if _, ok := b.Get(ctx); ok {
		t.Fatal("namespaced caches should not share records")
	}
	got, ok := ns.For("acme-brandplot").Get(ctx)
	if !ok || got.Data["who"] != "acme" {
		t.Fatalf("Get via new handle = (%v, %v)", got.Data, ok)
	}
}
