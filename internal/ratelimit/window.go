package ratelimit

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/brandplot/brandplot-server/internal/httpmw"
)

const (
	DefaultMaxRequests   = 3
	DefaultWindow        = 24 * time.Hour
	DefaultSweepInterval = 30 * time.Minute
)

// record is the counter for one identifier within its current window.
type record struct {
	count     int
	resetTime time.Time
}

// Decision is the outcome of a quota check.
type Decision struct {
	Allowed   bool
	Remaining int
	// ResetTime is when the current window ends. Zero from Peek when the
	// identifier has no open window.
	ResetTime time.Time
	Limit     int
}

// Window is a fixed-window request quota keyed by client identifier.
type Window struct {
	mu      sync.Mutex
	records map[string]*record

	max        int
	window     time.Duration
	sweepEvery time.Duration
	now        func() time.Time

	onDenied func(id string)
	onSweep  func(removed, remaining int)

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

type WindowOption func(*Window)

// WithMaxRequests sets how many requests an identifier gets per window.
func WithMaxRequests(n int) WindowOption {
	return func(w *Window) {
		if n > 0 {
			w.max = n
		}
	}
}

// WithWindow sets the window length, counted from an identifier's first
// request in the window.
func WithWindow(d time.Duration) WindowOption {
	return func(w *Window) {
		if d > 0 {
			w.window = d
		}
	}
}

// WithSweepInterval controls how often expired records are dropped.
func WithSweepInterval(d time.Duration) WindowOption {
	return func(w *Window) {
		if d > 0 {
			w.sweepEvery = d
		}
	}
}

func WithClock(now func() time.Time) WindowOption {
	return func(w *Window) {
		if now != nil {
			w.now = now
		}
	}
}

// WithOnQuotaDenied is called on every denied Check, outside the lock.
func WithOnQuotaDenied(fn func(id string)) WindowOption {
	return func(w *Window) {
		w.onDenied = fn
	}
}

// WithOnSweep is called after each background sweep with the number of
// records removed and the number still tracked.
func WithOnSweep(fn func(removed, remaining int)) WindowOption {
	return func(w *Window) {
		w.onSweep = fn
	}
}

// NewWindow creates a Window and starts its sweep goroutine, which runs
// until ctx is cancelled or Stop is called.
func NewWindow(ctx context.Context, opts ...WindowOption) *Window {
	w := &Window{
		records:    make(map[string]*record),
		max:        DefaultMaxRequests,
		window:     DefaultWindow,
		sweepEvery: DefaultSweepInterval,
		now:        time.Now,
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}
	ctx, w.cancel = context.WithCancel(ctx)
	go w.sweepLoop(ctx)
	return w
}

// Limit returns the configured requests per window.
func (w *Window) Limit() int { return w.max }

// Check consumes one request for id and reports whether it is allowed.
func (w *Window) Check(id string) Decision {
	now := w.now()

	w.mu.Lock()
	r, ok := w.records[id]
	if !ok || now.After(r.resetTime) {
		r = &record{count: 1, resetTime: now.Add(w.window)}
		w.records[id] = r
		d := Decision{Allowed: true, Remaining: w.max - 1, ResetTime: r.resetTime, Limit: w.max}
		w.mu.Unlock()
		return d
	}
	if r.count < w.max {
		r.count++
		d := Decision{Allowed: true, Remaining: w.max - r.count, ResetTime: r.resetTime, Limit: w.max}
		w.mu.Unlock()
		return d
	}
	d := Decision{Allowed: false, Remaining: 0, ResetTime: r.resetTime, Limit: w.max}
	w.mu.Unlock()

	if w.onDenied != nil {
		w.onDenied(id)
	}
	return d
}

// Peek reports the quota state for id without consuming a request.
func (w *Window) Peek(id string) Decision {
	now := w.now()

	w.mu.Lock()
	defer w.mu.Unlock()

	r, ok := w.records[id]
	if !ok || now.After(r.resetTime) {
		return Decision{Allowed: true, Remaining: w.max, Limit: w.max}
	}
	rem := w.max - r.count
	if rem < 0 {
		rem = 0
	}
	return Decision{Allowed: rem > 0, Remaining: rem, ResetTime: r.resetTime, Limit: w.max}
}

// Sweep drops every record whose window has ended and returns how many
// were removed.
func (w *Window) Sweep() int {
	now := w.now()
	n := 0
	w.mu.Lock()
	for id, r := range w.records {
		if now.After(r.resetTime) {
			delete(w.records, id)
			n++
		}
	}
	w.mu.Unlock()
	return n
}

// Len returns the number of tracked identifiers.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.records)
}

// Stop halts the sweep goroutine and waits for it to exit. Safe to call
// more than once.
func (w *Window) Stop() {
	w.stopOnce.Do(w.cancel)
	<-w.done
}

func (w *Window) sweepLoop(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := w.Sweep()
			if w.onSweep != nil {
				w.onSweep(n, w.Len())
			}
		}
	}
}

type deniedBody struct {
	Error     string    `json:"error"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetTime time.Time `json:"reset_time"`
}

// Middleware charges one request per call against the client identifier
// resolved by httpmw.ClientIP and answers 429 once the quota is spent.
func (w *Window) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		id := httpmw.ClientIPFromContext(r.Context())
		if id == "" {
			id = httpmw.UnknownClientID
		}

		d := w.Check(id)
		SetQuotaHeaders(rw.Header(), d)

		if !d.Allowed {
			retry := int(math.Ceil(d.ResetTime.Sub(w.now()).Seconds()))
			if retry < 1 {
				retry = 1
			}
			rw.Header().Set("Retry-After", strconv.Itoa(retry))
			rw.Header().Set("Content-Type", "application/json; charset=utf-8")
			rw.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(rw).Encode(deniedBody{
				Error:     "rate limit exceeded",
				Limit:     d.Limit,
				Remaining: 0,
				ResetTime: d.ResetTime.UTC(),
			})
			return
		}

		next.ServeHTTP(rw, r)
	})
}

// SetQuotaHeaders writes the X-RateLimit-* headers for d. Reset is omitted
// when d has no open window.
func SetQuotaHeaders(h http.Header, d Decision) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	if !d.ResetTime.IsZero() {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetTime.Unix(), 10))
	}
}
