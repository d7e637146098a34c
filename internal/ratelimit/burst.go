package ratelimit

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/brandplot/brandplot-server/internal/httpmw"
)

// visitor tracks one client's bucket and last activity
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
	// logged tracks whether the first-denial hook already ran for this entry,
	// resets when the entry is evicted and re-created
	logged bool
}

// Burst holds per-client token buckets with background eviction
type Burst struct {
	mu       sync.Mutex
	visitors map[string]*visitor

	perSecond rate.Limit
	burst     int

	// ttl is how long an idle client stays in the map before eviction
	ttl time.Duration

	// maxVisitors caps the map; new clients are rejected once it is full.
	// 0 disables the cap.
	maxVisitors int
	// atCapacity is set on the first capacity rejection and cleared when
	// eviction frees room, so OnCapacity fires once per episode
	atCapacity bool

	// OnFirstDenied is called once per visitor entry when it is first limited
	OnFirstDenied func(id string)

	// OnDenied is called on every denied request
	OnDenied func(id string)

	// OnCapacity is called when a new client is turned away because the map is full
	OnCapacity func()
}

type Option func(*Burst)

// WithRate sets the refill rate and bucket size.
// WithRate(10, 50) allows 50 requests at once, then refills at 10 per second.
func WithRate(perSecond float64, burst int) Option {
	return func(l *Burst) {
		l.perSecond = rate.Limit(perSecond)
		l.burst = burst
	}
}

// WithTTL controls how long an idle client stays in the map before cleanup
func WithTTL(d time.Duration) Option {
	return func(l *Burst) {
		l.ttl = d
	}
}

// WithMaxVisitors caps the number of tracked clients, 0 means unlimited
func WithMaxVisitors(n int) Option {
	return func(l *Burst) {
		l.maxVisitors = n
	}
}

// WithOnFirstDenied sets a callback for the first denial per visitor, used for logging
func WithOnFirstDenied(fn func(id string)) Option {
	return func(l *Burst) {
		l.OnFirstDenied = fn
	}
}

// WithOnDenied sets a callback for every denied request, used for metrics
func WithOnDenied(fn func(id string)) Option {
	return func(l *Burst) {
		l.OnDenied = fn
	}
}

// WithOnCapacity sets a callback for when the visitor map is full
func WithOnCapacity(fn func()) Option {
	return func(l *Burst) {
		l.OnCapacity = fn
	}
}

// NewBurst creates a Burst limiter and starts the cleanup goroutine, which
// stops when ctx is cancelled
func NewBurst(ctx context.Context, opts ...Option) *Burst {
	l := &Burst{
		visitors:    make(map[string]*visitor),
		perSecond:   10,
		burst:       30,
		ttl:         5 * time.Minute,
		maxVisitors: 100000,
	}
	for _, o := range opts {
		o(l)
	}
	go l.cleanup(ctx)
	return l
}

// allow reports whether id may proceed, creating its visitor entry if needed.
func (l *Burst) allow(id string) bool {
	l.mu.Lock()
	v, exists := l.visitors[id]
	if !exists {
		if l.maxVisitors > 0 && len(l.visitors) >= l.maxVisitors {
			first := !l.atCapacity
			l.atCapacity = true
			l.mu.Unlock()
			if first && l.OnCapacity != nil {
				l.OnCapacity()
			}
			if l.OnDenied != nil {
				l.OnDenied(id)
			}
			return false
		}
		v = &visitor{
			limiter: rate.NewLimiter(l.perSecond, l.burst),
		}
		l.visitors[id] = v
	}
	v.lastSeen = time.Now()
	allowed := v.limiter.Allow()

	firstDenial := !allowed && !v.logged
	if firstDenial {
		v.logged = true
	}
	// hooks may be slow, run them without the lock
	l.mu.Unlock()

	if firstDenial && l.OnFirstDenied != nil {
		l.OnFirstDenied(id)
	}
	if !allowed && l.OnDenied != nil {
		l.OnDenied(id)
	}
	return allowed
}

// Len returns the number of tracked clients.
func (l *Burst) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.visitors)
}

// cleanup evicts visitors idle longer than ttl, every ttl/2
func (l *Burst) cleanup(ctx context.Context) {
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.mu.Lock()
			for id, v := range l.visitors {
				if now.Sub(v.lastSeen) > l.ttl {
					delete(l.visitors, id)
				}
			}
			if l.maxVisitors <= 0 || len(l.visitors) < l.maxVisitors {
				l.atCapacity = false
			}
			l.mu.Unlock()
		}
	}
}

// Middleware rejects requests over the per-client rate with 429
func (l *Burst) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := httpmw.ClientIPFromContext(r.Context())
		if id == "" {
			id = httpmw.UnknownClientID
		}

		if !l.allow(id) {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.Header().Set("Retry-After", "30")
			w.WriteHeader(http.StatusTooManyRequests)
			// no detail about limits or refill time
			_, _ = w.Write([]byte(`{"error":"too many requests"}`))
			return
		}

		next.ServeHTTP(w, r)
	})
}
