// Package kvstore is the durable byte store behind the result cache.
//
// Every backend stores opaque values under string keys and accepts a ttl
// hint. The hint only reclaims space: it is padded by ReclaimSlack so a
// backend never drops a value before the caller's own expiry, and the
// caller stays responsible for deciding when a value is stale and deleting
// it.
package kvstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist or has expired.
var ErrNotFound = errors.New("kvstore: not found")

type Store interface {
	// Get returns the stored value or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Put stores value under key, replacing any previous value. A ttl <= 0
	// means no expiry hint.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// ReclaimSlack pads every ttl hint.
const ReclaimSlack = time.Second

// reclaimTTL is the padded hint, zero when ttl asks for no expiry.
func reclaimTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return 0
	}
	return ttl + ReclaimSlack
}

// reclaimAt is the padded hint as a unix second, rounded up. Zero when ttl
// asks for no expiry.
func reclaimAt(now time.Time, ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	at := now.Add(reclaimTTL(ttl))
	sec := at.Unix()
	if at.Nanosecond() > 0 {
		sec++
	}
	return sec
}

// Pinger is implemented by backends that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}
