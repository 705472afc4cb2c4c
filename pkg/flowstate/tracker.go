// Package flowstate keeps short-lived, process-local OAuth flow state such as pending
// authorizations and authorization codes.
package flowstate

import (
	"sync"
	"time"

	"github.com/obot-platform/mcp-oauth-vault/pkg/encryption"
)

type entry[T any] struct {
	value     T
	createdAt time.Time
}

// Tracker maps random keys to values that expire after a fixed TTL. A zero TTL disables expiry.
type Tracker[T any] struct {
	mu      sync.Mutex
	entries map[string]entry[T]
	ttl     time.Duration
	now     func() time.Time
}

// NewTracker creates an empty tracker.
func NewTracker[T any](ttl time.Duration) *Tracker[T] {
	return &Tracker[T]{
		entries: make(map[string]entry[T]),
		ttl:     ttl,
		now:     time.Now,
	}
}

// SetClock replaces the time source.
func (t *Tracker[T]) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}

func (t *Tracker[T]) expired(e entry[T], now time.Time) bool {
	return t.ttl > 0 && now.Sub(e.createdAt) >= t.ttl
}

// Insert stores value under a new random key and returns the key.
func (t *Tracker[T]) Insert(value T) string {
	key := encryption.GenerateToken()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[key] = entry[T]{value: value, createdAt: t.now()}
	return key
}

// Get returns the value for key without consuming it. Expired entries are removed and reported
// as absent.
func (t *Tracker[T]) Get(key string) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lookup(key, false)
}

// Take returns the value for key and removes it. Concurrent callers for the same key see at most
// one success.
func (t *Tracker[T]) Take(key string) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lookup(key, true)
}

func (t *Tracker[T]) lookup(key string, remove bool) (T, bool) {
	var zero T
	e, ok := t.entries[key]
	if !ok {
		return zero, false
	}
	if t.expired(e, t.now()) {
		delete(t.entries, key)
		return zero, false
	}
	if remove {
		delete(t.entries, key)
	}
	return e.value, true
}

// Delete removes key if present.
func (t *Tracker[T]) Delete(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, key)
}

// Sweep evicts all expired entries and returns how many were removed.
func (t *Tracker[T]) Sweep() int {
	if t.ttl <= 0 {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	count := 0
	for key, e := range t.entries {
		if t.expired(e, now) {
			delete(t.entries, key)
			count++
		}
	}
	return count
}

// Len returns the number of tracked entries, expired or not.
func (t *Tracker[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
