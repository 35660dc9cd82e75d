package ingest

import (
	"sync"
	"time"
)

// recencySet is the in-memory fast path of the dedupe gate: a TTL map of
// recently consumed keys, checked before the durable store is hit. Safe for
// concurrent use.
type recencySet struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
}

func newRecencySet(ttl time.Duration) *recencySet {
	return &recencySet{
		seen: make(map[string]time.Time),
		ttl:  ttl,
	}
}

// contains reports whether the key was recorded within the TTL window.
func (r *recencySet) contains(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	last, ok := r.seen[key]
	return ok && time.Since(last) < r.ttl
}

// add records the key. Callers add only after the durable dedupe mark
// succeeds, so a transient store error never poisons the retry path.
func (r *recencySet) add(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen[key] = time.Now()
}

// cleanup drops expired entries. Call periodically to bound memory.
func (r *recencySet) cleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	for key, ts := range r.seen {
		if now.Sub(ts) >= r.ttl {
			delete(r.seen, key)
		}
	}
}
