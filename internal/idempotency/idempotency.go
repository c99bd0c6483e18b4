// Package idempotency caches submission outcomes so that a retried request
// with the same client_request_id returns the original task instead of
// enqueuing a duplicate. A content-scoped key (ContentHash) is also
// provided; the gateway's submission path does not consult it.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"
)

// Entry is what gets cached for a submission: enough to reconstruct the
// original 202 response.
type Entry struct {
	TaskID    string
	CreatedAt time.Time
}

// Backend is the storage side of the cache. MemoryBackend is used for a
// single gateway process; a Redis-backed implementation would let multiple
// gateway replicas share the same cache (see the multi-replica open
// question), but only the in-process backend is wired today.
type Backend interface {
	Get(ctx context.Context, key string) (*Entry, bool, error)
	Put(ctx context.Context, key string, e *Entry, ttl time.Duration) error
}

// Store is the public API the gateway calls. The caller supplies the key:
// ClientRequestKey for client_request_id-scoped lookups, or ContentHash for
// content-scoped ones. Only the client_request_id-scoped path is wired into
// the submission flow.
type Store struct {
	backend Backend
	ttl     time.Duration
}

// NewStore builds a Store over the given backend.
func NewStore(backend Backend, ttl time.Duration) *Store {
	return &Store{backend: backend, ttl: ttl}
}

// ContentHash derives a stable content-scoped idempotency key from a
// request body. A JSON body is hashed in canonical form (object keys sorted,
// insignificant whitespace dropped), so bodies that differ only in key order
// or spacing share a key; a body that is not valid JSON is hashed as-is. It
// is exposed for future wiring (see Open Questions) but not currently
// consulted by the submission path.
func ContentHash(apiKey string, body []byte) string {
	canonical := body
	var v interface{}
	if err := json.Unmarshal(body, &v); err == nil {
		if b, err := json.Marshal(v); err == nil {
			canonical = b
		}
	}
	h := sha256.New()
	h.Write([]byte(apiKey))
	h.Write([]byte{0})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil))
}

// ClientRequestKey builds the cache key used for client_request_id-scoped
// lookups, namespaced per API key so two tenants can't collide.
func ClientRequestKey(apiKey, clientRequestID string) string {
	return "crid:" + apiKey + ":" + clientRequestID
}

// Lookup returns the cached entry for key, if any.
func (s *Store) Lookup(ctx context.Context, key string) (*Entry, bool, error) {
	return s.backend.Get(ctx, key)
}

// Record caches taskID against key for the store's configured TTL.
func (s *Store) Record(ctx context.Context, key, taskID string) error {
	return s.backend.Put(ctx, key, &Entry{TaskID: taskID, CreatedAt: time.Now()}, s.ttl)
}

// MemoryBackend is a mutex-guarded map with a periodic sweep for expired
// entries, in the style of the teacher's lock janitor: a ticker-driven
// goroutine deletes expired entries, and Get also treats an entry past its
// expiry as absent so a lookup between sweeps never returns a stale task.
type MemoryBackend struct {
	mu      sync.Mutex
	entries map[string]memEntry
}

type memEntry struct {
	entry     Entry
	expiresAt time.Time
}

// NewMemoryBackend starts the janitor goroutine on ctx and returns the
// backend. The goroutine exits when ctx is canceled.
func NewMemoryBackend(ctx context.Context, sweepInterval time.Duration) *MemoryBackend {
	b := &MemoryBackend{entries: make(map[string]memEntry)}
	go b.sweepLoop(ctx, sweepInterval)
	return b
}

func (b *MemoryBackend) sweepLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.sweep()
		}
	}
}

func (b *MemoryBackend) sweep() {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, v := range b.entries {
		if now.After(v.expiresAt) {
			delete(b.entries, k)
		}
	}
}

// Get implements Backend.
func (b *MemoryBackend) Get(ctx context.Context, key string) (*Entry, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.entries[key]
	if !ok || time.Now().After(v.expiresAt) {
		return nil, false, nil
	}
	e := v.entry
	return &e, true, nil
}

// Put implements Backend.
func (b *MemoryBackend) Put(ctx context.Context, key string, e *Entry, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[key] = memEntry{entry: *e, expiresAt: time.Now().Add(ttl)}
	return nil
}

// marshalEntry/unmarshalEntry exist so a Redis-backed Backend can reuse the
// same wire shape as MemoryBackend without the Store package needing to
// know about it.
func marshalEntry(e *Entry) ([]byte, error) { return json.Marshal(e) }
func unmarshalEntry(b []byte) (*Entry, error) {
	var e Entry
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
