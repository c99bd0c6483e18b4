package idempotency

import (
	"context"
	"testing"
	"time"
)

func TestStoreRecordAndLookup(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend := NewMemoryBackend(ctx, time.Hour)
	store := NewStore(backend, time.Minute)

	key := ClientRequestKey("api-key-1", "req-123")
	if _, found, err := store.Lookup(ctx, key); err != nil || found {
		t.Fatalf("expected no entry before Record, found=%v err=%v", found, err)
	}

	if err := store.Record(ctx, key, "task-abc"); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	entry, found, err := store.Lookup(ctx, key)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if !found {
		t.Fatal("expected entry to be found after Record")
	}
	if entry.TaskID != "task-abc" {
		t.Errorf("entry.TaskID = %q, want task-abc", entry.TaskID)
	}
}

func TestMemoryBackendExpires(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend := NewMemoryBackend(ctx, time.Hour)
	if err := backend.Put(ctx, "k", &Entry{TaskID: "t1"}, 10*time.Millisecond); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	time.Sleep(30 * time.Millisecond)

	if _, found, _ := backend.Get(ctx, "k"); found {
		t.Fatal("expected entry to be expired")
	}
}

func TestClientRequestKeyNamespacesByAPIKey(t *testing.T) {
	a := ClientRequestKey("key-1", "req-1")
	b := ClientRequestKey("key-2", "req-1")
	if a == b {
		t.Fatal("expected different API keys to produce different idempotency keys for the same client_request_id")
	}
}
