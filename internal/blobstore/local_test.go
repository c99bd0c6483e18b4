package blobstore

import (
	"bytes"
	"context"
	"testing"
)

func TestLocalStorePutGetURL(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalStore(dir)
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}

	ctx := context.Background()
	data := []byte("png-bytes-here")
	if err := store.Put(ctx, "task-1.png", data, "image/png"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := store.Get(ctx, "task-1.png")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("Get returned %v, want %v", got, data)
	}

	url, err := store.URL(ctx, "task-1.png")
	if err != nil {
		t.Fatalf("URL failed: %v", err)
	}
	if url == "" {
		t.Error("expected a non-empty URL")
	}
}

func TestLocalStoreGetMissingKey(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalStore(dir)
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}
	if _, err := store.Get(context.Background(), "missing.png"); err == nil {
		t.Fatal("expected an error reading a missing key")
	}
}
