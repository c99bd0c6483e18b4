// Package blobstore externalizes large result artifacts (e.g. generated
// images) under a caller-chosen key (the worker derives it from the task ID),
// so the task broker only ever carries a reference rather than raw bytes.
package blobstore

import "context"

// Store is the common interface both backends satisfy. A result envelope
// holds the blob_key passed to Put and the blob_url returned by URL.
type Store interface {
	// Put persists data under key, replacing any existing object.
	Put(ctx context.Context, key string, data []byte, contentType string) error

	// Get retrieves previously-stored data by key.
	Get(ctx context.Context, key string) ([]byte, error)

	// URL returns a retrievable URL for key (a presigned GET for S3, a
	// file:// path for local storage).
	URL(ctx context.Context, key string) (string, error)
}

// Backend names the two supported blob store kinds.
type Backend string

const (
	BackendLocal Backend = "local"
	BackendS3    Backend = "s3"
)
