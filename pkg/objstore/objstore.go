// Package objstore abstracts captured-frame storage. The S3 store talks
// to any S3-compatible endpoint; the local store writes to disk and is
// the default when no object storage is configured.
package objstore

import (
	"context"
	"time"
)

// Store persists immutable blobs under hierarchical keys.
type Store interface {
	// Put stores data under key with the given content type. Keys are
	// written at most once per content; overwrites with identical bytes
	// are harmless.
	Put(ctx context.Context, key string, data []byte, contentType string) error

	// PresignGet returns a URL from which the blob can be fetched for
	// at most ttl. Local stores return a server-relative path instead.
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}
