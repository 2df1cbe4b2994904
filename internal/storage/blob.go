// Package storage holds the durable backends behind the face store: a local
// directory, a MinIO bucket, or memory for tests.
package storage

import (
	"context"
	"os"
	"path"
	"strings"
)

// ErrNotFound is returned by Get when a blob does not exist. It maps to
// os.ErrNotExist so errors.Is works for both backends.
var ErrNotFound = os.ErrNotExist

// BlobStore stores opaque byte payloads under slash-separated keys.
type BlobStore interface {
	// Put writes data under key, atomically replacing any previous version.
	Put(ctx context.Context, key string, data []byte) error
	// Get returns the payload stored under key or an error satisfying
	// errors.Is(err, ErrNotFound).
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// List returns all keys under prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
	// Ping checks the backend is reachable.
	Ping(ctx context.Context) error
}

// contentType guesses the MIME type stored alongside an object.
func contentType(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".json":
		return "application/json"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	default:
		return "application/octet-stream"
	}
}
