// Package blob stores binary artifacts: uploaded voice samples and rendered
// narration audio.
package blob

import (
	"context"
	"errors"
	"io"
)

var ErrNotFound = errors.New("blob not found")

// Store is a flat keyed byte store.
type Store interface {
	// Put writes the full contents of r under key, overwriting any
	// previous value.
	Put(ctx context.Context, key, contentType string, r io.Reader) error
	// Get opens the blob for reading. The caller closes the reader.
	Get(ctx context.Context, key string) (io.ReadCloser, string, error)
	Delete(ctx context.Context, key string) error
	// URL returns a path clients can fetch the blob from, or "" when the
	// backend has no direct URL and the blob must be streamed through the
	// API.
	URL(key string) string
}
