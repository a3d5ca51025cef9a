package store

import (
	"context"
	"io"
)

// PayloadStore handles file-backed part payloads.
// Implementations can support a local directory, S3, GCS, etc.
type PayloadStore interface {
	// Upload stores content and returns a URI for later retrieval.
	Upload(ctx context.Context, filename, contentType string, content io.Reader) (uri string, err error)

	// Load returns a reader for the payload content.
	// Caller is responsible for closing the reader.
	Load(ctx context.Context, uri string) (io.ReadCloser, error)

	// Delete removes the payload from storage.
	Delete(ctx context.Context, uri string) error
}

// PayloadReleaser receives the payload paths of parts that were removed.
// It is called after the removing transaction has committed, never for a
// transaction that rolled back.
type PayloadReleaser interface {
	ReleasePayloads(ctx context.Context, paths []string)
}

// PayloadReleaserFunc adapts a function to PayloadReleaser.
type PayloadReleaserFunc func(ctx context.Context, paths []string)

// ReleasePayloads implements PayloadReleaser.
func (f PayloadReleaserFunc) ReleasePayloads(ctx context.Context, paths []string) {
	f(ctx, paths)
}
