// Package attach is the attachment-store collaborator boundary: it stores and
// serves file bytes. The chat core only consumes the metadata it returns and
// never inspects blob content.
package attach

import (
	"context"
	"errors"
	"io"
)

// DefaultMaxBytes caps the size of a single attachment blob.
const DefaultMaxBytes = 25 << 20 // 25 MiB

var (
	// ErrNotFound reports a missing blob path.
	ErrNotFound = errors.New("attachment not found")
	// ErrTooLarge rejects a blob exceeding the configured size cap.
	ErrTooLarge = errors.New("attachment too large")
)

// Info is the stored attachment metadata handed back to the messaging core.
// Filename is unique per upload; Path addresses the blob (content hash, so
// identical bytes share one blob).
type Info struct {
	Filename     string
	OriginalName string
	Path         string
	Size         int64
	Mimetype     string
}

// Store persists and serves attachment blobs.
type Store interface {
	Save(ctx context.Context, originalName, mimetype string, r io.Reader) (Info, error)
	Open(ctx context.Context, path string) (io.ReadCloser, error)
	Exists(ctx context.Context, path string) (bool, error)
	Close() error
}
