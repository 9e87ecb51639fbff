package attach

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

const blobKeyPrefix = "blob/"

// PebbleStore keeps attachment blobs in a local pebble database, keyed by the
// blake2b digest of their content. Identical uploads share one blob.
type PebbleStore struct {
	db       *pebble.DB
	maxBytes int64
}

// PebbleOption configures PebbleStore behavior.
type PebbleOption func(*PebbleStore) error

// WithMaxBytes caps single-blob size (default DefaultMaxBytes).
func WithMaxBytes(n int64) PebbleOption {
	return func(s *PebbleStore) error {
		if n <= 0 {
			return errors.New("attach: non-positive max bytes")
		}
		s.maxBytes = n
		return nil
	}
}

// NewPebbleStore opens (or creates) the blob database at dir.
func NewPebbleStore(dir string, opts ...PebbleOption) (*PebbleStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("attach: empty dir")
	}

	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open blob db: %w", err)
	}

	st := &PebbleStore{db: db, maxBytes: DefaultMaxBytes}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return st, nil
}

// Close closes the underlying database.
func (s *PebbleStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save stores the blob and returns its metadata. The path is the content
// digest, so a re-upload of identical bytes writes nothing.
func (s *PebbleStore) Save(ctx context.Context, originalName, mimetype string, r io.Reader) (Info, error) {
	if s == nil || s.db == nil {
		return Info{}, errors.New("attach: nil store")
	}
	if err := ctx.Err(); err != nil {
		return Info{}, err
	}

	data, err := readCapped(r, s.maxBytes)
	if err != nil {
		return Info{}, err
	}

	sum := blake2b.Sum256(data)
	path := hex.EncodeToString(sum[:])

	ok, err := s.Exists(ctx, path)
	if err != nil {
		return Info{}, err
	}
	if !ok {
		if err := s.db.Set([]byte(blobKeyPrefix+path), data, pebble.Sync); err != nil {
			return Info{}, fmt.Errorf("store blob: %w", err)
		}
	}

	return newInfo(originalName, mimetype, path, int64(len(data))), nil
}

// Open returns a reader over the blob bytes.
func (s *PebbleStore) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("attach: nil store")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	value, closer, err := s.db.Get([]byte(blobKeyPrefix + path))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	// The value slice is only valid until closer.Close; copy it out.
	data := append([]byte(nil), value...)
	if err := closer.Close(); err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Exists reports whether a blob path is stored.
func (s *PebbleStore) Exists(ctx context.Context, path string) (bool, error) {
	if s == nil || s.db == nil {
		return false, errors.New("attach: nil store")
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	_, closer, err := s.db.Get([]byte(blobKeyPrefix + path))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, closer.Close()
}

// ---- shared helpers ----

func readCapped(r io.Reader, maxBytes int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, ErrTooLarge
	}
	if len(data) == 0 {
		return nil, errors.New("attach: empty blob")
	}
	return data, nil
}

func newInfo(originalName, mimetype, path string, size int64) Info {
	originalName = filepath.Base(strings.TrimSpace(originalName))
	if originalName == "" || originalName == "." {
		originalName = "attachment"
	}

	ext := filepath.Ext(originalName)
	mimetype = strings.TrimSpace(mimetype)
	if mimetype == "" {
		mimetype = mime.TypeByExtension(ext)
	}
	if mimetype == "" {
		mimetype = "application/octet-stream"
	}

	return Info{
		Filename:     uuid.NewString() + ext,
		OriginalName: originalName,
		Path:         path,
		Size:         size,
		Mimetype:     mimetype,
	}
}
