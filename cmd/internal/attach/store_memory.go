package attach

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"io"
	"sync"

	"golang.org/x/crypto/blake2b"
)

// InMemoryStore is a Store for tests and DB-less dev runs. Same addressing
// scheme as PebbleStore: blobs keyed by content digest.
type InMemoryStore struct {
	mu       sync.RWMutex
	blobs    map[string][]byte
	maxBytes int64
}

// NewInMemoryStore constructs an empty in-memory Store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		blobs:    make(map[string][]byte),
		maxBytes: DefaultMaxBytes,
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// Save stores the blob and returns its metadata.
func (s *InMemoryStore) Save(ctx context.Context, originalName, mimetype string, r io.Reader) (Info, error) {
	if s == nil {
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

	s.mu.Lock()
	if _, ok := s.blobs[path]; !ok {
		s.blobs[path] = data
	}
	s.mu.Unlock()

	return newInfo(originalName, mimetype, path, int64(len(data))), nil
}

// Open returns a reader over the blob bytes.
func (s *InMemoryStore) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	data, ok := s.blobs[path]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Exists reports whether a blob path is stored.
func (s *InMemoryStore) Exists(ctx context.Context, path string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.RLock()
	_, ok := s.blobs[path]
	s.mu.RUnlock()
	return ok, nil
}
