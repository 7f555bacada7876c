package biometric

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/celerix-dev/celerix-identity/pkg/cid"
)

// ErrArtifactNotFound is returned by stores when no blob is held under an id.
var ErrArtifactNotFound = errors.New("artifact not found")

// ArtifactStore holds sealed artifacts addressed by content identifier.
type ArtifactStore interface {
	Put(ctx context.Context, id cid.ContentID, blob []byte) error
	Get(ctx context.Context, id cid.ContentID) ([]byte, error)
}

// MemoryStore is an in-process ArtifactStore.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[cid.ContentID][]byte
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[cid.ContentID][]byte)}
}

// Put implements ArtifactStore.
func (s *MemoryStore) Put(ctx context.Context, id cid.ContentID, blob []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[id] = append([]byte(nil), blob...)
	return nil
}

// Get implements ArtifactStore.
func (s *MemoryStore) Get(ctx context.Context, id cid.ContentID) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	blob, ok := s.blobs[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrArtifactNotFound)
	}
	return append([]byte(nil), blob...), nil
}

// FileStore keeps one file per artifact under Dir.
type FileStore struct {
	Dir string
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &FileStore{Dir: dir}, nil
}

// Put writes the blob atomically.
func (s *FileStore) Put(ctx context.Context, id cid.ContentID, blob []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := cid.Decode(id); err != nil {
		return err
	}
	path := filepath.Join(s.Dir, id.String())
	tmp, err := os.CreateTemp(s.Dir, ".artifact-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Get implements ArtifactStore.
func (s *FileStore) Get(ctx context.Context, id cid.ContentID) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// ids are base58 so they cannot escape Dir, but reject anything else
	if _, err := cid.Decode(id); err != nil {
		return nil, err
	}
	blob, err := os.ReadFile(filepath.Join(s.Dir, id.String()))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", id, ErrArtifactNotFound)
	}
	return blob, err
}
