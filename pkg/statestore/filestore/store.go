// Package filestore keeps the rebalance checkpoint in a local JSON file.
// It is meant for development and single host deployments.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chainsafe/treasury-rebalancer/pkg/rebalance"
)

// Store is a file backed rebalance.Store. Writes go to a temporary file in the
// same directory that is renamed over the checkpoint.
type Store struct {
	path string
	mu   sync.Mutex
}

var _ rebalance.Store = (*Store)(nil)

// New creates a store for path.
func New(path string) *Store {
	return &Store{path: path}
}

// Load returns the persisted checkpoint.
func (s *Store) Load(_ context.Context) (*rebalance.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read()
}

// Save replaces the checkpoint if it was not modified since prevUpdatedAt.
func (s *Store) Save(_ context.Context, cp *rebalance.Checkpoint, prevUpdatedAt time.Time) error {
	doc, err := cp.MarshalDocument()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.read()
	switch {
	case errors.Is(err, rebalance.ErrCheckpointNotFound):
		if !prevUpdatedAt.IsZero() {
			return rebalance.ErrConcurrentModification
		}
	case err != nil:
		return err
	case prevUpdatedAt.IsZero() || !current.UpdatedAt.Equal(prevUpdatedAt):
		return rebalance.ErrConcurrentModification
	}

	return s.write(doc)
}

func (s *Store) read() (*rebalance.Checkpoint, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, rebalance.ErrCheckpointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}
	return rebalance.UnmarshalCheckpoint(data)
}

func (s *Store) write(doc []byte) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(doc); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close checkpoint: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to replace checkpoint: %w", err)
	}
	return nil
}
