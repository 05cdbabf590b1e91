// Package json implements storage.Store backed by a single JSON file,
// guarded by a cross-process lock. Writes go through a temp file and
// rename so a crash mid-write never corrupts the index.
package json

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/blawesom/vm-manager/lock"
	"github.com/blawesom/vm-manager/storage"
)

// Store is a JSON-file-backed storage.Store.
type Store[T any] struct {
	path   string
	locker lock.Locker
}

// compile-time interface check.
var _ storage.Store[struct{}] = (*Store[struct{}])(nil)

// New creates a Store persisting at path, serialized by locker.
func New[T any](path string, locker lock.Locker) *Store[T] {
	return &Store[T]{path: path, locker: locker}
}

// With loads the index and runs fn against it without persisting.
func (s *Store[T]) With(ctx context.Context, fn func(*T) error) error {
	return lock.WithLock(ctx, s.locker, func() error {
		idx, err := s.load()
		if err != nil {
			return err
		}
		return fn(idx)
	})
}

// Update loads the index, runs fn, and persists the mutated index.
// If fn returns an error nothing is written.
func (s *Store[T]) Update(ctx context.Context, fn func(*T) error) error {
	return lock.WithLock(ctx, s.locker, func() error {
		idx, err := s.load()
		if err != nil {
			return err
		}
		if err := fn(idx); err != nil {
			return err
		}
		return s.save(idx)
	})
}

func (s *Store[T]) load() (*T, error) {
	idx := new(T)
	data, err := os.ReadFile(s.path) //nolint:gosec // internal db path
	switch {
	case os.IsNotExist(err):
		// First use: start from an empty index.
	case err != nil:
		return nil, fmt.Errorf("read index %s: %w", s.path, err)
	case len(data) > 0:
		if err := json.Unmarshal(data, idx); err != nil {
			return nil, fmt.Errorf("decode index %s: %w", s.path, err)
		}
	}
	if initer, ok := any(idx).(storage.Initer); ok {
		initer.Init()
	}
	return idx, nil
}

func (s *Store[T]) save(idx *T) error {
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("encode index: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".index-*")
	if err != nil {
		return fmt.Errorf("create temp index: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close index: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("replace index %s: %w", s.path, err)
	}
	return nil
}
