package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

// Compile-time assertion that MemStore satisfies the Store interface.
var _ Store = (*MemStore)(nil)

// MemStore is a thread-safe, in-memory implementation of [Store] for tests.
// The zero value is ready to use.
type MemStore struct {
	mu     sync.RWMutex
	values map[string][]byte
}

// NewMemStore returns an initialised [MemStore].
func NewMemStore() *MemStore {
	return &MemStore{values: make(map[string][]byte)}
}

// Put implements [Store.Put].
func (s *MemStore) Put(ctx context.Context, key string, r io.Reader) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	data, err := io.ReadAll(&ctxReader{ctx: ctx, r: r})
	if err != nil {
		return fmt.Errorf("storage: put %q: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.values == nil {
		s.values = make(map[string][]byte)
	}
	s.values[key] = data
	return nil
}

// Open implements [Store.Open].
func (s *MemStore) Open(_ context.Context, key string) (io.ReadCloser, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.values[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Exists implements [Store.Exists].
func (s *MemStore) Exists(_ context.Context, key string) (bool, error) {
	if err := ValidateKey(key); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.values[key]
	return ok, nil
}

// ListDirs implements [Store.ListDirs]. A directory exists as long as at
// least one value is stored below it.
func (s *MemStore) ListDirs(_ context.Context, prefix string) ([]string, error) {
	if err := ValidateKey(prefix); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	found := false
	seen := make(map[string]struct{})
	var dirs []string
	for key := range s.values {
		rest, ok := strings.CutPrefix(key, prefix+"/")
		if !ok {
			continue
		}
		found = true
		name, _, isDir := strings.Cut(rest, "/")
		if !isDir {
			continue
		}
		if _, dup := seen[name]; !dup {
			seen[name] = struct{}{}
			dirs = append(dirs, name)
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, prefix)
	}
	return dirs, nil
}

// Keys returns a snapshot of all stored keys.
func (s *MemStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	return keys
}
