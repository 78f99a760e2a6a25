// Package storage holds generated artifacts as opaque byte blobs addressed by
// slash-separated keys such as "alice/2025-04-03-14:03/final.mp3".
//
// Writes are atomic: a reader never observes a half-written value. The
// filesystem implementation ([FS]) backs production; [MemStore] backs tests.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrNotFound is returned when a key or directory prefix does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrInvalidKey is returned for keys that are empty, absolute or that try to
// escape the store root.
var ErrInvalidKey = errors.New("storage: invalid key")

// Store is a key/value byte store with a directory-like key namespace.
//
// All implementations must be safe for concurrent use.
type Store interface {
	// Put stores the full contents of r under key, replacing any previous
	// value. The value becomes visible only once r has been fully consumed.
	Put(ctx context.Context, key string, r io.Reader) error

	// Open returns a reader for the value under key.
	// Returns [ErrNotFound] when the key does not exist.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Exists reports whether a value is stored under key.
	Exists(ctx context.Context, key string) (bool, error)

	// ListDirs returns the names of the immediate child directories of
	// prefix, in no particular order. Returns [ErrNotFound] when prefix does
	// not exist.
	ListDirs(ctx context.Context, prefix string) ([]string, error)
}

// Locator is implemented by stores whose values live on the local
// filesystem, so that external processes can read and write them directly.
type Locator interface {
	// LocalPath maps key to an absolute filesystem path. The file need not
	// exist.
	LocalPath(key string) (string, error)
}

// Join builds a key from segments.
func Join(segments ...string) string {
	return strings.Join(segments, "/")
}

// ValidateSegment checks that s can be used as a single key segment.
func ValidateSegment(s string) error {
	switch {
	case s == "", s == ".", s == "..":
		return fmt.Errorf("%w: segment %q", ErrInvalidKey, s)
	case strings.ContainsAny(s, "/\\\x00"):
		return fmt.Errorf("%w: segment %q contains a separator", ErrInvalidKey, s)
	}
	return nil
}

// ValidateKey checks every segment of key.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	for _, seg := range strings.Split(key, "/") {
		if err := ValidateSegment(seg); err != nil {
			return err
		}
	}
	return nil
}

// ReadAll reads the whole value under key.
func ReadAll(ctx context.Context, s Store, key string) ([]byte, error) {
	rc, err := s.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
