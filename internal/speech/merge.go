package speech

import (
	"context"
	"fmt"
	"io"

	"github.com/MrWong99/voicecast/internal/storage"
)

// Merger joins per-chunk audio into one deliverable artifact.
type Merger interface {
	// Merge writes the concatenation of srcs, in order, to dst and returns
	// the number of bytes written.
	Merge(ctx context.Context, dst string, srcs []string) (int64, error)
}

// ConcatMerger concatenates raw byte streams. MP3 is a sequence of
// self-contained frames, so appended streams play back to back; no frame
// parsing or re-muxing takes place.
type ConcatMerger struct {
	store storage.Store
}

// Compile-time interface assertion.
var _ Merger = (*ConcatMerger)(nil)

// NewConcatMerger returns a ConcatMerger reading from and writing to store.
func NewConcatMerger(store storage.Store) *ConcatMerger {
	return &ConcatMerger{store: store}
}

// Merge implements [Merger]. dst is written atomically by the store, so a
// failed merge never leaves a truncated artifact behind.
func (m *ConcatMerger) Merge(ctx context.Context, dst string, srcs []string) (int64, error) {
	readers := make([]io.Reader, 0, len(srcs))
	for _, src := range srcs {
		rc, err := m.store.Open(ctx, src)
		if err != nil {
			return 0, fmt.Errorf("speech: merge: open %s: %w", src, err)
		}
		defer rc.Close()
		readers = append(readers, rc)
	}
	cr := &countingReader{r: io.MultiReader(readers...)}
	if err := m.store.Put(ctx, dst, cr); err != nil {
		return 0, fmt.Errorf("speech: merge into %s: %w", dst, err)
	}
	return cr.n, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
