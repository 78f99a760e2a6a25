package speech

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/MrWong99/voicecast/internal/artifact"
	"github.com/MrWong99/voicecast/internal/chunker"
	"github.com/MrWong99/voicecast/internal/observe"
	"github.com/MrWong99/voicecast/internal/storage"
	"github.com/MrWong99/voicecast/pkg/provider/tts"
)

// ChunkError reports the failure of one chunk of a request. Index is the
// 1-based chunk index.
type ChunkError struct {
	Index int
	Err   error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("speech: chunk #%d: %v", e.Index, e.Err)
}

func (e *ChunkError) Unwrap() error { return e.Err }

// Dispatcher synthesises every chunk of a request concurrently and persists
// each chunk's audio under its own key.
type Dispatcher struct {
	provider     tts.Provider
	providerName string
	store        storage.Store
	metrics      *observe.Metrics
	maxParallel  int
}

// DispatcherOption is a functional option for [NewDispatcher].
type DispatcherOption func(*Dispatcher)

// WithMaxParallel bounds the number of concurrent synthesis calls per
// request. Zero, the default, runs one call per chunk at once.
func WithMaxParallel(n int) DispatcherOption {
	return func(d *Dispatcher) { d.maxParallel = n }
}

// WithDispatchMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithDispatchMetrics(m *observe.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithProviderName sets the provider label used in metrics.
func WithProviderName(name string) DispatcherOption {
	return func(d *Dispatcher) { d.providerName = name }
}

// NewDispatcher returns a Dispatcher that synthesises through provider and
// writes chunk audio into store.
func NewDispatcher(provider tts.Provider, store storage.Store, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		provider:     provider,
		providerName: "tts",
		store:        store,
	}
	for _, o := range opts {
		o(d)
	}
	if d.metrics == nil {
		d.metrics = observe.DefaultMetrics()
	}
	return d
}

// Dispatch synthesises all chunks and stores each result at
// dir.ChunkKey(chunk.Index). It waits for every chunk before returning.
//
// On success the chunk keys are returned in chunk order. If any chunk fails,
// the returned error is a [*ChunkError] for the lowest failing index and no
// keys are returned.
func (d *Dispatcher) Dispatch(ctx context.Context, dir artifact.Dir, chunks []chunker.Chunk, voice string) ([]string, error) {
	results := ParallelMap(chunks, d.maxParallel, func(_ int, c chunker.Chunk) (string, error) {
		return d.synthesizeChunk(ctx, dir, c, voice)
	})

	if failed, ok := FirstError(results); ok {
		return nil, &ChunkError{Index: chunks[failed.Index].Index, Err: failed.Err}
	}
	keys := make([]string, len(results))
	for i, r := range results {
		keys[i] = r.Value
	}
	return keys, nil
}

func (d *Dispatcher) synthesizeChunk(ctx context.Context, dir artifact.Dir, c chunker.Chunk, voice string) (string, error) {
	start := time.Now()
	audio, err := d.provider.Synthesize(ctx, c.Text, voice)
	d.metrics.RecordProviderCall(ctx, d.metrics.TTSDuration, d.providerName, "tts", time.Since(start), err)
	if err != nil {
		observe.Logger(ctx).Warn("speech: chunk synthesis failed",
			"dir", dir.String(), "chunk", c.Index, "graphemes", c.Graphemes, "err", err)
		return "", err
	}

	key := dir.ChunkKey(c.Index)
	if err := d.store.Put(ctx, key, bytes.NewReader(audio)); err != nil {
		return "", fmt.Errorf("store chunk audio: %w", err)
	}
	return key, nil
}
