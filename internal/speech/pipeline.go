// Package speech turns free-form text into one merged speech artifact.
//
// A request is split into grapheme-bounded chunks, every chunk is synthesised
// concurrently by the TTS provider, and the per-chunk audio is concatenated
// in chunk order into {user}/{minute}/final.mp3. A request either produces a
// complete artifact or fails as a whole; partial results are never merged.
package speech

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/voicecast/internal/artifact"
	"github.com/MrWong99/voicecast/internal/chunker"
	"github.com/MrWong99/voicecast/internal/observe"
	"github.com/MrWong99/voicecast/internal/storage"
)

var (
	// ErrEmptyText is returned for input that is empty after trimming.
	ErrEmptyText = errors.New("speech: input text is empty")

	// ErrArtifactExists is returned when the user already has a request
	// directory for the current minute. Artifacts are never rewritten.
	ErrArtifactExists = errors.New("speech: an artifact for this minute already exists")
)

// Request is one speech synthesis request.
type Request struct {
	UserID string
	Text   string

	// Voice selects the provider voice. Empty uses the pipeline default.
	Voice string
}

// Result describes a completed request.
type Result struct {
	Dir      artifact.Dir
	AudioKey string
	Chunks   int
	Bytes    int64
}

// Pipeline runs chunking, fan-out synthesis and merging for one request.
type Pipeline struct {
	dispatcher   *Dispatcher
	merger       Merger
	store        storage.Store
	maxGraphemes int
	defaultVoice string
	now          func() time.Time
	metrics      *observe.Metrics

	// inflight holds the directories of requests currently being produced.
	inflight sync.Map
}

// PipelineOption is a functional option for [NewPipeline].
type PipelineOption func(*Pipeline)

// WithMaxGraphemes sets the chunk bound. Default: [chunker.DefaultMaxGraphemes].
func WithMaxGraphemes(n int) PipelineOption {
	return func(p *Pipeline) { p.maxGraphemes = n }
}

// WithDefaultVoice sets the voice used when a request names none.
func WithDefaultVoice(voice string) PipelineOption {
	return func(p *Pipeline) { p.defaultVoice = voice }
}

// WithClock replaces time.Now as the source of request timestamps.
func WithClock(now func() time.Time) PipelineOption {
	return func(p *Pipeline) { p.now = now }
}

// WithPipelineMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithPipelineMetrics(m *observe.Metrics) PipelineOption {
	return func(p *Pipeline) { p.metrics = m }
}

// NewPipeline assembles a Pipeline.
func NewPipeline(d *Dispatcher, m Merger, store storage.Store, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		dispatcher:   d,
		merger:       m,
		store:        store,
		maxGraphemes: chunker.DefaultMaxGraphemes,
		now:          time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// Synthesize produces the merged speech artifact for req.
//
// Errors: [ErrEmptyText] for blank input, [chunker.ErrInvalidMaxSize] for a
// misconfigured bound, [ErrArtifactExists] when the minute is taken, a
// [*ChunkError] when any chunk fails.
func (p *Pipeline) Synthesize(ctx context.Context, req Request) (res *Result, err error) {
	ctx, span := observe.StartSpan(ctx, "speech.synthesize")
	defer func() { observe.EndSpan(span, err) }()
	defer p.metrics.TrackActive(ctx, "speech")()
	start := time.Now()

	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, ErrEmptyText
	}
	chunks, err := chunker.Split(text, p.maxGraphemes)
	if err != nil {
		return nil, err
	}
	voice := req.Voice
	if voice == "" {
		voice = p.defaultVoice
	}

	dir := artifact.NewDir(req.UserID, p.now())
	if err := dir.Validate(); err != nil {
		return nil, err
	}
	if _, busy := p.inflight.LoadOrStore(dir.String(), struct{}{}); busy {
		return nil, fmt.Errorf("%w: %s", ErrArtifactExists, dir.Name)
	}
	defer p.inflight.Delete(dir.String())

	exists, err := p.store.Exists(ctx, dir.AudioKey())
	if err != nil {
		return nil, fmt.Errorf("speech: check %s: %w", dir, err)
	}
	if exists {
		return nil, fmt.Errorf("%w: %s", ErrArtifactExists, dir.Name)
	}

	span.SetAttributes(
		attribute.String("speech.dir", dir.String()),
		attribute.Int("speech.chunks", len(chunks)),
	)
	p.metrics.ChunksPerRequest.Record(ctx, int64(len(chunks)))
	log := observe.Logger(ctx).With("user_id", req.UserID, "dir", dir.Name)
	log.Info("speech: dispatching", "chunks", len(chunks), "voice", voice)

	keys, err := p.dispatcher.Dispatch(ctx, dir, chunks, voice)
	if err != nil {
		return nil, err
	}
	n, err := p.merger.Merge(ctx, dir.AudioKey(), keys)
	if err != nil {
		return nil, err
	}

	p.metrics.SpeechDuration.Record(ctx, time.Since(start).Seconds())
	p.metrics.RecordArtifact(ctx, "audio", n)
	log.Info("speech: artifact ready", "bytes", n, "duration", time.Since(start))

	return &Result{Dir: dir, AudioKey: dir.AudioKey(), Chunks: len(chunks), Bytes: n}, nil
}
