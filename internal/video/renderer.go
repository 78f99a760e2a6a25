// Package video renders a still-image video for a speech artifact by
// delegating to an external encoder, and caches the result next to the
// audio.
package video

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/voicecast/internal/observe"
)

// ErrCoverMissing is returned when the configured cover image does not exist.
var ErrCoverMissing = errors.New("video: cover image not found")

// DefaultRenderTimeout bounds a single encoder run.
const DefaultRenderTimeout = 10 * time.Minute

// Renderer produces videos on demand. The output file doubles as the cache
// entry: once it exists it is returned as is.
type Renderer struct {
	encoder Encoder
	cover   string
	timeout time.Duration
	metrics *observe.Metrics

	group singleflight.Group
}

// Option is a functional option for [NewRenderer].
type Option func(*Renderer)

// WithTimeout overrides [DefaultRenderTimeout].
func WithTimeout(d time.Duration) Option {
	return func(r *Renderer) { r.timeout = d }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Renderer) { r.metrics = m }
}

// NewRenderer returns a Renderer that overlays audio on cover using enc.
func NewRenderer(enc Encoder, cover string, opts ...Option) *Renderer {
	r := &Renderer{
		encoder: enc,
		cover:   cover,
		timeout: DefaultRenderTimeout,
	}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r
}

// Cover returns the configured cover image path.
func (r *Renderer) Cover() string { return r.cover }

// Render returns outputPath after making sure it holds the video for
// audioPath. An existing output is returned without invoking the encoder.
// Concurrent calls for the same output share one encoder run, which is not
// cancelled when an individual caller goes away.
func (r *Renderer) Render(ctx context.Context, audioPath, outputPath string) (string, error) {
	if exists(outputPath) {
		r.metrics.RecordRenderCache(ctx, true)
		return outputPath, nil
	}

	ch := r.group.DoChan(outputPath, func() (any, error) {
		return outputPath, r.render(context.WithoutCancel(ctx), audioPath, outputPath)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return outputPath, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (r *Renderer) render(ctx context.Context, audioPath, outputPath string) (err error) {
	// A previous flight may have finished between the check and this call.
	if exists(outputPath) {
		r.metrics.RecordRenderCache(ctx, true)
		return nil
	}
	r.metrics.RecordRenderCache(ctx, false)

	ctx, span := observe.StartSpan(ctx, "video.render")
	defer func() { observe.EndSpan(span, err) }()
	defer r.metrics.TrackActive(ctx, "video")()

	if !exists(r.cover) {
		observe.Logger(ctx).Error("video: cover image missing", "path", r.cover)
		return fmt.Errorf("%w: %s", ErrCoverMissing, filepath.Base(r.cover))
	}
	if !exists(audioPath) {
		return fmt.Errorf("video: audio %s: %w", filepath.Base(audioPath), fs.ErrNotExist)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tmp := filepath.Join(filepath.Dir(outputPath), "."+filepath.Base(outputPath)+".partial")
	start := time.Now()
	if err := r.encoder.Encode(ctx, r.cover, audioPath, tmp); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, outputPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("video: publish %s: %w", filepath.Base(outputPath), err)
	}

	r.metrics.RenderDuration.Record(ctx, time.Since(start).Seconds())
	if info, err := os.Stat(outputPath); err == nil {
		r.metrics.RecordArtifact(ctx, "video", info.Size())
	}
	observe.Logger(ctx).Info("video: rendered", "output", outputPath, "duration", time.Since(start))
	return nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
