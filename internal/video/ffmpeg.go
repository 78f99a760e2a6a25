package video

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/MrWong99/voicecast/internal/observe"
)

// ErrSpawn is returned when the encoder process could not be started.
var ErrSpawn = errors.New("video: failed to spawn encoder")

// Encoding parameters used for every render.
const (
	VideoCodec   = "libx264"
	AudioCodec   = "aac"
	AudioBitrate = "192k"
	PixelFormat  = "yuv420p"
	Container    = "mp4"
)

// outputTail bounds how much encoder output is logged on failure.
const outputTail = 2048

// Encoder turns a still image and an audio track into a video file.
type Encoder interface {
	// Encode writes a video showing cover for the duration of audio to
	// output, overwriting it if present.
	Encode(ctx context.Context, cover, audio, output string) error
}

// FFmpegEncoder runs the ffmpeg binary.
type FFmpegEncoder struct {
	// Path is the ffmpeg executable. Empty means "ffmpeg" on PATH.
	Path string
}

// Compile-time interface assertion.
var _ Encoder = (*FFmpegEncoder)(nil)

// Args returns the ffmpeg command line (without the program name): loop the
// cover image, stop at the end of the audio, H.264 video, AAC audio.
func Args(cover, audio, output string) []string {
	return []string{
		"-y",
		"-loop", "1",
		"-i", cover,
		"-i", audio,
		"-shortest",
		"-c:v", VideoCodec,
		"-c:a", AudioCodec,
		"-b:a", AudioBitrate,
		"-pix_fmt", PixelFormat,
		"-f", Container,
		output,
	}
}

func (e *FFmpegEncoder) binary() string {
	if e.Path == "" {
		return "ffmpeg"
	}
	return e.Path
}

// Encode implements [Encoder].
func (e *FFmpegEncoder) Encode(ctx context.Context, cover, audio, output string) error {
	cmd := exec.CommandContext(ctx, e.binary(), Args(cover, audio, output)...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ctx.Err() != nil {
			return fmt.Errorf("video: ffmpeg interrupted: %w", ctx.Err())
		}
		observe.Logger(ctx).Error("video: ffmpeg failed",
			"status", exitErr.ExitCode(), "output", output, "stderr", tail(out.String()))
		return fmt.Errorf("video: ffmpeg exited with status %d", exitErr.ExitCode())
	}
	observe.Logger(ctx).Error("video: ffmpeg could not be started", "path", e.binary(), "err", err)
	return fmt.Errorf("%w: %s", ErrSpawn, filepath.Base(e.binary()))
}

// Check verifies that the encoder binary can be found.
func (e *FFmpegEncoder) Check(context.Context) error {
	if _, err := exec.LookPath(e.binary()); err != nil {
		return fmt.Errorf("video: ffmpeg not available: %w", err)
	}
	return nil
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > outputTail {
		s = "..." + s[len(s)-outputTail:]
	}
	return s
}
