// Package openai provides a TTS provider backed by the OpenAI speech API.
//
// Every Synthesize call makes at most [MaxAttempts] requests. The SDK's own
// retry loop is disabled so that the attempt count is exact and visible in
// the returned error.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/voicecast/pkg/provider/tts"
)

const (
	// DefaultModel is the speech model used when none is configured.
	DefaultModel = "tts-1"

	// DefaultVoice is the voice used when a request names none.
	DefaultVoice = "onyx"

	// MaxAttempts is the total number of requests made per Synthesize call.
	MaxAttempts = 2
)

// ErrMissingAPIKey is returned by Synthesize when the provider was built
// without an API key. No request is made in that case.
var ErrMissingAPIKey = errors.New("openai tts: missing OPENAI_API_KEY")

var errEmptyAudio = errors.New("response contained no audio")

// voices is the fixed catalogue served by the OpenAI speech endpoint.
var voices = []string{"alloy", "ash", "coral", "echo", "fable", "nova", "onyx", "sage", "shimmer"}

// AttemptError is the error returned once every attempt has failed. It
// carries the number of the attempt that produced Err.
type AttemptError struct {
	Attempt int
	Err     error
}

func (e *AttemptError) Error() string {
	return fmt.Sprintf("openai tts: attempt #%d: %v", e.Attempt, e.Err)
}

func (e *AttemptError) Unwrap() error { return e.Err }

// Provider implements tts.Provider using the OpenAI API.
type Provider struct {
	client oai.Client
	apiKey string
	model  string
	format oai.AudioSpeechNewParamsResponseFormat
}

// config holds optional configuration for the provider.
type config struct {
	baseURL    string
	model      string
	format     string
	timeout    time.Duration
	httpClient *http.Client
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL. Any OpenAI-compatible
// speech endpoint can be targeted this way.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithModel overrides [DefaultModel].
func WithModel(model string) Option {
	return func(c *config) {
		c.model = model
	}
}

// WithResponseFormat selects the audio container (default "mp3").
func WithResponseFormat(format string) Option {
	return func(c *config) {
		c.format = format
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithHTTPClient replaces the HTTP client used for requests. It takes
// precedence over WithTimeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) {
		c.httpClient = hc
	}
}

// New constructs a new OpenAI TTS Provider. An empty apiKey is accepted; the
// provider then fails every Synthesize call with [ErrMissingAPIKey].
func New(apiKey string, opts ...Option) *Provider {
	cfg := &config{model: DefaultModel, format: string(oai.AudioSpeechNewParamsResponseFormatMP3)}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.model == "" {
		cfg.model = DefaultModel
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	switch {
	case cfg.httpClient != nil:
		reqOpts = append(reqOpts, option.WithHTTPClient(cfg.httpClient))
	case cfg.timeout > 0:
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	return &Provider{
		client: oai.NewClient(reqOpts...),
		apiKey: apiKey,
		model:  cfg.model,
		format: oai.AudioSpeechNewParamsResponseFormat(cfg.format),
	}
}

// Model returns the speech model sent with each request.
func (p *Provider) Model() string { return p.model }

// Synthesize implements tts.Provider. A failed attempt is followed by exactly
// one more, immediately. The returned error names the failing attempt.
func (p *Provider) Synthesize(ctx context.Context, text string, voice string) ([]byte, error) {
	if p.apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	if voice == "" {
		voice = DefaultVoice
	}

	var lastErr error
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		audio, err := p.request(ctx, text, voice)
		if err == nil {
			return audio, nil
		}
		lastErr = &AttemptError{Attempt: attempt, Err: err}
		if ctx.Err() != nil {
			break
		}
		if attempt < MaxAttempts {
			slog.Warn("openai tts: attempt failed, retrying", "attempt", attempt, "err", err)
		}
	}
	return nil, lastErr
}

func (p *Provider) request(ctx context.Context, text, voice string) ([]byte, error) {
	resp, err := p.client.Audio.Speech.New(ctx, oai.AudioSpeechNewParams{
		Input:          text,
		Model:          oai.SpeechModel(p.model),
		Voice:          oai.AudioSpeechNewParamsVoice(voice),
		ResponseFormat: p.format,
	})
	if err != nil {
		var apiErr *oai.Error
		if errors.As(err, &apiErr) {
			return nil, fmt.Errorf("request failed with status %d: %w", apiErr.StatusCode, err)
		}
		return nil, fmt.Errorf("request error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("request failed with status %d: %s", resp.StatusCode, body)
	}
	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if len(audio) == 0 {
		return nil, errEmptyAudio
	}
	return audio, nil
}

// ListVoices implements tts.Provider. The OpenAI catalogue is fixed, so no
// request is made.
func (p *Provider) ListVoices(_ context.Context) ([]tts.VoiceProfile, error) {
	out := make([]tts.VoiceProfile, 0, len(voices))
	for _, v := range voices {
		out = append(out, tts.VoiceProfile{
			ID:       v,
			Name:     v,
			Provider: "openai",
			Metadata: map[string]string{"model": p.model},
		})
	}
	return out, nil
}

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)
