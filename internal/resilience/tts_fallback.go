package resilience

import (
	"context"
	"errors"
	"log/slog"

	"github.com/MrWong99/voicecast/pkg/provider/tts"
)

// ErrNoHealthyProvider is reported by [TTSFallback.Check] when every backend
// has an open circuit.
var ErrNoHealthyProvider = errors.New("resilience: every TTS backend has an open circuit")

// TTSFallback implements [tts.Provider] with automatic failover across
// several speech endpoints. Each backend has its own circuit breaker; the
// backends' own retry policies run inside the breaker.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

// Compile-time interface assertion.
var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional TTS backend.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) {
	f.group.AddFallback(name, provider)
}

// Synthesize implements [tts.Provider] using the first healthy backend. When
// every breaker rejects the call, open or out of half-open slots, the
// primary is called directly so the call still makes its upstream attempts.
func (f *TTSFallback) Synthesize(ctx context.Context, text string, voice string) ([]byte, error) {
	ran := false
	audio, err := Execute(ctx, f.group, func(p tts.Provider) ([]byte, error) {
		ran = true
		return p.Synthesize(ctx, text, voice)
	})
	if err == nil || ran || ctx.Err() != nil {
		return audio, err
	}
	slog.Debug("every TTS circuit rejected the call, using primary directly")
	return f.group.Primary().Synthesize(ctx, text, voice)
}

// ListVoices implements [tts.Provider] using the first healthy backend.
func (f *TTSFallback) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	return Execute(ctx, f.group, func(p tts.Provider) ([]tts.VoiceProfile, error) {
		return p.ListVoices(ctx)
	})
}

// States returns the breaker state of every backend.
func (f *TTSFallback) States() map[string]State { return f.group.States() }

// Check reports [ErrNoHealthyProvider] when no backend accepts calls. It
// matches the health checker signature.
func (f *TTSFallback) Check(context.Context) error {
	if !f.group.Available() {
		return ErrNoHealthyProvider
	}
	return nil
}
