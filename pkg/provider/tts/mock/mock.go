// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to return controlled audio payloads to consumers and to verify
// which text fragments and voices reached the TTS backend.
//
// Example:
//
//	p := &mock.Provider{
//	    SynthesizeFunc: func(text, voice string) ([]byte, error) {
//	        return []byte(text), nil
//	    },
//	    ListVoicesResult: []tts.VoiceProfile{{ID: "onyx", Name: "Onyx"}},
//	}
//	audio, _ := p.Synthesize(ctx, "hello", "onyx")
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voicecast/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	// Ctx is the context passed to Synthesize.
	Ctx context.Context
	// Text is the text passed to Synthesize.
	Text string
	// Voice is the voice identifier passed to Synthesize.
	Voice string
}

// ListVoicesCall records a single invocation of ListVoices.
type ListVoicesCall struct {
	// Ctx is the context passed to ListVoices.
	Ctx context.Context
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// SynthesizeFunc, if set, computes the result of each Synthesize call. It
	// takes precedence over SynthesizeAudio and SynthesizeErr and may be called
	// concurrently.
	SynthesizeFunc func(text, voice string) ([]byte, error)

	// SynthesizeAudio is returned by Synthesize when SynthesizeFunc is nil.
	SynthesizeAudio []byte

	// SynthesizeErr, if non-nil, is returned by Synthesize when SynthesizeFunc
	// is nil.
	SynthesizeErr error

	// ListVoicesResult is returned by ListVoices.
	ListVoicesResult []tts.VoiceProfile

	// ListVoicesErr, if non-nil, is returned as the error from ListVoices.
	ListVoicesErr error

	// --- Call records ---

	// SynthesizeCalls records every call to Synthesize in arrival order.
	SynthesizeCalls []SynthesizeCall

	// ListVoicesCalls records every call to ListVoices in order.
	ListVoicesCalls []ListVoicesCall
}

// Synthesize records the call and returns the configured result.
func (p *Provider) Synthesize(ctx context.Context, text string, voice string) ([]byte, error) {
	p.mu.Lock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Ctx: ctx, Text: text, Voice: voice})
	fn := p.SynthesizeFunc
	audio, err := p.SynthesizeAudio, p.SynthesizeErr
	p.mu.Unlock()

	if fn != nil {
		return fn(text, voice)
	}
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(audio))
	copy(out, audio)
	return out, nil
}

// ListVoices records the call and returns ListVoicesResult, ListVoicesErr.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ListVoicesCalls = append(p.ListVoicesCalls, ListVoicesCall{Ctx: ctx})
	return p.ListVoicesResult, p.ListVoicesErr
}

// CallCount returns the number of Synthesize calls recorded so far. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.SynthesizeCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = nil
	p.ListVoicesCalls = nil
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
