// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a hosted speech synthesis service and turns one bounded
// piece of text into one self-contained encoded audio payload (MP3 for the
// OpenAI backend). Callers are responsible for splitting long inputs into
// pieces the backend accepts and for stitching the results back together.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Provider is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use. A single request fans out
// one Synthesize call per text chunk, all running in parallel.
type Provider interface {
	// Synthesize converts text into encoded audio using the named voice. The
	// returned bytes are a complete, independently playable audio stream.
	//
	// Implementations own their retry policy; the error returned is the final
	// one after all attempts are exhausted.
	Synthesize(ctx context.Context, text string, voice string) ([]byte, error)

	// ListVoices returns all voice profiles available from this provider.
	//
	// Returns an error if the provider cannot be reached or if ctx is cancelled
	// before the list is retrieved.
	ListVoices(ctx context.Context) ([]VoiceProfile, error)
}

// HasVoice reports whether id names one of voices.
func HasVoice(voices []VoiceProfile, id string) bool {
	for _, v := range voices {
		if v.ID == id {
			return true
		}
	}
	return false
}
