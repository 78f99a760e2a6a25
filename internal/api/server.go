// Package api serves the voicecast HTTP endpoints: speech and video
// synthesis, artifact listing and retrieval, and a few read-only views of the
// caller's identity, voices and request history.
//
// Every route requires an identity resolved by an [auth.Authenticator].
// Failures are answered with a JSON body of the form {"error": "..."}.
package api

import (
	"context"
	"net/http"

	"github.com/MrWong99/voicecast/internal/auth"
	"github.com/MrWong99/voicecast/internal/journal"
	"github.com/MrWong99/voicecast/internal/speech"
	"github.com/MrWong99/voicecast/internal/storage"
	"github.com/MrWong99/voicecast/pkg/provider/tts"
)

// DefaultMaxBodyBytes bounds the JSON body of synthesis requests.
const DefaultMaxBodyBytes = 1 << 20

// Synthesizer produces a merged speech artifact. [*speech.Pipeline]
// satisfies it.
type Synthesizer interface {
	Synthesize(ctx context.Context, req speech.Request) (*speech.Result, error)
}

// Renderer turns a local audio file into a local video file. [*video.Renderer]
// satisfies it.
type Renderer interface {
	Render(ctx context.Context, audioPath, outputPath string) (string, error)
}

// VoiceLister reports the voices a synthesis backend offers.
type VoiceLister interface {
	ListVoices(ctx context.Context) ([]tts.VoiceProfile, error)
}

// ArtifactStore is the storage the server reads artifacts from. Video
// rendering needs local paths, so the store must also be a [storage.Locator].
type ArtifactStore interface {
	storage.Store
	storage.Locator
}

// Server holds the collaborators of the HTTP handlers.
type Server struct {
	synth    Synthesizer
	renderer Renderer
	store    ArtifactStore
	voices   VoiceLister
	journal  journal.Journal
	auth     auth.Authenticator
	maxBody  int64
}

// Option is a functional option for [New].
type Option func(*Server)

// WithVoices enables voice validation and the /api/voices listing.
func WithVoices(v VoiceLister) Option {
	return func(s *Server) { s.voices = v }
}

// WithJournal records every synthesis and render outcome in j.
// Default: [journal.Nop].
func WithJournal(j journal.Journal) Option {
	return func(s *Server) { s.journal = j }
}

// WithAuthenticator replaces the default [auth.HeaderAuthenticator].
func WithAuthenticator(a auth.Authenticator) Option {
	return func(s *Server) { s.auth = a }
}

// WithMaxBodyBytes overrides [DefaultMaxBodyBytes].
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBody = n
		}
	}
}

// New creates a Server.
func New(synth Synthesizer, renderer Renderer, store ArtifactStore, opts ...Option) *Server {
	s := &Server{
		synth:    synth,
		renderer: renderer,
		store:    store,
		journal:  journal.Nop{},
		auth:     &auth.HeaderAuthenticator{},
		maxBody:  DefaultMaxBodyBytes,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler returns the authenticated API routes:
//
//	POST /api/speech                 synthesize text, answers audio/mpeg
//	POST /api/video                  synthesize and render, answers video/mp4
//	GET  /api/files                  the caller's completed requests, oldest first
//	GET  /api/files/{dir_name}/mp3   stored audio of one request
//	GET  /api/files/{dir_name}/mp4   video of one request, rendered on first use
//	GET  /api/users/me               the caller's identity
//	GET  /api/voices                 voices offered by the synthesis backend
//	GET  /api/history                the caller's recent journal entries
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/speech", s.handleSpeech)
	mux.HandleFunc("POST /api/video", s.handleVideo)
	mux.HandleFunc("GET /api/files", s.handleFiles)
	mux.HandleFunc("GET /api/files/{dir_name}/mp3", s.handleFileAudio)
	mux.HandleFunc("GET /api/files/{dir_name}/mp4", s.handleFileVideo)
	mux.HandleFunc("GET /api/users/me", s.handleMe)
	mux.HandleFunc("GET /api/voices", s.handleVoices)
	mux.HandleFunc("GET /api/history", s.handleHistory)

	return requestID(auth.Middleware(s.auth, func(w http.ResponseWriter, r *http.Request, err error) {
		writeError(w, r, err)
	})(mux))
}
