package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/MrWong99/voicecast/internal/auth"
	"github.com/MrWong99/voicecast/internal/chunker"
	"github.com/MrWong99/voicecast/internal/observe"
	"github.com/MrWong99/voicecast/internal/speech"
	"github.com/MrWong99/voicecast/internal/storage"
)

// RequestIDHeader carries the per-request id echoed on every response.
const RequestIDHeader = "X-Request-ID"

var (
	// errBadRequest marks malformed request bodies.
	errBadRequest = errors.New("api: malformed request")

	// errUnknownVoice is returned when the requested voice is not offered
	// by the synthesis backend.
	errUnknownVoice = errors.New("api: unknown voice")

	// errAudioMissing is returned when a request directory has no merged audio.
	errAudioMissing = errors.New("final.mp3 not found")
)

// errorBody is the JSON payload of every failed request.
type errorBody struct {
	Error string `json:"error"`
}

// statusFor maps an error to the HTTP status reported to the client.
func statusFor(err error) int {
	switch {
	case errors.Is(err, auth.ErrUnauthenticated), errors.Is(err, auth.ErrInvalidUser):
		return http.StatusUnauthorized
	case errors.Is(err, speech.ErrEmptyText),
		errors.Is(err, chunker.ErrInvalidMaxSize),
		errors.Is(err, storage.ErrInvalidKey),
		errors.Is(err, errUnknownVoice),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, errAudioMissing),
		errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, speech.ErrArtifactExists):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// writeError answers r with the status for err and its message.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	log := observe.Logger(r.Context()).With(
		"method", r.Method,
		"path", r.URL.Path,
		"status", status,
		"request_id", w.Header().Get(RequestIDHeader),
		"err", err,
	)
	if status >= http.StatusInternalServerError {
		log.Error("api: request failed")
	} else {
		log.Info("api: request rejected")
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

// writeJSON encodes v as the response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// requestID echoes the caller's X-Request-ID or assigns a fresh one.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}
