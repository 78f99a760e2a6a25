package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"strconv"

	"github.com/MrWong99/voicecast/internal/artifact"
	"github.com/MrWong99/voicecast/internal/auth"
	"github.com/MrWong99/voicecast/internal/journal"
	"github.com/MrWong99/voicecast/internal/observe"
	"github.com/MrWong99/voicecast/internal/speech"
	"github.com/MrWong99/voicecast/internal/storage"
	"github.com/MrWong99/voicecast/pkg/provider/tts"
)

// maxHistoryLimit caps the limit query parameter of /api/history.
const maxHistoryLimit = 500

// synthesisRequest is the JSON body of the speech and video endpoints.
type synthesisRequest struct {
	Input string `json:"input"`
	Voice string `json:"voice"`
}

// handleSpeech handles POST /api/speech.
func (s *Server) handleSpeech(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.FromContext(r.Context())
	res, err := s.synthesize(w, r, user)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.serveAudio(w, r, res.Dir)
}

// handleVideo handles POST /api/video. The audio is synthesized first and
// then rendered with the cover image.
func (s *Server) handleVideo(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.FromContext(r.Context())
	res, err := s.synthesize(w, r, user)
	if err != nil {
		writeError(w, r, err)
		return
	}
	path, err := s.render(r.Context(), res.Dir)
	if err != nil {
		writeError(w, r, err)
		return
	}
	serveVideo(w, r, res.Dir, path)
}

// handleFiles handles GET /api/files.
func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.FromContext(r.Context())
	entries, err := artifact.List(r.Context(), s.store, user.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleFileAudio handles GET /api/files/{dir_name}/mp3.
func (s *Server) handleFileAudio(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.FromContext(r.Context())
	dir, err := artifact.ParseDir(user.ID, r.PathValue("dir_name"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.serveAudio(w, r, dir)
}

// handleFileVideo handles GET /api/files/{dir_name}/mp4. The video is
// rendered on first request and served from disk afterwards.
func (s *Server) handleFileVideo(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.FromContext(r.Context())
	dir, err := artifact.ParseDir(user.ID, r.PathValue("dir_name"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	path, err := s.render(r.Context(), dir)
	if err != nil {
		writeError(w, r, err)
		return
	}
	serveVideo(w, r, dir, path)
}

// handleMe handles GET /api/users/me.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.FromContext(r.Context())
	writeJSON(w, http.StatusOK, user)
}

// handleVoices handles GET /api/voices.
func (s *Server) handleVoices(w http.ResponseWriter, r *http.Request) {
	if s.voices == nil {
		writeJSON(w, http.StatusOK, []tts.VoiceProfile{})
		return
	}
	voices, err := s.voices.ListVoices(r.Context())
	if err != nil {
		writeError(w, r, fmt.Errorf("api: list voices: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, voices)
}

// handleHistory handles GET /api/history?limit=N.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.FromContext(r.Context())
	limit := journal.DefaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxHistoryLimit {
			writeError(w, r, fmt.Errorf("%w: limit must be between 1 and %d", errBadRequest, maxHistoryLimit))
			return
		}
		limit = n
	}
	entries, err := s.journal.Recent(r.Context(), user.ID, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// synthesize decodes the request body, checks the voice and runs the
// pipeline. The outcome of every pipeline run is journaled.
func (s *Server) synthesize(w http.ResponseWriter, r *http.Request, user auth.User) (*speech.Result, error) {
	var body synthesisRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err := dec.Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	if err := s.checkVoice(r.Context(), body.Voice); err != nil {
		return nil, err
	}

	res, err := s.synth.Synthesize(r.Context(), speech.Request{
		UserID: user.ID,
		Text:   body.Input,
		Voice:  body.Voice,
	})
	entry := journal.Entry{UserID: user.ID, Kind: journal.KindAudio}
	if res != nil {
		entry.DirName, entry.Chunks, entry.Bytes = res.Dir.Name, res.Chunks, res.Bytes
	}
	s.record(r.Context(), entry, err)
	return res, err
}

// checkVoice rejects voices the backend does not offer. When the catalogue
// cannot be fetched the voice is passed through unchecked.
func (s *Server) checkVoice(ctx context.Context, voice string) error {
	if voice == "" || s.voices == nil {
		return nil
	}
	voices, err := s.voices.ListVoices(ctx)
	if err != nil {
		observe.Logger(ctx).Warn("api: voice catalogue unavailable, skipping check", "err", err)
		return nil
	}
	if !tts.HasVoice(voices, voice) {
		return fmt.Errorf("%w %q", errUnknownVoice, voice)
	}
	return nil
}

// render makes sure dir has a video and returns its local path.
func (s *Server) render(ctx context.Context, dir artifact.Dir) (path string, err error) {
	entry := journal.Entry{UserID: dir.UserID, DirName: dir.Name, Kind: journal.KindVideo}
	defer func() {
		if info, statErr := os.Stat(path); err == nil && statErr == nil {
			entry.Bytes = info.Size()
		}
		s.record(ctx, entry, err)
	}()

	ok, err := s.store.Exists(ctx, dir.AudioKey())
	if err != nil {
		return "", err
	}
	if !ok {
		return "", errAudioMissing
	}
	audio, err := s.store.LocalPath(dir.AudioKey())
	if err != nil {
		return "", err
	}
	output, err := s.store.LocalPath(dir.VideoKey())
	if err != nil {
		return "", err
	}
	return s.renderer.Render(ctx, audio, output)
}

// serveAudio streams the merged audio of dir.
func (s *Server) serveAudio(w http.ResponseWriter, r *http.Request, dir artifact.Dir) {
	rc, err := s.store.Open(r.Context(), dir.AudioKey())
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, errAudioMissing)
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Content-Disposition", `inline; filename="`+artifact.AudioFile+`"`)
	w.Header().Set("X-Artifact-Dir", dir.Name)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		observe.Logger(r.Context()).Warn("api: audio stream interrupted", "dir", dir.String(), "err", err)
	}
}

// serveVideo serves the rendered video at path with range support.
func serveVideo(w http.ResponseWriter, r *http.Request, dir artifact.Dir, path string) {
	f, err := os.Open(path)
	if err != nil {
		writeError(w, r, fmt.Errorf("api: open video of %s: %w", dir.Name, withoutPath(err)))
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		writeError(w, r, fmt.Errorf("api: stat video of %s: %w", dir.Name, withoutPath(err)))
		return
	}

	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Content-Disposition", `inline; filename="`+artifact.VideoFile+`"`)
	w.Header().Set("X-Artifact-Dir", dir.Name)
	http.ServeContent(w, r, artifact.VideoFile, info.ModTime(), f)
}

// withoutPath drops the file path from a filesystem error so it never
// reaches a response body.
func withoutPath(err error) error {
	var pe *fs.PathError
	if errors.As(err, &pe) {
		return pe.Err
	}
	return err
}

// record journals one request outcome. Journal failures are logged and never
// fail the request.
func (s *Server) record(ctx context.Context, e journal.Entry, err error) {
	e.Status = observe.StatusOf(err)
	if err != nil {
		e.Error = err.Error()
	}
	if jerr := s.journal.Record(context.WithoutCancel(ctx), e); jerr != nil {
		observe.Logger(ctx).Warn("api: journal record failed", "user_id", e.UserID, "err", jerr)
	}
}
