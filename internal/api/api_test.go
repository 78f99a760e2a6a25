package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voicecast/internal/auth"
	"github.com/MrWong99/voicecast/internal/chunker"
	"github.com/MrWong99/voicecast/internal/journal"
	"github.com/MrWong99/voicecast/internal/speech"
	"github.com/MrWong99/voicecast/internal/storage"
	"github.com/MrWong99/voicecast/internal/video"
	"github.com/MrWong99/voicecast/pkg/provider/tts"
	"github.com/MrWong99/voicecast/pkg/provider/tts/mock"
)

var testTime = time.Date(2025, 4, 3, 14, 3, 0, 0, time.Local)

// stubEncoder writes a fixed payload instead of running ffmpeg.
type stubEncoder struct {
	mu    sync.Mutex
	calls int
}

func (e *stubEncoder) Encode(_ context.Context, _, audio, output string) error {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	src, err := os.ReadFile(audio)
	if err != nil {
		return err
	}
	return os.WriteFile(output, append([]byte("VIDEO:"), src...), 0o644)
}

func (e *stubEncoder) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

type harness struct {
	store    *storage.FS
	provider *mock.Provider
	encoder  *stubEncoder
	journal  *journal.MemJournal
	handler  http.Handler
}

func newHarness(t *testing.T, now func() time.Time) *harness {
	t.Helper()
	root := t.TempDir()
	store, err := storage.NewFS(filepath.Join(root, "files"))
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	cover := filepath.Join(root, "cover.png")
	if err := os.WriteFile(cover, []byte("PNG"), 0o644); err != nil {
		t.Fatalf("write cover: %v", err)
	}

	p := &mock.Provider{
		SynthesizeFunc: func(text, _ string) ([]byte, error) { return []byte(text), nil },
		ListVoicesResult: []tts.VoiceProfile{
			{ID: "onyx", Name: "Onyx", Provider: "mock"},
			{ID: "nova", Name: "Nova", Provider: "mock"},
		},
	}
	d := speech.NewDispatcher(p, store)
	pipeline := speech.NewPipeline(d, speech.NewConcatMerger(store), store,
		speech.WithMaxGraphemes(5),
		speech.WithDefaultVoice("onyx"),
		speech.WithClock(now),
	)
	enc := &stubEncoder{}
	j := &journal.MemJournal{}

	srv := New(pipeline, video.NewRenderer(enc, cover), store,
		WithVoices(p),
		WithJournal(j),
	)
	return &harness{store: store, provider: p, encoder: enc, journal: j, handler: srv.Handler()}
}

func (h *harness) do(t *testing.T, method, path, body, user string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if user != "" {
		req.Header.Set(auth.DefaultUserHeader, user)
		req.Header.Set(auth.DefaultNameHeader, "Ada Lovelace")
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func errorOf(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v (raw %q)", err, rec.Body.String())
	}
	return body.Error
}

func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

func TestSpeech_ReturnsMergedAudio(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fixedClock(testTime))

	rec := h.do(t, http.MethodPost, "/api/speech", `{"input":"  hello world  "}`, "alice")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %q)", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "audio/mpeg" {
		t.Errorf("Content-Type = %q, want audio/mpeg", ct)
	}
	if got := rec.Body.String(); got != "hello world" {
		t.Errorf("body = %q, want %q", got, "hello world")
	}
	if dir := rec.Header().Get("X-Artifact-Dir"); dir != "2025-04-03-14:03" {
		t.Errorf("X-Artifact-Dir = %q", dir)
	}
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Error("missing request id header")
	}
	if n := h.provider.CallCount(); n != 3 {
		t.Errorf("provider calls = %d, want 3 chunks of at most 5 graphemes", n)
	}

	entries, _ := h.journal.Recent(context.Background(), "alice", 10)
	if len(entries) != 1 || entries[0].Status != "ok" || entries[0].Chunks != 3 {
		t.Errorf("journal = %+v, want one ok entry with 3 chunks", entries)
	}
}

func TestSpeech_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		body    string
		user    string
		want    int
		wantMsg string
	}{
		{name: "no identity", body: `{"input":"hi"}`, want: http.StatusUnauthorized},
		{name: "bad user id", body: `{"input":"hi"}`, user: "..", want: http.StatusUnauthorized},
		{name: "blank input", body: `{"input":"   "}`, user: "bob", want: http.StatusBadRequest, wantMsg: "empty"},
		{name: "malformed json", body: `{"input":`, user: "bob", want: http.StatusBadRequest},
		{name: "unknown voice", body: `{"input":"hi","voice":"robot"}`, user: "bob", want: http.StatusBadRequest, wantMsg: "robot"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, fixedClock(testTime))
			rec := h.do(t, http.MethodPost, "/api/speech", tt.body, tt.user)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d (body %q)", rec.Code, tt.want, rec.Body.String())
			}
			msg := errorOf(t, rec)
			if msg == "" {
				t.Error("error message is empty")
			}
			if tt.wantMsg != "" && !strings.Contains(msg, tt.wantMsg) {
				t.Errorf("error = %q, want it to contain %q", msg, tt.wantMsg)
			}
		})
	}
}

func TestSpeech_ChunkFailureIsServerError(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fixedClock(testTime))
	h.provider.SynthesizeFunc = func(text, _ string) ([]byte, error) {
		if strings.Contains(text, "bad") {
			return nil, errors.New("openai tts: attempt #2: request failed with status 503")
		}
		return []byte(text), nil
	}

	rec := h.do(t, http.MethodPost, "/api/speech", `{"input":"good bad"}`, "carol")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	msg := errorOf(t, rec)
	if !strings.Contains(msg, "chunk #2") || !strings.Contains(msg, "attempt #2") {
		t.Errorf("error = %q, want chunk and attempt numbers", msg)
	}
	if ok, _ := h.store.Exists(context.Background(), "carol/2025-04-03-14:03/final.mp3"); ok {
		t.Error("final.mp3 must not exist after a failed chunk")
	}

	entries, _ := h.journal.Recent(context.Background(), "carol", 10)
	if len(entries) != 1 || entries[0].Status != "error" {
		t.Errorf("journal = %+v, want one error entry", entries)
	}
}

func TestSpeech_SameMinuteConflicts(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fixedClock(testTime))

	if rec := h.do(t, http.MethodPost, "/api/speech", `{"input":"one"}`, "dave"); rec.Code != http.StatusOK {
		t.Fatalf("first status = %d", rec.Code)
	}
	rec := h.do(t, http.MethodPost, "/api/speech", `{"input":"two"}`, "dave")
	if rec.Code != http.StatusConflict {
		t.Fatalf("second status = %d, want 409", rec.Code)
	}
}

func TestVideo_SynthesizesAndRenders(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fixedClock(testTime))

	rec := h.do(t, http.MethodPost, "/api/video", `{"input":"hi","voice":"nova"}`, "erin")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %q)", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "video/mp4" {
		t.Errorf("Content-Type = %q, want video/mp4", ct)
	}
	if got := rec.Body.String(); got != "VIDEO:hi" {
		t.Errorf("body = %q, want %q", got, "VIDEO:hi")
	}
	if calls := h.provider.SynthesizeCalls; len(calls) != 1 || calls[0].Voice != "nova" {
		t.Errorf("synthesize calls = %+v, want one call with voice nova", calls)
	}
}

func TestVideo_EncoderMissingHidesPaths(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	store, err := storage.NewFS(filepath.Join(root, "files"))
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	cover := filepath.Join(root, "cover.png")
	if err := os.WriteFile(cover, []byte("PNG"), 0o644); err != nil {
		t.Fatalf("write cover: %v", err)
	}
	p := &mock.Provider{SynthesizeFunc: func(text, _ string) ([]byte, error) { return []byte(text), nil }}
	pipeline := speech.NewPipeline(speech.NewDispatcher(p, store), speech.NewConcatMerger(store), store,
		speech.WithClock(fixedClock(testTime)),
	)
	enc := &video.FFmpegEncoder{Path: filepath.Join(root, "bin", "ffmpeg")}
	h := &harness{store: store, provider: p, handler: New(pipeline, video.NewRenderer(enc, cover), store).Handler()}

	rec := h.do(t, http.MethodPost, "/api/video", `{"input":"hello"}`, "ivy")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500 (body %q)", rec.Code, rec.Body.String())
	}
	if msg := errorOf(t, rec); strings.Contains(msg, root) {
		t.Errorf("error %q exposes a filesystem path", msg)
	}
}

func TestFiles_ListsAscending(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	now := testTime
	h := newHarness(t, func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	})
	setNow := func(t time.Time) {
		mu.Lock()
		now = t
		mu.Unlock()
	}

	setNow(testTime)
	h.do(t, http.MethodPost, "/api/speech", `{"input":"later"}`, "frank")
	setNow(testTime.Add(-48 * time.Hour))
	h.do(t, http.MethodPost, "/api/speech", `{"input":"early"}`, "frank")
	// Not a timestamp directory; must be ignored.
	if err := h.store.Put(context.Background(), "frank/not-a-date/final.mp3", strings.NewReader("x")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	rec := h.do(t, http.MethodGet, "/api/files", "", "frank")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got []struct {
		Timestamp string `json:"timestamp"`
		FilePath  string `json:"file_path"`
		DirName   string `json:"dir_name"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("entries = %+v, want 2", got)
	}
	if got[0].DirName != "2025-04-01-14:03" || got[1].DirName != "2025-04-03-14:03" {
		t.Errorf("order = %s, %s; want ascending", got[0].DirName, got[1].DirName)
	}
	if got[1].FilePath != "frank/2025-04-03-14:03/final.mp3" {
		t.Errorf("file_path = %q", got[1].FilePath)
	}
}

func TestFiles_EmptyForNewUser(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fixedClock(testTime))

	rec := h.do(t, http.MethodGet, "/api/files", "", "newbie")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body := strings.TrimSpace(rec.Body.String()); body != "[]" {
		t.Errorf("body = %q, want []", body)
	}
}

func TestFileAudio(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fixedClock(testTime))
	h.do(t, http.MethodPost, "/api/speech", `{"input":"stored"}`, "gina")

	rec := h.do(t, http.MethodGet, "/api/files/2025-04-03-14:03/mp3", "", "gina")
	if rec.Code != http.StatusOK || rec.Body.String() != "stored" {
		t.Errorf("status = %d body = %q, want 200 stored", rec.Code, rec.Body.String())
	}

	// Another user cannot see gina's directory.
	rec = h.do(t, http.MethodGet, "/api/files/2025-04-03-14:03/mp3", "", "mallory")
	if rec.Code != http.StatusNotFound {
		t.Errorf("cross-user status = %d, want 404", rec.Code)
	}
}

func TestFileVideo_RendersOnceThenCaches(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fixedClock(testTime))
	h.do(t, http.MethodPost, "/api/speech", `{"input":"clip"}`, "hank")

	for i := range 2 {
		rec := h.do(t, http.MethodGet, "/api/files/2025-04-03-14:03/mp4", "", "hank")
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d (body %q)", i, rec.Code, rec.Body.String())
		}
		if rec.Body.String() != "VIDEO:clip" {
			t.Errorf("request %d: body = %q", i, rec.Body.String())
		}
	}
	if n := h.encoder.Calls(); n != 1 {
		t.Errorf("encoder calls = %d, want 1", n)
	}
}

func TestFileVideo_MissingAudio(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fixedClock(testTime))

	rec := h.do(t, http.MethodGet, "/api/files/2025-01-01-00:00/mp4", "", "ivan")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if msg := errorOf(t, rec); msg != "final.mp3 not found" {
		t.Errorf("error = %q, want %q", msg, "final.mp3 not found")
	}
	if n := h.encoder.Calls(); n != 0 {
		t.Errorf("encoder calls = %d, want 0", n)
	}
}

func TestMe(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fixedClock(testTime))

	rec := h.do(t, http.MethodGet, "/api/users/me", "", "judy")
	var u auth.User
	if err := json.NewDecoder(rec.Body).Decode(&u); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if u.ID != "judy" || u.FirstName != "Ada" {
		t.Errorf("user = %+v, want judy/Ada", u)
	}
}

func TestVoices(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fixedClock(testTime))

	rec := h.do(t, http.MethodGet, "/api/voices", "", "kim")
	var voices []tts.VoiceProfile
	if err := json.NewDecoder(rec.Body).Decode(&voices); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(voices) != 2 {
		t.Errorf("voices = %+v, want 2", voices)
	}
}

func TestHistory(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fixedClock(testTime))
	h.do(t, http.MethodPost, "/api/speech", `{"input":"a"}`, "leo")

	rec := h.do(t, http.MethodGet, "/api/history?limit=5", "", "leo")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var entries []journal.Entry
	if err := json.NewDecoder(rec.Body).Decode(&entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(entries) != 1 || entries[0].Kind != journal.KindAudio {
		t.Errorf("entries = %+v", entries)
	}

	if rec := h.do(t, http.MethodGet, "/api/history?limit=0", "", "leo"); rec.Code != http.StatusBadRequest {
		t.Errorf("limit=0 status = %d, want 400", rec.Code)
	}
}

func TestStatusFor(t *testing.T) {
	t.Parallel()
	enc := &video.FFmpegEncoder{Path: filepath.Join(t.TempDir(), "missing", "ffmpeg")}
	spawnErr := enc.Encode(context.Background(), "c.png", "a.mp3", "o.mp4")
	if spawnErr == nil {
		t.Fatal("Encode with a missing binary succeeded")
	}
	tests := []struct {
		err  error
		want int
	}{
		{auth.ErrUnauthenticated, http.StatusUnauthorized},
		{errors.Join(auth.ErrInvalidUser, storage.ErrInvalidKey), http.StatusUnauthorized},
		{speech.ErrEmptyText, http.StatusBadRequest},
		{fmt.Errorf("wrap: %w", chunker.ErrInvalidMaxSize), http.StatusBadRequest},
		{storage.ErrInvalidKey, http.StatusBadRequest},
		{storage.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("%w: x", speech.ErrArtifactExists), http.StatusConflict},
		{&speech.ChunkError{Index: 2, Err: errors.New("boom")}, http.StatusInternalServerError},
		{video.ErrCoverMissing, http.StatusInternalServerError},
		{spawnErr, http.StatusInternalServerError},
		{fmt.Errorf("open: %w", os.ErrNotExist), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestRequestIDEchoed(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fixedClock(testTime))

	req := httptest.NewRequest(http.MethodGet, "/api/users/me", nil)
	req.Header.Set(auth.DefaultUserHeader, "max")
	req.Header.Set(RequestIDHeader, "req-123")
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	if got := rec.Header().Get(RequestIDHeader); got != "req-123" {
		t.Errorf("%s = %q, want req-123", RequestIDHeader, got)
	}
}
