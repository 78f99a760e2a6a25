// Package journal keeps a history of speech and video requests per user.
//
// The history is informational: artifacts on disk remain the source of truth
// for what can be downloaded. Recording failures are logged by callers and
// never fail a request.
package journal

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind identifies what a request produced.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Entry is one recorded request.
type Entry struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	DirName   string    `json:"dir_name"`
	Kind      Kind      `json:"kind"`
	Chunks    int       `json:"chunks"`
	Bytes     int64     `json:"bytes"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Journal records and lists request history.
//
// All implementations must be safe for concurrent use.
type Journal interface {
	// Record stores e. Empty ID and zero CreatedAt are filled in.
	Record(ctx context.Context, e Entry) error

	// Recent returns up to limit entries of userID, newest first.
	Recent(ctx context.Context, userID string, limit int) ([]Entry, error)
}

// normalize fills generated fields of e.
func normalize(e Entry, now time.Time) Entry {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	return e
}

// Nop discards entries and lists nothing. It is used when no database is
// configured.
type Nop struct{}

// Compile-time interface assertions.
var (
	_ Journal = Nop{}
	_ Journal = (*MemJournal)(nil)
)

// Record implements [Journal].
func (Nop) Record(context.Context, Entry) error { return nil }

// Recent implements [Journal].
func (Nop) Recent(context.Context, string, int) ([]Entry, error) { return []Entry{}, nil }

// MemJournal is a thread-safe, in-memory [Journal]. The zero value is ready
// to use.
type MemJournal struct {
	mu      sync.RWMutex
	entries []Entry
}

// Record implements [Journal].
func (j *MemJournal) Record(_ context.Context, e Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, normalize(e, time.Now()))
	return nil
}

// Recent implements [Journal].
func (j *MemJournal) Recent(_ context.Context, userID string, limit int) ([]Entry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := []Entry{}
	for _, e := range slices.Backward(j.entries) {
		if limit > 0 && len(out) >= limit {
			break
		}
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out, nil
}
