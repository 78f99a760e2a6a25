package artifact

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/MrWong99/voicecast/internal/storage"
)

// Entry is one completed speech request in a user's history.
type Entry struct {
	// Timestamp is the minute the request was made.
	Timestamp time.Time

	// FilePath is the storage key of the merged audio.
	FilePath string

	// DirName is the name of the request directory.
	DirName string
}

// MarshalJSON renders Timestamp in [TimestampLayout].
func (e Entry) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Timestamp string `json:"timestamp"`
		FilePath  string `json:"file_path"`
		DirName   string `json:"dir_name"`
	}{
		Timestamp: FormatTimestamp(e.Timestamp),
		FilePath:  e.FilePath,
		DirName:   e.DirName,
	})
}

// List returns the completed requests of userID sorted oldest first.
//
// Directories whose name is not a timestamp or that hold no merged audio are
// skipped. A user without any directory gets an empty list.
func List(ctx context.Context, store storage.Store, userID string) ([]Entry, error) {
	if err := storage.ValidateSegment(userID); err != nil {
		return nil, fmt.Errorf("artifact: list: %w", err)
	}
	names, err := store.ListDirs(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return []Entry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("artifact: list %q: %w", userID, err)
	}

	entries := make([]Entry, 0, len(names))
	for _, name := range names {
		ts, err := ParseTimestamp(name)
		if err != nil {
			slog.Debug("artifact: skipping directory", "user_id", userID, "dir", name, "err", err)
			continue
		}
		dir := Dir{UserID: userID, Name: name}
		ok, err := store.Exists(ctx, dir.AudioKey())
		if err != nil {
			return nil, fmt.Errorf("artifact: list %q: %w", userID, err)
		}
		if !ok {
			continue
		}
		entries = append(entries, Entry{Timestamp: ts, FilePath: dir.AudioKey(), DirName: name})
	}

	slices.SortFunc(entries, func(a, b Entry) int {
		if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
			return c
		}
		return cmp.Compare(a.DirName, b.DirName)
	})
	return entries, nil
}
