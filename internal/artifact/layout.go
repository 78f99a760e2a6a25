// Package artifact defines where generated speech and video live in the
// store and how a user's history of completed requests is listed.
//
// Every request owns one directory named after the minute it was made:
//
//	{user_id}/{YYYY-MM-DD-HH:MM}/speech-chunk-{i}.mp3
//	{user_id}/{YYYY-MM-DD-HH:MM}/final.mp3
//	{user_id}/{YYYY-MM-DD-HH:MM}/final.mp4
package artifact

import (
	"fmt"
	"time"

	"github.com/MrWong99/voicecast/internal/storage"
)

// TimestampLayout formats request directories. Zero-padded and big-endian, so
// lexical order matches chronological order.
const TimestampLayout = "2006-01-02-15:04"

const (
	// AudioFile is the merged speech artifact.
	AudioFile = "final.mp3"

	// VideoFile is the rendered video artifact.
	VideoFile = "final.mp4"

	chunkFileFormat = "speech-chunk-%d.mp3"
)

// FormatTimestamp returns the directory name for a request made at t.
func FormatTimestamp(t time.Time) string {
	return t.Format(TimestampLayout)
}

// ParseTimestamp parses a directory name produced by [FormatTimestamp] in the
// local time zone.
func ParseTimestamp(name string) (time.Time, error) {
	t, err := time.ParseInLocation(TimestampLayout, name, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("artifact: parse timestamp %q: %w", name, err)
	}
	return t, nil
}

// Dir identifies one request directory.
type Dir struct {
	UserID string
	Name   string
}

// NewDir returns the directory for a request by userID at t.
func NewDir(userID string, t time.Time) Dir {
	return Dir{UserID: userID, Name: FormatTimestamp(t)}
}

// ParseDir validates a directory name received from a client.
func ParseDir(userID, name string) (Dir, error) {
	if err := storage.ValidateSegment(userID); err != nil {
		return Dir{}, fmt.Errorf("artifact: user id: %w", err)
	}
	if err := storage.ValidateSegment(name); err != nil {
		return Dir{}, fmt.Errorf("artifact: dir name: %w", err)
	}
	return Dir{UserID: userID, Name: name}, nil
}

// Validate reports whether d can be turned into storage keys.
func (d Dir) Validate() error {
	_, err := ParseDir(d.UserID, d.Name)
	return err
}

// Key returns the storage key of file inside d.
func (d Dir) Key(file string) string {
	return storage.Join(d.UserID, d.Name, file)
}

// AudioKey returns the key of the merged speech artifact.
func (d Dir) AudioKey() string { return d.Key(AudioFile) }

// VideoKey returns the key of the rendered video artifact.
func (d Dir) VideoKey() string { return d.Key(VideoFile) }

// ChunkKey returns the key of the intermediate audio for chunk index (1-based).
func (d Dir) ChunkKey(index int) string {
	return d.Key(fmt.Sprintf(chunkFileFormat, index))
}

func (d Dir) String() string { return storage.Join(d.UserID, d.Name) }
