// Package chunker splits text into bounded pieces along grapheme cluster
// boundaries, so that no user-perceived character is ever cut in half.
package chunker

import (
	"errors"
	"fmt"

	"github.com/rivo/uniseg"
)

// DefaultMaxGraphemes is the per-request input limit of the speech API.
const DefaultMaxGraphemes = 4096

// ErrInvalidMaxSize is returned by [Split] when the chunk bound is not positive.
var ErrInvalidMaxSize = errors.New("chunker: max chunk size must be positive")

// Chunk is one ordered piece of the input.
type Chunk struct {
	// Index is the 1-based position of the chunk in the input.
	Index int

	// Text is the chunk content. It is never empty.
	Text string

	// Graphemes is the number of grapheme clusters in Text.
	Graphemes int
}

// Split partitions text into chunks of at most max grapheme clusters. Every
// chunk except possibly the last holds exactly max clusters, and joining the
// chunk texts in order reproduces text byte for byte. Empty input yields an
// empty slice.
func Split(text string, max int) ([]Chunk, error) {
	if max <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidMaxSize, max)
	}
	if text == "" {
		return []Chunk{}, nil
	}

	var (
		chunks []Chunk
		start  int
		count  int
		offset int
	)
	gr := uniseg.NewGraphemes(text)
	for gr.Next() {
		_, to := gr.Positions()
		count++
		offset = to
		if count == max {
			chunks = append(chunks, Chunk{Index: len(chunks) + 1, Text: text[start:offset], Graphemes: count})
			start = offset
			count = 0
		}
	}
	if count > 0 {
		chunks = append(chunks, Chunk{Index: len(chunks) + 1, Text: text[start:offset], Graphemes: count})
	}
	return chunks, nil
}

// Count returns the number of grapheme clusters in text.
func Count(text string) int {
	return uniseg.GraphemeClusterCount(text)
}
