// Package ingest turns rendered pages and uploaded documents into
// embedded knowledge chunks, with change detection so unchanged sources
// are not re-processed.
package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"

	"knowbase/internal/config"
)

// Chunk is one bounded slice of a source's text. Hash is the sha256 of
// the chunk text and doubles as the de-duplication key.
type Chunk struct {
	Text  string
	Index int
	Hash  string
}

// Chunker splits normalized text into overlapping chunks.
type Chunker struct {
	size    int
	overlap int
}

// NewChunker builds a chunker from configuration. Zero or inverted
// values fall back to the defaults.
func NewChunker(cfg config.ChunkingConfig) *Chunker {
	size := cfg.ChunkSize
	if size <= 0 {
		size = 1200
	}
	overlap := cfg.ChunkOverlap
	if overlap < 0 || overlap >= size {
		overlap = size / 6
	}
	return &Chunker{size: size, overlap: overlap}
}

// Chunk splits text into chunks of at most the configured size, with the
// configured overlap carried between consecutive chunks. Splits prefer a
// whitespace boundary in the back half of the window so words stay whole.
// Output is deterministic for a given input.
func (c *Chunker) Chunk(text string) []Chunk {
	normalized := NormalizeText(text)
	if normalized == "" {
		return nil
	}

	runes := []rune(normalized)
	if len(runes) <= c.size {
		return []Chunk{{Text: normalized, Index: 0, Hash: HashContent(normalized)}}
	}

	var chunks []Chunk
	start := 0
	for start < len(runes) {
		end := start + c.size
		if end >= len(runes) {
			end = len(runes)
		} else {
			if cut := lastSpaceBefore(runes, start+c.size/2, end); cut > 0 {
				end = cut
			}
		}

		piece := strings.TrimSpace(string(runes[start:end]))
		if piece != "" {
			chunks = append(chunks, Chunk{
				Text:  piece,
				Index: len(chunks),
				Hash:  HashContent(piece),
			})
		}
		if end == len(runes) {
			break
		}
		next := end - c.overlap
		if next <= start {
			// Overlap larger than the piece we just cut; move forward
			// anyway so the loop always terminates.
			next = end
		}
		start = next
	}
	return chunks
}

// NormalizeText collapses all whitespace runs to single spaces and trims
// the ends. Hashing always runs over this form so cosmetic whitespace
// changes do not register as content changes.
func NormalizeText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// HashContent returns the hex sha256 of the normalized text.
func HashContent(text string) string {
	sum := sha256.Sum256([]byte(NormalizeText(text)))
	return hex.EncodeToString(sum[:])
}

// lastSpaceBefore finds the last whitespace rune in (min, max), or -1.
func lastSpaceBefore(runes []rune, min, max int) int {
	for i := max - 1; i > min; i-- {
		if unicode.IsSpace(runes[i]) {
			return i
		}
	}
	return -1
}
