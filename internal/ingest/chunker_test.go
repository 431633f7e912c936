package ingest

import (
	"strings"
	"testing"

	"knowbase/internal/config"
)

func TestChunkShortTextSingleChunk(t *testing.T) {
	c := NewChunker(config.ChunkingConfig{ChunkSize: 1200, ChunkOverlap: 200})
	chunks := c.Chunk("a short piece of text")
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if chunks[0].Text != "a short piece of text" {
		t.Errorf("chunk text = %q", chunks[0].Text)
	}
	if chunks[0].Hash != HashContent("a short piece of text") {
		t.Error("chunk hash must match content hash of its text")
	}
}

func TestChunkLongTextBoundsAndOverlap(t *testing.T) {
	c := NewChunker(config.ChunkingConfig{ChunkSize: 100, ChunkOverlap: 20})
	text := strings.Repeat("lorem ipsum dolor sit amet ", 50)
	chunks := c.Chunk(text)

	if len(chunks) < 2 {
		t.Fatalf("got %d chunks, want several", len(chunks))
	}
	for _, chunk := range chunks {
		if got := len([]rune(chunk.Text)); got > 100 {
			t.Errorf("chunk %d has %d runes, exceeds size", chunk.Index, got)
		}
		if chunk.Text != strings.TrimSpace(chunk.Text) {
			t.Errorf("chunk %d has ragged whitespace: %q", chunk.Index, chunk.Text)
		}
	}
	for i, chunk := range chunks {
		if chunk.Index != i {
			t.Errorf("chunk index %d out of order (want %d)", chunk.Index, i)
		}
	}

	// Consecutive chunks share overlapping text: the tail of one chunk
	// appears at the head of the next.
	head := chunks[1].Text[:10]
	if !strings.Contains(chunks[0].Text, head) {
		t.Errorf("no overlap between chunk 0 and chunk 1")
	}
}

func TestChunkDeterministic(t *testing.T) {
	c := NewChunker(config.ChunkingConfig{ChunkSize: 80, ChunkOverlap: 10})
	text := strings.Repeat("repeatable content here ", 30)

	first := c.Chunk(text)
	second := c.Chunk(text)
	if len(first) != len(second) {
		t.Fatalf("chunk counts differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("chunk %d differs between runs", i)
		}
	}
}

func TestChunkEmptyInput(t *testing.T) {
	c := NewChunker(config.ChunkingConfig{})
	if chunks := c.Chunk("   \n\t  "); chunks != nil {
		t.Fatalf("got %d chunks for whitespace input, want none", len(chunks))
	}
}

func TestHashContentIgnoresWhitespaceShape(t *testing.T) {
	a := HashContent("hello   world\n\tagain")
	b := HashContent("hello world again")
	if a != b {
		t.Error("hash must be stable across whitespace normalization")
	}
	if a == HashContent("hello world") {
		t.Error("different content must hash differently")
	}
	if len(a) != 64 {
		t.Errorf("hash %q is not hex sha256", a)
	}
}
