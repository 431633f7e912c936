package storage

import (
	"context"
	"testing"
	"time"

	"knowbase/pkg/types"
)

// The memory store must satisfy the full persistence surface.
var _ Store = (*MemoryStore)(nil)

func TestMemoryStoreReplaceChunksIsWholesale(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	first := []types.KnowledgeChunk{
		{ID: "a", ChatbotID: "bot", SourceURL: "https://example.com/x", ChunkIndex: 0, ContentHash: "h1"},
		{ID: "b", ChatbotID: "bot", SourceURL: "https://example.com/x", ChunkIndex: 1, ContentHash: "h2"},
	}
	if err := store.ReplaceChunks(ctx, "bot", "https://example.com/x", first); err != nil {
		t.Fatalf("ReplaceChunks: %v", err)
	}

	other := []types.KnowledgeChunk{
		{ID: "c", ChatbotID: "bot", SourceURL: "https://example.com/y", ChunkIndex: 0, ContentHash: "h3"},
	}
	if err := store.ReplaceChunks(ctx, "bot", "https://example.com/y", other); err != nil {
		t.Fatalf("ReplaceChunks: %v", err)
	}

	replacement := []types.KnowledgeChunk{
		{ID: "d", ChatbotID: "bot", SourceURL: "https://example.com/x", ChunkIndex: 0, ContentHash: "h4"},
	}
	if err := store.ReplaceChunks(ctx, "bot", "https://example.com/x", replacement); err != nil {
		t.Fatalf("ReplaceChunks: %v", err)
	}

	chunks, err := store.ChunksByChatbot(ctx, "bot")
	if err != nil {
		t.Fatalf("ChunksByChatbot: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2 (replacement + untouched source)", len(chunks))
	}
	for _, chunk := range chunks {
		if chunk.ID == "a" || chunk.ID == "b" {
			t.Errorf("superseded chunk %s survived replacement", chunk.ID)
		}
	}

	count, err := store.CountChunks(ctx, "bot")
	if err != nil || count != 2 {
		t.Fatalf("CountChunks = %d, %v; want 2, nil", count, err)
	}
}

func TestMemoryStoreMetadataRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	missing, err := store.GetMetadata(ctx, "bot", "https://example.com/")
	if err != nil || missing != nil {
		t.Fatalf("GetMetadata on empty store = %v, %v; want nil, nil", missing, err)
	}

	meta := types.CrawlMetadata{
		ChatbotID:     "bot",
		URL:           "https://example.com/",
		ContentHash:   "abc",
		LastCrawledAt: time.Now(),
	}
	if err := store.PutMetadata(ctx, meta); err != nil {
		t.Fatalf("PutMetadata: %v", err)
	}

	got, err := store.GetMetadata(ctx, "bot", "https://example.com/")
	if err != nil {
		t.Fatalf("GetMetadata: %v", err)
	}
	if got == nil || got.ContentHash != "abc" {
		t.Fatalf("GetMetadata = %+v, want content hash abc", got)
	}
}

func TestMemoryStoreCacheHitAndClear(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	entry := types.AnswerCacheEntry{
		ChatbotID:    "bot",
		Question:     "what is this?",
		QuestionHash: "qh",
		Answer:       "a thing",
	}
	if err := store.PutCachedAnswer(ctx, entry); err != nil {
		t.Fatalf("PutCachedAnswer: %v", err)
	}

	now := time.Now()
	if err := store.RecordCacheHit(ctx, "bot", "qh", now); err != nil {
		t.Fatalf("RecordCacheHit: %v", err)
	}
	got, err := store.GetCachedAnswer(ctx, "bot", "qh")
	if err != nil || got == nil {
		t.Fatalf("GetCachedAnswer = %v, %v", got, err)
	}
	if got.HitCount != 1 || !got.LastUsedAt.Equal(now) {
		t.Errorf("hit accounting not applied: %+v", got)
	}

	// Hits against missing entries are ignored.
	if err := store.RecordCacheHit(ctx, "bot", "absent", now); err != nil {
		t.Fatalf("RecordCacheHit on missing entry: %v", err)
	}

	override := types.ManualOverride{
		AnswerCacheEntry: types.AnswerCacheEntry{ChatbotID: "bot", QuestionHash: "qh"},
		ManualAnswer:     "corrected",
	}
	if err := store.PutOverride(ctx, override); err != nil {
		t.Fatalf("PutOverride: %v", err)
	}

	if err := store.ClearCache(ctx, "bot"); err != nil {
		t.Fatalf("ClearCache: %v", err)
	}
	if got, _ := store.GetCachedAnswer(ctx, "bot", "qh"); got != nil {
		t.Error("cache entry survived ClearCache")
	}
	if got, _ := store.GetOverride(ctx, "bot", "qh"); got == nil {
		t.Error("override must survive ClearCache")
	}
}

func TestChunkIDDeterministic(t *testing.T) {
	a := ChunkID("bot", "hash", 3)
	b := ChunkID("bot", "hash", 3)
	if a != b {
		t.Fatalf("ChunkID not deterministic: %s vs %s", a, b)
	}
	if a == ChunkID("bot", "hash", 4) {
		t.Error("different indexes must produce different IDs")
	}
	if a == ChunkID("other", "hash", 3) {
		t.Error("different tenants must produce different IDs")
	}
	if len(a) != 36 {
		t.Errorf("ChunkID %q is not UUID-shaped", a)
	}
}
