// Package storage persists knowledge chunks, crawl metadata, and the
// answer cache. The Postgres implementation is the production path; the
// in-memory implementation backs tests and database-less runs.
package storage

import (
	"context"
	"time"

	"knowbase/pkg/types"
)

// ChunkStore holds ingested knowledge chunks, tenant-scoped. Chunks for a
// source are replaced wholesale, never partially mutated.
type ChunkStore interface {
	// ReplaceChunks deletes every chunk for (chatbotID, sourceURL) and
	// stores the given set in its place. An empty set removes the source.
	ReplaceChunks(ctx context.Context, chatbotID, sourceURL string, chunks []types.KnowledgeChunk) error

	// ChunksByChatbot returns all chunks for a tenant.
	ChunksByChatbot(ctx context.Context, chatbotID string) ([]types.KnowledgeChunk, error)

	// CountChunks reports how many chunks a tenant has.
	CountChunks(ctx context.Context, chatbotID string) (int, error)
}

// MetadataStore tracks per-URL change detection state.
type MetadataStore interface {
	// GetMetadata returns the stored row, or nil when the URL has never
	// been ingested for this tenant.
	GetMetadata(ctx context.Context, chatbotID, url string) (*types.CrawlMetadata, error)

	// PutMetadata inserts or updates the row for (chatbotID, url).
	PutMetadata(ctx context.Context, meta types.CrawlMetadata) error
}

// AnswerStore holds cached answers and manual overrides, keyed by the
// normalized question hash within a tenant.
type AnswerStore interface {
	GetCachedAnswer(ctx context.Context, chatbotID, questionHash string) (*types.AnswerCacheEntry, error)
	ListCachedAnswers(ctx context.Context, chatbotID string) ([]types.AnswerCacheEntry, error)
	PutCachedAnswer(ctx context.Context, entry types.AnswerCacheEntry) error

	// RecordCacheHit bumps hit_count and last_used_at for an entry.
	// Missing entries are ignored.
	RecordCacheHit(ctx context.Context, chatbotID, questionHash string, at time.Time) error

	// ClearCache removes every cached answer for a tenant. Overrides
	// survive; they are human-authored and not invalidated by content
	// changes.
	ClearCache(ctx context.Context, chatbotID string) error

	GetOverride(ctx context.Context, chatbotID, questionHash string) (*types.ManualOverride, error)
	ListOverrides(ctx context.Context, chatbotID string) ([]types.ManualOverride, error)
	PutOverride(ctx context.Context, override types.ManualOverride) error

	// RecordOverrideHit bumps hit_count and last_used_at for an
	// override. Missing entries are ignored.
	RecordOverrideHit(ctx context.Context, chatbotID, questionHash string, at time.Time) error
}

// Store is the full persistence surface the pipeline and answer layer
// depend on.
type Store interface {
	ChunkStore
	MetadataStore
	AnswerStore
}
