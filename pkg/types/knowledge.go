package types

import "time"

// SourceType distinguishes crawled pages from uploaded documents.
type SourceType string

const (
	SourceWebsite  SourceType = "website"
	SourceDocument SourceType = "document"
)

// KnowledgeChunk is one addressable fragment of ingested content. Chunks
// for a source are superseded wholesale when the source changes; a chunk
// is never partially mutated.
type KnowledgeChunk struct {
	ID          string            `json:"id"`
	ChatbotID   string            `json:"chatbot_id"`
	SourceType  SourceType        `json:"source_type"`
	SourceURL   string            `json:"source_url"`
	SourceTitle string            `json:"source_title,omitempty"`
	ChunkText   string            `json:"chunk_text"`
	ChunkIndex  int               `json:"chunk_index"`
	ContentHash string            `json:"content_hash"`
	Embedding   []float64         `json:"embedding,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// CrawlMetadata tracks per-URL change detection state, one row per
// (chatbot, url).
type CrawlMetadata struct {
	ChatbotID     string    `json:"chatbot_id"`
	URL           string    `json:"url"`
	ContentHash   string    `json:"content_hash"`
	LastCrawledAt time.Time `json:"last_crawled_at"`
	LastModified  string    `json:"last_modified,omitempty"`
	ETag          string    `json:"etag,omitempty"`
}

// AnswerCacheEntry stores a previously generated answer keyed by the
// normalized question's hash and embedding.
type AnswerCacheEntry struct {
	ChatbotID          string    `json:"chatbot_id"`
	Question           string    `json:"question"`
	QuestionHash       string    `json:"question_hash"`
	Embedding          []float64 `json:"embedding,omitempty"`
	Answer             string    `json:"answer"`
	SuggestedQuestions []string  `json:"suggested_questions,omitempty"`
	HitCount           int64     `json:"hit_count"`
	LastUsedAt         time.Time `json:"last_used_at"`
	CreatedAt          time.Time `json:"created_at"`
}

// ManualOverride is a human-corrected answer. It shares the cache entry
// shape and strictly outranks automated entries at lookup time.
type ManualOverride struct {
	AnswerCacheEntry
	ManualAnswer   string `json:"manual_answer"`
	OriginalAnswer string `json:"original_answer,omitempty"`
	CreatedBy      string `json:"created_by,omitempty"`
}
