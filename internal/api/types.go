package api

import (
	"time"

	"knowbase/internal/answers"
	"knowbase/internal/ingest"
)

// CreateJobRequest launches an ingestion job: crawl the seed URLs and
// ingest whatever they yield for the chatbot.
type CreateJobRequest struct {
	ChatbotID string   `json:"chatbot_id"`
	URLs      []string `json:"urls"`
	MaxDepth  *int     `json:"max_depth,omitempty"`
	MaxPages  *int     `json:"max_pages,omitempty"`
	Mode      string   `json:"mode,omitempty"`
}

// UploadDocumentRequest ingests one uploaded document. Content is the
// base64-encoded payload.
type UploadDocumentRequest struct {
	ChatbotID string `json:"chatbot_id"`
	Name      string `json:"name"`
	Content   string `json:"content"`
}

// RenderRequest fetches a single page through the renderer stack.
type RenderRequest struct {
	URL  string `json:"url"`
	Mode string `json:"mode,omitempty"`
}

// AskRequest resolves a question through the answer layers.
type AskRequest struct {
	ChatbotID string `json:"chatbot_id"`
	Question  string `json:"question"`
}

// StoreAnswerRequest records a generated answer in the cache.
type StoreAnswerRequest struct {
	ChatbotID          string   `json:"chatbot_id"`
	Question           string   `json:"question"`
	Answer             string   `json:"answer"`
	SuggestedQuestions []string `json:"suggested_questions,omitempty"`
}

// OverrideRequest records a human-corrected answer.
type OverrideRequest struct {
	ChatbotID      string `json:"chatbot_id"`
	Question       string `json:"question"`
	ManualAnswer   string `json:"manual_answer"`
	OriginalAnswer string `json:"original_answer,omitempty"`
	CreatedBy      string `json:"created_by,omitempty"`
}

// SearchRequest ranks knowledge chunks for a question.
type SearchRequest struct {
	ChatbotID string `json:"chatbot_id"`
	Question  string `json:"question"`
}

// SearchResponse carries ranked chunks, or a bounded raw-content
// fallback when ranking produced nothing.
type SearchResponse struct {
	Chunks          []answers.ScoredChunk `json:"chunks"`
	FallbackContext string                `json:"fallback_context,omitempty"`
}

// JobStatus is the lifecycle stage of an ingestion job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusRunning    JobStatus = "running"
	JobStatusCancelling JobStatus = "cancelling"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusCancelled  JobStatus = "cancelled"
	JobStatusFailed     JobStatus = "failed"
)

// JobSummary is the public state of an ingestion job.
type JobSummary struct {
	JobID       string         `json:"job_id"`
	ChatbotID   string         `json:"chatbot_id"`
	Status      JobStatus      `json:"status"`
	SeedURLs    []string       `json:"seed_urls"`
	Report      *ingest.Report `json:"report,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Message     string         `json:"message,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// SSEEvent envelopes job state for Server-Sent Event clients.
type SSEEvent struct {
	Type      string     `json:"type"`
	Timestamp time.Time  `json:"timestamp"`
	Job       JobSummary `json:"job"`
}
