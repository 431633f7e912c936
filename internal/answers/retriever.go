package answers

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"knowbase/internal/embedding"
	"knowbase/internal/storage"
	"knowbase/pkg/types"
)

// ScoredChunk pairs a chunk with its hybrid relevance score.
type ScoredChunk struct {
	Chunk types.KnowledgeChunk `json:"chunk"`
	Score float64              `json:"score"`
}

// Retriever ranks a tenant's knowledge chunks for a question by blending
// vector cosine similarity with lexical term overlap. Pure semantic
// search under-ranks exact identifiers; pure lexical search misses
// paraphrase; the blend covers both.
type Retriever struct {
	chunks        storage.ChunkStore
	embedder      embedding.Embedder
	maxChunks     int
	lexicalWeight float64
	logger        *slog.Logger
}

// NewRetriever wires a hybrid retriever. lexicalWeight is the share of
// the final score taken from lexical overlap.
func NewRetriever(chunks storage.ChunkStore, embedder embedding.Embedder, maxChunks int, lexicalWeight float64, logger *slog.Logger) *Retriever {
	if maxChunks <= 0 {
		maxChunks = 30
	}
	if lexicalWeight < 0 || lexicalWeight > 1 {
		lexicalWeight = 0.3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{
		chunks:        chunks,
		embedder:      embedder,
		maxChunks:     maxChunks,
		lexicalWeight: lexicalWeight,
		logger:        logger,
	}
}

// Retrieve returns the top-K chunks for the question. K scales with the
// tenant's corpus size, clamped to [5, maxChunks]. Chunks without an
// embedding and questions whose embedding failed still rank through the
// lexical term. Zero relevant chunks returns an empty slice; callers
// fall back to FallbackContext rather than sending nothing downstream.
func (r *Retriever) Retrieve(ctx context.Context, chatbotID, question string) ([]ScoredChunk, error) {
	chunks, err := r.chunks.ChunksByChatbot(ctx, chatbotID)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, nil
	}

	var questionVec []float64
	if r.embedder != nil {
		questionVec, err = r.embedder.Embed(ctx, NormalizeQuestion(question))
		if err != nil {
			r.logger.Warn("question embedding failed, lexical-only retrieval", "error", err)
			questionVec = nil
		}
	}
	terms := lexicalTerms(question)

	scored := make([]ScoredChunk, 0, len(chunks))
	for _, chunk := range chunks {
		semantic := cosineSimilarity(questionVec, chunk.Embedding)
		lexical := lexicalScore(terms, chunk.ChunkText)
		score := (1-r.lexicalWeight)*semantic + r.lexicalWeight*lexical
		if score <= 0 {
			continue
		}
		scored = append(scored, ScoredChunk{Chunk: chunk, Score: score})
	}
	if len(scored) == 0 {
		return nil, nil
	}

	sortByScore(scored)
	k := r.topK(len(chunks))
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

// FallbackContext returns a bounded slice of raw chunk text in document
// order, for when ranked retrieval yields nothing.
func (r *Retriever) FallbackContext(ctx context.Context, chatbotID string, maxChars int) (string, error) {
	chunks, err := r.chunks.ChunksByChatbot(ctx, chatbotID)
	if err != nil {
		return "", err
	}
	if maxChars <= 0 {
		maxChars = 4000
	}

	var b strings.Builder
	for _, chunk := range chunks {
		if b.Len() >= maxChars {
			break
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(chunk.ChunkText)
	}
	text := b.String()
	if len(text) > maxChars {
		text = text[:maxChars]
	}
	return text, nil
}

// topK scales K with corpus size: one chunk of context per ten stored
// chunks, clamped to [5, maxChunks].
func (r *Retriever) topK(corpusSize int) int {
	k := corpusSize / 10
	if k < 5 {
		k = 5
	}
	if k > r.maxChunks {
		k = r.maxChunks
	}
	return k
}

// sortByScore orders descending by score; ties keep document order.
func sortByScore(scored []ScoredChunk) {
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})
}

// lexicalTerms tokenizes the question, dropping terms too short to
// discriminate.
func lexicalTerms(question string) []string {
	fields := strings.Fields(strings.ToLower(question))
	terms := make([]string, 0, len(fields))
	for _, field := range fields {
		term := strings.Trim(field, ".,;:!?\"'()[]")
		if len(term) > 2 {
			terms = append(terms, term)
		}
	}
	return terms
}

// lexicalScore is the fraction of question terms present in the chunk.
func lexicalScore(terms []string, chunkText string) float64 {
	if len(terms) == 0 {
		return 0
	}
	haystack := strings.ToLower(chunkText)
	matched := 0
	for _, term := range terms {
		if strings.Contains(haystack, term) {
			matched++
		}
	}
	return float64(matched) / float64(len(terms))
}
