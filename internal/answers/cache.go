// Package answers resolves an incoming question against manual
// overrides, the answer cache, and the knowledge chunk store, in that
// order of authority.
package answers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"sync"
	"time"

	"knowbase/internal/embedding"
	"knowbase/internal/storage"
	"knowbase/pkg/types"
)

// Source identifies which layer answered a lookup.
type Source string

const (
	SourceOverride Source = "override"
	SourceCache    Source = "cache"
	SourceMiss     Source = "miss"
)

// Resolution is the outcome of one answer lookup. On a miss the question
// embedding, when one was produced, is carried so the caller can store
// the generated answer without embedding twice.
type Resolution struct {
	Source             Source    `json:"source"`
	Answer             string    `json:"answer,omitempty"`
	SuggestedQuestions []string  `json:"suggested_questions,omitempty"`
	MatchedQuestion    string    `json:"matched_question,omitempty"`
	Similarity         float64   `json:"similarity,omitempty"`
	QuestionEmbedding  []float64 `json:"-"`
}

// Resolver performs the layered answer lookup. Overrides strictly
// outrank cache entries, exact hash matches outrank semantic ones.
type Resolver struct {
	store     storage.AnswerStore
	embedder  embedding.Embedder
	threshold float64
	logger    *slog.Logger

	// hit accounting runs off the request path
	hits sync.WaitGroup
}

// NewResolver wires an answer resolver. A nil embedder disables the
// semantic tiers; exact hash lookup still works.
func NewResolver(store storage.AnswerStore, embedder embedding.Embedder, threshold float64, logger *slog.Logger) *Resolver {
	if threshold <= 0 || threshold > 1 {
		threshold = 0.85
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{store: store, embedder: embedder, threshold: threshold, logger: logger}
}

// NormalizeQuestion produces the canonical question form: trimmed,
// lowercased, inner whitespace collapsed.
func NormalizeQuestion(question string) string {
	return strings.ToLower(strings.Join(strings.Fields(question), " "))
}

// HashQuestion returns the hex sha256 of the normalized question.
func HashQuestion(question string) string {
	sum := sha256.Sum256([]byte(NormalizeQuestion(question)))
	return hex.EncodeToString(sum[:])
}

// Lookup resolves a question through the cache layers: override exact,
// override semantic, cache exact, cache semantic, miss. Hits on either
// layer bump usage accounting asynchronously so the answer path never
// waits on a counter write.
func (r *Resolver) Lookup(ctx context.Context, chatbotID, question string) (*Resolution, error) {
	normalized := NormalizeQuestion(question)
	hash := HashQuestion(normalized)

	override, err := r.store.GetOverride(ctx, chatbotID, hash)
	if err != nil {
		return nil, err
	}
	if override != nil {
		r.recordHit(chatbotID, override.QuestionHash, r.store.RecordOverrideHit)
		return overrideResolution(override, 1), nil
	}

	var questionVec []float64
	if r.embedder != nil {
		questionVec, err = r.embedder.Embed(ctx, normalized)
		if err != nil {
			// Semantic tiers degrade away; exact lookup still answers.
			r.logger.Warn("question embedding failed, exact-match only", "error", err)
			questionVec = nil
		}
	}

	if questionVec != nil {
		overrides, err := r.store.ListOverrides(ctx, chatbotID)
		if err != nil {
			return nil, err
		}
		if best, sim := bestOverride(overrides, questionVec); best != nil && sim >= r.threshold {
			r.recordHit(chatbotID, best.QuestionHash, r.store.RecordOverrideHit)
			return overrideResolution(best, sim), nil
		}
	}

	cached, err := r.store.GetCachedAnswer(ctx, chatbotID, hash)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		r.recordHit(chatbotID, cached.QuestionHash, r.store.RecordCacheHit)
		return cacheResolution(cached, 1), nil
	}

	if questionVec != nil {
		entries, err := r.store.ListCachedAnswers(ctx, chatbotID)
		if err != nil {
			return nil, err
		}
		if best, sim := bestCacheEntry(entries, questionVec); best != nil && sim >= r.threshold {
			r.recordHit(chatbotID, best.QuestionHash, r.store.RecordCacheHit)
			return cacheResolution(best, sim), nil
		}
	}

	return &Resolution{Source: SourceMiss, QuestionEmbedding: questionVec}, nil
}

// StoreAnswer records a generated answer under the normalized question's
// hash. The embedding is reused when the caller has one (from a miss
// Resolution); otherwise one is produced here, and on failure the entry
// is stored exact-match-only.
func (r *Resolver) StoreAnswer(ctx context.Context, chatbotID, question, answer string, suggested []string, questionVec []float64) error {
	normalized := NormalizeQuestion(question)
	if questionVec == nil && r.embedder != nil {
		vec, err := r.embedder.Embed(ctx, normalized)
		if err != nil {
			r.logger.Warn("answer embedding failed, entry stored exact-match only", "error", err)
		} else {
			questionVec = vec
		}
	}
	now := time.Now().UTC()
	return r.store.PutCachedAnswer(ctx, types.AnswerCacheEntry{
		ChatbotID:          chatbotID,
		Question:           normalized,
		QuestionHash:       HashQuestion(normalized),
		Embedding:          questionVec,
		Answer:             answer,
		SuggestedQuestions: suggested,
		LastUsedAt:         now,
		CreatedAt:          now,
	})
}

// PutOverride stores a human-corrected answer, embedding the question so
// the override also matches paraphrases.
func (r *Resolver) PutOverride(ctx context.Context, chatbotID, question, manualAnswer, originalAnswer, createdBy string) error {
	normalized := NormalizeQuestion(question)
	var questionVec []float64
	if r.embedder != nil {
		vec, err := r.embedder.Embed(ctx, normalized)
		if err != nil {
			r.logger.Warn("override embedding failed, exact-match only", "error", err)
		} else {
			questionVec = vec
		}
	}
	now := time.Now().UTC()
	return r.store.PutOverride(ctx, types.ManualOverride{
		AnswerCacheEntry: types.AnswerCacheEntry{
			ChatbotID:    chatbotID,
			Question:     normalized,
			QuestionHash: HashQuestion(normalized),
			Embedding:    questionVec,
			LastUsedAt:   now,
			CreatedAt:    now,
		},
		ManualAnswer:   manualAnswer,
		OriginalAnswer: originalAnswer,
		CreatedBy:      createdBy,
	})
}

// recordHit bumps usage accounting for a cache entry or an override off
// the request path. record is one of the store's hit writers.
func (r *Resolver) recordHit(chatbotID, questionHash string, record func(context.Context, string, string, time.Time) error) {
	r.hits.Add(1)
	go func() {
		defer r.hits.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := record(ctx, chatbotID, questionHash, time.Now().UTC()); err != nil {
			r.logger.Warn("record hit failed", "hash", questionHash, "error", err)
		}
	}()
}

func bestOverride(overrides []types.ManualOverride, questionVec []float64) (*types.ManualOverride, float64) {
	var (
		best    *types.ManualOverride
		bestSim float64
	)
	for i := range overrides {
		sim := cosineSimilarity(questionVec, overrides[i].Embedding)
		if sim > bestSim {
			best = &overrides[i]
			bestSim = sim
		}
	}
	return best, bestSim
}

func bestCacheEntry(entries []types.AnswerCacheEntry, questionVec []float64) (*types.AnswerCacheEntry, float64) {
	var (
		best    *types.AnswerCacheEntry
		bestSim float64
	)
	for i := range entries {
		sim := cosineSimilarity(questionVec, entries[i].Embedding)
		if sim > bestSim {
			best = &entries[i]
			bestSim = sim
		}
	}
	return best, bestSim
}

func overrideResolution(override *types.ManualOverride, similarity float64) *Resolution {
	return &Resolution{
		Source:             SourceOverride,
		Answer:             override.ManualAnswer,
		SuggestedQuestions: override.SuggestedQuestions,
		MatchedQuestion:    override.Question,
		Similarity:         similarity,
	}
}

func cacheResolution(entry *types.AnswerCacheEntry, similarity float64) *Resolution {
	return &Resolution{
		Source:             SourceCache,
		Answer:             entry.Answer,
		SuggestedQuestions: entry.SuggestedQuestions,
		MatchedQuestion:    entry.Question,
		Similarity:         similarity,
	}
}
