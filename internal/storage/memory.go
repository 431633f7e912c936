package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"knowbase/pkg/types"
)

// MemoryStore is an in-process Store used by tests and database-less
// runs. All methods are safe for concurrent use.
type MemoryStore struct {
	mu        sync.RWMutex
	chunks    map[string][]types.KnowledgeChunk        // chatbotID -> chunks
	metadata  map[string]map[string]types.CrawlMetadata // chatbotID -> url -> row
	cache     map[string]map[string]types.AnswerCacheEntry
	overrides map[string]map[string]types.ManualOverride
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chunks:    make(map[string][]types.KnowledgeChunk),
		metadata:  make(map[string]map[string]types.CrawlMetadata),
		cache:     make(map[string]map[string]types.AnswerCacheEntry),
		overrides: make(map[string]map[string]types.ManualOverride),
	}
}

func (m *MemoryStore) ReplaceChunks(ctx context.Context, chatbotID, sourceURL string, chunks []types.KnowledgeChunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.chunks[chatbotID][:0:0]
	for _, chunk := range m.chunks[chatbotID] {
		if chunk.SourceURL != sourceURL {
			kept = append(kept, chunk)
		}
	}
	kept = append(kept, chunks...)
	m.chunks[chatbotID] = kept
	return nil
}

func (m *MemoryStore) ChunksByChatbot(ctx context.Context, chatbotID string) ([]types.KnowledgeChunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	chunks := make([]types.KnowledgeChunk, len(m.chunks[chatbotID]))
	copy(chunks, m.chunks[chatbotID])
	sort.SliceStable(chunks, func(i, j int) bool {
		if chunks[i].SourceURL != chunks[j].SourceURL {
			return chunks[i].SourceURL < chunks[j].SourceURL
		}
		return chunks[i].ChunkIndex < chunks[j].ChunkIndex
	})
	return chunks, nil
}

func (m *MemoryStore) CountChunks(ctx context.Context, chatbotID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.chunks[chatbotID]), nil
}

func (m *MemoryStore) GetMetadata(ctx context.Context, chatbotID, url string) (*types.CrawlMetadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	row, ok := m.metadata[chatbotID][url]
	if !ok {
		return nil, nil
	}
	return &row, nil
}

func (m *MemoryStore) PutMetadata(ctx context.Context, meta types.CrawlMetadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.metadata[meta.ChatbotID] == nil {
		m.metadata[meta.ChatbotID] = make(map[string]types.CrawlMetadata)
	}
	m.metadata[meta.ChatbotID][meta.URL] = meta
	return nil
}

func (m *MemoryStore) GetCachedAnswer(ctx context.Context, chatbotID, questionHash string) (*types.AnswerCacheEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.cache[chatbotID][questionHash]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

func (m *MemoryStore) ListCachedAnswers(ctx context.Context, chatbotID string) ([]types.AnswerCacheEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := make([]types.AnswerCacheEntry, 0, len(m.cache[chatbotID]))
	for _, entry := range m.cache[chatbotID] {
		entries = append(entries, entry)
	}
	return entries, nil
}

func (m *MemoryStore) PutCachedAnswer(ctx context.Context, entry types.AnswerCacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cache[entry.ChatbotID] == nil {
		m.cache[entry.ChatbotID] = make(map[string]types.AnswerCacheEntry)
	}
	m.cache[entry.ChatbotID][entry.QuestionHash] = entry
	return nil
}

func (m *MemoryStore) RecordCacheHit(ctx context.Context, chatbotID, questionHash string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.cache[chatbotID][questionHash]
	if !ok {
		return nil
	}
	entry.HitCount++
	entry.LastUsedAt = at
	m.cache[chatbotID][questionHash] = entry
	return nil
}

func (m *MemoryStore) ClearCache(ctx context.Context, chatbotID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cache, chatbotID)
	return nil
}

func (m *MemoryStore) GetOverride(ctx context.Context, chatbotID, questionHash string) (*types.ManualOverride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	override, ok := m.overrides[chatbotID][questionHash]
	if !ok {
		return nil, nil
	}
	return &override, nil
}

func (m *MemoryStore) ListOverrides(ctx context.Context, chatbotID string) ([]types.ManualOverride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	overrides := make([]types.ManualOverride, 0, len(m.overrides[chatbotID]))
	for _, override := range m.overrides[chatbotID] {
		overrides = append(overrides, override)
	}
	return overrides, nil
}

func (m *MemoryStore) PutOverride(ctx context.Context, override types.ManualOverride) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.overrides[override.ChatbotID] == nil {
		m.overrides[override.ChatbotID] = make(map[string]types.ManualOverride)
	}
	m.overrides[override.ChatbotID][override.QuestionHash] = override
	return nil
}

func (m *MemoryStore) RecordOverrideHit(ctx context.Context, chatbotID, questionHash string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	override, ok := m.overrides[chatbotID][questionHash]
	if !ok {
		return nil
	}
	override.HitCount++
	override.LastUsedAt = at
	m.overrides[chatbotID][questionHash] = override
	return nil
}
