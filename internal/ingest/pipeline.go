package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"knowbase/internal/embedding"
	"knowbase/internal/storage"
	"knowbase/pkg/types"
)

// PageError records a per-source failure without failing the job.
type PageError struct {
	URL   string `json:"url"`
	Error string `json:"error"`
}

// Report summarises one ingestion job. Per-source failures are carried
// here; a job only fails outright when it cannot make any progress.
type Report struct {
	Pages        int         `json:"pages"`
	Skipped      int         `json:"skipped"`
	Replaced     int         `json:"replaced"`
	ChunksStored int         `json:"chunks_stored"`
	CacheCleared bool        `json:"cache_cleared"`
	Errors       []PageError `json:"errors,omitempty"`
}

// Pipeline chunks, embeds, and persists content for one tenant at a
// time. Ingestion for a tenant is mutually exclusive with itself;
// different tenants ingest concurrently.
type Pipeline struct {
	chunker     *Chunker
	embedder    embedding.Embedder
	store       storage.Store
	logger      *slog.Logger
	concurrency int

	mu      sync.Mutex
	tenants map[string]*sync.Mutex
}

// NewPipeline wires an ingestion pipeline. The embedder may be nil, in
// which case every chunk is stored lexical-only.
func NewPipeline(chunker *Chunker, embedder embedding.Embedder, store storage.Store, logger *slog.Logger, concurrency int) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Pipeline{
		chunker:     chunker,
		embedder:    embedder,
		store:       store,
		logger:      logger,
		concurrency: concurrency,
		tenants:     make(map[string]*sync.Mutex),
	}
}

// IngestPages processes a batch of crawl results for a tenant. Unchanged
// pages are skipped via stored content hashes; changed pages have their
// chunks replaced wholesale. Any replacement clears the tenant's answer
// cache, since cached answers cannot be re-verified against new content.
func (p *Pipeline) IngestPages(ctx context.Context, chatbotID string, results []types.CrawlResult) (*Report, error) {
	if chatbotID == "" {
		return nil, errors.New("chatbot id is required")
	}
	if len(results) == 0 {
		return nil, errors.New("no pages to ingest")
	}

	unlock := p.lockTenant(chatbotID)
	defer unlock()

	report := &Report{}
	for _, result := range results {
		if ctx.Err() != nil {
			p.logger.Warn("ingestion cancelled", "chatbot", chatbotID, "processed", report.Pages)
			break
		}
		report.Pages++

		if result.Error != "" {
			report.Errors = append(report.Errors, PageError{URL: result.URL, Error: result.Error})
			continue
		}
		p.ingestSource(ctx, chatbotID, source{
			Type:  types.SourceWebsite,
			URL:   result.URL,
			Title: result.Title,
			Text:  result.Content,
		}, report)
	}

	p.finishReport(ctx, chatbotID, report)
	return report, nil
}

// IngestDocument processes one uploaded document. Malformed payloads go
// through the scavenging decoder rather than being rejected.
func (p *Pipeline) IngestDocument(ctx context.Context, chatbotID, name string, data []byte) (*Report, error) {
	if chatbotID == "" {
		return nil, errors.New("chatbot id is required")
	}
	text := DecodeDocument(data)
	if text == "" {
		return nil, fmt.Errorf("document %q contains no readable text", name)
	}

	unlock := p.lockTenant(chatbotID)
	defer unlock()

	report := &Report{Pages: 1}
	p.ingestSource(ctx, chatbotID, source{
		Type:  types.SourceDocument,
		URL:   "document://" + name,
		Title: name,
		Text:  text,
	}, report)

	p.finishReport(ctx, chatbotID, report)
	return report, nil
}

type source struct {
	Type  types.SourceType
	URL   string
	Title string
	Text  string
}

func (p *Pipeline) ingestSource(ctx context.Context, chatbotID string, src source, report *Report) {
	text := NormalizeText(src.Text)
	if text == "" {
		report.Errors = append(report.Errors, PageError{URL: src.URL, Error: "No content extracted"})
		return
	}

	docHash := HashContent(text)
	meta, err := p.store.GetMetadata(ctx, chatbotID, src.URL)
	if err != nil {
		report.Errors = append(report.Errors, PageError{URL: src.URL, Error: err.Error()})
		return
	}
	now := time.Now().UTC()
	if meta != nil && meta.ContentHash == docHash {
		report.Skipped++
		meta.LastCrawledAt = now
		if err := p.store.PutMetadata(ctx, *meta); err != nil {
			p.logger.Warn("refresh crawl metadata failed", "url", src.URL, "error", err)
		}
		return
	}

	pieces := p.chunker.Chunk(text)
	chunks := make([]types.KnowledgeChunk, 0, len(pieces))
	for _, piece := range pieces {
		chunks = append(chunks, types.KnowledgeChunk{
			ID:          storage.ChunkID(chatbotID, piece.Hash, piece.Index),
			ChatbotID:   chatbotID,
			SourceType:  src.Type,
			SourceURL:   src.URL,
			SourceTitle: src.Title,
			ChunkText:   piece.Text,
			ChunkIndex:  piece.Index,
			ContentHash: piece.Hash,
			CreatedAt:   now,
		})
	}

	p.embedChunks(ctx, chunks)

	if err := p.store.ReplaceChunks(ctx, chatbotID, src.URL, chunks); err != nil {
		report.Errors = append(report.Errors, PageError{URL: src.URL, Error: err.Error()})
		return
	}
	if err := p.store.PutMetadata(ctx, types.CrawlMetadata{
		ChatbotID:     chatbotID,
		URL:           src.URL,
		ContentHash:   docHash,
		LastCrawledAt: now,
	}); err != nil {
		p.logger.Warn("store crawl metadata failed", "url", src.URL, "error", err)
	}

	report.Replaced++
	report.ChunksStored += len(chunks)
	p.logger.Info("source ingested",
		"chatbot", chatbotID, "url", src.URL, "chunks", len(chunks))
}

// embedChunks fills embeddings in parallel. A failed embedding leaves
// that chunk lexical-only; it is stored regardless.
func (p *Pipeline) embedChunks(ctx context.Context, chunks []types.KnowledgeChunk) {
	if p.embedder == nil || len(chunks) == 0 {
		return
	}
	pool, err := newWorkerPool(ctx, p.concurrency, len(chunks))
	if err != nil {
		p.logger.Warn("embedding pool unavailable", "error", err)
		return
	}
	defer pool.close()

	var wg sync.WaitGroup
	for i := range chunks {
		chunk := &chunks[i]
		wg.Add(1)
		err := pool.submit(ctx, func(taskCtx context.Context) {
			defer wg.Done()
			vec, err := p.embedder.Embed(taskCtx, chunk.ChunkText)
			if err != nil {
				p.logger.Warn("embedding failed, chunk degrades to lexical-only",
					"url", chunk.SourceURL, "index", chunk.ChunkIndex, "error", err)
				return
			}
			chunk.Embedding = vec
		})
		if err != nil {
			wg.Done()
		}
	}
	wg.Wait()
}

func (p *Pipeline) finishReport(ctx context.Context, chatbotID string, report *Report) {
	if report.Replaced == 0 {
		return
	}
	// Content changed; cached answers can no longer be trusted.
	if err := p.store.ClearCache(ctx, chatbotID); err != nil {
		p.logger.Warn("clear answer cache failed", "chatbot", chatbotID, "error", err)
		return
	}
	report.CacheCleared = true
}

// lockTenant serialises ingestion per tenant.
func (p *Pipeline) lockTenant(chatbotID string) func() {
	p.mu.Lock()
	lock, ok := p.tenants[chatbotID]
	if !ok {
		lock = &sync.Mutex{}
		p.tenants[chatbotID] = lock
	}
	p.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}
