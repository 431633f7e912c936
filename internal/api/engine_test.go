package api

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"knowbase/internal/config"
	"knowbase/internal/crawler"
	"knowbase/internal/ingest"
	"knowbase/internal/storage"
	"knowbase/pkg/types"
)

type recordingRenderer struct {
	pages  map[string]types.RenderResult
	calls  []string
	closes int
}

func (r *recordingRenderer) Render(ctx context.Context, rawURL string) *types.RenderResult {
	r.calls = append(r.calls, rawURL)
	if page, ok := r.pages[rawURL]; ok {
		result := page
		result.URL = rawURL
		return &result
	}
	return &types.RenderResult{URL: rawURL, Error: "HTTP error: status 404"}
}

func (r *recordingRenderer) Close() { r.closes++ }

func newTestEngine(static, headless *recordingRenderer) (*Engine, *storage.MemoryStore) {
	cfg := config.Default()
	store := storage.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	pipeline := ingest.NewPipeline(ingest.NewChunker(cfg.Chunking), nil, store, logger, 1)
	engine := NewEngine(cfg, pipeline, logger)
	engine.buildOrchestrator = func() *crawler.Orchestrator {
		return crawler.NewOrchestrator(crawler.Settings{
			Static:   static,
			Headless: headless,
			Logger:   logger,
		})
	}
	return engine, store
}

func TestRunSharesBrowserAcrossSeeds(t *testing.T) {
	seedOne := "https://example.com/"
	seedTwo := "https://example.org/"
	static := &recordingRenderer{}
	headless := &recordingRenderer{pages: map[string]types.RenderResult{
		seedOne: {
			TextContent:  "hydrated content from the first site",
			Title:        "One",
			RenderedWith: types.RenderedWithJavaScript,
		},
		seedTwo: {
			TextContent:  "hydrated content from the second site",
			Title:        "Two",
			RenderedWith: types.RenderedWithJavaScript,
		},
	}}

	engine, store := newTestEngine(static, headless)
	report, err := engine.Run(context.Background(), "bot", []string{seedOne, seedTwo}, types.CrawlOptions{
		MaxDepth:   0,
		MaxPages:   4,
		MaxJSPages: 4,
		Mode:       types.RenderModeJavaScript,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if report.Pages != 2 {
		t.Fatalf("pages = %d, want 2", report.Pages)
	}
	if len(report.Errors) != 0 {
		t.Fatalf("per-page errors on a healthy browser: %+v", report.Errors)
	}
	if len(headless.calls) != 2 {
		t.Fatalf("headless rendered %d pages, want one per seed", len(headless.calls))
	}
	if headless.closes != 1 {
		t.Fatalf("browser closed %d times, want once at end of run", headless.closes)
	}

	chunks, _ := store.ChunksByChatbot(context.Background(), "bot")
	sources := map[string]bool{}
	for _, chunk := range chunks {
		sources[chunk.SourceURL] = true
	}
	if !sources[seedOne] || !sources[seedTwo] {
		t.Errorf("chunks stored for %v, want both seeds", sources)
	}
}

func TestRenderClosesBrowser(t *testing.T) {
	seed := "https://example.com/"
	static := &recordingRenderer{}
	headless := &recordingRenderer{pages: map[string]types.RenderResult{
		seed: {TextContent: "hydrated", RenderedWith: types.RenderedWithJavaScript},
	}}

	engine, _ := newTestEngine(static, headless)
	result := engine.Render(context.Background(), seed, types.RenderModeJavaScript)
	if result.TextContent != "hydrated" {
		t.Fatalf("result = %+v", result)
	}
	if headless.closes != 1 {
		t.Fatalf("browser closed %d times, want 1", headless.closes)
	}
}
