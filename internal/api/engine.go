package api

import (
	"context"
	"log/slog"
	"strings"

	"knowbase/internal/config"
	"knowbase/internal/crawler"
	"knowbase/internal/fetcher"
	"knowbase/internal/ingest"
	"knowbase/internal/robots"
	"knowbase/internal/safety"
	"knowbase/pkg/types"
)

// IngestRunner executes a crawl-and-ingest job. Tests substitute a fake.
type IngestRunner interface {
	Run(ctx context.Context, chatbotID string, seedURLs []string, opts types.CrawlOptions) (*ingest.Report, error)
	Render(ctx context.Context, rawURL string, mode types.RenderMode) *types.RenderResult
}

// Engine is the production IngestRunner: it builds a fresh renderer pair
// and orchestrator per run (the headless browser is never shared across
// runs) and feeds crawl results into the ingestion pipeline.
type Engine struct {
	cfg      config.Config
	pipeline *ingest.Pipeline
	logger   *slog.Logger

	buildOrchestrator func() *crawler.Orchestrator
}

// NewEngine wires the crawl+ingest engine.
func NewEngine(cfg config.Config, pipeline *ingest.Pipeline, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{cfg: cfg, pipeline: pipeline, logger: logger}
	e.buildOrchestrator = e.newOrchestrator
	return e
}

// Run crawls each seed URL in order, sharing the page budget and one
// headless browser across the whole run, then ingests the results. The
// browser is released only after the last seed.
func (e *Engine) Run(ctx context.Context, chatbotID string, seedURLs []string, opts types.CrawlOptions) (*ingest.Report, error) {
	orchestrator := e.buildOrchestrator()
	defer orchestrator.Close()

	var results []types.CrawlResult
	remaining := opts.MaxPages
	for _, seed := range seedURLs {
		if ctx.Err() != nil {
			break
		}
		if remaining <= 0 {
			break
		}
		seedOpts := opts
		seedOpts.MaxPages = remaining
		crawled := orchestrator.Crawl(ctx, seed, seedOpts)
		results = append(results, crawled...)
		remaining -= len(crawled)
	}

	if len(results) == 0 && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return e.pipeline.IngestPages(ctx, chatbotID, results)
}

// Render fetches a single page without touching storage.
func (e *Engine) Render(ctx context.Context, rawURL string, mode types.RenderMode) *types.RenderResult {
	orchestrator := e.buildOrchestrator()
	defer orchestrator.Close()
	results := orchestrator.Crawl(ctx, rawURL, types.CrawlOptions{
		MaxDepth: 0,
		MaxPages: 1,
		Mode:     mode,
		// a single page may always use the browser
		MaxJSPages: 1,
	})
	if len(results) == 0 {
		return &types.RenderResult{URL: rawURL, Error: "No content extracted"}
	}
	r := results[0]
	return &types.RenderResult{
		URL:          r.URL,
		TextContent:  r.Content,
		Title:        r.Title,
		Error:        r.Error,
		RenderedWith: r.RenderedWith,
	}
}

func (e *Engine) newOrchestrator() *crawler.Orchestrator {
	validatorOpts := []safety.Option{}
	if len(e.cfg.Crawl.AllowedPorts) > 0 {
		validatorOpts = append(validatorOpts, safety.WithAllowedPorts(e.cfg.Crawl.AllowedPorts))
	}
	validator := safety.NewValidator(validatorOpts...)

	static := fetcher.NewStaticRenderer(validator, fetcher.StaticOptions{
		UserAgent:       e.cfg.Crawl.UserAgent,
		Timeout:         e.cfg.Crawl.RequestTimeout.Duration,
		MaxContentChars: e.cfg.Crawl.MaxContentChars,
	}, e.logger)

	var headless fetcher.Renderer
	if !e.cfg.Rendering.DisableHeadless {
		headless = fetcher.NewHeadlessRenderer(validator, fetcher.HeadlessOptions{
			UserAgent:         e.cfg.Crawl.UserAgent,
			NavigationTimeout: e.cfg.Rendering.NavigationTimeout.Duration,
			SettleDelay:       e.cfg.Rendering.SettleDelay.Duration,
			MaxContentChars:   e.cfg.Crawl.MaxContentChars,
			MinContentLength:  e.cfg.Rendering.MinContentLength,
			ExtractRetries:    e.cfg.Rendering.ExtractRetries,
		}, e.logger)
	}

	var agent *robots.Agent
	if e.cfg.Robots.Respect {
		userAgent := e.cfg.Robots.UserAgent
		if strings.TrimSpace(userAgent) == "" {
			userAgent = e.cfg.Crawl.UserAgent
		}
		agent = robots.NewAgent(userAgent, e.cfg.Robots.CacheTTL.Duration, nil)
	}

	return crawler.NewOrchestrator(crawler.Settings{
		Static:           static,
		Headless:         headless,
		Robots:           agent,
		Throttle:         crawler.NewThrottle(e.cfg.Crawl.PolitenessDelay.Duration),
		Logger:           e.logger,
		MinStaticContent: e.cfg.Crawl.MinStaticContent,
	})
}
