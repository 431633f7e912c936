package crawler

import (
	"context"
	"log/slog"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"knowbase/internal/fetcher"
	"knowbase/internal/robots"
	"knowbase/pkg/types"
)

// Orchestrator runs one breadth-first crawl over a seed URL. It owns the
// renderer pair for the run and decides per page which one to use. Each
// run is a single sequential loop; concurrent runs construct independent
// orchestrators with their own headless browser.
type Orchestrator struct {
	static   fetcher.Renderer
	headless fetcher.Renderer
	robots   *robots.Agent
	throttle *Throttle
	logger   *slog.Logger

	minStaticContent int
	headlessDown     bool
}

// Settings configures an orchestrator independent of per-run options.
type Settings struct {
	Static           fetcher.Renderer
	Headless         fetcher.Renderer
	Robots           *robots.Agent
	Throttle         *Throttle
	Logger           *slog.Logger
	MinStaticContent int
}

// NewOrchestrator wires a crawl orchestrator. Headless and robots are
// optional; without a headless renderer every mode degrades to static.
func NewOrchestrator(s Settings) *Orchestrator {
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	if s.MinStaticContent <= 0 {
		s.MinStaticContent = 1000
	}
	return &Orchestrator{
		static:           s.Static,
		headless:         s.Headless,
		robots:           s.Robots,
		throttle:         s.Throttle,
		logger:           s.Logger,
		minStaticContent: s.MinStaticContent,
	}
}

// Close releases the headless browser, if one was injected. The run
// owner calls it once after the last Crawl; Crawl itself never closes
// the renderer, so one orchestrator can serve every seed of a run.
func (o *Orchestrator) Close() {
	if closer, ok := o.headless.(interface{ Close() }); ok {
		closer.Close()
	}
}

// Crawl traverses from the seed in breadth-first order until the frontier
// empties, the page budget is reached, or the context is cancelled. Every
// dequeued page yields exactly one CrawlResult; per-page failures never
// abort the run.
func (o *Orchestrator) Crawl(ctx context.Context, seedURL string, opts types.CrawlOptions) []types.CrawlResult {
	if opts.MaxPages <= 0 {
		opts.MaxPages = 1
	}
	if opts.Mode == "" {
		opts.Mode = types.RenderModeAuto
	}

	seedURL = strings.TrimSpace(seedURL)
	seedHost := hostnameOf(seedURL)

	visited := map[string]struct{}{NormalizeURL(seedURL): {}}
	queue := []types.CrawlTarget{{URL: seedURL, Depth: 0}}
	results := make([]types.CrawlResult, 0, opts.MaxPages)
	jsUsed := 0

	for len(queue) > 0 && len(results) < opts.MaxPages {
		// Cancellation is observed between iterations; an in-flight
		// render is allowed to finish.
		if ctx.Err() != nil {
			o.logger.Warn("crawl cancelled", "seed", seedURL, "collected", len(results))
			break
		}

		target := queue[0]
		queue = queue[1:]

		if target.Depth > opts.MaxDepth {
			continue
		}
		if hasSkippableExtension(target.URL) {
			continue
		}
		if o.robots != nil && !o.robots.Allowed(ctx, target.URL) {
			results = append(results, types.CrawlResult{URL: target.URL, Error: "Blocked by robots.txt"})
			continue
		}

		if err := o.throttle.Wait(ctx, hostnameOf(target.URL)); err != nil {
			break
		}

		rendered := o.renderPage(ctx, target.URL, opts, &jsUsed)
		results = append(results, types.CrawlResult{
			URL:          rendered.URL,
			Content:      rendered.TextContent,
			Title:        rendered.Title,
			Error:        rendered.Error,
			RenderedWith: rendered.RenderedWith,
		})

		if rendered.Error != "" || target.Depth >= opts.MaxDepth {
			continue
		}

		for _, link := range extractLinks(target.URL, rendered.HTML) {
			if len(results)+len(queue) >= opts.MaxPages {
				break
			}
			key := NormalizeURL(link)
			if _, seen := visited[key]; seen {
				continue
			}
			if opts.SameDomainOnly && !strings.EqualFold(hostnameOf(link), seedHost) {
				continue
			}
			visited[key] = struct{}{}
			queue = append(queue, types.CrawlTarget{URL: link, Depth: target.Depth + 1})
		}
	}

	return results
}

// renderPage picks a renderer according to the crawl mode. In auto mode
// the static result only gives way to a headless one that produced
// strictly more content, and each successful escalation consumes the
// per-run headless budget.
func (o *Orchestrator) renderPage(ctx context.Context, rawURL string, opts types.CrawlOptions, jsUsed *int) *types.RenderResult {
	switch opts.Mode {
	case types.RenderModeStatic:
		return o.static.Render(ctx, rawURL)

	case types.RenderModeJavaScript:
		if result, ok := o.renderHeadless(ctx, rawURL); ok {
			*jsUsed++
			return result
		}
		return o.static.Render(ctx, rawURL)

	default: // auto
		result := o.static.Render(ctx, rawURL)
		if !o.shouldEscalate(result) {
			return result
		}
		if *jsUsed >= opts.MaxJSPages {
			o.logger.Debug("headless budget exhausted", "url", rawURL)
			return result
		}
		escalated, ok := o.renderHeadless(ctx, rawURL)
		if !ok {
			return result
		}
		if escalated.Error == "" && len(escalated.TextContent) > len(result.TextContent) {
			*jsUsed++
			return escalated
		}
		o.logger.Debug("escalation did not improve content", "url", rawURL)
		return result
	}
}

// renderHeadless attempts the slow path. A browser launch failure marks
// the headless path down for the rest of the run; remaining pages fall
// back to static rather than aborting the job.
func (o *Orchestrator) renderHeadless(ctx context.Context, rawURL string) (*types.RenderResult, bool) {
	if o.headless == nil || o.headlessDown {
		return nil, false
	}
	result := o.headless.Render(ctx, rawURL)
	if strings.HasPrefix(result.Error, fetcher.ErrMsgBrowserLaunch) {
		o.logger.Error("headless browser unavailable, continuing static-only", "error", result.Error)
		o.headlessDown = true
		return nil, false
	}
	return result, true
}

// shouldEscalate reports whether a static result is too thin to keep
// without trying the browser.
func (o *Orchestrator) shouldEscalate(result *types.RenderResult) bool {
	if result.Error == fetcher.ErrMsgNoContent {
		return true
	}
	return result.Error == "" && len(result.TextContent) < o.minStaticContent
}

// extractLinks pulls outbound anchors from the raw HTML, resolved against
// the page URL. Only http(s) links survive.
func extractLinks(pageURL, rawHTML string) []string {
	if rawHTML == "" {
		return nil
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return nil
	}

	seen := make(map[string]struct{})
	var links []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok {
			return
		}
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "mailto:") || strings.HasPrefix(href, "tel:") {
			return
		}
		resolved, err := base.Parse(href)
		if err != nil {
			return
		}
		scheme := strings.ToLower(resolved.Scheme)
		if scheme != "http" && scheme != "https" {
			return
		}
		resolved.Fragment = ""
		link := resolved.String()
		if _, dup := seen[link]; dup {
			return
		}
		seen[link] = struct{}{}
		links = append(links, link)
	})
	return links
}

func hostnameOf(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(parsed.Hostname())
}
