package crawler

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"knowbase/internal/fetcher"
	"knowbase/pkg/types"
)

type fakeRenderer struct {
	pages map[string]types.RenderResult
	calls []string
}

func (f *fakeRenderer) Render(ctx context.Context, rawURL string) *types.RenderResult {
	f.calls = append(f.calls, rawURL)
	if page, ok := f.pages[rawURL]; ok {
		page.URL = rawURL
		return &page
	}
	return &types.RenderResult{URL: rawURL, Error: "HTTP error: status 404", RenderedWith: types.RenderedWithStatic}
}

type closableRenderer struct {
	fakeRenderer
	closed bool
}

func (c *closableRenderer) Close() { c.closed = true }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func staticPage(text string, links ...string) types.RenderResult {
	var b strings.Builder
	b.WriteString("<html><body><main><p>")
	b.WriteString(text)
	b.WriteString("</p>")
	for _, link := range links {
		b.WriteString(`<a href="` + link + `">link</a>`)
	}
	b.WriteString("</main></body></html>")
	return types.RenderResult{
		HTML:         b.String(),
		TextContent:  text,
		Title:        "page",
		RenderedWith: types.RenderedWithStatic,
	}
}

func TestCrawlSameDomainBreadthFirst(t *testing.T) {
	seed := "https://example.com/"
	static := &fakeRenderer{pages: map[string]types.RenderResult{
		seed: staticPage("seed page content here",
			"https://example.com/a",
			"https://example.com/b",
			"/c",
			"https://external.org/x",
			"https://other.net/y",
		),
		"https://example.com/a": staticPage("page a content"),
		"https://example.com/b": staticPage("page b content"),
		"https://example.com/c": staticPage("page c content"),
	}}

	o := NewOrchestrator(Settings{Static: static, Logger: testLogger(), MinStaticContent: 5})
	results := o.Crawl(context.Background(), seed, types.CrawlOptions{
		MaxDepth:       1,
		MaxPages:       5,
		SameDomainOnly: true,
		Mode:           types.RenderModeStatic,
	})

	if len(results) != 4 {
		t.Fatalf("got %d results, want 4 (seed + 3 same-domain links)", len(results))
	}
	if results[0].URL != seed {
		t.Errorf("first result = %q, want the seed", results[0].URL)
	}
	for _, res := range results {
		if strings.Contains(res.URL, "external.org") || strings.Contains(res.URL, "other.net") {
			t.Errorf("external domain crawled: %s", res.URL)
		}
		if res.Error != "" {
			t.Errorf("unexpected error for %s: %s", res.URL, res.Error)
		}
	}
}

func TestCrawlRespectsMaxPages(t *testing.T) {
	seed := "https://example.com/"
	links := []string{"/p1", "/p2", "/p3", "/p4", "/p5", "/p6"}
	pages := map[string]types.RenderResult{seed: staticPage("hub page", links...)}
	for _, l := range links {
		pages["https://example.com"+l] = staticPage("content of " + l)
	}
	static := &fakeRenderer{pages: pages}

	o := NewOrchestrator(Settings{Static: static, Logger: testLogger(), MinStaticContent: 5})
	results := o.Crawl(context.Background(), seed, types.CrawlOptions{
		MaxDepth: 2, MaxPages: 3, SameDomainOnly: true, Mode: types.RenderModeStatic,
	})

	if len(results) != 3 {
		t.Fatalf("got %d results, want exactly maxPages", len(results))
	}
}

func TestCrawlRespectsMaxDepth(t *testing.T) {
	seed := "https://example.com/"
	static := &fakeRenderer{pages: map[string]types.RenderResult{
		seed:                       staticPage("root", "/child"),
		"https://example.com/child": staticPage("child", "/grandchild"),
		"https://example.com/grandchild": staticPage("grandchild"),
	}}

	o := NewOrchestrator(Settings{Static: static, Logger: testLogger(), MinStaticContent: 2})
	results := o.Crawl(context.Background(), seed, types.CrawlOptions{
		MaxDepth: 1, MaxPages: 10, SameDomainOnly: true, Mode: types.RenderModeStatic,
	})

	for _, res := range results {
		if strings.Contains(res.URL, "grandchild") {
			t.Fatalf("depth limit violated: crawled %s", res.URL)
		}
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
}

func TestCrawlBlockedSeedStopsRun(t *testing.T) {
	seed := "http://127.0.0.1/"
	static := &fakeRenderer{pages: map[string]types.RenderResult{
		seed: {Error: "Localhost URLs are not allowed", RenderedWith: types.RenderedWithStatic},
	}}

	o := NewOrchestrator(Settings{Static: static, Logger: testLogger()})
	results := o.Crawl(context.Background(), seed, types.CrawlOptions{
		MaxDepth: 2, MaxPages: 10, Mode: types.RenderModeAuto,
	})

	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].Error != "Localhost URLs are not allowed" {
		t.Fatalf("error = %q, want localhost rejection", results[0].Error)
	}
}

func TestAutoModeSkipsEscalationForRichPages(t *testing.T) {
	seed := "https://example.com/"
	static := &fakeRenderer{pages: map[string]types.RenderResult{
		seed: staticPage(strings.Repeat("plenty of content ", 20)),
	}}
	headless := &closableRenderer{}

	o := NewOrchestrator(Settings{
		Static: static, Headless: headless, Logger: testLogger(), MinStaticContent: 100,
	})
	results := o.Crawl(context.Background(), seed, types.CrawlOptions{
		MaxDepth: 0, MaxPages: 1, Mode: types.RenderModeAuto, MaxJSPages: 5,
	})

	if len(headless.calls) != 0 {
		t.Fatalf("headless was called %d times for a rich static page", len(headless.calls))
	}
	if results[0].RenderedWith != types.RenderedWithStatic {
		t.Errorf("rendered_with = %q, want static", results[0].RenderedWith)
	}
	if headless.closed {
		t.Error("headless renderer closed mid-run")
	}
	o.Close()
	if !headless.closed {
		t.Error("headless renderer not closed by Close")
	}
}

func TestAutoModeEscalatesThinPages(t *testing.T) {
	seed := "https://example.com/"
	static := &fakeRenderer{pages: map[string]types.RenderResult{
		seed: staticPage("thin"),
	}}
	headless := &closableRenderer{fakeRenderer: fakeRenderer{pages: map[string]types.RenderResult{
		seed: {
			TextContent:  strings.Repeat("hydrated client content ", 10),
			Title:        "SPA",
			RenderedWith: types.RenderedWithJavaScript,
		},
	}}}

	o := NewOrchestrator(Settings{
		Static: static, Headless: headless, Logger: testLogger(), MinStaticContent: 100,
	})
	results := o.Crawl(context.Background(), seed, types.CrawlOptions{
		MaxDepth: 0, MaxPages: 1, Mode: types.RenderModeAuto, MaxJSPages: 5,
	})

	if results[0].RenderedWith != types.RenderedWithJavaScript {
		t.Fatalf("rendered_with = %q, want javascript after escalation", results[0].RenderedWith)
	}
	if !strings.Contains(results[0].Content, "hydrated client content") {
		t.Errorf("content = %q, want headless content", results[0].Content)
	}
}

func TestAutoModeKeepsStaticWhenEscalationIsWorse(t *testing.T) {
	seed := "https://example.com/"
	static := &fakeRenderer{pages: map[string]types.RenderResult{
		seed: staticPage("short but real static text"),
	}}
	headless := &closableRenderer{fakeRenderer: fakeRenderer{pages: map[string]types.RenderResult{
		seed: {TextContent: "tiny", RenderedWith: types.RenderedWithJavaScript},
	}}}

	o := NewOrchestrator(Settings{
		Static: static, Headless: headless, Logger: testLogger(), MinStaticContent: 100,
	})
	results := o.Crawl(context.Background(), seed, types.CrawlOptions{
		MaxDepth: 0, MaxPages: 1, Mode: types.RenderModeAuto, MaxJSPages: 5,
	})

	if results[0].RenderedWith != types.RenderedWithStatic {
		t.Fatalf("rendered_with = %q, want static kept", results[0].RenderedWith)
	}
}

func TestAutoModeHonoursHeadlessBudget(t *testing.T) {
	seed := "https://example.com/"
	pageTwo := "https://example.com/two"
	static := &fakeRenderer{pages: map[string]types.RenderResult{
		seed:    staticPage("thin", "/two"),
		pageTwo: staticPage("thin"),
	}}
	headless := &closableRenderer{fakeRenderer: fakeRenderer{pages: map[string]types.RenderResult{
		seed: {
			HTML:         `<html><body><main><p>rendered</p><a href="/two">next</a></main></body></html>`,
			TextContent:  strings.Repeat("rendered content ", 20),
			RenderedWith: types.RenderedWithJavaScript,
		},
		pageTwo: {
			TextContent:  strings.Repeat("rendered content ", 20),
			RenderedWith: types.RenderedWithJavaScript,
		},
	}}}

	o := NewOrchestrator(Settings{
		Static: static, Headless: headless, Logger: testLogger(), MinStaticContent: 100,
	})
	results := o.Crawl(context.Background(), seed, types.CrawlOptions{
		MaxDepth: 1, MaxPages: 5, SameDomainOnly: true, Mode: types.RenderModeAuto, MaxJSPages: 1,
	})

	if len(headless.calls) != 1 {
		t.Fatalf("headless called %d times, budget allows 1", len(headless.calls))
	}
	if results[0].RenderedWith != types.RenderedWithJavaScript {
		t.Errorf("first page should have consumed the budget")
	}
	if results[1].RenderedWith != types.RenderedWithStatic {
		t.Errorf("second page should have stayed static, got %q", results[1].RenderedWith)
	}
}

func TestBrowserLaunchFailureFallsBackToStatic(t *testing.T) {
	seed := "https://example.com/"
	pageTwo := "https://example.com/two"
	static := &fakeRenderer{pages: map[string]types.RenderResult{
		seed:    staticPage("thin", "/two"),
		pageTwo: staticPage("thin"),
	}}
	headless := &closableRenderer{fakeRenderer: fakeRenderer{pages: map[string]types.RenderResult{
		seed:    {Error: fetcher.ErrMsgBrowserLaunch + ": chrome not found"},
		pageTwo: {Error: fetcher.ErrMsgBrowserLaunch + ": chrome not found"},
	}}}

	o := NewOrchestrator(Settings{
		Static: static, Headless: headless, Logger: testLogger(), MinStaticContent: 100,
	})
	results := o.Crawl(context.Background(), seed, types.CrawlOptions{
		MaxDepth: 1, MaxPages: 5, SameDomainOnly: true, Mode: types.RenderModeAuto, MaxJSPages: 5,
	})

	if len(headless.calls) != 1 {
		t.Fatalf("headless called %d times, want 1 (marked down after launch failure)", len(headless.calls))
	}
	for _, res := range results {
		if res.RenderedWith != types.RenderedWithStatic {
			t.Errorf("%s rendered with %q, want static fallback", res.URL, res.RenderedWith)
		}
		if res.Error != "" {
			t.Errorf("per-page error leaked from launch failure: %s", res.Error)
		}
	}
}

func TestCrawlSkipsNonHTMLAssets(t *testing.T) {
	seed := "https://example.com/"
	static := &fakeRenderer{pages: map[string]types.RenderResult{
		seed: staticPage("hub", "/manual.pdf", "/photo.jpg", "/real-page"),
		"https://example.com/real-page": staticPage("real page text"),
	}}

	o := NewOrchestrator(Settings{Static: static, Logger: testLogger(), MinStaticContent: 2})
	o.Crawl(context.Background(), seed, types.CrawlOptions{
		MaxDepth: 1, MaxPages: 10, SameDomainOnly: true, Mode: types.RenderModeStatic,
	})

	for _, call := range static.calls {
		if strings.HasSuffix(call, ".pdf") || strings.HasSuffix(call, ".jpg") {
			t.Errorf("non-HTML asset fetched: %s", call)
		}
	}
}

func TestCrawlDeduplicatesNormalizedLinks(t *testing.T) {
	seed := "https://example.com/"
	static := &fakeRenderer{pages: map[string]types.RenderResult{
		seed: staticPage("hub",
			"/docs",
			"/docs/",
			"/docs#install",
			"/docs?",
		),
		"https://example.com/docs": staticPage("docs body"),
	}}

	o := NewOrchestrator(Settings{Static: static, Logger: testLogger(), MinStaticContent: 2})
	results := o.Crawl(context.Background(), seed, types.CrawlOptions{
		MaxDepth: 1, MaxPages: 10, SameDomainOnly: true, Mode: types.RenderModeStatic,
	})

	if len(results) != 2 {
		t.Fatalf("got %d results, want 2 (seed + one deduplicated docs page)", len(results))
	}
}

func TestCrawlCancellationStopsBetweenIterations(t *testing.T) {
	seed := "https://example.com/"
	static := &fakeRenderer{pages: map[string]types.RenderResult{
		seed: staticPage("hub", "/a", "/b", "/c"),
	}}
	headless := &closableRenderer{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	o := NewOrchestrator(Settings{Static: static, Headless: headless, Logger: testLogger()})
	results := o.Crawl(ctx, seed, types.CrawlOptions{MaxDepth: 2, MaxPages: 10})

	if len(results) != 0 {
		t.Fatalf("got %d results after pre-cancelled context, want 0", len(results))
	}
	o.Close()
	if !headless.closed {
		t.Error("headless renderer must be closed even on cancellation")
	}
}

func TestOrchestratorSurvivesMultipleCrawls(t *testing.T) {
	seedOne := "https://example.com/"
	seedTwo := "https://example.org/"
	static := &fakeRenderer{pages: map[string]types.RenderResult{
		seedOne: staticPage("first site"),
	}}
	headless := &closableRenderer{fakeRenderer: fakeRenderer{pages: map[string]types.RenderResult{
		seedTwo: {
			TextContent:  "hydrated second site",
			Title:        "SPA",
			RenderedWith: types.RenderedWithJavaScript,
		},
	}}}

	o := NewOrchestrator(Settings{Static: static, Headless: headless, Logger: testLogger()})
	defer o.Close()

	first := o.Crawl(context.Background(), seedOne, types.CrawlOptions{
		MaxDepth: 0, MaxPages: 1, Mode: types.RenderModeStatic,
	})
	if len(first) != 1 || first[0].Error != "" {
		t.Fatalf("first seed = %+v", first)
	}
	if headless.closed {
		t.Fatal("headless renderer closed between seeds")
	}

	second := o.Crawl(context.Background(), seedTwo, types.CrawlOptions{
		MaxDepth: 0, MaxPages: 1, MaxJSPages: 1, Mode: types.RenderModeJavaScript,
	})
	if len(second) != 1 {
		t.Fatalf("got %d results for second seed, want 1", len(second))
	}
	if second[0].Error != "" {
		t.Fatalf("second seed errored after first crawl: %q", second[0].Error)
	}
	if second[0].RenderedWith != types.RenderedWithJavaScript {
		t.Errorf("rendered_with = %q, want javascript", second[0].RenderedWith)
	}
	if len(headless.calls) != 1 {
		t.Errorf("headless called %d times, want 1", len(headless.calls))
	}
}
