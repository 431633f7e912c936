package types

// RenderMode selects which renderer handles pages during a crawl run.
type RenderMode string

const (
	RenderModeStatic     RenderMode = "static"
	RenderModeJavaScript RenderMode = "javascript"
	RenderModeAuto       RenderMode = "auto"
)

// Values recorded in RenderedWith.
const (
	RenderedWithStatic     = "static"
	RenderedWithJavaScript = "javascript"
)

// CrawlTarget models a work item on the crawl frontier: a URL plus the
// depth at which it was discovered. Consumed once, never mutated.
type CrawlTarget struct {
	URL   string
	Depth int
}

// RenderResult is the outcome of exactly one renderer invocation. All
// failures are carried in Error; no panic crosses this boundary.
type RenderResult struct {
	URL          string
	HTML         string
	TextContent  string
	Title        string
	Error        string
	RenderedWith string
}

// Success reports whether the render produced usable content.
func (r *RenderResult) Success() bool {
	return r != nil && r.Error == "" && r.TextContent != ""
}

// CrawlResult is the public per-page outcome, derived from a RenderResult
// with the raw HTML stripped.
type CrawlResult struct {
	URL          string `json:"url"`
	Content      string `json:"content"`
	Title        string `json:"title,omitempty"`
	Error        string `json:"error,omitempty"`
	RenderedWith string `json:"rendered_with,omitempty"`
}

// CrawlOptions bounds a single recursive crawl run.
type CrawlOptions struct {
	MaxDepth       int
	MaxPages       int
	SameDomainOnly bool
	Mode           RenderMode
	MaxJSPages     int
}
