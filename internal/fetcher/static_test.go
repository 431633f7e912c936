package fetcher

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"knowbase/internal/safety"
)

// openValidator admits everything; local test servers listen on loopback,
// which the production validator rejects.
type openValidator struct{}

func (openValidator) Validate(ctx context.Context, rawURL string) error { return nil }
func (openValidator) ShouldBlockRequest(rawURL string) bool             { return false }

// denyListValidator blocks specific URLs while admitting the rest.
type denyListValidator struct {
	blocked map[string]error
}

func (v denyListValidator) Validate(ctx context.Context, rawURL string) error {
	if err, ok := v.blocked[rawURL]; ok {
		return err
	}
	return nil
}

func (v denyListValidator) ShouldBlockRequest(rawURL string) bool {
	_, ok := v.blocked[rawURL]
	return ok
}

func newTestRenderer(v Validator) *StaticRenderer {
	return NewStaticRenderer(v, StaticOptions{UserAgent: "knowbase-test"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestStaticRenderExtractsTitleAndMainContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><head><title>Docs Home</title><style>nope</style></head>
			<body><nav>menu menu</nav><main><p>Welcome to   the docs.</p>
			<script>var hidden = 1;</script></main></body></html>`)
	}))
	defer srv.Close()

	result := newTestRenderer(openValidator{}).Render(context.Background(), srv.URL)
	if result.Error != "" {
		t.Fatalf("unexpected error: %s", result.Error)
	}
	if result.Title != "Docs Home" {
		t.Errorf("title = %q, want %q", result.Title, "Docs Home")
	}
	if result.TextContent != "Welcome to the docs." {
		t.Errorf("text = %q, want main content only", result.TextContent)
	}
	if result.RenderedWith != "static" {
		t.Errorf("rendered_with = %q, want static", result.RenderedWith)
	}
}

func TestStaticRenderFallsBackToBodyAndH1(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><h1>Pricing</h1><p>Plans start at $5.</p></body></html>`)
	}))
	defer srv.Close()

	result := newTestRenderer(openValidator{}).Render(context.Background(), srv.URL)
	if result.Error != "" {
		t.Fatalf("unexpected error: %s", result.Error)
	}
	if result.Title != "Pricing" {
		t.Errorf("title = %q, want h1 fallback", result.Title)
	}
	if !strings.Contains(result.TextContent, "Plans start at $5.") {
		t.Errorf("text = %q, want body content", result.TextContent)
	}
}

func TestStaticRenderFollowsValidatedRedirects(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/docs", http.StatusFound)
	})
	mux.HandleFunc("/docs", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><head><title>Landed</title></head><body><p>after one hop</p></body></html>`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	result := newTestRenderer(openValidator{}).Render(context.Background(), srv.URL+"/start")
	if result.Error != "" {
		t.Fatalf("unexpected error: %s", result.Error)
	}
	if result.Title != "Landed" {
		t.Errorf("title = %q, want redirect destination", result.Title)
	}
}

func TestStaticRenderBlocksRedirectTarget(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	evil := srv.URL + "/internal"
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, evil, http.StatusMovedPermanently)
	})
	mux.HandleFunc("/internal", func(w http.ResponseWriter, r *http.Request) {
		t.Error("blocked redirect target was fetched")
	})

	v := denyListValidator{blocked: map[string]error{evil: safety.ErrPrivateAddress}}
	result := newTestRenderer(v).Render(context.Background(), srv.URL+"/start")
	if !strings.Contains(result.Error, safety.ErrRedirectBlocked.Error()) {
		t.Fatalf("error = %q, want redirect blocked", result.Error)
	}
}

func TestStaticRenderRejectsLongRedirectChains(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	for i := 0; i < 10; i++ {
		next := fmt.Sprintf("/hop/%d", i+1)
		mux.HandleFunc(fmt.Sprintf("/hop/%d", i), func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, next, http.StatusFound)
		})
	}

	result := newTestRenderer(openValidator{}).Render(context.Background(), srv.URL+"/hop/0")
	if result.Error != safety.ErrTooManyRedirects.Error() {
		t.Fatalf("error = %q, want %q", result.Error, safety.ErrTooManyRedirects.Error())
	}
}

func TestStaticRenderSurfacesHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	result := newTestRenderer(openValidator{}).Render(context.Background(), srv.URL)
	if result.Error != "HTTP error: status 404" {
		t.Fatalf("error = %q, want HTTP error", result.Error)
	}
}

func TestStaticRenderEmptyContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><head><title>Empty</title></head><body><script>spa()</script></body></html>`)
	}))
	defer srv.Close()

	result := newTestRenderer(openValidator{}).Render(context.Background(), srv.URL)
	if result.Error != ErrMsgNoContent {
		t.Fatalf("error = %q, want %q", result.Error, ErrMsgNoContent)
	}
}

func TestStaticRenderDecodesGzip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Set("Content-Type", "text/html")
		gz := gzip.NewWriter(w)
		fmt.Fprint(gz, `<html><head><title>Zipped</title></head><body><p>compressed page body text</p></body></html>`)
		gz.Close()
	}))
	defer srv.Close()

	result := newTestRenderer(openValidator{}).Render(context.Background(), srv.URL)
	if result.Error != "" {
		t.Fatalf("unexpected error: %s", result.Error)
	}
	if result.Title != "Zipped" {
		t.Errorf("title = %q, want decoded title", result.Title)
	}
}

func TestStaticRenderRespectsValidator(t *testing.T) {
	v := denyListValidator{blocked: map[string]error{"http://127.0.0.1/": safety.ErrLocalhost}}
	result := newTestRenderer(v).Render(context.Background(), "http://127.0.0.1/")
	if result.Error != "Localhost URLs are not allowed" {
		t.Fatalf("error = %q, want localhost rejection", result.Error)
	}
}
