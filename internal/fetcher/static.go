package fetcher

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/brotli"
	"golang.org/x/net/html/charset"

	"knowbase/internal/safety"
	"knowbase/pkg/types"
)

// StaticOptions controls the fast-path HTTP renderer.
type StaticOptions struct {
	UserAgent       string
	Timeout         time.Duration
	MaxHTMLBytes    int64
	MaxContentChars int
	MaxRedirects    int
}

// StaticRenderer fetches and parses HTML without executing JavaScript.
// Redirects are followed manually so that every Location target passes the
// full safety validation, including DNS resolution.
type StaticRenderer struct {
	validator Validator
	client    *http.Client
	opts      StaticOptions
	logger    *slog.Logger
}

// NewStaticRenderer constructs the fast-path renderer.
func NewStaticRenderer(validator Validator, opts StaticOptions, logger *slog.Logger) *StaticRenderer {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxHTMLBytes <= 0 {
		opts.MaxHTMLBytes = 2_000_000
	}
	if opts.MaxContentChars <= 0 {
		opts.MaxContentChars = 50_000
	}
	if opts.MaxRedirects <= 0 {
		opts.MaxRedirects = 5
	}
	if logger == nil {
		logger = slog.Default()
	}

	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	client := &http.Client{
		Timeout:   opts.Timeout,
		Transport: transport,
		// Redirects are handled manually in Render.
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	return &StaticRenderer{
		validator: validator,
		client:    client,
		opts:      opts,
		logger:    logger,
	}
}

// Render fetches the URL and extracts title and text content.
func (r *StaticRenderer) Render(ctx context.Context, rawURL string) *types.RenderResult {
	result := &types.RenderResult{URL: rawURL, RenderedWith: types.RenderedWithStatic}

	if err := r.validator.Validate(ctx, rawURL); err != nil {
		result.Error = err.Error()
		return result
	}

	body, err := r.fetchFollowingRedirects(ctx, rawURL)
	if err != nil {
		result.Error = err.Error()
		return result
	}

	html := truncateRunes(string(body), int(r.opts.MaxHTMLBytes))
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		result.Error = fmt.Sprintf("Failed to parse HTML: %v", err)
		return result
	}

	content := extractContent(doc, r.opts.MaxContentChars)
	result.HTML = html
	result.Title = content.Title
	result.TextContent = content.Text
	if result.TextContent == "" {
		result.Error = ErrMsgNoContent
	}
	return result
}

// fetchFollowingRedirects performs the GET, re-running full validation on
// every redirect target and capping the chain length.
func (r *StaticRenderer) fetchFollowingRedirects(ctx context.Context, rawURL string) ([]byte, error) {
	current := rawURL
	for hop := 0; hop <= r.opts.MaxRedirects; hop++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, current, nil)
		if err != nil {
			return nil, safety.ErrInvalidURL
		}
		req.Header.Set("User-Agent", r.opts.UserAgent)
		req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
		req.Header.Set("Accept-Language", "en-US,en;q=0.8")
		req.Header.Set("Accept-Encoding", "gzip, deflate, br")

		resp, err := r.client.Do(req)
		if err != nil {
			if isTimeout(err) {
				return nil, errors.New(ErrMsgRequestTimeout)
			}
			return nil, fmt.Errorf("Network error: %v", err)
		}

		if resp.StatusCode >= 300 && resp.StatusCode < 400 {
			location := resp.Header.Get("Location")
			drainAndClose(resp.Body)
			if location == "" {
				return nil, fmt.Errorf("HTTP error: status %d", resp.StatusCode)
			}
			target, err := resolveRedirect(current, location)
			if err != nil {
				return nil, safety.ErrRedirectBlocked
			}
			if err := r.validator.Validate(ctx, target); err != nil {
				r.logger.Warn("redirect target blocked", "from", current, "to", target, "reason", err)
				return nil, fmt.Errorf("%w: %v", safety.ErrRedirectBlocked, err)
			}
			current = target
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			drainAndClose(resp.Body)
			return nil, fmt.Errorf("HTTP error: status %d", resp.StatusCode)
		}

		body, err := r.readBody(resp)
		if err != nil {
			return nil, fmt.Errorf("Network error: %v", err)
		}
		return body, nil
	}
	return nil, safety.ErrTooManyRedirects
}

// readBody decodes the response body, honouring Content-Encoding and the
// declared charset, and truncates at the HTML byte cap instead of failing.
func (r *StaticRenderer) readBody(resp *http.Response) ([]byte, error) {
	if resp == nil || resp.Body == nil {
		return nil, errors.New("empty response body")
	}

	reader := io.Reader(resp.Body)
	closers := []io.Closer{resp.Body}

	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	switch encoding {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip decode: %w", err)
		}
		reader = gz
		closers = append(closers, gz)
	case "br":
		reader = brotli.NewReader(resp.Body)
	case "deflate":
		fl := flate.NewReader(resp.Body)
		reader = fl
		closers = append(closers, fl)
	}

	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
	}()

	limited := io.LimitReader(reader, r.opts.MaxHTMLBytes)
	decoded, err := charset.NewReader(limited, resp.Header.Get("Content-Type"))
	if err != nil {
		// Undetectable charset, read the raw bytes and let the scavenger
		// downstream deal with it.
		decoded = limited
	}
	body, err := io.ReadAll(decoded)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

func resolveRedirect(from, location string) (string, error) {
	base, err := url.Parse(from)
	if err != nil {
		return "", err
	}
	target, err := base.Parse(location)
	if err != nil {
		return "", err
	}
	return target.String(), nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 4096))
	_ = body.Close()
}
