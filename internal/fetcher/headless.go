package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"knowbase/pkg/types"
)

// HeadlessOptions configures the slow-path browser renderer.
type HeadlessOptions struct {
	UserAgent         string
	NavigationTimeout time.Duration
	SettleDelay       time.Duration
	MaxHTMLBytes      int
	MaxContentChars   int
	MinContentLength  int
	ExtractRetries    int
	DisableHeadless   bool
}

// Resource types never needed for text extraction; blocking them cuts
// page load time and bandwidth.
var blockedResourceTypes = map[network.ResourceType]struct{}{
	network.ResourceTypeImage:      {},
	network.ResourceTypeStylesheet: {},
	network.ResourceTypeFont:       {},
	network.ResourceTypeMedia:      {},
}

// HeadlessRenderer executes JavaScript in one sandboxed Chrome process.
// The process launches lazily on the first Render call and is reused for
// every page until Close, tying its lifetime to the crawl run. Each page
// gets its own tab, closed after extraction.
type HeadlessRenderer struct {
	validator Validator
	opts      HeadlessOptions
	logger    *slog.Logger

	mu            sync.Mutex
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	launchErr     error
	closed        bool
}

// NewHeadlessRenderer constructs the slow-path renderer without launching
// a browser.
func NewHeadlessRenderer(validator Validator, opts HeadlessOptions, logger *slog.Logger) *HeadlessRenderer {
	if opts.NavigationTimeout <= 0 {
		opts.NavigationTimeout = 30 * time.Second
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = 2 * time.Second
	}
	if opts.MaxHTMLBytes <= 0 {
		opts.MaxHTMLBytes = 2_000_000
	}
	if opts.MaxContentChars <= 0 {
		opts.MaxContentChars = 50_000
	}
	if opts.MinContentLength <= 0 {
		opts.MinContentLength = 100
	}
	if opts.ExtractRetries <= 0 {
		opts.ExtractRetries = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HeadlessRenderer{validator: validator, opts: opts, logger: logger}
}

// ensureBrowser launches the shared Chrome process on first use. A launch
// failure is remembered so repeated calls do not retry a broken install.
func (r *HeadlessRenderer) ensureBrowser() (context.Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, errors.New("renderer is closed")
	}
	if r.launchErr != nil {
		return nil, r.launchErr
	}
	if r.browserCtx != nil {
		return r.browserCtx, nil
	}

	execOpts := []chromedp.ExecAllocatorOption{
		chromedp.Flag("headless", !r.opts.DisableHeadless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-sandbox", true),
	}
	if ua := strings.TrimSpace(r.opts.UserAgent); ua != "" {
		execOpts = append(execOpts, chromedp.UserAgent(ua))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), execOpts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		r.launchErr = fmt.Errorf("%s: %w", ErrMsgBrowserLaunch, err)
		return nil, r.launchErr
	}

	r.allocCancel = allocCancel
	r.browserCtx = browserCtx
	r.browserCancel = browserCancel
	return r.browserCtx, nil
}

// Render navigates to the URL in a fresh tab and extracts the rendered
// DOM. A navigation timeout is not fatal: whatever DOM state exists is
// still captured, since many pages render usable content long before
// network idle.
func (r *HeadlessRenderer) Render(ctx context.Context, rawURL string) *types.RenderResult {
	result := &types.RenderResult{URL: rawURL, RenderedWith: types.RenderedWithJavaScript}

	if err := r.validator.Validate(ctx, rawURL); err != nil {
		result.Error = err.Error()
		return result
	}

	browserCtx, err := r.ensureBrowser()
	if err != nil {
		result.Error = err.Error()
		return result
	}

	tabCtx, tabCancel := chromedp.NewContext(browserCtx)
	defer tabCancel()

	budget := r.opts.NavigationTimeout + r.opts.SettleDelay + 15*time.Second
	tabCtx, budgetCancel := context.WithTimeout(tabCtx, budget)
	defer budgetCancel()

	if err := r.installInterception(tabCtx); err != nil {
		result.Error = fmt.Sprintf("Request interception failed: %v", err)
		return result
	}

	navCtx, navCancel := context.WithTimeout(tabCtx, r.opts.NavigationTimeout)
	navErr := chromedp.Run(navCtx, chromedp.Navigate(rawURL))
	navCancel()
	if navErr != nil && !errors.Is(navErr, context.DeadlineExceeded) {
		result.Error = fmt.Sprintf("Navigation failed: %v", navErr)
		return result
	}
	if navErr != nil {
		r.logger.Debug("navigation timed out, attempting partial extraction", "url", rawURL)
	}

	// Fixed settle wait, then a short best-effort wait for document
	// readiness so client-rendered content can populate.
	_ = chromedp.Run(tabCtx, chromedp.Sleep(r.opts.SettleDelay))
	settleCtx, settleCancel := context.WithTimeout(tabCtx, 3*time.Second)
	_ = chromedp.Run(settleCtx, waitForDocumentReady())
	settleCancel()

	html, title, text, err := r.extractWithRetries(tabCtx)
	if err != nil {
		result.Error = fmt.Sprintf("Content extraction failed: %v", err)
		return result
	}

	result.HTML = truncateRunes(html, r.opts.MaxHTMLBytes)
	result.Title = normalizeWhitespace(title)
	result.TextContent = truncateRunes(normalizeWhitespace(text), r.opts.MaxContentChars)

	if len(result.TextContent) < r.opts.MinContentLength {
		// Below the minimum the render counts as a failure even though no
		// browser error occurred; the orchestrator uses this to judge
		// whether escalation paid off.
		result.Error = ErrMsgInsufficientContent
	}
	return result
}

// installInterception wires the CDP fetch domain so every subresource
// request passes the cheap block filter and non-essential resource types
// are dropped.
func (r *HeadlessRenderer) installInterception(tabCtx context.Context) error {
	if err := chromedp.Run(tabCtx, fetch.Enable()); err != nil {
		return err
	}

	executor := cdp.WithExecutor(tabCtx, chromedp.FromContext(tabCtx).Target)
	chromedp.ListenTarget(tabCtx, func(ev any) {
		paused, ok := ev.(*fetch.EventRequestPaused)
		if !ok {
			return
		}
		go func() {
			if _, drop := blockedResourceTypes[paused.ResourceType]; drop {
				_ = fetch.FailRequest(paused.RequestID, network.ErrorReasonBlockedByClient).Do(executor)
				return
			}
			if r.validator.ShouldBlockRequest(paused.Request.URL) {
				r.logger.Debug("blocked subresource", "url", paused.Request.URL)
				_ = fetch.FailRequest(paused.RequestID, network.ErrorReasonAccessDenied).Do(executor)
				return
			}
			_ = fetch.ContinueRequest(paused.RequestID).Do(executor)
		}()
	})
	return nil
}

// extractWithRetries pulls title, outer HTML, and visible text. A
// client-side router can swap the document mid-extraction; that specific
// race is retried with a short backoff, anything else propagates.
func (r *HeadlessRenderer) extractWithRetries(tabCtx context.Context) (html, title, text string, err error) {
	for attempt := 0; attempt < r.opts.ExtractRetries; attempt++ {
		err = chromedp.Run(tabCtx,
			chromedp.Title(&title),
			chromedp.OuterHTML("html", &html, chromedp.ByQuery),
			chromedp.Evaluate(`document.body ? document.body.innerText : ""`, &text),
		)
		if err == nil {
			return html, title, text, nil
		}
		if !isNavigationRace(err) {
			return "", "", "", err
		}
		r.logger.Debug("extraction raced a navigation, retrying", "attempt", attempt+1)
		select {
		case <-time.After(250 * time.Millisecond):
		case <-tabCtx.Done():
			return "", "", "", tabCtx.Err()
		}
	}
	return "", "", "", err
}

// Close releases the shared browser process. Safe to call when no browser
// was ever launched, and safe to call more than once.
func (r *HeadlessRenderer) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	if r.browserCancel != nil {
		r.browserCancel()
		r.browserCancel = nil
		r.browserCtx = nil
	}
	if r.allocCancel != nil {
		r.allocCancel()
		r.allocCancel = nil
	}
}

func isNavigationRace(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "Cannot find context with specified id") ||
		strings.Contains(msg, "Inspected target navigated or closed") ||
		strings.Contains(msg, "execution context was destroyed")
}

func waitForDocumentReady() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			var readyState string
			if err := chromedp.Evaluate(`document.readyState`, &readyState).Do(ctx); err != nil {
				return err
			}
			if readyState == "complete" {
				return nil
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})
}
