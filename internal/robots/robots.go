package robots

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
)

// Agent evaluates robots.txt rules with per-host caching.
type Agent struct {
	client    *http.Client
	userAgent string
	ttl       time.Duration

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	fetched time.Time
	rules   *robotstxt.RobotsData
}

// NewAgent constructs a robots agent. A nil client falls back to a short
// default timeout.
func NewAgent(userAgent string, ttl time.Duration, client *http.Client) *Agent {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Agent{
		client:    client,
		userAgent: userAgent,
		ttl:       ttl,
		cache:     make(map[string]cacheEntry),
	}
}

// Allowed reports whether the target URL is permitted by its host's
// robots.txt. Robots errors fail open, matching common crawler practice.
func (a *Agent) Allowed(ctx context.Context, rawURL string) bool {
	target, err := url.Parse(rawURL)
	if err != nil || !target.IsAbs() {
		return false
	}

	rules, err := a.rules(ctx, target)
	if err != nil {
		return true
	}

	group := rules.FindGroup(a.userAgent)
	if group == nil {
		group = rules.FindGroup("*")
		if group == nil {
			return true
		}
	}
	return group.Test(target.Path)
}

func (a *Agent) rules(ctx context.Context, target *url.URL) (*robotstxt.RobotsData, error) {
	host := strings.ToLower(target.Host)

	a.mu.RLock()
	entry, ok := a.cache[host]
	if ok && time.Since(entry.fetched) < a.ttl {
		a.mu.RUnlock()
		return entry.rules, nil
	}
	a.mu.RUnlock()

	robotsURL := target.Scheme + "://" + target.Host + "/robots.txt"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build robots request: %w", err)
	}
	if a.userAgent != "" {
		req.Header.Set("User-Agent", a.userAgent)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots.txt: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("robots returned status %d", resp.StatusCode)
	}

	data, err := robotstxt.FromResponse(resp)
	if err != nil {
		return nil, fmt.Errorf("parse robots.txt: %w", err)
	}

	a.mu.Lock()
	a.cache[host] = cacheEntry{fetched: time.Now(), rules: data}
	a.mu.Unlock()

	return data, nil
}
