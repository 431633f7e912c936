package crawler

import "testing"

func TestNormalizeURLIdempotent(t *testing.T) {
	inputs := []string{
		"https://Example.com/Docs/",
		"https://example.com/a?b=2&a=1",
		"https://example.com/page#section",
		"http://example.com:80/path",
		"https://example.com",
		"https://example.com/a%20b/",
	}
	for _, in := range inputs {
		once := NormalizeURL(in)
		twice := NormalizeURL(once)
		if once != twice {
			t.Errorf("NormalizeURL not idempotent for %q: %q != %q", in, once, twice)
		}
	}
}

func TestNormalizeURLEquivalences(t *testing.T) {
	cases := []struct {
		a, b string
	}{
		{"https://example.com/docs/", "https://example.com/docs"},
		{"https://example.com/docs#intro", "https://example.com/docs"},
		{"https://example.com/s?b=2&a=1", "https://example.com/s?a=1&b=2"},
		{"https://example.com", "https://example.com/"},
		{"http://example.com:80/x", "http://example.com/x"},
		{"https://example.com:443/x", "https://example.com/x"},
		{"https://EXAMPLE.com/x", "https://example.com/x"},
	}
	for _, tc := range cases {
		if got, want := NormalizeURL(tc.a), NormalizeURL(tc.b); got != want {
			t.Errorf("NormalizeURL(%q) = %q, NormalizeURL(%q) = %q; want equal", tc.a, got, tc.b, want)
		}
	}
}

func TestNormalizeURLPreservesDistinctions(t *testing.T) {
	cases := []struct {
		a, b string
	}{
		{"https://example.com/a", "https://example.com/b"},
		{"https://example.com/s?a=1", "https://example.com/s?a=2"},
		{"https://example.com:8080/x", "https://example.com/x"},
	}
	for _, tc := range cases {
		if NormalizeURL(tc.a) == NormalizeURL(tc.b) {
			t.Errorf("NormalizeURL conflated %q and %q", tc.a, tc.b)
		}
	}
}

func TestHasSkippableExtension(t *testing.T) {
	skip := []string{
		"https://example.com/report.pdf",
		"https://example.com/archive.ZIP",
		"https://example.com/logo.png?v=2",
		"https://example.com/clip.mp4",
		"https://example.com/deck.pptx",
	}
	for _, u := range skip {
		if !hasSkippableExtension(u) {
			t.Errorf("hasSkippableExtension(%q) = false, want true", u)
		}
	}

	keep := []string{
		"https://example.com/",
		"https://example.com/docs",
		"https://example.com/page.html",
		"https://example.com/api/v1.2/users",
	}
	for _, u := range keep {
		if hasSkippableExtension(u) {
			t.Errorf("hasSkippableExtension(%q) = true, want false", u)
		}
	}
}
