package crawler

import (
	"net/url"
	"path"
	"strings"
)

// File extensions that never contain crawlable HTML; attempting a render
// on these wastes a fetch (or worse, a browser page).
var skippableExtensions = map[string]struct{}{
	".pdf": {}, ".zip": {}, ".gz": {}, ".tar": {}, ".rar": {}, ".7z": {},
	".jpg": {}, ".jpeg": {}, ".png": {}, ".gif": {}, ".svg": {}, ".webp": {}, ".ico": {},
	".mp4": {}, ".webm": {}, ".avi": {}, ".mov": {}, ".mkv": {},
	".mp3": {}, ".wav": {}, ".ogg": {}, ".flac": {},
	".doc": {}, ".docx": {}, ".xls": {}, ".xlsx": {}, ".ppt": {}, ".pptx": {},
	".exe": {}, ".dmg": {}, ".iso": {},
}

// NormalizeURL produces the canonical form used for visited-set dedup:
// lowercased scheme and host, default port dropped, fragment stripped,
// query keys sorted, trailing slash removed (root preserved). The
// function is idempotent.
func NormalizeURL(rawURL string) string {
	rawURL = strings.TrimSpace(rawURL)
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}

	parsed.Scheme = strings.ToLower(parsed.Scheme)
	host := strings.ToLower(parsed.Hostname())
	if port := parsed.Port(); port != "" && port != defaultPortForScheme(parsed.Scheme) {
		host = host + ":" + port
	}
	parsed.Host = host
	parsed.Fragment = ""
	parsed.RawFragment = ""

	parsed.ForceQuery = false
	if parsed.RawQuery != "" {
		// url.Values.Encode sorts keys.
		parsed.RawQuery = parsed.Query().Encode()
	}

	p := parsed.Path
	if p == "" {
		p = "/"
	}
	for len(p) > 1 && strings.HasSuffix(p, "/") {
		p = p[:len(p)-1]
	}
	if p != parsed.Path {
		parsed.Path = p
		parsed.RawPath = ""
	}

	return parsed.String()
}

// hasSkippableExtension reports whether the URL path points at a
// non-HTML asset.
func hasSkippableExtension(rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	ext := strings.ToLower(path.Ext(parsed.Path))
	_, skip := skippableExtensions[ext]
	return skip
}

func defaultPortForScheme(scheme string) string {
	switch scheme {
	case "http":
		return "80"
	case "https":
		return "443"
	default:
		return ""
	}
}
