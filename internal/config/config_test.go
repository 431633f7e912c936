package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadFromReaderMergesDefaults(t *testing.T) {
	yaml := `
crawl:
  max_pages: 5
  politeness_delay: 250ms
embedding:
  base_url: http://localhost:9000/
`
	cfg, err := LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Crawl.MaxPages != 5 {
		t.Errorf("max_pages = %d, want 5", cfg.Crawl.MaxPages)
	}
	if cfg.Crawl.MaxDepth != 2 {
		t.Errorf("max_depth default = %d, want 2", cfg.Crawl.MaxDepth)
	}
	if cfg.Crawl.PolitenessDelay.Duration != 250*time.Millisecond {
		t.Errorf("politeness_delay = %v", cfg.Crawl.PolitenessDelay.Duration)
	}
	if cfg.Embedding.BaseURL != "http://localhost:9000" {
		t.Errorf("base_url trailing slash survived: %q", cfg.Embedding.BaseURL)
	}
}

func TestLoadFromReaderRejectsUnknownFields(t *testing.T) {
	if _, err := LoadFromReader(strings.NewReader("craawl:\n  max_pages: 5\n")); err == nil {
		t.Fatal("expected unknown field error")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero max_pages", func(c *Config) { c.Crawl.MaxPages = 0 }},
		{"bad mode", func(c *Config) { c.Crawl.Mode = "warp" }},
		{"empty user agent", func(c *Config) { c.Crawl.UserAgent = " " }},
		{"overlap >= chunk size", func(c *Config) { c.Chunking.ChunkOverlap = c.Chunking.ChunkSize }},
		{"threshold > 1", func(c *Config) { c.Cache.SimilarityThreshold = 1.5 }},
		{"lexical weight > 1", func(c *Config) { c.Retrieval.LexicalWeight = 2 }},
		{"robots agent missing", func(c *Config) { c.Robots.UserAgent = "" }},
	}
	for _, tc := range cases {
		cfg := Default()
		tc.mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}

	if err := Default().Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}
