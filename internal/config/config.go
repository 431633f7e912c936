package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the full configuration for the ingestion and retrieval
// pipeline.
type Config struct {
	DB        SQLConfig       `yaml:"db"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Crawl     CrawlConfig     `yaml:"crawl"`
	Rendering RenderingConfig `yaml:"rendering"`
	Chunking  ChunkingConfig  `yaml:"chunking"`
	Cache     CacheConfig     `yaml:"cache"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Robots    RobotsConfig    `yaml:"robots"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// SQLConfig describes the relational database used for chunks, crawl
// metadata, and the answer cache.
type SQLConfig struct {
	Driver          string   `yaml:"driver"`
	DSN             string   `yaml:"dsn"`
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool     `yaml:"auto_migrate"`
	CreateIfMissing bool     `yaml:"create_if_missing"`
}

// EmbeddingConfig points at the embedding service.
type EmbeddingConfig struct {
	BaseURL   string   `yaml:"base_url"`
	Model     string   `yaml:"model"`
	Dimension int      `yaml:"dimension"`
	Timeout   Duration `yaml:"timeout"`
}

// CrawlConfig controls the crawl frontier, limits, and escalation.
type CrawlConfig struct {
	MaxDepth         int      `yaml:"max_depth"`
	MaxPages         int      `yaml:"max_pages"`
	MaxJSPages       int      `yaml:"max_js_pages"`
	Mode             string   `yaml:"mode"`
	SameDomainOnly   bool     `yaml:"same_domain_only"`
	UserAgent        string   `yaml:"user_agent"`
	RequestTimeout   Duration `yaml:"request_timeout"`
	PolitenessDelay  Duration `yaml:"politeness_delay"`
	MinStaticContent int      `yaml:"min_static_content"`
	MaxContentChars  int      `yaml:"max_content_chars"`
	AllowedPorts     []int    `yaml:"allowed_ports"`
}

// RenderingConfig controls the headless browser path.
type RenderingConfig struct {
	NavigationTimeout Duration `yaml:"navigation_timeout"`
	SettleDelay       Duration `yaml:"settle_delay"`
	MinContentLength  int      `yaml:"min_content_length"`
	ExtractRetries    int      `yaml:"extract_retries"`
	DisableHeadless   bool     `yaml:"disable_headless"`
}

// ChunkingConfig tunes chunk sizing for downstream context economy.
type ChunkingConfig struct {
	ChunkSize        int `yaml:"chunk_size"`
	ChunkOverlap     int `yaml:"chunk_overlap"`
	EmbedConcurrency int `yaml:"embed_concurrency"`
}

// CacheConfig tunes answer cache matching.
type CacheConfig struct {
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
}

// RetrievalConfig tunes hybrid chunk retrieval.
type RetrievalConfig struct {
	MaxChunks     int     `yaml:"max_chunks"`
	LexicalWeight float64 `yaml:"lexical_weight"`
}

// RobotsConfig configures robots.txt handling.
type RobotsConfig struct {
	Respect   bool     `yaml:"respect"`
	UserAgent string   `yaml:"user_agent"`
	CacheTTL  Duration `yaml:"cache_ttl"`
}

// JobsConfig controls the ingestion job store.
type JobsConfig struct {
	TTL           Duration `yaml:"ttl"`
	SweepInterval Duration `yaml:"sweep_interval"`
}

// LoggingConfig selects log verbosity and format.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Structured bool   `yaml:"structured"`
}

// Default returns a Config populated with sensible defaults.
func Default() Config {
	return Config{
		Crawl: CrawlConfig{
			MaxDepth:         2,
			MaxPages:         50,
			MaxJSPages:       10,
			Mode:             "auto",
			SameDomainOnly:   true,
			UserAgent:        "knowbase-bot/1.0 (+https://knowbase.dev/bot)",
			RequestTimeout:   DurationFrom(30 * time.Second),
			PolitenessDelay:  DurationFrom(100 * time.Millisecond),
			MinStaticContent: 1000,
			MaxContentChars:  50000,
			AllowedPorts:     []int{80, 443},
		},
		Rendering: RenderingConfig{
			NavigationTimeout: DurationFrom(30 * time.Second),
			SettleDelay:       DurationFrom(2 * time.Second),
			MinContentLength:  100,
			ExtractRetries:    3,
		},
		Chunking: ChunkingConfig{
			ChunkSize:        1200,
			ChunkOverlap:     200,
			EmbedConcurrency: 4,
		},
		Cache: CacheConfig{
			SimilarityThreshold: 0.85,
		},
		Retrieval: RetrievalConfig{
			MaxChunks:     30,
			LexicalWeight: 0.3,
		},
		Robots: RobotsConfig{
			Respect:   true,
			UserAgent: "knowbase-bot/1.0",
			CacheTTL:  DurationFrom(6 * time.Hour),
		},
		Jobs: JobsConfig{
			TTL:           DurationFrom(time.Hour),
			SweepInterval: DurationFrom(10 * time.Minute),
		},
		Embedding: EmbeddingConfig{
			Dimension: 1536,
			Timeout:   DurationFrom(15 * time.Second),
		},
		Logging: LoggingConfig{
			Level:      "info",
			Structured: true,
		},
		DB: SQLConfig{
			AutoMigrate: true,
		},
	}
}

// Load reads, merges, and validates configuration from a YAML file.
func Load(path string) (*Config, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer fh.Close()
	return LoadFromReader(fh)
}

// LoadFromReader decodes configuration from an arbitrary reader.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces required invariants for the pipeline configuration.
func (c Config) Validate() error {
	if c.Crawl.MaxDepth < 0 {
		return fmt.Errorf("crawl.max_depth must be >= 0 (got %d)", c.Crawl.MaxDepth)
	}
	if c.Crawl.MaxPages <= 0 {
		return fmt.Errorf("crawl.max_pages must be > 0 (got %d)", c.Crawl.MaxPages)
	}
	if c.Crawl.MaxJSPages < 0 {
		return fmt.Errorf("crawl.max_js_pages must be >= 0 (got %d)", c.Crawl.MaxJSPages)
	}
	switch c.Crawl.Mode {
	case "static", "javascript", "auto":
	default:
		return fmt.Errorf("crawl.mode must be static, javascript, or auto (got %q)", c.Crawl.Mode)
	}
	if strings.TrimSpace(c.Crawl.UserAgent) == "" {
		return errors.New("crawl.user_agent must be set")
	}
	if c.Crawl.MinStaticContent <= 0 {
		return fmt.Errorf("crawl.min_static_content must be > 0 (got %d)", c.Crawl.MinStaticContent)
	}
	if c.Chunking.ChunkSize <= 0 {
		return fmt.Errorf("chunking.chunk_size must be > 0 (got %d)", c.Chunking.ChunkSize)
	}
	if c.Chunking.ChunkOverlap < 0 || c.Chunking.ChunkOverlap >= c.Chunking.ChunkSize {
		return fmt.Errorf("chunking.chunk_overlap must be in [0, chunk_size) (got %d)", c.Chunking.ChunkOverlap)
	}
	if c.Cache.SimilarityThreshold <= 0 || c.Cache.SimilarityThreshold > 1 {
		return fmt.Errorf("cache.similarity_threshold must be in (0, 1] (got %g)", c.Cache.SimilarityThreshold)
	}
	if c.Retrieval.MaxChunks <= 0 {
		return fmt.Errorf("retrieval.max_chunks must be > 0 (got %d)", c.Retrieval.MaxChunks)
	}
	if c.Retrieval.LexicalWeight < 0 || c.Retrieval.LexicalWeight > 1 {
		return fmt.Errorf("retrieval.lexical_weight must be in [0, 1] (got %g)", c.Retrieval.LexicalWeight)
	}
	if c.Robots.Respect && strings.TrimSpace(c.Robots.UserAgent) == "" {
		return errors.New("robots.user_agent must be set")
	}
	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("embedding.dimension must be > 0 (got %d)", c.Embedding.Dimension)
	}
	return nil
}

func (c *Config) normalise() {
	c.Crawl.Mode = strings.ToLower(strings.TrimSpace(c.Crawl.Mode))
	c.Crawl.UserAgent = strings.TrimSpace(c.Crawl.UserAgent)
	c.Robots.UserAgent = strings.TrimSpace(c.Robots.UserAgent)
	c.Embedding.BaseURL = strings.TrimRight(strings.TrimSpace(c.Embedding.BaseURL), "/")
	if len(c.Crawl.AllowedPorts) > 0 {
		sort.Ints(c.Crawl.AllowedPorts)
	}
}
