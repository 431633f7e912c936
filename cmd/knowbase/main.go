package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"knowbase/internal/answers"
	"knowbase/internal/api"
	"knowbase/internal/config"
	"knowbase/internal/embedding"
	"knowbase/internal/ingest"
	"knowbase/internal/storage"
	"knowbase/pkg/types"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "Path to knowledge base configuration file")
	chatbotID := flag.String("chatbot", "", "Chatbot identifier to ingest into")
	question := flag.String("ask", "", "Ask a question against the stored knowledge instead of crawling")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if *chatbotID == "" {
		fmt.Fprintln(os.Stderr, "-chatbot is required")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := newLogger(cfg.Logging)

	store, closeStore, err := openStore(*cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise store: %v\n", err)
		os.Exit(1)
	}
	defer closeStore()

	var embedder embedding.Embedder
	if cfg.Embedding.BaseURL != "" {
		client, err := embedding.NewClient(cfg.Embedding)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to initialise embedding client: %v\n", err)
			os.Exit(1)
		}
		embedder = client
	}

	if *question != "" {
		ask(ctx, *cfg, store, embedder, logger, *chatbotID, *question)
		return
	}

	seedURLs := flag.Args()
	if len(seedURLs) == 0 {
		fmt.Fprintln(os.Stderr, "at least one seed URL is required")
		os.Exit(1)
	}

	chunker := ingest.NewChunker(cfg.Chunking)
	pipeline := ingest.NewPipeline(chunker, embedder, store, logger, cfg.Chunking.EmbedConcurrency)
	engine := api.NewEngine(*cfg, pipeline, logger)

	report, err := engine.Run(ctx, *chatbotID, seedURLs, types.CrawlOptions{
		MaxDepth:       cfg.Crawl.MaxDepth,
		MaxPages:       cfg.Crawl.MaxPages,
		MaxJSPages:     cfg.Crawl.MaxJSPages,
		SameDomainOnly: cfg.Crawl.SameDomainOnly,
		Mode:           types.RenderMode(cfg.Crawl.Mode),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "ingestion failed: %v\n", err)
		os.Exit(1)
	}

	printJSON(report)
}

func ask(ctx context.Context, cfg config.Config, store storage.Store, embedder embedding.Embedder, logger *slog.Logger, chatbotID, question string) {
	resolver := answers.NewResolver(store, embedder, cfg.Cache.SimilarityThreshold, logger)
	retriever := answers.NewRetriever(store, embedder, cfg.Retrieval.MaxChunks, cfg.Retrieval.LexicalWeight, logger)

	resolution, err := resolver.Lookup(ctx, chatbotID, question)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lookup failed: %v\n", err)
		os.Exit(1)
	}
	if resolution.Source != answers.SourceMiss {
		printJSON(resolution)
		return
	}

	scored, err := retriever.Retrieve(ctx, chatbotID, question)
	if err != nil {
		fmt.Fprintf(os.Stderr, "retrieval failed: %v\n", err)
		os.Exit(1)
	}
	printJSON(api.SearchResponse{Chunks: scored})
}

func openStore(cfg config.Config, logger *slog.Logger) (storage.Store, func(), error) {
	if cfg.DB.DSN == "" {
		logger.Warn("db.dsn not set, using in-memory store")
		return storage.NewMemoryStore(), func() {}, nil
	}
	pg, err := storage.NewPostgresStore(cfg.DB)
	if err != nil {
		return nil, nil, err
	}
	return pg, func() { _ = pg.Close() }, nil
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Structured {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "encode output: %v\n", err)
		os.Exit(1)
	}
}
