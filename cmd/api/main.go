package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"knowbase/internal/answers"
	"knowbase/internal/api"
	"knowbase/internal/config"
	"knowbase/internal/embedding"
	"knowbase/internal/ingest"
	"knowbase/internal/storage"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "Path to knowledge base configuration")
	addr := flag.String("addr", ":8080", "HTTP listen address")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := newLogger(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(*cfg, logger)
	if err != nil {
		logger.Error("initialise store failed", "error", err)
		log.Fatalf("failed to initialise store: %v", err)
	}
	defer closeStore()

	var embedder embedding.Embedder
	if cfg.Embedding.BaseURL != "" {
		client, err := embedding.NewClient(cfg.Embedding)
		if err != nil {
			log.Fatalf("failed to initialise embedding client: %v", err)
		}
		embedder = client
	} else {
		logger.Warn("embedding.base_url not set, retrieval runs lexical-only")
	}

	chunker := ingest.NewChunker(cfg.Chunking)
	pipeline := ingest.NewPipeline(chunker, embedder, store, logger, cfg.Chunking.EmbedConcurrency)
	engine := api.NewEngine(*cfg, pipeline, logger)
	resolver := answers.NewResolver(store, embedder, cfg.Cache.SimilarityThreshold, logger)
	retriever := answers.NewRetriever(store, embedder, cfg.Retrieval.MaxChunks, cfg.Retrieval.LexicalWeight, logger)

	jobs := api.NewJobStore(cfg.Jobs.TTL.Duration, logger)
	jobs.StartSweep(ctx, cfg.Jobs.SweepInterval.Duration)

	server := api.NewServer(*cfg, engine, jobs, pipeline, resolver, retriever, logger, ctx)

	httpServer := &http.Server{
		Addr:    *addr,
		Handler: server,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown error", "error", err)
		}
		jobs.Shutdown()
	}()

	logger.Info("api server listening", "addr", *addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
	log.Println("API server stopped")
}

// openStore picks Postgres when a DSN is configured, an in-memory store
// otherwise. The in-memory store is intended for local development only.
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
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
