// Package api exposes the ingestion and answer HTTP surface: job
// management with SSE progress, single-page rendering, answer lookup,
// and hybrid chunk search.
package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"knowbase/internal/answers"
	"knowbase/internal/config"
	"knowbase/internal/ingest"
	"knowbase/pkg/types"
)

// Server routes HTTP requests onto the engine, job store, and answer
// layer.
type Server struct {
	cfg       config.Config
	runner    IngestRunner
	jobs      *JobStore
	pipeline  *ingest.Pipeline
	resolver  *answers.Resolver
	retriever *answers.Retriever
	logger    *slog.Logger
	rootCtx   context.Context
	mux       *http.ServeMux
}

// NewServer wires handlers onto an HTTP mux. rootCtx bounds background
// job goroutines; cancelling it stops them on shutdown.
func NewServer(cfg config.Config, runner IngestRunner, jobs *JobStore, pipeline *ingest.Pipeline, resolver *answers.Resolver, retriever *answers.Retriever, logger *slog.Logger, rootCtx context.Context) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if rootCtx == nil {
		rootCtx = context.Background()
	}
	s := &Server{
		cfg:       cfg,
		runner:    runner,
		jobs:      jobs,
		pipeline:  pipeline,
		resolver:  resolver,
		retriever: retriever,
		logger:    logger,
		rootCtx:   rootCtx,
		mux:       http.NewServeMux(),
	}
	s.routes()
	return s
}

// ServeHTTP satisfies the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/knowledge/jobs", s.handleJobs)
	s.mux.HandleFunc("/api/knowledge/jobs/", s.handleJobByID)
	s.mux.HandleFunc("/api/knowledge/documents", s.handleDocuments)
	s.mux.HandleFunc("/api/knowledge/render", s.handleRender)
	s.mux.HandleFunc("/api/answers/lookup", s.handleLookup)
	s.mux.HandleFunc("/api/answers", s.handleStoreAnswer)
	s.mux.HandleFunc("/api/answers/overrides", s.handleOverride)
	s.mux.HandleFunc("/api/chunks/search", s.handleSearch)
	s.mux.HandleFunc("/openapi.yaml", s.handleOpenAPI)
	s.mux.HandleFunc("/docs", s.handleDocs)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.jobs.List())
	case http.MethodPost:
		s.createJob(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid json payload: %v", err), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.ChatbotID) == "" {
		http.Error(w, "chatbot_id is required", http.StatusBadRequest)
		return
	}
	seeds := trimURLs(req.URLs)
	if len(seeds) == 0 {
		http.Error(w, "urls must include at least one seed", http.StatusBadRequest)
		return
	}
	opts, err := s.crawlOptions(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	job, err := s.jobs.Create(req.ChatbotID, seeds)
	if err != nil {
		if errors.Is(err, ErrJobRunning) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	runCtx, cancel := context.WithCancel(s.rootCtx)
	job.Start(cancel)
	go func() {
		defer cancel()
		report, err := s.runner.Run(runCtx, job.ChatbotID(), job.SeedURLs(), opts)
		job.Complete(report, err)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("ingestion job failed", "job", job.ID(), "error", err)
		}
	}()

	writeJSON(w, http.StatusCreated, job.Snapshot())
}

func (s *Server) handleJobByID(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/knowledge/jobs/"), "/")
	if trimmed == "" {
		http.NotFound(w, r)
		return
	}
	parts := strings.Split(trimmed, "/")
	job, ok := s.jobs.Get(parts[0])
	if !ok {
		http.NotFound(w, r)
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		writeJSON(w, http.StatusOK, job.Snapshot())
		return
	}

	switch parts[1] {
	case "events":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		s.streamJobEvents(w, r, job)
	case "cancel":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		if !job.Cancel("cancel requested via API") {
			http.Error(w, "job not running", http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req UploadDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid json payload: %v", err), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.ChatbotID) == "" || strings.TrimSpace(req.Name) == "" {
		http.Error(w, "chatbot_id and name are required", http.StatusBadRequest)
		return
	}
	payload, err := base64.StdEncoding.DecodeString(req.Content)
	if err != nil {
		http.Error(w, "content must be base64 encoded", http.StatusBadRequest)
		return
	}

	report, err := s.pipeline.IngestDocument(r.Context(), req.ChatbotID, req.Name, payload)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	writeJSON(w, http.StatusCreated, report)
}

func (s *Server) handleRender(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req RenderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid json payload: %v", err), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		http.Error(w, "url is required", http.StatusBadRequest)
		return
	}
	mode := types.RenderMode(req.Mode)
	if mode == "" {
		mode = types.RenderModeAuto
	}

	result := s.runner.Render(r.Context(), req.URL, mode)
	writeJSON(w, http.StatusOK, types.CrawlResult{
		URL:          result.URL,
		Content:      result.TextContent,
		Title:        result.Title,
		Error:        result.Error,
		RenderedWith: result.RenderedWith,
	})
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req AskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid json payload: %v", err), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.ChatbotID) == "" || strings.TrimSpace(req.Question) == "" {
		http.Error(w, "chatbot_id and question are required", http.StatusBadRequest)
		return
	}

	resolution, err := s.resolver.Lookup(r.Context(), req.ChatbotID, req.Question)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, resolution)
}

func (s *Server) handleStoreAnswer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req StoreAnswerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid json payload: %v", err), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.ChatbotID) == "" || strings.TrimSpace(req.Question) == "" || req.Answer == "" {
		http.Error(w, "chatbot_id, question, and answer are required", http.StatusBadRequest)
		return
	}

	if err := s.resolver.StoreAnswer(r.Context(), req.ChatbotID, req.Question, req.Answer, req.SuggestedQuestions, nil); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req OverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid json payload: %v", err), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.ChatbotID) == "" || strings.TrimSpace(req.Question) == "" || req.ManualAnswer == "" {
		http.Error(w, "chatbot_id, question, and manual_answer are required", http.StatusBadRequest)
		return
	}

	if err := s.resolver.PutOverride(r.Context(), req.ChatbotID, req.Question, req.ManualAnswer, req.OriginalAnswer, req.CreatedBy); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid json payload: %v", err), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.ChatbotID) == "" || strings.TrimSpace(req.Question) == "" {
		http.Error(w, "chatbot_id and question are required", http.StatusBadRequest)
		return
	}

	scored, err := s.retriever.Retrieve(r.Context(), req.ChatbotID, req.Question)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	response := SearchResponse{Chunks: scored}
	if len(scored) == 0 {
		// Never hand downstream generation an empty context.
		fallback, err := s.retriever.FallbackContext(r.Context(), req.ChatbotID, 0)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		response.FallbackContext = fallback
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) streamJobEvents(w http.ResponseWriter, r *http.Request, job *Job) {
	eventCh, cancel := job.Subscribe()
	defer cancel()

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ctx := r.Context()
	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case evt, open := <-eventCh:
			if !open {
				return
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\n", evt.Type)
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, "event: heartbeat\ndata: {}\n\n")
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) crawlOptions(req CreateJobRequest) (types.CrawlOptions, error) {
	opts := types.CrawlOptions{
		MaxDepth:       s.cfg.Crawl.MaxDepth,
		MaxPages:       s.cfg.Crawl.MaxPages,
		SameDomainOnly: s.cfg.Crawl.SameDomainOnly,
		Mode:           types.RenderMode(s.cfg.Crawl.Mode),
		MaxJSPages:     s.cfg.Crawl.MaxJSPages,
	}
	if req.MaxDepth != nil {
		if *req.MaxDepth < 0 {
			return opts, fmt.Errorf("max_depth must be >= 0")
		}
		opts.MaxDepth = *req.MaxDepth
	}
	if req.MaxPages != nil {
		if *req.MaxPages <= 0 {
			return opts, fmt.Errorf("max_pages must be > 0")
		}
		opts.MaxPages = *req.MaxPages
	}
	if req.Mode != "" {
		switch types.RenderMode(req.Mode) {
		case types.RenderModeStatic, types.RenderModeJavaScript, types.RenderModeAuto:
			opts.Mode = types.RenderMode(req.Mode)
		default:
			return opts, fmt.Errorf("mode must be static, javascript, or auto (got %q)", req.Mode)
		}
	}
	return opts, nil
}

func trimURLs(urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, raw := range urls {
		if trimmed := strings.TrimSpace(raw); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
