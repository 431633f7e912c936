// Package embedding wraps the external embedding service behind a small
// interface so the ingestion pipeline and the answer layer can be tested
// without a network.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"knowbase/internal/config"
)

// Embedder produces a vector for a piece of text. Implementations must be
// safe for concurrent use.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Client calls an HTTP embedding service.
type Client struct {
	baseURL    string
	model      string
	dimension  int
	httpClient *http.Client
}

type embedRequest struct {
	Text  string `json:"text"`
	Model string `json:"model,omitempty"`
}

type embedResponse struct {
	Embedding []float64 `json:"embedding"`
}

// NewClient builds a client from config. The base URL is required.
func NewClient(cfg config.EmbeddingConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("embedding base url not configured")
	}
	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		model:      cfg.Model,
		dimension:  cfg.Dimension,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Embed requests a vector for the given text. A dimension mismatch against
// the configured dimension is an error; storing mixed-width vectors would
// poison every later similarity comparison.
func (c *Client) Embed(ctx context.Context, text string) ([]float64, error) {
	queryURL := fmt.Sprintf("%s/api/embedding/query-embedding", c.baseURL)
	data, err := json.Marshal(embedRequest{Text: text, Model: c.model})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, queryURL, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embedding query failed: status %d body %s", resp.StatusCode, string(msg))
	}

	var parsed embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode embedding response: %w", err)
	}
	if len(parsed.Embedding) == 0 {
		return nil, fmt.Errorf("embedding service returned an empty vector")
	}
	if c.dimension > 0 && len(parsed.Embedding) != c.dimension {
		return nil, fmt.Errorf("embedding dimension mismatch: expected %d, got %d", c.dimension, len(parsed.Embedding))
	}
	return parsed.Embedding, nil
}
