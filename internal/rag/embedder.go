package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	tutorerrors "tutor/internal/errors"
	"tutor/internal/httpclient"
	"tutor/internal/logging"
)

const (
	// maxEmbedBatch bounds the inputs sent in one request.
	maxEmbedBatch = 64
	// maxEmbedResponseBytes caps a decoded /api/embed body.
	maxEmbedResponseBytes = 32 << 20
)

// EmbedderConfig configures the Ollama embedding client.
type EmbedderConfig struct {
	BaseURL        string                          `mapstructure:"base_url" json:"base_url" yaml:"base_url"`
	Model          string                          `mapstructure:"model" json:"model" yaml:"model"`
	CacheSize      int                             `mapstructure:"cache_size" json:"cache_size" yaml:"cache_size"`
	RequestTimeout time.Duration                   `mapstructure:"request_timeout" json:"request_timeout" yaml:"request_timeout"`
	Retry          tutorerrors.RetryConfig         `mapstructure:"retry" json:"retry" yaml:"retry"`
	CircuitBreaker tutorerrors.CircuitBreakerConfig `mapstructure:"circuit_breaker" json:"circuit_breaker" yaml:"circuit_breaker"`
}

// DefaultEmbedderConfig targets a small local embedding model.
func DefaultEmbedderConfig() EmbedderConfig {
	return EmbedderConfig{
		BaseURL:        "http://localhost:11434",
		Model:          "nomic-embed-text",
		CacheSize:      10000,
		RequestTimeout: time.Minute,
		Retry:          tutorerrors.DefaultRetryConfig(),
		CircuitBreaker: tutorerrors.DefaultCircuitBreakerConfig(),
	}
}

// Embedder turns text into vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// OllamaEmbedder calls Ollama's /api/embed endpoint and caches vectors by
// input text.
type OllamaEmbedder struct {
	model      string
	endpoint   string
	httpClient *http.Client
	retry      tutorerrors.RetryConfig
	cache      *lru.Cache[string, []float32]
	logger     logging.Logger
}

var _ Embedder = (*OllamaEmbedder)(nil)

// NewOllamaEmbedder builds an embedder with an LRU cache.
func NewOllamaEmbedder(cfg EmbedderConfig, logger logging.Logger) (*OllamaEmbedder, error) {
	def := DefaultEmbedderConfig()
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = def.Model
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = def.CacheSize
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = def.BaseURL
	}

	cache, err := lru.New[string, []float32](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}
	return &OllamaEmbedder{
		model:      cfg.Model,
		endpoint:   strings.TrimSuffix(baseURL, "/api") + "/api/embed",
		httpClient: httpclient.NewWithCircuitBreaker(cfg.RequestTimeout, "ollama-embed", cfg.CircuitBreaker, logger),
		retry:      cfg.Retry,
		cache:      cache,
		logger:     logging.OrNop(logger),
	}, nil
}

// Embed returns the vector for a single text.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if cached, ok := e.cache.Get(text); ok {
		return cached, nil
	}
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch returns one vector per input, in order. Cached inputs are not
// sent again.
func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("no texts provided")
	}

	results := make([][]float32, len(texts))
	var (
		missingIdx   []int
		missingTexts []string
	)
	for i, text := range texts {
		if cached, ok := e.cache.Get(text); ok {
			results[i] = cached
			continue
		}
		missingIdx = append(missingIdx, i)
		missingTexts = append(missingTexts, text)
	}

	for start := 0; start < len(missingTexts); start += maxEmbedBatch {
		end := min(start+maxEmbedBatch, len(missingTexts))
		vectors, err := tutorerrors.RetryWithResult(ctx, e.retry, func(ctx context.Context) ([][]float32, error) {
			return e.call(ctx, missingTexts[start:end])
		}, e.logger)
		if err != nil {
			return nil, fmt.Errorf("embed batch: %w", err)
		}
		for j, vec := range vectors {
			idx := missingIdx[start+j]
			e.cache.Add(texts[idx], vec)
			results[idx] = vec
		}
	}
	return results, nil
}

func (e *OllamaEmbedder) call(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(map[string]any{"model": e.model, "input": texts})
	if err != nil {
		return nil, tutorerrors.NewPermanentError(err, "marshal embed request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, tutorerrors.NewPermanentError(err, "build embed request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, httpclient.StatusError(resp)
	}

	var decoded struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	if err := httpclient.DecodeJSON(resp.Body, maxEmbedResponseBytes, &decoded); err != nil {
		if httpclient.IsResponseTooLarge(err) {
			e.logger.Warn("Embedder: response for %d inputs exceeded %d bytes", len(texts), maxEmbedResponseBytes)
		}
		return nil, tutorerrors.NewPermanentError(err, "decode embed response")
	}
	if len(decoded.Embeddings) != len(texts) {
		return nil, tutorerrors.NewPermanentError(
			fmt.Errorf("got %d embeddings for %d inputs", len(decoded.Embeddings), len(texts)),
			"embed response size mismatch")
	}
	return decoded.Embeddings, nil
}
