package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/http"
	"strings"
	"time"

	tutorerrors "tutor/internal/errors"
	"tutor/internal/httpclient"
	"tutor/internal/logging"
)

// OllamaConfig configures the Ollama chat client.
type OllamaConfig struct {
	BaseURL        string                          `mapstructure:"base_url" json:"base_url" yaml:"base_url"`
	Model          string                          `mapstructure:"model" json:"model" yaml:"model"`
	RequestTimeout time.Duration                   `mapstructure:"request_timeout" json:"request_timeout" yaml:"request_timeout"`
	KeepAlive      string                          `mapstructure:"keep_alive" json:"keep_alive" yaml:"keep_alive"`
	Retry          tutorerrors.RetryConfig         `mapstructure:"retry" json:"retry" yaml:"retry"`
	CircuitBreaker tutorerrors.CircuitBreakerConfig `mapstructure:"circuit_breaker" json:"circuit_breaker" yaml:"circuit_breaker"`
}

// DefaultOllamaConfig targets a local Ollama with a small quantized model.
func DefaultOllamaConfig() OllamaConfig {
	return OllamaConfig{
		BaseURL:        "http://localhost:11434",
		Model:          "qwen2.5:1.5b-instruct-q4_K_M",
		RequestTimeout: 5 * time.Minute,
		KeepAlive:      "10m",
		Retry:          tutorerrors.DefaultRetryConfig(),
		CircuitBreaker: tutorerrors.DefaultCircuitBreakerConfig(),
	}
}

// OllamaClient streams chat completions from an Ollama server.
type OllamaClient struct {
	model      string
	baseURL    string
	keepAlive  string
	httpClient *http.Client
	retry      tutorerrors.RetryConfig
	breaker    *tutorerrors.CircuitBreaker
	options    OptionsSource
	logger     logging.Logger
}

var _ Generator = (*OllamaClient)(nil)

// NewOllamaClient builds a client. options may be nil, in which case the
// server's own defaults for context size and threads apply.
func NewOllamaClient(cfg OllamaConfig, options OptionsSource, logger logging.Logger) (*OllamaClient, error) {
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("ollama model is required")
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	baseURL = strings.TrimSuffix(baseURL, "/api") + "/api"

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	logger = logging.OrNop(logger)
	return &OllamaClient{
		model:      cfg.Model,
		baseURL:    baseURL,
		keepAlive:  cfg.KeepAlive,
		httpClient: &http.Client{Timeout: timeout},
		retry:      cfg.Retry,
		breaker:    tutorerrors.NewCircuitBreaker("ollama", cfg.CircuitBreaker, logger),
		options:    options,
		logger:     logger,
	}, nil
}

// Model returns the configured model name.
func (c *OllamaClient) Model() string {
	return c.model
}

// Generate streams the answer for req. Connection failures and transient
// server statuses are retried before the first fragment; once the stream has
// started, errors end the sequence.
func (c *OllamaClient) Generate(ctx context.Context, req Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		resp, err := c.open(ctx, req)
		if err != nil {
			yield("", err)
			return
		}
		defer func() {
			_ = resp.Body.Close()
		}()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			var chunk ollamaResponse
			if err := json.Unmarshal([]byte(line), &chunk); err != nil {
				yield("", fmt.Errorf("decode ollama stream chunk: %w", err))
				return
			}
			if chunk.Error != "" {
				yield("", fmt.Errorf("ollama error: %s", chunk.Error))
				return
			}
			if delta := chunk.Message.Content; delta != "" {
				if !yield(delta, nil) {
					return
				}
			}
			if chunk.Done {
				c.logger.Debug("Ollama stream done: reason=%s prompt_tokens=%d eval_tokens=%d",
					chunk.DoneReason, chunk.PromptEvalCount, chunk.EvalCount)
				return
			}
		}
		if err := scanner.Err(); err != nil {
			if ctx.Err() != nil {
				yield("", tutorerrors.CauseOf(ctx))
				return
			}
			yield("", fmt.Errorf("read ollama stream: %w", err))
		}
	}
}

func (c *OllamaClient) open(ctx context.Context, req Request) (*http.Response, error) {
	if err := c.breaker.Allow(); err != nil {
		return nil, err
	}
	body, err := c.buildPayload(req)
	if err != nil {
		return nil, err
	}

	resp, err := tutorerrors.RetryWithResult(ctx, c.retry, func(ctx context.Context) (*http.Response, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat", bytes.NewReader(body))
		if err != nil {
			return nil, tutorerrors.NewPermanentError(err, "build ollama request")
		}
		httpReq.Header.Set("Content-Type", "application/json")
		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			err := httpclient.StatusError(resp)
			_ = resp.Body.Close()
			return nil, err
		}
		return resp, nil
	}, c.logger)

	switch {
	case err == nil:
		c.breaker.Mark(nil)
	case ctx.Err() != nil:
		// Caller gave up; says nothing about the server.
		return nil, tutorerrors.CauseOf(ctx)
	default:
		c.breaker.Mark(err)
		return nil, fmt.Errorf("ollama request failed: %w", err)
	}
	return resp, nil
}

func (c *OllamaClient) buildPayload(req Request) ([]byte, error) {
	messages := make([]ollamaMessage, 0, 2)
	if strings.TrimSpace(req.System) != "" {
		messages = append(messages, ollamaMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, ollamaMessage{Role: "user", Content: req.Prompt})

	options := make(map[string]any)
	if req.Temperature != nil {
		options["temperature"] = *req.Temperature
	}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}
	if c.options != nil {
		live := c.options()
		if live.ContextTokens > 0 {
			options["num_ctx"] = live.ContextTokens
		}
		if live.Threads > 0 {
			options["num_thread"] = live.Threads
		}
	}

	request := ollamaRequest{
		Model:     c.model,
		Messages:  messages,
		Stream:    true,
		KeepAlive: c.keepAlive,
	}
	if len(options) > 0 {
		request.Options = options
	}
	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("marshal ollama request: %w", err)
	}
	return body, nil
}

// Ping checks that the server answers and lists the configured model. An
// open circuit is reported without contacting the server.
func (c *OllamaClient) Ping(ctx context.Context) error {
	if snap := c.breaker.Snapshot(); snap.State == tutorerrors.StateOpen {
		return fmt.Errorf("ollama circuit open since %s after %d consecutive failures",
			snap.Since.Format(time.RFC3339), snap.Failures)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/tags", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("ollama unreachable: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return httpclient.StatusError(resp)
	}
	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return fmt.Errorf("decode ollama tags: %w", err)
	}
	for _, m := range tags.Models {
		if m.Name == c.model {
			return nil
		}
	}
	return fmt.Errorf("model %q is not pulled on the ollama server", c.model)
}

// HealthState summarizes the provider for status endpoints.
type HealthState string

const (
	HealthStateHealthy  HealthState = "healthy"
	HealthStateDegraded HealthState = "degraded"
	HealthStateDown     HealthState = "down"
)

// Health reports the provider state as seen by the circuit breaker.
func (c *OllamaClient) Health() HealthState {
	switch c.breaker.State() {
	case tutorerrors.StateOpen:
		return HealthStateDown
	case tutorerrors.StateHalfOpen:
		return HealthStateDegraded
	default:
		return HealthStateHealthy
	}
}

type ollamaRequest struct {
	Model     string          `json:"model"`
	Messages  []ollamaMessage `json:"messages"`
	Stream    bool            `json:"stream"`
	KeepAlive string          `json:"keep_alive,omitempty"`
	Options   map[string]any  `json:"options,omitempty"`
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaResponse struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	DoneReason      string        `json:"done_reason"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
	Error           string        `json:"error"`
}
