// Package openai implements router.ChatProvider and router.EmbeddingProvider
// against an OpenAI-compatible HTTP API (spec.md §4.3 external collaborator:
// "OpenAI-compatible HTTP API"). No OpenAI SDK is vendored anywhere in the
// example pack this module was built from, so the client here is a thin
// net/http wrapper in the style of the pack's other outbound-HTTP plugins
// (e.g. the Datadog/New Relic metrics plugins), not a hand-rolled
// replacement for something a library already does.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"wooster/internal/config"
	"wooster/internal/router"
	"wooster/internal/wlog"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Provider implements router.ChatProvider and router.EmbeddingProvider
// against an OpenAI-compatible /chat/completions and /embeddings API.
type Provider struct {
	cfg        config.OpenAIConfig
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// Option customizes a Provider beyond its config.OpenAIConfig.
type Option func(*Provider)

// WithBaseURL overrides the API base URL, for self-hosted OpenAI-compatible
// servers (vLLM, llama.cpp's server mode, etc).
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithHTTPClient overrides the HTTP client, primarily for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// New builds a Provider. cfg.ModelName names both the provider-model
// identifier (router.ChatProvider.Name returns "openai:<ModelName>") and
// the model field sent on every chat request.
func New(cfg config.OpenAIConfig, logger *slog.Logger, opts ...Option) *Provider {
	p := &Provider{
		cfg:        cfg,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		logger:     wlog.Default(logger).With("component", "openai_provider"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider-model identifier used in router.Profile.Preferred.
func (p *Provider) Name() string {
	return "openai:" + p.cfg.ModelName
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *apiError `json:"error,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("openai: %s: %s", e.Type, e.Message)
}

// Chat sends the request to /chat/completions and returns the first choice.
func (p *Provider) Chat(ctx context.Context, req router.ChatRequest) (router.ChatResponse, error) {
	messages := make([]chatMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, chatMessage{Role: m.Role, Content: m.Content})
	}
	body := chatCompletionRequest{
		Model:       p.cfg.ModelName,
		Messages:    messages,
		Temperature: p.cfg.Temperature,
		MaxTokens:   p.cfg.MaxTokens,
	}

	var out chatCompletionResponse
	if err := p.post(ctx, "/chat/completions", body, &out); err != nil {
		return router.ChatResponse{}, err
	}
	if out.Error != nil {
		return router.ChatResponse{}, out.Error
	}
	if len(out.Choices) == 0 {
		return router.ChatResponse{}, fmt.Errorf("openai: empty choices in chat completion response")
	}
	return router.ChatResponse{Content: out.Choices[0].Message.Content}, nil
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *apiError `json:"error,omitempty"`
}

// Embed sends the request to /embeddings and returns one vector per input
// text in the same order.
func (p *Provider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	body := embeddingRequest{Model: p.cfg.EmbeddingModel, Input: texts}

	var out embeddingResponse
	if err := p.post(ctx, "/embeddings", body, &out); err != nil {
		return nil, err
	}
	if out.Error != nil {
		return nil, out.Error
	}
	vecs := make([][]float32, len(texts))
	for _, d := range out.Data {
		if d.Index < 0 || d.Index >= len(vecs) {
			continue
		}
		vecs[d.Index] = d.Embedding
	}
	return vecs, nil
}

// Probe performs a cheap health check: a minimal, near-zero-token chat
// completion. There is no dedicated unauthenticated health endpoint on the
// OpenAI API, so this is the cheapest authenticated call available.
func (p *Provider) Probe(ctx context.Context) error {
	body := chatCompletionRequest{
		Model:     p.cfg.ModelName,
		Messages:  []chatMessage{{Role: "user", Content: "ping"}},
		MaxTokens: 1,
	}
	var out chatCompletionResponse
	if err := p.post(ctx, "/chat/completions", body, &out); err != nil {
		return err
	}
	if out.Error != nil {
		return out.Error
	}
	return nil
}

func (p *Provider) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("openai: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("openai: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("openai: request %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("openai: read response %s: %w", path, err)
	}
	if resp.StatusCode >= 400 {
		p.logger.Warn("openai request failed", "path", path, "status", resp.StatusCode, "key_fingerprint", p.cfg.Redacted())
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("openai: decode response %s (status %d): %w", path, resp.StatusCode, err)
	}
	return nil
}
