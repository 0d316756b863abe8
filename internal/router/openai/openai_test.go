package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"wooster/internal/config"
	"wooster/internal/router"
)

func TestChatSendsRequestAndParsesChoice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("missing bearer auth header: %q", r.Header.Get("Authorization"))
		}
		var req chatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Model != "gpt-4o-mini" {
			t.Errorf("model = %q", req.Model)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(chatCompletionResponse{
			Choices: []struct {
				Message chatMessage `json:"message"`
			}{{Message: chatMessage{Role: "assistant", Content: "hello"}}},
		})
	}))
	defer srv.Close()

	p := New(config.OpenAIConfig{APIKey: "test-key", ModelName: "gpt-4o-mini"}, nil, WithBaseURL(srv.URL))
	resp, err := p.Chat(context.Background(), router.ChatRequest{Messages: []router.Message{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "hello" {
		t.Errorf("Content = %q", resp.Content)
	}
}

func TestChatPropagatesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(chatCompletionResponse{Error: &apiError{Message: "rate limited", Type: "rate_limit_error"}})
	}))
	defer srv.Close()

	p := New(config.OpenAIConfig{APIKey: "k", ModelName: "gpt-4o-mini"}, nil, WithBaseURL(srv.URL))
	_, err := p.Chat(context.Background(), router.ChatRequest{Messages: []router.Message{{Role: "user", Content: "hi"}}})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestEmbedReturnsVectorsInInputOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(embeddingResponse{
			Data: []struct {
				Embedding []float32 `json:"embedding"`
				Index     int       `json:"index"`
			}{
				{Embedding: []float32{0.2}, Index: 1},
				{Embedding: []float32{0.1}, Index: 0},
			},
		})
	}))
	defer srv.Close()

	p := New(config.OpenAIConfig{APIKey: "k", EmbeddingModel: "text-embedding-3-small"}, nil, WithBaseURL(srv.URL))
	vecs, err := p.Embed(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vecs) != 2 || vecs[0][0] != 0.1 || vecs[1][0] != 0.2 {
		t.Errorf("vecs = %+v", vecs)
	}
}

func TestNameIncludesModel(t *testing.T) {
	p := New(config.OpenAIConfig{ModelName: "gpt-4o-mini"}, nil)
	if p.Name() != "openai:gpt-4o-mini" {
		t.Errorf("Name() = %q", p.Name())
	}
}

func TestProbeSucceedsOnHealthyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(chatCompletionResponse{
			Choices: []struct {
				Message chatMessage `json:"message"`
			}{{Message: chatMessage{Content: "pong"}}},
		})
	}))
	defer srv.Close()

	p := New(config.OpenAIConfig{APIKey: "k", ModelName: "gpt-4o-mini"}, nil, WithBaseURL(srv.URL))
	if err := p.Probe(context.Background()); err != nil {
		t.Fatalf("Probe: %v", err)
	}
}
