package agent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"wooster/internal/config"
	"wooster/internal/router"
)

func TestParseClassicReplyToolCall(t *testing.T) {
	call, _, isFinal, err := parseClassicReply("some reasoning\nTOOL_CALL {\"tool\":\"webSearch\",\"arguments\":{\"query\":\"go\"}}")
	if err != nil {
		t.Fatalf("parseClassicReply: %v", err)
	}
	if isFinal {
		t.Fatal("expected tool call, not final")
	}
	if call.Tool != "webSearch" || call.Arguments["query"] != "go" {
		t.Errorf("got %+v", call)
	}
}

func TestParseClassicReplyFinalAnswer(t *testing.T) {
	_, final, isFinal, err := parseClassicReply("reasoning here\nFINAL_ANSWER: the answer is 42")
	if err != nil {
		t.Fatalf("parseClassicReply: %v", err)
	}
	if !isFinal {
		t.Fatal("expected final answer")
	}
	if final != "the answer is 42" {
		t.Errorf("final = %q", final)
	}
}

func TestParseClassicReplyRejectsMalformed(t *testing.T) {
	if _, _, _, err := parseClassicReply("just some prose with no marker"); !errors.Is(err, ErrFormatFailure) {
		t.Fatalf("err = %v, want ErrFormatFailure", err)
	}
	if _, _, _, err := parseClassicReply("TOOL_CALL not-json"); !errors.Is(err, ErrFormatFailure) {
		t.Fatalf("err = %v, want ErrFormatFailure for malformed JSON", err)
	}
}

func TestInvokeClassicToolEnforcesRequiredArguments(t *testing.T) {
	schema, _ := json.Marshal(map[string]any{"required": []string{"query"}})
	toolSet := map[string]Tool{
		"queryRAG": {
			Name:        "queryRAG",
			InputSchema: schema,
			Execute: func(ctx context.Context, args json.RawMessage) (any, error) {
				return map[string]any{"ok": true}, nil
			},
		},
	}
	_, err := invokeClassicTool(context.Background(), toolSet, toolCallLine{Tool: "queryRAG", Arguments: map[string]interface{}{}})
	if !errors.Is(err, ErrToolError) {
		t.Fatalf("err = %v, want ErrToolError for missing required argument", err)
	}

	out, err := invokeClassicTool(context.Background(), toolSet, toolCallLine{Tool: "queryRAG", Arguments: map[string]interface{}{"query": "hi"}})
	if err != nil {
		t.Fatalf("invokeClassicTool: %v", err)
	}
	if out == "" {
		t.Error("expected non-empty observation")
	}
}

func TestInvokeClassicToolReportsUnavailableForUnknownTool(t *testing.T) {
	_, err := invokeClassicTool(context.Background(), map[string]Tool{}, toolCallLine{Tool: "nonexistent"})
	if !errors.Is(err, ErrToolUnavailable) {
		t.Fatalf("err = %v, want ErrToolUnavailable", err)
	}
}

func TestSummarizeArgsTruncatesLongPayloads(t *testing.T) {
	big := map[string]interface{}{}
	for i := 0; i < 50; i++ {
		big["k"+string(rune('a'+i%26))+string(rune(i))] = "some fairly long value to pad this out"
	}
	s := summarizeArgs(big)
	if len(s) > maxArgSummaryLen+len("…") {
		t.Errorf("summarized args length = %d, want <= %d", len(s), maxArgSummaryLen+len("…"))
	}
}

// stubChatProvider is a minimal router.ChatProvider used to drive the
// classic-tools loop end to end without any real model backend.
type stubChatProvider struct {
	replies []string
	calls   int
}

func (s *stubChatProvider) Name() string                   { return "stub:model" }
func (s *stubChatProvider) Probe(ctx context.Context) error { return nil }
func (s *stubChatProvider) Chat(ctx context.Context, req router.ChatRequest) (router.ChatResponse, error) {
	reply := s.replies[s.calls]
	if s.calls < len(s.replies)-1 {
		s.calls++
	}
	return router.ChatResponse{Content: reply}, nil
}

func newStubRouter(provider *stubChatProvider) *router.Router {
	rt := router.New(router.Config{
		Profiles: map[router.TaskTag]router.Profile{
			router.TaskToolExecution: {Preferred: []string{"stub:model"}, Timeout: time.Second},
			router.TaskCodeAssistance: {Preferred: []string{"stub:model"}, Timeout: time.Second},
		},
	})
	rt.RegisterChatProvider(provider, 0)
	return rt
}

func TestRunClassicToolsLoopsToFinalAnswer(t *testing.T) {
	schema, _ := json.Marshal(map[string]any{"required": []string{"query"}})
	toolSet := map[string]Tool{
		"queryRAG": {
			Name:        "queryRAG",
			InputSchema: schema,
			Execute: func(ctx context.Context, args json.RawMessage) (any, error) {
				return map[string]any{"text": "useful context"}, nil
			},
		},
	}
	provider := &stubChatProvider{replies: []string{
		`TOOL_CALL {"tool":"queryRAG","arguments":{"query":"hi"}}`,
		"FINAL_ANSWER: done, thanks to the context",
	}}
	rt := newStubRouter(provider)

	cfg := config.CodeAgentConfig{MaxAttempts: 3, StepTimeoutMs: 2000, TotalTimeoutMs: 5000, MaxOutputLength: 4096}
	out, err := runClassicTools(context.Background(), rt, toolSet, cfg, "base prompt")
	if err != nil {
		t.Fatalf("runClassicTools: %v", err)
	}
	if out.State != StateFinal || out.FinalAnswer != "done, thanks to the context" {
		t.Fatalf("got %+v", out)
	}
	if len(out.Tools) != 1 || out.Tools[0].Name != "queryRAG" {
		t.Errorf("tools = %+v", out.Tools)
	}
}
