package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"wooster/internal/kb"
	"wooster/internal/registry"
	"wooster/internal/wlog"
)

type fakeSearcher struct {
	results []WebSearchResult
	err     error
}

func (f *fakeSearcher) Search(ctx context.Context, query string) ([]WebSearchResult, error) {
	return f.results, f.err
}

type fakeNotifier struct {
	got string
	err error
}

func (f *fakeNotifier) Notify(ctx context.Context, message string) error {
	f.got = message
	return f.err
}

type fakeKB struct {
	result kb.QueryResult
	err    error
}

func (f *fakeKB) Query(ctx context.Context, text string, opts kb.QueryOptions) (kb.QueryResult, error) {
	return f.result, f.err
}

func TestWebSearchReturnsUnavailableWithoutCollaborator(t *testing.T) {
	api := NewToolAPI(ToolAPIConfig{Services: registry.New(wlog.Discard())})
	_, err := api.webSearch(context.Background(), json.RawMessage(`{"query":"go"}`))
	if !errors.Is(err, ErrToolUnavailable) {
		t.Fatalf("err = %v, want ErrToolUnavailable", err)
	}
}

func TestWebSearchDelegatesToCollaborator(t *testing.T) {
	services := registry.New(wlog.Discard())
	services.Register("websearch", &fakeSearcher{results: []WebSearchResult{{Title: "x"}}})
	api := NewToolAPI(ToolAPIConfig{Services: services})

	out, err := api.webSearch(context.Background(), json.RawMessage(`{"query":"go"}`))
	if err != nil {
		t.Fatalf("webSearch: %v", err)
	}
	m := out.(map[string]any)
	results := m["results"].([]WebSearchResult)
	if len(results) != 1 || results[0].Title != "x" {
		t.Errorf("got %+v", results)
	}
}

func TestFetchTextEnforcesAllowlistUnlessCapabilityGranted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("hello world"))
	}))
	defer srv.Close()

	api := NewToolAPI(ToolAPIConfig{FetchAllowlist: []string{"example.com"}})
	args, _ := json.Marshal(map[string]string{"url": srv.URL})
	_, err := api.fetchText(context.Background(), args)
	if !errors.Is(err, ErrToolUnavailable) {
		t.Fatalf("err = %v, want ErrToolUnavailable for disallowed host", err)
	}

	key := []byte("test-key")
	api2 := NewToolAPI(ToolAPIConfig{FetchAllowlist: []string{"example.com"}, CapabilityKey: key})
	token, err := IssueCapabilityToken(key, "fetchText", time.Minute)
	if err != nil {
		t.Fatalf("IssueCapabilityToken: %v", err)
	}
	args2, _ := json.Marshal(map[string]string{"url": srv.URL, "capability_token": token})
	out, err := api2.fetchText(context.Background(), args2)
	if err != nil {
		t.Fatalf("fetchText with capability token: %v", err)
	}
	if out.(map[string]any)["text"] != "hello world" {
		t.Errorf("got %+v", out)
	}
}

func TestFetchTextRejectsOversizedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("0123456789"))
	}))
	defer srv.Close()

	api := NewToolAPI(ToolAPIConfig{FetchMaxBytes: 5})
	args, _ := json.Marshal(map[string]string{"url": srv.URL})
	_, err := api.fetchText(context.Background(), args)
	if !errors.Is(err, ErrToolError) {
		t.Fatalf("err = %v, want ErrToolError for oversized body", err)
	}
}

func TestQueryRAGDelegatesToKnowledgeBase(t *testing.T) {
	api := NewToolAPI(ToolAPIConfig{KB: &fakeKB{result: kb.QueryResult{
		Contexts: []kb.ContextChunk{{BlockID: "b1", Text: "ctx"}},
	}}})
	out, err := api.queryRAG(context.Background(), json.RawMessage(`{"query":"hi"}`))
	if err != nil {
		t.Fatalf("queryRAG: %v", err)
	}
	contexts := out.(map[string]any)["contexts"].([]kb.ContextChunk)
	if len(contexts) != 1 || contexts[0].BlockID != "b1" {
		t.Errorf("got %+v", contexts)
	}
}

func TestWriteNoteAppendsGTDLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "inbox.md")
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	api := NewToolAPI(ToolAPIConfig{NotesPath: path, Now: func() time.Time { return fixed }})

	_, err := api.writeNote(context.Background(), json.RawMessage(`{"text":"buy milk"}`))
	if err != nil {
		t.Fatalf("writeNote: %v", err)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	want := "- [ ] 2026-01-02 03:04:05 buy milk\n"
	if string(content) != want {
		t.Errorf("got %q, want %q", content, want)
	}
}

func TestParseWhenAcceptsRFC3339AndRelativeDurations(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	abs, err := parseWhen("2026-06-01T00:00:00Z", now)
	if err != nil || !abs.Equal(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("absolute parse: %v, %v", abs, err)
	}

	rel, err := parseWhen("in 90m", now)
	if err != nil || !rel.Equal(now.Add(90*time.Minute)) {
		t.Errorf("relative parse: %v, %v", rel, err)
	}

	if _, err := parseWhen("not a time", now); err == nil {
		t.Error("expected error for unrecognized expression")
	}
}

func TestNotifyDelegatesAndReportsUnavailable(t *testing.T) {
	services := registry.New(wlog.Discard())
	n := &fakeNotifier{}
	services.Register("discord", n)
	api := NewToolAPI(ToolAPIConfig{Services: services})

	if _, err := api.discordNotify(context.Background(), json.RawMessage(`{"message":"hi"}`)); err != nil {
		t.Fatalf("discordNotify: %v", err)
	}
	// notify is fire-and-forget; give the goroutine a moment to run.
	deadline := time.Now().Add(time.Second)
	for n.got == "" && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if n.got != "hi" {
		t.Errorf("notifier received %q, want %q", n.got, "hi")
	}

	api2 := NewToolAPI(ToolAPIConfig{Services: registry.New(wlog.Discard())})
	if _, err := api2.signalNotify(context.Background(), json.RawMessage(`{"message":"hi"}`)); !errors.Is(err, ErrToolUnavailable) {
		t.Fatalf("err = %v, want ErrToolUnavailable", err)
	}
}

func TestCapabilityTokenRejectsWrongTool(t *testing.T) {
	key := []byte("k")
	api := NewToolAPI(ToolAPIConfig{CapabilityKey: key})
	token, err := IssueCapabilityToken(key, "fetchText", time.Minute)
	if err != nil {
		t.Fatalf("IssueCapabilityToken: %v", err)
	}
	if api.capabilityGrants(token, "schedule") {
		t.Error("token scoped to fetchText should not grant schedule")
	}
	if !api.capabilityGrants(token, "fetchText") {
		t.Error("token scoped to fetchText should grant fetchText")
	}
}
