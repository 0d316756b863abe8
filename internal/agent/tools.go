package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"wooster/internal/kb"
	"wooster/internal/registry"
	"wooster/internal/scheduler"
)

// WebSearchResult is one hit returned by the webSearch tool.
type WebSearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// WebSearcher is the external collaborator behind webSearch (spec.md §1
// lists Tavily-style web search as explicitly out of scope; only its
// interface matters here). Looked up from the registry just-in-time, so a
// turn started before the capability is registered still works once it is.
type WebSearcher interface {
	Search(ctx context.Context, query string) ([]WebSearchResult, error)
}

// Notifier is the external collaborator behind discordNotify/signalNotify.
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// KnowledgeBaseQuerier is the subset of *kb.KnowledgeBase the queryRAG tool
// needs; an interface so tests can fake it without a full Knowledge Base.
type KnowledgeBaseQuerier interface {
	Query(ctx context.Context, text string, opts kb.QueryOptions) (kb.QueryResult, error)
}

// ToolAPIConfig wires the built-in Tool API to its collaborators. Every
// field is optional: a missing collaborator makes its tool report
// ErrToolUnavailable rather than panicking, matching the Tool API table's
// per-tool failure column (spec.md §4.7).
type ToolAPIConfig struct {
	Services *registry.Registry // holds "websearch"/"discord"/"signal" collaborators, looked up just-in-time
	KB       KnowledgeBaseQuerier
	Sched    *scheduler.Scheduler
	Now      func() time.Time

	NotesPath      string   // file appended to by writeNote
	FetchAllowlist []string // hostnames fetchText may reach without a capability token
	FetchMaxBytes  int64    // response body cap for fetchText; default 65536
	HTTPClient     *http.Client

	CapabilityKey []byte // HMAC key for Tool API allowlist capability tokens (may be nil to disable)
}

// ToolAPI exposes the stable, sandbox-safe Tool API named in spec.md §4.7.
// Each method has the `func(ctx, args json.RawMessage) (any, error)` shape
// so it can be wrapped directly as a plugin.ToolDescriptor.Execute.
type ToolAPI struct {
	cfg ToolAPIConfig
}

// NewToolAPI constructs a ToolAPI. Defaults are applied for zero-value
// fields (Now, FetchMaxBytes, HTTPClient).
func NewToolAPI(cfg ToolAPIConfig) *ToolAPI {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.FetchMaxBytes <= 0 {
		cfg.FetchMaxBytes = 65536
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &ToolAPI{cfg: cfg}
}

// CoreToolDescriptors returns plugin.ToolDescriptor entries for every
// built-in tool, ready to merge with plugin-contributed tools via
// plugin.Manager.Tools. Names returned here are exactly the "core" set
// that always wins a name collision against a plugin.
func (t *ToolAPI) CoreToolDescriptors() []Tool {
	return []Tool{
		{Name: "webSearch", Description: "Search the web for a query.", Execute: t.webSearch},
		{Name: "fetchText", Description: "Fetch a URL's text content.", Execute: t.fetchText},
		{Name: "queryRAG", Description: "Query the knowledge base for relevant context.", Execute: t.queryRAG},
		{Name: "writeNote", Description: "Append a timestamped note.", Execute: t.writeNote},
		{Name: "schedule", Description: "Create a scheduled agent prompt.", Execute: t.schedule},
		{Name: "discordNotify", Description: "Send a Discord notification.", Execute: t.discordNotify},
		{Name: "signalNotify", Description: "Send a Signal notification.", Execute: t.signalNotify},
	}
}

func decodeArgs(args json.RawMessage, v any) error {
	if len(args) == 0 {
		return nil
	}
	return json.Unmarshal(args, v)
}

func (t *ToolAPI) webSearch(ctx context.Context, args json.RawMessage) (any, error) {
	var in struct {
		Query string `json:"query"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, fmt.Errorf("%w: webSearch: %v", ErrToolError, err)
	}
	svc, ok := lookup[WebSearcher](t.cfg.Services, "websearch")
	if !ok {
		return nil, fmt.Errorf("%w: webSearch", ErrToolUnavailable)
	}
	results, err := svc.Search(ctx, in.Query)
	if err != nil {
		return nil, fmt.Errorf("%w: webSearch: %v", ErrToolError, err)
	}
	return map[string]any{"results": results}, nil
}

func (t *ToolAPI) fetchText(ctx context.Context, args json.RawMessage) (any, error) {
	var in struct {
		URL             string `json:"url"`
		CapabilityToken string `json:"capability_token,omitempty"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, fmt.Errorf("%w: fetchText: %v", ErrToolError, err)
	}
	u, err := url.Parse(in.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: fetchText: invalid url: %v", ErrToolError, err)
	}

	if !t.hostAllowed(u.Hostname()) {
		if !t.capabilityGrants(in.CapabilityToken, "fetchText") {
			return nil, fmt.Errorf("%w: fetchText: host %s not in allowlist", ErrToolUnavailable, u.Hostname())
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: fetchText: %v", ErrToolError, err)
	}
	resp, err := t.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetchText: %v", ErrToolError, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: fetchText: status %d", ErrToolError, resp.StatusCode)
	}
	ct := resp.Header.Get("Content-Type")
	if ct != "" && !strings.Contains(ct, "text/") && !strings.Contains(ct, "html") {
		return nil, fmt.Errorf("%w: fetchText: unsupported content type %s", ErrToolError, ct)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, t.cfg.FetchMaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: fetchText: %v", ErrToolError, err)
	}
	if int64(len(body)) > t.cfg.FetchMaxBytes {
		return nil, fmt.Errorf("%w: fetchText: body exceeds %d bytes", ErrToolError, t.cfg.FetchMaxBytes)
	}
	return map[string]any{"text": string(body)}, nil
}

func (t *ToolAPI) hostAllowed(host string) bool {
	if len(t.cfg.FetchAllowlist) == 0 {
		return true
	}
	for _, allowed := range t.cfg.FetchAllowlist {
		if strings.EqualFold(host, allowed) {
			return true
		}
	}
	return false
}

func (t *ToolAPI) queryRAG(ctx context.Context, args json.RawMessage) (any, error) {
	var in struct {
		Query string `json:"query"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, fmt.Errorf("%w: queryRAG: %v", ErrToolError, err)
	}
	if t.cfg.KB == nil {
		return nil, fmt.Errorf("%w: queryRAG", ErrToolUnavailable)
	}
	result, err := t.cfg.KB.Query(ctx, in.Query, kb.QueryOptions{TopK: 5, WantCitations: true})
	if err != nil {
		return nil, fmt.Errorf("%w: queryRAG: %v", ErrToolError, err)
	}
	return map[string]any{"contexts": result.Contexts, "citations": result.Citations}, nil
}

func (t *ToolAPI) writeNote(ctx context.Context, args json.RawMessage) (any, error) {
	var in struct {
		Text string `json:"text"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, fmt.Errorf("%w: writeNote: %v", ErrToolError, err)
	}
	if t.cfg.NotesPath == "" {
		return nil, fmt.Errorf("%w: writeNote", ErrToolUnavailable)
	}
	f, err := os.OpenFile(t.cfg.NotesPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("%w: writeNote: %v", ErrToolError, err)
	}
	defer f.Close()

	line := fmt.Sprintf("- [ ] %s %s\n", t.cfg.Now().UTC().Format("2006-01-02 15:04:05"), in.Text)
	if _, err := f.WriteString(line); err != nil {
		return nil, fmt.Errorf("%w: writeNote: %v", ErrToolError, err)
	}
	return map[string]any{"written": true}, nil
}

// agentPromptPayload is the msgpack-encoded shape of an AGENT_PROMPT
// schedule's payload (SPEC_FULL.md §11 binding of vmihailenco/msgpack).
type agentPromptPayload struct {
	Text string `msgpack:"text"`
}

// EncodeAgentPromptPayload msgpack-encodes an AGENT_PROMPT schedule payload,
// exposed so callers outside this package (the woosterd CLI's `schedule
// create` command) can build a scheduler.ScheduleItem without duplicating
// the wire format.
func EncodeAgentPromptPayload(text string) ([]byte, error) {
	return msgpack.Marshal(agentPromptPayload{Text: text})
}

func (t *ToolAPI) schedule(ctx context.Context, args json.RawMessage) (any, error) {
	var in struct {
		WhenISO string `json:"when_iso"`
		Text    string `json:"text"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, fmt.Errorf("%w: schedule: %v", ErrToolError, err)
	}
	if t.cfg.Sched == nil {
		return nil, fmt.Errorf("%w: schedule", ErrToolUnavailable)
	}
	when, err := parseWhen(in.WhenISO, t.cfg.Now())
	if err != nil {
		return nil, fmt.Errorf("%w: schedule: %v", ErrToolError, err)
	}

	payload, err := msgpack.Marshal(agentPromptPayload{Text: in.Text})
	if err != nil {
		return nil, fmt.Errorf("%w: schedule: encode payload: %v", ErrToolError, err)
	}

	item := scheduler.ScheduleItem{
		Description:        "agent-created schedule: " + in.Text,
		ScheduleExpression: when.UTC().Format(time.RFC3339),
		Payload:            payload,
		TaskKey:            "agent.adhoc." + uuid.NewString(),
		HandlerType:        scheduler.AgentPrompt,
		ExecutionPolicy:    scheduler.RunImmediatelyIfMissed,
	}
	id, err := t.cfg.Sched.Create(ctx, item)
	if err != nil {
		return nil, fmt.Errorf("%w: schedule: %v", ErrToolError, err)
	}
	return map[string]any{"schedule_id": id, "task_key": item.TaskKey}, nil
}

// parseWhen resolves whenISO to an absolute instant. An RFC3339 timestamp
// is used verbatim; a "in <duration>" expression (e.g. "in 90m") is the
// one relative form supported, since no natural-language date parser
// appears anywhere in the retrieved pack.
func parseWhen(whenISO string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, whenISO); err == nil {
		return t, nil
	}
	if rest, ok := strings.CutPrefix(strings.TrimSpace(whenISO), "in "); ok {
		d, err := time.ParseDuration(strings.TrimSpace(rest))
		if err != nil {
			return time.Time{}, fmt.Errorf("parse relative schedule expression %q: %w", whenISO, err)
		}
		return now.Add(d), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized schedule expression %q: want RFC3339 instant or \"in <duration>\"", whenISO)
}

func (t *ToolAPI) discordNotify(ctx context.Context, args json.RawMessage) (any, error) {
	return t.notify(ctx, args, "discord")
}

func (t *ToolAPI) signalNotify(ctx context.Context, args json.RawMessage) (any, error) {
	return t.notify(ctx, args, "signal")
}

func (t *ToolAPI) notify(ctx context.Context, args json.RawMessage, channel string) (any, error) {
	var in struct {
		Message string `json:"message"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, fmt.Errorf("%w: %sNotify: %v", ErrToolError, channel, err)
	}
	svc, ok := lookup[Notifier](t.cfg.Services, channel)
	if !ok {
		return nil, fmt.Errorf("%w: %sNotify", ErrToolUnavailable, channel)
	}
	go func() {
		notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		_ = svc.Notify(notifyCtx, in.Message)
	}()
	return map[string]any{"queued": true}, nil
}

func lookup[T any](services *registry.Registry, name string) (t T, ok bool) {
	if services == nil {
		return t, false
	}
	raw, found := services.Lookup(name)
	if !found {
		return t, false
	}
	t, ok = raw.(T)
	return t, ok
}

// capabilityClaims is a signed allowlist bypass for one gated tool (e.g.
// the fetchText host allowlist), issued by IssueCapabilityToken and
// checked by capabilityGrants.
type capabilityClaims struct {
	jwt.RegisteredClaims
	Tool string `json:"tool"`
}

// IssueCapabilityToken signs a token granting the bearer use of the named
// gated tool until ttl elapses.
func IssueCapabilityToken(key []byte, toolName string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := capabilityClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Tool: toolName,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(key)
}

func (t *ToolAPI) capabilityGrants(tokenStr, toolName string) bool {
	if tokenStr == "" || len(t.cfg.CapabilityKey) == 0 {
		return false
	}
	var claims capabilityClaims
	parsed, err := jwt.ParseWithClaims(tokenStr, &claims, func(*jwt.Token) (any, error) {
		return t.cfg.CapabilityKey, nil
	})
	if err != nil || !parsed.Valid {
		return false
	}
	return claims.Tool == toolName
}
