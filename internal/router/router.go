// Package router implements the Model Router (C3): task-tag-based selection
// of a chat or embedding provider, with background health probing and
// cascading fallback (spec.md §4.3).
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"wooster/internal/wlog"
)

// TaskTag is one of the closed set of task profiles a caller selects a
// model for. Unknown tags fall back to the TaskToolExecution profile.
type TaskTag string

const (
	TaskToolExecution        TaskTag = "TOOL_EXECUTION"
	TaskComplexReasoning     TaskTag = "COMPLEX_REASONING"
	TaskCodeAssistance       TaskTag = "CODE_ASSISTANCE"
	TaskCreativeWriting      TaskTag = "CREATIVE_WRITING"
	TaskBackgroundTask       TaskTag = "BACKGROUND_TASK"
	TaskRAGProcessing        TaskTag = "RAG_PROCESSING"
	TaskRouterClassification TaskTag = "ROUTER_CLASSIFICATION"
)

// Criteria describes what a profile optimizes for; informational, carried
// through to the Routing Decision for diagnostics.
type Criteria string

const (
	CriteriaSpeed      Criteria = "speed"
	CriteriaQuality    Criteria = "quality"
	CriteriaAccuracy   Criteria = "accuracy"
	CriteriaCost       Criteria = "cost"
	CriteriaCreativity Criteria = "creativity"
)

// Profile is the per-task-tag selection profile (spec.md §4.3).
type Profile struct {
	Preferred   []string // ordered provider-model identifiers, e.g. "openai:gpt-4o"
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
	Criteria    Criteria
}

// ErrRoutingUnavailable is returned when every preferred candidate and every
// entry of the global fallback chain is unhealthy.
var ErrRoutingUnavailable = errors.New("routing unavailable: no healthy model candidate")

// ChatRequest is the provider-agnostic shape of a chat call.
type ChatRequest struct {
	Messages []Message
}

// Message is one turn in a chat history.
type Message struct {
	Role    string // "system", "user", "assistant", "tool"
	Content string
}

// ChatResponse is the provider-agnostic shape of a chat reply.
type ChatResponse struct {
	Content string
}

// ChatProvider is implemented by each concrete model backend (an external
// collaborator: OpenAI-compatible HTTP API, a local llama.cpp server, etc).
// The router only depends on this interface, never on a concrete SDK.
type ChatProvider interface {
	// Name returns the provider-model identifier used in Profile.Preferred,
	// e.g. "openai:gpt-4o-mini".
	Name() string
	// Probe performs a cheap health check (e.g. a model-listing call) with
	// the given deadline already applied to ctx.
	Probe(ctx context.Context) error
	// Chat performs the actual call.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
}

// EmbeddingProvider is the embedding-side analogue of ChatProvider.
type EmbeddingProvider interface {
	Name() string
	Probe(ctx context.Context) error
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// health tracks the liveness of a single provider.
type health struct {
	status          Status
	consecutiveMiss int
}

// Status is the liveness state of a provider, per spec.md §4.3 health
// monitoring: "unknown|down -> up" on success, "up -> down" only after N
// consecutive misses.
type Status string

const (
	StatusUnknown Status = "unknown"
	StatusUp      Status = "up"
	StatusDown    Status = "down"
)

// Decision is a recorded Routing Decision (spec.md §3).
type Decision struct {
	Timestamp       time.Time
	TaskTag         TaskTag
	SelectedProvider string
	SelectedModel    string
	Reasoning        string
	FallbacksTried   []string
	LatencyMs        int64
}

// Config configures a Router.
type Config struct {
	Profiles             map[TaskTag]Profile
	FallbackChain         []string
	MaxAttempts           int
	ProbeInterval         time.Duration
	UnhealthyAfterMisses  int // default 1 (spec.md default)
	Now                   func() time.Time
	Logger                *slog.Logger
}

// Router selects and invokes chat/embedding providers per spec.md §4.3.
type Router struct {
	mu       sync.RWMutex
	chat     map[string]ChatProvider
	embed    map[string]EmbeddingProvider
	health   map[string]*health
	profiles map[TaskTag]Profile
	fallback []string
	limiters map[string]*rate.Limiter

	maxAttempts  int
	missThresh   int
	probeInterval time.Duration
	now          func() time.Time
	logger       *slog.Logger

	decisionsMu sync.Mutex
	decisions   []Decision

	stopCh chan struct{}
	stopOnce sync.Once
}

// New creates a Router. RegisterChatProvider/RegisterEmbeddingProvider must
// be called before Start for those providers to be selectable.
func New(cfg Config) *Router {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.UnhealthyAfterMisses <= 0 {
		cfg.UnhealthyAfterMisses = 1
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 30 * time.Second
	}
	profiles := cfg.Profiles
	if profiles == nil {
		profiles = DefaultProfiles()
	}
	return &Router{
		chat:          make(map[string]ChatProvider),
		embed:         make(map[string]EmbeddingProvider),
		health:        make(map[string]*health),
		profiles:      profiles,
		fallback:      cfg.FallbackChain,
		limiters:      make(map[string]*rate.Limiter),
		maxAttempts:   cfg.MaxAttempts,
		missThresh:    cfg.UnhealthyAfterMisses,
		probeInterval: cfg.ProbeInterval,
		now:           cfg.Now,
		logger:        wlog.Default(cfg.Logger).With("component", "router"),
		stopCh:        make(chan struct{}),
	}
}

// DefaultProfiles returns a minimal set of profiles covering every task tag,
// suitable as a starting point for a deployment's configuration.
func DefaultProfiles() map[TaskTag]Profile {
	return map[TaskTag]Profile{
		TaskToolExecution:        {Temperature: 0.0, MaxTokens: 1024, Timeout: 15 * time.Second, Criteria: CriteriaSpeed},
		TaskComplexReasoning:     {Temperature: 0.2, MaxTokens: 4096, Timeout: 60 * time.Second, Criteria: CriteriaQuality},
		TaskCodeAssistance:       {Temperature: 0.1, MaxTokens: 4096, Timeout: 30 * time.Second, Criteria: CriteriaAccuracy},
		TaskCreativeWriting:      {Temperature: 0.9, MaxTokens: 2048, Timeout: 30 * time.Second, Criteria: CriteriaCreativity},
		TaskBackgroundTask:       {Temperature: 0.2, MaxTokens: 2048, Timeout: 30 * time.Second, Criteria: CriteriaCost},
		TaskRAGProcessing:        {Temperature: 0.0, MaxTokens: 1024, Timeout: 15 * time.Second, Criteria: CriteriaAccuracy},
		TaskRouterClassification: {Temperature: 0.0, MaxTokens: 16, Timeout: 5 * time.Second, Criteria: CriteriaSpeed},
	}
}

// RegisterChatProvider makes a chat provider selectable. Its initial health
// is unknown until the first probe.
func (r *Router) RegisterChatProvider(p ChatProvider, ratePerSecond float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chat[p.Name()] = p
	r.health[p.Name()] = &health{status: StatusUnknown}
	if ratePerSecond > 0 {
		r.limiters[p.Name()] = rate.NewLimiter(rate.Limit(ratePerSecond), int(ratePerSecond)+1)
	}
}

// RegisterEmbeddingProvider makes an embedding provider selectable.
func (r *Router) RegisterEmbeddingProvider(p EmbeddingProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.embed[p.Name()] = p
	if _, ok := r.health[p.Name()]; !ok {
		r.health[p.Name()] = &health{status: StatusUnknown}
	}
}

// Start begins the background health probe loop. Call Stop to halt it.
func (r *Router) Start(ctx context.Context) {
	go r.probeLoop(ctx)
}

// Stop halts the background probe loop.
func (r *Router) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

func (r *Router) probeLoop(ctx context.Context) {
	ticker := time.NewTicker(r.probeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.probeAll(ctx)
		}
	}
}

func (r *Router) probeAll(ctx context.Context) {
	r.mu.RLock()
	chatProviders := make([]ChatProvider, 0, len(r.chat))
	for _, p := range r.chat {
		chatProviders = append(chatProviders, p)
	}
	embedProviders := make([]EmbeddingProvider, 0, len(r.embed))
	for _, p := range r.embed {
		embedProviders = append(embedProviders, p)
	}
	r.mu.RUnlock()

	for _, p := range chatProviders {
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := p.Probe(probeCtx)
		cancel()
		r.recordProbe(p.Name(), err)
	}
	for _, p := range embedProviders {
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := p.Probe(probeCtx)
		cancel()
		r.recordProbe(p.Name(), err)
	}
}

func (r *Router) recordProbe(name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.health[name]
	if !ok {
		h = &health{status: StatusUnknown}
		r.health[name] = h
	}
	if err == nil {
		if h.status != StatusUp {
			r.logger.Info("provider health transitioned up", "provider", name)
		}
		h.status = StatusUp
		h.consecutiveMiss = 0
		return
	}
	h.consecutiveMiss++
	if h.status == StatusUp && h.consecutiveMiss >= r.missThresh {
		r.logger.Warn("provider health transitioned down", "provider", name, "consecutive_misses", h.consecutiveMiss, "error", err)
		h.status = StatusDown
	} else if h.status == StatusUnknown {
		h.status = StatusDown
	}
}

func (r *Router) isHealthy(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.health[name]
	if !ok {
		return false
	}
	return h.status == StatusUp || h.status == StatusUnknown
}

// HealthSnapshot returns the current per-provider status.
func (r *Router) HealthSnapshot() map[string]Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Status, len(r.health))
	for name, h := range r.health {
		out[name] = h.status
	}
	return out
}

// Stats returns lightweight routing counters: total decisions recorded and
// the count of decisions whose selected provider differs from the first
// preferred candidate (i.e. a fallback was exercised).
type Stats struct {
	TotalDecisions    int
	FallbackDecisions int
}

func (r *Router) Stats() Stats {
	r.decisionsMu.Lock()
	defer r.decisionsMu.Unlock()
	s := Stats{TotalDecisions: len(r.decisions)}
	for _, d := range r.decisions {
		if len(d.FallbacksTried) > 0 {
			s.FallbackDecisions++
		}
	}
	return s
}

func (r *Router) profileFor(tag TaskTag) (TaskTag, Profile) {
	if p, ok := r.profiles[tag]; ok {
		return tag, p
	}
	return TaskToolExecution, r.profiles[TaskToolExecution]
}

// candidateOrder returns the profile's preferred list followed by any
// global fallback entries not already present.
func (r *Router) candidateOrder(profile Profile) []string {
	seen := make(map[string]bool, len(profile.Preferred))
	order := make([]string, 0, len(profile.Preferred)+len(r.fallback))
	for _, c := range profile.Preferred {
		if !seen[c] {
			order = append(order, c)
			seen[c] = true
		}
	}
	for _, c := range r.fallback {
		if !seen[c] {
			order = append(order, c)
			seen[c] = true
		}
	}
	return order
}

// SelectChatModel implements spec.md §4.3's selection algorithm without
// performing a call: it returns the first healthy candidate's provider.
func (r *Router) SelectChatModel(ctx context.Context, tag TaskTag) (ChatProvider, Decision, error) {
	effectiveTag, profile := r.profileFor(tag)
	start := r.now()

	var tried []string
	for _, candidate := range r.candidateOrder(profile) {
		if !r.isHealthy(candidate) {
			tried = append(tried, candidate)
			continue
		}
		r.mu.RLock()
		p, ok := r.chat[candidate]
		r.mu.RUnlock()
		if !ok {
			tried = append(tried, candidate)
			continue
		}
		d := Decision{
			Timestamp:        start,
			TaskTag:          effectiveTag,
			SelectedProvider: candidate,
			SelectedModel:    candidate,
			Reasoning:        fmt.Sprintf("first healthy candidate for %s", effectiveTag),
			FallbacksTried:   tried,
			LatencyMs:        r.now().Sub(start).Milliseconds(),
		}
		r.recordDecision(d)
		return p, d, nil
	}

	d := Decision{
		Timestamp:      start,
		TaskTag:        effectiveTag,
		Reasoning:      "no healthy candidate",
		FallbacksTried: tried,
		LatencyMs:      r.now().Sub(start).Milliseconds(),
	}
	r.recordDecision(d)
	return nil, d, ErrRoutingUnavailable
}

// SelectEmbeddingModel mirrors SelectChatModel for the embedding path.
func (r *Router) SelectEmbeddingModel(ctx context.Context) (EmbeddingProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best EmbeddingProvider
	for name, p := range r.embed {
		if r.healthLocked(name) {
			best = p
			break
		}
	}
	if best == nil {
		return nil, ErrRoutingUnavailable
	}
	return best, nil
}

func (r *Router) healthLocked(name string) bool {
	h, ok := r.health[name]
	if !ok {
		return false
	}
	return h.status == StatusUp || h.status == StatusUnknown
}

func (r *Router) recordDecision(d Decision) {
	r.decisionsMu.Lock()
	defer r.decisionsMu.Unlock()
	r.decisions = append(r.decisions, d)
}

// ExecuteChat selects a provider for tag and calls it, retrying with the
// next candidate on timeout or error up to maxAttempts total (spec.md §4.3
// Fallback, triggers b and c).
func (r *Router) ExecuteChat(ctx context.Context, tag TaskTag, req ChatRequest) (ChatResponse, Decision, error) {
	_, profile := r.profileFor(tag)
	order := r.candidateOrder(profile)

	var lastErr error
	var tried []string
	attempts := 0

	for _, candidate := range order {
		if attempts >= r.maxAttempts {
			break
		}
		if !r.isHealthy(candidate) {
			tried = append(tried, candidate)
			continue
		}
		r.mu.RLock()
		p, ok := r.chat[candidate]
		limiter := r.limiters[candidate]
		r.mu.RUnlock()
		if !ok {
			tried = append(tried, candidate)
			continue
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				lastErr = err
				tried = append(tried, candidate)
				continue
			}
		}

		attempts++
		callCtx := ctx
		var cancel context.CancelFunc
		if profile.Timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, profile.Timeout)
		}
		start := r.now()
		resp, err := p.Chat(callCtx, req)
		if cancel != nil {
			cancel()
		}
		latency := r.now().Sub(start).Milliseconds()

		if err == nil {
			d := Decision{
				Timestamp: start, TaskTag: tag, SelectedProvider: candidate, SelectedModel: candidate,
				Reasoning: "succeeded", FallbacksTried: tried, LatencyMs: latency,
			}
			r.recordDecision(d)
			return resp, d, nil
		}

		lastErr = err
		tried = append(tried, candidate)
		r.recordProbe(candidate, err) // an error during a call also counts against health
	}

	d := Decision{TaskTag: tag, Reasoning: "exhausted candidates", FallbacksTried: tried}
	r.recordDecision(d)
	if lastErr != nil {
		return ChatResponse{}, d, fmt.Errorf("%w: %v", ErrRoutingUnavailable, lastErr)
	}
	return ChatResponse{}, d, ErrRoutingUnavailable
}
