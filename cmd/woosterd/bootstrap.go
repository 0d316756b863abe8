package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"wooster/internal/agent"
	"wooster/internal/config"
	"wooster/internal/home"
	"wooster/internal/kb"
	"wooster/internal/plugin"
	"wooster/internal/registry"
	"wooster/internal/router"
	"wooster/internal/router/openai"
	"wooster/internal/scheduler"
	"wooster/internal/wlog"
)

// components holds every constructed piece of the running daemon, wired
// together once at startup and shared by every subcommand that needs more
// than a bare config read.
type components struct {
	dir     home.Dir
	cfg     *config.View
	router  *router.Router
	kb      *kb.KnowledgeBase
	sched   *scheduler.Scheduler
	plugins *plugin.Manager
	exec    *agent.Executor
}

// environMap adapts os.Environ() into the flat key/value map config.Load
// expects, following the teacher's convention of reading process
// environment once at startup rather than hot-reloading it.
func environMap() map[string]string {
	out := make(map[string]string, 64)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			out[kv[:i]] = kv[i+1:]
		}
	}
	return out
}

// buildComponents constructs every component named in the knowledge base,
// scheduler, model router, plugin manager, and agent executor sections,
// wiring them exactly the way spec.md's operations require so that a
// process built from this alone can serve, ingest, and run schedules.
func buildComponents(ctx context.Context, logger *slog.Logger, homeOverride string) (*components, error) {
	cfg, err := config.Load(environMap())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	dir, err := resolveHome(homeOverride)
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}
	if err := dir.EnsureExists(); err != nil {
		return nil, fmt.Errorf("create home directory: %w", err)
	}

	rt := router.New(router.Config{
		FallbackChain: cfg.Routing.FallbackChain,
		Logger:        logger,
	})
	if cfg.OpenAI.APIKey != "" {
		provider := openai.New(cfg.OpenAI, logger)
		rt.RegisterChatProvider(provider, 0)
		rt.RegisterEmbeddingProvider(provider)
	}

	kbStore, err := kb.NewSQLiteStore(dir.KnowledgeBaseDBPath())
	if err != nil {
		return nil, fmt.Errorf("open knowledge base store: %w", err)
	}
	vectors, err := kb.OpenFlatVectorIndex(filepath.Join(dir.Root(), "kb", "vectors", "index.gob"), cfg.OpenAI.EmbeddingModel, cfg.KnowledgeBase.Vector.Dims)
	if err != nil {
		return nil, fmt.Errorf("open vector index: %w", err)
	}
	embed := func(ctx context.Context, texts []string) ([][]float32, error) {
		provider, err := rt.SelectEmbeddingModel(ctx)
		if err != nil {
			return nil, err
		}
		return provider.Embed(ctx, texts)
	}
	gate := func(ctx context.Context, query string) (bool, error) {
		resp, _, err := rt.ExecuteChat(ctx, router.TaskRouterClassification, router.ChatRequest{Messages: []router.Message{
			{Role: "system", Content: "Reply with exactly one word, yes or no: does answering this query require looking up the user's personal notes?"},
			{Role: "user", Content: query},
		}})
		if err != nil {
			return true, err
		}
		answer := strings.ToLower(strings.TrimSpace(resp.Content))
		return !strings.HasPrefix(answer, "no"), nil
	}

	ingestor := kb.NewIngestor(kb.IngestorConfig{Store: kbStore, Vectors: vectors, Embed: embed, Logger: logger})
	retriever := kb.NewRetriever(kb.QueryConfig{Store: kbStore, Vectors: vectors, Embed: embed, Gate: gate, Logger: logger})
	knowledgeBase := kb.New(kb.Config{Store: kbStore, Vectors: vectors, Ingestor: ingestor, Retriever: retriever, Logger: logger})

	schedStore, err := scheduler.NewSQLiteStore(dir.SchedulerDBPath())
	if err != nil {
		return nil, fmt.Errorf("open scheduler store: %w", err)
	}
	sched, err := scheduler.New(scheduler.Config{Store: schedStore, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	services := registry.New(logger)
	mgr := plugin.New(cfg, services, sched, logger)
	if err := mgr.Load(nil); err != nil {
		return nil, fmt.Errorf("load plugins: %w", err)
	}
	if err := mgr.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("initialize plugins: %w", err)
	}

	capKey, err := loadOrCreateCapabilityKey(dir)
	if err != nil {
		return nil, fmt.Errorf("load capability key: %w", err)
	}

	tools := agent.NewToolAPI(agent.ToolAPIConfig{
		Services:      services,
		KB:            knowledgeBase,
		Sched:         sched,
		NotesPath:     filepath.Join(dir.Root(), "notes.md"),
		CapabilityKey: capKey,
	})

	execLogger, err := withAgentInteractionLog(logger, cfg.Logging, dir)
	if err != nil {
		return nil, fmt.Errorf("open agent interaction log: %w", err)
	}

	exec := agent.New(rt, tools, mgr, dir, cfg.CodeAgent, execLogger)
	sched.SetAgentExecutor(exec.AgentPromptHandler)

	if err := mgr.WireScheduledTasks(ctx); err != nil {
		return nil, fmt.Errorf("wire plugin scheduled tasks: %w", err)
	}

	return &components{dir: dir, cfg: cfg, router: rt, kb: knowledgeBase, sched: sched, plugins: mgr, exec: exec}, nil
}

// resolveHome returns the configured home directory: the explicit flag
// value if given, otherwise the platform default.
func resolveHome(homeFlag string) (home.Dir, error) {
	if homeFlag != "" {
		return home.New(homeFlag), nil
	}
	return home.Default()
}

// withAgentInteractionLog wraps logger's handler with a
// wlog.AgentInteractionHandler when cfg.LogAgentInteractions is set,
// tee-ing the Agent Executor's per-turn records into
// <home>/agent_interactions.log. Returns logger unchanged otherwise.
func withAgentInteractionLog(logger *slog.Logger, cfg config.LoggingConfig, dir home.Dir) (*slog.Logger, error) {
	if !cfg.LogAgentInteractions {
		return logger, nil
	}
	f, err := os.OpenFile(filepath.Join(dir.Root(), "agent_interactions.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, err
	}
	return slog.New(wlog.NewAgentInteractionHandler(logger.Handler(), f)), nil
}

// loadOrCreateCapabilityKey reads the HMAC key used to sign Tool API
// allowlist capability tokens from <home>/capability.key, generating and
// persisting a new random key on first run. Any other read error, or a
// failure to generate or persist the new key, is returned to the caller.
func loadOrCreateCapabilityKey(dir home.Dir) ([]byte, error) {
	path := filepath.Join(dir.Root(), "capability.key")
	if raw, err := os.ReadFile(path); err == nil {
		return raw, nil
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate capability key: %w", err)
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, fmt.Errorf("persist capability key: %w", err)
	}
	return key, nil
}
