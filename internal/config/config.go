// Package config loads the read-only Configuration View consumed by every
// other component. It is loaded once at process start from environment-style
// key/value pairs and never hot-reloaded; a changed environment requires a
// restart. Nothing in this package is on a request hot path.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// RoutingStrategy selects the criterion the Model Router optimizes for.
type RoutingStrategy string

const (
	StrategySpeed        RoutingStrategy = "speed"
	StrategyQuality      RoutingStrategy = "quality"
	StrategyCost         RoutingStrategy = "cost"
	StrategyPrivacy      RoutingStrategy = "privacy"
	StrategyAvailability RoutingStrategy = "availability"
	StrategyIntelligent  RoutingStrategy = "intelligent"
)

// OpenAIConfig holds settings for the OpenAI-compatible chat/embedding provider.
type OpenAIConfig struct {
	APIKey         string
	ModelName      string
	Temperature    float64
	MaxTokens      int
	EmbeddingModel string
}

// Redacted returns a value safe to place in a log line: a short bcrypt-style
// fingerprint of the API key rather than the key itself.
func (c OpenAIConfig) Redacted() string {
	return Fingerprint(c.APIKey)
}

// RoutingConfig holds Model Router settings.
type RoutingConfig struct {
	Enabled      bool
	Strategy     RoutingStrategy
	FallbackChain []string
	Providers    []string
	// Per-task-tag selection profiles are not part of this struct; the
	// Model Router takes them from router.Config.Profiles, falling back to
	// router.DefaultProfiles. Config only carries the raw strategy/fallback
	// knobs.
}

// VectorConfig describes the vector-index backend for the knowledge base.
type VectorConfig struct {
	Provider string // e.g. "flat", "hnsw"
	Path     string // on-disk path or connection URL
	Dims     int
}

// KnowledgeBaseConfig holds Knowledge Base settings.
type KnowledgeBaseConfig struct {
	DBPath              string
	Vector              VectorConfig
	Namespaces          []string
	PrivacyExcludedTags []string
}

// SchedulerConfig holds Scheduler settings.
type SchedulerConfig struct {
	DBPath string
}

// CodeAgentConfig holds Agent Executor sandbox limits, shared by classic
// mode (turn deadlines) and code-agent mode (sandbox + step deadlines).
type CodeAgentConfig struct {
	MaxAttempts     int
	StepTimeoutMs   int
	TotalTimeoutMs  int
	MemoryLimitMb   int
	MaxOutputLength int
}

// LoggingConfig holds structured-logging settings.
type LoggingConfig struct {
	ConsoleLevel         string
	FileLevel            string
	LogFile              string
	QuietMode            bool
	LogAgentInteractions bool
}

// View is the read-only Configuration View: a snapshot loaded once at
// startup and passed by value/reference to every component.
type View struct {
	OpenAI      OpenAIConfig
	Routing     RoutingConfig
	KnowledgeBase KnowledgeBaseConfig
	Scheduler   SchedulerConfig
	CodeAgent   CodeAgentConfig
	Logging     LoggingConfig

	// Plugins maps a canonical plugin name to its enabled flag. A missing
	// entry defaults to enabled when the plugin directory/registration is
	// present (see plugin.Manager).
	Plugins map[string]bool
}

// ErrConfigInvalid is returned when a required key is missing or malformed.
// Callers at startup should treat this as fatal (§7: fail fast with a
// human-readable reason).
type ErrConfigInvalid struct {
	Reason string
}

func (e *ErrConfigInvalid) Error() string {
	return fmt.Sprintf("config invalid: %s", e.Reason)
}

// Load builds a View from a flat environment-style map. Missing keys fall
// back to documented defaults; a missing chat provider is the one condition
// that fails fast (no provider, no routing is possible).
func Load(env map[string]string) (*View, error) {
	v := &View{
		OpenAI: OpenAIConfig{
			APIKey:         env["WOOSTER_OPENAI_API_KEY"],
			ModelName:      getOr(env, "WOOSTER_OPENAI_MODEL", "gpt-4o-mini"),
			Temperature:    getFloatOr(env, "WOOSTER_OPENAI_TEMPERATURE", 0.2),
			MaxTokens:      getIntOr(env, "WOOSTER_OPENAI_MAX_TOKENS", 2048),
			EmbeddingModel: getOr(env, "WOOSTER_OPENAI_EMBEDDING_MODEL", "text-embedding-3-small"),
		},
		Routing: RoutingConfig{
			Enabled:       getBoolOr(env, "WOOSTER_ROUTING_ENABLED", true),
			Strategy:      RoutingStrategy(getOr(env, "WOOSTER_ROUTING_STRATEGY", string(StrategyIntelligent))),
			FallbackChain: getListOr(env, "WOOSTER_ROUTING_FALLBACK_CHAIN", nil),
			Providers:     getListOr(env, "WOOSTER_ROUTING_PROVIDERS", []string{"openai"}),
		},
		KnowledgeBase: KnowledgeBaseConfig{
			DBPath: getOr(env, "WOOSTER_KB_DB_PATH", "kb/metadata.db"),
			Vector: VectorConfig{
				Provider: getOr(env, "WOOSTER_KB_VECTOR_PROVIDER", "flat"),
				Path:     getOr(env, "WOOSTER_KB_VECTOR_PATH", "kb/vectors"),
				// 1536 (text-embedding-3-small) is the canonical default;
				// see SPEC_FULL.md §9 open question on embedding dimension.
				Dims: getIntOr(env, "WOOSTER_KB_VECTOR_DIMS", 1536),
			},
			Namespaces:          getListOr(env, "WOOSTER_KB_NAMESPACES", []string{"notes", "profile"}),
			PrivacyExcludedTags: getListOr(env, "WOOSTER_KB_PRIVACY_EXCLUDED_TAGS", nil),
		},
		Scheduler: SchedulerConfig{
			DBPath: getOr(env, "WOOSTER_SCHEDULER_DB_PATH", "config.db"),
		},
		CodeAgent: CodeAgentConfig{
			MaxAttempts:     getIntOr(env, "WOOSTER_CODEAGENT_MAX_ATTEMPTS", 3),
			StepTimeoutMs:   getIntOr(env, "WOOSTER_CODEAGENT_STEP_TIMEOUT_MS", 15_000),
			TotalTimeoutMs:  getIntOr(env, "WOOSTER_CODEAGENT_TOTAL_TIMEOUT_MS", 60_000),
			MemoryLimitMb:   getIntOr(env, "WOOSTER_CODEAGENT_MEMORY_LIMIT_MB", 256),
			MaxOutputLength: getIntOr(env, "WOOSTER_CODEAGENT_MAX_OUTPUT_LENGTH", 8192),
		},
		Logging: LoggingConfig{
			ConsoleLevel:         getOr(env, "WOOSTER_LOG_CONSOLE_LEVEL", "info"),
			FileLevel:            getOr(env, "WOOSTER_LOG_FILE_LEVEL", "debug"),
			LogFile:              env["WOOSTER_LOG_FILE"],
			QuietMode:            getBoolOr(env, "WOOSTER_LOG_QUIET", false),
			LogAgentInteractions: getBoolOr(env, "WOOSTER_LOG_AGENT_INTERACTIONS", true),
		},
		Plugins: parsePluginFlags(env),
	}

	if v.OpenAI.APIKey == "" && len(v.Routing.Providers) > 0 {
		return nil, &ErrConfigInvalid{Reason: "no chat provider configured: WOOSTER_OPENAI_API_KEY is required when a provider is listed"}
	}

	return v, nil
}

// PluginEnabled reports whether the given canonical plugin name is enabled.
// A missing entry defaults to true (spec.md §4.2: "missing entry defaults
// to enabled when the plugin directory is present").
func (v *View) PluginEnabled(canonicalName string) bool {
	enabled, ok := v.Plugins[canonicalName]
	if !ok {
		return true
	}
	return enabled
}

func parsePluginFlags(env map[string]string) map[string]bool {
	out := make(map[string]bool)
	const prefix = "WOOSTER_PLUGIN_"
	for k, val := range env {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		name := strings.ToLower(strings.TrimPrefix(k, prefix))
		out[name] = val == "1" || strings.EqualFold(val, "true")
	}
	return out
}

func getOr(env map[string]string, key, fallback string) string {
	if v, ok := env[key]; ok && v != "" {
		return v
	}
	return fallback
}

func getIntOr(env map[string]string, key string, fallback int) int {
	if v, ok := env[key]; ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getFloatOr(env map[string]string, key string, fallback float64) float64 {
	if v, ok := env[key]; ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getBoolOr(env map[string]string, key string, fallback bool) bool {
	if v, ok := env[key]; ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getListOr(env map[string]string, key string, fallback []string) []string {
	v, ok := env[key]
	if !ok || v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Fingerprint returns a short, irreversible marker for a secret-like value
// suitable for debug log lines. It is not meant to be verified against the
// original value, only to let two log lines be correlated without leaking
// the secret.
func Fingerprint(secret string) string {
	if secret == "" {
		return ""
	}
	sum, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	if err != nil {
		return "unfingerprintable"
	}
	s := string(sum)
	if len(s) > 12 {
		s = s[:12]
	}
	return s
}
