package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"wooster/internal/config"
	"wooster/internal/home"
	"wooster/internal/plugin"
	"wooster/internal/router"
	"wooster/internal/scheduler"
	"wooster/internal/wlog"
)

// Executor is the Agent Executor (spec.md §4.7): one executeTurn entry
// point over two interchangeable strategies, sharing prompt assembly, a
// merged core+plugin Tool API, and per-turn logging.
type Executor struct {
	router  *router.Router
	tools   *ToolAPI
	plugins *plugin.Manager
	dir     home.Dir
	cfg     config.CodeAgentConfig
	logger  *slog.Logger
}

// New constructs an Executor. logger may be nil, in which case logging is
// discarded (wlog.Discard convention).
func New(rt *router.Router, tools *ToolAPI, plugins *plugin.Manager, dir home.Dir, cfg config.CodeAgentConfig, logger *slog.Logger) *Executor {
	return &Executor{
		router:  rt,
		tools:   tools,
		plugins: plugins,
		dir:     dir,
		cfg:     cfg,
		logger:  wlog.Default(logger).With("component", "agent_executor"),
	}
}

var coreToolNames = map[string]bool{
	"webSearch":     true,
	"fetchText":     true,
	"queryRAG":      true,
	"writeNote":     true,
	"schedule":      true,
	"discordNotify": true,
	"signalNotify":  true,
}

// mergedTools returns the core Tool API merged with every currently
// loaded plugin's contributed tools, core-wins-collisions per
// plugin.Manager.Tools.
func (e *Executor) mergedTools() map[string]Tool {
	merged := make(map[string]Tool)
	for _, t := range e.tools.CoreToolDescriptors() {
		merged[t.Name] = t
	}
	if e.plugins != nil {
		for _, t := range e.plugins.Tools(coreToolNames) {
			if _, exists := merged[t.Name]; !exists {
				merged[t.Name] = t
			}
		}
	}
	return merged
}

// ExecuteTurn runs one agent turn end to end: assemble the prompt, dispatch
// to the requested strategy, and log the outcome (spec.md §4.7 "Logging":
// selected model, redacted argument summaries, redacted code prefix, final
// answer, total latency).
func (e *Executor) ExecuteTurn(ctx context.Context, in ExecuteTurnInput) (ExecuteTurnOutput, error) {
	start := time.Now()
	prompt, err := AssemblePrompt(e.dir, in.ConversationHistory, in.UserInput, in.Mode)
	if err != nil {
		return ExecuteTurnOutput{State: StateFailed}, fmt.Errorf("assemble prompt: %w", err)
	}

	toolSet := e.mergedTools()

	var out ExecuteTurnOutput
	if in.Mode == ModeCodeAgent {
		out, err = runCodeAgent(ctx, e.router, toolSet, e.cfg, prompt)
	} else {
		out, err = runClassicTools(ctx, e.router, toolSet, e.cfg, prompt)
	}
	out.Latency = time.Since(start)

	e.logTurn(in.Mode, out, err)
	return out, err
}

// logTurn emits the per-turn lifecycle record. "turn complete"/"turn failed"
// additionally carry wlog.InteractionKey, so a wlog.AgentInteractionHandler
// installed on e.logger (gated by the logAgentInteractions config knob) can
// tee the full record into a dedicated interaction log file.
func (e *Executor) logTurn(mode Mode, out ExecuteTurnOutput, err error) {
	attrs := []any{
		wlog.InteractionKey, true,
		"mode", string(mode),
		"state", string(out.State),
		"selected_model", out.SelectedModel,
		"tool_count", len(out.Tools),
		"latency_ms", out.Latency.Milliseconds(),
	}
	if out.CodePrefix != "" {
		attrs = append(attrs, "code_prefix", out.CodePrefix)
	}
	for _, t := range out.Tools {
		e.logger.Info("tool invocation",
			"tool", t.Name, "arguments", t.ArgumentSummary, "error", t.Err)
	}
	if err != nil {
		e.logger.Error("turn failed", append(attrs, "error", err.Error())...)
		return
	}
	e.logger.Info("turn complete", append(attrs, "final_answer", out.FinalAnswer)...)
}

// AgentPromptHandler adapts ExecuteTurn into a scheduler.Handler so it can
// be wired via scheduler.Scheduler.SetAgentExecutor to dispatch
// AGENT_PROMPT schedules (the counterpart to the schedule tool in tools.go,
// which creates these schedules).
func (e *Executor) AgentPromptHandler(ctx context.Context, item scheduler.ScheduleItem) error {
	var payload agentPromptPayload
	if err := msgpack.Unmarshal(item.Payload, &payload); err != nil {
		return fmt.Errorf("decode agent prompt payload: %w", err)
	}
	_, err := e.ExecuteTurn(ctx, ExecuteTurnInput{
		UserInput: payload.Text,
		Mode:      ModeClassicTools,
	})
	return err
}
