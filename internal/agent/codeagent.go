package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"wooster/internal/agent/sandbox"
	"wooster/internal/config"
	"wooster/internal/router"
)

var fencedCodeBlock = regexp.MustCompile("(?s)```(?:[a-zA-Z]+\\n)?(.*?)```")

// extractCode pulls the sole fenced code block out of a model reply.
// Zero or more than one fence is a format failure (spec.md §4.7.b step 2):
// the model is expected to emit exactly one program per turn.
func extractCode(reply string) (string, error) {
	matches := fencedCodeBlock.FindAllStringSubmatch(reply, -1)
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w: no fenced code block found", ErrFormatFailure)
	case 1:
		return matches[0][1], nil
	default:
		return "", fmt.Errorf("%w: expected exactly one fenced code block, found %d", ErrFormatFailure, len(matches))
	}
}

// toolFuncsFromSet adapts the merged core+plugin tool set into the
// sandbox's ToolFunc shape, marshaling named arguments to JSON for
// Execute and JSON-decoding its result back into a generic value.
func toolFuncsFromSet(toolSet map[string]Tool) map[string]sandbox.ToolFunc {
	fns := make(map[string]sandbox.ToolFunc, len(toolSet))
	for name, desc := range toolSet {
		desc := desc
		fns[name] = func(args map[string]interface{}) (interface{}, error) {
			argsJSON, err := json.Marshal(args)
			if err != nil {
				return nil, fmt.Errorf("marshal arguments: %w", err)
			}
			return desc.Execute(context.Background(), argsJSON)
		}
	}
	return fns
}

// runCodeAgent drives code-agent mode (spec.md §4.7.b): extract exactly
// one fenced program, run it in the sandbox with limits from the code
// agent config, and retry on format failure or a program that finishes
// without calling finalAnswer up to cfg.MaxAttempts, appending a reminder
// to the prompt each time. Exhausting all attempts falls back to classic
// tool-calling mode rather than failing the turn outright.
func runCodeAgent(ctx context.Context, rt *router.Router, toolSet map[string]Tool, cfg config.CodeAgentConfig, basePrompt string) (ExecuteTurnOutput, error) {
	out := ExecuteTurnOutput{State: StateInit}
	start := time.Now()

	totalDeadline := time.Duration(cfg.TotalTimeoutMs) * time.Millisecond
	turnCtx, cancel := context.WithTimeout(ctx, totalDeadline)
	defer cancel()

	tools := toolFuncsFromSet(toolSet)
	limits := sandbox.Limits{MaxOutputBytes: cfg.MaxOutputLength}

	prompt := basePrompt
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		if turnCtx.Err() != nil {
			out.State = StateDeadlineExceeded
			out.Latency = time.Since(start)
			return out, fmt.Errorf("%w", ErrDeadlineExceeded)
		}

		resp, decision, err := rt.ExecuteChat(turnCtx, router.TaskCodeAssistance, router.ChatRequest{
			Messages: []router.Message{{Role: "user", Content: prompt}},
		})
		if err != nil {
			out.State = StateFailed
			out.Latency = time.Since(start)
			return out, fmt.Errorf("execute chat: %w", err)
		}
		out.SelectedModel = decision.SelectedModel
		out.State = StatePrompted

		code, err := extractCode(resp.Content)
		if err != nil {
			prompt = basePrompt + fmt.Sprintf("\n[system]\n%v. Emit exactly one fenced code block.\n", err)
			continue
		}
		out.State = StateCodeExtracted
		out.CodePrefix = redactedPrefix(code)

		stepCtx, stepCancel := context.WithTimeout(turnCtx, time.Duration(cfg.StepTimeoutMs)*time.Millisecond)
		result, runErr := sandbox.Run(stepCtx, code, tools, limits)
		stepCancel()
		out.State = StateSandboxed

		if runErr != nil {
			prompt = basePrompt + fmt.Sprintf("\n[system]\nprogram failed: %v. Try again.\n", runErr)
			continue
		}
		if !result.Called {
			prompt = basePrompt + "\n[system]\nprogram finished without calling finalAnswer. Call finalAnswer exactly once.\n"
			continue
		}

		out.State = StateFinal
		out.FinalAnswer = result.FinalAnswer
		out.Latency = time.Since(start)
		return out, nil
	}

	return runClassicTools(turnCtx, rt, toolSet, cfg, basePrompt)
}

const maxCodePrefixLen = 400

func redactedPrefix(code string) string {
	if len(code) > maxCodePrefixLen {
		return code[:maxCodePrefixLen] + "…"
	}
	return code
}
