package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"wooster/internal/config"
	"wooster/internal/router"
)

// Wire convention for classic tool-calling mode (documented in DESIGN.md's
// Agent Executor section as the resolution to the open question posed by
// router.ChatResponse having no structured tool-call field): the model's
// reply is plain text, and the last non-blank line decides what happens
// next.
//
//   TOOL_CALL {"tool":"webSearch","arguments":{"query":"..."}}
//   FINAL_ANSWER: <answer text, may itself span multiple lines>
//
// Anything else is a format failure: the scratchpad is told to retry.
const (
	toolCallPrefix    = "TOOL_CALL "
	finalAnswerPrefix = "FINAL_ANSWER:"
)

type toolCallLine struct {
	Tool      string                 `json:"tool"`
	Arguments map[string]interface{} `json:"arguments"`
}

// parseClassicReply extracts the last meaningful line of a model reply
// and classifies it as a tool call, a final answer, or a format failure.
func parseClassicReply(content string) (call *toolCallLine, final string, isFinal bool, err error) {
	lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
	var last string
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) != "" {
			last = strings.TrimSpace(lines[i])
			break
		}
	}
	switch {
	case strings.HasPrefix(last, toolCallPrefix):
		var tc toolCallLine
		if jsonErr := json.Unmarshal([]byte(strings.TrimPrefix(last, toolCallPrefix)), &tc); jsonErr != nil {
			return nil, "", false, fmt.Errorf("%w: malformed TOOL_CALL payload: %v", ErrFormatFailure, jsonErr)
		}
		if tc.Tool == "" {
			return nil, "", false, fmt.Errorf("%w: TOOL_CALL missing tool name", ErrFormatFailure)
		}
		return &tc, "", false, nil
	case strings.HasPrefix(last, finalAnswerPrefix):
		idx := strings.Index(content, finalAnswerPrefix)
		return nil, strings.TrimSpace(content[idx+len(finalAnswerPrefix):]), true, nil
	default:
		return nil, "", false, fmt.Errorf("%w: reply ends with neither %q nor %q", ErrFormatFailure, toolCallPrefix, finalAnswerPrefix)
	}
}

// runClassicTools drives the call-validate-invoke scratchpad loop
// (spec.md §4.7.a): each turn asks the model for either a tool call or a
// final answer, validates and executes tool calls, appends the
// observation to the scratchpad, and repeats until a final answer
// arrives or a deadline is exceeded.
func runClassicTools(ctx context.Context, rt *router.Router, toolSet map[string]Tool, cfg config.CodeAgentConfig, basePrompt string) (ExecuteTurnOutput, error) {
	out := ExecuteTurnOutput{State: StateInit}
	start := time.Now()

	totalDeadline := time.Duration(cfg.TotalTimeoutMs) * time.Millisecond
	stepDeadline := time.Duration(cfg.StepTimeoutMs) * time.Millisecond
	turnCtx, cancel := context.WithTimeout(ctx, totalDeadline)
	defer cancel()

	scratchpad := basePrompt
	out.State = StatePrompted

	for {
		if turnCtx.Err() != nil {
			out.State = StateDeadlineExceeded
			out.Latency = time.Since(start)
			return out, fmt.Errorf("%w", ErrDeadlineExceeded)
		}

		stepCtx, stepCancel := context.WithTimeout(turnCtx, stepDeadline)
		profile, reply, err := selectAndExecute(stepCtx, rt, scratchpad)
		stepCancel()
		if err != nil {
			out.State = StateFailed
			out.Latency = time.Since(start)
			return out, err
		}
		out.SelectedModel = profile

		call, final, isFinal, err := parseClassicReply(reply.Content)
		if err != nil {
			scratchpad += fmt.Sprintf("\n[system]\nformat error: %v. Reply with either %q or %q.\n", err, toolCallPrefix, finalAnswerPrefix)
			continue
		}

		if isFinal {
			out.State = StateFinal
			out.FinalAnswer = final
			out.Latency = time.Since(start)
			return out, nil
		}

		observation, toolErr := invokeClassicTool(stepCtx, toolSet, *call)
		invocation := ToolInvocation{Name: call.Tool, ArgumentSummary: summarizeArgs(call.Arguments)}
		if toolErr != nil {
			invocation.Err = toolErr.Error()
			scratchpad += fmt.Sprintf("\n[tool:%s]\nerror: %v\n", call.Tool, toolErr)
		} else {
			invocation.Observation = observation
			scratchpad += fmt.Sprintf("\n[tool:%s]\n%s\n", call.Tool, observation)
		}
		out.Tools = append(out.Tools, invocation)
		out.State = StateToolObserved
	}
}

// selectAndExecute runs one tool-execution exchange, returning the
// selected model's name (from the Routing Decision) for logging.
func selectAndExecute(ctx context.Context, rt *router.Router, scratchpad string) (string, router.ChatResponse, error) {
	resp, decision, err := rt.ExecuteChat(ctx, router.TaskToolExecution, router.ChatRequest{
		Messages: []router.Message{{Role: "user", Content: scratchpad}},
	})
	if err != nil {
		return "", router.ChatResponse{}, fmt.Errorf("execute chat: %w", err)
	}
	return decision.SelectedModel, resp, nil
}

// invokeClassicTool validates that a requested tool exists in the merged
// core+plugin tool set and that every field its schema marks required is
// present, then dispatches to it directly (plugin.ToolDescriptor.Execute
// has the same `func(ctx, json.RawMessage) (any, error)` shape as every
// ToolAPI method). There is no third-party JSON-schema validator anywhere
// in the retrieved pack, so requiredSchemaFields below is a deliberately
// narrow, stdlib-only required-field check rather than a general
// validator (see DESIGN.md).
func invokeClassicTool(ctx context.Context, toolSet map[string]Tool, call toolCallLine) (string, error) {
	desc, ok := toolSet[call.Tool]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrToolUnavailable, call.Tool)
	}
	for _, field := range requiredSchemaFields(desc.InputSchema) {
		if _, present := call.Arguments[field]; !present {
			return "", fmt.Errorf("%w: %q missing required argument %q", ErrToolError, call.Tool, field)
		}
	}

	argsJSON, err := json.Marshal(call.Arguments)
	if err != nil {
		return "", fmt.Errorf("%w: %q: marshal arguments: %v", ErrToolError, call.Tool, err)
	}
	result, err := desc.Execute(ctx, argsJSON)
	if err != nil {
		return "", err
	}
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("%w: %q: marshal result: %v", ErrToolError, call.Tool, err)
	}
	return string(resultJSON), nil
}

// requiredSchemaFields reads only the top-level "required" array out of a
// JSON-schema-shaped InputSchema, ignoring every other schema keyword.
func requiredSchemaFields(schema json.RawMessage) []string {
	if len(schema) == 0 {
		return nil
	}
	var doc struct {
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(schema, &doc); err != nil {
		return nil
	}
	return doc.Required
}

func summarizeArgs(args map[string]interface{}) string {
	raw, err := json.Marshal(args)
	if err != nil {
		return "<unserializable arguments>"
	}
	s := string(raw)
	if len(s) > maxArgSummaryLen {
		return s[:maxArgSummaryLen] + "…"
	}
	return s
}
