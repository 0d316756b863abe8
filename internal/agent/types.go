// Package agent implements the Agent Executor (spec.md §4.7): a single
// executeTurn entry point with two interchangeable strategies (classic
// tool-calling loop, sandboxed code-agent), shared prompt assembly, a
// Tool API surface bridging to external collaborators via the service
// registry, and per-turn logging.
package agent

import (
	"context"
	"errors"
	"time"

	"wooster/internal/plugin"
	"wooster/internal/router"
)

// Mode selects which of the two turn strategies executeTurn uses.
type Mode string

const (
	ModeClassicTools Mode = "classic_tools"
	ModeCodeAgent    Mode = "code_agent"
)

// TurnState is a node of the per-mode turn state machine (spec.md §4.7
// "Turn state machine").
type TurnState string

const (
	StateInit             TurnState = "INIT"
	StatePrompted         TurnState = "PROMPTED"
	StateToolObserved     TurnState = "TOOL_OBSERVED"
	StateCodeExtracted    TurnState = "CODE_EXTRACTED"
	StateSandboxed        TurnState = "SANDBOXED"
	StateFinal            TurnState = "FINAL"
	StateFailed           TurnState = "FAILED"
	StateDeadlineExceeded TurnState = "DEADLINE_EXCEEDED"
)

// ExecuteTurnInput is the argument envelope for the single external
// signature executeTurn(userInput, conversationHistory, mode).
type ExecuteTurnInput struct {
	UserInput           string
	ConversationHistory []router.Message
	Mode                Mode
}

// ToolInvocation records one tool call made during a turn for logging
// (spec.md §4.7 "Logging": "tools invoked with argument summaries").
type ToolInvocation struct {
	Name            string
	ArgumentSummary string
	Observation     string
	Err             string
}

// ExecuteTurnOutput is the result of a turn, plus the bookkeeping the
// logging requirement names.
type ExecuteTurnOutput struct {
	FinalAnswer   string
	State         TurnState
	SelectedModel string
	Tools         []ToolInvocation
	CodePrefix    string // first bytes of extracted code (code-agent mode only), redacted
	Latency       time.Duration
}

var (
	ErrToolUnavailable  = errors.New("agent: tool unavailable")
	ErrToolError        = errors.New("agent: tool error")
	ErrFormatFailure    = errors.New("agent: response format failure")
	ErrDeadlineExceeded = errors.New("agent: turn deadline exceeded")
	ErrSandboxViolation = errors.New("agent: sandbox violation")
)

// Tool is the shape of one callable Tool API entry, shared between the
// built-in core tools and plugin-contributed ones so both flow through the
// same dispatch and collision-resolution path (plugin.Manager.Tools).
type Tool = plugin.ToolDescriptor

// maxArgSummaryLen bounds how much of a tool argument is captured in a log
// line before truncation (spec.md §4.7 "Logging": "argument summaries").
const maxArgSummaryLen = 200
