package scheduler

import (
	"errors"
	"time"
)

// HandlerType distinguishes a schedule dispatched to an in-process function
// from one dispatched into the Agent Executor (spec.md §3, §4.5).
type HandlerType string

const (
	DirectHandler HandlerType = "DIRECT_HANDLER"
	AgentPrompt   HandlerType = "AGENT_PROMPT"
)

// ExecutionPolicy governs startup reconciliation for missed firings
// (spec.md §4.5).
type ExecutionPolicy string

const (
	SkipMissed              ExecutionPolicy = "SKIP_MISSED"
	RunImmediatelyIfMissed  ExecutionPolicy = "RUN_IMMEDIATELY_IF_MISSED"
	RunOncePerPeriodCatchUp ExecutionPolicy = "RUN_ONCE_PER_PERIOD_CATCH_UP"
)

// Status is the outcome recorded for one firing.
type Status string

const (
	Success          Status = "SUCCESS"
	Failure          Status = "FAILURE"
	SkippedDuplicate Status = "SKIPPED_DUPLICATE"
)

// ScheduleItem is the persisted schedule record (spec.md §3).
type ScheduleItem struct {
	ID                 string
	Description        string
	ScheduleExpression string // cron string, or RFC3339 instant for a one-off
	Payload            []byte // msgpack-encoded handler/prompt payload
	TaskKey            string
	HandlerType        HandlerType
	ExecutionPolicy    ExecutionPolicy
	IsActive           bool
	CreatedAt          time.Time
	LastInvocation     *time.Time
}

// IsOneOff reports whether ScheduleExpression is an absolute instant rather
// than a cron expression.
func (s ScheduleItem) IsOneOff() bool {
	_, err := time.Parse(time.RFC3339, s.ScheduleExpression)
	return err == nil
}

// ExecutionLogRecord is one append-only row of the execution log
// (spec.md §3).
type ExecutionLogRecord struct {
	ID               string
	ScheduleID       string
	PeriodIdentifier string
	Status           Status
	ExecutedAt       time.Time
	Notes            string
}

// Sentinel errors for the taxonomy described in spec.md §7.
var (
	ErrScheduleDuplicate        = errors.New("schedule duplicate: task_key already exists")
	ErrScheduleNotFound         = errors.New("schedule not found")
	ErrDuplicatePeriod          = errors.New("duplicate period: a SUCCESS record already exists for this (schedule_id, period_identifier)")
	ErrHandlerMissing           = errors.New("no direct handler registered for task_key")
	ErrAgentExecutorUnavailable = errors.New("agent executor not configured")
)

// truncatedNotes caps an error's message so execution_log rows stay small.
func truncatedNotes(err error) string {
	if err == nil {
		return ""
	}
	s := err.Error()
	const maxLen = 500
	if len(s) > maxLen {
		return s[:maxLen] + "...(truncated)"
	}
	return s
}
