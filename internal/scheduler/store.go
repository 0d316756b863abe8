package scheduler

import (
	"context"
	"time"
)

// Store is the durable persistence interface for schedule items and the
// execution log (spec.md §4.5 Persistence). Implementations must be safe
// for concurrent use; the sqlite implementation in this package enforces
// I2 (at most one SUCCESS record per (schedule_id, period_identifier)) via
// a database constraint rather than application-level locking.
type Store interface {
	// CreateSchedule persists a new schedule item. Returns ErrScheduleDuplicate
	// if TaskKey already exists.
	CreateSchedule(ctx context.Context, item ScheduleItem) error

	// GetByID returns the schedule with the given id.
	GetByID(ctx context.Context, id string) (ScheduleItem, bool, error)

	// GetByKey returns the schedule with the given task_key.
	GetByKey(ctx context.Context, taskKey string) (ScheduleItem, bool, error)

	// ListActive returns all schedules with IsActive = true.
	ListActive(ctx context.Context) ([]ScheduleItem, error)

	// List returns every schedule, active or not.
	List(ctx context.Context) ([]ScheduleItem, error)

	// UpdateLastInvocation advances the advisory last_invocation timestamp.
	UpdateLastInvocation(ctx context.Context, id string, at time.Time) error

	// Deactivate marks a schedule inactive (used after a one-off fires).
	Deactivate(ctx context.Context, id string) error

	// Delete removes a schedule entirely.
	Delete(ctx context.Context, id string) error

	// HasSuccessForPeriod reports whether a SUCCESS row already exists for
	// (scheduleID, periodIdentifier).
	HasSuccessForPeriod(ctx context.Context, scheduleID, periodIdentifier string) (bool, error)

	// AppendExecutionLog inserts an execution log row. If rec.Status is
	// Success and a SUCCESS row already exists for (ScheduleID,
	// PeriodIdentifier), it returns ErrDuplicatePeriod and does not insert
	// the row; the caller should retry with Status = SkippedDuplicate.
	AppendExecutionLog(ctx context.Context, rec ExecutionLogRecord) error

	// ListExecutionLog returns the execution log rows for a schedule, most
	// recent first.
	ListExecutionLog(ctx context.Context, scheduleID string, limit int) ([]ExecutionLogRecord, error)

	// Close releases any underlying resources.
	Close() error
}
