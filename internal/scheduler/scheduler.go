// Package scheduler implements the durable task scheduler (spec.md §3):
// named, persisted schedules fired either on a cron expression or once at
// an absolute instant, with pluggable startup reconciliation policies for
// firings missed while the process was down.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
)

// Handler executes one firing of a schedule. Direct handlers are looked up
// by task_key; AGENT_PROMPT schedules are dispatched to the agent executor
// with the schedule's payload as the prompt body.
type Handler func(ctx context.Context, item ScheduleItem) error

// Config configures a Scheduler.
type Config struct {
	Store  Store
	Now    func() time.Time
	Logger *slog.Logger
}

// Scheduler wraps a gocron.Scheduler with a durable Store, following the
// teacher's orchestrator scheduler: one named gocron job per registered
// schedule, a map from name to job for lookup/removal, and a single shared
// scheduler instance started eagerly.
type Scheduler struct {
	mu sync.Mutex

	store  Store
	gs     gocron.Scheduler
	jobs   map[string]gocron.Job // schedule id -> job
	now    func() time.Time
	logger *slog.Logger

	direct   map[string]Handler // task_key -> handler
	agentRun Handler
}

// New constructs a Scheduler backed by store. The gocron scheduler is
// started immediately; callers must still call Start to load and arm
// persisted schedules.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Store == nil {
		return nil, errors.New("scheduler: store is required")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	gs, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create cron scheduler: %w", err)
	}

	s := &Scheduler{
		store:  cfg.Store,
		gs:     gs,
		jobs:   make(map[string]gocron.Job),
		now:    now,
		logger: logger,
		direct: make(map[string]Handler),
	}
	gs.Start()
	return s, nil
}

// RegisterDirectHandler wires an in-process function to a task_key. Must be
// called before Start for schedules reconciled at startup to find it.
func (s *Scheduler) RegisterDirectHandler(taskKey string, fn Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.direct[taskKey] = fn
}

// SetAgentExecutor wires the handler used to dispatch AGENT_PROMPT schedules.
func (s *Scheduler) SetAgentExecutor(fn Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agentRun = fn
}

// Create persists a new schedule and, if active, arms it immediately.
// Returns ErrScheduleDuplicate if TaskKey is already in use.
func (s *Scheduler) Create(ctx context.Context, item ScheduleItem) (string, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = s.now()
	}
	item.IsActive = true

	if err := s.store.CreateSchedule(ctx, item); err != nil {
		return "", err
	}

	if item.IsOneOff() {
		if due, _ := s.oneOffDue(item); due {
			if err := s.runAndRecord(ctx, item, s.now()); err != nil {
				s.logger.Error("failed to run newly created one-off schedule", "task_key", item.TaskKey, "error", err)
			}
			if err := s.store.Deactivate(ctx, item.ID); err != nil {
				s.logger.Error("failed to deactivate one-off schedule", "task_key", item.TaskKey, "error", err)
			}
			return item.ID, nil
		}
		if err := s.armOneOff(item); err != nil {
			s.logger.Error("failed to arm new one-off schedule", "task_key", item.TaskKey, "error", err)
		}
		return item.ID, nil
	}

	if err := s.arm(item); err != nil {
		s.logger.Error("failed to arm new schedule", "task_key", item.TaskKey, "error", err)
	}
	return item.ID, nil
}

// Delete deactivates and removes a schedule, disarming its gocron job.
func (s *Scheduler) Delete(ctx context.Context, id string) error {
	s.disarm(id)
	return s.store.Delete(ctx, id)
}

func (s *Scheduler) GetByKey(ctx context.Context, taskKey string) (ScheduleItem, bool, error) {
	return s.store.GetByKey(ctx, taskKey)
}

func (s *Scheduler) List(ctx context.Context) ([]ScheduleItem, error) {
	return s.store.List(ctx)
}

// Stop shuts down the underlying cron scheduler, waiting for running jobs.
func (s *Scheduler) Stop() error {
	return s.gs.Shutdown()
}

// Start loads every active schedule, reconciles it against its
// ExecutionPolicy (spec.md §4.5), and arms a gocron job for its ongoing
// recurrence. One-off schedules whose instant has already passed are
// reconciled the same way and then deactivated, never armed.
func (s *Scheduler) Start(ctx context.Context) error {
	items, err := s.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("load active schedules: %w", err)
	}

	for _, item := range items {
		if err := s.reconcile(ctx, item); err != nil {
			s.logger.Error("startup reconciliation failed", "task_key", item.TaskKey, "error", err)
		}
		if item.IsOneOff() {
			// One-off schedules are resolved entirely by reconciliation
			// (either fired above, or still pending in the future).
			if due, _ := s.oneOffDue(item); !due {
				if err := s.armOneOff(item); err != nil {
					s.logger.Error("failed to arm one-off schedule", "task_key", item.TaskKey, "error", err)
				}
			} else if err := s.store.Deactivate(ctx, item.ID); err != nil {
				s.logger.Error("failed to deactivate one-off schedule", "task_key", item.TaskKey, "error", err)
			}
			continue
		}
		if err := s.arm(item); err != nil {
			s.logger.Error("failed to arm schedule", "task_key", item.TaskKey, "error", err)
		}
	}
	return nil
}

func (s *Scheduler) oneOffDue(item ScheduleItem) (bool, time.Time) {
	t, err := time.Parse(time.RFC3339, item.ScheduleExpression)
	if err != nil {
		return false, time.Time{}
	}
	return !t.After(s.now()), t
}

// reconcile applies the three ExecutionPolicy behaviors to one schedule at
// startup. SKIP_MISSED never fires a catch-up execution. The other two
// policies fire at most one catch-up execution for the most recent period
// that has no SUCCESS record yet.
func (s *Scheduler) reconcile(ctx context.Context, item ScheduleItem) error {
	if item.ExecutionPolicy == SkipMissed {
		return nil
	}

	if item.IsOneOff() {
		due, _ := s.oneOffDue(item)
		if !due {
			return nil
		}
		return s.runAndRecord(ctx, item, s.now())
	}

	lastFiring, found, err := mostRecentFiringBefore(item.ScheduleExpression, s.now())
	if err != nil || !found {
		return err
	}

	period, err := periodIdentifier(item, lastFiring)
	if err != nil {
		return err
	}
	has, err := s.store.HasSuccessForPeriod(ctx, item.ID, period)
	if err != nil {
		return fmt.Errorf("check success for period: %w", err)
	}
	if has {
		return nil
	}

	switch item.ExecutionPolicy {
	case RunImmediatelyIfMissed, RunOncePerPeriodCatchUp:
		return s.runAndRecord(ctx, item, lastFiring)
	default:
		return nil
	}
}

// arm registers a recurring gocron job for a cron schedule.
func (s *Scheduler) arm(item ScheduleItem) error {
	if item.IsOneOff() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[item.ID]; exists {
		return nil
	}

	j, err := s.gs.NewJob(
		gocron.CronJob(item.ScheduleExpression, false),
		gocron.NewTask(s.onFire, item.ID),
		gocron.WithName(item.ID),
	)
	if err != nil {
		return fmt.Errorf("arm schedule %s: %w", item.TaskKey, err)
	}
	s.jobs[item.ID] = j
	return nil
}

// armOneOff registers a single gocron job that fires at the schedule's
// absolute instant, still in the future.
func (s *Scheduler) armOneOff(item ScheduleItem) error {
	_, at := s.oneOffDue(item)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[item.ID]; exists {
		return nil
	}

	j, err := s.gs.NewJob(
		gocron.OneTimeJob(gocron.OneTimeJobStartDateTime(at)),
		gocron.NewTask(s.onFire, item.ID),
		gocron.WithName(item.ID),
	)
	if err != nil {
		return fmt.Errorf("arm one-off schedule %s: %w", item.TaskKey, err)
	}
	s.jobs[item.ID] = j
	return nil
}

func (s *Scheduler) disarm(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return
	}
	if err := s.gs.RemoveJob(j.ID()); err != nil {
		s.logger.Warn("failed to remove job", "schedule_id", id, "error", err)
	}
	delete(s.jobs, id)
}

// onFire is the gocron task body for a live (non-catch-up) firing.
func (s *Scheduler) onFire(id string) {
	ctx := context.WithoutCancel(context.Background())
	item, ok, err := s.store.GetByID(ctx, id)
	if err != nil || !ok {
		s.logger.Error("fire: schedule vanished", "schedule_id", id, "error", err)
		return
	}
	if !item.IsActive {
		return
	}
	if err := s.runAndRecord(ctx, item, s.now()); err != nil {
		s.logger.Error("fire failed", "task_key", item.TaskKey, "error", err)
	}
	if item.IsOneOff() {
		if err := s.store.Deactivate(ctx, item.ID); err != nil {
			s.logger.Error("failed to deactivate one-off schedule", "task_key", item.TaskKey, "error", err)
		}
		s.disarm(item.ID)
	}
}

// runAndRecord performs one firing attempt for firingTime: it checks for an
// existing SUCCESS record for the derived period, dispatches to the
// appropriate handler if none exists, and appends the outcome. I2 is
// enforced by the store's AppendExecutionLog returning ErrDuplicatePeriod
// on a racing concurrent SUCCESS insert, in which case this degrades to a
// SKIPPED_DUPLICATE record rather than a second SUCCESS.
func (s *Scheduler) runAndRecord(ctx context.Context, item ScheduleItem, firingTime time.Time) error {
	period, err := periodIdentifier(item, firingTime)
	if err != nil {
		return fmt.Errorf("derive period identifier: %w", err)
	}

	has, err := s.store.HasSuccessForPeriod(ctx, item.ID, period)
	if err != nil {
		return fmt.Errorf("check success for period: %w", err)
	}
	if has {
		return s.appendLog(ctx, item.ID, period, SkippedDuplicate, nil)
	}

	handlerErr := s.dispatch(ctx, item)

	status := Success
	if handlerErr != nil {
		status = Failure
	}
	if err := s.appendLog(ctx, item.ID, period, status, handlerErr); err != nil {
		if errors.Is(err, ErrDuplicatePeriod) {
			return s.appendLog(ctx, item.ID, period, SkippedDuplicate, handlerErr)
		}
		return err
	}
	if handlerErr == nil {
		if err := s.store.UpdateLastInvocation(ctx, item.ID, firingTime); err != nil {
			s.logger.Warn("failed to update last_invocation", "task_key", item.TaskKey, "error", err)
		}
	}
	return handlerErr
}

func (s *Scheduler) appendLog(ctx context.Context, scheduleID, period string, status Status, cause error) error {
	rec := ExecutionLogRecord{
		ID:               uuid.NewString(),
		ScheduleID:       scheduleID,
		PeriodIdentifier: period,
		Status:           status,
		ExecutedAt:       s.now(),
		Notes:            truncatedNotes(cause),
	}
	return s.store.AppendExecutionLog(ctx, rec)
}

func (s *Scheduler) dispatch(ctx context.Context, item ScheduleItem) error {
	switch item.HandlerType {
	case DirectHandler:
		s.mu.Lock()
		fn, ok := s.direct[item.TaskKey]
		s.mu.Unlock()
		if !ok {
			return ErrHandlerMissing
		}
		return fn(ctx, item)
	case AgentPrompt:
		s.mu.Lock()
		fn := s.agentRun
		s.mu.Unlock()
		if fn == nil {
			return ErrAgentExecutorUnavailable
		}
		return fn(ctx, item)
	default:
		return fmt.Errorf("unknown handler type %q", item.HandlerType)
	}
}
