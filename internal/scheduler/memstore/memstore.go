// Package memstore is an in-memory scheduler.Store used in unit tests,
// following the teacher's convention of a "memory"-suffixed package
// standing in for the durable store (see chunk/memory, index/memory).
package memstore

import (
	"context"
	"sync"
	"time"

	"wooster/internal/scheduler"
)

type Store struct {
	mu        sync.Mutex
	schedules map[string]scheduler.ScheduleItem
	byKey     map[string]string // task_key -> id
	log       []scheduler.ExecutionLogRecord
}

func New() *Store {
	return &Store{
		schedules: make(map[string]scheduler.ScheduleItem),
		byKey:     make(map[string]string),
	}
}

func (s *Store) CreateSchedule(ctx context.Context, item scheduler.ScheduleItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byKey[item.TaskKey]; exists {
		return scheduler.ErrScheduleDuplicate
	}
	s.schedules[item.ID] = item
	s.byKey[item.TaskKey] = item.ID
	return nil
}

func (s *Store) GetByID(ctx context.Context, id string) (scheduler.ScheduleItem, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.schedules[id]
	return item, ok, nil
}

func (s *Store) GetByKey(ctx context.Context, taskKey string) (scheduler.ScheduleItem, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byKey[taskKey]
	if !ok {
		return scheduler.ScheduleItem{}, false, nil
	}
	item := s.schedules[id]
	return item, true, nil
}

func (s *Store) ListActive(ctx context.Context) ([]scheduler.ScheduleItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []scheduler.ScheduleItem
	for _, item := range s.schedules {
		if item.IsActive {
			out = append(out, item)
		}
	}
	return out, nil
}

func (s *Store) List(ctx context.Context) ([]scheduler.ScheduleItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]scheduler.ScheduleItem, 0, len(s.schedules))
	for _, item := range s.schedules {
		out = append(out, item)
	}
	return out, nil
}

func (s *Store) UpdateLastInvocation(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.schedules[id]
	if !ok {
		return scheduler.ErrScheduleNotFound
	}
	t := at
	item.LastInvocation = &t
	s.schedules[id] = item
	return nil
}

func (s *Store) Deactivate(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.schedules[id]
	if !ok {
		return scheduler.ErrScheduleNotFound
	}
	item.IsActive = false
	s.schedules[id] = item
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.schedules[id]
	if ok {
		delete(s.byKey, item.TaskKey)
	}
	delete(s.schedules, id)
	return nil
}

func (s *Store) HasSuccessForPeriod(ctx context.Context, scheduleID, periodIdentifier string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.log {
		if rec.ScheduleID == scheduleID && rec.PeriodIdentifier == periodIdentifier && rec.Status == scheduler.Success {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) AppendExecutionLog(ctx context.Context, rec scheduler.ExecutionLogRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.Status == scheduler.Success {
		for _, existing := range s.log {
			if existing.ScheduleID == rec.ScheduleID && existing.PeriodIdentifier == rec.PeriodIdentifier && existing.Status == scheduler.Success {
				return scheduler.ErrDuplicatePeriod
			}
		}
	}
	s.log = append(s.log, rec)
	return nil
}

func (s *Store) ListExecutionLog(ctx context.Context, scheduleID string, limit int) ([]scheduler.ExecutionLogRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []scheduler.ExecutionLogRecord
	for i := len(s.log) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if s.log[i].ScheduleID == scheduleID {
			out = append(out, s.log[i])
		}
	}
	return out, nil
}

func (s *Store) Close() error { return nil }
