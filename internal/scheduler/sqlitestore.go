package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists schedule items and the execution log in a single
// durable file, following the teacher's config/sqlite idiom: WAL journal
// mode, a single writer connection, and INSERT ... ON CONFLICT upserts
// inside explicit transactions. I2 (at most one SUCCESS row per
// (schedule_id, period_identifier)) is enforced by a partial unique index,
// not by application-level locking.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens (creating if necessary) the scheduler database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create scheduler db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open scheduler db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA foreign_keys=ON`,
		`CREATE TABLE IF NOT EXISTS schedules (
			id TEXT PRIMARY KEY,
			description TEXT NOT NULL,
			schedule_expression TEXT NOT NULL,
			payload BLOB,
			task_key TEXT NOT NULL UNIQUE,
			handler_type TEXT NOT NULL,
			execution_policy TEXT NOT NULL,
			is_active INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			last_invocation TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS execution_log (
			id TEXT PRIMARY KEY,
			schedule_id TEXT NOT NULL REFERENCES schedules(id) ON DELETE CASCADE,
			period_identifier TEXT NOT NULL,
			status TEXT NOT NULL,
			executed_at TEXT NOT NULL,
			notes TEXT
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_execution_log_success_period
			ON execution_log(schedule_id, period_identifier)
			WHERE status = 'SUCCESS'`,
		`CREATE INDEX IF NOT EXISTS idx_execution_log_schedule
			ON execution_log(schedule_id, executed_at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate scheduler db: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateSchedule(ctx context.Context, item ScheduleItem) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedules (id, description, schedule_expression, payload, task_key, handler_type, execution_policy, is_active, created_at, last_invocation)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.Description, item.ScheduleExpression, item.Payload, item.TaskKey,
		string(item.HandlerType), string(item.ExecutionPolicy), boolToInt(item.IsActive),
		item.CreatedAt.UTC().Format(time.RFC3339Nano), nullableTime(item.LastInvocation))
	if err != nil {
		if isUniqueConstraint(err, "task_key") {
			return ErrScheduleDuplicate
		}
		return fmt.Errorf("create schedule: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetByID(ctx context.Context, id string) (ScheduleItem, bool, error) {
	row := s.db.QueryRowContext(ctx, scheduleSelectBase+` WHERE id = ?`, id)
	return scanSchedule(row)
}

func (s *SQLiteStore) GetByKey(ctx context.Context, taskKey string) (ScheduleItem, bool, error) {
	row := s.db.QueryRowContext(ctx, scheduleSelectBase+` WHERE task_key = ?`, taskKey)
	return scanSchedule(row)
}

func (s *SQLiteStore) ListActive(ctx context.Context) ([]ScheduleItem, error) {
	return s.queryList(ctx, scheduleSelectBase+` WHERE is_active = 1 ORDER BY created_at`)
}

func (s *SQLiteStore) List(ctx context.Context) ([]ScheduleItem, error) {
	return s.queryList(ctx, scheduleSelectBase+` ORDER BY created_at`)
}

func (s *SQLiteStore) queryList(ctx context.Context, query string, args ...any) ([]ScheduleItem, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var out []ScheduleItem
	for rows.Next() {
		item, err := scanScheduleRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateLastInvocation(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE schedules SET last_invocation = ? WHERE id = ?`,
		at.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("update last_invocation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Deactivate(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE schedules SET is_active = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deactivate schedule: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	return nil
}

func (s *SQLiteStore) HasSuccessForPeriod(ctx context.Context, scheduleID, periodIdentifier string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM execution_log
		WHERE schedule_id = ? AND period_identifier = ? AND status = 'SUCCESS'`,
		scheduleID, periodIdentifier).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check execution log: %w", err)
	}
	return count > 0, nil
}

func (s *SQLiteStore) AppendExecutionLog(ctx context.Context, rec ExecutionLogRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_log (id, schedule_id, period_identifier, status, executed_at, notes)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ScheduleID, rec.PeriodIdentifier, string(rec.Status),
		rec.ExecutedAt.UTC().Format(time.RFC3339Nano), rec.Notes)
	if err != nil {
		if rec.Status == Success && isUniqueConstraint(err, "idx_execution_log_success_period") {
			return ErrDuplicatePeriod
		}
		return fmt.Errorf("append execution log: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListExecutionLog(ctx context.Context, scheduleID string, limit int) ([]ExecutionLogRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, schedule_id, period_identifier, status, executed_at, notes
		FROM execution_log WHERE schedule_id = ? ORDER BY executed_at DESC LIMIT ?`,
		scheduleID, limit)
	if err != nil {
		return nil, fmt.Errorf("list execution log: %w", err)
	}
	defer rows.Close()

	var out []ExecutionLogRecord
	for rows.Next() {
		var rec ExecutionLogRecord
		var executedAt string
		var status string
		if err := rows.Scan(&rec.ID, &rec.ScheduleID, &rec.PeriodIdentifier, &status, &executedAt, &rec.Notes); err != nil {
			return nil, fmt.Errorf("scan execution log row: %w", err)
		}
		rec.Status = Status(status)
		rec.ExecutedAt, _ = time.Parse(time.RFC3339Nano, executedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

const scheduleSelectBase = `
	SELECT id, description, schedule_expression, payload, task_key, handler_type, execution_policy, is_active, created_at, last_invocation
	FROM schedules`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row *sql.Row) (ScheduleItem, bool, error) {
	item, err := scanScheduleRows(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ScheduleItem{}, false, nil
	}
	if err != nil {
		return ScheduleItem{}, false, err
	}
	return item, true, nil
}

func scanScheduleRows(r rowScanner) (ScheduleItem, error) {
	var item ScheduleItem
	var handlerType, policy, createdAt string
	var isActive int
	var lastInvocation sql.NullString

	err := r.Scan(&item.ID, &item.Description, &item.ScheduleExpression, &item.Payload,
		&item.TaskKey, &handlerType, &policy, &isActive, &createdAt, &lastInvocation)
	if err != nil {
		return ScheduleItem{}, err
	}

	item.HandlerType = HandlerType(handlerType)
	item.ExecutionPolicy = ExecutionPolicy(policy)
	item.IsActive = isActive != 0
	item.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if lastInvocation.Valid {
		t, err := time.Parse(time.RFC3339Nano, lastInvocation.String)
		if err == nil {
			item.LastInvocation = &t
		}
	}
	return item, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// isUniqueConstraint reports whether err is a SQLite UNIQUE constraint
// violation, optionally matching a substring of the offending index/column
// name (modernc.org/sqlite surfaces the underlying sqlite3 error text).
func isUniqueConstraint(err error, contains string) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") && (contains == "" || strings.Contains(msg, contains))
}
