package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// periodIdentifier derives the canonical dedup key for a firing instant
// (spec.md §3, §4.5). One-off schedules use the exact instant; cron
// schedules bucket by the schedule's own period length: daily schedules
// use the calendar date, hourly schedules use the hour, anything finer
// uses the minute.
func periodIdentifier(item ScheduleItem, firingTime time.Time) (string, error) {
	if item.IsOneOff() {
		return firingTime.UTC().Format(time.RFC3339), nil
	}

	sched, err := cronParser.Parse(item.ScheduleExpression)
	if err != nil {
		return "", fmt.Errorf("parse cron expression %q: %w", item.ScheduleExpression, err)
	}

	// Estimate the period length by comparing two consecutive fires
	// straddling firingTime.
	t1 := sched.Next(firingTime.Add(-time.Minute))
	t2 := sched.Next(t1)
	period := t2.Sub(t1)

	loc := firingTime.Location()
	switch {
	case period >= 20*time.Hour:
		return firingTime.In(loc).Format("2006-01-02"), nil
	case period >= 50*time.Minute:
		return firingTime.In(loc).Format("2006-01-02T15"), nil
	default:
		return firingTime.In(loc).Format("2006-01-02T15:04"), nil
	}
}

// mostRecentFiringBefore returns the most recent cron firing instant at or
// before `now`, for startup catch-up reconciliation. It walks forward
// through the firings from one year before now, so older firings are not
// found.
func mostRecentFiringBefore(expr string, now time.Time) (time.Time, bool, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}

	// Walk forward from a lower bound, tracking the last fire <= now.
	lowerBound := now.Add(-365 * 24 * time.Hour)
	t := sched.Next(lowerBound)
	var last time.Time
	found := false
	for !t.After(now) {
		last = t
		found = true
		t = sched.Next(t)
	}
	return last, found, nil
}
