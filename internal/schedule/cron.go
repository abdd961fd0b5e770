// Package schedule validates cron expressions and materializes due schedules
// into export jobs on a fixed tick.
package schedule

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// MinInterval is the tightest cadence a schedule may request. The interval is
// judged by the gap between the first two firings, so step expressions like
// "*/30 * * * *" are rejected while "30 * * * *" (hourly, at :30) passes.
const MinInterval = time.Hour

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// ParseCron parses a 5-field cron expression and enforces the minimum
// interval. The returned schedule computes firing times in UTC.
func ParseCron(expr string) (cron.Schedule, error) {
	if expr == "" {
		return nil, errors.New("cron expression is required")
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}

	now := time.Now().UTC()
	first := sched.Next(now)
	second := sched.Next(first)
	if second.Sub(first) < MinInterval {
		return nil, errors.New("schedule interval must be at least 1 hour")
	}
	return sched, nil
}

// NextRun returns the first firing of expr strictly after t, in UTC.
// expr must already have passed ParseCron.
func NextRun(expr string, t time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression: %w", err)
	}
	return sched.Next(t.UTC()), nil
}
