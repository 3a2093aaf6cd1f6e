// Package scheduling interprets the cron expressions of declared jobs so the
// client can show when each job will next fire on the host.
package scheduling

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"clawremote/internal/domain"
)

// The host accepts classic five-field expressions and six-field ones with a
// leading seconds field.
var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule parses a job cron expression.
func ParseSchedule(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty schedule")
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched, nil
}

// NextRun returns the first time after from at which job fires. ok is false
// for disabled or unscheduled jobs.
func NextRun(job domain.Job, from time.Time) (next time.Time, ok bool, err error) {
	if !job.Enabled || strings.TrimSpace(job.Cron) == "" {
		return time.Time{}, false, nil
	}
	sched, err := ParseSchedule(job.Cron)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("job %q: %w", job.Name, err)
	}
	return sched.Next(from), true, nil
}

// Upcoming is one scheduled firing.
type Upcoming struct {
	Job  string
	Next time.Time
}

// UpcomingRuns lists the next firing of every scheduled job, soonest first.
// Jobs with unparsable expressions are skipped.
func UpcomingRuns(jobs []domain.Job, from time.Time) []Upcoming {
	var out []Upcoming
	for _, j := range jobs {
		next, ok, err := NextRun(j, from)
		if err != nil || !ok {
			continue
		}
		out = append(out, Upcoming{Job: j.Name, Next: next})
	}
	slices.SortStableFunc(out, func(a, b Upcoming) int { return a.Next.Compare(b.Next) })
	return out
}
