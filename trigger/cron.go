package trigger

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

var ErrUnreachable = errors.New("cron expression yields no future fire time")

// CronTrigger implements the Trigger interface for a standard 6-field cron
// expression (sec min hour day-of-month month day-of-week, seconds optional)
// evaluated in an explicit IANA timezone, never in process-local time. DST
// transitions in the configured zone are handled by the cron library.
type CronTrigger struct {
	expr     string
	zone     string
	schedule cron.Schedule
	loc      *time.Location
}

// NewCronTrigger returns a new CronTrigger for the expression in the given
// IANA zone (e.g. "America/Chicago").
func NewCronTrigger(expr, zone string) (*CronTrigger, error) {
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone '%s': %w", zone, err)
	}

	parser := cron.NewParser(
		cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)
	schedule, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse cron expression '%s': %w", expr, err)
	}

	return &CronTrigger{
		expr:     expr,
		zone:     zone,
		schedule: schedule,
		loc:      loc,
	}, nil
}

// NextFireTime returns the next instant strictly after prev satisfying the
// expression in the trigger's zone.
func (ct *CronTrigger) NextFireTime(prev time.Time) (time.Time, error) {
	next := ct.schedule.Next(prev.In(ct.loc))
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("'%s' after %s: %w", ct.expr, prev, ErrUnreachable)
	}
	return next, nil
}

// Description returns a CronTrigger description.
func (ct *CronTrigger) Description() string {
	return fmt.Sprintf("CronTrigger '%s' in %s.", ct.expr, ct.zone)
}
