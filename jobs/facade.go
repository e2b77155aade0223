package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gamedaybot/core/scheduler"
)

// SunEvent names the two sun-message kinds the daily producer schedules.
type SunEvent string

const (
	Sunrise SunEvent = "sunrise"
	Sunset  SunEvent = "sunset"
)

// SunInstance returns the deterministic task instance id for a sun message on
// a calendar date. If the daily trigger fires twice for the same date (e.g. a
// process restart), the second schedule call hits the same key and is a
// guaranteed no-op rather than a duplicate message.
func SunInstance(date time.Time, event SunEvent) string {
	return fmt.Sprintf("sun-%s-%s", date.Format("2006-01-02"), event)
}

// Reminders schedules reminder deliveries. Every call is a distinct user
// action, so each instance gets a random id; duplicates are acceptable.
type Reminders struct {
	sched *scheduler.Scheduler
}

func NewReminders(sched *scheduler.Scheduler) *Reminders {
	return &Reminders{sched: sched}
}

func (r *Reminders) Schedule(ctx context.Context, channelID, userID, text string, at time.Time) error {
	payload, err := encodeReminder(channelID, userID, text)
	if err != nil {
		return err
	}
	return r.sched.ScheduleOneTime(ctx, TaskReminder, uuid.NewString(), at, payload)
}

// ChannelMessages schedules one-off channel message deliveries.
type ChannelMessages struct {
	sched *scheduler.Scheduler
}

func NewChannelMessages(sched *scheduler.Scheduler) *ChannelMessages {
	return &ChannelMessages{sched: sched}
}

type scheduleOptions struct {
	instance string
}

type ScheduleOption func(*scheduleOptions)

// WithInstance overrides the random instance id with a caller-chosen one,
// making the schedule call idempotent for that id.
func WithInstance(instance string) ScheduleOption {
	return func(o *scheduleOptions) {
		o.instance = instance
	}
}

func (c *ChannelMessages) Schedule(ctx context.Context, channelID string, msg Message, at time.Time, options ...ScheduleOption) error {
	opts := scheduleOptions{instance: uuid.NewString()}
	for _, o := range options {
		o(&opts)
	}

	payload, err := encodeChannelMessage(channelID, msg)
	if err != nil {
		return err
	}
	return c.sched.ScheduleOneTime(ctx, TaskChannelMessage, opts.instance, at, payload)
}
