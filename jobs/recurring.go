package jobs

import (
	"context"
	"fmt"

	"github.com/gamedaybot/core/scheduler"
	"github.com/gamedaybot/core/trigger"
)

// CallbackJob adapts a zero-argument collaborator callback to the
// scheduler.Job interface. The recurring automation jobs are all of this
// shape: the engine guarantees when they run, the collaborator decides what
// running means.
type CallbackJob struct {
	name string
	fn   func(context.Context) error
}

func NewCallbackJob(name string, fn func(context.Context) error) *CallbackJob {
	return &CallbackJob{name: name, fn: fn}
}

func (j *CallbackJob) Name() string {
	return j.name
}

func (j *CallbackJob) Execute(ctx context.Context, _ *scheduler.JobRecord) error {
	return j.fn(ctx)
}

// Collaborators are the external callbacks the job set delegates to.
type Collaborators struct {
	// SettleBets settles the previous week's bets. Mondays 02:00 Central.
	SettleBets func(context.Context) error
	// PostPickem posts the weekly pick'em listing. Tuesdays 02:00 Central.
	PostPickem func(context.Context) error
	// BackupDatabase runs the backup routine. Hourly.
	BackupDatabase func(context.Context) error
	// Gateway delivers channel messages and reminders.
	Gateway Gateway
	// Logger is used by the delivery jobs; nil falls back to the standard
	// library logger.
	Logger scheduler.Logger
}

// RegisterAll registers the full job set with the scheduler: the three
// recurring automation jobs on their cron schedules, and the two one-time
// delivery job templates. Must be called before the scheduler starts.
func RegisterAll(ctx context.Context, sched *scheduler.Scheduler, c Collaborators) error {
	recurring := []struct {
		name string
		cron string
		fn   func(context.Context) error
	}{
		{TaskBetProcessing, cronBetProcessing, c.SettleBets},
		{TaskPickemPost, cronPickemPost, c.PostPickem},
		{TaskDatabaseBackup, cronDatabaseBackup, c.BackupDatabase},
	}

	for _, r := range recurring {
		trig, err := trigger.NewCronTrigger(r.cron, ZoneCentral)
		if err != nil {
			return fmt.Errorf("building trigger for '%s': %w", r.name, err)
		}
		if err := sched.RegisterRecurring(ctx, NewCallbackJob(r.name, r.fn), trig); err != nil {
			return fmt.Errorf("registering '%s': %w", r.name, err)
		}
	}

	if err := sched.RegisterOneTime(NewChannelMessageJob(c.Gateway, c.Logger)); err != nil {
		return fmt.Errorf("registering '%s': %w", TaskChannelMessage, err)
	}
	if err := sched.RegisterOneTime(NewReminderJob(c.Gateway, c.Logger)); err != nil {
		return fmt.Errorf("registering '%s': %w", TaskReminder, err)
	}

	return nil
}
