package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/gamedaybot/core/scheduler"
)

// ChannelMessageJob delivers a pre-rendered message to a channel. Implements
// the scheduler.Job interface.
type ChannelMessageJob struct {
	gateway Gateway
	logger  scheduler.Logger
}

func NewChannelMessageJob(gateway Gateway, logger scheduler.Logger) *ChannelMessageJob {
	if logger == nil {
		logger = scheduler.NewStdLogger()
	}
	return &ChannelMessageJob{gateway: gateway, logger: logger}
}

func (j *ChannelMessageJob) Name() string {
	return TaskChannelMessage
}

func (j *ChannelMessageJob) Execute(ctx context.Context, rec *scheduler.JobRecord) error {
	p, err := decodeChannelMessage(rec.Payload)
	if err != nil {
		return err
	}
	return deliver(ctx, j.gateway, j.logger, p.ChannelID, p.Message)
}

// ReminderJob delivers a reminder notice mentioning the requesting user.
// Implements the scheduler.Job interface.
type ReminderJob struct {
	gateway Gateway
	logger  scheduler.Logger
}

func NewReminderJob(gateway Gateway, logger scheduler.Logger) *ReminderJob {
	if logger == nil {
		logger = scheduler.NewStdLogger()
	}
	return &ReminderJob{gateway: gateway, logger: logger}
}

func (j *ReminderJob) Name() string {
	return TaskReminder
}

func (j *ReminderJob) Execute(ctx context.Context, rec *scheduler.JobRecord) error {
	p, err := decodeReminder(rec.Payload)
	if err != nil {
		return err
	}
	msg := Message{
		Title: "Reminder",
		Text:  fmt.Sprintf("<@%s> %s", p.UserID, p.Text),
	}
	return deliver(ctx, j.gateway, j.logger, p.ChannelID, msg)
}

// deliver sends the message, downgrading a missing channel to a logged
// warning: the content is time-sensitive, so there is nothing useful to retry.
func deliver(ctx context.Context, gateway Gateway, logger scheduler.Logger, channelID string, msg Message) error {
	err := gateway.SendMessage(ctx, channelID, msg)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrChannelNotFound) {
		logger.Warn("channel '%s' not found, message dropped", channelID)
		return nil
	}
	return err
}
