// Package jobs defines the bot's job set: three cron-driven automation jobs
// and two one-time message-delivery job templates, plus the facades producers
// use to schedule the latter. The actual bet settlement, pick'em posting,
// backup routine and Discord delivery live outside this module and are
// injected as collaborators.
package jobs

import (
	"context"
	"errors"
)

// Task names. Stable: they are the registry keys and half of every row's
// primary key, so renaming one orphans its persisted rows.
const (
	TaskBetProcessing  = "bet-processing"
	TaskPickemPost     = "nfl-pickem-post-weekly"
	TaskDatabaseBackup = "database-backup-hourly"
	TaskChannelMessage = "channel-message-send"
	TaskReminder       = "reminder-send"
)

// ZoneCentral is the zone all recurring schedules are expressed in.
const ZoneCentral = "America/Chicago"

const (
	cronBetProcessing  = "0 0 2 * * MON"
	cronPickemPost     = "0 0 2 * * TUE"
	cronDatabaseBackup = "0 0 * * * *"
)

// ErrChannelNotFound is returned by a Gateway when the destination channel no
// longer exists. Delivery jobs treat it as a logged no-op, not a failure:
// retrying a message for a deleted channel is meaningless.
var ErrChannelNotFound = errors.New("channel not found")

// Message is the renderable content handed to the gateway. It is plain data;
// turning it into a platform-specific embed is the gateway adapter's problem.
type Message struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Footer      string `json:"footer,omitempty"`
	ImageURL    string `json:"image_url,omitempty"`
	Text        string `json:"text,omitempty"`
}

// Gateway delivers a rendered message to a channel.
type Gateway interface {
	SendMessage(ctx context.Context, channelID string, msg Message) error
}
