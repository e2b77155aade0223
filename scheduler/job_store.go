package scheduler

import (
	"context"
	"time"
)

// RecurringInstance is the fixed task instance used by recurring jobs.
// A recurring job has exactly one row for its task name at all times.
const RecurringInstance = "recurring"

// JobRecord is the persisted unit of scheduling. It is keyed by
// (TaskName, TaskInstance): the name identifies the job type, the instance
// identifies one occurrence of it. Producers that need idempotent scheduling
// supply a deterministic instance id.
type JobRecord struct {
	TaskName            string
	TaskInstance        string
	Payload             []byte
	ExecutionTime       time.Time
	Picked              bool
	PickedBy            string
	LastSuccess         *time.Time
	LastFailure         *time.Time
	LastHeartbeat       *time.Time
	ConsecutiveFailures int
	Version             int64
	Created             time.Time
}

// Slug returns the composite key of the record.
func (r *JobRecord) Slug() string {
	return r.TaskName + ":" + r.TaskInstance
}

func (r *JobRecord) IsOK() bool {
	return r.ConsecutiveFailures == 0
}

// JobStore represents the durable table of scheduled jobs. All mutation of the
// shared table goes through these operations, each a single atomic storage
// transaction.
type JobStore interface {
	// Create inserts the record, failing with ErrJobAlreadyExists if a record
	// with the same (TaskName, TaskInstance) is already stored.
	Create(context.Context, *JobRecord) error
	// ClaimDue claims one record whose ExecutionTime is not after now and that
	// is either unclaimed or whose claim heartbeat has gone stale. The claim is
	// a compare-and-swap on the record version: it sets Picked/PickedBy,
	// refreshes the heartbeat and bumps Version. Returns ErrJobNotFound when
	// nothing is due and ErrJobNotClaimed when another worker won the race.
	ClaimDue(ctx context.Context, now time.Time, workerID string) (*JobRecord, error)
	// Release clears the claim and writes back the record's new execution time
	// and success/failure bookkeeping, compare-and-swapping on Version.
	Release(context.Context, *JobRecord) error
	// Get returns the stored record or ErrJobNotFound.
	Get(ctx context.Context, taskName, taskInstance string) (*JobRecord, error)
	// Slugs returns the composite keys of all stored records.
	Slugs(context.Context) ([]string, error)
	// Delete removes the record. Completing a one-time job is a delete.
	Delete(ctx context.Context, taskName, taskInstance string) error
	// Clear removes all records.
	Clear(context.Context) error
}
