package trigger

import (
	"fmt"
	"time"
)

// Trigger is the mechanism by which recurring jobs are rescheduled: given the
// current time it produces the next instant at which the job should fire.
type Trigger interface {
	// NextFireTime returns the next time, strictly after prev, at which the
	// Trigger is scheduled to fire.
	NextFireTime(prev time.Time) (time.Time, error)

	// Description returns a Trigger description.
	Description() string
}

// SimpleTrigger implements the Trigger interface using a fixed time.Duration
// interval.
type SimpleTrigger struct {
	Interval time.Duration
}

// NewSimpleTrigger returns a new SimpleTrigger.
func NewSimpleTrigger(interval time.Duration) *SimpleTrigger {
	return &SimpleTrigger{interval}
}

// NextFireTime returns the next time at which the SimpleTrigger is scheduled to fire.
func (st *SimpleTrigger) NextFireTime(prev time.Time) (time.Time, error) {
	return prev.Add(st.Interval), nil
}

// Description returns a SimpleTrigger description.
func (st *SimpleTrigger) Description() string {
	return fmt.Sprintf("SimpleTrigger with the interval %s.", st.Interval)
}
