package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gamedaybot/core/scheduler"
	"github.com/gamedaybot/core/store/memory"
	"github.com/gamedaybot/core/trigger"
)

// countingJob counts executions and fails on demand.
type countingJob struct {
	name string
	err  error

	mu    sync.Mutex
	calls int
}

func (j *countingJob) Name() string {
	return j.name
}

func (j *countingJob) Execute(_ context.Context, _ *scheduler.JobRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.calls++
	return j.err
}

func (j *countingJob) Calls() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.calls
}

func eventually(t *testing.T, cond func() bool, waitFor time.Duration, msg string) {
	t.Helper()
	require.Eventually(t, cond, waitFor, 10*time.Millisecond, msg)
}

func TestRecurringJobFiresAndAdvances(t *testing.T) {
	store := memory.New()
	sched := scheduler.New(store, scheduler.WithPollInterval(20*time.Millisecond))

	ping := &countingJob{name: "ping"}
	trig, err := trigger.NewCronTrigger("* * * * * *", "UTC")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, sched.RegisterRecurring(ctx, ping, trig))
	require.NoError(t, sched.Start(ctx))

	eventually(t, func() bool { return ping.Calls() >= 1 }, 2*time.Second, "handler not invoked")

	first, err := store.Get(ctx, "ping", scheduler.RecurringInstance)
	require.NoError(t, err)

	eventually(t, func() bool { return ping.Calls() >= 2 }, 2*time.Second, "handler not re-invoked")

	second, err := store.Get(ctx, "ping", scheduler.RecurringInstance)
	require.NoError(t, err)

	// the recurring row is never deleted, only rescheduled forward
	assert.True(t, second.ExecutionTime.After(first.ExecutionTime) || second.ExecutionTime.Equal(first.ExecutionTime))
	assert.NotNil(t, second.LastSuccess)
	assert.True(t, second.IsOK())
}

func TestScheduleOneTimeIsIdempotent(t *testing.T) {
	store := memory.New()
	sched := scheduler.New(store)

	job := &countingJob{name: "reminder-send"}
	require.NoError(t, sched.RegisterOneTime(job))

	ctx := context.Background()
	at := time.Now().Add(time.Hour)
	require.NoError(t, sched.ScheduleOneTime(ctx, "reminder-send", "abc", at, []byte("one")))
	require.NoError(t, sched.ScheduleOneTime(ctx, "reminder-send", "abc", at, []byte("two")))

	slugs, err := sched.JobSlugs(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"reminder-send:abc"}, slugs)

	// the first write wins
	rec, err := store.Get(ctx, "reminder-send", "abc")
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), rec.Payload)
}

func TestOneTimeJobRunsOnceAndIsRemoved(t *testing.T) {
	store := memory.New()
	sched := scheduler.New(store, scheduler.WithPollInterval(10*time.Millisecond))

	job := &countingJob{name: "one-off"}
	require.NoError(t, sched.RegisterOneTime(job))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sched.Start(ctx))

	require.NoError(t, sched.ScheduleOneTime(ctx, "one-off", "i1", time.Now(), nil))

	eventually(t, func() bool { return job.Calls() == 1 }, 2*time.Second, "job not executed")
	eventually(t, func() bool {
		slugs, err := sched.JobSlugs(ctx)
		return err == nil && len(slugs) == 0
	}, 2*time.Second, "row not removed after completion")
}

func TestRecurringFailureKeepsCadence(t *testing.T) {
	store := memory.New()
	sched := scheduler.New(store, scheduler.WithPollInterval(10*time.Millisecond))

	boom := &countingJob{name: "bet-processing", err: errors.New("boom")}
	trig, err := trigger.NewCronTrigger("0 0 2 * * MON", "America/Chicago")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// a row already due, as if Monday 02:00 just passed
	require.NoError(t, store.Create(ctx, &scheduler.JobRecord{
		TaskName:      "bet-processing",
		TaskInstance:  scheduler.RecurringInstance,
		ExecutionTime: time.Now().Add(-time.Second),
		Created:       time.Now(),
	}))
	require.NoError(t, sched.RegisterRecurring(ctx, boom, trig))

	before, err := trig.NextFireTime(time.Now())
	require.NoError(t, err)
	require.NoError(t, sched.Start(ctx))

	eventually(t, func() bool { return boom.Calls() >= 1 }, 2*time.Second, "handler not invoked")
	eventually(t, func() bool {
		rec, err := store.Get(ctx, "bet-processing", scheduler.RecurringInstance)
		return err == nil && !rec.Picked && rec.ConsecutiveFailures >= 1
	}, 2*time.Second, "failure not recorded")

	rec, err := store.Get(ctx, "bet-processing", scheduler.RecurringInstance)
	require.NoError(t, err)
	assert.NotNil(t, rec.LastFailure)
	assert.Nil(t, rec.LastSuccess)

	// still scheduled at exactly the trigger's next Monday 02:00 Central;
	// "after" only differs from "before" if the test straddled a fire instant
	after, err := trig.NextFireTime(time.Now())
	require.NoError(t, err)
	assert.True(t, rec.ExecutionTime.Equal(before) || rec.ExecutionTime.Equal(after),
		"rescheduled to %s, want %s", rec.ExecutionTime, before)
}

func TestOneTimeFailureRetriesUpToCeiling(t *testing.T) {
	store := memory.New()
	sched := scheduler.New(store,
		scheduler.WithPollInterval(10*time.Millisecond),
		scheduler.WithRetryBackoff(trigger.NewFixedBackoff(20*time.Millisecond, 20*time.Millisecond)),
		scheduler.WithMaxRetries(3),
	)

	job := &countingJob{name: "flaky", err: errors.New("boom")}
	require.NoError(t, sched.RegisterOneTime(job))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sched.Start(ctx))

	require.NoError(t, sched.ScheduleOneTime(ctx, "flaky", "i1", time.Now(), nil))

	eventually(t, func() bool {
		slugs, err := sched.JobSlugs(ctx)
		return err == nil && len(slugs) == 0
	}, 3*time.Second, "row not dropped after exhausting retries")
	assert.Equal(t, 3, job.Calls())
}

func TestRegisterAfterStartFails(t *testing.T) {
	sched := scheduler.New(memory.New())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sched.Start(ctx))

	err := sched.RegisterOneTime(&countingJob{name: "late"})
	require.True(t, errors.Is(err, scheduler.ErrAlreadyStarted))
}

func TestStartTwiceFails(t *testing.T) {
	sched := scheduler.New(memory.New())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, sched.Start(ctx))
	require.True(t, errors.Is(sched.Start(ctx), scheduler.ErrAlreadyStarted))
}

func TestScheduleUnregisteredTaskFails(t *testing.T) {
	sched := scheduler.New(memory.New())

	err := sched.ScheduleOneTime(context.Background(), "ghost", "i1", time.Now(), nil)
	require.True(t, errors.Is(err, scheduler.ErrJobNotRegistered))
}

func TestUnknownTaskNameRowIsDropped(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	// a row left behind by a retired job type
	require.NoError(t, store.Create(ctx, &scheduler.JobRecord{
		TaskName:      "retired",
		TaskInstance:  "i1",
		ExecutionTime: time.Now().Add(-time.Second),
		Created:       time.Now(),
	}))

	sched := scheduler.New(store, scheduler.WithPollInterval(10*time.Millisecond))
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	require.NoError(t, sched.Start(runCtx))

	eventually(t, func() bool {
		slugs, err := store.Slugs(ctx)
		return err == nil && len(slugs) == 0
	}, 2*time.Second, "orphan row not dropped")
}
