package store_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gamedaybot/core/scheduler"
	"github.com/gamedaybot/core/trigger"
)

// testJobStore exercises the JobStore contract against a live backend. Every
// backend must pass it unchanged.
func testJobStore(t *testing.T, store scheduler.JobStore) {
	ctx := context.Background()
	require.NoError(t, store.Clear(ctx))
	now := time.Now().UTC().Truncate(time.Millisecond)

	t.Run("create rejects duplicates", func(t *testing.T) {
		rec := newRecord("alpha", "i1", now.Add(time.Hour))
		require.NoError(t, store.Create(ctx, rec))
		err := store.Create(ctx, newRecord("alpha", "i1", now.Add(2*time.Hour)))
		require.True(t, errors.Is(err, scheduler.ErrJobAlreadyExists))

		got, err := store.Get(ctx, "alpha", "i1")
		require.NoError(t, err)
		require.WithinDuration(t, now.Add(time.Hour), got.ExecutionTime, time.Millisecond)
		require.Equal(t, []byte("payload"), got.Payload)
	})

	t.Run("claim picks the earliest due record", func(t *testing.T) {
		require.NoError(t, store.Create(ctx, newRecord("beta", "i1", now.Add(-time.Minute))))
		require.NoError(t, store.Create(ctx, newRecord("gamma", "i1", now.Add(-time.Hour))))

		rec, err := store.ClaimDue(ctx, now, "w1")
		require.NoError(t, err)
		require.Equal(t, "gamma:i1", rec.Slug())
		require.True(t, rec.Picked)
		require.Equal(t, "w1", rec.PickedBy)
		require.NotNil(t, rec.LastHeartbeat)

		rec, err = store.ClaimDue(ctx, now, "w1")
		require.NoError(t, err)
		require.Equal(t, "beta:i1", rec.Slug())

		// alpha is an hour out
		_, err = store.ClaimDue(ctx, now, "w1")
		require.True(t, errors.Is(err, scheduler.ErrJobNotFound))

		require.NoError(t, store.Delete(ctx, "beta", "i1"))
		require.NoError(t, store.Delete(ctx, "gamma", "i1"))
	})

	t.Run("release bumps the version and requeues", func(t *testing.T) {
		require.NoError(t, store.Create(ctx, newRecord("delta", "i1", now.Add(-time.Second))))

		rec, err := store.ClaimDue(ctx, now, "w1")
		require.NoError(t, err)
		require.Equal(t, "delta:i1", rec.Slug())
		claimedVersion := rec.Version

		success := now
		rec.Picked = false
		rec.PickedBy = ""
		rec.LastSuccess = &success
		rec.ExecutionTime = now.Add(-time.Millisecond)
		require.NoError(t, store.Release(ctx, rec))

		got, err := store.Get(ctx, "delta", "i1")
		require.NoError(t, err)
		require.False(t, got.Picked)
		require.Greater(t, got.Version, claimedVersion)
		require.NotNil(t, got.LastSuccess)
		require.True(t, got.IsOK())

		// a second release with the stale version must lose
		err = store.Release(ctx, rec)
		require.True(t, errors.Is(err, scheduler.ErrJobNotClaimed))

		require.NoError(t, store.Delete(ctx, "delta", "i1"))
	})

	t.Run("claimed records stay invisible until stale", func(t *testing.T) {
		require.NoError(t, store.Create(ctx, newRecord("epsilon", "i1", now.Add(-time.Second))))

		_, err := store.ClaimDue(ctx, now, "w1")
		require.NoError(t, err)

		_, err = store.ClaimDue(ctx, now.Add(time.Second), "w2")
		require.True(t, errors.Is(err, scheduler.ErrJobNotFound))

		// past the staleness window the claim is up for grabs again
		rec, err := store.ClaimDue(ctx, now.Add(time.Hour), "w2")
		require.NoError(t, err)
		require.Equal(t, "epsilon:i1", rec.Slug())
		require.Equal(t, "w2", rec.PickedBy)

		require.NoError(t, store.Delete(ctx, "epsilon", "i1"))
	})

	t.Run("slugs delete clear", func(t *testing.T) {
		require.NoError(t, store.Create(ctx, newRecord("beta", "i1", now.Add(time.Hour))))

		slugs, err := store.Slugs(ctx)
		require.NoError(t, err)
		require.ElementsMatch(t, []string{"alpha:i1", "beta:i1"}, slugs)

		require.NoError(t, store.Delete(ctx, "alpha", "i1"))
		err = store.Delete(ctx, "alpha", "i1")
		require.True(t, errors.Is(err, scheduler.ErrJobNotFound))
		_, err = store.Get(ctx, "alpha", "i1")
		require.True(t, errors.Is(err, scheduler.ErrJobNotFound))

		require.NoError(t, store.Clear(ctx))
		slugs, err = store.Slugs(ctx)
		require.NoError(t, err)
		require.Empty(t, slugs)
	})
}

// testScheduler runs a short end-to-end pass against a live backend.
func testScheduler(t *testing.T, store scheduler.JobStore) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, store.Clear(ctx))

	sched := scheduler.New(store, scheduler.WithPollInterval(100*time.Millisecond))

	done := make(chan string, 8)
	good := callbackJob("good", func() error { return nil }, done)
	bad := callbackJob("bad", func() error { return errors.New("boom") }, done)

	trig, err := trigger.NewCronTrigger("* * * * * *", "UTC")
	require.NoError(t, err)
	require.NoError(t, sched.RegisterRecurring(ctx, bad, trig))
	require.NoError(t, sched.RegisterOneTime(good))

	require.NoError(t, sched.Start(ctx))
	require.NoError(t, sched.ScheduleOneTime(ctx, "good", "i1", time.Now(), nil))

	seen := map[string]bool{}
	deadline := time.After(5 * time.Second)
	for !seen["good"] || !seen["bad"] {
		select {
		case name := <-done:
			seen[name] = true
		case <-deadline:
			t.Fatalf("timed out waiting for executions, seen %v", seen)
		}
	}

	require.Eventually(t, func() bool {
		slugs, err := sched.JobSlugs(ctx)
		return err == nil && len(slugs) == 1 && slugs[0] == "bad:recurring"
	}, 5*time.Second, 100*time.Millisecond)

	rec, err := store.Get(ctx, "bad", scheduler.RecurringInstance)
	require.NoError(t, err)
	require.False(t, rec.IsOK())
	require.GreaterOrEqual(t, rec.ConsecutiveFailures, 1)
}

func newRecord(name, instance string, at time.Time) *scheduler.JobRecord {
	return &scheduler.JobRecord{
		TaskName:      name,
		TaskInstance:  instance,
		Payload:       []byte("payload"),
		ExecutionTime: at,
		Created:       time.Now().UTC().Truncate(time.Millisecond),
	}
}

type funcJob struct {
	name string
	fn   func() error
	done chan<- string
}

func callbackJob(name string, fn func() error, done chan<- string) scheduler.Job {
	return &funcJob{name: name, fn: fn, done: done}
}

func (j *funcJob) Name() string {
	return j.name
}

func (j *funcJob) Execute(context.Context, *scheduler.JobRecord) error {
	err := j.fn()
	select {
	case j.done <- j.name:
	default:
	}
	if err != nil {
		return fmt.Errorf("job '%s': %w", j.name, err)
	}
	return nil
}
