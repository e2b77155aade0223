package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/gamedaybot/core/internal/lib"
	"github.com/gamedaybot/core/trigger"
)

var (
	ErrJobNotFound      = errors.New("no job with the given key was found")
	ErrJobNotClaimed    = errors.New("job was claimed by another worker")
	ErrJobAlreadyExists = errors.New("job already exists")
	ErrJobNotRegistered = errors.New("no job registered for the task name")
	ErrAlreadyStarted   = errors.New("scheduler already started")
)

const (
	defaultPollInterval = time.Second
	defaultMaxRetries   = 3
)

// Job is the interface to be implemented by structs which represent a job
// type to be performed. Name is the stable task name the job is registered
// under; Execute is called by the Scheduler with the claimed record.
type Job interface {
	Name() string
	Execute(ctx context.Context, rec *JobRecord) error
}

type registration struct {
	job  Job
	trig trigger.Trigger // nil for one-time job templates
}

// Scheduler claims due jobs from the store and executes their registered
// handlers. It runs a single polling loop; when several processes share one
// store, correctness comes from the store's compare-and-swap claim, not from
// any coordination between them.
//
// The claim heartbeat is written once, at claim time. Handlers must finish
// well inside the store's staleness window (5 minutes by default) or another
// worker may reclaim the row and run the job a second time.
type Scheduler struct {
	store        JobStore
	logger       Logger
	workerID     string
	pollInterval time.Duration
	retryBackoff trigger.Backoff
	maxRetries   int
	now          func() time.Time
	waiter       *lib.Waiter

	mu       sync.RWMutex
	started  bool
	registry map[string]*registration
}

type Option func(*Scheduler)

func WithLogger(l Logger) Option {
	return func(s *Scheduler) {
		s.logger = l
	}
}

func WithWorkerID(id string) Option {
	return func(s *Scheduler) {
		s.workerID = id
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		s.pollInterval = d
	}
}

// WithRetryBackoff sets the backoff policy applied to failed one-time jobs.
func WithRetryBackoff(b trigger.Backoff) Option {
	return func(s *Scheduler) {
		s.retryBackoff = b
	}
}

// WithMaxRetries sets how many consecutive failures a one-time job may
// accumulate before it is dropped.
func WithMaxRetries(n int) Option {
	return func(s *Scheduler) {
		s.maxRetries = n
	}
}

// WithClock injects the time source, so tests can supply arbitrary reference
// times.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

func New(store JobStore, options ...Option) *Scheduler {
	hostname, _ := os.Hostname()
	s := &Scheduler{
		store:        store,
		logger:       stdLogger{},
		workerID:     fmt.Sprintf("%s#%d", hostname, os.Getpid()),
		pollInterval: defaultPollInterval,
		retryBackoff: trigger.NewExponentialBackoff(),
		maxRetries:   defaultMaxRetries,
		now:          time.Now,
		waiter:       lib.NewWaiter(),
		registry:     map[string]*registration{},
	}
	for _, f := range options {
		f(s)
	}

	return s
}

// RegisterRecurring registers the job under its name and ensures its single
// recurring row exists, scheduled at the trigger's next fire time. An already
// existing row is left untouched so restarts never disturb the cadence.
// All jobs must be registered before Start.
func (s *Scheduler) RegisterRecurring(ctx context.Context, job Job, trig trigger.Trigger) error {
	if err := s.register(job, trig); err != nil {
		return err
	}

	next, err := trig.NextFireTime(s.now())
	if err != nil {
		return fmt.Errorf("computing first fire time for '%s': %w", job.Name(), err)
	}
	err = s.store.Create(ctx, &JobRecord{
		TaskName:      job.Name(),
		TaskInstance:  RecurringInstance,
		ExecutionTime: next,
		Created:       s.now(),
	})
	if err != nil && !errors.Is(err, ErrJobAlreadyExists) {
		return fmt.Errorf("creating recurring row for '%s': %w", job.Name(), err)
	}

	return nil
}

// RegisterOneTime registers a one-time job template. Instances of it are
// created later through ScheduleOneTime.
func (s *Scheduler) RegisterOneTime(job Job) error {
	return s.register(job, nil)
}

func (s *Scheduler) register(job Job, trig trigger.Trigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}
	if _, ok := s.registry[job.Name()]; ok {
		return fmt.Errorf("register '%s': %w", job.Name(), ErrJobAlreadyExists)
	}
	s.registry[job.Name()] = &registration{job: job, trig: trig}
	return nil
}

// ScheduleOneTime persists a one-time job instance to run at or after the
// given time. Scheduling an instance that already exists is a no-op, so
// duplicate producer calls with a deterministic instance id are idempotent.
func (s *Scheduler) ScheduleOneTime(ctx context.Context, taskName, taskInstance string, at time.Time, payload []byte) error {
	if taskInstance == "" {
		return fmt.Errorf("schedule '%s': task instance must not be empty", taskName)
	}
	if s.registration(taskName) == nil {
		return fmt.Errorf("schedule '%s': %w", taskName, ErrJobNotRegistered)
	}

	err := s.store.Create(ctx, &JobRecord{
		TaskName:      taskName,
		TaskInstance:  taskInstance,
		Payload:       payload,
		ExecutionTime: at,
		Created:       s.now(),
	})
	if errors.Is(err, ErrJobAlreadyExists) {
		s.logger.Info("task '%s/%s' already scheduled, skipping", taskName, taskInstance)
		return nil
	}
	if err != nil {
		return fmt.Errorf("schedule '%s/%s': %w", taskName, taskInstance, err)
	}

	s.waiter.Poke()
	return nil
}

// Start runs the polling loop until the context is cancelled. The registry is
// frozen from here on. Starting twice returns ErrAlreadyStarted; there must be
// exactly one loop per Scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true

	go s.run(ctx)
	return nil
}

func (s *Scheduler) run(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		wake := s.waiter.Wait()
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
		case <-wake:
		}
		s.drain(ctx)
	}
}

// drain claims and executes due jobs until the store reports none left.
// Execution is synchronous within the tick that claims it: slow handlers delay
// subsequent polls but each record is claimed independently.
func (s *Scheduler) drain(ctx context.Context) {
	for {
		rec, err := s.store.ClaimDue(ctx, s.now(), s.workerID)
		if errors.Is(err, ErrJobNotFound) {
			return
		}
		if errors.Is(err, ErrJobNotClaimed) {
			// another worker won the race, try the next candidate
			continue
		}
		if err != nil {
			// store unavailable: give up this tick, the loop continues
			s.logger.Error("claiming due job: %+v", err)
			return
		}
		s.execute(ctx, rec)
	}
}

func (s *Scheduler) execute(ctx context.Context, rec *JobRecord) {
	reg := s.registration(rec.TaskName)
	if reg == nil {
		s.logger.Warn("no handler registered for task '%s', dropping instance '%s'", rec.TaskName, rec.TaskInstance)
		if err := s.store.Delete(ctx, rec.TaskName, rec.TaskInstance); err != nil {
			s.logger.Error("dropping unregistered task '%s': %+v", rec.Slug(), err)
		}
		return
	}

	if err := reg.job.Execute(ctx, rec); err != nil {
		s.fail(ctx, reg, rec, err)
		return
	}

	if reg.trig == nil {
		// one-time: the row is removed on success
		if err := s.store.Delete(ctx, rec.TaskName, rec.TaskInstance); err != nil {
			s.logger.Error("completing task '%s': %+v", rec.Slug(), err)
		}
		return
	}

	now := s.now()
	next, err := reg.trig.NextFireTime(now)
	if err != nil {
		s.logger.Error("task '%s' trigger yields no next fire time, dropping: %+v", rec.Slug(), err)
		if err := s.store.Delete(ctx, rec.TaskName, rec.TaskInstance); err != nil {
			s.logger.Error("dropping task '%s': %+v", rec.Slug(), err)
		}
		return
	}
	rec.ExecutionTime = next
	rec.Picked = false
	rec.PickedBy = ""
	rec.LastSuccess = &now
	rec.ConsecutiveFailures = 0
	if err := s.store.Release(ctx, rec); err != nil {
		s.logger.Error("rescheduling task '%s': %+v", rec.Slug(), err)
	}
}

func (s *Scheduler) fail(ctx context.Context, reg *registration, rec *JobRecord, cause error) {
	now := s.now()
	rec.LastFailure = &now
	rec.ConsecutiveFailures++
	s.logger.Error("task '%s' failed (attempt %d): %+v", rec.Slug(), rec.ConsecutiveFailures, cause)

	if reg.trig != nil {
		// a bad run must never stop the cadence
		next, err := reg.trig.NextFireTime(now)
		if err != nil {
			s.logger.Error("task '%s' trigger yields no next fire time after failure: %+v", rec.Slug(), err)
			return
		}
		rec.ExecutionTime = next
		rec.Picked = false
		rec.PickedBy = ""
		if err := s.store.Release(ctx, rec); err != nil {
			s.logger.Error("rescheduling failed task '%s': %+v", rec.Slug(), err)
		}
		return
	}

	if rec.ConsecutiveFailures >= s.maxRetries {
		s.logger.Error("task '%s' exceeded %d attempts, giving up", rec.Slug(), s.maxRetries)
		if err := s.store.Delete(ctx, rec.TaskName, rec.TaskInstance); err != nil {
			s.logger.Error("dropping task '%s': %+v", rec.Slug(), err)
		}
		return
	}

	next, err := s.retryBackoff.NextRetryTime(now, rec.ConsecutiveFailures)
	if err != nil {
		s.logger.Error("task '%s' retry policy exhausted, giving up: %+v", rec.Slug(), err)
		if err := s.store.Delete(ctx, rec.TaskName, rec.TaskInstance); err != nil {
			s.logger.Error("dropping task '%s': %+v", rec.Slug(), err)
		}
		return
	}
	rec.ExecutionTime = next
	rec.Picked = false
	rec.PickedBy = ""
	if err := s.store.Release(ctx, rec); err != nil {
		s.logger.Error("releasing failed task '%s': %+v", rec.Slug(), err)
	}
}

func (s *Scheduler) registration(taskName string) *registration {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.registry[taskName]
}

// GetRecord returns the stored record for the given key.
func (s *Scheduler) GetRecord(ctx context.Context, taskName, taskInstance string) (*JobRecord, error) {
	return s.store.Get(ctx, taskName, taskInstance)
}

// JobSlugs returns the composite keys of all of the scheduled jobs.
func (s *Scheduler) JobSlugs(ctx context.Context) ([]string, error) {
	return s.store.Slugs(ctx)
}

// DeleteJob removes the job instance from the execution queue.
func (s *Scheduler) DeleteJob(ctx context.Context, taskName, taskInstance string) error {
	return s.store.Delete(ctx, taskName, taskInstance)
}

// Clear removes all of the scheduled jobs.
func (s *Scheduler) Clear(ctx context.Context) error {
	return s.store.Clear(ctx)
}
