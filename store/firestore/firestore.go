// Package firestore provides a Firestore JobStore, for deployments that would
// rather not run a SQL database. One document per (task_name, task_instance);
// claims are version compare-and-swaps inside Firestore transactions.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	gfs "cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/gamedaybot/core/scheduler"
)

const (
	deleteBatchSize  = 100
	defaultStaleness = 5 * time.Minute
)

type Entry struct {
	TaskName            string    `firestore:"task_name"`
	TaskInstance        string    `firestore:"task_instance"`
	TaskData            []byte    `firestore:"task_data,omitempty"`
	ExecutionTime       time.Time `firestore:"execution_time"`
	Picked              bool      `firestore:"picked"`
	PickedBy            string    `firestore:"picked_by,omitempty"`
	LastSuccess         time.Time `firestore:"last_success,omitempty"`
	LastFailure         time.Time `firestore:"last_failure,omitempty"`
	LastHeartbeat       time.Time `firestore:"last_heartbeat,omitempty"`
	ConsecutiveFailures int       `firestore:"consecutive_failures,omitempty"`
	Version             int64     `firestore:"version"`
	Created             time.Time `firestore:"created"`
}

// claimable reports whether the entry is due and either unclaimed or
// abandoned (heartbeat older than the staleness cutoff).
func (e *Entry) claimable(now time.Time, staleness time.Duration) bool {
	if e.ExecutionTime.After(now) {
		return false
	}
	if !e.Picked {
		return true
	}
	return !e.LastHeartbeat.IsZero() && e.LastHeartbeat.Before(now.Add(-staleness))
}

func toEntry(r *scheduler.JobRecord) *Entry {
	e := &Entry{
		TaskName:            r.TaskName,
		TaskInstance:        r.TaskInstance,
		TaskData:            r.Payload,
		ExecutionTime:       r.ExecutionTime.UTC(),
		Picked:              r.Picked,
		PickedBy:            r.PickedBy,
		ConsecutiveFailures: r.ConsecutiveFailures,
		Version:             r.Version,
		Created:             r.Created.UTC(),
	}
	if r.LastSuccess != nil {
		e.LastSuccess = r.LastSuccess.UTC()
	}
	if r.LastFailure != nil {
		e.LastFailure = r.LastFailure.UTC()
	}
	if r.LastHeartbeat != nil {
		e.LastHeartbeat = r.LastHeartbeat.UTC()
	}
	return e
}

func fromEntry(e *Entry) *scheduler.JobRecord {
	if e == nil {
		return nil
	}
	r := &scheduler.JobRecord{
		TaskName:            e.TaskName,
		TaskInstance:        e.TaskInstance,
		Payload:             e.TaskData,
		ExecutionTime:       e.ExecutionTime.UTC(),
		Picked:              e.Picked,
		PickedBy:            e.PickedBy,
		ConsecutiveFailures: e.ConsecutiveFailures,
		Version:             e.Version,
		Created:             e.Created.UTC(),
	}
	if !e.LastSuccess.IsZero() {
		t := e.LastSuccess.UTC()
		r.LastSuccess = &t
	}
	if !e.LastFailure.IsZero() {
		t := e.LastFailure.UTC()
		r.LastFailure = &t
	}
	if !e.LastHeartbeat.IsZero() {
		t := e.LastHeartbeat.UTC()
		r.LastHeartbeat = &t
	}
	return r
}

type StoreOption func(*Store)

func CollectionPathOption(collectionPath string) StoreOption {
	return func(s *Store) {
		s.collectionPath = collectionPath
	}
}

func StalenessOption(d time.Duration) StoreOption {
	return func(s *Store) {
		s.staleness = d
	}
}

// Store is a firestore job store.
type Store struct {
	client         *gfs.Client
	staleness      time.Duration
	collectionPath string
}

func New(firestoreClient *gfs.Client, options ...StoreOption) *Store {
	s := &Store{
		client:         firestoreClient,
		staleness:      defaultStaleness,
		collectionPath: "scheduled_jobs",
	}

	for _, o := range options {
		o(s)
	}

	return s
}

func (s *Store) collectionRef() *gfs.CollectionRef {
	return s.client.Collection(s.collectionPath)
}

func (s *Store) docRef(taskName, taskInstance string) *gfs.DocumentRef {
	return s.collectionRef().Doc(taskName + ":" + taskInstance)
}

func (s *Store) Create(ctx context.Context, rec *scheduler.JobRecord) error {
	entry := toEntry(rec)
	_, err := s.docRef(rec.TaskName, rec.TaskInstance).Create(ctx, entry)
	if status.Code(err) == codes.AlreadyExists {
		return scheduler.ErrJobAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("failed to schedule '%s': %w", rec.Slug(), err)
	}

	return nil
}

// ClaimDue walks the documents ordered by execution time and transactionally
// claims the first claimable one.
//
// Firestore requires the first order field to match any inequality filter, so
// the staleness condition cannot go into the query itself; with the expected
// handful of rows, filtering client-side is fine.
func (s *Store) ClaimDue(ctx context.Context, now time.Time, workerID string) (*scheduler.JobRecord, error) {
	now = now.UTC()

	iter := s.collectionRef().
		OrderBy("execution_time", gfs.Asc).
		Documents(ctx)

	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			return nil, scheduler.ErrJobNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("failed selecting due task: %w", err)
		}
		entry := &Entry{}
		err = doc.DataTo(entry)
		if err != nil {
			return nil, fmt.Errorf("failed to convert doc to entry on claim: %w", err)
		}
		if entry.ExecutionTime.After(now) {
			// ordered by execution time, nothing further can be due
			return nil, scheduler.ErrJobNotFound
		}
		if !entry.claimable(now, s.staleness) {
			continue
		}

		claimed, err := s.update(ctx, entry.TaskName, entry.TaskInstance, entry.Version, func(e *Entry) (*Entry, error) {
			e.Picked = true
			e.PickedBy = workerID
			e.LastHeartbeat = now
			return e, nil
		})
		if errors.Is(err, errOptimisticLocking) {
			return nil, scheduler.ErrJobNotClaimed
		}
		if err != nil {
			return nil, fmt.Errorf("failed to claim '%s:%s': %w", entry.TaskName, entry.TaskInstance, err)
		}
		return fromEntry(claimed), nil
	}
}

func (s *Store) Release(ctx context.Context, rec *scheduler.JobRecord) error {
	_, err := s.update(ctx, rec.TaskName, rec.TaskInstance, rec.Version, func(_ *Entry) (*Entry, error) {
		e := toEntry(rec)
		e.Picked = false
		e.PickedBy = ""
		e.LastHeartbeat = time.Time{}
		return e, nil
	})
	if errors.Is(err, errOptimisticLocking) {
		return fmt.Errorf("failed to release '%s': %w", rec.Slug(), scheduler.ErrJobNotClaimed)
	}
	if err != nil {
		return fmt.Errorf("failed to release '%s': %w", rec.Slug(), err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, taskName, taskInstance string) (*scheduler.JobRecord, error) {
	doc, err := s.docRef(taskName, taskInstance).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, scheduler.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get '%s:%s': %w", taskName, taskInstance, err)
	}
	entry := &Entry{}
	err = doc.DataTo(entry)
	if err != nil {
		return nil, fmt.Errorf("failed to convert doc to entry on get: %w", err)
	}

	return fromEntry(entry), nil
}

func (s *Store) Slugs(ctx context.Context) ([]string, error) {
	var slugs []string
	iter := s.collectionRef().Documents(ctx)
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get slugs: %w", err)
		}
		entry := &Entry{}
		err = doc.DataTo(entry)
		if err != nil {
			return nil, fmt.Errorf("failed to convert doc to entry on getting slugs: %w", err)
		}
		slugs = append(slugs, entry.TaskName+":"+entry.TaskInstance)
	}
	return slugs, nil
}

func (s *Store) Delete(ctx context.Context, taskName, taskInstance string) error {
	_, err := s.docRef(taskName, taskInstance).Delete(ctx)
	if err != nil {
		return fmt.Errorf("failed to delete '%s:%s': %w", taskName, taskInstance, err)
	}
	return nil
}

func (s *Store) Clear(ctx context.Context) error {
	for {
		// delete in batches until the collection is empty
		iter := s.collectionRef().Limit(deleteBatchSize).Documents(ctx)
		numDeleted := 0

		batch := s.client.Batch()
		for {
			doc, err := iter.Next()
			if err == iterator.Done {
				break
			}
			if err != nil {
				return fmt.Errorf("failed to iterate on batch delete: %w", err)
			}

			batch.Delete(doc.Ref)
			numDeleted++
		}

		if numDeleted == 0 {
			return nil
		}

		_, err := batch.Commit(ctx)
		if err != nil {
			return fmt.Errorf("failed to batch delete: %w", err)
		}
	}
}

var errOptimisticLocking = errors.New("job was changed by another process")

func (s *Store) update(ctx context.Context, taskName, taskInstance string, version int64, updateFn func(*Entry) (*Entry, error)) (*Entry, error) {
	ref := s.docRef(taskName, taskInstance)
	entry := &Entry{}
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *gfs.Transaction) error {
		doc, err := tx.Get(ref)
		if err != nil {
			return err
		}
		if err := doc.DataTo(entry); err != nil {
			return err
		}
		if entry.Version != version {
			return errOptimisticLocking
		}
		entry, err = updateFn(entry)
		if err != nil {
			return err
		}
		entry.Version++
		return tx.Set(ref, entry)
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}
