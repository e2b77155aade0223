// Package memory provides an in-memory JobStore, mainly for tests and demos.
// Unclaimed records sit in a priority queue ordered by execution time; claimed
// records are parked in a side map until released or completed.
package memory

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gamedaybot/core/scheduler"
)

const defaultStaleness = 5 * time.Minute

type MemStore struct {
	mu        sync.Mutex
	queue     *PriorityQueue
	claimed   map[string]*MemEntry
	staleness time.Duration
}

type StoreOption func(*MemStore)

// StalenessOption sets how old a claim heartbeat may be before the claim is
// considered abandoned and the record claimable again.
func StalenessOption(d time.Duration) StoreOption {
	return func(s *MemStore) {
		s.staleness = d
	}
}

func New(options ...StoreOption) *MemStore {
	s := &MemStore{
		queue:     &PriorityQueue{},
		claimed:   map[string]*MemEntry{},
		staleness: defaultStaleness,
	}
	for _, o := range options {
		o(s)
	}

	return s
}

func (s *MemStore) Create(_ context.Context, rec *scheduler.JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.find(rec.TaskName, rec.TaskInstance) != nil {
		return fmt.Errorf("create task '%s': %w", rec.Slug(), scheduler.ErrJobAlreadyExists)
	}

	cp := *rec
	heap.Push(s.queue, &MemEntry{JobRecord: &cp})

	return nil
}

func (s *MemStore) ClaimDue(_ context.Context, now time.Time, workerID string) (*scheduler.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.queue.Len() > 0 && !s.queue.Head().ExecutionTime.After(now) {
		entry := heap.Pop(s.queue).(*MemEntry)
		s.claim(entry, now, workerID)
		s.claimed[entry.Slug()] = entry
		cp := *entry.JobRecord
		return &cp, nil
	}

	// look for abandoned claims
	cutoff := now.Add(-s.staleness)
	for _, entry := range s.claimed {
		if entry.LastHeartbeat != nil && entry.LastHeartbeat.Before(cutoff) {
			s.claim(entry, now, workerID)
			cp := *entry.JobRecord
			return &cp, nil
		}
	}

	return nil, scheduler.ErrJobNotFound
}

func (s *MemStore) claim(entry *MemEntry, now time.Time, workerID string) {
	entry.Picked = true
	entry.PickedBy = workerID
	hb := now
	entry.LastHeartbeat = &hb
	entry.Version++
}

func (s *MemStore) Release(_ context.Context, rec *scheduler.JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.claimed[rec.Slug()]
	if !ok {
		return fmt.Errorf("release task '%s': %w", rec.Slug(), scheduler.ErrJobNotFound)
	}
	if entry.Version != rec.Version {
		return fmt.Errorf("release task '%s': %w", rec.Slug(), scheduler.ErrJobNotClaimed)
	}

	delete(s.claimed, rec.Slug())
	cp := *rec
	cp.Version++
	heap.Push(s.queue, &MemEntry{JobRecord: &cp})

	return nil
}

func (s *MemStore) Get(_ context.Context, taskName, taskInstance string) (*scheduler.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.find(taskName, taskInstance)
	if entry == nil {
		return nil, fmt.Errorf("get task '%s:%s': %w", taskName, taskInstance, scheduler.ErrJobNotFound)
	}
	cp := *entry.JobRecord
	return &cp, nil
}

func (s *MemStore) Slugs(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	slugs := make([]string, 0, s.queue.Len()+len(s.claimed))
	for _, entry := range *s.queue {
		slugs = append(slugs, entry.Slug())
	}
	for k := range s.claimed {
		slugs = append(slugs, k)
	}

	return slugs, nil
}

func (s *MemStore) Delete(_ context.Context, taskName, taskInstance string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, entry := range *s.queue {
		if entry.TaskName == taskName && entry.TaskInstance == taskInstance {
			s.queue.Remove(i)
			return nil
		}
	}

	slug := taskName + ":" + taskInstance
	if _, ok := s.claimed[slug]; ok {
		delete(s.claimed, slug)
		return nil
	}

	return fmt.Errorf("delete task '%s': %w", slug, scheduler.ErrJobNotFound)
}

func (s *MemStore) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.queue = &PriorityQueue{}
	s.claimed = map[string]*MemEntry{}

	return nil
}

func (s *MemStore) find(taskName, taskInstance string) *MemEntry {
	for _, entry := range *s.queue {
		if entry.TaskName == taskName && entry.TaskInstance == taskInstance {
			return entry
		}
	}
	return s.claimed[taskName+":"+taskInstance]
}

type MemEntry struct {
	*scheduler.JobRecord
	index int
}

// PriorityQueue implements the heap.Interface.
type PriorityQueue []*MemEntry

// Len returns the PriorityQueue length.
func (pq PriorityQueue) Len() int { return len(pq) }

// Less is the items less comparator.
func (pq PriorityQueue) Less(i, j int) bool {
	return pq[i].ExecutionTime.Before(pq[j].ExecutionTime)
}

// Swap exchanges the indexes of the items.
func (pq PriorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

// Push implements the heap.Interface.Push.
// Adds x as element Len().
func (pq *PriorityQueue) Push(x interface{}) {
	n := len(*pq)
	entry := x.(*MemEntry)
	entry.index = n
	*pq = append(*pq, entry)
}

// Pop implements the heap.Interface.Pop.
// Removes and returns element Len() - 1.
func (pq *PriorityQueue) Pop() interface{} {
	old := *pq
	n := len(old)
	entry := old[n-1]
	entry.index = -1 // for safety
	*pq = old[0 : n-1]
	return entry
}

// Head returns the first entry of a PriorityQueue without removing it.
func (pq *PriorityQueue) Head() *MemEntry {
	return (*pq)[0]
}

// Remove removes and returns the element at index i from the PriorityQueue.
func (pq *PriorityQueue) Remove(i int) *MemEntry {
	return heap.Remove(pq, i).(*MemEntry)
}
