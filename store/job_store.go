package store

import (
	"errors"
	"strings"
	"sync"

	"photoagent/domain"
)

// JobStore is the authoritative record of every job's state. All reads go
// through Get; all state changes go through Update under per-job exclusion.
// A mutation to one job never blocks mutations to unrelated jobs.
type JobStore interface {
	Create(job *domain.Job) error
	Get(id string) (*domain.Job, bool, error)
	Update(id string, fn func(j *domain.Job)) (*domain.Job, bool, error)
}

type memoryEntry struct {
	mu  sync.Mutex
	job *domain.Job
}

// InMemoryJobStore keeps jobs for the process lifetime. Capacity is
// unbounded and nothing survives a restart; a durable backend can replace
// it behind the same interface (see RedisJobStore).
type InMemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[string]*memoryEntry
}

func NewInMemoryJobStore() *InMemoryJobStore {
	return &InMemoryJobStore{jobs: make(map[string]*memoryEntry)}
}

func (s *InMemoryJobStore) Create(job *domain.Job) error {
	if job == nil || strings.TrimSpace(job.ID) == "" {
		return errors.New("job id is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return errors.New("job id already exists: " + job.ID)
	}
	cp := *job
	s.jobs[job.ID] = &memoryEntry{job: &cp}
	return nil
}

func (s *InMemoryJobStore) entry(id string) (*memoryEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.jobs[id]
	return e, ok
}

func (s *InMemoryJobStore) Get(id string) (*domain.Job, bool, error) {
	e, ok := s.entry(strings.TrimSpace(id))
	if !ok {
		return nil, false, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	// Return a copy to avoid accidental mutation/data races outside the lock.
	cp := *e.job
	return &cp, true, nil
}

func (s *InMemoryJobStore) Update(id string, fn func(j *domain.Job)) (*domain.Job, bool, error) {
	if fn == nil {
		return nil, false, errors.New("update fn is nil")
	}
	e, ok := s.entry(strings.TrimSpace(id))
	if !ok {
		return nil, false, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e.job)
	// Return a copy to avoid callers mutating shared state outside the lock.
	cp := *e.job
	return &cp, true, nil
}
