package store

import (
	"sync"
	"testing"
	"time"

	"photoagent/domain"
)

func newJob(id string) *domain.Job {
	return &domain.Job{
		ID:        id,
		Status:    domain.JobStatusAwaitingPayment,
		CreatedAt: time.Now(),
		Prompt:    "modern office with natural light",
	}
}

func TestInMemoryCreateAndGet(t *testing.T) {
	s := NewInMemoryJobStore()
	if err := s.Create(newJob("job-1")); err != nil {
		t.Fatal(err)
	}
	j, ok, err := s.Get("job-1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if j.Status != domain.JobStatusAwaitingPayment {
		t.Fatalf("status=%q", j.Status)
	}
}

func TestInMemoryCreateDuplicateID(t *testing.T) {
	s := NewInMemoryJobStore()
	if err := s.Create(newJob("job-1")); err != nil {
		t.Fatal(err)
	}
	if err := s.Create(newJob("job-1")); err == nil {
		t.Fatalf("expected duplicate id error")
	}
}

func TestInMemoryGetUnknown(t *testing.T) {
	s := NewInMemoryJobStore()
	_, ok, err := s.Get("nope")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatalf("expected not found")
	}
}

func TestInMemoryGetReturnsCopy(t *testing.T) {
	s := NewInMemoryJobStore()
	if err := s.Create(newJob("job-1")); err != nil {
		t.Fatal(err)
	}
	j, _, _ := s.Get("job-1")
	j.Status = domain.JobStatusFailed

	j2, _, _ := s.Get("job-1")
	if j2.Status != domain.JobStatusAwaitingPayment {
		t.Fatalf("mutating a returned job leaked into the store: %q", j2.Status)
	}
}

func TestInMemoryUpdate(t *testing.T) {
	s := NewInMemoryJobStore()
	if err := s.Create(newJob("job-1")); err != nil {
		t.Fatal(err)
	}
	j, ok, err := s.Update("job-1", func(j *domain.Job) {
		j.Status = domain.JobStatusRunning
	})
	if err != nil || !ok {
		t.Fatalf("update: ok=%v err=%v", ok, err)
	}
	if j.Status != domain.JobStatusRunning {
		t.Fatalf("status=%q", j.Status)
	}
}

func TestInMemoryUpdateUnknown(t *testing.T) {
	s := NewInMemoryJobStore()
	_, ok, err := s.Update("nope", func(j *domain.Job) {})
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatalf("expected not found")
	}
}

// Concurrent check-and-set transitions on the same job must admit exactly
// one winner: that is the idempotency guard of the confirmation handler.
func TestInMemoryUpdateConcurrentCAS(t *testing.T) {
	s := NewInMemoryJobStore()
	if err := s.Create(newJob("job-1")); err != nil {
		t.Fatal(err)
	}

	const n = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won := false
			_, _, _ = s.Update("job-1", func(j *domain.Job) {
				if j.Status != domain.JobStatusAwaitingPayment {
					return
				}
				j.Status = domain.JobStatusRunning
				won = true
			})
			if won {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one winning transition, got %d", wins)
	}
}
