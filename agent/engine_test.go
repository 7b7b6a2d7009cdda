package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"photoagent/domain"
	"photoagent/store"
)

func startConfirmableJob(t *testing.T, svc *Service) (jobID, blockchainIdentifier string) {
	t.Helper()
	w := doStartJob(t, svc, "purchaser-1", "modern office with natural light")
	if w.Code != http.StatusOK {
		t.Fatalf("start_job code=%d body=%s", w.Code, w.Body.String())
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	return resp["job_id"].(string), resp["blockchainIdentifier"].(string)
}

func TestConfirmationRunsPipelineToCompletion(t *testing.T) {
	fp := &fakePayments{}
	fr := &fakeRunner{result: "=== DOWNLOAD URLS ===\nhttps://images.pexels.com/photo-1.jpg"}
	svc, st := newTestService(fp, fr)

	jobID, bcID := startConfirmableJob(t, svc)
	svc.HandlePaymentConfirmed(jobID, bcID)

	job, ok, _ := st.Get(jobID)
	if !ok {
		t.Fatal("job vanished")
	}
	if job.Status != domain.JobStatusCompleted {
		t.Fatalf("status=%q error=%q", job.Status, job.Error)
	}
	if job.Result != fr.result {
		t.Fatalf("result=%q", job.Result)
	}
	if _, _, completes := fp.counts(); completes != 1 {
		t.Fatalf("completes=%d", completes)
	}

	// Terminal jobs are no longer monitored, so a status query must not
	// reach for the payment service again.
	_, checksBefore, _ := fp.counts()
	w, sresp := doStatus(t, svc, jobID)
	if w.Code != http.StatusOK {
		t.Fatalf("status code=%d", w.Code)
	}
	if _, checksAfter, _ := fp.counts(); checksAfter != checksBefore {
		t.Fatalf("payment checked after terminal state")
	}
	if sresp.Status != "completed" || sresp.Result != fr.result {
		t.Fatalf("status=%q result=%q", sresp.Status, sresp.Result)
	}
}

func TestDuplicateConfirmationIsNoOp(t *testing.T) {
	fp := &fakePayments{}
	fr := &fakeRunner{result: "photos"}
	svc, st := newTestService(fp, fr)

	jobID, bcID := startConfirmableJob(t, svc)
	svc.HandlePaymentConfirmed(jobID, bcID)
	svc.HandlePaymentConfirmed(jobID, bcID)

	if fr.runCount() != 1 {
		t.Fatalf("pipeline ran %d times", fr.runCount())
	}
	if _, _, completes := fp.counts(); completes != 1 {
		t.Fatalf("completes=%d", completes)
	}
	job, _, _ := st.Get(jobID)
	if job.Status != domain.JobStatusCompleted {
		t.Fatalf("status=%q", job.Status)
	}
}

func TestConcurrentConfirmationsSingleWinner(t *testing.T) {
	fp := &fakePayments{}
	fr := &fakeRunner{result: "photos"}
	svc, _ := newTestService(fp, fr)

	jobID, bcID := startConfirmableJob(t, svc)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			svc.HandlePaymentConfirmed(jobID, bcID)
		}()
	}
	wg.Wait()

	if fr.runCount() != 1 {
		t.Fatalf("pipeline ran %d times", fr.runCount())
	}
}

func TestConfirmationForUnknownJob(t *testing.T) {
	fr := &fakeRunner{}
	svc, _ := newTestService(&fakePayments{}, fr)

	svc.HandlePaymentConfirmed("no-such-job", "bc-x")
	if fr.runCount() != 0 {
		t.Fatalf("pipeline ran for unknown job")
	}
}

func TestPipelineFailureMarksJobFailed(t *testing.T) {
	fp := &fakePayments{}
	fr := &fakeRunner{err: errors.New("curate stage: provider unavailable")}
	svc, st := newTestService(fp, fr)

	jobID, bcID := startConfirmableJob(t, svc)
	svc.HandlePaymentConfirmed(jobID, bcID)

	job, _, _ := st.Get(jobID)
	if job.Status != domain.JobStatusFailed {
		t.Fatalf("status=%q", job.Status)
	}
	if !strings.Contains(job.Error, "provider unavailable") {
		t.Fatalf("error=%q", job.Error)
	}
	if job.Result != "" {
		t.Fatalf("failed job carries a result: %q", job.Result)
	}
	// A failed run must not be reported as a delivered result.
	if _, _, completes := fp.counts(); completes != 0 {
		t.Fatalf("completes=%d", completes)
	}

	_, sresp := doStatus(t, svc, jobID)
	if sresp.Status != "failed" || sresp.Result != "" {
		t.Fatalf("status=%q result=%q", sresp.Status, sresp.Result)
	}
}

// hangingRunner blocks until its context is cancelled.
type hangingRunner struct{}

func (hangingRunner) Run(ctx context.Context, prompt string) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestPipelineTimeoutMarksJobFailed(t *testing.T) {
	fp := &fakePayments{}
	st := store.NewInMemoryJobStore()
	opts := testOptions()
	opts.PipelineTimeout = 20 * time.Millisecond
	svc := NewService(st, fp, hangingRunner{}, nil, opts)

	jobID, bcID := startConfirmableJob(t, svc)
	svc.HandlePaymentConfirmed(jobID, bcID)

	job, _, _ := st.Get(jobID)
	if job.Status != domain.JobStatusFailed {
		t.Fatalf("status=%q", job.Status)
	}
	if !strings.Contains(job.Error, "deadline exceeded") {
		t.Fatalf("error=%q", job.Error)
	}
}

func TestCompletionReportFailureMarksJobFailed(t *testing.T) {
	fp := &fakePayments{completeErr: errors.New("submit-result rejected")}
	fr := &fakeRunner{result: "photos"}
	svc, st := newTestService(fp, fr)

	jobID, bcID := startConfirmableJob(t, svc)
	svc.HandlePaymentConfirmed(jobID, bcID)

	job, _, _ := st.Get(jobID)
	if job.Status != domain.JobStatusFailed {
		t.Fatalf("status=%q", job.Status)
	}
	if !strings.Contains(job.Error, "completion report failed") {
		t.Fatalf("error=%q", job.Error)
	}
}

// replayStore mimics the Redis store's optimistic-concurrency retry: the
// first Update invokes fn on a stale awaiting_payment snapshot, commits a
// competing transition to running, then re-invokes fn on the committed
// state before returning it.
type replayStore struct {
	store.JobStore
	replayed bool
}

func (r *replayStore) Update(id string, fn func(j *domain.Job)) (*domain.Job, bool, error) {
	if !r.replayed {
		r.replayed = true
		stale, ok, err := r.JobStore.Get(id)
		if err != nil || !ok {
			return stale, ok, err
		}
		fn(stale) // first attempt, discarded with the failed transaction
		return r.JobStore.Update(id, func(j *domain.Job) {
			j.Status = domain.JobStatusRunning
			j.PaymentStatus = "confirmed"
			fn(j) // retry observes the committed state
		})
	}
	return r.JobStore.Update(id, fn)
}

func TestConfirmationUpdateRetryStaysNoOp(t *testing.T) {
	fp := &fakePayments{}
	fr := &fakeRunner{result: "photos"}
	rs := &replayStore{JobStore: store.NewInMemoryJobStore()}
	svc := NewService(rs, fp, fr, nil, testOptions())

	if err := rs.JobStore.Create(&domain.Job{
		ID:                   "job-1",
		Status:               domain.JobStatusAwaitingPayment,
		BlockchainIdentifier: "bc-1",
		Prompt:               "modern office with natural light",
	}); err != nil {
		t.Fatal(err)
	}

	// Another replica's transition commits between this caller's first
	// attempt and its retry; the retry loses and must do nothing.
	svc.HandlePaymentConfirmed("job-1", "bc-1")

	if fr.runCount() != 0 {
		t.Fatalf("loser of the update retry ran the pipeline %d time(s)", fr.runCount())
	}
	if _, _, completes := fp.counts(); completes != 0 {
		t.Fatalf("completes=%d", completes)
	}
	job, _, _ := rs.JobStore.Get("job-1")
	if job.Status != domain.JobStatusRunning {
		t.Fatalf("status=%q", job.Status)
	}
}

// fakeLock implements ExecLock with scripted acquire behavior.
type fakeLock struct {
	mu         sync.Mutex
	acquireErr error
	acquireOK  bool
	acquires   int
	refreshes  int
	releases   int
}

func (f *fakeLock) Key(jobID string) string { return "lock:" + jobID }

func (f *fakeLock) Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquires++
	if f.acquireErr != nil {
		return false, f.acquireErr
	}
	return f.acquireOK, nil
}

func (f *fakeLock) Refresh(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	return true, nil
}

func (f *fakeLock) Release(ctx context.Context, key, token string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases++
	return true, nil
}

func (f *fakeLock) stats() (acquires, refreshes, releases int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acquires, f.refreshes, f.releases
}

func TestLockAcquireFailureFailsJob(t *testing.T) {
	fp := &fakePayments{}
	fr := &fakeRunner{result: "photos"}
	fl := &fakeLock{acquireErr: errors.New("connection refused")}
	st := store.NewInMemoryJobStore()
	svc := NewService(st, fp, fr, fl, testOptions())

	jobID, bcID := startConfirmableJob(t, svc)
	svc.HandlePaymentConfirmed(jobID, bcID)

	job, _, _ := st.Get(jobID)
	if job.Status != domain.JobStatusFailed {
		t.Fatalf("job left in %q instead of a terminal state", job.Status)
	}
	if !strings.Contains(job.Error, "execution lock") {
		t.Fatalf("error=%q", job.Error)
	}
	if fr.runCount() != 0 {
		t.Fatalf("pipeline ran without the lock")
	}
	acquires, _, _ := fl.stats()
	if acquires != lockAcquireAttempts {
		t.Fatalf("acquires=%d", acquires)
	}
	if svc.monitors.Has(jobID) {
		t.Fatalf("monitor left registered for a terminal job")
	}
}

func TestLockHeldElsewhereFailsJob(t *testing.T) {
	fp := &fakePayments{}
	fl := &fakeLock{acquireOK: false}
	st := store.NewInMemoryJobStore()
	svc := NewService(st, fp, &fakeRunner{result: "photos"}, fl, testOptions())

	jobID, bcID := startConfirmableJob(t, svc)
	svc.HandlePaymentConfirmed(jobID, bcID)

	job, _, _ := st.Get(jobID)
	if job.Status != domain.JobStatusFailed {
		t.Fatalf("status=%q", job.Status)
	}
	if !strings.Contains(job.Error, "held by another run") {
		t.Fatalf("error=%q", job.Error)
	}
}

// sleepRunner holds the pipeline open long enough for lock refreshes.
type sleepRunner struct {
	d time.Duration
}

func (r sleepRunner) Run(ctx context.Context, prompt string) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(r.d):
		return "photos", nil
	}
}

func TestLockRefreshedDuringPipelineRun(t *testing.T) {
	fp := &fakePayments{}
	fl := &fakeLock{acquireOK: true}
	st := store.NewInMemoryJobStore()
	opts := testOptions()
	opts.LockTTL = 30 * time.Millisecond
	svc := NewService(st, fp, sleepRunner{d: 120 * time.Millisecond}, fl, opts)

	jobID, bcID := startConfirmableJob(t, svc)
	svc.HandlePaymentConfirmed(jobID, bcID)

	job, _, _ := st.Get(jobID)
	if job.Status != domain.JobStatusCompleted {
		t.Fatalf("status=%q error=%q", job.Status, job.Error)
	}
	_, refreshes, releases := fl.stats()
	if refreshes == 0 {
		t.Fatalf("lock never refreshed during a run longer than its ttl")
	}
	if releases != 1 {
		t.Fatalf("releases=%d", releases)
	}
}

// flakyStore fails selected Update calls with a transient error.
type flakyStore struct {
	store.JobStore
	mu        sync.Mutex
	calls     int
	failCalls map[int]bool
}

func (f *flakyStore) Update(id string, fn func(j *domain.Job)) (*domain.Job, bool, error) {
	f.mu.Lock()
	f.calls++
	fail := f.failCalls[f.calls]
	f.mu.Unlock()
	if fail {
		return nil, false, errors.New("connection reset")
	}
	return f.JobStore.Update(id, fn)
}

func TestTerminalWriteRetriedOnStoreError(t *testing.T) {
	fp := &fakePayments{}
	fr := &fakeRunner{result: "photos"}
	// Call 1 is the running transition; calls 2 and 3 are the first two
	// terminal-write attempts.
	fs := &flakyStore{
		JobStore:  store.NewInMemoryJobStore(),
		failCalls: map[int]bool{2: true, 3: true},
	}
	svc := NewService(fs, fp, fr, nil, testOptions())

	jobID, bcID := startConfirmableJob(t, svc)
	svc.HandlePaymentConfirmed(jobID, bcID)

	job, ok, _ := fs.JobStore.Get(jobID)
	if !ok {
		t.Fatal("job vanished")
	}
	if job.Status != domain.JobStatusCompleted {
		t.Fatalf("terminal transition lost: status=%q", job.Status)
	}
	if job.Result != "photos" {
		t.Fatalf("result=%q", job.Result)
	}
}

func TestFastConfirmationLeavesNoMonitor(t *testing.T) {
	fp := &fakePayments{statusValue: "FundsLocked"}
	fr := &fakeRunner{result: "photos"}
	st := store.NewInMemoryJobStore()
	opts := testOptions()
	opts.PollInterval = 2 * time.Millisecond
	svc := NewService(st, fp, fr, nil, opts)

	jobID, _ := startConfirmableJob(t, svc)

	deadline := time.Now().Add(2 * time.Second)
	for {
		job, _, _ := st.Get(jobID)
		if job.Status.Terminal() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job never reached a terminal state")
		}
		time.Sleep(2 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	if svc.monitors.Has(jobID) {
		t.Fatalf("monitor registered after terminal state")
	}
}
