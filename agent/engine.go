package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"photoagent/domain"
	"photoagent/execlock"
	"photoagent/obs"
)

const (
	lockAcquireAttempts   = 3
	lockAcquireDelay      = 250 * time.Millisecond
	terminalWriteAttempts = 3
	terminalWriteDelay    = 250 * time.Millisecond
)

// HandlePaymentConfirmed is the confirmation callback: the only trigger
// that starts pipeline execution. The transition awaiting_payment -> running
// is a single check-and-set inside the store's locked Update, so a
// duplicate or retried confirmation observes a non-initial status and does
// nothing.
func (s *Service) HandlePaymentConfirmed(jobID, blockchainIdentifier string) {
	started := false
	job, ok, err := s.store.Update(jobID, func(j *domain.Job) {
		// The store may re-invoke this fn on optimistic-concurrency
		// retries; only the final invocation's outcome counts.
		started = false
		if j.Status != domain.JobStatusAwaitingPayment {
			return
		}
		j.Status = domain.JobStatusRunning
		j.PaymentStatus = "confirmed"
		started = true
	})
	if err != nil {
		slog.Error("confirmation: store update failed", "job", jobID, "err", err)
		return
	}
	if !ok {
		slog.Warn("confirmation for unknown job", "job", jobID, "blockchainIdentifier", blockchainIdentifier)
		return
	}
	if !started {
		slog.Info("duplicate payment confirmation ignored", "job", jobID, "status", job.Status)
		return
	}

	// With the Redis store and multiple replicas, the CAS above already
	// admits one winner per store, but an execution lock keeps the pipeline
	// single-flight even if two processes share a confirmation race window.
	// This goroutine won the CAS and owns the job, so an unobtainable lock
	// must land it in a terminal state rather than abandon it in running.
	if s.lock != nil {
		release, lockErr := s.acquireExecLock(jobID)
		if lockErr != nil {
			s.finish(jobID, "", "execution lock: "+lockErr.Error())
			return
		}
		defer release()
	}

	slog.Info("payment confirmed, executing pipeline", "job", jobID, "blockchainIdentifier", blockchainIdentifier)

	result, runErr := s.runPipeline(job.Prompt)
	if runErr != nil {
		s.finish(jobID, "", "pipeline failed: "+runErr.Error())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	completeErr := s.payments.CompletePayment(ctx, blockchainIdentifier, result)
	cancel()
	if completeErr != nil {
		// The payment side would never release funds if this were swallowed.
		s.finish(jobID, "", "completion report failed: "+completeErr.Error())
		return
	}

	s.finish(jobID, result, "")
}

func (s *Service) runPipeline(prompt string) (string, error) {
	ctx := context.Background()
	if s.opts.PipelineTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.PipelineTimeout)
		defer cancel()
	}
	start := time.Now()
	result, err := s.pipeline.Run(ctx, prompt)
	obs.RecordPipelineRun(start, err)
	return result, err
}

// finish applies the terminal transition and stops payment monitoring for
// the job exactly once. errMsg empty means success. A transient store
// failure here would strand the job in running, so the write is retried
// and any final failure is reported, never swallowed.
func (s *Service) finish(jobID, result, errMsg string) {
	var (
		ok  bool
		err error
	)
	for attempt := 0; attempt < terminalWriteAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(terminalWriteDelay)
		}
		_, ok, err = s.store.Update(jobID, func(j *domain.Job) {
			if j.Status.Terminal() {
				return
			}
			if errMsg != "" {
				j.Status = domain.JobStatusFailed
				j.Error = errMsg
				return
			}
			j.Status = domain.JobStatusCompleted
			j.Result = result
			j.PaymentStatus = "completed"
		})
		if err == nil {
			break
		}
		slog.Warn("terminal transition write failed", "job", jobID, "attempt", attempt+1, "err", err)
	}
	s.monitors.Remove(jobID)
	if err != nil {
		slog.Error("terminal transition lost, job stranded in running", "job", jobID, "err", err, "jobError", errMsg)
		return
	}
	if !ok {
		slog.Error("terminal transition for unknown job", "job", jobID)
		return
	}
	if errMsg != "" {
		slog.Error("job failed", "job", jobID, "err", errMsg)
		return
	}
	slog.Info("job completed", "job", jobID)
}

// acquireExecLock takes the per-job execution lock, retrying briefly, and
// keeps it refreshed until the returned release func is called. A pipeline
// run may outlive the lock TTL, so the lock is re-upped on a fraction of
// the TTL for the duration of the run.
func (s *Service) acquireExecLock(jobID string) (func(), error) {
	token, err := execlock.Token()
	if err != nil {
		return nil, err
	}
	key := s.lock.Key(jobID)
	ttl := s.opts.LockTTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}

	acquired := false
	for attempt := 0; attempt < lockAcquireAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(lockAcquireDelay)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		ok, aerr := s.lock.Acquire(ctx, key, token, ttl)
		cancel()
		if aerr != nil {
			err = aerr
			continue
		}
		if ok {
			acquired = true
			err = nil
			break
		}
		err = fmt.Errorf("held by another run")
	}
	if !acquired {
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}

	stop := make(chan struct{})
	go s.refreshExecLock(key, token, ttl, stop)
	return func() {
		close(stop)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = s.lock.Release(ctx, key, token)
	}, nil
}

func (s *Service) refreshExecLock(key, token string, ttl time.Duration, stop chan struct{}) {
	t := time.NewTicker(ttl / 3)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		ok, err := s.lock.Refresh(ctx, key, token, ttl)
		cancel()
		if err != nil {
			slog.Warn("execution lock refresh failed", "key", key, "err", err)
			continue
		}
		if !ok {
			slog.Warn("execution lock lost", "key", key)
			return
		}
	}
}
