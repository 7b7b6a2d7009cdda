package masumi

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Callback receives the blockchain identifier of a confirmed payment. The
// monitor invokes it at most once, however many polls report the payment
// as confirmed.
type Callback func(blockchainIdentifier string)

// StatusChecker is the slice of Client a monitor needs.
type StatusChecker interface {
	CheckPaymentStatus(ctx context.Context, blockchainIdentifier string) (string, error)
}

// Monitor watches one payment until confirmation or Stop. One monitor is
// started per job and must be stopped exactly once when the job reaches a
// terminal state, otherwise the poller leaks for the process lifetime.
type Monitor struct {
	client               StatusChecker
	blockchainIdentifier string
	interval             time.Duration

	done     chan struct{}
	stopOnce sync.Once
	fireOnce sync.Once
}

// NewMonitor builds a monitor without starting it. Register the monitor
// wherever it must be findable, then Start it: a callback may fire on the
// first poll, and anything it does (stopping the monitor included) must
// already see the registration.
func NewMonitor(client StatusChecker, blockchainIdentifier string, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Monitor{
		client:               client,
		blockchainIdentifier: strings.TrimSpace(blockchainIdentifier),
		interval:             interval,
		done:                 make(chan struct{}),
	}
}

// Start launches the polling loop. Call at most once. When a poll reports
// a confirmed state, cb fires (once) and polling ends; the monitor still
// must be Stopped by the owner to release it from any registry.
func (m *Monitor) Start(cb Callback) {
	go m.loop(cb)
}

// StartMonitor builds and immediately starts a monitor. Only suitable when
// nothing needs to find the monitor before its first poll.
func StartMonitor(client StatusChecker, blockchainIdentifier string, interval time.Duration, cb Callback) *Monitor {
	m := NewMonitor(client, blockchainIdentifier, interval)
	m.Start(cb)
	return m
}

func (m *Monitor) loop(cb Callback) {
	t := time.NewTicker(m.interval)
	defer t.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-t.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		status, err := m.client.CheckPaymentStatus(ctx, m.blockchainIdentifier)
		cancel()
		if err != nil {
			// transient: keep polling
			slog.Warn("payment monitor poll failed", "blockchainIdentifier", m.blockchainIdentifier, "err", err)
			continue
		}
		if !Confirmed(status) {
			continue
		}
		if cb != nil {
			m.fireOnce.Do(func() { cb(m.blockchainIdentifier) })
		}
		return
	}
}

// Stop ends polling. Safe to call more than once and from any goroutine.
func (m *Monitor) Stop() {
	if m == nil {
		return
	}
	m.stopOnce.Do(func() { close(m.done) })
}

// Registry maps job id -> payment monitor. Its contents stay consistent
// with job terminal state: once a job is terminal its monitor is removed.
type Registry struct {
	mu       sync.Mutex
	monitors map[string]*Monitor
}

func NewRegistry() *Registry {
	return &Registry{monitors: make(map[string]*Monitor)}
}

func (r *Registry) Add(jobID string, m *Monitor) {
	if r == nil || m == nil || strings.TrimSpace(jobID) == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.monitors[jobID] = m
}

// Has reports whether a monitor is still registered for the job, i.e. a
// payment-status check is still meaningful.
func (r *Registry) Has(jobID string) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.monitors[jobID]
	return ok
}

// Remove stops and unregisters the job's monitor. Returns false when no
// monitor was registered (already removed, or never started).
func (r *Registry) Remove(jobID string) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	m, ok := r.monitors[jobID]
	delete(r.monitors, jobID)
	r.mu.Unlock()
	if !ok {
		return false
	}
	m.Stop()
	return true
}
