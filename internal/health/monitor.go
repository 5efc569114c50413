// Package health supervises watcher liveness. A dead-but-enabled watcher gets
// one restart attempt per pass, with a short fixed backoff; a circuit breaker
// stops auto-restarts for a watcher that keeps dying, so a restart storm can
// never mask a persistent failure.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"vigil/internal/alert"
	"vigil/internal/audit"
	"vigil/internal/logging"
)

const (
	DefaultRestartBackoff   = 2 * time.Second
	DefaultBreakerThreshold = 5
	DefaultBreakerWindow    = 10 * time.Minute
)

// Target is a supervised component.
type Target interface {
	Name() string
	Alive() bool
}

// RestartFunc restarts the named target. Supplied by the orchestrator.
type RestartFunc func(ctx context.Context, name string) error

// Status is one target's state as of a monitor pass.
type Status struct {
	Name      string `json:"name"`
	Alive     bool   `json:"alive"`
	Broken    bool   `json:"broken"`
	Restarts  int    `json:"restarts"`
	Restarted bool   `json:"restarted,omitempty"`
}

type Monitor struct {
	backoff   time.Duration
	threshold int
	window    time.Duration
	restart   RestartFunc
	alerter   *alert.Alerter
	audit     *audit.Logger
	logger    *logging.Logger

	mu       sync.Mutex
	restarts map[string][]time.Time
	broken   map[string]bool
	now      func() time.Time
}

func NewMonitor(backoff time.Duration, threshold int, window time.Duration, restart RestartFunc, alerter *alert.Alerter, auditLog *audit.Logger, logger *logging.Logger) *Monitor {
	if backoff <= 0 {
		backoff = DefaultRestartBackoff
	}
	if threshold <= 0 {
		threshold = DefaultBreakerThreshold
	}
	if window <= 0 {
		window = DefaultBreakerWindow
	}
	return &Monitor{
		backoff:   backoff,
		threshold: threshold,
		window:    window,
		restart:   restart,
		alerter:   alerter,
		audit:     auditLog,
		logger:    logger,
		restarts:  make(map[string][]time.Time),
		broken:    make(map[string]bool),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Snapshot reports liveness without attempting any restart.
func (m *Monitor) Snapshot(targets []Target) []Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	statuses := make([]Status, 0, len(targets))
	for _, t := range targets {
		statuses = append(statuses, Status{
			Name:     t.Name(),
			Alive:    t.Alive(),
			Broken:   m.broken[t.Name()],
			Restarts: len(m.restarts[t.Name()]),
		})
	}
	return statuses
}

// Check samples each target and restarts dead ones unless their breaker is
// open. Restart attempts within the window are counted; more restarts than
// the threshold opens the breaker and raises one operator alert.
func (m *Monitor) Check(ctx context.Context, targets []Target) []Status {
	statuses := make([]Status, 0, len(targets))
	for _, t := range targets {
		statuses = append(statuses, m.checkOne(ctx, t))
	}
	return statuses
}

func (m *Monitor) checkOne(ctx context.Context, t Target) Status {
	name := t.Name()

	m.mu.Lock()
	broken := m.broken[name]
	count := len(m.pruneLocked(name))
	m.mu.Unlock()

	st := Status{Name: name, Alive: t.Alive(), Broken: broken, Restarts: count}
	if st.Alive || broken {
		return st
	}

	if count > m.threshold {
		m.trip(name, count)
		st.Broken = true
		return st
	}

	m.logger.Warnf("watcher dead name=%s, restarting after %s backoff", name, m.backoff)
	select {
	case <-ctx.Done():
		return st
	case <-time.After(m.backoff):
	}

	m.mu.Lock()
	m.restarts[name] = append(m.pruneLocked(name), m.now())
	st.Restarts = len(m.restarts[name])
	m.mu.Unlock()

	if err := m.restart(ctx, name); err != nil {
		m.logger.Errorf("restart failed name=%s error=%v", name, err)
		if aerr := m.audit.Failure("health", "watcher_restarted", name, err, nil); aerr != nil {
			m.logger.Warnf("audit append failed ref=%s error=%v", name, aerr)
		}
		return st
	}

	st.Restarted = true
	if err := m.audit.Success("health", "watcher_restarted", name, map[string]any{
		"restarts_in_window": st.Restarts,
	}); err != nil {
		m.logger.Warnf("audit append failed ref=%s error=%v", name, err)
	}
	return st
}

func (m *Monitor) trip(name string, count int) {
	m.mu.Lock()
	already := m.broken[name]
	m.broken[name] = true
	m.mu.Unlock()
	if already {
		return
	}

	msg := fmt.Sprintf("watcher %s restarted %d times within %s; auto-restart paused", name, count, m.window)
	m.logger.Errorf("circuit breaker open name=%s", name)
	if _, err := m.alerter.Raise(alert.KindCircuitOpen, name, msg, map[string]any{
		"restarts":   count,
		"window_min": int(m.window.Minutes()),
	}); err != nil {
		m.logger.Errorf("raise alert failed name=%s error=%v", name, err)
	}
	if err := m.audit.Append(audit.Entry{
		Actor: "health", Action: "circuit_open", Ref: name, Result: "failure",
		Details: map[string]any{"restarts": count},
	}); err != nil {
		m.logger.Warnf("audit append failed ref=%s error=%v", name, err)
	}
}

// Reset closes the breaker for name and clears its restart history. Operator
// action, via the CLI.
func (m *Monitor) Reset(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.broken, name)
	delete(m.restarts, name)
}

// pruneLocked drops restart timestamps older than the window. Caller holds mu.
func (m *Monitor) pruneLocked(name string) []time.Time {
	cutoff := m.now().Add(-m.window)
	kept := m.restarts[name][:0]
	for _, ts := range m.restarts[name] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	m.restarts[name] = kept
	return kept
}
