// Package orchestrator ties watcher lifecycle, scheduling, health
// supervision, and approval execution into one process with persisted
// resumption state and signal-based shutdown.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"vigil/internal/action"
	"vigil/internal/alert"
	"vigil/internal/approval"
	"vigil/internal/audit"
	"vigil/internal/health"
	"vigil/internal/lock"
	"vigil/internal/logging"
	"vigil/internal/model"
	"vigil/internal/schedule"
	"vigil/internal/watcher"
)

// Phase is the orchestrator's lifecycle state.
type Phase string

const (
	PhaseStopped      Phase = "stopped"
	PhaseStarting     Phase = "starting"
	PhaseRunning      Phase = "running"
	PhaseShuttingDown Phase = "shutting_down"
)

// SourceEntry registers one perception source with the orchestrator.
type SourceEntry struct {
	Source  watcher.Source
	Enabled bool
}

// Options carries the collaborators the orchestrator composes. Registries and
// job bindings are immutable once passed in; there is no package-level state.
type Options struct {
	Sources  []SourceEntry
	Jobs     []schedule.Job
	Registry *action.Registry

	// LogWriter overrides the log file destination for testing.
	LogWriter io.Writer
}

type watcherEntry struct {
	w       *watcher.Watcher
	enabled bool
}

// Orchestrator owns the control loop. All shared mutable resources (state
// file, ledgers, queue directories) have exactly one writer role.
type Orchestrator struct {
	baseDir string
	cfg     model.Config

	watchers []watcherEntry
	jobs     []schedule.Job
	runner   *schedule.Runner
	monitor  *health.Monitor
	executor *approval.Executor
	audit    *audit.Logger
	alerter  *alert.Alerter
	logger   *logging.Logger
	logFile  io.Closer

	fileLock  *lock.FileLock
	statePath string

	mu       sync.Mutex
	phase    Phase
	state    model.OrchestratorState
	lastRuns map[string]time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	fsw      *fsnotify.Watcher
	ticker   *time.Ticker
	loops    *errgroup.Group
	wg       sync.WaitGroup
	shutdown sync.Once
}

// New wires an orchestrator over baseDir. The directory layout must already
// exist (see setup.Run).
func New(baseDir string, cfg model.Config, opts Options) (*Orchestrator, error) {
	level := logging.ParseLevel(cfg.Logging.Level)

	var (
		logWriter io.Writer
		logCloser io.Closer
	)
	if opts.LogWriter != nil {
		logWriter = opts.LogWriter
	} else {
		logPath := filepath.Join(baseDir, "logs", "vigil.log")
		if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		logWriter = f
		logCloser = f
	}
	logger := logging.New(logWriter, level, "orchestrator")

	auditLog, err := audit.NewLogger(filepath.Join(baseDir, "logs", "audit"))
	if err != nil {
		return nil, err
	}
	alerter := alert.NewAlerter(filepath.Join(baseDir, "alerts"), logger.Std())
	lockMap := lock.NewMutexMap()

	registry := opts.Registry
	if registry == nil {
		registry = action.NewRegistry()
	}

	ctx, cancel := context.WithCancel(context.Background())

	o := &Orchestrator{
		baseDir:   baseDir,
		cfg:       cfg,
		jobs:      opts.Jobs,
		runner:    schedule.NewRunner(auditLog, logger.Named("scheduler")),
		audit:     auditLog,
		alerter:   alerter,
		logger:    logger,
		logFile:   logCloser,
		fileLock:  lock.NewFileLock(filepath.Join(baseDir, "locks", "daemon.lock")),
		statePath: filepath.Join(baseDir, "state", "orchestrator.yaml"),
		phase:     PhaseStopped,
		lastRuns:  make(map[string]time.Time),
		ctx:       ctx,
		cancel:    cancel,
	}

	queueDir := filepath.Join(baseDir, "queue")
	pollInterval := time.Duration(cfg.Watcher.PollIntervalSec) * time.Second
	for _, entry := range opts.Sources {
		ledgerPath := filepath.Join(baseDir, "ledgers", entry.Source.Name()+".yaml")
		ledger, err := watcher.LoadLedger(baseDir, ledgerPath, entry.Source.Name(), cfg.Watcher.LedgerCap)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("load ledger for %s: %w", entry.Source.Name(), err)
		}
		w := watcher.New(entry.Source, queueDir, ledger, pollInterval, auditLog,
			logger.Named("watcher:"+entry.Source.Name()))
		o.watchers = append(o.watchers, watcherEntry{w: w, enabled: entry.Enabled})
	}

	execLedger, err := watcher.LoadLedger(baseDir,
		filepath.Join(baseDir, "ledgers", "approval.yaml"), "approval", cfg.Watcher.LedgerCap)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("load approval ledger: %w", err)
	}
	o.executor = approval.NewExecutor(baseDir, approval.DefaultDirs(baseDir), registry,
		execLedger, cfg.Approval, auditLog, alerter, lockMap, logger.Named("approval"))

	o.monitor = health.NewMonitor(
		time.Duration(cfg.Health.RestartBackoffSec)*time.Second,
		cfg.Health.BreakerThreshold,
		time.Duration(cfg.Health.BreakerWindowMin)*time.Minute,
		o.restartWatcher, alerter, auditLog, logger.Named("health"))

	return o, nil
}

// Phase returns the current lifecycle phase.
func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

func (o *Orchestrator) setPhase(p Phase) {
	o.mu.Lock()
	o.phase = p
	o.mu.Unlock()
	o.logger.Infof("phase=%s", p)
}

// Run starts the daemon and blocks until shutdown completes.
func (o *Orchestrator) Run() error {
	o.setPhase(PhaseStarting)

	if err := o.fileLock.TryLock(); err != nil {
		o.setPhase(PhaseStopped)
		return fmt.Errorf("daemon lock: %w", err)
	}
	o.logger.Infof("daemon starting pid=%d", os.Getpid())

	o.loadState()
	o.startEnabledWatchers()

	snapshot := o.monitor.Snapshot(o.targets())
	for _, st := range snapshot {
		o.logger.Infof("watcher=%s alive=%t", st.Name, st.Alive)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		o.Shutdown()
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	o.fsw = fsw
	for _, dir := range []string{filepath.Join(o.baseDir, "approved"), filepath.Join(o.baseDir, "rejected")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			o.Shutdown()
			return fmt.Errorf("ensure dir %s: %w", dir, err)
		}
		if err := fsw.Add(dir); err != nil {
			o.Shutdown()
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	tickInterval := time.Duration(o.cfg.Daemon.TickIntervalSec) * time.Second
	if tickInterval <= 0 {
		tickInterval = 30 * time.Second
	}
	o.ticker = time.NewTicker(tickInterval)

	o.loops = &errgroup.Group{}
	o.loops.Go(func() error { o.fsnotifyLoop(); return nil })
	o.loops.Go(func() error { o.tickerLoop(); return nil })

	o.setPhase(PhaseRunning)

	o.waitSignals()
	return nil
}

func (o *Orchestrator) fsnotifyLoop() {
	for {
		select {
		case <-o.ctx.Done():
			return
		case event, ok := <-o.fsw.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Rename) {
				o.logger.Debugf("fsnotify event=%s file=%s", event.Op, event.Name)
				o.executor.HandleFileEvent(o.ctx, event.Name)
			}
		case err, ok := <-o.fsw.Errors:
			if !ok {
				return
			}
			o.logger.Errorf("fsnotify error=%v", err)
		}
	}
}

// tickerLoop owns every tick, including the initial one, so ticks never
// overlap: a tick that outlasts the interval delays the next tick instead of
// running concurrently with it.
func (o *Orchestrator) tickerLoop() {
	o.tickSafe()
	for {
		select {
		case <-o.ctx.Done():
			return
		case <-o.ticker.C:
			o.tickSafe()
		}
	}
}

func (o *Orchestrator) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		o.logger.Infof("received signal=%s, initiating graceful shutdown", sig)
	case <-o.ctx.Done():
	}

	o.Shutdown()
}

// Shutdown performs graceful shutdown. Idempotent and bounded-time: loops
// that fail to drain inside the timeout are abandoned.
func (o *Orchestrator) Shutdown() {
	o.shutdown.Do(func() {
		o.setPhase(PhaseShuttingDown)

		o.cancel()
		if o.ticker != nil {
			o.ticker.Stop()
		}
		if o.fsw != nil {
			o.fsw.Close()
		}
		for _, entry := range o.watchers {
			entry.w.Shutdown()
		}

		timeout := time.Duration(o.cfg.Daemon.ShutdownTimeoutSec) * time.Second
		if timeout <= 0 {
			timeout = 30 * time.Second
		}

		done := make(chan struct{})
		go func() {
			if o.loops != nil {
				o.loops.Wait()
			}
			o.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			o.logger.Infof("all loops drained")
		case <-time.After(timeout):
			o.logger.Warnf("shutdown timeout after %s, some operations may be incomplete", timeout)
		}

		for _, st := range o.monitor.Snapshot(o.targets()) {
			o.logger.Infof("final watcher=%s alive=%t restarts=%d", st.Name, st.Alive, st.Restarts)
		}
		o.persistState()

		o.fileLock.Unlock()
		o.audit.Close()
		if o.logFile != nil {
			o.logFile.Close()
		}
		o.setPhase(PhaseStopped)
	})
}
