package orchestrator

import (
	"context"
	"os"
	"time"

	"vigil/internal/approval"
	"vigil/internal/health"
	"vigil/internal/model"
	"vigil/internal/schedule"
	"vigil/internal/watcher"
	"vigil/internal/yamlfile"
)

// TickResult is the structured outcome of one control-loop tick, returned by
// RunOnce for deterministic testing.
type TickResult struct {
	Tick     int64               `json:"tick"`
	Accepted int                 `json:"accepted"`
	JobsRun  []schedule.Result   `json:"jobs_run,omitempty"`
	Scan     approval.ScanResult `json:"scan"`
	Health   []health.Status     `json:"health,omitempty"`
}

// tickSafe wraps one tick so a single tick's panic is logged and swallowed,
// mirroring the watcher's per-cycle isolation.
func (o *Orchestrator) tickSafe() {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Errorf("tick panic: %v", r)
		}
	}()
	o.tick(o.ctx, false)
}

// tick runs due jobs strictly sequentially, scans decisions, and on the
// configured cadence runs the health pass and persists state.
func (o *Orchestrator) tick(ctx context.Context, snapshotOnly bool) TickResult {
	now := time.Now().UTC()

	o.mu.Lock()
	o.state.TickCount++
	tickNo := o.state.TickCount
	lastRuns := make(map[string]time.Time, len(o.lastRuns))
	for k, v := range o.lastRuns {
		lastRuns[k] = v
	}
	o.mu.Unlock()

	result := TickResult{Tick: tickNo}

	due := schedule.DueJobs(o.jobs, lastRuns, now)
	for _, job := range due {
		res := o.runner.Execute(ctx, job)
		result.JobsRun = append(result.JobsRun, res)
		// Success or failure, the attempt consumed its slot. Stamped at
		// completion so a long job does not shorten the next interval gap.
		o.recordJobRun(job.Name, time.Now().UTC())
	}

	result.Scan = o.executor.Scan(ctx)

	healthEvery := o.cfg.Daemon.HealthEveryTicks
	if healthEvery <= 0 {
		healthEvery = 5
	}
	if snapshotOnly {
		result.Health = o.monitor.Snapshot(o.targets())
	} else if tickNo%int64(healthEvery) == 0 {
		result.Health = o.monitor.Check(ctx, o.targets())
	}

	persistEvery := o.cfg.Daemon.PersistEveryTicks
	if persistEvery <= 0 {
		persistEvery = 5
	}
	if snapshotOnly || tickNo%int64(persistEvery) == 0 {
		o.persistState()
	}

	o.logger.Debugf("tick=%d due_jobs=%d executed=%d failed=%d rejected=%d stale=%d",
		tickNo, len(due), result.Scan.Executed, result.Scan.Failed, result.Scan.Rejected, result.Scan.StaleFlagged)
	return result
}

// RunOnce performs a single deterministic pass: one cycle of every enabled
// watcher, one tick, a health snapshot, then watcher shutdown. No loops are
// started.
func (o *Orchestrator) RunOnce(ctx context.Context) (TickResult, error) {
	o.setPhase(PhaseStarting)
	o.loadState()

	accepted := 0
	for _, entry := range o.watchers {
		if !entry.enabled {
			continue
		}
		accepted += len(entry.w.RunOnce(ctx))
	}

	o.setPhase(PhaseRunning)
	result := o.tick(ctx, true)
	result.Accepted = accepted

	o.setPhase(PhaseShuttingDown)
	for _, entry := range o.watchers {
		entry.w.Shutdown()
	}
	o.persistState()
	o.audit.Close()
	if o.logFile != nil {
		o.logFile.Close()
	}
	o.setPhase(PhaseStopped)
	return result, nil
}

func (o *Orchestrator) recordJobRun(name string, at time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lastRuns[name] = at
	if o.state.LastRunByJob == nil {
		o.state.LastRunByJob = make(map[string]string)
	}
	o.state.LastRunByJob[name] = at.Format(time.RFC3339)
}

func (o *Orchestrator) targets() []health.Target {
	targets := make([]health.Target, 0, len(o.watchers))
	for _, entry := range o.watchers {
		if entry.enabled {
			targets = append(targets, entry.w)
		}
	}
	return targets
}

func (o *Orchestrator) startEnabledWatchers() {
	for _, entry := range o.watchers {
		if entry.enabled {
			o.spawnWatcher(entry.w)
		}
	}
}

func (o *Orchestrator) spawnWatcher(w *watcher.Watcher) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		w.Run(o.ctx)
	}()
}

// restartWatcher is the health monitor's restart hook.
func (o *Orchestrator) restartWatcher(ctx context.Context, name string) error {
	for _, entry := range o.watchers {
		if entry.w.Name() != name || !entry.enabled {
			continue
		}
		o.mu.Lock()
		if o.state.WatcherRestarts == nil {
			o.state.WatcherRestarts = make(map[string]int)
		}
		o.state.WatcherRestarts[name]++
		o.mu.Unlock()

		o.spawnWatcher(entry.w)
		return nil
	}
	return nil
}

// loadState reloads the resumption record. A missing or corrupt file is a
// fresh start, never fatal.
func (o *Orchestrator) loadState() {
	o.mu.Lock()
	defer o.mu.Unlock()

	fresh := model.OrchestratorState{
		SchemaVersion:   yamlfile.CurrentSchemaVersion,
		FileType:        "state_orchestrator",
		StartedAt:       time.Now().UTC().Format(time.RFC3339),
		WatcherRestarts: make(map[string]int),
		LastRunByJob:    make(map[string]string),
	}

	var state model.OrchestratorState
	err := yamlfile.ReadInto(o.statePath, &state)
	switch {
	case os.IsNotExist(err):
		o.state = fresh
		return
	case err != nil:
		// Quarantine the corrupt file and fall back to the .bak the atomic
		// writer keeps; only when that fails too is this a fresh start.
		if rerr := yamlfile.RecoverCorruptedFile(o.baseDir, o.statePath); rerr != nil {
			o.logger.Warnf("state file unreadable, starting fresh: %v (recovery: %v)", err, rerr)
			o.state = fresh
			return
		}
		if rerr := yamlfile.ReadInto(o.statePath, &state); rerr != nil {
			o.logger.Warnf("state backup unreadable, starting fresh: %v", rerr)
			o.state = fresh
			return
		}
		o.logger.Warnf("state file was corrupt, restored from backup: %v", err)
	}

	state.SchemaVersion = yamlfile.CurrentSchemaVersion
	state.FileType = "state_orchestrator"
	state.StartedAt = fresh.StartedAt
	if state.WatcherRestarts == nil {
		state.WatcherRestarts = make(map[string]int)
	}
	if state.LastRunByJob == nil {
		state.LastRunByJob = make(map[string]string)
	}
	o.state = state

	o.lastRuns = make(map[string]time.Time, len(state.LastRunByJob))
	for name, ts := range state.LastRunByJob {
		t, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			o.logger.Warnf("unparseable last_run for job %s: %q", name, ts)
			continue
		}
		o.lastRuns[name] = t.UTC()
	}
	o.logger.Infof("state loaded tick_count=%d jobs_with_history=%d", state.TickCount, len(o.lastRuns))
}

func (o *Orchestrator) persistState() {
	o.mu.Lock()
	o.state.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	// Copy the maps so the marshal below never reads them while a tick or
	// restart hook is writing.
	snapshot := o.state
	snapshot.WatcherRestarts = make(map[string]int, len(o.state.WatcherRestarts))
	for name, n := range o.state.WatcherRestarts {
		snapshot.WatcherRestarts[name] = n
	}
	snapshot.LastRunByJob = make(map[string]string, len(o.state.LastRunByJob))
	for name, ts := range o.state.LastRunByJob {
		snapshot.LastRunByJob[name] = ts
	}
	o.mu.Unlock()

	if err := yamlfile.AtomicWrite(o.statePath, snapshot); err != nil {
		o.logger.Errorf("persist state failed: %v", err)
	}
}
