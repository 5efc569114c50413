package orchestrator

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/audit"
	"vigil/internal/model"
	"vigil/internal/schedule"
	"vigil/internal/setup"
	"vigil/internal/source"
	"vigil/internal/yamlfile"
)

func testConfig() model.Config {
	cfg := setup.DefaultConfig()
	cfg.Logging.Level = "debug"
	cfg.Approval.RetryDelaySec = 1
	cfg.Jobs = nil
	return cfg
}

func initBase(t *testing.T) string {
	t.Helper()
	base := filepath.Join(t.TempDir(), "vigil")
	require.NoError(t, setup.Run(base))
	return base
}

func newTestOrchestrator(t *testing.T, base string, opts Options) *Orchestrator {
	t.Helper()
	if opts.LogWriter == nil {
		opts.LogWriter = &bytes.Buffer{}
	}
	o, err := New(base, testConfig(), opts)
	require.NoError(t, err)
	return o
}

func writeApprovedNoop(t *testing.T, base, id string) {
	t.Helper()
	req := model.ApprovalRequest{
		SchemaVersion: yamlfile.CurrentSchemaVersion,
		FileType:      "approval_request",
		ID:            id,
		ActionType:    "noop",
		Status:        model.StatusPending,
		CreatedAt:     time.Now().UTC().Format(time.RFC3339),
	}
	require.NoError(t, yamlfile.AtomicWrite(filepath.Join(base, "approved", id+".yaml"), req))
}

func readState(t *testing.T, base string) model.OrchestratorState {
	t.Helper()
	var state model.OrchestratorState
	require.NoError(t, yamlfile.ReadInto(filepath.Join(base, "state", "orchestrator.yaml"), &state))
	return state
}

func TestRunOnceEndToEnd(t *testing.T) {
	base := initBase(t)

	inbox := filepath.Join(base, "inbox")
	require.NoError(t, os.WriteFile(filepath.Join(inbox, "note.txt"), []byte("check the logs"), 0644))
	writeApprovedNoop(t, base, "req_e2e")

	o := newTestOrchestrator(t, base, Options{
		Sources: []SourceEntry{{Source: source.NewDropDir("inbox", inbox, model.PriorityMedium), Enabled: true}},
	})
	result, err := o.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(1), result.Tick)
	assert.Equal(t, 1, result.Accepted, "the dropped file becomes one work item")
	assert.Equal(t, 1, result.Scan.Executed, "the approved noop request executes")
	require.Len(t, result.Health, 1)
	assert.Equal(t, "inbox", result.Health[0].Name)
	assert.Equal(t, PhaseStopped, o.Phase())

	// Durable outcomes: queued item, archived request, persisted state, audit trail.
	queued, err := os.ReadDir(filepath.Join(base, "queue"))
	require.NoError(t, err)
	assert.Len(t, queued, 1)
	assert.FileExists(t, filepath.Join(base, "archive", "executed", "req_e2e.yaml"))
	assert.Equal(t, int64(1), readState(t, base).TickCount)

	entries, err := audit.ReadDay(filepath.Join(base, "logs", "audit"), time.Now().UTC().Format("2006-01-02"))
	require.NoError(t, err)
	actions := make(map[string]int)
	for _, e := range entries {
		actions[e.Action]++
	}
	assert.Equal(t, 1, actions["item_accepted"])
	assert.Equal(t, 1, actions["request_executed"])
}

func TestRunOnceIsIdempotentAcrossProcesses(t *testing.T) {
	base := initBase(t)

	inbox := filepath.Join(base, "inbox")
	require.NoError(t, os.WriteFile(filepath.Join(inbox, "note.txt"), []byte("once"), 0644))
	writeApprovedNoop(t, base, "req_once")

	opts := func() Options {
		return Options{Sources: []SourceEntry{
			{Source: source.NewDropDir("inbox", inbox, model.PriorityMedium), Enabled: true},
		}}
	}

	first, err := newTestOrchestrator(t, base, opts()).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, first.Accepted)
	assert.Equal(t, 1, first.Scan.Executed)

	// A second process over the same base dir finds nothing left to do.
	second, err := newTestOrchestrator(t, base, opts()).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, second.Accepted)
	assert.Equal(t, 0, second.Scan.Executed)
	assert.Equal(t, int64(2), second.Tick, "tick counter resumes from persisted state")
}

func TestCrashRestartDoesNotRerunJobs(t *testing.T) {
	base := initBase(t)

	var runs atomic.Int64
	mkJob := func() schedule.Job {
		job, err := schedule.FromConfig(model.JobConfig{
			Name: "digest", Frequency: "daily", Enabled: true,
		}, func(ctx context.Context) (string, error) {
			runs.Add(1)
			return "", nil
		})
		require.NoError(t, err)
		return job
	}

	// The job last ran yesterday, so the first pass fires it exactly once.
	yesterday := time.Now().UTC().AddDate(0, 0, -1)
	state := model.OrchestratorState{
		SchemaVersion: yamlfile.CurrentSchemaVersion,
		FileType:      "state_orchestrator",
		LastRunByJob:  map[string]string{"digest": yesterday.Format(time.RFC3339)},
	}
	require.NoError(t, yamlfile.AtomicWrite(filepath.Join(base, "state", "orchestrator.yaml"), state))

	first, err := newTestOrchestrator(t, base, Options{Jobs: []schedule.Job{mkJob()}}).RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, first.JobsRun, 1)
	assert.Equal(t, int64(1), runs.Load())

	// A restarted process reloads the state and must not fire it again today.
	second, err := newTestOrchestrator(t, base, Options{Jobs: []schedule.Job{mkJob()}}).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, second.JobsRun)
	assert.Equal(t, int64(1), runs.Load(), "one firing per day across restarts")
}

func TestLongFirstTickDoesNotDoubleFireJobs(t *testing.T) {
	base := initBase(t)

	var runs atomic.Int64
	job, err := schedule.FromConfig(model.JobConfig{
		Name: "digest", Frequency: "daily", Enabled: true,
	}, func(ctx context.Context) (string, error) {
		runs.Add(1)
		select {
		case <-time.After(3 * time.Second):
		case <-ctx.Done():
		}
		return "", nil
	})
	require.NoError(t, err)

	cfg := testConfig()
	cfg.Daemon.TickIntervalSec = 1

	o, err := New(base, cfg, Options{Jobs: []schedule.Job{job}, LogWriter: &bytes.Buffer{}})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- o.Run() }()

	require.Eventually(t, func() bool { return o.Phase() == PhaseRunning },
		2*time.Second, 10*time.Millisecond)

	// Several tick intervals elapse while the first tick is still inside the
	// job; later ticks must wait for it, not run alongside it.
	time.Sleep(4 * time.Second)
	o.Shutdown()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Shutdown")
	}
	assert.Equal(t, int64(1), runs.Load(), "one firing per day, even when a tick outlasts the interval")
}

func TestJobLastRunStampedAtCompletion(t *testing.T) {
	base := initBase(t)

	var finished time.Time
	job, err := schedule.FromConfig(model.JobConfig{
		Name: "slowjob", Frequency: "daily", Enabled: true,
	}, func(ctx context.Context) (string, error) {
		time.Sleep(1200 * time.Millisecond)
		finished = time.Now().UTC()
		return "", nil
	})
	require.NoError(t, err)

	_, err = newTestOrchestrator(t, base, Options{Jobs: []schedule.Job{job}}).RunOnce(context.Background())
	require.NoError(t, err)

	lastRun, err := time.Parse(time.RFC3339, readState(t, base).LastRunByJob["slowjob"])
	require.NoError(t, err)
	assert.False(t, lastRun.Before(finished.Truncate(time.Second)),
		"last_run must reflect completion, not tick start")
}

func TestCorruptStateFileStartsFresh(t *testing.T) {
	base := initBase(t)
	statePath := filepath.Join(base, "state", "orchestrator.yaml")
	require.NoError(t, os.WriteFile(statePath, []byte("{{nope"), 0644))

	o := newTestOrchestrator(t, base, Options{})
	result, err := o.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Tick, "corrupt state means a fresh start")

	entries, err := os.ReadDir(filepath.Join(base, "quarantine"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "corrupt state file is kept for inspection")
}

func TestCorruptStateRestoredFromBackup(t *testing.T) {
	base := initBase(t)
	statePath := filepath.Join(base, "state", "orchestrator.yaml")

	state := model.OrchestratorState{
		SchemaVersion: yamlfile.CurrentSchemaVersion,
		FileType:      "state_orchestrator",
		TickCount:     5,
	}
	require.NoError(t, yamlfile.AtomicWrite(statePath, state))
	state.TickCount = 7
	// The second write leaves a .bak holding tick_count 5.
	require.NoError(t, yamlfile.AtomicWrite(statePath, state))
	require.NoError(t, os.WriteFile(statePath, []byte("{{nope"), 0644))

	result, err := newTestOrchestrator(t, base, Options{}).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(6), result.Tick, "tick counter resumes from the backup copy")

	entries, err := os.ReadDir(filepath.Join(base, "quarantine"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "corrupt state file is kept for inspection")
}

func TestDisabledSourceIsNotPolled(t *testing.T) {
	base := initBase(t)
	inbox := filepath.Join(base, "inbox")
	require.NoError(t, os.WriteFile(filepath.Join(inbox, "note.txt"), []byte("ignored"), 0644))

	o := newTestOrchestrator(t, base, Options{
		Sources: []SourceEntry{{Source: source.NewDropDir("inbox", inbox, model.PriorityMedium), Enabled: false}},
	})
	result, err := o.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, result.Accepted)
	assert.Empty(t, result.Health, "disabled watchers are not supervised")
	assert.FileExists(t, filepath.Join(inbox, "note.txt"))
}

func TestFailedJobStillConsumesItsSlot(t *testing.T) {
	base := initBase(t)

	var runs atomic.Int64
	job, err := schedule.FromConfig(model.JobConfig{
		Name: "digest", Frequency: "daily", Enabled: true,
	}, func(ctx context.Context) (string, error) {
		runs.Add(1)
		return "", context.DeadlineExceeded
	})
	require.NoError(t, err)

	first, err := newTestOrchestrator(t, base, Options{Jobs: []schedule.Job{job}}).RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, first.JobsRun, 1)
	require.Error(t, first.JobsRun[0].Err)

	second, err := newTestOrchestrator(t, base, Options{Jobs: []schedule.Job{job}}).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, second.JobsRun, "a failed attempt is not retried until the next boundary")
	assert.Equal(t, int64(1), runs.Load())
}
