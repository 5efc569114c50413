package watcher

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/audit"
	"vigil/internal/logging"
	"vigil/internal/model"
	"vigil/internal/yamlfile"
)

type stubSource struct {
	name  string
	items []model.WorkItem
	err   error
	polls int
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) Poll(ctx context.Context) ([]model.WorkItem, error) {
	s.polls++
	return s.items, s.err
}

func newTestWatcher(t *testing.T, src Source) (*Watcher, string, string) {
	t.Helper()
	base := t.TempDir()
	queueDir := filepath.Join(base, "queue")
	require.NoError(t, os.MkdirAll(queueDir, 0755))

	ledger, err := LoadLedger(base, filepath.Join(base, "ledger.yaml"), src.Name(), 100)
	require.NoError(t, err)

	auditDir := filepath.Join(base, "logs", "audit")
	auditLog, err := audit.NewLogger(auditDir)
	require.NoError(t, err)
	t.Cleanup(func() { auditLog.Close() })

	logger := logging.New(&bytes.Buffer{}, logging.LevelDebug, "watcher:"+src.Name())
	w := New(src, queueDir, ledger, time.Minute, auditLog, logger)
	return w, queueDir, auditDir
}

func TestAcceptIsIdempotent(t *testing.T) {
	src := &stubSource{name: "test"}
	w, queueDir, _ := newTestWatcher(t, src)

	item := model.WorkItem{ID: "m1", Kind: "test"}

	ok, err := w.Accept(item)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = w.Accept(item)
	require.NoError(t, err)
	assert.False(t, ok, "second accept of same id must be rejected")

	entries, err := os.ReadDir(queueDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "exactly one persisted record")
}

func TestAcceptPersistsRecordAndAudit(t *testing.T) {
	src := &stubSource{name: "test"}
	w, queueDir, auditDir := newTestWatcher(t, src)

	ok, err := w.Accept(model.WorkItem{ID: "m1", Kind: "test", Payload: map[string]any{"n": 1}})
	require.NoError(t, err)
	require.True(t, ok)

	entries, err := os.ReadDir(queueDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	var rec model.WorkItem
	require.NoError(t, yamlfile.ReadInto(filepath.Join(queueDir, entries[0].Name()), &rec))
	assert.Equal(t, "work_item", rec.FileType)
	assert.Equal(t, "m1", rec.ID)
	assert.Equal(t, model.PriorityMedium, rec.Priority)
	assert.NotEmpty(t, rec.ReceivedAt)
	assert.NotEmpty(t, rec.AcceptedAt)

	day := time.Now().UTC().Format("2006-01-02")
	audits, err := audit.ReadDay(auditDir, day)
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, "item_accepted", audits[0].Action)
	assert.Equal(t, "m1", audits[0].Ref)
}

func TestAcceptRejectsEmptyID(t *testing.T) {
	src := &stubSource{name: "test"}
	w, _, _ := newTestWatcher(t, src)

	ok, err := w.Accept(model.WorkItem{Kind: "test"})
	assert.False(t, ok)
	assert.Error(t, err)
}

func TestRunOnceAcceptsInPollOrder(t *testing.T) {
	src := &stubSource{name: "test", items: []model.WorkItem{
		{ID: "a", Kind: "test"},
		{ID: "b", Kind: "test"},
		{ID: "c", Kind: "test"},
	}}
	w, _, _ := newTestWatcher(t, src)

	accepted := w.RunOnce(context.Background())
	require.Len(t, accepted, 3)
	assert.Equal(t, "a", accepted[0].ID)
	assert.Equal(t, "b", accepted[1].ID)
	assert.Equal(t, "c", accepted[2].ID)

	// Second cycle with same items yields nothing new.
	assert.Empty(t, w.RunOnce(context.Background()))
}

func TestRunOncePollFailureYieldsZeroItems(t *testing.T) {
	src := &stubSource{name: "flaky", err: errors.New("network down")}
	w, _, _ := newTestWatcher(t, src)

	assert.Empty(t, w.RunOnce(context.Background()))

	// A later successful poll still ingests.
	src.err = nil
	src.items = []model.WorkItem{{ID: "m1", Kind: "flaky"}}
	assert.Len(t, w.RunOnce(context.Background()), 1)
}

func TestAcceptPersistenceFailureSkipsItem(t *testing.T) {
	src := &stubSource{name: "test"}
	base := t.TempDir()

	ledger, err := LoadLedger(base, filepath.Join(base, "ledger.yaml"), "test", 100)
	require.NoError(t, err)
	auditLog, err := audit.NewLogger(filepath.Join(base, "logs", "audit"))
	require.NoError(t, err)
	defer auditLog.Close()

	// Queue directory does not exist: persistence must fail.
	w := New(src, filepath.Join(base, "missing-queue"), ledger, time.Minute,
		auditLog, logging.New(&bytes.Buffer{}, logging.LevelDebug, "watcher:test"))

	ok, err := w.Accept(model.WorkItem{ID: "m1", Kind: "test"})
	assert.False(t, ok)
	assert.Error(t, err)
	assert.False(t, ledger.Seen("m1"), "failed persist must not mark the id as seen")
}

func TestMinimumIntervalClamp(t *testing.T) {
	src := &stubSource{name: "test"}
	base := t.TempDir()
	ledger, err := LoadLedger(base, filepath.Join(base, "ledger.yaml"), "test", 100)
	require.NoError(t, err)
	auditLog, err := audit.NewLogger(filepath.Join(base, "logs", "audit"))
	require.NoError(t, err)
	defer auditLog.Close()

	w := New(src, base, ledger, time.Second, auditLog,
		logging.New(&bytes.Buffer{}, logging.LevelDebug, "watcher:test"))
	assert.Equal(t, MinPollInterval, w.interval)
}

func TestRunStopsOnShutdown(t *testing.T) {
	src := &stubSource{name: "test"}
	w, _, _ := newTestWatcher(t, src)

	done := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(done)
	}()

	// Wait for the loop to come alive, then stop it.
	require.Eventually(t, w.Alive, 2*time.Second, 10*time.Millisecond)
	w.Shutdown()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Shutdown")
	}
	assert.False(t, w.Alive())
	assert.GreaterOrEqual(t, src.polls, 1)
}
