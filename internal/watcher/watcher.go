// Package watcher implements the generic poll/dedup/persist engine every
// perception source runs behind. The source supplies Poll; the engine owns
// idempotent acceptance, durable queue records, and per-cycle failure
// isolation.
package watcher

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"vigil/internal/audit"
	"vigil/internal/logging"
	"vigil/internal/model"
	"vigil/internal/yamlfile"
)

// MinPollInterval is the floor enforced on the polling loop regardless of
// configuration.
const MinPollInterval = 30 * time.Second

// pollTimeout bounds a single Poll call so one hung source cannot wedge its
// cycle forever.
const pollTimeout = 60 * time.Second

// Source yields raw work items for one perception channel. Poll must be
// side-effect-free with respect to core state.
type Source interface {
	Name() string
	Poll(ctx context.Context) ([]model.WorkItem, error)
}

// Watcher drives one Source: poll, dedup against the ledger, persist accepted
// items into the queue directory, append an audit record per accept.
type Watcher struct {
	source   Source
	queueDir string
	ledger   *Ledger
	interval time.Duration
	audit    *audit.Logger
	logger   *logging.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	running atomic.Bool
	now     func() time.Time
}

func New(source Source, queueDir string, ledger *Ledger, interval time.Duration, auditLog *audit.Logger, logger *logging.Logger) *Watcher {
	if interval < MinPollInterval {
		interval = MinPollInterval
	}
	return &Watcher{
		source:   source,
		queueDir: queueDir,
		ledger:   ledger,
		interval: interval,
		audit:    auditLog,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (w *Watcher) Name() string {
	return w.source.Name()
}

// Alive reports whether the polling loop is currently running.
func (w *Watcher) Alive() bool {
	return w.running.Load()
}

// Accept is the single point enforcing at-most-once ingestion per source.
// It returns false without error for an already seen ID; a persistence
// failure returns false with the error and the item is not recorded as seen.
func (w *Watcher) Accept(item model.WorkItem) (bool, error) {
	if item.ID == "" {
		return false, fmt.Errorf("work item from %s has empty id", w.source.Name())
	}
	if w.ledger.Seen(item.ID) {
		return false, nil
	}

	item.SchemaVersion = yamlfile.CurrentSchemaVersion
	item.FileType = "work_item"
	item.Priority = model.ParsePriority(string(item.Priority))
	if item.ReceivedAt == "" {
		item.ReceivedAt = w.now().Format(time.RFC3339)
	}
	item.AcceptedAt = w.now().Format(time.RFC3339)

	path := filepath.Join(w.queueDir, itemFileName(item))
	if err := yamlfile.AtomicWrite(path, item); err != nil {
		return false, fmt.Errorf("persist item %s: %w", item.ID, err)
	}

	if err := w.ledger.Add(item.ID); err != nil {
		return false, err
	}

	if err := w.audit.Success("watcher:"+w.source.Name(), "item_accepted", item.ID, map[string]any{
		"kind":     item.Kind,
		"priority": string(item.Priority),
		"file":     filepath.Base(path),
	}); err != nil {
		w.logger.Warnf("audit append failed item=%s error=%v", item.ID, err)
	}

	return true, nil
}

// RunOnce performs a single poll/accept cycle and returns the newly accepted
// items. A Poll failure yields zero items, never an error escaping the cycle.
func (w *Watcher) RunOnce(ctx context.Context) []model.WorkItem {
	pollCtx, cancel := context.WithTimeout(ctx, pollTimeout)
	defer cancel()

	items, err := w.source.Poll(pollCtx)
	if err != nil {
		w.logger.Warnf("poll failed source=%s error=%v", w.source.Name(), err)
		return nil
	}

	var accepted []model.WorkItem
	for _, item := range items {
		ok, err := w.Accept(item)
		if err != nil {
			w.logger.Errorf("accept failed source=%s item=%s error=%v", w.source.Name(), item.ID, err)
			continue
		}
		if ok {
			accepted = append(accepted, item)
		}
	}

	if len(accepted) > 0 {
		w.logger.Infof("cycle source=%s polled=%d accepted=%d", w.source.Name(), len(items), len(accepted))
	} else {
		w.logger.Debugf("cycle source=%s polled=%d accepted=0", w.source.Name(), len(items))
	}
	return accepted
}

// Run loops RunOnce at the configured interval until ctx is cancelled or
// Shutdown is called. A panic in one cycle is logged and swallowed; the loop
// itself never terminates from a data-source error.
func (w *Watcher) Run(ctx context.Context) {
	w.mu.Lock()
	ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	w.running.Store(true)
	defer w.running.Store(false)

	for {
		w.cycle(ctx)

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.interval):
		}
	}
}

// Shutdown stops a running loop. Safe to call repeatedly and before Run.
func (w *Watcher) Shutdown() {
	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (w *Watcher) cycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Errorf("cycle panic source=%s: %v", w.source.Name(), r)
		}
	}()
	w.RunOnce(ctx)
}

func itemFileName(item model.WorkItem) string {
	return fmt.Sprintf("%s_%s.yaml", sanitize(item.Kind), sanitize(item.ID))
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	if b.Len() == 0 {
		return "item"
	}
	return b.String()
}
