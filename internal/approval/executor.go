// Package approval consumes human decisions from the approved/ and rejected/
// directories and turns them into at-most-once external actions. Status lives
// inside the record and is authoritative; the directory a record sits in is a
// materialized view recomputed from status after every transition.
package approval

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"vigil/internal/action"
	"vigil/internal/alert"
	"vigil/internal/audit"
	"vigil/internal/lock"
	"vigil/internal/logging"
	"vigil/internal/model"
	"vigil/internal/watcher"
	"vigil/internal/yamlfile"
)

const (
	DefaultMaxRetries = 3
	DefaultRetryDelay = 5 * time.Second
	DefaultExpiry     = 24 * time.Hour
)

type decision string

const (
	decisionApproved decision = "approved"
	decisionRejected decision = "rejected"
)

// Dirs is the physical layout the executor operates on.
type Dirs struct {
	Pending         string
	Approved        string
	Rejected        string
	ArchiveExecuted string
	ArchiveRejected string
}

func DefaultDirs(baseDir string) Dirs {
	return Dirs{
		Pending:         filepath.Join(baseDir, "pending"),
		Approved:        filepath.Join(baseDir, "approved"),
		Rejected:        filepath.Join(baseDir, "rejected"),
		ArchiveExecuted: filepath.Join(baseDir, "archive", "executed"),
		ArchiveRejected: filepath.Join(baseDir, "archive", "rejected"),
	}
}

// ScanResult summarizes one executor pass.
type ScanResult struct {
	Executed     int `json:"executed"`
	Failed       int `json:"failed"`
	Rejected     int `json:"rejected"`
	Skipped      int `json:"skipped"`
	StaleFlagged int `json:"stale_flagged"`
}

// Executor processes decided approval requests. Each request is handled
// independently; the processed-ID ledger (shared shape with the ingestion
// side) is what guarantees a request executes at most once even when it shows
// up in both decision directories or across repeated scans.
type Executor struct {
	baseDir    string
	dirs       Dirs
	registry   *action.Registry
	ledger     *watcher.Ledger
	maxRetries int
	retryDelay time.Duration
	expiry     time.Duration
	audit      *audit.Logger
	alerter    *alert.Alerter
	lockMap    *lock.MutexMap
	sf         singleflight.Group
	logger     *logging.Logger
	now        func() time.Time
}

func NewExecutor(baseDir string, dirs Dirs, registry *action.Registry, ledger *watcher.Ledger, cfg model.ApprovalConfig, auditLog *audit.Logger, alerter *alert.Alerter, lockMap *lock.MutexMap, logger *logging.Logger) *Executor {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	retryDelay := time.Duration(cfg.RetryDelaySec) * time.Second
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}
	expiry := time.Duration(cfg.ExpiryHours) * time.Hour
	if expiry <= 0 {
		expiry = DefaultExpiry
	}

	return &Executor{
		baseDir:    baseDir,
		dirs:       dirs,
		registry:   registry,
		ledger:     ledger,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
		expiry:     expiry,
		audit:      auditLog,
		alerter:    alerter,
		lockMap:    lockMap,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetRetryDelay overrides the delay between execution attempts for testing.
func (e *Executor) SetRetryDelay(d time.Duration) {
	e.retryDelay = d
}

// SetClock overrides the clock for testing staleness.
func (e *Executor) SetClock(now func() time.Time) {
	e.now = now
}

// Scan processes the approved directory, then the rejected directory, then
// sweeps pending for staleness. Approved before rejected means a record
// copied into both is executed, not reprocessed as a rejection.
func (e *Executor) Scan(ctx context.Context) ScanResult {
	var result ScanResult
	for _, name := range listYAML(e.dirs.Approved) {
		e.processFile(ctx, filepath.Join(e.dirs.Approved, name), decisionApproved, &result)
	}
	for _, name := range listYAML(e.dirs.Rejected) {
		e.processFile(ctx, filepath.Join(e.dirs.Rejected, name), decisionRejected, &result)
	}
	result.StaleFlagged = e.StaleSweep()
	return result
}

// HandleFileEvent reacts to a file appearing in a decision directory. The
// periodic Scan remains the correctness mechanism; this only shortens the
// latency between a human decision and its effect.
func (e *Executor) HandleFileEvent(ctx context.Context, path string) {
	if filepath.Ext(path) != ".yaml" || strings.HasPrefix(filepath.Base(path), ".") {
		return
	}
	var result ScanResult
	switch filepath.Dir(path) {
	case e.dirs.Approved:
		e.processFile(ctx, path, decisionApproved, &result)
	case e.dirs.Rejected:
		e.processFile(ctx, path, decisionRejected, &result)
	}
}

func (e *Executor) processFile(ctx context.Context, path string, dec decision, result *ScanResult) {
	base := filepath.Base(path)

	// Collapse a racing fsnotify event and periodic scan into one attempt.
	e.sf.Do(base, func() (any, error) {
		e.lockMap.Lock("request:" + base)
		defer e.lockMap.Unlock("request:" + base)
		e.processLocked(ctx, path, dec, result)
		return nil, nil
	})
}

func (e *Executor) processLocked(ctx context.Context, path string, dec decision, result *ScanResult) {
	var req model.ApprovalRequest
	if err := yamlfile.ReadInto(path, &req); err != nil {
		if os.IsNotExist(err) {
			return
		}
		e.logger.Errorf("unreadable request file=%s error=%v", path, err)
		if qerr := yamlfile.Quarantine(e.baseDir, path); qerr != nil {
			e.logger.Errorf("quarantine failed file=%s error=%v", path, qerr)
		}
		e.auditFailure("request_unreadable", filepath.Base(path), err, nil)
		result.Skipped++
		return
	}
	if req.ID == "" {
		e.logger.Warnf("request without id file=%s, quarantining", path)
		if qerr := yamlfile.Quarantine(e.baseDir, path); qerr != nil {
			e.logger.Errorf("quarantine failed file=%s error=%v", path, qerr)
		}
		result.Skipped++
		return
	}

	if e.ledger.Seen(req.ID) {
		// An exhausted request stays where the operator can see it; do not
		// touch it on later passes.
		if dec == decisionApproved && req.Status == model.StatusExecutionFailed {
			e.logger.Debugf("request %s already failed, leaving in place", req.ID)
			result.Skipped++
			return
		}
		// Already processed. A copy in the rejected directory after the
		// approved one executed is an upstream copy-not-move artifact;
		// quarantine it for inspection rather than acting on it.
		e.logger.Warnf("duplicate decision record request=%s decision=%s", req.ID, dec)
		if qerr := yamlfile.Quarantine(e.baseDir, path); qerr != nil {
			e.logger.Errorf("quarantine failed file=%s error=%v", path, qerr)
		}
		e.auditFailure("duplicate_decision", req.ID, fmt.Errorf("request already processed"), map[string]any{
			"decision": string(dec),
		})
		result.Skipped++
		return
	}

	switch dec {
	case decisionApproved:
		e.executeApproved(ctx, path, &req, result)
	case decisionRejected:
		e.finalizeRejected(path, &req, result)
	}
}

func (e *Executor) executeApproved(ctx context.Context, path string, req *model.ApprovalRequest, result *ScanResult) {
	switch req.Status {
	case model.StatusPending:
		// The move into approved/ is the human decision.
		if err := e.transition(path, req, model.StatusApproved); err != nil {
			e.logger.Errorf("transition failed request=%s error=%v", req.ID, err)
			result.Skipped++
			return
		}
	case model.StatusApproved:
		// Crash between decision and execution; carry on.
	default:
		e.logger.Warnf("request %s in approved dir with status %s, skipping", req.ID, req.Status)
		result.Skipped++
		return
	}

	act, err := e.registry.Get(req.ActionType)
	if err == nil {
		if verr := act.Validate(req.Payload); verr != nil {
			err = &action.ValidationError{ActionType: req.ActionType, Reason: verr.Error()}
		}
	}
	if err != nil {
		// Validation failure: no execution attempt is made, the record stays
		// where the operator can inspect it.
		e.failRequest(path, req, err, alert.KindValidationFailed)
		result.Failed++
		return
	}

	var (
		res     action.Result
		execErr error
	)
	for attempt := 1; attempt <= e.maxRetries; attempt++ {
		req.RetryCount = attempt
		res, execErr = act.Execute(ctx, req.Payload)
		if execErr == nil {
			break
		}
		e.logger.Warnf("execution attempt failed request=%s attempt=%d/%d error=%v",
			req.ID, attempt, e.maxRetries, execErr)
		if attempt < e.maxRetries {
			select {
			case <-ctx.Done():
				execErr = fmt.Errorf("execution interrupted: %w", ctx.Err())
				attempt = e.maxRetries
			case <-time.After(e.retryDelay):
			}
		}
	}

	if execErr != nil {
		e.failRequest(path, req, execErr, alert.KindExecutionFailed)
		result.Failed++
		return
	}

	executedAt := e.now().Format(time.RFC3339)
	req.ExecutedAt = &executedAt
	if res.Detail != "" {
		req.Detail = &res.Detail
	}
	req.LastError = nil
	if err := e.transition(path, req, model.StatusExecuted); err != nil {
		e.logger.Errorf("persist executed request=%s error=%v", req.ID, err)
		result.Skipped++
		return
	}
	if err := e.moveTo(path, e.dirs.ArchiveExecuted, req); err != nil {
		e.logger.Errorf("archive executed request=%s error=%v", req.ID, err)
	}
	e.markProcessed(req.ID)
	e.auditSuccess("request_executed", req.ID, map[string]any{
		"action_type": req.ActionType,
		"attempts":    req.RetryCount,
		"detail":      res.Detail,
	})
	result.Executed++
}

// failRequest marks the request execution_failed and leaves it in the
// approved directory. Never deleted, never silently archived; one alert per
// request.
func (e *Executor) failRequest(path string, req *model.ApprovalRequest, cause error, alertKind string) {
	msg := cause.Error()
	req.LastError = &msg
	if err := e.transition(path, req, model.StatusExecutionFailed); err != nil {
		e.logger.Errorf("persist failure request=%s error=%v", req.ID, err)
	}
	e.markProcessed(req.ID)
	if _, err := e.alerter.Raise(alertKind, req.ID,
		fmt.Sprintf("approval request %s failed: %s", req.ID, msg),
		map[string]any{"action_type": req.ActionType, "attempts": req.RetryCount}); err != nil {
		e.logger.Errorf("raise alert failed request=%s error=%v", req.ID, err)
	}
	e.auditFailure("request_execution_failed", req.ID, cause, map[string]any{
		"action_type": req.ActionType,
		"attempts":    req.RetryCount,
	})
}

func (e *Executor) finalizeRejected(path string, req *model.ApprovalRequest, result *ScanResult) {
	switch req.Status {
	case model.StatusPending:
		if err := e.transition(path, req, model.StatusRejected); err != nil {
			e.logger.Errorf("transition failed request=%s error=%v", req.ID, err)
			result.Skipped++
			return
		}
	case model.StatusRejected:
	default:
		e.logger.Warnf("request %s in rejected dir with status %s, skipping", req.ID, req.Status)
		result.Skipped++
		return
	}

	if err := e.moveTo(path, e.dirs.ArchiveRejected, req); err != nil {
		e.logger.Errorf("archive rejected request=%s error=%v", req.ID, err)
		result.Skipped++
		return
	}
	e.markProcessed(req.ID)
	e.auditSuccess("request_rejected", req.ID, map[string]any{"action_type": req.ActionType})
	result.Rejected++
}

// transition validates and applies a status change, persisting in place.
func (e *Executor) transition(path string, req *model.ApprovalRequest, to model.ApprovalStatus) error {
	if err := model.ValidateApprovalTransition(req.Status, to); err != nil {
		return err
	}
	req.Status = to
	if to == model.StatusApproved || to == model.StatusRejected {
		decidedAt := e.now().Format(time.RFC3339)
		req.DecidedAt = &decidedAt
	}
	req.SchemaVersion = yamlfile.CurrentSchemaVersion
	req.FileType = "approval_request"
	return yamlfile.AtomicWrite(path, *req)
}

func (e *Executor) moveTo(path, dir string, req *model.ApprovalRequest) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	target := filepath.Join(dir, filepath.Base(path))
	if err := os.Rename(path, target); err != nil {
		return fmt.Errorf("move %s: %w", req.ID, err)
	}
	os.Remove(path + ".bak")
	return nil
}

func (e *Executor) markProcessed(id string) {
	if err := e.ledger.Add(id); err != nil {
		e.logger.Errorf("persist processed ledger request=%s error=%v", id, err)
	}
}

func (e *Executor) auditSuccess(actionName, ref string, details map[string]any) {
	if err := e.audit.Success("approval", actionName, ref, details); err != nil {
		e.logger.Warnf("audit append failed ref=%s error=%v", ref, err)
	}
}

func (e *Executor) auditFailure(actionName, ref string, cause error, details map[string]any) {
	if err := e.audit.Failure("approval", actionName, ref, cause, details); err != nil {
		e.logger.Warnf("audit append failed ref=%s error=%v", ref, err)
	}
}

func listYAML(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if filepath.Ext(name) != ".yaml" || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".bak") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
