package approval

import (
	"fmt"
	"path/filepath"
	"time"

	"vigil/internal/alert"
	"vigil/internal/model"
	"vigil/internal/yamlfile"
)

// StaleSweep flags pending requests older than the expiry. The flag is
// advisory only: status stays pending until a human moves the record, and
// repeated sweeps re-flag without raising duplicate alerts. Returns the
// number of currently stale requests.
func (e *Executor) StaleSweep() int {
	now := e.now()
	stale := 0

	for _, name := range listYAML(e.dirs.Pending) {
		path := filepath.Join(e.dirs.Pending, name)

		e.lockMap.Lock("request:" + name)
		stale += e.sweepOne(path, now)
		e.lockMap.Unlock("request:" + name)
	}
	return stale
}

func (e *Executor) sweepOne(path string, now time.Time) int {
	var req model.ApprovalRequest
	if err := yamlfile.ReadInto(path, &req); err != nil {
		e.logger.Warnf("unreadable pending request file=%s error=%v", path, err)
		return 0
	}
	if req.Status != model.StatusPending {
		e.logger.Warnf("request %s in pending dir with status %s", req.ID, req.Status)
		return 0
	}

	deadline, ok := e.expiryDeadline(req)
	if !ok || now.Before(deadline) {
		return 0
	}

	if req.StaleFlaggedAt == nil {
		flaggedAt := now.Format(time.RFC3339)
		req.StaleFlaggedAt = &flaggedAt
		if err := yamlfile.AtomicWrite(path, req); err != nil {
			e.logger.Errorf("persist stale flag request=%s error=%v", req.ID, err)
			return 1
		}
		e.auditSuccess("stale_flagged", req.ID, map[string]any{
			"created_at": req.CreatedAt,
			"deadline":   deadline.Format(time.RFC3339),
		})
	} else {
		e.logger.Debugf("request still stale id=%s flagged_at=%s", req.ID, *req.StaleFlaggedAt)
	}

	// Alert creation is idempotent per request, so re-sweeps are quiet.
	if _, err := e.alerter.Raise(alert.KindStaleApproval, req.ID,
		fmt.Sprintf("approval request %s has been pending since %s", req.ID, req.CreatedAt),
		map[string]any{"action_type": req.ActionType}); err != nil {
		e.logger.Errorf("raise alert failed request=%s error=%v", req.ID, err)
	}
	return 1
}

// expiryDeadline prefers the request's own expires_at, falling back to
// created_at plus the configured expiry. A record with neither is never
// flagged.
func (e *Executor) expiryDeadline(req model.ApprovalRequest) (time.Time, bool) {
	if req.ExpiresAt != "" {
		if t, err := time.Parse(time.RFC3339, req.ExpiresAt); err == nil {
			return t.UTC(), true
		}
		e.logger.Warnf("request %s has unparseable expires_at %q", req.ID, req.ExpiresAt)
	}
	if req.CreatedAt != "" {
		if t, err := time.Parse(time.RFC3339, req.CreatedAt); err == nil {
			return t.UTC().Add(e.expiry), true
		}
	}
	return time.Time{}, false
}
