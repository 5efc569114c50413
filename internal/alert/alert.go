// Package alert writes operator-visible alert records. One record per
// (kind, ref) pair: raising the same alert again is a no-op, which is what
// lets the stale sweep and the periodic scans repeat without spamming.
package alert

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"vigil/internal/model"
	"vigil/internal/yamlfile"
)

const (
	KindCircuitOpen      = "circuit_open"
	KindExecutionFailed  = "execution_failed"
	KindValidationFailed = "validation_failed"
	KindStaleApproval    = "stale_approval"
)

type Alerter struct {
	dir    string
	logger *log.Logger
}

func NewAlerter(dir string, logger *log.Logger) *Alerter {
	return &Alerter{dir: dir, logger: logger}
}

// Raise writes an alert record unless one already exists for this kind+ref.
// Returns true if a new record was created.
func (a *Alerter) Raise(kind, ref, message string, details map[string]any) (bool, error) {
	if err := os.MkdirAll(a.dir, 0755); err != nil {
		return false, fmt.Errorf("create alerts dir: %w", err)
	}

	path := filepath.Join(a.dir, fmt.Sprintf("%s_%s.yaml", kind, sanitizeRef(ref)))
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}

	rec := model.Alert{
		SchemaVersion: yamlfile.CurrentSchemaVersion,
		FileType:      "alert",
		ID:            uuid.NewString(),
		Kind:          kind,
		Ref:           ref,
		Message:       message,
		Details:       details,
		CreatedAt:     time.Now().UTC().Format(time.RFC3339),
	}
	if err := yamlfile.AtomicWrite(path, rec); err != nil {
		return false, fmt.Errorf("write alert: %w", err)
	}

	if a.logger != nil {
		a.logger.Printf("ALERT kind=%s ref=%s message=%s", kind, ref, message)
	}
	return true, nil
}

// sanitizeRef makes an arbitrary record reference safe as a filename fragment.
func sanitizeRef(ref string) string {
	var b strings.Builder
	for _, r := range ref {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	if b.Len() == 0 {
		return "unknown"
	}
	return b.String()
}
