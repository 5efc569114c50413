// Package audit provides the append-only audit log: one JSONL file per UTC
// operational day. Every accept, job execution, health transition, and
// approval decision appends exactly one entry.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

const fileExtension = ".jsonl"

// Entry is a single structured audit record.
type Entry struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Actor     string         `json:"actor"`
	Action    string         `json:"action"`
	Ref       string         `json:"ref,omitempty"`
	Result    string         `json:"result"`
	Error     *string        `json:"error"`
	Details   map[string]any `json:"details,omitempty"`
}

// Logger appends entries to logs/audit/YYYY-MM-DD.jsonl, switching files when
// the UTC day rolls over.
type Logger struct {
	mu         sync.Mutex
	dir        string
	file       *os.File
	currentDay string
	now        func() time.Time
}

func NewLogger(dir string) (*Logger, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	return &Logger{dir: dir, now: func() time.Time { return time.Now().UTC() }}, nil
}

// SetClock overrides the clock for testing day rollover.
func (l *Logger) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// Append writes one entry. The entry gets an ID and timestamp if the caller
// left them empty. The write is synced before returning.
func (l *Logger) Append(e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}
	if e.Result == "" {
		e.Result = "success"
	}

	if err := l.ensureFile(now); err != nil {
		return err
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	data = append(data, '\n')

	if _, err := l.file.Write(data); err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync audit log: %w", err)
	}
	return nil
}

// Success is shorthand for a successful action entry.
func (l *Logger) Success(actor, action, ref string, details map[string]any) error {
	return l.Append(Entry{Actor: actor, Action: action, Ref: ref, Result: "success", Details: details})
}

// Failure records a failed action with its error string.
func (l *Logger) Failure(actor, action, ref string, failure error, details map[string]any) error {
	msg := failure.Error()
	return l.Append(Entry{Actor: actor, Action: action, Ref: ref, Result: "failure", Error: &msg, Details: details})
}

func (l *Logger) ensureFile(now time.Time) error {
	day := now.Format("2006-01-02")
	if l.file != nil && day == l.currentDay {
		return nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}

	path := filepath.Join(l.dir, day+fileExtension)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	l.file = f
	l.currentDay = day
	return nil
}

// Close flushes and closes the current bucket.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	if err := l.file.Sync(); err != nil {
		return err
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// ReadDay returns all entries from one day's bucket, skipping malformed lines.
func ReadDay(dir string, day string) ([]Entry, error) {
	f, err := os.Open(filepath.Join(dir, day+fileExtension))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	decoder := json.NewDecoder(f)
	for decoder.More() {
		var e Entry
		if err := decoder.Decode(&e); err != nil {
			break
		}
		entries = append(entries, e)
	}
	return entries, nil
}
