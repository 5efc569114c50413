// Package model defines the data structures for vigil's configuration, state,
// and pipeline records.
package model

// WorkItem is one unit of perceived input. It is written once by a Watcher and
// never mutated by the core afterwards; downstream stages only read it and
// move it between pipeline directories.
type WorkItem struct {
	SchemaVersion int            `yaml:"schema_version"`
	FileType      string         `yaml:"file_type"`
	ID            string         `yaml:"id"`
	Kind          string         `yaml:"kind"`
	Priority      Priority       `yaml:"priority"`
	Payload       map[string]any `yaml:"payload"`
	ReceivedAt    string         `yaml:"received_at"`
	AcceptedAt    string         `yaml:"accepted_at"`
}

// ApprovalRequest is a decision-pending action envelope. It is created by the
// external reasoning step; a human decides it by moving the record between
// directories; only the ApprovalExecutor sets a terminal status.
type ApprovalRequest struct {
	SchemaVersion  int            `yaml:"schema_version"`
	FileType       string         `yaml:"file_type"`
	ID             string         `yaml:"id"`
	ActionType     string         `yaml:"action_type"`
	Payload        map[string]any `yaml:"payload"`
	Status         ApprovalStatus `yaml:"status"`
	SourceItemID   string         `yaml:"source_item_id,omitempty"`
	CreatedAt      string         `yaml:"created_at"`
	ExpiresAt      string         `yaml:"expires_at"`
	DecidedAt      *string        `yaml:"decided_at"`
	ExecutedAt     *string        `yaml:"executed_at"`
	RetryCount     int            `yaml:"retry_count"`
	LastError      *string        `yaml:"last_error"`
	Detail         *string        `yaml:"detail"`
	StaleFlaggedAt *string        `yaml:"stale_flagged_at"`
}

// DedupLedger is the durable set of previously ingested IDs for one writer.
// Order is ingestion order, oldest first, so capacity eviction is FIFO.
type DedupLedger struct {
	SchemaVersion int      `yaml:"schema_version"`
	FileType      string   `yaml:"file_type"`
	Owner         string   `yaml:"owner"`
	IDs           []string `yaml:"ids"`
}

// OrchestratorState is the process-wide resumption record. It is persisted
// periodically and on shutdown, and reloaded at startup so jobs that already
// ran before a crash are not fired again.
type OrchestratorState struct {
	SchemaVersion   int               `yaml:"schema_version"`
	FileType        string            `yaml:"file_type"`
	TickCount       int64             `yaml:"tick_count"`
	StartedAt       string            `yaml:"started_at"`
	WatcherRestarts map[string]int    `yaml:"watcher_restarts"`
	LastRunByJob    map[string]string `yaml:"last_run_by_job"`
	UpdatedAt       string            `yaml:"updated_at"`
}

// Alert is an operator-visible failure record. Creation is idempotent per
// (kind, ref) pair.
type Alert struct {
	SchemaVersion int            `yaml:"schema_version"`
	FileType      string         `yaml:"file_type"`
	ID            string         `yaml:"id"`
	Kind          string         `yaml:"kind"`
	Ref           string         `yaml:"ref"`
	Message       string         `yaml:"message"`
	Details       map[string]any `yaml:"details,omitempty"`
	CreatedAt     string         `yaml:"created_at"`
}
