package watcher

import (
	"fmt"
	"os"
	"sync"

	"vigil/internal/model"
	"vigil/internal/yamlfile"
)

// DefaultLedgerCap bounds the durable dedup ledger. When the cap is reached
// the oldest half is evicted, which keeps a recent window of IDs without
// letting the ledger grow without bound.
const DefaultLedgerCap = 10000

// Ledger is the durable set of previously accepted IDs for one writer.
// Membership tests are O(1); insertion order is kept for FIFO eviction.
// A Ledger is owned by exactly one writer (its Watcher or the approval
// executor) and persisted atomically after every successful acceptance.
type Ledger struct {
	mu    sync.Mutex
	path  string
	owner string
	cap   int
	ids   []string
	set   map[string]struct{}
}

// LoadLedger reads the ledger at path, creating an empty one if the file does
// not exist. A corrupt ledger file is quarantined and reloaded from its .bak
// where possible, otherwise treated as empty: losing the dedup window is
// recoverable, crashing on startup is not.
func LoadLedger(baseDir, path, owner string, capacity int) (*Ledger, error) {
	if capacity <= 0 {
		capacity = DefaultLedgerCap
	}

	l := &Ledger{
		path:  path,
		owner: owner,
		cap:   capacity,
		set:   make(map[string]struct{}),
	}

	var rec model.DedupLedger
	err := yamlfile.ReadInto(path, &rec)
	switch {
	case os.IsNotExist(err):
		return l, nil
	case err != nil:
		// Quarantine the corrupt file and fall back to the .bak kept by the
		// atomic writer; only when that fails too does the window start empty.
		if rerr := yamlfile.RecoverCorruptedFile(baseDir, path); rerr != nil {
			return l, nil
		}
		if rerr := yamlfile.ReadInto(path, &rec); rerr != nil {
			return l, nil
		}
	}

	for _, id := range rec.IDs {
		if _, dup := l.set[id]; dup {
			continue
		}
		l.ids = append(l.ids, id)
		l.set[id] = struct{}{}
	}
	return l, nil
}

// Seen reports whether id was already accepted.
func (l *Ledger) Seen(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.set[id]
	return ok
}

// Add records id and persists the ledger. At capacity the oldest half is
// evicted first. Adding an already present id is a no-op.
func (l *Ledger) Add(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.set[id]; ok {
		return nil
	}

	if len(l.ids) >= l.cap {
		evict := l.cap / 2
		for _, old := range l.ids[:evict] {
			delete(l.set, old)
		}
		l.ids = append([]string(nil), l.ids[evict:]...)
	}

	l.ids = append(l.ids, id)
	l.set[id] = struct{}{}

	return l.persistLocked()
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.ids)
}

func (l *Ledger) persistLocked() error {
	rec := model.DedupLedger{
		SchemaVersion: yamlfile.CurrentSchemaVersion,
		FileType:      "dedup_ledger",
		Owner:         l.owner,
		IDs:           l.ids,
	}
	if err := yamlfile.AtomicWrite(l.path, rec); err != nil {
		return fmt.Errorf("persist ledger %s: %w", l.owner, err)
	}
	return nil
}
