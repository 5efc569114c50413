// Package source holds built-in item sources. Real perception channels (mail,
// chat) live outside the core behind the watcher.Source interface; the
// drop-directory source exists so the pipeline can be driven end to end with
// nothing but files.
package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"vigil/internal/model"
)

// DropDir turns files appearing in an inbox directory into work items. Each
// consumed file is moved into processed/ so it is polled at most once; the
// item ID is derived from the file name and a content hash, so re-dropping
// identical content dedups at the watcher.
type DropDir struct {
	name         string
	dir          string
	processedDir string
	priority     model.Priority
	now          func() time.Time
}

func NewDropDir(name, dir string, priority model.Priority) *DropDir {
	return &DropDir{
		name:         name,
		dir:          dir,
		processedDir: filepath.Join(dir, "processed"),
		priority:     priority,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (s *DropDir) Name() string {
	return s.name
}

func (s *DropDir) Poll(ctx context.Context) ([]model.WorkItem, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read inbox: %w", err)
	}
	if err := os.MkdirAll(s.processedDir, 0755); err != nil {
		return nil, fmt.Errorf("ensure processed dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	var items []model.WorkItem
	for _, name := range names {
		if ctx.Err() != nil {
			return items, ctx.Err()
		}

		path := filepath.Join(s.dir, name)
		content, err := os.ReadFile(path)
		if err != nil {
			return items, fmt.Errorf("read %s: %w", name, err)
		}

		sum := sha256.Sum256(content)
		info, _ := os.Stat(path)
		receivedAt := s.now()
		if info != nil {
			receivedAt = info.ModTime().UTC()
		}

		items = append(items, model.WorkItem{
			ID:       fmt.Sprintf("%s:%s:%s", s.name, name, hex.EncodeToString(sum[:8])),
			Kind:     s.name,
			Priority: s.priority,
			Payload: map[string]any{
				"filename": name,
				"content":  string(content),
			},
			ReceivedAt: receivedAt.Format(time.RFC3339),
		})

		if err := os.Rename(path, filepath.Join(s.processedDir, name)); err != nil {
			return items, fmt.Errorf("move %s to processed: %w", name, err)
		}
	}
	return items, nil
}
