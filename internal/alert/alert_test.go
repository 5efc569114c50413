package alert

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/model"
	"vigil/internal/yamlfile"
)

func TestRaiseIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	a := NewAlerter(dir, nil)

	created, err := a.Raise(KindExecutionFailed, "req_123", "it broke", map[string]any{"attempts": 3})
	require.NoError(t, err)
	assert.True(t, created)

	created, err = a.Raise(KindExecutionFailed, "req_123", "it broke again", nil)
	require.NoError(t, err)
	assert.False(t, created, "second raise for same kind+ref must be a no-op")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRaiseDistinctKindsForSameRef(t *testing.T) {
	dir := t.TempDir()
	a := NewAlerter(dir, nil)

	created, err := a.Raise(KindStaleApproval, "req_9", "stale", nil)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = a.Raise(KindExecutionFailed, "req_9", "failed", nil)
	require.NoError(t, err)
	assert.True(t, created)
}

func TestAlertRecordContents(t *testing.T) {
	dir := t.TempDir()
	a := NewAlerter(dir, nil)

	_, err := a.Raise(KindCircuitOpen, "inbox", "too many restarts", map[string]any{"restarts": 5})
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	var rec model.Alert
	require.NoError(t, yamlfile.ReadInto(dir+"/"+entries[0].Name(), &rec))
	assert.Equal(t, "alert", rec.FileType)
	assert.Equal(t, KindCircuitOpen, rec.Kind)
	assert.Equal(t, "inbox", rec.Ref)
	assert.NotEmpty(t, rec.ID)
	assert.NotEmpty(t, rec.CreatedAt)
}

func TestSanitizeRef(t *testing.T) {
	tests := []struct{ in, want string }{
		{"req_1", "req_1"},
		{"a/b:c", "a-b-c"},
		{"", "unknown"},
		{"ok-name.yaml", "ok-name.yaml"},
	}
	for _, tt := range tests {
		if got := sanitizeRef(tt.in); got != tt.want {
			t.Errorf("sanitizeRef(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
