package yamlfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`
	Name          string `yaml:"name"`
}

func TestAtomicWriteRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rec.yaml")

	in := sample{SchemaVersion: 1, FileType: "work_item", Name: "first"}
	require.NoError(t, AtomicWrite(path, in))

	var out sample
	require.NoError(t, ReadInto(path, &out))
	assert.Equal(t, in, out)

	// No temp files left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestAtomicWriteCreatesBackup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rec.yaml")

	require.NoError(t, AtomicWrite(path, sample{SchemaVersion: 1, FileType: "work_item", Name: "v1"}))
	require.NoError(t, AtomicWrite(path, sample{SchemaVersion: 1, FileType: "work_item", Name: "v2"}))

	var cur, bak sample
	require.NoError(t, ReadInto(path, &cur))
	require.NoError(t, ReadInto(path+".bak", &bak))
	assert.Equal(t, "v2", cur.Name)
	assert.Equal(t, "v1", bak.Name)
}

func TestRestoreFromBackup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rec.yaml")

	require.NoError(t, AtomicWrite(path, sample{SchemaVersion: 1, FileType: "work_item", Name: "good"}))
	require.NoError(t, AtomicWrite(path, sample{SchemaVersion: 1, FileType: "work_item", Name: "newer"}))
	require.NoError(t, os.WriteFile(path, []byte("{{not yaml"), 0644))

	require.NoError(t, RestoreFromBackup(path))

	var out sample
	require.NoError(t, ReadInto(path, &out))
	assert.Equal(t, "good", out.Name)
}

func TestQuarantineMovesFile(t *testing.T) {
	base := t.TempDir()
	path := filepath.Join(base, "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{{"), 0644))

	require.NoError(t, Quarantine(base, path))

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	entries, err := os.ReadDir(filepath.Join(base, "quarantine"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Name(), "broken.yaml")
	assert.Contains(t, entries[0].Name(), ".corrupt")
}

func TestValidateSchemaHeader(t *testing.T) {
	tests := []struct {
		name    string
		content string
		expect  string
		wantErr string
	}{
		{"valid", "schema_version: 1\nfile_type: work_item\n", "work_item", ""},
		{"wrong type", "schema_version: 1\nfile_type: alert\n", "work_item", "file_type mismatch"},
		{"unknown type", "schema_version: 1\nfile_type: mystery\n", "", "unknown file_type"},
		{"missing type", "schema_version: 1\n", "", "missing file_type"},
		{"future version", "schema_version: 99\nfile_type: work_item\n", "", "unsupported schema_version"},
		{"zero version", "file_type: work_item\n", "", "invalid schema_version"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSchemaHeaderFromBytes([]byte(tt.content), tt.expect)
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}
