package yamlfile

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"
)

// Quarantine moves an unreadable record file into baseDir/quarantine with a
// timestamped name so the operator can inspect it. The original is never
// deleted.
func Quarantine(baseDir, filePath string) error {
	quarantineDir := filepath.Join(baseDir, "quarantine")
	if err := os.MkdirAll(quarantineDir, 0755); err != nil {
		return fmt.Errorf("create quarantine dir: %w", err)
	}

	baseName := filepath.Base(filePath)
	timestamp := time.Now().UTC().Format("20060102T150405")
	quarantinePath := filepath.Join(quarantineDir, fmt.Sprintf("%s.%s.corrupt", baseName, timestamp))

	if err := os.Rename(filePath, quarantinePath); err != nil {
		return fmt.Errorf("move to quarantine: %w", err)
	}

	log.Printf("quarantined corrupted file: %s → %s", filePath, quarantinePath)
	return nil
}

// RestoreFromBackup replaces filePath with its .bak copy, if a valid one exists.
func RestoreFromBackup(filePath string) error {
	bakPath := filePath + ".bak"
	if _, err := os.Stat(bakPath); os.IsNotExist(err) {
		return fmt.Errorf("no backup file: %s", bakPath)
	}

	content, err := os.ReadFile(bakPath)
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}
	if err := validateYAML(content); err != nil {
		return fmt.Errorf("backup YAML is also corrupted: %w", err)
	}

	if err := os.WriteFile(filePath, content, 0644); err != nil {
		return fmt.Errorf("restore from backup: %w", err)
	}
	return nil
}

// RecoverCorruptedFile quarantines filePath and tries to restore it from its
// backup; if that fails the caller is expected to start from a fresh skeleton.
func RecoverCorruptedFile(baseDir, filePath string) error {
	if err := Quarantine(baseDir, filePath); err != nil {
		return fmt.Errorf("quarantine failed: %w", err)
	}
	if err := RestoreFromBackup(filePath); err != nil {
		return fmt.Errorf("backup restore failed: %w", err)
	}
	return nil
}
