package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Cleanup removes audit log files older than the retention period
func Cleanup(dir string, config Config) error {
	_, err := CleanupWithStats(dir, config)
	return err
}

// CleanupStats reports what a cleanup pass removed
type CleanupStats struct {
	FilesRemoved int
	BytesFreed   int64
}

// Cleanup applies the log's retention settings to its own directory
func (w *WAL) Cleanup() (CleanupStats, error) {
	return CleanupWithStats(w.dir, w.config)
}

// CleanupWithStats removes old files and reports what went
func CleanupWithStats(dir string, config Config) (CleanupStats, error) {
	var stats CleanupStats

	cutoff := time.Now().AddDate(0, 0, -config.RetentionDays)
	files, err := filepath.Glob(filepath.Join(dir, config.FilePrefix+"-*.wal"))
	if err != nil {
		return stats, fmt.Errorf("list audit log files: %w", err)
	}

	for _, file := range files {
		info, err := os.Stat(file)
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(file); err != nil {
			return stats, fmt.Errorf("remove %s: %w", file, err)
		}
		stats.FilesRemoved++
		stats.BytesFreed += info.Size()
	}
	return stats, nil
}
