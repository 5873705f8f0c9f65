package wal

import (
	"os"
	"path/filepath"
	"time"
)

// Stats summarizes the audit log on disk
type Stats struct {
	TotalFiles      int
	TotalSizeBytes  int64
	OldestFile      time.Time
	NewestFile      time.Time
	CurrentFileSize int64
	LastSequence    int64
}

// GetStats returns current audit log statistics
func (w *WAL) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	stats := Stats{LastSequence: w.sequence}

	if info, err := w.file.Stat(); err == nil {
		stats.CurrentFileSize = info.Size()
	}

	for i, file := range w.listFiles() {
		info, err := os.Stat(file)
		if err != nil {
			continue
		}
		stats.TotalFiles++
		stats.TotalSizeBytes += info.Size()

		mod := info.ModTime()
		if i == 0 || mod.Before(stats.OldestFile) {
			stats.OldestFile = mod
		}
		if mod.After(stats.NewestFile) {
			stats.NewestFile = mod
		}
	}
	return stats
}

// GetStatsFromDir summarizes a log directory without an open WAL
func GetStatsFromDir(dir string, config Config) Stats {
	var stats Stats

	files, err := filepath.Glob(filepath.Join(dir, config.FilePrefix+"-*.wal"))
	if err != nil {
		return stats
	}

	for i, file := range files {
		info, statErr := os.Stat(file)
		if statErr != nil {
			continue
		}
		stats.TotalFiles++
		stats.TotalSizeBytes += info.Size()

		mod := info.ModTime()
		if i == 0 || mod.Before(stats.OldestFile) {
			stats.OldestFile = mod
		}
		if mod.After(stats.NewestFile) {
			stats.NewestFile = mod
		}
	}
	stats.LastSequence = findLastSequenceInFiles(files)
	return stats
}
