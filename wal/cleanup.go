package wal

import (
	"fmt"
	"os"
	"time"
)

// Cleanup removes WAL files older than retention period
func Cleanup(dir string, config Config) error {
	_, err := CleanupWithStats(dir, config)
	return err
}

// CleanupStats tracks cleanup operation results
type CleanupStats struct {
	FilesRemoved  int
	BytesFreed    int64
	OldestRemoved time.Time
	NewestRemoved time.Time
}

// CleanupWithStats removes old files and returns statistics. The newest file
// is never removed since an open WAL may still be appending to it.
func CleanupWithStats(dir string, config Config) (CleanupStats, error) {
	stats := CleanupStats{}
	files := listOldWALFiles(dir, config)

	if len(files) == 0 {
		return stats, nil
	}

	stats.FilesRemoved = len(files)
	stats.BytesFreed = calculateTotalSize(files)
	stats.OldestRemoved, stats.NewestRemoved = findTimeRange(files)

	for _, file := range files {
		if err := os.Remove(file); err != nil {
			return stats, fmt.Errorf("failed to remove %s: %w", file, err)
		}
	}
	return stats, nil
}

func listOldWALFiles(dir string, config Config) []string {
	prefix := config.FilePrefix
	if prefix == "" {
		prefix = DefaultConfig().FilePrefix
	}
	all := findAllWALFiles(dir, prefix)
	if len(all) <= 1 {
		return nil
	}

	cutoff := time.Now().AddDate(0, 0, -config.RetentionDays)
	var old []string
	for _, file := range all[:len(all)-1] {
		info, err := os.Stat(file)
		if err != nil {
			continue
		}
		if !info.ModTime().After(cutoff) {
			old = append(old, file)
		}
	}
	return old
}

// calculateTotalSize sums file sizes
func calculateTotalSize(files []string) int64 {
	var total int64
	for _, file := range files {
		info, err := os.Stat(file)
		if err == nil {
			total += info.Size()
		}
	}
	return total
}

// findTimeRange returns oldest and newest file modification times
func findTimeRange(files []string) (oldest, newest time.Time) {
	for _, file := range files {
		info, err := os.Stat(file)
		if err != nil {
			continue
		}

		modTime := info.ModTime()
		if oldest.IsZero() || modTime.Before(oldest) {
			oldest = modTime
		}
		if modTime.After(newest) {
			newest = modTime
		}
	}

	return oldest, newest
}
