package wal

import (
	"io"
	"time"
)

// Stats represents WAL statistics
type Stats struct {
	// File statistics
	TotalFiles      int       `json:"total_files"`
	TotalSizeBytes  int64     `json:"total_size_bytes"`
	OldestFile      time.Time `json:"oldest_file"`
	NewestFile      time.Time `json:"newest_file"`
	CurrentFileSize int64     `json:"current_file_size,omitempty"`

	// Sequence statistics
	SequenceCount int64 `json:"sequence_count"`
	FirstSequence int64 `json:"first_sequence"`
	LastSequence  int64 `json:"last_sequence"`

	Runs          int               `json:"runs"`
	EntriesByType map[EntryType]int `json:"entries_by_type"`
}

// GetStats returns current WAL statistics
func (w *WAL) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	stats := GetStatsFromDir(w.dir, w.config)
	stats.CurrentFileSize = w.size
	return stats
}

// GetStatsFromDir returns statistics for a WAL directory (no active WAL needed)
func GetStatsFromDir(dir string, config Config) Stats {
	stats := Stats{EntriesByType: make(map[EntryType]int)}

	prefix := config.FilePrefix
	if prefix == "" {
		prefix = DefaultConfig().FilePrefix
	}
	files := findAllWALFiles(dir, prefix)
	if len(files) == 0 {
		return stats
	}

	stats.TotalFiles = len(files)
	stats.TotalSizeBytes = calculateTotalSize(files)
	stats.OldestFile, stats.NewestFile = findTimeRange(files)

	runs := make(map[string]bool)
	for _, file := range files {
		scanFile(file, func(e *Entry) {
			if stats.FirstSequence == 0 || e.Sequence < stats.FirstSequence {
				stats.FirstSequence = e.Sequence
			}
			if e.Sequence > stats.LastSequence {
				stats.LastSequence = e.Sequence
			}
			stats.EntriesByType[e.Type]++
			if e.Run != "" {
				runs[e.Run] = true
			}
		})
	}
	stats.Runs = len(runs)
	if stats.LastSequence >= stats.FirstSequence && stats.LastSequence > 0 {
		stats.SequenceCount = stats.LastSequence - stats.FirstSequence + 1
	}

	return stats
}

// findLastSequenceInFiles finds highest sequence across files
func findLastSequenceInFiles(files []string) int64 {
	maxSeq := int64(0)
	for _, file := range files {
		scanFile(file, func(e *Entry) {
			if e.Sequence > maxSeq {
				maxSeq = e.Sequence
			}
		})
	}
	return maxSeq
}

// scanFile visits every readable entry, skipping corrupted lines.
func scanFile(path string, visit func(*Entry)) {
	reader, err := NewReader(path)
	if err != nil {
		return
	}
	defer func() { _ = reader.Close() }()

	for {
		entry, err := reader.Next()
		if err == io.EOF {
			return
		}
		if err != nil {
			if reader.scanner.Err() != nil {
				return
			}
			continue
		}
		visit(entry)
	}
}
