// Package wal is an append-only journal of synthesis runs. Every
// registration a run makes is written before the topology is finalized, so
// a run can be replayed later without re-reading config or re-running
// discovery.
package wal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// EntryType defines the type of WAL entry
type EntryType string

const (
	EntryStarted    EntryType = "started"
	EntryParameter  EntryType = "parameter"
	EntryRegistered EntryType = "registered"
	EntryRejected   EntryType = "rejected"
	EntryFinalized  EntryType = "finalized"
	EntryFailed     EntryType = "failed"
)

// Entry represents a single WAL entry
type Entry struct {
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
	Type      EntryType       `json:"type"`
	Run       string          `json:"run,omitempty"`
	Data      json.RawMessage `json:"data"`
	Error     string          `json:"error,omitempty"`
}

// Config controls file naming, rotation and retention.
type Config struct {
	FilePrefix    string
	MaxFileSize   int64
	RetentionDays int
}

// DefaultConfig returns the journal settings used by the CLI.
func DefaultConfig() Config {
	return Config{
		FilePrefix:    "cellar",
		MaxFileSize:   10 * 1024 * 1024,
		RetentionDays: 30,
	}
}

// WAL provides Write-Ahead Logging for audit and recovery
type WAL struct {
	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	size     int64
	sequence int64
	dir      string
	config   Config
}

// Open creates or opens a WAL in the specified directory
func Open(dir string) (*WAL, error) {
	return OpenWithConfig(dir, DefaultConfig())
}

// OpenWithConfig opens a WAL with explicit settings. The sequence continues
// from the highest sequence found in existing files.
func OpenWithConfig(dir string, config Config) (*WAL, error) {
	if config.FilePrefix == "" {
		config.FilePrefix = DefaultConfig().FilePrefix
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	w := &WAL{dir: dir, config: config}
	w.loadSequence()

	if err := w.openFile(); err != nil {
		return nil, err
	}
	return w, nil
}

// Close flushes and closes the WAL
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writer.Flush(); err != nil {
		return err
	}
	return w.file.Close()
}

// Dir returns the directory holding the WAL files.
func (w *WAL) Dir() string {
	return w.dir
}

// Append adds an entry to the WAL
func (w *WAL) Append(entryType EntryType, run string, data interface{}) error {
	return w.append(entryType, run, data, nil)
}

// AppendError adds an error entry to the WAL
func (w *WAL) AppendError(entryType EntryType, run string, data interface{}, errToLog error) error {
	return w.append(entryType, run, data, errToLog)
}

func (w *WAL) append(entryType EntryType, run string, data interface{}, errToLog error) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.shouldRotate() {
		if err := w.rotate(); err != nil {
			return err
		}
	}

	w.sequence++
	entry := Entry{
		Timestamp: time.Now().UTC(),
		Sequence:  w.sequence,
		Type:      entryType,
		Run:       run,
		Data:      jsonData,
	}
	if errToLog != nil {
		entry.Error = errToLog.Error()
	}

	return w.writeEntry(entry)
}

// writeEntry writes a single entry to the WAL
func (w *WAL) writeEntry(entry Entry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	line = append(line, '\n')

	n, err := w.writer.Write(line)
	if err != nil {
		return fmt.Errorf("failed to write entry: %w", err)
	}
	w.size += int64(n)

	// Flush immediately for durability
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}

	return w.file.Sync()
}

func (w *WAL) openFile() error {
	// Timestamp plus first sequence keeps names unique and sortable
	filename := fmt.Sprintf("%s-%s-%012d.wal", w.config.FilePrefix, time.Now().UTC().Format("20060102-150405"), w.sequence+1)
	path := filepath.Join(w.dir, filename)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open WAL file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to stat WAL file: %w", err)
	}

	w.file = file
	w.writer = bufio.NewWriter(file)
	w.size = info.Size()
	return nil
}

func (w *WAL) shouldRotate() bool {
	return w.config.MaxFileSize > 0 && w.size >= w.config.MaxFileSize
}

func (w *WAL) rotate() error {
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush before rotation: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("failed to close WAL file: %w", err)
	}
	return w.openFile()
}

// loadSequence finds the last sequence number across existing files
func (w *WAL) loadSequence() {
	w.sequence = findLastSequenceInFiles(w.listWALFiles())
}

func (w *WAL) listWALFiles() []string {
	return findAllWALFiles(w.dir, w.config.FilePrefix)
}

// Reader provides WAL replay functionality
type Reader struct {
	scanner *bufio.Scanner
	file    *os.File
}

// NewReader creates a WAL reader for the specified file
func NewReader(path string) (*Reader, error) {
	file, err := os.Open(path) //nolint:gosec // journal path comes from the operator
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	return &Reader{
		scanner: scanner,
		file:    file,
	}, nil
}

// Next reads the next entry from the WAL
func (r *Reader) Next() (*Entry, error) {
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}

	var entry Entry
	if err := json.Unmarshal(r.scanner.Bytes(), &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entry: %w", err)
	}

	return &entry, nil
}

// Close closes the reader
func (r *Reader) Close() error {
	return r.file.Close()
}

// Replay calls handler for every entry written after since, in sequence
// order across all files.
func Replay(dir string, since time.Time, handler func(*Entry) error) error {
	for _, file := range findAllWALFiles(dir, DefaultConfig().FilePrefix) {
		if err := replayFile(file, since, handler); err != nil {
			return err
		}
	}
	return nil
}

func replayFile(path string, since time.Time, handler func(*Entry) error) error {
	reader, err := NewReader(path)
	if err != nil {
		return err
	}
	defer func() { _ = reader.Close() }()

	for {
		entry, err := reader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s: %w", filepath.Base(path), err)
		}

		if entry.Timestamp.After(since) {
			if err := handler(entry); err != nil {
				return err
			}
		}
	}
}

// findAllWALFiles returns all WAL files in directory, oldest first
func findAllWALFiles(dir, prefix string) []string {
	pattern := filepath.Join(dir, prefix+"-*.wal")
	files, err := filepath.Glob(pattern)
	if err != nil {
		return nil
	}
	sort.Strings(files)
	return files
}
