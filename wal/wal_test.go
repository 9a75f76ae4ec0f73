package wal

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWAL_AppendAndRead(t *testing.T) {
	dir := t.TempDir()

	w, err := Open(dir)
	if err != nil {
		t.Fatalf("Failed to open WAL: %v", err)
	}

	if err := w.Append(EntryRegistered, "run-1", map[string]string{"cell": "west"}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := w.AppendError(EntryFailed, "run-1", nil, errors.New("boom")); err != nil {
		t.Fatalf("AppendError failed: %v", err)
	}
	_ = w.Close()

	files := findAllWALFiles(dir, "cellar")
	if len(files) != 1 {
		t.Fatalf("Expected 1 WAL file, got %d", len(files))
	}

	reader, err := NewReader(files[0])
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	defer func() { _ = reader.Close() }()

	first, err := reader.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if first.Sequence != 1 || first.Type != EntryRegistered || first.Run != "run-1" {
		t.Errorf("Unexpected first entry: %+v", first)
	}
	if string(first.Data) != `{"cell":"west"}` {
		t.Errorf("Data = %s", first.Data)
	}

	second, err := reader.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if second.Error != "boom" {
		t.Errorf("Error = %q, want boom", second.Error)
	}

	if _, err := reader.Next(); err != io.EOF {
		t.Errorf("Expected EOF, got %v", err)
	}
}

func TestWAL_UnmarshalableData(t *testing.T) {
	w, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = w.Close() }()

	if err := w.Append(EntryParameter, "run", make(chan int)); err == nil {
		t.Error("Expected marshal error")
	}
	if w.sequence != 0 {
		t.Errorf("Sequence should not advance on failure, got %d", w.sequence)
	}
}

func TestLoadSequence_EmptyDirectory(t *testing.T) {
	w, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to open WAL: %v", err)
	}
	defer func() { _ = w.Close() }()

	if w.sequence != 0 {
		t.Errorf("Empty directory should start at sequence 0, got %d", w.sequence)
	}
}

func TestLoadSequence_MultipleFiles(t *testing.T) {
	dir := t.TempDir()

	w1, _ := Open(dir)
	_ = w1.Append(EntryRegistered, "r1", nil)
	_ = w1.Append(EntryRegistered, "r1", nil)
	_ = w1.Close()

	w2, _ := Open(dir)
	_ = w2.Append(EntryRegistered, "r2", nil)
	_ = w2.Append(EntryRegistered, "r2", nil)
	_ = w2.Append(EntryRegistered, "r2", nil)
	_ = w2.Close()

	w3, err := Open(dir)
	if err != nil {
		t.Fatalf("Failed to open third WAL: %v", err)
	}
	defer func() { _ = w3.Close() }()

	if w3.sequence != 5 {
		t.Errorf("Expected sequence 5, got %d", w3.sequence)
	}
}

func TestFileRotation_SequenceContinuity(t *testing.T) {
	dir := t.TempDir()

	config := DefaultConfig()
	config.MaxFileSize = 500 // Very small to force rotation

	w, err := OpenWithConfig(dir, config)
	if err != nil {
		t.Fatalf("Failed to open WAL: %v", err)
	}

	for i := 0; i < 20; i++ {
		_ = w.Append(EntryRegistered, "run", "some data")
	}
	_ = w.Close()

	if w.sequence != 20 {
		t.Errorf("Expected sequence 20, got %d", w.sequence)
	}

	files := findAllWALFiles(dir, "cellar")
	if len(files) < 2 {
		t.Fatalf("Expected rotation into several files, got %d", len(files))
	}

	var last int64
	err = Replay(dir, time.Time{}, func(e *Entry) error {
		if e.Sequence != last+1 {
			t.Errorf("Sequence gap: %d after %d", e.Sequence, last)
		}
		last = e.Sequence
		return nil
	})
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if last != 20 {
		t.Errorf("Expected to replay 20 entries, got %d", last)
	}
}

func TestReplay_Since(t *testing.T) {
	dir := t.TempDir()
	w, _ := Open(dir)
	_ = w.Append(EntryRegistered, "old", nil)
	cut := time.Now().UTC()
	time.Sleep(5 * time.Millisecond)
	_ = w.Append(EntryRegistered, "new", nil)
	_ = w.Close()

	var runs []string
	_ = Replay(dir, cut, func(e *Entry) error {
		runs = append(runs, e.Run)
		return nil
	})
	if len(runs) != 1 || runs[0] != "new" {
		t.Errorf("Replay since cut = %v, want [new]", runs)
	}
}

func TestReplay_HandlerError(t *testing.T) {
	dir := t.TempDir()
	w, _ := Open(dir)
	_ = w.Append(EntryRegistered, "run", nil)
	_ = w.Close()

	stop := errors.New("stop")
	if err := Replay(dir, time.Time{}, func(*Entry) error { return stop }); !errors.Is(err, stop) {
		t.Errorf("Expected handler error, got %v", err)
	}
}

func TestReplay_CorruptedEntry(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cellar-20250101-000000-000000000001.wal")
	if err := os.WriteFile(path, []byte("{not json\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := Replay(dir, time.Time{}, func(*Entry) error { return nil }); err == nil {
		t.Error("Expected error for corrupted entry")
	}

	// Sequence recovery skips the bad line instead of failing.
	w, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = w.Close() }()
	if w.sequence != 0 {
		t.Errorf("Expected sequence 0, got %d", w.sequence)
	}
}
