// Package emitter publishes synthesized topologies.
package emitter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/yairfalse/cellar/pkg/template"
	"github.com/yairfalse/cellar/pkg/topology"
	"github.com/yairfalse/cellar/policy"
)

// Result is one synthesized topology and everything derived from it.
type Result struct {
	Run      string
	Revision int64
	Digest   string
	Topology *topology.Topology
	Template *template.Template
	Diffs    []topology.ArtifactDiff
	Decision *policy.Decision
}

// Emitter outputs a synthesized topology to a backend.
type Emitter interface {
	// Emit sends the result to the backend.
	Emit(ctx context.Context, result Result) error

	// Close cleans up resources.
	Close() error
}

// MultiEmitter fans out to multiple emitters.
type MultiEmitter struct {
	emitters []Emitter
}

// NewMultiEmitter creates an emitter that sends to multiple backends.
func NewMultiEmitter(emitters ...Emitter) *MultiEmitter {
	return &MultiEmitter{emitters: emitters}
}

// Emit sends to all emitters, returns first error.
func (m *MultiEmitter) Emit(ctx context.Context, result Result) error {
	for _, e := range m.emitters {
		if err := e.Emit(ctx, result); err != nil {
			return err
		}
	}
	return nil
}

// Close closes all emitters and reports every failure.
func (m *MultiEmitter) Close() error {
	var errs []error
	for _, e := range m.emitters {
		if err := e.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of backends.
func (m *MultiEmitter) Len() int {
	return len(m.emitters)
}

// writeFileAtomic replaces path so readers never see a partial file.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil { //nolint:gosec // templates are not secret
		return fmt.Errorf("failed to chmod %s: %w", path, err)
	}
	return os.Rename(tmp.Name(), path)
}
