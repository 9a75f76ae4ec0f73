package emitter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/yairfalse/cellar/pkg/template"
)

// FileEmitter writes the rendered template to a file, or to stdout when the
// path is empty or "-".
type FileEmitter struct {
	path   string
	format template.Format
	out    io.Writer
}

// NewFileEmitter creates a file emitter.
func NewFileEmitter(path string, format template.Format) (*FileEmitter, error) {
	if format.IsUnknown() {
		return nil, fmt.Errorf("unsupported format: %s", format)
	}
	return &FileEmitter{path: path, format: format, out: os.Stdout}, nil
}

// Emit encodes the template and writes it out.
func (e *FileEmitter) Emit(_ context.Context, result Result) error {
	if result.Template == nil {
		return fmt.Errorf("file emitter: result has no template")
	}

	var buf bytes.Buffer
	if err := result.Template.Encode(&buf, e.format); err != nil {
		return err
	}

	if e.path == "" || e.path == "-" {
		_, err := e.out.Write(buf.Bytes())
		return err
	}

	if err := writeFileAtomic(e.path, buf.Bytes()); err != nil {
		return err
	}

	log.Info().
		Str("path", e.path).
		Str("format", string(e.format)).
		Int("resources", len(result.Template.Resources)).
		Msg("template written")
	return nil
}

// Close is a no-op for file emitter.
func (e *FileEmitter) Close() error {
	return nil
}
