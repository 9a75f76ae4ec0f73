package emitter

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"
)

// GraphFormat selects the graph rendering.
type GraphFormat string

const (
	GraphDOT     GraphFormat = "dot"
	GraphMermaid GraphFormat = "mermaid"
)

// GraphEmitter writes the artifact dependency graph.
type GraphEmitter struct {
	path   string
	format GraphFormat
	out    io.Writer
}

// NewGraphEmitter creates a graph emitter. An empty path or "-" writes to stdout.
func NewGraphEmitter(path string, format GraphFormat) (*GraphEmitter, error) {
	switch format {
	case GraphDOT, GraphMermaid:
	default:
		return nil, fmt.Errorf("unsupported graph format: %s", format)
	}
	return &GraphEmitter{path: path, format: format, out: os.Stdout}, nil
}

// Emit renders the topology graph.
func (e *GraphEmitter) Emit(_ context.Context, result Result) error {
	if result.Topology == nil {
		return fmt.Errorf("graph emitter: result has no topology")
	}

	g, err := result.Topology.Graph()
	if err != nil {
		return fmt.Errorf("failed to build graph: %w", err)
	}

	var rendered string
	if e.format == GraphMermaid {
		rendered = g.Mermaid()
	} else {
		rendered = g.DOT()
	}

	if e.path == "" || e.path == "-" {
		_, err := io.WriteString(e.out, rendered)
		return err
	}
	if err := writeFileAtomic(e.path, []byte(rendered)); err != nil {
		return err
	}

	log.Info().
		Str("path", e.path).
		Str("format", string(e.format)).
		Int("nodes", len(g.Nodes)).
		Int("edges", len(g.Edges)).
		Msg("graph written")
	return nil
}

// Close is a no-op for graph emitter.
func (e *GraphEmitter) Close() error {
	return nil
}
