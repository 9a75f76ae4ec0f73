package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/yairfalse/cellar/internal/emitter"
	"github.com/yairfalse/cellar/internal/synth"
)

var (
	graphFormat string
	graphOutput string
)

// graphCmd represents the graph command
var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Print the artifact dependency graph",
	Long: `Finalize the topology from statically declared resources and print the
dependency graph of its artifacts. Explicit depends-on edges are drawn
bold; the rest are references between artifacts.`,
	Example: `  cellar graph                       # Graphviz DOT to stdout
  cellar graph -f mermaid            # Mermaid flowchart
  cellar graph -o topology.dot       # Write to a file`,
	RunE: runGraph,
}

func init() {
	rootCmd.AddCommand(graphCmd)

	graphCmd.Flags().StringVarP(&graphFormat, "format", "f", "dot", "Graph format: dot, mermaid")
	graphCmd.Flags().StringVarP(&graphOutput, "output", "o", "", "Output file (default stdout)")
}

func runGraph(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.Discovery.Enabled = false

	format := emitter.GraphFormat(graphFormat)
	if format != emitter.GraphDOT && format != emitter.GraphMermaid {
		return fmt.Errorf("invalid graph format: %s (must be one of: dot, mermaid)", graphFormat)
	}

	ctx := cmd.Context()
	p := synth.New(cfg, synth.WithLogger(newLogger(cfg)))
	ctl, err := p.Controller(ctx)
	if err != nil {
		return err
	}
	t, err := ctl.Finalize()
	if err != nil {
		return err
	}

	if graphOutput == "" || graphOutput == "-" {
		g, err := t.Graph()
		if err != nil {
			return err
		}
		rendered := g.DOT()
		if format == emitter.GraphMermaid {
			rendered = g.Mermaid()
		}
		_, err = io.WriteString(cmd.OutOrStdout(), rendered)
		return err
	}

	e, err := emitter.NewGraphEmitter(graphOutput, format)
	if err != nil {
		return err
	}
	defer func() { _ = e.Close() }()
	return e.Emit(ctx, emitter.Result{Topology: t})
}
