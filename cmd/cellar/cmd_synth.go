package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/yairfalse/cellar/internal/synth"
)

var (
	synthOutput      string
	synthFormat      string
	synthGraph       string
	synthGraphPath   string
	synthNoDiscovery bool
)

// synthCmd represents the synth command
var synthCmd = &cobra.Command{
	Use:   "synth",
	Short: "Synthesize the failover topology template",
	Long: `Build the topology from the config and, when enabled, from resources
discovered by tag in each cell's region. The finalized topology is checked
against policy, stored as a new revision if it changed, and published to
every configured output.`,
	Example: `  cellar synth                          # Template to the configured output
  cellar synth -o template.yaml          # Write the template to a file
  cellar synth -f json                   # Emit JSON instead of YAML
  cellar synth --graph mermaid           # Also print the dependency graph
  cellar synth --no-discovery            # Only use statically declared resources`,
	RunE: runSynth,
}

func init() {
	rootCmd.AddCommand(synthCmd)

	synthCmd.Flags().StringVarP(&synthOutput, "output", "o", "", "Template output file (- for stdout)")
	synthCmd.Flags().StringVarP(&synthFormat, "format", "f", "", "Template format: yaml, json")
	synthCmd.Flags().StringVar(&synthGraph, "graph", "", "Also emit the dependency graph: dot, mermaid")
	synthCmd.Flags().StringVar(&synthGraphPath, "graph-output", "", "Graph output file")
	synthCmd.Flags().BoolVar(&synthNoDiscovery, "no-discovery", false, "Skip resource discovery")
}

func runSynth(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if synthOutput != "" {
		cfg.Output.Path = synthOutput
	}
	if synthFormat != "" {
		cfg.Output.Format = synthFormat
	}
	if synthGraph != "" {
		cfg.Output.Graph = synthGraph
	}
	if synthGraphPath != "" {
		cfg.Output.GraphPath = synthGraphPath
	}
	if synthNoDiscovery {
		cfg.Discovery.Enabled = false
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	ctx := cmd.Context()
	p, _, cleanup, err := newPipeline(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	out, err := p.Run(ctx)
	if err != nil {
		return err
	}

	printSynthSummary(cmd.ErrOrStderr(), out)
	return nil
}

func printSynthSummary(w io.Writer, out *synth.Outcome) {
	status := "new revision"
	if out.Unchanged {
		status = "unchanged"
	}
	_, _ = fmt.Fprintf(w, "Revision %d (%s), %d cells, %d resource sets\n",
		out.Revision, status, len(out.Topology.Cells), len(out.Topology.ResourceSets))

	if out.Decision != nil {
		for _, f := range out.Decision.Warnings() {
			_, _ = fmt.Fprintf(w, "warning: %s\n", f.Message)
		}
	}

	if out.Unchanged || len(out.Diffs) == 0 {
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "CHANGE\tLOGICAL ID\tKIND")
	for _, d := range out.Diffs {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", d.Type, d.LogicalID, d.Kind)
	}
	_ = tw.Flush()
}
