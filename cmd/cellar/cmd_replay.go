package main

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/yairfalse/cellar/internal/emitter"
	"github.com/yairfalse/cellar/internal/synth"
	"github.com/yairfalse/cellar/pkg/template"
	"github.com/yairfalse/cellar/wal"
)

var (
	replayList   bool
	replayOutput string
	replayFormat string
)

// replayCmd represents the replay command
var replayCmd = &cobra.Command{
	Use:   "replay [run-id]",
	Short: "Rebuild a journaled run",
	Long: `Rebuild the topology of a past synth run from the registrations its
journal recorded, and check it still hashes to the digest the run stored.
Without a run ID the latest run is replayed. No discovery is performed.`,
	Example: `  cellar replay --list                    # List journaled runs
  cellar replay                           # Replay the latest run
  cellar replay 3f2a... -o template.yaml  # Rebuild one run's template`,
	Args: cobra.MaximumNArgs(1),
	RunE: runReplay,
}

func init() {
	rootCmd.AddCommand(replayCmd)

	replayCmd.Flags().BoolVar(&replayList, "list", false, "List journaled runs")
	replayCmd.Flags().StringVarP(&replayOutput, "output", "o", "", "Write the rebuilt template to a file (- for stdout)")
	replayCmd.Flags().StringVarP(&replayFormat, "format", "f", "", "Template format: yaml, json (default from config)")
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if replayList {
		return listRuns(cmd.OutOrStdout(), filepath.Join(cfg.State.Dir, synth.JournalDir))
	}

	var id string
	if len(args) == 1 {
		id = args[0]
	}

	ctx := cmd.Context()
	p := synth.New(cfg, synth.WithLogger(newLogger(cfg)))
	out, err := p.Replay(ctx, id)
	if err != nil && !errors.Is(err, synth.ErrDigestMismatch) {
		return err
	}
	mismatch := err

	if replayOutput != "" {
		format := template.Format(cfg.Output.Format)
		if replayFormat != "" {
			format = template.Format(replayFormat)
		}
		e, ferr := emitter.NewFileEmitter(replayOutput, format)
		if ferr != nil {
			return ferr
		}
		if ferr := e.Emit(ctx, out.Result); ferr != nil {
			return ferr
		}
	}

	if mismatch != nil {
		return mismatch
	}
	_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "Run %s replayed: revision %d, digest %s\n",
		out.Run, out.Revision, shortDigest(out.Digest))
	return nil
}

func listRuns(w io.Writer, dir string) error {
	runs, err := wal.ListRuns(dir)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		_, _ = fmt.Fprintln(w, "No runs journaled yet.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "RUN\tSTARTED\tREGISTRATIONS\tSTATUS\tREVISION")
	for _, r := range runs {
		status, rev := "incomplete", "-"
		switch {
		case r.Summary != nil:
			status = "finalized"
			rev = fmt.Sprintf("%d", r.Summary.Revision)
		case r.Error != "":
			status = "failed"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
			r.ID, r.StartedAt.Format(time.RFC3339), len(r.Registrations), status, rev)
	}
	return tw.Flush()
}
