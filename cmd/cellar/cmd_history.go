package main

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/yairfalse/cellar/pkg/topology"
	"github.com/yairfalse/cellar/storage"
)

var (
	historyDiff     int64
	historyArtifact string
	historyAt       int64
	historyKind     string
)

// historyCmd represents the history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show stored topology revisions",
	Long: `List the revisions recorded by synth, show what changed in one of them,
or trace a single artifact across revisions.`,
	Example: `  cellar history                        # List revisions
  cellar history --diff 4               # Changes revision 4 introduced
  cellar history --artifact CellWest    # When an artifact appeared or vanished
  cellar history --artifact CellWest --at 2
  cellar history --kind AWS::Route53RecoveryReadiness::Cell`,
	RunE: runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)

	historyCmd.Flags().Int64Var(&historyDiff, "diff", 0, "Show the changes of this revision against the one before it")
	historyCmd.Flags().StringVar(&historyArtifact, "artifact", "", "Show the history of one logical ID")
	historyCmd.Flags().Int64Var(&historyAt, "at", 0, "With --artifact, show its state as of this revision")
	historyCmd.Flags().StringVar(&historyKind, "kind", "", "List tracked artifacts of one kind")
}

func runHistory(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := storage.NewMVCCStorage(cfg.State.Dir)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	out := cmd.OutOrStdout()
	switch {
	case historyDiff > 0:
		return showRevisionDiff(out, store, historyDiff)
	case historyArtifact != "":
		return showArtifact(out, store, historyArtifact, historyAt)
	case historyKind != "":
		return showKind(out, store, topology.Kind(historyKind))
	default:
		return listRevisions(out, store)
	}
}

func listRevisions(w io.Writer, store storage.SnapshotReader) error {
	revs, err := store.Revisions()
	if err != nil {
		return err
	}
	if len(revs) == 0 {
		_, _ = fmt.Fprintln(w, "No revisions recorded yet. Run `cellar synth` first.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "REVISION\tRECORDED\tCLUSTER\tCELLS\tARTIFACTS\tDIGEST")
	for _, r := range revs {
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\t%s\n",
			r.Revision, r.RecordedAt.Format(time.RFC3339), r.Cluster, r.Cells, r.Artifacts, shortDigest(r.Digest))
	}
	return tw.Flush()
}

// showRevisionDiff compares rev with the newest stored revision before it.
// Compacted predecessors are skipped, so the first kept revision diffs
// against nothing.
func showRevisionDiff(w io.Writer, store storage.SnapshotReader, rev int64) error {
	cur, err := store.Snapshot(rev)
	if err != nil {
		return err
	}

	revs, err := store.Revisions()
	if err != nil {
		return err
	}
	sort.Slice(revs, func(i, j int) bool { return revs[i].Revision < revs[j].Revision })

	var prev *topology.Topology
	prevRev := int64(0)
	for _, r := range revs {
		if r.Revision >= rev {
			break
		}
		prevRev = r.Revision
	}
	if prevRev > 0 {
		snap, err := store.Snapshot(prevRev)
		if err != nil {
			return err
		}
		prev = snap.Topology
	}

	diffs := topology.Diff(prev, cur.Topology)
	_, _ = fmt.Fprintf(w, "Revision %d against %d: %d change(s)\n", rev, prevRev, len(diffs))
	if len(diffs) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "CHANGE\tLOGICAL ID\tKIND\tFIELDS")
	for _, d := range diffs {
		fields := make([]string, 0, len(d.Changes))
		for f := range d.Changes {
			fields = append(fields, f)
		}
		sort.Strings(fields)
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%v\n", d.Type, d.LogicalID, d.Kind, fields)
	}
	return tw.Flush()
}

func showArtifact(w io.Writer, store storage.ArtifactReader, id string, at int64) error {
	var (
		state *storage.ArtifactState
		err   error
	)
	if at > 0 {
		state, err = store.ArtifactStateAt(id, at)
	} else {
		state, err = store.ArtifactState(id)
	}
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("artifact %s was never recorded", id)
	}
	if err != nil {
		return err
	}

	_, _ = fmt.Fprintf(w, "%s (%s) %q\n", state.LogicalID, state.Kind, state.Name)
	_, _ = fmt.Fprintf(w, "  first seen: revision %d\n", state.FirstSeenRev)
	_, _ = fmt.Fprintf(w, "  last seen:  revision %d\n", state.LastSeenRev)
	if !state.Exists {
		_, _ = fmt.Fprintf(w, "  removed:    revision %d\n", state.DisappearedRev)
	}
	return nil
}

func showKind(w io.Writer, store storage.ArtifactReader, kind topology.Kind) error {
	states := store.ArtifactsByKind(kind)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "LOGICAL ID\tNAME\tFIRST\tLAST\tEXISTS")
	for _, s := range states {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%t\n", s.LogicalID, s.Name, s.FirstSeenRev, s.LastSeenRev, s.Exists)
	}
	return tw.Flush()
}

func shortDigest(d string) string {
	if len(d) > 12 {
		return d[:12]
	}
	return d
}
