package main

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/yairfalse/cellar/internal/synth"
	"github.com/yairfalse/cellar/wal"
)

var (
	journalJSON          bool
	journalRetentionDays int
)

// journalCmd groups journal maintenance commands
var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Inspect and maintain the synthesis journal",
}

var journalStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show journal statistics",
	RunE:  runJournalStats,
}

var journalCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove journal files past the retention period",
	Example: `  cellar journal cleanup                    # Default 30 day retention
  cellar journal cleanup --retention-days 7`,
	RunE: runJournalCleanup,
}

func init() {
	rootCmd.AddCommand(journalCmd)
	journalCmd.AddCommand(journalStatsCmd, journalCleanupCmd)

	journalStatsCmd.Flags().BoolVar(&journalJSON, "json", false, "Print statistics as JSON")
	journalCleanupCmd.Flags().IntVar(&journalRetentionDays, "retention-days", wal.DefaultConfig().RetentionDays, "Keep files newer than this many days")
}

func journalDir() (string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	return filepath.Join(cfg.State.Dir, synth.JournalDir), nil
}

func runJournalStats(cmd *cobra.Command, _ []string) error {
	dir, err := journalDir()
	if err != nil {
		return err
	}
	stats := wal.GetStatsFromDir(dir, wal.DefaultConfig())

	out := cmd.OutOrStdout()
	if journalJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	}

	_, _ = fmt.Fprintf(out, "Files:     %d (%d bytes)\n", stats.TotalFiles, stats.TotalSizeBytes)
	if stats.TotalFiles > 0 {
		_, _ = fmt.Fprintf(out, "Range:     %s to %s\n", stats.OldestFile.Format(time.RFC3339), stats.NewestFile.Format(time.RFC3339))
	}
	_, _ = fmt.Fprintf(out, "Entries:   %d (sequence %d-%d)\n", stats.SequenceCount, stats.FirstSequence, stats.LastSequence)
	_, _ = fmt.Fprintf(out, "Runs:      %d\n", stats.Runs)

	types := make([]string, 0, len(stats.EntriesByType))
	for t := range stats.EntriesByType {
		types = append(types, string(t))
	}
	sort.Strings(types)

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, t := range types {
		_, _ = fmt.Fprintf(tw, "  %s\t%d\n", t, stats.EntriesByType[wal.EntryType(t)])
	}
	return tw.Flush()
}

func runJournalCleanup(cmd *cobra.Command, _ []string) error {
	if journalRetentionDays < 1 {
		return fmt.Errorf("retention-days must be at least 1")
	}
	dir, err := journalDir()
	if err != nil {
		return err
	}

	cfg := wal.DefaultConfig()
	cfg.RetentionDays = journalRetentionDays
	stats, err := wal.CleanupWithStats(dir, cfg)
	if err != nil {
		return err
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Removed %d file(s), freed %d bytes\n", stats.FilesRemoved, stats.BytesFreed)
	return nil
}
