package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/yairfalse/cellar/config"
	"github.com/yairfalse/cellar/pkg/topology"
)

var (
	discoverCell   string
	discoverRegion string
	discoverTypes  string
	discoverOutput string
)

// discoverCmd represents the discover command
var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "List the resources discovered for a cell",
	Long: `Query one region for resources tagged with a cell's name and print the
registrations synth would add for them. The tag key and AWS profile come
from the config file's discovery section when the file exists.`,
	Example: `  cellar discover --cell west                       # Region from the config
  cellar discover --cell west --region us-west-2    # Explicit region
  cellar discover --cell west --types AWS::SQS::Queue,AWS::EC2::VPC
  cellar discover --cell west -o json`,
	RunE: runDiscover,
}

func init() {
	rootCmd.AddCommand(discoverCmd)

	discoverCmd.Flags().StringVar(&discoverCell, "cell", "", "Cell name (value of the cell tag)")
	discoverCmd.Flags().StringVarP(&discoverRegion, "region", "r", "", "AWS region (default: the cell's region in the config)")
	discoverCmd.Flags().StringVarP(&discoverTypes, "types", "t", "", "Comma-separated resource types (default: all supported)")
	discoverCmd.Flags().StringVarP(&discoverOutput, "output", "o", "table", "Output format: table, json")
	_ = discoverCmd.MarkFlagRequired("cell")
}

func runDiscover(cmd *cobra.Command, _ []string) error {
	if discoverOutput != "table" && discoverOutput != "json" {
		return fmt.Errorf("invalid output format: %s (must be one of: table, json)", discoverOutput)
	}

	discovery := config.DiscoveryConfig{TagKey: config.DefaultTagKey}
	region := discoverRegion
	if _, err := os.Stat(configPath); err == nil {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		discovery = cfg.Discovery
		for _, c := range cfg.Cells {
			if c.Name == discoverCell && region == "" {
				region = c.Region
			}
		}
	}
	if region == "" {
		return fmt.Errorf("no region for cell %s: pass --region or set it in the config", discoverCell)
	}

	types, err := parseTypes(discoverTypes)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	d, err := discovererFactory(discovery)(ctx, region)
	if err != nil {
		return err
	}
	regs, err := d.Discover(ctx, discoverCell, types)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if discoverOutput == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(regs)
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TYPE\tLOCATOR\tCELL")
	for _, r := range regs {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Type, r.Locator, r.Cell)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "%d resource(s) in cell %s (%s)\n", len(regs), discoverCell, region)
	return nil
}

func parseTypes(s string) ([]topology.ResourceType, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var out []topology.ResourceType
	for _, part := range strings.Split(s, ",") {
		t, ok := topology.ParseResourceType(strings.TrimSpace(part))
		if !ok {
			return nil, fmt.Errorf("unknown resource type %q", part)
		}
		out = append(out, t)
	}
	return out, nil
}
