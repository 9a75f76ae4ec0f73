package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yairfalse/cellar/internal/synth"
	"github.com/yairfalse/cellar/pkg/template"
	"github.com/yairfalse/cellar/policy"
)

var (
	validateDiscovery bool
	validatePolicy    bool
)

// validateCmd represents the validate command
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check that the topology can be synthesized",
	Long: `Build and finalize the topology without storing or publishing it.
Every validation violation is reported. With --policy the default and
configured policies are evaluated too.`,
	Example: `  cellar validate                # Static resources only
  cellar validate --discovery    # Include discovered resources
  cellar validate --policy       # Also evaluate policies`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().BoolVar(&validateDiscovery, "discovery", false, "Include discovered resources when discovery is enabled")
	validateCmd.Flags().BoolVar(&validatePolicy, "policy", false, "Evaluate policies against the topology")
}

func runValidate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !validateDiscovery {
		cfg.Discovery.Enabled = false
	}

	ctx := cmd.Context()
	logger := newLogger(cfg)
	p := synth.New(cfg, synth.WithLogger(logger), synth.WithDiscoverer(discovererFactory(cfg.Discovery)))

	ctl, err := p.Controller(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if violations := ctl.Validate(); len(violations) > 0 {
		for _, v := range violations {
			_, _ = fmt.Fprintf(out, "✗ %s: %s\n", v.Code, v.Message)
		}
		return fmt.Errorf("topology has %d violation(s)", len(violations))
	}

	t, err := ctl.Finalize()
	if err != nil {
		return err
	}
	if _, err := template.Render(t, template.Options{Description: cfg.Output.Description}); err != nil {
		return err
	}

	if validatePolicy {
		engine := policy.NewPolicyEngine(nil, logger)
		if !cfg.Policies.DisableDefault {
			if err := engine.LoadDefaultPolicies(ctx); err != nil {
				return err
			}
		}
		if cfg.Policies.Dir != "" {
			if err := engine.LoadPolicies(ctx, cfg.Policies.Dir); err != nil {
				return err
			}
		}
		decision, err := engine.EvaluateTopology(ctx, t)
		if err != nil {
			return err
		}
		for _, f := range decision.Findings {
			_, _ = fmt.Fprintf(out, "%s: %s\n", f.Severity, f.Message)
		}
		if denied := decision.Denied(); len(denied) > 0 {
			return &synth.PolicyDeniedError{Findings: denied}
		}
	}

	_, _ = fmt.Fprintf(out, "✓ Topology %s is valid: %d cells, %d resource sets\n",
		t.Cluster.Name, len(t.Cells), len(t.ResourceSets))
	return nil
}
