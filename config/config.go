// Package config loads the YAML description of a failover topology and the
// settings of the tooling around it.
package config

import (
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yairfalse/cellar/pkg/topology"
)

// Config represents the main configuration
type Config struct {
	Version           string          `yaml:"version"`
	ClusterName       string          `yaml:"cluster_name"`
	ControlPanelName  string          `yaml:"control_panel_name,omitempty"`
	RecoveryGroupName string          `yaml:"recovery_group_name,omitempty"`
	Parameters        []ParameterSpec `yaml:"parameters,omitempty"`
	Cells             []CellSpec      `yaml:"cells,omitempty"`
	EKSCells          []EKSCellSpec   `yaml:"eks_cells,omitempty"`
	Discovery         DiscoveryConfig `yaml:"discovery,omitempty"`
	Output            OutputConfig    `yaml:"output,omitempty"`
	State             StateConfig     `yaml:"state,omitempty"`
	Policies          PolicyConfig    `yaml:"policies,omitempty"`
	OTEL              OTELConfig      `yaml:"otel,omitempty"`
	Log               LogConfig       `yaml:"log,omitempty"`
}

// ParameterSpec declares a deploy-time parameter.
type ParameterSpec struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
}

// CellSpec lists the resources of one cell. Region is only used by discovery.
type CellSpec struct {
	Name      string         `yaml:"name"`
	Region    string         `yaml:"region,omitempty"`
	Resources []ResourceSpec `yaml:"resources,omitempty"`
}

// ResourceSpec is a statically declared resource. Exactly one of ARN and
// Parameter is set.
type ResourceSpec struct {
	Type      string `yaml:"type"`
	ARN       string `yaml:"arn,omitempty"`
	Parameter string `yaml:"parameter,omitempty"`
}

// EKSCellSpec declares an EKS cell. Missing ARNs become parameters.
type EKSCellSpec struct {
	Region string `yaml:"region"`
	VPC    string `yaml:"vpc,omitempty"`
	ASG    string `yaml:"asg,omitempty"`
	ALB    string `yaml:"alb,omitempty"`
}

// DiscoveryConfig controls tag-based discovery of cell resources. Exclude
// holds glob patterns matched against discovered ARNs.
type DiscoveryConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Profile      string        `yaml:"profile,omitempty"`
	TagKey       string        `yaml:"tag_key,omitempty"`
	Types        []string      `yaml:"types,omitempty"`
	ExcludeTypes []string      `yaml:"exclude_types,omitempty"`
	Exclude      []string      `yaml:"exclude,omitempty"`
	Timeout      time.Duration `yaml:"timeout,omitempty"`
}

// OutputConfig controls where synthesized artifacts go.
type OutputConfig struct {
	Format          string   `yaml:"format,omitempty"`
	Path            string   `yaml:"path,omitempty"`
	Description     string   `yaml:"description,omitempty"`
	Graph           string   `yaml:"graph,omitempty"`
	GraphPath       string   `yaml:"graph_path,omitempty"`
	S3              S3Config `yaml:"s3,omitempty"`
	MetricsTextfile string   `yaml:"metrics_textfile,omitempty"`
}

// S3Config publishes the template to a bucket when Bucket is set.
type S3Config struct {
	Bucket string `yaml:"bucket,omitempty"`
	Key    string `yaml:"key,omitempty"`
	Region string `yaml:"region,omitempty"`
}

// StateConfig locates the snapshot database and the registration journal.
type StateConfig struct {
	Dir    string `yaml:"dir,omitempty"`
	Retain int    `yaml:"retain,omitempty"`
}

// PolicyConfig selects the Rego policies evaluated after finalization.
type PolicyConfig struct {
	Dir            string `yaml:"dir,omitempty"`
	DisableDefault bool   `yaml:"disable_default,omitempty"`
}

// OTELConfig holds OpenTelemetry settings.
type OTELConfig struct {
	Endpoint    string        `yaml:"endpoint,omitempty"`
	Insecure    bool          `yaml:"insecure,omitempty"`
	ServiceName string        `yaml:"service_name,omitempty"`
	Traces      TracesConfig  `yaml:"traces,omitempty"`
	Metrics     MetricsConfig `yaml:"metrics,omitempty"`
}

// TracesConfig holds tracing settings.
type TracesConfig struct {
	Enabled    bool    `yaml:"enabled"`
	SampleRate float64 `yaml:"sample_rate"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level,omitempty"`
}

// DefaultTagKey is the resource tag that assigns a discovered resource to a cell.
const DefaultTagKey = "cellar:cell"

// LoadConfig loads configuration from file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is intentional user input
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes, defaults and validates a YAML document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Version == "" {
		cfg.Version = "v1"
	}
	if cfg.Discovery.TagKey == "" {
		cfg.Discovery.TagKey = DefaultTagKey
	}
	if cfg.Discovery.Timeout == 0 {
		cfg.Discovery.Timeout = 2 * time.Minute
	}
	if cfg.Output.Format == "" {
		cfg.Output.Format = "yaml"
	}
	if cfg.State.Dir == "" {
		cfg.State.Dir = ".cellar"
	}
	if cfg.State.Retain == 0 {
		cfg.State.Retain = 50
	}
	if cfg.OTEL.ServiceName == "" {
		cfg.OTEL.ServiceName = "cellar"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

// Validate ensures config has required fields
func (c *Config) Validate() error {
	if c.ClusterName == "" {
		return fmt.Errorf("cluster_name is required")
	}

	seen := make(map[string]bool, len(c.Cells))
	for i, cell := range c.Cells {
		if strings.TrimSpace(cell.Name) == "" {
			return fmt.Errorf("cells[%d]: name is required", i)
		}
		if seen[cell.Name] {
			return fmt.Errorf("cells[%d]: duplicate cell %q", i, cell.Name)
		}
		seen[cell.Name] = true

		for j, r := range cell.Resources {
			if _, ok := topology.ParseResourceType(r.Type); !ok {
				return fmt.Errorf("cells[%d].resources[%d]: unknown resource type %q", i, j, r.Type)
			}
			if (r.ARN == "") == (r.Parameter == "") {
				return fmt.Errorf("cells[%d].resources[%d]: exactly one of arn and parameter is required", i, j)
			}
		}
	}

	for i, e := range c.EKSCells {
		if e.Region == "" {
			return fmt.Errorf("eks_cells[%d]: region is required", i)
		}
	}

	for _, t := range append(append([]string(nil), c.Discovery.Types...), c.Discovery.ExcludeTypes...) {
		if _, ok := topology.ParseResourceType(t); !ok {
			return fmt.Errorf("discovery: unknown resource type %q", t)
		}
	}
	for _, p := range c.Discovery.Exclude {
		if _, err := path.Match(p, ""); err != nil {
			return fmt.Errorf("discovery: bad exclude pattern %q: %w", p, err)
		}
	}
	if c.Discovery.Enabled {
		for i, cell := range c.Cells {
			if cell.Region == "" {
				return fmt.Errorf("cells[%d]: region is required when discovery is enabled", i)
			}
		}
	}

	switch c.Output.Format {
	case "json", "yaml":
	default:
		return fmt.Errorf("output: unsupported format %q", c.Output.Format)
	}
	switch c.Output.Graph {
	case "", "dot", "mermaid":
	default:
		return fmt.Errorf("output: unsupported graph format %q", c.Output.Graph)
	}

	if c.State.Retain < 0 {
		return fmt.Errorf("state: retain must not be negative")
	}
	if c.OTEL.Traces.SampleRate < 0.0 || c.OTEL.Traces.SampleRate > 1.0 {
		return fmt.Errorf("otel: traces.sample_rate must be between 0.0 and 1.0 (got %v)", c.OTEL.Traces.SampleRate)
	}
	return nil
}

// Props returns the naming properties of the controller.
func (c *Config) Props() topology.Props {
	return topology.Props{
		ClusterName:       c.ClusterName,
		ControlPanelName:  c.ControlPanelName,
		RecoveryGroupName: c.RecoveryGroupName,
	}
}

// DiscoveryTypes returns the resource types discovery should look for. An
// empty list means every type discovery supports.
func (c *Config) DiscoveryTypes() []topology.ResourceType {
	out := make([]topology.ResourceType, 0, len(c.Discovery.Types))
	for _, s := range c.Discovery.Types {
		if t, ok := topology.ParseResourceType(s); ok {
			out = append(out, t)
		}
	}
	return out
}

// ExcludedTypes returns the resource types discovery must skip.
func (c *Config) ExcludedTypes() []topology.ResourceType {
	out := make([]topology.ResourceType, 0, len(c.Discovery.ExcludeTypes))
	for _, s := range c.Discovery.ExcludeTypes {
		if t, ok := topology.ParseResourceType(s); ok {
			out = append(out, t)
		}
	}
	return out
}

// Apply declares every parameter and registers every static resource on c.
// Cells are registered in file order, then EKS cells.
func (c *Config) Apply(ctl *topology.RecoveryController) error {
	for _, p := range c.Parameters {
		ctl.AddParameter(p.Name, p.Description)
	}

	for _, cell := range c.Cells {
		for _, r := range cell.Resources {
			t, ok := topology.ParseResourceType(r.Type)
			if !ok {
				return fmt.Errorf("cell %s: unknown resource type %q", cell.Name, r.Type)
			}
			locator := r.ARN
			if r.Parameter != "" {
				locator = ctl.AddParameter(r.Parameter, fmt.Sprintf("%s ARN on %s", t.Segment(), cell.Name))
			}
			if err := ctl.Register(t, locator, cell.Name); err != nil {
				return fmt.Errorf("failed to register %s in cell %s: %w", r.Type, cell.Name, err)
			}
		}
	}

	for _, e := range c.EKSCells {
		if _, err := ctl.AddEKSCell(e.Region, topology.EKSCellResources{VPC: e.VPC, ASG: e.ASG, ALB: e.ALB}); err != nil {
			return err
		}
	}
	return nil
}
