package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/cellar/pkg/topology"
)

func TestLoadConfig(t *testing.T) {
	content := `
version: v1
cluster_name: shop

parameters:
  - name: westQueue
    description: queue ARN on west

cells:
  - name: west
    region: us-west-2
    resources:
      - type: AutoScalingGroup
        arn: arn:aws:autoscaling:us-west-2:111:autoScalingGroup:a:autoScalingGroupName/web
      - type: AWS::SQS::Queue
        parameter: westQueue
  - name: east
    region: us-east-1
    resources:
      - type: DBCluster
        arn: arn:aws:rds:us-east-1:111:cluster:orders

eks_cells:
  - region: eu-west-1
    vpc: arn:aws:ec2:eu-west-1:111:vpc/vpc-1

discovery:
  enabled: true
  timeout: 30s
  types: [SQSQueue, VPC]
  exclude_types: [DynamoDBTable]
  exclude:
    - "arn:aws:sqs:*:*:*-dlq"

output:
  format: json
  graph: mermaid
  s3:
    bucket: templates
    key: shop/template.json

otel:
  endpoint: localhost:4317
  insecure: true
  traces:
    enabled: true
    sample_rate: 0.5
`
	path := writeTempConfig(t, content)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "shop", cfg.ClusterName)
	require.Len(t, cfg.Cells, 2)
	assert.Equal(t, "us-west-2", cfg.Cells[0].Region)
	assert.Len(t, cfg.Cells[0].Resources, 2)
	require.Len(t, cfg.EKSCells, 1)
	assert.True(t, cfg.Discovery.Enabled)
	assert.Equal(t, 30*time.Second, cfg.Discovery.Timeout)
	assert.Equal(t, []topology.ResourceType{topology.SQSQueue, topology.VPC}, cfg.DiscoveryTypes())
	assert.Equal(t, []topology.ResourceType{topology.DynamoDBTable}, cfg.ExcludedTypes())
	assert.Equal(t, []string{"arn:aws:sqs:*:*:*-dlq"}, cfg.Discovery.Exclude)
	assert.Equal(t, "json", cfg.Output.Format)
	assert.Equal(t, "templates", cfg.Output.S3.Bucket)
	assert.Equal(t, 0.5, cfg.OTEL.Traces.SampleRate)
}

func TestLoadConfig_Defaults(t *testing.T) {
	path := writeTempConfig(t, "cluster_name: shop\n")
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "v1", cfg.Version)
	assert.Equal(t, DefaultTagKey, cfg.Discovery.TagKey)
	assert.Equal(t, 2*time.Minute, cfg.Discovery.Timeout)
	assert.Equal(t, "yaml", cfg.Output.Format)
	assert.Equal(t, ".cellar", cfg.State.Dir)
	assert.Equal(t, 50, cfg.State.Retain)
	assert.Equal(t, "cellar", cfg.OTEL.ServiceName)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	_, err := LoadConfig("/nonexistent/cellar.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := writeTempConfig(t, "cluster_name: [shop\n")
	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config")
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		cfg := Config{ClusterName: "shop"}
		applyDefaults(&cfg)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{name: "missing cluster name", mutate: func(c *Config) { c.ClusterName = "" }, wantErr: "cluster_name"},
		{
			name:    "empty cell name",
			mutate:  func(c *Config) { c.Cells = []CellSpec{{Name: " "}} },
			wantErr: "name is required",
		},
		{
			name:    "duplicate cell",
			mutate:  func(c *Config) { c.Cells = []CellSpec{{Name: "west"}, {Name: "west"}} },
			wantErr: "duplicate cell",
		},
		{
			name: "unknown resource type",
			mutate: func(c *Config) {
				c.Cells = []CellSpec{{Name: "west", Resources: []ResourceSpec{{Type: "AWS::S3::Bucket", ARN: "arn"}}}}
			},
			wantErr: "unknown resource type",
		},
		{
			name: "arn and parameter",
			mutate: func(c *Config) {
				c.Cells = []CellSpec{{Name: "west", Resources: []ResourceSpec{{Type: "VPC", ARN: "arn", Parameter: "p"}}}}
			},
			wantErr: "exactly one",
		},
		{
			name:    "eks cell without region",
			mutate:  func(c *Config) { c.EKSCells = []EKSCellSpec{{}} },
			wantErr: "region is required",
		},
		{
			name: "discovery needs regions",
			mutate: func(c *Config) {
				c.Discovery.Enabled = true
				c.Cells = []CellSpec{{Name: "west"}}
			},
			wantErr: "when discovery is enabled",
		},
		{
			name:    "unknown excluded type",
			mutate:  func(c *Config) { c.Discovery.ExcludeTypes = []string{"Bucket"} },
			wantErr: "unknown resource type",
		},
		{
			name:    "bad exclude pattern",
			mutate:  func(c *Config) { c.Discovery.Exclude = []string{"arn:[aws"} },
			wantErr: "bad exclude pattern",
		},
		{name: "bad format", mutate: func(c *Config) { c.Output.Format = "toml" }, wantErr: "unsupported format"},
		{name: "bad graph", mutate: func(c *Config) { c.Output.Graph = "png" }, wantErr: "unsupported graph"},
		{name: "sample rate", mutate: func(c *Config) { c.OTEL.Traces.SampleRate = 1.5 }, wantErr: "sample_rate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_Apply(t *testing.T) {
	cfg, err := Parse([]byte(`
cluster_name: shop
cells:
  - name: west
    resources:
      - type: VPC
        arn: arn:vpc:west
      - type: SQSQueue
        parameter: westQueue
eks_cells:
  - region: east
`))
	require.NoError(t, err)

	ctl := topology.New(cfg.Props())
	require.NoError(t, cfg.Apply(ctl))

	assert.Equal(t, []string{"west", "shop-east"}, ctl.Cells())
	regs := ctl.Registrations()
	require.Len(t, regs, 5)
	assert.Equal(t, topology.Registration{Type: topology.SQSQueue, Locator: "param:westQueue", Cell: "west"}, regs[1])
	assert.Len(t, ctl.Parameters(), 4)

	topo, err := ctl.Finalize()
	require.NoError(t, err)
	assert.Len(t, topo.Cells, 2)
}

func TestApply_UnknownTypeWithoutValidate(t *testing.T) {
	cfg := &Config{
		ClusterName: "shop",
		Cells: []CellSpec{{
			Name:      "west",
			Resources: []ResourceSpec{{Type: "AWS::S3::Bucket", ARN: "arn:aws:s3:::assets"}},
		}},
	}

	ctl := topology.New(cfg.Props())
	err := cfg.Apply(ctl)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown resource type "AWS::S3::Bucket"`)
	assert.Empty(t, ctl.Registrations())
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cellar.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}
