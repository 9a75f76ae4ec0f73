package template

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/yairfalse/cellar/pkg/topology"
)

func sampleTopology(t *testing.T) *topology.Topology {
	t.Helper()
	c := topology.New(topology.Props{ClusterName: "shop"})
	c.MustRegister(topology.VPC, "arn:vpc:west", "west")
	_, err := c.AddEKSCell("east", topology.EKSCellResources{VPC: "arn:vpc:east", ASG: "arn:asg:east"})
	require.NoError(t, err)
	topo, err := c.Finalize()
	require.NoError(t, err)
	return topo
}

func TestRender(t *testing.T) {
	topo := sampleTopology(t)

	tpl, err := Render(topo, Options{Description: "shop failover"})
	require.NoError(t, err)

	assert.Equal(t, FormatVersion, tpl.AWSTemplateFormatVersion)
	assert.Equal(t, "shop failover", tpl.Description)

	// cluster, panel, 2 cells, 3 sets, 3 checks, group, 2 controls, 2 health checks
	assert.Len(t, tpl.Resources, 15)
	assert.Len(t, tpl.ResourceIDs(topology.KindCell), 2)
	assert.Len(t, tpl.ResourceIDs(topology.KindHealthCheck), 2)

	require.Contains(t, tpl.Parameters, "eastALB")
	assert.Equal(t, "String", tpl.Parameters["eastALB"].Type)
	assert.Equal(t, "ALB ARN for EKS cluster on east", tpl.Parameters["eastALB"].Description)

	lbs, ok := topo.ResourceSet(topology.ElasticLoadBalancer)
	require.True(t, ok)
	set := tpl.Resources[lbs.LogicalID]
	assert.Equal(t, "AWS::Route53RecoveryReadiness::ResourceSet", set.Type)
	assert.Equal(t, "LoadBalancers", set.Properties["ResourceSetName"])
	members := set.Properties["Resources"].([]map[string]any)
	require.Len(t, members, 1)
	assert.Equal(t, Ref("eastALB"), members[0]["ResourceArn"])

	hc := topo.HealthChecks[0]
	res := tpl.Resources[hc.LogicalID]
	assert.Equal(t, "AWS::Route53::HealthCheck", res.Type)
	assert.Equal(t, []string{topo.RoutingControls[0].LogicalID}, res.DependsOn)
	assert.Equal(t, []map[string]string{{"Key": "Name", "Value": "shop-ControlPanel-west"}}, res.Properties["HealthCheckTags"])
	cfg := res.Properties["HealthCheckConfig"].(map[string]any)
	assert.Equal(t, "RECOVERY_CONTROL", cfg["Type"])

	require.Len(t, tpl.Outputs, 2)
	out := tpl.Outputs[topo.Outputs[0].Key]
	assert.Equal(t, "Route 53 Health Check ID for cell west", out.Description)
	assert.Equal(t, GetAtt(hc.ID), out.Value)
}

func TestRender_HyphenatedRegion(t *testing.T) {
	c := topology.New(topology.Props{ClusterName: "shop"})
	_, err := c.AddEKSCell("us-west-2", topology.EKSCellResources{})
	require.NoError(t, err)
	c.MustRegister(topology.VPC, "arn:vpc:east", "shop-eu-west-1")
	topo, err := c.Finalize()
	require.NoError(t, err)

	tpl, err := Render(topo, Options{})
	require.NoError(t, err)

	require.Len(t, tpl.Parameters, 3)
	for name, p := range tpl.Parameters {
		assert.Regexp(t, `^[A-Za-z0-9]+$`, name)
		assert.Contains(t, p.Description, "us-west-2")
	}
	assert.Contains(t, tpl.Parameters, "uswest2VPC")
	assert.Contains(t, tpl.Parameters, "uswest2ASG")
	assert.Contains(t, tpl.Parameters, "uswest2ALB")

	// cluster, panel, 2 cells, 3 sets, 3 checks, group, 2 controls, 2 health checks
	assert.Len(t, tpl.Resources, 15)
	for id := range tpl.Resources {
		assert.Regexp(t, `^[A-Za-z0-9]+$`, id)
		assert.NotContains(t, tpl.Parameters, id)
	}

	vpcs, ok := topo.ResourceSet(topology.VPC)
	require.True(t, ok)
	members := tpl.Resources[vpcs.LogicalID].Properties["Resources"].([]map[string]any)
	require.Len(t, members, 2)
	assert.Equal(t, Ref("uswest2VPC"), members[0]["ResourceArn"])
}

func TestRender_NilTopology(t *testing.T) {
	_, err := Render(nil, Options{})
	assert.Error(t, err)
}

func TestEncode_JSON(t *testing.T) {
	tpl, err := Render(sampleTopology(t), Options{})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, tpl.Encode(&buf, FormatJSON))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "2010-09-09", decoded["AWSTemplateFormatVersion"])
	assert.Contains(t, buf.String(), `"Fn::GetAtt"`)
	assert.NotContains(t, decoded, "Description")
}

func TestEncode_YAML(t *testing.T) {
	tpl, err := Render(sampleTopology(t), Options{})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, tpl.Encode(&buf, FormatYAML))

	var decoded map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &decoded))
	resources := decoded["Resources"].(map[string]any)
	assert.Contains(t, resources, "Cluster")
	assert.Contains(t, buf.String(), "Fn::GetAtt:")
}

func TestEncode_Deterministic(t *testing.T) {
	render := func() string {
		tpl, err := Render(sampleTopology(t), Options{})
		require.NoError(t, err)
		var buf bytes.Buffer
		require.NoError(t, tpl.Encode(&buf, FormatJSON))
		return buf.String()
	}
	assert.Equal(t, render(), render())
}

func TestEncode_UnknownFormat(t *testing.T) {
	tpl := &Template{}
	err := tpl.Encode(&bytes.Buffer{}, Format("toml"))
	assert.Error(t, err)
	assert.True(t, Format("toml").IsUnknown())
	assert.False(t, FormatYAML.IsUnknown())
}
