package topology

import (
	"bytes"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_DefaultNames(t *testing.T) {
	c := New(Props{ClusterName: "shop"})

	assert.Equal(t, "shop", c.ClusterName())
	assert.Equal(t, "shop-ControlPanel", c.ControlPanelName())
	assert.Equal(t, "shop-RecoveryGroup", c.RecoveryGroupName())
	assert.Equal(t, Ref{LogicalID: "Cluster", Attribute: "ClusterArn"}, c.ClusterRef())
	assert.Equal(t, Ref{LogicalID: "ControlPanel", Attribute: "ControlPanelArn"}, c.ControlPanelRef())
}

func TestNew_ExplicitNames(t *testing.T) {
	c := New(Props{
		ClusterName:       "shop",
		ControlPanelName:  "panel",
		RecoveryGroupName: "group",
	})

	assert.Equal(t, "panel", c.ControlPanelName())
	assert.Equal(t, "group", c.RecoveryGroupName())
}

func TestRegister_RejectsMalformedInput(t *testing.T) {
	tests := []struct {
		name    string
		rt      ResourceType
		locator string
		cell    string
		field   string
	}{
		{name: "unknown type", rt: "AWS::S3::Bucket", locator: "arn:bucket", cell: "west", field: "resource type"},
		{name: "empty type", rt: "", locator: "arn:x", cell: "west", field: "resource type"},
		{name: "empty cell", rt: SQSQueue, locator: "arn:q", cell: "", field: "cell"},
		{name: "blank cell", rt: SQSQueue, locator: "arn:q", cell: "   ", field: "cell"},
		{name: "empty locator", rt: SQSQueue, locator: "", cell: "west", field: "locator"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(Props{ClusterName: "shop"})
			err := c.Register(tt.rt, tt.locator, tt.cell)
			require.Error(t, err)

			var malformed *MalformedInputError
			require.True(t, errors.As(err, &malformed))
			assert.Equal(t, tt.field, malformed.Field)
			assert.Equal(t, ErrCodeInvalidInput, malformed.Code())
			assert.Empty(t, c.Registrations())
			assert.Empty(t, c.Cells())
		})
	}
}

func TestRegister_CellCreationIsIdempotent(t *testing.T) {
	c := New(Props{ClusterName: "shop"})
	require.NoError(t, c.Register(SQSQueue, "q1", "west"))
	require.NoError(t, c.Register(SNSTopic, "t1", "west"))
	require.NoError(t, c.Register(SQSQueue, "q2", "east"))
	require.NoError(t, c.Register(SQSQueue, "q3", "west"))

	assert.Equal(t, []string{"west", "east"}, c.Cells())
	assert.Len(t, c.Registrations(), 4)
}

func TestRegister_KeepsDuplicates(t *testing.T) {
	c := New(Props{ClusterName: "shop"})
	require.NoError(t, c.Register(SQSQueue, "q1", "west"))
	require.NoError(t, c.Register(SQSQueue, "q1", "west"))

	topo, err := c.Finalize()
	require.NoError(t, err)

	rs, ok := topo.ResourceSet(SQSQueue)
	require.True(t, ok)
	assert.Len(t, rs.Members, 2)
}

func TestMustRegister_Chains(t *testing.T) {
	c := New(Props{ClusterName: "shop"}).
		MustRegister(VPC, "vpc-1", "west").
		MustRegister(VPC, "vpc-2", "east")

	assert.Len(t, c.Registrations(), 2)
}

func TestMustRegister_PanicsOnMalformedInput(t *testing.T) {
	c := New(Props{ClusterName: "shop"})
	assert.Panics(t, func() {
		c.MustRegister(VPC, "vpc-1", "")
	})
}

func TestValidate(t *testing.T) {
	c := New(Props{ClusterName: "shop"})

	violations := c.Validate()
	require.Len(t, violations, 2)
	assert.Equal(t, ViolationNoResources, violations[0].Code)
	assert.Equal(t, "no resources defined", violations[0].Message)
	assert.Equal(t, ViolationNoCells, violations[1].Code)
	assert.Equal(t, "no cells defined", violations[1].Message)

	require.NoError(t, c.Register(VPC, "vpc-1", "west"))
	assert.Empty(t, c.Validate())
	assert.False(t, c.Finalized())
}

func TestFinalize_ValidationGate(t *testing.T) {
	c := New(Props{ClusterName: "shop"})

	topo, err := c.Finalize()
	assert.Nil(t, topo)
	require.Error(t, err)

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Len(t, verr.Violations, 2)
	assert.Contains(t, err.Error(), "no resources defined")
	assert.Contains(t, err.Error(), "no cells defined")
	assert.False(t, c.Finalized())

	// The topology stays open after a failed gate.
	require.NoError(t, c.Register(VPC, "vpc-1", "west"))
	topo, err = c.Finalize()
	require.NoError(t, err)
	assert.Len(t, topo.Cells, 1)
}

func TestFinalize_ExactlyOnce(t *testing.T) {
	c := New(Props{ClusterName: "shop"})
	require.NoError(t, c.Register(VPC, "vpc-1", "west"))
	require.NoError(t, c.Register(VPC, "vpc-2", "east"))

	first, err := c.Finalize()
	require.NoError(t, err)
	second, err := c.Finalize()
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Len(t, second.Cells, 2)
	assert.Len(t, second.ResourceSets, 1)
	assert.Len(t, second.RoutingControls, 2)
	assert.Len(t, second.HealthChecks, 2)
	assert.True(t, c.Finalized())
}

func TestRegister_AfterFinalizeIsRejected(t *testing.T) {
	c := New(Props{ClusterName: "shop"})
	require.NoError(t, c.Register(VPC, "vpc-1", "west"))
	_, err := c.Finalize()
	require.NoError(t, err)

	err = c.Register(VPC, "vpc-2", "east")
	require.ErrorIs(t, err, ErrSealed)
	var malformed *MalformedInputError
	assert.False(t, errors.As(err, &malformed))
	assert.Len(t, c.Registrations(), 1)

	_, err = c.AddEKSCell("us-east-1", EKSCellResources{})
	assert.ErrorIs(t, err, ErrSealed)
	assert.Empty(t, c.Parameters())
}

func TestAddParameter(t *testing.T) {
	c := New(Props{ClusterName: "shop"})

	loc := c.AddParameter("westQueue", "queue ARN")
	assert.Equal(t, "param:westQueue", loc)

	again := c.AddParameter("westQueue", "other description")
	assert.Equal(t, loc, again)

	params := c.Parameters()
	require.Len(t, params, 1)
	assert.Equal(t, "queue ARN", params[0].Description)
}

func TestAddParameter_Names(t *testing.T) {
	c := New(Props{ClusterName: "shop"})

	assert.Equal(t, "param:uswest2VPC", c.AddParameter("us-west-2VPC", "hyphenated"))
	assert.Equal(t, "param:uswest2VPC", c.AddParameter("us-west-2VPC", "again"))

	// Strips to a name already taken by a different declaration.
	clash := c.AddParameter("uswest2-VPC", "clash")
	assert.NotEqual(t, "param:uswest2VPC", clash)
	assert.Regexp(t, `^param:uswest2VPC[0-9A-F]+$`, clash)

	empty := c.AddParameter("--", "nothing left")
	assert.Regexp(t, `^param:[0-9A-F]+$`, empty)

	assert.Len(t, c.Parameters(), 3)
	for _, p := range c.Parameters() {
		assert.Regexp(t, `^[A-Za-z0-9]+$`, p.Name)
	}
}

func TestAddEKSCell(t *testing.T) {
	c := New(Props{ClusterName: "shop"})

	cell, err := c.AddEKSCell("us-west-2", EKSCellResources{
		VPC: "arn:aws:ec2:us-west-2:111:vpc/vpc-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "shop-us-west-2", cell)

	regs := c.Registrations()
	require.Len(t, regs, 3)
	assert.Equal(t, Registration{Type: VPC, Locator: "arn:aws:ec2:us-west-2:111:vpc/vpc-1", Cell: cell}, regs[0])
	assert.Equal(t, Registration{Type: AutoScalingGroup, Locator: "param:uswest2ASG", Cell: cell}, regs[1])
	assert.Equal(t, Registration{Type: ElasticLoadBalancer, Locator: "param:uswest2ALB", Cell: cell}, regs[2])

	params := c.Parameters()
	require.Len(t, params, 2)
	assert.Equal(t, Parameter{Name: "uswest2ASG", Description: "ASG ARN for EKS cluster on us-west-2"}, params[0])
	assert.Equal(t, Parameter{Name: "uswest2ALB", Description: "ALB ARN for EKS cluster on us-west-2"}, params[1])

	topo, err := c.Finalize()
	require.NoError(t, err)
	assert.Len(t, topo.Parameters, 2)
	assert.Equal(t, []string{"VPCs", "AutoScalingGroups", "LoadBalancers"}, resourceSetNames(topo))
}

func TestAddEKSCell_AllParameters(t *testing.T) {
	c := New(Props{ClusterName: "shop"})
	_, err := c.AddEKSCell("eu-west-1", EKSCellResources{})
	require.NoError(t, err)

	params := c.Parameters()
	require.Len(t, params, 3)
	assert.Equal(t, Parameter{Name: "euwest1VPC", Description: "VPC ARN on eu-west-1"}, params[0])
}

func TestAddEKSCell_EmptyRegion(t *testing.T) {
	c := New(Props{ClusterName: "shop"})
	_, err := c.AddEKSCell("", EKSCellResources{})

	var malformed *MalformedInputError
	require.True(t, errors.As(err, &malformed))
	assert.Equal(t, "region", malformed.Field)
}

func TestWithLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)

	c := New(Props{ClusterName: "shop"}, WithLogger(logger))
	require.NoError(t, c.Register(VPC, "vpc-1", "west"))
	_, err := c.Finalize()
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "Registered resource")
	assert.Contains(t, out, "Topology finalized")
	assert.Contains(t, out, `"cells":1`)
}

func resourceSetNames(t *Topology) []string {
	names := make([]string, len(t.ResourceSets))
	for i, rs := range t.ResourceSets {
		names[i] = rs.Name
	}
	return names
}
