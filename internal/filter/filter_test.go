package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/cellar/pkg/topology"
)

func mustNew(t *testing.T, types []topology.ResourceType, locators []string) *Filter {
	t.Helper()
	f, err := New(types, locators)
	require.NoError(t, err)
	return f
}

func TestShouldDiscoverType_NoExclusions(t *testing.T) {
	f := mustNew(t, nil, nil)
	assert.True(t, f.ShouldDiscoverType(topology.VPC))
	assert.True(t, f.ShouldDiscoverType(topology.DBCluster))
	assert.True(t, f.IsEmpty())
}

func TestShouldDiscoverType_WithExclusions(t *testing.T) {
	f := mustNew(t, []topology.ResourceType{topology.SQSQueue, topology.Route53HealthCheck}, nil)
	assert.True(t, f.ShouldDiscoverType(topology.VPC))
	assert.False(t, f.ShouldDiscoverType(topology.SQSQueue))
	assert.False(t, f.ShouldDiscoverType(topology.Route53HealthCheck))
}

func TestShouldInclude_LocatorPattern(t *testing.T) {
	f := mustNew(t, nil, []string{"arn:aws:sqs:*:*:*-dlq", "arn:aws:ec2:*:*:vpc/vpc-legacy*"})

	tests := []struct {
		name    string
		reg     topology.Registration
		include bool
	}{
		{"queue", topology.Registration{Type: topology.SQSQueue, Locator: "arn:aws:sqs:us-west-2:1:orders", Cell: "west"}, true},
		{"dead letter queue", topology.Registration{Type: topology.SQSQueue, Locator: "arn:aws:sqs:us-west-2:1:orders-dlq", Cell: "west"}, false},
		{"legacy vpc", topology.Registration{Type: topology.VPC, Locator: "arn:aws:ec2:us-west-2:1:vpc/vpc-legacy-1", Cell: "west"}, false},
		{"vpc", topology.Registration{Type: topology.VPC, Locator: "arn:aws:ec2:us-west-2:1:vpc/vpc-1", Cell: "west"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.include, f.ShouldInclude(tt.reg))
		})
	}
}

func TestNew_BadPattern(t *testing.T) {
	_, err := New(nil, []string{"arn:[aws"})
	assert.Error(t, err)
}

func TestTypes(t *testing.T) {
	supported := []topology.ResourceType{topology.VPC, topology.SQSQueue, topology.DBCluster}

	f := mustNew(t, []topology.ResourceType{topology.SQSQueue}, nil)
	assert.Equal(t, []topology.ResourceType{topology.VPC, topology.DBCluster}, f.Types(nil, supported))
	assert.Equal(t, []topology.ResourceType{topology.VPC}, f.Types([]topology.ResourceType{topology.VPC, topology.SQSQueue}, supported))

	empty := mustNew(t, nil, nil)
	assert.Nil(t, empty.Types(nil, supported))
}

func TestApply(t *testing.T) {
	regs := []topology.Registration{
		{Type: topology.VPC, Locator: "arn:vpc:1", Cell: "west"},
		{Type: topology.SQSQueue, Locator: "arn:sqs:1", Cell: "west"},
		{Type: topology.DBCluster, Locator: "arn:rds:1", Cell: "west"},
	}

	f := mustNew(t, []topology.ResourceType{topology.SQSQueue}, nil)
	filtered := f.Apply(regs)
	assert.Len(t, filtered, 2)
	assert.Equal(t, topology.VPC, filtered[0].Type)
	assert.Equal(t, topology.DBCluster, filtered[1].Type)

	assert.Equal(t, regs, mustNew(t, nil, nil).Apply(regs))
}
