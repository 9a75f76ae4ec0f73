package topology

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiff_Identical(t *testing.T) {
	regs := []Registration{{Type: VPC, Locator: "v1", Cell: "west"}}
	assert.Empty(t, Diff(finalize(t, regs), finalize(t, regs)))
}

func TestDiff_FromNothing(t *testing.T) {
	topo := finalize(t, []Registration{{Type: VPC, Locator: "v1", Cell: "west"}})

	diffs := Diff(nil, topo)
	assert.Len(t, diffs, len(topo.Artifacts()))
	for _, d := range diffs {
		assert.Equal(t, DiffAdded, d.Type)
	}
}

func TestDiff_CellAddedAndMemberChanged(t *testing.T) {
	prev := finalize(t, []Registration{
		{Type: VPC, Locator: "v1", Cell: "west"},
	})
	cur := finalize(t, []Registration{
		{Type: VPC, Locator: "v1", Cell: "west"},
		{Type: VPC, Locator: "v2", Cell: "east"},
	})

	diffs := Diff(prev, cur)
	byID := make(map[string]ArtifactDiff, len(diffs))
	for _, d := range diffs {
		byID[d.LogicalID] = d
	}

	east, _ := cur.Cell("east")
	assert.Equal(t, DiffAdded, byID[east.LogicalID].Type)
	assert.Equal(t, KindCell, byID[east.LogicalID].Kind)
	assert.Equal(t, DiffAdded, byID[routingControlLogicalID("east")].Type)
	assert.Equal(t, DiffAdded, byID[healthCheckLogicalID("east")].Type)

	set, _ := cur.ResourceSet(VPC)
	require.Contains(t, byID, set.LogicalID)
	assert.Equal(t, DiffModified, byID[set.LogicalID].Type)
	assert.Contains(t, byID[set.LogicalID].Changes, "members")

	assert.Equal(t, DiffModified, byID[RecoveryGroupLogicalID].Type)
	assert.NotContains(t, byID, ClusterLogicalID)
}

func TestDiff_Deleted(t *testing.T) {
	prev := finalize(t, []Registration{
		{Type: VPC, Locator: "v1", Cell: "west"},
		{Type: SQSQueue, Locator: "q1", Cell: "west"},
	})
	cur := finalize(t, []Registration{
		{Type: VPC, Locator: "v1", Cell: "west"},
	})

	diffs := Diff(prev, cur)
	var deleted []string
	for _, d := range diffs {
		if d.Type == DiffDeleted {
			deleted = append(deleted, d.LogicalID)
		}
	}
	assert.ElementsMatch(t, []string{
		resourceSetLogicalID("Queues"),
		readinessCheckLogicalID("Queues"),
	}, deleted)
}
