package topology

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGraph(t *testing.T) {
	c := New(Props{ClusterName: "shop"})
	c.MustRegister(SQSQueue, "q1", "west").
		MustRegister(SQSQueue, c.AddParameter("eastQueue", "queue"), "east")
	topo, err := c.Finalize()
	require.NoError(t, err)

	g, err := topo.Graph()
	require.NoError(t, err)

	// cluster, panel, parameter, 2 cells, set, check, group, 2 controls, 2 checks
	assert.Len(t, g.Nodes, 12)
	assert.Len(t, g.TopoOrder, len(g.Nodes))

	pos := make(map[string]int, len(g.TopoOrder))
	for i, id := range g.TopoOrder {
		pos[id] = i
	}
	for _, e := range g.Edges {
		assert.Less(t, pos[e.To], pos[e.From], "%s must come after %s", e.From, e.To)
	}

	west, _ := topo.Cell("west")
	set, _ := topo.ResourceSet(SQSQueue)
	assert.Contains(t, g.Edges, GraphEdge{From: set.LogicalID, To: west.LogicalID})
	assert.Contains(t, g.Edges, GraphEdge{From: set.LogicalID, To: "eastQueue"})
	assert.Contains(t, g.Edges, GraphEdge{From: topo.ReadinessChecks[0].LogicalID, To: set.LogicalID, Explicit: true})
	assert.Contains(t, g.Edges, GraphEdge{From: topo.HealthChecks[0].LogicalID, To: topo.RoutingControls[0].LogicalID, Explicit: true})
}

func TestGraph_Exports(t *testing.T) {
	topo := finalize(t, []Registration{{Type: VPC, Locator: "v1", Cell: "west"}})
	g, err := topo.Graph()
	require.NoError(t, err)

	dot := g.DOT()
	assert.Contains(t, dot, "digraph cellar {")
	assert.Contains(t, dot, `(RoutingControl)`)
	assert.Contains(t, dot, "[style=bold]")

	mermaid := g.Mermaid()
	assert.Contains(t, mermaid, "graph TD")
	assert.Contains(t, mermaid, "==>")
	assert.Contains(t, mermaid, "-->")
}

func TestTopoSort_Cycle(t *testing.T) {
	_, err := topoSort([]string{"a", "b", "c"}, map[string][]string{
		"a": {"b"},
		"b": {"c"},
		"c": {"a"},
	})
	require.Error(t, err)

	cycle, ok := err.(CycleDetectedError)
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b", "c", "a"}, cycle.Path)
	assert.Contains(t, err.Error(), "a -> b -> c -> a")
}

func TestGraph_UnknownDependency(t *testing.T) {
	topo := finalize(t, []Registration{{Type: VPC, Locator: "v1", Cell: "west"}})
	topo.HealthChecks[0].DependsOn = []string{"Missing"}

	_, err := topo.Graph()
	var internal *InternalError
	require.ErrorAs(t, err, &internal)
}
