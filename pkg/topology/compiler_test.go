package topology

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func finalize(t *testing.T, regs []Registration) *Topology {
	t.Helper()
	c := New(Props{ClusterName: "shop"})
	for _, r := range regs {
		require.NoError(t, c.Register(r.Type, r.Locator, r.Cell))
	}
	topo, err := c.Finalize()
	require.NoError(t, err)
	return topo
}

func TestFinalize_SingleResource(t *testing.T) {
	topo := finalize(t, []Registration{
		{Type: AutoScalingGroup, Locator: "arn:asg:1", Cell: "us-west-2"},
	})

	require.Len(t, topo.Cells, 1)
	cell := topo.Cells[0]
	assert.Equal(t, "us-west-2", cell.Name)
	assert.Equal(t, AttrCellArn, cell.Arn.Attribute)

	require.Len(t, topo.ResourceSets, 1)
	rs := topo.ResourceSets[0]
	assert.Equal(t, "AutoScalingGroups", rs.Name)
	assert.Equal(t, AutoScalingGroup, rs.Type)
	require.Len(t, rs.Members, 1)
	assert.Equal(t, "arn:asg:1", rs.Members[0].Locator)
	assert.Equal(t, cell.Arn, rs.Members[0].ReadinessScope)

	require.Len(t, topo.ReadinessChecks, 1)
	rc := topo.ReadinessChecks[0]
	assert.Equal(t, "AutoScalingGroups-ReadinessCheck", rc.Name)
	assert.Equal(t, "AutoScalingGroups", rc.ResourceSet)
	assert.Equal(t, []string{rs.LogicalID}, rc.DependsOn)

	assert.Equal(t, "shop-RecoveryGroup", topo.RecoveryGroup.Name)
	assert.Equal(t, []Ref{cell.Arn}, topo.RecoveryGroup.Cells)

	require.Len(t, topo.RoutingControls, 1)
	ctl := topo.RoutingControls[0]
	assert.Equal(t, "shop-ControlPanel-us-west-2", ctl.Name)
	assert.Equal(t, topo.Cluster.Arn, ctl.Cluster)
	assert.Equal(t, topo.ControlPanel.Arn, ctl.ControlPanel)

	require.Len(t, topo.HealthChecks, 1)
	hc := topo.HealthChecks[0]
	assert.Equal(t, HealthCheckRecoveryControl, hc.Kind)
	assert.Equal(t, ctl.Arn, hc.RoutingControl)
	assert.Equal(t, []string{ctl.LogicalID}, hc.DependsOn)

	assert.Equal(t, ctl.Arn, cell.RoutingControl)
	assert.Equal(t, hc.ID, cell.HealthCheck)

	require.Len(t, topo.Outputs, 1)
	assert.Equal(t, "us-west-2", topo.Outputs[0].Cell)
	assert.Equal(t, hc.ID, topo.Outputs[0].Value)
	assert.Equal(t, "Route 53 Health Check ID for cell us-west-2", topo.Outputs[0].Description)
	assert.Equal(t, map[string]Ref{"us-west-2": hc.ID}, topo.HealthCheckOutputs())
}

func TestFinalize_MixedTypesAndCells(t *testing.T) {
	topo := finalize(t, []Registration{
		{Type: AutoScalingGroup, Locator: "a1", Cell: "west"},
		{Type: DBCluster, Locator: "b1", Cell: "east"},
		{Type: AutoScalingGroup, Locator: "a2", Cell: "west"},
		{Type: DBCluster, Locator: "b2", Cell: "west"},
	})

	assert.Equal(t, []string{"west", "east"}, cellNames(topo))
	assert.Equal(t, []string{"AutoScalingGroups", "DBClusters"}, resourceSetNames(topo))

	west, _ := topo.Cell("west")
	east, _ := topo.Cell("east")

	dbs, ok := topo.ResourceSet(DBCluster)
	require.True(t, ok)
	assert.Equal(t, []Member{
		{Locator: "b1", ReadinessScope: east.Arn},
		{Locator: "b2", ReadinessScope: west.Arn},
	}, dbs.Members)

	assert.Equal(t, []Ref{west.Arn, east.Arn}, topo.RecoveryGroup.Cells)
}

func TestFinalize_Completeness(t *testing.T) {
	regs := []Registration{
		{Type: SQSQueue, Locator: "q1", Cell: "a"},
		{Type: SNSTopic, Locator: "t1", Cell: "b"},
		{Type: SQSQueue, Locator: "q2", Cell: "c"},
		{Type: VPC, Locator: "v1", Cell: "a"},
		{Type: SNSTopic, Locator: "t1", Cell: "b"},
	}
	topo := finalize(t, regs)

	// Every registration appears exactly once in the set for its type.
	total := 0
	for _, rs := range topo.ResourceSets {
		total += len(rs.Members)
	}
	assert.Equal(t, len(regs), total)

	// Exactly one readiness check per set.
	assert.Len(t, topo.ReadinessChecks, len(topo.ResourceSets))

	// One routing control and health check per cell.
	assert.Len(t, topo.RoutingControls, len(topo.Cells))
	assert.Len(t, topo.HealthChecks, len(topo.Cells))
	assert.Len(t, topo.Outputs, len(topo.Cells))
	assert.Len(t, topo.RecoveryGroup.Cells, len(topo.Cells))
}

func TestFinalize_OrderIndependence(t *testing.T) {
	regs := []Registration{
		{Type: AutoScalingGroup, Locator: "a1", Cell: "west"},
		{Type: DBCluster, Locator: "b1", Cell: "east"},
		{Type: AutoScalingGroup, Locator: "a2", Cell: "west"},
	}

	type shape struct {
		cells   map[string]bool
		sets    map[string][]string
		group   map[string]bool
		pairs   map[string]string
		outputs map[string]string
	}
	shapeOf := func(topo *Topology) shape {
		s := shape{
			cells:   map[string]bool{},
			sets:    map[string][]string{},
			group:   map[string]bool{},
			pairs:   map[string]string{},
			outputs: map[string]string{},
		}
		for _, c := range topo.Cells {
			s.cells[c.Name] = true
		}
		for _, rs := range topo.ResourceSets {
			var members []string
			for _, m := range rs.Members {
				members = append(members, m.Locator+"@"+m.ReadinessScope.LogicalID)
			}
			s.sets[rs.Name] = members
		}
		for _, r := range topo.RecoveryGroup.Cells {
			s.group[r.LogicalID] = true
		}
		for _, rc := range topo.RoutingControls {
			s.pairs[rc.Cell] = rc.Name
		}
		for _, o := range topo.Outputs {
			s.outputs[o.Key] = o.Value.String()
		}
		return s
	}

	var reference *shape
	for _, perm := range permutations(regs) {
		got := shapeOf(finalize(t, perm))
		if reference == nil {
			reference = &got
			continue
		}
		assert.Equal(t, reference.cells, got.cells)
		assert.Equal(t, reference.group, got.group)
		assert.Equal(t, reference.pairs, got.pairs)
		assert.Equal(t, reference.outputs, got.outputs)
		for name, members := range reference.sets {
			assert.ElementsMatch(t, members, got.sets[name], "resource set %s", name)
		}
		assert.Len(t, got.sets, len(reference.sets))
	}
	require.NotNil(t, reference)
	assert.Len(t, reference.cells, 2)
	assert.Len(t, reference.sets["AutoScalingGroups"], 2)
	assert.Len(t, reference.sets["DBClusters"], 1)
}

func TestFinalize_Deterministic(t *testing.T) {
	regs := []Registration{
		{Type: VPC, Locator: "v1", Cell: "us-east-1"},
		{Type: SQSQueue, Locator: "q1", Cell: "us-west-2"},
	}
	assert.Equal(t, finalize(t, regs), finalize(t, regs))
}

func TestCompile_UnresolvedCellIsInternalError(t *testing.T) {
	r := newRegistry()
	r.add(Registration{Type: VPC, Locator: "v1", Cell: "west"})
	// Corrupt the registry so a registration names a cell that was never created.
	r.registrations = append(r.registrations, Registration{Type: VPC, Locator: "v2", Cell: "ghost"})
	r.byType[VPC] = append(r.byType[VPC], 1)

	topo, err := compile(identity{clusterName: "shop"}, r, nil)
	assert.Nil(t, topo)
	require.Error(t, err)

	var internal *InternalError
	require.True(t, errors.As(err, &internal))
	assert.Equal(t, ErrCodeInternal, internal.Code())
	assert.Contains(t, err.Error(), "ghost")
}

func TestTopology_Lookups(t *testing.T) {
	topo := finalize(t, []Registration{{Type: VPC, Locator: "v1", Cell: "west"}})

	_, ok := topo.Cell("east")
	assert.False(t, ok)
	_, ok = topo.ResourceSet(SQSQueue)
	assert.False(t, ok)
}

func cellNames(t *Topology) []string {
	names := make([]string, len(t.Cells))
	for i, c := range t.Cells {
		names[i] = c.Name
	}
	return names
}

func permutations(in []Registration) [][]Registration {
	if len(in) <= 1 {
		return [][]Registration{append([]Registration(nil), in...)}
	}
	var out [][]Registration
	for i := range in {
		rest := make([]Registration, 0, len(in)-1)
		rest = append(rest, in[:i]...)
		rest = append(rest, in[i+1:]...)
		for _, p := range permutations(rest) {
			out = append(out, append([]Registration{in[i]}, p...))
		}
	}
	return out
}

func TestFinalize_LogicalIDCollision(t *testing.T) {
	tests := []struct {
		name   string
		build  func(c *RecoveryController)
		wantID string
	}{
		{
			name: "parameter and cluster",
			build: func(c *RecoveryController) {
				c.MustRegister(VPC, c.AddParameter("Cluster", "shadows the cluster"), "west")
			},
			wantID: ClusterLogicalID,
		},
		{
			name: "parameter and cell",
			build: func(c *RecoveryController) {
				c.MustRegister(VPC, c.AddParameter("CellWest", "shadows a cell"), "West")
			},
			wantID: "CellWest",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(Props{ClusterName: "shop"})
			tt.build(c)

			topo, err := c.Finalize()
			assert.Nil(t, topo)

			var internal *InternalError
			require.True(t, errors.As(err, &internal))
			assert.Contains(t, internal.Message, tt.wantID)
			assert.False(t, c.Finalized())
		})
	}
}

func TestFinalize_LogicalIDsAreUniqueAndAlphanumeric(t *testing.T) {
	tests := []struct {
		name    string
		cells   []string
		regions []string
	}{
		{name: "regions as cells", cells: []string{"us-west-2", "eu-west-1"}},
		{name: "same after stripping", cells: []string{"us-west-2", "uswest2", "us_west_2"}},
		{name: "case only", cells: []string{"west", "West", "WEST"}},
		{name: "kind words", cells: []string{"CellFoo", "FooRoutingControl", "Cell", "RoutingControl", "HealthCheck", "ReadinessCheckVPCs"}},
		{name: "no alphanumerics", cells: []string{"--", "..", "ü"}},
		{name: "eks regions", cells: []string{"west"}, regions: []string{"us-west-2", "eu-west-1", "ap-south-1"}},
	}

	alnum := `^[A-Za-z0-9]+$`
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(Props{ClusterName: "shop-prod"})
			for i, cell := range tt.cells {
				c.MustRegister(VPC, "v"+cell, cell)
				if i%2 == 0 {
					c.MustRegister(SQSQueue, "q"+cell, cell)
				}
			}
			for _, region := range tt.regions {
				_, err := c.AddEKSCell(region, EKSCellResources{})
				require.NoError(t, err)
			}

			topo, err := c.Finalize()
			require.NoError(t, err)

			seen := make(map[string]bool)
			for _, a := range topo.Artifacts() {
				assert.Regexp(t, alnum, a.LogicalID)
				assert.False(t, seen[a.LogicalID], "duplicate logical ID %s", a.LogicalID)
				seen[a.LogicalID] = true
			}
			assert.Len(t, topo.RoutingControls, len(topo.Cells))
			assert.Len(t, topo.HealthChecks, len(topo.Cells))

			keys := make(map[string]bool)
			for _, o := range topo.Outputs {
				assert.Regexp(t, alnum, o.Key)
				assert.False(t, keys[o.Key], "duplicate output %s", o.Key)
				keys[o.Key] = true
			}
		})
	}
}
