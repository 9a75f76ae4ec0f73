package topology

import "fmt"

// identity holds the names fixed at construction time.
type identity struct {
	clusterName       string
	controlPanelName  string
	recoveryGroupName string
}

// compile derives the full artifact graph from a complete registry. It never
// mutates the registry and returns nothing on error.
func compile(id identity, r *registry, params []Parameter) (*Topology, error) {
	t := &Topology{
		Cluster: Cluster{
			LogicalID: ClusterLogicalID,
			Name:      id.clusterName,
			Arn:       Ref{LogicalID: ClusterLogicalID, Attribute: AttrClusterArn},
		},
		ControlPanel: ControlPanel{
			LogicalID: ControlPanelLogicalID,
			Name:      id.controlPanelName,
			Cluster:   Ref{LogicalID: ClusterLogicalID, Attribute: AttrClusterArn},
			Arn:       Ref{LogicalID: ControlPanelLogicalID, Attribute: AttrControlPanelArn},
		},
		Parameters: append([]Parameter(nil), params...),
	}

	cellPos := compileCells(t, r)

	if err := compileResourceSets(t, r, cellPos); err != nil {
		return nil, err
	}

	compileRecoveryGroup(t, id)
	compileCellControls(t)

	if err := checkLogicalIDs(t); err != nil {
		return nil, err
	}
	return t, nil
}

// checkLogicalIDs fails when two artifacts share a logical ID. Parameters and
// resources share one namespace in the template, outputs have their own.
func checkLogicalIDs(t *Topology) error {
	owners := make(map[string]string)
	for _, a := range t.Artifacts() {
		owner := fmt.Sprintf("%s %q", a.Kind, a.Name)
		if prev, ok := owners[a.LogicalID]; ok {
			return &InternalError{
				Op:      "compile",
				Message: fmt.Sprintf("logical ID %s is derived for both %s and %s", a.LogicalID, prev, owner),
			}
		}
		owners[a.LogicalID] = owner
	}

	outputs := make(map[string]string, len(t.Outputs))
	for _, o := range t.Outputs {
		if prev, ok := outputs[o.Key]; ok {
			return &InternalError{
				Op:      "compile",
				Message: fmt.Sprintf("output key %s is derived for both cell %q and cell %q", o.Key, prev, o.Cell),
			}
		}
		outputs[o.Key] = o.Cell
	}
	return nil
}

// compileCells materializes one cell per distinct name in first-reference
// order and returns the position of each cell by name.
func compileCells(t *Topology, r *registry) map[string]int {
	pos := make(map[string]int, len(r.cells))
	t.Cells = make([]Cell, 0, len(r.cells))
	for _, name := range r.cells {
		logicalID := cellLogicalID(name)
		pos[name] = len(t.Cells)
		t.Cells = append(t.Cells, Cell{
			LogicalID: logicalID,
			Name:      name,
			Arn:       Ref{LogicalID: logicalID, Attribute: AttrCellArn},
		})
	}
	return pos
}

// compileResourceSets builds one resource set and one readiness check per
// distinct type in first-registration order.
func compileResourceSets(t *Topology, r *registry, cellPos map[string]int) error {
	t.ResourceSets = make([]ResourceSet, 0, len(r.typeOrder))
	t.ReadinessChecks = make([]ReadinessCheck, 0, len(r.typeOrder))

	for _, rt := range r.typeOrder {
		regs := r.ofType(rt)
		members := make([]Member, 0, len(regs))
		for _, reg := range regs {
			i, ok := cellPos[reg.Cell]
			if !ok {
				return &InternalError{
					Op:      "compile resource set",
					Message: fmt.Sprintf("resource %q of type %s references cell %q that was never materialized", reg.Locator, rt, reg.Cell),
				}
			}
			members = append(members, Member{
				Locator:        reg.Locator,
				ReadinessScope: t.Cells[i].Arn,
			})
		}

		name := DeriveResourceSetName(rt)
		set := ResourceSet{
			LogicalID: resourceSetLogicalID(name),
			Name:      name,
			Type:      rt,
			Members:   members,
		}
		t.ResourceSets = append(t.ResourceSets, set)

		t.ReadinessChecks = append(t.ReadinessChecks, ReadinessCheck{
			LogicalID:   readinessCheckLogicalID(name),
			Name:        ReadinessCheckName(name),
			ResourceSet: set.Name,
			DependsOn:   []string{set.LogicalID},
		})
	}
	return nil
}

func compileRecoveryGroup(t *Topology, id identity) {
	refs := make([]Ref, len(t.Cells))
	for i, c := range t.Cells {
		refs[i] = c.Arn
	}
	t.RecoveryGroup = RecoveryGroup{
		LogicalID: RecoveryGroupLogicalID,
		Name:      id.recoveryGroupName,
		Cells:     refs,
	}
}

// compileCellControls creates the routing control, health check and output
// of every cell, in cell order, and records the derived identifiers on the cell.
func compileCellControls(t *Topology) {
	t.RoutingControls = make([]RoutingControl, 0, len(t.Cells))
	t.HealthChecks = make([]HealthCheck, 0, len(t.Cells))
	t.Outputs = make([]Output, 0, len(t.Cells))

	for i := range t.Cells {
		cell := &t.Cells[i]
		name := RoutingControlName(t.ControlPanel.Name, cell.Name)

		rcID := routingControlLogicalID(cell.Name)
		rc := RoutingControl{
			LogicalID:    rcID,
			Name:         name,
			Cell:         cell.Name,
			Cluster:      t.Cluster.Arn,
			ControlPanel: t.ControlPanel.Arn,
			Arn:          Ref{LogicalID: rcID, Attribute: AttrRoutingControlArn},
		}

		hcID := healthCheckLogicalID(cell.Name)
		hc := HealthCheck{
			LogicalID:      hcID,
			Name:           name,
			Cell:           cell.Name,
			Kind:           HealthCheckRecoveryControl,
			RoutingControl: rc.Arn,
			DependsOn:      []string{rc.LogicalID},
			ID:             Ref{LogicalID: hcID, Attribute: AttrHealthCheckID},
		}

		cell.RoutingControl = rc.Arn
		cell.HealthCheck = hc.ID

		t.RoutingControls = append(t.RoutingControls, rc)
		t.HealthChecks = append(t.HealthChecks, hc)
		t.Outputs = append(t.Outputs, Output{
			Key:         healthCheckOutputKey(cell.Name),
			Cell:        cell.Name,
			Value:       hc.ID,
			Description: fmt.Sprintf("Route 53 Health Check ID for cell %s", cell.Name),
		})
	}
}
