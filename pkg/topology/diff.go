package topology

import (
	"sort"
	"strings"
)

// DiffType represents the type of change between two topologies.
type DiffType string

const (
	// DiffAdded indicates an artifact only present in the newer topology.
	DiffAdded DiffType = "added"
	// DiffDeleted indicates an artifact that no longer exists.
	DiffDeleted DiffType = "deleted"
	// DiffModified indicates an artifact whose properties changed.
	DiffModified DiffType = "modified"
)

// Change represents a single field change.
// The field name is the map key in ArtifactDiff.Changes.
type Change struct {
	Previous string `json:"previous"`
	Current  string `json:"current"`
}

// ArtifactDiff is a detected change in one artifact, keyed by logical ID.
type ArtifactDiff struct {
	Type      DiffType          `json:"type"`
	LogicalID string            `json:"logical_id"`
	Kind      Kind              `json:"kind"`
	Changes   map[string]Change `json:"changes,omitempty"`
}

// Artifact is the flattened form of one compiled artifact.
type Artifact struct {
	LogicalID string            `json:"logical_id"`
	Kind      Kind              `json:"kind"`
	Name      string            `json:"name"`
	Fields    map[string]string `json:"fields"`
}

// Artifacts flattens the topology into one entry per logical ID, in
// compilation order.
func (t *Topology) Artifacts() []Artifact {
	var out []Artifact
	add := func(id string, kind Kind, name string, fields map[string]string) {
		fields["name"] = name
		out = append(out, Artifact{LogicalID: id, Kind: kind, Name: name, Fields: fields})
	}

	add(t.Cluster.LogicalID, KindCluster, t.Cluster.Name, map[string]string{})
	add(t.ControlPanel.LogicalID, KindControlPanel, t.ControlPanel.Name, map[string]string{
		"cluster": t.ControlPanel.Cluster.String(),
	})

	for _, p := range t.Parameters {
		add(p.Name, KindParameter, p.Name, map[string]string{"description": p.Description})
	}

	for _, c := range t.Cells {
		add(c.LogicalID, KindCell, c.Name, map[string]string{})
	}

	for _, rs := range t.ResourceSets {
		members := make([]string, len(rs.Members))
		for i, m := range rs.Members {
			members[i] = m.Locator + "@" + m.ReadinessScope.String()
		}
		add(rs.LogicalID, KindResourceSet, rs.Name, map[string]string{
			"type":    string(rs.Type),
			"members": strings.Join(members, ","),
		})
	}

	for _, rc := range t.ReadinessChecks {
		add(rc.LogicalID, KindReadinessCheck, rc.Name, map[string]string{
			"resource_set": rc.ResourceSet,
			"depends_on":   strings.Join(rc.DependsOn, ","),
		})
	}

	cells := make([]string, len(t.RecoveryGroup.Cells))
	for i, r := range t.RecoveryGroup.Cells {
		cells[i] = r.String()
	}
	add(t.RecoveryGroup.LogicalID, KindRecoveryGroup, t.RecoveryGroup.Name, map[string]string{
		"cells": strings.Join(cells, ","),
	})

	for _, rc := range t.RoutingControls {
		add(rc.LogicalID, KindRoutingControl, rc.Name, map[string]string{
			"cell":          rc.Cell,
			"cluster":       rc.Cluster.String(),
			"control_panel": rc.ControlPanel.String(),
		})
	}

	for _, hc := range t.HealthChecks {
		add(hc.LogicalID, KindHealthCheck, hc.Name, map[string]string{
			"cell":            hc.Cell,
			"kind":            string(hc.Kind),
			"routing_control": hc.RoutingControl.String(),
			"depends_on":      strings.Join(hc.DependsOn, ","),
		})
	}

	return out
}

// Diff compares two topologies by logical ID. A nil prev treats every
// artifact of cur as added. Results are sorted by logical ID.
func Diff(prev, cur *Topology) []ArtifactDiff {
	before := indexArtifacts(prev)
	after := indexArtifacts(cur)

	var diffs []ArtifactDiff
	for id, a := range after {
		p, ok := before[id]
		if !ok {
			diffs = append(diffs, ArtifactDiff{Type: DiffAdded, LogicalID: id, Kind: a.Kind})
			continue
		}
		if changes := compareFields(p, a); len(changes) > 0 {
			diffs = append(diffs, ArtifactDiff{Type: DiffModified, LogicalID: id, Kind: a.Kind, Changes: changes})
		}
	}
	for id, p := range before {
		if _, ok := after[id]; !ok {
			diffs = append(diffs, ArtifactDiff{Type: DiffDeleted, LogicalID: id, Kind: p.Kind})
		}
	}

	sort.Slice(diffs, func(i, j int) bool {
		return diffs[i].LogicalID < diffs[j].LogicalID
	})
	return diffs
}

func indexArtifacts(t *Topology) map[string]Artifact {
	if t == nil {
		return map[string]Artifact{}
	}
	arts := t.Artifacts()
	out := make(map[string]Artifact, len(arts))
	for _, a := range arts {
		out[a.LogicalID] = a
	}
	return out
}

func compareFields(prev, cur Artifact) map[string]Change {
	changes := make(map[string]Change)
	if prev.Kind != cur.Kind {
		changes["kind"] = Change{Previous: string(prev.Kind), Current: string(cur.Kind)}
	}
	for k, v := range cur.Fields {
		if pv := prev.Fields[k]; pv != v {
			changes[k] = Change{Previous: pv, Current: v}
		}
	}
	for k, pv := range prev.Fields {
		if _, ok := cur.Fields[k]; !ok {
			changes[k] = Change{Previous: pv}
		}
	}
	return changes
}
