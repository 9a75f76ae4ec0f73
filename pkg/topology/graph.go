package topology

import (
	"fmt"
	"strings"
)

// Kind is the CloudFormation type of a compiled artifact.
type Kind string

const (
	KindCluster        Kind = "AWS::Route53RecoveryControl::Cluster"
	KindControlPanel   Kind = "AWS::Route53RecoveryControl::ControlPanel"
	KindRoutingControl Kind = "AWS::Route53RecoveryControl::RoutingControl"
	KindCell           Kind = "AWS::Route53RecoveryReadiness::Cell"
	KindResourceSet    Kind = "AWS::Route53RecoveryReadiness::ResourceSet"
	KindReadinessCheck Kind = "AWS::Route53RecoveryReadiness::ReadinessCheck"
	KindRecoveryGroup  Kind = "AWS::Route53RecoveryReadiness::RecoveryGroup"
	KindHealthCheck    Kind = "AWS::Route53::HealthCheck"
	KindParameter      Kind = "AWS::CloudFormation::Parameter"
)

type GraphNode struct {
	ID   string `json:"id"`
	Kind Kind   `json:"kind"`
	Name string `json:"name"`
}

// GraphEdge means "From depends on To". Explicit is set for depends-on
// edges; the rest come from attribute references.
type GraphEdge struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Explicit bool   `json:"explicit,omitempty"`
}

type Graph struct {
	Nodes     []GraphNode `json:"nodes"`
	Edges     []GraphEdge `json:"edges"`
	TopoOrder []string    `json:"topoOrder"`
}

// CycleDetectedError means the artifact graph has a dependency cycle.
type CycleDetectedError struct {
	Path []string
}

func (e CycleDetectedError) Error() string {
	if len(e.Path) == 0 {
		return "artifact dependency cycle detected"
	}
	return "artifact dependency cycle detected: " + strings.Join(e.Path, " -> ")
}

// Graph returns every artifact and its dependencies. TopoOrder lists
// dependencies before dependents, which is a valid creation order.
func (t *Topology) Graph() (Graph, error) {
	b := newGraphBuilder()

	b.node(t.Cluster.LogicalID, KindCluster, t.Cluster.Name)
	b.node(t.ControlPanel.LogicalID, KindControlPanel, t.ControlPanel.Name)
	b.ref(t.ControlPanel.LogicalID, t.ControlPanel.Cluster)

	for _, p := range t.Parameters {
		b.node(p.Name, KindParameter, p.Name)
	}

	for _, c := range t.Cells {
		b.node(c.LogicalID, KindCell, c.Name)
	}

	for _, rs := range t.ResourceSets {
		b.node(rs.LogicalID, KindResourceSet, rs.Name)
		for _, m := range rs.Members {
			b.ref(rs.LogicalID, m.ReadinessScope)
			if name, ok := ParamName(m.Locator); ok {
				b.edge(rs.LogicalID, name, false)
			}
		}
	}

	for _, rc := range t.ReadinessChecks {
		b.node(rc.LogicalID, KindReadinessCheck, rc.Name)
		for _, dep := range rc.DependsOn {
			b.edge(rc.LogicalID, dep, true)
		}
	}

	b.node(t.RecoveryGroup.LogicalID, KindRecoveryGroup, t.RecoveryGroup.Name)
	for _, ref := range t.RecoveryGroup.Cells {
		b.ref(t.RecoveryGroup.LogicalID, ref)
	}

	for _, rc := range t.RoutingControls {
		b.node(rc.LogicalID, KindRoutingControl, rc.Name)
		b.ref(rc.LogicalID, rc.Cluster)
		b.ref(rc.LogicalID, rc.ControlPanel)
	}

	for _, hc := range t.HealthChecks {
		b.node(hc.LogicalID, KindHealthCheck, hc.Name)
		b.ref(hc.LogicalID, hc.RoutingControl)
		for _, dep := range hc.DependsOn {
			b.edge(hc.LogicalID, dep, true)
		}
	}

	return b.build()
}

type graphBuilder struct {
	g     Graph
	nodes map[string]struct{}
	edges map[[2]string]int
	deps  map[string][]string
}

func newGraphBuilder() *graphBuilder {
	return &graphBuilder{
		nodes: make(map[string]struct{}),
		edges: make(map[[2]string]int),
		deps:  make(map[string][]string),
	}
}

func (b *graphBuilder) node(id string, kind Kind, name string) {
	if _, ok := b.nodes[id]; ok {
		return
	}
	b.nodes[id] = struct{}{}
	b.g.Nodes = append(b.g.Nodes, GraphNode{ID: id, Kind: kind, Name: name})
}

func (b *graphBuilder) ref(from string, r Ref) {
	if r.IsZero() {
		return
	}
	b.edge(from, r.LogicalID, false)
}

// edge records a dependency once. An explicit edge upgrades an existing
// reference edge between the same pair.
func (b *graphBuilder) edge(from, to string, explicit bool) {
	key := [2]string{from, to}
	if i, ok := b.edges[key]; ok {
		if explicit {
			b.g.Edges[i].Explicit = true
		}
		return
	}
	b.edges[key] = len(b.g.Edges)
	b.g.Edges = append(b.g.Edges, GraphEdge{From: from, To: to, Explicit: explicit})
	b.deps[from] = append(b.deps[from], to)
}

func (b *graphBuilder) build() (Graph, error) {
	for _, e := range b.g.Edges {
		if _, ok := b.nodes[e.To]; !ok {
			return Graph{}, &InternalError{
				Op:      "build graph",
				Message: fmt.Sprintf("%s depends on unknown artifact %s", e.From, e.To),
			}
		}
	}

	order := make([]string, len(b.g.Nodes))
	for i, n := range b.g.Nodes {
		order[i] = n.ID
	}
	topo, err := topoSort(order, b.deps)
	if err != nil {
		return Graph{}, err
	}
	b.g.TopoOrder = topo
	return b.g, nil
}

func topoSort(order []string, deps map[string][]string) ([]string, error) {
	const (
		stateNew uint8 = iota
		stateVisiting
		stateDone
	)

	state := make(map[string]uint8, len(order))
	stack := make([]string, 0, len(order))
	stackPos := make(map[string]int, len(order))
	topo := make([]string, 0, len(order))

	var dfs func(id string) error
	dfs = func(id string) error {
		if state[id] == stateDone {
			return nil
		}

		state[id] = stateVisiting
		stackPos[id] = len(stack)
		stack = append(stack, id)

		for _, dep := range deps[id] {
			if state[dep] == stateVisiting {
				cycle := append([]string(nil), stack[stackPos[dep]:]...)
				cycle = append(cycle, dep)
				return CycleDetectedError{Path: cycle}
			}
			if err := dfs(dep); err != nil {
				return err
			}
		}

		stack = stack[:len(stack)-1]
		delete(stackPos, id)
		state[id] = stateDone
		topo = append(topo, id)
		return nil
	}

	for _, id := range order {
		if err := dfs(id); err != nil {
			return nil, err
		}
	}
	return topo, nil
}

// DOT exports Graphviz DOT text.
func (g Graph) DOT() string {
	var b strings.Builder
	b.WriteString("digraph cellar {\n")
	b.WriteString("  rankdir=LR;\n")

	aliases := make(map[string]string, len(g.Nodes))
	for i, n := range g.Nodes {
		alias := fmt.Sprintf("n%d", i)
		aliases[n.ID] = alias
		label := escapeDOT(n.ID) + "\\n(" + escapeDOT(shortKind(n.Kind)) + ")"
		b.WriteString(fmt.Sprintf("  %s [label=\"%s\"];\n", alias, label))
	}
	for _, e := range g.Edges {
		from, okFrom := aliases[e.From]
		to, okTo := aliases[e.To]
		if !okFrom || !okTo {
			continue
		}
		if e.Explicit {
			b.WriteString(fmt.Sprintf("  %s -> %s [style=bold];\n", from, to))
			continue
		}
		b.WriteString(fmt.Sprintf("  %s -> %s;\n", from, to))
	}
	b.WriteString("}\n")
	return b.String()
}

// Mermaid exports Mermaid graph text.
func (g Graph) Mermaid() string {
	var b strings.Builder
	b.WriteString("graph TD\n")

	aliases := make(map[string]string, len(g.Nodes))
	for i, n := range g.Nodes {
		alias := fmt.Sprintf("n%d", i)
		aliases[n.ID] = alias
		label := escapeMermaid(n.ID) + "<br/>(" + escapeMermaid(shortKind(n.Kind)) + ")"
		b.WriteString(fmt.Sprintf("    %s[\"%s\"]\n", alias, label))
	}
	for _, e := range g.Edges {
		from, okFrom := aliases[e.From]
		to, okTo := aliases[e.To]
		if !okFrom || !okTo {
			continue
		}
		arrow := "-->"
		if e.Explicit {
			arrow = "==>"
		}
		b.WriteString(fmt.Sprintf("    %s %s %s\n", from, arrow, to))
	}
	return b.String()
}

func shortKind(k Kind) string {
	return ResourceType(k).Segment()
}

func escapeDOT(s string) string {
	return strings.ReplaceAll(s, "\"", "\\\"")
}

func escapeMermaid(s string) string {
	return strings.ReplaceAll(s, "\"", "\\\"")
}
