// Package template renders a finalized topology as a CloudFormation template.
package template

import (
	"fmt"

	"github.com/yairfalse/cellar/pkg/topology"
)

// FormatVersion is the only template format version CloudFormation accepts.
const FormatVersion = "2010-09-09"

// Template is a CloudFormation template document.
type Template struct {
	AWSTemplateFormatVersion string               `json:"AWSTemplateFormatVersion" yaml:"AWSTemplateFormatVersion"`
	Description              string               `json:"Description,omitempty" yaml:"Description,omitempty"`
	Parameters               map[string]Parameter `json:"Parameters,omitempty" yaml:"Parameters,omitempty"`
	Resources                map[string]Resource  `json:"Resources" yaml:"Resources"`
	Outputs                  map[string]Output    `json:"Outputs,omitempty" yaml:"Outputs,omitempty"`
}

type Parameter struct {
	Type        string `json:"Type" yaml:"Type"`
	Description string `json:"Description,omitempty" yaml:"Description,omitempty"`
}

type Resource struct {
	Type       string         `json:"Type" yaml:"Type"`
	Properties map[string]any `json:"Properties" yaml:"Properties"`
	DependsOn  []string       `json:"DependsOn,omitempty" yaml:"DependsOn,omitempty"`
}

type Output struct {
	Description string `json:"Description,omitempty" yaml:"Description,omitempty"`
	Value       any    `json:"Value" yaml:"Value"`
}

// GetAtt renders a reference as an Fn::GetAtt intrinsic.
func GetAtt(r topology.Ref) map[string]any {
	return map[string]any{"Fn::GetAtt": []string{r.LogicalID, r.Attribute}}
}

// Ref renders a Ref intrinsic.
func Ref(name string) map[string]any {
	return map[string]any{"Ref": name}
}

// Options tune rendering.
type Options struct {
	Description string
}

// Render converts t into a template. Every reference must resolve to a
// resource or parameter of the same template.
func Render(t *topology.Topology, opts Options) (*Template, error) {
	if t == nil {
		return nil, fmt.Errorf("failed to render template: topology is nil")
	}

	tpl := &Template{
		AWSTemplateFormatVersion: FormatVersion,
		Description:              opts.Description,
		Resources:                make(map[string]Resource),
		Outputs:                  make(map[string]Output),
	}

	if len(t.Parameters) > 0 {
		tpl.Parameters = make(map[string]Parameter, len(t.Parameters))
		for _, p := range t.Parameters {
			tpl.Parameters[p.Name] = Parameter{Type: "String", Description: p.Description}
		}
	}

	tpl.Resources[t.Cluster.LogicalID] = Resource{
		Type:       string(topology.KindCluster),
		Properties: map[string]any{"Name": t.Cluster.Name},
	}
	tpl.Resources[t.ControlPanel.LogicalID] = Resource{
		Type: string(topology.KindControlPanel),
		Properties: map[string]any{
			"Name":       t.ControlPanel.Name,
			"ClusterArn": GetAtt(t.ControlPanel.Cluster),
		},
	}

	for _, c := range t.Cells {
		tpl.Resources[c.LogicalID] = Resource{
			Type:       string(topology.KindCell),
			Properties: map[string]any{"CellName": c.Name},
		}
	}

	for _, rs := range t.ResourceSets {
		resources := make([]map[string]any, len(rs.Members))
		for i, m := range rs.Members {
			resources[i] = map[string]any{
				"ResourceArn":     locatorValue(m.Locator),
				"ReadinessScopes": []any{GetAtt(m.ReadinessScope)},
			}
		}
		tpl.Resources[rs.LogicalID] = Resource{
			Type: string(topology.KindResourceSet),
			Properties: map[string]any{
				"ResourceSetName": rs.Name,
				"ResourceSetType": string(rs.Type),
				"Resources":       resources,
			},
		}
	}

	for _, rc := range t.ReadinessChecks {
		tpl.Resources[rc.LogicalID] = Resource{
			Type: string(topology.KindReadinessCheck),
			Properties: map[string]any{
				"ReadinessCheckName": rc.Name,
				"ResourceSetName":    rc.ResourceSet,
			},
			DependsOn: append([]string(nil), rc.DependsOn...),
		}
	}

	cells := make([]any, len(t.RecoveryGroup.Cells))
	for i, r := range t.RecoveryGroup.Cells {
		cells[i] = GetAtt(r)
	}
	tpl.Resources[t.RecoveryGroup.LogicalID] = Resource{
		Type: string(topology.KindRecoveryGroup),
		Properties: map[string]any{
			"RecoveryGroupName": t.RecoveryGroup.Name,
			"Cells":             cells,
		},
	}

	for _, rc := range t.RoutingControls {
		tpl.Resources[rc.LogicalID] = Resource{
			Type: string(topology.KindRoutingControl),
			Properties: map[string]any{
				"Name":            rc.Name,
				"ClusterArn":      GetAtt(rc.Cluster),
				"ControlPanelArn": GetAtt(rc.ControlPanel),
			},
		}
	}

	for _, hc := range t.HealthChecks {
		tpl.Resources[hc.LogicalID] = Resource{
			Type: string(topology.KindHealthCheck),
			Properties: map[string]any{
				"HealthCheckConfig": map[string]any{
					"Type":              string(hc.Kind),
					"RoutingControlArn": GetAtt(hc.RoutingControl),
				},
				"HealthCheckTags": []map[string]string{
					{"Key": "Name", "Value": hc.Name},
				},
			},
			DependsOn: append([]string(nil), hc.DependsOn...),
		}
	}

	for _, o := range t.Outputs {
		tpl.Outputs[o.Key] = Output{
			Description: o.Description,
			Value:       GetAtt(o.Value),
		}
	}

	if err := tpl.checkReferences(); err != nil {
		return nil, err
	}
	return tpl, nil
}

func locatorValue(locator string) any {
	if name, ok := topology.ParamName(locator); ok {
		return Ref(name)
	}
	return locator
}

// checkReferences verifies that every DependsOn entry names a resource.
func (t *Template) checkReferences() error {
	for id, r := range t.Resources {
		for _, dep := range r.DependsOn {
			if _, ok := t.Resources[dep]; !ok {
				return fmt.Errorf("failed to render template: %s depends on unknown resource %s", id, dep)
			}
		}
	}
	return nil
}

// ResourceIDs returns the logical IDs of every resource of the given type.
func (t *Template) ResourceIDs(kind topology.Kind) []string {
	var ids []string
	for id, r := range t.Resources {
		if r.Type == string(kind) {
			ids = append(ids, id)
		}
	}
	return ids
}
