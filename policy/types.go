package policy

import (
	"time"

	"github.com/yairfalse/cellar/pkg/topology"
)

// Result types
type Result string

const (
	ResultAllow Result = "allow"
	ResultDeny  Result = "deny"
)

// Severity of a finding.
type Severity string

const (
	SeverityDeny Severity = "deny"
	SeverityWarn Severity = "warn"
)

// Finding is one message produced by a deny or warn rule.
type Finding struct {
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Artifact string   `json:"artifact,omitempty"`
}

// Decision is the aggregate outcome of evaluating every loaded policy.
type Decision struct {
	Result   Result    `json:"result"`
	Policies []string  `json:"policies"`
	Findings []Finding `json:"findings,omitempty"`
}

// Denied returns the deny findings.
func (d *Decision) Denied() []Finding {
	return d.filter(SeverityDeny)
}

// Warnings returns the warn findings.
func (d *Decision) Warnings() []Finding {
	return d.filter(SeverityWarn)
}

func (d *Decision) filter(s Severity) []Finding {
	var out []Finding
	for _, f := range d.Findings {
		if f.Severity == s {
			out = append(out, f)
		}
	}
	return out
}

// PolicyInput is the document policies see as `input`.
type PolicyInput struct {
	Cluster      string             `json:"cluster"`
	Cells        []string           `json:"cells"`
	ResourceSets []ResourceSetInput `json:"resource_sets"`
	Parameters   []string           `json:"parameters"`
	Topology     *topology.Topology `json:"topology"`
	Previous     *PreviousInput     `json:"previous,omitempty"`
	Timestamp    time.Time          `json:"timestamp"`
}

// ResourceSetInput summarizes a resource set by the cells its members cover.
type ResourceSetInput struct {
	Name    string   `json:"name"`
	Type    string   `json:"type"`
	Members int      `json:"members"`
	Cells   []string `json:"cells"`
}

// PreviousInput describes the last stored revision.
type PreviousInput struct {
	Revision int64    `json:"revision"`
	Cells    []string `json:"cells"`
}
