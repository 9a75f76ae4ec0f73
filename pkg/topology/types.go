// Package topology models a multi-region failover topology and compiles it into
// readiness and recovery-control artifacts.
//
// Callers register resources against named cells in any order, then call
// Finalize once. Finalization validates the accumulated state and derives every
// cell, resource set, readiness check, the recovery group and the per-cell
// routing control and health check pairs, with their dependency edges.
package topology

import "strings"

// ResourceType is the CloudFormation type tag of a resource that can join a
// readiness resource set.
type ResourceType string

const (
	AutoScalingGroup    ResourceType = "AWS::AutoScaling::AutoScalingGroup"
	CloudWatchAlarm     ResourceType = "AWS::CloudWatch::Alarm"
	CustomerGateway     ResourceType = "AWS::EC2::CustomerGateway"
	DynamoDBTable       ResourceType = "AWS::DynamoDB::Table"
	ClassicLoadBalancer ResourceType = "AWS::ElasticLoadBalancing::LoadBalancer"
	ElasticLoadBalancer ResourceType = "AWS::ElasticLoadBalancingV2::LoadBalancer"
	MSKCluster          ResourceType = "AWS::MSK::Cluster"
	DBCluster           ResourceType = "AWS::RDS::DBCluster"
	Route53HealthCheck  ResourceType = "AWS::Route53::HealthCheck"
	SQSQueue            ResourceType = "AWS::SQS::Queue"
	SNSTopic            ResourceType = "AWS::SNS::Topic"
	SNSSubscription     ResourceType = "AWS::SNS::Subscription"
	VPC                 ResourceType = "AWS::EC2::VPC"
	VPNConnection       ResourceType = "AWS::EC2::VPNConnection"
	VPNGateway          ResourceType = "AWS::EC2::VPNGateway"
	DNSTargetResource   ResourceType = "AWS::Route53RecoveryReadiness::DNSTargetResource"
)

// resourceTypes maps short names to tags. Short names are what config files use.
var resourceTypes = map[string]ResourceType{
	"AutoScalingGroup":    AutoScalingGroup,
	"CloudWatchAlarm":     CloudWatchAlarm,
	"CustomerGateway":     CustomerGateway,
	"DynamoDBTable":       DynamoDBTable,
	"ClassicLoadBalancer": ClassicLoadBalancer,
	"ElasticLoadBalancer": ElasticLoadBalancer,
	"MSKCluster":          MSKCluster,
	"DBCluster":           DBCluster,
	"Route53HealthCheck":  Route53HealthCheck,
	"SQSQueue":            SQSQueue,
	"SNSTopic":            SNSTopic,
	"SNSSubscription":     SNSSubscription,
	"VPC":                 VPC,
	"VPNConnection":       VPNConnection,
	"VPNGateway":          VPNGateway,
	"DNSTargetResource":   DNSTargetResource,
}

// ResourceTypes returns every supported tag in declaration order.
func ResourceTypes() []ResourceType {
	return []ResourceType{
		AutoScalingGroup, CloudWatchAlarm, CustomerGateway, DynamoDBTable,
		ClassicLoadBalancer, ElasticLoadBalancer, MSKCluster, DBCluster,
		Route53HealthCheck, SQSQueue, SNSTopic, SNSSubscription,
		VPC, VPNConnection, VPNGateway, DNSTargetResource,
	}
}

// IsValid reports whether t is one of the enumerated tags.
func (t ResourceType) IsValid() bool {
	for _, known := range resourceTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ParseResourceType accepts either a full tag ("AWS::SQS::Queue") or a short
// name ("SQSQueue").
func ParseResourceType(s string) (ResourceType, bool) {
	s = strings.TrimSpace(s)
	if t := ResourceType(s); t.IsValid() {
		return t, true
	}
	t, ok := resourceTypes[s]
	return t, ok
}

// Segment returns the last "::" segment of the tag.
func (t ResourceType) Segment() string {
	s := string(t)
	if i := strings.LastIndex(s, "::"); i >= 0 {
		return s[i+2:]
	}
	return s
}

func (t ResourceType) String() string {
	return string(t)
}

// Registration is one resource's membership in a cell.
type Registration struct {
	Type    ResourceType `json:"type" yaml:"type"`
	Locator string       `json:"locator" yaml:"locator"`
	Cell    string       `json:"cell" yaml:"cell"`
}

// Ref is a symbolic reference to an attribute of an artifact that only exists
// once the provisioning engine has created it.
type Ref struct {
	LogicalID string `json:"logical_id"`
	Attribute string `json:"attribute"`
}

func (r Ref) String() string {
	return r.LogicalID + "." + r.Attribute
}

// IsZero reports whether the reference is unset.
func (r Ref) IsZero() bool {
	return r.LogicalID == "" && r.Attribute == ""
}

// Cluster is the recovery control cluster shared by every routing control.
type Cluster struct {
	LogicalID string `json:"logical_id"`
	Name      string `json:"name"`
	Arn       Ref    `json:"arn"`
}

// ControlPanel groups the routing controls of one topology.
type ControlPanel struct {
	LogicalID string `json:"logical_id"`
	Name      string `json:"name"`
	Cluster   Ref    `json:"cluster"`
	Arn       Ref    `json:"arn"`
}

// Cell is a materialized readiness cell.
type Cell struct {
	LogicalID      string `json:"logical_id"`
	Name           string `json:"name"`
	Arn            Ref    `json:"arn"`
	RoutingControl Ref    `json:"routing_control"`
	HealthCheck    Ref    `json:"health_check"`
}

// Member is one resource of a resource set together with the cell it is
// scoped to.
type Member struct {
	Locator        string `json:"locator"`
	ReadinessScope Ref    `json:"readiness_scope"`
}

// ResourceSet groups every registration of one resource type.
type ResourceSet struct {
	LogicalID string       `json:"logical_id"`
	Name      string       `json:"name"`
	Type      ResourceType `json:"type"`
	Members   []Member     `json:"members"`
}

// ReadinessCheck watches one resource set.
type ReadinessCheck struct {
	LogicalID   string   `json:"logical_id"`
	Name        string   `json:"name"`
	ResourceSet string   `json:"resource_set"`
	DependsOn   []string `json:"depends_on"`
}

// RecoveryGroup spans every cell of the topology.
type RecoveryGroup struct {
	LogicalID string `json:"logical_id"`
	Name      string `json:"name"`
	Cells     []Ref  `json:"cells"`
}

// RoutingControl is the on/off switch for one cell.
type RoutingControl struct {
	LogicalID    string `json:"logical_id"`
	Name         string `json:"name"`
	Cell         string `json:"cell"`
	Cluster      Ref    `json:"cluster"`
	ControlPanel Ref    `json:"control_panel"`
	Arn          Ref    `json:"arn"`
}

// HealthCheckKind is the Route 53 health check type.
type HealthCheckKind string

// HealthCheckRecoveryControl is a health check backed by a routing control.
const HealthCheckRecoveryControl HealthCheckKind = "RECOVERY_CONTROL"

// HealthCheck exposes a cell's routing control state to DNS failover.
type HealthCheck struct {
	LogicalID      string          `json:"logical_id"`
	Name           string          `json:"name"`
	Cell           string          `json:"cell"`
	Kind           HealthCheckKind `json:"kind"`
	RoutingControl Ref             `json:"routing_control"`
	DependsOn      []string        `json:"depends_on"`
	ID             Ref             `json:"id"`
}

// Output is a named value exported to the provisioning boundary.
type Output struct {
	Key         string `json:"key"`
	Cell        string `json:"cell"`
	Value       Ref    `json:"value"`
	Description string `json:"description"`
}

// Parameter is a value supplied to the provisioning engine at deploy time.
type Parameter struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Topology is the finalized artifact graph.
type Topology struct {
	Cluster         Cluster          `json:"cluster"`
	ControlPanel    ControlPanel     `json:"control_panel"`
	Parameters      []Parameter      `json:"parameters,omitempty"`
	Cells           []Cell           `json:"cells"`
	ResourceSets    []ResourceSet    `json:"resource_sets"`
	ReadinessChecks []ReadinessCheck `json:"readiness_checks"`
	RecoveryGroup   RecoveryGroup    `json:"recovery_group"`
	RoutingControls []RoutingControl `json:"routing_controls"`
	HealthChecks    []HealthCheck    `json:"health_checks"`
	Outputs         []Output         `json:"outputs"`
}

// Cell returns the materialized cell with the given name.
func (t *Topology) Cell(name string) (Cell, bool) {
	for _, c := range t.Cells {
		if c.Name == name {
			return c, true
		}
	}
	return Cell{}, false
}

// ResourceSet returns the resource set for a type tag.
func (t *Topology) ResourceSet(rt ResourceType) (ResourceSet, bool) {
	for _, rs := range t.ResourceSets {
		if rs.Type == rt {
			return rs, true
		}
	}
	return ResourceSet{}, false
}

// HealthCheckOutputs returns the cell name to health check identifier outputs.
func (t *Topology) HealthCheckOutputs() map[string]Ref {
	out := make(map[string]Ref, len(t.Outputs))
	for _, o := range t.Outputs {
		out[o.Cell] = o.Value
	}
	return out
}
