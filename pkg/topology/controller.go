package topology

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// Props names the recovery control resources. Only ClusterName is required.
type Props struct {
	ClusterName       string `json:"cluster_name" yaml:"cluster_name"`
	ControlPanelName  string `json:"control_panel_name,omitempty" yaml:"control_panel_name,omitempty"`
	RecoveryGroupName string `json:"recovery_group_name,omitempty" yaml:"recovery_group_name,omitempty"`
}

// Option configures a RecoveryController.
type Option func(*RecoveryController)

// WithLogger sets the logger used for registration and finalization events.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *RecoveryController) {
		c.logger = logger
	}
}

// RecoveryController accumulates registrations and compiles them into a
// Topology. It is not safe for concurrent use.
type RecoveryController struct {
	id       identity
	registry *registry
	params   []Parameter
	result   *Topology
	logger   zerolog.Logger

	// declared name -> parameter name, and the reverse
	paramKeys   map[string]string
	paramOwners map[string]string
}

// New creates a controller. Empty panel and group names are derived from the
// cluster name.
func New(props Props, opts ...Option) *RecoveryController {
	id := identity{
		clusterName:       props.ClusterName,
		controlPanelName:  props.ControlPanelName,
		recoveryGroupName: props.RecoveryGroupName,
	}
	if id.controlPanelName == "" {
		id.controlPanelName = DefaultControlPanelName(props.ClusterName)
	}
	if id.recoveryGroupName == "" {
		id.recoveryGroupName = DefaultRecoveryGroupName(props.ClusterName)
	}

	c := &RecoveryController{
		id:       id,
		registry: newRegistry(),
		logger:   zerolog.Nop(),

		paramKeys:   make(map[string]string),
		paramOwners: make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register adds a resource to a cell, creating the cell if this is its first
// reference. Duplicate registrations are kept.
func (c *RecoveryController) Register(t ResourceType, locator, cell string) error {
	if c.result != nil {
		return fmt.Errorf("register %s in cell %s: %w", locator, cell, ErrSealed)
	}
	if !t.IsValid() {
		return &MalformedInputError{Field: "resource type", Value: string(t), Reason: "not a supported readiness resource type"}
	}
	if strings.TrimSpace(cell) == "" {
		return &MalformedInputError{Field: "cell", Value: cell, Reason: "must not be empty"}
	}
	if strings.TrimSpace(locator) == "" {
		return &MalformedInputError{Field: "locator", Value: locator, Reason: "must not be empty"}
	}

	c.registry.add(Registration{Type: t, Locator: locator, Cell: cell})

	c.logger.Debug().
		Str("type", string(t)).
		Str("locator", locator).
		Str("cell", cell).
		Msg("Registered resource")
	return nil
}

// MustRegister is Register for bootstrap code. It panics on malformed input.
func (c *RecoveryController) MustRegister(t ResourceType, locator, cell string) *RecoveryController {
	if err := c.Register(t, locator, cell); err != nil {
		panic(err)
	}
	return c
}

// AddParameter declares a deploy-time parameter and returns the locator that
// refers to it. The parameter is named by ParameterName(name), with a hash
// suffix when that is empty or already taken by a different declared name.
// Declaring the same name twice keeps the first description.
func (c *RecoveryController) AddParameter(name, description string) string {
	if key, ok := c.paramKeys[name]; ok {
		return ParamLocator(key)
	}

	key := ParameterName(name)
	if _, taken := c.paramOwners[key]; taken || key == "" {
		key += hash(name)
	}
	c.paramKeys[name] = key
	c.paramOwners[key] = name
	c.params = append(c.params, Parameter{Name: key, Description: description})
	return ParamLocator(key)
}

// EKSCellResources holds the ARNs of an EKS deployment in one region. Empty
// fields are turned into deploy-time parameters.
type EKSCellResources struct {
	VPC string `json:"vpc,omitempty" yaml:"vpc,omitempty"`
	ASG string `json:"asg,omitempty" yaml:"asg,omitempty"`
	ALB string `json:"alb,omitempty" yaml:"alb,omitempty"`
}

// AddEKSCell registers the VPC, node group and load balancer of an EKS cluster
// in region as one cell named <cluster>-<region>. It returns the cell name.
func (c *RecoveryController) AddEKSCell(region string, res EKSCellResources) (string, error) {
	if c.result != nil {
		return "", fmt.Errorf("add EKS cell in %s: %w", region, ErrSealed)
	}
	if strings.TrimSpace(region) == "" {
		return "", &MalformedInputError{Field: "region", Value: region, Reason: "must not be empty"}
	}
	cell := EKSCellName(c.id.clusterName, region)

	vpc := res.VPC
	if vpc == "" {
		vpc = c.AddParameter(region+"VPC", fmt.Sprintf("VPC ARN on %s", region))
	}
	asg := res.ASG
	if asg == "" {
		asg = c.AddParameter(region+"ASG", fmt.Sprintf("ASG ARN for EKS cluster on %s", region))
	}
	alb := res.ALB
	if alb == "" {
		alb = c.AddParameter(region+"ALB", fmt.Sprintf("ALB ARN for EKS cluster on %s", region))
	}

	for _, r := range []Registration{
		{Type: VPC, Locator: vpc},
		{Type: AutoScalingGroup, Locator: asg},
		{Type: ElasticLoadBalancer, Locator: alb},
	} {
		if err := c.Register(r.Type, r.Locator, cell); err != nil {
			return "", fmt.Errorf("failed to add EKS cell %s: %w", cell, err)
		}
	}
	return cell, nil
}

// Validate reports every reason the topology cannot be finalized yet. It does
// not change state.
func (c *RecoveryController) Validate() []Violation {
	return validate(c.registry)
}

// Finalize validates and compiles the topology. After the first success the
// controller is sealed and later calls return the same Topology.
func (c *RecoveryController) Finalize() (*Topology, error) {
	if c.result != nil {
		return c.result, nil
	}

	if violations := c.Validate(); len(violations) > 0 {
		c.logger.Warn().
			Int("violations", len(violations)).
			Msg("Topology validation failed")
		return nil, &ValidationError{Violations: violations}
	}

	t, err := compile(c.id, c.registry, c.params)
	if err != nil {
		c.logger.Error().Err(err).Msg("Topology compilation failed")
		return nil, err
	}
	c.result = t

	c.logger.Info().
		Str("cluster", c.id.clusterName).
		Int("cells", len(t.Cells)).
		Int("resource_sets", len(t.ResourceSets)).
		Int("registrations", c.registry.resourceCount()).
		Msg("Topology finalized")
	return t, nil
}

// Finalized reports whether Finalize has succeeded.
func (c *RecoveryController) Finalized() bool {
	return c.result != nil
}

// Registrations returns a copy of every registration in registration order.
func (c *RecoveryController) Registrations() []Registration {
	return append([]Registration(nil), c.registry.registrations...)
}

// Cells returns the cell names in first-reference order.
func (c *RecoveryController) Cells() []string {
	return append([]string(nil), c.registry.cells...)
}

// Parameters returns the declared deploy-time parameters.
func (c *RecoveryController) Parameters() []Parameter {
	return append([]Parameter(nil), c.params...)
}

func (c *RecoveryController) ClusterName() string { return c.id.clusterName }

func (c *RecoveryController) ClusterRef() Ref {
	return Ref{LogicalID: ClusterLogicalID, Attribute: AttrClusterArn}
}

func (c *RecoveryController) ControlPanelName() string { return c.id.controlPanelName }

func (c *RecoveryController) ControlPanelRef() Ref {
	return Ref{LogicalID: ControlPanelLogicalID, Attribute: AttrControlPanelArn}
}

func (c *RecoveryController) RecoveryGroupName() string { return c.id.recoveryGroupName }
