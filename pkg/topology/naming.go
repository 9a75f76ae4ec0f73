package topology

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
)

// hashBytes is the number of md5 bytes appended to a logical ID whose source
// name lost characters during sanitization. Changing it renames every artifact.
const hashBytes = 4

const (
	readinessCheckSuffix = "-ReadinessCheck"
	controlPanelSuffix   = "-ControlPanel"
	recoveryGroupSuffix  = "-RecoveryGroup"
	paramPrefix          = "param:"
)

// Attribute names of the derived identifiers.
const (
	AttrClusterArn        = "ClusterArn"
	AttrControlPanelArn   = "ControlPanelArn"
	AttrCellArn           = "CellArn"
	AttrRoutingControlArn = "RoutingControlArn"
	AttrHealthCheckID     = "HealthCheckId"
)

// Fixed logical IDs of the singleton artifacts.
const (
	ClusterLogicalID       = "Cluster"
	ControlPanelLogicalID  = "ControlPanel"
	RecoveryGroupLogicalID = "RecoveryGroup"
)

// DeriveResourceSetName returns the resource set name for a type tag: the last
// "::" segment with an "s" appended. AWS::AutoScaling::AutoScalingGroup becomes
// AutoScalingGroups. A tag without "::" is used whole.
func DeriveResourceSetName(t ResourceType) string {
	return t.Segment() + "s"
}

// ReadinessCheckName returns the readiness check name for a resource set.
func ReadinessCheckName(resourceSetName string) string {
	return resourceSetName + readinessCheckSuffix
}

// DefaultControlPanelName derives the control panel name from the cluster name.
func DefaultControlPanelName(clusterName string) string {
	return clusterName + controlPanelSuffix
}

// DefaultRecoveryGroupName derives the recovery group name from the cluster name.
func DefaultRecoveryGroupName(clusterName string) string {
	return clusterName + recoveryGroupSuffix
}

// RoutingControlName returns the routing control name for a cell.
func RoutingControlName(controlPanelName, cellName string) string {
	return controlPanelName + "-" + cellName
}

// EKSCellName returns the cell name used for an EKS cluster in a region.
func EKSCellName(clusterName, region string) string {
	return clusterName + "-" + region
}

// ParamLocator returns the locator that stands for a deploy-time parameter.
func ParamLocator(name string) string {
	return paramPrefix + name
}

// ParamName returns the parameter name of a parameter locator.
func ParamName(locator string) (string, bool) {
	if !strings.HasPrefix(locator, paramPrefix) {
		return "", false
	}
	return strings.TrimPrefix(locator, paramPrefix), true
}

// ParameterName strips name down to the characters CloudFormation accepts in
// a parameter name, so us-west-2VPC becomes uswest2VPC.
func ParameterName(name string) string {
	var b strings.Builder
	for _, r := range name {
		if isAlphanumeric(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// logicalKey turns a free-form name into an alphanumeric logical ID fragment.
// If sanitizing dropped characters, a hash of the original is appended so
// that "us-west-2" and "uswest2" stay distinct.
func logicalKey(name string) string {
	key := ParameterName(name)
	if key == name && key != "" {
		return key
	}
	return key + hash(name)
}

func hash(s string) string {
	sum := md5.Sum([]byte(s))
	return strings.ToUpper(hex.EncodeToString(sum[:hashBytes]))
}

func isAlphanumeric(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

// Resource logical IDs are a kind prefix plus logicalKey. No prefix starts
// another prefix or a singleton ID, so two kinds never derive the same ID.
func cellLogicalID(cell string) string           { return "Cell" + logicalKey(cell) }
func routingControlLogicalID(cell string) string { return "RoutingControl" + logicalKey(cell) }
func healthCheckLogicalID(cell string) string    { return "HealthCheck" + logicalKey(cell) }
func resourceSetLogicalID(name string) string    { return "ResourceSet" + logicalKey(name) }
func readinessCheckLogicalID(name string) string { return "ReadinessCheck" + logicalKey(name) }

// Outputs have their own namespace.
func healthCheckOutputKey(cell string) string { return logicalKey(cell) + "HealthCheckId" }
