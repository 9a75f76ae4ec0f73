// Package filter decides which discovered resources are registered.
package filter

import (
	"fmt"
	"path"

	"github.com/yairfalse/cellar/pkg/topology"
)

// Filter drops discovered resources by type or by ARN pattern.
type Filter struct {
	excludeTypes    map[topology.ResourceType]bool
	excludeLocators []string
}

// New creates a Filter. Locator patterns use path.Match syntax, so `*` does
// not cross a `/`.
func New(excludeTypes []topology.ResourceType, excludeLocators []string) (*Filter, error) {
	excludeMap := make(map[topology.ResourceType]bool)
	for _, t := range excludeTypes {
		excludeMap[t] = true
	}

	for _, p := range excludeLocators {
		if _, err := path.Match(p, ""); err != nil {
			return nil, fmt.Errorf("invalid exclude pattern %q: %w", p, err)
		}
	}

	return &Filter{
		excludeTypes:    excludeMap,
		excludeLocators: excludeLocators,
	}, nil
}

// ShouldDiscoverType returns true if the given resource type should be discovered.
func (f *Filter) ShouldDiscoverType(t topology.ResourceType) bool {
	return !f.excludeTypes[t]
}

// ShouldInclude returns true if the registration passes the filter.
func (f *Filter) ShouldInclude(r topology.Registration) bool {
	if !f.ShouldDiscoverType(r.Type) {
		return false
	}
	for _, p := range f.excludeLocators {
		// Patterns were checked in New.
		if ok, _ := path.Match(p, r.Locator); ok {
			return false
		}
	}
	return true
}

// Types narrows the requested types. An empty request means every supported
// type, so exclusions are applied to supported instead.
func (f *Filter) Types(requested, supported []topology.ResourceType) []topology.ResourceType {
	if len(f.excludeTypes) == 0 {
		return requested
	}
	from := requested
	if len(from) == 0 {
		from = supported
	}
	out := make([]topology.ResourceType, 0, len(from))
	for _, t := range from {
		if f.ShouldDiscoverType(t) {
			out = append(out, t)
		}
	}
	return out
}

// Apply returns only registrations that pass the filter.
func (f *Filter) Apply(regs []topology.Registration) []topology.Registration {
	if f.IsEmpty() {
		return regs
	}

	filtered := make([]topology.Registration, 0, len(regs))
	for _, r := range regs {
		if f.ShouldInclude(r) {
			filtered = append(filtered, r)
		}
	}
	return filtered
}

// IsEmpty returns true if no filters are configured.
func (f *Filter) IsEmpty() bool {
	return len(f.excludeTypes) == 0 && len(f.excludeLocators) == 0
}
