package topology

const (
	ViolationNoResources = "NO_RESOURCES"
	ViolationNoCells     = "NO_CELLS"
)

// validate checks that the registry holds something to compile. Every failed
// check is reported.
func validate(r *registry) []Violation {
	var violations []Violation

	if r.resourceCount() == 0 {
		violations = append(violations, Violation{
			Code:    ViolationNoResources,
			Message: "no resources defined",
		})
	}

	if r.cellCount() == 0 {
		violations = append(violations, Violation{
			Code:    ViolationNoCells,
			Message: "no cells defined",
		})
	}

	return violations
}
