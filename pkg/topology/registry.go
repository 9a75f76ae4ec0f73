package topology

// registry is the append-only store behind a RecoveryController. Registrations
// and cells live in slices; maps index into them so that iteration order is
// always first-reference order.
type registry struct {
	registrations []Registration
	typeOrder     []ResourceType
	byType        map[ResourceType][]int

	cells     []string
	cellIndex map[string]int
}

func newRegistry() *registry {
	return &registry{
		byType:    make(map[ResourceType][]int),
		cellIndex: make(map[string]int),
	}
}

// add appends a registration and creates its cell if needed. Input is
// validated by the caller.
func (r *registry) add(reg Registration) {
	idx := len(r.registrations)
	r.registrations = append(r.registrations, reg)

	if _, seen := r.byType[reg.Type]; !seen {
		r.typeOrder = append(r.typeOrder, reg.Type)
	}
	r.byType[reg.Type] = append(r.byType[reg.Type], idx)

	r.addCell(reg.Cell)
}

func (r *registry) addCell(name string) {
	if _, ok := r.cellIndex[name]; ok {
		return
	}
	r.cellIndex[name] = len(r.cells)
	r.cells = append(r.cells, name)
}

// ofType returns the registrations of one type in registration order.
func (r *registry) ofType(t ResourceType) []Registration {
	idxs := r.byType[t]
	out := make([]Registration, len(idxs))
	for i, idx := range idxs {
		out[i] = r.registrations[idx]
	}
	return out
}

func (r *registry) resourceCount() int { return len(r.registrations) }

func (r *registry) cellCount() int { return len(r.cells) }
