package retrace

// EventKind identifies a point in execution that breakpoints can observe.
type EventKind int

// Event kinds.
const (
	// EventStepCompleted fires on each successor after a step finishes.
	EventStepCompleted = EventKind(iota)

	// EventAddressConcretizationRequested fires before a symbolic address
	// is concretized. Handlers may clear AddConstraints to keep the
	// address unpinned.
	EventAddressConcretizationRequested

	// EventAddressConcretizationResolved fires after concretization with
	// the candidate addresses in Result.
	EventAddressConcretizationResolved
)

// String returns the string representation of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventStepCompleted:
		return "step-completed"
	case EventAddressConcretizationRequested:
		return "address-concretization-requested"
	case EventAddressConcretizationResolved:
		return "address-concretization-resolved"
	default:
		return "unknown"
	}
}

// Event carries the data for a single breakpoint firing.
type Event struct {
	Kind EventKind

	// Symbolic address expression being concretized. Set for both
	// concretization events.
	Expr Expr

	// Candidate concrete addresses, ascending. Set for the resolved event.
	Result []uint64

	// Whether the machine should pin the address to its chosen candidate
	// with an equality constraint. Handlers of the requested event may
	// clear this. Defaults to true.
	AddConstraints bool
}

// BreakpointFunc is invoked when an event fires on a state.
type BreakpointFunc func(s *State, ev *Event)

// Breakpoint is a registered handler for one event kind.
type Breakpoint struct {
	kind EventKind
	fn   BreakpointFunc
}

// Inspector dispatches execution events to registered breakpoints.
type Inspector struct {
	breakpoints []*Breakpoint
}

// NewInspector returns a new instance of Inspector.
func NewInspector() *Inspector {
	return &Inspector{}
}

// Clone returns a copy of the inspector. Registered breakpoints are shared
// so a breakpoint handle removes from any clone it was installed on.
func (ins *Inspector) Clone() *Inspector {
	other := &Inspector{breakpoints: make([]*Breakpoint, len(ins.breakpoints))}
	copy(other.breakpoints, ins.breakpoints)
	return other
}

// Break registers fn to run when events of the given kind fire.
func (ins *Inspector) Break(kind EventKind, fn BreakpointFunc) *Breakpoint {
	bp := &Breakpoint{kind: kind, fn: fn}
	ins.breakpoints = append(ins.breakpoints, bp)
	return bp
}

// Remove unregisters a breakpoint. Removing a breakpoint that is not
// installed is a no-op.
func (ins *Inspector) Remove(bp *Breakpoint) {
	for i, other := range ins.breakpoints {
		if other == bp {
			ins.breakpoints = append(ins.breakpoints[:i], ins.breakpoints[i+1:]...)
			return
		}
	}
}

// fire invokes every breakpoint registered for the event's kind, in
// registration order.
func (ins *Inspector) fire(s *State, ev *Event) {
	for _, bp := range ins.breakpoints {
		if bp.kind == ev.Kind {
			bp.fn(s, ev)
		}
	}
}
