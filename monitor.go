package retrace

import (
	"log"
)

// Classification describes how a traced crash is triaged.
type Classification int

// Crash classifications.
const (
	// ClassificationNone means no crash has been classified yet.
	ClassificationNone = Classification(iota)

	// ClassificationExecStack means execution jumped to attacker-writable
	// memory: the instruction pointer landed on symbolic bytes.
	ClassificationExecStack

	// ClassificationSegFault means the traced input drove execution past
	// the end of the recorded trace into a faulting access.
	ClassificationSegFault
)

// String returns the string representation of the classification.
func (c Classification) String() string {
	switch c {
	case ClassificationNone:
		return "none"
	case ClassificationExecStack:
		return "exec-stack"
	case ClassificationSegFault:
		return "seg-fault"
	default:
		return "unknown"
	}
}

// CrashMonitor is a simulation technique that follows a recorded block
// trace and, when the traced input is known to crash, reproduces and
// classifies the crash. The crashing state ends up in the crashed stash.
type CrashMonitor struct {
	// Block addresses recorded from the concrete execution, in order.
	Trace []uint64

	// Discard old history entries while following the trace. Ignored in
	// crash mode where the full history is kept for triage.
	TrimHistory bool

	// Whether the traced input crashed the program.
	CrashMode bool

	// Address of the faulting instruction, if known. Zero means unknown
	// and the crash is wound up to the last instruction of the final
	// block instead.
	CrashAddr uint64

	lastState      *State
	classification Classification
	crashState     *State
	resolved       bool
}

// NewCrashMonitor returns a monitor that follows trace.
func NewCrashMonitor(trace []uint64) *CrashMonitor {
	return &CrashMonitor{Trace: trace, TrimHistory: true}
}

// Classification returns the triage result. ClassificationNone until the
// run completes.
func (t *CrashMonitor) Classification() Classification { return t.classification }

// LastState returns the state captured just before the final step, or nil.
func (t *CrashMonitor) LastState() *State { return t.lastState }

// Setup installs the executable-memory check on the initial state.
func (t *CrashMonitor) Setup(sim *Simulator) error {
	active := sim.Stash(StashActive)
	assert(len(active) == 1, "crash monitor requires a single initial state, got %d", len(active))

	active[0].Inspect().Break(EventStepCompleted, t.checkStack)
	return nil
}

// Step advances the simulation one tick. In crash mode the state captured
// at trace exhaustion is kept for windup and one more step past the end of
// the trace reaches the faulting instructions.
func (t *CrashMonitor) Step(sim *Simulator, opt StepOptions) error {
	active := sim.Stash(StashActive)
	if len(active) != 1 {
		return sim.Step(opt)
	}
	s := active[0]

	if t.TrimHistory && !t.CrashMode {
		s.History().Trim()
	}
	t.lastState = s

	// Every traced block has executed. This step runs the faulting
	// instructions that the trace never recorded.
	exhausted := t.CrashMode && s.BlocksExecuted() >= len(t.Trace)

	if err := sim.Step(opt); err != nil {
		return err
	}
	if t.classification == ClassificationExecStack {
		return nil
	}
	if exhausted {
		t.classify(ClassificationSegFault)
	}
	return nil
}

// Complete reports whether the run has finished. On the first completing
// call in crash mode the crash is wound up and the crashing state is moved
// to the crashed stash.
func (t *CrashMonitor) Complete(sim *Simulator) (bool, error) {
	if t.resolved {
		return true, nil
	}
	if t.classification == ClassificationNone {
		// Without a crash the run ends when the trace plays out.
		return !t.CrashMode && t.lastState != nil && len(sim.Stash(StashActive)) == 0, nil
	}

	// An exec-stack crash state was already captured by checkStack.
	if t.classification == ClassificationSegFault {
		crashState, err := windup(sim.Machine(), t.lastState, t.CrashAddr)
		if err != nil {
			return false, err
		}
		t.crashState = crashState
	}

	log.Printf("[monitor] crash classified: %s state=%s", t.classification, t.crashState)
	sim.SetStash(StashCrashed, []*State{t.crashState})
	t.resolved = true
	return true, nil
}

// checkStack classifies a jump into symbolic memory. Fires after each
// completed step on every descendant of the initial state.
func (t *CrashMonitor) checkStack(s *State, ev *Event) {
	addr, err := s.ConcreteIP()
	if err != nil {
		return
	}

	value, err := s.Memory().Read(addr, Width8)
	if err != nil {
		return
	}
	if !IsConstantExpr(value) && t.classification == ClassificationNone {
		t.classification = ClassificationExecStack
		t.lastState = s
		t.crashState = s
	}
}

// classify records the first classification. Later calls are ignored.
func (t *CrashMonitor) classify(c Classification) {
	if t.classification == ClassificationNone {
		t.classification = c
	}
}
