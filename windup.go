package retrace

import (
	"log"
)

// ConcretizationEvent records one address concretization observed while
// re-executing the faulting block.
type ConcretizationEvent struct {
	Expr   Expr
	Result []uint64
}

// windupContext collects concretization results during the windup's probe
// step and decides which addresses stay unpinned.
type windupContext struct {
	preconstrained []*PreconstraintEntry
	events         []ConcretizationEvent
}

// dontAddConstraints pins an address only when it depends on exactly the
// input bytes of a preconstrained expression. Every other address stays
// symbolic so the final constraints describe all inputs that reach it.
func (wc *windupContext) dontAddConstraints(s *State, ev *Event) {
	vars := Variables(ev.Expr)
	for _, entry := range wc.preconstrained {
		if VariablesEqual(vars, Variables(entry.Expr)) {
			ev.AddConstraints = true
			return
		}
	}
	ev.AddConstraints = false
}

// grabResult records the candidate addresses of every concretization.
func (wc *windupContext) grabResult(s *State, ev *Event) {
	wc.events = append(wc.events, ConcretizationEvent{Expr: ev.Expr, Result: ev.Result})
}

// windup re-executes the faulting block from the state captured before the
// crash and returns a state stopped at the faulting instruction with its
// preconstraints removed. crashAddr of zero means the faulting instruction
// is unknown and the block is run up to its final instruction instead.
func windup(m *Machine, last *State, crashAddr uint64) (*State, error) {
	s := last.Clone()
	wc := &windupContext{preconstrained: s.Preconstrainer().Entries()}

	reqBP := s.Inspect().Break(EventAddressConcretizationRequested, wc.dontAddConstraints)
	resBP := s.Inspect().Break(EventAddressConcretizationResolved, wc.grabResult)
	removeBPs := func(s *State) {
		s.Inspect().Remove(reqBP)
		s.Inspect().Remove(resBP)
	}

	// Probe the whole block once to observe which addresses concretize.
	// The probe's successors are discarded.
	block, err := s.Block()
	if err != nil {
		removeBPs(s)
		return nil, err
	}
	if _, err := m.Step(s, StepOptions{}); err != nil {
		removeBPs(s)
		return nil, err
	}

	// Pin each observed address to its lowest candidate so the replay
	// below takes the same path the probe did.
	for _, ev := range wc.events {
		if len(ev.Result) == 0 {
			continue
		}
		s.AddConstraint(NewBinaryExpr(EQ, ev.Expr, NewConstantExpr(ev.Result[0], ExprWidth(ev.Expr))))
	}

	// Replay up to the faulting instruction.
	if insts := windupInstructionCount(block, crashAddr); insts > 0 {
		succ, err := m.Step(s, StepOptions{NumInstrs: insts})
		if err != nil {
			removeBPs(s)
			return nil, err
		}

		if next, err := pickSuccessor(succ); err != nil {
			removeBPs(s)
			return nil, err
		} else if next == nil {
			// Every successor died. Continue from the pre-block
			// state so triage still has something to report.
			log.Printf("[windup] no viable successor at %#x, using pre-block state", block.Addr)
		} else {
			s = next
		}
	}

	// The traced input has served its purpose. Drop the pins so the
	// constraints describe every input reaching this point, keeping only
	// the input domain itself.
	s.Preconstrainer().RemovePreconstraints(s)
	s.Preconstrainer().Reconstrain(s)

	removeBPs(s)

	// One final step into the faulting instruction.
	succ, err := m.Step(s, StepOptions{})
	if err != nil {
		return nil, err
	}
	if all := succ.All(); len(all) > 0 {
		return all[0], nil
	}
	return nil, ErrNoCrashState
}

// pickSuccessor returns the first satisfiable resolved successor, or nil if
// none survive.
func pickSuccessor(succ *Successors) (*State, error) {
	if len(succ.Resolved) == 1 {
		return succ.Resolved[0], nil
	}
	for _, s := range succ.Resolved {
		if ok, err := s.Satisfiable(); err != nil {
			return nil, err
		} else if ok {
			return s, nil
		}
	}
	return nil, nil
}

// windupInstructionCount returns how many instructions of block to execute
// to stop at the faulting instruction. A crashAddr inside the block runs
// through it inclusively; otherwise the block runs up to but not including
// its last instruction.
func windupInstructionCount(block *Block, crashAddr uint64) int {
	addrs := block.InstructionAddrs()
	if crashAddr != 0 {
		for i, addr := range addrs {
			if addr == crashAddr {
				return i + 1
			}
		}
	}
	return len(addrs) - 1
}
