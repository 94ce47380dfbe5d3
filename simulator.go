package retrace

import (
	"fmt"
	"log"
)

// Stash names.
const (
	StashActive        = "active"
	StashDeadended     = "deadended"
	StashUnconstrained = "unconstrained"
	StashCrashed       = "crashed"
)

// DefaultMaxSteps bounds a Run before giving up with ErrStepLimit.
const DefaultMaxSteps = 100000

// Simulator drives a machine over a population of states organized into
// named stashes. Techniques hook the step loop to steer exploration.
type Simulator struct {
	machine *Machine
	stashes map[string][]*State

	// Maximum number of Step calls during Run. Zero uses DefaultMaxSteps.
	MaxSteps int
}

// NewSimulator returns a simulator with the given state in the active stash.
func NewSimulator(machine *Machine, s *State) *Simulator {
	sim := &Simulator{
		machine: machine,
		stashes: make(map[string][]*State),
	}
	sim.stashes[StashActive] = []*State{s}
	return sim
}

// Machine returns the underlying machine.
func (sim *Simulator) Machine() *Machine { return sim.machine }

// Stash returns the states in the named stash.
func (sim *Simulator) Stash(name string) []*State {
	return sim.stashes[name]
}

// SetStash replaces the contents of the named stash.
func (sim *Simulator) SetStash(name string, states []*State) {
	sim.stashes[name] = states
}

// MoveState appends a state to the named stash.
func (sim *Simulator) MoveState(name string, s *State) {
	sim.stashes[name] = append(sim.stashes[name], s)
}

// Step advances every active state by one block. Successors replace the
// active stash; states with no successors deadend and states with symbolic
// exits move to the unconstrained stash.
func (sim *Simulator) Step(opt StepOptions) error {
	active := sim.stashes[StashActive]
	sim.stashes[StashActive] = nil

	for _, s := range active {
		succ, err := sim.machine.Step(s, opt)
		if err != nil {
			return err
		}

		if len(succ.Resolved) == 0 && len(succ.Unconstrained) == 0 {
			sim.MoveState(StashDeadended, s)
			continue
		}
		for _, next := range succ.Resolved {
			sim.MoveState(StashActive, next)
		}
		for _, next := range succ.Unconstrained {
			sim.MoveState(StashUnconstrained, next)
		}
	}
	return nil
}

// Technique hooks the simulator's run loop.
type Technique interface {
	// Setup is called once before the first step.
	Setup(sim *Simulator) error

	// Step advances the simulation one tick.
	Step(sim *Simulator, opt StepOptions) error

	// Complete reports whether the run is finished.
	Complete(sim *Simulator) (bool, error)
}

// Run steps the simulation under the given technique until it reports
// completion, the active stash drains, or the step limit is hit.
func (sim *Simulator) Run(tech Technique) error {
	if err := tech.Setup(sim); err != nil {
		return err
	}

	maxSteps := sim.MaxSteps
	if maxSteps == 0 {
		maxSteps = DefaultMaxSteps
	}

	for i := 0; ; i++ {
		if done, err := tech.Complete(sim); err != nil {
			return err
		} else if done {
			return nil
		}

		if len(sim.stashes[StashActive]) == 0 {
			return fmt.Errorf("retrace: simulation drained after %d steps: %w", i, ErrNoActiveStates)
		}
		if i >= maxSteps {
			return fmt.Errorf("retrace: simulation still running after %d steps: %w", i, ErrStepLimit)
		}

		log.Printf("[sim] step %d: active=%d", i, len(sim.stashes[StashActive]))
		if err := tech.Step(sim, StepOptions{}); err != nil {
			return err
		}
	}
}
