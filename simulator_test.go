package retrace_test

import (
	"errors"
	"testing"

	"github.com/benbjohnson/retrace"
)

func TestSimulator_Step(t *testing.T) {
	t.Run("Deadend", func(t *testing.T) {
		m := NewMachine(t, Block(0x1000, &retrace.HaltInstr{}))
		sim := retrace.NewSimulator(m, m.NewState(0x1000))

		if err := sim.Step(retrace.StepOptions{}); err != nil {
			t.Fatal(err)
		}
		if got, exp := len(sim.Stash(retrace.StashActive)), 0; got != exp {
			t.Fatalf("unexpected active count: %d", got)
		}
		if got, exp := len(sim.Stash(retrace.StashDeadended)), 1; got != exp {
			t.Fatalf("unexpected deadended count: %d", got)
		}
	})

	t.Run("Fork", func(t *testing.T) {
		m := NewMachine(t,
			Block(0x1000, &retrace.BranchInstr{Cond: "cond", Then: 0x2000, Else: 0x3000}),
			Block(0x2000, &retrace.HaltInstr{}),
			Block(0x3000, &retrace.HaltInstr{}),
		)
		s := m.NewState(0x1000)
		sel := retrace.NewSelectExpr(retrace.NewArray(100, 1), retrace.NewConstantExpr64(0))
		s.SetReg("cond", retrace.NewBinaryExpr(retrace.ULT, sel, retrace.NewConstantExpr8(0x10)))

		sim := retrace.NewSimulator(m, s)
		if err := sim.Step(retrace.StepOptions{}); err != nil {
			t.Fatal(err)
		}
		if got, exp := len(sim.Stash(retrace.StashActive)), 2; got != exp {
			t.Fatalf("unexpected active count: %d", got)
		}
	})

	t.Run("Unconstrained", func(t *testing.T) {
		m := NewMachine(t, Block(0x1000, &retrace.JumpRegInstr{Src: "r0"}))
		s := m.NewState(0x1000)
		s.SetReg("r0", retrace.NewSelectExpr(retrace.NewArray(100, 1), retrace.NewConstantExpr64(0)))

		sim := retrace.NewSimulator(m, s)
		if err := sim.Step(retrace.StepOptions{}); err != nil {
			t.Fatal(err)
		}
		if got, exp := len(sim.Stash(retrace.StashActive)), 0; got != exp {
			t.Fatalf("unexpected active count: %d", got)
		}
		if got, exp := len(sim.Stash(retrace.StashUnconstrained)), 1; got != exp {
			t.Fatalf("unexpected unconstrained count: %d", got)
		}
	})
}

func TestSimulator_Run(t *testing.T) {
	t.Run("StepLimit", func(t *testing.T) {
		m := NewMachine(t, Block(0x1000, &retrace.JumpInstr{Target: 0x1000}))
		sim := retrace.NewSimulator(m, m.NewState(0x1000))
		sim.MaxSteps = 5

		monitor := retrace.NewCrashMonitor(make([]uint64, 1000))
		monitor.CrashMode = true

		if err := sim.Run(monitor); !errors.Is(err, retrace.ErrStepLimit) {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("Drained", func(t *testing.T) {
		m := NewMachine(t, Block(0x1000, &retrace.HaltInstr{}))
		sim := retrace.NewSimulator(m, m.NewState(0x1000))

		monitor := retrace.NewCrashMonitor(make([]uint64, 10))
		monitor.CrashMode = true

		if err := sim.Run(monitor); !errors.Is(err, retrace.ErrNoActiveStates) {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}
