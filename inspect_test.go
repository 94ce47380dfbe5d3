package retrace_test

import (
	"testing"

	"github.com/benbjohnson/retrace"
)

func TestInspector_Break(t *testing.T) {
	m := NewMachine(t,
		Block(0x1000,
			&retrace.StoreInstr{Base: "r0", Src: "r1"},
			&retrace.HaltInstr{},
		),
	)
	s := m.NewState(0x1000)
	s.Memory().MapZero(0x9000, 0x100)

	// r0 holds a symbolic address into the mapped region.
	sym := retrace.NewSelectExpr(retrace.NewArray(100, 1), retrace.NewConstantExpr64(0))
	s.SetReg("r0", retrace.NewBinaryExpr(retrace.ADD,
		retrace.NewConstantExpr64(0x9000),
		retrace.NewConcatExpr(retrace.NewConstantExpr(0, 56), sym),
	))
	s.SetReg("r1", retrace.NewConstantExpr8(0xff))

	var requested, resolved int
	var result []uint64
	s.Inspect().Break(retrace.EventAddressConcretizationRequested, func(s *retrace.State, ev *retrace.Event) {
		requested++
		if !ev.AddConstraints {
			t.Fatal("expected AddConstraints default true")
		}
	})
	s.Inspect().Break(retrace.EventAddressConcretizationResolved, func(s *retrace.State, ev *retrace.Event) {
		resolved++
		result = ev.Result
	})

	if _, err := m.Step(s, retrace.StepOptions{}); err != nil {
		t.Fatal(err)
	}
	if requested != 1 || resolved != 1 {
		t.Fatalf("unexpected event counts: requested=%d resolved=%d", requested, resolved)
	}
	if got, exp := len(result), 16; got != exp {
		t.Fatalf("unexpected candidate count: %d, expected %d", got, exp)
	}
	if result[0] != 0x9000 {
		t.Fatalf("unexpected first candidate: %#x", result[0])
	}
}

func TestInspector_Remove(t *testing.T) {
	ins := retrace.NewInspector()
	bp := ins.Break(retrace.EventStepCompleted, func(s *retrace.State, ev *retrace.Event) {})
	ins.Remove(bp)
	ins.Remove(bp) // removing twice is a no-op
}

func TestInspector_Clone(t *testing.T) {
	m := NewMachine(t,
		Block(0x1000, &retrace.JumpInstr{Target: 0x2000}),
		Block(0x2000, &retrace.HaltInstr{}),
	)
	s := m.NewState(0x1000)

	var n int
	bp := s.Inspect().Break(retrace.EventStepCompleted, func(s *retrace.State, ev *retrace.Event) {
		n++
	})

	// Breakpoints carry over to stepped successors.
	succ, err := m.Step(s, retrace.StepOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if got, exp := n, 1; got != exp {
		t.Fatalf("unexpected event count: %d", got)
	}

	// Removing from the successor stops later firings on it.
	next := succ.Resolved[0]
	next.Inspect().Remove(bp)
	if _, err := m.Step(next, retrace.StepOptions{}); err != nil {
		t.Fatal(err)
	}
	if got, exp := n, 1; got != exp {
		t.Fatalf("unexpected event count: %d", got)
	}
}
