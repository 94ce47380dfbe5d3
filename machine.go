package retrace

import (
	"fmt"
)

// DefaultMaxCandidates is the number of concrete targets tried when an
// exit address is symbolic before giving up and marking the state
// unconstrained.
const DefaultMaxCandidates = 16

// Machine executes program blocks against symbolic states.
type Machine struct {
	prog       *Program
	stateIDSeq uint64

	// Architecture tag for subroutine emulation. Defaults to amd64.
	Arch string

	// Solver used for forking, address concretization, and exit
	// resolution. Must be set before stepping.
	Solver Solver

	// Maximum concrete targets to enumerate for a symbolic exit address.
	MaxCandidates int
}

// NewMachine returns a new machine for the given program.
func NewMachine(prog *Program, solver Solver) *Machine {
	return &Machine{
		prog:          prog,
		Arch:          "amd64",
		Solver:        solver,
		MaxCandidates: DefaultMaxCandidates,
	}
}

// Program returns the program being executed.
func (m *Machine) Program() *Program { return m.prog }

func (m *Machine) nextStateID() uint64 {
	id := m.stateIDSeq
	m.stateIDSeq++
	return id
}

// NewState returns a fresh state positioned at addr with empty registers,
// memory, and constraints.
func (m *Machine) NewState(addr uint64) *State {
	return &State{
		id:             m.nextStateID(),
		machine:        m,
		ip:             NewConstantExpr64(addr),
		regs:           make(map[string]Expr),
		memory:         NewMemory(),
		history:        NewHistory(),
		preconstrainer: NewPreconstrainer(),
		inspect:        NewInspector(),
	}
}

// StepOptions adjusts a single step.
type StepOptions struct {
	// Number of instructions to execute. Zero means run to the end of
	// the block. A step cut short of the terminator produces a single
	// successor positioned at the next instruction and does not count
	// as a completed block.
	NumInstrs int
}

// Successors holds the states produced by one step.
type Successors struct {
	// States with a concrete instruction pointer.
	Resolved []*State

	// States whose exit address stayed symbolic because it has too many
	// possible targets.
	Unconstrained []*State
}

// All returns every successor, resolved first.
func (ss *Successors) All() []*State {
	a := make([]*State, 0, len(ss.Resolved)+len(ss.Unconstrained))
	a = append(a, ss.Resolved...)
	a = append(a, ss.Unconstrained...)
	return a
}

// Step executes from the state's current instruction pointer. The input
// state is not modified; successors are clones.
func (m *Machine) Step(s *State, opt StepOptions) (*Successors, error) {
	addr, err := s.ConcreteIP()
	if err != nil {
		return nil, err
	}

	block, index := m.prog.BlockContaining(addr)
	if block == nil {
		return nil, fmt.Errorf("retrace: no block contains %#x: %w", addr, ErrNoBlockAvailable)
	}
	return m.execute(s.Clone(), block, index, opt.NumInstrs)
}

// EmulateSubroutine runs a return from the state's current call frame
// using the machine's architecture.
func (m *Machine) EmulateSubroutine(s *State) (*State, error) {
	arch, err := ArchByTag(m.Arch)
	if err != nil {
		return nil, err
	}
	return arch.EmulateSubroutine(m, s)
}

// StepBlock executes the given block against a clone of the state,
// regardless of the state's instruction pointer. Used for synthesized
// blocks that are not part of the program.
func (m *Machine) StepBlock(s *State, block *Block) (*Successors, error) {
	clone := s.Clone()
	clone.SetIP(NewConstantExpr64(block.Addr))
	return m.execute(clone, block, 0, 0)
}

func (m *Machine) execute(s *State, block *Block, index, numInstrs int) (*Successors, error) {
	executed := 0
	for i := index; i < len(block.Instrs); i++ {
		in := block.Instrs[i]

		if numInstrs > 0 && executed == numInstrs {
			// Stopped mid-block. Leave the state at the next
			// instruction without counting a completed block.
			s.SetIP(NewConstantExpr64(in.Addr))
			s.inspect.fire(s, &Event{Kind: EventStepCompleted})
			return &Successors{Resolved: []*State{s}}, nil
		}

		if IsTerminator(in.Op) {
			succ, err := m.executeTerminator(s, in.Op)
			if err != nil {
				return nil, err
			}
			m.finishBlock(block, succ)
			return succ, nil
		}

		if err := m.executeInstr(s, in.Op); err != nil {
			return nil, err
		}
		executed++
	}
	return nil, fmt.Errorf("retrace: block %#x has no terminator", block.Addr)
}

// finishBlock records block completion on every successor.
func (m *Machine) finishBlock(block *Block, succ *Successors) {
	for _, s := range succ.All() {
		s.blocksExecuted++
		s.history.Append(block.Addr)
		s.inspect.fire(s, &Event{Kind: EventStepCompleted})
	}
}

func (m *Machine) executeInstr(s *State, in Instr) error {
	switch in := in.(type) {
	case *ConstInstr:
		s.SetReg(in.Dst, NewConstantExpr(in.Value, in.Width))
		return nil
	case *MoveInstr:
		s.SetReg(in.Dst, s.Reg(in.Src))
		return nil
	case *LoadInstr:
		addr, err := m.resolveAddr(s, m.effectiveAddr(s, in.Base, in.Disp))
		if err != nil {
			return err
		}
		value, err := s.memory.Read(addr, in.Width)
		if err != nil {
			return err
		}
		s.SetReg(in.Dst, value)
		return nil
	case *StoreInstr:
		addr, err := m.resolveAddr(s, m.effectiveAddr(s, in.Base, in.Disp))
		if err != nil {
			return err
		}
		return s.memory.Write(addr, s.Reg(in.Src))
	case *BinOpInstr:
		x, y := s.Reg(in.X), s.Reg(in.Y)
		if w := maxWidth(ExprWidth(x), ExprWidth(y)); w > 0 {
			x, y = newZExtExpr(x, w), newZExtExpr(y, w)
		}
		s.SetReg(in.Dst, NewBinaryExpr(in.Op, x, y))
		return nil
	case *PushInstr:
		return m.push(s, newZExtExpr(s.Reg(in.Src), Width64))
	case *PopInstr:
		value, err := m.pop(s)
		if err != nil {
			return err
		}
		s.SetReg(in.Dst, value)
		return nil
	default:
		return fmt.Errorf("retrace: unexpected instruction: %s", in)
	}
}

func (m *Machine) executeTerminator(s *State, in Instr) (*Successors, error) {
	switch in := in.(type) {
	case *JumpInstr:
		s.SetIP(NewConstantExpr64(in.Target))
		return &Successors{Resolved: []*State{s}}, nil
	case *JumpRegInstr:
		return m.resolveExit(s, newZExtExpr(s.Reg(in.Src), Width64))
	case *CallInstr:
		if err := m.push(s, NewConstantExpr64(in.Return)); err != nil {
			return nil, err
		}
		s.SetIP(NewConstantExpr64(in.Target))
		return &Successors{Resolved: []*State{s}}, nil
	case *RetInstr:
		target, err := m.pop(s)
		if err != nil {
			return nil, err
		}
		return m.resolveExit(s, target)
	case *BranchInstr:
		return m.executeBranch(s, in)
	case *HaltInstr:
		return &Successors{}, nil
	default:
		return nil, fmt.Errorf("retrace: unexpected terminator: %s", in)
	}
}

func (m *Machine) executeBranch(s *State, in *BranchInstr) (*Successors, error) {
	cond := asBoolExpr(s.Reg(in.Cond))

	if cond, ok := cond.(*ConstantExpr); ok {
		if cond.IsTrue() {
			s.SetIP(NewConstantExpr64(in.Then))
		} else {
			s.SetIP(NewConstantExpr64(in.Else))
		}
		return &Successors{Resolved: []*State{s}}, nil
	}

	// Symbolic condition. Fork into every satisfiable arm.
	if m.Solver == nil {
		return nil, ErrNoSolver
	}

	elseState := s.Clone()
	s.AddConstraint(cond)
	elseState.AddConstraint(NewNotExpr(cond))

	var succ Successors
	if ok, err := s.Satisfiable(); err != nil {
		return nil, err
	} else if ok {
		s.SetIP(NewConstantExpr64(in.Then))
		succ.Resolved = append(succ.Resolved, s)
	}
	if ok, err := elseState.Satisfiable(); err != nil {
		return nil, err
	} else if ok {
		elseState.SetIP(NewConstantExpr64(in.Else))
		succ.Resolved = append(succ.Resolved, elseState)
	}
	return &succ, nil
}

// effectiveAddr returns base+disp as a 64-bit expression.
func (m *Machine) effectiveAddr(s *State, base string, disp uint64) Expr {
	return NewBinaryExpr(ADD, newZExtExpr(s.Reg(base), Width64), NewConstantExpr64(disp))
}

// resolveAddr concretizes a memory address expression. Symbolic addresses
// fire the concretization breakpoints and, unless a breakpoint opts out,
// pin the address to the lowest satisfying candidate.
func (m *Machine) resolveAddr(s *State, addr Expr) (uint64, error) {
	if addr, ok := addr.(*ConstantExpr); ok {
		return addr.Value, nil
	}
	if m.Solver == nil {
		return 0, ErrNoSolver
	}

	ev := Event{Kind: EventAddressConcretizationRequested, Expr: addr, AddConstraints: true}
	s.inspect.fire(s, &ev)

	candidates, err := m.Solver.Eval(s.constraints, addr, m.maxCandidates())
	if err != nil {
		return 0, err
	} else if len(candidates) == 0 {
		return 0, fmt.Errorf("retrace: no satisfying address for %s", addr)
	}

	chosen := candidates[0]
	if ev.AddConstraints {
		s.AddConstraint(NewBinaryExpr(EQ, addr, NewConstantExpr(chosen, ExprWidth(addr))))
	}

	s.inspect.fire(s, &Event{
		Kind:           EventAddressConcretizationResolved,
		Expr:           addr,
		Result:         candidates,
		AddConstraints: ev.AddConstraints,
	})
	return chosen, nil
}

// resolveExit turns a possibly-symbolic exit target into successors.
// A small candidate set forks one resolved state per target. Too many
// candidates leaves one unconstrained state with a symbolic pointer.
func (m *Machine) resolveExit(s *State, target Expr) (*Successors, error) {
	if target, ok := target.(*ConstantExpr); ok {
		s.SetIP(NewConstantExpr64(target.Value))
		return &Successors{Resolved: []*State{s}}, nil
	}
	if m.Solver == nil {
		return nil, ErrNoSolver
	}

	max := m.maxCandidates()
	candidates, err := m.Solver.Eval(s.constraints, target, max)
	if err != nil {
		return nil, err
	}

	if len(candidates) == 0 {
		return &Successors{}, nil // unsatisfiable, no successors
	} else if len(candidates) >= max {
		s.SetIP(target)
		return &Successors{Unconstrained: []*State{s}}, nil
	}

	var succ Successors
	for i, candidate := range candidates {
		fork := s
		if i < len(candidates)-1 {
			fork = s.Clone()
		}
		fork.AddConstraint(NewBinaryExpr(EQ, target, NewConstantExpr(candidate, ExprWidth(target))))
		fork.SetIP(NewConstantExpr64(candidate))
		succ.Resolved = append(succ.Resolved, fork)
	}
	return &succ, nil
}

func (m *Machine) maxCandidates() int {
	if m.MaxCandidates > 0 {
		return m.MaxCandidates
	}
	return DefaultMaxCandidates
}

func (m *Machine) push(s *State, value Expr) error {
	sp := NewBinaryExpr(SUB, newZExtExpr(s.Reg(RegSP), Width64), NewConstantExpr64(8))
	s.SetReg(RegSP, sp)

	addr, err := m.resolveAddr(s, sp)
	if err != nil {
		return err
	}
	return s.memory.Write(addr, value)
}

func (m *Machine) pop(s *State) (Expr, error) {
	sp := newZExtExpr(s.Reg(RegSP), Width64)
	addr, err := m.resolveAddr(s, sp)
	if err != nil {
		return nil, err
	}
	value, err := s.memory.Read(addr, Width64)
	if err != nil {
		return nil, err
	}

	s.SetReg(RegSP, NewBinaryExpr(ADD, sp, NewConstantExpr64(8)))
	return value, nil
}

// asBoolExpr converts a register value to a boolean condition.
// Non-boolean values are true when non-zero.
func asBoolExpr(expr Expr) Expr {
	if ExprWidth(expr) == WidthBool {
		return expr
	}
	return NewNotExpr(NewBinaryExpr(EQ, expr, NewConstantExpr(0, ExprWidth(expr))))
}

func maxWidth(a, b uint) uint {
	if a > b {
		return a
	}
	return b
}
