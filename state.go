package retrace

import (
	"fmt"
)

// State represents a single path through the program: an instruction
// pointer, register file, memory, and the path constraints accumulated on
// the way here.
type State struct {
	id      uint64
	machine *Machine

	ip          Expr
	regs        map[string]Expr
	memory      *Memory
	constraints []Expr

	blocksExecuted int
	history        *History

	preconstrainer *Preconstrainer
	inspect        *Inspector
}

// ID returns the state's unique identifier.
func (s *State) ID() uint64 { return s.id }

// Machine returns the machine that owns the state.
func (s *State) Machine() *Machine { return s.machine }

// String returns a short description of the state.
func (s *State) String() string {
	if ip, ok := s.ip.(*ConstantExpr); ok {
		return fmt.Sprintf("state<%d %#x>", s.id, ip.Value)
	}
	return fmt.Sprintf("state<%d symbolic-ip>", s.id)
}

// Clone returns a deep enough copy of the state that the two can diverge.
// Memory and breakpoints use copy-on-write sharing.
func (s *State) Clone() *State {
	other := &State{
		id:      s.machine.nextStateID(),
		machine: s.machine,

		ip:          s.ip,
		regs:        make(map[string]Expr, len(s.regs)),
		memory:      s.memory.Clone(),
		constraints: make([]Expr, len(s.constraints)),

		blocksExecuted: s.blocksExecuted,
		history:        s.history.Clone(),

		preconstrainer: s.preconstrainer.Clone(),
		inspect:        s.inspect.Clone(),
	}
	for name, value := range s.regs {
		other.regs[name] = value
	}
	copy(other.constraints, s.constraints)
	return other
}

// IP returns the instruction pointer expression.
func (s *State) IP() Expr { return s.ip }

// SetIP sets the instruction pointer.
func (s *State) SetIP(ip Expr) { s.ip = ip }

// ConcreteIP returns the instruction pointer as a concrete address.
// Returns ErrSymbolicIP if the pointer is not constant.
func (s *State) ConcreteIP() (uint64, error) {
	ip, ok := s.ip.(*ConstantExpr)
	if !ok {
		return 0, ErrSymbolicIP
	}
	return ip.Value, nil
}

// Reg returns the value of a register. Unset registers read as zero.
func (s *State) Reg(name string) Expr {
	if value, ok := s.regs[name]; ok {
		return value
	}
	return NewConstantExpr64(0)
}

// SetReg sets the value of a register.
func (s *State) SetReg(name string, value Expr) {
	s.regs[name] = value
}

// Memory returns the state's address space.
func (s *State) Memory() *Memory { return s.memory }

// Constraints returns the accumulated path constraints.
func (s *State) Constraints() []Expr { return s.constraints }

// AddConstraint adds a path constraint. Conjunctions are split into their
// parts so individual constraints can be removed later. Constant true
// constraints are dropped.
func (s *State) AddConstraint(constraint Expr) {
	assert(ExprWidth(constraint) == WidthBool, "constraint must be boolean, got width %d", ExprWidth(constraint))

	if expr, ok := constraint.(*BinaryExpr); ok && expr.Op == AND {
		s.AddConstraint(expr.LHS)
		s.AddConstraint(expr.RHS)
		return
	}
	if IsConstantTrue(constraint) {
		return
	}
	s.constraints = append(s.constraints, constraint)
}

// RemoveConstraint removes every constraint structurally equal to the given
// expression. Removing an absent constraint is a no-op.
func (s *State) RemoveConstraint(constraint Expr) {
	a := s.constraints[:0]
	for _, other := range s.constraints {
		if CompareExpr(other, constraint) != 0 {
			a = append(a, other)
		}
	}
	s.constraints = a
}

// Satisfiable returns true if the path constraints can all hold at once.
func (s *State) Satisfiable() (bool, error) {
	if s.machine.Solver == nil {
		return false, ErrNoSolver
	}
	ok, _, err := s.machine.Solver.Solve(s.constraints, nil)
	return ok, err
}

// Block returns the program block at the current instruction pointer.
func (s *State) Block() (*Block, error) {
	addr, err := s.ConcreteIP()
	if err != nil {
		return nil, err
	}
	block, _ := s.machine.prog.BlockContaining(addr)
	if block == nil {
		return nil, fmt.Errorf("retrace: no block at %#x: %w", addr, ErrNoBlockAvailable)
	}
	return block, nil
}

// BlocksExecuted returns the number of whole blocks the state has run.
func (s *State) BlocksExecuted() int { return s.blocksExecuted }

// History returns the state's block history.
func (s *State) History() *History { return s.history }

// Preconstrainer returns the state's preconstrainer.
func (s *State) Preconstrainer() *Preconstrainer { return s.preconstrainer }

// Inspect returns the state's breakpoint inspector.
func (s *State) Inspect() *Inspector { return s.inspect }

// History records the addresses of executed blocks.
type History struct {
	blocks []uint64
}

// NewHistory returns a new instance of History.
func NewHistory() *History {
	return &History{}
}

// Clone returns a copy of the history.
func (h *History) Clone() *History {
	other := &History{blocks: make([]uint64, len(h.blocks))}
	copy(other.blocks, h.blocks)
	return other
}

// Append records a block address.
func (h *History) Append(addr uint64) {
	h.blocks = append(h.blocks, addr)
}

// Blocks returns the recorded block addresses, oldest first.
func (h *History) Blocks() []uint64 { return h.blocks }

// Len returns the number of recorded blocks.
func (h *History) Len() int { return len(h.blocks) }

// Trim discards all but the most recent entry. Keeps replay memory flat
// when the full path is not needed.
func (h *History) Trim() {
	if len(h.blocks) > 1 {
		h.blocks = h.blocks[len(h.blocks)-1:]
	}
}
