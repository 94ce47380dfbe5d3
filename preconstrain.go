package retrace

// PreconstraintEntry records one preconstrained expression and the concrete
// value it was pinned to during tracing.
type PreconstraintEntry struct {
	Expr  Expr
	Value *ConstantExpr

	// The installed equality constraint, kept so it can be removed later.
	constraint Expr
}

// Preconstrainer pins symbolic inputs to the concrete values observed in a
// recorded execution so replay follows the same path. The preconstraints can
// be stripped once the replay reaches its destination.
type Preconstrainer struct {
	entries  []*PreconstraintEntry
	validity []Expr
}

// NewPreconstrainer returns a new instance of Preconstrainer.
func NewPreconstrainer() *Preconstrainer {
	return &Preconstrainer{}
}

// Clone returns a copy of the preconstrainer.
func (p *Preconstrainer) Clone() *Preconstrainer {
	other := &Preconstrainer{
		entries:  make([]*PreconstraintEntry, len(p.entries)),
		validity: make([]Expr, len(p.validity)),
	}
	copy(other.entries, p.entries)
	copy(other.validity, p.validity)
	return other
}

// Entries returns the currently installed preconstraints.
func (p *Preconstrainer) Entries() []*PreconstraintEntry {
	return p.entries
}

// Preconstrain pins expr to value on the given state. The equality
// constraint is added to the state and recorded for later removal.
func (p *Preconstrainer) Preconstrain(s *State, expr Expr, value *ConstantExpr) {
	assert(ExprWidth(expr) == value.Width, "preconstrain width mismatch: %d != %d", ExprWidth(expr), value.Width)

	constraint := NewBinaryExpr(EQ, expr, value)
	p.entries = append(p.entries, &PreconstraintEntry{Expr: expr, Value: value, constraint: constraint})
	s.AddConstraint(constraint)
}

// AddValidity records a constraint that must survive preconstraint removal.
// Validity constraints describe the input domain itself rather than the
// particular traced input.
func (p *Preconstrainer) AddValidity(constraints ...Expr) {
	p.validity = append(p.validity, constraints...)
}

// RemovePreconstraints strips the installed equality constraints from the
// state and clears the entry list.
func (p *Preconstrainer) RemovePreconstraints(s *State) {
	for _, entry := range p.entries {
		s.RemoveConstraint(entry.constraint)
	}
	p.entries = nil
}

// Reconstrain re-adds the validity constraints to the state.
func (p *Preconstrainer) Reconstrain(s *State) {
	for _, constraint := range p.validity {
		s.AddConstraint(constraint)
	}
}
