package retrace

import (
	"fmt"
	"sort"
)

// Expr represents a symbolic expression.
type Expr interface {
	expr()
	String() string
}

func (*BinaryExpr) expr()   {}
func (*ConcatExpr) expr()   {}
func (*ConstantExpr) expr() {}
func (*ExtractExpr) expr()  {}
func (*NotExpr) expr()      {}
func (*SelectExpr) expr()   {}

// ExprWidth returns the bit width of the expression.
func ExprWidth(expr Expr) uint {
	switch expr := expr.(type) {
	case *ConstantExpr:
		return expr.Width
	case *SelectExpr:
		return Width8
	case *ConcatExpr:
		return ExprWidth(expr.MSB) + ExprWidth(expr.LSB)
	case *ExtractExpr:
		return expr.Width
	case *NotExpr:
		return ExprWidth(expr.Expr)
	case *BinaryExpr:
		if expr.Op.IsCompare() {
			return WidthBool
		}
		return ExprWidth(expr.LHS)
	default:
		panic("unreachable")
	}
}

// BinaryOp represents a binary expression operation.
type BinaryOp int

// BinaryExpr operations.
const (
	arithmetic_op_begin = BinaryOp(iota)
	ADD
	SUB
	MUL
	AND
	OR
	XOR
	SHL
	LSHR
	arithmetic_op_end

	compare_op_begin
	EQ
	NE
	ULT
	ULE
	UGT
	UGE
	compare_op_end
)

var binaryOps = [...]string{
	ADD:  "add",
	SUB:  "sub",
	MUL:  "mul",
	AND:  "and",
	OR:   "or",
	XOR:  "xor",
	SHL:  "shl",
	LSHR: "lshr",
	EQ:   "eq",
	NE:   "ne",
	ULT:  "ult",
	ULE:  "ule",
	UGT:  "ugt",
	UGE:  "uge",
}

// String returns the string representation of the operation.
func (op BinaryOp) String() string {
	if op >= 0 && op < BinaryOp(len(binaryOps)) && binaryOps[op] != "" {
		return binaryOps[op]
	}
	return fmt.Sprintf("BinaryOp<%d>", op)
}

// IsArithmetic returns true if op is an arithmetic operator.
func (op BinaryOp) IsArithmetic() bool {
	return op > arithmetic_op_begin && op < arithmetic_op_end
}

// IsCompare returns true if op is a comparison operator.
func (op BinaryOp) IsCompare() bool {
	return op > compare_op_begin && op < compare_op_end
}

// BinaryExpr represents an operation on two expressions.
type BinaryExpr struct {
	Op  BinaryOp
	LHS Expr
	RHS Expr
}

// NewBinaryExpr returns a new binary expression, folding constants where possible.
func NewBinaryExpr(op BinaryOp, lhs, rhs Expr) Expr {
	switch op {
	case ADD:
		return newAddExpr(lhs, rhs)
	case SUB:
		return newSubExpr(lhs, rhs)
	case MUL, AND, OR, XOR, SHL, LSHR:
		if x, ok := lhs.(*ConstantExpr); ok {
			if y, ok := rhs.(*ConstantExpr); ok {
				return foldConstants(op, x, y)
			}
		}
		return &BinaryExpr{Op: op, LHS: lhs, RHS: rhs}

	case EQ:
		return newEqExpr(lhs, rhs)
	case NE:
		return NewNotExpr(newEqExpr(lhs, rhs))
	case ULT:
		return newUltExpr(lhs, rhs)
	case UGT:
		return newUltExpr(rhs, lhs) // reverse
	case ULE:
		return newUleExpr(lhs, rhs)
	case UGE:
		return newUleExpr(rhs, lhs) // reverse

	default:
		panic("unreachable")
	}
}

// String returns the string representation of the expression.
func (e *BinaryExpr) String() string {
	return fmt.Sprintf("(%s %s %s)", e.Op, e.LHS, e.RHS)
}

func foldConstants(op BinaryOp, x, y *ConstantExpr) *ConstantExpr {
	switch op {
	case MUL:
		return x.Mul(y)
	case AND:
		return x.And(y)
	case OR:
		return x.Or(y)
	case XOR:
		return x.Xor(y)
	case SHL:
		return x.Shl(y)
	case LSHR:
		return x.LShr(y)
	default:
		panic("unreachable")
	}
}

// newAddExpr returns the expression representing the sum of lhs & rhs.
func newAddExpr(lhs, rhs Expr) Expr {
	// Move constant expression to left hand side.
	if !IsConstantExpr(lhs) && IsConstantExpr(rhs) {
		lhs, rhs = rhs, lhs
	}

	if lhs, ok := lhs.(*ConstantExpr); ok {
		if lhs.Value == 0 {
			return rhs
		} else if rhs, ok := rhs.(*ConstantExpr); ok {
			return lhs.Add(rhs)
		}
	}
	return &BinaryExpr{Op: ADD, LHS: lhs, RHS: rhs}
}

// newSubExpr returns an expression representing the difference of lhs & rhs.
func newSubExpr(lhs, rhs Expr) Expr {
	// Subtracting a value from itself is zero.
	if CompareExpr(lhs, rhs) == 0 {
		return NewConstantExpr(0, ExprWidth(lhs))
	}

	if lhs, ok := lhs.(*ConstantExpr); ok {
		if rhs, ok := rhs.(*ConstantExpr); ok {
			return lhs.Sub(rhs)
		}
	}
	if rhs, ok := rhs.(*ConstantExpr); ok && rhs.Value == 0 {
		return lhs
	}
	return &BinaryExpr{Op: SUB, LHS: lhs, RHS: rhs}
}

// newEqExpr returns an expression that represents the equality of lhs and rhs.
func newEqExpr(lhs, rhs Expr) Expr {
	if lhs, ok := lhs.(*ConstantExpr); ok {
		if rhs, ok := rhs.(*ConstantExpr); ok {
			return lhs.Eq(rhs)
		}
	}

	// Identical expressions are trivially equal.
	if CompareExpr(lhs, rhs) == 0 {
		return NewBoolConstantExpr(true)
	}
	return &BinaryExpr{Op: EQ, LHS: lhs, RHS: rhs}
}

// newUltExpr returns an expression that represents if lhs is less than rhs (unsigned).
func newUltExpr(lhs, rhs Expr) Expr {
	if lhs, ok := lhs.(*ConstantExpr); ok {
		if rhs, ok := rhs.(*ConstantExpr); ok {
			return lhs.Ult(rhs)
		}
	}
	return &BinaryExpr{Op: ULT, LHS: lhs, RHS: rhs}
}

// newUleExpr returns an expression that represents if lhs is less than or equal to rhs (unsigned).
func newUleExpr(lhs, rhs Expr) Expr {
	if lhs, ok := lhs.(*ConstantExpr); ok {
		if rhs, ok := rhs.(*ConstantExpr); ok {
			return lhs.Ule(rhs)
		}
	}
	return &BinaryExpr{Op: ULE, LHS: lhs, RHS: rhs}
}

// SelectExpr represents a one byte read from an array.
type SelectExpr struct {
	Array *Array
	Index Expr
}

// NewSelectExpr returns a new instance of SelectExpr based on a given array.
func NewSelectExpr(a *Array, index Expr) Expr {
	return &SelectExpr{Array: a, Index: index}
}

// String returns the string representation of the expression.
func (e *SelectExpr) String() string {
	return fmt.Sprintf("(select %s %s)", e.Array, e.Index)
}

// ConcatExpr represents a concatenation of two expressions.
type ConcatExpr struct {
	MSB Expr
	LSB Expr
}

// NewConcatExpr returns a new instance of ConcatExpr.
func NewConcatExpr(msb, lsb Expr) Expr {
	if msb, ok := msb.(*ConstantExpr); ok {
		if lsb, ok := lsb.(*ConstantExpr); ok {
			return msb.Concat(lsb)
		}
	}
	return &ConcatExpr{MSB: msb, LSB: lsb}
}

// String returns the string representation of the expression.
func (e *ConcatExpr) String() string {
	return fmt.Sprintf("(concat %s %s)", e.MSB, e.LSB)
}

// ExtractExpr represents the extraction of a set of bits at a given offset/width.
type ExtractExpr struct {
	Expr   Expr
	Offset uint
	Width  uint
}

// NewExtractExpr returns a new instance of ExtractExpr.
func NewExtractExpr(expr Expr, offset, width uint) Expr {
	assert(offset+width <= ExprWidth(expr), "extract out of range: offset=%d width=%d", offset, width)

	if width == ExprWidth(expr) {
		return expr
	}
	if expr, ok := expr.(*ConstantExpr); ok {
		return expr.Extract(offset, width)
	}
	return &ExtractExpr{Expr: expr, Offset: offset, Width: width}
}

// String returns the string representation of the expression.
func (e *ExtractExpr) String() string {
	return fmt.Sprintf("(extract %s %d %d)", e.Expr, e.Offset, e.Width)
}

// NotExpr represents a bitwise not of an expression.
type NotExpr struct {
	Expr Expr
}

// NewNotExpr returns a new instance of NotExpr.
func NewNotExpr(expr Expr) Expr {
	if expr, ok := expr.(*ConstantExpr); ok {
		return expr.Not()
	}
	return &NotExpr{Expr: expr}
}

// String returns the string representation of the expression.
func (e *NotExpr) String() string {
	return fmt.Sprintf("(not %s)", e.Expr)
}

// newZExtExpr returns expr zero-extended (or truncated) to width w.
func newZExtExpr(expr Expr, w uint) Expr {
	if width := ExprWidth(expr); width == w {
		return expr
	} else if width > w {
		return NewExtractExpr(expr, 0, w)
	} else {
		return NewConcatExpr(NewConstantExpr(0, w-width), expr)
	}
}

// ConstantExpr represents a fixed-width unsigned integer.
type ConstantExpr struct {
	Value uint64
	Width uint
}

// NewConstantExpr returns a new instance of ConstantExpr.
func NewConstantExpr(value uint64, width uint) *ConstantExpr {
	return &ConstantExpr{Value: value & bitmask(width), Width: width}
}

// NewConstantExpr8 returns an 8-bit constant expression.
func NewConstantExpr8(value uint64) *ConstantExpr {
	return NewConstantExpr(value, Width8)
}

// NewConstantExpr32 returns a 32-bit constant expression.
func NewConstantExpr32(value uint64) *ConstantExpr {
	return NewConstantExpr(value, Width32)
}

// NewConstantExpr64 returns a 64-bit constant expression.
func NewConstantExpr64(value uint64) *ConstantExpr {
	return NewConstantExpr(value, Width64)
}

// NewBoolConstantExpr is an ease of use function for creating constant boolean expressions.
func NewBoolConstantExpr(value bool) *ConstantExpr {
	if value {
		return NewConstantExpr(1, WidthBool)
	}
	return NewConstantExpr(0, WidthBool)
}

// String returns the string representation of the expression.
func (e *ConstantExpr) String() string {
	return fmt.Sprintf("(const %d %d)", e.Value, e.Width)
}

// IsTrue returns true if this is a boolean true expression.
func (e *ConstantExpr) IsTrue() bool {
	return e.Width == WidthBool && e.Value == 1
}

// IsFalse returns true if this is a boolean false expression.
func (e *ConstantExpr) IsFalse() bool {
	return e.Width == WidthBool && e.Value == 0
}

// Add returns the sum of e and other.
func (e *ConstantExpr) Add(other *ConstantExpr) *ConstantExpr {
	return NewConstantExpr(e.Value+other.Value, e.Width)
}

// Sub returns the difference of e and other.
func (e *ConstantExpr) Sub(other *ConstantExpr) *ConstantExpr {
	return NewConstantExpr(e.Value-other.Value, e.Width)
}

// Mul returns the product of e and other.
func (e *ConstantExpr) Mul(other *ConstantExpr) *ConstantExpr {
	return NewConstantExpr(e.Value*other.Value, e.Width)
}

// And returns the bitwise AND of e and other.
func (e *ConstantExpr) And(other *ConstantExpr) *ConstantExpr {
	return NewConstantExpr(e.Value&other.Value, e.Width)
}

// Or returns the bitwise OR of e and other.
func (e *ConstantExpr) Or(other *ConstantExpr) *ConstantExpr {
	return NewConstantExpr(e.Value|other.Value, e.Width)
}

// Xor returns the bitwise XOR of e and other.
func (e *ConstantExpr) Xor(other *ConstantExpr) *ConstantExpr {
	return NewConstantExpr(e.Value^other.Value, e.Width)
}

// Shl returns the value of e shifted left by other number of bits.
func (e *ConstantExpr) Shl(other *ConstantExpr) *ConstantExpr {
	if other.Value >= uint64(e.Width) {
		return NewConstantExpr(0, e.Width)
	}
	return NewConstantExpr(e.Value<<other.Value, e.Width)
}

// LShr returns the value of e logically shifted right by other number of bits.
func (e *ConstantExpr) LShr(other *ConstantExpr) *ConstantExpr {
	if other.Value >= uint64(e.Width) {
		return NewConstantExpr(0, e.Width)
	}
	return NewConstantExpr(e.Value>>other.Value, e.Width)
}

// Eq returns the equality of e and other.
func (e *ConstantExpr) Eq(other *ConstantExpr) *ConstantExpr {
	return NewBoolConstantExpr(e.Value == other.Value)
}

// Ult returns the unsigned less than comparison of e to other.
func (e *ConstantExpr) Ult(other *ConstantExpr) *ConstantExpr {
	return NewBoolConstantExpr(e.Value < other.Value)
}

// Ule returns the unsigned less than or equal to comparison of e to other.
func (e *ConstantExpr) Ule(other *ConstantExpr) *ConstantExpr {
	return NewBoolConstantExpr(e.Value <= other.Value)
}

// ZExt returns the zero-extension of e to a new width.
func (e *ConstantExpr) ZExt(width uint) *ConstantExpr {
	return NewConstantExpr(e.Value, width)
}

// Not returns the bitwise NOT of the expression.
func (e *ConstantExpr) Not() *ConstantExpr {
	return NewConstantExpr(^e.Value, e.Width)
}

// Extract returns width number of bits starting at offset.
func (e *ConstantExpr) Extract(offset, width uint) *ConstantExpr {
	return NewConstantExpr(e.Value>>offset, width)
}

// Concat returns the concatenation of e and lsb.
func (e *ConstantExpr) Concat(lsb *ConstantExpr) *ConstantExpr {
	return NewConstantExpr(e.Value<<lsb.Width|lsb.Value, e.Width+lsb.Width)
}

func bitmask(width uint) uint64 {
	if width >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << width) - 1
}

// IsConstantExpr returns true if expr is an instance of ConstantExpr.
func IsConstantExpr(expr Expr) bool {
	_, ok := expr.(*ConstantExpr)
	return ok
}

// IsConstantTrue returns true if expr is an instance of ConstantExpr and is true.
func IsConstantTrue(expr Expr) bool {
	c, ok := expr.(*ConstantExpr)
	return ok && c.IsTrue()
}

// IsConstantFalse returns true if expr is an instance of ConstantExpr and is false.
func IsConstantFalse(expr Expr) bool {
	c, ok := expr.(*ConstantExpr)
	return ok && c.IsFalse()
}

// Variable identifies a single symbolic input byte referenced by an expression.
type Variable struct {
	Array uint64 // array id
	Index uint64 // byte index within the array
}

// Variables returns the sorted, deduplicated set of symbolic input bytes that
// expr depends on. A select with a symbolic index may touch any byte of its
// array so every byte is included.
func Variables(expr Expr) []Variable {
	m := make(map[Variable]struct{})
	findVariables(expr, m)

	a := make([]Variable, 0, len(m))
	for v := range m {
		a = append(a, v)
	}
	sort.Slice(a, func(i, j int) bool {
		if a[i].Array != a[j].Array {
			return a[i].Array < a[j].Array
		}
		return a[i].Index < a[j].Index
	})
	return a
}

func findVariables(expr Expr, m map[Variable]struct{}) {
	switch expr := expr.(type) {
	case *ConstantExpr:
	case *BinaryExpr:
		findVariables(expr.LHS, m)
		findVariables(expr.RHS, m)
	case *ConcatExpr:
		findVariables(expr.MSB, m)
		findVariables(expr.LSB, m)
	case *ExtractExpr:
		findVariables(expr.Expr, m)
	case *NotExpr:
		findVariables(expr.Expr, m)
	case *SelectExpr:
		if index, ok := expr.Index.(*ConstantExpr); ok {
			m[Variable{Array: expr.Array.ID, Index: index.Value}] = struct{}{}
		} else {
			for i := uint(0); i < expr.Array.Size; i++ {
				m[Variable{Array: expr.Array.ID, Index: uint64(i)}] = struct{}{}
			}
			findVariables(expr.Index, m)
		}
	default:
		panic("unreachable")
	}
}

// VariablesEqual returns true if a and b reference the same input byte set.
// Both must be sorted as returned by Variables.
func VariablesEqual(a, b []Variable) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// FindArrays returns all arrays referenced by the given expressions, sorted by ID.
func FindArrays(exprs ...Expr) []*Array {
	m := make(map[uint64]*Array)
	for _, expr := range exprs {
		findArrays(expr, m)
	}

	a := make([]*Array, 0, len(m))
	for _, array := range m {
		a = append(a, array)
	}
	sort.Slice(a, func(i, j int) bool { return a[i].ID < a[j].ID })
	return a
}

func findArrays(expr Expr, m map[uint64]*Array) {
	switch expr := expr.(type) {
	case *ConstantExpr:
	case *BinaryExpr:
		findArrays(expr.LHS, m)
		findArrays(expr.RHS, m)
	case *ConcatExpr:
		findArrays(expr.MSB, m)
		findArrays(expr.LSB, m)
	case *ExtractExpr:
		findArrays(expr.Expr, m)
	case *NotExpr:
		findArrays(expr.Expr, m)
	case *SelectExpr:
		if _, ok := m[expr.Array.ID]; !ok {
			m[expr.Array.ID] = expr.Array
			for upd := expr.Array.Updates; upd != nil; upd = upd.Next {
				findArrays(upd.Index, m)
				findArrays(upd.Value, m)
			}
		}
		findArrays(expr.Index, m)
	default:
		panic("unreachable")
	}
}

// CompareExpr returns an integer comparing two expressions.
// The result will be 0 if a==b, -1 if a < b, and +1 if a > b.
func CompareExpr(a, b Expr) int {
	if x, y := exprKind(a), exprKind(b); x != y {
		if x < y {
			return -1
		}
		return 1
	}

	switch a := a.(type) {
	case *ConstantExpr:
		b := b.(*ConstantExpr)
		if a.Width != b.Width {
			if a.Width < b.Width {
				return -1
			}
			return 1
		}
		if a.Value != b.Value {
			if a.Value < b.Value {
				return -1
			}
			return 1
		}
		return 0
	case *BinaryExpr:
		b := b.(*BinaryExpr)
		if a.Op != b.Op {
			if a.Op < b.Op {
				return -1
			}
			return 1
		}
		if cmp := CompareExpr(a.LHS, b.LHS); cmp != 0 {
			return cmp
		}
		return CompareExpr(a.RHS, b.RHS)
	case *ConcatExpr:
		b := b.(*ConcatExpr)
		if cmp := CompareExpr(a.MSB, b.MSB); cmp != 0 {
			return cmp
		}
		return CompareExpr(a.LSB, b.LSB)
	case *ExtractExpr:
		b := b.(*ExtractExpr)
		if a.Offset != b.Offset {
			if a.Offset < b.Offset {
				return -1
			}
			return 1
		}
		if a.Width != b.Width {
			if a.Width < b.Width {
				return -1
			}
			return 1
		}
		return CompareExpr(a.Expr, b.Expr)
	case *NotExpr:
		return CompareExpr(a.Expr, b.(*NotExpr).Expr)
	case *SelectExpr:
		b := b.(*SelectExpr)
		if cmp := CompareArray(a.Array, b.Array); cmp != 0 {
			return cmp
		}
		return CompareExpr(a.Index, b.Index)
	default:
		panic("unreachable")
	}
}

// exprKind returns a numeric value for the type of expression.
// Only used internally for equality checks and sorting.
func exprKind(expr Expr) int {
	switch expr.(type) {
	case *ConstantExpr:
		return 1
	case *BinaryExpr:
		return 2
	case *ConcatExpr:
		return 3
	case *ExtractExpr:
		return 4
	case *NotExpr:
		return 5
	case *SelectExpr:
		return 6
	default:
		panic("unreachable")
	}
}

// ExprEvaluator folds expressions to constants under a concrete assignment
// of initial array values.
type ExprEvaluator struct {
	values map[uint64][]byte // array id → initial bytes
}

// NewExprEvaluator returns a new instance of ExprEvaluator.
// The arrays & values slices are index-aligned.
func NewExprEvaluator(arrays []*Array, values [][]byte) *ExprEvaluator {
	assert(len(arrays) == len(values), "evaluator: arrays/values length mismatch")

	m := make(map[uint64][]byte, len(arrays))
	for i, array := range arrays {
		m[array.ID] = values[i]
	}
	return &ExprEvaluator{values: m}
}

// Evaluate returns the constant value of expr under the evaluator's assignment.
func (ev *ExprEvaluator) Evaluate(expr Expr) (*ConstantExpr, error) {
	switch expr := expr.(type) {
	case *ConstantExpr:
		return expr, nil
	case *BinaryExpr:
		lhs, err := ev.Evaluate(expr.LHS)
		if err != nil {
			return nil, err
		}
		rhs, err := ev.Evaluate(expr.RHS)
		if err != nil {
			return nil, err
		}
		return ev.evaluateBinary(expr.Op, lhs, rhs)
	case *ConcatExpr:
		msb, err := ev.Evaluate(expr.MSB)
		if err != nil {
			return nil, err
		}
		lsb, err := ev.Evaluate(expr.LSB)
		if err != nil {
			return nil, err
		}
		return msb.Concat(lsb), nil
	case *ExtractExpr:
		src, err := ev.Evaluate(expr.Expr)
		if err != nil {
			return nil, err
		}
		return src.Extract(expr.Offset, expr.Width), nil
	case *NotExpr:
		src, err := ev.Evaluate(expr.Expr)
		if err != nil {
			return nil, err
		}
		return src.Not(), nil
	case *SelectExpr:
		return ev.evaluateSelect(expr)
	default:
		panic("unreachable")
	}
}

func (ev *ExprEvaluator) evaluateBinary(op BinaryOp, lhs, rhs *ConstantExpr) (*ConstantExpr, error) {
	switch op {
	case ADD:
		return lhs.Add(rhs), nil
	case SUB:
		return lhs.Sub(rhs), nil
	case MUL:
		return lhs.Mul(rhs), nil
	case AND:
		return lhs.And(rhs), nil
	case OR:
		return lhs.Or(rhs), nil
	case XOR:
		return lhs.Xor(rhs), nil
	case SHL:
		return lhs.Shl(rhs), nil
	case LSHR:
		return lhs.LShr(rhs), nil
	case EQ:
		return lhs.Eq(rhs), nil
	case ULT:
		return lhs.Ult(rhs), nil
	case ULE:
		return lhs.Ule(rhs), nil
	default:
		return nil, fmt.Errorf("retrace: cannot evaluate binary op: %s", op)
	}
}

func (ev *ExprEvaluator) evaluateSelect(expr *SelectExpr) (*ConstantExpr, error) {
	index, err := ev.Evaluate(expr.Index)
	if err != nil {
		return nil, err
	}

	// Most recent matching update wins.
	for upd := expr.Array.Updates; upd != nil; upd = upd.Next {
		updIndex, err := ev.Evaluate(upd.Index)
		if err != nil {
			return nil, err
		}
		if updIndex.Value == index.Value {
			return ev.Evaluate(upd.Value)
		}
	}

	values, ok := ev.values[expr.Array.ID]
	if !ok {
		return nil, fmt.Errorf("retrace: no value assigned to array #%d", expr.Array.ID)
	} else if index.Value >= uint64(len(values)) {
		return nil, fmt.Errorf("retrace: array #%d index out of range: %d", expr.Array.ID, index.Value)
	}
	return NewConstantExpr8(uint64(values[index.Value])), nil
}
