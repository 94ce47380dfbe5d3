package z3

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unsafe"

	"github.com/benbjohnson/retrace"
)

/*
#cgo LDFLAGS: -lz3
#include <z3.h>
#include <stdlib.h>
#include <stdio.h>
*/
import "C"

// Ensure solver implements interface.
var _ retrace.Solver = (*Solver)(nil)

// Solver represents a solver that uses an embedded Z3 solver.
type Solver struct {
	ctx   *Context
	stats Stats
}

// NewSolver returns a new instance of Solver.
func NewSolver() *Solver {
	return &Solver{
		ctx: NewContext(),
	}
}

// Close deletes the underlying Z3 context.
func (s *Solver) Close() error {
	return s.ctx.Close()
}

// Stats returns statistics for the solver.
func (s *Solver) Stats() Stats {
	return s.stats
}

func (s *Solver) Solve(constraints []retrace.Expr, arrays []*retrace.Array) (satisfiable bool, values [][]byte, err error) {
	t := time.Now()
	defer func() {
		s.stats.SolveN++
		s.stats.SolveTime += time.Since(t)
	}()

	solver := C.Z3_mk_solver(s.ctx.raw)
	if err := s.ctx.err("Z3_mk_solver"); err != nil {
		return false, nil, err
	}
	C.Z3_solver_inc_ref(s.ctx.raw, solver)
	defer C.Z3_solver_dec_ref(s.ctx.raw, solver)

	// Assert constraints.
	for _, constraint := range constraints {
		z3Constraint, err := s.ctx.toAST(constraint)
		if err != nil {
			return false, nil, err
		}
		C.Z3_solver_assert(s.ctx.raw, solver, z3Constraint)
		if err := s.ctx.err("Z3_solver_assert"); err != nil {
			return false, nil, err
		}
	}

	// Check equations with the solver.
	// Exit immediately if unsatisfiable or the solver encountered an error.
	ret := C.Z3_solver_check(s.ctx.raw, solver)
	if err := s.ctx.checkResultErr(solver, ret); err != nil {
		return false, nil, err
	} else if ret == C.Z3_L_FALSE {
		return false, nil, nil
	} else if len(arrays) == 0 {
		return true, nil, nil // no symbolics, ignore model
	}

	// Calculate a model for the given formula.
	model := C.Z3_solver_get_model(s.ctx.raw, solver)
	if err := s.ctx.err("Z3_solver_get_model"); err != nil {
		return true, nil, err
	}

	// Fetch values for symbolic arrays.
	values, err = s.ctx.eval(model, arrays)
	if err != nil {
		return true, nil, err
	}
	return true, values, nil
}

// Eval returns up to max distinct satisfying values of expr, in ascending
// order. Each found value is blocked and the solver re-checked until the
// formula is exhausted or the limit is hit.
func (s *Solver) Eval(constraints []retrace.Expr, expr retrace.Expr, max int) ([]uint64, error) {
	t := time.Now()
	defer func() {
		s.stats.EvalN++
		s.stats.EvalTime += time.Since(t)
	}()

	width := retrace.ExprWidth(expr)
	assert(width > 1 && width <= 64)

	solver := C.Z3_mk_solver(s.ctx.raw)
	if err := s.ctx.err("Z3_mk_solver"); err != nil {
		return nil, err
	}
	C.Z3_solver_inc_ref(s.ctx.raw, solver)
	defer C.Z3_solver_dec_ref(s.ctx.raw, solver)

	for _, constraint := range constraints {
		z3Constraint, err := s.ctx.toAST(constraint)
		if err != nil {
			return nil, err
		}
		C.Z3_solver_assert(s.ctx.raw, solver, z3Constraint)
		if err := s.ctx.err("Z3_solver_assert"); err != nil {
			return nil, err
		}
	}

	target, err := s.ctx.toAST(expr)
	if err != nil {
		return nil, err
	}

	var values []uint64
	for max <= 0 || len(values) < max {
		ret := C.Z3_solver_check(s.ctx.raw, solver)
		if err := s.ctx.checkResultErr(solver, ret); err != nil {
			return nil, err
		} else if ret == C.Z3_L_FALSE {
			break
		}

		model := C.Z3_solver_get_model(s.ctx.raw, solver)
		if err := s.ctx.err("Z3_solver_get_model"); err != nil {
			return nil, err
		}

		value, err := s.ctx.evalUint64(model, target)
		if err != nil {
			return nil, err
		}
		values = append(values, value)

		// Block this value so the next check finds a different one.
		z3Value, err := s.ctx.makeUint64(width, value)
		if err != nil {
			return nil, err
		}
		eq := C.Z3_mk_eq(s.ctx.raw, target, z3Value)
		if err := s.ctx.err("Z3_mk_eq"); err != nil {
			return nil, err
		}
		neq := C.Z3_mk_not(s.ctx.raw, eq)
		if err := s.ctx.err("Z3_mk_not"); err != nil {
			return nil, err
		}
		C.Z3_solver_assert(s.ctx.raw, solver, neq)
		if err := s.ctx.err("Z3_solver_assert"); err != nil {
			return nil, err
		}
	}

	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
	return values, nil
}

// Context represents a Z3 context object that is used for constructing expressions.
type Context struct {
	raw C.Z3_context
}

// NewContext returns a new instance of Context.
func NewContext() *Context {
	config := C.Z3_mk_config()
	defer C.Z3_del_config(config)

	raw := C.Z3_mk_context(config)
	C.Z3_set_error_handler(raw, nil)
	C.Z3_set_ast_print_mode(raw, C.Z3_PRINT_SMTLIB2_COMPLIANT)
	return &Context{raw: raw}
}

// Close deletes the underlying Z3 context.
func (ctx *Context) Close() error {
	C.Z3_del_context(ctx.raw)
	return ctx.err("Z3_del_context")
}

// err returns the error for the last API call. Returns nil if last call was successful.
func (ctx *Context) err(op string) error {
	if code := C.Z3_get_error_code(ctx.raw); code != C.Z3_OK {
		return &Error{Code: int(code), Op: op, Message: C.GoString(C.Z3_get_error_msg(ctx.raw, code))}
	}
	return nil
}

// checkResultErr maps an undefined solver check result to a solver error.
func (ctx *Context) checkResultErr(solver C.Z3_solver, ret C.Z3_lbool) error {
	if err := ctx.err("Z3_solver_check"); err != nil {
		return err
	} else if ret != C.Z3_L_UNDEF {
		return nil
	}

	reason := C.GoString(C.Z3_solver_get_reason_unknown(ctx.raw, solver))
	switch {
	case strings.Contains(reason, "timeout"):
		return retrace.ErrSolverTimeout
	case strings.Contains(reason, "canceled"):
		return retrace.ErrSolverCanceled
	case strings.Contains(reason, "(resource limits reached)"):
		return retrace.ErrSolverResourceLimit
	case strings.Contains(reason, "unknown"):
		return retrace.ErrSolverUnknown
	default:
		return fmt.Errorf("z3: %s", reason)
	}
}

// toAST returns a new instance of Z3_ast from a retrace expression.
func (ctx *Context) toAST(expr retrace.Expr) (C.Z3_ast, error) {
	switch expr := expr.(type) {
	case *retrace.ConstantExpr:
		return ctx.toConstantAST(expr)
	case *retrace.SelectExpr:
		return ctx.toSelectAST(expr)
	case *retrace.ConcatExpr:
		return ctx.toConcatAST(expr)
	case *retrace.ExtractExpr:
		return ctx.toExtractAST(expr)
	case *retrace.NotExpr:
		return ctx.toNotAST(expr)
	case *retrace.BinaryExpr:
		return ctx.toBinaryAST(expr)
	default:
		return nil, fmt.Errorf("z3.Context.toAST: invalid expression type: %T", expr)
	}
}

func (ctx *Context) toConstantAST(expr *retrace.ConstantExpr) (C.Z3_ast, error) {
	if expr.Width == 1 {
		if expr.IsTrue() {
			return ctx.makeTrue()
		}
		return ctx.makeFalse()
	} else if expr.Width <= 32 {
		return ctx.makeUint(expr.Width, uint32(expr.Value))
	} else if expr.Width <= 64 {
		return ctx.makeUint64(expr.Width, expr.Value)
	}
	return nil, fmt.Errorf("z3.Context.toConstantAST: invalid expression width: %d", expr.Width)
}

func (ctx *Context) toSelectAST(expr *retrace.SelectExpr) (C.Z3_ast, error) {
	array, err := ctx.makeArrayWithUpdate(expr.Array, expr.Array.Updates)
	if err != nil {
		return nil, err
	}
	index, err := ctx.toAST(expr.Index)
	if err != nil {
		return nil, err
	}

	// Indexes are always 64-bit in the array sort.
	if w := retrace.ExprWidth(expr.Index); w < retrace.Width64 {
		padding, err := ctx.makeUint64(retrace.Width64-w, 0)
		if err != nil {
			return nil, err
		}
		index = C.Z3_mk_concat(ctx.raw, padding, index)
		if err := ctx.err("Z3_mk_concat"); err != nil {
			return nil, err
		}
	}
	return C.Z3_mk_select(ctx.raw, array, index), ctx.err("Z3_mk_select")
}

func (ctx *Context) toConcatAST(expr *retrace.ConcatExpr) (C.Z3_ast, error) {
	msb, err := ctx.toAST(expr.MSB)
	if err != nil {
		return nil, err
	}
	lsb, err := ctx.toAST(expr.LSB)
	if err != nil {
		return nil, err
	}
	return C.Z3_mk_concat(ctx.raw, msb, lsb), ctx.err("Z3_mk_concat")
}

func (ctx *Context) toExtractAST(expr *retrace.ExtractExpr) (C.Z3_ast, error) {
	src, err := ctx.toAST(expr.Expr)
	if err != nil {
		return nil, err
	}

	// If extracting single bit, use EQ expression to convert to bool sort.
	if expr.Width == 1 {
		extractExpr := C.Z3_mk_extract(ctx.raw, C.uint(expr.Offset), C.uint(expr.Offset), src)
		if err := ctx.err("Z3_mk_extract[bool]"); err != nil {
			return nil, err
		}
		one, err := ctx.makeUint64(1, 1)
		if err != nil {
			return nil, err
		}
		return C.Z3_mk_eq(ctx.raw, extractExpr, one), ctx.err("Z3_mk_eq")
	}

	return C.Z3_mk_extract(ctx.raw, C.uint(expr.Offset+expr.Width-1), C.uint(expr.Offset), src), ctx.err("Z3_mk_extract")
}

func (ctx *Context) toNotAST(expr *retrace.NotExpr) (C.Z3_ast, error) {
	src, err := ctx.toAST(expr.Expr)
	if err != nil {
		return nil, err
	}

	// If boolean, use boolean NOT operation.
	if retrace.ExprWidth(expr.Expr) == 1 {
		return C.Z3_mk_not(ctx.raw, src), ctx.err("Z3_mk_not")
	}
	return C.Z3_mk_bvnot(ctx.raw, src), ctx.err("Z3_mk_bvnot")
}

func (ctx *Context) toBinaryAST(expr *retrace.BinaryExpr) (C.Z3_ast, error) {
	switch expr.Op {
	case retrace.ADD:
		return ctx.toBinaryBVAST(expr, func(lhs, rhs C.Z3_ast) C.Z3_ast {
			return C.Z3_mk_bvadd(ctx.raw, lhs, rhs)
		}, "Z3_mk_bvadd")
	case retrace.SUB:
		return ctx.toBinaryBVAST(expr, func(lhs, rhs C.Z3_ast) C.Z3_ast {
			return C.Z3_mk_bvsub(ctx.raw, lhs, rhs)
		}, "Z3_mk_bvsub")
	case retrace.MUL:
		return ctx.toBinaryBVAST(expr, func(lhs, rhs C.Z3_ast) C.Z3_ast {
			return C.Z3_mk_bvmul(ctx.raw, lhs, rhs)
		}, "Z3_mk_bvmul")
	case retrace.AND:
		return ctx.toBinaryAndAST(expr)
	case retrace.OR:
		return ctx.toBinaryOrAST(expr)
	case retrace.XOR:
		return ctx.toBinaryXorAST(expr)
	case retrace.SHL:
		return ctx.toBinaryBVAST(expr, func(lhs, rhs C.Z3_ast) C.Z3_ast {
			return C.Z3_mk_bvshl(ctx.raw, lhs, rhs)
		}, "Z3_mk_bvshl")
	case retrace.LSHR:
		return ctx.toBinaryBVAST(expr, func(lhs, rhs C.Z3_ast) C.Z3_ast {
			return C.Z3_mk_bvlshr(ctx.raw, lhs, rhs)
		}, "Z3_mk_bvlshr")
	case retrace.EQ:
		return ctx.toBinaryEqAST(expr)
	case retrace.ULT:
		return ctx.toBinaryBVAST(expr, func(lhs, rhs C.Z3_ast) C.Z3_ast {
			return C.Z3_mk_bvult(ctx.raw, lhs, rhs)
		}, "Z3_mk_bvult")
	case retrace.ULE:
		return ctx.toBinaryBVAST(expr, func(lhs, rhs C.Z3_ast) C.Z3_ast {
			return C.Z3_mk_bvule(ctx.raw, lhs, rhs)
		}, "Z3_mk_bvule")
	default:
		return nil, fmt.Errorf("z3.Context.toBinaryAST: unexpected operation: %s", expr.Op)
	}
}

func (ctx *Context) toBinaryBVAST(expr *retrace.BinaryExpr, fn func(lhs, rhs C.Z3_ast) C.Z3_ast, op string) (C.Z3_ast, error) {
	lhs, err := ctx.toAST(expr.LHS)
	if err != nil {
		return nil, err
	}
	rhs, err := ctx.toAST(expr.RHS)
	if err != nil {
		return nil, err
	}
	return fn(lhs, rhs), ctx.err(op)
}

func (ctx *Context) toBinaryAndAST(expr *retrace.BinaryExpr) (C.Z3_ast, error) {
	lhs, err := ctx.toAST(expr.LHS)
	if err != nil {
		return nil, err
	}
	rhs, err := ctx.toAST(expr.RHS)
	if err != nil {
		return nil, err
	}

	if retrace.ExprWidth(expr.LHS) == 1 {
		args := [2]C.Z3_ast{lhs, rhs}
		return C.Z3_mk_and(ctx.raw, 2, &args[0]), ctx.err("Z3_mk_and")
	}
	return C.Z3_mk_bvand(ctx.raw, lhs, rhs), ctx.err("Z3_mk_bvand")
}

func (ctx *Context) toBinaryOrAST(expr *retrace.BinaryExpr) (C.Z3_ast, error) {
	lhs, err := ctx.toAST(expr.LHS)
	if err != nil {
		return nil, err
	}
	rhs, err := ctx.toAST(expr.RHS)
	if err != nil {
		return nil, err
	}

	if retrace.ExprWidth(expr.LHS) == 1 {
		args := [2]C.Z3_ast{lhs, rhs}
		return C.Z3_mk_or(ctx.raw, 2, &args[0]), ctx.err("Z3_mk_or")
	}
	return C.Z3_mk_bvor(ctx.raw, lhs, rhs), ctx.err("Z3_mk_bvor")
}

func (ctx *Context) toBinaryXorAST(expr *retrace.BinaryExpr) (C.Z3_ast, error) {
	lhs, err := ctx.toAST(expr.LHS)
	if err != nil {
		return nil, err
	}
	rhs, err := ctx.toAST(expr.RHS)
	if err != nil {
		return nil, err
	}

	if retrace.ExprWidth(expr.LHS) == 1 {
		notRHS := C.Z3_mk_not(ctx.raw, rhs)
		if err := ctx.err("Z3_mk_not"); err != nil {
			return nil, err
		}
		return C.Z3_mk_ite(ctx.raw, lhs, notRHS, rhs), ctx.err("Z3_mk_ite")
	}

	return C.Z3_mk_bvxor(ctx.raw, lhs, rhs), ctx.err("Z3_mk_bvxor")
}

func (ctx *Context) toBinaryEqAST(expr *retrace.BinaryExpr) (C.Z3_ast, error) {
	lhs, err := ctx.toAST(expr.LHS)
	if err != nil {
		return nil, err
	}
	rhs, err := ctx.toAST(expr.RHS)
	if err != nil {
		return nil, err
	}
	if retrace.ExprWidth(expr.LHS) == 1 {
		return C.Z3_mk_iff(ctx.raw, lhs, rhs), ctx.err("Z3_mk_iff")
	}
	return C.Z3_mk_eq(ctx.raw, lhs, rhs), ctx.err("Z3_mk_eq")
}

func (ctx *Context) makeTrue() (C.Z3_ast, error) {
	return C.Z3_mk_true(ctx.raw), ctx.err("Z3_mk_true")
}

func (ctx *Context) makeFalse() (C.Z3_ast, error) {
	return C.Z3_mk_false(ctx.raw), ctx.err("Z3_mk_false")
}

func (ctx *Context) makeBVSort(width uint) (C.Z3_sort, error) {
	return C.Z3_mk_bv_sort(ctx.raw, C.uint(width)), ctx.err("Z3_mk_bv_sort")
}

func (ctx *Context) makeUint(width uint, value uint32) (C.Z3_ast, error) {
	t, err := ctx.makeBVSort(width)
	if err != nil {
		return nil, err
	}
	return C.Z3_mk_unsigned_int(ctx.raw, C.uint(value), t), ctx.err("Z3_mk_unsigned_int")
}

func (ctx *Context) makeUint64(width uint, value uint64) (C.Z3_ast, error) {
	t, err := ctx.makeBVSort(width)
	if err != nil {
		return nil, err
	}
	return C.Z3_mk_unsigned_int64(ctx.raw, C.uint64_t(value), t), ctx.err("Z3_mk_unsigned_int64")
}

// makeArrayConst returns the root constant array with no updates.
func (ctx *Context) makeArrayConst(array *retrace.Array) (C.Z3_ast, error) {
	// Construct array sort.
	domainSort := C.Z3_mk_bv_sort(ctx.raw, C.uint(retrace.Width64))
	if err := ctx.err("Z3_mk_bv_sort[domain]"); err != nil {
		return nil, err
	}
	rangeSort := C.Z3_mk_bv_sort(ctx.raw, C.uint(retrace.Width8))
	if err := ctx.err("Z3_mk_bv_sort[range]"); err != nil {
		return nil, err
	}
	arraySort := C.Z3_mk_array_sort(ctx.raw, domainSort, rangeSort)
	if err := ctx.err("Z3_mk_array_sort"); err != nil {
		return nil, err
	}

	// Construct Z3 string for name.
	cname := C.CString(arrayName(array))
	defer C.free(unsafe.Pointer(cname))
	nameSymbol := C.Z3_mk_string_symbol(ctx.raw, cname)

	return C.Z3_mk_const(ctx.raw, nameSymbol, arraySort), ctx.err("Z3_mk_const")
}

// makeArrayWithUpdate returns an array with updates recursively applied.
func (ctx *Context) makeArrayWithUpdate(root *retrace.Array, upd *retrace.ArrayUpdate) (C.Z3_ast, error) {
	if upd == nil {
		return ctx.makeArrayConst(root)
	}

	array, err := ctx.makeArrayWithUpdate(root, upd.Next)
	if err != nil {
		return nil, err
	}
	index, err := ctx.toAST(upd.Index)
	if err != nil {
		return nil, err
	}
	value, err := ctx.toAST(upd.Value)
	if err != nil {
		return nil, err
	}
	return C.Z3_mk_store(ctx.raw, array, index, value), ctx.err("Z3_mk_store")
}

// eval evaluates arrays into their initial byte slice values.
func (ctx *Context) eval(model C.Z3_model, arrays []*retrace.Array) ([][]byte, error) {
	values := make([][]byte, 0, len(arrays))
	for _, array := range arrays {
		value, err := ctx.evalArray(model, array)
		if err != nil {
			return nil, err
		}
		values = append(values, value)
	}
	return values, nil
}

// evalArray evaluates a single array into its initial byte slice value.
func (ctx *Context) evalArray(model C.Z3_model, array *retrace.Array) ([]byte, error) {
	value := make([]byte, 0, array.Size)
	for offset := uint(0); offset < array.Size; offset++ {
		// Generate a reference to the root array.
		z3Array, err := ctx.makeArrayConst(array)
		if err != nil {
			return nil, err
		}
		z3Offset, err := ctx.makeUint64(64, uint64(offset))
		if err != nil {
			return nil, err
		}

		// Generate an expression to select a single byte from the array.
		z3Select := C.Z3_mk_select(ctx.raw, z3Array, z3Offset)
		if err := ctx.err("Z3_mk_select"); err != nil {
			return nil, err
		}

		// Evaluate the expression against the Z3 model.
		var z3Expr C.Z3_ast
		C.Z3_model_eval(ctx.raw, model, z3Select, C.bool(true), &z3Expr)
		if err := ctx.err("Z3_model_eval"); err != nil {
			return nil, err
		}

		// Extract the byte from the evaluation.
		var z3Byte C.int
		C.Z3_get_numeral_int(ctx.raw, z3Expr, &z3Byte)
		if err := ctx.err("Z3_get_numeral_int"); err != nil {
			return nil, err
		}
		value = append(value, byte(z3Byte))
	}
	return value, nil
}

// evalUint64 evaluates ast against the model into a concrete value.
func (ctx *Context) evalUint64(model C.Z3_model, ast C.Z3_ast) (uint64, error) {
	var z3Expr C.Z3_ast
	C.Z3_model_eval(ctx.raw, model, ast, C.bool(true), &z3Expr)
	if err := ctx.err("Z3_model_eval"); err != nil {
		return 0, err
	}

	var value C.uint64_t
	C.Z3_get_numeral_uint64(ctx.raw, z3Expr, &value)
	if err := ctx.err("Z3_get_numeral_uint64"); err != nil {
		return 0, err
	}
	return uint64(value), nil
}

func (ctx *Context) astToString(ast C.Z3_ast) string {
	return C.GoString(C.Z3_ast_to_string(ctx.raw, ast))
}

func (ctx *Context) modelToString(model C.Z3_model) string {
	return C.GoString(C.Z3_model_to_string(ctx.raw, model))
}

func arrayName(array *retrace.Array) string {
	return fmt.Sprintf("A%d", array.ID)
}

func assert(condition bool) {
	if !condition {
		panic("assert failed")
	}
}

// Error represents an error from the Z3 API.
type Error struct {
	Code    int
	Op      string
	Message string
}

// Error returns the error as a string.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s (%d)", e.Op, e.Message, e.Code)
}

// Possible error codes.
const (
	ErrorCodeOK = iota
	ErrorCodeSortError
	ErrorCodeIOB
	ErrorCodeInvalidArg
	ErrorCodeParserError
	ErrorCodeNoParser
	ErrorCodeInvalidPattern
	ErrorCodeMemoutFail
	ErrorCodeFileAccessError
	ErrorCodeInternalFatal
	ErrorCodeInvalidUsage
	ErrorCodeDecRefError
	ErrorCodeException
)

// Stats tracks solver usage.
type Stats struct {
	SolveN    int
	SolveTime time.Duration
	EvalN     int
	EvalTime  time.Duration
}
