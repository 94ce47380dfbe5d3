// Package lift lowers Go functions in SSA form into retrace programs so
// recorded traces can be replayed against them.
package lift

import (
	"fmt"
	"go/token"
	"go/types"

	"github.com/benbjohnson/retrace"
	"golang.org/x/tools/go/packages"
	"golang.org/x/tools/go/ssa"
	"golang.org/x/tools/go/ssa/ssautil"
)

// Default layout addresses.
const (
	DefaultBase     = uint64(0x1000)
	DefaultDataBase = uint64(0x100000)
)

// Block and instruction spacing. Addresses are deterministic so traces
// recorded against a lifted program stay valid across runs.
const (
	blockStride = 0x100
	instrStride = 4
)

// Config adjusts the lifted program's address layout.
type Config struct {
	// Address of the function's first block. Defaults to DefaultBase.
	Base uint64

	// Address of the region backing stack slot allocations.
	// Defaults to DefaultDataBase.
	DataBase uint64
}

// Result holds a lifted program and its layout.
type Result struct {
	Program *retrace.Program

	// Address of the entry block.
	Entry uint64

	// Register names of the function parameters, in order.
	Params []string

	// Region backing the function's stack slots.
	DataBase uint64
	DataSize uint
}

// Lift lowers fn into a retrace program. Only a subset of SSA is
// supported: integer arithmetic and comparisons, stack slots, loads,
// stores, phis, branches, jumps, and returns.
func Lift(fn *ssa.Function, cfg Config) (*Result, error) {
	if cfg.Base == 0 {
		cfg.Base = DefaultBase
	}
	if cfg.DataBase == 0 {
		cfg.DataBase = DefaultDataBase
	}
	if len(fn.Blocks) == 0 {
		return nil, fmt.Errorf("lift: function %s has no body", fn.Name())
	}

	lf := &lifter{cfg: cfg, fn: fn, nextAlloc: cfg.DataBase}
	lf.assignBlockAddrs()

	var blocks []*retrace.Block
	for _, b := range fn.Blocks {
		block, err := lf.liftBlock(b)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, block)
	}

	params := make([]string, len(fn.Params))
	for i, param := range fn.Params {
		params[i] = param.Name()
	}

	return &Result{
		Program:  retrace.NewProgram(blocks),
		Entry:    lf.blockAddrs[fn.Blocks[0]],
		Params:   params,
		DataBase: cfg.DataBase,
		DataSize: uint(lf.nextAlloc - cfg.DataBase),
	}, nil
}

type lifter struct {
	cfg Config
	fn  *ssa.Function

	blockAddrs map[*ssa.BasicBlock]uint64
	nextAlloc  uint64
	constSeq   int
}

func (lf *lifter) assignBlockAddrs() {
	lf.blockAddrs = make(map[*ssa.BasicBlock]uint64, len(lf.fn.Blocks))
	for i, b := range lf.fn.Blocks {
		lf.blockAddrs[b] = lf.cfg.Base + uint64(i)*blockStride
	}
}

// liftBlock lowers one basic block. Phi nodes in successors become moves
// ahead of the terminator so every value is a plain register by the time
// control transfers.
func (lf *lifter) liftBlock(b *ssa.BasicBlock) (*retrace.Block, error) {
	var ops []retrace.Instr
	for _, instr := range b.Instrs {
		a, err := lf.liftInstr(b, instr)
		if err != nil {
			return nil, err
		}
		ops = append(ops, a...)
	}

	addr := lf.blockAddrs[b]
	block := &retrace.Block{Addr: addr}
	for i, op := range ops {
		block.Instrs = append(block.Instrs, retrace.ProgramInstr{
			Addr: addr + uint64(i)*instrStride,
			Op:   op,
		})
	}
	if n := len(ops); n == 0 || !retrace.IsTerminator(ops[n-1]) {
		return nil, fmt.Errorf("lift: block %d of %s does not end in a terminator", b.Index, lf.fn.Name())
	}
	return block, nil
}

func (lf *lifter) liftInstr(b *ssa.BasicBlock, instr ssa.Instruction) ([]retrace.Instr, error) {
	switch instr := instr.(type) {
	case *ssa.Alloc:
		addr := lf.alloc(sizeOf(deref(instr.Type())))
		return []retrace.Instr{
			&retrace.ConstInstr{Dst: instr.Name(), Value: addr, Width: retrace.Width64},
		}, nil

	case *ssa.BinOp:
		op, err := binOp(instr.Op)
		if err != nil {
			return nil, err
		}
		x, setup, err := lf.operand(instr.X, nil)
		if err != nil {
			return nil, err
		}
		y, setup, err := lf.operand(instr.Y, setup)
		if err != nil {
			return nil, err
		}
		return append(setup, &retrace.BinOpInstr{Op: op, Dst: instr.Name(), X: x, Y: y}), nil

	case *ssa.UnOp:
		if instr.Op != token.MUL {
			return nil, fmt.Errorf("lift: unsupported unary op: %s", instr.Op)
		}
		base, setup, err := lf.operand(instr.X, nil)
		if err != nil {
			return nil, err
		}
		return append(setup, &retrace.LoadInstr{
			Dst:   instr.Name(),
			Base:  base,
			Width: widthOf(instr.Type()),
		}), nil

	case *ssa.Store:
		base, setup, err := lf.operand(instr.Addr, nil)
		if err != nil {
			return nil, err
		}
		src, setup, err := lf.operand(instr.Val, setup)
		if err != nil {
			return nil, err
		}
		return append(setup, &retrace.StoreInstr{Base: base, Src: src}), nil

	case *ssa.Phi:
		return nil, nil // lowered at predecessor edges

	case *ssa.Jump:
		succ := b.Succs[0]
		moves, err := lf.phiMoves(b, succ)
		if err != nil {
			return nil, err
		}
		return append(moves, &retrace.JumpInstr{Target: lf.blockAddrs[succ]}), nil

	case *ssa.If:
		cond, setup, err := lf.operand(instr.Cond, nil)
		if err != nil {
			return nil, err
		}
		for _, succ := range b.Succs {
			moves, err := lf.phiMoves(b, succ)
			if err != nil {
				return nil, err
			}
			setup = append(setup, moves...)
		}
		return append(setup, &retrace.BranchInstr{
			Cond: cond,
			Then: lf.blockAddrs[b.Succs[0]],
			Else: lf.blockAddrs[b.Succs[1]],
		}), nil

	case *ssa.Return:
		var ops []retrace.Instr
		for i, result := range instr.Results {
			src, setup, err := lf.operand(result, nil)
			if err != nil {
				return nil, err
			}
			ops = append(ops, setup...)
			ops = append(ops, &retrace.MoveInstr{Dst: fmt.Sprintf("ret%d", i), Src: src})
		}
		return append(ops, &retrace.HaltInstr{}), nil

	case *ssa.DebugRef:
		return nil, nil

	default:
		return nil, fmt.Errorf("lift: unsupported instruction: %T", instr)
	}
}

// phiMoves returns moves that realize succ's phi nodes for the edge b→succ.
func (lf *lifter) phiMoves(b, succ *ssa.BasicBlock) ([]retrace.Instr, error) {
	edge := -1
	for i, pred := range succ.Preds {
		if pred == b {
			edge = i
			break
		}
	}
	if edge == -1 {
		return nil, fmt.Errorf("lift: no edge from block %d to block %d", b.Index, succ.Index)
	}

	var moves []retrace.Instr
	for _, instr := range succ.Instrs {
		phi, ok := instr.(*ssa.Phi)
		if !ok {
			break // phis lead the block
		}
		src, setup, err := lf.operand(phi.Edges[edge], nil)
		if err != nil {
			return nil, err
		}
		moves = append(moves, setup...)
		moves = append(moves, &retrace.MoveInstr{Dst: phi.Name(), Src: src})
	}
	return moves, nil
}

// operand returns the register holding v, materializing constants into
// fresh registers appended to setup.
func (lf *lifter) operand(v ssa.Value, setup []retrace.Instr) (string, []retrace.Instr, error) {
	switch v := v.(type) {
	case *ssa.Const:
		if v.Value == nil {
			return "", nil, fmt.Errorf("lift: unsupported nil constant")
		}
		name := fmt.Sprintf("c%d", lf.constSeq)
		lf.constSeq++
		setup = append(setup, &retrace.ConstInstr{
			Dst:   name,
			Value: constValue(v),
			Width: widthOf(v.Type()),
		})
		return name, setup, nil
	case *ssa.Parameter, *ssa.Alloc, *ssa.BinOp, *ssa.UnOp, *ssa.Phi:
		return v.Name(), setup, nil
	default:
		return "", nil, fmt.Errorf("lift: unsupported operand: %T", v)
	}
}

func (lf *lifter) alloc(size uint) uint64 {
	addr := lf.nextAlloc
	lf.nextAlloc += uint64(size)
	return addr
}

func binOp(op token.Token) (retrace.BinaryOp, error) {
	switch op {
	case token.ADD:
		return retrace.ADD, nil
	case token.SUB:
		return retrace.SUB, nil
	case token.MUL:
		return retrace.MUL, nil
	case token.AND:
		return retrace.AND, nil
	case token.OR:
		return retrace.OR, nil
	case token.XOR:
		return retrace.XOR, nil
	case token.SHL:
		return retrace.SHL, nil
	case token.SHR:
		return retrace.LSHR, nil
	case token.EQL:
		return retrace.EQ, nil
	case token.NEQ:
		return retrace.NE, nil
	case token.LSS:
		return retrace.ULT, nil
	case token.LEQ:
		return retrace.ULE, nil
	case token.GTR:
		return retrace.UGT, nil
	case token.GEQ:
		return retrace.UGE, nil
	default:
		return 0, fmt.Errorf("lift: unsupported binary op: %s", op)
	}
}

func constValue(c *ssa.Const) uint64 {
	if isSigned(c.Type()) {
		return uint64(c.Int64())
	}
	return c.Uint64()
}

func isSigned(t types.Type) bool {
	basic, ok := t.Underlying().(*types.Basic)
	return ok && basic.Info()&types.IsInteger != 0 && basic.Info()&types.IsUnsigned == 0
}

func deref(t types.Type) types.Type {
	if ptr, ok := t.Underlying().(*types.Pointer); ok {
		return ptr.Elem()
	}
	return t
}

func widthOf(t types.Type) uint {
	basic, ok := t.Underlying().(*types.Basic)
	if !ok {
		return retrace.Width64 // pointers and everything else
	}
	switch basic.Kind() {
	case types.Bool, types.UntypedBool:
		return retrace.WidthBool
	case types.Int8, types.Uint8:
		return retrace.Width8
	case types.Int16, types.Uint16:
		return retrace.Width16
	case types.Int32, types.Uint32:
		return retrace.Width32
	default:
		return retrace.Width64
	}
}

func sizeOf(t types.Type) uint {
	if w := widthOf(t); w > retrace.WidthBool {
		return w / 8
	}
	return 1
}

// LoadFunction loads the named package-level function from the package
// matched by pattern and returns it in SSA form.
func LoadFunction(pattern, name string) (*ssa.Function, error) {
	initial, err := packages.Load(&packages.Config{
		Mode: packages.LoadAllSyntax,
	}, pattern)
	if err != nil {
		return nil, err
	} else if packages.PrintErrors(initial) > 0 {
		return nil, fmt.Errorf("lift: packages contain errors")
	}

	prog, pkgs := ssautil.AllPackages(initial, ssa.BuilderMode(0))
	for i, pkg := range pkgs {
		if pkg == nil {
			return nil, fmt.Errorf("lift: cannot build SSA for package %s", initial[i])
		}
	}
	prog.Build()

	for _, pkg := range pkgs {
		if fn, ok := pkg.Members[name].(*ssa.Function); ok {
			return fn, nil
		}
	}
	return nil, fmt.Errorf("lift: function %q not found in %q", name, pattern)
}
