package retrace

import (
	"bytes"
	"fmt"
	"sort"
)

// RegSP is the stack pointer register.
const RegSP = "sp"

// Instr represents a single machine instruction.
type Instr interface {
	instr()
	String() string
}

func (*ConstInstr) instr()   {}
func (*MoveInstr) instr()    {}
func (*LoadInstr) instr()    {}
func (*StoreInstr) instr()   {}
func (*BinOpInstr) instr()   {}
func (*PushInstr) instr()    {}
func (*PopInstr) instr()     {}
func (*CallInstr) instr()    {}
func (*RetInstr) instr()     {}
func (*JumpInstr) instr()    {}
func (*JumpRegInstr) instr() {}
func (*BranchInstr) instr()  {}
func (*HaltInstr) instr()    {}

// ConstInstr loads an immediate value into a register.
type ConstInstr struct {
	Dst   string
	Value uint64
	Width uint
}

func (in *ConstInstr) String() string {
	return fmt.Sprintf("const %s, %#x, %d", in.Dst, in.Value, in.Width)
}

// MoveInstr copies one register to another.
type MoveInstr struct {
	Dst string
	Src string
}

func (in *MoveInstr) String() string {
	return fmt.Sprintf("mov %s, %s", in.Dst, in.Src)
}

// LoadInstr reads memory at base+disp into a register.
type LoadInstr struct {
	Dst   string
	Base  string
	Disp  uint64
	Width uint
}

func (in *LoadInstr) String() string {
	return fmt.Sprintf("load %s, [%s+%#x], %d", in.Dst, in.Base, in.Disp, in.Width)
}

// StoreInstr writes a register to memory at base+disp.
type StoreInstr struct {
	Base string
	Disp uint64
	Src  string
}

func (in *StoreInstr) String() string {
	return fmt.Sprintf("store [%s+%#x], %s", in.Base, in.Disp, in.Src)
}

// BinOpInstr applies a binary operation to two registers.
type BinOpInstr struct {
	Op  BinaryOp
	Dst string
	X   string
	Y   string
}

func (in *BinOpInstr) String() string {
	return fmt.Sprintf("%s %s, %s, %s", in.Op, in.Dst, in.X, in.Y)
}

// PushInstr pushes a register onto the stack.
type PushInstr struct {
	Src string
}

func (in *PushInstr) String() string {
	return fmt.Sprintf("push %s", in.Src)
}

// PopInstr pops the top of the stack into a register.
type PopInstr struct {
	Dst string
}

func (in *PopInstr) String() string {
	return fmt.Sprintf("pop %s", in.Dst)
}

// CallInstr pushes a return address and jumps to the target.
type CallInstr struct {
	Target uint64
	Return uint64
}

func (in *CallInstr) String() string {
	return fmt.Sprintf("call %#x, %#x", in.Target, in.Return)
}

// RetInstr pops the return address and jumps to it.
type RetInstr struct{}

func (in *RetInstr) String() string { return "ret" }

// JumpInstr jumps to a fixed address.
type JumpInstr struct {
	Target uint64
}

func (in *JumpInstr) String() string {
	return fmt.Sprintf("jmp %#x", in.Target)
}

// JumpRegInstr jumps to the address in a register.
type JumpRegInstr struct {
	Src string
}

func (in *JumpRegInstr) String() string {
	return fmt.Sprintf("jmp *%s", in.Src)
}

// BranchInstr jumps to one of two addresses based on a register condition.
// The condition is true when the register is non-zero.
type BranchInstr struct {
	Cond string
	Then uint64
	Else uint64
}

func (in *BranchInstr) String() string {
	return fmt.Sprintf("br %s, %#x, %#x", in.Cond, in.Then, in.Else)
}

// HaltInstr stops the state with no successors.
type HaltInstr struct{}

func (in *HaltInstr) String() string { return "halt" }

// IsTerminator returns true if the instruction ends a block.
func IsTerminator(in Instr) bool {
	switch in.(type) {
	case *CallInstr, *RetInstr, *JumpInstr, *JumpRegInstr, *BranchInstr, *HaltInstr:
		return true
	default:
		return false
	}
}

// ProgramInstr pairs an instruction with its address.
type ProgramInstr struct {
	Addr uint64
	Op   Instr
}

// Block is a straight-line run of instructions ending in a terminator.
type Block struct {
	Addr   uint64
	Instrs []ProgramInstr
}

// InstructionAddrs returns the addresses of the block's instructions.
func (b *Block) InstructionAddrs() []uint64 {
	a := make([]uint64, len(b.Instrs))
	for i, in := range b.Instrs {
		a[i] = in.Addr
	}
	return a
}

// Contains returns true if addr is the address of an instruction in the block.
func (b *Block) Contains(addr uint64) bool {
	_, ok := b.index(addr)
	return ok
}

func (b *Block) index(addr uint64) (int, bool) {
	for i, in := range b.Instrs {
		if in.Addr == addr {
			return i, true
		}
	}
	return 0, false
}

// Program is an immutable set of blocks indexed by address.
type Program struct {
	blocks map[uint64]*Block
	addrs  []uint64 // block addresses, ascending
}

// NewProgram returns a program containing the given blocks.
func NewProgram(blocks []*Block) *Program {
	p := &Program{blocks: make(map[uint64]*Block, len(blocks))}
	for _, block := range blocks {
		assert(len(block.Instrs) > 0, "empty block at %#x", block.Addr)
		assert(p.blocks[block.Addr] == nil, "duplicate block at %#x", block.Addr)
		p.blocks[block.Addr] = block
		p.addrs = append(p.addrs, block.Addr)
	}
	sort.Slice(p.addrs, func(i, j int) bool { return p.addrs[i] < p.addrs[j] })
	return p
}

// Block returns the block starting at addr, or nil.
func (p *Program) Block(addr uint64) *Block {
	return p.blocks[addr]
}

// BlockContaining returns the block holding the instruction at addr along
// with the instruction's index within it. Returns nil if no block contains
// an instruction at addr.
func (p *Program) BlockContaining(addr uint64) (*Block, int) {
	if block := p.blocks[addr]; block != nil {
		return block, 0
	}

	i := sort.Search(len(p.addrs), func(i int) bool { return p.addrs[i] > addr })
	if i == 0 {
		return nil, 0
	}
	block := p.blocks[p.addrs[i-1]]
	if index, ok := block.index(addr); ok {
		return block, index
	}
	return nil, 0
}

// Blocks returns all blocks in address order.
func (p *Program) Blocks() []*Block {
	a := make([]*Block, len(p.addrs))
	for i, addr := range p.addrs {
		a[i] = p.blocks[addr]
	}
	return a
}

// Dump returns a listing of the program for debugging.
func (p *Program) Dump() string {
	var buf bytes.Buffer
	for _, block := range p.Blocks() {
		fmt.Fprintf(&buf, "block %#x:\n", block.Addr)
		for _, in := range block.Instrs {
			fmt.Fprintf(&buf, "  %#x: %s\n", in.Addr, in.Op)
		}
	}
	return buf.String()
}
