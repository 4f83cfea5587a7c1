// Package mir defines the machine-level intermediate representation consumed
// by the single-path conversion pipeline: functions of basic blocks holding
// predicated instructions, with successor edges and frame-indexed stack
// slots. Opcodes model the predicated target primitives the conversion
// needs (predicate moves and bit operations, frame loads/stores, compare
// and branch); everything else is carried through opaquely.
package mir

import "fmt"

// Opcode enumerates the instruction kinds the pipeline understands.
type Opcode int

const (
	Nop Opcode = iota

	// General computation. Dst, Uses and Imm are interpreted per opcode;
	// the pipeline treats these as opaque predicable work.
	Li    // Dst = Imm
	Add   // Dst = Uses[0] + Uses[1]
	Sub   // Dst = Uses[0] - Imm
	Mul   // Dst = Uses[0] * Uses[1]
	And   // Dst = Uses[0] & Imm (bitwise, for spill-slot masking)
	Mov   // Dst = Uses[0]
	Cmplt // Dst(pred) = Uses[0] < Uses[1]
	Cmpeq // Dst(pred) = Uses[0] == Uses[1]

	// Predicate register primitives.
	Pmov // Dst(pred) = POps[0], under guard
	Pand // Dst(pred) = POps[0] && POps[1]
	Por  // Dst(pred) = POps[0] || POps[1]
	Pxor // Dst(pred) = POps[0] != POps[1]

	// Packed predicate bits in a general register.
	Bcopy // Dst[Imm] = POps[0] (single bit, under guard)
	Btest // Dst(pred) = Uses[0] bit Imm

	// Special register file access.
	Mfs // Dst = S0 (predicate file image)
	Mts // S0 = Uses[0]

	// Stack slot access through a frame index.
	Load  // Dst = mem[FI + Imm]
	Store // mem[FI + Imm] = Uses[0]

	// Control flow.
	Br   // conditional branch on guard to Target
	Jmp  // unconditional branch to Target
	Call // call; never predicated
	Ret  // return
)

var opcodeNames = map[Opcode]string{
	Nop: "nop", Li: "li", Add: "add", Sub: "sub", Mul: "mul", And: "and",
	Mov: "mov", Cmplt: "cmplt", Cmpeq: "cmpeq",
	Pmov: "pmov", Pand: "pand", Por: "por", Pxor: "pxor",
	Bcopy: "bcopy", Btest: "btest", Mfs: "mfs", Mts: "mts",
	Load: "load", Store: "store",
	Br: "br", Jmp: "jmp", Call: "call", Ret: "ret",
}

func (op Opcode) String() string {
	if s, ok := opcodeNames[op]; ok {
		return s
	}
	return fmt.Sprintf("op(%d)", int(op))
}

// ParseOpcode converts an opcode mnemonic.
func ParseOpcode(name string) (Opcode, error) {
	for op, s := range opcodeNames {
		if s == name {
			return op, nil
		}
	}
	return Nop, fmt.Errorf("mir: unknown opcode %q", name)
}

// PredOp is a predicate operand pair: a predicate register and a polarity.
// Neg means the operand reads as the negation of the register.
type PredOp struct {
	Reg Reg
	Neg bool
}

// AlwaysTrue is the constant-true predicate operand.
var AlwaysTrue = PredOp{Reg: P0}

// IsAlways reports whether the operand always reads true: P0 or an absent
// guard, non-negated.
func (p PredOp) IsAlways() bool {
	return (p.Reg == P0 || p.Reg == NoReg) && !p.Neg
}

func (p PredOp) String() string {
	if p.Neg {
		return "!" + p.Reg.String()
	}
	return p.Reg.String()
}

// Instr is a single machine instruction. Every instruction carries a guard
// predicate operand; an instruction with an always-true guard executes
// unconditionally. FI is a frame index for Load/Store, or -1.
type Instr struct {
	Op     Opcode
	Dst    Reg
	Guard  PredOp
	POps   []PredOp // predicate source operands
	Uses   []Reg    // general register source operands
	Imm    int64
	FI     int
	Target BlockID // branch target for Br/Jmp
	Callee string  // symbol for Call
	Kills  []Reg   // registers whose last use is this instruction
}

// NewInstr returns an instruction with no frame index and an always-true
// guard.
func NewInstr(op Opcode) *Instr {
	return &Instr{Op: op, Guard: AlwaysTrue, FI: -1}
}

// IsTerminator reports whether the instruction ends a basic block.
func (i *Instr) IsTerminator() bool {
	switch i.Op {
	case Br, Jmp, Ret:
		return true
	}
	return false
}

// IsBranch reports whether the instruction transfers control to a block.
func (i *Instr) IsBranch() bool { return i.Op == Br || i.Op == Jmp }

// IsPredicable reports whether the guard operand of the instruction may be
// rewritten. Calls and returns execute unconditionally in single-path code.
func (i *Instr) IsPredicable() bool {
	switch i.Op {
	case Call, Ret, Nop:
		return false
	}
	return true
}

// Kill marks reg as dying at this instruction.
func (i *Instr) Kill(reg Reg) {
	i.Kills = append(i.Kills, reg)
}

// Unkill removes a kill mark for reg, reporting whether one was present.
func (i *Instr) Unkill(reg Reg) bool {
	for n, k := range i.Kills {
		if k == reg {
			i.Kills = append(i.Kills[:n], i.Kills[n+1:]...)
			return true
		}
	}
	return false
}

// KillsReg reports whether reg dies at this instruction.
func (i *Instr) KillsReg(reg Reg) bool {
	for _, k := range i.Kills {
		if k == reg {
			return true
		}
	}
	return false
}

// UsesReg reports whether reg appears as a source operand.
func (i *Instr) UsesReg(reg Reg) bool {
	for _, u := range i.Uses {
		if u == reg {
			return true
		}
	}
	for _, p := range i.POps {
		if p.Reg == reg {
			return true
		}
	}
	return i.Guard.Reg == reg
}

// BlockID names a basic block within a function.
type BlockID int

// Block is a basic block: an ordered instruction list plus explicit
// successor edges. A block ending in Br has its fallthrough successor
// second in Succs; the branch target is first.
type Block struct {
	ID      BlockID
	Instrs  []*Instr
	Succs   []BlockID
	LiveIns []Reg // registers live into the block from user code

	// Bound is the inclusive upper iteration count if this block heads a
	// loop, or -1 when unknown.
	Bound int
}

// Terminator returns the final branch or return instruction, or nil.
func (b *Block) Terminator() *Instr {
	if len(b.Instrs) == 0 {
		return nil
	}
	if last := b.Instrs[len(b.Instrs)-1]; last.IsTerminator() {
		return last
	}
	return nil
}

// FirstTerminator returns the index of the first terminator instruction,
// or len(Instrs) when the block has none.
func (b *Block) FirstTerminator() int {
	for n, in := range b.Instrs {
		if in.IsTerminator() {
			return n
		}
	}
	return len(b.Instrs)
}

// Append adds an instruction at the end of the block.
func (b *Block) Append(in *Instr) { b.Instrs = append(b.Instrs, in) }

// InsertBefore inserts an instruction at index n.
func (b *Block) InsertBefore(n int, in *Instr) {
	b.Instrs = append(b.Instrs, nil)
	copy(b.Instrs[n+1:], b.Instrs[n:])
	b.Instrs[n] = in
}

// RemoveInstr deletes the given instruction, reporting whether it was found.
func (b *Block) RemoveInstr(in *Instr) bool {
	for n, cur := range b.Instrs {
		if cur == in {
			b.Instrs = append(b.Instrs[:n], b.Instrs[n+1:]...)
			return true
		}
	}
	return false
}

// HasSucc reports whether id is a successor of the block.
func (b *Block) HasSucc(id BlockID) bool {
	for _, s := range b.Succs {
		if s == id {
			return true
		}
	}
	return false
}

// RemoveSuccs clears all successor edges.
func (b *Block) RemoveSuccs() { b.Succs = nil }

// IsLiveIn reports whether reg is live into the block.
func (b *Block) IsLiveIn(reg Reg) bool {
	for _, r := range b.LiveIns {
		if r == reg {
			return true
		}
	}
	return false
}

// FrameObj is a stack object addressed through a frame index. Offset is
// assigned by frame resolution; -1 until then.
type FrameObj struct {
	Size   int
	Align  int
	Offset int
}

// Function is one function's control-flow graph. Blocks holds the layout
// order; after linearization it is the execution order.
type Function struct {
	Name   string
	Entry  BlockID
	Blocks []*Block
	Frame  []FrameObj

	// MakesCalls is set when any block contains a Call.
	MakesCalls bool
}

// NewFunction returns an empty function.
func NewFunction(name string) *Function {
	return &Function{Name: name}
}

// Block returns the block with the given id, or nil.
func (f *Function) Block(id BlockID) *Block {
	for _, b := range f.Blocks {
		if b.ID == id {
			return b
		}
	}
	return nil
}

// AddBlock appends a block to the layout.
func (f *Function) AddBlock(b *Block) { f.Blocks = append(f.Blocks, b) }

// NewBlock creates a block with a fresh id and appends it.
func (f *Function) NewBlock() *Block {
	id := BlockID(0)
	for _, b := range f.Blocks {
		if b.ID >= id {
			id = b.ID + 1
		}
	}
	b := &Block{ID: id, Bound: -1}
	f.AddBlock(b)
	return b
}

// RemoveBlock deletes a block from the layout.
func (f *Function) RemoveBlock(b *Block) {
	for n, cur := range f.Blocks {
		if cur == b {
			f.Blocks = append(f.Blocks[:n], f.Blocks[n+1:]...)
			return
		}
	}
}

// MoveAfter places block b directly after block anchor in the layout.
func (f *Function) MoveAfter(b, anchor *Block) {
	f.RemoveBlock(b)
	for n, cur := range f.Blocks {
		if cur == anchor {
			f.Blocks = append(f.Blocks, nil)
			copy(f.Blocks[n+2:], f.Blocks[n+1:])
			f.Blocks[n+1] = b
			return
		}
	}
	f.AddBlock(b)
}

// CreateFrameObj allocates a stack object and returns its frame index.
func (f *Function) CreateFrameObj(size, align int) int {
	f.Frame = append(f.Frame, FrameObj{Size: size, Align: align, Offset: -1})
	return len(f.Frame) - 1
}

// Preds returns the predecessor ids of the given block.
func (f *Function) Preds(id BlockID) []BlockID {
	var preds []BlockID
	for _, b := range f.Blocks {
		if b.HasSucc(id) {
			preds = append(preds, b.ID)
		}
	}
	return preds
}

// RenumberBlocks assigns ascending ids in layout order and rewrites branch
// targets and successor lists accordingly.
func (f *Function) RenumberBlocks() {
	remap := make(map[BlockID]BlockID, len(f.Blocks))
	for n, b := range f.Blocks {
		remap[b.ID] = BlockID(n)
	}
	for _, b := range f.Blocks {
		b.ID = remap[b.ID]
		for n := range b.Succs {
			b.Succs[n] = remap[b.Succs[n]]
		}
		for _, in := range b.Instrs {
			if in.IsBranch() {
				in.Target = remap[in.Target]
			}
		}
	}
	f.Entry = remap[f.Entry]
}

// UsesPredReg reports whether user code in the function references the
// given predicate register. Registers referenced by input code are not
// available for allocation.
func (f *Function) UsesPredReg(r Reg) bool {
	for _, b := range f.Blocks {
		if b.IsLiveIn(r) {
			return true
		}
		for _, in := range b.Instrs {
			if in.Dst == r || in.UsesReg(r) {
				return true
			}
		}
	}
	return false
}
