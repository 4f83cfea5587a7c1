package schedule

import (
	"testing"

	"github.com/wcet-tools/spc/pkg/mir"
)

func TestPad(t *testing.T) {
	fn := mir.NewFunction("f")
	b := &mir.Block{ID: 0, Bound: -1}

	add := mir.NewInstr(mir.Add)
	add.Dst = mir.R1
	add.Uses = []mir.Reg{mir.R1, mir.R2}
	b.Append(add)

	ld := mir.NewInstr(mir.Load)
	ld.Dst = mir.R3
	ld.Imm = 8
	b.Append(ld)

	ret := mir.NewInstr(mir.Ret)
	b.Append(ret)
	fn.AddBlock(b)

	added := Pad(fn)
	if added != 4 {
		t.Fatalf("added = %d, want 4 (one after the load, three after the return)", added)
	}

	wantOps := []mir.Opcode{mir.Add, mir.Load, mir.Nop, mir.Ret, mir.Nop, mir.Nop, mir.Nop}
	if len(b.Instrs) != len(wantOps) {
		t.Fatalf("instruction count = %d, want %d", len(b.Instrs), len(wantOps))
	}
	for i, op := range wantOps {
		if b.Instrs[i].Op != op {
			t.Errorf("instr %d = %v, want %v", i, b.Instrs[i].Op, op)
		}
	}
}

func TestPadBranchAndMul(t *testing.T) {
	fn := mir.NewFunction("f")
	b := &mir.Block{ID: 0, Bound: -1, Succs: []mir.BlockID{0}}

	mul := mir.NewInstr(mir.Mul)
	mul.Dst = mir.R1
	mul.Uses = []mir.Reg{mir.R1, mir.R2}
	b.Append(mul)

	br := mir.NewInstr(mir.Br)
	br.Guard = mir.PredOp{Reg: mir.P1}
	br.Target = 0
	b.Append(br)
	fn.AddBlock(b)

	if added := Pad(fn); added != 4 {
		t.Fatalf("added = %d, want 4", added)
	}
	if b.Instrs[1].Op != mir.Nop {
		t.Error("multiply should be followed by one nop")
	}
	for i := 3; i < 6; i++ {
		if b.Instrs[i].Op != mir.Nop {
			t.Errorf("instr %d = %v, want nop in the branch delay slots", i, b.Instrs[i].Op)
		}
	}
}
