package prepare

import (
	"testing"

	"github.com/wcet-tools/spc/pkg/loops"
	"github.com/wcet-tools/spc/pkg/mir"
	"github.com/wcet-tools/spc/pkg/scope"
)

// loopFn: 0 -> 1(bound 99) -> {2 -> {3} -> 4} -> 1, exit 1 -> 5.
// The loop needs three predicates.
func loopFn(t *testing.T) (*mir.Function, *scope.Scope) {
	t.Helper()
	fn := mir.NewFunction("loop")

	fn.AddBlock(&mir.Block{ID: 0, Bound: -1, Succs: []mir.BlockID{1}})

	b1 := &mir.Block{ID: 1, Bound: 99, Succs: []mir.BlockID{2, 5}}
	cmp1 := mir.NewInstr(mir.Cmplt)
	cmp1.Dst = mir.P1
	cmp1.Uses = []mir.Reg{mir.R1, mir.R2}
	b1.Append(cmp1)
	br1 := mir.NewInstr(mir.Br)
	br1.Guard = mir.PredOp{Reg: mir.P1}
	br1.Target = 2
	b1.Append(br1)
	fn.AddBlock(b1)

	b2 := &mir.Block{ID: 2, Bound: -1, Succs: []mir.BlockID{3, 4}}
	cmp2 := mir.NewInstr(mir.Cmpeq)
	cmp2.Dst = mir.P2
	cmp2.Uses = []mir.Reg{mir.R3, mir.R4}
	b2.Append(cmp2)
	br2 := mir.NewInstr(mir.Br)
	br2.Guard = mir.PredOp{Reg: mir.P2}
	br2.Target = 3
	b2.Append(br2)
	fn.AddBlock(b2)

	fn.AddBlock(&mir.Block{ID: 3, Bound: -1, Succs: []mir.BlockID{4}})

	b4 := &mir.Block{ID: 4, Bound: -1, Succs: []mir.BlockID{1}}
	jmp := mir.NewInstr(mir.Jmp)
	jmp.Target = 1
	b4.Append(jmp)
	fn.AddBlock(b4)

	b5 := &mir.Block{ID: 5, Bound: -1}
	b5.Append(mir.NewInstr(mir.Ret))
	fn.AddBlock(b5)

	li, err := loops.Analyze(fn)
	if err != nil {
		t.Fatalf("loops.Analyze: %v", err)
	}
	root, err := scope.BuildTree(fn, li)
	if err != nil {
		t.Fatalf("scope.BuildTree: %v", err)
	}
	return fn, root
}

func TestPrepareStarved(t *testing.T) {
	fn, root := loopFn(t)
	sl := Prepare(fn, root, 2)

	// One counter word and one register-file save byte for depth 1, and two
	// spill words: depth 1 needs 3 predicates on 2 registers, one excess bit
	// plus one exchange bit, rounded up with the extra word.
	if sl.NumFI() != 4 {
		t.Fatalf("NumFI = %d, want 4", sl.NumFI())
	}
	if sl.FirstFI() != 0 {
		t.Errorf("FirstFI = %d, want 0", sl.FirstFI())
	}
	if got := sl.CounterFI(1); got != 0 {
		t.Errorf("CounterFI(1) = %d, want 0", got)
	}
	if got := sl.S0FI(1); got != 1 {
		t.Errorf("S0FI(1) = %d, want 1", got)
	}
	if fi, bit := sl.ExcessLoc(0); fi != 2 || bit != 0 {
		t.Errorf("ExcessLoc(0) = (%d, %d), want (2, 0)", fi, bit)
	}
	if fi, bit := sl.ExcessLoc(33); fi != 3 || bit != 1 {
		t.Errorf("ExcessLoc(33) = (%d, %d), want (3, 1)", fi, bit)
	}
	if sl.CallSpillFI() != -1 {
		t.Errorf("CallSpillFI = %d, want -1 for a leaf function", sl.CallSpillFI())
	}

	// All slots are real frame objects.
	if len(fn.Frame) != 4 {
		t.Errorf("frame objects = %d, want 4", len(fn.Frame))
	}
	if fn.Frame[sl.S0FI(1)].Size != 1 {
		t.Error("register-file save slot should be one byte")
	}
	if fn.Frame[sl.CounterFI(1)].Size != 4 {
		t.Error("counter slot should be one word")
	}
}

func TestPrepareWithCalls(t *testing.T) {
	fn, root := loopFn(t)
	fn.MakesCalls = true
	sl := Prepare(fn, root, 4)

	// No starved depth: still one spill word (the area is never empty).
	// counter + save byte + spill word + call slot.
	if sl.NumFI() != 4 {
		t.Fatalf("NumFI = %d, want 4", sl.NumFI())
	}
	if sl.CallSpillFI() != 3 {
		t.Errorf("CallSpillFI = %d, want 3", sl.CallSpillFI())
	}
}
