package scope

import (
	"errors"
	"testing"

	"github.com/wcet-tools/spc/pkg/loops"
	"github.com/wcet-tools/spc/pkg/mir"
)

// diamondFn is a single-scope if-else:
//
//	0 -> 1 -> 3
//	0 -> 2 -> 3
func diamondFn() *mir.Function {
	fn := mir.NewFunction("diamond")

	b0 := &mir.Block{ID: 0, Bound: -1, Succs: []mir.BlockID{1, 2}}
	cmp := mir.NewInstr(mir.Cmplt)
	cmp.Dst = mir.P1
	cmp.Uses = []mir.Reg{mir.R1, mir.R2}
	b0.Append(cmp)
	br := mir.NewInstr(mir.Br)
	br.Guard = mir.PredOp{Reg: mir.P1}
	br.Target = 1
	b0.Append(br)
	fn.AddBlock(b0)

	b1 := &mir.Block{ID: 1, Bound: -1, Succs: []mir.BlockID{3}}
	add := mir.NewInstr(mir.Add)
	add.Dst = mir.R3
	add.Uses = []mir.Reg{mir.R1, mir.R2}
	b1.Append(add)
	fn.AddBlock(b1)

	fn.AddBlock(&mir.Block{ID: 2, Bound: -1, Succs: []mir.BlockID{3}})

	b3 := &mir.Block{ID: 3, Bound: -1}
	b3.Append(mir.NewInstr(mir.Ret))
	fn.AddBlock(b3)

	return fn
}

// loopFn has one bounded loop with an internal branch:
//
//	0 -> 1 -> 2 -> 3 -> 4 -> 1 (latch)
//	          2 ------> 4
//	     1 -> 5 (exit)
func loopFn(bound int) *mir.Function {
	fn := mir.NewFunction("loop")

	fn.AddBlock(&mir.Block{ID: 0, Bound: -1, Succs: []mir.BlockID{1}})

	b1 := &mir.Block{ID: 1, Bound: bound, Succs: []mir.BlockID{2, 5}}
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

	b3 := &mir.Block{ID: 3, Bound: -1, Succs: []mir.BlockID{4}}
	add := mir.NewInstr(mir.Add)
	add.Dst = mir.R5
	add.Uses = []mir.Reg{mir.R5, mir.R1}
	b3.Append(add)
	fn.AddBlock(b3)

	b4 := &mir.Block{ID: 4, Bound: -1, Succs: []mir.BlockID{1}}
	jmp := mir.NewInstr(mir.Jmp)
	jmp.Target = 1
	b4.Append(jmp)
	fn.AddBlock(b4)

	b5 := &mir.Block{ID: 5, Bound: -1}
	b5.Append(mir.NewInstr(mir.Ret))
	fn.AddBlock(b5)

	return fn
}

func mustBuild(t *testing.T, fn *mir.Function) *Scope {
	t.Helper()
	li, err := loops.Analyze(fn)
	if err != nil {
		t.Fatalf("loops.Analyze: %v", err)
	}
	root, err := BuildTree(fn, li)
	if err != nil {
		t.Fatalf("BuildTree: %v", err)
	}
	return root
}

func TestBuildDiamond(t *testing.T) {
	fn := diamondFn()
	root := mustBuild(t, fn)

	if !root.IsTopLevel() || root.Depth != 0 {
		t.Fatal("root should be the depth-0 top level")
	}
	if len(root.Children) != 0 {
		t.Fatalf("expected no children, got %d", len(root.Children))
	}
	if root.NumBlocks() != 4 {
		t.Fatalf("NumBlocks = %d, want 4", root.NumBlocks())
	}
	if len(root.Preds) != 2 {
		t.Fatalf("owned predicates = %v, want 2 of them", root.Preds)
	}

	guard := func(id mir.BlockID) int {
		pb := root.FindBlockOf(fn.Block(id))
		if pb == nil || len(pb.Preds) != 1 {
			t.Fatalf("block %d should carry exactly one guard", id)
		}
		return pb.Preds[0]
	}
	if g := guard(0); g != root.HeaderPred {
		t.Errorf("entry guard = %d, want header predicate %d", g, root.HeaderPred)
	}
	if g := guard(3); g != root.HeaderPred {
		t.Errorf("join guard = %d, want header predicate (it postdominates the branch)", g)
	}
	g1, g2 := guard(1), guard(2)
	if g1 == g2 || g1 == root.HeaderPred || g2 == root.HeaderPred {
		t.Errorf("branch arms should carry distinct non-header guards, got %d and %d", g1, g2)
	}

	// Both arm predicates are defined on the branch block, on opposite
	// polarities of the same condition register.
	b0 := root.FindBlockOf(fn.Block(0))
	if len(b0.Defs) != 2 {
		t.Fatalf("branch block definitions = %d, want 2", len(b0.Defs))
	}
	if b0.Defs[0].Cond.Reg != mir.P1 || b0.Defs[1].Cond.Reg != mir.P1 {
		t.Error("definitions should test the branch condition register")
	}
	if b0.Defs[0].Cond.Neg == b0.Defs[1].Cond.Neg {
		t.Error("the two edge definitions should have opposite polarity")
	}
	for _, d := range b0.Defs {
		if d.Guard != root.HeaderPred {
			t.Errorf("definition guard = %d, want %d", d.Guard, root.HeaderPred)
		}
	}
}

func TestBuildLoop(t *testing.T) {
	fn := loopFn(99)
	root := mustBuild(t, fn)

	if len(root.Children) != 1 {
		t.Fatalf("expected 1 child scope, got %d", len(root.Children))
	}
	child := root.Children[0]
	if child.Depth != 1 || child.Bound != 99 || !child.HasBound() {
		t.Errorf("child depth/bound = %d/%d, want 1/99", child.Depth, child.Bound)
	}
	if child.Header().Block().ID != 1 {
		t.Errorf("child header = B%d, want B1", child.Header().Block().ID)
	}

	// The loop runs unconditionally, so it shares the top-level header
	// predicate.
	if child.HeaderPred != root.HeaderPred {
		t.Errorf("child header predicate = %d, want %d", child.HeaderPred, root.HeaderPred)
	}

	// Top level sees the loop as one subheader position.
	if root.NumBlocks() != 3 {
		t.Fatalf("top NumBlocks = %d, want 3", root.NumBlocks())
	}
	hdr := child.Header()
	if !root.IsSubheader(hdr) {
		t.Error("loop header should be a subheader of the top level")
	}
	if child.NumBlocks() != 4 {
		t.Fatalf("child NumBlocks = %d, want 4", child.NumBlocks())
	}
	for i, want := range []mir.BlockID{1, 2, 3, 4} {
		if got := child.Blocks()[i].Block().ID; got != want {
			t.Errorf("child block %d = B%d, want B%d", i, got, want)
		}
	}

	if ts := child.ExitTargets(); len(ts) != 1 || ts[0].Block().ID != 5 {
		t.Errorf("exit targets = %v, want [B5]", ts)
	}

	// Inside the loop: 2 and 4 share a predicate (4 postdominates 2), 3 has
	// its own.
	guard := func(id mir.BlockID) int {
		return root.FindBlockOf(fn.Block(id)).Preds[0]
	}
	if guard(2) != guard(4) {
		t.Errorf("B2 and B4 guards differ: %d vs %d", guard(2), guard(4))
	}
	if guard(3) == guard(2) || guard(3) == child.HeaderPred {
		t.Errorf("B3 guard %d should be its own predicate", guard(3))
	}
	if len(child.Preds) != 2 {
		t.Errorf("child owned predicates = %v, want 2 of them", child.Preds)
	}
	if child.NumPredicates() != 3 {
		t.Errorf("NumPredicates = %d, want 3", child.NumPredicates())
	}

	// FindScopeOf resolves membership, not subheader visibility.
	if root.FindScopeOf(hdr) != child {
		t.Error("FindScopeOf(header) should be the loop scope")
	}
}

func TestBuildMissingBound(t *testing.T) {
	fn := loopFn(-1)
	li, err := loops.Analyze(fn)
	if err != nil {
		t.Fatalf("loops.Analyze: %v", err)
	}
	_, err = BuildTree(fn, li)
	var be *BoundError
	if !errors.As(err, &be) {
		t.Fatalf("expected BoundError, got %v", err)
	}
	if be.Header != 1 {
		t.Errorf("BoundError header = %d, want 1", be.Header)
	}
}

type recordingVisitor struct {
	events []string
	blocks []mir.BlockID
}

func (v *recordingVisitor) EnterScope(s *Scope) {
	if !s.IsTopLevel() {
		v.events = append(v.events, "enter")
	}
}

func (v *recordingVisitor) ExitScope(s *Scope) {
	if !s.IsTopLevel() {
		v.events = append(v.events, "exit")
	}
}

func (v *recordingVisitor) VisitBlock(pb *PredicatedBlock, s *Scope) {
	v.blocks = append(v.blocks, pb.Block().ID)
}

func TestWalkOrder(t *testing.T) {
	fn := loopFn(99)
	root := mustBuild(t, fn)

	v := &recordingVisitor{}
	Walk(root, v)

	want := []mir.BlockID{0, 1, 2, 3, 4, 5}
	if len(v.blocks) != len(want) {
		t.Fatalf("visited %v, want %v", v.blocks, want)
	}
	for i := range want {
		if v.blocks[i] != want[i] {
			t.Fatalf("visited %v, want %v", v.blocks, want)
		}
	}
	if len(v.events) != 2 || v.events[0] != "enter" || v.events[1] != "exit" {
		t.Errorf("scope events = %v, want one enter/exit pair", v.events)
	}
}
