package regalloc

import (
	"testing"

	"github.com/wcet-tools/spc/pkg/loops"
	"github.com/wcet-tools/spc/pkg/mir"
	"github.com/wcet-tools/spc/pkg/scope"
)

// loopFn builds a bounded loop with three predicates live inside it: the
// header predicate plus one for each side of an internal branch.
//
//	0 -> 1 -> 2 -> 3 -> 4 -> 1 (latch)
//	          2 ------> 4
//	     1 -> 5 (exit)
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

func TestAllocateStarved(t *testing.T) {
	// With two registers the loop needs four locations: the header is
	// evicted at B3 and must be reloaded for the back branch.
	_, root := loopFn(t)
	res := ComputeRegAlloc(root, 2)

	child := root.Children[0]
	ri := res.Infos[child]

	if ri.NumLocs() != 4 {
		t.Errorf("NumLocs = %d, want 4", ri.NumLocs())
	}
	if !ri.NeedsScopeSpill() {
		t.Error("starved loop should need a scope spill")
	}
	if ri.NeededSpillLocs() != 2 {
		t.Errorf("NeededSpillLocs = %d, want 2", ri.NeededSpillLocs())
	}
	if res.SpillSlots != 2 {
		t.Errorf("total SpillSlots = %d, want 2", res.SpillSlots)
	}

	// Header predicate always occupies register 0 while the header runs.
	hdr := child.Header()
	uls := ri.UseLocs(hdr)
	if loc, ok := uls[child.HeaderPred]; !ok || loc != ri.FirstUsableReg() {
		t.Errorf("header use location = %v, want register %d", uls, ri.FirstUsableReg())
	}

	// Its final location is a stack slot, so the back branch reloads it.
	loads := ri.LoadLocs(hdr)
	l, ok := loads[child.HeaderPred]
	if !ok {
		t.Fatal("header predicate should need a wraparound reload")
	}
	if !l.IsStack() {
		t.Errorf("wraparound reload from %v, want a stack location", l)
	}

	// The eviction happens at the block that brings the spilled predicate
	// back: it spills the header and loads its own.
	var spillBlocks int
	for _, pb := range child.Blocks() {
		if len(ri.SpillLocs(pb)) > 0 {
			spillBlocks++
			if !ri.HasSpillLoad(pb) {
				t.Error("a block with a spill must also reload")
			}
		}
	}
	if spillBlocks != 1 {
		t.Errorf("blocks with spill code = %d, want 1", spillBlocks)
	}
}

func TestAllocateComfortable(t *testing.T) {
	// With four registers everything fits: no spill, no scope save.
	_, root := loopFn(t)
	res := ComputeRegAlloc(root, 4)

	child := root.Children[0]
	ri := res.Infos[child]

	if ri.NumLocs() != 3 {
		t.Errorf("NumLocs = %d, want 3", ri.NumLocs())
	}
	if ri.NeedsScopeSpill() {
		t.Error("loop should fit beside the parent without a scope spill")
	}
	if ri.NeededSpillLocs() != 0 || res.SpillSlots != 0 {
		t.Errorf("spill locs = %d/%d, want 0/0", ri.NeededSpillLocs(), res.SpillSlots)
	}
	if ri.FirstUsableReg() != 0 {
		t.Errorf("FirstUsableReg = %d, want 0", ri.FirstUsableReg())
	}
	if len(ri.LoadLocs(child.Header())) != 0 {
		t.Error("no wraparound reload expected when the header stays resident")
	}
	for _, pb := range child.Blocks() {
		if ri.HasSpillLoad(pb) {
			t.Errorf("block B%d should need no spill or load", pb.Block().ID)
		}
	}

	// Distinct predicates live at the same time get distinct registers.
	seen := make(map[int]int)
	for _, pb := range child.Blocks() {
		for p, loc := range ri.UseLocs(pb) {
			if q, ok := seen[loc]; ok && q != p {
				// Register reuse is fine once the previous occupant is dead;
				// here all three overlap at the definition points.
				if p == child.HeaderPred || q == child.HeaderPred {
					t.Errorf("header register reused for predicate %d", p)
				}
			}
			seen[loc] = p
		}
	}
}

func TestAllocateTopLevel(t *testing.T) {
	_, root := loopFn(t)
	res := ComputeRegAlloc(root, 4)

	ri := res.Infos[root]
	if ri.NumLocs() != 0 {
		t.Errorf("top level NumLocs = %d, want 0 (constant-true header, no owned predicates)", ri.NumLocs())
	}
	if ri.CumLocs() != 3 {
		t.Errorf("top level CumLocs = %d, want 3", ri.CumLocs())
	}
}
