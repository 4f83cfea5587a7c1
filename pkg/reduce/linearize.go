package reduce

import (
	"sort"

	"github.com/wcet-tools/spc/pkg/mir"
	"github.com/wcet-tools/spc/pkg/scope"
)

// linearizeWalker rebuilds the layout as one straight chain: every block is
// appended after the previous one with its branches removed, loops get a
// preheader initializing the bound counter and a back-branch block
// decrementing it.
type linearizeWalker struct {
	r    *reducer
	last *mir.Block
}

// nextBlock appends b to the chain, dropping its successor edges and any
// trailing branches.
func (lw *linearizeWalker) nextBlock(b *mir.Block) {
	b.RemoveSuccs()
	for len(b.Instrs) > 0 && b.Instrs[len(b.Instrs)-1].IsBranch() {
		b.Instrs = b.Instrs[:len(b.Instrs)-1]
		lw.r.stats.RemovedBranches++
	}
	if lw.last != nil {
		lw.last.Succs = append(lw.last.Succs, b.ID)
		lw.r.fn.MoveAfter(b, lw.last)
	}
	lw.last = b
}

func (lw *linearizeWalker) VisitBlock(pb *scope.PredicatedBlock, s *scope.Scope) {
	lw.nextBlock(pb.Block())
}

// EnterScope emits the loop preheader: save the predicate file if the loop
// reuses the registers, bring the header predicate into the loop's register,
// and initialize the bound counter on the stack.
func (lw *linearizeWalker) EnterScope(s *scope.Scope) {
	if s.IsTopLevel() {
		return
	}
	r := lw.r
	ri := r.ra.Infos[s]
	pre := r.fn.NewBlock()

	if ri.NeedsScopeSpill() {
		fi := r.slots.S0FI(s.Depth)
		mfs := mir.NewInstr(mir.Mfs)
		mfs.Dst = mir.ScratchReg
		pre.Append(mfs)
		// The dummy load lets the eliminator treat the following store as
		// traffic on this slot; it never survives.
		dummy := loadFI(mir.ScratchReg, fi)
		pre.Append(dummy)
		r.elim.addRemovable(dummy)
		pre.Append(storeFI(fi, mir.ScratchReg))
		r.stats.InsertedInstrs += 3
	}

	lw.insertHeaderPredLoadOrCopy(s, pre)

	if s.HasBound() {
		li := mir.NewInstr(mir.Li)
		li.Dst = mir.ScratchReg
		li.Imm = int64(s.Bound)
		pre.Append(li)
		fi := r.slots.CounterFI(s.Depth)
		dummy := loadFI(mir.ScratchReg, fi)
		pre.Append(dummy)
		r.elim.addRemovable(dummy)
		pre.Append(storeFI(fi, mir.ScratchReg))
		r.stats.InsertedInstrs += 2
		r.stats.LoopCounters++
	}

	lw.nextBlock(pre)
}

// insertHeaderPredLoadOrCopy moves the header predicate from wherever the
// parent scope holds it into the register the loop's own allocation uses.
func (lw *linearizeWalker) insertHeaderPredLoadOrCopy(s *scope.Scope, pre *mir.Block) {
	r := lw.r
	ri := r.ra.Infos[s]
	rp := r.ra.Infos[s.Parent]
	hdr := s.Header()

	parentLoads := rp.LoadLocs(hdr)
	parentRegs := r.predRegs(rp, hdr)
	myRegs := r.predRegs(ri, hdr)

	for _, p := range hdr.Preds {
		if loc, ok := parentLoads[p]; ok {
			r.insertPredicateLoad(pre, len(pre.Instrs), loc, myRegs[p])
			continue
		}
		parentReg := guardReg(parentRegs, p)
		if myRegs[p] != parentReg {
			pre.Append(pmov(myRegs[p], mir.AlwaysTrue, mir.PredOp{Reg: parentReg}))
			r.stats.InsertedInstrs++
		}
	}
}

// ExitScope emits the back branch: reload the header predicate for the next
// iteration, decrement the bound counter and branch to the header while it
// is positive, then restore the predicate file if it was saved, preserving
// predicates user code carries out of the loop.
func (lw *linearizeWalker) ExitScope(s *scope.Scope) {
	if s.IsTopLevel() {
		return
	}
	r := lw.r
	ri := r.ra.Infos[s]
	hdr := s.Header()

	// Chain the block before filling it so nextBlock cannot strip the
	// branch again.
	branch := r.fn.NewBlock()
	lw.nextBlock(branch)

	myRegs := r.predRegs(ri, hdr)
	loads := ri.LoadLocs(hdr)
	preds := make([]int, 0, len(loads))
	for p := range loads {
		preds = append(preds, p)
	}
	sort.Ints(preds)
	for _, p := range preds {
		r.insertPredicateLoad(branch, len(branch.Instrs), loads[p], myRegs[p])
	}

	fi := r.slots.CounterFI(s.Depth)
	branch.Append(loadFI(mir.ScratchReg, fi))
	sub := mir.NewInstr(mir.Sub)
	sub.Dst = mir.ScratchReg
	sub.Uses = []mir.Reg{mir.ScratchReg}
	sub.Imm = 1
	branch.Append(sub)
	cmp := mir.NewInstr(mir.Cmplt)
	cmp.Dst = r.pool.PRTmp
	cmp.Uses = []mir.Reg{mir.R0, mir.ScratchReg}
	branch.Append(cmp)
	branch.Append(storeFI(fi, mir.ScratchReg))

	br := mir.NewInstr(mir.Br)
	br.Guard = mir.PredOp{Reg: r.pool.PRTmp}
	br.Target = hdr.Block().ID
	branch.Append(br)
	branch.Succs = append(branch.Succs, hdr.Block().ID)
	r.stats.InsertedInstrs += 5

	if ri.NeedsScopeSpill() {
		post := r.fn.NewBlock()
		fi := r.slots.S0FI(s.Depth)
		post.Append(loadFI(mir.ScratchReg, fi))
		for _, preg := range r.loopLiveOutPRegs(s) {
			bc := mir.NewInstr(mir.Bcopy)
			bc.Dst = mir.ScratchReg
			bc.Uses = []mir.Reg{mir.ScratchReg}
			bc.Imm = int64(preg.PredIndex())
			bc.POps = []mir.PredOp{{Reg: preg}}
			post.Append(bc)
			r.stats.InsertedInstrs++
		}
		mts := mir.NewInstr(mir.Mts)
		mts.Uses = []mir.Reg{mir.ScratchReg}
		post.Append(mts)
		r.stats.InsertedInstrs += 2
		lw.nextBlock(post)
	}
}

// loopLiveOutPRegs returns the unallocatable predicate registers user code
// keeps live into the blocks following the loop. Restoring the saved
// predicate file must not clobber them.
func (r *reducer) loopLiveOutPRegs(s *scope.Scope) []mir.Reg {
	var out []mir.Reg
	for _, preg := range r.pool.Unavail {
		live := false
		for _, succ := range s.ExitTargets() {
			if succ.Block().IsLiveIn(preg) {
				live = true
				break
			}
		}
		if live {
			out = append(out, preg)
		}
	}
	return out
}

// mergeBlocks collapses the linearized chain: every block with a single
// predecessor is folded into it. A block that ends up with two successors
// took a loop back edge, so merging resumes after it.
func (r *reducer) mergeBlocks() {
	fn := r.fn

	// depth-first preorder over the final CFG
	var order []*mir.Block
	seen := make(map[mir.BlockID]bool)
	var visit func(id mir.BlockID)
	visit = func(id mir.BlockID) {
		if seen[id] {
			return
		}
		seen[id] = true
		b := fn.Block(id)
		order = append(order, b)
		for _, s := range b.Succs {
			visit(s)
		}
	}
	visit(fn.Entry)

	base := order[0]
	baseBlock := r.root.FindBlockOf(base)
	for i := 1; i < len(order); i++ {
		b := order[i]
		if len(fn.Preds(b.ID)) == 1 {
			base.Instrs = append(base.Instrs, b.Instrs...)
			var succs []mir.BlockID
			for _, s := range base.Succs {
				if s != b.ID {
					succs = append(succs, s)
				}
			}
			base.Succs = append(succs, b.Succs...)
			fn.RemoveBlock(b)

			merged := r.root.FindBlockOf(b)
			if baseBlock != nil {
				if merged != nil {
					r.root.Merge(baseBlock, merged)
				}
			} else if merged != nil {
				merged.ReplaceBlock(base)
			}

			if len(base.Succs) > 1 {
				i++
				if i >= len(order) {
					break
				}
				base = order[i]
			}
		} else {
			base = b
		}
		baseBlock = r.root.FindBlockOf(base)
	}
}
