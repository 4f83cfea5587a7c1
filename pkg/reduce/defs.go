package reduce

import (
	"github.com/wcet-tools/spc/pkg/mir"
	"github.com/wcet-tools/spc/pkg/regalloc"
	"github.com/wcet-tools/spc/pkg/scope"
)

// predDef is one predicate definition scheduled for a block, resolved to
// physical locations. Two simple definitions that each clobber the other's
// guard collapse into a swap.
type predDef struct {
	swap bool

	loc   regalloc.Location
	reg   mir.Reg // definition target when loc is a register
	guard mir.Reg
	cond  mir.PredOp
	first bool

	// second half of a swap
	reg2  mir.Reg
	cond2 mir.PredOp
}

// overwritesGuardOf reports whether executing d clobbers the guard y reads.
// Stack-located definitions write no predicate register.
func (d *predDef) overwritesGuardOf(y *predDef) bool {
	if d.swap {
		return d.reg == y.guard || d.reg2 == y.guard
	}
	return d.loc.IsRegister() && d.reg == y.guard
}

// mergeIntoSwap turns d into a swap of d and y when each is a simple
// register definition guarded by the other's target.
func (d *predDef) mergeIntoSwap(y *predDef) bool {
	if d.swap || y.swap || !d.loc.IsRegister() || !y.loc.IsRegister() {
		return false
	}
	if d.reg != y.guard || y.reg != d.guard {
		return false
	}
	d.swap = true
	d.reg2 = y.reg
	d.cond2 = y.cond
	return true
}

func (d *predDef) sharesTarget(y *predDef) bool {
	return !d.swap && !y.swap && d.loc == y.loc
}

// place inserts nd into list such that no definition overwrites the guard of
// a later one, folding mutual clobbers into a swap and demoting the
// first-definition flag when two definitions share a target.
func place(list []*predDef, nd *predDef) []*predDef {
	insertAt := len(list)
	for i := 0; i < len(list); i++ {
		y := list[i]
		if y.swap {
			if y.overwritesGuardOf(nd) {
				insertAt = i
			}
			continue
		}
		if nd.mergeIntoSwap(y) {
			list = append(list[:i], list[i+1:]...)
			insertAt = len(list)
			break
		}
		if y.overwritesGuardOf(nd) && insertAt == len(list) {
			insertAt = i
			if nd.sharesTarget(y) {
				y.first = false
			}
		} else if nd.sharesTarget(y) {
			if insertAt == len(list) {
				nd.first = false
			} else {
				y.first = false
			}
		}
	}
	list = append(list, nil)
	copy(list[insertAt+1:], list[insertAt:])
	list[insertAt] = nd
	return list
}

// insertPredDefinitions emits the predicate definitions of every block the
// scope owns. Definitions at a subheader take their guard register from the
// nested scope that executes the block, while the defined predicate's
// location comes from this scope's allocation.
func (r *reducer) insertPredDefinitions(s *scope.Scope) {
	ri := r.ra.Infos[s]
	for _, pb := range s.Blocks() {
		inner := ri
		if s.IsSubheader(pb) {
			inner = r.ra.Infos[r.root.FindScopeOf(pb)]
		}
		useRegs := r.predRegs(inner, pb)

		var sorted []*predDef
		for _, d := range pb.Defs {
			if !s.Owns(d.Pred) {
				continue
			}
			loc, ok := ri.DefLoc(d.Pred)
			if !ok {
				continue
			}
			nd := &predDef{
				loc:   loc,
				guard: guardReg(useRegs, d.Guard),
				cond:  r.edgeCondition(pb, d),
				first: ri.IsFirstDef(pb, d.Pred),
			}
			if loc.IsRegister() {
				nd.reg = r.pool.Alloc[loc.Idx]
			}
			sorted = place(sorted, nd)
		}

		for _, d := range sorted {
			if d.swap {
				r.insertSwapDef(s, pb, d)
			} else {
				r.insertDefEdge(s, pb, d.loc, d.reg, d.guard, d.cond, d.first)
			}
		}
	}
}

// edgeCondition returns the branch condition selecting the definition's
// edge, deferring the condition register's kill to after all definitions of
// the block are in place.
func (r *reducer) edgeCondition(pb *scope.PredicatedBlock, d scope.Definition) mir.PredOp {
	if d.CondKill {
		r.killedCond[pb.Block()] = d.Cond.Reg
	}
	return d.Cond
}

// insertSwapDef exchanges the values of the two registers with a triple xor,
// then defines each one guarded by itself.
func (r *reducer) insertSwapDef(s *scope.Scope, pb *scope.PredicatedBlock, d *predDef) {
	b := pb.Block()
	xor := func(r1, r2 mir.Reg) {
		in := mir.NewInstr(mir.Pxor)
		in.Dst = r1
		in.POps = []mir.PredOp{{Reg: r1}, {Reg: r2}}
		b.InsertBefore(b.FirstTerminator(), in)
		r.stats.InsertedInstrs++
	}
	xor(d.reg, d.reg2)
	xor(d.reg2, d.reg)
	xor(d.reg, d.reg2)

	r.insertDefEdge(s, pb, regalloc.Location{Type: regalloc.Register}, d.reg, d.reg, d.cond, true)
	r.insertDefEdge(s, pb, regalloc.Location{Type: regalloc.Register}, d.reg2, d.reg2, d.cond2, true)
}

// insertDefEdge emits one definition. A register-located predicate of a
// scope-spilling nested loop is defined into that loop's saved predicate
// file on the stack instead, since the register itself is reused inside.
func (r *reducer) insertDefEdge(s *scope.Scope, pb *scope.PredicatedBlock,
	loc regalloc.Location, predReg, guard mir.Reg, cond mir.PredOp, first bool) {

	b := pb.Block()
	if loc.IsRegister() {
		inner := r.ra.Infos[s]
		if s.IsSubheader(pb) {
			inner = r.ra.Infos[r.root.FindScopeOf(pb)]
		}
		if !s.IsSubheader(pb) || !inner.NeedsScopeSpill() {
			r.insertDefToRegLoc(b, predReg, guard, cond, !first || s.IsSubheader(pb))
		} else {
			r.insertDefToS0SpillSlot(b, inner.Scope.Depth, predReg, guard, cond)
		}
		return
	}
	r.insertDefToStackLoc(b, loc.Idx, guard, cond)
}

// insertDefToRegLoc defines a predicate register before the block's
// terminators. The first definition may overwrite unconditionally; later
// ones conjoin with the guard so a false condition cannot clear a value set
// on another path.
func (r *reducer) insertDefToRegLoc(b *mir.Block, predReg, guard mir.Reg, cond mir.PredOp, usePmov bool) {
	var in *mir.Instr
	if usePmov {
		in = pmov(predReg, mir.PredOp{Reg: guard}, cond)
	} else {
		in = mir.NewInstr(mir.Pand)
		in.Dst = predReg
		in.POps = []mir.PredOp{{Reg: guard}, cond}
	}
	b.InsertBefore(b.FirstTerminator(), in)
	r.stats.InsertedInstrs++
}

// insertDefToStackLoc sets the predicate's spill bit when guard and
// condition hold. The bit was cleared at the scope header, so OR semantics
// via a guarded bit copy are safe.
func (r *reducer) insertDefToStackLoc(b *mir.Block, stloc int, guard mir.Reg, cond mir.PredOp) {
	fi, bit := r.slots.ExcessLoc(stloc)
	pos := b.FirstTerminator()
	b.InsertBefore(pos, loadFI(mir.ScratchReg, fi))
	bc := mir.NewInstr(mir.Bcopy)
	bc.Dst = mir.ScratchReg
	bc.Guard = mir.PredOp{Reg: guard}
	bc.Uses = []mir.Reg{mir.ScratchReg}
	bc.Imm = int64(bit)
	bc.POps = []mir.PredOp{cond}
	b.InsertBefore(pos+1, bc)
	b.InsertBefore(pos+2, storeFI(fi, mir.ScratchReg))
	r.stats.InsertedInstrs += 3
}

// insertDefToS0SpillSlot sets the predicate's bit in the saved predicate
// file of a nested scope that spills the file at its boundary.
func (r *reducer) insertDefToS0SpillSlot(b *mir.Block, depth int, predReg, guard mir.Reg, cond mir.PredOp) {
	fi := r.slots.S0FI(depth)
	pos := b.FirstTerminator()
	b.InsertBefore(pos, loadFI(mir.ScratchReg, fi))
	bc := mir.NewInstr(mir.Bcopy)
	bc.Dst = mir.ScratchReg
	bc.Guard = mir.PredOp{Reg: guard}
	bc.Uses = []mir.Reg{mir.ScratchReg}
	bc.Imm = int64(predReg.PredIndex())
	bc.POps = []mir.PredOp{cond}
	b.InsertBefore(pos+1, bc)
	b.InsertBefore(pos+2, storeFI(fi, mir.ScratchReg))
	r.stats.InsertedInstrs += 3
}
