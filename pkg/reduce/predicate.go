package reduce

import (
	"sort"

	"github.com/wcet-tools/spc/pkg/mir"
	"github.com/wcet-tools/spc/pkg/regalloc"
	"github.com/wcet-tools/spc/pkg/scope"
)

func loadFI(dst mir.Reg, fi int) *mir.Instr {
	in := mir.NewInstr(mir.Load)
	in.Dst = dst
	in.FI = fi
	return in
}

func storeFI(fi int, src mir.Reg) *mir.Instr {
	in := mir.NewInstr(mir.Store)
	in.FI = fi
	in.Uses = []mir.Reg{src}
	in.Kill(src)
	return in
}

func pmov(dst mir.Reg, guard mir.PredOp, src mir.PredOp) *mir.Instr {
	in := mir.NewInstr(mir.Pmov)
	in.Dst = dst
	in.Guard = guard
	in.POps = []mir.PredOp{src}
	return in
}

// applyPredicates rewrites the guard of every instruction in the scope's own
// blocks to the allocated predicate register, and inserts the spill and
// reload code the allocation recorded per block. Instructions carrying a
// guard from user code keep their semantics: the two predicates are
// conjoined into the scratch predicate.
func (r *reducer) applyPredicates(s *scope.Scope) {
	ri := r.ra.Infos[s]
	for _, pb := range s.Blocks() {
		if s.IsSubheader(pb) {
			continue
		}
		b := pb.Block()
		useRegs := r.predRegs(ri, pb)

		for i := 0; i < len(b.Instrs); i++ {
			in := b.Instrs[i]
			if in.IsTerminator() {
				break
			}
			p, ok := pb.InstrPreds[in]
			if !ok {
				continue
			}
			preg := guardReg(useRegs, p)

			if in.Op == mir.Call {
				// Calls run unconditionally: park the guard in the scratch
				// predicate for the callee and save the caller-temp register
				// the callee's frame setup clobbers.
				b.InsertBefore(i, pmov(r.pool.PRTmp, mir.AlwaysTrue, mir.PredOp{Reg: preg}))
				b.InsertBefore(i+1, storeFI(r.slots.CallSpillFI(), mir.CallerTempReg))
				b.InsertBefore(i+3, loadFI(mir.CallerTempReg, r.slots.CallSpillFI()))
				r.stats.InsertedInstrs += 3
				i += 3
				continue
			}

			if !in.IsPredicable() || preg == mir.P0 {
				continue
			}
			if in.Guard.IsAlways() {
				in.Guard = mir.PredOp{Reg: preg}
			} else if in.Guard.Reg != preg || in.Guard.Neg {
				pand := mir.NewInstr(mir.Pand)
				pand.Dst = r.pool.PRTmp
				pand.POps = []mir.PredOp{{Reg: preg}, in.Guard}
				b.InsertBefore(i, pand)
				i++
				in.Guard = mir.PredOp{Reg: r.pool.PRTmp}
				r.stats.InsertedInstrs++
			}
		}

		if !s.IsHeader(pb) && ri.HasSpillLoad(pb) {
			r.insertUseSpillLoad(ri, pb)
		}
	}
}

// insertUseSpillLoad emits, at the top of the block, the save of each
// evicted predicate into its spill bit followed by the reload of the
// block's own predicate into the freed register.
func (r *reducer) insertUseSpillLoad(ri *regalloc.RAInfo, pb *scope.PredicatedBlock) {
	b := pb.Block()
	spills := ri.SpillLocs(pb)
	loads := ri.LoadLocs(pb)
	useRegs := r.predRegs(ri, pb)

	preds := make([]int, 0, len(loads))
	for p := range loads {
		preds = append(preds, p)
	}
	sort.Ints(preds)

	pos := 0
	for _, p := range preds {
		useReg := useRegs[p]
		if sp, ok := spills[p]; ok {
			fi, bit := r.slots.ExcessLoc(sp.Idx)
			b.InsertBefore(pos, loadFI(mir.ScratchReg, fi))
			bc := mir.NewInstr(mir.Bcopy)
			bc.Dst = mir.ScratchReg
			bc.Uses = []mir.Reg{mir.ScratchReg}
			bc.Imm = int64(bit)
			bc.POps = []mir.PredOp{{Reg: useReg}}
			b.InsertBefore(pos+1, bc)
			b.InsertBefore(pos+2, storeFI(fi, mir.ScratchReg))
			pos += 3
			r.stats.InsertedInstrs += 3
		}
		pos += r.insertPredicateLoad(b, pos, loads[p], useReg)
	}
}

// insertPredicateLoad materializes a predicate value from loc into target,
// returning the number of instructions inserted at pos.
func (r *reducer) insertPredicateLoad(b *mir.Block, pos int, loc regalloc.Location, target mir.Reg) int {
	if loc.IsRegister() {
		b.InsertBefore(pos, pmov(target, mir.AlwaysTrue, mir.PredOp{Reg: r.pool.Alloc[loc.Idx]}))
		r.stats.InsertedInstrs++
		return 1
	}
	fi, bit := r.slots.ExcessLoc(loc.Idx)
	b.InsertBefore(pos, loadFI(mir.ScratchReg, fi))
	bt := mir.NewInstr(mir.Btest)
	bt.Dst = target
	bt.Uses = []mir.Reg{mir.ScratchReg}
	bt.Imm = int64(bit)
	bt.Kill(mir.ScratchReg)
	b.InsertBefore(pos+1, bt)
	r.stats.InsertedInstrs += 2
	return 2
}

// insertStackLocInitializations clears, at the scope header, the spill bits
// of every predicate whose canonical definition lives on the stack. Bits
// are only ever OR-accumulated by definitions, so each iteration must start
// from zero.
func (r *reducer) insertStackLocInitializations(s *scope.Scope) {
	ri := r.ra.Infos[s]

	masks := make(map[int]uint32)
	for _, p := range s.AllPredicates() {
		if p == s.HeaderPred {
			continue
		}
		loc, ok := ri.DefLoc(p)
		if !ok || !loc.IsStack() {
			continue
		}
		fi, bit := r.slots.ExcessLoc(loc.Idx)
		masks[fi] |= 1 << uint(bit)
	}
	if len(masks) == 0 {
		return
	}

	fis := make([]int, 0, len(masks))
	for fi := range masks {
		fis = append(fis, fi)
	}
	sort.Ints(fis)

	b := s.Header().Block()
	pos := 0
	for _, fi := range fis {
		b.InsertBefore(pos, loadFI(mir.ScratchReg, fi))
		and := mir.NewInstr(mir.And)
		and.Dst = mir.ScratchReg
		and.Uses = []mir.Reg{mir.ScratchReg}
		and.Imm = int64(^masks[fi])
		b.InsertBefore(pos+1, and)
		b.InsertBefore(pos+2, storeFI(fi, mir.ScratchReg))
		pos += 3
		r.stats.InsertedInstrs += 3
	}
}

// fixupKillFlagOfCondRegs restores the kill flag of branch conditions that
// were copied into predicate definitions: the last remaining use in the
// block gets the flag.
func (r *reducer) fixupKillFlagOfCondRegs() {
	for b, reg := range r.killedCond {
		for i := b.FirstTerminator() - 1; i >= 0; i-- {
			if b.Instrs[i].UsesReg(reg) {
				b.Instrs[i].Kill(reg)
				break
			}
		}
	}
	r.killedCond = make(map[*mir.Block]mir.Reg)
}
