// Package reduce rewrites a function into single-path form: it guards every
// instruction with its allocated predicate register, inserts the predicate
// definitions and spill traffic the allocation calls for, linearizes the
// control flow into one chain with loop-counter back edges, and removes the
// redundant spill loads and stores the rewrite left behind.
package reduce

import (
	"fmt"

	"github.com/wcet-tools/spc/pkg/mir"
	"github.com/wcet-tools/spc/pkg/prepare"
	"github.com/wcet-tools/spc/pkg/regalloc"
	"github.com/wcet-tools/spc/pkg/scope"
)

// Options control the reduction.
type Options struct {
	// ElimStores enables the redundant-store analysis on top of the
	// always-on redundant-load elimination.
	ElimStores bool
}

// Stats counts the code changes the reduction performed.
type Stats struct {
	InsertedInstrs  int
	RemovedBranches int
	EliminatedLdSt  int
	LoopCounters    int
}

// Pool is the split of the predicate register file for one function:
// registers the input code already uses stay untouched, one free register
// is reserved as a scratch predicate, and the rest are handed to the
// allocator.
type Pool struct {
	// Alloc maps allocator location indices to predicate registers.
	Alloc []mir.Reg

	// Unavail are the predicate registers not available for allocation,
	// including the constant-true register.
	Unavail []mir.Reg

	// PRTmp is the reserved scratch predicate register.
	PRTmp mir.Reg
}

// NewPool splits the first maxPredRegs predicate registers for fn. It fails
// when fewer than two registers are free: one is needed for scratch and at
// least one for allocation.
func NewPool(fn *mir.Function, maxPredRegs int) (*Pool, error) {
	if maxPredRegs < 2 || maxPredRegs > mir.NumPredRegs {
		return nil, fmt.Errorf("spc: predicate register count %d out of range", maxPredRegs)
	}
	p := &Pool{}
	for i := 0; i < maxPredRegs; i++ {
		r := mir.PredReg(i)
		if r != mir.P0 && !fn.UsesPredReg(r) {
			p.Alloc = append(p.Alloc, r)
		} else {
			p.Unavail = append(p.Unavail, r)
		}
	}
	if len(p.Alloc) < 2 {
		return nil, fmt.Errorf("spc: function %s leaves too few predicate registers free", fn.Name)
	}
	p.PRTmp = p.Alloc[len(p.Alloc)-1]
	p.Alloc = p.Alloc[:len(p.Alloc)-1]
	return p, nil
}

// NumAlloc returns how many registers the allocator may use.
func (p *Pool) NumAlloc() int { return len(p.Alloc) }

type reducer struct {
	fn    *mir.Function
	root  *scope.Scope
	ra    *regalloc.Result
	slots *prepare.Slots
	pool  *Pool
	opts  Options

	elim *eliminator

	// blocks whose final branch condition had its kill flag stripped while
	// edge conditions were copied into predicate definitions
	killedCond map[*mir.Block]mir.Reg

	stats Stats
}

// Reduce converts fn to single-path form. The scope tree, allocation and
// stack slots must have been computed for fn with the same pool.
func Reduce(fn *mir.Function, root *scope.Scope, ra *regalloc.Result,
	slots *prepare.Slots, pool *Pool, opts Options) Stats {

	r := &reducer{
		fn:         fn,
		root:       root,
		ra:         ra,
		slots:      slots,
		pool:       pool,
		opts:       opts,
		killedCond: make(map[*mir.Block]mir.Reg),
	}

	forEachScope(root, r.applyPredicates)
	forEachScope(root, func(s *scope.Scope) {
		r.insertPredDefinitions(s)
		r.insertStackLocInitializations(s)
	})
	r.fixupKillFlagOfCondRegs()

	r.elim = newEliminator(fn, mir.ScratchReg, slots.FirstFI(), slots.NumFI())

	lw := &linearizeWalker{r: r}
	scope.Walk(root, lw)

	r.mergeBlocks()

	r.stats.EliminatedLdSt += r.elim.process(opts.ElimStores)

	fn.RenumberBlocks()
	return r.stats
}

func forEachScope(s *scope.Scope, f func(*scope.Scope)) {
	f(s)
	for _, c := range s.Children {
		forEachScope(c, f)
	}
}

// predRegs maps each tracked guard predicate of the block to the physical
// register its use location names.
func (r *reducer) predRegs(ri *regalloc.RAInfo, pb *scope.PredicatedBlock) map[int]mir.Reg {
	out := make(map[int]mir.Reg)
	for p, loc := range ri.UseLocs(pb) {
		out[p] = r.pool.Alloc[loc]
	}
	return out
}

func guardReg(regs map[int]mir.Reg, p int) mir.Reg {
	if r, ok := regs[p]; ok {
		return r
	}
	return mir.P0
}
