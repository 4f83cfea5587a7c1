// Package regalloc assigns every guard predicate of a scope tree to a
// predicate register or a stack spill bit. Allocation runs per scope over
// the topological block order, evicting the predicate with the furthest
// next use when registers run out, then unifies the per-scope numberings
// across the tree so that nested scopes reuse registers their ancestors no
// longer hold.
package regalloc

import (
	"fmt"
	"io"
	"sort"

	"github.com/wcet-tools/spc/pkg/scope"
)

// UseLoc describes how one block accesses one of its guard predicates.
type UseLoc struct {
	// Loc is the scope-relative register index holding the predicate while
	// the block executes.
	Loc int

	// Load, when non-nil, is the location the predicate must be fetched
	// from into Loc before the block uses it.
	Load *Location

	// Spill, when non-nil, is the stack location the register's previous
	// occupant must be saved to before the load.
	Spill *Location
}

// RAInfo is the allocation result for one scope.
type RAInfo struct {
	Scope *scope.Scope

	maxRegs              int
	lrs                  map[int]*liveRange
	defLocs              map[int]Location
	numLocs              int
	childrenMaxCumLocs   int
	firstUsableReg       int
	firstUsableStackSlot int
	useLocs              map[*scope.PredicatedBlock]map[int]*UseLoc
	needsScopeSpill      bool
}

// Result holds the allocation for a whole scope tree.
type Result struct {
	Infos map[*scope.Scope]*RAInfo

	// SpillSlots is the total number of predicate spill bits needed by the
	// tree beyond what fits in registers.
	SpillSlots int
}

// ComputeRegAlloc allocates locations for every scope under root given the
// number of usable predicate registers. Scopes are processed bottom-up to
// accumulate cumulative location counts, then top-down to assign register
// and spill-slot offsets.
func ComputeRegAlloc(root *scope.Scope, availRegs int) *Result {
	infos := make(map[*scope.Scope]*RAInfo)

	var bottomUp func(*scope.Scope)
	bottomUp = func(s *scope.Scope) {
		for _, c := range s.Children {
			bottomUp(c)
		}
		ri := newRAInfo(s, availRegs)
		for _, c := range s.Children {
			if cl := infos[c].CumLocs(); cl > ri.childrenMaxCumLocs {
				ri.childrenMaxCumLocs = cl
			}
		}
		infos[s] = ri
	}
	bottomUp(root)

	spillLocCnt := 0
	var topDown func(*scope.Scope)
	topDown = func(s *scope.Scope) {
		ri := infos[s]
		if !s.IsTopLevel() {
			ri.unifyWithParent(infos[s.Parent], spillLocCnt)
		}
		spillLocCnt += ri.NeededSpillLocs()
		for _, c := range s.Children {
			topDown(c)
		}
	}
	topDown(root)

	return &Result{Infos: infos, SpillSlots: spillLocCnt}
}

func newRAInfo(s *scope.Scope, availRegs int) *RAInfo {
	ri := &RAInfo{
		Scope:           s,
		maxRegs:         availRegs,
		lrs:             make(map[int]*liveRange),
		defLocs:         make(map[int]Location),
		useLocs:         make(map[*scope.PredicatedBlock]map[int]*UseLoc),
		needsScopeSpill: true,
	}
	ri.createLiveRanges()
	ri.assignLocations()
	return ri
}

// tracked reports whether this scope allocates a location for the predicate.
// A scope handles only the predicates it owns; predicates of nested scopes
// appearing on subheader blocks are allocated by their own scope. The
// constant-true header predicate of a root's top level needs no location.
func (ri *RAInfo) tracked(p int) bool {
	if p == ri.Scope.HeaderPred && ri.Scope.IsRootTopLevel() {
		return false
	}
	return ri.Scope.Owns(p)
}

func (ri *RAInfo) lrFor(p int) *liveRange {
	lr, ok := ri.lrs[p]
	if !ok {
		lr = newLiveRange(ri.Scope.NumBlocks())
		ri.lrs[p] = lr
	}
	return lr
}

func (ri *RAInfo) createLiveRanges() {
	blocks := ri.Scope.Blocks()
	for i, pb := range blocks {
		for _, p := range pb.Preds {
			if ri.Scope.Owns(p) {
				ri.lrFor(p).addUse(i)
			}
		}
		for _, d := range pb.Defs {
			if ri.Scope.Owns(d.Pred) {
				ri.lrFor(d.Pred).addDef(i)
			}
		}
	}
	// The next iteration consumes the header predicate, so it stays live
	// through the whole loop body.
	if !ri.Scope.IsTopLevel() {
		for _, p := range ri.Scope.Header().Preds {
			ri.lrFor(p).addUse(len(blocks))
		}
	}
}

func (ri *RAInfo) assignLocations() {
	free := &freeLocs{}
	cur := make(map[int]Location)

	blocks := ri.Scope.Blocks()
	for i, pb := range blocks {
		ri.handleUses(i, pb, cur, free)

		// Predicates defined here without a location yet get fresh ones,
		// nearest next use first.
		var order []int
		for _, d := range pb.Defs {
			if !ri.Scope.Owns(d.Pred) {
				continue
			}
			if _, ok := cur[d.Pred]; !ok {
				order = append(order, d.Pred)
			}
		}
		ri.sortFurthestNextUse(i, order)
		for _, p := range order {
			l := ri.getAvailLoc(free)
			cur[p] = l
			ri.defLocs[p] = l
		}
	}

	// The back branch reads the header predicate for the next iteration. If
	// its final location differs from the header's use register, record a
	// reload; the linearizer emits it before the branch.
	if !ri.Scope.IsTopLevel() {
		hdr := ri.Scope.Header()
		for _, p := range hdr.Preds {
			ul := ri.useLocs[hdr][p]
			end, ok := cur[p]
			if !ok {
				continue
			}
			if !end.IsRegister() || end.Idx != ul.Loc {
				loc := end
				ul.Load = &loc
			}
		}
	}
}

// handleUses gives each guard predicate of the block a register for the
// block's duration and retires locations whose predicate saw its last use.
func (ri *RAInfo) handleUses(i int, pb *scope.PredicatedBlock, cur map[int]Location, free *freeLocs) {
	for _, p := range pb.Preds {
		if !ri.tracked(p) {
			continue
		}
		var ul *UseLoc
		if ri.Scope.IsHeader(pb) {
			ul = ri.headerUseLoc(p, cur, free)
		} else {
			ul = ri.blockUseLoc(i, p, cur, free)
		}
		if ri.useLocs[pb] == nil {
			ri.useLocs[pb] = make(map[int]*UseLoc)
		}
		ri.useLocs[pb][p] = ul
	}

	for _, p := range pb.Preds {
		if !ri.tracked(p) {
			continue
		}
		if ri.lrs[p].lastUse(i) {
			free.put(cur[p])
			delete(cur, p)
		}
	}
}

// headerUseLoc allocates the scope's first location for the header
// predicate. The scan starts at the header, so this is always register 0.
func (ri *RAInfo) headerUseLoc(p int, cur map[int]Location, free *freeLocs) *UseLoc {
	l := ri.getAvailLoc(free)
	if !l.IsRegister() || l.Idx != 0 {
		panic("regalloc: header predicate not assigned register 0")
	}
	ri.defLocs[p] = l
	cur[p] = l
	return &UseLoc{Loc: l.Idx}
}

func (ri *RAInfo) blockUseLoc(i, p int, cur map[int]Location, free *freeLocs) *UseLoc {
	c, ok := cur[p]
	if !ok {
		panic(fmt.Sprintf("regalloc: predicate %d used without a prior location", p))
	}
	if c.IsStack() {
		ul, newLoc := ri.bringToRegister(i, c.Idx, cur, free)
		cur[p] = newLoc
		return ul
	}
	return &UseLoc{Loc: c.Idx}
}

// bringToRegister finds a register for a predicate currently spilled at
// stackIdx. When no register is free, the resident predicate with the
// furthest next use is evicted to a fresh stack slot; if the evictee was
// never used yet, its initial definition is redirected instead and no spill
// code is needed.
func (ri *RAInfo) bringToRegister(i, stackIdx int, cur map[int]Location, free *freeLocs) (*UseLoc, Location) {
	if ri.hasFreeRegister(free) {
		l := ri.getAvailLoc(free)
		return &UseLoc{Loc: l.Idx, Load: &Location{Stack, stackIdx}}, l
	}

	var order []int
	for p := range ri.lrs {
		if c, ok := cur[p]; ok && c.IsRegister() {
			order = append(order, p)
		}
	}
	ri.sortFurthestNextUse(i, order)
	victim := order[len(order)-1]

	// No registers are free, so this is a stack slot.
	newStack := ri.getAvailLoc(free)
	vloc := cur[victim]

	ul := &UseLoc{Loc: vloc.Idx, Load: &Location{Stack, stackIdx}}
	if ri.lrs[victim].anyUseBefore(i) {
		spill := newStack
		ul.Spill = &spill
	} else {
		ri.defLocs[victim] = newStack
	}
	cur[victim] = newStack
	return ul, vloc
}

// sortFurthestNextUse orders the predicates by next use from pos, nearest
// first.
func (ri *RAInfo) sortFurthestNextUse(pos int, order []int) {
	sort.Ints(order)
	sort.SliceStable(order, func(x, y int) bool {
		return ri.lrs[order[x]].hasNextUseBefore(pos, ri.lrs[order[y]])
	})
}

func (ri *RAInfo) getAvailLoc(free *freeLocs) Location {
	if l, ok := free.take(); ok {
		return l
	}
	n := ri.numLocs
	ri.numLocs++
	if n < ri.maxRegs {
		return Location{Register, n}
	}
	return Location{Stack, n - ri.maxRegs}
}

func (ri *RAInfo) hasFreeRegister(free *freeLocs) bool {
	return free.hasRegister() || ri.numLocs < ri.maxRegs
}

// CumLocs returns the locations used by this scope and the largest demand
// among its children.
func (ri *RAInfo) CumLocs() int { return ri.numLocs + ri.childrenMaxCumLocs }

// NumLocs returns the number of locations this scope uses itself.
func (ri *RAInfo) NumLocs() int { return ri.numLocs }

// unifyWithParent assigns the scope's register and spill-slot offsets. The
// scope can skip the bulk register save at its boundary exactly when its
// whole subtree fits beside the parent's live locations.
func (ri *RAInfo) unifyWithParent(parent *RAInfo, spillLocCnt int) {
	if parent.numLocs+ri.CumLocs() <= ri.maxRegs {
		ri.firstUsableReg = parent.firstUsableReg + parent.numLocs
		ri.needsScopeSpill = false
	}
	if ri.numLocs > ri.maxRegs {
		ri.firstUsableStackSlot = spillLocCnt
	}
}

// NeedsScopeSpill reports whether all live predicate registers must be saved
// on entry to this scope and restored on exit.
func (ri *RAInfo) NeedsScopeSpill() bool { return ri.needsScopeSpill }

// NeededSpillLocs returns how many spill bits the scope needs beyond the
// register pool.
func (ri *RAInfo) NeededSpillLocs() int {
	if ri.numLocs < ri.maxRegs {
		return 0
	}
	return ri.numLocs - ri.maxRegs
}

// FirstUsableReg returns the unified index of the first register this scope
// may use.
func (ri *RAInfo) FirstUsableReg() int { return ri.firstUsableReg }

// IsFirstDef reports whether the block holds the first definition of the
// predicate in this scope's order.
func (ri *RAInfo) IsFirstDef(pb *scope.PredicatedBlock, p int) bool {
	for i, b := range ri.Scope.Blocks() {
		if b == pb {
			return !ri.lrs[p].hasDefBefore(i)
		}
	}
	return false
}

// HasSpillLoad reports whether the block needs any spill or load inserted
// before its body.
func (ri *RAInfo) HasSpillLoad(pb *scope.PredicatedBlock) bool {
	for _, ul := range ri.useLocs[pb] {
		if ul.Load != nil || ul.Spill != nil {
			return true
		}
	}
	return false
}

// unify converts a scope-relative location to the function-wide numbering.
func (ri *RAInfo) unify(l Location) Location {
	if l.IsRegister() {
		return Location{Register, l.Idx + ri.firstUsableReg}
	}
	return Location{Stack, l.Idx + ri.firstUsableStackSlot}
}

// UseLocs returns, per guard predicate of the block, the unified register
// index holding it.
func (ri *RAInfo) UseLocs(pb *scope.PredicatedBlock) map[int]int {
	out := make(map[int]int)
	for p, ul := range ri.useLocs[pb] {
		out[p] = ul.Loc + ri.firstUsableReg
	}
	return out
}

// LoadLocs returns, per guard predicate, the unified location it must be
// loaded from before the block runs.
func (ri *RAInfo) LoadLocs(pb *scope.PredicatedBlock) map[int]Location {
	out := make(map[int]Location)
	for p, ul := range ri.useLocs[pb] {
		if ul.Load != nil {
			out[p] = ri.unify(*ul.Load)
		}
	}
	return out
}

// SpillLocs returns, per guard predicate, the unified stack location the
// use register's previous value must be saved to.
func (ri *RAInfo) SpillLocs(pb *scope.PredicatedBlock) map[int]Location {
	out := make(map[int]Location)
	for p, ul := range ri.useLocs[pb] {
		if ul.Spill != nil {
			out[p] = ri.unify(*ul.Spill)
		}
	}
	return out
}

// DefLoc returns the unified location a predicate's definitions write to.
func (ri *RAInfo) DefLoc(p int) (Location, bool) {
	l, ok := ri.defLocs[p]
	if !ok {
		return Location{}, false
	}
	return ri.unify(l), true
}

// Dump writes the allocation for diagnostics.
func (ri *RAInfo) Dump(w io.Writer, indent int) {
	pad := fmt.Sprintf("%*s", indent, "")
	fmt.Fprintf(w, "%s[B%d] depth=%d numLocs=%d cumLocs=%d regOffset=%d spillOffset=%d scopeSpill=%v\n",
		pad, ri.Scope.Header().Block().ID, ri.Scope.Depth, ri.numLocs, ri.CumLocs(),
		ri.firstUsableReg, ri.firstUsableStackSlot, ri.needsScopeSpill)

	preds := make([]int, 0, len(ri.lrs))
	for p := range ri.lrs {
		preds = append(preds, p)
	}
	sort.Ints(preds)
	for _, p := range preds {
		fmt.Fprintf(w, "%s  LR(p%d) = [%s]", pad, p, ri.lrs[p])
		if l, ok := ri.defLocs[p]; ok {
			fmt.Fprintf(w, " def=%s", ri.unify(l))
		}
		fmt.Fprintln(w)
	}
	for i, pb := range ri.Scope.Blocks() {
		uls := ri.useLocs[pb]
		if len(uls) == 0 {
			continue
		}
		ps := make([]int, 0, len(uls))
		for p := range uls {
			ps = append(ps, p)
		}
		sort.Ints(ps)
		fmt.Fprintf(w, "%s  %d| B%d:", pad, i, pb.Block().ID)
		for _, p := range ps {
			ul := uls[p]
			fmt.Fprintf(w, " p%d@reg%d", p, ul.Loc+ri.firstUsableReg)
			if ul.Load != nil {
				fmt.Fprintf(w, " load=%s", ri.unify(*ul.Load))
			}
			if ul.Spill != nil {
				fmt.Fprintf(w, " spill=%s", ri.unify(*ul.Spill))
			}
		}
		fmt.Fprintln(w)
	}
}
