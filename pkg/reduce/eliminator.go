package reduce

import "github.com/wcet-tools/spc/pkg/mir"

// eliminator removes redundant loads and stores of the scratch register to
// the conversion's own stack slots: spill words, loop counters and predicate
// file saves. Linearization leaves many of these dead, e.g. a counter
// reloaded right after its initializing store.
type eliminator struct {
	fn      *mir.Function
	tgtReg  mir.Reg
	firstFI int
	numFI   int

	removables map[*mir.Instr]bool
}

func newEliminator(fn *mir.Function, tgtReg mir.Reg, firstFI, numFI int) *eliminator {
	return &eliminator{
		fn:         fn,
		tgtReg:     tgtReg,
		firstFI:    firstFI,
		numFI:      numFI,
		removables: make(map[*mir.Instr]bool),
	}
}

// addRemovable marks an instruction for unconditional removal. Used for the
// dummy loads inserted to seed the store dataflow.
func (e *eliminator) addRemovable(in *mir.Instr) {
	e.removables[in] = true
}

// process runs the analyses and erases what they found, returning the count.
// The store analysis only runs when asked for.
func (e *eliminator) process(elimStores bool) int {
	count := 0
	e.findRedundantLoads()
	count += e.remove()
	// Removing the loads first exposes stores with no remaining readers.
	if elimStores {
		e.findRedundantStores()
		count += e.remove()
	}
	return count
}

// remove erases the marked instructions wherever they live now. Block
// merging moves instructions between blocks after they were marked, so the
// current layout is swept rather than any block remembered at mark time.
// Only instructions actually found count.
func (e *eliminator) remove() int {
	cnt := 0
	for _, b := range e.fn.Blocks {
		kept := b.Instrs[:0]
		for _, in := range b.Instrs {
			if e.removables[in] {
				cnt++
				continue
			}
			kept = append(kept, in)
		}
		b.Instrs = kept
	}
	e.removables = make(map[*mir.Instr]bool)
	return cnt
}

func (e *eliminator) normalizeFI(fi int) int {
	n := fi - e.firstFI
	if n < 0 || n >= e.numFI {
		panic("reduce: frame index out of the reserved range")
	}
	return n
}

// isUncondLoad reports whether the instruction is an unpredicated load of a
// tracked slot into the target register.
func (e *eliminator) isUncondLoad(in *mir.Instr) (int, bool) {
	if in.Op == mir.Load && in.Dst == e.tgtReg && in.Guard.IsAlways() &&
		in.FI >= e.firstFI && in.FI < e.firstFI+e.numFI {
		return in.FI, true
	}
	return 0, false
}

func (e *eliminator) isUncondStore(in *mir.Instr) (int, bool) {
	if in.Op == mir.Store && len(in.Uses) == 1 && in.Uses[0] == e.tgtReg &&
		in.Guard.IsAlways() && in.FI >= e.firstFI && in.FI < e.firstFI+e.numFI {
		return in.FI, true
	}
	return 0, false
}

// findRedundantLoads solves a forward must problem: a slot is "live in the
// register" when every path since the last load read that slot. A load of a
// slot already live is redundant.
func (e *eliminator) findRedundantLoads() {
	liveEntry := make(map[mir.BlockID][]bool)
	liveExit := make(map[mir.BlockID][]bool)
	for _, b := range e.fn.Blocks {
		liveEntry[b.ID] = make([]bool, e.numFI)
		liveExit[b.ID] = make([]bool, e.numFI)
	}

	collected := make(map[*mir.Instr][]bool)

	rpo := e.reversePostorder()
	for changed := true; changed; {
		changed = false
		for _, b := range rpo {
			livein := newBits(e.numFI, true)
			preds := e.fn.Preds(b.ID)
			if len(preds) == 0 {
				livein = newBits(e.numFI, false)
			} else {
				for _, p := range preds {
					andBits(livein, liveExit[p])
				}
			}
			if !equalBits(liveEntry[b.ID], livein) {
				copy(liveEntry[b.ID], livein)
				changed = true
			}

			livefi := append([]bool(nil), livein...)
			for _, in := range b.Instrs {
				if fi, ok := e.isUncondLoad(in); ok {
					collected[in] = append([]bool(nil), livefi...)
					for n := range livefi {
						livefi[n] = false
					}
					livefi[e.normalizeFI(fi)] = true
				}
			}
			if !equalBits(liveExit[b.ID], livefi) {
				copy(liveExit[b.ID], livefi)
				changed = true
			}
		}
	}

	for in, livefi := range collected {
		fi, _ := e.isUncondLoad(in)
		if livefi[e.normalizeFI(fi)] {
			e.removables[in] = true
		}
	}
}

// findRedundantStores solves two backward problems at once: which slots are
// overwritten on every path before being read (subsequent stores), and which
// slots are read again at all (future loads). A store covered by a
// subsequent store, or never read again, can go.
func (e *eliminator) findRedundantStores() {
	subseqEntry := make(map[mir.BlockID][]bool)
	futureEntry := make(map[mir.BlockID][]bool)
	for _, b := range e.fn.Blocks {
		subseqEntry[b.ID] = make([]bool, e.numFI)
		futureEntry[b.ID] = make([]bool, e.numFI)
	}

	type storeState struct {
		future []bool
		subseq []bool
	}
	collected := make(map[*mir.Instr]storeState)

	var worklist []*mir.Block
	worklist = append(worklist, e.postorder()...)

	for len(worklist) > 0 {
		b := worklist[0]
		worklist = worklist[1:]

		subseq := newBits(e.numFI, true)
		future := newBits(e.numFI, false)
		if len(b.Succs) == 0 {
			subseq = newBits(e.numFI, false)
		} else {
			for _, s := range b.Succs {
				orBits(future, futureEntry[s])
				andBits(subseq, subseqEntry[s])
			}
		}

		for i := len(b.Instrs) - 1; i >= 0; i-- {
			in := b.Instrs[i]
			if fi, ok := e.isUncondLoad(in); ok {
				nfi := e.normalizeFI(fi)
				future[nfi] = true
				if !subseq[nfi] {
					for n := range subseq {
						subseq[n] = false
					}
				}
				continue
			}
			if fi, ok := e.isUncondStore(in); ok {
				collected[in] = storeState{
					future: append([]bool(nil), future...),
					subseq: append([]bool(nil), subseq...),
				}
				for n := range subseq {
					subseq[n] = false
				}
				subseq[e.normalizeFI(fi)] = true
			}
		}

		if !equalBits(futureEntry[b.ID], future) || !equalBits(subseqEntry[b.ID], subseq) {
			copy(futureEntry[b.ID], future)
			copy(subseqEntry[b.ID], subseq)
			for _, p := range e.fn.Preds(b.ID) {
				worklist = append(worklist, e.fn.Block(p))
			}
		}
	}

	for in, st := range collected {
		fi, _ := e.isUncondStore(in)
		nfi := e.normalizeFI(fi)
		if st.subseq[nfi] || !st.future[nfi] {
			e.removables[in] = true
		}
	}
}

func (e *eliminator) reversePostorder() []*mir.Block {
	po := e.postorder()
	for i, j := 0, len(po)-1; i < j; i, j = i+1, j-1 {
		po[i], po[j] = po[j], po[i]
	}
	return po
}

func (e *eliminator) postorder() []*mir.Block {
	var order []*mir.Block
	seen := make(map[mir.BlockID]bool)
	var visit func(id mir.BlockID)
	visit = func(id mir.BlockID) {
		if seen[id] {
			return
		}
		seen[id] = true
		b := e.fn.Block(id)
		for _, s := range b.Succs {
			visit(s)
		}
		order = append(order, b)
	}
	visit(e.fn.Entry)
	return order
}

func newBits(n int, set bool) []bool {
	b := make([]bool, n)
	if set {
		for i := range b {
			b[i] = true
		}
	}
	return b
}

func andBits(dst, src []bool) {
	for i := range dst {
		dst[i] = dst[i] && src[i]
	}
}

func orBits(dst, src []bool) {
	for i := range dst {
		dst[i] = dst[i] || src[i]
	}
}

func equalBits(a, b []bool) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
