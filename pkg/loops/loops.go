// Package loops computes dominators and the natural-loop nest of a machine
// function. Single-path conversion requires the graph to be reducible and
// every loop header to carry a static iteration bound; both conditions are
// checked here.
package loops

import (
	"fmt"

	"github.com/wcet-tools/spc/pkg/mir"
)

// Loop is one natural loop: a header, the set of member blocks (including
// the bodies of nested loops), and its position in the nest.
type Loop struct {
	Header   mir.BlockID
	Parent   *Loop
	Children []*Loop
	Blocks   map[mir.BlockID]bool
	Depth    int

	// Bound is the inclusive upper iteration count from the header block's
	// annotation, or -1 when the header carries none.
	Bound int
}

// Contains reports whether the block belongs to the loop body.
func (l *Loop) Contains(id mir.BlockID) bool { return l.Blocks[id] }

// Info is the result of loop analysis for one function.
type Info struct {
	fn    *mir.Function
	idom  map[mir.BlockID]mir.BlockID
	loops []*Loop
	// innermost loop per block; absent means the block is loop-free
	loopOf map[mir.BlockID]*Loop
}

// Loops returns all loops, outermost first.
func (i *Info) Loops() []*Loop { return i.loops }

// LoopOf returns the innermost loop containing the block, or nil.
func (i *Info) LoopOf(id mir.BlockID) *Loop { return i.loopOf[id] }

// Dominates reports whether block a dominates block b.
func (i *Info) Dominates(a, b mir.BlockID) bool {
	for {
		if a == b {
			return true
		}
		idom, ok := i.idom[b]
		if !ok || idom == b {
			return false
		}
		b = idom
	}
}

// IrreducibleError reports a retreating edge whose target does not dominate
// its source. Single-path conversion is undefined on irreducible graphs.
type IrreducibleError struct {
	From, To mir.BlockID
}

func (e *IrreducibleError) Error() string {
	return fmt.Sprintf("loops: irreducible control flow, edge B%d->B%d", e.From, e.To)
}

// Analyze computes the loop nest of fn.
func Analyze(fn *mir.Function) (*Info, error) {
	info := &Info{
		fn:     fn,
		idom:   make(map[mir.BlockID]mir.BlockID),
		loopOf: make(map[mir.BlockID]*Loop),
	}
	rpo := reversePostorder(fn)
	info.computeDominators(rpo)
	if err := info.findLoops(rpo); err != nil {
		return nil, err
	}
	return info, nil
}

// reversePostorder returns the blocks reachable from entry in reverse
// postorder.
func reversePostorder(fn *mir.Function) []mir.BlockID {
	visited := make(map[mir.BlockID]bool)
	var post []mir.BlockID

	var dfs func(id mir.BlockID)
	dfs = func(id mir.BlockID) {
		if visited[id] {
			return
		}
		visited[id] = true
		b := fn.Block(id)
		if b == nil {
			return
		}
		for _, s := range b.Succs {
			dfs(s)
		}
		post = append(post, id)
	}
	dfs(fn.Entry)

	rpo := make([]mir.BlockID, len(post))
	for n, id := range post {
		rpo[len(post)-1-n] = id
	}
	return rpo
}

// computeDominators runs the iterative two-finger algorithm over the
// reverse postorder until a fixed point.
func (i *Info) computeDominators(rpo []mir.BlockID) {
	index := make(map[mir.BlockID]int, len(rpo))
	for n, id := range rpo {
		index[id] = n
	}
	i.idom[i.fn.Entry] = i.fn.Entry

	intersect := func(a, b mir.BlockID) mir.BlockID {
		for a != b {
			for index[a] > index[b] {
				a = i.idom[a]
			}
			for index[b] > index[a] {
				b = i.idom[b]
			}
		}
		return a
	}

	changed := true
	for changed {
		changed = false
		for _, id := range rpo {
			if id == i.fn.Entry {
				continue
			}
			var newIdom mir.BlockID
			seen := false
			for _, p := range i.fn.Preds(id) {
				if _, ok := i.idom[p]; !ok {
					continue
				}
				if !seen {
					newIdom = p
					seen = true
				} else {
					newIdom = intersect(newIdom, p)
				}
			}
			if !seen {
				continue
			}
			if cur, ok := i.idom[id]; !ok || cur != newIdom {
				i.idom[id] = newIdom
				changed = true
			}
		}
	}
}

// findLoops identifies back edges, collects loop bodies, and builds the
// nesting relation.
func (i *Info) findLoops(rpo []mir.BlockID) error {
	// header -> loop, preserving discovery order
	byHeader := make(map[mir.BlockID]*Loop)
	var order []mir.BlockID

	index := make(map[mir.BlockID]int, len(rpo))
	for n, id := range rpo {
		index[id] = n
	}

	for _, id := range rpo {
		b := i.fn.Block(id)
		for _, s := range b.Succs {
			if index[s] > index[id] {
				continue // forward edge
			}
			// retreating edge
			if !i.Dominates(s, id) {
				return &IrreducibleError{From: id, To: s}
			}
			l, ok := byHeader[s]
			if !ok {
				l = &Loop{
					Header: s,
					Blocks: map[mir.BlockID]bool{s: true},
					Bound:  i.fn.Block(s).Bound,
				}
				byHeader[s] = l
				order = append(order, s)
			}
			i.collectBody(l, id)
		}
	}

	// Nesting: a loop is nested in another when its header belongs to the
	// other's body. Among candidates the smallest body is the parent.
	for _, h := range order {
		l := byHeader[h]
		var parent *Loop
		for _, h2 := range order {
			if h2 == h {
				continue
			}
			o := byHeader[h2]
			if o.Contains(l.Header) && (parent == nil || len(o.Blocks) < len(parent.Blocks)) {
				parent = o
			}
		}
		l.Parent = parent
		if parent != nil {
			parent.Children = append(parent.Children, l)
		}
	}
	for _, h := range order {
		l := byHeader[h]
		for p := l.Parent; p != nil; p = p.Parent {
			l.Depth++
		}
		i.loops = append(i.loops, l)
	}

	// Innermost loop per block.
	for _, l := range i.loops {
		for id := range l.Blocks {
			cur := i.loopOf[id]
			if cur == nil || l.Depth > cur.Depth {
				i.loopOf[id] = l
			}
		}
	}
	return nil
}

// collectBody walks predecessors backward from a latch until the header,
// adding every block on the way to the loop.
func (i *Info) collectBody(l *Loop, latch mir.BlockID) {
	work := []mir.BlockID{latch}
	for len(work) > 0 {
		id := work[len(work)-1]
		work = work[:len(work)-1]
		if l.Blocks[id] {
			continue
		}
		l.Blocks[id] = true
		for _, p := range i.fn.Preds(id) {
			work = append(work, p)
		}
	}
}
