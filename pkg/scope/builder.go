package scope

import (
	"fmt"
	"sort"

	"github.com/wcet-tools/spc/pkg/loops"
	"github.com/wcet-tools/spc/pkg/mir"
)

// BoundError reports a loop whose header carries no static iteration bound.
// Single-path conversion cannot proceed without one.
type BoundError struct {
	Header mir.BlockID
}

func (e *BoundError) Error() string {
	return fmt.Sprintf("scope: loop headed by B%d has no static loop bound", e.Header)
}

// fnode is a node of a scope's forward CFG: a member block, or a nested
// scope collapsed to a single node (represented by its header).
type fnode struct {
	pb    *PredicatedBlock
	child *Scope // non-nil when the node stands for a whole nested scope
	outs  []*fedge
}

// fedge is a forward-CFG edge. to == nil is the virtual exit. src is the
// block whose branch realizes the edge; for a collapsed node it lies inside
// the nested scope.
type fedge struct {
	from, to *fnode
	src      *PredicatedBlock
	cond     mir.PredOp
	kill     bool
	target   *PredicatedBlock // concrete CFG target, nil for back edges
}

// fcfg is the per-scope forward CFG kept between builder passes.
type fcfg struct {
	nodes []*fnode // topological order, header first
	edges []*fedge // all edges including those to the virtual exit
}

// scopeExit is a concrete edge leaving a loop's body.
type scopeExit struct {
	src    *PredicatedBlock
	cond   mir.PredOp
	kill   bool
	target mir.BlockID
}

type builder struct {
	fn       *mir.Function
	li       *loops.Info
	pbs      map[mir.BlockID]*PredicatedBlock
	topScope *Scope
	byLoop   map[*loops.Loop]*Scope
	loopFor  map[*Scope]*loops.Loop
	exits    map[*Scope][]scopeExit
	fcfgs    map[*Scope]*fcfg
	classes  map[*Scope]map[int][]*fedge // owned predicate -> defining edges
	nextPred int
}

// BuildTree constructs the scope tree of fn from its loop nest, assigning
// guard predicates and edge definitions to every block.
func BuildTree(fn *mir.Function, li *loops.Info) (*Scope, error) {
	b := &builder{
		fn:      fn,
		li:      li,
		pbs:     make(map[mir.BlockID]*PredicatedBlock),
		byLoop:  make(map[*loops.Loop]*Scope),
		loopFor: make(map[*Scope]*loops.Loop),
		exits:   make(map[*Scope][]scopeExit),
		fcfgs:   make(map[*Scope]*fcfg),
		classes: make(map[*Scope]map[int][]*fedge),
	}
	for _, blk := range fn.Blocks {
		b.pbs[blk.ID] = newPredicatedBlock(blk)
	}

	top, err := b.buildHierarchy()
	if err != nil {
		return nil, err
	}
	b.collectExits()

	// Forward CFGs and block lists bottom-up: a scope's list embeds the
	// subheaders of its children.
	var bottomUp func(*Scope)
	bottomUp = func(s *Scope) {
		for _, c := range s.Children {
			bottomUp(c)
		}
		b.buildFcfg(s)
	}
	bottomUp(top)

	// Predicate assignment top-down: a child's header predicate is issued
	// while processing the parent.
	top.HeaderPred = b.allocPred()
	var topDown func(*Scope)
	topDown = func(s *Scope) {
		b.assignPredicates(s)
		for _, c := range s.Children {
			topDown(c)
		}
	}
	topDown(top)

	// Definitions last: a definition's guard may belong to a scope deeper
	// than the one owning the defined predicate, so every guard must be
	// assigned first.
	var defs func(*Scope)
	defs = func(s *Scope) {
		b.attachDefinitions(s)
		for _, c := range s.Children {
			defs(c)
		}
	}
	defs(top)

	return top, nil
}

func (b *builder) allocPred() int {
	p := b.nextPred
	b.nextPred++
	return p
}

// buildHierarchy creates one scope per loop plus the top level and checks
// loop bounds.
func (b *builder) buildHierarchy() (*Scope, error) {
	top := &Scope{
		Bound:      -1,
		header:     b.pbs[b.fn.Entry],
		subheaders: make(map[*PredicatedBlock]bool),
	}
	b.topScope = top
	for _, l := range b.li.Loops() {
		if l.Bound < 0 {
			return nil, &BoundError{Header: l.Header}
		}
		s := &Scope{
			Depth:      l.Depth + 1,
			Bound:      l.Bound,
			header:     b.pbs[l.Header],
			subheaders: make(map[*PredicatedBlock]bool),
		}
		b.byLoop[l] = s
		b.loopFor[s] = l
	}
	for _, l := range b.li.Loops() {
		s := b.byLoop[l]
		if l.Parent != nil {
			s.Parent = b.byLoop[l.Parent]
		} else {
			s.Parent = top
		}
		s.Parent.Children = append(s.Parent.Children, s)
	}
	return top, nil
}

// scopeOf returns the scope owning the block as a member.
func (b *builder) scopeOf(id mir.BlockID) *Scope {
	if l := b.li.LoopOf(id); l != nil {
		return b.byLoop[l]
	}
	return b.topScope
}

// edgeCond returns the branch condition selecting the edge from blk to succ.
func edgeCond(blk *mir.Block, succ mir.BlockID) (mir.PredOp, bool) {
	term := blk.Terminator()
	if term == nil || term.Op != mir.Br || len(blk.Succs) < 2 {
		return mir.AlwaysTrue, false
	}
	cond := term.Guard
	if succ != term.Target {
		cond.Neg = !cond.Neg
	}
	return cond, term.KillsReg(term.Guard.Reg)
}

// collectExits records, per loop scope, every concrete edge leaving its
// body, and the blocks those edges reach.
func (b *builder) collectExits() {
	for _, blk := range b.fn.Blocks {
		for _, succ := range blk.Succs {
			cond, kill := edgeCond(blk, succ)
			for l := b.li.LoopOf(blk.ID); l != nil; l = l.Parent {
				if succ == l.Header || l.Contains(succ) {
					break
				}
				s := b.byLoop[l]
				b.exits[s] = append(b.exits[s], scopeExit{
					src:    b.pbs[blk.ID],
					cond:   cond,
					kill:   kill,
					target: succ,
				})
			}
		}
	}
	for s, exits := range b.exits {
		seen := make(map[*PredicatedBlock]bool)
		for _, e := range exits {
			t := b.pbs[e.target]
			if !seen[t] {
				seen[t] = true
				s.exitTargets = append(s.exitTargets, t)
			}
		}
	}
}

// buildFcfg constructs the scope's forward CFG, with nested scopes collapsed
// to single nodes, and fills the scope's block list in topological order.
// Children must already have their lists built.
func (b *builder) buildFcfg(s *Scope) {
	l := b.loopFor[s]
	cfg := &fcfg{}
	b.fcfgs[s] = cfg

	memberNode := make(map[*PredicatedBlock]*fnode)
	childNode := make(map[*Scope]*fnode)
	var nodes []*fnode
	for _, blk := range b.fn.Blocks {
		if b.scopeOf(blk.ID) != s {
			continue
		}
		nd := &fnode{pb: b.pbs[blk.ID]}
		memberNode[nd.pb] = nd
		nodes = append(nodes, nd)
	}
	for _, c := range s.Children {
		nd := &fnode{pb: c.header, child: c}
		childNode[c] = nd
		nodes = append(nodes, nd)
	}

	inScope := func(id mir.BlockID) bool {
		return l == nil || l.Contains(id)
	}
	// resolve maps a CFG target inside the scope to its node: the member
	// itself, or the collapsed node of the child subtree containing it.
	resolve := func(id mir.BlockID) *fnode {
		owner := b.scopeOf(id)
		if owner == s {
			return memberNode[b.pbs[id]]
		}
		for owner.Parent != s {
			owner = owner.Parent
		}
		return childNode[owner]
	}
	addEdge := func(from, to *fnode, src *PredicatedBlock, cond mir.PredOp, kill bool, target *PredicatedBlock) {
		e := &fedge{from: from, to: to, src: src, cond: cond, kill: kill, target: target}
		from.outs = append(from.outs, e)
		cfg.edges = append(cfg.edges, e)
	}

	for _, nd := range nodes {
		if nd.child != nil {
			for _, ex := range b.exits[nd.child] {
				switch {
				case l != nil && ex.target == l.Header:
					addEdge(nd, nil, ex.src, ex.cond, ex.kill, nil)
				case !inScope(ex.target):
					addEdge(nd, nil, ex.src, ex.cond, ex.kill, b.pbs[ex.target])
				default:
					addEdge(nd, resolve(ex.target), ex.src, ex.cond, ex.kill, b.pbs[ex.target])
				}
			}
			continue
		}
		blk := nd.pb.b
		for _, succ := range blk.Succs {
			cond, kill := edgeCond(blk, succ)
			switch {
			case l != nil && succ == l.Header:
				addEdge(nd, nil, nd.pb, cond, kill, nil)
			case !inScope(succ):
				addEdge(nd, nil, nd.pb, cond, kill, b.pbs[succ])
			default:
				addEdge(nd, resolve(succ), nd.pb, cond, kill, b.pbs[succ])
			}
		}
	}
	// Nodes without outgoing edges (return blocks) flow to the virtual exit.
	for _, nd := range nodes {
		if len(nd.outs) == 0 {
			addEdge(nd, nil, nd.pb, mir.AlwaysTrue, false, nil)
		}
	}

	// Topological order by reverse postorder from the header. The forward
	// CFG is acyclic: back edges were redirected to the virtual exit.
	seen := make(map[*fnode]bool)
	var post []*fnode
	var dfs func(*fnode)
	dfs = func(nd *fnode) {
		seen[nd] = true
		for _, e := range nd.outs {
			if e.to != nil && !seen[e.to] {
				dfs(e.to)
			}
		}
		post = append(post, nd)
	}
	dfs(memberNode[s.header])
	for n := len(post) - 1; n >= 0; n-- {
		cfg.nodes = append(cfg.nodes, post[n])
	}

	// Block list: members in order; a collapsed child contributes its header
	// and its exit-defining blocks as subheaders.
	for _, nd := range cfg.nodes {
		if nd.child == nil {
			s.blocks = append(s.blocks, nd.pb)
			continue
		}
		c := nd.child
		s.blocks = append(s.blocks, c.header)
		s.subheaders[c.header] = true
		exitSrc := make(map[*PredicatedBlock]bool)
		for _, ex := range b.exits[c] {
			exitSrc[ex.src] = true
		}
		for _, pb := range c.blocks {
			if pb != c.header && exitSrc[pb] {
				s.blocks = append(s.blocks, pb)
				s.subheaders[pb] = true
			}
		}
	}
}

// assignPredicates groups the scope's forward-CFG nodes into equivalence
// classes by control dependence and gives each class a predicate. Nodes
// depending on no edge share the scope's header predicate.
func (b *builder) assignPredicates(s *Scope) {
	cfg := b.fcfgs[s]
	n := len(cfg.nodes)
	exit := n
	idx := make(map[*fnode]int, n)
	for i, nd := range cfg.nodes {
		idx[nd] = i
	}
	edgeEnds := func(e *fedge) (int, int) {
		v := exit
		if e.to != nil {
			v = idx[e.to]
		}
		return idx[e.from], v
	}

	// Immediate postdominators over nodes plus the virtual exit, via the
	// iterative two-finger scheme on the reversed graph.
	radj := make([][]int, n+1)
	for _, e := range cfg.edges {
		u, v := edgeEnds(e)
		radj[v] = append(radj[v], u)
	}
	seen := make([]bool, n+1)
	var post []int
	var dfs func(int)
	dfs = func(u int) {
		seen[u] = true
		for _, v := range radj[u] {
			if !seen[v] {
				dfs(v)
			}
		}
		post = append(post, u)
	}
	dfs(exit)
	ord := make([]int, n+1)
	for i, u := range post {
		ord[u] = i
	}
	fsucc := make([][]int, n+1)
	for _, e := range cfg.edges {
		u, v := edgeEnds(e)
		fsucc[u] = append(fsucc[u], v)
	}
	ipdom := make([]int, n+1)
	for i := range ipdom {
		ipdom[i] = -1
	}
	ipdom[exit] = exit
	intersect := func(a, c int) int {
		for a != c {
			for ord[a] < ord[c] {
				a = ipdom[a]
			}
			for ord[c] < ord[a] {
				c = ipdom[c]
			}
		}
		return a
	}
	for changed := true; changed; {
		changed = false
		for i := len(post) - 1; i >= 0; i-- {
			u := post[i]
			if u == exit {
				continue
			}
			newIdom := -1
			for _, v := range fsucc[u] {
				if ipdom[v] == -1 {
					continue
				}
				if newIdom == -1 {
					newIdom = v
				} else {
					newIdom = intersect(newIdom, v)
				}
			}
			if newIdom != -1 && ipdom[u] != newIdom {
				ipdom[u] = newIdom
				changed = true
			}
		}
	}

	// Control dependence: a node depends on edge (u,v) when it postdominates
	// v but not u, i.e. lies on the postdominator path from v up to,
	// exclusively, ipdom(u).
	cd := make([][]int, n+1)
	for ei, e := range cfg.edges {
		u, v := edgeEnds(e)
		stop := ipdom[u]
		for w := v; w != stop; {
			cd[w] = append(cd[w], ei)
			next := ipdom[w]
			if next == w {
				break
			}
			w = next
		}
	}

	// Same dependence set, same predicate. The per-node sets are appended in
	// edge order, so equal sets render identically.
	byClass := make(map[string]int)
	for i, nd := range cfg.nodes {
		var p int
		if len(cd[i]) == 0 {
			p = s.HeaderPred
		} else {
			sig := fmt.Sprint(cd[i])
			id, ok := byClass[sig]
			if !ok {
				id = b.allocPred()
				byClass[sig] = id
				s.Preds = append(s.Preds, id)
				edges := make([]*fedge, len(cd[i]))
				for k, ei := range cd[i] {
					edges[k] = cfg.edges[ei]
				}
				if b.classes[s] == nil {
					b.classes[s] = make(map[int][]*fedge)
				}
				b.classes[s][id] = edges
			}
			p = id
		}
		if nd.child != nil {
			nd.child.HeaderPred = p
		} else {
			nd.pb.setGuard(p)
		}
	}
}

// attachDefinitions turns each owned predicate's defining edges into
// Definitions on the source blocks.
func (b *builder) attachDefinitions(s *Scope) {
	ids := make([]int, 0, len(b.classes[s]))
	for id := range b.classes[s] {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		for _, e := range b.classes[s][id] {
			e.src.Defs = append(e.src.Defs, Definition{
				Pred:     id,
				Guard:    e.src.Preds[0],
				Cond:     e.cond,
				CondKill: e.kill,
			})
		}
	}
}
