package scope

// Visitor receives the scope tree in execution order: a scope is entered,
// its blocks visited in topological order with nested scopes expanded in
// place of their headers, and exited after its last block.
type Visitor interface {
	EnterScope(s *Scope)
	VisitBlock(pb *PredicatedBlock, s *Scope)
	ExitScope(s *Scope)
}

// Walk traverses the tree rooted at top. When a scope's block list reaches
// the header of a nested scope, the walk descends into that scope; the
// subheader entries duplicating nested blocks are skipped at the outer
// level since the nested scope visits them itself.
func Walk(top *Scope, v Visitor) {
	walkScope(top, v)
}

func walkScope(s *Scope, v Visitor) {
	v.EnterScope(s)
	for _, pb := range s.Blocks() {
		if !s.IsSubheader(pb) {
			v.VisitBlock(pb, s)
			continue
		}
		for _, c := range s.Children {
			if c.Header() == pb {
				walkScope(c, v)
			}
		}
	}
	v.ExitScope(s)
}
