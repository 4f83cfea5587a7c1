// Package scope builds the scope tree of a function: one scope for the
// function body and one per natural loop. Each scope owns the blocks whose
// innermost enclosing loop it represents, ordered topologically, and knows
// which predicates guard them. Blocks of nested scopes that hand values to
// an ancestor (loop headers receiving their initial predicate, exit blocks
// defining post-loop predicates) appear in the ancestor's block list as
// subheaders.
package scope

import (
	"fmt"
	"io"
	"strings"

	"github.com/wcet-tools/spc/pkg/mir"
)

// Scope is a single-entry region: the whole function (depth 0) or a loop.
type Scope struct {
	Parent   *Scope
	Children []*Scope

	// Depth is the nesting level; 0 is the function body.
	Depth int

	// Bound is the loop's inclusive iteration bound; -1 for the top level.
	Bound int

	// HeaderPred is the predicate guarding the scope's header block. For
	// the top-level scope of a single-path root it is the constant-true
	// predicate 0 and needs no storage.
	HeaderPred int

	// Preds lists the predicates owned by this scope, i.e. defined on
	// edges of this scope's forward CFG.
	Preds []int

	header *PredicatedBlock
	// blocks in topological order: own members plus subheaders of nested
	// scopes (their headers and ancestor-predicate-defining exit blocks).
	blocks     []*PredicatedBlock
	subheaders map[*PredicatedBlock]bool

	// exitTargets are the blocks control reaches when the loop exits.
	exitTargets []*PredicatedBlock
}

// Header returns the scope's header block annotation.
func (s *Scope) Header() *PredicatedBlock { return s.header }

// Blocks returns the scope's blocks in topological order, including
// subheaders. The slice is owned by the scope.
func (s *Scope) Blocks() []*PredicatedBlock { return s.blocks }

// NumBlocks returns the number of positions in the scope's forward CFG.
func (s *Scope) NumBlocks() int { return len(s.blocks) }

// IsTopLevel reports whether the scope is the function body.
func (s *Scope) IsTopLevel() bool { return s.Parent == nil }

// IsRootTopLevel reports whether the scope is the top level of a
// single-path root function, whose header predicate is constant true.
func (s *Scope) IsRootTopLevel() bool { return s.IsTopLevel() }

// HasBound reports whether the scope carries a loop bound.
func (s *Scope) HasBound() bool { return s.Bound >= 0 }

// IsHeader reports whether pb is the scope's header.
func (s *Scope) IsHeader(pb *PredicatedBlock) bool { return pb == s.header }

// IsSubheader reports whether pb belongs to a nested scope but is visible
// in this scope's block list.
func (s *Scope) IsSubheader(pb *PredicatedBlock) bool { return s.subheaders[pb] }

// Owns reports whether the scope owns predicate p: it is defined here or is
// the scope's header predicate.
func (s *Scope) Owns(p int) bool {
	if p == s.HeaderPred {
		return true
	}
	for _, q := range s.Preds {
		if q == p {
			return true
		}
	}
	return false
}

// AllPredicates returns the predicates owned by the scope including the
// header predicate.
func (s *Scope) AllPredicates() []int {
	out := []int{s.HeaderPred}
	for _, p := range s.Preds {
		if p != s.HeaderPred {
			out = append(out, p)
		}
	}
	return out
}

// NumPredicates returns the number of predicates the scope needs locations
// for.
func (s *Scope) NumPredicates() int { return len(s.AllPredicates()) }

// ExitTargets returns the blocks succeeding the loop.
func (s *Scope) ExitTargets() []*PredicatedBlock { return s.exitTargets }

// FindScopeOf returns the innermost scope in this subtree having pb as a
// member (not merely as a subheader), or nil.
func (s *Scope) FindScopeOf(pb *PredicatedBlock) *Scope {
	for _, c := range s.Children {
		if found := c.FindScopeOf(pb); found != nil {
			return found
		}
	}
	for _, b := range s.blocks {
		if b == pb && !s.subheaders[pb] {
			return s
		}
	}
	return nil
}

// FindBlockOf returns the annotation of the given basic block anywhere in
// the subtree, or nil.
func (s *Scope) FindBlockOf(b *mir.Block) *PredicatedBlock {
	for _, pb := range s.blocks {
		if pb.b == b && !s.subheaders[pb] {
			return pb
		}
	}
	for _, c := range s.Children {
		if found := c.FindBlockOf(b); found != nil {
			return found
		}
	}
	return nil
}

// Merge combines the bookkeeping of two blocks after merged's instructions
// were moved into base's underlying block. merged disappears from every
// block list in the subtree.
func (s *Scope) Merge(base, merged *PredicatedBlock) {
	base.absorb(merged)
	s.removeBlock(merged)
}

func (s *Scope) removeBlock(pb *PredicatedBlock) {
	for n, b := range s.blocks {
		if b == pb {
			s.blocks = append(s.blocks[:n], s.blocks[n+1:]...)
			break
		}
	}
	delete(s.subheaders, pb)
	for _, c := range s.Children {
		c.removeBlock(pb)
	}
}

// Dump writes the scope tree for diagnostics.
func (s *Scope) Dump(w io.Writer, indent int) {
	pad := strings.Repeat(" ", indent)
	bound := "-"
	if s.HasBound() {
		bound = fmt.Sprintf("%d", s.Bound)
	}
	fmt.Fprintf(w, "%sscope [B%d] depth=%d bound=%s headerPred=p%d preds=%v\n",
		pad, s.header.b.ID, s.Depth, bound, s.HeaderPred, s.Preds)
	for _, pb := range s.blocks {
		mark := ""
		if s.IsSubheader(pb) {
			mark = " (sub)"
		}
		fmt.Fprintf(w, "%s  B%d%s guards=%v defs=%d\n",
			pad, pb.b.ID, mark, pb.Preds, len(pb.Defs))
	}
	for _, c := range s.Children {
		c.Dump(w, indent+2)
	}
}
