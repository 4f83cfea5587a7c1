package scope

import "github.com/wcet-tools/spc/pkg/mir"

// Definition assigns a predicate on one outgoing edge of a block: when the
// block executes (its guard holds) and the edge condition holds, the
// predicate becomes true. A predicate merged from several edges carries one
// Definition per edge.
type Definition struct {
	Pred     int        // predicate being defined
	Guard    int        // guard predicate of the defining block
	Cond     mir.PredOp // branch condition selecting the edge
	CondKill bool       // condition register died at the original branch
}

// PredicatedBlock annotates a basic block with the predicates guarding its
// execution and the predicate definitions placed on its outgoing edges.
type PredicatedBlock struct {
	b *mir.Block

	// Preds are the block's guard predicates. A block normally has exactly
	// one; merging blocks during linearization can accumulate more.
	Preds []int

	// InstrPreds maps each instruction to the predicate guarding it.
	InstrPreds map[*mir.Instr]int

	// Defs are the predicate definitions this block performs.
	Defs []Definition
}

func newPredicatedBlock(b *mir.Block) *PredicatedBlock {
	return &PredicatedBlock{b: b, InstrPreds: make(map[*mir.Instr]int)}
}

// Block returns the underlying basic block.
func (pb *PredicatedBlock) Block() *mir.Block { return pb.b }

// HasPred reports whether p is one of the block's guard predicates.
func (pb *PredicatedBlock) HasPred(p int) bool {
	for _, q := range pb.Preds {
		if q == p {
			return true
		}
	}
	return false
}

// setGuard records p as the block's guard and assigns it to every current
// instruction.
func (pb *PredicatedBlock) setGuard(p int) {
	pb.Preds = []int{p}
	for _, in := range pb.b.Instrs {
		pb.InstrPreds[in] = p
	}
}

// ReplaceBlock points the annotation at a different basic block. Used when
// block merging moves instructions into a predecessor.
func (pb *PredicatedBlock) ReplaceBlock(b *mir.Block) { pb.b = b }

// absorb merges the annotation of other into pb after their underlying
// blocks have been combined.
func (pb *PredicatedBlock) absorb(other *PredicatedBlock) {
	for _, p := range other.Preds {
		if !pb.HasPred(p) {
			pb.Preds = append(pb.Preds, p)
		}
	}
	for in, p := range other.InstrPreds {
		pb.InstrPreds[in] = p
	}
	pb.Defs = append(pb.Defs, other.Defs...)
}
