package regalloc

import "strings"

// liveRange records, per position in a scope's topological block order,
// where a predicate is used and where it is defined. There is one position
// more than there are blocks; the extra final position models the use of a
// loop header predicate by the next iteration.
type liveRange struct {
	uses []bool
	defs []bool
}

func newLiveRange(numBlocks int) *liveRange {
	return &liveRange{
		uses: make([]bool, numBlocks+1),
		defs: make([]bool, numBlocks+1),
	}
}

func (lr *liveRange) addUse(pos int) { lr.uses[pos] = true }
func (lr *liveRange) addDef(pos int) { lr.defs[pos] = true }

// lastUse reports whether pos is the final use position.
func (lr *liveRange) lastUse(pos int) bool {
	for i := pos + 1; i < len(lr.uses); i++ {
		if lr.uses[i] {
			return false
		}
	}
	return true
}

// hasDefBefore reports whether the predicate is defined strictly before pos.
func (lr *liveRange) hasDefBefore(pos int) bool {
	for i := 0; i < pos; i++ {
		if lr.defs[i] {
			return true
		}
	}
	return false
}

// anyUseBefore reports whether the predicate is used at or before pos.
func (lr *liveRange) anyUseBefore(pos int) bool {
	for i := 0; i <= pos; i++ {
		if lr.uses[i] {
			return true
		}
	}
	return false
}

// hasNextUseBefore reports whether, scanning from pos, this range is used
// strictly before other is.
func (lr *liveRange) hasNextUseBefore(pos int, other *liveRange) bool {
	for i := pos; i < len(lr.uses); i++ {
		if other.uses[i] {
			return false
		}
		if lr.uses[i] {
			return true
		}
	}
	return false
}

func (lr *liveRange) String() string {
	kind := []byte{'-', 'u', 'd', 'x'}
	var sb strings.Builder
	for i := range lr.uses {
		x := 0
		if lr.uses[i] {
			x++
		}
		if lr.defs[i] {
			x += 2
		}
		sb.WriteByte(kind[x])
	}
	return sb.String()
}
