// Package prepare reserves the stack objects single-path conversion needs:
// a loop counter slot per nesting level, a save slot for the predicate
// register file per level that encloses further loops, a bit-packed area for
// spilled predicates, and a save slot for the return-address register when
// the function makes calls.
package prepare

import (
	"github.com/wcet-tools/spc/pkg/mir"
	"github.com/wcet-tools/spc/pkg/scope"
)

const wordSize = 4

// Slots holds the frame indices reserved for a function.
type Slots struct {
	// loopCntFI[d-1] is the counter slot for loops at nesting depth d. The
	// top level iterates once and needs none.
	loopCntFI []int

	// s0SpillFI[d-1] is the byte slot saving the predicate register file
	// when a scope at depth d performs a scope spill.
	s0SpillFI []int

	// excessFI are the word slots of the packed predicate spill area.
	excessFI []int

	// callSpillFI saves the return-address register around calls, -1 when
	// the function makes none.
	callSpillFI int

	// firstFI and numFI delimit the contiguous frame-index range of all
	// slots created here; dataflow over spill traffic indexes into it.
	firstFI int
	numFI   int
}

// Prepare allocates the stack objects for fn given its scope tree and the
// number of allocatable predicate registers.
func Prepare(fn *mir.Function, root *scope.Scope, availRegs int) *Slots {
	// Maximum predicate demand per nesting depth.
	var requiredPreds []int
	var walk func(*scope.Scope)
	walk = func(s *scope.Scope) {
		n := s.NumPredicates()
		if s.Depth >= len(requiredPreds) {
			requiredPreds = append(requiredPreds, n)
		} else if requiredPreds[s.Depth] < n {
			requiredPreds[s.Depth] = n
		}
		for _, c := range s.Children {
			walk(c)
		}
	}
	walk(root)

	sl := &Slots{callSpillFI: -1}
	create := func(size, align int) int {
		fi := fn.CreateFrameObj(size, align)
		if sl.numFI == 0 {
			sl.firstFI = fi
		}
		sl.numFI++
		return fi
	}

	// One loop counter per nesting level below the top.
	for i := 0; i < len(requiredPreds)-1; i++ {
		sl.loopCntFI = append(sl.loopCntFI, create(wordSize, wordSize))
	}
	// One predicate-file save byte per level that contains further loops.
	for i := 0; i < len(requiredPreds)-1; i++ {
		sl.s0SpillFI = append(sl.s0SpillFI, create(1, 1))
	}

	// Spill bits: levels needing more predicates than there are registers
	// spill the excess, plus one temporary bit per such level for location
	// exchanges.
	bits := 0
	for _, n := range requiredPreds {
		if cnt := n - availRegs; cnt > 0 {
			bits += cnt + 1
		}
	}
	for j := 0; j <= (bits+31)/(8*wordSize); j++ {
		sl.excessFI = append(sl.excessFI, create(wordSize, wordSize))
	}

	if fn.MakesCalls {
		sl.callSpillFI = create(wordSize, wordSize)
	}
	return sl
}

// FirstFI returns the first frame index reserved by Prepare.
func (sl *Slots) FirstFI() int { return sl.firstFI }

// NumFI returns how many frame indices Prepare reserved.
func (sl *Slots) NumFI() int { return sl.numFI }

// CounterFI returns the loop counter slot for a scope at the given depth.
func (sl *Slots) CounterFI(depth int) int { return sl.loopCntFI[depth-1] }

// S0FI returns the predicate-file save slot for a scope at the given depth.
func (sl *Slots) S0FI(depth int) int { return sl.s0SpillFI[depth-1] }

// ExcessLoc maps a predicate spill bit to its word slot and bit position.
func (sl *Slots) ExcessLoc(loc int) (fi, bit int) {
	return sl.excessFI[loc/(8*wordSize)], loc % (8 * wordSize)
}

// CallSpillFI returns the return-address save slot, or -1 when the function
// makes no calls.
func (sl *Slots) CallSpillFI() int { return sl.callSpillFI }
