package regalloc

import "fmt"

// LocType distinguishes the two kinds of predicate storage.
type LocType int

const (
	// Register is an index into the pool of predicate registers.
	Register LocType = iota
	// Stack is an index into the bit-packed predicate spill area.
	Stack
)

// Location is a storage location for a predicate value: a predicate register
// or a spill bit on the stack. Indices start at 0 for both kinds.
type Location struct {
	Type LocType
	Idx  int
}

// IsRegister reports whether the location is a predicate register.
func (l Location) IsRegister() bool { return l.Type == Register }

// IsStack reports whether the location is a stack spill bit.
func (l Location) IsStack() bool { return l.Type == Stack }

func (l Location) String() string {
	if l.Type == Register {
		return fmt.Sprintf("reg%d", l.Idx)
	}
	return fmt.Sprintf("stack%d", l.Idx)
}

// freeLocs is the pool of retired locations, handing out registers before
// stack slots, lowest index first.
type freeLocs struct {
	regs  []int
	stack []int
}

func (f *freeLocs) put(l Location) {
	if l.Type == Register {
		f.regs = insertSorted(f.regs, l.Idx)
	} else {
		f.stack = insertSorted(f.stack, l.Idx)
	}
}

func (f *freeLocs) take() (Location, bool) {
	if len(f.regs) > 0 {
		idx := f.regs[0]
		f.regs = f.regs[1:]
		return Location{Register, idx}, true
	}
	if len(f.stack) > 0 {
		idx := f.stack[0]
		f.stack = f.stack[1:]
		return Location{Stack, idx}, true
	}
	return Location{}, false
}

func (f *freeLocs) hasRegister() bool { return len(f.regs) > 0 }

func insertSorted(s []int, v int) []int {
	n := 0
	for n < len(s) && s[n] < v {
		n++
	}
	s = append(s, 0)
	copy(s[n+1:], s[n:])
	s[n] = v
	return s
}
