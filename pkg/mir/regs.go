package mir

import "fmt"

// Reg identifies a physical register of the target.
// The predicate registers P0-P7 hold single booleans; P0 is hardwired to
// true and is never allocatable. S0 is the special register mirroring the
// whole predicate file as a bit pattern. R0 reads as zero.
type Reg int

const (
	NoReg Reg = iota

	// Predicate registers.
	P0
	P1
	P2
	P3
	P4
	P5
	P6
	P7

	// General-purpose registers.
	R0
	R1
	R2
	R3
	R4
	R5
	R6
	R7
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
	R16
	R17
	R18
	R19
	R20
	R21
	R22
	R23
	R24
	R25
	R26
	R27
	R28
	R29
	R30
	R31

	// Special registers.
	S0
)

// NumPredRegs is the size of the predicate register file, including P0.
const NumPredRegs = 8

// ScratchReg is the general-purpose register reserved for predicate spill
// traffic and loop counters. It must not appear in input code.
const ScratchReg = R26

// CallerTempReg is caller-saved and gets clobbered during call setup, so it
// is saved across calls in converted code.
const CallerTempReg = R9

// IsPred reports whether r is a predicate register.
func (r Reg) IsPred() bool { return r >= P0 && r <= P7 }

// IsGPR reports whether r is a general-purpose register.
func (r Reg) IsGPR() bool { return r >= R0 && r <= R31 }

// PredIndex returns the index of a predicate register within the predicate
// file (P0 = 0). This is also its bit position within S0.
func (r Reg) PredIndex() int {
	if !r.IsPred() {
		panic(fmt.Sprintf("mir: PredIndex of non-predicate register %v", r))
	}
	return int(r - P0)
}

// PredReg returns the predicate register with the given file index.
func PredReg(idx int) Reg {
	if idx < 0 || idx >= NumPredRegs {
		panic(fmt.Sprintf("mir: predicate index %d out of range", idx))
	}
	return P0 + Reg(idx)
}

func (r Reg) String() string {
	switch {
	case r == NoReg:
		return "none"
	case r.IsPred():
		return fmt.Sprintf("p%d", r-P0)
	case r.IsGPR():
		return fmt.Sprintf("r%d", r-R0)
	case r == S0:
		return "s0"
	}
	return fmt.Sprintf("reg(%d)", int(r))
}

// ParseReg converts a register name such as "p1", "r26" or "s0".
func ParseReg(name string) (Reg, error) {
	if name == "" || name == "none" {
		return NoReg, nil
	}
	if name == "s0" {
		return S0, nil
	}
	var idx int
	switch name[0] {
	case 'p':
		if _, err := fmt.Sscanf(name, "p%d", &idx); err == nil && idx >= 0 && idx < NumPredRegs {
			return P0 + Reg(idx), nil
		}
	case 'r':
		if _, err := fmt.Sscanf(name, "r%d", &idx); err == nil && idx >= 0 && idx <= 31 {
			return R0 + Reg(idx), nil
		}
	}
	return NoReg, fmt.Errorf("mir: unknown register %q", name)
}
