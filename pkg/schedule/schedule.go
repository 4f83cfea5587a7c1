// Package schedule pads converted code with latency nops so the emitted
// trace has an input-independent length: control transfers take three delay
// slots, loads and multiplies one.
package schedule

import "github.com/wcet-tools/spc/pkg/mir"

func latency(op mir.Opcode) int {
	switch op {
	case mir.Br, mir.Jmp, mir.Call, mir.Ret:
		return 3
	case mir.Load, mir.Mul:
		return 1
	}
	return 0
}

// Pad inserts the delay-slot nops after every instruction with latency,
// returning how many were added.
func Pad(fn *mir.Function) int {
	added := 0
	for _, b := range fn.Blocks {
		for i := 0; i < len(b.Instrs); i++ {
			n := latency(b.Instrs[i].Op)
			for j := 1; j <= n; j++ {
				b.InsertBefore(i+j, mir.NewInstr(mir.Nop))
			}
			i += n
			added += n
		}
	}
	return added
}
