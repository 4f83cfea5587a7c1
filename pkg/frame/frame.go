// Package frame lowers frame indices to concrete stack offsets. Objects are
// laid out in creation order, each aligned to its requirement, and every
// load and store referencing a frame index is rewritten to the resulting
// offset.
package frame

import (
	"fmt"

	"github.com/wcet-tools/spc/pkg/mir"
)

// Resolve assigns offsets to the function's frame objects and rewrites all
// frame-index operands. It returns the total frame size in bytes.
func Resolve(fn *mir.Function) (int, error) {
	offset := 0
	for i := range fn.Frame {
		obj := &fn.Frame[i]
		if obj.Align > 1 {
			offset = (offset + obj.Align - 1) / obj.Align * obj.Align
		}
		obj.Offset = offset
		offset += obj.Size
	}

	for _, b := range fn.Blocks {
		for _, in := range b.Instrs {
			if in.FI < 0 {
				continue
			}
			if in.Op != mir.Load && in.Op != mir.Store {
				return 0, fmt.Errorf("frame: %v carries a frame index", in.Op)
			}
			if in.FI >= len(fn.Frame) {
				return 0, fmt.Errorf("frame: index %d out of range in %s", in.FI, fn.Name)
			}
			in.Imm += int64(fn.Frame[in.FI].Offset)
			in.FI = -1
		}
	}
	return offset, nil
}
