package frame

import (
	"testing"

	"github.com/wcet-tools/spc/pkg/mir"
)

func TestResolveLayout(t *testing.T) {
	fn := mir.NewFunction("f")
	fn.CreateFrameObj(4, 4) // fi 0 at 0
	fn.CreateFrameObj(1, 1) // fi 1 at 4
	fn.CreateFrameObj(4, 4) // fi 2 at 8, aligned past the byte

	b := &mir.Block{ID: 0, Bound: -1}
	ld := mir.NewInstr(mir.Load)
	ld.Dst = mir.R1
	ld.FI = 2
	b.Append(ld)
	st := mir.NewInstr(mir.Store)
	st.Uses = []mir.Reg{mir.R1}
	st.FI = 1
	b.Append(st)
	fn.AddBlock(b)

	size, err := Resolve(fn)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if size != 12 {
		t.Errorf("frame size = %d, want 12", size)
	}
	for i, want := range []int{0, 4, 8} {
		if fn.Frame[i].Offset != want {
			t.Errorf("Frame[%d].Offset = %d, want %d", i, fn.Frame[i].Offset, want)
		}
	}
	if ld.FI != -1 || ld.Imm != 8 {
		t.Errorf("load rewritten to FI=%d Imm=%d, want -1/8", ld.FI, ld.Imm)
	}
	if st.FI != -1 || st.Imm != 4 {
		t.Errorf("store rewritten to FI=%d Imm=%d, want -1/4", st.FI, st.Imm)
	}
}

func TestResolveOutOfRange(t *testing.T) {
	fn := mir.NewFunction("f")
	fn.CreateFrameObj(4, 4)

	b := &mir.Block{ID: 0, Bound: -1}
	ld := mir.NewInstr(mir.Load)
	ld.Dst = mir.R1
	ld.FI = 1
	b.Append(ld)
	fn.AddBlock(b)

	if _, err := Resolve(fn); err == nil {
		t.Error("expected an error for a frame index past the layout")
	}
}

func TestResolveNonMemoryFI(t *testing.T) {
	fn := mir.NewFunction("f")
	fn.CreateFrameObj(4, 4)

	b := &mir.Block{ID: 0, Bound: -1}
	add := mir.NewInstr(mir.Add)
	add.Dst = mir.R1
	add.Uses = []mir.Reg{mir.R1, mir.R2}
	add.FI = 0
	b.Append(add)
	fn.AddBlock(b)

	if _, err := Resolve(fn); err == nil {
		t.Error("expected an error for a frame index on a non-memory instruction")
	}
}
