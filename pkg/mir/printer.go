package mir

import (
	"fmt"
	"io"
	"strings"
)

// Printer writes functions in a readable assembly-like form.
type Printer struct {
	w io.Writer
}

// NewPrinter creates a printer writing to w.
func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w}
}

// PrintFunction writes the whole function.
func (p *Printer) PrintFunction(fn *Function) {
	fmt.Fprintf(p.w, "function %s (entry .B%d)\n", fn.Name, fn.Entry)
	for fi, obj := range fn.Frame {
		fmt.Fprintf(p.w, "  frame %d: size=%d align=%d", fi, obj.Size, obj.Align)
		if obj.Offset >= 0 {
			fmt.Fprintf(p.w, " offset=%d", obj.Offset)
		}
		fmt.Fprintln(p.w)
	}
	for _, b := range fn.Blocks {
		p.PrintBlock(b)
	}
}

// PrintBlock writes one basic block.
func (p *Printer) PrintBlock(b *Block) {
	fmt.Fprintf(p.w, ".B%d:", b.ID)
	if len(b.Succs) > 0 {
		names := make([]string, len(b.Succs))
		for n, s := range b.Succs {
			names[n] = fmt.Sprintf(".B%d", s)
		}
		fmt.Fprintf(p.w, " ; succs=%s", strings.Join(names, ","))
	}
	if b.Bound >= 0 {
		fmt.Fprintf(p.w, " bound=%d", b.Bound)
	}
	fmt.Fprintln(p.w)
	for _, in := range b.Instrs {
		fmt.Fprintf(p.w, "\t%s\n", FormatInstr(in))
	}
}

// FormatInstr renders a single instruction.
func FormatInstr(in *Instr) string {
	var sb strings.Builder
	if !in.Guard.IsAlways() {
		fmt.Fprintf(&sb, "(%s) ", in.Guard)
	}
	sb.WriteString(in.Op.String())

	var ops []string
	if in.Dst != NoReg {
		ops = append(ops, in.Dst.String())
	}
	for _, u := range in.Uses {
		ops = append(ops, u.String())
	}
	for _, po := range in.POps {
		ops = append(ops, po.String())
	}
	switch in.Op {
	case Li, Sub, And, Bcopy, Btest:
		ops = append(ops, fmt.Sprintf("%d", in.Imm))
	case Load, Store:
		if in.FI >= 0 {
			ops = append(ops, fmt.Sprintf("[fi%d+%d]", in.FI, in.Imm))
		} else {
			ops = append(ops, fmt.Sprintf("[sp+%d]", in.Imm))
		}
	case Br, Jmp:
		ops = append(ops, fmt.Sprintf(".B%d", in.Target))
	case Call:
		ops = append(ops, in.Callee)
	}
	if len(ops) > 0 {
		sb.WriteString(" ")
		sb.WriteString(strings.Join(ops, ", "))
	}
	return sb.String()
}
