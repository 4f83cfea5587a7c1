package main

import (
	"bytes"
	"strings"
	"testing"
)

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd(&out, &errOut)
	cmd.SetArgs(normalizeFlags(args))
	err := cmd.Execute()
	return out.String(), errOut.String(), err
}

func TestConvertLoop(t *testing.T) {
	out, errOut, err := execute(t, "testdata/loop.yaml")
	if err != nil {
		t.Fatalf("execute: %v\n%s", err, errOut)
	}
	if !strings.Contains(out, "function loop") {
		t.Errorf("output missing function header:\n%s", out)
	}
	if !strings.Contains(errOut, "spc: loop:") || !strings.Contains(errOut, "branches removed") {
		t.Errorf("missing conversion summary:\n%s", errOut)
	}
	// The converted code keeps exactly one control transfer besides the
	// return: the counted back edge.
	if n := strings.Count(out, "br ."); n != 1 {
		t.Errorf("surviving branches in output = %d, want 1:\n%s", n, out)
	}
	if strings.Contains(out, "jmp") {
		t.Errorf("unconditional jumps should be gone:\n%s", out)
	}
	// Delay slots are padded.
	if !strings.Contains(out, "nop") {
		t.Errorf("expected schedule padding in output:\n%s", out)
	}
	// Frame indices are resolved to stack offsets.
	if strings.Contains(out, "[fi") {
		t.Errorf("unresolved frame index in final output:\n%s", out)
	}
}

func TestScopeDump(t *testing.T) {
	out, _, err := execute(t, "-dscopes", "testdata/loop.yaml")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(out, "scope tree of loop") {
		t.Errorf("missing scope dump:\n%s", out)
	}
}

func TestMissingFile(t *testing.T) {
	_, errOut, err := execute(t, "testdata/absent.yaml")
	if err == nil {
		t.Fatal("expected an error for a missing input file")
	}
	if !strings.Contains(errOut, "spc:") {
		t.Errorf("error not reported with the spc prefix:\n%s", errOut)
	}
}

func TestNormalizeFlags(t *testing.T) {
	got := normalizeFlags([]string{"-dscopes", "-dfinal", "--pred-regs", "4", "in.yaml"})
	want := []string{"--dscopes", "--dfinal", "--pred-regs", "4", "in.yaml"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("arg %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestOutputFilename(t *testing.T) {
	if got := outputFilename("f.yaml"); got != "f.sp.mir" {
		t.Errorf("outputFilename(f.yaml) = %q", got)
	}
	if got := outputFilename("f.mir"); got != "f.mir.sp.mir" {
		t.Errorf("outputFilename(f.mir) = %q", got)
	}
}
