package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/wcet-tools/spc/pkg/frame"
	"github.com/wcet-tools/spc/pkg/loops"
	"github.com/wcet-tools/spc/pkg/mir"
	"github.com/wcet-tools/spc/pkg/prepare"
	"github.com/wcet-tools/spc/pkg/reduce"
	"github.com/wcet-tools/spc/pkg/regalloc"
	"github.com/wcet-tools/spc/pkg/schedule"
	"github.com/wcet-tools/spc/pkg/scope"
	"github.com/xyproto/env/v2"
)

var version = "0.1.0"

// Debug flags for dumping intermediate results
var (
	dScopes bool
	dAlloc  bool
	dLinear bool
	dFinal  bool
)

var (
	predRegs   int
	elimStores bool
)

func main() {
	os.Exit(run())
}

func run() int {
	rootCmd := newRootCmd(os.Stdout, os.Stderr)
	// Normalize CompCert-style single-dash flags to double-dash for pflag compatibility
	rootCmd.SetArgs(normalizeFlags(os.Args[1:]))
	if err := rootCmd.Execute(); err != nil {
		return 1
	}
	return 0
}

// debugFlagNames lists all debug flags that should accept single-dash style
var debugFlagNames = []string{"dscopes", "dalloc", "dlinear", "dfinal"}

// normalizeFlags converts single-dash flags like -dscopes to --dscopes
func normalizeFlags(args []string) []string {
	result := make([]string, len(args))
	for i, arg := range args {
		for _, flagName := range debugFlagNames {
			if arg == "-"+flagName {
				result[i] = "--" + flagName
				break
			}
		}
		if result[i] == "" {
			result[i] = arg
		}
	}
	return result
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "spc [file]",
		Short: "spc converts a machine function to single-path form",
		Long: `spc reads a machine function description (yaml) and converts it
to single-path form: every execution takes the same instruction
trace regardless of input data. Loop headers must carry iteration
bounds.`,
		Version:       version,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				cmd.Help()
				return nil
			}
			return convert(args[0], out, errOut)
		},
	}
	rootCmd.SetOut(out)
	rootCmd.SetErr(errOut)

	rootCmd.Flags().BoolVarP(&dScopes, "dscopes", "", false, "Dump the scope tree")
	rootCmd.Flags().BoolVarP(&dAlloc, "dalloc", "", false, "Dump the predicate register allocation")
	rootCmd.Flags().BoolVarP(&dLinear, "dlinear", "", false, "Dump after linearization, before frame and schedule")
	rootCmd.Flags().BoolVarP(&dFinal, "dfinal", "", false, "Write the final form to <input>.sp.mir")

	rootCmd.Flags().IntVar(&predRegs, "pred-regs", env.Int("SPC_PRED_REGS", mir.NumPredRegs),
		"Number of predicate registers available, including p0")
	rootCmd.Flags().BoolVar(&elimStores, "elim-stores", false,
		"Also remove redundant spill stores (analysis re-derived, off by default)")

	return rootCmd
}

func convert(filename string, out, errOut io.Writer) error {
	fn, err := mir.LoadFunction(filename)
	if err != nil {
		fmt.Fprintf(errOut, "spc: %v\n", err)
		return err
	}

	li, err := loops.Analyze(fn)
	if err != nil {
		fmt.Fprintf(errOut, "spc: %s: %v\n", fn.Name, err)
		return err
	}

	root, err := scope.BuildTree(fn, li)
	if err != nil {
		fmt.Fprintf(errOut, "spc: %s: %v\n", fn.Name, err)
		return err
	}
	if dScopes {
		fmt.Fprintf(out, "scope tree of %s:\n", fn.Name)
		root.Dump(out, 0)
	}

	pool, err := reduce.NewPool(fn, predRegs)
	if err != nil {
		fmt.Fprintf(errOut, "spc: %v\n", err)
		return err
	}

	slots := prepare.Prepare(fn, root, pool.NumAlloc())
	ra := regalloc.ComputeRegAlloc(root, pool.NumAlloc())
	if dAlloc {
		fmt.Fprintf(out, "allocation of %s (%d registers, %d spill slots):\n",
			fn.Name, pool.NumAlloc(), ra.SpillSlots)
		dumpAlloc(out, root, ra)
	}

	stats := reduce.Reduce(fn, root, ra, slots, pool, reduce.Options{ElimStores: elimStores})
	fmt.Fprintf(errOut, "spc: %s: %d inserted, %d branches removed, %d loads/stores eliminated, %d loop counters\n",
		fn.Name, stats.InsertedInstrs, stats.RemovedBranches, stats.EliminatedLdSt, stats.LoopCounters)

	if dLinear {
		fmt.Fprintf(out, "%s after linearization:\n", fn.Name)
		mir.NewPrinter(out).PrintFunction(fn)
	}

	if _, err := frame.Resolve(fn); err != nil {
		fmt.Fprintf(errOut, "spc: %s: %v\n", fn.Name, err)
		return err
	}
	schedule.Pad(fn)

	mir.NewPrinter(out).PrintFunction(fn)

	if dFinal {
		outName := outputFilename(filename)
		f, err := os.Create(outName)
		if err != nil {
			fmt.Fprintf(errOut, "spc: error creating %s: %v\n", outName, err)
			return err
		}
		defer f.Close()
		mir.NewPrinter(f).PrintFunction(fn)
	}
	return nil
}

func dumpAlloc(out io.Writer, s *scope.Scope, ra *regalloc.Result) {
	ra.Infos[s].Dump(out, 2*s.Depth)
	for _, c := range s.Children {
		dumpAlloc(out, c, ra)
	}
}

// outputFilename returns the output filename for -dfinal
func outputFilename(filename string) string {
	ext := ".yaml"
	if strings.HasSuffix(filename, ext) {
		return filename[:len(filename)-len(ext)] + ".sp.mir"
	}
	return filename + ".sp.mir"
}
