package mir

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// The yaml function format describes one machine function per file:
//
//	name: f
//	entry: 0
//	blocks:
//	  - id: 0
//	    succs: [1, 2]
//	    instrs:
//	      - {op: cmplt, dst: p1, uses: [r1, r2]}
//	      - {op: br, guard: p1, target: 1}
//	  - id: 1
//	    bound: 99
//	    ...
//
// bound is given on loop header blocks only.

type yamlInstr struct {
	Op     string   `yaml:"op"`
	Dst    string   `yaml:"dst,omitempty"`
	Guard  string   `yaml:"guard,omitempty"`
	Neg    bool     `yaml:"neg,omitempty"`
	POps   []string `yaml:"pops,omitempty"`
	Uses   []string `yaml:"uses,omitempty"`
	Imm    int64    `yaml:"imm,omitempty"`
	FI     *int     `yaml:"fi,omitempty"`
	Target *int     `yaml:"target,omitempty"`
	Callee string   `yaml:"callee,omitempty"`
}

type yamlBlock struct {
	ID      int         `yaml:"id"`
	Succs   []int       `yaml:"succs,omitempty"`
	Bound   *int        `yaml:"bound,omitempty"`
	LiveIns []string    `yaml:"live_ins,omitempty"`
	Instrs  []yamlInstr `yaml:"instrs"`
}

type yamlFunction struct {
	Name   string      `yaml:"name"`
	Entry  int         `yaml:"entry"`
	Blocks []yamlBlock `yaml:"blocks"`
}

// LoadFunction reads a machine function from a yaml file.
func LoadFunction(path string) (*Function, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseFunction(data)
}

// ParseFunction decodes a machine function from yaml text.
func ParseFunction(data []byte) (*Function, error) {
	var yf yamlFunction
	if err := yaml.Unmarshal(data, &yf); err != nil {
		return nil, fmt.Errorf("mir: %w", err)
	}
	if yf.Name == "" {
		return nil, fmt.Errorf("mir: function has no name")
	}

	fn := NewFunction(yf.Name)
	fn.Entry = BlockID(yf.Entry)
	for _, yb := range yf.Blocks {
		b := &Block{ID: BlockID(yb.ID), Bound: -1}
		if yb.Bound != nil {
			b.Bound = *yb.Bound
		}
		for _, s := range yb.Succs {
			b.Succs = append(b.Succs, BlockID(s))
		}
		for _, name := range yb.LiveIns {
			r, err := ParseReg(name)
			if err != nil {
				return nil, err
			}
			b.LiveIns = append(b.LiveIns, r)
		}
		for n, yi := range yb.Instrs {
			in, err := yi.decode()
			if err != nil {
				return nil, fmt.Errorf("mir: block %d instr %d: %w", yb.ID, n, err)
			}
			b.Append(in)
			if in.Op == Call {
				fn.MakesCalls = true
			}
		}
		fn.AddBlock(b)
	}

	for _, b := range fn.Blocks {
		for _, s := range b.Succs {
			if fn.Block(s) == nil {
				return nil, fmt.Errorf("mir: block %d has unknown successor %d", b.ID, s)
			}
		}
	}
	if fn.Block(fn.Entry) == nil {
		return nil, fmt.Errorf("mir: entry block %d does not exist", fn.Entry)
	}
	return fn, nil
}

func (yi yamlInstr) decode() (*Instr, error) {
	op, err := ParseOpcode(yi.Op)
	if err != nil {
		return nil, err
	}
	in := NewInstr(op)
	if in.Dst, err = ParseReg(yi.Dst); err != nil {
		return nil, err
	}
	guard, err := ParseReg(yi.Guard)
	if err != nil {
		return nil, err
	}
	if guard != NoReg {
		in.Guard = PredOp{Reg: guard, Neg: yi.Neg}
	}
	for _, name := range yi.POps {
		neg := false
		if len(name) > 0 && name[0] == '!' {
			neg = true
			name = name[1:]
		}
		r, err := ParseReg(name)
		if err != nil {
			return nil, err
		}
		in.POps = append(in.POps, PredOp{Reg: r, Neg: neg})
	}
	for _, name := range yi.Uses {
		r, err := ParseReg(name)
		if err != nil {
			return nil, err
		}
		in.Uses = append(in.Uses, r)
	}
	in.Imm = yi.Imm
	if yi.FI != nil {
		in.FI = *yi.FI
	}
	if yi.Target != nil {
		in.Target = BlockID(*yi.Target)
	}
	in.Callee = yi.Callee
	return in, nil
}
