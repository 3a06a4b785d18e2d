package semantics

import (
	"fmt"
	"strings"

	"github.com/colorfulnotion/fpinst/x86"
)

const (
	MaxInputs  = 4
	MaxOutputs = 2
)

// OperandSet pairs output operands with the inputs that produced them.
type OperandSet struct {
	Inputs  []*Operand
	Outputs []*Operand
}

// Operation is one computation performed by an instruction. Packed
// instructions carry one operand set per lane.
type Operation struct {
	Type OperationType
	Sets []OperandSet
}

func NewOperation(t OperationType) *Operation {
	return &Operation{Type: t}
}

func (op *Operation) last() *OperandSet {
	return &op.Sets[len(op.Sets)-1]
}

// AddInput appends an input to the current set, opening a new set once the
// current one has outputs or is full.
func (op *Operation) AddInput(o *Operand) {
	if len(op.Sets) == 0 || len(op.last().Outputs) > 0 || len(op.last().Inputs) == MaxInputs {
		op.Sets = append(op.Sets, OperandSet{})
	}
	s := op.last()
	s.Inputs = append(s.Inputs, o)
}

// AddOutput appends an output to the current set, opening a new set once the current one is full.
func (op *Operation) AddOutput(o *Operand) {
	if len(op.Sets) == 0 || len(op.last().Outputs) == MaxOutputs {
		op.Sets = append(op.Sets, OperandSet{})
	}
	s := op.last()
	s.Outputs = append(s.Outputs, o)
}

func (op *Operation) Inputs() []*Operand {
	var out []*Operand
	for _, s := range op.Sets {
		out = append(out, s.Inputs...)
	}
	return out
}

func (op *Operation) Outputs() []*Operand {
	var out []*Operand
	for _, s := range op.Sets {
		out = append(out, s.Outputs...)
	}
	return out
}

func (op *Operation) HasOperandOfType(t OperandType) bool {
	for _, s := range op.Sets {
		for _, o := range s.Inputs {
			if o.Type == t {
				return true
			}
		}
		for _, o := range s.Outputs {
			if o.Type == t {
				return true
			}
		}
	}
	return false
}

// HasFloatOperand reports whether any operand is single, double or extended.
func (op *Operation) HasFloatOperand() bool {
	return op.HasOperandOfType(TypeSingle) || op.HasOperandOfType(TypeDouble) || op.HasOperandOfType(TypeExtended)
}

func (op *Operation) neededRegisters(regs map[x86.Register]struct{}) {
	for _, s := range op.Sets {
		for _, o := range s.Inputs {
			for _, r := range o.Registers() {
				regs[r] = struct{}{}
			}
		}
		for _, o := range s.Outputs {
			if o.IsMemory() {
				for _, r := range o.Registers() {
					regs[r] = struct{}{}
				}
			}
		}
	}
}

func (op *Operation) modifiedRegisters(regs map[x86.Register]struct{}) {
	for _, s := range op.Sets {
		for _, o := range s.Outputs {
			if o.IsRegister() {
				regs[o.Reg] = struct{}{}
			}
		}
	}
	if op.Type.IsCompare() {
		regs[x86.RFLAGS] = struct{}{}
	}
}

func (op *Operation) String() string {
	var sb strings.Builder
	sb.WriteString(op.Type.String())
	for i, s := range op.Sets {
		ins := make([]string, len(s.Inputs))
		for j, o := range s.Inputs {
			ins[j] = o.String()
		}
		outs := make([]string, len(s.Outputs))
		for j, o := range s.Outputs {
			outs[j] = o.String()
		}
		sb.WriteString(fmt.Sprintf("\n  set %d: in [%s] out [%s]", i, strings.Join(ins, ", "), strings.Join(outs, ", ")))
	}
	return sb.String()
}
