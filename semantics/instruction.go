package semantics

import (
	"fmt"
	"strings"

	"github.com/colorfulnotion/fpinst/x86"
	"golang.org/x/exp/slices"
)

// Instruction is a decoded floating-point instruction.
type Instruction interface {
	Address() uint64
	NumBytes() int
	Bytes() []byte
	Index() int
	Disassembly() string
	Operations() []*Operation
	// NeededRegisters lists the registers the instruction reads, including
	// the base and index registers of every memory operand.
	NeededRegisters() []x86.Register
	// ModifiedRegisters lists the registers the instruction writes.
	ModifiedRegisters() []x86.Register
}

// Semantics is the concrete Instruction produced by Decoder.
type Semantics struct {
	address  uint64
	raw      []byte
	index    int
	disasm   string
	ops      []*Operation
	needed   []x86.Register
	modified []x86.Register
}

func NewSemantics(address uint64, raw []byte, index int, disasm string, ops ...*Operation) *Semantics {
	s := &Semantics{
		address: address,
		raw:     append([]byte(nil), raw...),
		index:   index,
		disasm:  disasm,
		ops:     ops,
	}
	needed := make(map[x86.Register]struct{})
	modified := make(map[x86.Register]struct{})
	for _, op := range ops {
		op.neededRegisters(needed)
		op.modifiedRegisters(modified)
	}
	s.needed = sortedRegisters(needed)
	s.modified = sortedRegisters(modified)
	return s
}

func sortedRegisters(set map[x86.Register]struct{}) []x86.Register {
	regs := make([]x86.Register, 0, len(set))
	for r := range set {
		regs = append(regs, r)
	}
	slices.Sort(regs)
	return regs
}

func (s *Semantics) Address() uint64                   { return s.address }
func (s *Semantics) NumBytes() int                     { return len(s.raw) }
func (s *Semantics) Bytes() []byte                     { return s.raw }
func (s *Semantics) Index() int                        { return s.index }
func (s *Semantics) Disassembly() string               { return s.disasm }
func (s *Semantics) Operations() []*Operation          { return s.ops }
func (s *Semantics) NeededRegisters() []x86.Register   { return s.needed }
func (s *Semantics) ModifiedRegisters() []x86.Register { return s.modified }

func (s *Semantics) String() string {
	hexBytes := make([]string, len(s.raw))
	for i, b := range s.raw {
		hexBytes[i] = fmt.Sprintf("%02x", b)
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%#x  [%s]  %s", s.address, strings.Join(hexBytes, " "), s.disasm))
	sb.WriteString("\n  needed regs: " + joinRegisters(s.needed))
	sb.WriteString("\n  modified regs: " + joinRegisters(s.modified))
	for _, op := range s.ops {
		sb.WriteString("\n" + op.String())
	}
	return sb.String()
}

func joinRegisters(regs []x86.Register) string {
	names := make([]string, len(regs))
	for i, r := range regs {
		names[i] = r.String()
	}
	return strings.Join(names, " ")
}

// UsesRegister reports whether inst reads or writes r.
func UsesRegister(inst Instruction, r x86.Register) bool {
	return slices.Contains(inst.NeededRegisters(), r) || slices.Contains(inst.ModifiedRegisters(), r)
}

// HasOperation reports whether inst performs any of the given operation types.
func HasOperation(inst Instruction, types ...OperationType) bool {
	for _, op := range inst.Operations() {
		if slices.Contains(types, op.Type) {
			return true
		}
	}
	return false
}

// Inputs collects the input operands of every operation of inst.
func Inputs(inst Instruction) []*Operand {
	var out []*Operand
	for _, op := range inst.Operations() {
		out = append(out, op.Inputs()...)
	}
	return out
}

// Outputs collects the output operands of every operation of inst.
func Outputs(inst Instruction) []*Operand {
	var out []*Operand
	for _, op := range inst.Operations() {
		out = append(out, op.Outputs()...)
	}
	return out
}

// RIPOperand returns the first RIP-relative operand of inst, or nil.
func RIPOperand(inst Instruction) *Operand {
	for _, o := range append(Inputs(inst), Outputs(inst)...) {
		if o.IsRIPRelative() {
			return o
		}
	}
	return nil
}
