package semantics

import (
	"fmt"

	"github.com/colorfulnotion/fpinst/fperrors"
	"github.com/colorfulnotion/fpinst/x86"
)

type OperandKind uint8

const (
	KindRegister OperandKind = iota
	KindMemory
	KindImmediate
)

// Operand describes one instruction operand. Register operands use Reg;
// memory operands use Base, Index, Scale and Disp. A RIP-relative Disp is
// relative to NextPC, the end of the instruction the operand belongs to.
type Operand struct {
	Kind    OperandKind
	Type    OperandType
	Reg     x86.Register
	Base    x86.Register
	Index   x86.Register
	Scale   uint8
	Disp    int64
	Segment string
	Imm     int64
	Lane    int
	NextPC  uint64
}

func RegOperand(t OperandType, r x86.Register, lane int) *Operand {
	return &Operand{Kind: KindRegister, Type: t, Reg: r, Lane: lane}
}

func MemOperand(t OperandType, base, index x86.Register, scale uint8, disp int64, lane int) *Operand {
	if index == x86.RegNone {
		scale = 0
	}
	return &Operand{Kind: KindMemory, Type: t, Base: base, Index: index, Scale: scale, Disp: disp, Lane: lane}
}

func ImmOperand(t OperandType, imm int64) *Operand {
	return &Operand{Kind: KindImmediate, Type: t, Imm: imm}
}

// WithLane returns a copy of o selecting another lane of the same location.
func (o *Operand) WithLane(lane int) *Operand {
	c := *o
	c.Lane = lane
	return &c
}

func (o *Operand) IsRegister() bool    { return o.Kind == KindRegister }
func (o *Operand) IsMemory() bool      { return o.Kind == KindMemory }
func (o *Operand) IsImmediate() bool   { return o.Kind == KindImmediate }
func (o *Operand) IsRegisterSSE() bool { return o.Kind == KindRegister && o.Reg.IsXMM() }
func (o *Operand) IsRegisterGPR() bool { return o.Kind == KindRegister && o.Reg.IsGPR() }
func (o *Operand) IsRegisterST() bool  { return o.Kind == KindRegister && o.Reg.IsST() }
func (o *Operand) IsRIPRelative() bool { return o.Kind == KindMemory && o.Base == x86.RIP }

// IsStack reports whether the operand addresses the stack through rsp or rbp.
func (o *Operand) IsStack() bool {
	return o.Kind == KindMemory && (o.Base == x86.RSP || o.Base == x86.RBP)
}

// Mem returns the memory operand in emitter form. The lane offset is folded into Disp.
func (o *Operand) Mem() x86.Mem {
	return x86.Mem{
		Base:  o.Base,
		Index: o.Index,
		Scale: o.Scale,
		Disp:  int32(o.Disp + int64(o.Lane*o.laneSize())),
	}
}

func (o *Operand) laneSize() int {
	if o.Type == TypeSSEQuad {
		return 0
	}
	return o.Type.Size()
}

// Registers appends the registers needed to locate the operand (base and
// index) and, for register operands, the register itself.
func (o *Operand) Registers() []x86.Register {
	switch o.Kind {
	case KindRegister:
		return []x86.Register{o.Reg}
	case KindMemory:
		var regs []x86.Register
		if o.Base != x86.RegNone && o.Base != x86.RIP {
			regs = append(regs, o.Base)
		}
		if o.Index != x86.RegNone {
			regs = append(regs, o.Index)
		}
		return regs
	}
	return nil
}

// Address computes the effective address of a memory operand, including the lane offset.
// Segment overrides are not applied.
func (o *Operand) Address(ctx Context) (uint64, error) {
	if o.Kind != KindMemory {
		return 0, fmt.Errorf("%w: operand %s has no address", fperrors.ErrCUnsupportedAddressing, o)
	}
	var addr uint64
	switch o.Base {
	case x86.RegNone:
	case x86.RIP:
		addr = o.NextPC
	default:
		addr = ctx.GPR(o.Base)
	}
	if o.Index != x86.RegNone {
		addr += ctx.GPR(o.Index) * uint64(o.Scale)
	}
	addr += uint64(o.Disp)
	return addr + uint64(o.Lane*o.laneSize()), nil
}

// Value reads the operand's current value from ctx.
func (o *Operand) Value(ctx Context) (Value, error) {
	switch o.Kind {
	case KindImmediate:
		return Int(TypeInt64, o.Imm).retype(o.Type), nil
	case KindRegister:
		switch {
		case o.Reg.IsXMM():
			return LaneBits(ctx.XMM(o.Reg), o.Type, o.Lane), nil
		case o.Reg.IsGPR():
			return fromBits(o.Type, [2]uint64{ctx.GPR(o.Reg)}), nil
		case o.Reg.IsST():
			if x, ok := ctx.(X87Context); ok {
				return Value{Type: TypeExtended, Bits: x.ST(int(o.Reg.ID()))}, nil
			}
		}
		return Value{}, fmt.Errorf("%w: %s", fperrors.ErrCUnsupportedRegister, o.Reg)
	}
	addr, err := o.Address(ctx)
	if err != nil {
		return Value{}, err
	}
	buf := make([]byte, o.Type.Size())
	if err := ctx.ReadMemory(addr, buf); err != nil {
		return Value{}, fmt.Errorf("read operand %s at %#x: %w", o, addr, err)
	}
	return FromBytes(o.Type, buf), nil
}

// SetValue writes v to the operand's location in ctx.
func (o *Operand) SetValue(ctx Context, v Value) error {
	v = v.retype(o.Type)
	switch o.Kind {
	case KindImmediate:
		return fmt.Errorf("%w: cannot write immediate", fperrors.ErrCUnsupportedAddressing)
	case KindRegister:
		switch {
		case o.Reg.IsXMM():
			ctx.SetXMM(o.Reg, SetLaneBits(ctx.XMM(o.Reg), v, o.Lane))
			return nil
		case o.Reg.IsGPR():
			ctx.SetGPR(o.Reg, v.Bits[0])
			return nil
		case o.Reg.IsST():
			if x, ok := ctx.(X87Context); ok {
				x.SetST(int(o.Reg.ID()), v.Bits)
				return nil
			}
		}
		return fmt.Errorf("%w: %s", fperrors.ErrCUnsupportedRegister, o.Reg)
	}
	addr, err := o.Address(ctx)
	if err != nil {
		return err
	}
	if err := ctx.WriteMemory(addr, v.Bytes()); err != nil {
		return fmt.Errorf("write operand %s at %#x: %w", o, addr, err)
	}
	return nil
}

// retype reinterprets the raw bits of v as type t, truncating to t's width.
func (v Value) retype(t OperandType) Value {
	if v.Type == t {
		return v
	}
	return fromBits(t, v.Bits)
}

func fromBits(t OperandType, bits [2]uint64) Value {
	return FromBytes(t, Value{Type: TypeSSEQuad, Bits: bits}.Bytes())
}

func (o *Operand) String() string {
	var loc string
	switch o.Kind {
	case KindRegister:
		loc = o.Reg.String()
	case KindImmediate:
		loc = fmt.Sprintf("$%#x", o.Imm)
	default:
		if o.Segment != "" {
			loc = o.Segment + ":"
		}
		loc += o.Mem().String()
	}
	if o.Lane != 0 {
		loc += fmt.Sprintf("[%d]", o.Lane)
	}
	return loc + ":" + o.Type.String()
}
