package semantics

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/colorfulnotion/fpinst/fperrors"
	"github.com/colorfulnotion/fpinst/x86"
	"golang.org/x/arch/x86/x86asm"
)

type opForm uint8

const (
	formBinary  opForm = iota // dst = dst op src
	formUnary                 // dst = op src
	formCompare               // rflags = cmp a, b
)

type opInfo struct {
	op    OperationType
	in    OperandType
	out   OperandType
	lanes int
	form  opForm
}

const maxInstLen = 15

// typeInt marks a GPR-or-memory integer operand whose width comes from the decoded instruction.
const typeInt = TypeSSEQuad + 1

var opTable = map[x86asm.Op]opInfo{
	x86asm.ADDSD: {OpAdd, TypeDouble, TypeDouble, 1, formBinary},
	x86asm.ADDSS: {OpAdd, TypeSingle, TypeSingle, 1, formBinary},
	x86asm.ADDPD: {OpAdd, TypeDouble, TypeDouble, 2, formBinary},
	x86asm.ADDPS: {OpAdd, TypeSingle, TypeSingle, 4, formBinary},
	x86asm.SUBSD: {OpSub, TypeDouble, TypeDouble, 1, formBinary},
	x86asm.SUBSS: {OpSub, TypeSingle, TypeSingle, 1, formBinary},
	x86asm.SUBPD: {OpSub, TypeDouble, TypeDouble, 2, formBinary},
	x86asm.SUBPS: {OpSub, TypeSingle, TypeSingle, 4, formBinary},
	x86asm.MULSD: {OpMul, TypeDouble, TypeDouble, 1, formBinary},
	x86asm.MULSS: {OpMul, TypeSingle, TypeSingle, 1, formBinary},
	x86asm.MULPD: {OpMul, TypeDouble, TypeDouble, 2, formBinary},
	x86asm.MULPS: {OpMul, TypeSingle, TypeSingle, 4, formBinary},
	x86asm.DIVSD: {OpDiv, TypeDouble, TypeDouble, 1, formBinary},
	x86asm.DIVSS: {OpDiv, TypeSingle, TypeSingle, 1, formBinary},
	x86asm.DIVPD: {OpDiv, TypeDouble, TypeDouble, 2, formBinary},
	x86asm.DIVPS: {OpDiv, TypeSingle, TypeSingle, 4, formBinary},
	x86asm.MINSD: {OpMin, TypeDouble, TypeDouble, 1, formBinary},
	x86asm.MINSS: {OpMin, TypeSingle, TypeSingle, 1, formBinary},
	x86asm.MAXSD: {OpMax, TypeDouble, TypeDouble, 1, formBinary},
	x86asm.MAXSS: {OpMax, TypeSingle, TypeSingle, 1, formBinary},
	x86asm.ANDPD: {OpAnd, TypeDouble, TypeDouble, 2, formBinary},
	x86asm.ANDPS: {OpAnd, TypeSingle, TypeSingle, 4, formBinary},
	x86asm.ORPD:  {OpOr, TypeDouble, TypeDouble, 2, formBinary},
	x86asm.ORPS:  {OpOr, TypeSingle, TypeSingle, 4, formBinary},
	x86asm.XORPD: {OpXor, TypeDouble, TypeDouble, 2, formBinary},
	x86asm.XORPS: {OpXor, TypeSingle, TypeSingle, 4, formBinary},

	x86asm.SQRTSD: {OpSqrt, TypeDouble, TypeDouble, 1, formUnary},
	x86asm.SQRTSS: {OpSqrt, TypeSingle, TypeSingle, 1, formUnary},
	x86asm.SQRTPD: {OpSqrt, TypeDouble, TypeDouble, 2, formUnary},
	x86asm.SQRTPS: {OpSqrt, TypeSingle, TypeSingle, 4, formUnary},

	x86asm.MOVSD_XMM: {OpMov, TypeDouble, TypeDouble, 1, formUnary},
	x86asm.MOVSS:     {OpMov, TypeSingle, TypeSingle, 1, formUnary},
	x86asm.MOVAPD:    {OpMov, TypeDouble, TypeDouble, 2, formUnary},
	x86asm.MOVUPD:    {OpMov, TypeDouble, TypeDouble, 2, formUnary},
	x86asm.MOVAPS:    {OpMov, TypeSingle, TypeSingle, 4, formUnary},
	x86asm.MOVUPS:    {OpMov, TypeSingle, TypeSingle, 4, formUnary},

	x86asm.CVTSS2SD:  {OpCvt, TypeSingle, TypeDouble, 1, formUnary},
	x86asm.CVTSD2SS:  {OpCvt, TypeDouble, TypeSingle, 1, formUnary},
	x86asm.CVTPS2PD:  {OpCvt, TypeSingle, TypeDouble, 2, formUnary},
	x86asm.CVTPD2PS:  {OpCvt, TypeDouble, TypeSingle, 2, formUnary},
	x86asm.CVTSI2SD:  {OpCvt, typeInt, TypeDouble, 1, formUnary},
	x86asm.CVTSI2SS:  {OpCvt, typeInt, TypeSingle, 1, formUnary},
	x86asm.CVTSD2SI:  {OpCvt, TypeDouble, typeInt, 1, formUnary},
	x86asm.CVTTSD2SI: {OpCvt, TypeDouble, typeInt, 1, formUnary},
	x86asm.CVTSS2SI:  {OpCvt, TypeSingle, typeInt, 1, formUnary},
	x86asm.CVTTSS2SI: {OpCvt, TypeSingle, typeInt, 1, formUnary},

	x86asm.UCOMISD: {OpUcomi, TypeDouble, TypeDouble, 1, formCompare},
	x86asm.UCOMISS: {OpUcomi, TypeSingle, TypeSingle, 1, formCompare},
	x86asm.COMISD:  {OpComi, TypeDouble, TypeDouble, 1, formCompare},
	x86asm.COMISS:  {OpComi, TypeSingle, TypeSingle, 1, formCompare},
}

// IsFloatingPoint reports whether the decoder models op.
func IsFloatingPoint(op x86asm.Op) bool {
	if _, ok := x87Table[op]; ok {
		return true
	}
	_, ok := opTable[op]
	return ok
}

// Decoder turns raw instruction bytes into Semantics. Each unique address is
// decoded once and receives the next stable index.
type Decoder struct {
	mu      sync.Mutex
	byAddr  map[uint64]*Semantics
	byIndex []*Semantics
}

func NewDecoder() *Decoder {
	return &Decoder{byAddr: make(map[uint64]*Semantics)}
}

// Decode decodes the instruction at the start of code, located at addr.
// Non floating-point instructions return ErrDUnsupportedInstruction.
func (d *Decoder) Decode(addr uint64, code []byte) (*Semantics, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.byAddr[addr]; ok && len(code) >= s.NumBytes() && bytes.Equal(code[:s.NumBytes()], s.raw) {
		return s, nil
	}
	inst, err := x86asm.Decode(code, 64)
	if errors.Is(err, x86asm.ErrTruncated) || (err == nil && inst.Op == 0 && truncated(code)) {
		return nil, fmt.Errorf("%w: at %#x", fperrors.ErrDTruncated, addr)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: at %#x: %v", fperrors.ErrDUnsupportedInstruction, addr, err)
	}
	disasm := x86asm.IntelSyntax(inst, addr, nil)
	ops, err := classify(inst, addr+uint64(inst.Len))
	if err != nil {
		return nil, fmt.Errorf("%w: %q at %#x", err, disasm, addr)
	}
	s := NewSemantics(addr, code[:inst.Len], len(d.byIndex), disasm, ops...)
	d.byAddr[addr] = s
	d.byIndex = append(d.byIndex, s)
	return s, nil
}

// truncated reports whether code is the cut-off start of a longer
// instruction. x86asm decodes a bare legacy prefix as a one-byte instruction
// with no opcode, so the bytes are re-decoded padded to the architectural
// maximum.
func truncated(code []byte) bool {
	if len(code) >= maxInstLen {
		return false
	}
	padded := make([]byte, maxInstLen)
	copy(padded, code)
	full, err := x86asm.Decode(padded, 64)
	return err == nil && full.Len > len(code)
}

// Lookup returns the instruction with the given stable index.
func (d *Decoder) Lookup(index int) (*Semantics, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if index < 0 || index >= len(d.byIndex) {
		return nil, fmt.Errorf("%w: %d", fperrors.ErrDUnknownIndex, index)
	}
	return d.byIndex[index], nil
}

func (d *Decoder) LookupAddress(addr uint64) (*Semantics, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.byAddr[addr]
	return s, ok
}

func (d *Decoder) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.byIndex)
}

// Instructions returns every decoded instruction in index order.
func (d *Decoder) Instructions() []*Semantics {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Semantics(nil), d.byIndex...)
}

func classify(inst x86asm.Inst, next uint64) ([]*Operation, error) {
	if x, ok := x87Table[inst.Op]; ok {
		return classifyX87(inst, x, next)
	}
	info, ok := opTable[inst.Op]
	if !ok {
		return nil, fperrors.ErrDUnsupportedInstruction
	}
	dst, src := inst.Args[0], inst.Args[1]
	if dst == nil || src == nil {
		return nil, fperrors.ErrDUnsupportedInstruction
	}
	in, out := info.in, info.out
	if in == typeInt {
		in = intType(inst, src)
	}
	if out == typeInt {
		out = intType(inst, dst)
	}

	// xorps/xorpd of a register with itself only zeroes it
	if info.op == OpXor && dst == src {
		op := NewOperation(OpZero)
		for lane := 0; lane < info.lanes; lane++ {
			o, err := operand(dst, out, lane, next)
			if err != nil {
				return nil, err
			}
			op.AddOutput(o)
		}
		return []*Operation{op}, nil
	}

	op := NewOperation(info.op)
	for lane := 0; lane < info.lanes; lane++ {
		d, err := operand(dst, out, lane, next)
		if err != nil {
			return nil, err
		}
		s, err := operand(src, in, lane, next)
		if err != nil {
			return nil, err
		}
		switch info.form {
		case formBinary:
			dIn := d.WithLane(lane)
			dIn.Type = in
			op.AddInput(dIn)
			op.AddInput(s)
			op.AddOutput(d)
		case formUnary:
			op.AddInput(s)
			op.AddOutput(d)
		case formCompare:
			d.Type = in
			op.AddInput(d)
			op.AddInput(s)
		}
	}
	return []*Operation{op}, nil
}

func intType(inst x86asm.Inst, arg x86asm.Arg) OperandType {
	switch a := arg.(type) {
	case x86asm.Reg:
		if a >= x86asm.EAX && a <= x86asm.R15L {
			return TypeInt32
		}
	case x86asm.Mem:
		if inst.MemBytes == 4 {
			return TypeInt32
		}
	}
	return TypeInt64
}

func operand(arg x86asm.Arg, t OperandType, lane int, next uint64) (*Operand, error) {
	switch a := arg.(type) {
	case x86asm.Reg:
		r := x86.FromX86asm(a)
		if r == x86.RegNone {
			return nil, fmt.Errorf("%w: register %s", fperrors.ErrDUnsupportedInstruction, a)
		}
		return RegOperand(t, r, lane), nil
	case x86asm.Mem:
		base := x86.RegNone
		if a.Base != 0 {
			if base = x86.FromX86asm(a.Base); base == x86.RegNone {
				return nil, fmt.Errorf("%w: base %s", fperrors.ErrDUnsupportedInstruction, a.Base)
			}
		}
		index := x86.RegNone
		if a.Index != 0 {
			if index = x86.FromX86asm(a.Index); index == x86.RegNone {
				return nil, fmt.Errorf("%w: index %s", fperrors.ErrDUnsupportedInstruction, a.Index)
			}
		}
		// x86asm zero-extends disp32
		o := MemOperand(t, base, index, a.Scale, int64(int32(a.Disp)), lane)
		if a.Segment != 0 {
			o.Segment = strings.ToLower(a.Segment.String())
		}
		o.NextPC = next
		return o, nil
	case x86asm.Imm:
		return ImmOperand(t, int64(a)), nil
	}
	return nil, fmt.Errorf("%w: operand %v", fperrors.ErrDUnsupportedInstruction, arg)
}
