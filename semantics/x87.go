package semantics

import (
	"fmt"

	"github.com/colorfulnotion/fpinst/fperrors"
	"github.com/colorfulnotion/fpinst/x86"
	"golang.org/x/arch/x86/x86asm"
)

type x87Info struct {
	op      OperationType
	reverse bool // source operand comes first: fsubr, fdivr
	pop     bool
}

var x87Table = map[x86asm.Op]x87Info{
	x86asm.FADD:  {op: OpAdd},
	x86asm.FSUB:  {op: OpSub},
	x86asm.FSUBR: {op: OpSub, reverse: true},
	x86asm.FMUL:  {op: OpMul},
	x86asm.FDIV:  {op: OpDiv},
	x86asm.FDIVR: {op: OpDiv, reverse: true},

	x86asm.FADDP:  {op: OpAdd, pop: true},
	x86asm.FSUBP:  {op: OpSub, pop: true},
	x86asm.FSUBRP: {op: OpSub, reverse: true, pop: true},
	x86asm.FMULP:  {op: OpMul, pop: true},
	x86asm.FDIVP:  {op: OpDiv, pop: true},
	x86asm.FDIVRP: {op: OpDiv, reverse: true, pop: true},

	x86asm.FLD:  {op: OpMov},
	x86asm.FST:  {op: OpMov},
	x86asm.FSTP: {op: OpMov, pop: true},

	x86asm.FSQRT: {op: OpSqrt},
	x86asm.FCHS:  {op: OpNeg},
	x86asm.FABS:  {op: OpAbs},
}

func stackReg(i int) *Operand {
	return RegOperand(TypeExtended, x86.ST0+x86.Register(i), 0)
}

// afterPop renames a stack operand for the state following a pop. The old
// top is discarded, so ST0 yields nil.
func afterPop(o *Operand) *Operand {
	if !o.IsRegisterST() {
		return o
	}
	if o.Reg == x86.ST0 {
		return nil
	}
	c := *o
	c.Reg--
	return &c
}

func x87Operand(inst x86asm.Inst, arg x86asm.Arg, next uint64) (*Operand, error) {
	if _, ok := arg.(x86asm.Mem); !ok {
		return operand(arg, TypeExtended, 0, next)
	}
	switch inst.MemBytes {
	case 4:
		return operand(arg, TypeSingle, 0, next)
	case 8:
		return operand(arg, TypeDouble, 0, next)
	case 10:
		return operand(arg, TypeExtended, 0, next)
	}
	return nil, fmt.Errorf("%w: %d-byte x87 memory operand", fperrors.ErrDUnsupportedInstruction, inst.MemBytes)
}

// classifyX87 models an x87 instruction. Inputs name stack registers as they
// are before the instruction executes; outputs name them as they are after,
// so a popping form writes ST(i-1).
func classifyX87(inst x86asm.Inst, info x87Info, next uint64) ([]*Operation, error) {
	var ops []*Operation
	switch inst.Op {
	case x86asm.FLD:
		src, err := x87Operand(inst, inst.Args[0], next)
		if err != nil {
			return nil, err
		}
		mov := NewOperation(OpMov)
		mov.AddInput(src)
		mov.AddOutput(stackReg(0))
		return []*Operation{NewOperation(OpPushX87), mov}, nil

	case x86asm.FST, x86asm.FSTP:
		dst, err := x87Operand(inst, inst.Args[0], next)
		if err != nil {
			return nil, err
		}
		mov := NewOperation(OpMov)
		mov.AddInput(stackReg(0))
		if info.pop {
			dst = afterPop(dst)
		}
		if dst != nil {
			mov.AddOutput(dst)
		}
		ops = append(ops, mov)

	case x86asm.FSQRT, x86asm.FCHS, x86asm.FABS:
		op := NewOperation(info.op)
		op.AddInput(stackReg(0))
		op.AddOutput(stackReg(0))
		return []*Operation{op}, nil

	default:
		var dst, src *Operand
		var err error
		if inst.Args[1] == nil {
			// memory form; ST0 is implicit
			dst = stackReg(0)
			if inst.Args[0] == nil {
				return nil, fperrors.ErrDUnsupportedInstruction
			}
			src, err = x87Operand(inst, inst.Args[0], next)
		} else {
			if dst, err = x87Operand(inst, inst.Args[0], next); err == nil {
				src, err = x87Operand(inst, inst.Args[1], next)
			}
		}
		if err != nil {
			return nil, err
		}
		op := NewOperation(info.op)
		if info.reverse {
			op.AddInput(src)
			op.AddInput(dst)
		} else {
			op.AddInput(dst)
			op.AddInput(src)
		}
		out := dst
		if info.pop {
			out = afterPop(dst)
		}
		if out != nil {
			op.AddOutput(out)
		}
		ops = append(ops, op)
	}
	if info.pop {
		ops = append(ops, NewOperation(OpPopX87))
	}
	return ops, nil
}
