package emulator

import (
	"fmt"
	"math/big"

	"github.com/colorfulnotion/fpinst/fperrors"
	"github.com/colorfulnotion/fpinst/semantics"
	"golang.org/x/arch/x86/x86asm"
)

// x87 is the floating-point register stack. Registers hold 80-bit values in
// the layout of semantics.Value. Tags, exceptions and the control word are
// not modeled; every result rounds to nearest-even at 64 mantissa bits.
type x87 struct {
	st  [8][2]uint64
	top int
}

// x87Indefinite is the default quiet NaN produced by invalid operations.
var x87Indefinite = [2]uint64{0xC000000000000000, 0xFFFF}

type x87Kind uint8

const (
	x87Add x87Kind = iota
	x87Sub
	x87Mul
	x87Div
)

var x87Ops map[x86asm.Op]opFunc

func init() {
	x87Ops = map[x86asm.Op]opFunc{
		x86asm.FADD:   execX87Arith(x87Add, false, false),
		x86asm.FSUB:   execX87Arith(x87Sub, false, false),
		x86asm.FSUBR:  execX87Arith(x87Sub, true, false),
		x86asm.FMUL:   execX87Arith(x87Mul, false, false),
		x86asm.FDIV:   execX87Arith(x87Div, false, false),
		x86asm.FDIVR:  execX87Arith(x87Div, true, false),
		x86asm.FADDP:  execX87Arith(x87Add, false, true),
		x86asm.FSUBP:  execX87Arith(x87Sub, false, true),
		x86asm.FSUBRP: execX87Arith(x87Sub, true, true),
		x86asm.FMULP:  execX87Arith(x87Mul, false, true),
		x86asm.FDIVP:  execX87Arith(x87Div, false, true),
		x86asm.FDIVRP: execX87Arith(x87Div, true, true),
		x86asm.FLD:    execFld,
		x86asm.FST:    execFst(false),
		x86asm.FSTP:   execFst(true),
		x86asm.FSQRT:  execFsqrt,
		x86asm.FCHS:   execFsign(func(hi uint64) uint64 { return hi ^ 0x8000 }),
		x86asm.FABS:   execFsign(func(hi uint64) uint64 { return hi &^ 0x8000 }),
	}
}

// ST returns stack register i relative to the top.
func (m *Machine) ST(i int) [2]uint64 { return m.fpu.st[(m.fpu.top+i)&7] }

func (m *Machine) SetST(i int, v [2]uint64) { m.fpu.st[(m.fpu.top+i)&7] = v }

// PushST pushes v onto the register stack.
func (m *Machine) PushST(v [2]uint64) {
	m.fpu.top = (m.fpu.top - 1) & 7
	m.fpu.st[m.fpu.top] = v
}

// PopST discards the top of the register stack and returns it.
func (m *Machine) PopST() [2]uint64 {
	v := m.fpu.st[m.fpu.top]
	m.fpu.top = (m.fpu.top + 1) & 7
	return v
}

func extended(bits [2]uint64) semantics.Value {
	return semantics.Value{Type: semantics.TypeExtended, Bits: bits}
}

// toExtended widens a single, double or extended value exactly.
func toExtended(v semantics.Value) [2]uint64 {
	switch {
	case v.Type == semantics.TypeExtended:
		return v.Bits
	case v.IsNaN():
		return x87Indefinite
	}
	return semantics.Extended(v.Big()).Bits
}

// fromExtended rounds an extended value to a memory operand of size bytes.
func fromExtended(bits [2]uint64, size int) ([]byte, error) {
	v := extended(bits)
	switch size {
	case 4:
		return semantics.Single(float32(v.Float64())).Bytes(), nil
	case 8:
		return semantics.Double(v.Float64()).Bytes(), nil
	case 10:
		return v.Bytes(), nil
	}
	return nil, fmt.Errorf("%w: %d-byte x87 store", fperrors.ErrTUnsupportedInsn, size)
}

func stIndex(arg x86asm.Arg) (int, error) {
	if r, ok := arg.(x86asm.Reg); ok && r >= x86asm.F0 && r <= x86asm.F7 {
		return int(r - x86asm.F0), nil
	}
	return 0, fmt.Errorf("%w: expected x87 register, got %v", fperrors.ErrTUnsupportedInsn, arg)
}

// x87Read loads a stack register or a 4, 8 or 10 byte memory operand as an extended value.
func (m *Machine) x87Read(inst x86asm.Inst, arg x86asm.Arg) ([2]uint64, error) {
	mem, ok := arg.(x86asm.Mem)
	if !ok {
		i, err := stIndex(arg)
		if err != nil {
			return [2]uint64{}, err
		}
		return m.ST(i), nil
	}
	var t semantics.OperandType
	switch inst.MemBytes {
	case 4:
		t = semantics.TypeSingle
	case 8:
		t = semantics.TypeDouble
	case 10:
		t = semantics.TypeExtended
	default:
		return [2]uint64{}, fmt.Errorf("%w: %d-byte x87 load", fperrors.ErrTUnsupportedInsn, inst.MemBytes)
	}
	addr, err := m.address(mem)
	if err != nil {
		return [2]uint64{}, err
	}
	buf := make([]byte, inst.MemBytes)
	if err := m.Mem.Read(addr, buf); err != nil {
		return [2]uint64{}, err
	}
	return toExtended(semantics.FromBytes(t, buf)), nil
}

// x87Arith computes a op b at extended precision. Invalid operations yield
// the indefinite NaN.
func x87Arith(kind x87Kind, a, b semantics.Value) (res [2]uint64) {
	if a.IsNaN() || b.IsNaN() {
		return x87Indefinite
	}
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(big.ErrNaN); !ok {
				panic(r)
			}
			res = x87Indefinite
		}
	}()
	r := new(big.Float).SetPrec(semantics.ExtendedPrec).SetMode(big.ToNearestEven)
	x, y := a.Big(), b.Big()
	switch kind {
	case x87Add:
		r.Add(x, y)
	case x87Sub:
		r.Sub(x, y)
	case x87Mul:
		r.Mul(x, y)
	case x87Div:
		r.Quo(x, y)
	}
	return semantics.Extended(r).Bits
}

func execX87Arith(kind x87Kind, reverse, pop bool) opFunc {
	return func(m *Machine, inst x86asm.Inst) error {
		dst := 0
		var src [2]uint64
		var err error
		if inst.Args[1] == nil {
			src, err = m.x87Read(inst, inst.Args[0])
		} else if dst, err = stIndex(inst.Args[0]); err == nil {
			src, err = m.x87Read(inst, inst.Args[1])
		}
		if err != nil {
			return err
		}
		a, b := extended(m.ST(dst)), extended(src)
		if reverse {
			a, b = b, a
		}
		m.SetST(dst, x87Arith(kind, a, b))
		if pop {
			m.PopST()
		}
		return nil
	}
}

func execFld(m *Machine, inst x86asm.Inst) error {
	v, err := m.x87Read(inst, inst.Args[0])
	if err != nil {
		return err
	}
	m.PushST(v)
	return nil
}

func execFst(pop bool) opFunc {
	return func(m *Machine, inst x86asm.Inst) error {
		v := m.ST(0)
		if mem, ok := inst.Args[0].(x86asm.Mem); ok {
			b, err := fromExtended(v, inst.MemBytes)
			if err != nil {
				return err
			}
			addr, err := m.address(mem)
			if err != nil {
				return err
			}
			if err := m.Mem.Write(addr, b); err != nil {
				return err
			}
		} else {
			i, err := stIndex(inst.Args[0])
			if err != nil {
				return err
			}
			m.SetST(i, v)
		}
		if pop {
			m.PopST()
		}
		return nil
	}
}

func execFsqrt(m *Machine, _ x86asm.Inst) error {
	v := extended(m.ST(0))
	if v.IsNaN() || (v.Big().Sign() < 0) {
		m.SetST(0, x87Indefinite)
		return nil
	}
	x := v.Big()
	if x.IsInf() || x.Sign() == 0 {
		return nil
	}
	r := new(big.Float).SetPrec(semantics.ExtendedPrec).SetMode(big.ToNearestEven)
	m.SetST(0, semantics.Extended(r.Sqrt(x)).Bits)
	return nil
}

func execFsign(fn func(hi uint64) uint64) opFunc {
	return func(m *Machine, _ x86asm.Inst) error {
		v := m.ST(0)
		v[1] = fn(v[1])
		m.SetST(0, v)
		return nil
	}
}
