package semantics

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/big"
)

// ExtendedPrec is the mantissa width used for x87 extended arithmetic.
const ExtendedPrec = 64

// Value is the current value of an operand. Bits holds the raw little-endian
// payload; an extended value keeps its 64-bit mantissa in Bits[0] and its
// sign and exponent in the low 16 bits of Bits[1].
type Value struct {
	Type OperandType
	Bits [2]uint64
}

func Single(f float32) Value {
	return Value{Type: TypeSingle, Bits: [2]uint64{uint64(math.Float32bits(f))}}
}
func Double(f float64) Value { return Value{Type: TypeDouble, Bits: [2]uint64{math.Float64bits(f)}} }

// Int builds an integer value of type t from v, truncated to the type's width.
func Int(t OperandType, v int64) Value {
	bits := uint64(v)
	if n := t.Size(); n < 8 {
		bits &= 1<<(8*n) - 1
	}
	return Value{Type: t, Bits: [2]uint64{bits}}
}

// Extended encodes f as an 80-bit x87 value, rounding to 64 mantissa bits.
func Extended(f *big.Float) Value {
	v := Value{Type: TypeExtended}
	var sign uint64
	if f.Signbit() {
		sign = 0x8000
	}
	switch {
	case f.IsInf():
		v.Bits = [2]uint64{1 << 63, sign | 0x7FFF}
		return v
	case f.Sign() == 0:
		v.Bits = [2]uint64{0, sign}
		return v
	}
	r := new(big.Float).SetPrec(ExtendedPrec).SetMode(big.ToNearestEven).Set(f)
	r.Abs(r)
	mant := new(big.Float)
	exp := r.MantExp(mant)
	m, _ := mant.SetMantExp(mant, 64).Uint64()
	v.Bits = [2]uint64{m, sign | uint64(exp-1+16383)&0x7FFF}
	return v
}

// FromBytes decodes a value of type t from little-endian memory.
func FromBytes(t OperandType, b []byte) Value {
	var buf [16]byte
	copy(buf[:], b)
	v := Value{Type: t}
	v.Bits[0] = binary.LittleEndian.Uint64(buf[0:8])
	v.Bits[1] = binary.LittleEndian.Uint64(buf[8:16])
	if n := t.Size(); n < 8 {
		v.Bits[0] &= 1<<(8*n) - 1
		v.Bits[1] = 0
	} else if n == 8 {
		v.Bits[1] = 0
	} else if t == TypeExtended {
		v.Bits[1] &= 0xFFFF
	}
	return v
}

// Bytes encodes the value in little-endian form, Type.Size() bytes long.
func (v Value) Bytes() []byte {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], v.Bits[0])
	binary.LittleEndian.PutUint64(buf[8:16], v.Bits[1])
	return buf[:v.Type.Size()]
}

func (v Value) extendedParts() (neg bool, exp int, mant uint64) {
	return v.Bits[1]&0x8000 != 0, int(v.Bits[1] & 0x7FFF), v.Bits[0]
}

// Big returns the value as a 64-bit-mantissa big.Float. NaN maps to zero.
func (v Value) Big() *big.Float {
	f := new(big.Float).SetPrec(ExtendedPrec).SetMode(big.ToNearestEven)
	switch {
	case v.Type == TypeExtended:
		neg, exp, mant := v.extendedParts()
		switch {
		case exp == 0x7FFF && mant<<1 == 0:
			f.SetInf(neg)
		case exp == 0x7FFF:
		default:
			if exp == 0 {
				exp = 1
			}
			f.SetUint64(mant)
			f.SetMantExp(f, exp-16383-63)
			if neg {
				f.Neg(f)
			}
		}
	case v.Type.IsSigned():
		f.SetInt64(v.Int64())
	case v.Type.IsUnsigned():
		f.SetUint64(v.Bits[0])
	default:
		x := v.Float64()
		if !math.IsNaN(x) {
			f.SetFloat64(x)
		}
	}
	return f
}

// Int64 sign-extends or converts the value to an int64.
func (v Value) Int64() int64 {
	switch v.Type {
	case TypeInt8:
		return int64(int8(v.Bits[0]))
	case TypeInt16:
		return int64(int16(v.Bits[0]))
	case TypeInt32:
		return int64(int32(v.Bits[0]))
	case TypeInt64:
		return int64(v.Bits[0])
	case TypeUint8, TypeUint16, TypeUint32, TypeUint64:
		return int64(v.Bits[0])
	}
	return int64(v.Float64())
}

func (v Value) Float32() float32 {
	if v.Type == TypeSingle {
		return math.Float32frombits(uint32(v.Bits[0]))
	}
	return float32(v.Float64())
}

func (v Value) Float64() float64 {
	switch v.Type {
	case TypeSingle:
		return float64(math.Float32frombits(uint32(v.Bits[0])))
	case TypeDouble, TypeSSEQuad:
		return math.Float64frombits(v.Bits[0])
	case TypeExtended:
		if v.IsNaN() {
			return math.NaN()
		}
		f, _ := v.Big().Float64()
		return f
	case TypeUint64:
		return float64(v.Bits[0])
	}
	return float64(v.Int64())
}

func (v Value) IsNaN() bool {
	switch v.Type {
	case TypeSingle:
		return math.IsNaN(float64(v.Float32()))
	case TypeDouble:
		return math.IsNaN(v.Float64())
	case TypeExtended:
		_, exp, mant := v.extendedParts()
		return exp == 0x7FFF && mant<<1 != 0
	}
	return false
}

func (v Value) IsZero() bool {
	if v.Type == TypeExtended {
		_, exp, mant := v.extendedParts()
		return exp == 0 && mant == 0
	}
	if v.Type.IsFloat() {
		return v.Float64() == 0
	}
	return v.Bits[0] == 0
}

// Exponent returns the binary exponent as reported by frexp; zero for zero,
// NaN, infinities and integers.
func (v Value) Exponent() int {
	switch v.Type {
	case TypeSingle, TypeDouble:
		x := v.Float64()
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return 0
		}
		_, exp := math.Frexp(x)
		return exp
	case TypeExtended:
		if v.IsNaN() {
			return 0
		}
		b := v.Big()
		if b.IsInf() {
			return 0
		}
		return b.MantExp(nil)
	}
	return 0
}

// Add computes a+b in the wider of the two operand types.
func Add(a, b Value) Value { return arith(a, b, false) }

// Sub computes a-b in the wider of the two operand types.
func Sub(a, b Value) Value { return arith(a, b, true) }

func arith(a, b Value, sub bool) Value {
	t := a.Type.Wider(b.Type)
	switch t {
	case TypeSingle:
		if sub {
			return Single(a.Float32() - b.Float32())
		}
		return Single(a.Float32() + b.Float32())
	case TypeDouble:
		if sub {
			return Double(a.Float64() - b.Float64())
		}
		return Double(a.Float64() + b.Float64())
	case TypeExtended:
		r := new(big.Float).SetPrec(ExtendedPrec).SetMode(big.ToNearestEven)
		if sub {
			r.Sub(a.Big(), b.Big())
		} else {
			r.Add(a.Big(), b.Big())
		}
		return Extended(r)
	}
	if sub {
		return Int(t, a.Int64()-b.Int64())
	}
	return Int(t, a.Int64()+b.Int64())
}

func (v Value) String() string {
	switch {
	case v.Type == TypeExtended:
		if v.IsNaN() {
			return "NaN"
		}
		return v.Big().Text('g', 20)
	case v.Type.IsFloat():
		return fmt.Sprintf("%g", v.Float64())
	case v.Type == TypeSSEQuad:
		return fmt.Sprintf("%016x%016x", v.Bits[1], v.Bits[0])
	case v.Type.IsUnsigned():
		return fmt.Sprintf("%d", v.Bits[0])
	}
	return fmt.Sprintf("%d", v.Int64())
}

// LaneBits extracts lane i of type t from a 128-bit register image.
func LaneBits(reg [2]uint64, t OperandType, lane int) Value {
	switch n := t.Size(); {
	case n == 16 || t == TypeExtended:
		return Value{Type: t, Bits: reg}
	case n == 8:
		return Value{Type: t, Bits: [2]uint64{reg[lane&1]}}
	default:
		per := 8 / n
		word := reg[(lane/per)&1]
		shift := uint(lane%per) * uint(8*n)
		return Value{Type: t, Bits: [2]uint64{(word >> shift) & (1<<(8*n) - 1)}}
	}
}

// SetLaneBits writes v into lane i of a 128-bit register image.
func SetLaneBits(reg [2]uint64, v Value, lane int) [2]uint64 {
	switch n := v.Type.Size(); {
	case n == 16 || v.Type == TypeExtended:
		return v.Bits
	case n == 8:
		reg[lane&1] = v.Bits[0]
	default:
		per := 8 / n
		w := (lane / per) & 1
		shift := uint(lane%per) * uint(8*n)
		mask := uint64(1<<(8*n)-1) << shift
		reg[w] = reg[w]&^mask | (v.Bits[0]<<shift)&mask
	}
	return reg
}
