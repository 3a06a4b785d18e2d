package emulator

import (
	"fmt"
	"math"

	"github.com/colorfulnotion/fpinst/fperrors"
	"golang.org/x/arch/x86/x86asm"
)

var sseOps map[x86asm.Op]opFunc

func init() {
	sseOps = map[x86asm.Op]opFunc{
		x86asm.MOVSD_XMM: execMovScalar(8),
		x86asm.MOVSS:     execMovScalar(4),
		x86asm.MOVUPD:    execMov128,
		x86asm.MOVUPS:    execMov128,
		x86asm.MOVAPD:    execMov128,
		x86asm.MOVAPS:    execMov128,
		x86asm.MOVQ:      execMovLow(8),
		x86asm.MOVD:      execMovLow(4),
		x86asm.PINSRQ:    execPinsr(8),
		x86asm.PINSRD:    execPinsr(4),
		x86asm.PEXTRQ:    execPextr(8),
		x86asm.PEXTRD:    execPextr(4),
		x86asm.ANDPD:     execBitwise(func(a, b uint64) uint64 { return a & b }),
		x86asm.ANDPS:     execBitwise(func(a, b uint64) uint64 { return a & b }),
		x86asm.ORPD:      execBitwise(func(a, b uint64) uint64 { return a | b }),
		x86asm.ORPS:      execBitwise(func(a, b uint64) uint64 { return a | b }),
		x86asm.XORPD:     execBitwise(func(a, b uint64) uint64 { return a ^ b }),
		x86asm.XORPS:     execBitwise(func(a, b uint64) uint64 { return a ^ b }),
		x86asm.UCOMISD:   execCompare(8),
		x86asm.COMISD:    execCompare(8),
		x86asm.UCOMISS:   execCompare(4),
		x86asm.COMISS:    execCompare(4),
		x86asm.UNPCKLPS:  execUnpcklps,
		x86asm.CVTSS2SD:  execCvtss2sd,
		x86asm.CVTSD2SS:  execCvtsd2ss,
		x86asm.CVTPS2PD:  execCvtps2pd,
		x86asm.CVTPD2PS:  execCvtpd2ps,
		x86asm.CVTSI2SD:  execCvtsi2sx(8),
		x86asm.CVTSI2SS:  execCvtsi2sx(4),
		x86asm.CVTSD2SI:  execCvtsx2si(8, math.RoundToEven),
		x86asm.CVTTSD2SI: execCvtsx2si(8, math.Trunc),
		x86asm.CVTSS2SI:  execCvtsx2si(4, math.RoundToEven),
		x86asm.CVTTSS2SI: execCvtsx2si(4, math.Trunc),
	}
	arith := map[string]binaryFloat{
		"ADD": func(a, b float64) float64 { return a + b },
		"SUB": func(a, b float64) float64 { return a - b },
		"MUL": func(a, b float64) float64 { return a * b },
		"DIV": func(a, b float64) float64 { return a / b },
		"MIN": func(a, b float64) float64 {
			if a < b {
				return a
			}
			return b
		},
		"MAX": func(a, b float64) float64 {
			if a > b {
				return a
			}
			return b
		},
		"SQRT": func(_, b float64) float64 { return math.Sqrt(b) },
	}
	forms := []struct {
		suffix string
		width  int
		lanes  int
	}{{"SD", 8, 1}, {"SS", 4, 1}, {"PD", 8, 2}, {"PS", 4, 4}}
	for name, fn := range arith {
		for _, f := range forms {
			if op, ok := opByName[name+f.suffix]; ok {
				sseOps[op] = execFloat(fn, f.width, f.lanes)
			}
		}
	}
}

var opByName = map[string]x86asm.Op{
	"ADDSD": x86asm.ADDSD, "ADDSS": x86asm.ADDSS, "ADDPD": x86asm.ADDPD, "ADDPS": x86asm.ADDPS,
	"SUBSD": x86asm.SUBSD, "SUBSS": x86asm.SUBSS, "SUBPD": x86asm.SUBPD, "SUBPS": x86asm.SUBPS,
	"MULSD": x86asm.MULSD, "MULSS": x86asm.MULSS, "MULPD": x86asm.MULPD, "MULPS": x86asm.MULPS,
	"DIVSD": x86asm.DIVSD, "DIVSS": x86asm.DIVSS, "DIVPD": x86asm.DIVPD, "DIVPS": x86asm.DIVPS,
	"MINSD": x86asm.MINSD, "MINSS": x86asm.MINSS, "MINPD": x86asm.MINPD, "MINPS": x86asm.MINPS,
	"MAXSD": x86asm.MAXSD, "MAXSS": x86asm.MAXSS, "MAXPD": x86asm.MAXPD, "MAXPS": x86asm.MAXPS,
	"SQRTSD": x86asm.SQRTSD, "SQRTSS": x86asm.SQRTSS, "SQRTPD": x86asm.SQRTPD, "SQRTPS": x86asm.SQRTPS,
}

type binaryFloat func(a, b float64) float64

func (m *Machine) xmmArg(arg x86asm.Arg) (int, error) {
	if r, ok := arg.(x86asm.Reg); ok {
		if i, ok := xmmIndex(r); ok {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: expected xmm register, got %v", fperrors.ErrTUnsupportedInsn, arg)
}

func getLane(v [2]uint64, width, lane int) uint64 {
	if width == 8 {
		return v[lane&1]
	}
	return v[lane/2&1] >> (32 * uint(lane%2)) & 0xFFFFFFFF
}

func setLane(v [2]uint64, width, lane int, x uint64) [2]uint64 {
	if width == 8 {
		v[lane&1] = x
		return v
	}
	shift := 32 * uint(lane%2)
	w := lane / 2 & 1
	v[w] = v[w]&^(0xFFFFFFFF<<shift) | (x&0xFFFFFFFF)<<shift
	return v
}

func toFloat(bits uint64, width int) float64 {
	if width == 4 {
		return float64(math.Float32frombits(uint32(bits)))
	}
	return math.Float64frombits(bits)
}

func fromFloat(f float64, width int) uint64 {
	if width == 4 {
		return uint64(math.Float32bits(float32(f)))
	}
	return math.Float64bits(f)
}

// execFloat applies fn lane-wise; scalar forms keep the destination's upper lanes.
func execFloat(fn binaryFloat, width, lanes int) opFunc {
	return func(m *Machine, inst x86asm.Inst) error {
		d, err := m.xmmArg(inst.Args[0])
		if err != nil {
			return err
		}
		src, err := m.readVec(inst.Args[1], width*lanes)
		if err != nil {
			return err
		}
		dst := m.xmm[d]
		for i := 0; i < lanes; i++ {
			a := toFloat(getLane(dst, width, i), width)
			b := toFloat(getLane(src, width, i), width)
			var r uint64
			if width == 4 {
				// round through float32 so single results match single arithmetic
				r = fromFloat(float64(float32(fn(float64(float32(a)), float64(float32(b))))), 4)
			} else {
				r = fromFloat(fn(a, b), 8)
			}
			dst = setLane(dst, width, i, r)
		}
		m.xmm[d] = dst
		return nil
	}
}

// execMovScalar: reg-reg merges the low lane, a load zeroes the upper bits, a store writes the low lane.
func execMovScalar(width int) opFunc {
	return func(m *Machine, inst x86asm.Inst) error {
		dst, src := inst.Args[0], inst.Args[1]
		v, err := m.readVec(src, width)
		if err != nil {
			return err
		}
		if _, isMem := src.(x86asm.Mem); !isMem {
			if d, err := m.xmmArg(dst); err == nil {
				m.xmm[d] = setLane(m.xmm[d], width, 0, getLane(v, width, 0))
				return nil
			}
		}
		return m.writeVec(dst, width, v)
	}
}

func execMov128(m *Machine, inst x86asm.Inst) error {
	v, err := m.readVec(inst.Args[1], 16)
	if err != nil {
		return err
	}
	return m.writeVec(inst.Args[0], 16, v)
}

// execMovLow implements movq/movd: xmm destinations are zero-extended.
func execMovLow(width int) opFunc {
	return func(m *Machine, inst x86asm.Inst) error {
		v, err := m.readVec(inst.Args[1], width)
		if err != nil {
			return err
		}
		v = [2]uint64{v[0] & sizeMask(width)}
		return m.writeVec(inst.Args[0], width, v)
	}
}

func immArg(inst x86asm.Inst, i int) (int, error) {
	imm, ok := inst.Args[i].(x86asm.Imm)
	if !ok {
		return 0, fmt.Errorf("%w: expected immediate", fperrors.ErrTUnsupportedInsn)
	}
	return int(imm), nil
}

func execPinsr(width int) opFunc {
	return func(m *Machine, inst x86asm.Inst) error {
		d, err := m.xmmArg(inst.Args[0])
		if err != nil {
			return err
		}
		v, err := m.readInt(inst.Args[1], width)
		if err != nil {
			return err
		}
		lane, err := immArg(inst, 2)
		if err != nil {
			return err
		}
		m.xmm[d] = setLane(m.xmm[d], width, lane&(16/width-1), v)
		return nil
	}
}

func execPextr(width int) opFunc {
	return func(m *Machine, inst x86asm.Inst) error {
		s, err := m.xmmArg(inst.Args[1])
		if err != nil {
			return err
		}
		lane, err := immArg(inst, 2)
		if err != nil {
			return err
		}
		return m.writeInt(inst.Args[0], width, getLane(m.xmm[s], width, lane&(16/width-1)))
	}
}

func execBitwise(fn func(a, b uint64) uint64) opFunc {
	return func(m *Machine, inst x86asm.Inst) error {
		d, err := m.xmmArg(inst.Args[0])
		if err != nil {
			return err
		}
		src, err := m.readVec(inst.Args[1], 16)
		if err != nil {
			return err
		}
		m.xmm[d] = [2]uint64{fn(m.xmm[d][0], src[0]), fn(m.xmm[d][1], src[1])}
		return nil
	}
}

// execCompare sets ZF, PF and CF as ucomis/comis do and clears OF, SF and AF.
func execCompare(width int) opFunc {
	return func(m *Machine, inst x86asm.Inst) error {
		a, err := m.readVec(inst.Args[0], width)
		if err != nil {
			return err
		}
		b, err := m.readVec(inst.Args[1], width)
		if err != nil {
			return err
		}
		x, y := toFloat(a[0], width), toFloat(b[0], width)
		var zf, pf, cf bool
		switch {
		case math.IsNaN(x) || math.IsNaN(y):
			zf, pf, cf = true, true, true
		case x < y:
			cf = true
		case x == y:
			zf = true
		}
		m.setFlag(FlagZF, zf)
		m.setFlag(FlagPF, pf)
		m.setFlag(FlagCF, cf)
		m.setFlag(FlagOF, false)
		m.setFlag(FlagSF, false)
		m.setFlag(FlagAF, false)
		return nil
	}
}

func execUnpcklps(m *Machine, inst x86asm.Inst) error {
	d, err := m.xmmArg(inst.Args[0])
	if err != nil {
		return err
	}
	src, err := m.readVec(inst.Args[1], 16)
	if err != nil {
		return err
	}
	dst := m.xmm[d]
	var out [2]uint64
	out = setLane(out, 4, 0, getLane(dst, 4, 0))
	out = setLane(out, 4, 1, getLane(src, 4, 0))
	out = setLane(out, 4, 2, getLane(dst, 4, 1))
	out = setLane(out, 4, 3, getLane(src, 4, 1))
	m.xmm[d] = out
	return nil
}

func execCvtss2sd(m *Machine, inst x86asm.Inst) error {
	d, err := m.xmmArg(inst.Args[0])
	if err != nil {
		return err
	}
	src, err := m.readVec(inst.Args[1], 4)
	if err != nil {
		return err
	}
	m.xmm[d][0] = fromFloat(toFloat(src[0], 4), 8)
	return nil
}

func execCvtsd2ss(m *Machine, inst x86asm.Inst) error {
	d, err := m.xmmArg(inst.Args[0])
	if err != nil {
		return err
	}
	src, err := m.readVec(inst.Args[1], 8)
	if err != nil {
		return err
	}
	m.xmm[d] = setLane(m.xmm[d], 4, 0, fromFloat(toFloat(src[0], 8), 4))
	return nil
}

func execCvtps2pd(m *Machine, inst x86asm.Inst) error {
	d, err := m.xmmArg(inst.Args[0])
	if err != nil {
		return err
	}
	src, err := m.readVec(inst.Args[1], 8)
	if err != nil {
		return err
	}
	m.xmm[d] = [2]uint64{
		fromFloat(toFloat(getLane(src, 4, 0), 4), 8),
		fromFloat(toFloat(getLane(src, 4, 1), 4), 8),
	}
	return nil
}

func execCvtpd2ps(m *Machine, inst x86asm.Inst) error {
	d, err := m.xmmArg(inst.Args[0])
	if err != nil {
		return err
	}
	src, err := m.readVec(inst.Args[1], 16)
	if err != nil {
		return err
	}
	var out [2]uint64
	out = setLane(out, 4, 0, fromFloat(toFloat(src[0], 8), 4))
	out = setLane(out, 4, 1, fromFloat(toFloat(src[1], 8), 4))
	m.xmm[d] = out
	return nil
}

func execCvtsi2sx(width int) opFunc {
	return func(m *Machine, inst x86asm.Inst) error {
		d, err := m.xmmArg(inst.Args[0])
		if err != nil {
			return err
		}
		size := argSize(inst, inst.Args[1])
		v, err := m.readInt(inst.Args[1], size)
		if err != nil {
			return err
		}
		var f float64
		if size == 4 {
			f = float64(int32(v))
		} else {
			f = float64(int64(v))
		}
		m.xmm[d] = setLane(m.xmm[d], width, 0, fromFloat(f, width))
		return nil
	}
}

// execCvtsx2si converts to a signed integer; out-of-range and NaN give the integer indefinite value.
func execCvtsx2si(width int, round func(float64) float64) opFunc {
	return func(m *Machine, inst x86asm.Inst) error {
		size := argSize(inst, inst.Args[0])
		src, err := m.readVec(inst.Args[1], width)
		if err != nil {
			return err
		}
		f := round(toFloat(src[0], width))
		var v uint64
		if size == 4 {
			if math.IsNaN(f) || f < math.MinInt32 || f > math.MaxInt32 {
				v = 0x80000000
			} else {
				v = uint64(uint32(int32(f)))
			}
		} else {
			if math.IsNaN(f) || f < math.MinInt64 || f >= math.MaxInt64 {
				v = 1 << 63
			} else {
				v = uint64(int64(f))
			}
		}
		return m.writeInt(inst.Args[0], size, v)
	}
}
