package semantics

import (
	"encoding/binary"
	"math"
	"math/big"
	"testing"

	"github.com/colorfulnotion/fpinst/fperrors"
	"github.com/colorfulnotion/fpinst/x86"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeContext struct {
	gpr map[x86.Register]uint64
	xmm map[x86.Register][2]uint64
	mem map[uint64]byte
}

func newFakeContext() *fakeContext {
	return &fakeContext{
		gpr: make(map[x86.Register]uint64),
		xmm: make(map[x86.Register][2]uint64),
		mem: make(map[uint64]byte),
	}
}

func (c *fakeContext) GPR(r x86.Register) uint64          { return c.gpr[r] }
func (c *fakeContext) SetGPR(r x86.Register, v uint64)    { c.gpr[r] = v }
func (c *fakeContext) XMM(r x86.Register) [2]uint64       { return c.xmm[r] }
func (c *fakeContext) SetXMM(r x86.Register, v [2]uint64) { c.xmm[r] = v }
func (c *fakeContext) ReadMemory(addr uint64, buf []byte) error {
	for i := range buf {
		buf[i] = c.mem[addr+uint64(i)]
	}
	return nil
}
func (c *fakeContext) WriteMemory(addr uint64, data []byte) error {
	for i, b := range data {
		c.mem[addr+uint64(i)] = b
	}
	return nil
}

func addsdRIP(disp int32) []byte {
	return x86.BuildSSEMem(x86.X86_PREFIX_REPNE, x86.X86_OP2_ADD, x86.XMM0, x86.Mem{Base: x86.RIP, Disp: disp})
}

func TestDecodeScalarRIP(t *testing.T) {
	d := NewDecoder()
	code := addsdRIP(0x10)
	s, err := d.Decode(0x1000, code)
	require.NoError(t, err)

	assert.Equal(t, 0, s.Index())
	assert.Equal(t, uint64(0x1000), s.Address())
	assert.Equal(t, len(code), s.NumBytes())
	assert.Contains(t, s.Disassembly(), "addsd")

	ops := s.Operations()
	require.Len(t, ops, 1)
	assert.Equal(t, OpAdd, ops[0].Type)
	require.Len(t, ops[0].Sets, 1)
	set := ops[0].Sets[0]
	require.Len(t, set.Inputs, 2)
	require.Len(t, set.Outputs, 1)
	assert.Equal(t, x86.XMM0, set.Inputs[0].Reg)
	assert.Equal(t, TypeDouble, set.Inputs[0].Type)
	mem := set.Inputs[1]
	assert.True(t, mem.IsRIPRelative())
	assert.Equal(t, int64(0x10), mem.Disp)
	assert.Equal(t, uint64(0x1000+len(code)), mem.NextPC)

	assert.Equal(t, []x86.Register{x86.XMM0}, s.NeededRegisters())
	assert.Equal(t, []x86.Register{x86.XMM0}, s.ModifiedRegisters())
	assert.Same(t, mem, RIPOperand(s))

	again, err := d.Decode(0x1000, code)
	require.NoError(t, err)
	assert.Same(t, s, again)

	other, err := d.Decode(0x2000, code)
	require.NoError(t, err)
	assert.Equal(t, 1, other.Index())
	assert.Equal(t, 2, d.Count())

	got, err := d.Lookup(1)
	require.NoError(t, err)
	assert.Same(t, other, got)
	_, err = d.Lookup(7)
	assert.ErrorIs(t, err, fperrors.ErrDUnknownIndex)
}

func TestDecodePackedSIB(t *testing.T) {
	code := x86.BuildSSEMem(x86.X86_PREFIX_66, x86.X86_OP2_MUL, x86.XMM1, x86.Mem{Base: x86.RAX, Index: x86.RCX, Scale: 8, Disp: 0x20})
	s, err := NewDecoder().Decode(0x400000, code)
	require.NoError(t, err)
	op := s.Operations()[0]
	assert.Equal(t, OpMul, op.Type)
	require.Len(t, op.Sets, 2)
	lane1 := op.Sets[1].Inputs[1]
	assert.Equal(t, 1, lane1.Lane)
	assert.Equal(t, int32(0x28), lane1.Mem().Disp)
	assert.Equal(t, []x86.Register{x86.RAX, x86.RCX, x86.XMM1}, s.NeededRegisters())
	assert.Equal(t, []x86.Register{x86.XMM1}, s.ModifiedRegisters())
}

func TestDecodeForms(t *testing.T) {
	cases := []struct {
		name     string
		code     []byte
		op       OperationType
		inType   OperandType
		outType  OperandType
		outputs  int
		modifies x86.Register
	}{
		{"cvtss2sd", x86.Cvtss2sd(x86.XMM2, x86.XMM3), OpCvt, TypeSingle, TypeDouble, 1, x86.XMM2},
		{"cvtsd2ss", x86.Cvtsd2ss(x86.XMM2, x86.XMM3), OpCvt, TypeDouble, TypeSingle, 1, x86.XMM2},
		{"ucomisd", x86.Ucomisd(x86.XMM4, x86.XMM5), OpUcomi, TypeDouble, TypeDouble, 0, x86.RFLAGS},
		{"sqrtsd", x86.BuildSSEMem(x86.X86_PREFIX_REPNE, x86.X86_OP2_SQRT, x86.XMM9, x86.Mem{Base: x86.RBX}), OpSqrt, TypeDouble, TypeDouble, 1, x86.XMM9},
		{"cvtsi2sd", x86.BuildInstructionReg([]byte{x86.X86_PREFIX_REPNE}, true, []byte{x86.X86_PREFIX_0F, 0x2A}, 0, x86.RAX), OpCvt, TypeInt64, TypeDouble, 1, x86.XMM0},
		{"subss", x86.BuildSSE(x86.X86_PREFIX_REP, x86.X86_OP2_SUB, x86.XMM6, x86.XMM7), OpSub, TypeSingle, TypeSingle, 1, x86.XMM6},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, err := NewDecoder().Decode(0x1000, tc.code)
			require.NoError(t, err)
			op := s.Operations()[0]
			assert.Equal(t, tc.op, op.Type)
			assert.Equal(t, tc.inType, op.Inputs()[len(op.Inputs())-1].Type)
			assert.Len(t, op.Outputs(), tc.outputs)
			if tc.outputs > 0 {
				assert.Equal(t, tc.outType, op.Outputs()[0].Type)
			}
			assert.Contains(t, s.ModifiedRegisters(), tc.modifies)
		})
	}
}

func TestDecodeZeroIdiom(t *testing.T) {
	code := x86.BuildSSE(x86.X86_PREFIX_66, x86.X86_OP2_XOR, x86.XMM3, x86.XMM3)
	s, err := NewDecoder().Decode(0x10, code)
	require.NoError(t, err)
	assert.Equal(t, OpZero, s.Operations()[0].Type)
	assert.Empty(t, s.NeededRegisters())
}

func TestDecodeErrors(t *testing.T) {
	d := NewDecoder()
	_, err := d.Decode(0x10, x86.MovGPR64ToGPR64(x86.RAX, x86.RBX))
	assert.ErrorIs(t, err, fperrors.ErrDUnsupportedInstruction)

	_, err = d.Decode(0x10, addsdRIP(0x10)[:3])
	assert.ErrorIs(t, err, fperrors.ErrDTruncated)
	assert.Equal(t, 0, d.Count())
}

func TestDecodeCutOffInstructions(t *testing.T) {
	tests := []struct {
		name string
		code []byte
	}{
		{"opcode only", []byte{0xf2, 0x0f, 0x58}},
		{"partial displacement", []byte{0xf2, 0x0f, 0x58, 0x05, 0x10}},
		{"operand size prefix", []byte{0x66, 0x0f, 0x58}},
		{"prefix alone", []byte{0xf3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDecoder().Decode(0x20, tt.code)
			assert.ErrorIs(t, err, fperrors.ErrDTruncated)
			assert.NotErrorIs(t, err, fperrors.ErrDUnsupportedInstruction)
		})
	}

	// complete non floating-point instructions stay unsupported
	_, err := NewDecoder().Decode(0x20, []byte{0x90})
	assert.ErrorIs(t, err, fperrors.ErrDUnsupportedInstruction)
}

func TestOperationGrouping(t *testing.T) {
	op := NewOperation(OpAdd)
	a := RegOperand(TypeDouble, x86.XMM0, 0)
	b := RegOperand(TypeDouble, x86.XMM1, 0)
	op.AddInput(a)
	op.AddInput(b)
	op.AddOutput(a)
	op.AddInput(a.WithLane(1))
	op.AddOutput(a.WithLane(1))
	require.Len(t, op.Sets, 2)
	assert.Len(t, op.Sets[0].Inputs, 2)
	assert.Len(t, op.Sets[1].Inputs, 1)

	wide := NewOperation(OpAM)
	for i := 0; i < MaxInputs+1; i++ {
		wide.AddInput(a)
	}
	assert.Len(t, wide.Sets, 2)
}

func TestOperandValues(t *testing.T) {
	ctx := newFakeContext()
	ctx.SetXMM(x86.XMM1, [2]uint64{math.Float64bits(2.5), math.Float64bits(-4)})
	ctx.SetGPR(x86.RBX, 0x5000)
	ctx.SetGPR(x86.RCX, 2)

	v, err := RegOperand(TypeDouble, x86.XMM1, 1).Value(ctx)
	require.NoError(t, err)
	assert.Equal(t, -4.0, v.Float64())

	mem := MemOperand(TypeSingle, x86.RBX, x86.RCX, 4, 0x10, 1)
	addr, err := mem.Address(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x5000+8+0x10+4), addr)
	require.NoError(t, mem.SetValue(ctx, Single(1.25)))
	raw := make([]byte, 4)
	require.NoError(t, ctx.ReadMemory(addr, raw))
	assert.Equal(t, math.Float32bits(1.25), binary.LittleEndian.Uint32(raw))
	v, err = mem.Value(ctx)
	require.NoError(t, err)
	assert.Equal(t, float32(1.25), v.Float32())

	rip := MemOperand(TypeDouble, x86.RIP, x86.RegNone, 0, -0x10, 0)
	rip.NextPC = 0x1010
	addr, err = rip.Address(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1000), addr)

	gpr := RegOperand(TypeInt32, x86.RAX, 0)
	require.NoError(t, gpr.SetValue(ctx, Int(TypeInt64, -1)))
	assert.Equal(t, uint64(0xFFFFFFFF), ctx.GPR(x86.RAX))
	v, err = gpr.Value(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), v.Int64())
}

func TestValueExponents(t *testing.T) {
	one, near := Double(1.0), Double(0.96875)
	assert.Equal(t, 1, one.Exponent())
	assert.Equal(t, 0, near.Exponent())
	diff := Sub(one, near)
	assert.Equal(t, 0.03125, diff.Float64())
	assert.Equal(t, -4, diff.Exponent())

	sum := Add(one, Double(-1.0+math.Ldexp(1, -60)))
	assert.True(t, sum.IsZero())
	assert.Equal(t, TypeDouble, sum.Type)

	s := Add(Single(1), Double(2))
	assert.Equal(t, TypeDouble, s.Type)
	assert.Equal(t, 3.0, s.Float64())
}

func TestExtended(t *testing.T) {
	one := Extended(big.NewFloat(1))
	assert.Equal(t, uint64(1<<63), one.Bits[0])
	assert.Equal(t, uint64(0x3FFF), one.Bits[1])
	assert.Equal(t, 1.0, one.Float64())
	assert.Equal(t, 1, one.Exponent())

	almost := new(big.Float).SetPrec(ExtendedPrec).SetFloat64(1)
	almost.Sub(almost, new(big.Float).SetMantExp(big.NewFloat(1), -60))
	diff := Sub(one, Extended(almost))
	assert.False(t, diff.IsZero())
	assert.Equal(t, -59, diff.Exponent())
	assert.Equal(t, math.Ldexp(1, -60), diff.Float64())

	neg := Extended(big.NewFloat(-0.75))
	assert.Equal(t, -0.75, neg.Float64())
	assert.Equal(t, neg, FromBytes(TypeExtended, neg.Bytes()))

	assert.True(t, Extended(new(big.Float)).IsZero())
	nan := Value{Type: TypeExtended, Bits: [2]uint64{0xC000000000000000, 0x7FFF}}
	assert.True(t, nan.IsNaN())
	assert.True(t, math.IsNaN(nan.Float64()))
}

func TestLaneBits(t *testing.T) {
	var reg [2]uint64
	reg = SetLaneBits(reg, Single(3), 3)
	reg = SetLaneBits(reg, Single(-1), 0)
	assert.Equal(t, float32(3), LaneBits(reg, TypeSingle, 3).Float32())
	assert.Equal(t, float32(-1), LaneBits(reg, TypeSingle, 0).Float32())
	assert.Equal(t, float32(0), LaneBits(reg, TypeSingle, 1).Float32())
	assert.True(t, Double(math.NaN()).IsNaN())
	assert.Equal(t, 53, TypeDouble.SignificandBits())
	assert.Equal(t, TypeExtended, TypeDouble.Wider(TypeExtended))
}

type fakeX87 struct {
	*fakeContext
	st [8][2]uint64
}

func (c *fakeX87) ST(i int) [2]uint64       { return c.st[i] }
func (c *fakeX87) SetST(i int, v [2]uint64) { c.st[i] = v }

func TestDecodeX87(t *testing.T) {
	st := func(i int) x86.Register { return x86.ST0 + x86.Register(i) }
	cases := []struct {
		name    string
		code    []byte
		ops     []OperationType
		inputs  []OperandType
		outputs []x86.Register
	}{
		{"fadd st0, st1", []byte{0xd8, 0xc1}, []OperationType{OpAdd}, []OperandType{TypeExtended, TypeExtended}, []x86.Register{st(0)}},
		{"fsubr m64", []byte{0xdc, 0x2b}, []OperationType{OpSub}, []OperandType{TypeDouble, TypeExtended}, []x86.Register{st(0)}},
		{"fmul m32", []byte{0xd8, 0x0b}, []OperationType{OpMul}, []OperandType{TypeExtended, TypeSingle}, []x86.Register{st(0)}},
		{"faddp st1, st0", []byte{0xde, 0xc1}, []OperationType{OpAdd, OpPopX87}, []OperandType{TypeExtended, TypeExtended}, []x86.Register{st(0)}},
		{"fdivp st3, st0", []byte{0xde, 0xfb}, []OperationType{OpDiv, OpPopX87}, []OperandType{TypeExtended, TypeExtended}, []x86.Register{st(2)}},
		{"fld m80", []byte{0xdb, 0x2b}, []OperationType{OpPushX87, OpMov}, nil, nil},
		{"fld st1", []byte{0xd9, 0xc1}, []OperationType{OpPushX87, OpMov}, nil, nil},
		{"fsqrt", []byte{0xd9, 0xfa}, []OperationType{OpSqrt}, []OperandType{TypeExtended}, []x86.Register{st(0)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, err := NewDecoder().Decode(0x1000, tc.code)
			require.NoError(t, err)
			require.Len(t, s.Operations(), len(tc.ops))
			for i, op := range s.Operations() {
				assert.Equal(t, tc.ops[i], op.Type)
			}
			op := s.Operations()[0]
			if tc.inputs != nil {
				require.Len(t, op.Inputs(), len(tc.inputs))
				for i, in := range op.Inputs() {
					assert.Equal(t, tc.inputs[i], in.Type, "input %d", i)
				}
				require.Len(t, op.Outputs(), len(tc.outputs))
				for i, out := range op.Outputs() {
					assert.Equal(t, tc.outputs[i], out.Reg)
				}
			}
		})
	}
}

func TestDecodeX87Load(t *testing.T) {
	s, err := NewDecoder().Decode(0x1000, []byte{0xdb, 0x2b}) // fld tbyte [rbx]
	require.NoError(t, err)
	mov := s.Operations()[1]
	require.Len(t, mov.Inputs(), 1)
	in := mov.Inputs()[0]
	assert.True(t, in.IsMemory())
	assert.Equal(t, TypeExtended, in.Type)
	assert.Equal(t, x86.RBX, in.Base)
	assert.Equal(t, x86.ST0, mov.Outputs()[0].Reg)
}

func TestDecodeX87Store(t *testing.T) {
	// fstp qword [rbx] writes memory, then pops
	s, err := NewDecoder().Decode(0x1000, []byte{0xdd, 0x1b})
	require.NoError(t, err)
	ops := s.Operations()
	require.Len(t, ops, 2)
	assert.Equal(t, OpMov, ops[0].Type)
	assert.Equal(t, OpPopX87, ops[1].Type)
	assert.Equal(t, x86.ST0, ops[0].Inputs()[0].Reg)
	out := ops[0].Outputs()[0]
	assert.True(t, out.IsMemory())
	assert.Equal(t, TypeDouble, out.Type)

	// fstp st0 only discards the top
	s, err = NewDecoder().Decode(0x1000, []byte{0xdd, 0xd8})
	require.NoError(t, err)
	assert.Empty(t, s.Operations()[0].Outputs())
}

func TestX87OperandValues(t *testing.T) {
	ctx := &fakeX87{fakeContext: newFakeContext()}
	one := Extended(big.NewFloat(1))
	ctx.st[1] = one.Bits
	o := RegOperand(TypeExtended, x86.ST1, 0)
	v, err := o.Value(ctx)
	require.NoError(t, err)
	assert.Equal(t, TypeExtended, v.Type)
	assert.Equal(t, 0, v.Big().Cmp(big.NewFloat(1)))

	require.NoError(t, RegOperand(TypeExtended, x86.ST3, 0).SetValue(ctx, one))
	assert.Equal(t, one.Bits, ctx.st[3])

	// contexts without a register stack cannot read it
	_, err = o.Value(newFakeContext())
	assert.ErrorIs(t, err, fperrors.ErrCUnsupportedRegister)
}
