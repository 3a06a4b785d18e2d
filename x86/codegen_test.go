package x86

import (
	"encoding/binary"
	"strings"
	"testing"

	"github.com/colorfulnotion/fpinst/fperrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"
)

func TestEncodings(t *testing.T) {
	cases := []struct {
		name string
		code []byte
		want []byte
	}{
		{"mov [rsp], rax", MovGPR64ToStack(RAX, 0), []byte{0x48, 0x89, 0x04, 0x24}},
		{"mov [rsp-8], rax", MovGPR64ToStack(RAX, -8), []byte{0x48, 0x89, 0x44, 0x24, 0xF8}},
		{"mov [rbp], rax", MovGPR64ToMem(Mem{Base: RBP}, RAX), []byte{0x48, 0x89, 0x45, 0x00}},
		{"mov [r13], rax", MovGPR64ToMem(Mem{Base: R13}, RAX), []byte{0x49, 0x89, 0x45, 0x00}},
		{"mov [r12], rax", MovGPR64ToMem(Mem{Base: R12}, RAX), []byte{0x49, 0x89, 0x04, 0x24}},
		{"mov [0x1000], rax", MovGPR64ToMem(Mem{Disp: 0x1000}, RAX), []byte{0x48, 0x89, 0x04, 0x25, 0x00, 0x10, 0x00, 0x00}},
		{"mov [rip+0x10], rax", MovGPR64ToMem(Mem{Base: RIP, Disp: 0x10}, RAX), []byte{0x48, 0x89, 0x05, 0x10, 0x00, 0x00, 0x00}},
		{"mov [rax+rcx*8], rax", MovGPR64ToMem(Mem{Base: RAX, Index: RCX, Scale: 8}, RAX), []byte{0x48, 0x89, 0x04, 0xC8}},
		{"mov [r10+r9*2], r11", MovGPR64ToMem(Mem{Base: R10, Index: R9, Scale: 2}, R11), []byte{0x4F, 0x89, 0x1C, 0x4A}},
		{"movupd [rsp-0x20], xmm0", MovXmmToStack(XMM0, -0x20), []byte{0x66, 0x0F, 0x11, 0x44, 0x24, 0xE0}},
		{"movupd xmm15, [rsp+0x10]", MovStackToXmm(XMM15, 0x10), []byte{0x66, 0x44, 0x0F, 0x10, 0x7C, 0x24, 0x10}},
		{"push rax", Push(RAX), []byte{0x50}},
		{"pop rbx", Pop(RBX), []byte{0x5B}},
		{"lock inc qword [0x2000]", IncMem64Abs(0x2000, true), []byte{0xF0, 0x48, 0xFF, 0x04, 0x25, 0x00, 0x20, 0x00, 0x00}},
		{"inc qword [rbx]", IncMem64Reg(RBX, false), []byte{0x48, 0xFF, 0x03}},
		{"pinsrq xmm1, rax, 1", Pinsrq(XMM1, RAX, 1), []byte{0x66, 0x48, 0x0F, 0x3A, 0x22, 0xC8, 0x01}},
		{"pextrq rax, xmm2, 1", Pextrq(RAX, XMM2, 1), []byte{0x66, 0x48, 0x0F, 0x3A, 0x16, 0xD0, 0x01}},
		{"movq xmm8, rbx", MovGPR64ToXmm(XMM8, RBX), []byte{0x66, 0x4C, 0x0F, 0x6E, 0xC3}},
		{"movq rcx, xmm3", MovXmmToGPR64(RCX, XMM3), []byte{0x66, 0x48, 0x0F, 0x7E, 0xD9}},
		{"cvtss2sd xmm1, xmm2", Cvtss2sd(XMM1, XMM2), []byte{0xF3, 0x0F, 0x5A, 0xCA}},
		{"andpd xmm9, xmm10", Andpd(XMM9, XMM10), []byte{0x66, 0x45, 0x0F, 0x54, 0xCA}},
		{"andps xmm0, xmm1", Andps(XMM0, XMM1), []byte{0x0F, 0x54, 0xC1}},
		{"mov r10, imm64", MovImm64ToGPR64(R10, 1), []byte{0x49, 0xBA, 1, 0, 0, 0, 0, 0, 0, 0}},
		{"mov r11d, 5", MovImm32ToGPR32(R11, 5), []byte{0x41, 0xBB, 5, 0, 0, 0}},
		{"mov rax, 0", MovImm32ToGPR64(RAX, 0), []byte{0x48, 0xC7, 0xC0, 0, 0, 0, 0}},
		{"and rax, rbx", AndGPR64(RAX, RBX), []byte{0x48, 0x21, 0xD8}},
		{"cmp r8, rax", CmpGPR64(R8, RAX), []byte{0x49, 0x39, 0xC0}},
		{"lea rsp, [rsp-8]", LeaRSP(-8), []byte{0x48, 0x8D, 0x64, 0x24, 0xF8}},
		{"int 3", Die(), []byte{0xCD, 0x03}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.code)
		})
	}
}

func TestFastFlagsSequence(t *testing.T) {
	save := SaveFlagsFast(-0x90)
	want := []byte{
		0x48, 0xC7, 0xC0, 0, 0, 0, 0,
		0x9F,
		0x0F, 0x90, 0xC0,
		0x48, 0x89, 0x84, 0x24, 0x70, 0xFF, 0xFF, 0xFF,
	}
	assert.Equal(t, want, save)

	restore := RestoreFlagsFast(-0x90)
	want = []byte{
		0x48, 0x8B, 0x84, 0x24, 0x70, 0xFF, 0xFF, 0xFF,
		0x04, 0x7F,
		0x9E,
	}
	assert.Equal(t, want, restore)
}

// Each memory form must decode back to the operand it was built from.
func TestMemoryFormsDecode(t *testing.T) {
	mems := []Mem{
		{Base: RSP},
		{Base: RSP, Disp: -0xb0},
		{Base: R12, Disp: 8},
		{Base: RBP},
		{Base: R13, Disp: 0x1000},
		{Disp: 0x7000},
		{Base: RIP, Disp: -0x40},
		{Base: RAX, Index: RCX, Scale: 4, Disp: 0x20},
		{Index: RDX, Scale: 8, Disp: 0x100},
		{Base: R13, Index: R14, Scale: 1},
	}
	for _, m := range mems {
		t.Run(m.String(), func(t *testing.T) {
			code := MovMemToGPR64(R9, m)
			inst, err := x86asm.Decode(code, 64)
			require.NoError(t, err)
			require.Equal(t, len(code), inst.Len)
			assert.Equal(t, x86asm.MOV, inst.Op)
			assert.Equal(t, x86asm.R9, inst.Args[0])
			mem, ok := inst.Args[1].(x86asm.Mem)
			require.True(t, ok)

			wantBase := x86asm.Reg(0)
			switch {
			case m.Base == RIP:
				wantBase = x86asm.RIP
			case m.Base != RegNone:
				wantBase = x86asm.RAX + x86asm.Reg(m.Base.ID())
			}
			assert.Equal(t, wantBase, mem.Base)
			if m.Index != RegNone {
				assert.Equal(t, x86asm.RAX+x86asm.Reg(m.Index.ID()), mem.Index)
				assert.Equal(t, m.Scale, mem.Scale)
			} else {
				assert.Equal(t, x86asm.Reg(0), mem.Index)
			}
			assert.Equal(t, int64(m.Disp), int64(int32(mem.Disp)))
		})
	}
}

func TestXmmRoundTripDecode(t *testing.T) {
	for id := byte(0); id < 16; id++ {
		code := MovStackToXmm(XMM(id), -0x40)
		inst, err := x86asm.Decode(code, 64)
		require.NoError(t, err)
		assert.Equal(t, x86asm.MOVUPD, inst.Op)
		assert.Equal(t, x86asm.X0+x86asm.Reg(id), inst.Args[0])
	}
}

func TestRelocation(t *testing.T) {
	buf := append(Nop(), Jne()...)
	field := 1 + RelFieldOffset(Jne())
	assert.Equal(t, 3, field)
	PatchRel32(buf, field, 0)
	// rel32 is relative to the end of the field: 0 - 7
	assert.Equal(t, int32(-7), int32(binary.LittleEndian.Uint32(buf[field:])))

	inst, err := x86asm.Decode(buf[1:], 64)
	require.NoError(t, err)
	assert.Equal(t, x86asm.JNE, inst.Op)
}

func TestBuilderPanics(t *testing.T) {
	assert.PanicsWithError(t, fperrors.ErrCUnsupportedScale.Error()+": 3", func() {
		BuildSIB(3, 0, 0)
	})
	assertPanicsIs(t, fperrors.ErrCUnsupportedRegister, func() { Push(XMM0) })
	assertPanicsIs(t, fperrors.ErrCUnsupportedRegister, func() { Push(R8) })
	assertPanicsIs(t, fperrors.ErrCUnsupportedRegister, func() { MovGPR64ToMem(Mem{Base: XMM1}, RAX) })
	assertPanicsIs(t, fperrors.ErrCUnsupportedRegister, func() { MovGPR64ToMem(Mem{Base: RAX, Index: RSP, Scale: 1}, RAX) })
	assertPanicsIs(t, fperrors.ErrCUnsupportedRegister, func() { RegNone.ID() })
	assertPanicsIs(t, fperrors.ErrCDisplacementRange, func() { IncMem64Abs(0x80000000, false) })
}

func assertPanicsIs(t *testing.T, target error, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		require.NotNil(t, r, "expected panic")
		err, ok := r.(error)
		require.True(t, ok)
		assert.ErrorIs(t, err, target)
	}()
	fn()
}

func TestREX(t *testing.T) {
	assert.False(t, NeedREX(BuildREX(false, 1, 2, 3)))
	assert.Equal(t, byte(0x4F), BuildREX(true, 8, 9, 10))
	assert.Equal(t, byte(0x44), BuildREX(false, XMM12.ID(), 0, 0))
	assert.Equal(t, byte(0xC8), BuildSIB(8, 1, 0))
	assert.Equal(t, byte(0x84), BuildModRM(2, 0, 4))
}

func TestFromX86asm(t *testing.T) {
	assert.Equal(t, RAX, FromX86asm(x86asm.EAX))
	assert.Equal(t, RSI, FromX86asm(x86asm.SIB))
	assert.Equal(t, R15, FromX86asm(x86asm.R15W))
	assert.Equal(t, XMM7, FromX86asm(x86asm.X7))
	assert.Equal(t, RIP, FromX86asm(x86asm.RIP))
	assert.Equal(t, RegNone, FromX86asm(x86asm.CS))
}

func TestDisassemble(t *testing.T) {
	code := append(SaveFlagsFast(-8), 0x06)
	out := Disassemble(code)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 5)
	assert.Contains(t, lines[1], "lahf")
	assert.Contains(t, lines[4], "db 0x06")

	insts, err := DecodeAll(code[:len(code)-1])
	require.NoError(t, err)
	assert.Len(t, insts, 4)
}

func TestParseRegister(t *testing.T) {
	r, ok := ParseRegister("xmm12")
	assert.True(t, ok)
	assert.Equal(t, XMM12, r)
	r, ok = ParseRegister("rbx")
	assert.True(t, ok)
	assert.Equal(t, RBX, r)
	_, ok = ParseRegister("none")
	assert.False(t, ok)
	_, ok = ParseRegister("eax")
	assert.False(t, ok)
}
