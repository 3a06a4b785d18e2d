package x86

import (
	"encoding/binary"
	"fmt"

	"github.com/colorfulnotion/fpinst/fperrors"
)

// Mem describes a memory operand for the builders. Base RegNone selects an
// absolute disp32; Base RIP selects RIP+disp32; Index RegNone means no index.
type Mem struct {
	Base  Register
	Index Register
	Scale uint8
	Disp  int32
}

func (m Mem) String() string {
	s := "["
	if m.Base != RegNone {
		s += m.Base.String()
	}
	if m.Index != RegNone {
		if m.Base != RegNone {
			s += "+"
		}
		s += fmt.Sprintf("%d*%s", m.Scale, m.Index)
	}
	if m.Disp != 0 || (m.Base == RegNone && m.Index == RegNone) {
		s += fmt.Sprintf("%+#x", m.Disp)
	}
	return s + "]"
}

func unsupported(r Register) error {
	return fmt.Errorf("%w: %s", fperrors.ErrCUnsupportedRegister, r)
}

func encodeU32(v uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, v)
	return buf
}

func encodeU64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return buf
}

// BuildREX folds the W flag and bit 3 of the reg, index and base ids into a REX byte.
func BuildREX(w bool, reg, index, base byte) byte {
	rex := byte(X86_OP_REX)
	if w {
		rex |= X86_REX_W
	}
	if reg&0x08 != 0 {
		rex |= X86_REX_R
	}
	if index&0x08 != 0 {
		rex |= X86_REX_X
	}
	if base&0x08 != 0 {
		rex |= X86_REX_B
	}
	return rex
}

// NeedREX reports whether a REX byte carries any bit and must be emitted.
func NeedREX(rex byte) bool {
	return rex != X86_OP_REX
}

func BuildModRM(mod, reg, rm byte) byte {
	return (mod&0x03)<<6 | (reg&X86_MOD_REG_MASK)<<X86_REG_EXT_SHIFT | rm&X86_MOD_REG_MASK
}

// BuildSIB encodes scale (1, 2, 4 or 8), index and base.
func BuildSIB(scale uint8, index, base byte) byte {
	return scaleBits(scale)<<6 | (index&X86_MOD_REG_MASK)<<X86_REG_EXT_SHIFT | base&X86_MOD_REG_MASK
}

func scaleBits(scale uint8) byte {
	switch scale {
	case 1:
		return X86_SIB_SCALE_1
	case 2:
		return X86_SIB_SCALE_2
	case 4:
		return X86_SIB_SCALE_4
	case 8:
		return X86_SIB_SCALE_8
	}
	panic(fmt.Errorf("%w: %d", fperrors.ErrCUnsupportedScale, scale))
}

// dispMode picks the smallest displacement form; rbp/r13 as base cannot use mod=00.
func dispMode(base byte, disp int32) (byte, []byte) {
	switch {
	case disp == 0 && base&X86_MOD_REG_MASK != X86_SIB_NO_BASE:
		return X86_MOD_INDIRECT, nil
	case disp >= -128 && disp <= 127:
		return X86_MOD_INDIRECT_DISP8, []byte{byte(int8(disp))}
	default:
		return X86_MOD_INDIRECT_DISP32, encodeU32(uint32(disp))
	}
}

// assemble lays out {prefixes} {REX} {opcode} {body}. X86_PREFIX_NONE entries are skipped.
func assemble(prefix []byte, w bool, opcode []byte, reg, index, base byte, body []byte) []byte {
	code := make([]byte, 0, len(prefix)+1+len(opcode)+len(body))
	for _, p := range prefix {
		if p != X86_PREFIX_NONE {
			code = append(code, p)
		}
	}
	if rex := BuildREX(w, reg, index, base); NeedREX(rex) {
		code = append(code, rex)
	}
	code = append(code, opcode...)
	return append(code, body...)
}

// BuildInstructionReg encodes a register-direct form; reg is a register id or an opcode extension digit.
func BuildInstructionReg(prefix []byte, w bool, opcode []byte, reg byte, rm Register) []byte {
	id := rm.ID()
	return assemble(prefix, w, opcode, reg, 0, id, []byte{BuildModRM(X86_MOD_REGISTER, reg, id)})
}

// BuildInstructionMem encodes reg with a [base+disp] operand.
func BuildInstructionMem(prefix []byte, w bool, opcode []byte, reg byte, base Register, disp int32) []byte {
	switch {
	case base == RegNone:
		body := []byte{BuildModRM(X86_MOD_INDIRECT, reg, X86_RM_SIB), X86_SIB_ABS_DISP}
		return assemble(prefix, w, opcode, reg, 0, 0, append(body, encodeU32(uint32(disp))...))
	case base == RIP:
		body := []byte{BuildModRM(X86_MOD_INDIRECT, reg, X86_RM_DISP32)}
		return assemble(prefix, w, opcode, reg, 0, 0, append(body, encodeU32(uint32(disp))...))
	case !base.IsGPR():
		panic(unsupported(base))
	}
	b := base.ID()
	mod, d := dispMode(b, disp)
	body := []byte{BuildModRM(mod, reg, b)}
	if b&X86_MOD_REG_MASK == X86_RM_SIB {
		body = append(body, X86_SIB_RSP_BASE)
	}
	return assemble(prefix, w, opcode, reg, 0, b, append(body, d...))
}

// BuildInstructionSIB encodes reg with a [base+scale*index+disp] operand.
func BuildInstructionSIB(prefix []byte, w bool, opcode []byte, reg byte, base, index Register, scale uint8, disp int32) []byte {
	if index == RegNone {
		return BuildInstructionMem(prefix, w, opcode, reg, base, disp)
	}
	if index == RSP || !index.IsGPR() {
		panic(unsupported(index))
	}
	x := index.ID()
	if base == RegNone {
		body := []byte{BuildModRM(X86_MOD_INDIRECT, reg, X86_RM_SIB), BuildSIB(scale, x, X86_SIB_NO_BASE)}
		return assemble(prefix, w, opcode, reg, x, 0, append(body, encodeU32(uint32(disp))...))
	}
	if !base.IsGPR() {
		panic(unsupported(base))
	}
	b := base.ID()
	mod, d := dispMode(b, disp)
	body := []byte{BuildModRM(mod, reg, X86_RM_SIB), BuildSIB(scale, x, b)}
	return assemble(prefix, w, opcode, reg, x, b, append(body, d...))
}

// BuildInstructionAddr picks the Mem or SIB form for m.
func BuildInstructionAddr(prefix []byte, w bool, opcode []byte, reg byte, m Mem) []byte {
	if m.Index == RegNone {
		return BuildInstructionMem(prefix, w, opcode, reg, m.Base, m.Disp)
	}
	return BuildInstructionSIB(prefix, w, opcode, reg, m.Base, m.Index, m.Scale, m.Disp)
}

// FitsAbs32 reports whether addr can be reached by a sign-extended absolute disp32.
func FitsAbs32(addr uint64) bool {
	return addr < 1<<31
}

// ---- stack and flags ----

func Push(r Register) []byte {
	if !r.IsGPR() || r.ID() > 7 {
		panic(unsupported(r))
	}
	return []byte{X86_OP_PUSH_R + r.RegBits()}
}

func Pop(r Register) []byte {
	if !r.IsGPR() || r.ID() > 7 {
		panic(unsupported(r))
	}
	return []byte{X86_OP_POP_R + r.RegBits()}
}

func Pushf() []byte { return []byte{X86_OP_PUSHF} }
func Popf() []byte  { return []byte{X86_OP_POPF} }
func Lahf() []byte  { return []byte{X86_OP_LAHF} }
func Sahf() []byte  { return []byte{X86_OP_SAHF} }

// SetoAL encodes: seto al
func SetoAL() []byte {
	return []byte{X86_PREFIX_0F, X86_OP2_SETO, BuildModRM(X86_MOD_REGISTER, 0, RAX.ID())}
}

// AddALImm8 encodes: add al, imm8
func AddALImm8(imm byte) []byte {
	return []byte{X86_OP_ADD_AL_IMM8, imm}
}

// SaveFlagsFast stores SF/ZF/AF/PF/CF (via lahf) and OF (via seto) at [rsp+off]. Clobbers rax.
func SaveFlagsFast(off int32) []byte {
	code := MovImm32ToGPR64(RAX, 0)
	code = append(code, Lahf()...)
	code = append(code, SetoAL()...)
	return append(code, MovGPR64ToStack(RAX, off)...)
}

// RestoreFlagsFast reloads flags written by SaveFlagsFast. Clobbers rax.
func RestoreFlagsFast(off int32) []byte {
	code := MovStackToGPR64(RAX, off)
	code = append(code, AddALImm8(X86_FLAGS_OF_RESTORE)...)
	return append(code, Sahf()...)
}

// PushFlagsFast saves rax on the real stack and then the fast flags below it.
func PushFlagsFast() []byte {
	code := Push(RAX)
	code = append(code, LeaRSP(-8)...)
	return append(code, SaveFlagsFast(0)...)
}

// PopFlagsFast reverses PushFlagsFast.
func PopFlagsFast() []byte {
	code := RestoreFlagsFast(0)
	code = append(code, LeaRSP(8)...)
	return append(code, Pop(RAX)...)
}

// ---- moves ----

func MovGPR64ToGPR64(dst, src Register) []byte {
	return BuildInstructionReg(nil, true, []byte{X86_OP_MOV_RM_R}, src.ID(), dst)
}

// MovXmmToGPR64 encodes: movq dst, src (low lane)
func MovXmmToGPR64(dst, src Register) []byte {
	return BuildInstructionReg([]byte{X86_PREFIX_66}, true, []byte{X86_PREFIX_0F, X86_OP2_MOVQ_RM_X}, src.ID(), dst)
}

// MovGPR64ToXmm encodes: movq dst, src (upper lane zeroed)
func MovGPR64ToXmm(dst, src Register) []byte {
	return BuildInstructionReg([]byte{X86_PREFIX_66}, true, []byte{X86_PREFIX_0F, X86_OP2_MOVQ_X_RM}, dst.ID(), src)
}

// MovXmmToXmm encodes: movaps dst, src
func MovXmmToXmm(dst, src Register) []byte {
	return BuildInstructionReg(nil, false, []byte{X86_PREFIX_0F, X86_OP2_MOVAPS}, dst.ID(), src)
}

func MovGPR64ToMem(m Mem, src Register) []byte {
	return BuildInstructionAddr(nil, true, []byte{X86_OP_MOV_RM_R}, src.ID(), m)
}

func MovMemToGPR64(dst Register, m Mem) []byte {
	return BuildInstructionAddr(nil, true, []byte{X86_OP_MOV_R_RM}, dst.ID(), m)
}

func Lea(dst Register, m Mem) []byte {
	return BuildInstructionAddr(nil, true, []byte{X86_OP_LEA}, dst.ID(), m)
}

func MovGPR64ToStack(src Register, off int32) []byte {
	return MovGPR64ToMem(Mem{Base: RSP, Disp: off}, src)
}

func MovStackToGPR64(dst Register, off int32) []byte {
	return MovMemToGPR64(dst, Mem{Base: RSP, Disp: off})
}

// MovXmmToStack encodes: movupd [rsp+off], src
func MovXmmToStack(src Register, off int32) []byte {
	return XmmStore(X86_PREFIX_66, Mem{Base: RSP, Disp: off}, src)
}

// MovStackToXmm encodes: movupd dst, [rsp+off]
func MovStackToXmm(dst Register, off int32) []byte {
	return XmmLoad(X86_PREFIX_66, dst, Mem{Base: RSP, Disp: off})
}

// ---- immediates ----

// MovImm32ToGPR32 encodes: mov r32, imm32 (zero-extends into the 64-bit register)
func MovImm32ToGPR32(dst Register, imm uint32) []byte {
	if !dst.IsGPR() {
		panic(unsupported(dst))
	}
	return assemble(nil, false, []byte{X86_OP_MOV_R_IMM + dst.RegBits()}, 0, 0, dst.ID(), encodeU32(imm))
}

// MovImm32ToGPR64 encodes: mov r64, simm32
func MovImm32ToGPR64(dst Register, imm int32) []byte {
	code := BuildInstructionReg(nil, true, []byte{X86_OP_MOV_RM_IMM}, X86_REG_MOV, dst)
	return append(code, encodeU32(uint32(imm))...)
}

// MovImm64ToGPR64 encodes: mov r64, imm64
func MovImm64ToGPR64(dst Register, imm uint64) []byte {
	if !dst.IsGPR() {
		panic(unsupported(dst))
	}
	return assemble(nil, true, []byte{X86_OP_MOV_R_IMM + dst.RegBits()}, 0, 0, dst.ID(), encodeU64(imm))
}

// MovImm32ToStack encodes: mov qword [rsp+off], simm32
func MovImm32ToStack(off int32, imm int32) []byte {
	code := BuildInstructionMem(nil, true, []byte{X86_OP_MOV_RM_IMM}, X86_REG_MOV, RSP, off)
	return append(code, encodeU32(uint32(imm))...)
}

// ---- integer arithmetic ----

func aluGPR64(op byte, dst, src Register) []byte {
	return BuildInstructionReg(nil, true, []byte{op}, src.ID(), dst)
}

func AndGPR64(dst, src Register) []byte { return aluGPR64(X86_OP_AND_RM_R, dst, src) }
func OrGPR64(dst, src Register) []byte  { return aluGPR64(X86_OP_OR_RM_R, dst, src) }
func XorGPR64(dst, src Register) []byte { return aluGPR64(X86_OP_XOR_RM_R, dst, src) }
func CmpGPR64(dst, src Register) []byte { return aluGPR64(X86_OP_CMP_RM_R, dst, src) }
func AddGPR64(dst, src Register) []byte { return aluGPR64(X86_OP_ADD_RM_R, dst, src) }

// IncMem64 encodes: [lock] inc qword m
func IncMem64(m Mem, lock bool) []byte {
	var prefix []byte
	if lock {
		prefix = []byte{X86_PREFIX_LOCK}
	}
	return BuildInstructionAddr(prefix, true, []byte{X86_OP_GROUP5_RM}, X86_REG_INC, m)
}

// IncMem64Abs encodes: [lock] inc qword [addr]; addr must satisfy FitsAbs32.
func IncMem64Abs(addr uint64, lock bool) []byte {
	if !FitsAbs32(addr) {
		panic(fmt.Errorf("%w: %#x", fperrors.ErrCDisplacementRange, addr))
	}
	return IncMem64(Mem{Disp: int32(addr)}, lock)
}

// IncMem64Reg encodes: [lock] inc qword [base]
func IncMem64Reg(base Register, lock bool) []byte {
	return IncMem64(Mem{Base: base}, lock)
}

// ---- jumps ----
// Every jump builder leaves a zero rel32 as its last four bytes.

func Jmp() []byte {
	return []byte{X86_OP_JMP_REL32, 0, 0, 0, 0}
}

// Jcc encodes a two-byte conditional jump with a rel32 placeholder.
func Jcc(op2 byte) []byte {
	return []byte{X86_PREFIX_0F, op2, 0, 0, 0, 0}
}

func Je() []byte  { return Jcc(X86_OP2_JE) }
func Jne() []byte { return Jcc(X86_OP2_JNE) }
func Jb() []byte  { return Jcc(X86_OP2_JB) }
func Jae() []byte { return Jcc(X86_OP2_JAE) }
func Jbe() []byte { return Jcc(X86_OP2_JBE) }
func Ja() []byte  { return Jcc(X86_OP2_JA) }
func Jp() []byte  { return Jcc(X86_OP2_JP) }

// RelFieldOffset returns the index of the rel32 field inside a jump encoding.
func RelFieldOffset(jump []byte) int {
	return len(jump) - 4
}

// PatchRel32 writes target relative to the end of the 4-byte field at buf[field:].
func PatchRel32(buf []byte, field int, target int) {
	binary.LittleEndian.PutUint32(buf[field:], uint32(int32(target-(field+4))))
}

// ---- SSE ----

// BuildSSE encodes a two-byte-map SSE op between registers; prefix selects the ps/pd/ss/sd form.
func BuildSSE(prefix byte, op byte, dst, src Register) []byte {
	return BuildInstructionReg([]byte{prefix}, false, []byte{X86_PREFIX_0F, op}, dst.ID(), src)
}

// BuildSSEMem encodes a two-byte-map SSE op with a memory source.
func BuildSSEMem(prefix byte, op byte, dst Register, m Mem) []byte {
	return BuildInstructionAddr([]byte{prefix}, false, []byte{X86_PREFIX_0F, op}, dst.ID(), m)
}

func Cvtss2sd(dst, src Register) []byte { return BuildSSE(X86_PREFIX_REP, X86_OP2_CVT, dst, src) }
func Cvtsd2ss(dst, src Register) []byte { return BuildSSE(X86_PREFIX_REPNE, X86_OP2_CVT, dst, src) }
func Cvtps2pd(dst, src Register) []byte { return BuildSSE(X86_PREFIX_NONE, X86_OP2_CVT, dst, src) }
func Cvtpd2ps(dst, src Register) []byte { return BuildSSE(X86_PREFIX_66, X86_OP2_CVT, dst, src) }
func Unpcklps(dst, src Register) []byte { return BuildSSE(X86_PREFIX_NONE, X86_OP2_UNPCKLPS, dst, src) }
func Andpd(dst, src Register) []byte    { return BuildSSE(X86_PREFIX_66, X86_OP2_AND, dst, src) }
func Andps(dst, src Register) []byte    { return BuildSSE(X86_PREFIX_NONE, X86_OP2_AND, dst, src) }
func Ucomisd(a, b Register) []byte      { return BuildSSE(X86_PREFIX_66, X86_OP2_UCOMIS, a, b) }

// XmmLoad encodes movss/movsd/movupd/movups dst, m depending on prefix.
func XmmLoad(prefix byte, dst Register, m Mem) []byte {
	return BuildSSEMem(prefix, X86_OP2_MOVUPS_LOAD, dst, m)
}

// XmmStore encodes movss/movsd/movupd/movups m, src depending on prefix.
func XmmStore(prefix byte, m Mem, src Register) []byte {
	return BuildSSEMem(prefix, X86_OP2_MOVUPS_STORE, src, m)
}

// Pinsrd encodes: pinsrd dst, src32, lane
func Pinsrd(dst, src Register, lane byte) []byte {
	code := BuildInstructionReg([]byte{X86_PREFIX_66}, false, []byte{X86_PREFIX_0F, X86_OP2_MAP_3A, X86_OP3_PINSR}, dst.ID(), src)
	return append(code, lane)
}

// Pinsrq encodes: pinsrq dst, src64, lane
func Pinsrq(dst, src Register, lane byte) []byte {
	code := BuildInstructionReg([]byte{X86_PREFIX_66}, true, []byte{X86_PREFIX_0F, X86_OP2_MAP_3A, X86_OP3_PINSR}, dst.ID(), src)
	return append(code, lane)
}

// Pextrq encodes: pextrq dst64, src, lane
func Pextrq(dst, src Register, lane byte) []byte {
	code := BuildInstructionReg([]byte{X86_PREFIX_66}, true, []byte{X86_PREFIX_0F, X86_OP2_MAP_3A, X86_OP3_PEXTRQ}, src.ID(), dst)
	return append(code, lane)
}

// ---- misc ----

// LeaRSP adjusts rsp by off without touching flags.
func LeaRSP(off int32) []byte {
	return Lea(RSP, Mem{Base: RSP, Disp: off})
}

func Nop() []byte { return []byte{X86_OP_NOP} }
func Ret() []byte { return []byte{X86_OP_RET} }

// Die encodes "int 3" in its two-byte form.
func Die() []byte { return []byte{X86_OP_INT_IMM8, 0x03} }
