package x86

// REX Prefix Constants
const (
	X86_REX_W = 0x08 // REX.W - 64-bit operand size
	X86_REX_R = 0x04 // REX.R - Extension of ModRM reg field
	X86_REX_X = 0x02 // REX.X - Extension of SIB index field
	X86_REX_B = 0x01 // REX.B - Extension of ModRM r/m, SIB base, or opcode reg field
)

// ModRM Mode Constants
const (
	X86_MOD_INDIRECT        = 0x00 // [reg] or [disp32]
	X86_MOD_INDIRECT_DISP8  = 0x01 // [reg + disp8]
	X86_MOD_INDIRECT_DISP32 = 0x02 // [reg + disp32]
	X86_MOD_REGISTER        = 0x03 // reg
)

// ModRM/SIB special field values
const (
	X86_RM_SIB        = 0x04 // rm=100 selects a SIB byte
	X86_RM_DISP32     = 0x05 // rm=101 with mod=00 selects RIP+disp32
	X86_SIB_NO_INDEX  = 0x04 // index=100 means no index
	X86_SIB_NO_BASE   = 0x05 // base=101 with mod=00 means disp32 only
	X86_SIB_SCALE_1   = 0x00
	X86_SIB_SCALE_2   = 0x01
	X86_SIB_SCALE_4   = 0x02
	X86_SIB_SCALE_8   = 0x03
	X86_SIB_ABS_DISP  = 0x25 // scale=1, index=none, base=none
	X86_SIB_RSP_BASE  = 0x24 // scale=1, index=none, base=rsp/r12
	X86_MOD_REG_MASK  = 0x07
	X86_REG_EXT_SHIFT = 3
)

// Primary Opcodes
const (
	X86_OP_ADD_RM_R    = 0x01 // ADD r/m, r
	X86_OP_ADD_AL_IMM8 = 0x04 // ADD AL, imm8
	X86_OP_OR_RM_R     = 0x09 // OR r/m, r
	X86_OP_AND_RM_R    = 0x21 // AND r/m, r
	X86_OP_XOR_RM_R    = 0x31 // XOR r/m, r
	X86_OP_CMP_RM_R    = 0x39 // CMP r/m, r
	X86_OP_REX         = 0x40 // REX prefix base
	X86_OP_PUSH_R      = 0x50 // PUSH r64 (+ reg)
	X86_OP_POP_R       = 0x58 // POP r64 (+ reg)
	X86_OP_MOV_RM_R    = 0x89 // MOV r/m, r
	X86_OP_MOV_R_RM    = 0x8B // MOV r, r/m
	X86_OP_LEA         = 0x8D // LEA r, m
	X86_OP_NOP         = 0x90 // NOP
	X86_OP_PUSHF       = 0x9C // PUSHFQ
	X86_OP_POPF        = 0x9D // POPFQ
	X86_OP_SAHF        = 0x9E // SAHF
	X86_OP_LAHF        = 0x9F // LAHF
	X86_OP_MOV_R_IMM   = 0xB8 // MOV r, imm32/imm64 (+ reg)
	X86_OP_RET         = 0xC3 // RET
	X86_OP_MOV_RM_IMM  = 0xC7 // MOV r/m, imm32
	X86_OP_INT3        = 0xCC // INT3
	X86_OP_INT_IMM8    = 0xCD // INT imm8
	X86_OP_JMP_REL32   = 0xE9 // JMP rel32
	X86_OP_GROUP5_RM   = 0xFF // Group 5 operations (INC, DEC, CALL, JMP, PUSH)
)

// ModRM reg field constants for opcodes with sub-operations
const (
	X86_REG_INC = 0 // INC r/m (for 0xFF opcode)
	X86_REG_MOV = 0 // MOV r/m, imm32 (for 0xC7 opcode)
)

// Two-byte Opcodes (0x0F prefix)
const (
	X86_OP2_MOVUPS_LOAD  = 0x10 // MOVUPS/MOVUPD/MOVSS/MOVSD xmm, xmm/m
	X86_OP2_MOVUPS_STORE = 0x11 // MOVUPS/MOVUPD/MOVSS/MOVSD xmm/m, xmm
	X86_OP2_UNPCKLPS     = 0x14 // UNPCKLPS xmm, xmm/m128
	X86_OP2_MOVAPS       = 0x28 // MOVAPS xmm, xmm/m128
	X86_OP2_UCOMIS       = 0x2E // UCOMISS/UCOMISD
	X86_OP2_COMIS        = 0x2F // COMISS/COMISD
	X86_OP2_SQRT         = 0x51 // SQRTxx
	X86_OP2_AND          = 0x54 // ANDPS/ANDPD
	X86_OP2_OR           = 0x56 // ORPS/ORPD
	X86_OP2_XOR          = 0x57 // XORPS/XORPD
	X86_OP2_ADD          = 0x58 // ADDxx
	X86_OP2_MUL          = 0x59 // MULxx
	X86_OP2_CVT          = 0x5A // CVTSS2SD/CVTSD2SS/CVTPS2PD/CVTPD2PS
	X86_OP2_SUB          = 0x5C // SUBxx
	X86_OP2_MIN          = 0x5D // MINxx
	X86_OP2_DIV          = 0x5E // DIVxx
	X86_OP2_MAX          = 0x5F // MAXxx
	X86_OP2_MOVQ_X_RM    = 0x6E // MOVD/MOVQ xmm, r/m
	X86_OP2_MOVQ_RM_X    = 0x7E // MOVD/MOVQ r/m, xmm
	X86_OP2_SETO         = 0x90 // SETO r/m8
	X86_OP2_MOVZX_R_RM8  = 0xB6 // MOVZX r, r/m8
	X86_OP2_MOVZX_R_RM16 = 0xB7 // MOVZX r, r/m16
	X86_OP2_MAP_3A       = 0x3A // three-byte opcode map 0F 3A
)

// Three-byte Opcodes (0x0F 0x3A prefix)
const (
	X86_OP3_PEXTRQ = 0x16 // PEXTRD/PEXTRQ r/m, xmm, imm8
	X86_OP3_PINSR  = 0x22 // PINSRD/PINSRQ xmm, r/m, imm8
)

// Conditional Jump Opcodes (0x0F prefix)
const (
	X86_OP2_JO  = 0x80 // JO rel32
	X86_OP2_JB  = 0x82 // JB/JNAE/JC rel32
	X86_OP2_JAE = 0x83 // JAE/JNB/JNC rel32
	X86_OP2_JE  = 0x84 // JE/JZ rel32
	X86_OP2_JNE = 0x85 // JNE/JNZ rel32
	X86_OP2_JBE = 0x86 // JBE/JNA rel32
	X86_OP2_JA  = 0x87 // JA/JNBE rel32
	X86_OP2_JP  = 0x8A // JP/JPE rel32
)

// Prefixes
const (
	X86_PREFIX_LOCK  = 0xF0 // LOCK prefix
	X86_PREFIX_REPNE = 0xF2 // REPNE/REPNZ prefix, scalar double SSE
	X86_PREFIX_REP   = 0xF3 // REP/REPE/REPZ prefix, scalar single SSE
	X86_PREFIX_0F    = 0x0F // Two-byte opcode prefix
	X86_PREFIX_66    = 0x66 // Operand-size override prefix, packed double SSE
	X86_PREFIX_NONE  = 0x00 // packed single SSE
)

// Mask applied to the saved AL byte so that "add al, 0x7f" sets OF from the seto bit.
const X86_FLAGS_OF_RESTORE = 0x7F
