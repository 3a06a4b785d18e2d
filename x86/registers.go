// Package x86 provides x86-64 register definitions and stateless machine-code builders.
package x86

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// Register identifies a general purpose, x87 or SSE register. GPRs and XMM
// registers are laid out in encoding order so ID() is a subtraction.
type Register uint8

const (
	RegNone Register = iota
	RIP              // pseudo register for RIP-relative operands
	RFLAGS
	RAX
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
	ST0
	ST1
	ST2
	ST3
	ST4
	ST5
	ST6
	ST7
	XMM0
	XMM1
	XMM2
	XMM3
	XMM4
	XMM5
	XMM6
	XMM7
	XMM8
	XMM9
	XMM10
	XMM11
	XMM12
	XMM13
	XMM14
	XMM15
	numRegisters
)

var regNames = [numRegisters]string{
	RegNone: "none", RIP: "rip", RFLAGS: "rflags",
	RAX: "rax", RCX: "rcx", RDX: "rdx", RBX: "rbx",
	RSP: "rsp", RBP: "rbp", RSI: "rsi", RDI: "rdi",
	R8: "r8", R9: "r9", R10: "r10", R11: "r11",
	R12: "r12", R13: "r13", R14: "r14", R15: "r15",
	ST0: "st0", ST1: "st1", ST2: "st2", ST3: "st3",
	ST4: "st4", ST5: "st5", ST6: "st6", ST7: "st7",
	XMM0: "xmm0", XMM1: "xmm1", XMM2: "xmm2", XMM3: "xmm3",
	XMM4: "xmm4", XMM5: "xmm5", XMM6: "xmm6", XMM7: "xmm7",
	XMM8: "xmm8", XMM9: "xmm9", XMM10: "xmm10", XMM11: "xmm11",
	XMM12: "xmm12", XMM13: "xmm13", XMM14: "xmm14", XMM15: "xmm15",
}

func (r Register) String() string {
	if r < numRegisters {
		return regNames[r]
	}
	return fmt.Sprintf("reg(%d)", uint8(r))
}

func (r Register) IsGPR() bool { return r >= RAX && r <= R15 }
func (r Register) IsXMM() bool { return r >= XMM0 && r <= XMM15 }
func (r Register) IsST() bool  { return r >= ST0 && r <= ST7 }

// ID returns the 4-bit encoding id; bit 3 is carried by REX.R/X/B.
// RIP encodes as 5, the rm=101 slot of the mod=00 RIP-relative form.
func (r Register) ID() byte {
	switch {
	case r.IsGPR():
		return byte(r - RAX)
	case r.IsXMM():
		return byte(r - XMM0)
	case r.IsST():
		return byte(r - ST0)
	case r == RIP:
		return 5
	}
	panic(unsupported(r))
}

// RegBits is the low three bits of the encoding id.
func (r Register) RegBits() byte { return r.ID() & 0x07 }

// REXBit is 1 for r8..r15 and xmm8..xmm15.
func (r Register) REXBit() byte { return (r.ID() >> 3) & 0x01 }

// GPR returns the general purpose register with the given encoding id.
func GPR(id byte) Register { return RAX + Register(id&0x0F) }

// XMM returns the SSE register with the given encoding id.
func XMM(id byte) Register { return XMM0 + Register(id&0x0F) }

// FromX86asm maps a decoded x86asm register to its 64-bit container register.
func FromX86asm(r x86asm.Reg) Register {
	switch {
	case r >= x86asm.RAX && r <= x86asm.R15:
		return RAX + Register(r-x86asm.RAX)
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return RAX + Register(r-x86asm.EAX)
	case r >= x86asm.AX && r <= x86asm.R15W:
		return RAX + Register(r-x86asm.AX)
	case r >= x86asm.AL && r <= x86asm.BL:
		return RAX + Register(r-x86asm.AL)
	case r >= x86asm.AH && r <= x86asm.BH:
		return RAX + Register(r-x86asm.AH)
	case r >= x86asm.SPB && r <= x86asm.R15B:
		return RSP + Register(r-x86asm.SPB)
	case r >= x86asm.X0 && r <= x86asm.X15:
		return XMM0 + Register(r-x86asm.X0)
	case r >= x86asm.F0 && r <= x86asm.F7:
		return ST0 + Register(r-x86asm.F0)
	case r == x86asm.RIP:
		return RIP
	}
	return RegNone
}

// ParseRegister looks a register up by its lower-case name.
func ParseRegister(name string) (Register, bool) {
	for r, n := range regNames {
		if n == name && Register(r) != RegNone {
			return Register(r), true
		}
	}
	return RegNone, false
}
