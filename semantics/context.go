package semantics

import "github.com/colorfulnotion/fpinst/x86"

// Context is the live machine state of the instrumented thread as seen by
// heavyweight analysis handlers.
type Context interface {
	GPR(r x86.Register) uint64
	SetGPR(r x86.Register, v uint64)
	XMM(r x86.Register) [2]uint64
	SetXMM(r x86.Register, v [2]uint64)
	ReadMemory(addr uint64, buf []byte) error
	WriteMemory(addr uint64, data []byte) error
}

// X87Context is implemented by contexts that expose the x87 register stack.
// ST returns stack register i relative to the current top, in the extended
// layout of Value.Bits.
type X87Context interface {
	ST(i int) [2]uint64
	SetST(i int, v [2]uint64)
}
