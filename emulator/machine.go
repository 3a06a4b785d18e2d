// Package emulator interprets the x86-64 subset used by generated blobs and
// the floating-point instructions they instrument.
package emulator

import (
	"fmt"

	"github.com/colorfulnotion/fpinst/fperrors"
	"github.com/colorfulnotion/fpinst/log"
	"github.com/colorfulnotion/fpinst/target"
	"github.com/colorfulnotion/fpinst/x86"
	"golang.org/x/arch/x86/x86asm"
)

// RFLAGS bits
const (
	FlagCF uint64 = 1 << 0
	FlagPF uint64 = 1 << 2
	FlagAF uint64 = 1 << 4
	FlagZF uint64 = 1 << 6
	FlagSF uint64 = 1 << 7
	FlagOF uint64 = 1 << 11

	flagsFixed  uint64 = 1 << 1
	statusFlags        = FlagCF | FlagPF | FlagAF | FlagZF | FlagSF | FlagOF
)

const maxInstLen = 15

// DefaultMaxSteps bounds Run when Machine.MaxSteps is zero.
const DefaultMaxSteps = 1 << 20

// Hook runs at an instruction address, before or after the instruction executes.
type Hook func(m *Machine) error

// FPState is a snapshot of the SSE and x87 register files.
type FPState struct {
	XMM [16][2]uint64
	ST  [8][2]uint64
	Top int
}

// Machine is the architectural state of one emulated thread over a shared target.Memory.
type Machine struct {
	Mem      target.Memory
	MaxSteps int
	Steps    int

	gpr   [16]uint64
	xmm   [16][2]uint64
	fpu   x87
	rip   uint64
	flags uint64

	pre  map[uint64][]Hook
	post map[uint64][]Hook
}

func New(mem target.Memory) *Machine {
	return &Machine{
		Mem:   mem,
		flags: flagsFixed,
		pre:   make(map[uint64][]Hook),
		post:  make(map[uint64][]Hook),
	}
}

func (m *Machine) GPR(r x86.Register) uint64 {
	if !r.IsGPR() {
		panic(fmt.Errorf("%w: %s", fperrors.ErrCUnsupportedRegister, r))
	}
	return m.gpr[r.ID()]
}

func (m *Machine) SetGPR(r x86.Register, v uint64) {
	if !r.IsGPR() {
		panic(fmt.Errorf("%w: %s", fperrors.ErrCUnsupportedRegister, r))
	}
	m.gpr[r.ID()] = v
}

func (m *Machine) XMM(r x86.Register) [2]uint64 {
	if !r.IsXMM() {
		panic(fmt.Errorf("%w: %s", fperrors.ErrCUnsupportedRegister, r))
	}
	return m.xmm[r.ID()]
}

func (m *Machine) SetXMM(r x86.Register, v [2]uint64) {
	if !r.IsXMM() {
		panic(fmt.Errorf("%w: %s", fperrors.ErrCUnsupportedRegister, r))
	}
	m.xmm[r.ID()] = v
}

func (m *Machine) ReadMemory(addr uint64, buf []byte) error   { return m.Mem.Read(addr, buf) }
func (m *Machine) WriteMemory(addr uint64, data []byte) error { return m.Mem.Write(addr, data) }

func (m *Machine) RIP() uint64       { return m.rip }
func (m *Machine) SetRIP(pc uint64)  { m.rip = pc }
func (m *Machine) Flags() uint64     { return m.flags }
func (m *Machine) SetFlags(f uint64) { m.flags = f&statusFlags | flagsFixed }

func (m *Machine) SaveFPState() FPState {
	return FPState{XMM: m.xmm, ST: m.fpu.st, Top: m.fpu.top}
}

func (m *Machine) RestoreFPState(s FPState) {
	m.xmm, m.fpu.st, m.fpu.top = s.XMM, s.ST, s.Top
}

func (m *Machine) flag(f uint64) bool { return m.flags&f != 0 }
func (m *Machine) setFlag(f uint64, on bool) {
	if on {
		m.flags |= f
	} else {
		m.flags &^= f
	}
}

// HookPre registers h to run before the instruction at addr executes.
func (m *Machine) HookPre(addr uint64, h Hook) { m.pre[addr] = append(m.pre[addr], h) }

// HookPost registers h to run after the instruction at addr executes.
func (m *Machine) HookPost(addr uint64, h Hook) { m.post[addr] = append(m.post[addr], h) }

// Fetch decodes the instruction at pc.
func (m *Machine) Fetch(pc uint64) (x86asm.Inst, error) {
	buf := make([]byte, maxInstLen)
	n := maxInstLen
	for ; n > 0; n-- {
		if err := m.Mem.Read(pc, buf[:n]); err == nil {
			break
		}
	}
	if n == 0 {
		return x86asm.Inst{}, fmt.Errorf("%w: fetch at %#x", fperrors.ErrTUnmappedAddress, pc)
	}
	inst, err := x86asm.Decode(buf[:n], 64)
	if err != nil {
		return x86asm.Inst{}, fmt.Errorf("%w: decode at %#x: %v", fperrors.ErrTUnsupportedInsn, pc, err)
	}
	return inst, nil
}

// Step executes one instruction, running any hooks registered at its address.
func (m *Machine) Step() error {
	pc := m.rip
	inst, err := m.Fetch(pc)
	if err != nil {
		return err
	}
	for _, h := range m.pre[pc] {
		if err := h(m); err != nil {
			return fmt.Errorf("pre hook at %#x: %w", pc, err)
		}
	}
	log.Trace(log.Emu, "step", "pc", fmt.Sprintf("%#x", pc), "inst", x86asm.IntelSyntax(inst, pc, nil))
	m.rip = pc + uint64(inst.Len)
	if err := m.exec(inst); err != nil {
		m.rip = pc
		return fmt.Errorf("%#x %s: %w", pc, x86asm.IntelSyntax(inst, pc, nil), err)
	}
	m.Steps++
	for _, h := range m.post[pc] {
		if err := h(m); err != nil {
			return fmt.Errorf("post hook at %#x: %w", pc, err)
		}
	}
	return nil
}

// Run steps until rip equals until.
func (m *Machine) Run(until uint64) error {
	limit := m.MaxSteps
	if limit == 0 {
		limit = DefaultMaxSteps
	}
	for n := 0; m.rip != until; n++ {
		if n >= limit {
			return fmt.Errorf("%w: %d steps without reaching %#x", fperrors.ErrTStepLimit, limit, until)
		}
		if err := m.Step(); err != nil {
			return err
		}
	}
	return nil
}

// Call pushes until as a return address, then runs from entry until it returns there.
func (m *Machine) Call(entry, until uint64) error {
	if err := m.push(until); err != nil {
		return err
	}
	m.rip = entry
	return m.Run(until)
}

func (m *Machine) exec(inst x86asm.Inst) error {
	if fn, ok := intOps[inst.Op]; ok {
		return fn(m, inst)
	}
	if fn, ok := sseOps[inst.Op]; ok {
		return fn(m, inst)
	}
	if fn, ok := x87Ops[inst.Op]; ok {
		return fn(m, inst)
	}
	return fmt.Errorf("%w: %s", fperrors.ErrTUnsupportedInsn, inst.Op)
}
