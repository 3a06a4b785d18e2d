package emulator

import (
	"encoding/binary"
	"fmt"

	"github.com/colorfulnotion/fpinst/fperrors"
	"golang.org/x/arch/x86/x86asm"
)

func sizeMask(size int) uint64 {
	if size >= 8 {
		return ^uint64(0)
	}
	return 1<<(8*size) - 1
}

func regSize(r x86asm.Reg) int {
	switch {
	case r >= x86asm.AL && r <= x86asm.R15B:
		return 1
	case r >= x86asm.AX && r <= x86asm.R15W:
		return 2
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return 4
	case r >= x86asm.RAX && r <= x86asm.R15:
		return 8
	case r >= x86asm.X0 && r <= x86asm.X15:
		return 16
	}
	return 0
}

// gprSlot returns the 64-bit register index and bit shift for a GPR of any width.
func gprSlot(r x86asm.Reg) (int, uint, bool) {
	switch {
	case r >= x86asm.AL && r <= x86asm.BL:
		return int(r - x86asm.AL), 0, true
	case r >= x86asm.AH && r <= x86asm.BH:
		return int(r - x86asm.AH), 8, true
	case r >= x86asm.SPB && r <= x86asm.R15B:
		return int(r-x86asm.SPB) + 4, 0, true
	case r >= x86asm.AX && r <= x86asm.R15W:
		return int(r - x86asm.AX), 0, true
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return int(r - x86asm.EAX), 0, true
	case r >= x86asm.RAX && r <= x86asm.R15:
		return int(r - x86asm.RAX), 0, true
	}
	return 0, 0, false
}

func (m *Machine) readReg(r x86asm.Reg) (uint64, error) {
	i, shift, ok := gprSlot(r)
	if !ok {
		return 0, fmt.Errorf("%w: register %s", fperrors.ErrTUnsupportedInsn, r)
	}
	return (m.gpr[i] >> shift) & sizeMask(regSize(r)), nil
}

// writeReg follows x86-64 rules: 32-bit writes zero-extend, 8/16-bit writes merge.
func (m *Machine) writeReg(r x86asm.Reg, v uint64) error {
	i, shift, ok := gprSlot(r)
	if !ok {
		return fmt.Errorf("%w: register %s", fperrors.ErrTUnsupportedInsn, r)
	}
	switch size := regSize(r); size {
	case 8:
		m.gpr[i] = v
	case 4:
		m.gpr[i] = v & 0xFFFFFFFF
	default:
		mask := sizeMask(size) << shift
		m.gpr[i] = m.gpr[i]&^mask | (v<<shift)&mask
	}
	return nil
}

func xmmIndex(r x86asm.Reg) (int, bool) {
	if r >= x86asm.X0 && r <= x86asm.X15 {
		return int(r - x86asm.X0), true
	}
	return 0, false
}

// address computes the effective address of mem; rip has already advanced past inst.
func (m *Machine) address(mem x86asm.Mem) (uint64, error) {
	if mem.Segment != 0 {
		return 0, fmt.Errorf("%w: segment %s", fperrors.ErrTUnsupportedInsn, mem.Segment)
	}
	var addr uint64
	switch {
	case mem.Base == x86asm.RIP:
		addr = m.rip
	case mem.Base != 0:
		v, err := m.readReg(mem.Base)
		if err != nil {
			return 0, err
		}
		addr = v
	}
	if mem.Index != 0 {
		v, err := m.readReg(mem.Index)
		if err != nil {
			return 0, err
		}
		addr += v * uint64(mem.Scale)
	}
	// x86asm zero-extends disp32
	return addr + uint64(int64(int32(mem.Disp))), nil
}

func (m *Machine) load(addr uint64, size int) (uint64, error) {
	var buf [8]byte
	if err := m.Mem.Read(addr, buf[:size]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (m *Machine) store(addr uint64, size int, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return m.Mem.Write(addr, buf[:size])
}

// argSize returns the integer operand size of arg within inst.
func argSize(inst x86asm.Inst, arg x86asm.Arg) int {
	switch a := arg.(type) {
	case x86asm.Reg:
		return regSize(a)
	case x86asm.Mem:
		return inst.MemBytes
	}
	return inst.DataSize / 8
}

// readInt reads an integer operand of the given size; immediates are truncated to size.
func (m *Machine) readInt(arg x86asm.Arg, size int) (uint64, error) {
	switch a := arg.(type) {
	case x86asm.Reg:
		v, err := m.readReg(a)
		return v & sizeMask(size), err
	case x86asm.Mem:
		addr, err := m.address(a)
		if err != nil {
			return 0, err
		}
		return m.load(addr, size)
	case x86asm.Imm:
		return uint64(a) & sizeMask(size), nil
	}
	return 0, fmt.Errorf("%w: operand %v", fperrors.ErrTUnsupportedInsn, arg)
}

func (m *Machine) writeInt(arg x86asm.Arg, size int, v uint64) error {
	switch a := arg.(type) {
	case x86asm.Reg:
		return m.writeReg(a, v)
	case x86asm.Mem:
		addr, err := m.address(a)
		if err != nil {
			return err
		}
		return m.store(addr, size, v)
	}
	return fmt.Errorf("%w: operand %v", fperrors.ErrTUnsupportedInsn, arg)
}

// readVec reads size bytes (4, 8 or 16) of an SSE operand, zero-extended to 128 bits.
func (m *Machine) readVec(arg x86asm.Arg, size int) ([2]uint64, error) {
	switch a := arg.(type) {
	case x86asm.Reg:
		if i, ok := xmmIndex(a); ok {
			v := m.xmm[i]
			switch size {
			case 4:
				return [2]uint64{v[0] & 0xFFFFFFFF}, nil
			case 8:
				return [2]uint64{v[0]}, nil
			}
			return v, nil
		}
		v, err := m.readReg(a)
		return [2]uint64{v & sizeMask(size)}, err
	case x86asm.Mem:
		addr, err := m.address(a)
		if err != nil {
			return [2]uint64{}, err
		}
		var buf [16]byte
		if err := m.Mem.Read(addr, buf[:size]); err != nil {
			return [2]uint64{}, err
		}
		return [2]uint64{binary.LittleEndian.Uint64(buf[0:8]), binary.LittleEndian.Uint64(buf[8:16])}, nil
	}
	return [2]uint64{}, fmt.Errorf("%w: operand %v", fperrors.ErrTUnsupportedInsn, arg)
}

// writeVec stores the low size bytes of v; XMM destinations are replaced whole.
func (m *Machine) writeVec(arg x86asm.Arg, size int, v [2]uint64) error {
	switch a := arg.(type) {
	case x86asm.Reg:
		if i, ok := xmmIndex(a); ok {
			m.xmm[i] = v
			return nil
		}
		return m.writeReg(a, v[0])
	case x86asm.Mem:
		addr, err := m.address(a)
		if err != nil {
			return err
		}
		var buf [16]byte
		binary.LittleEndian.PutUint64(buf[0:8], v[0])
		binary.LittleEndian.PutUint64(buf[8:16], v[1])
		return m.Mem.Write(addr, buf[:size])
	}
	return fmt.Errorf("%w: operand %v", fperrors.ErrTUnsupportedInsn, arg)
}

func (m *Machine) push(v uint64) error {
	m.gpr[4] -= 8
	return m.store(m.gpr[4], 8, v)
}

func (m *Machine) pop() (uint64, error) {
	v, err := m.load(m.gpr[4], 8)
	if err != nil {
		return 0, err
	}
	m.gpr[4] += 8
	return v, nil
}
