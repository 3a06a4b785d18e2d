package blob

import (
	"fmt"

	"github.com/colorfulnotion/fpinst/fperrors"
	"github.com/colorfulnotion/fpinst/semantics"
	"github.com/colorfulnotion/fpinst/x86"
)

// XmmPrefix selects the scalar (movss/movsd) or full-register (movupd) move for t.
func XmmPrefix(t semantics.OperandType) byte {
	switch t.Size() {
	case 4:
		return x86.X86_PREFIX_REP
	case 8:
		return x86.X86_PREFIX_REPNE
	case 16:
		return x86.X86_PREFIX_66
	}
	panic(fmt.Errorf("%w: %s in xmm", fperrors.ErrCUnsupportedAddressing, t))
}

// PackedPrefix selects movups for packed singles and movupd otherwise.
func PackedPrefix(t semantics.OperandType) byte {
	if t == semantics.TypeSingle {
		return x86.X86_PREFIX_NONE
	}
	return x86.X86_PREFIX_66
}

func unsupported(op *semantics.Operand) error {
	return fmt.Errorf("%w: %s", fperrors.ErrCUnsupportedAddressing, op)
}

// restoreRAX reloads the program's rax before an address computation that uses it.
func (b *Blob) restoreRAX(op *semantics.Operand) {
	if b.header && (op.Base == x86.RAX || op.Index == x86.RAX) {
		b.emit(x86.MovStackToGPR64(x86.RAX, SavedRAX))
	}
}

// emitMem appends a memory-form encoding of op and re-anchors it if RIP-relative.
func (b *Blob) emitMem(code []byte, op *semantics.Operand) {
	b.emit(code)
	if op.IsRIPRelative() {
		b.AdjustDisplacement(b.inst.Address(), b.inst.NumBytes(), op.Mem().Disp)
	}
}

// laneSlot is the fake-stack address of lane lane of a spilled XMM register.
func (b *Blob) laneSlot(op *semantics.Operand) x86.Mem {
	return x86.Mem{Base: x86.RSP, Disp: b.cursor + int32(op.Lane*op.Type.Size())}
}

// OperandLoadGPR loads op into dst.
func (b *Blob) OperandLoadGPR(op *semantics.Operand, dst x86.Register) {
	switch {
	case op.IsImmediate():
		b.emit(x86.MovImm64ToGPR64(dst, uint64(op.Imm)))
	case op.IsRegisterGPR():
		switch {
		case op.Reg == x86.RAX && b.header:
			b.emit(x86.MovStackToGPR64(dst, SavedRAX))
		case op.Reg != dst:
			b.emit(x86.MovGPR64ToGPR64(dst, op.Reg))
		}
	case op.IsRegisterSSE():
		if op.Lane == 0 && op.Type.Size() == 8 {
			b.emit(x86.MovXmmToGPR64(dst, op.Reg))
			return
		}
		b.FakeStackPushXMM(op.Reg)
		b.emit(loadGPR(dst, b.laneSlot(op), op.Type.Size()))
		b.release(16)
	case op.IsMemory():
		b.restoreRAX(op)
		b.emitMem(loadGPR(dst, op.Mem(), op.Type.Size()), op)
	default:
		panic(unsupported(op))
	}
}

// OperandLoadXMM loads op into the low lane of dst.
func (b *Blob) OperandLoadXMM(op *semantics.Operand, dst x86.Register) {
	switch {
	case op.IsRegisterSSE():
		if op.Lane == 0 {
			if op.Reg != dst {
				b.emit(x86.MovXmmToXmm(dst, op.Reg))
			}
			return
		}
		b.FakeStackPushXMM(op.Reg)
		b.emit(x86.XmmLoad(XmmPrefix(op.Type), dst, b.laneSlot(op)))
		b.release(16)
	case op.IsRegisterGPR():
		if op.Reg == x86.RAX && b.header {
			b.emit(x86.XmmLoad(XmmPrefix(op.Type), dst, x86.Mem{Base: x86.RSP, Disp: SavedRAX}))
			return
		}
		b.emit(x86.MovGPR64ToXmm(dst, op.Reg))
	case op.IsMemory():
		b.restoreRAX(op)
		b.emitMem(x86.XmmLoad(XmmPrefix(op.Type), dst, op.Mem()), op)
	default:
		panic(unsupported(op))
	}
}

// OperandStoreGPR writes src to op.
func (b *Blob) OperandStoreGPR(op *semantics.Operand, src x86.Register) {
	switch {
	case op.IsRegisterGPR():
		switch {
		case op.Reg == x86.RAX && b.header:
			b.emit(x86.MovGPR64ToStack(src, SavedRAX))
		case op.Reg != src:
			b.emit(x86.MovGPR64ToGPR64(op.Reg, src))
		}
	case op.IsRegisterSSE():
		switch op.Type.Size() {
		case 8:
			b.emit(x86.Pinsrq(op.Reg, src, byte(op.Lane)))
		case 4:
			b.emit(x86.Pinsrd(op.Reg, src, byte(op.Lane)))
		default:
			panic(unsupported(op))
		}
	case op.IsMemory():
		b.restoreRAX(op)
		b.emitMem(storeGPR(op.Mem(), src, op.Type.Size()), op)
	default:
		panic(unsupported(op))
	}
}

// OperandStoreXMM writes the low lane of src to op.
func (b *Blob) OperandStoreXMM(op *semantics.Operand, src x86.Register) {
	switch {
	case op.IsRegisterSSE():
		switch {
		case op.Type == semantics.TypeSSEQuad:
			if op.Reg != src {
				b.emit(x86.MovXmmToXmm(op.Reg, src))
			}
		case op.Lane == 0:
			b.emit(x86.BuildSSE(XmmPrefix(op.Type), x86.X86_OP2_MOVUPS_LOAD, op.Reg, src))
		default:
			b.FakeStackPushXMM(op.Reg)
			b.emit(x86.XmmStore(XmmPrefix(op.Type), b.laneSlot(op), src))
			b.FakeStackPopXMM(op.Reg)
		}
	case op.IsRegisterGPR():
		if op.Reg == x86.RAX && b.header {
			b.emit(x86.XmmStore(x86.X86_PREFIX_REPNE, x86.Mem{Base: x86.RSP, Disp: SavedRAX}, src))
			return
		}
		b.emit(x86.MovXmmToGPR64(op.Reg, src))
	case op.IsMemory():
		b.restoreRAX(op)
		b.emitMem(x86.XmmStore(XmmPrefix(op.Type), op.Mem(), src), op)
	default:
		panic(unsupported(op))
	}
}

// loadGPR zero-extends size bytes at m into dst.
func loadGPR(dst x86.Register, m x86.Mem, size int) []byte {
	switch size {
	case 8:
		return x86.MovMemToGPR64(dst, m)
	case 4:
		return x86.BuildInstructionAddr(nil, false, []byte{x86.X86_OP_MOV_R_RM}, dst.ID(), m)
	case 2:
		return x86.BuildInstructionAddr(nil, false, []byte{x86.X86_PREFIX_0F, x86.X86_OP2_MOVZX_R_RM16}, dst.ID(), m)
	case 1:
		return x86.BuildInstructionAddr(nil, false, []byte{x86.X86_PREFIX_0F, x86.X86_OP2_MOVZX_R_RM8}, dst.ID(), m)
	}
	panic(fmt.Errorf("%w: %d-byte load into %s", fperrors.ErrCUnsupportedAddressing, size, dst))
}

func storeGPR(m x86.Mem, src x86.Register, size int) []byte {
	switch size {
	case 8:
		return x86.MovGPR64ToMem(m, src)
	case 4:
		return x86.BuildInstructionAddr(nil, false, []byte{x86.X86_OP_MOV_RM_R}, src.ID(), m)
	case 2:
		return x86.BuildInstructionAddr([]byte{x86.X86_PREFIX_66}, false, []byte{x86.X86_OP_MOV_RM_R}, src.ID(), m)
	}
	panic(fmt.Errorf("%w: %d-byte store from %s", fperrors.ErrCUnsupportedAddressing, size, src))
}
