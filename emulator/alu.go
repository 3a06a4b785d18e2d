package emulator

import (
	"fmt"
	"math/bits"

	"github.com/colorfulnotion/fpinst/fperrors"
	"golang.org/x/arch/x86/x86asm"
)

type opFunc func(m *Machine, inst x86asm.Inst) error

var intOps map[x86asm.Op]opFunc

func init() {
	intOps = map[x86asm.Op]opFunc{
		x86asm.NOP:    func(*Machine, x86asm.Inst) error { return nil },
		x86asm.MOV:    execMov,
		x86asm.MOVZX:  execMovzx,
		x86asm.LEA:    execLea,
		x86asm.PUSH:   execPush,
		x86asm.POP:    execPop,
		x86asm.PUSHFQ: execPushf,
		x86asm.POPFQ:  execPopf,
		x86asm.LAHF:   execLahf,
		x86asm.SAHF:   execSahf,
		x86asm.ADD:    aluOp(opAdd),
		x86asm.SUB:    aluOp(opSub),
		x86asm.CMP:    aluOp(opCmp),
		x86asm.AND:    aluOp(opAnd),
		x86asm.OR:     aluOp(opOr),
		x86asm.XOR:    aluOp(opXor),
		x86asm.TEST:   aluOp(opTest),
		x86asm.INC:    execIncDec(1),
		x86asm.DEC:    execIncDec(^uint64(0)),
		x86asm.JMP:    execJmp,
		x86asm.CALL:   execCall,
		x86asm.RET:    execRet,
		x86asm.INT:    execTrap,
		x86asm.INTO:   execTrap,
	}
	for op, cond := range jccConds {
		intOps[op] = execJcc(cond)
	}
	for op, cond := range setccConds {
		intOps[op] = execSetcc(cond)
	}
}

type condition func(m *Machine) bool

var jccConds = map[x86asm.Op]condition{
	x86asm.JO:  func(m *Machine) bool { return m.flag(FlagOF) },
	x86asm.JNO: func(m *Machine) bool { return !m.flag(FlagOF) },
	x86asm.JB:  func(m *Machine) bool { return m.flag(FlagCF) },
	x86asm.JAE: func(m *Machine) bool { return !m.flag(FlagCF) },
	x86asm.JE:  func(m *Machine) bool { return m.flag(FlagZF) },
	x86asm.JNE: func(m *Machine) bool { return !m.flag(FlagZF) },
	x86asm.JBE: func(m *Machine) bool { return m.flag(FlagCF) || m.flag(FlagZF) },
	x86asm.JA:  func(m *Machine) bool { return !m.flag(FlagCF) && !m.flag(FlagZF) },
	x86asm.JS:  func(m *Machine) bool { return m.flag(FlagSF) },
	x86asm.JNS: func(m *Machine) bool { return !m.flag(FlagSF) },
	x86asm.JP:  func(m *Machine) bool { return m.flag(FlagPF) },
	x86asm.JNP: func(m *Machine) bool { return !m.flag(FlagPF) },
	x86asm.JL:  func(m *Machine) bool { return m.flag(FlagSF) != m.flag(FlagOF) },
	x86asm.JGE: func(m *Machine) bool { return m.flag(FlagSF) == m.flag(FlagOF) },
	x86asm.JLE: func(m *Machine) bool { return m.flag(FlagZF) || m.flag(FlagSF) != m.flag(FlagOF) },
	x86asm.JG:  func(m *Machine) bool { return !m.flag(FlagZF) && m.flag(FlagSF) == m.flag(FlagOF) },
}

var setccConds = map[x86asm.Op]condition{
	x86asm.SETO: jccConds[x86asm.JO],
	x86asm.SETB: jccConds[x86asm.JB],
	x86asm.SETE: jccConds[x86asm.JE],
}

func execMov(m *Machine, inst x86asm.Inst) error {
	size := argSize(inst, inst.Args[0])
	v, err := m.readInt(inst.Args[1], size)
	if err != nil {
		return err
	}
	return m.writeInt(inst.Args[0], size, v)
}

func execMovzx(m *Machine, inst x86asm.Inst) error {
	v, err := m.readInt(inst.Args[1], argSize(inst, inst.Args[1]))
	if err != nil {
		return err
	}
	return m.writeInt(inst.Args[0], argSize(inst, inst.Args[0]), v)
}

func execLea(m *Machine, inst x86asm.Inst) error {
	mem, ok := inst.Args[1].(x86asm.Mem)
	if !ok {
		return fmt.Errorf("%w: lea without memory operand", fperrors.ErrTUnsupportedInsn)
	}
	addr, err := m.address(mem)
	if err != nil {
		return err
	}
	return m.writeInt(inst.Args[0], argSize(inst, inst.Args[0]), addr)
}

func execPush(m *Machine, inst x86asm.Inst) error {
	v, err := m.readInt(inst.Args[0], 8)
	if err != nil {
		return err
	}
	return m.push(v)
}

func execPop(m *Machine, inst x86asm.Inst) error {
	v, err := m.pop()
	if err != nil {
		return err
	}
	return m.writeInt(inst.Args[0], 8, v)
}

func execPushf(m *Machine, _ x86asm.Inst) error { return m.push(m.flags) }

func execPopf(m *Machine, _ x86asm.Inst) error {
	v, err := m.pop()
	if err != nil {
		return err
	}
	m.SetFlags(v)
	return nil
}

// lahfMask selects SF, ZF, AF, PF and CF, which share bit positions with AH.
const lahfMask = FlagSF | FlagZF | FlagAF | FlagPF | FlagCF

func execLahf(m *Machine, _ x86asm.Inst) error {
	return m.writeReg(x86asm.AH, m.flags&lahfMask|flagsFixed)
}

func execSahf(m *Machine, _ x86asm.Inst) error {
	ah, err := m.readReg(x86asm.AH)
	if err != nil {
		return err
	}
	m.flags = m.flags&^lahfMask | ah&lahfMask | flagsFixed
	return nil
}

func parity(v uint64) bool {
	return bits.OnesCount8(uint8(v))%2 == 0
}

// setResultFlags sets SF, ZF and PF from a size-byte result.
func (m *Machine) setResultFlags(res uint64, size int) {
	res &= sizeMask(size)
	m.setFlag(FlagZF, res == 0)
	m.setFlag(FlagSF, res>>(8*size-1)&1 == 1)
	m.setFlag(FlagPF, parity(res))
}

type aluKind uint8

const (
	opAdd aluKind = iota
	opSub
	opCmp
	opAnd
	opOr
	opXor
	opTest
)

func aluOp(kind aluKind) opFunc {
	return func(m *Machine, inst x86asm.Inst) error {
		size := argSize(inst, inst.Args[0])
		a, err := m.readInt(inst.Args[0], size)
		if err != nil {
			return err
		}
		b, err := m.readInt(inst.Args[1], size)
		if err != nil {
			return err
		}
		mask := sizeMask(size)
		top := uint(8*size - 1)
		var res uint64
		switch kind {
		case opAdd:
			res = (a + b) & mask
			m.setFlag(FlagCF, res < a)
			m.setFlag(FlagOF, ((a^res)&(b^res))>>top&1 == 1)
			m.setFlag(FlagAF, (a^b^res)&0x10 != 0)
		case opSub, opCmp:
			res = (a - b) & mask
			m.setFlag(FlagCF, a < b)
			m.setFlag(FlagOF, ((a^b)&(a^res))>>top&1 == 1)
			m.setFlag(FlagAF, (a^b^res)&0x10 != 0)
		case opAnd, opTest:
			res = a & b
		case opOr:
			res = a | b
		case opXor:
			res = a ^ b
		}
		if kind >= opAnd {
			m.setFlag(FlagCF, false)
			m.setFlag(FlagOF, false)
			m.setFlag(FlagAF, false)
		}
		m.setResultFlags(res, size)
		if kind == opCmp || kind == opTest {
			return nil
		}
		return m.writeInt(inst.Args[0], size, res)
	}
}

// execIncDec adds delta (1 or -1) and leaves CF untouched.
func execIncDec(delta uint64) opFunc {
	return func(m *Machine, inst x86asm.Inst) error {
		size := argSize(inst, inst.Args[0])
		a, err := m.readInt(inst.Args[0], size)
		if err != nil {
			return err
		}
		mask := sizeMask(size)
		top := uint(8*size - 1)
		res := (a + delta) & mask
		b := delta & mask
		m.setFlag(FlagOF, ((a^res)&(b^res))>>top&1 == 1)
		m.setFlag(FlagAF, (a^b^res)&0x10 != 0)
		m.setResultFlags(res, size)
		return m.writeInt(inst.Args[0], size, res)
	}
}

func (m *Machine) branchTarget(inst x86asm.Inst) (uint64, error) {
	switch a := inst.Args[0].(type) {
	case x86asm.Rel:
		return m.rip + uint64(int64(a)), nil
	case x86asm.Reg, x86asm.Mem:
		return m.readInt(a, 8)
	}
	return 0, fmt.Errorf("%w: branch operand %v", fperrors.ErrTUnsupportedInsn, inst.Args[0])
}

func execJmp(m *Machine, inst x86asm.Inst) error {
	t, err := m.branchTarget(inst)
	if err != nil {
		return err
	}
	m.rip = t
	return nil
}

func execJcc(cond condition) opFunc {
	return func(m *Machine, inst x86asm.Inst) error {
		if !cond(m) {
			return nil
		}
		return execJmp(m, inst)
	}
}

func execSetcc(cond condition) opFunc {
	return func(m *Machine, inst x86asm.Inst) error {
		var v uint64
		if cond(m) {
			v = 1
		}
		return m.writeInt(inst.Args[0], 1, v)
	}
}

func execCall(m *Machine, inst x86asm.Inst) error {
	t, err := m.branchTarget(inst)
	if err != nil {
		return err
	}
	if err := m.push(m.rip); err != nil {
		return err
	}
	m.rip = t
	return nil
}

func execRet(m *Machine, _ x86asm.Inst) error {
	t, err := m.pop()
	if err != nil {
		return err
	}
	m.rip = t
	return nil
}

func execTrap(m *Machine, inst x86asm.Inst) error {
	return fmt.Errorf("%w: %s", fperrors.ErrTTrap, x86asm.IntelSyntax(inst, m.rip, nil))
}
