package blob

import (
	"github.com/colorfulnotion/fpinst/semantics"
	"github.com/colorfulnotion/fpinst/x86"
)

// Mantissa widths, and the largest precision each mask table accepts.
const (
	DoublePrecision = 52
	SinglePrecision = 23
)

var (
	doubleMasks [DoublePrecision + 1]uint64
	singleMasks [SinglePrecision + 1]uint32
)

func init() {
	doubleMasks[0] = 0xFFF0000000000000
	for i := 1; i <= DoublePrecision; i++ {
		doubleMasks[i] = doubleMasks[i-1] | 1<<(DoublePrecision-i)
	}
	singleMasks[0] = 0xFF800000
	for i := 1; i <= SinglePrecision; i++ {
		singleMasks[i] = singleMasks[i-1] | 1<<(SinglePrecision-i)
	}
}

// DoubleMask keeps sign, exponent and the top p mantissa bits of a double.
func DoubleMask(p int) uint64 { return doubleMasks[clamp(p, DoublePrecision)] }

// SingleMask keeps sign, exponent and the top p mantissa bits of a single.
func SingleMask(p int) uint32 { return singleMasks[clamp(p, SinglePrecision)] }

func clamp(p, limit int) int {
	if p < 0 {
		return 0
	}
	if p > limit {
		return limit
	}
	return p
}

// IncrementCounter emits inc qword [addr]. Cells above the disp32 range go through rax,
// which the header has already saved.
func (b *Blob) IncrementCounter(addr uint64, lock bool) {
	if x86.FitsAbs32(addr) {
		b.emit(x86.IncMem64Abs(addr, lock))
		return
	}
	b.emit(x86.MovImm64ToGPR64(x86.RAX, addr), x86.IncMem64Reg(x86.RAX, lock))
}

// CountExecution increments the cell at counter with registers and flags preserved.
func (b *Blob) CountExecution(counter uint64, lock bool) {
	b.BuildHeader()
	b.IncrementCounter(counter, lock)
	b.BuildFooter()
}

// CInst counts executions of the instruction in the cell at counter.
func (b *Blob) CInst(counter uint64, lock bool) {
	b.CountExecution(counter, lock)
	b.EmitOriginal()
}

type maskTarget struct {
	reg    x86.Register
	single bool
	packed bool
}

func maskTargets(inst semantics.Instruction) []maskTarget {
	var targets []maskTarget
	seen := map[x86.Register]int{}
	for _, o := range semantics.Outputs(inst) {
		if !o.IsRegisterSSE() {
			continue
		}
		i, ok := seen[o.Reg]
		if !ok {
			i = len(targets)
			seen[o.Reg] = i
			targets = append(targets, maskTarget{reg: o.Reg, single: o.Type == semantics.TypeSingle})
		}
		if o.Lane > 0 {
			targets[i].packed = true
		}
	}
	return targets
}

// RPrec runs the instruction, then truncates each XMM result to precision
// mantissa bits and counts the execution.
func (b *Blob) RPrec(precision int, counter uint64, lock bool) {
	b.EmitOriginal()
	b.BuildHeader()
	for _, t := range maskTargets(b.inst) {
		b.applyMask(t, precision)
	}
	b.IncrementCounter(counter, lock)
	b.BuildFooter()
}

// MaskLanes returns the two qwords ANDed into a register holding t's results.
// Lanes the instruction does not write are all ones.
func MaskLanes(single, packed bool, precision int) (lo, hi uint64) {
	if single {
		m := uint64(SingleMask(precision))
		if packed {
			return m | m<<32, m | m<<32
		}
		return 0xFFFFFFFF00000000 | m, ^uint64(0)
	}
	m := DoubleMask(precision)
	if packed {
		return m, m
	}
	return m, ^uint64(0)
}

func (b *Blob) applyMask(t maskTarget, precision int) {
	gpr, xmm := b.mustGPR(), b.mustSSE()
	b.FakeStackPushGPR64(gpr)
	b.FakeStackPushXMM(xmm)

	lo, hi := MaskLanes(t.single, t.packed, precision)
	b.emit(
		x86.MovImm64ToGPR64(gpr, lo),
		x86.Pinsrq(xmm, gpr, 0),
		x86.MovImm64ToGPR64(gpr, hi),
		x86.Pinsrq(xmm, gpr, 1),
	)
	if t.single {
		b.emit(x86.Andps(t.reg, xmm))
	} else {
		b.emit(x86.Andpd(t.reg, xmm))
	}

	b.FakeStackPopXMM(xmm)
	b.FakeStackPopGPR64(gpr)
	b.ReleaseScratch(gpr, xmm)
}

// ReleaseScratch returns registers to the pool after their values were restored.
func (b *Blob) ReleaseScratch(regs ...x86.Register) {
	for _, r := range regs {
		delete(b.handed, r)
	}
}

// RangeCells are the target addresses of one instruction's range record.
type RangeCells struct {
	Min   uint64
	Max   uint64
	Count uint64
}

// TRange folds the instruction's float inputs (or outputs, when post is set)
// into the min/max cells. The pre pass also counts the execution. The
// original instruction is not emitted.
func (b *Blob) TRange(cells RangeCells, post, lock bool) {
	var ops []*semantics.Operand
	if post {
		for _, op := range b.inst.Operations() {
			if !op.Type.IsCompare() {
				ops = append(ops, op.Outputs()...)
			}
		}
	} else {
		ops = semantics.Inputs(b.inst)
	}

	b.BuildHeader()
	gpr, val, ref := b.mustGPR(), b.mustSSE(), b.mustSSE()
	b.FakeStackPushGPR64(gpr)
	b.FakeStackPushXMM(val)
	b.FakeStackPushXMM(ref)
	for _, op := range ops {
		if op.IsImmediate() || (op.Type != semantics.TypeSingle && op.Type != semantics.TypeDouble) {
			continue
		}
		b.OperandLoadXMM(op, val)
		if op.Type == semantics.TypeSingle {
			b.emit(x86.Cvtss2sd(val, val))
		}
		b.trackCell(val, ref, gpr, cells.Min, AboveEqual)
		b.trackCell(val, ref, gpr, cells.Max, BelowEqual)
	}
	b.FakeStackPopXMM(ref)
	b.FakeStackPopXMM(val)
	b.FakeStackPopGPR64(gpr)
	b.ReleaseScratch(gpr, val, ref)
	if !post {
		b.IncrementCounter(cells.Count, lock)
	}
	b.BuildFooter()
}

// trackCell stores val into the double at cell unless the compare says to skip.
// Unordered compares always skip.
func (b *Blob) trackCell(val, ref, gpr x86.Register, cell uint64, skip Cond) {
	done := b.NewLabel()
	at := x86.Mem{Base: gpr}
	b.emit(
		x86.MovImm64ToGPR64(gpr, cell),
		x86.XmmLoad(x86.X86_PREFIX_REPNE, ref, at),
		x86.Ucomisd(val, ref),
	)
	b.JumpTo(Parity, done)
	b.JumpTo(skip, done)
	b.emit(x86.XmmStore(x86.X86_PREFIX_REPNE, at, val))
	b.Bind(done)
}
