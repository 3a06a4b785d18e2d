// Package blob assembles the relocatable machine-code fragments that are
// spliced in place of, or around, an instrumented instruction.
package blob

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"

	"github.com/colorfulnotion/fpinst/fperrors"
	"github.com/colorfulnotion/fpinst/log"
	"github.com/colorfulnotion/fpinst/semantics"
	"github.com/colorfulnotion/fpinst/x86"
	"golang.org/x/crypto/blake2b"
)

// Fake-stack layout, relative to the rsp the instrumented code sees. The
// region below the SysV red zone holds three header slots, padded to 0x30;
// pushes start at FakeStackStart and grow down.
const (
	RedZone     = 0x80
	HeaderSlots = 0x30

	FakeStackStart int32 = -(RedZone + HeaderSlots)
	SavedRAX             = FakeStackStart + 0x28
	SavedFlags           = FakeStackStart + 0x20
	Comm                 = FakeStackStart + 0x18
)

type patchKind uint8

const (
	patchLabel patchKind = iota
	patchRIP
)

// pending is a rel32 field resolved by Finalize.
type pending struct {
	kind   patchKind
	field  int
	tail   int
	label  Label
	target uint64
}

// Label names a position inside the blob.
type Label int

// Cond selects the jump emitted by JumpTo.
type Cond uint8

const (
	Always Cond = iota
	Equal
	NotEqual
	Below
	AboveEqual
	BelowEqual
	Above
	Parity
)

var condJumps = map[Cond]func() []byte{
	Always:     x86.Jmp,
	Equal:      x86.Je,
	NotEqual:   x86.Jne,
	Below:      x86.Jb,
	AboveEqual: x86.Jae,
	BelowEqual: x86.Jbe,
	Above:      x86.Ja,
	Parity:     x86.Jp,
}

var gprOrder = []x86.Register{x86.RAX, x86.RBX, x86.RCX, x86.RDX, x86.RSI, x86.RDI}

var sseOrder = []x86.Register{
	x86.XMM15, x86.XMM14, x86.XMM13, x86.XMM12, x86.XMM11, x86.XMM10,
	x86.XMM0, x86.XMM1, x86.XMM2, x86.XMM3, x86.XMM4,
	x86.XMM5, x86.XMM6, x86.XMM7, x86.XMM8, x86.XMM9,
}

// Blob is an append-only code buffer for one instruction. Jumps and
// RIP-relative references are recorded as pending patches and resolved once
// the placement address is known.
type Blob struct {
	inst semantics.Instruction

	code    []byte
	cursor  int32
	header  bool
	patches []pending
	labels  []int

	handed   map[x86.Register]bool
	original int

	base      uint64
	finalized bool
}

// New starts an empty blob for inst.
func New(inst semantics.Instruction) *Blob {
	return &Blob{
		inst:     inst,
		cursor:   FakeStackStart,
		handed:   make(map[x86.Register]bool),
		original: -1,
	}
}

func (b *Blob) Instruction() semantics.Instruction { return b.inst }
func (b *Blob) Len() int                           { return len(b.code) }
func (b *Blob) Cursor() int32                      { return b.cursor }
func (b *Blob) Base() uint64                       { return b.base }

// OriginalOffset is the offset of the re-emitted original instruction, or -1.
func (b *Blob) OriginalOffset() int { return b.original }

// Bytes returns the code emitted so far. Before Finalize, pending fields hold zeros.
func (b *Blob) Bytes() []byte { return b.code }

func (b *Blob) emit(code ...[]byte) {
	if b.finalized {
		panic(fperrors.ErrBFinalized)
	}
	for _, c := range code {
		b.code = append(b.code, c...)
	}
}

// Emit appends raw bytes produced by the x86 builders.
func (b *Blob) Emit(code ...[]byte) { b.emit(code...) }

// ---- header and footer ----

// BuildHeader saves rax and the status flags into their header slots.
func (b *Blob) BuildHeader() {
	b.emit(
		x86.Nop(),
		x86.MovGPR64ToStack(x86.RAX, SavedRAX),
		x86.SaveFlagsFast(SavedFlags),
		x86.MovImm32ToStack(Comm, 0),
	)
	b.header = true
}

// BuildFooter restores flags and rax. The fake stack must be back at its start.
func (b *Blob) BuildFooter() {
	if b.cursor != FakeStackStart {
		panic(fmt.Errorf("%w: cursor %#x, start %#x", fperrors.ErrBFakeStackImbalance, b.cursor, FakeStackStart))
	}
	b.emit(
		x86.RestoreFlagsFast(SavedFlags),
		x86.MovStackToGPR64(x86.RAX, SavedRAX),
	)
	b.header = false
}

// ---- fake stack ----

func (b *Blob) FakeStackPushGPR64(r x86.Register) {
	b.cursor -= 8
	b.emit(x86.MovGPR64ToStack(r, b.cursor))
}

func (b *Blob) FakeStackPushImm32(imm int32) {
	b.cursor -= 8
	b.emit(x86.MovImm32ToStack(b.cursor, imm))
}

func (b *Blob) FakeStackPushXMM(r x86.Register) {
	b.cursor -= 16
	b.emit(x86.MovXmmToStack(r, b.cursor))
}

func (b *Blob) FakeStackPopGPR64(r x86.Register) {
	b.release(8)
	b.emit(x86.MovStackToGPR64(r, b.cursor-8))
}

func (b *Blob) FakeStackPopXMM(r x86.Register) {
	b.release(16)
	b.emit(x86.MovStackToXmm(r, b.cursor-16))
}

func (b *Blob) release(n int32) {
	if b.cursor+n > FakeStackStart {
		panic(fmt.Errorf("%w: pop of %d past start", fperrors.ErrBFakeStackImbalance, n))
	}
	b.cursor += n
}

// ---- scratch registers ----

// GetUnusedGPR hands out a general-purpose register the instruction neither
// reads nor writes, or x86.RegNone when none is left.
func (b *Blob) GetUnusedGPR() x86.Register { return b.unused(gprOrder) }

// GetUnusedSSE is GetUnusedGPR for XMM registers.
func (b *Blob) GetUnusedSSE() x86.Register { return b.unused(sseOrder) }

func (b *Blob) unused(order []x86.Register) x86.Register {
	for _, r := range order {
		if b.handed[r] || (b.inst != nil && semantics.UsesRegister(b.inst, r)) {
			continue
		}
		b.handed[r] = true
		return r
	}
	return x86.RegNone
}

func (b *Blob) mustGPR() x86.Register {
	r := b.GetUnusedGPR()
	if r == x86.RegNone {
		panic(fmt.Errorf("%w: gpr", fperrors.ErrBScratchExhausted))
	}
	return r
}

func (b *Blob) mustSSE() x86.Register {
	r := b.GetUnusedSSE()
	if r == x86.RegNone {
		panic(fmt.Errorf("%w: xmm", fperrors.ErrBScratchExhausted))
	}
	return r
}

// ---- labels ----

func (b *Blob) NewLabel() Label {
	b.labels = append(b.labels, -1)
	return Label(len(b.labels) - 1)
}

// Bind fixes l at the current position.
func (b *Blob) Bind(l Label) { b.labels[l] = len(b.code) }

// JumpTo emits a jump to l, which may be bound later.
func (b *Blob) JumpTo(c Cond, l Label) {
	jump := condJumps[c]()
	field := len(b.code) + x86.RelFieldOffset(jump)
	b.emit(jump)
	b.patches = append(b.patches, pending{kind: patchLabel, field: field, label: l})
}

// JumpAbsolute emits a jmp to a fixed address outside the blob.
func (b *Blob) JumpAbsolute(target uint64) {
	jump := x86.Jmp()
	field := len(b.code) + x86.RelFieldOffset(jump)
	b.emit(jump)
	b.patches = append(b.patches, pending{kind: patchRIP, field: field, target: target})
}

// ---- RIP-relative displacements ----

// AdjustDisplacement re-anchors the RIP-relative disp32 in the last four
// emitted bytes, which referred to origAddr+origLen+oldDisp.
func (b *Blob) AdjustDisplacement(origAddr uint64, origLen int, oldDisp int32) {
	b.adjustAt(len(b.code)-4, 0, origAddr+uint64(origLen)+uint64(int64(oldDisp)))
}

func (b *Blob) adjustAt(field, tail int, target uint64) {
	b.patches = append(b.patches, pending{kind: patchRIP, field: field, tail: tail, target: target})
}

// EmitOriginal re-emits the instruction's own bytes, re-anchoring its
// RIP-relative operand if it has one.
func (b *Blob) EmitOriginal() {
	raw := b.inst.Bytes()
	start := len(b.code)
	b.original = start
	b.emit(raw)
	rip := semantics.RIPOperand(b.inst)
	if rip == nil {
		return
	}
	pos := ripField(raw, int32(rip.Disp))
	if pos < 0 {
		panic(fmt.Errorf("%w: %#x %s", fperrors.ErrBNoRIPOperand, b.inst.Address(), b.inst.Disassembly()))
	}
	target := b.inst.Address() + uint64(len(raw)) + uint64(rip.Disp)
	b.adjustAt(start+pos, len(raw)-pos-4, target)
}

// ripField locates the disp32 that follows a mod=00 rm=101 ModRM byte.
func ripField(raw []byte, disp int32) int {
	for pos := len(raw) - 4; pos >= 1; pos-- {
		if raw[pos-1]&0xC7 != x86.X86_RM_DISP32 {
			continue
		}
		if int32(binary.LittleEndian.Uint32(raw[pos:])) == disp {
			return pos
		}
	}
	return -1
}

// Finalize resolves every pending patch for placement at base and returns the
// finished code. A blob can be finalized once.
func (b *Blob) Finalize(base uint64) ([]byte, error) {
	if b.finalized {
		return nil, fperrors.ErrBFinalized
	}
	for _, p := range b.patches {
		var rel int64
		switch p.kind {
		case patchLabel:
			at := b.labels[p.label]
			if at < 0 {
				return nil, fmt.Errorf("%w: label %d", fperrors.ErrBUnboundLabel, p.label)
			}
			rel = int64(at - (p.field + 4))
		case patchRIP:
			rel = int64(p.target - (base + uint64(p.field+4+p.tail)))
		}
		if rel < math.MinInt32 || rel > math.MaxInt32 {
			return nil, fmt.Errorf("%w: %#x from blob at %#x", fperrors.ErrCDisplacementRange, p.target, base)
		}
		binary.LittleEndian.PutUint32(b.code[p.field:], uint32(int32(rel)))
	}
	b.base = base
	b.finalized = true
	log.Debug(log.Blob, "finalized", "base", fmt.Sprintf("%#x", base), "size", len(b.code), "patches", len(b.patches))
	return b.code, nil
}

// Fingerprint is a blake2b digest of the finalized code, used to check that a
// binding recorded at instrumentation time still describes the same blob.
func (b *Blob) Fingerprint() string {
	sum := blake2b.Sum256(b.code)
	return hex.EncodeToString(sum[:8])
}

// Disassemble renders the blob's current bytes.
func (b *Blob) Disassemble() string {
	return x86.DisassembleAt(b.code, b.base)
}
