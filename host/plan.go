package host

import (
	"fmt"
	"math"

	"github.com/colorfulnotion/fpinst/target"
	"github.com/colorfulnotion/fpinst/x86"
)

// Placement selects how control reaches a blob from the original instruction.
type Placement uint8

const (
	// PlaceJump overwrites the instruction with jmp rel32 and nop padding.
	PlaceJump Placement = iota
	// PlaceTrap overwrites it with int3; the runner redirects the trap.
	PlaceTrap
)

func (p Placement) String() string {
	if p == PlaceTrap {
		return "trap"
	}
	return "jump"
}

// Patch is the code written over one original instruction.
type Patch struct {
	Address   uint64
	Code      []byte
	Placement Placement
	// Blob is the address control is transferred to.
	Blob uint64
}

// Plan is the result of an instrumentation pass.
type Plan struct {
	Patches []Patch
	Sites   []*Site
}

// Patch returns the patch at addr.
func (p *Plan) Patch(addr uint64) (Patch, bool) {
	for _, pt := range p.Patches {
		if pt.Address == addr {
			return pt, true
		}
	}
	return Patch{}, false
}

// splice builds the patch redirecting the n-byte instruction at addr to the
// blob at base.
func splice(addr uint64, n int, base uint64) Patch {
	code := make([]byte, n)
	for i := range code {
		code[i] = x86.X86_OP_NOP
	}
	rel := int64(base) - int64(addr+5)
	if n < 5 || rel < math.MinInt32 || rel > math.MaxInt32 {
		code[0] = x86.X86_OP_INT3
		return Patch{Address: addr, Code: code, Placement: PlaceTrap, Blob: base}
	}
	jmp := x86.Jmp()
	copy(code, jmp)
	x86.PatchRel32(code, x86.RelFieldOffset(jmp), int(int64(base)-int64(addr)))
	return Patch{Address: addr, Code: code, Placement: PlaceJump, Blob: base}
}

// Apply writes every patch into mem.
func (p *Plan) Apply(mem target.Memory) error {
	for _, pt := range p.Patches {
		if err := mem.Write(pt.Address, pt.Code); err != nil {
			return fmt.Errorf("splice at %#x: %w", pt.Address, err)
		}
	}
	return nil
}
