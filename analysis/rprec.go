package analysis

import (
	"fmt"

	"github.com/colorfulnotion/fpinst/blob"
	"github.com/colorfulnotion/fpinst/config"
	"github.com/colorfulnotion/fpinst/report"
	"github.com/colorfulnotion/fpinst/semantics"
	"github.com/colorfulnotion/fpinst/target"
)

type rprecRow struct {
	inst      semantics.Instruction
	precision int
	cell      uint64
}

// RPrec replaces arithmetic instructions with versions whose results are
// truncated to a configurable number of mantissa bits.
type RPrec struct {
	Base
	defaultPrecision int
	rows             *InstTable[rprecRow]
}

func NewRPrec() *RPrec {
	return &RPrec{
		Base: newBase(TagRPrec, "Reduced-Precision Analysis"),
		rows: NewInstTable[rprecRow](64),
	}
}

func rprecPrecisionKey(idx int) string { return fmt.Sprintf("INSN_%d_precision", idx) }
func rprecCountKey(idx int) string     { return fmt.Sprintf("INSN_%d_count_addr", idx) }

func (a *RPrec) Configure(cfg *config.Config, dec *semantics.Decoder, log *report.Log, mem target.Memory) error {
	if err := a.Base.Configure(cfg, dec, log, mem); err != nil {
		return err
	}
	a.defaultPrecision = cfg.Int(config.KeyPrecision, -1)
	return nil
}

func rprecSupported(t semantics.OperationType) bool {
	switch t {
	case semantics.OpAdd, semantics.OpSub, semantics.OpMul, semantics.OpDiv,
		semantics.OpCvt, semantics.OpSqrt, semantics.OpMin, semantics.OpMax:
		return true
	}
	return false
}

// canReplace reports whether inst performs a supported operation and writes
// only single or double values held in XMM registers.
func canReplace(inst semantics.Instruction) bool {
	supported := false
	for _, op := range inst.Operations() {
		if rprecSupported(op.Type) {
			supported = true
		}
	}
	if !supported {
		return false
	}
	outs := semantics.Outputs(inst)
	if len(outs) == 0 {
		return false
	}
	for _, o := range outs {
		if o.Type != semantics.TypeSingle && o.Type != semantics.TypeDouble {
			return false
		}
		if !o.IsRegisterSSE() {
			return false
		}
	}
	return true
}

func (a *RPrec) ShouldReplace(inst semantics.Instruction) bool {
	if a.Config != nil && a.Config.ReplaceTag(inst.Address()) == config.TagIgnore {
		return false
	}
	return canReplace(inst)
}

// Precision returns the mantissa bits kept for inst.
func (a *RPrec) Precision(inst semantics.Instruction) int {
	if a.Config != nil {
		key := rprecPrecisionKey(inst.Index())
		if a.Config.HasValue(key) {
			return a.Config.Int(key, a.defaultPrecision)
		}
	}
	if a.defaultPrecision >= 0 {
		return a.defaultPrecision
	}
	for _, o := range semantics.Outputs(inst) {
		if o.Type == semantics.TypeSingle {
			return blob.SinglePrecision
		}
	}
	return blob.DoublePrecision
}

func (a *RPrec) BuildReplacementCode(b *blob.Blob, mem target.Memory) error {
	inst := b.Instruction()
	cell, err := target.AllocateCells(mem, 0)
	if err != nil {
		return fmt.Errorf("allocate counter for %#x: %w", inst.Address(), err)
	}
	a.Config.SetAddress(rprecCountKey(inst.Index()), cell)

	row := a.rows.Row(inst.Index())
	row.inst, row.cell, row.precision = inst, cell, a.Precision(inst)
	a.instrumented++
	if !canReplace(inst) {
		// counted, but the result is left untruncated
		a.Log.AddMessage(report.Warning, 0, "Cannot replace instruction",
			fmt.Sprintf("cannot reduce precision of %#x: %s; truncation disabled", inst.Address(), inst.Disassembly()), "", inst)
		b.CInst(cell, a.UseLock)
		return nil
	}
	b.RPrec(row.precision, cell, a.UseLock)
	return nil
}

func (a *RPrec) RegisterInstruction(inst semantics.Instruction, mem target.Memory) error {
	cell := a.binding(rprecCountKey(inst.Index()))
	if cell == 0 {
		return nil
	}
	row := a.rows.Row(inst.Index())
	row.inst, row.cell, row.precision = inst, cell, a.Precision(inst)
	return target.WriteUint64(mem, row.cell, 0)
}

func (a *RPrec) FinalOutput(mem target.Memory) error {
	var total uint64
	var err error
	a.rows.Each(func(idx int, row *rprecRow) {
		if err != nil || row.inst == nil || row.cell == 0 {
			return
		}
		var cnt uint64
		if cnt, err = target.ReadUint64(mem, row.cell); err != nil {
			return
		}
		total += cnt
		a.Log.AddMessage(report.ICount, int64(cnt), row.inst.Disassembly(),
			fmt.Sprintf("instruction #%d: count=%d [prec=%d]", idx, cnt, row.precision), "", row.inst)
	})
	if err != nil {
		return fmt.Errorf("read rprec counts: %w", err)
	}
	a.Log.AddMessage(report.Summary, 0, a.Description(),
		"Finished execution:\n  Rprec: "+report.FormatLargeCount(total)+" executed", "", nil)
	return nil
}
