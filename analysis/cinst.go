package analysis

import (
	"fmt"
	"sync"

	"github.com/colorfulnotion/fpinst/blob"
	"github.com/colorfulnotion/fpinst/config"
	"github.com/colorfulnotion/fpinst/report"
	"github.com/colorfulnotion/fpinst/semantics"
	"github.com/colorfulnotion/fpinst/target"
)

type cinstRow struct {
	inst  semantics.Instruction
	count uint64
	cell  uint64
}

// CInst counts executions of every floating-point instruction, either with
// an inline counter increment or, in heavyweight mode, in-process.
type CInst struct {
	Base
	heavyweight bool

	mu   sync.Mutex
	rows *InstTable[cinstRow]
}

func NewCInst() *CInst {
	return &CInst{
		Base: newBase(TagCInst, "Instruction Count Analysis"),
		rows: NewInstTable[cinstRow](2000),
	}
}

func cinstCountKey(idx int) string { return fmt.Sprintf("CINST_%d_count_addr", idx) }

func (a *CInst) Configure(cfg *config.Config, dec *semantics.Decoder, log *report.Log, mem target.Memory) error {
	if err := a.Base.Configure(cfg, dec, log, mem); err != nil {
		return err
	}
	a.heavyweight = cfg.Bool(config.KeyHeavyweight)
	return nil
}

func (a *CInst) ShouldPreInstrument(semantics.Instruction) bool { return true }
func (a *CInst) Inline() bool                                   { return !a.heavyweight }

func (a *CInst) BuildPreInstrumentation(b *blob.Blob, mem target.Memory) error {
	inst := b.Instruction()
	a.instrumented++
	if a.heavyweight {
		a.rows.Row(inst.Index()).inst = inst
		return nil
	}
	cell, err := target.AllocateCells(mem, 0)
	if err != nil {
		return fmt.Errorf("allocate counter for %#x: %w", inst.Address(), err)
	}
	a.Config.SetAddress(cinstCountKey(inst.Index()), cell)

	row := a.rows.Row(inst.Index())
	row.inst, row.cell = inst, cell
	b.CountExecution(cell, a.UseLock)
	return nil
}

func (a *CInst) RegisterInstruction(inst semantics.Instruction, mem target.Memory) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	row := a.rows.Row(inst.Index())
	row.inst = inst
	if a.heavyweight {
		return nil
	}
	cell, err := a.requireBinding(cinstCountKey(inst.Index()))
	if err != nil {
		return err
	}
	row.cell = cell
	return target.WriteUint64(mem, cell, 0)
}

func (a *CInst) HandlePreInstruction(inst semantics.Instruction, _ semantics.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	row := a.rows.Row(inst.Index())
	row.inst = inst
	row.count++
	return nil
}

// Count returns the executions recorded for the instruction at idx.
func (a *CInst) Count(idx int, mem target.Memory) (uint64, error) {
	a.mu.Lock()
	row, ok := a.rows.Get(idx)
	a.mu.Unlock()
	if !ok {
		return 0, nil
	}
	if row.cell != 0 {
		return target.ReadUint64(mem, row.cell)
	}
	return row.count, nil
}

func (a *CInst) FinalOutput(mem target.Memory) error {
	var total uint64
	var err error
	a.rows.Each(func(idx int, row *cinstRow) {
		if err != nil || row.inst == nil {
			return
		}
		cnt := row.count
		if row.cell != 0 {
			if cnt, err = target.ReadUint64(mem, row.cell); err != nil {
				return
			}
		}
		total += cnt
		a.Log.AddMessage(report.ICount, int64(cnt), row.inst.Disassembly(),
			fmt.Sprintf("instruction #%d: count=%d", idx, cnt), "", row.inst)
	})
	if err != nil {
		return fmt.Errorf("read instruction counts: %w", err)
	}
	a.Log.AddMessage(report.Summary, 0, a.Description(),
		"Finished execution:\n  CInst: "+report.FormatLargeCount(total)+" executed", "", nil)
	return nil
}
