package analysis

import (
	"fmt"
	"math"
	"sync"

	"github.com/colorfulnotion/fpinst/blob"
	"github.com/colorfulnotion/fpinst/config"
	"github.com/colorfulnotion/fpinst/report"
	"github.com/colorfulnotion/fpinst/semantics"
	"github.com/colorfulnotion/fpinst/target"
)

type trangeRow struct {
	inst     semantics.Instruction
	min, max float64
	count    uint64
	cells    blob.RangeCells
}

// TRange tracks the minimum and maximum value seen by every operand of
// floating-point operations.
type TRange struct {
	Base
	heavyweight bool
	filter      addressFilter

	mu   sync.Mutex
	rows *InstTable[trangeRow]
}

func NewTRange() *TRange {
	return &TRange{
		Base: newBase(TagTRange, "Range Tracking Analysis"),
		rows: NewInstTable[trangeRow](64),
	}
}

func trangeKeys(idx int) (string, string, string) {
	return fmt.Sprintf("inst%d_min_addr", idx),
		fmt.Sprintf("inst%d_max_addr", idx),
		fmt.Sprintf("inst%d_count_addr", idx)
}

func (a *TRange) Configure(cfg *config.Config, dec *semantics.Decoder, log *report.Log, mem target.Memory) error {
	if err := a.Base.Configure(cfg, dec, log, mem); err != nil {
		return err
	}
	a.heavyweight = cfg.Bool(config.KeyTRangeHeavyweight)
	a.filter = newAddressFilter(cfg, config.KeyRangeAddresses)
	return nil
}

func trangeOperation(t semantics.OperationType) bool {
	return t != semantics.OpInvalid && !t.IsMovement()
}

func (a *TRange) ShouldPreInstrument(inst semantics.Instruction) bool {
	return hasFloatOperation(inst, trangeOperation) && a.filter.allows(inst.Address())
}

func (a *TRange) ShouldPostInstrument(inst semantics.Instruction) bool {
	return a.ShouldPreInstrument(inst) && !onlyCompares(inst)
}

func onlyCompares(inst semantics.Instruction) bool {
	for _, op := range inst.Operations() {
		if !op.Type.IsCompare() {
			return false
		}
	}
	return true
}

func (a *TRange) Inline() bool { return !a.heavyweight }

// allocate reserves the min, max and count cells of inst once and records
// their bindings.
func (a *TRange) allocate(inst semantics.Instruction, mem target.Memory) (blob.RangeCells, error) {
	row := a.rows.Row(inst.Index())
	row.inst = inst
	if row.cells.Min != 0 {
		return row.cells, nil
	}
	base, err := target.AllocateCells(mem, math.Float64bits(math.Inf(1)), math.Float64bits(math.Inf(-1)), 0)
	if err != nil {
		return blob.RangeCells{}, fmt.Errorf("allocate range cells for %#x: %w", inst.Address(), err)
	}
	row.cells = blob.RangeCells{Min: base, Max: base + 8, Count: base + 16}
	kMin, kMax, kCount := trangeKeys(inst.Index())
	a.Config.SetAddress(kMin, row.cells.Min)
	a.Config.SetAddress(kMax, row.cells.Max)
	a.Config.SetAddress(kCount, row.cells.Count)
	a.instrumented++
	return row.cells, nil
}

func (a *TRange) BuildPreInstrumentation(b *blob.Blob, mem target.Memory) error {
	if a.heavyweight {
		a.rows.Row(b.Instruction().Index()).inst = b.Instruction()
		a.instrumented++
		return nil
	}
	cells, err := a.allocate(b.Instruction(), mem)
	if err != nil {
		return err
	}
	b.TRange(cells, false, a.UseLock)
	return nil
}

func (a *TRange) BuildPostInstrumentation(b *blob.Blob, mem target.Memory) error {
	if a.heavyweight {
		return nil
	}
	cells, err := a.allocate(b.Instruction(), mem)
	if err != nil {
		return err
	}
	b.TRange(cells, true, a.UseLock)
	return nil
}

func (a *TRange) RegisterInstruction(inst semantics.Instruction, mem target.Memory) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	row := a.rows.Row(inst.Index())
	row.inst = inst
	row.min, row.max, row.count = math.Inf(1), math.Inf(-1), 0

	kMin, kMax, kCount := trangeKeys(inst.Index())
	row.cells = blob.RangeCells{Min: a.binding(kMin), Max: a.binding(kMax), Count: a.binding(kCount)}
	init := []struct {
		addr uint64
		v    uint64
	}{
		{row.cells.Min, math.Float64bits(math.Inf(1))},
		{row.cells.Max, math.Float64bits(math.Inf(-1))},
		{row.cells.Count, 0},
	}
	for _, c := range init {
		if c.addr == 0 {
			continue
		}
		if err := target.WriteUint64(mem, c.addr, c.v); err != nil {
			return fmt.Errorf("initialize range cell %#x: %w", c.addr, err)
		}
	}
	return nil
}

func (a *TRange) HandlePreInstruction(inst semantics.Instruction, ctx semantics.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	row := a.rows.Row(inst.Index())
	row.inst = inst
	row.count++
	return a.check(row, semantics.Inputs(inst), ctx)
}

func (a *TRange) HandlePostInstruction(inst semantics.Instruction, ctx semantics.Context) error {
	var outs []*semantics.Operand
	for _, op := range inst.Operations() {
		if !op.Type.IsCompare() {
			outs = append(outs, op.Outputs()...)
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	row := a.rows.Row(inst.Index())
	row.inst = inst
	return a.check(row, outs, ctx)
}

func (a *TRange) check(row *trangeRow, ops []*semantics.Operand, ctx semantics.Context) error {
	for _, o := range ops {
		if o.IsImmediate() || !o.Type.IsFloat() {
			continue
		}
		v, err := o.Value(ctx)
		if err != nil {
			return fmt.Errorf("read %s: %w", o, err)
		}
		x := v.Float64()
		if x < row.min {
			row.min = x
		}
		if x > row.max {
			row.max = x
		}
	}
	return nil
}

// Range returns the observed minimum, maximum and execution count for the
// instruction at idx, read from its cells when bound.
func (a *TRange) Range(idx int, mem target.Memory) (lo, hi float64, count uint64, err error) {
	a.mu.Lock()
	row, ok := a.rows.Get(idx)
	a.mu.Unlock()
	if !ok {
		return math.Inf(1), math.Inf(-1), 0, nil
	}
	lo, hi, count = row.min, row.max, row.count
	if row.cells.Min != 0 {
		if lo, err = target.ReadFloat64(mem, row.cells.Min); err != nil {
			return
		}
	}
	if row.cells.Max != 0 {
		if hi, err = target.ReadFloat64(mem, row.cells.Max); err != nil {
			return
		}
	}
	if row.cells.Count != 0 {
		count, err = target.ReadUint64(mem, row.cells.Count)
	}
	return
}

func (a *TRange) FinalOutput(mem target.Memory) error {
	for _, idx := range a.indices() {
		row, _ := a.rows.Get(idx)
		if row.inst == nil {
			continue
		}
		lo, hi, count, err := a.Range(idx, mem)
		if err != nil {
			return fmt.Errorf("read range of instruction #%d: %w", idx, err)
		}
		details := fmt.Sprintf("RANGE_DATA:\nmin=%g\nmax=%g\nrange=%g\n", lo, hi, hi-lo)
		// JSON has no infinities; unobserved bounds are left out
		values := map[string]float64{}
		if !math.IsInf(lo, 0) && !math.IsNaN(lo) {
			values["min"] = lo
		}
		if !math.IsInf(hi, 0) && !math.IsNaN(hi) {
			values["max"] = hi
		}
		a.Log.AddValues(report.Range, 0, "RANGE_DATA", details, values, row.inst)
		a.Log.AddMessage(report.ICount, int64(count), row.inst.Disassembly(),
			fmt.Sprintf("instruction #%d: count=%d", idx, count), "", row.inst)
	}
	return nil
}

func (a *TRange) indices() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []int
	a.rows.Each(func(idx int, _ *trangeRow) { out = append(out, idx) })
	return out
}
