package analysis

import (
	"fmt"

	"github.com/colorfulnotion/fpinst/blob"
	"github.com/colorfulnotion/fpinst/config"
	"github.com/colorfulnotion/fpinst/report"
	"github.com/colorfulnotion/fpinst/semantics"
	"github.com/colorfulnotion/fpinst/target"
)

// NaNPriority is the priority of every NaN warning.
const NaNPriority = 999

// DNan reports NaN operands of floating-point operations.
type DNan struct {
	Base
	filter addressFilter
}

func NewDNan() *DNan {
	return &DNan{Base: newBase(TagDNan, "NaN Detector")}
}

func (a *DNan) Configure(cfg *config.Config, dec *semantics.Decoder, log *report.Log, mem target.Memory) error {
	if err := a.Base.Configure(cfg, dec, log, mem); err != nil {
		return err
	}
	a.filter = newAddressFilter(cfg, config.KeyNaNAddresses)
	return nil
}

func dnanOperation(t semantics.OperationType) bool {
	return t != semantics.OpInvalid && !t.IsMovement() &&
		t != semantics.OpCom && t != semantics.OpComi &&
		t != semantics.OpUcom && t != semantics.OpUcomi
}

func (a *DNan) ShouldPreInstrument(inst semantics.Instruction) bool {
	return hasFloatOperation(inst, dnanOperation) && a.filter.allows(inst.Address())
}

func (a *DNan) ShouldPostInstrument(inst semantics.Instruction) bool {
	return a.ShouldPreInstrument(inst)
}

func (a *DNan) Inline() bool { return false }

func (a *DNan) BuildPreInstrumentation(*blob.Blob, target.Memory) error {
	a.instrumented++
	return nil
}

func (a *DNan) HandlePreInstruction(inst semantics.Instruction, ctx semantics.Context) error {
	return a.scan(inst, ctx, semantics.Inputs(inst))
}

func (a *DNan) HandlePostInstruction(inst semantics.Instruction, ctx semantics.Context) error {
	return a.scan(inst, ctx, semantics.Outputs(inst))
}

func (a *DNan) scan(inst semantics.Instruction, ctx semantics.Context, ops []*semantics.Operand) error {
	for _, o := range ops {
		if !o.Type.IsFloat() {
			continue
		}
		v, err := o.Value(ctx)
		if err != nil {
			return fmt.Errorf("read %s: %w", o, err)
		}
		if v.IsNaN() {
			lbl := fmt.Sprintf("NaN detected: %s = %s", o, v)
			a.Log.AddMessage(report.Warning, NaNPriority, lbl, lbl, "", inst)
		}
	}
	return nil
}
