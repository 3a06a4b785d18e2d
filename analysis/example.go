package analysis

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/colorfulnotion/fpinst/blob"
	"github.com/colorfulnotion/fpinst/config"
	"github.com/colorfulnotion/fpinst/report"
	"github.com/colorfulnotion/fpinst/semantics"
	"github.com/colorfulnotion/fpinst/target"
)

// Example prints every executed floating-point instruction prefixed with a
// configurable tag.
type Example struct {
	Base
	Out io.Writer

	msgTag   string
	executed atomic.Uint64
}

func NewExample() *Example {
	return &Example{Base: newBase(TagExample, "Example Analysis"), Out: os.Stdout}
}

func (a *Example) Configure(cfg *config.Config, dec *semantics.Decoder, log *report.Log, mem target.Memory) error {
	if err := a.Base.Configure(cfg, dec, log, mem); err != nil {
		return err
	}
	a.msgTag = cfg.GetValue(config.KeyExampleTag)
	return nil
}

func (a *Example) ShouldPreInstrument(semantics.Instruction) bool { return true }
func (a *Example) Inline() bool                                   { return false }

func (a *Example) BuildPreInstrumentation(*blob.Blob, target.Memory) error {
	a.instrumented++
	return nil
}

func (a *Example) HandlePreInstruction(inst semantics.Instruction, _ semantics.Context) error {
	a.executed.Add(1)
	_, err := fmt.Fprintf(a.Out, "%s %s\n", a.msgTag, inst.Disassembly())
	return err
}

// Executed is the number of handled executions.
func (a *Example) Executed() uint64 { return a.executed.Load() }

func (a *Example) FinalOutput(target.Memory) error {
	details := fmt.Sprintf("EXAMPLE_DATA:\ninstrumented=%d\nexecuted=%d\n", a.instrumented, a.Executed())
	a.Log.AddMessage(report.Summary, 0, "EXAMPLE_DATA", details, "", nil)
	return nil
}
