// Package analysis defines the contract between floating-point analyses and
// the instrumentation host, the registry that owns analysis instances, and
// the built-in analyses.
package analysis

import (
	"fmt"

	"github.com/colorfulnotion/fpinst/blob"
	"github.com/colorfulnotion/fpinst/config"
	"github.com/colorfulnotion/fpinst/fperrors"
	"github.com/colorfulnotion/fpinst/report"
	"github.com/colorfulnotion/fpinst/semantics"
	"github.com/colorfulnotion/fpinst/target"
	"golang.org/x/exp/slices"
)

// Analysis is implemented by every analysis. Instrumentation-time methods
// (Should*, Build*) run single-threaded; Handle* may run concurrently.
//
// Build methods append to the instruction's shared blob. The host emits every
// pre-instrumentation, then one replacement (or the original instruction),
// then every post-instrumentation.
type Analysis interface {
	Tag() string
	Description() string
	Configure(cfg *config.Config, dec *semantics.Decoder, log *report.Log, mem target.Memory) error

	ShouldPreInstrument(inst semantics.Instruction) bool
	ShouldPostInstrument(inst semantics.Instruction) bool
	ShouldReplace(inst semantics.Instruction) bool

	// Inline reports whether pre and post instrumentation is emitted into the
	// blob. Otherwise the host delivers it through HandlePreInstruction and
	// HandlePostInstruction, and the Build methods only do bookkeeping.
	Inline() bool

	BuildPreInstrumentation(b *blob.Blob, mem target.Memory) error
	BuildPostInstrumentation(b *blob.Blob, mem target.Memory) error
	BuildReplacementCode(b *blob.Blob, mem target.Memory) error

	// RegisterInstruction recovers the instruction's bindings from the
	// configuration before the program runs.
	RegisterInstruction(inst semantics.Instruction, mem target.Memory) error

	HandlePreInstruction(inst semantics.Instruction, ctx semantics.Context) error
	HandlePostInstruction(inst semantics.Instruction, ctx semantics.Context) error
	HandleReplacement(inst semantics.Instruction, ctx semantics.Context) error

	FinalInstReport() string
	FinalOutput(mem target.Memory) error

	core() *Base
}

type State uint8

const (
	Unconfigured State = iota
	Configured
	Active
	Finalized
)

func (s State) String() string {
	switch s {
	case Unconfigured:
		return "unconfigured"
	case Configured:
		return "configured"
	case Active:
		return "active"
	case Finalized:
		return "finalized"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// Base is the null analysis. Concrete analyses embed it and override what
// they need.
type Base struct {
	tag   string
	desc  string
	id    int
	state State

	Config  *config.Config
	Decoder *semantics.Decoder
	Log     *report.Log
	Mem     target.Memory

	// UseLock selects lock-prefixed counter increments.
	UseLock bool

	instrumented int
}

func newBase(tag, desc string) Base { return Base{tag: tag, desc: desc} }

func (a *Base) core() *Base         { return a }
func (a *Base) Tag() string         { return a.tag }
func (a *Base) Description() string { return a.desc }
func (a *Base) ID() int             { return a.id }
func (a *Base) State() State        { return a.state }

func (a *Base) Configure(cfg *config.Config, dec *semantics.Decoder, log *report.Log, mem target.Memory) error {
	a.Config, a.Decoder, a.Log, a.Mem = cfg, dec, log, mem
	a.UseLock = cfg.Bool(config.KeyUseLock)
	return nil
}

func (a *Base) ShouldPreInstrument(semantics.Instruction) bool  { return false }
func (a *Base) ShouldPostInstrument(semantics.Instruction) bool { return false }
func (a *Base) ShouldReplace(semantics.Instruction) bool        { return false }
func (a *Base) Inline() bool                                    { return true }

func (a *Base) BuildPreInstrumentation(*blob.Blob, target.Memory) error  { return nil }
func (a *Base) BuildPostInstrumentation(*blob.Blob, target.Memory) error { return nil }
func (a *Base) BuildReplacementCode(*blob.Blob, target.Memory) error     { return nil }

func (a *Base) RegisterInstruction(semantics.Instruction, target.Memory) error { return nil }

func (a *Base) HandlePreInstruction(semantics.Instruction, semantics.Context) error  { return nil }
func (a *Base) HandlePostInstruction(semantics.Instruction, semantics.Context) error { return nil }
func (a *Base) HandleReplacement(semantics.Instruction, semantics.Context) error     { return nil }

func (a *Base) FinalInstReport() string {
	return fmt.Sprintf("%s: %d instrumented", a.desc, a.instrumented)
}

func (a *Base) FinalOutput(target.Memory) error { return nil }

// Instrumented is the number of instructions the analysis generated code for.
func (a *Base) Instrumented() int { return a.instrumented }

// binding reads an address binding, returning 0 when absent.
func (a *Base) binding(key string) uint64 {
	if a.Config == nil {
		return 0
	}
	addr, _ := a.Config.Address(key)
	return addr
}

func (a *Base) requireBinding(key string) (uint64, error) {
	addr := a.binding(key)
	if addr == 0 {
		return 0, fmt.Errorf("%w: %s", fperrors.ErrAMissingBinding, key)
	}
	return addr, nil
}

// addressFilter restricts an analysis to the instruction addresses listed
// under a configuration key. An empty filter allows everything.
type addressFilter []uint64

func newAddressFilter(cfg *config.Config, key string) addressFilter {
	if !cfg.HasValue(key) {
		return nil
	}
	return addressFilter(cfg.AddressList(key))
}

func (f addressFilter) allows(addr uint64) bool {
	return len(f) == 0 || slices.Contains(f, addr)
}

// hasFloatOperation reports whether inst performs an operation accepted by
// pred on at least one single, double or extended operand.
func hasFloatOperation(inst semantics.Instruction, pred func(semantics.OperationType) bool) bool {
	for _, op := range inst.Operations() {
		if pred(op.Type) && op.HasFloatOperand() {
			return true
		}
	}
	return false
}
