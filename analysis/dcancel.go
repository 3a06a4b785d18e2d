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

// DefaultMinPriority is the loss, in binary digits, a cancellation must
// exceed to be reported.
const DefaultMinPriority = 10

// CompleteCancellationPriority is the message priority of a zero result
// from nonzero operands.
const CompleteCancellationPriority = 999

type dcancelRow struct {
	inst    semantics.Instruction
	count   uint64
	cancels uint64
	digits  uint64
}

// DCancel detects cancellation in floating-point additions and subtractions
// by comparing operand and result exponents at run time.
type DCancel struct {
	Base
	minPriority int64
	sampling    bool
	filter      addressFilter

	mu   sync.Mutex
	rows *InstTable[dcancelRow]
}

func NewDCancel() *DCancel {
	return &DCancel{
		Base:        newBase(TagDCancel, "Cancellation Detector"),
		minPriority: DefaultMinPriority,
		sampling:    true,
		rows:        NewInstTable[dcancelRow](64),
	}
}

func (a *DCancel) Configure(cfg *config.Config, dec *semantics.Decoder, log *report.Log, mem target.Memory) error {
	if err := a.Base.Configure(cfg, dec, log, mem); err != nil {
		return err
	}
	a.minPriority = int64(cfg.Int(config.KeyMinPriority, DefaultMinPriority))
	a.sampling = cfg.BoolDefault(config.KeySampling, true)
	a.filter = newAddressFilter(cfg, config.KeyCancelAddresses)
	return nil
}

func addOrSub(t semantics.OperationType) bool {
	return t == semantics.OpAdd || t == semantics.OpSub
}

func (a *DCancel) ShouldPreInstrument(inst semantics.Instruction) bool {
	return hasFloatOperation(inst, addOrSub) && a.filter.allows(inst.Address())
}

func (a *DCancel) Inline() bool { return false }

func (a *DCancel) BuildPreInstrumentation(*blob.Blob, target.Memory) error {
	a.instrumented++
	return nil
}

func (a *DCancel) RegisterInstruction(inst semantics.Instruction, _ target.Memory) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rows.Row(inst.Index()).inst = inst
	return nil
}

func (a *DCancel) HandlePreInstruction(inst semantics.Instruction, ctx semantics.Context) error {
	for _, op := range inst.Operations() {
		if !addOrSub(op.Type) || !op.HasFloatOperand() {
			continue
		}
		for _, set := range op.Sets {
			if len(set.Inputs) < 2 {
				continue
			}
			x, err := set.Inputs[0].Value(ctx)
			if err != nil {
				return fmt.Errorf("read %s: %w", set.Inputs[0], err)
			}
			y, err := set.Inputs[1].Value(ctx)
			if err != nil {
				return fmt.Errorf("read %s: %w", set.Inputs[1], err)
			}
			a.check(inst, op.Type, x, y)
		}
	}
	return nil
}

// Cancellation is the outcome of one checked addition or subtraction.
type Cancellation struct {
	Result semantics.Value
	// Digits is the number of binary digits lost.
	Digits   int64
	Complete bool
	// Skipped is set when an operand is zero.
	Skipped bool
	Exp     [3]int
}

// CheckCancellation simulates x op y in the wider operand precision and
// measures the digits lost. Complete cancellation loses every significand
// bit of the result type.
func CheckCancellation(op semantics.OperationType, x, y semantics.Value) Cancellation {
	if x.IsZero() || y.IsZero() {
		return Cancellation{Skipped: true}
	}
	var c Cancellation
	if op == semantics.OpSub {
		c.Result = semantics.Sub(x, y)
	} else {
		c.Result = semantics.Add(x, y)
	}
	c.Exp = [3]int{x.Exponent(), y.Exponent(), c.Result.Exponent()}
	if c.Result.IsZero() {
		c.Complete = true
		switch c.Result.Type {
		case semantics.TypeSingle:
			c.Digits = 24
		case semantics.TypeDouble:
			c.Digits = 53
		case semantics.TypeExtended:
			c.Digits = 65
		}
		return c
	}
	hi := c.Exp[0]
	if c.Exp[1] > hi {
		hi = c.Exp[1]
	}
	c.Digits = int64(hi - c.Exp[2])
	return c
}

// sampled keeps the first 10 events, then every 10th below 1000, every
// 1000th below 100000 and every 100000th after that.
func sampled(n uint64) bool {
	return n < 10 ||
		(n < 1000 && n%10 == 0) ||
		(n < 100000 && n%1000 == 0) ||
		n%100000 == 0
}

func (a *DCancel) check(inst semantics.Instruction, op semantics.OperationType, x, y semantics.Value) {
	a.mu.Lock()
	row := a.rows.Row(inst.Index())
	row.inst = inst
	row.count++
	c := CheckCancellation(op, x, y)
	if c.Skipped || (!c.Complete && c.Digits <= a.minPriority) {
		a.mu.Unlock()
		return
	}
	row.cancels++
	row.digits += uint64(c.Digits)
	emit := !a.sampling || sampled(row.cancels)
	a.mu.Unlock()
	if !emit {
		return
	}

	sign := '+'
	if op == semantics.OpSub {
		sign = '-'
	}
	label := fmt.Sprintf("%s %c %s = %s", x, sign, y, c.Result)
	if c.Complete {
		details := fmt.Sprintf("  %s\n%c %s\n= %s", x, sign, y, c.Result)
		a.Log.AddMessage(report.Cancellation, CompleteCancellationPriority, label, details, "", inst)
		return
	}
	details := fmt.Sprintf("  %s [exp=%d]\n%c %s [exp=%d]\n= %s [exp=%d]",
		x, c.Exp[0], sign, y, c.Exp[1], c.Result, c.Exp[2])
	a.Log.AddMessage(report.Cancellation, c.Digits, label, details, "", inst)
}

// Totals returns the executions, cancellations and lost digits recorded for
// the instruction at idx.
func (a *DCancel) Totals(idx int) (count, cancels, digits uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	row, _ := a.rows.Get(idx)
	return row.count, row.cancels, row.digits
}

func (a *DCancel) FinalOutput(target.Memory) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rows.Each(func(idx int, row *dcancelRow) {
		if row.inst == nil {
			return
		}
		avg := 0.0
		if row.cancels > 0 {
			avg = float64(row.digits) / float64(row.cancels)
		}
		details := fmt.Sprintf("CANCEL_DATA:\ntotal_cancels=%d\ntotal_digits=%d\naverage_digits=%g\n",
			row.cancels, row.digits, avg)
		a.Log.AddValues(report.Summary, 0, "CANCEL_DATA", details, map[string]float64{
			"total_cancels":  float64(row.cancels),
			"total_digits":   float64(row.digits),
			"average_digits": avg,
		}, row.inst)
		a.Log.AddMessage(report.ICount, int64(row.count), row.inst.Disassembly(),
			fmt.Sprintf("instruction #%d: count=%d", idx, row.count), "", row.inst)
	})
	return nil
}
