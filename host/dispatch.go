package host

import (
	"fmt"
	"sync/atomic"

	"github.com/colorfulnotion/fpinst/analysis"
	"github.com/colorfulnotion/fpinst/emulator"
	"github.com/colorfulnotion/fpinst/semantics"
)

// Dispatcher delivers heavyweight callbacks on one thread. Each callback runs
// with the thread's FP state and flags saved, and with the active flag set so
// that instrumented code reached from a handler is not analyzed again.
type Dispatcher struct {
	active atomic.Bool
	calls  atomic.Uint64
}

// Active reports whether a handler is running.
func (d *Dispatcher) Active() bool { return d.active.Load() }

// Calls is the number of dispatched callbacks.
func (d *Dispatcher) Calls() uint64 { return d.calls.Load() }

func (d *Dispatcher) dispatch(m *emulator.Machine, fn func(ctx semantics.Context) error) error {
	if !d.active.CompareAndSwap(false, true) {
		return nil
	}
	defer d.active.Store(false)
	fp, flags := m.SaveFPState(), m.Flags()
	defer func() {
		m.RestoreFPState(fp)
		m.SetFlags(flags)
	}()
	d.calls.Add(1)
	return fn(m)
}

// live reports whether a may receive callbacks. Analyses that were never
// activated, or that already produced their final output, are skipped.
func live(a analysis.Analysis) bool { return analysis.StateOf(a) == analysis.Active }

func outOfLine(as []analysis.Analysis) []analysis.Analysis {
	var out []analysis.Analysis
	for _, a := range as {
		if !a.Inline() {
			out = append(out, a)
		}
	}
	return out
}

// Attach registers the callbacks of s on m.
func (d *Dispatcher) Attach(m *emulator.Machine, s *Site) {
	inst := s.Inst
	if pre := outOfLine(s.Pre); len(pre) > 0 {
		m.HookPre(s.preAt, func(m *emulator.Machine) error {
			return d.dispatch(m, func(ctx semantics.Context) error {
				for _, a := range pre {
					if !live(a) {
						continue
					}
					if err := a.HandlePreInstruction(inst, ctx); err != nil {
						return fmt.Errorf("%s: %w", a.Tag(), err)
					}
				}
				return nil
			})
		})
	}
	if r := s.Replacer; r != nil {
		m.HookPre(s.replaceAt, func(m *emulator.Machine) error {
			return d.dispatch(m, func(ctx semantics.Context) error {
				if !live(r) {
					return nil
				}
				if err := r.HandleReplacement(inst, ctx); err != nil {
					return fmt.Errorf("%s: %w", r.Tag(), err)
				}
				return nil
			})
		})
	}
	post := outOfLine(s.Post)
	if len(post) == 0 {
		return
	}
	hook := func(m *emulator.Machine) error {
		return d.dispatch(m, func(ctx semantics.Context) error {
			for _, a := range post {
				if !live(a) {
					continue
				}
				if err := a.HandlePostInstruction(inst, ctx); err != nil {
					return fmt.Errorf("%s: %w", a.Tag(), err)
				}
			}
			return nil
		})
	}
	// In a blob the jump back runs after the instruction; otherwise the
	// handler follows the original instruction itself.
	if s.Spliced() {
		m.HookPre(s.postAt, hook)
	} else {
		m.HookPost(s.postAt, hook)
	}
}
