package host

import (
	"context"
	"errors"

	"github.com/colorfulnotion/fpinst/config"
	"github.com/colorfulnotion/fpinst/emulator"
	"github.com/colorfulnotion/fpinst/fperrors"
	"github.com/colorfulnotion/fpinst/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Runner executes an instrumented program on one emulated thread.
type Runner struct {
	Machine    *emulator.Machine
	Dispatcher *Dispatcher

	tracer trace.Tracer
	traps  map[uint64]uint64
}

// NewRunner attaches the callbacks of every site to m and records the trap
// trampolines of plan.
func (h *Host) NewRunner(m *emulator.Machine, plan *Plan) *Runner {
	r := &Runner{
		Machine:    m,
		Dispatcher: &Dispatcher{},
		tracer:     h.tracer,
		traps:      make(map[uint64]uint64),
	}
	for _, s := range h.order {
		r.Dispatcher.Attach(m, s)
	}
	if plan != nil {
		for _, p := range plan.Patches {
			if p.Placement == PlaceTrap {
				r.traps[p.Address] = p.Blob
			}
		}
	}
	return r
}

// Run executes from entry until rip reaches until.
func (r *Runner) Run(ctx context.Context, entry, until uint64) error {
	_, span := r.tracer.Start(ctx, "run", trace.WithAttributes(
		attribute.String("entry", config.FormatAddress(entry)),
		attribute.String("until", config.FormatAddress(until)),
	))
	defer span.End()
	r.Machine.SetRIP(entry)
	err := r.resume(r.Machine.Run(until), until)
	span.SetAttributes(attribute.Int("steps", r.Machine.Steps), attribute.Int64("callbacks", int64(r.Dispatcher.Calls())))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "run")
	}
	return err
}

// Call pushes until as the return address and runs the function at entry.
func (r *Runner) Call(ctx context.Context, entry, until uint64) error {
	_, span := r.tracer.Start(ctx, "call", trace.WithAttributes(attribute.String("entry", config.FormatAddress(entry))))
	defer span.End()
	err := r.resume(r.Machine.Call(entry, until), until)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "call")
	}
	return err
}

// resume redirects trap trampolines to their blobs until the run ends.
func (r *Runner) resume(err error, until uint64) error {
	for err != nil {
		if !errors.Is(err, fperrors.ErrTTrap) {
			return err
		}
		pc := r.Machine.RIP()
		blob, ok := r.traps[pc]
		if !ok {
			return err
		}
		log.Trace(log.Host, "trampoline", "addr", config.FormatAddress(pc), "blob", config.FormatAddress(blob))
		r.Machine.SetRIP(blob)
		err = r.Machine.Run(until)
	}
	return nil
}
