// Package host drives analyses over a target: it decides which instructions
// to instrument, generates and places their blobs, plans the splices and
// dispatches heavyweight callbacks while the program runs.
package host

import (
	"context"
	"errors"
	"fmt"

	"github.com/colorfulnotion/fpinst/analysis"
	"github.com/colorfulnotion/fpinst/blob"
	"github.com/colorfulnotion/fpinst/config"
	"github.com/colorfulnotion/fpinst/fperrors"
	"github.com/colorfulnotion/fpinst/log"
	"github.com/colorfulnotion/fpinst/report"
	"github.com/colorfulnotion/fpinst/semantics"
	"github.com/colorfulnotion/fpinst/target"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/arch/x86/x86asm"
)

const blobAlign = 16

// Site is one instrumented instruction.
type Site struct {
	Inst semantics.Instruction

	// Pre and Post list the analyses handling the instruction, in id order.
	Pre, Post []analysis.Analysis
	// Replacer produced the blob's replacement code; nil when the original
	// instruction runs unchanged.
	Replacer analysis.Analysis

	// Blob is zero when every handler is out-of-line and nothing is spliced.
	Blob        uint64
	Code        []byte
	Fingerprint string

	preAt     uint64
	replaceAt uint64
	postAt    uint64
}

// Spliced reports whether the site has a blob.
func (s *Site) Spliced() bool { return s.Blob != 0 }

// Host owns the analyses of one instrumented program.
type Host struct {
	Config   *config.Config
	Decoder  *semantics.Decoder
	Log      *report.Log
	Mem      target.Memory
	Registry *analysis.Registry

	tracer trace.Tracer
	sites  map[uint64]*Site
	order  []*Site
}

func New(cfg *config.Config, mem target.Memory, lg *report.Log) *Host {
	return &Host{
		Config:   cfg,
		Decoder:  semantics.NewDecoder(),
		Log:      lg,
		Mem:      mem,
		Registry: analysis.NewRegistry(),
		tracer:   Tracer(),
		sites:    make(map[uint64]*Site),
	}
}

// Setup enables the analyses selected by the configuration, including those
// forced by replace-entry tags, and activates them.
func (h *Host) Setup() ([]analysis.Analysis, error) {
	if _, err := h.Registry.EnableFromConfig(h.Config, h.Decoder, h.Log, h.Mem); err != nil {
		return nil, err
	}
	for _, e := range h.Config.ReplaceEntries() {
		if e.Type != config.ReplaceInsn {
			continue
		}
		var tag string
		switch e.EffectiveTag() {
		case config.TagRPrec:
			tag = analysis.TagRPrec
		case config.TagTRange:
			tag = analysis.TagTRange
		default:
			continue
		}
		if _, err := h.Registry.Enable(tag, h.Config, h.Decoder, h.Log, h.Mem); err != nil {
			return nil, err
		}
	}
	if err := h.Registry.Activate(); err != nil {
		return nil, err
	}
	enabled := h.Registry.Enabled()
	for _, a := range enabled {
		h.Log.AddMessage(report.Status, 0, "Enabled analysis", a.Description(), "", nil)
	}
	return enabled, nil
}

// Sites returns the instrumented instructions in instrumentation order.
func (h *Host) Sites() []*Site { return h.order }

// Site returns the site at the original address addr.
func (h *Host) Site(addr uint64) (*Site, bool) {
	s, ok := h.sites[addr]
	return s, ok
}

// Instrument decodes code, located at addr, and instruments every supported
// floating-point instruction. Blobs are written to target memory; splices are
// returned in the plan and not applied.
func (h *Host) Instrument(ctx context.Context, addr uint64, code []byte) (*Plan, error) {
	_, span := h.tracer.Start(ctx, "instrument", trace.WithAttributes(
		attribute.String("base", config.FormatAddress(addr)),
		attribute.Int("bytes", len(code)),
	))
	defer span.End()

	plan := &Plan{}
	for off := 0; off < len(code); {
		pc := addr + uint64(off)
		inst, err := h.Decoder.Decode(pc, code[off:])
		if err != nil {
			if errors.Is(err, fperrors.ErrDTruncated) {
				log.Warn(log.Host, "truncated instruction", "addr", config.FormatAddress(pc))
				h.Log.AddMessage(report.Warning, 0, "Truncated instruction",
					fmt.Sprintf("code ends inside the instruction at %#x", pc), "", nil)
				break
			}
			off += skip(code[off:])
			continue
		}
		off += inst.NumBytes()

		site, err := h.instrumentOne(inst)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "instrument")
			return nil, err
		}
		if site == nil {
			continue
		}
		h.sites[pc] = site
		h.order = append(h.order, site)
		plan.Sites = append(plan.Sites, site)
		if site.Spliced() {
			plan.Patches = append(plan.Patches, splice(pc, inst.NumBytes(), site.Blob))
		}
	}
	span.SetAttributes(attribute.Int("sites", len(plan.Sites)), attribute.Int("patches", len(plan.Patches)))
	log.Info(log.Host, "instrumented", "base", config.FormatAddress(addr), "sites", len(plan.Sites), "patches", len(plan.Patches))
	return plan, nil
}

// skip returns the length of an instruction the decoder does not model.
func skip(code []byte) int {
	inst, err := x86asm.Decode(code, 64)
	if err != nil || inst.Len == 0 {
		return 1
	}
	return inst.Len
}

// replacer picks the analysis whose replacement code runs in place of inst.
func (h *Host) replacer(inst semantics.Instruction, enabled []analysis.Analysis) analysis.Analysis {
	if h.Config.ReplaceTag(inst.Address()) == config.TagRPrec {
		for _, a := range enabled {
			if a.Tag() == analysis.TagRPrec {
				return a
			}
		}
	}
	var chosen analysis.Analysis
	for _, a := range enabled {
		if !a.ShouldReplace(inst) {
			continue
		}
		if chosen != nil {
			log.Warn(log.Host, "multiple replacements", "addr", config.FormatAddress(inst.Address()),
				"using", chosen.Tag(), "ignoring", a.Tag())
			continue
		}
		chosen = a
	}
	return chosen
}

// instrumentOne generates the blob for inst. Panics raised by the code
// generator are returned as errors naming the instruction.
func (h *Host) instrumentOne(inst semantics.Instruction) (site *Site, err error) {
	defer func() {
		if r := recover(); r != nil {
			perr, ok := r.(error)
			if !ok {
				perr = fmt.Errorf("%v", r)
			}
			site, err = nil, fmt.Errorf("instrument %#x %q: %w", inst.Address(), inst.Disassembly(), perr)
		}
	}()

	enabled := h.Registry.Enabled()
	site = &Site{Inst: inst, Replacer: h.replacer(inst, enabled)}
	inline := site.Replacer != nil
	for _, a := range enabled {
		if a.ShouldPreInstrument(inst) {
			site.Pre = append(site.Pre, a)
			inline = inline || a.Inline()
		}
		if a.ShouldPostInstrument(inst) {
			site.Post = append(site.Post, a)
			inline = inline || a.Inline()
		}
	}
	if len(site.Pre) == 0 && len(site.Post) == 0 && site.Replacer == nil {
		return nil, nil
	}

	b := blob.New(inst)
	for _, a := range site.Pre {
		if err := a.BuildPreInstrumentation(b, h.Mem); err != nil {
			return nil, fmt.Errorf("%s pre-instrumentation of %#x: %w", a.Tag(), inst.Address(), err)
		}
	}
	replaceOff := b.Len()
	if site.Replacer != nil {
		if err := site.Replacer.BuildReplacementCode(b, h.Mem); err != nil {
			return nil, fmt.Errorf("%s replacement of %#x: %w", site.Replacer.Tag(), inst.Address(), err)
		}
	} else {
		b.EmitOriginal()
	}
	for _, a := range site.Post {
		if err := a.BuildPostInstrumentation(b, h.Mem); err != nil {
			return nil, fmt.Errorf("%s post-instrumentation of %#x: %w", a.Tag(), inst.Address(), err)
		}
	}
	if !inline {
		site.preAt, site.postAt = inst.Address(), inst.Address()
		return site, nil
	}

	postOff := b.Len()
	b.JumpAbsolute(inst.Address() + uint64(inst.NumBytes()))
	base, err := h.Mem.Allocate(uint64(b.Len()), blobAlign)
	if err != nil {
		return nil, fmt.Errorf("allocate blob for %#x: %w", inst.Address(), err)
	}
	code, err := b.Finalize(base)
	if err != nil {
		return nil, fmt.Errorf("finalize blob for %#x: %w", inst.Address(), err)
	}
	if err := h.Mem.Write(base, code); err != nil {
		return nil, fmt.Errorf("write blob for %#x: %w", inst.Address(), err)
	}
	site.Blob, site.Code, site.Fingerprint = base, code, b.Fingerprint()
	site.preAt = base
	site.replaceAt = base + uint64(replaceOff)
	site.postAt = base + uint64(postOff)
	log.Debug(log.Host, "blob", "addr", config.FormatAddress(inst.Address()), "inst", inst.Disassembly(),
		"base", config.FormatAddress(base), "size", len(code), "fingerprint", site.Fingerprint)
	log.Trace(log.Host, "blob code", "disasm", b.Disassemble())
	return site, nil
}

// Register runs the register pass: every analysis recovers the bindings of
// the instructions it handles.
func (h *Host) Register(ctx context.Context) error {
	_, span := h.tracer.Start(ctx, "register", trace.WithAttributes(attribute.Int("sites", len(h.order))))
	defer span.End()
	for _, s := range h.order {
		for _, a := range s.analyses() {
			if err := a.RegisterInstruction(s.Inst, h.Mem); err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "register")
				return fmt.Errorf("register %#x with %s: %w", s.Inst.Address(), a.Tag(), err)
			}
		}
	}
	return nil
}

// analyses lists every analysis involved in the site once.
func (s *Site) analyses() []analysis.Analysis {
	seen := make(map[analysis.Analysis]bool)
	var out []analysis.Analysis
	add := func(a analysis.Analysis) {
		if a != nil && !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	for _, a := range s.Pre {
		add(a)
	}
	add(s.Replacer)
	for _, a := range s.Post {
		add(a)
	}
	return out
}

// SaveBindings stores every address binding and blob fingerprint.
func (h *Host) SaveBindings(store *config.BindingStore) error {
	if err := store.SaveConfig(h.Config); err != nil {
		return err
	}
	for _, s := range h.order {
		if !s.Spliced() {
			continue
		}
		if err := store.PutFingerprint(s.Inst.Address(), s.Fingerprint); err != nil {
			return err
		}
	}
	return nil
}

// VerifyBindings loads stored bindings into the configuration and checks
// that every spliced blob still matches its recorded fingerprint.
func (h *Host) VerifyBindings(store *config.BindingStore) error {
	n, err := store.LoadInto(h.Config)
	if err != nil {
		return err
	}
	for _, s := range h.order {
		if !s.Spliced() {
			continue
		}
		fp, ok, err := store.Fingerprint(s.Inst.Address())
		if err != nil {
			return err
		}
		if ok && fp != s.Fingerprint {
			h.Log.AddMessage(report.Warning, 0, "Blob changed since instrumentation",
				fmt.Sprintf("%#x: stored %s, generated %s", s.Inst.Address(), fp, s.Fingerprint), "", s.Inst)
		}
	}
	log.Debug(log.Host, "bindings loaded", "count", n)
	return nil
}

// Finish runs the final output of every analysis.
func (h *Host) Finish(ctx context.Context) error {
	_, span := h.tracer.Start(ctx, "finish")
	defer span.End()
	if err := h.Registry.Finalize(h.Mem); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}
