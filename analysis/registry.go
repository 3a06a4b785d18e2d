package analysis

import (
	"fmt"
	"sync"

	"github.com/colorfulnotion/fpinst/config"
	"github.com/colorfulnotion/fpinst/fperrors"
	"github.com/colorfulnotion/fpinst/log"
	"github.com/colorfulnotion/fpinst/report"
	"github.com/colorfulnotion/fpinst/semantics"
	"github.com/colorfulnotion/fpinst/target"
	"golang.org/x/exp/slices"
)

const (
	TagCInst   = "cinst"
	TagDCancel = "dcancel"
	TagDNan    = "dnan"
	TagTRange  = "trange"
	TagRPrec   = "rprec"
	TagExample = "d_print"
	TagNull    = "null"
)

var constructors = map[string]func() Analysis{
	TagCInst:   func() Analysis { return NewCInst() },
	TagDCancel: func() Analysis { return NewDCancel() },
	TagDNan:    func() Analysis { return NewDNan() },
	TagTRange:  func() Analysis { return NewTRange() },
	TagRPrec:   func() Analysis { return NewRPrec() },
	TagExample: func() Analysis { return NewExample() },
	TagNull:    func() Analysis { return NewNull() },
}

// switches maps configuration switches to analysis tags, in enable order.
var switches = []struct{ key, tag string }{
	{config.KeyCInst, TagCInst},
	{config.KeyDCancel, TagDCancel},
	{config.KeyDNan, TagDNan},
	{config.KeyTRange, TagTRange},
	{config.KeyRPrec, TagRPrec},
	{config.KeyDPrint, TagExample},
}

// Registry owns one instance per analysis tag and assigns each a stable
// small integer id in creation order.
type Registry struct {
	mu       sync.Mutex
	byTag    map[string]Analysis
	ordered  []Analysis
	enabled  []Analysis
	finished bool
}

func NewRegistry() *Registry {
	return &Registry{byTag: make(map[string]Analysis)}
}

// GetOrCreate returns the instance for tag, creating it on first use.
func (r *Registry) GetOrCreate(tag string) (Analysis, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.byTag[tag]; ok {
		return a, nil
	}
	ctor, ok := constructors[tag]
	if !ok {
		return nil, fmt.Errorf("%w: %q", fperrors.ErrAUnknownAnalysis, tag)
	}
	a := ctor()
	a.core().id = len(r.ordered)
	r.byTag[tag] = a
	r.ordered = append(r.ordered, a)
	return a, nil
}

// Lookup returns the analysis with the given id.
func (r *Registry) Lookup(id int) (Analysis, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id < 0 || id >= len(r.ordered) {
		return nil, false
	}
	return r.ordered[id], true
}

// Enable creates and configures the analysis for tag and adds it to the
// enabled set.
func (r *Registry) Enable(tag string, cfg *config.Config, dec *semantics.Decoder, lg *report.Log, mem target.Memory) (Analysis, error) {
	a, err := r.GetOrCreate(tag)
	if err != nil {
		return nil, err
	}
	b := a.core()
	if b.state != Unconfigured {
		return a, nil
	}
	if err := a.Configure(cfg, dec, lg, mem); err != nil {
		return nil, fmt.Errorf("configure %s: %w", tag, err)
	}
	b.state = Configured
	r.mu.Lock()
	r.enabled = append(r.enabled, a)
	r.mu.Unlock()
	log.Info(log.Analysis, "enabled", "tag", tag, "id", b.id, "desc", a.Description())
	return a, nil
}

// EnableFromConfig enables every analysis whose switch is "yes". The null
// analysis is enabled when none is.
func (r *Registry) EnableFromConfig(cfg *config.Config, dec *semantics.Decoder, lg *report.Log, mem target.Memory) ([]Analysis, error) {
	for _, s := range switches {
		if !cfg.Bool(s.key) {
			continue
		}
		if _, err := r.Enable(s.tag, cfg, dec, lg, mem); err != nil {
			return nil, err
		}
	}
	if len(r.Enabled()) == 0 {
		if _, err := r.Enable(TagNull, cfg, dec, lg, mem); err != nil {
			return nil, err
		}
	}
	return r.Enabled(), nil
}

// Enabled returns the enabled analyses in id order.
func (r *Registry) Enabled() []Analysis {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]Analysis(nil), r.enabled...)
	slices.SortFunc(out, func(a, b Analysis) int { return a.core().id - b.core().id })
	return out
}

// Activate moves every configured analysis to the active state.
func (r *Registry) Activate() error {
	for _, a := range r.Enabled() {
		b := a.core()
		switch b.state {
		case Configured:
			b.state = Active
		case Active:
		case Finalized:
			return fmt.Errorf("%w: %s", fperrors.ErrAFinalized, b.tag)
		default:
			return fmt.Errorf("%w: %s", fperrors.ErrANotConfigured, b.tag)
		}
	}
	return nil
}

// Finalize runs FinalOutput of every enabled analysis once.
func (r *Registry) Finalize(mem target.Memory) error {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return fperrors.ErrAFinalized
	}
	r.finished = true
	r.mu.Unlock()

	for _, a := range r.Enabled() {
		b := a.core()
		if b.state == Unconfigured {
			continue
		}
		if err := a.FinalOutput(mem); err != nil {
			return fmt.Errorf("final output of %s: %w", b.tag, err)
		}
		b.state = Finalized
		log.Info(log.Analysis, a.FinalInstReport())
	}
	return nil
}

// Tags lists the known analysis tags.
func Tags() []string {
	tags := make([]string, 0, len(constructors))
	for _, s := range switches {
		tags = append(tags, s.tag)
	}
	return append(tags, TagNull)
}

// StateOf returns the lifecycle state of a.
func StateOf(a Analysis) State { return a.core().state }

// IDOf returns the registry id of a.
func IDOf(a Analysis) int { return a.core().id }
