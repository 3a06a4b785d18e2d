package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/colorfulnotion/fpinst/config"
	"github.com/colorfulnotion/fpinst/emulator"
	"github.com/colorfulnotion/fpinst/host"
	"github.com/colorfulnotion/fpinst/report"
	"github.com/colorfulnotion/fpinst/target"
	"github.com/colorfulnotion/fpinst/x86"
	"github.com/spf13/cobra"
)

const (
	defaultBase = "0x400000"
	stackTop    = 0x7ff000000000
	stackSize   = 0x100000
)

type imageFlags struct {
	configPath string
	base       string
	bindings   string
}

func (f *imageFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.configPath, "config", "c", "", "Configuration file")
	cmd.Flags().StringVar(&f.base, "base", defaultBase, "Load address of the code image")
	cmd.Flags().StringVar(&f.bindings, "bindings", "", "Binding store directory")
}

// session is one instrumented image.
type session struct {
	cfg  *config.Config
	mem  *target.Sparse
	code []byte
	base uint64
	h    *host.Host
	plan *host.Plan
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.New(), nil
	}
	return config.Load(path)
}

// loadImage maps the flat code image at path into a fresh address space.
func loadImage(path string, base uint64) (*target.Sparse, []byte, error) {
	code, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read image: %w", err)
	}
	return mapImage(code, base)
}

func mapImage(code []byte, base uint64) (*target.Sparse, []byte, error) {
	mem := target.NewSparse()
	mem.Map(base, uint64(len(code)))
	if err := mem.Write(base, code); err != nil {
		return nil, nil, fmt.Errorf("load image at %#x: %w", base, err)
	}
	return mem, code, nil
}

func instrumentImage(ctx context.Context, f imageFlags, path string) (*session, error) {
	base, err := config.ParseAddress(f.base)
	if err != nil {
		return nil, err
	}
	cfg, err := loadConfig(f.configPath)
	if err != nil {
		return nil, err
	}
	mem, code, err := loadImage(path, base)
	if err != nil {
		return nil, err
	}
	h := host.New(cfg, mem, report.NewLog(path))
	if _, err := h.Setup(); err != nil {
		return nil, err
	}
	plan, err := h.Instrument(ctx, base, code)
	if err != nil {
		return nil, err
	}
	return &session{cfg: cfg, mem: mem, code: code, base: base, h: h, plan: plan}, nil
}

func (s *session) printSites(showBlobs bool) {
	fmt.Println(colorHeader(fmt.Sprintf("%d instrumented instructions, %d splices", len(s.plan.Sites), len(s.plan.Patches))))
	for _, site := range s.plan.Sites {
		var tags []string
		for _, a := range site.Pre {
			tags = append(tags, "pre:"+a.Tag())
		}
		if site.Replacer != nil {
			tags = append(tags, "replace:"+site.Replacer.Tag())
		}
		for _, a := range site.Post {
			tags = append(tags, "post:"+a.Tag())
		}
		where := colorFaint("callbacks only")
		if p, ok := s.plan.Patch(site.Inst.Address()); ok {
			where = fmt.Sprintf("%s -> %s (%d bytes, %s)", p.Placement, colorAddr("%#x", site.Blob), len(site.Code), site.Fingerprint)
		}
		fmt.Printf("  #%-4d %s  %-32s %s  %s\n", site.Inst.Index(), colorAddr("%#x", site.Inst.Address()),
			site.Inst.Disassembly(), strings.Join(tags, ","), where)
		if showBlobs && site.Spliced() {
			for _, line := range strings.Split(strings.TrimRight(x86.DisassembleAt(site.Code, site.Blob), "\n"), "\n") {
				fmt.Println("        " + colorFaint(line))
			}
		}
	}
}

func (s *session) saveBindings(path string) error {
	if path == "" {
		return nil
	}
	store, err := config.OpenBindingStore(path)
	if err != nil {
		return err
	}
	defer store.Close()
	return s.h.SaveBindings(store)
}

func (s *session) verifyBindings(path string) error {
	if path == "" {
		return nil
	}
	store, err := config.OpenBindingStore(path)
	if err != nil {
		return err
	}
	defer store.Close()
	return s.h.VerifyBindings(store)
}

// newMachine prepares a thread with a mapped stack, the given register
// values (name=value, floats for XMM registers) and memory doubles
// (0xaddr=value).
func newMachine(mem *target.Sparse, regs, cells []string) (*emulator.Machine, error) {
	mem.Map(stackTop-stackSize, stackSize)
	m := emulator.New(mem)
	m.SetGPR(x86.RSP, stackTop-0x100)
	for _, kv := range regs {
		name, val, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("register setting %q: want name=value", kv)
		}
		r, ok := x86.ParseRegister(strings.ToLower(strings.TrimSpace(name)))
		switch {
		case !ok:
			return nil, fmt.Errorf("register setting %q: unknown register", kv)
		case r.IsXMM():
			f, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return nil, fmt.Errorf("register setting %q: %w", kv, err)
			}
			m.SetXMM(r, [2]uint64{math.Float64bits(f)})
		case r.IsGPR():
			v, err := strconv.ParseUint(val, 0, 64)
			if err != nil {
				return nil, fmt.Errorf("register setting %q: %w", kv, err)
			}
			m.SetGPR(r, v)
		default:
			return nil, fmt.Errorf("register setting %q: %s cannot be set", kv, r)
		}
	}
	for _, kv := range cells {
		at, val, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("memory setting %q: want 0xaddr=value", kv)
		}
		addr, err := config.ParseAddress(at)
		if err != nil {
			return nil, err
		}
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return nil, fmt.Errorf("memory setting %q: %w", kv, err)
		}
		mem.Map(addr, 8)
		if err := target.WriteFloat64(mem, addr, f); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func printMessages(lg *report.Log, verbose bool) {
	for _, m := range lg.Messages() {
		label := m.Label
		switch m.Type {
		case report.Error:
			label = colorError(label)
		case report.Warning:
			label = colorWarn(label)
		case report.Cancellation:
			label = colorFinding(label)
		case report.Status:
			if !verbose {
				continue
			}
		case report.ICount:
			label = colorOK(label)
		}
		fmt.Printf("%-12s %5d  %s\n", m.Type, m.Priority, label)
		if verbose && m.Details != "" && m.Details != m.Label {
			for _, line := range strings.Split(strings.TrimRight(m.Details, "\n"), "\n") {
				fmt.Println("                    " + colorFaint(line))
			}
		}
	}
}
