package analysis

import (
	"bytes"
	"math"
	"strings"
	"testing"

	"github.com/colorfulnotion/fpinst/blob"
	"github.com/colorfulnotion/fpinst/config"
	"github.com/colorfulnotion/fpinst/emulator"
	"github.com/colorfulnotion/fpinst/fperrors"
	"github.com/colorfulnotion/fpinst/report"
	"github.com/colorfulnotion/fpinst/semantics"
	"github.com/colorfulnotion/fpinst/target"
	"github.com/colorfulnotion/fpinst/x86"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	origBase  = 0x1000
	blobBase  = 0x20000
	stackTop  = 0x80000
	stackSize = 0x10000
)

var (
	addsd   = x86.BuildSSE(x86.X86_PREFIX_REPNE, x86.X86_OP2_ADD, x86.XMM0, x86.XMM1)
	subsd   = x86.BuildSSE(x86.X86_PREFIX_REPNE, x86.X86_OP2_SUB, x86.XMM0, x86.XMM1)
	ucomisd = x86.Ucomisd(x86.XMM0, x86.XMM1)
)

type fixture struct {
	cfg *config.Config
	dec *semantics.Decoder
	log *report.Log
	mem *target.Sparse
	m   *emulator.Machine
}

func newFixture(t *testing.T, settings ...string) *fixture {
	t.Helper()
	cfg := config.New()
	for _, s := range settings {
		cfg.AddSetting(s)
	}
	mem := target.NewSparse()
	mem.Map(origBase, 0x1000)
	mem.Map(blobBase, 0x1000)
	mem.Map(stackTop-stackSize, stackSize)
	m := emulator.New(mem)
	m.SetGPR(x86.RSP, stackTop-0x100)
	return &fixture{cfg: cfg, dec: semantics.NewDecoder(), log: report.NewLog("test"), mem: mem, m: m}
}

func (f *fixture) decode(t *testing.T, addr uint64, code []byte) *semantics.Semantics {
	t.Helper()
	inst, err := f.dec.Decode(addr, code)
	require.NoError(t, err)
	return inst
}

func (f *fixture) configure(t *testing.T, a Analysis) {
	t.Helper()
	require.NoError(t, a.Configure(f.cfg, f.dec, f.log, f.mem))
}

func (f *fixture) setDoubles(x, y float64) {
	f.m.SetXMM(x86.XMM0, [2]uint64{math.Float64bits(x)})
	f.m.SetXMM(x86.XMM1, [2]uint64{math.Float64bits(y)})
}

func TestCheckCancellation(t *testing.T) {
	c := CheckCancellation(semantics.OpAdd, semantics.Double(1), semantics.Double(-1))
	assert.True(t, c.Complete)
	assert.Equal(t, int64(53), c.Digits)

	c = CheckCancellation(semantics.OpSub, semantics.Double(1), semantics.Double(0.96875))
	assert.False(t, c.Complete)
	assert.Equal(t, int64(5), c.Digits)
	assert.Equal(t, [3]int{1, 0, -4}, c.Exp)

	c = CheckCancellation(semantics.OpSub, semantics.Single(1), semantics.Single(1))
	assert.True(t, c.Complete)
	assert.Equal(t, int64(24), c.Digits)

	c = CheckCancellation(semantics.OpAdd, semantics.Double(0), semantics.Double(3))
	assert.True(t, c.Skipped)
}

func TestSampling(t *testing.T) {
	for _, n := range []uint64{1, 9, 10, 20, 990, 1000, 2000, 99000, 100000, 300000} {
		assert.True(t, sampled(n), "n=%d", n)
	}
	for _, n := range []uint64{11, 999, 1010, 99999, 100010, 150000} {
		assert.False(t, sampled(n), "n=%d", n)
	}
}

func TestDCancelMinPriority(t *testing.T) {
	for _, tc := range []struct {
		min      string
		reported int
	}{{"4", 1}, {"6", 0}} {
		f := newFixture(t, "min_priority="+tc.min)
		a := NewDCancel()
		f.configure(t, a)
		inst := f.decode(t, origBase, subsd)
		require.True(t, a.ShouldPreInstrument(inst))
		assert.False(t, a.Inline())

		f.setDoubles(1, 0.96875)
		require.NoError(t, a.HandlePreInstruction(inst, f.m))
		msgs := f.log.Filter(report.Cancellation)
		require.Len(t, msgs, tc.reported, "min_priority=%s", tc.min)
		if tc.reported > 0 {
			assert.Equal(t, int64(5), msgs[0].Priority)
			assert.Contains(t, msgs[0].Details, "[exp=-4]")
		}
		count, cancels, digits := a.Totals(inst.Index())
		assert.Equal(t, uint64(1), count)
		assert.Equal(t, uint64(tc.reported), cancels)
		assert.Equal(t, uint64(5*tc.reported), digits)
	}
}

func TestDCancelCompleteAndSummary(t *testing.T) {
	f := newFixture(t)
	a := NewDCancel()
	f.configure(t, a)
	inst := f.decode(t, origBase, addsd)
	require.NoError(t, a.RegisterInstruction(inst, f.mem))

	f.setDoubles(1, -1)
	require.NoError(t, a.HandlePreInstruction(inst, f.m))
	f.setDoubles(0, 5)
	require.NoError(t, a.HandlePreInstruction(inst, f.m))

	msgs := f.log.Filter(report.Cancellation)
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(CompleteCancellationPriority), msgs[0].Priority)
	assert.NotContains(t, msgs[0].Details, "exp=")

	require.NoError(t, a.FinalOutput(f.mem))
	sum := f.log.Filter(report.Summary)
	require.Len(t, sum, 1)
	assert.Equal(t, "CANCEL_DATA", sum[0].Label)
	assert.Equal(t, 53.0, sum[0].Values["average_digits"])
	icount := f.log.Filter(report.ICount)
	require.Len(t, icount, 1)
	assert.Equal(t, int64(2), icount[0].Priority)
}

func TestDCancelSamplingLimitsMessages(t *testing.T) {
	f := newFixture(t)
	a := NewDCancel()
	f.configure(t, a)
	inst := f.decode(t, origBase, addsd)
	f.setDoubles(1, -1)
	for i := 0; i < 25; i++ {
		require.NoError(t, a.HandlePreInstruction(inst, f.m))
	}
	// events 1..9, then 10 and 20
	assert.Len(t, f.log.Filter(report.Cancellation), 11)

	g := newFixture(t, "enable_sampling=no")
	b := NewDCancel()
	g.configure(t, b)
	g.setDoubles(1, -1)
	for i := 0; i < 25; i++ {
		require.NoError(t, b.HandlePreInstruction(g.decode(t, origBase, addsd), g.m))
	}
	assert.Len(t, g.log.Filter(report.Cancellation), 25)
}

func TestInstTableGrowth(t *testing.T) {
	tab := NewInstTable[uint64](4)
	*tab.Row(2) = 7
	assert.Equal(t, 4, tab.Cap())

	*tab.Row(5) = 9
	assert.Equal(t, 8, tab.Cap())
	*tab.Row(40) = 1
	assert.Equal(t, 41, tab.Cap())

	v, ok := tab.Get(2)
	assert.True(t, ok)
	assert.Equal(t, uint64(7), v)
	_, ok = tab.Get(3)
	assert.False(t, ok)
	_, ok = tab.Get(100)
	assert.False(t, ok)

	var seen []int
	tab.Each(func(idx int, _ *uint64) { seen = append(seen, idx) })
	assert.Equal(t, []int{2, 5, 40}, seen)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	a, err := r.GetOrCreate(TagTRange)
	require.NoError(t, err)
	b, err := r.GetOrCreate(TagCInst)
	require.NoError(t, err)
	again, err := r.GetOrCreate(TagTRange)
	require.NoError(t, err)
	assert.Same(t, a, again)
	assert.Equal(t, 0, IDOf(a))
	assert.Equal(t, 1, IDOf(b))

	got, ok := r.Lookup(1)
	assert.True(t, ok)
	assert.Same(t, b, got)
	_, ok = r.Lookup(5)
	assert.False(t, ok)

	_, err = r.GetOrCreate("bogus")
	assert.ErrorIs(t, err, fperrors.ErrAUnknownAnalysis)
	assert.Equal(t, Unconfigured, StateOf(a))
}

func TestRegistryLifecycle(t *testing.T) {
	f := newFixture(t, "c_inst=yes", "t_range=yes")
	r := NewRegistry()
	enabled, err := r.EnableFromConfig(f.cfg, f.dec, f.log, f.mem)
	require.NoError(t, err)
	require.Len(t, enabled, 2)
	assert.Equal(t, TagCInst, enabled[0].Tag())
	assert.Equal(t, TagTRange, enabled[1].Tag())
	assert.Equal(t, Configured, StateOf(enabled[0]))

	require.NoError(t, r.Activate())
	assert.Equal(t, Active, StateOf(enabled[1]))

	require.NoError(t, r.Finalize(f.mem))
	assert.Equal(t, Finalized, StateOf(enabled[0]))
	assert.ErrorIs(t, r.Finalize(f.mem), fperrors.ErrAFinalized)
	assert.ErrorIs(t, r.Activate(), fperrors.ErrAFinalized)
}

func TestRegistryNullFallback(t *testing.T) {
	f := newFixture(t)
	enabled, err := NewRegistry().EnableFromConfig(f.cfg, f.dec, f.log, f.mem)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, TagNull, enabled[0].Tag())
	inst := f.decode(t, origBase, addsd)
	assert.False(t, enabled[0].ShouldPreInstrument(inst))
	assert.False(t, enabled[0].ShouldReplace(inst))
}

func TestRPrecEligibility(t *testing.T) {
	f := newFixture(t)
	a := NewRPrec()
	f.configure(t, a)

	assert.True(t, a.ShouldReplace(f.decode(t, origBase, addsd)))
	assert.True(t, a.ShouldReplace(f.decode(t, origBase+8, x86.Cvtsd2ss(x86.XMM2, x86.XMM3))))
	assert.False(t, a.ShouldReplace(f.decode(t, origBase+16, ucomisd)))
	cvtsi := x86.BuildInstructionReg([]byte{x86.X86_PREFIX_REPNE}, true, []byte{x86.X86_PREFIX_0F, 0x2D}, 0, x86.XMM1)
	if inst, err := f.dec.Decode(origBase+24, cvtsi); err == nil {
		assert.False(t, a.ShouldReplace(inst), "integer output")
	}
}

func TestRPrecPrecision(t *testing.T) {
	f := newFixture(t)
	a := NewRPrec()
	f.configure(t, a)
	double := f.decode(t, origBase, addsd)
	single := f.decode(t, origBase+8, x86.BuildSSE(x86.X86_PREFIX_REP, x86.X86_OP2_ADD, x86.XMM2, x86.XMM3))
	assert.Equal(t, blob.DoublePrecision, a.Precision(double))
	assert.Equal(t, blob.SinglePrecision, a.Precision(single))

	g := newFixture(t, "r_prec_default_precision=12", "INSN_1_precision=4")
	b := NewRPrec()
	g.configure(t, b)
	double = g.decode(t, origBase, addsd)
	single = g.decode(t, origBase+8, x86.BuildSSE(x86.X86_PREFIX_REP, x86.X86_OP2_ADD, x86.XMM2, x86.XMM3))
	assert.Equal(t, 12, b.Precision(double))
	assert.Equal(t, 4, b.Precision(single))
}

func TestRPrecIneligibleWarns(t *testing.T) {
	f := newFixture(t)
	a := NewRPrec()
	f.configure(t, a)
	inst := f.decode(t, origBase, ucomisd)
	b := blob.New(inst)
	require.NoError(t, a.BuildReplacementCode(b, f.mem))
	warn := f.log.Filter(report.Warning)
	require.Len(t, warn, 1)
	assert.Equal(t, "Cannot replace instruction", warn[0].Label)

	// still counted, so the count binding is produced
	assert.Equal(t, 1, a.Instrumented())
	cell, ok := f.cfg.Address("INSN_0_count_addr")
	require.True(t, ok)
	assert.NotZero(t, cell)
	assert.Greater(t, b.OriginalOffset(), 0, "counter precedes the original")
}

func TestTRangeHeavyweight(t *testing.T) {
	f := newFixture(t, "t_range_heavyweight=yes")
	a := NewTRange()
	f.configure(t, a)
	assert.False(t, a.Inline())
	inst := f.decode(t, origBase, addsd)
	require.True(t, a.ShouldPreInstrument(inst))
	require.True(t, a.ShouldPostInstrument(inst))
	require.NoError(t, a.BuildPreInstrumentation(blob.New(inst), f.mem))
	require.NoError(t, a.RegisterInstruction(inst, f.mem))

	f.setDoubles(2, -3)
	require.NoError(t, a.HandlePreInstruction(inst, f.m))
	f.m.SetXMM(x86.XMM0, [2]uint64{math.Float64bits(-1)})
	require.NoError(t, a.HandlePostInstruction(inst, f.m))
	f.setDoubles(0.5, 10)
	require.NoError(t, a.HandlePreInstruction(inst, f.m))

	lo, hi, count, err := a.Range(inst.Index(), f.mem)
	require.NoError(t, err)
	assert.Equal(t, -3.0, lo)
	assert.Equal(t, 10.0, hi)
	assert.Equal(t, uint64(2), count)

	require.NoError(t, a.FinalOutput(f.mem))
	rng := f.log.Filter(report.Range)
	require.Len(t, rng, 1)
	assert.Equal(t, map[string]float64{"min": -3, "max": 10}, rng[0].Values)
}

func TestTRangeFilters(t *testing.T) {
	f := newFixture(t, "trange_addresses=0x1008")
	a := NewTRange()
	f.configure(t, a)
	assert.False(t, a.ShouldPreInstrument(f.decode(t, origBase, addsd)))
	cmp := f.decode(t, origBase+8, ucomisd)
	assert.True(t, a.ShouldPreInstrument(cmp))
	assert.False(t, a.ShouldPostInstrument(cmp))
	assert.False(t, a.ShouldPreInstrument(f.decode(t, origBase+16, x86.MovXmmToXmm(x86.XMM0, x86.XMM1))))
}

func TestTRangeInline(t *testing.T) {
	f := newFixture(t)
	a := NewTRange()
	f.configure(t, a)
	inst := f.decode(t, origBase, addsd)
	b := blob.New(inst)
	require.NoError(t, a.BuildPreInstrumentation(b, f.mem))
	b.EmitOriginal()
	require.NoError(t, a.BuildPostInstrumentation(b, f.mem))
	assert.Equal(t, 1, a.Instrumented())

	kMin, _, kCount := trangeKeys(inst.Index())
	minAddr, ok := f.cfg.Address(kMin)
	require.True(t, ok)
	countAddr, ok := f.cfg.Address(kCount)
	require.True(t, ok)
	assert.Equal(t, minAddr+16, countAddr)

	code, err := b.Finalize(blobBase)
	require.NoError(t, err)
	require.NoError(t, f.mem.Write(blobBase, code))
	require.NoError(t, a.RegisterInstruction(inst, f.mem))

	f.setDoubles(1.5, 2.5)
	f.m.SetRIP(blobBase)
	require.NoError(t, f.m.Run(blobBase+uint64(len(code))))

	lo, hi, count, err := a.Range(inst.Index(), f.mem)
	require.NoError(t, err)
	assert.Equal(t, 1.5, lo)
	assert.Equal(t, 4.0, hi)
	assert.Equal(t, uint64(1), count)
}

func TestDNanWarnings(t *testing.T) {
	f := newFixture(t)
	a := NewDNan()
	f.configure(t, a)
	inst := f.decode(t, origBase, addsd)
	require.True(t, a.ShouldPreInstrument(inst))
	require.True(t, a.ShouldPostInstrument(inst))
	assert.False(t, a.ShouldPreInstrument(f.decode(t, origBase+8, ucomisd)))

	f.setDoubles(1, 2)
	require.NoError(t, a.HandlePreInstruction(inst, f.m))
	assert.Empty(t, f.log.Filter(report.Warning))

	f.setDoubles(math.NaN(), 2)
	require.NoError(t, a.HandlePreInstruction(inst, f.m))
	require.NoError(t, a.HandlePostInstruction(inst, f.m))
	warn := f.log.Filter(report.Warning)
	require.Len(t, warn, 2)
	assert.Equal(t, int64(NaNPriority), warn[0].Priority)
	assert.True(t, strings.HasPrefix(warn[0].Label, "NaN detected: "))
}

func TestExamplePrints(t *testing.T) {
	f := newFixture(t, "example_tag=EX")
	a := NewExample()
	var out bytes.Buffer
	a.Out = &out
	f.configure(t, a)
	inst := f.decode(t, origBase, addsd)
	require.NoError(t, a.BuildPreInstrumentation(blob.New(inst), f.mem))
	require.NoError(t, a.HandlePreInstruction(inst, f.m))
	require.NoError(t, a.HandlePreInstruction(inst, f.m))
	assert.Equal(t, "EX "+inst.Disassembly()+"\nEX "+inst.Disassembly()+"\n", out.String())
	assert.Equal(t, uint64(2), a.Executed())

	require.NoError(t, a.FinalOutput(f.mem))
	sum := f.log.Filter(report.Summary)
	require.Len(t, sum, 1)
	assert.Contains(t, sum[0].Details, "instrumented=1\nexecuted=2")
}

func TestCInstInlineCounter(t *testing.T) {
	f := newFixture(t)
	a := NewCInst()
	f.configure(t, a)
	require.True(t, a.Inline())
	inst := f.decode(t, origBase, addsd)
	b := blob.New(inst)
	require.NoError(t, a.BuildPreInstrumentation(b, f.mem))
	b.EmitOriginal()
	code, err := b.Finalize(blobBase)
	require.NoError(t, err)
	require.NoError(t, f.mem.Write(blobBase, code))

	// a fresh run recovers the cell from its binding
	require.NoError(t, a.RegisterInstruction(inst, f.mem))
	f.setDoubles(1, 1)
	for i := 0; i < 3; i++ {
		f.m.SetRIP(blobBase)
		require.NoError(t, f.m.Run(blobBase+uint64(len(code))))
	}
	n, err := a.Count(inst.Index(), f.mem)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), n)
	assert.Equal(t, 4.0, math.Float64frombits(f.m.XMM(x86.XMM0)[0]))

	require.NoError(t, a.FinalOutput(f.mem))
	icount := f.log.Filter(report.ICount)
	require.Len(t, icount, 1)
	assert.Equal(t, int64(3), icount[0].Priority)
}

func TestCInstMissingBinding(t *testing.T) {
	f := newFixture(t)
	a := NewCInst()
	f.configure(t, a)
	err := a.RegisterInstruction(f.decode(t, origBase, addsd), f.mem)
	assert.ErrorIs(t, err, fperrors.ErrAMissingBinding)
}

func TestCInstHeavyweight(t *testing.T) {
	f := newFixture(t, "c_inst_heavyweight=yes")
	a := NewCInst()
	f.configure(t, a)
	assert.False(t, a.Inline())
	inst := f.decode(t, origBase, addsd)
	b := blob.New(inst)
	require.NoError(t, a.BuildPreInstrumentation(b, f.mem))
	require.NoError(t, a.RegisterInstruction(inst, f.mem))
	for i := 0; i < 4; i++ {
		require.NoError(t, a.HandlePreInstruction(inst, f.m))
	}
	n, err := a.Count(inst.Index(), f.mem)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), n)
	assert.Equal(t, "Instruction Count Analysis: 1 instrumented", a.FinalInstReport())
}
