package host

import (
	"context"
	"encoding/binary"
	"math"
	"math/big"
	"testing"

	"github.com/colorfulnotion/fpinst/analysis"
	"github.com/colorfulnotion/fpinst/config"
	"github.com/colorfulnotion/fpinst/emulator"
	"github.com/colorfulnotion/fpinst/report"
	"github.com/colorfulnotion/fpinst/semantics"
	"github.com/colorfulnotion/fpinst/target"
	"github.com/colorfulnotion/fpinst/x86"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	codeBase  = 0x1000
	dataBase  = 0x3000
	stackTop  = 0x80000
	stackSize = 0x10000
)

type env struct {
	h    *Host
	mem  *target.Sparse
	m    *emulator.Machine
	plan *Plan
	r    *Runner
	code []byte
}

func setup(t *testing.T, code []byte, settings ...string) *env {
	t.Helper()
	cfg := config.New()
	for _, s := range settings {
		cfg.AddSetting(s)
	}
	mem := target.NewSparse()
	mem.Map(codeBase, 0x1000)
	mem.Map(dataBase, 0x1000)
	mem.Map(stackTop-stackSize, stackSize)
	require.NoError(t, mem.Write(codeBase, code))

	h := New(cfg, mem, report.NewLog("test"))
	_, err := h.Setup()
	require.NoError(t, err)
	ctx := context.Background()
	plan, err := h.Instrument(ctx, codeBase, code)
	require.NoError(t, err)
	require.NoError(t, plan.Apply(mem))
	require.NoError(t, h.Register(ctx))

	m := emulator.New(mem)
	m.SetGPR(x86.RSP, stackTop-0x100)
	m.SetGPR(x86.RBX, dataBase)
	return &env{h: h, mem: mem, m: m, plan: plan, r: h.NewRunner(m, plan), code: code}
}

func (e *env) run(t *testing.T) {
	t.Helper()
	require.NoError(t, e.r.Run(context.Background(), codeBase, codeBase+uint64(len(e.code))))
}

func (e *env) analysis(t *testing.T, tag string) analysis.Analysis {
	t.Helper()
	a, err := e.h.Registry.GetOrCreate(tag)
	require.NoError(t, err)
	return a
}

func (e *env) setXMM(r x86.Register, v float64) {
	e.m.SetXMM(r, [2]uint64{math.Float64bits(v)})
}

func (e *env) xmm(r x86.Register) float64 { return math.Float64frombits(e.m.XMM(r)[0]) }

func addsdMem(m x86.Mem) []byte {
	return x86.BuildSSEMem(x86.X86_PREFIX_REPNE, x86.X86_OP2_ADD, x86.XMM0, m)
}

func TestCInstEndToEnd(t *testing.T) {
	code := addsdMem(x86.Mem{Base: x86.RBX})
	e := setup(t, code, "c_inst=yes")
	require.NoError(t, target.WriteFloat64(e.mem, dataBase, 2))
	cinst := e.analysis(t, analysis.TagCInst).(*analysis.CInst)

	require.Len(t, e.plan.Patches, 1)
	assert.Equal(t, PlaceTrap, e.plan.Patches[0].Placement)

	e.setXMM(x86.XMM0, 1)
	e.run(t)
	n, err := cinst.Count(0, e.mem)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)
	assert.Equal(t, 3.0, e.xmm(x86.XMM0))

	e.run(t)
	e.run(t)
	n, err = cinst.Count(0, e.mem)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), n)
	assert.Equal(t, 7.0, e.xmm(x86.XMM0))

	require.NoError(t, e.h.Finish(context.Background()))
	icount := e.h.Log.Filter(report.ICount)
	require.Len(t, icount, 1)
	assert.Equal(t, int64(3), icount[0].Priority)
}

func TestJumpSpliceWithRIPOperand(t *testing.T) {
	// addsd xmm0, [rip+disp] at 0x1004 reads dataBase
	rip := addsdMem(x86.Mem{Base: x86.RIP, Disp: int32(dataBase - (codeBase + 4 + 8))})
	code := append(addsdMem(x86.Mem{Base: x86.RBX}), rip...)
	require.Len(t, rip, 8)
	e := setup(t, code, "c_inst=yes")
	require.NoError(t, target.WriteFloat64(e.mem, dataBase, 0.5))

	require.Len(t, e.plan.Patches, 2)
	p, ok := e.plan.Patch(codeBase + 4)
	require.True(t, ok)
	assert.Equal(t, PlaceJump, p.Placement)
	assert.Equal(t, byte(x86.X86_OP_JMP_REL32), p.Code[0])
	rel := int32(binary.LittleEndian.Uint32(p.Code[1:5]))
	assert.Equal(t, p.Blob, uint64(int64(codeBase+4+5)+int64(rel)))
	assert.Equal(t, []byte{x86.X86_OP_NOP, x86.X86_OP_NOP, x86.X86_OP_NOP}, p.Code[5:])

	e.setXMM(x86.XMM0, 1)
	e.run(t)
	assert.Equal(t, 2.0, e.xmm(x86.XMM0))
	cinst := e.analysis(t, analysis.TagCInst).(*analysis.CInst)
	for idx := 0; idx < 2; idx++ {
		n, err := cinst.Count(idx, e.mem)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), n, "instruction #%d", idx)
	}
}

func TestSpliceShortInstruction(t *testing.T) {
	p := splice(codeBase, 4, 0x10000000)
	assert.Equal(t, PlaceTrap, p.Placement)
	assert.Equal(t, []byte{x86.X86_OP_INT3, x86.X86_OP_NOP, x86.X86_OP_NOP, x86.X86_OP_NOP}, p.Code)

	p = splice(codeBase, 5, 1<<40)
	assert.Equal(t, PlaceTrap, p.Placement, "out of rel32 range")
}

func TestRangeAndReducedPrecisionCompose(t *testing.T) {
	code := x86.BuildSSE(x86.X86_PREFIX_REPNE, x86.X86_OP2_ADD, x86.XMM0, x86.XMM1)
	e := setup(t, code, "t_range=yes", "r_prec=yes", "r_prec_default_precision=0")
	site, ok := e.h.Site(codeBase)
	require.True(t, ok)
	require.NotNil(t, site.Replacer)
	assert.Equal(t, analysis.TagRPrec, site.Replacer.Tag())
	require.Len(t, site.Pre, 1)
	require.Len(t, site.Post, 1)

	e.setXMM(x86.XMM0, 1.75)
	e.setXMM(x86.XMM1, 1.5)
	e.run(t)
	// 3.25 keeps only its leading bit
	assert.Equal(t, 2.0, e.xmm(x86.XMM0))

	trange := e.analysis(t, analysis.TagTRange).(*analysis.TRange)
	lo, hi, count, err := trange.Range(0, e.mem)
	require.NoError(t, err)
	assert.Equal(t, 1.5, lo)
	assert.Equal(t, 2.0, hi)
	assert.Equal(t, uint64(1), count)
}

func TestForcedReplacementOfIneligibleInstruction(t *testing.T) {
	code := x86.Ucomisd(x86.XMM0, x86.XMM1)
	e := setup(t, code, `^r INSN #0 0x1000 "cmp"`)
	site, ok := e.h.Site(codeBase)
	require.True(t, ok)
	require.NotNil(t, site.Replacer)
	warn := e.h.Log.Filter(report.Warning)
	require.Len(t, warn, 1)
	assert.Equal(t, "Cannot replace instruction", warn[0].Label)

	cell, ok := e.h.Config.Address("INSN_0_count_addr")
	require.True(t, ok)

	e.setXMM(x86.XMM0, 1)
	e.setXMM(x86.XMM1, 2)
	e.run(t)
	e.run(t)
	assert.NotZero(t, e.m.Flags()&emulator.FlagCF)
	count, err := target.ReadUint64(e.mem, cell)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), count)
}

func TestHeavyweightCancellation(t *testing.T) {
	code := x86.BuildSSE(x86.X86_PREFIX_REPNE, x86.X86_OP2_SUB, x86.XMM0, x86.XMM1)
	e := setup(t, code, "d_cancel=yes", "min_priority=4")
	site, ok := e.h.Site(codeBase)
	require.True(t, ok)
	assert.False(t, site.Spliced())
	assert.Empty(t, e.plan.Patches)

	e.setXMM(x86.XMM0, 1)
	e.setXMM(x86.XMM1, 0.96875)
	e.run(t)
	assert.Equal(t, 0.03125, e.xmm(x86.XMM0))
	assert.Equal(t, uint64(1), e.r.Dispatcher.Calls())
	assert.False(t, e.r.Dispatcher.Active())

	msgs := e.h.Log.Filter(report.Cancellation)
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(5), msgs[0].Priority)
}

func TestHeavyweightCancellationOnRegisterStack(t *testing.T) {
	code := []byte{0xd8, 0xe1} // fsub st0, st1
	e := setup(t, code, "d_cancel=yes")
	site, ok := e.h.Site(codeBase)
	require.True(t, ok)
	assert.False(t, site.Spliced())

	one := semantics.Extended(big.NewFloat(1)).Bits
	e.m.PushST(one)
	e.m.PushST(one)
	e.run(t)
	assert.True(t, semantics.Value{Type: semantics.TypeExtended, Bits: e.m.ST(0)}.IsZero())

	msgs := e.h.Log.Filter(report.Cancellation)
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(analysis.CompleteCancellationPriority), msgs[0].Priority)
	dcancel := e.analysis(t, analysis.TagDCancel).(*analysis.DCancel)
	count, cancels, digits := dcancel.Totals(0)
	assert.Equal(t, uint64(1), count)
	assert.Equal(t, uint64(1), cancels)
	assert.Equal(t, uint64(65), digits)
}

func TestHandlersSkipInactiveAnalyses(t *testing.T) {
	code := x86.BuildSSE(x86.X86_PREFIX_REPNE, x86.X86_OP2_SUB, x86.XMM0, x86.XMM1)
	e := setup(t, code, "d_cancel=yes", "min_priority=4")
	dcancel := e.analysis(t, analysis.TagDCancel).(*analysis.DCancel)
	require.Equal(t, analysis.Active, analysis.StateOf(dcancel))
	require.NoError(t, e.h.Registry.Finalize(e.mem))
	require.Equal(t, analysis.Finalized, analysis.StateOf(dcancel))

	e.setXMM(x86.XMM0, 1)
	e.setXMM(x86.XMM1, 0.96875)
	e.run(t)
	assert.Equal(t, 0.03125, e.xmm(x86.XMM0))
	assert.Empty(t, e.h.Log.Filter(report.Cancellation))
	count, _, _ := dcancel.Totals(0)
	assert.Zero(t, count)
}

func TestHeavyweightCountsInBlob(t *testing.T) {
	code := addsdMem(x86.Mem{Base: x86.RBX})
	e := setup(t, code, "t_range=yes", "t_range_heavyweight=yes", "c_inst=yes")
	require.NoError(t, target.WriteFloat64(e.mem, dataBase, -4))
	site, ok := e.h.Site(codeBase)
	require.True(t, ok)
	assert.True(t, site.Spliced(), "cinst is inline")

	e.setXMM(x86.XMM0, 10)
	e.run(t)
	e.run(t)
	assert.Equal(t, 2.0, e.xmm(x86.XMM0))

	trange := e.analysis(t, analysis.TagTRange).(*analysis.TRange)
	lo, hi, count, err := trange.Range(0, e.mem)
	require.NoError(t, err)
	assert.Equal(t, -4.0, lo)
	assert.Equal(t, 10.0, hi)
	assert.Equal(t, uint64(2), count)
	assert.Equal(t, uint64(4), e.r.Dispatcher.Calls())
}

func TestDispatcherSuppressesReentry(t *testing.T) {
	d := &Dispatcher{}
	m := emulator.New(target.NewSparse())
	m.SetXMM(x86.XMM2, [2]uint64{7})
	inner := false
	require.NoError(t, d.dispatch(m, func(ctx semantics.Context) error {
		ctx.SetXMM(x86.XMM2, [2]uint64{9})
		assert.True(t, d.Active())
		return d.dispatch(m, func(semantics.Context) error {
			inner = true
			return nil
		})
	}))
	assert.False(t, inner)
	assert.False(t, d.Active())
	assert.Equal(t, [2]uint64{7}, m.XMM(x86.XMM2))
	assert.Equal(t, uint64(1), d.Calls())
}

func TestBindingsRoundTrip(t *testing.T) {
	code := addsdMem(x86.Mem{Base: x86.RBX})
	e := setup(t, code, "c_inst=yes")
	store, err := config.OpenBindingStore("")
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, e.h.SaveBindings(store))

	cell, ok := e.h.Config.Address("CINST_0_count_addr")
	require.True(t, ok)

	fresh := config.New()
	n, err := store.LoadInto(fresh)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, ok := fresh.Address("CINST_0_count_addr")
	require.True(t, ok)
	assert.Equal(t, cell, got)

	require.NoError(t, e.h.VerifyBindings(store))
	assert.Empty(t, e.h.Log.Filter(report.Warning))
	require.NoError(t, store.PutFingerprint(codeBase, "stale"))
	require.NoError(t, e.h.VerifyBindings(store))
	assert.Len(t, e.h.Log.Filter(report.Warning), 1)
}

func TestSkipsNonFloatInstructions(t *testing.T) {
	code := append(x86.MovGPR64ToGPR64(x86.RAX, x86.RBX), addsdMem(x86.Mem{Base: x86.RBX})...)
	e := setup(t, code, "c_inst=yes")
	require.Len(t, e.h.Sites(), 1)
	assert.Equal(t, uint64(codeBase+3), e.h.Sites()[0].Inst.Address())
}

func TestStopsAtTruncatedInstruction(t *testing.T) {
	code := append(addsdMem(x86.Mem{Base: x86.RBX}), 0xf2, 0x0f, 0x58)
	e := setup(t, code, "c_inst=yes")
	require.Len(t, e.h.Sites(), 1)
	assert.Equal(t, uint64(codeBase), e.h.Sites()[0].Inst.Address())
	warnings := e.h.Log.Filter(report.Warning)
	require.Len(t, warnings, 1)
	assert.Equal(t, "Truncated instruction", warnings[0].Label)
}

func TestNullAnalysisInstrumentsNothing(t *testing.T) {
	e := setup(t, addsdMem(x86.Mem{Base: x86.RBX}))
	assert.Empty(t, e.h.Sites())
	assert.Empty(t, e.plan.Patches)
	enabled := e.h.Registry.Enabled()
	require.Len(t, enabled, 1)
	assert.Equal(t, analysis.TagNull, enabled[0].Tag())
}
