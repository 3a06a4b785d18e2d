package main

import (
	"math"
	"testing"

	"github.com/colorfulnotion/fpinst/config"
	"github.com/colorfulnotion/fpinst/semantics"
	"github.com/colorfulnotion/fpinst/x86"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsoleDecode(t *testing.T) {
	vm := newConsoleVM(config.New(), semantics.NewDecoder())
	v, err := vm.RunString(`decode("f2 0f 58 c1", 0x1000).disassembly`)
	require.NoError(t, err)
	assert.Equal(t, "addsd xmm0, xmm1", v.String())

	v, err = vm.RunString(`decode("f20f58c1", 0x1000).index`)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v.ToInteger())

	_, err = vm.RunString(`decode("4889d8", 0x2000)`)
	assert.Error(t, err)
}

func TestConsoleConfig(t *testing.T) {
	cfg := config.New()
	vm := newConsoleVM(cfg, semantics.NewDecoder())
	_, err := vm.RunString(`set("c_inst", "yes")`)
	require.NoError(t, err)
	assert.True(t, cfg.Bool(config.KeyCInst))

	v, err := vm.RunString(`get("c_inst")`)
	require.NoError(t, err)
	assert.Equal(t, "yes", v.String())

	v, err = vm.RunString(`tags().indexOf("trange") >= 0`)
	require.NoError(t, err)
	assert.True(t, v.ToBoolean())
}

func TestNewMachineSettings(t *testing.T) {
	mem, _, err := mapImage([]byte{0x90}, 0x1000)
	require.NoError(t, err)
	m, err := newMachine(mem, []string{"xmm1=2.5", "rbx=0x3000"}, []string{"0x3000=4"})
	require.NoError(t, err)
	assert.Equal(t, uint64(0x3000), m.GPR(x86.RBX))
	assert.Equal(t, 2.5, math.Float64frombits(m.XMM(x86.XMM1)[0]))
	_, err = newMachine(mem, []string{"eax=1"}, nil)
	assert.Error(t, err)
	_, err = newMachine(mem, nil, []string{"0x3000"})
	assert.Error(t, err)
}
