package irq

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/AgentOS/spm/internal/logging"
	"github.com/GriffinCanCode/AgentOS/spm/internal/monitoring"
	"github.com/GriffinCanCode/AgentOS/spm/internal/registry"
	"github.com/GriffinCanCode/AgentOS/spm/internal/signals"
	"github.com/GriffinCanCode/AgentOS/spm/internal/types"
)

const (
	flihSignal types.Signal = 1 << 6
	slihSignal types.Signal = 1 << 7
)

// recordingControl tracks line mask operations.
type recordingControl struct {
	enabled  []uint32
	disabled []uint32
}

func (c *recordingControl) EnableLine(line uint32)  { c.enabled = append(c.enabled, line) }
func (c *recordingControl) DisableLine(line uint32) { c.disabled = append(c.disabled, line) }

func fixture(t *testing.T) (*Manager, *registry.Partition, *signals.Engine, *recordingControl) {
	t.Helper()

	p := &registry.Partition{
		ID: -7,
		IRQs: []*registry.IRQ{
			{Signal: flihSignal, Handling: registry.HandlingFLIH, Line: 21},
			{Signal: slihSignal, Handling: registry.HandlingSLIH, Line: 22},
		},
	}
	engine := signals.NewEngine(monitoring.NewMetrics(prometheus.NewRegistry()), logging.NewNop())
	engine.Attach(p.ID)
	control := &recordingControl{}
	m := NewManager(engine, control, monitoring.NewMetrics(prometheus.NewRegistry()))
	return m, p, engine, control
}

func TestEnableDisableReportsPriorState(t *testing.T) {
	m, p, _, control := fixture(t)

	prev, err := m.Disable(p, flihSignal)
	require.NoError(t, err)
	assert.False(t, prev, "interrupts start disabled")

	require.NoError(t, m.Enable(p, flihSignal))
	prev, err = m.Disable(p, flihSignal)
	require.NoError(t, err)
	assert.True(t, prev)

	assert.Equal(t, []uint32{21}, control.enabled)
	assert.Equal(t, []uint32{21, 21}, control.disabled)
}

func TestSignalShapeValidation(t *testing.T) {
	m, p, _, _ := fixture(t)

	assert.Error(t, m.Enable(p, flihSignal|slihSignal), "multi-bit signal")
	assert.Error(t, m.Enable(p, 0))
	assert.Error(t, m.Enable(p, 1<<9), "not an interrupt of the partition")
}

func TestRaiseRequiresEnabled(t *testing.T) {
	m, p, engine, _ := fixture(t)

	assert.Error(t, m.Raise(p, flihSignal))

	require.NoError(t, m.Enable(p, flihSignal))
	require.NoError(t, m.Raise(p, flihSignal))

	reg, _ := engine.Register(p.ID)
	assert.Equal(t, flihSignal, reg.Asserted(types.WaitAny))
}

func TestResetSignalFLIH(t *testing.T) {
	m, p, engine, _ := fixture(t)
	require.NoError(t, m.Enable(p, flihSignal))
	require.NoError(t, m.Raise(p, flihSignal))

	require.NoError(t, m.ResetSignal(p, flihSignal))

	reg, _ := engine.Register(p.ID)
	assert.Zero(t, reg.Asserted(types.WaitAny))

	// Not asserted anymore: a second reset is invalid.
	assert.Error(t, m.ResetSignal(p, flihSignal))
}

func TestResetSignalRejectsSLIH(t *testing.T) {
	m, p, _, _ := fixture(t)
	require.NoError(t, m.Enable(p, slihSignal))
	require.NoError(t, m.Raise(p, slihSignal))

	assert.Error(t, m.ResetSignal(p, slihSignal))
	assert.Error(t, m.EOI(p, flihSignal))
}

func TestEOIRearmsLine(t *testing.T) {
	m, p, engine, control := fixture(t)
	require.NoError(t, m.Enable(p, slihSignal))
	require.NoError(t, m.Raise(p, slihSignal))

	// Raising a second-level interrupt masks the line until completion.
	assert.Equal(t, []uint32{22}, control.disabled)

	require.NoError(t, m.EOI(p, slihSignal))
	assert.Equal(t, []uint32{22, 22}, control.enabled)

	reg, _ := engine.Register(p.ID)
	assert.Zero(t, reg.Asserted(types.WaitAny))

	assert.Error(t, m.EOI(p, slihSignal), "eoi without a pending interrupt")
}

func TestEOIRespectsDisable(t *testing.T) {
	m, p, _, control := fixture(t)
	require.NoError(t, m.Enable(p, slihSignal))
	require.NoError(t, m.Raise(p, slihSignal))

	// Partition disables the interrupt before completing it; eoi must not
	// re-arm a line the partition wants masked.
	_, err := m.Disable(p, slihSignal)
	require.NoError(t, err)
	require.NoError(t, m.EOI(p, slihSignal))

	assert.Equal(t, []uint32{22}, control.enabled, "only the initial enable")
}
