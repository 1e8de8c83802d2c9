package signals

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/AgentOS/spm/internal/logging"
	"github.com/GriffinCanCode/AgentOS/spm/internal/monitoring"
	"github.com/GriffinCanCode/AgentOS/spm/internal/types"
)

func newEngine() *Engine {
	return NewEngine(monitoring.NewMetrics(prometheus.NewRegistry()), logging.NewNop())
}

func TestPollReturnsZeroWhenNothingAsserted(t *testing.T) {
	reg := NewRegister()
	assert.Zero(t, reg.Wait(types.WaitAny, types.Poll))
}

func TestWaitObservesMaskedSubset(t *testing.T) {
	reg := NewRegister()
	reg.Assert(1<<4 | 1<<6)

	got := reg.Wait(1<<4|1<<5, types.Block)
	assert.Equal(t, types.Signal(1<<4), got)

	// Wait does not consume; the bit stays asserted.
	assert.Equal(t, types.Signal(1<<4), reg.Asserted(1<<4))
}

func TestWaitBlocksUntilAssertion(t *testing.T) {
	reg := NewRegister()
	got := make(chan types.Signal, 1)

	go func() {
		got <- reg.Wait(1<<5, types.Block)
	}()

	select {
	case sig := <-got:
		t.Fatalf("wait returned %#x before assertion", sig)
	case <-time.After(20 * time.Millisecond):
	}

	reg.Assert(1 << 5)
	select {
	case sig := <-got:
		assert.Equal(t, types.Signal(1<<5), sig)
	case <-time.After(time.Second):
		t.Fatal("wait did not wake after assertion")
	}
}

func TestNotifyIsIdempotentWhileUnconsumed(t *testing.T) {
	e := newEngine()
	e.Attach(7)

	require.NoError(t, e.Notify(7))
	require.NoError(t, e.Notify(7))

	reg, ok := e.Register(7)
	require.True(t, ok)
	assert.Equal(t, types.SignalDoorbell, reg.Asserted(types.WaitAny))

	// One clear consumes the doorbell regardless of notify count.
	require.NoError(t, e.ClearDoorbell(7))
	assert.Zero(t, reg.Asserted(types.WaitAny))
}

func TestNotifyUnknownPartition(t *testing.T) {
	e := newEngine()
	assert.Error(t, e.Notify(99))
}

func TestClearWithoutDoorbell(t *testing.T) {
	e := newEngine()
	e.Attach(7)
	assert.Error(t, e.ClearDoorbell(7))
}

func TestDoorbellIndependentOfServiceSignals(t *testing.T) {
	e := newEngine()
	e.Attach(7)

	require.NoError(t, e.Assert(7, 1<<4))
	require.NoError(t, e.Notify(7))

	reg, _ := e.Register(7)
	assert.Equal(t, types.Signal(1<<4)|types.SignalDoorbell, reg.Asserted(types.WaitAny))

	require.NoError(t, e.ClearDoorbell(7))
	assert.Equal(t, types.Signal(1<<4), reg.Asserted(types.WaitAny))
}
