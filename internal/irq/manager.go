// Package irq implements enable/disable and completion signalling for
// interrupt-backed signals. An interrupt is serviced either by a first-level
// handler acknowledged with a reset-signal, or by a second-level handler
// acknowledged with an end-of-interrupt; the class is fixed in the manifest.
package irq

import (
	"fmt"
	"sync"

	"github.com/GriffinCanCode/AgentOS/spm/internal/monitoring"
	"github.com/GriffinCanCode/AgentOS/spm/internal/registry"
	"github.com/GriffinCanCode/AgentOS/spm/internal/signals"
	"github.com/GriffinCanCode/AgentOS/spm/internal/types"
)

// Control is the hardware collaborator that masks and unmasks interrupt
// lines. The core never touches interrupt hardware directly.
type Control interface {
	EnableLine(line uint32)
	DisableLine(line uint32)
}

// NopControl is a Control for hosts with no interrupt hardware.
type NopControl struct{}

func (NopControl) EnableLine(uint32)  {}
func (NopControl) DisableLine(uint32) {}

// Manager tracks per-interrupt enabled state and validates the completion
// protocol for both handling classes.
type Manager struct {
	mu      sync.Mutex
	enabled map[*registry.IRQ]bool

	engine  *signals.Engine
	control Control
	metrics *monitoring.Metrics
}

// NewManager creates an interrupt manager over the signal engine.
func NewManager(engine *signals.Engine, control Control, metrics *monitoring.Metrics) *Manager {
	if control == nil {
		control = NopControl{}
	}
	return &Manager{
		enabled: make(map[*registry.IRQ]bool),
		engine:  engine,
		control: control,
		metrics: metrics,
	}
}

// lookup validates the signal shape and resolves it to an interrupt owned
// by the caller. Violations are programmer errors for the caller.
func (m *Manager) lookup(caller *registry.Partition, sig types.Signal) (*registry.IRQ, error) {
	if !sig.IsSingle() {
		return nil, fmt.Errorf("irq signal %#x does not name exactly one bit", sig)
	}
	irq := caller.IRQBySignal(sig)
	if irq == nil {
		return nil, fmt.Errorf("signal %#x is not an interrupt of partition %d", sig, caller.ID)
	}
	return irq, nil
}

// Enable unmasks the interrupt behind sig.
func (m *Manager) Enable(caller *registry.Partition, sig types.Signal) error {
	irq, err := m.lookup(caller, sig)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.enabled[irq] = true
	m.mu.Unlock()
	m.control.EnableLine(irq.Line)
	m.metrics.IRQOps.WithLabelValues("enable").Inc()
	return nil
}

// Disable masks the interrupt behind sig and reports whether it was enabled
// immediately beforehand. The reference implementation documents its own
// return value as unusable; here the prior state is computed correctly.
func (m *Manager) Disable(caller *registry.Partition, sig types.Signal) (bool, error) {
	irq, err := m.lookup(caller, sig)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	prev := m.enabled[irq]
	m.enabled[irq] = false
	m.mu.Unlock()
	m.control.DisableLine(irq.Line)
	m.metrics.IRQOps.WithLabelValues("disable").Inc()
	return prev, nil
}

// Enabled reports the interrupt's current enabled state.
func (m *Manager) Enabled(irq *registry.IRQ) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled[irq]
}

// Raise is the ISR entry point: it asserts the interrupt signal in the
// owning partition's register when the interrupt is enabled. A second-level
// interrupt is masked until its end-of-interrupt.
func (m *Manager) Raise(owner *registry.Partition, sig types.Signal) error {
	irq, err := m.lookup(owner, sig)
	if err != nil {
		return err
	}
	m.mu.Lock()
	on := m.enabled[irq]
	m.mu.Unlock()
	if !on {
		return fmt.Errorf("interrupt line %d is disabled", irq.Line)
	}
	if irq.Handling == registry.HandlingSLIH {
		m.control.DisableLine(irq.Line)
	}
	return m.engine.Assert(owner.ID, sig)
}

// assertedIRQ resolves sig to a currently asserted interrupt of the caller
// with the required handling class.
func (m *Manager) assertedIRQ(caller *registry.Partition, sig types.Signal, class registry.IRQHandling) (*registry.IRQ, error) {
	irq, err := m.lookup(caller, sig)
	if err != nil {
		return nil, err
	}
	if irq.Handling != class {
		return nil, fmt.Errorf("interrupt line %d uses the wrong handling class", irq.Line)
	}
	reg, ok := m.engine.Register(caller.ID)
	if !ok {
		return nil, fmt.Errorf("partition %d has no signal register", caller.ID)
	}
	if reg.Asserted(sig) == 0 {
		return nil, fmt.Errorf("irq signal %#x is not asserted", sig)
	}
	return irq, nil
}

// ResetSignal acknowledges a first-level-handled interrupt: the asserted
// bit is cleared after the partition's lightweight handler ran.
func (m *Manager) ResetSignal(caller *registry.Partition, sig types.Signal) error {
	if _, err := m.assertedIRQ(caller, sig, registry.HandlingFLIH); err != nil {
		return err
	}
	reg, _ := m.engine.Register(caller.ID)
	reg.Clear(sig)
	m.metrics.IRQOps.WithLabelValues("reset_signal").Inc()
	return nil
}

// EOI completes a second-level-handled interrupt: the asserted bit is
// cleared and the hardware line is re-armed.
func (m *Manager) EOI(caller *registry.Partition, sig types.Signal) error {
	irq, err := m.assertedIRQ(caller, sig, registry.HandlingSLIH)
	if err != nil {
		return err
	}
	reg, _ := m.engine.Register(caller.ID)
	reg.Clear(sig)
	m.mu.Lock()
	on := m.enabled[irq]
	m.mu.Unlock()
	if on {
		m.control.EnableLine(irq.Line)
	}
	m.metrics.IRQOps.WithLabelValues("eoi").Inc()
	return nil
}
