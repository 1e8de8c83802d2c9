package signals

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/spm/internal/logging"
	"github.com/GriffinCanCode/AgentOS/spm/internal/monitoring"
	"github.com/GriffinCanCode/AgentOS/spm/internal/types"
)

// Register is one partition's signal register: a 32-bit mask combining
// service-ready signals, the doorbell, and interrupt signals. Asserting an
// already-asserted bit is idempotent; bits are consumed explicitly (clear,
// get, reset-signal), never by wait.
type Register struct {
	mu   sync.Mutex
	cond *sync.Cond
	bits types.Signal
}

// NewRegister creates an empty signal register.
func NewRegister() *Register {
	r := &Register{}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Assert sets the given bits and wakes any waiter.
func (r *Register) Assert(sig types.Signal) {
	r.mu.Lock()
	r.bits |= sig
	r.mu.Unlock()
	r.cond.Broadcast()
}

// Clear removes the given bits.
func (r *Register) Clear(sig types.Signal) {
	r.mu.Lock()
	r.bits &^= sig
	r.mu.Unlock()
}

// Asserted returns the currently asserted subset of mask.
func (r *Register) Asserted(mask types.Signal) types.Signal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bits & mask
}

// Wait suspends the caller until at least one signal in mask is asserted,
// or polls once when timeout is types.Poll. The asserted subset is returned;
// zero is seen only on a poll. Asserted bits stay set across Wait.
func (r *Register) Wait(mask types.Signal, timeout uint32) types.Signal {
	r.mu.Lock()
	defer r.mu.Unlock()

	if timeout == types.Poll {
		return r.bits & mask
	}
	for r.bits&mask == 0 {
		r.cond.Wait()
	}
	return r.bits & mask
}

// Engine owns every partition's signal register and implements the
// cross-partition doorbell protocol.
type Engine struct {
	mu        sync.RWMutex
	registers map[types.PartitionID]*Register
	metrics   *monitoring.Metrics
	log       *logging.Logger
}

// NewEngine creates a signal engine.
func NewEngine(metrics *monitoring.Metrics, log *logging.Logger) *Engine {
	return &Engine{
		registers: make(map[types.PartitionID]*Register),
		metrics:   metrics,
		log:       log,
	}
}

// Attach creates the signal register for a partition at bring-up.
func (e *Engine) Attach(id types.PartitionID) *Register {
	e.mu.Lock()
	defer e.mu.Unlock()
	if reg, ok := e.registers[id]; ok {
		return reg
	}
	reg := NewRegister()
	e.registers[id] = reg
	return reg
}

// Register returns the partition's signal register.
func (e *Engine) Register(id types.PartitionID) (*Register, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	reg, ok := e.registers[id]
	return reg, ok
}

// Assert sets sig in the target partition's register.
func (e *Engine) Assert(id types.PartitionID, sig types.Signal) error {
	reg, ok := e.Register(id)
	if !ok {
		return fmt.Errorf("partition %d has no signal register", id)
	}
	reg.Assert(sig)
	e.metrics.SignalsAsserted.Inc()
	return nil
}

// Notify asserts the doorbell bit in the target partition's register.
// Idempotent while the doorbell is unconsumed. The target must name a
// registered partition.
func (e *Engine) Notify(target types.PartitionID) error {
	reg, ok := e.Register(target)
	if !ok {
		return fmt.Errorf("notify: partition %d does not exist", target)
	}
	reg.Assert(types.SignalDoorbell)
	e.metrics.DoorbellsRung.Inc()
	e.log.Debug("doorbell asserted", zap.Int32("partition", int32(target)))
	return nil
}

// ClearDoorbell clears the caller's own doorbell bit. It is an error when
// the doorbell is not currently asserted.
func (e *Engine) ClearDoorbell(caller types.PartitionID) error {
	reg, ok := e.Register(caller)
	if !ok {
		return fmt.Errorf("clear: partition %d has no signal register", caller)
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if reg.bits&types.SignalDoorbell == 0 {
		return fmt.Errorf("clear: doorbell not asserted for partition %d", caller)
	}
	reg.bits &^= types.SignalDoorbell
	return nil
}
