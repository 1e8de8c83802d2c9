// Package spm composes the secure-partition manager core: handle table,
// vector access control, message dispatch, signal engine, and interrupt
// management behind the client and partition API surfaces.
//
// Programmer errors are fatal to the faulting partition: the operation
// reports the fault to the termination collaborator and returns
// ErrProgrammerError so in-process callers can observe the verdict.
// Operational outcomes (refused, busy, does-not-exist, short reads) are
// ordinary results.
package spm

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/spm/internal/boundary"
	"github.com/GriffinCanCode/AgentOS/spm/internal/dispatch"
	"github.com/GriffinCanCode/AgentOS/spm/internal/handles"
	"github.com/GriffinCanCode/AgentOS/spm/internal/irq"
	"github.com/GriffinCanCode/AgentOS/spm/internal/logging"
	"github.com/GriffinCanCode/AgentOS/spm/internal/monitoring"
	"github.com/GriffinCanCode/AgentOS/spm/internal/registry"
	"github.com/GriffinCanCode/AgentOS/spm/internal/signals"
	"github.com/GriffinCanCode/AgentOS/spm/internal/types"
	"github.com/GriffinCanCode/AgentOS/spm/internal/vec"
)

// FaultHandler terminates a partition whose call violated the API contract.
// The core reports the fault and continues; tearing the partition down is
// the collaborator's job.
type FaultHandler interface {
	Terminate(id types.PartitionID, op string, err error)
}

// LogFaultHandler records faults without tearing anything down. It is the
// default on hosts where partitions are plain goroutines.
type LogFaultHandler struct {
	Log *logging.Logger
}

// Terminate implements FaultHandler.
func (h *LogFaultHandler) Terminate(id types.PartitionID, op string, err error) {
	h.Log.Error("partition fault",
		zap.Int32("partition", int32(id)),
		zap.String("op", op),
		zap.Error(err))
}

// Config wires the SPM's collaborators.
type Config struct {
	Registry   *registry.Registry
	Boundary   boundary.Boundary
	IRQControl irq.Control
	Faults     FaultHandler
	Metrics    *monitoring.Metrics
	Logger     *logging.Logger
	// PoolCapacity bounds the connection pool; zero selects the default.
	PoolCapacity int
	// Lifecycle is the reported lifecycle state word.
	Lifecycle uint32
}

// SPM is the inter-partition call/message core.
type SPM struct {
	registry   *registry.Registry
	boundary   boundary.Boundary
	table      *handles.Table
	engine     *signals.Engine
	dispatcher *dispatch.Dispatcher
	irqs       *irq.Manager
	faults     FaultHandler
	metrics    *monitoring.Metrics
	log        *logging.Logger
	lifecycle  uint32
}

// New builds an SPM over the registered partitions. Every partition gets
// its signal register attached at construction.
func New(cfg Config) (*SPM, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("spm: registry is required")
	}
	if cfg.Boundary == nil {
		return nil, fmt.Errorf("spm: isolation boundary is required")
	}
	log := cfg.Logger
	if log == nil {
		log = logging.NewDefault()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = monitoring.NewMetrics(prometheus.NewRegistry())
	}
	faults := cfg.Faults
	if faults == nil {
		faults = &LogFaultHandler{Log: log}
	}
	lifecycle := cfg.Lifecycle
	if lifecycle == 0 {
		lifecycle = types.LifecycleSecured
	}

	engine := signals.NewEngine(metrics, log)
	table := handles.NewTable(cfg.PoolCapacity)

	s := &SPM{
		registry:   cfg.Registry,
		boundary:   cfg.Boundary,
		table:      table,
		engine:     engine,
		dispatcher: dispatch.New(table, engine, metrics, log),
		irqs:       irq.NewManager(engine, cfg.IRQControl, metrics),
		faults:     faults,
		metrics:    metrics,
		log:        log,
		lifecycle:  lifecycle,
	}
	for _, p := range cfg.Registry.Partitions() {
		engine.Attach(p.ID)
	}
	return s, nil
}

// fault reports a programmer error on behalf of caller and yields the
// status the API hands back in-process.
func (s *SPM) fault(caller types.PartitionID, op string, err error) types.Status {
	s.metrics.PartitionFaults.WithLabelValues(op).Inc()
	s.faults.Terminate(caller, op, err)
	return types.ErrProgrammerError
}

// FrameworkVersion reports the PSA framework version.
func (s *SPM) FrameworkVersion() uint32 {
	return types.FrameworkVersion
}

// LifecycleState reports the lifecycle state word: bits [15:8] PSA state,
// bits [7:0] implementation defined.
func (s *SPM) LifecycleState() uint32 {
	return s.lifecycle
}

// Version reports the version of a service, or VersionNone when the service
// is unknown or the caller may not see it. Never fatal.
func (s *SPM) Version(caller types.PartitionID, sid types.ServiceID) uint32 {
	svc, _, ok := s.registry.Lookup(sid)
	if !ok || !svc.Accessible(caller) {
		return types.VersionNone
	}
	return svc.Version
}

// Connect establishes a connection to a connection-based service and blocks
// until the service replies. An unknown service, a disallowed client, or a
// version the policy rejects is fatal to the caller. Refusal and busy are
// operational: no handle is retained.
func (s *SPM) Connect(caller types.PartitionID, sid types.ServiceID, version uint32) (types.Handle, types.Status) {
	s.metrics.ConnectsTotal.Inc()

	svc, target, ok := s.registry.Lookup(sid)
	if !ok {
		return types.NullHandle, s.fault(caller, "connect", fmt.Errorf("service %#x does not exist", sid))
	}
	if !svc.Accessible(caller) {
		return types.NullHandle, s.fault(caller, "connect", fmt.Errorf("partition %d may not access service %#x", caller, sid))
	}
	if !svc.VersionOK(version) {
		return types.NullHandle, s.fault(caller, "connect", fmt.Errorf("service %#x does not support version %d", sid, version))
	}
	if !svc.ConnectionBased {
		return types.NullHandle, s.fault(caller, "connect", fmt.Errorf("service %#x is stateless; use its stateless handle", sid))
	}

	conn, err := s.table.Allocate(caller, svc, target.ID)
	if err != nil {
		// Pool pressure is transient; the client may retry.
		return types.NullHandle, types.ErrConnectionBusy
	}
	s.metrics.ConnectionsActive.Inc()

	status := s.dispatcher.PostConnect(conn)
	if status != types.Success {
		return types.NullHandle, status
	}
	return conn.Handle, types.Success
}

// Call sends a request on an established or stateless handle and blocks
// until the service replies. It returns the per-outvec written lengths
// alongside the service's status.
func (s *SPM) Call(caller types.PartitionID, h types.Handle, ctrl types.CtrlParam, invecs, outvecs []boundary.MemRef) ([types.MaxIOVec]int, types.Status) {
	var written [types.MaxIOVec]int

	if err := ctrl.Validate(); err != nil {
		return written, s.fault(caller, "call", err)
	}
	if len(invecs) != int(ctrl.InCount()) || len(outvecs) != int(ctrl.OutCount()) {
		return written, s.fault(caller, "call", fmt.Errorf(
			"vector slices disagree with control word: got %d/%d, declared %d/%d",
			len(invecs), len(outvecs), ctrl.InCount(), ctrl.OutCount()))
	}

	conn, err := s.resolveCallHandle(caller, h)
	if err != nil {
		return written, s.fault(caller, "call", err)
	}

	// Every reference is validated before the message is built; a rejected
	// call never exposes client memory to the service.
	vectors := &vec.Vectors{InCount: len(invecs), OutCount: len(outvecs)}
	for i, ref := range invecs {
		if err := s.boundary.CheckAccess(caller, ref, boundary.AccessRead); err != nil {
			s.releaseTransient(conn)
			return written, s.fault(caller, "call", fmt.Errorf("input vector %d: %w", i, err))
		}
		vectors.In[i] = ref
	}
	for i, ref := range outvecs {
		if err := s.boundary.CheckAccess(caller, ref, boundary.AccessWrite); err != nil {
			s.releaseTransient(conn)
			return written, s.fault(caller, "call", fmt.Errorf("output vector %d: %w", i, err))
		}
		vectors.Out[i] = ref
	}

	status := s.dispatcher.PostCall(conn, ctrl.Type(), vectors)
	return vectors.Written(), status
}

// resolveCallHandle maps a call's handle to a connection: a live established
// connection for positive handles, a transient connection for handles in the
// stateless range.
func (s *SPM) resolveCallHandle(caller types.PartitionID, h types.Handle) (*handles.Connection, error) {
	if index, ok := handles.StatelessIndex(h); ok {
		svc, target, found := s.registry.Stateless(index)
		if !found {
			return nil, fmt.Errorf("stateless handle %d does not name a service", h)
		}
		if !svc.Accessible(caller) {
			return nil, fmt.Errorf("partition %d may not access service %#x", caller, svc.SID)
		}
		conn, err := s.table.Allocate(caller, svc, target.ID)
		if err != nil {
			return nil, fmt.Errorf("stateless call: %w", err)
		}
		conn.State = handles.StateEstablished
		conn.Transient = true
		return conn, nil
	}

	conn, err := s.table.Lookup(h)
	if err != nil {
		return nil, err
	}
	if conn.Client != caller {
		return nil, fmt.Errorf("handle %d belongs to partition %d", h, conn.Client)
	}
	if conn.State != handles.StateEstablished {
		return nil, fmt.Errorf("handle %d is %s, not established", h, conn.State)
	}
	if conn.InFlight {
		return nil, fmt.Errorf("handle %d already has a request in flight", h)
	}
	return conn, nil
}

func (s *SPM) releaseTransient(conn *handles.Connection) {
	if !conn.Transient {
		return
	}
	if err := s.table.Release(conn.Handle); err != nil {
		s.log.Error("failed to release transient connection", zap.Error(err))
	}
}

// Close tears down an established connection. Closing the null handle is a
// no-op; closing a stateless handle, an unknown handle, or a connection
// with a request in flight is fatal.
func (s *SPM) Close(caller types.PartitionID, h types.Handle) types.Status {
	if h == types.NullHandle {
		return types.Success
	}
	if _, ok := handles.StatelessIndex(h); ok {
		return s.fault(caller, "close", fmt.Errorf("handle %d is stateless and cannot be closed", h))
	}
	conn, err := s.table.Lookup(h)
	if err != nil {
		return s.fault(caller, "close", err)
	}
	if conn.Client != caller {
		return s.fault(caller, "close", fmt.Errorf("handle %d belongs to partition %d", h, conn.Client))
	}
	if conn.InFlight {
		return s.fault(caller, "close", fmt.Errorf("handle %d has a request in flight", h))
	}
	if conn.State != handles.StateEstablished {
		return s.fault(caller, "close", fmt.Errorf("handle %d is %s, not established", h, conn.State))
	}

	conn.State = handles.StateClosing
	return s.dispatcher.PostDisconnect(conn)
}

// partition resolves a partition-API caller.
func (s *SPM) partition(caller types.PartitionID) (*registry.Partition, error) {
	p, ok := s.registry.Partition(caller)
	if !ok {
		return nil, fmt.Errorf("partition %d is not registered", caller)
	}
	return p, nil
}

// Wait suspends the calling partition until a signal in mask is asserted,
// or polls once when timeout is types.Poll.
func (s *SPM) Wait(caller types.PartitionID, mask types.Signal, timeout uint32) (types.Signal, types.Status) {
	reg, ok := s.engine.Register(caller)
	if !ok {
		return 0, s.fault(caller, "wait", fmt.Errorf("partition %d has no signal register", caller))
	}
	return reg.Wait(mask, timeout), types.Success
}

// Get hands the caller the oldest pending message for the service behind
// the asserted signal.
func (s *SPM) Get(caller types.PartitionID, signal types.Signal) (dispatch.Descriptor, types.Status) {
	p, err := s.partition(caller)
	if err != nil {
		return dispatch.Descriptor{}, s.fault(caller, "get", err)
	}
	desc, status, err := s.dispatcher.Get(p, signal)
	if err != nil {
		return dispatch.Descriptor{}, s.fault(caller, "get", err)
	}
	return desc, status
}

// message resolves a delivered message handle for a vector or reply
// operation, enforcing that the caller hosts the target service.
func (s *SPM) message(caller types.PartitionID, h types.Handle) (*dispatch.Message, error) {
	msg, err := s.dispatcher.Lookup(h)
	if err != nil {
		return nil, err
	}
	if msg.Conn.Target != caller {
		return nil, fmt.Errorf("message handle %d is not addressed to partition %d", h, caller)
	}
	return msg, nil
}

// callMessage additionally requires a CALL message; connect and disconnect
// messages carry no vectors.
func (s *SPM) callMessage(caller types.PartitionID, h types.Handle) (*dispatch.Message, error) {
	msg, err := s.message(caller, h)
	if err != nil {
		return nil, err
	}
	if msg.Kind < types.IPCCall {
		return nil, fmt.Errorf("message handle %d is not a call message", h)
	}
	return msg, nil
}

// Read copies bytes from the client's input vector into the service buffer.
func (s *SPM) Read(caller types.PartitionID, h types.Handle, idx int, buffer []byte) (int, types.Status) {
	msg, err := s.callMessage(caller, h)
	if err != nil {
		return 0, s.fault(caller, "read", err)
	}
	if err := s.boundary.CheckAccess(caller, boundary.Ref(buffer), boundary.AccessWrite); err != nil {
		return 0, s.fault(caller, "read", fmt.Errorf("destination buffer: %w", err))
	}
	n, err := msg.Vectors.Read(idx, buffer)
	if err != nil {
		return 0, s.fault(caller, "read", err)
	}
	return n, types.Success
}

// Skip advances the client's input vector without copying.
func (s *SPM) Skip(caller types.PartitionID, h types.Handle, idx int, n int) (int, types.Status) {
	msg, err := s.callMessage(caller, h)
	if err != nil {
		return 0, s.fault(caller, "skip", err)
	}
	skipped, err := msg.Vectors.Skip(idx, n)
	if err != nil {
		return 0, s.fault(caller, "skip", err)
	}
	return skipped, types.Success
}

// Write appends service bytes to the client's output vector.
func (s *SPM) Write(caller types.PartitionID, h types.Handle, idx int, buffer []byte) types.Status {
	msg, err := s.callMessage(caller, h)
	if err != nil {
		return s.fault(caller, "write", err)
	}
	if err := s.boundary.CheckAccess(caller, boundary.Ref(buffer), boundary.AccessRead); err != nil {
		return s.fault(caller, "write", fmt.Errorf("source buffer: %w", err))
	}
	if err := msg.Vectors.Write(idx, buffer); err != nil {
		return s.fault(caller, "write", err)
	}
	return types.Success
}

// MapInvec hands the service a zero-copy view of an input vector.
func (s *SPM) MapInvec(caller types.PartitionID, h types.Handle, idx int) ([]byte, types.Status) {
	msg, err := s.callMessage(caller, h)
	if err != nil {
		return nil, s.fault(caller, "map_invec", err)
	}
	view, err := msg.Vectors.MapInvec(idx)
	if err != nil {
		return nil, s.fault(caller, "map_invec", err)
	}
	return view, types.Success
}

// UnmapInvec revokes a mapped input vector.
func (s *SPM) UnmapInvec(caller types.PartitionID, h types.Handle, idx int) types.Status {
	msg, err := s.callMessage(caller, h)
	if err != nil {
		return s.fault(caller, "unmap_invec", err)
	}
	if err := msg.Vectors.UnmapInvec(idx); err != nil {
		return s.fault(caller, "unmap_invec", err)
	}
	return types.Success
}

// MapOutvec hands the service a zero-copy writable view of an output vector.
func (s *SPM) MapOutvec(caller types.PartitionID, h types.Handle, idx int) ([]byte, types.Status) {
	msg, err := s.callMessage(caller, h)
	if err != nil {
		return nil, s.fault(caller, "map_outvec", err)
	}
	view, err := msg.Vectors.MapOutvec(idx)
	if err != nil {
		return nil, s.fault(caller, "map_outvec", err)
	}
	return view, types.Success
}

// UnmapOutvec revokes a mapped output vector, recording the bytes written.
func (s *SPM) UnmapOutvec(caller types.PartitionID, h types.Handle, idx int, written int) types.Status {
	msg, err := s.callMessage(caller, h)
	if err != nil {
		return s.fault(caller, "unmap_outvec", err)
	}
	if err := msg.Vectors.UnmapOutvec(idx, written); err != nil {
		return s.fault(caller, "unmap_outvec", err)
	}
	return types.Success
}

// Reply completes a delivered message with the service's status.
func (s *SPM) Reply(caller types.PartitionID, h types.Handle, status types.Status) types.Status {
	if _, err := s.message(caller, h); err != nil {
		return s.fault(caller, "reply", err)
	}
	if err := s.dispatcher.Reply(h, status); err != nil {
		return s.fault(caller, "reply", err)
	}
	return types.Success
}

// SetRHandle attaches the service's reverse handle to the connection behind
// a delivered message; it is echoed on every later message.
func (s *SPM) SetRHandle(caller types.PartitionID, h types.Handle, value any) types.Status {
	if _, err := s.message(caller, h); err != nil {
		return s.fault(caller, "set_rhandle", err)
	}
	if err := s.dispatcher.SetRHandle(h, value); err != nil {
		return s.fault(caller, "set_rhandle", err)
	}
	return types.Success
}

// Notify asserts the doorbell of the target partition.
func (s *SPM) Notify(caller, target types.PartitionID) types.Status {
	if err := s.engine.Notify(target); err != nil {
		return s.fault(caller, "notify", err)
	}
	return types.Success
}

// Clear clears the caller's doorbell; it must be asserted.
func (s *SPM) Clear(caller types.PartitionID) types.Status {
	if err := s.engine.ClearDoorbell(caller); err != nil {
		return s.fault(caller, "clear", err)
	}
	return types.Success
}

// IRQEnable unmasks one of the caller's interrupt signals.
func (s *SPM) IRQEnable(caller types.PartitionID, sig types.Signal) types.Status {
	p, err := s.partition(caller)
	if err != nil {
		return s.fault(caller, "irq_enable", err)
	}
	if err := s.irqs.Enable(p, sig); err != nil {
		return s.fault(caller, "irq_enable", err)
	}
	return types.Success
}

// IRQDisable masks one of the caller's interrupt signals and reports
// whether it was enabled immediately beforehand.
func (s *SPM) IRQDisable(caller types.PartitionID, sig types.Signal) (bool, types.Status) {
	p, err := s.partition(caller)
	if err != nil {
		return false, s.fault(caller, "irq_disable", err)
	}
	prev, err := s.irqs.Disable(p, sig)
	if err != nil {
		return false, s.fault(caller, "irq_disable", err)
	}
	return prev, types.Success
}

// ResetSignal acknowledges a first-level-handled interrupt.
func (s *SPM) ResetSignal(caller types.PartitionID, sig types.Signal) types.Status {
	p, err := s.partition(caller)
	if err != nil {
		return s.fault(caller, "reset_signal", err)
	}
	if err := s.irqs.ResetSignal(p, sig); err != nil {
		return s.fault(caller, "reset_signal", err)
	}
	return types.Success
}

// EOI completes a second-level-handled interrupt and re-arms the line.
func (s *SPM) EOI(caller types.PartitionID, sig types.Signal) types.Status {
	p, err := s.partition(caller)
	if err != nil {
		return s.fault(caller, "eoi", err)
	}
	if err := s.irqs.EOI(p, sig); err != nil {
		return s.fault(caller, "eoi", err)
	}
	return types.Success
}

// Panic terminates the calling partition at its own request.
func (s *SPM) Panic(caller types.PartitionID) types.Status {
	return s.fault(caller, "panic", fmt.Errorf("partition %d called panic", caller))
}

// RaiseIRQ is the ISR entry point for tests and platform glue: it asserts
// an interrupt signal for the owning partition.
func (s *SPM) RaiseIRQ(owner types.PartitionID, sig types.Signal) error {
	p, err := s.partition(owner)
	if err != nil {
		return err
	}
	return s.irqs.Raise(p, sig)
}

// AccessStatus exposes the vector access-status word of an in-flight
// message, for diagnostics.
func (s *SPM) AccessStatus(caller types.PartitionID, h types.Handle) (uint32, error) {
	msg, err := s.message(caller, h)
	if err != nil {
		return 0, err
	}
	return msg.Vectors.Status(), nil
}
