// Package dispatch builds, queues, and retires the CONNECT/CALL/DISCONNECT
// messages that carry work between client partitions and the services they
// target. Clients block inside post until the service replies; services
// rendezvous through wait/get/reply on their signal register.
package dispatch

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/spm/internal/handles"
	"github.com/GriffinCanCode/AgentOS/spm/internal/logging"
	"github.com/GriffinCanCode/AgentOS/spm/internal/monitoring"
	"github.com/GriffinCanCode/AgentOS/spm/internal/registry"
	"github.com/GriffinCanCode/AgentOS/spm/internal/signals"
	"github.com/GriffinCanCode/AgentOS/spm/internal/types"
	"github.com/GriffinCanCode/AgentOS/spm/internal/vec"
)

// Message is one queued or in-flight request. Its handle aliases the
// connection handle; it is valid on the service side only between Get and
// Reply.
type Message struct {
	Kind    int32
	Conn    *handles.Connection
	Vectors *vec.Vectors

	reply chan types.Status
}

// Descriptor is the view of a message handed to the service by Get.
type Descriptor struct {
	Kind     int32
	Handle   types.Handle
	ClientID types.PartitionID
	RHandle  any
	InSizes  [types.MaxIOVec]int
	OutSizes [types.MaxIOVec]int
}

// Dispatcher mediates every cross-partition message. All queue and
// in-flight state is mutated under one lock, the Go stand-in for the
// kernel's single global ordering point.
type Dispatcher struct {
	mu       sync.Mutex
	queues   map[*registry.Service][]*Message
	inflight map[types.Handle]*Message

	table   *handles.Table
	engine  *signals.Engine
	metrics *monitoring.Metrics
	log     *logging.Logger
}

// New creates a dispatcher over the given handle table and signal engine.
func New(table *handles.Table, engine *signals.Engine, metrics *monitoring.Metrics, log *logging.Logger) *Dispatcher {
	return &Dispatcher{
		queues:   make(map[*registry.Service][]*Message),
		inflight: make(map[types.Handle]*Message),
		table:    table,
		engine:   engine,
		metrics:  metrics,
		log:      log,
	}
}

func kindLabel(kind int32) string {
	switch kind {
	case types.IPCConnect:
		return "connect"
	case types.IPCDisconnect:
		return "disconnect"
	default:
		return "call"
	}
}

// post enqueues a message for the connection's target service, asserts the
// service signal, and blocks the caller until the service replies.
func (d *Dispatcher) post(msg *Message) types.Status {
	svc := msg.Conn.Service

	// Enqueue and assert under one lock so a concurrent Get cannot clear
	// the service signal between the two.
	d.mu.Lock()
	d.queues[svc] = append(d.queues[svc], msg)
	err := d.engine.Assert(msg.Conn.Target, svc.Signal)
	d.mu.Unlock()

	if err != nil {
		// The target partition vanished between registration and post.
		d.log.Error("service signal assertion failed",
			zap.Int32("target", int32(msg.Conn.Target)), zap.Error(err))
	}

	d.metrics.MessagesQueued.WithLabelValues(kindLabel(msg.Kind)).Inc()
	d.metrics.QueueDepth.Inc()

	return <-msg.reply
}

// PostConnect sends a CONNECT message and blocks until the service accepts,
// refuses, or reports busy.
func (d *Dispatcher) PostConnect(conn *handles.Connection) types.Status {
	conn.InFlight = true
	return d.post(&Message{
		Kind:    types.IPCConnect,
		Conn:    conn,
		Vectors: &vec.Vectors{},
		reply:   make(chan types.Status, 1),
	})
}

// PostCall sends a CALL message carrying the client's vectors and blocks
// until the service replies with its status.
func (d *Dispatcher) PostCall(conn *handles.Connection, reqType int16, vectors *vec.Vectors) types.Status {
	conn.InFlight = true
	return d.post(&Message{
		Kind:    int32(reqType),
		Conn:    conn,
		Vectors: vectors,
		reply:   make(chan types.Status, 1),
	})
}

// PostDisconnect sends a DISCONNECT message and blocks until the service
// acknowledges.
func (d *Dispatcher) PostDisconnect(conn *handles.Connection) types.Status {
	conn.InFlight = true
	return d.post(&Message{
		Kind:    types.IPCDisconnect,
		Conn:    conn,
		Vectors: &vec.Vectors{},
		reply:   make(chan types.Status, 1),
	})
}

// Get dequeues the oldest pending message for the service assigned the
// given signal bit. The signal must be a single bit naming a service of the
// calling partition and must be asserted; those violations are programmer
// errors. An asserted signal with an empty queue is an operational
// ErrDoesNotExist, and the stale signal is cleared.
func (d *Dispatcher) Get(caller *registry.Partition, signal types.Signal) (Descriptor, types.Status, error) {
	if !signal.IsSingle() {
		return Descriptor{}, types.ErrProgrammerError, fmt.Errorf("get: signal %#x does not name exactly one bit", signal)
	}
	svc := caller.ServiceBySignal(signal)
	if svc == nil {
		return Descriptor{}, types.ErrProgrammerError, fmt.Errorf("get: signal %#x is not a service of partition %d", signal, caller.ID)
	}
	reg, ok := d.engine.Register(caller.ID)
	if !ok {
		return Descriptor{}, types.ErrProgrammerError, fmt.Errorf("get: partition %d has no signal register", caller.ID)
	}
	if reg.Asserted(signal) == 0 {
		return Descriptor{}, types.ErrProgrammerError, fmt.Errorf("get: signal %#x is not asserted", signal)
	}

	d.mu.Lock()
	queue := d.queues[svc]
	if len(queue) == 0 {
		d.mu.Unlock()
		// The signal raced ahead of the queue; consume it so the
		// partition does not spin on a phantom message.
		reg.Clear(signal)
		return Descriptor{}, types.ErrDoesNotExist, nil
	}
	msg := queue[0]
	d.queues[svc] = queue[1:]
	d.inflight[msg.Conn.Handle] = msg
	if len(queue) == 1 {
		// Last pending message: deassert so wait blocks again.
		reg.Clear(signal)
	}
	d.mu.Unlock()

	d.metrics.QueueDepth.Dec()

	return Descriptor{
		Kind:     msg.Kind,
		Handle:   msg.Conn.Handle,
		ClientID: msg.Conn.Client,
		RHandle:  msg.Conn.RHandle,
		InSizes:  msg.Vectors.InSizes(),
		OutSizes: msg.Vectors.OutSizes(),
	}, types.Success, nil
}

// Lookup returns the in-flight message for a delivered message handle.
func (d *Dispatcher) Lookup(h types.Handle) (*Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	msg, ok := d.inflight[h]
	if !ok {
		return nil, fmt.Errorf("message handle %d is not in flight", h)
	}
	return msg, nil
}

// SetRHandle stores the service's reverse handle on the connection behind
// a delivered message. Stateless connections cannot carry one.
func (d *Dispatcher) SetRHandle(h types.Handle, value any) error {
	msg, err := d.Lookup(h)
	if err != nil {
		return err
	}
	if msg.Conn.Transient {
		return fmt.Errorf("message handle %d belongs to a stateless connection", h)
	}
	msg.Conn.RHandle = value
	return nil
}

// legalReply checks the status against the message kind: a CONNECT must be
// answered with success, refused, or busy; a DISCONNECT only with success;
// CALL replies may carry any service-defined code.
func legalReply(kind int32, status types.Status) bool {
	switch kind {
	case types.IPCConnect:
		return status == types.Success ||
			status == types.ErrConnectionRefused ||
			status == types.ErrConnectionBusy
	case types.IPCDisconnect:
		return status == types.Success
	default:
		return true
	}
}

// Reply completes a delivered message: the status is routed to the blocked
// client, connection state advances, and the message handle is retired.
// The status is in the client's hands before Reply returns.
func (d *Dispatcher) Reply(h types.Handle, status types.Status) error {
	d.mu.Lock()
	msg, ok := d.inflight[h]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("reply: message handle %d is not in flight", h)
	}
	if !legalReply(msg.Kind, status) {
		d.mu.Unlock()
		return fmt.Errorf("reply: status %d is not legal for a %s message", status, kindLabel(msg.Kind))
	}
	delete(d.inflight, h)
	d.mu.Unlock()

	conn := msg.Conn
	conn.InFlight = false

	switch {
	case msg.Kind == types.IPCConnect:
		if status == types.Success {
			conn.State = handles.StateEstablished
		} else {
			conn.State = handles.StateClosed
			if err := d.table.Release(conn.Handle); err != nil {
				d.log.Error("failed to release refused connection", zap.Error(err))
			}
			d.metrics.ConnectionsActive.Dec()
		}
	case msg.Kind == types.IPCDisconnect:
		conn.State = handles.StateClosed
		if err := d.table.Release(conn.Handle); err != nil {
			d.log.Error("failed to release closed connection", zap.Error(err))
		}
		d.metrics.ConnectionsActive.Dec()
	case conn.Transient:
		// Stateless call: the transient connection lives for one message.
		conn.State = handles.StateClosed
		if err := d.table.Release(conn.Handle); err != nil {
			d.log.Error("failed to release transient connection", zap.Error(err))
		}
	}

	d.metrics.RepliesDelivered.WithLabelValues(kindLabel(msg.Kind)).Inc()
	d.log.Debug("reply delivered",
		zap.String("kind", kindLabel(msg.Kind)),
		zap.Int32("status", int32(status)),
		zap.String("trace", conn.TraceID.String()))

	msg.reply <- status
	return nil
}

// Pending reports the queue depth for one service.
func (d *Dispatcher) Pending(svc *registry.Service) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queues[svc])
}
