package handles

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/GriffinCanCode/AgentOS/spm/internal/registry"
	"github.com/GriffinCanCode/AgentOS/spm/internal/types"
)

// State is the connection lifecycle state.
type State uint8

const (
	StateClosed State = iota
	StateConnecting
	StateEstablished
	StateClosing
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateEstablished:
		return "established"
	case StateClosing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Connection is one live connection record. The message handle delivered to
// a service aliases the connection handle while a request is outstanding;
// InFlight enforces the one-outstanding-request rule.
type Connection struct {
	Handle  types.Handle
	Client  types.PartitionID
	Service *registry.Service
	Target  types.PartitionID
	State   State
	RHandle any
	// InFlight is true between enqueue and reply.
	InFlight bool
	// Transient marks a connection allocated for one stateless call and
	// recycled at reply.
	Transient bool
	// TraceID tags the connection in structured logs.
	TraceID uuid.UUID

	salt uint16
	idx  int
}

// Table allocates, validates, and recycles connection handles from a fixed
// pool. Handles are positive and encode the pool index with a per-slot salt
// so a stale handle is rejected after its slot is recycled.
type Table struct {
	mu   sync.Mutex
	pool []slot
	free []int
}

type slot struct {
	conn *Connection
	salt uint16
}

// DefaultCapacity is the connection pool size when none is configured.
const DefaultCapacity = 32

// NewTable creates a table with the given pool capacity.
func NewTable(capacity int) *Table {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	// The handle layout reserves 8 bits for index+1.
	if capacity > 255 {
		capacity = 255
	}
	t := &Table{
		pool: make([]slot, capacity),
		free: make([]int, 0, capacity),
	}
	for i := capacity - 1; i >= 0; i-- {
		t.free = append(t.free, i)
	}
	return t
}

// Allocate takes a connection record out of the pool in Connecting state.
func (t *Table) Allocate(client types.PartitionID, svc *registry.Service, target types.PartitionID) (*Connection, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.free) == 0 {
		return nil, fmt.Errorf("connection pool exhausted")
	}
	idx := t.free[len(t.free)-1]
	t.free = t.free[:len(t.free)-1]

	s := &t.pool[idx]
	s.salt++
	if s.salt == 0 {
		s.salt = 1
	}
	conn := &Connection{
		Handle:  encode(idx, s.salt),
		Client:  client,
		Service: svc,
		Target:  target,
		State:   StateConnecting,
		TraceID: uuid.New(),
		salt:    s.salt,
		idx:     idx,
	}
	s.conn = conn
	return conn, nil
}

// Lookup validates a positive handle and returns its connection.
func (t *Table) Lookup(h types.Handle) (*Connection, error) {
	idx, salt, err := decode(h)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if idx >= len(t.pool) {
		return nil, fmt.Errorf("handle %d: index out of range", h)
	}
	s := t.pool[idx]
	if s.conn == nil || s.salt != salt {
		return nil, fmt.Errorf("handle %d: not a live connection", h)
	}
	return s.conn, nil
}

// Release recycles a connection's slot. Stale or unknown handles are
// rejected; the caller decides whether that is fatal.
func (t *Table) Release(h types.Handle) error {
	idx, salt, err := decode(h)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if idx >= len(t.pool) {
		return fmt.Errorf("handle %d: index out of range", h)
	}
	s := &t.pool[idx]
	if s.conn == nil || s.salt != salt {
		return fmt.Errorf("handle %d: not a live connection", h)
	}
	s.conn = nil
	t.free = append(t.free, idx)
	return nil
}

// Live returns the number of connections currently held.
func (t *Table) Live() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pool) - len(t.free)
}

// Handle layout: bits [7:0] hold index+1, bits [23:8] hold the slot salt.
// The result is always positive and never collides with the stateless range.
func encode(idx int, salt uint16) types.Handle {
	return types.Handle(uint32(salt)<<8 | uint32(idx+1))
}

func decode(h types.Handle) (idx int, salt uint16, err error) {
	if h <= types.NullHandle {
		return 0, 0, fmt.Errorf("handle %d: not a positive handle", h)
	}
	idx = int(h&0xFF) - 1
	salt = uint16(uint32(h) >> 8)
	if idx < 0 || salt == 0 {
		return 0, 0, fmt.Errorf("handle %d: malformed", h)
	}
	return idx, salt, nil
}

// StatelessHandle builds the reserved negative handle for a stateless
// service index.
func StatelessHandle(index int) types.Handle {
	return types.Handle(-1 - int32(index))
}

// StatelessIndex decodes a negative stateless handle; ok is false for any
// other value.
func StatelessIndex(h types.Handle) (int, bool) {
	if h >= types.NullHandle {
		return 0, false
	}
	return int(-1 - h), true
}
