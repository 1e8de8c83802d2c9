package registry

import (
	"fmt"
	"sync"

	"github.com/GriffinCanCode/AgentOS/spm/internal/types"
)

// IRQHandling is the interrupt servicing class fixed at configuration time.
type IRQHandling uint8

const (
	// HandlingFLIH runs a lightweight first-level handler; the partition
	// acknowledges with a reset-signal.
	HandlingFLIH IRQHandling = iota
	// HandlingSLIH defers to a full second-level handler; the partition
	// acknowledges with an end-of-interrupt.
	HandlingSLIH
)

// Service describes one service a partition exposes.
type Service struct {
	SID             types.ServiceID
	Version         uint32
	Policy          types.VersionPolicy
	Signal          types.Signal
	ConnectionBased bool
	// StatelessIndex is meaningful only for stateless services; it selects
	// the reserved negative handle clients use without connecting.
	StatelessIndex int
	// Allowed lists client partitions permitted to reach the service.
	// Empty means any client.
	Allowed []types.PartitionID
}

// Accessible reports whether the client may use the service at all.
func (s *Service) Accessible(client types.PartitionID) bool {
	if len(s.Allowed) == 0 {
		return true
	}
	for _, id := range s.Allowed {
		if id == client {
			return true
		}
	}
	return false
}

// VersionOK checks the requested version against the declared policy.
func (s *Service) VersionOK(requested uint32) bool {
	switch s.Policy {
	case types.PolicyStrict:
		return requested == s.Version
	case types.PolicyRelaxed:
		return requested <= s.Version
	default:
		return false
	}
}

// IRQ describes one interrupt source owned by a partition.
type IRQ struct {
	Signal   types.Signal
	Handling IRQHandling
	Line     uint32
}

// Partition is one registered secure partition: its services, interrupt
// sources, and signal assignments.
type Partition struct {
	ID       types.PartitionID
	Name     string
	Services []*Service
	IRQs     []*IRQ
}

// ServiceBySignal finds the partition's service assigned the given signal bit.
func (p *Partition) ServiceBySignal(sig types.Signal) *Service {
	for _, svc := range p.Services {
		if svc.Signal == sig {
			return svc
		}
	}
	return nil
}

// IRQBySignal finds the partition's interrupt assigned the given signal bit.
func (p *Partition) IRQBySignal(sig types.Signal) *IRQ {
	for _, irq := range p.IRQs {
		if irq.Signal == sig {
			return irq
		}
	}
	return nil
}

// Registry is the manifest-backed partition/service directory. It is
// populated once at bring-up and read-only afterwards; lookups are safe
// from any goroutine.
type Registry struct {
	mu         sync.RWMutex
	partitions map[types.PartitionID]*Partition
	bySID      map[types.ServiceID]*Partition
	stateless  map[int]*Service
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		partitions: make(map[types.PartitionID]*Partition),
		bySID:      make(map[types.ServiceID]*Partition),
		stateless:  make(map[int]*Service),
	}
}

// Register adds a partition and indexes its services. Signal bits below the
// assignable base, duplicate SIDs, and duplicate signal bits within one
// partition are rejected.
func (r *Registry) Register(p *Partition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.partitions[p.ID]; ok {
		return fmt.Errorf("partition %d already registered", p.ID)
	}

	seen := make(map[types.Signal]bool)
	for _, svc := range p.Services {
		if !svc.Signal.IsSingle() || svc.Signal < 1<<types.SignalAssignableBase {
			return fmt.Errorf("service %#x: invalid signal assignment %#x", svc.SID, svc.Signal)
		}
		if seen[svc.Signal] {
			return fmt.Errorf("service %#x: signal %#x already assigned", svc.SID, svc.Signal)
		}
		seen[svc.Signal] = true
		if _, ok := r.bySID[svc.SID]; ok {
			return fmt.Errorf("service %#x already registered", svc.SID)
		}
		if !svc.ConnectionBased {
			if _, ok := r.stateless[svc.StatelessIndex]; ok {
				return fmt.Errorf("stateless index %d already taken", svc.StatelessIndex)
			}
		}
	}
	for _, irq := range p.IRQs {
		if !irq.Signal.IsSingle() || irq.Signal < 1<<types.SignalAssignableBase {
			return fmt.Errorf("irq line %d: invalid signal assignment %#x", irq.Line, irq.Signal)
		}
		if seen[irq.Signal] {
			return fmt.Errorf("irq line %d: signal %#x already assigned", irq.Line, irq.Signal)
		}
		seen[irq.Signal] = true
	}

	r.partitions[p.ID] = p
	for _, svc := range p.Services {
		r.bySID[svc.SID] = p
		if !svc.ConnectionBased {
			r.stateless[svc.StatelessIndex] = svc
		}
	}
	return nil
}

// Partition looks up a partition by id.
func (r *Registry) Partition(id types.PartitionID) (*Partition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.partitions[id]
	return p, ok
}

// Lookup resolves a service id to its service record and hosting partition.
func (r *Registry) Lookup(sid types.ServiceID) (*Service, *Partition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.bySID[sid]
	if !ok {
		return nil, nil, false
	}
	for _, svc := range p.Services {
		if svc.SID == sid {
			return svc, p, true
		}
	}
	return nil, nil, false
}

// Stateless resolves a reserved stateless index to its service and partition.
func (r *Registry) Stateless(index int) (*Service, *Partition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.stateless[index]
	if !ok {
		return nil, nil, false
	}
	p := r.bySID[svc.SID]
	return svc, p, true
}

// Partitions returns every registered partition.
func (r *Registry) Partitions() []*Partition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Partition, 0, len(r.partitions))
	for _, p := range r.partitions {
		out = append(out, p)
	}
	return out
}
