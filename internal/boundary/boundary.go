package boundary

import (
	"fmt"
	"sync"

	"github.com/GriffinCanCode/AgentOS/spm/internal/types"
)

// Access is the direction a memory reference will be used in.
type Access uint8

const (
	// AccessRead covers references the core only reads from.
	AccessRead Access = iota
	// AccessWrite covers references the core writes into.
	AccessWrite
)

// MemRef is a (buffer, length) reference into partition-owned memory.
// The slice aliases the owner's backing store; holders never own it.
type MemRef struct {
	Data []byte
	Len  int
}

// Ref builds a MemRef over a whole buffer.
func Ref(buf []byte) MemRef {
	return MemRef{Data: buf, Len: len(buf)}
}

// Boundary validates memory references against the owning partition's
// accessible regions before the core touches them. It is the isolation
// collaborator: the core never dereferences a reference the boundary has
// not accepted.
type Boundary interface {
	// CheckAccess reports whether the partition may use ref with the given
	// access direction. It must be called before any byte of ref is read
	// or written.
	CheckAccess(owner types.PartitionID, ref MemRef, access Access) error
}

// Registry is an in-process boundary backed by per-partition region lists.
// A region is any byte slice a partition declared at registration time;
// a reference is acceptable when it lies entirely inside one declared
// region and the region permits the requested direction.
type Registry struct {
	mu      sync.RWMutex
	regions map[types.PartitionID][]region
}

type region struct {
	buf      []byte
	writable bool
}

// NewRegistry creates an empty boundary registry.
func NewRegistry() *Registry {
	return &Registry{regions: make(map[types.PartitionID][]region)}
}

// Grant declares buf as accessible memory of the partition.
func (r *Registry) Grant(owner types.PartitionID, buf []byte, writable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.regions[owner] = append(r.regions[owner], region{buf: buf, writable: writable})
}

// Revoke removes every region declared for the partition.
func (r *Registry) Revoke(owner types.PartitionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.regions, owner)
}

// CheckAccess implements Boundary.
func (r *Registry) CheckAccess(owner types.PartitionID, ref MemRef, access Access) error {
	if ref.Len < 0 || ref.Len > len(ref.Data) {
		return fmt.Errorf("reference length %d exceeds buffer of %d bytes", ref.Len, len(ref.Data))
	}
	if ref.Len == 0 {
		// Zero-length vectors are always acceptable; nothing is dereferenced.
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, reg := range r.regions[owner] {
		if !contains(reg.buf, ref.Data[:ref.Len]) {
			continue
		}
		if access == AccessWrite && !reg.writable {
			return fmt.Errorf("partition %d: region is read-only", owner)
		}
		return nil
	}
	return fmt.Errorf("partition %d: reference outside accessible memory", owner)
}

// contains reports whether inner is a subslice of outer, by identity of the
// backing array, not by value.
func contains(outer, inner []byte) bool {
	if len(inner) == 0 {
		return true
	}
	if len(outer) == 0 || len(inner) > len(outer) {
		return false
	}
	for off := 0; off+len(inner) <= len(outer); off++ {
		if &outer[off] == &inner[0] {
			return true
		}
	}
	return false
}
