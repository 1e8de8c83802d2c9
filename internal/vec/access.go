// Package vec tracks per-message, per-vector access state and enforces the
// mutual exclusion between zero-copy mapping and copy-based access.
//
// Every accessor validates the slot's recorded state before a single byte of
// client memory is touched, so a rejected call never dereferences a
// client-controlled reference. The state register is the bit-packed 32-bit
// word from the wire ABI: 4 bits per vector slot, invec i at bit offset 4*i,
// outvec j at bit offset 16+4*j.
package vec

import (
	"fmt"

	"github.com/GriffinCanCode/AgentOS/spm/internal/boundary"
	"github.com/GriffinCanCode/AgentOS/spm/internal/types"
)

// Per-slot status bits. Bit 3 is reserved and always zero.
const (
	MappedBit   uint32 = 1 << 0
	UnmappedBit uint32 = 1 << 1
	AccessedBit uint32 = 1 << 2

	statusBits = 4
	// Outvec slots start four 4-bit groups in.
	outvecBase = types.MaxIOVec
)

// Vectors is the vector state of one in-flight message: the client's
// declared input and output references, and the access-status register that
// arbitrates between mapping and copying for each slot.
//
// Bits are monotonic: once a slot is mapped it can never be re-mapped or
// copy-accessed, only unmapped; once copy-accessed it can never be mapped.
type Vectors struct {
	In       [types.MaxIOVec]boundary.MemRef
	Out      [types.MaxIOVec]boundary.MemRef
	InCount  int
	OutCount int

	status     uint32
	inOffset   [types.MaxIOVec]int
	outWritten [types.MaxIOVec]int
}

// Status returns the raw access-status word.
func (v *Vectors) Status() uint32 {
	return v.status
}

// InSizes returns the declared input-vector lengths.
func (v *Vectors) InSizes() [types.MaxIOVec]int {
	var sizes [types.MaxIOVec]int
	for i := 0; i < v.InCount; i++ {
		sizes[i] = v.In[i].Len
	}
	return sizes
}

// OutSizes returns the declared output-vector capacities.
func (v *Vectors) OutSizes() [types.MaxIOVec]int {
	var sizes [types.MaxIOVec]int
	for i := 0; i < v.OutCount; i++ {
		sizes[i] = v.Out[i].Len
	}
	return sizes
}

// Written returns the bytes written so far to each output vector. The
// dispatcher propagates these to the client's outvec lengths at reply.
func (v *Vectors) Written() [types.MaxIOVec]int {
	return v.outWritten
}

func shift(group int) uint {
	return uint(group * statusBits)
}

func (v *Vectors) isSet(group int, bit uint32) bool {
	return v.status>>shift(group)&bit != 0
}

func (v *Vectors) set(group int, bit uint32) {
	v.status |= bit << shift(group)
}

// checkCopyAccess rejects copy access to a slot that has ever been mapped.
// Mixing modes would let the holder keep a raw pointer while also trusting a
// verified copy, reopening the window between check and use.
func (v *Vectors) checkCopyAccess(group int, idx int) error {
	if idx < 0 || idx >= types.MaxIOVec {
		return fmt.Errorf("vector index %d out of range", idx)
	}
	if v.isSet(group, MappedBit) {
		return fmt.Errorf("vector %d is mapped; copy access is forbidden", idx)
	}
	return nil
}

// Read copies up to len(dst) bytes from input vector idx into dst, advancing
// the slot's read position. It returns 0 once the vector is exhausted.
// Reading an undeclared slot below MaxIOVec reads an empty vector.
func (v *Vectors) Read(idx int, dst []byte) (int, error) {
	if err := v.checkCopyAccess(idx, idx); err != nil {
		return 0, err
	}
	v.set(idx, AccessedBit)

	n := copy(dst, v.remaining(idx))
	v.inOffset[idx] += n
	return n, nil
}

// Skip advances input vector idx by up to n bytes without copying, returning
// the number of bytes actually skipped.
func (v *Vectors) Skip(idx int, n int) (int, error) {
	if err := v.checkCopyAccess(idx, idx); err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("negative skip length %d", n)
	}
	v.set(idx, AccessedBit)

	rem := len(v.remaining(idx))
	if n > rem {
		n = rem
	}
	v.inOffset[idx] += n
	return n, nil
}

// Write appends src to output vector idx. Writing past the declared
// capacity is rejected before any byte is stored.
func (v *Vectors) Write(idx int, src []byte) error {
	if err := v.checkCopyAccess(outvecBase+idx, idx); err != nil {
		return err
	}
	capacity := 0
	if idx < v.OutCount {
		capacity = v.Out[idx].Len
	}
	if v.outWritten[idx]+len(src) > capacity {
		return fmt.Errorf("write of %d bytes past end of output vector %d (capacity %d, written %d)",
			len(src), idx, capacity, v.outWritten[idx])
	}
	v.set(outvecBase+idx, AccessedBit)

	copy(v.Out[idx].Data[v.outWritten[idx]:], src)
	v.outWritten[idx] += len(src)
	return nil
}

// checkMap validates the map preconditions for a slot: declared, non-empty,
// never mapped before, never copy-accessed.
func (v *Vectors) checkMap(group, idx, count int) error {
	if idx >= count {
		return fmt.Errorf("vector %d is not declared by this message", idx)
	}
	if v.isSet(group, MappedBit) {
		return fmt.Errorf("vector %d is already mapped", idx)
	}
	if v.isSet(group, AccessedBit) {
		return fmt.Errorf("vector %d was copy-accessed; mapping is forbidden", idx)
	}
	return nil
}

// MapInvec hands out a zero-copy read-only view of input vector idx.
func (v *Vectors) MapInvec(idx int) ([]byte, error) {
	if idx < 0 || idx >= types.MaxIOVec {
		return nil, fmt.Errorf("vector index %d out of range", idx)
	}
	if err := v.checkMap(idx, idx, v.InCount); err != nil {
		return nil, err
	}
	if v.In[idx].Len == 0 {
		return nil, fmt.Errorf("input vector %d is empty; nothing to map", idx)
	}
	v.set(idx, MappedBit)
	return v.In[idx].Data[:v.In[idx].Len], nil
}

// UnmapInvec revokes a mapped input vector.
func (v *Vectors) UnmapInvec(idx int) error {
	return v.unmap(idx, idx)
}

// MapOutvec hands out a zero-copy writable view of output vector idx.
func (v *Vectors) MapOutvec(idx int) ([]byte, error) {
	if idx < 0 || idx >= types.MaxIOVec {
		return nil, fmt.Errorf("vector index %d out of range", idx)
	}
	if err := v.checkMap(outvecBase+idx, idx, v.OutCount); err != nil {
		return nil, err
	}
	if v.Out[idx].Len == 0 {
		return nil, fmt.Errorf("output vector %d is empty; nothing to map", idx)
	}
	v.set(outvecBase+idx, MappedBit)
	return v.Out[idx].Data[:v.Out[idx].Len], nil
}

// UnmapOutvec revokes a mapped output vector and records the number of
// bytes the service actually wrote, bounded by the declared capacity.
func (v *Vectors) UnmapOutvec(idx int, written int) error {
	if err := v.unmap(outvecBase+idx, idx); err != nil {
		return err
	}
	if written < 0 {
		written = 0
	}
	if written > v.Out[idx].Len {
		written = v.Out[idx].Len
	}
	v.outWritten[idx] = written
	return nil
}

func (v *Vectors) unmap(group, idx int) error {
	if idx < 0 || idx >= types.MaxIOVec {
		return fmt.Errorf("vector index %d out of range", idx)
	}
	if !v.isSet(group, MappedBit) {
		return fmt.Errorf("vector %d was never mapped", idx)
	}
	if v.isSet(group, UnmappedBit) {
		return fmt.Errorf("vector %d is already unmapped", idx)
	}
	v.set(group, UnmappedBit)
	return nil
}

func (v *Vectors) remaining(idx int) []byte {
	if idx >= v.InCount {
		return nil
	}
	ref := v.In[idx]
	if v.inOffset[idx] >= ref.Len {
		return nil
	}
	return ref.Data[v.inOffset[idx]:ref.Len]
}
