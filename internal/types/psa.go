package types

import "fmt"

// Handle names a connection or an in-flight message.
//
// Zero is the null handle. Positive values are live connection or message
// handles issued by the handle table. The reserved negative range below
// StatelessHandleBase encodes stateless service handles that skip the
// connect/close lifecycle.
type Handle int32

// NullHandle is the invalid/null handle value.
const NullHandle Handle = 0

// Status is the PSA status domain: 0 success, named negative errors, and
// service-defined application codes on call replies.
type Status int32

const (
	Success                Status = 0
	ErrProgrammerError     Status = -129
	ErrConnectionRefused   Status = -130
	ErrConnectionBusy      Status = -131
	ErrGenericError        Status = -132
	ErrNotPermitted        Status = -133
	ErrNotSupported        Status = -134
	ErrInvalidArgument     Status = -135
	ErrInvalidHandle       Status = -136
	ErrBadState            Status = -137
	ErrBufferTooSmall      Status = -138
	ErrAlreadyExists       Status = -139
	ErrDoesNotExist        Status = -140
	ErrInsufficientMemory  Status = -141
	ErrInsufficientStorage Status = -142
)

// String returns the symbolic name for the framework-defined codes.
func (s Status) String() string {
	switch s {
	case Success:
		return "PSA_SUCCESS"
	case ErrProgrammerError:
		return "PSA_ERROR_PROGRAMMER_ERROR"
	case ErrConnectionRefused:
		return "PSA_ERROR_CONNECTION_REFUSED"
	case ErrConnectionBusy:
		return "PSA_ERROR_CONNECTION_BUSY"
	case ErrDoesNotExist:
		return "PSA_ERROR_DOES_NOT_EXIST"
	case ErrInvalidHandle:
		return "PSA_ERROR_INVALID_HANDLE"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// Signal is a bit in a partition's wait-able register.
//
// Bits 0-2 are reserved by the framework, bit 3 is the doorbell, bits 4-31
// carry service-ready and interrupt signals assigned by the manifest.
type Signal uint32

const (
	// SignalDoorbell is asserted by psa_notify and consumed by psa_clear.
	SignalDoorbell Signal = 1 << 3

	// SignalAssignableBase is the lowest bit available for service and
	// interrupt signal assignment.
	SignalAssignableBase = 4

	// WaitAny matches every signal in the caller's register.
	WaitAny Signal = 0xFFFFFFFF
)

// IsSingle reports whether exactly one bit is set.
func (s Signal) IsSingle() bool {
	return s != 0 && s&(s-1) == 0
}

// Timeout values accepted by Wait.
const (
	Block uint32 = 0x80000000
	Poll  uint32 = 0x00000000
)

// Message kinds. Call request types are non-negative and service-defined;
// Connect and Disconnect are framework messages.
const (
	IPCConnect    int32 = -1
	IPCDisconnect int32 = -2
	IPCCall       int32 = 0
)

// MaxIOVec bounds the per-direction vector count; in + out never exceeds
// 2*MaxIOVec across a single call.
const MaxIOVec = 4

// PartitionID identifies a secure partition. Negative IDs name secure-world
// partitions, positive IDs non-secure clients, following the FF-M client ID
// convention.
type PartitionID int32

// ServiceID names a service exposed by a partition.
type ServiceID uint32

// VersionNone is returned by Version when the service is unknown or the
// caller is not authorized to see it.
const VersionNone uint32 = 0

// FrameworkVersion is the PSA framework version reported to clients,
// major.minor packed as major<<8 | minor.
const FrameworkVersion uint32 = 0x0101

// Version policies a service may declare in its manifest.
type VersionPolicy uint8

const (
	// PolicyStrict accepts only an exact version match.
	PolicyStrict VersionPolicy = iota
	// PolicyRelaxed accepts any requested version not above the declared one.
	PolicyRelaxed
)

// Lifecycle state word: state[15:8] is the PSA lifecycle state, state[7:0]
// is implementation defined.
const (
	LifecycleUnknown             uint32 = 0x0000
	LifecycleAssemblyAndTest     uint32 = 0x0100
	LifecyclePSARoTProvisioning  uint32 = 0x0200
	LifecycleSecured             uint32 = 0x0300
	LifecycleNonPSARoTDebug      uint32 = 0x0400
	LifecycleRecoverablePSADebug uint32 = 0x0500
	LifecycleDecommissioned      uint32 = 0x0600
)

// CtrlParam packs a call's request type and vector counts into one word:
// type in bits [31:16], input count in [15:8], output count in [7:0].
type CtrlParam uint32

// PackCtrl builds a control word from a request type and vector counts.
func PackCtrl(reqType int16, inCount, outCount uint8) CtrlParam {
	return CtrlParam(uint32(uint16(reqType))<<16 | uint32(inCount)<<8 | uint32(outCount))
}

// Type extracts the request type.
func (c CtrlParam) Type() int16 {
	return int16(uint16(c >> 16))
}

// InCount extracts the input-vector count.
func (c CtrlParam) InCount() uint8 {
	return uint8(c >> 8)
}

// OutCount extracts the output-vector count.
func (c CtrlParam) OutCount() uint8 {
	return uint8(c)
}

// Validate checks the counts against the per-direction and total bounds.
func (c CtrlParam) Validate() error {
	in, out := c.InCount(), c.OutCount()
	if in > MaxIOVec || out > MaxIOVec {
		return fmt.Errorf("vector count out of range: in=%d out=%d", in, out)
	}
	if c.Type() < 0 {
		return fmt.Errorf("negative request type %d is reserved", c.Type())
	}
	return nil
}
