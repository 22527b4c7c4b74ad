// Package util holds small helpers shared by the device, transport, and
// engine packages: the host-memory <-> wire encoding pinned staging buffers
// use, the elementwise reduction operators a collective applies across
// ranks, and the typed errors of the error-handling design in SPEC_FULL.md
// §7.
package util

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Float64SliceToByteArray converts a slice of float64 to a byte array, the
// layout a pinned host buffer holds while staged for the transport.
func Float64SliceToByteArray(floats []float64) []byte {
	bytes := make([]byte, len(floats)*8)
	for i, f := range floats {
		binary.LittleEndian.PutUint64(bytes[i*8:], math.Float64bits(f))
	}
	return bytes
}

// ByteArrayToFloat64Slice converts a byte array back to a slice of float64.
func ByteArrayToFloat64Slice(data []byte) []float64 {
	floats := make([]float64, len(data)/8)
	for i := range floats {
		bits := binary.LittleEndian.Uint64(data[i*8:])
		floats[i] = math.Float64frombits(bits)
	}
	return floats
}

// ReduceOp identifies an elementwise reduction a collective applies across
// ranks, mirroring the set a real message-passing library's
// MPI_Op/ncclRedOp_t would offer.
type ReduceOp int

const (
	ReduceSum ReduceOp = iota
	ReduceProd
	ReduceMin
	ReduceMax
)

// String implements fmt.Stringer.
func (op ReduceOp) String() string {
	switch op {
	case ReduceSum:
		return "SUM"
	case ReduceProd:
		return "PROD"
	case ReduceMin:
		return "MIN"
	case ReduceMax:
		return "MAX"
	default:
		return fmt.Sprintf("ReduceOp(%d)", int(op))
	}
}

// Apply combines src into dst elementwise according to op. Both slices must
// have the same length; nothing upstream checks this, so Apply itself
// panics on a mismatch rather than silently producing a short result.
func Apply(op ReduceOp, dst, src []float64) {
	if len(dst) != len(src) {
		panic(fmt.Sprintf("util: reduce operand length mismatch: %d vs %d", len(dst), len(src)))
	}
	switch op {
	case ReduceSum:
		for i := range dst {
			dst[i] += src[i]
		}
	case ReduceProd:
		for i := range dst {
			dst[i] *= src[i]
		}
	case ReduceMin:
		for i := range dst {
			dst[i] = math.Min(dst[i], src[i])
		}
	case ReduceMax:
		for i := range dst {
			dst[i] = math.Max(dst[i], src[i])
		}
	default:
		panic(fmt.Sprintf("util: unknown reduce op %v", op))
	}
}

// DeviceError reports a failure from a device (stream/event/memory) call.
// Per SPEC_FULL.md §7 every device-runtime failure is fatal. The simulated
// device in package device has no failing calls, so no code in this
// repository constructs a DeviceError.
type DeviceError struct {
	Op   string
	Rank uint32
	Err  error
}

func (e *DeviceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("device: %s failed on rank %d: %v", e.Op, e.Rank, e.Err)
	}
	return fmt.Sprintf("device: %s failed on rank %d", e.Op, e.Rank)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// DeviceErrorf builds a DeviceError for operation op on rank, wrapping err.
func DeviceErrorf(op string, rank uint32, err error) *DeviceError {
	return &DeviceError{Op: op, Rank: rank, Err: err}
}

// TransportError reports a failure returned by the transport call a
// collective state runs. The progress engine logs it at debug level; it is
// not returned through engine.Request, whose Test and Wait report no errors.
type TransportError struct {
	Collective string
	CommID     uint64
	Err        error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s on comm %d failed: %v", e.Collective, e.CommID, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// TransportErrorf builds a TransportError.
func TransportErrorf(collective string, commID uint64, err error) *TransportError {
	return &TransportError{Collective: collective, CommID: commID, Err: err}
}

// MisuseError reports a caller error: an unrecognized algorithm selection,
// a nil transport or stream getter, a second Finalize, or a collective that
// does not match the other ranks' call at the same position. Issuing a
// collective after Finalize is not checked and does not produce a
// MisuseError. Zero-count calls and null requests are documented no-ops,
// not misuse, and never produce a MisuseError.
type MisuseError struct {
	Msg string
}

func (e *MisuseError) Error() string { return "misuse: " + e.Msg }

// MisuseErrorf builds a MisuseError.
func MisuseErrorf(format string, args ...interface{}) *MisuseError {
	return &MisuseError{Msg: fmt.Sprintf(format, args...)}
}

// ResourceError reports exhaustion or failure of a pooled resource (pinned
// host allocation, device event creation). Per SPEC_FULL.md §7 this is
// always fatal: the state that needed the resource cannot proceed.
type ResourceError struct {
	Resource string
	Err      error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("resource: %s exhausted: %v", e.Resource, e.Err)
}

func (e *ResourceError) Unwrap() error { return e.Err }

// ResourceErrorf builds a ResourceError.
func ResourceErrorf(resource string, err error) *ResourceError {
	return &ResourceError{Resource: resource, Err: err}
}
