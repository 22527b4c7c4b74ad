// Package transport defines the blocking collective- and point-to-point
// communication operations the engine's progress thread drives. A Transport
// implementation corresponds to the "generic transport" layer SPEC_FULL.md
// §2 describes underneath the host-transfer engine — in the original
// library this is MPI; here it is whatever concrete implementation this
// package's callers choose to run against (see transport/local for the
// in-process one this repository ships).
//
// Every method blocks the calling goroutine until the operation completes
// on every participating rank. That is deliberate: the engine never calls
// these directly from a user-facing API. It hands each call to its own
// goroutine and polls that goroutine's completion, which is exactly how the
// host-transfer design turns a blocking transport into a non-blocking one.
package transport

import "github.com/gpucomm/htcollective/util"

// Transport is the set of operations a collective-communication backend
// needs from its underlying transport. Buffers are passed as raw bytes in
// the little-endian float64 wire format util.Float64SliceToByteArray
// produces; callers are responsible for sizing them correctly for the
// operation and rank count.
type Transport interface {
	// Rank returns this transport's own rank within its communicator.
	Rank() uint32
	// Size returns the number of ranks in the communicator.
	Size() uint32

	// Allreduce combines data across every rank with op and writes the
	// combined result back into data on every rank.
	Allreduce(data []byte, op util.ReduceOp) error
	// Allgather concatenates every rank's send buffer, in rank order, into
	// recv on every rank. len(recv) must equal Size()*len(send).
	Allgather(send, recv []byte) error
	// Alltoall divides send into Size() equal chunks, sends chunk i to rank
	// i, and assembles recv from the chunks every other rank sent here.
	Alltoall(send, recv []byte) error
	// Barrier blocks until every rank has called Barrier.
	Barrier() error
	// Bcast copies root's buf to every other rank's buf.
	Bcast(buf []byte, root uint32) error
	// Gather concatenates every rank's send buffer, in rank order, into
	// recv on root. recv is ignored on non-root ranks.
	Gather(send, recv []byte, root uint32) error
	// Reduce combines every rank's send buffer with op into recv on root.
	// recv is ignored on non-root ranks.
	Reduce(send, recv []byte, op util.ReduceOp, root uint32) error
	// ReduceScatter divides send into Size() equal chunks, combines chunk i
	// across every rank with op, and writes the result for this rank into
	// recv.
	ReduceScatter(send, recv []byte, op util.ReduceOp) error
	// Scatter divides root's send buffer into Size() equal chunks and
	// writes this rank's chunk into recv. send is ignored on non-root
	// ranks.
	Scatter(send, recv []byte, root uint32) error

	// Send transmits buf to dest, tagged tag.
	Send(buf []byte, dest uint32, tag int) error
	// Recv blocks until a message tagged tag arrives from src, and copies
	// it into buf. len(buf) must match the sender's buffer length.
	Recv(buf []byte, src uint32, tag int) error
	// SendRecv performs Send and Recv concurrently, avoiding the deadlock a
	// naive Send-then-Recv pair risks when both ranks target each other.
	SendRecv(sendBuf []byte, dest uint32, recvBuf []byte, src uint32, tag int) error
}
