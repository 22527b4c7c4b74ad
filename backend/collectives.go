package backend

import (
	"time"

	"github.com/gpucomm/htcollective/device"
	"github.com/gpucomm/htcollective/internal/engine"
	"github.com/gpucomm/htcollective/util"
)

// waitHost blocks the calling host goroutine until req is satisfied. This
// is deliberately distinct from engine.Request.Wait, which never blocks
// the host — it is what a Facade's blocking collective method uses
// internally to present a traditional synchronous API over the same
// non-blocking machinery everything else in this package builds on.
func waitHost(req *engine.Request) {
	const spinLimit = 1000
	for i := 0; i < spinLimit; i++ {
		if req.Test() {
			return
		}
	}
	for !req.Test() {
		time.Sleep(time.Microsecond)
	}
}

// submitRequest wraps state in a Request and hands it to the progress
// engine, reusing the SyncFlag the collective's constructor already
// created for it.
func (f *Facade) submitRequest(state *engine.State, flag *device.SyncFlag, userStream *device.Stream) *engine.Request {
	req := engine.NewRequest(state, flag, userStream)
	f.eng.Submit(state)
	return req
}

// --- Allreduce ---

// AllreduceNonblocking starts an in-place Allreduce over buf and returns
// immediately with a Request tracking it. algo must be AllreduceAutomatic
// or AllreduceHostTransfer; any other value fails explicitly per
// spec.md §6.
func (f *Facade) AllreduceNonblocking(stream *device.Stream, buf []float64, op util.ReduceOp, algo AllreduceAlgorithm) (*engine.Request, error) {
	if err := algo.validate(); err != nil {
		return nil, err
	}
	if len(buf) == 0 {
		return engine.NullRequest(), nil
	}
	work, userStream := f.stageStream(stream)
	s := f.newComm().NewAllreduce(work, buf, op)
	return f.submitRequest(s, s.Flag(), userStream), nil
}

// Allreduce performs a blocking in-place Allreduce over buf.
func (f *Facade) Allreduce(stream *device.Stream, buf []float64, op util.ReduceOp, algo AllreduceAlgorithm) error {
	req, err := f.AllreduceNonblocking(stream, buf, op, algo)
	if err != nil {
		return err
	}
	waitHost(req)
	return nil
}

// --- Allgather ---

func (f *Facade) AllgatherNonblocking(stream *device.Stream, send, recv []float64, algo AllgatherAlgorithm) (*engine.Request, error) {
	if err := algo.validate(); err != nil {
		return nil, err
	}
	if len(send) == 0 {
		return engine.NullRequest(), nil
	}
	work, userStream := f.stageStream(stream)
	s := f.newComm().NewAllgather(work, send, recv)
	return f.submitRequest(s, s.Flag(), userStream), nil
}

func (f *Facade) Allgather(stream *device.Stream, send, recv []float64, algo AllgatherAlgorithm) error {
	req, err := f.AllgatherNonblocking(stream, send, recv, algo)
	if err != nil {
		return err
	}
	waitHost(req)
	return nil
}

// --- Alltoall ---

func (f *Facade) AlltoallNonblocking(stream *device.Stream, send, recv []float64, algo AlltoallAlgorithm) (*engine.Request, error) {
	if err := algo.validate(); err != nil {
		return nil, err
	}
	if len(send) == 0 {
		return engine.NullRequest(), nil
	}
	work, userStream := f.stageStream(stream)
	s := f.newComm().NewAlltoall(work, send, recv)
	return f.submitRequest(s, s.Flag(), userStream), nil
}

func (f *Facade) Alltoall(stream *device.Stream, send, recv []float64, algo AlltoallAlgorithm) error {
	req, err := f.AlltoallNonblocking(stream, send, recv, algo)
	if err != nil {
		return err
	}
	waitHost(req)
	return nil
}

// --- Barrier ---

func (f *Facade) BarrierNonblocking(stream *device.Stream) (*engine.Request, error) {
	work, userStream := f.stageStream(stream)
	s := f.newComm().NewBarrier(work)
	return f.submitRequest(s, s.Flag(), userStream), nil
}

func (f *Facade) Barrier(stream *device.Stream) error {
	req, err := f.BarrierNonblocking(stream)
	if err != nil {
		return err
	}
	waitHost(req)
	return nil
}

// --- Bcast ---

func (f *Facade) BcastNonblocking(stream *device.Stream, buf []float64, root uint32, algo BcastAlgorithm) (*engine.Request, error) {
	if err := algo.validate(); err != nil {
		return nil, err
	}
	if len(buf) == 0 {
		return engine.NullRequest(), nil
	}
	work, userStream := f.stageStream(stream)
	isRoot := f.transport.Rank() == root
	s := f.newComm().NewBcast(work, buf, root, isRoot)
	return f.submitRequest(s, s.Flag(), userStream), nil
}

func (f *Facade) Bcast(stream *device.Stream, buf []float64, root uint32, algo BcastAlgorithm) error {
	req, err := f.BcastNonblocking(stream, buf, root, algo)
	if err != nil {
		return err
	}
	waitHost(req)
	return nil
}

// --- Gather ---

func (f *Facade) GatherNonblocking(stream *device.Stream, send, recv []float64, root uint32, algo GatherAlgorithm) (*engine.Request, error) {
	if err := algo.validate(); err != nil {
		return nil, err
	}
	if len(send) == 0 {
		return engine.NullRequest(), nil
	}
	work, userStream := f.stageStream(stream)
	isRoot := f.transport.Rank() == root
	s := f.newComm().NewGather(work, send, recv, root, isRoot)
	return f.submitRequest(s, s.Flag(), userStream), nil
}

func (f *Facade) Gather(stream *device.Stream, send, recv []float64, root uint32, algo GatherAlgorithm) error {
	req, err := f.GatherNonblocking(stream, send, recv, root, algo)
	if err != nil {
		return err
	}
	waitHost(req)
	return nil
}

// --- Reduce ---

func (f *Facade) ReduceNonblocking(stream *device.Stream, send, recv []float64, op util.ReduceOp, root uint32, algo ReduceAlgorithm) (*engine.Request, error) {
	if err := algo.validate(); err != nil {
		return nil, err
	}
	if len(send) == 0 {
		return engine.NullRequest(), nil
	}
	work, userStream := f.stageStream(stream)
	isRoot := f.transport.Rank() == root
	s := f.newComm().NewReduce(work, send, recv, op, root, isRoot)
	return f.submitRequest(s, s.Flag(), userStream), nil
}

func (f *Facade) Reduce(stream *device.Stream, send, recv []float64, op util.ReduceOp, root uint32, algo ReduceAlgorithm) error {
	req, err := f.ReduceNonblocking(stream, send, recv, op, root, algo)
	if err != nil {
		return err
	}
	waitHost(req)
	return nil
}

// --- ReduceScatter ---

func (f *Facade) ReduceScatterNonblocking(stream *device.Stream, send, recv []float64, op util.ReduceOp, algo ReduceScatterAlgorithm) (*engine.Request, error) {
	if err := algo.validate(); err != nil {
		return nil, err
	}
	if len(recv) == 0 {
		return engine.NullRequest(), nil
	}
	work, userStream := f.stageStream(stream)
	s := f.newComm().NewReduceScatter(work, send, recv, op)
	return f.submitRequest(s, s.Flag(), userStream), nil
}

func (f *Facade) ReduceScatter(stream *device.Stream, send, recv []float64, op util.ReduceOp, algo ReduceScatterAlgorithm) error {
	req, err := f.ReduceScatterNonblocking(stream, send, recv, op, algo)
	if err != nil {
		return err
	}
	waitHost(req)
	return nil
}

// --- Scatter ---

func (f *Facade) ScatterNonblocking(stream *device.Stream, send, recv []float64, root uint32, algo ScatterAlgorithm) (*engine.Request, error) {
	if err := algo.validate(); err != nil {
		return nil, err
	}
	if len(recv) == 0 {
		return engine.NullRequest(), nil
	}
	work, userStream := f.stageStream(stream)
	isRoot := f.transport.Rank() == root
	s := f.newComm().NewScatter(work, send, recv, root, isRoot)
	return f.submitRequest(s, s.Flag(), userStream), nil
}

func (f *Facade) Scatter(stream *device.Stream, send, recv []float64, root uint32, algo ScatterAlgorithm) error {
	req, err := f.ScatterNonblocking(stream, send, recv, root, algo)
	if err != nil {
		return err
	}
	waitHost(req)
	return nil
}

// --- Send / Recv / SendRecv ---

func (f *Facade) SendNonblocking(stream *device.Stream, buf []float64, dest uint32, tag int) (*engine.Request, error) {
	if len(buf) == 0 {
		return engine.NullRequest(), nil
	}
	work, userStream := f.stageStream(stream)
	s := f.newComm().NewSend(work, buf, dest, tag)
	return f.submitRequest(s, s.Flag(), userStream), nil
}

func (f *Facade) Send(stream *device.Stream, buf []float64, dest uint32, tag int) error {
	req, err := f.SendNonblocking(stream, buf, dest, tag)
	if err != nil {
		return err
	}
	waitHost(req)
	return nil
}

func (f *Facade) RecvNonblocking(stream *device.Stream, buf []float64, src uint32, tag int) (*engine.Request, error) {
	if len(buf) == 0 {
		return engine.NullRequest(), nil
	}
	work, userStream := f.stageStream(stream)
	s := f.newComm().NewRecv(work, buf, src, tag)
	return f.submitRequest(s, s.Flag(), userStream), nil
}

func (f *Facade) Recv(stream *device.Stream, buf []float64, src uint32, tag int) error {
	req, err := f.RecvNonblocking(stream, buf, src, tag)
	if err != nil {
		return err
	}
	waitHost(req)
	return nil
}

func (f *Facade) SendRecvNonblocking(stream *device.Stream, sendBuf []float64, dest uint32, recvBuf []float64, src uint32, tag int) (*engine.Request, error) {
	if len(sendBuf) == 0 && len(recvBuf) == 0 {
		return engine.NullRequest(), nil
	}
	work, userStream := f.stageStream(stream)
	s := f.newComm().NewSendRecv(work, sendBuf, dest, recvBuf, src, tag)
	return f.submitRequest(s, s.Flag(), userStream), nil
}

func (f *Facade) SendRecv(stream *device.Stream, sendBuf []float64, dest uint32, recvBuf []float64, src uint32, tag int) error {
	req, err := f.SendRecvNonblocking(stream, sendBuf, dest, recvBuf, src, tag)
	if err != nil {
		return err
	}
	waitHost(req)
	return nil
}
