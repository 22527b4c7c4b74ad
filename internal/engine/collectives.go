package engine

import (
	"go.uber.org/zap"

	"github.com/gpucomm/htcollective/device"
	"github.com/gpucomm/htcollective/transport"
	"github.com/gpucomm/htcollective/util"
)

// Comm bundles the resources every collective constructor needs: the
// transport to run the blocking call on, the pools to stage data through,
// and the id used to tag any error the transport reports.
type Comm struct {
	ID        uint64
	Transport transport.Transport
	Pinned    *device.PinnedPool
	Events    *device.EventPool
	Flags     *device.SyncFlagPool
	Log       *zap.Logger
}

func (c *Comm) logger() *zap.Logger {
	if c.Log != nil {
		return c.Log
	}
	return zap.NewNop()
}

func (c *Comm) flag() *device.SyncFlag {
	if c.Flags != nil {
		return c.Flags.Get()
	}
	return device.NewSyncFlag()
}

// toHost stages buf into a freshly allocated pinned buffer, submits the
// copy to stream, and returns the pinned buffer and an event tracking the
// copy's completion.
func (c *Comm) toHost(stream *device.Stream, buf []float64) ([]byte, *device.Event) {
	pinned := c.Pinned.Allocate(len(buf) * 8)
	evt := c.Events.Get()
	stream.Submit(func() {
		copy(pinned, util.Float64SliceToByteArray(buf))
	})
	evt.Record(stream)
	return pinned, evt
}

// armCompletion embeds, onto stream, the deterministic construction-time
// sequence SPEC_FULL.md §4.4 requires: a task that waits on flag, followed
// — when evt is non-nil — by the host-to-device copy-back of pinned into
// buf and the recording of evt. Both are submitted synchronously here, at
// construction time, not deferred to the progress engine: that is what
// makes the stream's own FIFO order, rather than progress-engine
// scheduling, the thing that guarantees a second collective issued on the
// same stream cannot begin its own device copy until this one's flag is
// signaled.
func armCompletion(stream *device.Stream, flag *device.SyncFlag, pinned []byte, buf []float64, evt *device.Event) {
	stream.Submit(func() { flag.Wait() })
	if evt == nil {
		return
	}
	stream.Submit(func() {
		copy(buf, util.ByteArrayToFloat64Slice(pinned))
	})
	evt.Record(stream)
}

// NewAllreduce builds the state for an in-place Allreduce over buf.
func (c *Comm) NewAllreduce(stream *device.Stream, buf []float64, op util.ReduceOp) *State {
	pinned, toHostEvt := c.toHost(stream, buf)
	fromHostEvt := c.Events.Get()
	flag := c.flag()
	armCompletion(stream, flag, pinned, buf, fromHostEvt)
	s := &State{
		log:             c.logger(),
		template:        SignalAtEnd,
		stream:          stream,
		flag:            flag,
		copyToHostEvt:   toHostEvt,
		copyFromHostEvt: fromHostEvt,
		run: func() error {
			return stateError("allreduce", c.ID, c.Transport.Allreduce(pinned, op))
		},
		release: func() {
			c.Events.Put(toHostEvt)
			c.Events.Put(fromHostEvt)
			c.Pinned.Release(pinned)
		},
	}
	return s
}

// NewAllgather builds the state for Allgather: send is this rank's
// contribution, recv receives every rank's contribution concatenated in
// rank order.
func (c *Comm) NewAllgather(stream *device.Stream, send, recv []float64) *State {
	sendPinned, toHostEvt := c.toHost(stream, send)
	recvPinned := c.Pinned.Allocate(len(recv) * 8)
	fromHostEvt := c.Events.Get()
	flag := c.flag()
	armCompletion(stream, flag, recvPinned, recv, fromHostEvt)
	s := &State{
		log:             c.logger(),
		template:        SignalAtEnd,
		stream:          stream,
		flag:            flag,
		copyToHostEvt:   toHostEvt,
		copyFromHostEvt: fromHostEvt,
		run: func() error {
			return stateError("allgather", c.ID, c.Transport.Allgather(sendPinned, recvPinned))
		},
		release: func() {
			c.Events.Put(toHostEvt)
			c.Events.Put(fromHostEvt)
			c.Pinned.Release(sendPinned)
			c.Pinned.Release(recvPinned)
		},
	}
	return s
}

// NewAlltoall builds the state for Alltoall.
func (c *Comm) NewAlltoall(stream *device.Stream, send, recv []float64) *State {
	sendPinned, toHostEvt := c.toHost(stream, send)
	recvPinned := c.Pinned.Allocate(len(recv) * 8)
	fromHostEvt := c.Events.Get()
	flag := c.flag()
	armCompletion(stream, flag, recvPinned, recv, fromHostEvt)
	s := &State{
		log:             c.logger(),
		template:        SignalAtEnd,
		stream:          stream,
		flag:            flag,
		copyToHostEvt:   toHostEvt,
		copyFromHostEvt: fromHostEvt,
		run: func() error {
			return stateError("alltoall", c.ID, c.Transport.Alltoall(sendPinned, recvPinned))
		},
		release: func() {
			c.Events.Put(toHostEvt)
			c.Events.Put(fromHostEvt)
			c.Pinned.Release(sendPinned)
			c.Pinned.Release(recvPinned)
		},
	}
	return s
}

// NewBarrier builds the state for Barrier: pure-transport, no device data
// movement at all. It still embeds a flag wait onto stream, so a second
// collective issued on the same stream waits behind this barrier too.
func (c *Comm) NewBarrier(stream *device.Stream) *State {
	flag := c.flag()
	armCompletion(stream, flag, nil, nil, nil)
	return &State{
		log:      c.logger(),
		template: PureTransport,
		stream:   stream,
		flag:     flag,
		run: func() error {
			return stateError("barrier", c.ID, c.Transport.Barrier())
		},
	}
}

// NewBcast builds the state for Bcast. Root's buf is the source; every
// other rank's buf is the destination. Per SPEC_FULL.md §4.4, broadcast is
// undifferentiated by rank and follows SignalAtEnd: every rank, root
// included, must wait for the transport call to actually complete before
// its flag releases, since a non-root rank's buf has no valid broadcast
// value until then.
func (c *Comm) NewBcast(stream *device.Stream, buf []float64, root uint32, isRoot bool) *State {
	pinned, toHostEvt := c.toHost(stream, buf)
	fromHostEvt := c.Events.Get()
	flag := c.flag()
	armCompletion(stream, flag, pinned, buf, fromHostEvt)
	return &State{
		log:             c.logger(),
		template:        SignalAtEnd,
		isRoot:          isRoot,
		stream:          stream,
		flag:            flag,
		copyToHostEvt:   toHostEvt,
		copyFromHostEvt: fromHostEvt,
		run: func() error {
			return stateError("bcast", c.ID, c.Transport.Bcast(pinned, root))
		},
		release: func() {
			c.Events.Put(toHostEvt)
			c.Events.Put(fromHostEvt)
			c.Pinned.Release(pinned)
		},
	}
}

// NewGather builds the state for Gather. Only root allocates a receive
// buffer; non-root ranks pass recv as nil. Per SPEC_FULL.md §4.4, a
// non-root rank has nothing to receive, so it follows SignalNonRootEarly
// and releases as soon as its own contribution reaches host memory; root
// follows the same template's root branch, which waits for the transport
// call to finish.
func (c *Comm) NewGather(stream *device.Stream, send, recv []float64, root uint32, isRoot bool) *State {
	sendPinned, toHostEvt := c.toHost(stream, send)
	var recvPinned []byte
	var fromHostEvt *device.Event
	if isRoot {
		recvPinned = c.Pinned.Allocate(len(recv) * 8)
		fromHostEvt = c.Events.Get()
	}
	flag := c.flag()
	armCompletion(stream, flag, recvPinned, recv, fromHostEvt)
	return &State{
		log:             c.logger(),
		template:        SignalNonRootEarly,
		isRoot:          isRoot,
		stream:          stream,
		flag:            flag,
		copyToHostEvt:   toHostEvt,
		copyFromHostEvt: fromHostEvt,
		run: func() error {
			return stateError("gather", c.ID, c.Transport.Gather(sendPinned, recvPinned, root))
		},
		release: func() {
			c.Events.Put(toHostEvt)
			c.Pinned.Release(sendPinned)
			if isRoot {
				c.Events.Put(fromHostEvt)
				c.Pinned.Release(recvPinned)
			}
		},
	}
}

// NewReduce builds the state for Reduce. Same SignalNonRootEarly shape as
// NewGather, for the same reason: a non-root rank has no result to wait
// for.
func (c *Comm) NewReduce(stream *device.Stream, send, recv []float64, op util.ReduceOp, root uint32, isRoot bool) *State {
	sendPinned, toHostEvt := c.toHost(stream, send)
	var recvPinned []byte
	var fromHostEvt *device.Event
	if isRoot {
		recvPinned = c.Pinned.Allocate(len(recv) * 8)
		fromHostEvt = c.Events.Get()
	}
	flag := c.flag()
	armCompletion(stream, flag, recvPinned, recv, fromHostEvt)
	return &State{
		log:             c.logger(),
		template:        SignalNonRootEarly,
		isRoot:          isRoot,
		stream:          stream,
		flag:            flag,
		copyToHostEvt:   toHostEvt,
		copyFromHostEvt: fromHostEvt,
		run: func() error {
			return stateError("reduce", c.ID, c.Transport.Reduce(sendPinned, recvPinned, op, root))
		},
		release: func() {
			c.Events.Put(toHostEvt)
			c.Pinned.Release(sendPinned)
			if isRoot {
				c.Events.Put(fromHostEvt)
				c.Pinned.Release(recvPinned)
			}
		},
	}
}

// NewReduceScatter builds the state for ReduceScatter.
func (c *Comm) NewReduceScatter(stream *device.Stream, send, recv []float64, op util.ReduceOp) *State {
	sendPinned, toHostEvt := c.toHost(stream, send)
	recvPinned := c.Pinned.Allocate(len(recv) * 8)
	fromHostEvt := c.Events.Get()
	flag := c.flag()
	armCompletion(stream, flag, recvPinned, recv, fromHostEvt)
	return &State{
		log:             c.logger(),
		template:        SignalAtEnd,
		stream:          stream,
		flag:            flag,
		copyToHostEvt:   toHostEvt,
		copyFromHostEvt: fromHostEvt,
		run: func() error {
			return stateError("reduce_scatter", c.ID, c.Transport.ReduceScatter(sendPinned, recvPinned, op))
		},
		release: func() {
			c.Events.Put(toHostEvt)
			c.Events.Put(fromHostEvt)
			c.Pinned.Release(sendPinned)
			c.Pinned.Release(recvPinned)
		},
	}
}

// NewScatter builds the state for Scatter. Root's send holds every chunk;
// every rank's recv receives its own chunk.
func (c *Comm) NewScatter(stream *device.Stream, send, recv []float64, root uint32, isRoot bool) *State {
	var sendPinned []byte
	var toHostEvt *device.Event
	if isRoot {
		sendPinned, toHostEvt = c.toHost(stream, send)
	}
	recvPinned := c.Pinned.Allocate(len(recv) * 8)
	fromHostEvt := c.Events.Get()
	flag := c.flag()
	armCompletion(stream, flag, recvPinned, recv, fromHostEvt)
	return &State{
		log:             c.logger(),
		template:        SignalAtEnd,
		isRoot:          isRoot,
		stream:          stream,
		flag:            flag,
		copyToHostEvt:   toHostEvt,
		copyFromHostEvt: fromHostEvt,
		run: func() error {
			return stateError("scatter", c.ID, c.Transport.Scatter(sendPinned, recvPinned, root))
		},
		release: func() {
			c.Events.Put(fromHostEvt)
			c.Pinned.Release(recvPinned)
			if isRoot {
				c.Events.Put(toHostEvt)
				c.Pinned.Release(sendPinned)
			}
		},
	}
}

// NewSend builds the state for Send. The device side has nothing to wait
// for once its buffer has reached host memory, so Send follows
// SignalAtStart: the sync flag releases before the transport call even
// begins.
func (c *Comm) NewSend(stream *device.Stream, buf []float64, dest uint32, tag int) *State {
	pinned, toHostEvt := c.toHost(stream, buf)
	flag := c.flag()
	armCompletion(stream, flag, nil, nil, nil)
	return &State{
		log:           c.logger(),
		template:      SignalAtStart,
		stream:        stream,
		flag:          flag,
		copyToHostEvt: toHostEvt,
		run: func() error {
			return stateError("send", c.ID, c.Transport.Send(pinned, dest, tag))
		},
		release: func() {
			c.Events.Put(toHostEvt)
			c.Pinned.Release(pinned)
		},
	}
}

// NewRecv builds the state for Recv: there is no device-to-host copy
// beforehand, only a host-to-device copy once the message has arrived.
func (c *Comm) NewRecv(stream *device.Stream, buf []float64, src uint32, tag int) *State {
	pinned := c.Pinned.Allocate(len(buf) * 8)
	fromHostEvt := c.Events.Get()
	flag := c.flag()
	armCompletion(stream, flag, pinned, buf, fromHostEvt)
	return &State{
		log:             c.logger(),
		template:        SignalAtEnd,
		stream:          stream,
		flag:            flag,
		copyFromHostEvt: fromHostEvt,
		run: func() error {
			return stateError("recv", c.ID, c.Transport.Recv(pinned, src, tag))
		},
		release: func() {
			c.Events.Put(fromHostEvt)
			c.Pinned.Release(pinned)
		},
	}
}

// NewSendRecv builds the state for the combined SendRecv operation.
func (c *Comm) NewSendRecv(stream *device.Stream, sendBuf []float64, dest uint32, recvBuf []float64, src uint32, tag int) *State {
	sendPinned, toHostEvt := c.toHost(stream, sendBuf)
	recvPinned := c.Pinned.Allocate(len(recvBuf) * 8)
	fromHostEvt := c.Events.Get()
	flag := c.flag()
	armCompletion(stream, flag, recvPinned, recvBuf, fromHostEvt)
	return &State{
		log:             c.logger(),
		template:        SignalAtEnd,
		stream:          stream,
		flag:            flag,
		copyToHostEvt:   toHostEvt,
		copyFromHostEvt: fromHostEvt,
		run: func() error {
			return stateError("sendrecv", c.ID, c.Transport.SendRecv(sendPinned, dest, recvPinned, src, tag))
		},
		release: func() {
			c.Events.Put(toHostEvt)
			c.Events.Put(fromHostEvt)
			c.Pinned.Release(sendPinned)
			c.Pinned.Release(recvPinned)
		},
	}
}
