// Package local implements transport.Transport entirely in-process, using
// goroutines standing in for ranks and channels standing in for the
// network. It exists so the rest of this repository — and anyone using
// it — can exercise every collective without a real multi-process MPI
// deployment, the same role btracey-mpi's and lsds-KungFu's local
// implementations play for their own collective libraries.
//
// Collectives rendezvous: every rank must call the matching collective, in
// the same relative order as every other rank, exactly as real MPI
// requires. If a rank calls a different collective at the same position,
// every rank's call at that position returns a MisuseError once all have
// arrived. A rank that skips a collective stalls every other rank at that
// step forever, the way a real mismatched MPI collective call deadlocks
// instead of erroring; that is a caller bug, not a bug in this package.
package local

import (
	"sync"

	"github.com/gpucomm/htcollective/transport"
	"github.com/gpucomm/htcollective/util"
)

// mailMsg is a point-to-point message in flight between two ranks.
type mailMsg struct {
	src  uint32
	tag  int
	data []byte
}

// hub is the shared state backing every rank's Transport in one network.
type hub struct {
	size uint32

	roundsMu sync.Mutex
	rounds   map[int]*round

	inboxMu   sync.Mutex
	inboxCond *sync.Cond
	inbox     map[uint32][]mailMsg
}

func newHub(size uint32) *hub {
	h := &hub{
		size:   size,
		rounds: make(map[int]*round),
		inbox:  make(map[uint32][]mailMsg),
	}
	h.inboxCond = sync.NewCond(&h.inboxMu)
	return h
}

// callArgs is one rank's contribution to a single collective rendezvous.
type callArgs struct {
	data []byte
	root uint32
	op   util.ReduceOp
}

// round is one in-progress collective call, shared by every rank
// participating in it.
type round struct {
	kind string
	size uint32

	mu      sync.Mutex
	args    []callArgs
	arrived uint32
	err     error
	result  [][]byte
	done    chan struct{}
}

func newRound(kind string, size uint32) *round {
	return &round{
		kind:   kind,
		size:   size,
		args:   make([]callArgs, size),
		result: make([][]byte, size),
		done:   make(chan struct{}),
	}
}

// enter records this rank's contribution and blocks until every rank has
// arrived, then returns this rank's result.
func (h *hub) enter(seq int, rank uint32, kind string, a callArgs) ([]byte, error) {
	h.roundsMu.Lock()
	r, ok := h.rounds[seq]
	if !ok {
		r = newRound(kind, h.size)
		h.rounds[seq] = r
	}
	last := false
	r.mu.Lock()
	if r.kind != kind {
		r.err = util.MisuseErrorf("transport: mismatched collective at call %d: %s vs %s", seq, r.kind, kind)
	}
	r.args[rank] = a
	r.arrived++
	if r.arrived == r.size {
		last = true
		delete(h.rounds, seq)
	}
	r.mu.Unlock()
	h.roundsMu.Unlock()

	if last {
		r.compute()
		close(r.done)
	} else {
		<-r.done
	}
	if r.err != nil {
		return nil, r.err
	}
	return r.result[rank], nil
}

func decode(b []byte) []float64 { return util.ByteArrayToFloat64Slice(b) }
func encode(f []float64) []byte { return util.Float64SliceToByteArray(f) }

// compute fills in r.result for every rank once every rank has arrived. It
// runs once, on the goroutine of whichever rank arrived last.
func (r *round) compute() {
	size := int(r.size)
	switch r.kind {
	case "barrier":
		// no data to move

	case "allreduce":
		acc := append([]float64(nil), decode(r.args[0].data)...)
		op := r.args[0].op
		for i := 1; i < size; i++ {
			util.Apply(op, acc, decode(r.args[i].data))
		}
		out := encode(acc)
		for i := 0; i < size; i++ {
			r.result[i] = out
		}

	case "allgather":
		var out []byte
		for i := 0; i < size; i++ {
			out = append(out, r.args[i].data...)
		}
		for i := 0; i < size; i++ {
			r.result[i] = out
		}

	case "alltoall":
		chunkLen := len(r.args[0].data) / size
		for i := 0; i < size; i++ {
			var out []byte
			for j := 0; j < size; j++ {
				out = append(out, r.args[j].data[i*chunkLen:(i+1)*chunkLen]...)
			}
			r.result[i] = out
		}

	case "bcast":
		root := r.args[0].root
		data := append([]byte(nil), r.args[root].data...)
		for i := 0; i < size; i++ {
			r.result[i] = data
		}

	case "gather":
		root := r.args[0].root
		var out []byte
		for i := 0; i < size; i++ {
			out = append(out, r.args[i].data...)
		}
		r.result[root] = out

	case "reduce":
		root := r.args[0].root
		op := r.args[0].op
		acc := append([]float64(nil), decode(r.args[0].data)...)
		for i := 1; i < size; i++ {
			util.Apply(op, acc, decode(r.args[i].data))
		}
		r.result[root] = encode(acc)

	case "reducescatter":
		op := r.args[0].op
		chunkLen := len(r.args[0].data) / size
		for i := 0; i < size; i++ {
			acc := append([]float64(nil), decode(r.args[0].data[i*chunkLen:(i+1)*chunkLen])...)
			for j := 1; j < size; j++ {
				util.Apply(op, acc, decode(r.args[j].data[i*chunkLen:(i+1)*chunkLen]))
			}
			r.result[i] = encode(acc)
		}

	case "scatter":
		root := r.args[0].root
		chunkLen := len(r.args[root].data) / size
		for i := 0; i < size; i++ {
			r.result[i] = append([]byte(nil), r.args[root].data[i*chunkLen:(i+1)*chunkLen]...)
		}
	}
}

func (h *hub) send(src, dst uint32, tag int, data []byte) {
	h.inboxMu.Lock()
	h.inbox[dst] = append(h.inbox[dst], mailMsg{src: src, tag: tag, data: append([]byte(nil), data...)})
	h.inboxCond.Broadcast()
	h.inboxMu.Unlock()
}

func (h *hub) recv(dst, src uint32, tag int) []byte {
	h.inboxMu.Lock()
	defer h.inboxMu.Unlock()
	for {
		queue := h.inbox[dst]
		for i, m := range queue {
			if m.src == src && m.tag == tag {
				h.inbox[dst] = append(queue[:i:i], queue[i+1:]...)
				return m.data
			}
		}
		h.inboxCond.Wait()
	}
}

// Transport is one rank's handle onto an in-process network.
type Transport struct {
	rank uint32
	hub  *hub

	seqMu sync.Mutex
	seq   int
}

// NewNetwork creates size ranks that can all talk to one another, returning
// one Transport per rank in rank order.
func NewNetwork(size uint32) []*Transport {
	h := newHub(size)
	ts := make([]*Transport, size)
	for i := uint32(0); i < size; i++ {
		ts[i] = &Transport{rank: i, hub: h}
	}
	return ts
}

var _ transport.Transport = (*Transport)(nil)

func (t *Transport) Rank() uint32 { return t.rank }
func (t *Transport) Size() uint32 { return t.hub.size }

func (t *Transport) nextSeq() int {
	t.seqMu.Lock()
	defer t.seqMu.Unlock()
	s := t.seq
	t.seq++
	return s
}

func (t *Transport) collective(kind string, a callArgs) ([]byte, error) {
	return t.hub.enter(t.nextSeq(), t.rank, kind, a)
}

func (t *Transport) Allreduce(data []byte, op util.ReduceOp) error {
	out, err := t.collective("allreduce", callArgs{data: data, op: op})
	if err != nil {
		return err
	}
	copy(data, out)
	return nil
}

func (t *Transport) Allgather(send, recv []byte) error {
	out, err := t.collective("allgather", callArgs{data: send})
	if err != nil {
		return err
	}
	copy(recv, out)
	return nil
}

func (t *Transport) Alltoall(send, recv []byte) error {
	out, err := t.collective("alltoall", callArgs{data: send})
	if err != nil {
		return err
	}
	copy(recv, out)
	return nil
}

func (t *Transport) Barrier() error {
	_, err := t.collective("barrier", callArgs{})
	return err
}

func (t *Transport) Bcast(buf []byte, root uint32) error {
	out, err := t.collective("bcast", callArgs{data: buf, root: root})
	if err != nil {
		return err
	}
	copy(buf, out)
	return nil
}

func (t *Transport) Gather(send, recv []byte, root uint32) error {
	out, err := t.collective("gather", callArgs{data: send, root: root})
	if err != nil {
		return err
	}
	if t.rank == root {
		copy(recv, out)
	}
	return nil
}

func (t *Transport) Reduce(send, recv []byte, op util.ReduceOp, root uint32) error {
	out, err := t.collective("reduce", callArgs{data: send, op: op, root: root})
	if err != nil {
		return err
	}
	if t.rank == root {
		copy(recv, out)
	}
	return nil
}

func (t *Transport) ReduceScatter(send, recv []byte, op util.ReduceOp) error {
	out, err := t.collective("reducescatter", callArgs{data: send, op: op})
	if err != nil {
		return err
	}
	copy(recv, out)
	return nil
}

func (t *Transport) Scatter(send, recv []byte, root uint32) error {
	out, err := t.collective("scatter", callArgs{data: send, root: root})
	if err != nil {
		return err
	}
	copy(recv, out)
	return nil
}

func (t *Transport) Send(buf []byte, dest uint32, tag int) error {
	t.hub.send(t.rank, dest, tag, buf)
	return nil
}

func (t *Transport) Recv(buf []byte, src uint32, tag int) error {
	data := t.hub.recv(t.rank, src, tag)
	copy(buf, data)
	return nil
}

func (t *Transport) SendRecv(sendBuf []byte, dest uint32, recvBuf []byte, src uint32, tag int) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t.hub.send(t.rank, dest, tag, sendBuf)
	}()
	data := t.hub.recv(t.rank, src, tag)
	copy(recvBuf, data)
	wg.Wait()
	return nil
}
