package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpucomm/htcollective/device"
	"github.com/gpucomm/htcollective/transport/local"
	"github.com/gpucomm/htcollective/util"
)

func newTestComm(id uint64, tr *local.Transport) *Comm {
	return &Comm{
		ID:        id,
		Transport: tr,
		Pinned:    device.NewPinnedPool(),
		Events:    device.NewEventPool(),
		Flags:     device.NewSyncFlagPool(),
	}
}

func drain(t *testing.T, eng *ProgressEngine, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for eng.InFlight() > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("progress engine still has %d in-flight states after %s", eng.InFlight(), timeout)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestAllreduceStateReachesCompleteWithCorrectResult(t *testing.T) {
	transports := local.NewNetwork(2)
	eng := NewProgressEngine(nil, -1)
	defer eng.Stop()

	bufs := [][]float64{{1, 2}, {3, 4}}
	streams := []*device.Stream{device.NewStream(0, 8), device.NewStream(1, 8)}
	defer streams[0].Close()
	defer streams[1].Close()

	comms := []*Comm{newTestComm(1, transports[0]), newTestComm(1, transports[1])}

	states := make([]*State, 2)
	for i := 0; i < 2; i++ {
		states[i] = comms[i].NewAllreduce(streams[i], bufs[i], util.ReduceSum)
		eng.Submit(states[i])
	}

	drain(t, eng, 2*time.Second)

	streams[0].Synchronize()
	streams[1].Synchronize()
	assert.Equal(t, []float64{4, 6}, bufs[0])
	assert.Equal(t, []float64{4, 6}, bufs[1])
}

func TestBarrierStateCompletes(t *testing.T) {
	transports := local.NewNetwork(3)
	eng := NewProgressEngine(nil, -1)
	defer eng.Stop()

	streams := make([]*device.Stream, 3)
	for i := range streams {
		streams[i] = device.NewStream(i, 4)
		defer streams[i].Close()
	}

	for i := 0; i < 3; i++ {
		comm := newTestComm(2, transports[i])
		eng.Submit(comm.NewBarrier(streams[i]))
	}

	drain(t, eng, 2*time.Second)
}

func TestSendStateSignalsBeforeTransportOrTransportErrIsObserved(t *testing.T) {
	transports := local.NewNetwork(2)
	eng := NewProgressEngine(nil, -1)
	defer eng.Stop()

	sendStream := device.NewStream(0, 4)
	recvStream := device.NewStream(1, 4)
	defer sendStream.Close()
	defer recvStream.Close()

	sendComm := newTestComm(3, transports[0])
	recvComm := newTestComm(3, transports[1])

	sendBuf := []float64{9}
	recvBuf := []float64{0}

	sendState := sendComm.NewSend(sendStream, sendBuf, 1, 11)
	recvState := recvComm.NewRecv(recvStream, recvBuf, 0, 11)

	req := NewRequest(sendState, sendState.flag, sendStream)
	eng.Submit(sendState)
	eng.Submit(recvState)

	require.Eventually(t, req.Test, time.Second, time.Millisecond,
		"send request should be satisfied once signaled, without waiting on the recv side")

	drain(t, eng, 2*time.Second)
	recvStream.Synchronize()
	assert.Equal(t, []float64{9}, recvBuf)
}
