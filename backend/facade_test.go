package backend

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpucomm/htcollective/device"
	"github.com/gpucomm/htcollective/transport/local"
	"github.com/gpucomm/htcollective/util"
)

func newTestFacades(t *testing.T, size uint32) []*Facade {
	t.Helper()
	transports := local.NewNetwork(size)
	facades := make([]*Facade, size)
	for i, tr := range transports {
		f, err := Init(tr, Config{ProgressAffinityCPU: -1})
		require.NoError(t, err)
		facades[i] = f
	}
	return facades
}

func finalizeAll(t *testing.T, facades []*Facade) {
	t.Helper()
	for _, f := range facades {
		assert.NoError(t, f.Finalize())
	}
}

func TestInitCreatesDefaultStreamPool(t *testing.T) {
	facades := newTestFacades(t, 1)
	defer finalizeAll(t, facades)
	assert.Len(t, facades[0].streams, defaultInternalStreamCount)
}

func TestFinalizeIsNotIdempotent(t *testing.T) {
	facades := newTestFacades(t, 1)
	require.NoError(t, facades[0].Finalize())
	assert.Error(t, facades[0].Finalize())
}

func TestBlockingAllreduceAcrossFacades(t *testing.T) {
	facades := newTestFacades(t, 3)
	defer finalizeAll(t, facades)

	bufs := [][]float64{{1}, {2}, {3}}
	done := make(chan error, 3)
	for i := range facades {
		i := i
		go func() {
			done <- facades[i].Allreduce(nil, bufs[i], util.ReduceSum, AllreduceAutomatic)
		}()
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, <-done)
	}
	for i := range bufs {
		assert.Equal(t, []float64{6}, bufs[i])
	}
}

func TestNonblockingBcastRequestBecomesSatisfied(t *testing.T) {
	facades := newTestFacades(t, 2)
	defer finalizeAll(t, facades)

	root := []float64{7}
	other := []float64{0}

	type testable interface{ Test() bool }
	reqCh := make(chan testable, 2)
	go func() {
		req, err := facades[0].BcastNonblocking(nil, root, 0, BcastAutomatic)
		require.NoError(t, err)
		reqCh <- req
	}()
	go func() {
		req, err := facades[1].BcastNonblocking(nil, other, 0, BcastAutomatic)
		require.NoError(t, err)
		reqCh <- req
	}()

	r1 := <-reqCh
	r2 := <-reqCh
	require.Eventually(t, r1.Test, 2*time.Second, time.Millisecond)
	require.Eventually(t, r2.Test, 2*time.Second, time.Millisecond)
	assert.Equal(t, []float64{7}, other)
}

// TestNonblockingRequestsOrderedOnSameUserStream covers spec.md §8's
// stream-ordering law: two non-blocking collectives, A then B, issued on
// the same user stream, with Wait(nil) called on each request right after
// issuing it. Once B's request reports done, both A's and B's buffers must
// hold their reduced results. The backend stages a non-blocking call's own
// device work on an internal stream rather than the caller's (see
// Facade.stageStream) — Wait is what re-attaches the caller's stream to
// that result, so B's work cannot start before A's transport has finished.
func TestNonblockingRequestsOrderedOnSameUserStream(t *testing.T) {
	facades := newTestFacades(t, 2)
	defer finalizeAll(t, facades)

	streams := make([]*device.Stream, 2)
	for i := range streams {
		streams[i] = device.NewStream(i, 8)
		defer streams[i].Close()
	}

	firstBufs := [][]float64{{1}, {2}}
	secondBufs := [][]float64{{10}, {20}}

	done := make(chan error, 2)
	for i := range facades {
		i := i
		go func() {
			req1, err := facades[i].AllreduceNonblocking(streams[i], firstBufs[i], util.ReduceSum, AllreduceAutomatic)
			if err != nil {
				done <- err
				return
			}
			req1.Wait(nil)

			req2, err := facades[i].AllreduceNonblocking(streams[i], secondBufs[i], util.ReduceSum, AllreduceAutomatic)
			if err != nil {
				done <- err
				return
			}
			req2.Wait(nil)

			for !req2.Test() {
				time.Sleep(time.Millisecond)
			}
			done <- nil
		}()
	}
	for i := 0; i < 2; i++ {
		require.NoError(t, <-done)
	}
	for i := range firstBufs {
		assert.Equal(t, []float64{3}, firstBufs[i])
		assert.Equal(t, []float64{30}, secondBufs[i])
	}
}

// TestZeroCountAllreduceIsIdentity covers spec.md §8's zero-count identity:
// a collective call with count zero does not create a request or enqueue
// progress work.
func TestZeroCountAllreduceIsIdentity(t *testing.T) {
	facades := newTestFacades(t, 1)
	defer finalizeAll(t, facades)

	before := facades[0].eng.InFlight()
	req, err := facades[0].AllreduceNonblocking(nil, nil, util.ReduceSum, AllreduceAutomatic)
	require.NoError(t, err)
	assert.True(t, req.Null())
	assert.Equal(t, before, facades[0].eng.InFlight())
}

// TestAllreduceInPlaceProducesTwoBufferEquivalentResult covers spec.md
// §8's in-place equivalence: the in-place form (the only form this
// backend exposes for Allreduce) must compute the same result a
// conceptually separate send/recv form would — the sum, here, of every
// rank's contribution, independent of aliasing.
func TestAllreduceInPlaceProducesTwoBufferEquivalentResult(t *testing.T) {
	facades := newTestFacades(t, 3)
	defer finalizeAll(t, facades)

	contributions := []float64{1, 2, 3}
	want := contributions[0] + contributions[1] + contributions[2]

	bufs := make([][]float64, 3)
	for i := range bufs {
		bufs[i] = []float64{contributions[i]}
	}

	done := make(chan error, 3)
	for i := range facades {
		i := i
		go func() {
			done <- facades[i].Allreduce(nil, bufs[i], util.ReduceSum, AllreduceAutomatic)
		}()
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, <-done)
	}
	for i := range bufs {
		assert.Equal(t, []float64{want}, bufs[i])
	}
}

// TestRequestTestAndWaitAreIdempotentAfterCompletion covers spec.md §8's
// idempotent test/wait: once Test reports true, further Test calls keep
// reporting true and Wait becomes a documented no-op.
func TestRequestTestAndWaitAreIdempotentAfterCompletion(t *testing.T) {
	facades := newTestFacades(t, 2)
	defer finalizeAll(t, facades)

	var req interface {
		Test() bool
		Wait(*device.Stream)
		Null() bool
	}
	done := make(chan struct{}, 2)
	go func() {
		defer func() { done <- struct{}{} }()
		r, err := facades[0].AllreduceNonblocking(nil, []float64{1}, util.ReduceSum, AllreduceAutomatic)
		require.NoError(t, err)
		req = r
	}()
	go func() {
		defer func() { done <- struct{}{} }()
		assert.NoError(t, facades[1].Allreduce(nil, []float64{1}, util.ReduceSum, AllreduceAutomatic))
	}()
	<-done
	<-done

	require.Eventually(t, req.Test, 2*time.Second, time.Millisecond)
	assert.True(t, req.Test())
	assert.True(t, req.Null())
	req.Wait(nil)
	assert.True(t, req.Null())
}
