package local

import (
	"sync"
	"testing"

	"github.com/gpucomm/htcollective/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runOnAll(t *testing.T, ts []*Transport, fn func(t *testing.T, i int)) {
	t.Helper()
	var wg sync.WaitGroup
	errs := make([]error, len(ts))
	for i := range ts {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					t.Errorf("rank %d panicked: %v", i, r)
				}
			}()
			fn(t, i)
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
}

func TestBarrierReleasesAllRanks(t *testing.T) {
	ts := NewNetwork(4)
	runOnAll(t, ts, func(t *testing.T, i int) {
		require.NoError(t, ts[i].Barrier())
	})
}

func TestAllreduceSum(t *testing.T) {
	ts := NewNetwork(4)
	inputs := [][]float64{{1}, {2}, {3}, {4}}
	var wg sync.WaitGroup
	results := make([][]float64, 4)
	for i := range ts {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf := util.Float64SliceToByteArray(inputs[i])
			require.NoError(t, ts[i].Allreduce(buf, util.ReduceSum))
			results[i] = util.ByteArrayToFloat64Slice(buf)
		}()
	}
	wg.Wait()
	for i := range results {
		assert.Equal(t, []float64{10}, results[i])
	}
}

func TestBcastFromRoot(t *testing.T) {
	ts := NewNetwork(3)
	var wg sync.WaitGroup
	got := make([][]float64, 3)
	for i := range ts {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			var buf []byte
			if i == 1 {
				buf = util.Float64SliceToByteArray([]float64{42})
			} else {
				buf = make([]byte, 8)
			}
			require.NoError(t, ts[i].Bcast(buf, 1))
			got[i] = util.ByteArrayToFloat64Slice(buf)
		}()
	}
	wg.Wait()
	for i := range got {
		assert.Equal(t, []float64{42}, got[i])
	}
}

func TestGatherToRoot(t *testing.T) {
	ts := NewNetwork(3)
	var wg sync.WaitGroup
	got := make([][]float64, 3)
	for i := range ts {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			send := util.Float64SliceToByteArray([]float64{float64(i)})
			var recv []byte
			if i == 0 {
				recv = make([]byte, 8*3)
			}
			require.NoError(t, ts[i].Gather(send, recv, 0))
			if i == 0 {
				got[0] = util.ByteArrayToFloat64Slice(recv)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, []float64{0, 1, 2}, got[0])
}

func TestSendRecvExchangesData(t *testing.T) {
	ts := NewNetwork(2)
	var wg sync.WaitGroup
	got := make([][]float64, 2)
	for i := range ts {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			other := uint32(1 - i)
			send := util.Float64SliceToByteArray([]float64{float64(i)})
			recv := make([]byte, 8)
			require.NoError(t, ts[i].SendRecv(send, other, recv, other, 7))
			got[i] = util.ByteArrayToFloat64Slice(recv)
		}()
	}
	wg.Wait()
	assert.Equal(t, []float64{1}, got[0])
	assert.Equal(t, []float64{0}, got[1])
}

func TestReduceScatterSplitsAndReduces(t *testing.T) {
	ts := NewNetwork(2)
	var wg sync.WaitGroup
	got := make([][]float64, 2)
	for i := range ts {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			send := util.Float64SliceToByteArray([]float64{float64(i), float64(i + 10)})
			recv := make([]byte, 8)
			require.NoError(t, ts[i].ReduceScatter(send, recv, util.ReduceSum))
			got[i] = util.ByteArrayToFloat64Slice(recv)
		}()
	}
	wg.Wait()
	assert.Equal(t, []float64{1}, got[0])   // 0 + 1
	assert.Equal(t, []float64{21}, got[1]) // 10 + 11
}
