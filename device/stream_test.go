package device

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStreamOrdersSubmittedTasks(t *testing.T) {
	s := NewStream(0, 8)
	defer s.Close()

	var order []int
	var mu int32
	for i := 0; i < 20; i++ {
		i := i
		s.Submit(func() {
			for !atomic.CompareAndSwapInt32(&mu, 0, 1) {
			}
			order = append(order, i)
			atomic.StoreInt32(&mu, 0)
		})
	}
	s.Synchronize()

	assert.Len(t, order, 20)
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestStreamSynchronizeWaitsForAllTasks(t *testing.T) {
	s := NewStream(1, 4)
	defer s.Close()

	var done atomic.Int32
	for i := 0; i < 5; i++ {
		s.Submit(func() { done.Add(1) })
	}
	s.Synchronize()
	assert.EqualValues(t, 5, done.Load())
}

func TestStreamCloseIsIdempotent(t *testing.T) {
	s := NewStream(2, 1)
	s.Close()
	s.Close()
}
