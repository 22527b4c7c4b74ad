package device

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSyncFlagStartsNotReady(t *testing.T) {
	f := NewSyncFlag()
	assert.False(t, f.Poll())
}

func TestSyncFlagSignalThenWaitReturns(t *testing.T) {
	f := NewSyncFlag()
	done := make(chan struct{})
	go func() {
		f.Wait()
		close(done)
	}()

	time.Sleep(time.Millisecond)
	f.Signal()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Signal")
	}
}

func TestSyncFlagResetAllowsReuse(t *testing.T) {
	f := NewSyncFlag()
	f.Signal()
	assert.True(t, f.Poll())

	f.Reset()
	assert.False(t, f.Poll())
}

func TestSyncFlagPoolGetDrainsPreallocatedBatchFirst(t *testing.T) {
	p := NewSyncFlagPool()
	p.Preallocate(2)

	a := p.Get()
	b := p.Get()
	assert.NotSame(t, a, b)

	// batch exhausted; further Gets still succeed by allocating fresh.
	c := p.Get()
	assert.NotNil(t, c)
}
