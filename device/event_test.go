package device

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEventQueryFalseBeforeStreamReachesIt(t *testing.T) {
	s := NewStream(0, 8)
	defer s.Close()

	block := make(chan struct{})
	s.Submit(func() { <-block })

	e := new(Event)
	e.Record(s)
	assert.False(t, e.Query())

	close(block)
	assert.Eventually(t, e.Query, time.Second, time.Millisecond)
}

func TestEventPoolRecyclesAndResets(t *testing.T) {
	p := NewEventPool()
	e1 := p.Get()
	e1.ready.Store(true)
	p.Put(e1)

	e2 := p.Get()
	assert.False(t, e2.Query(), "pooled event must come back not-ready")
}

func TestEventPoolPutNilIsNoop(t *testing.T) {
	p := NewEventPool()
	p.Put(nil)
}
