package engine

import (
	"go.uber.org/atomic"

	"github.com/gpucomm/htcollective/device"
)

// Request is the handle a caller holds for a non-blocking collective. It is
// reference-counted because the backend facade and the caller's own code
// may both hold a reference to the same request (e.g. across a
// replace-internal-streams reconfiguration). The count is bookkeeping only:
// the underlying resources are released back to their pools by the State
// once the progress engine completes it, whatever the count is.
//
// Test is a non-blocking poll: calling it resets the Request to its null
// state as soon as it reports done, exactly once. Wait is NOT a host
// blocking call — per SPEC_FULL.md §4.7 it is a stream-ordering operation.
// It enqueues a task on a stream (explicit, or userStream by default) that
// busy-waits on the underlying SyncFlag, and returns immediately; the host
// thread calling Wait never blocks, only the device stream's future work is
// made to wait behind the collective's completion.
//
// Every State already embeds this same wait onto its own issuing stream at
// construction time (see collectives.go's armCompletion), which is what
// guarantees ordering for two collectives built directly on the same
// literal stream. backend.Facade's non-blocking calls no longer issue a
// collective's own device work on a caller-supplied stream at all (see
// Facade.stageStream) — they stage it on an internal stream instead, so
// that construction-time embedding runs there, not on the caller's
// stream. Wait is what re-establishes the caller's stream's dependency on
// the result in that case: calling Wait(nil) after each non-blocking issue
// is what makes a later non-blocking call issued on the same caller stream,
// or any other device work submitted to it, correctly ordered behind the
// one before it.
type Request struct {
	state *State
	flag  *device.SyncFlag
	refs  atomic.Int32

	// userStream is the stream the caller originally issued the collective
	// against — not necessarily the state's own internal stream, when the
	// backend staged the collective's device-side work on an internal
	// stream instead (see backend.Facade.stageStream). Wait(nil) enqueues
	// its busy-wait task here by default; an explicit stream argument
	// overrides it.
	userStream *device.Stream
}

// NewRequest wraps state into a Request with one initial reference.
func NewRequest(state *State, flag *device.SyncFlag, userStream *device.Stream) *Request {
	r := &Request{state: state, flag: flag, userStream: userStream}
	r.refs.Store(1)
	return r
}

// Retain adds a reference to the request.
func (r *Request) Retain() {
	r.refs.Inc()
}

// Release drops a reference. It never frees anything itself — pooled
// resources are released by the State's own completion hook once the
// progress engine finishes it — but it is provided so callers mirroring the
// original library's reference-counted request objects have a symmetric
// API.
func (r *Request) Release() {
	r.refs.Dec()
}

// Test performs a non-blocking poll of the request. Per SPEC_FULL.md §6, a
// request that reports done resets itself to null on this same call, so a
// second call to Test on an already-completed request is a documented
// no-op that returns true.
func (r *Request) Test() bool {
	if r.state == nil {
		return true
	}
	if r.state.RequestSatisfied() {
		r.state = nil
		return true
	}
	return false
}

// Wait enqueues a stream-ordering wait for this request's completion onto
// stream, then returns immediately. It does not block the calling host
// thread. If stream is nil, Wait falls back to userStream, the stream the
// caller originally issued the collective against — the common case of
// "make the stream I issued this on wait behind it" without having to pass
// that stream back in explicitly. Once the request is already satisfied,
// Wait is a no-op: there is nothing further for any stream to wait behind.
func (r *Request) Wait(stream *device.Stream) {
	if r.state == nil {
		return
	}
	if r.state.RequestSatisfied() {
		r.state = nil
		return
	}
	if stream == nil {
		stream = r.userStream
	}
	flag := r.flag
	stream.Submit(func() {
		flag.Wait()
	})
}

// Null reports whether the request has already been resolved, either by a
// prior Test/Wait observing completion or by never representing an
// in-flight operation at all (a zero-count collective issues no state and
// wraps a null Request immediately).
func (r *Request) Null() bool {
	return r.state == nil
}

// NullRequest returns a Request that is already resolved, for zero-count
// collectives and other documented no-ops per SPEC_FULL.md §6.
func NullRequest() *Request {
	return &Request{}
}
