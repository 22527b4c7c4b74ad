package device

import (
	"sync"
	"time"

	"go.uber.org/atomic"
)

// cacheLineSize pads SyncFlag so two flags handed out back to back never
// share a cache line, the same false-sharing concern
// original_source/src/cuda/cuda.cpp's CacheLinePinnedMemoryAllocator exists
// to address for the real library's sync flags in pinned host memory.
const cacheLineSize = 64

// SyncFlag is the cross-device/host handoff primitive described in
// SPEC_FULL.md §4.3: a single word that starts not-ready and makes exactly
// one not-ready -> ready transition. Signal gives release semantics over
// everything the signaling goroutine wrote before it; Wait gives acquire
// semantics over that same data once it observes ready, mirroring the
// release/acquire pairing a real device-side busy-wait kernel uses against a
// host-written flag in pinned memory.
//
// A SyncFlag is single-use: callers pull one from a pool and signal it at
// most once; any number of waiters may observe it. SyncFlagPool never takes
// a flag back, so no collective reuses another's flag; Reset returns a flag
// to not-ready for callers that manage its lifetime themselves.
type SyncFlag struct {
	ready atomic.Bool
	_     [cacheLineSize]byte
}

// NewSyncFlag returns a flag in the not-ready state.
func NewSyncFlag() *SyncFlag {
	return &SyncFlag{}
}

// Signal performs the one-shot not-ready -> ready transition. Only the
// designated signaler (the host thread that owns this handoff, or the
// stream task recording it) may call Signal, and it must be called at most
// once per Reset.
func (f *SyncFlag) Signal() {
	f.ready.Store(true)
}

// Poll reports whether the flag is ready, without blocking. This is the
// device-side busy-wait primitive: a real kernel spins on the pinned word
// directly, so Poll is what a device-stream task loops on.
func (f *SyncFlag) Poll() bool {
	return f.ready.Load()
}

// Wait blocks the calling goroutine until the flag becomes ready, busy
// polling with a short backoff. It simulates the busy-wait kernel a device
// stream would run while blocked on this flag; callers in this repository
// only ever use it from within a Stream task, never from a host thread
// servicing a non-blocking Wait/Test call.
func (f *SyncFlag) Wait() {
	if f.ready.Load() {
		return
	}
	const spinLimit = 1000
	for i := 0; i < spinLimit; i++ {
		if f.ready.Load() {
			return
		}
	}
	for !f.ready.Load() {
		time.Sleep(time.Microsecond)
	}
}

// Reset returns the flag to the not-ready state for reuse. The caller must
// ensure no goroutine is still polling or waiting on the prior signal.
func (f *SyncFlag) Reset() {
	f.ready.Store(false)
}

// SyncFlagPool hands out cache-line-padded SyncFlags, drawing first from a
// batch built by Preallocate before falling back to a fresh allocation.
//
// Unlike PinnedPool and EventPool, this pool has no Put: a flag can still be
// referenced by an asynchronously queued stream task well after its owning
// collective reports complete — the construction-time wait a State embeds
// on its own stream, or a caller's Request.Wait enqueued on a different
// stream — and that task's flag.Wait() call may not actually run until long
// after release. Recycling the flag for an unrelated collective in that
// window would let a stale waiter release at the wrong time. Preallocate
// therefore only amortizes allocation for an initial burst of collectives;
// it is not a steady-state recycling pool, matching the original library's
// sync_pool.preallocate(AL_SYNC_MEM_PREALLOC) in spirit but not in lifetime.
type SyncFlagPool struct {
	mu   sync.Mutex
	free []*SyncFlag
}

// NewSyncFlagPool creates an empty pool.
func NewSyncFlagPool() *SyncFlagPool {
	return &SyncFlagPool{}
}

// Preallocate seeds the pool with n ready-to-hand-out flags.
func (p *SyncFlagPool) Preallocate(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < n; i++ {
		p.free = append(p.free, NewSyncFlag())
	}
}

// Get returns a flag from the preallocated batch if one remains, otherwise
// allocates a fresh one.
func (p *SyncFlagPool) Get() *SyncFlag {
	p.mu.Lock()
	if n := len(p.free); n > 0 {
		f := p.free[n-1]
		p.free = p.free[:n-1]
		p.mu.Unlock()
		return f
	}
	p.mu.Unlock()
	return NewSyncFlag()
}
