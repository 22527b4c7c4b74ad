// Package backend exposes the host-transfer collective backend's public
// surface: blocking and non-blocking forms of every collective, over a
// pool of internal streams, backed by the progress engine in
// internal/engine. This is the package application code is expected to
// import.
package backend

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/gpucomm/htcollective/device"
	"github.com/gpucomm/htcollective/internal/engine"
	"github.com/gpucomm/htcollective/transport"
	"github.com/gpucomm/htcollective/util"
)

const defaultInternalStreamCount = 5

// Name identifies this backend, the way the original library's backends
// each report their own name for logging and dispatch.
func Name() string { return "host-transfer" }

// Facade is the backend: one per communicator. It owns the progress
// engine, the pinned-memory and event pools every collective stages
// through, and a round-robin pool of internal streams on which every
// collective's own device-side work runs, whether or not the caller
// supplies a stream of its own.
type Facade struct {
	transport transport.Transport
	pinned    *device.PinnedPool
	events    *device.EventPool
	flags     *device.SyncFlagPool
	eng       *engine.ProgressEngine
	log       *zap.Logger

	streams          []*device.Stream
	streamCounter    atomic.Uint64
	priorityReserved bool
	commCounter      atomic.Uint64

	// handoff is the single dedicated event used to synchronize an
	// internal stream with a caller-supplied one, reused across every
	// non-blocking call rather than drawn from events. handoffMu
	// serializes record-then-arm-wait sequences across concurrent
	// issuers, mirroring cuda.cpp's sync_internal_stream_with_comm,
	// which reuses one static cudaEvent_t the same way.
	handoff   *device.Event
	handoffMu sync.Mutex

	finalized atomic.Bool
}

// Config holds the environment-derived settings Init reads, exposed so
// callers can override them without touching the process environment —
// primarily for tests.
type Config struct {
	// InternalStreamCount sizes the round-robin internal stream pool.
	// Mirrors AL_USE_PRIORITY_STREAM's neighborhood of tuning knobs; 0
	// means use the default.
	InternalStreamCount int
	// ProgressAffinityCPU pins the progress thread to a CPU when >= 0.
	// -1 (the default) leaves affinity unset.
	ProgressAffinityCPU int
	// SyncMemPreallocCount is the number of sync-flag slots to preallocate
	// at Init, mirroring AL_SYNC_MEM_PREALLOC and the original library's
	// sync_pool.preallocate call. 0 means preallocate nothing; the pool
	// falls back to allocating on demand.
	SyncMemPreallocCount int
	// UsePriorityStream mirrors AL_USE_PRIORITY_STREAM: when true, index 0
	// of the internal stream pool is reserved and never handed out by the
	// round-robin allocator, modeling a higher-priority stream the backend
	// keeps for itself.
	UsePriorityStream bool

	Log *zap.Logger
}

// ConfigFromEnv reads the AL_* environment variables the original library
// exposes for this backend and returns the equivalent Config. Malformed
// values fall back to defaults rather than failing Init — these are tuning
// knobs, not correctness-critical inputs.
func ConfigFromEnv() Config {
	c := Config{ProgressAffinityCPU: -1}
	if v := os.Getenv("AL_USE_PRIORITY_STREAM"); v != "" {
		c.UsePriorityStream = v != "0"
	}
	if v := os.Getenv("AL_PROGRESS_AFFINITY_CPU"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.ProgressAffinityCPU = n
		}
	}
	if v := os.Getenv("AL_SYNC_MEM_PREALLOC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.SyncMemPreallocCount = n
		}
	}
	return c
}

// Init creates a Facade over tr, starting its progress engine and internal
// stream pool. Init corresponds to the original library's per-backend
// Init(): it must be called once before any collective, and paired with a
// later Finalize.
func Init(tr transport.Transport, cfg Config) (*Facade, error) {
	if tr == nil {
		return nil, util.MisuseErrorf("backend: Init called with a nil transport")
	}
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}

	n := cfg.InternalStreamCount
	if n <= 0 {
		n = defaultInternalStreamCount
	}

	f := &Facade{
		transport: tr,
		pinned:    device.NewPinnedPool(),
		events:    device.NewEventPool(),
		flags:     device.NewSyncFlagPool(),
		handoff:   &device.Event{},
		log:       log,
	}
	f.eng = engine.NewProgressEngine(log, cfg.ProgressAffinityCPU)

	f.streams = make([]*device.Stream, n)
	for i := range f.streams {
		f.streams[i] = device.NewStream(i, 64)
	}
	if cfg.UsePriorityStream && n > 1 {
		// reserve stream 0 for priority use; nextStream never hands it out.
		f.priorityReserved = true
	}

	if cfg.SyncMemPreallocCount > 0 {
		f.flags.Preallocate(cfg.SyncMemPreallocCount)
	}

	log.Info("host-transfer backend initialized",
		zap.Int("internal_streams", n),
		zap.Bool("priority_stream", cfg.UsePriorityStream))
	return f, nil
}

// Finalize drains every in-flight request, stops the progress engine, and
// releases every internal stream. Draining happens inside f.eng.Stop(),
// which blocks until InFlight() reaches zero before joining the progress
// goroutine, so no collective is abandoned mid-advance. Per-resource
// teardown is isolated with recover, so one misbehaving resource (for
// instance a stream double-closed by caller error elsewhere) cannot stop
// the rest of Finalize from running; every failure observed is reported
// together via multierr.
func (f *Facade) Finalize() error {
	if !f.finalized.CompareAndSwap(false, true) {
		return util.MisuseErrorf("backend: Finalize called more than once")
	}

	var errs error
	errs = multierr.Append(errs, safely(func() { f.eng.Stop() }))
	for _, s := range f.streams {
		s := s
		errs = multierr.Append(errs, safely(func() { s.Close() }))
	}
	if errs != nil {
		f.log.Error("backend finalize completed with errors", zap.Error(errs))
	} else {
		f.log.Info("host-transfer backend finalized")
	}
	return errs
}

func safely(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during teardown: %v", r)
		}
	}()
	fn()
	return nil
}

// ReplaceInternalStreams swaps the facade's internal stream pool for one
// filled by calling getter once per existing pool slot, taking ownership of
// whatever it returns. Existing in-flight requests issued against the old
// streams are unaffected; only future internally-issued collectives pick up
// the new pool. This mirrors the original library's replace_internal_streams
// hook, which takes a std::function<cudaStream_t()> and calls it repeatedly
// to refill get_internal_stream()'s backing array, for callers that want the
// backend to share their own externally-owned streams instead of its
// defaults.
func (f *Facade) ReplaceInternalStreams(getter func() *device.Stream) error {
	if getter == nil {
		return util.MisuseErrorf("backend: ReplaceInternalStreams called with a nil getter")
	}
	streams := make([]*device.Stream, len(f.streams))
	for i := range streams {
		s := getter()
		if s == nil {
			return util.MisuseErrorf("backend: ReplaceInternalStreams getter returned a nil stream")
		}
		streams[i] = s
	}
	f.streams = streams
	f.streamCounter.Store(0)
	f.priorityReserved = false
	return nil
}

// nextStream returns the next internal stream in round-robin order. The
// counter is an atomic.Uint64 rather than a plain int specifically because
// multiple user threads issuing non-blocking collectives concurrently must
// not race on it.
func (f *Facade) nextStream() *device.Stream {
	n := uint64(len(f.streams))
	i := f.streamCounter.Inc() - 1
	if f.priorityReserved {
		return f.streams[1+(i%(n-1))]
	}
	return f.streams[i%n]
}

func (f *Facade) newComm() *engine.Comm {
	return &engine.Comm{
		ID:        f.commCounter.Inc(),
		Transport: f.transport,
		Pinned:    f.pinned,
		Events:    f.events,
		Flags:     f.flags,
		Log:       f.log,
	}
}

// stageStream picks the internal stream a collective's own device-side
// steps (copy-in, flag-wait, transport bridge, copy-back) actually run on,
// per spec.md §4.7: a non-blocking call never stages work directly on a
// caller-supplied stream, since that would block it for the full transport
// duration. If the caller passed their own stream, work is the next
// internal stream in round-robin order, synchronized with it via
// armHandoff, and userStream is
// the caller's own stream — what a later Request.Wait should enqueue its
// busy-wait against. If the caller passed no stream, the chosen internal
// stream plays both roles, exactly as before.
func (f *Facade) stageStream(stream *device.Stream) (work, userStream *device.Stream) {
	work = f.nextStream()
	if stream == nil {
		return work, work
	}
	f.armHandoff(stream, work)
	return work, stream
}

// armHandoff makes internal pick up only after everything already queued
// on userStream at this moment, without ever running userStream's own
// tasks anywhere but userStream. It reuses the facade's single dedicated
// hand-off event rather than drawing one from events, mirroring cuda.cpp's
// sync_internal_stream_with_comm, which reuses one static cudaEvent_t for
// every non-blocking call the same way. Record and the enqueue of the wait
// are both non-blocking host calls, exactly as cudaEventRecord and
// cudaStreamWaitEvent are — armHandoff returns as soon as they are
// submitted, never waiting for userStream's backlog to actually drain.
// handoffMu instead guards the single shared event against a second
// Record landing before the first recording's internal-stream wait has
// consumed it: the lock is acquired here but released from inside the
// submitted task, once that task has actually observed the event ready, so
// a concurrent armHandoff call can queue behind it but this call's own
// caller never blocks on it.
func (f *Facade) armHandoff(userStream, internal *device.Stream) {
	f.handoffMu.Lock()
	f.handoff.Record(userStream)
	internal.Submit(func() {
		waitEvent(f.handoff)
		f.handoffMu.Unlock()
	})
}

// waitEvent busy-waits on e with the same spin-then-sleep backoff waitHost
// uses, for the one place (armHandoff) this package waits on an Event
// instead of a SyncFlag.
func waitEvent(e *device.Event) {
	const spinLimit = 1000
	for i := 0; i < spinLimit; i++ {
		if e.Query() {
			return
		}
	}
	for !e.Query() {
		time.Sleep(time.Microsecond)
	}
}
