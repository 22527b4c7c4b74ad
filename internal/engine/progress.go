package engine

import (
	"runtime"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// ProgressEngine owns a single dedicated goroutine that round-robins over
// every in-flight State, calling Advance on each without ever blocking. A
// State that would block (waiting on a device event, waiting on a
// transport goroutine) simply gets polled again next round — this is the
// non-blocking progress loop the whole host-transfer design depends on.
type ProgressEngine struct {
	log *zap.Logger

	submit chan *State
	stop   chan struct{}
	stopped chan struct{}

	inFlight atomic.Int64
}

// NewProgressEngine creates and starts the progress thread. If affinityCPU
// is >= 0, the engine attempts to pin its goroutine's underlying OS thread
// to that CPU, matching the real library's progress-thread affinity knob;
// a failure to set affinity is logged but not fatal, since it is a
// performance hint, not a correctness requirement.
func NewProgressEngine(log *zap.Logger, affinityCPU int) *ProgressEngine {
	if log == nil {
		log = zap.NewNop()
	}
	e := &ProgressEngine{
		log:     log,
		submit:  make(chan *State, 256),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go e.run(affinityCPU)
	return e
}

// Submit hands a newly-issued State to the progress engine. It never
// blocks the caller for long: the submit channel is buffered, and the
// engine drains it every round.
func (e *ProgressEngine) Submit(s *State) {
	e.inFlight.Inc()
	e.submit <- s
}

// InFlight returns the number of States the engine is currently tracking,
// for tests and diagnostics.
func (e *ProgressEngine) InFlight() int64 { return e.inFlight.Load() }

func (e *ProgressEngine) run(affinityCPU int) {
	defer close(e.stopped)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if affinityCPU >= 0 {
		if err := pinToCPU(affinityCPU); err != nil {
			e.log.Warn("progress engine: failed to set cpu affinity", zap.Int("cpu", affinityCPU), zap.Error(err))
		}
	}

	var states []*State
	for {
	drainSubmit:
		for {
			select {
			case s := <-e.submit:
				states = append(states, s)
			case <-e.stop:
				return
			default:
				break drainSubmit
			}
		}

		if len(states) == 0 {
			select {
			case s := <-e.submit:
				states = append(states, s)
			case <-e.stop:
				return
			}
			continue
		}

		progressed := false
		live := states[:0]
		for _, s := range states {
			phaseBefore := s.Phase()
			done, err := s.Advance()
			if err != nil {
				e.log.Debug("collective state finished with error", zap.Error(err))
			}
			if done {
				progressed = true
				e.inFlight.Dec()
				continue
			}
			if s.Phase() != phaseBefore {
				progressed = true
			}
			live = append(live, s)
		}
		states = live

		// Per spec.md §4.5, yield briefly if no state in this round actually
		// advanced a phase — every one of them is blocked on a device event
		// or a transport goroutine that hasn't finished yet — rather than
		// spinning the CPU at 100% until one of them does.
		if !progressed {
			runtime.Gosched()
		}
	}
}

// Stop drains every in-flight state to completion, then signals the
// progress goroutine to exit and waits for it to do so. Per spec.md §6 and
// §4.5, finalization drains the in-flight list before joining the thread;
// it does not abandon work mid-advance.
func (e *ProgressEngine) Stop() {
	e.Drain()
	close(e.stop)
	<-e.stopped
}

// Drain blocks until every state this engine is tracking has reached
// PhaseComplete, busy-polling InFlight with a short backoff. The run loop
// keeps advancing states on its own goroutine throughout; Drain just waits
// for it to finish the backlog. Safe to call any time before Stop.
func (e *ProgressEngine) Drain() {
	const spinLimit = 1000
	for i := 0; i < spinLimit; i++ {
		if e.InFlight() == 0 {
			return
		}
	}
	for e.InFlight() != 0 {
		time.Sleep(time.Microsecond)
	}
}

func pinToCPU(cpu int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	return unix.SchedSetaffinity(0, &set)
}
