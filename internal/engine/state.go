// Package engine implements the non-blocking collective state machine and
// the progress thread that drives it. This is the heart of the
// host-transfer design: it turns a blocking transport call into something a
// device stream can wait on without ever blocking the host thread that
// issued it.
package engine

import (
	"go.uber.org/zap"

	"github.com/gpucomm/htcollective/device"
	"github.com/gpucomm/htcollective/util"
)

// Phase is a collective state's position in its lifecycle. Every state
// passes through these in order; which phases do real work depends on its
// Template.
type Phase int

const (
	PhaseWaitingForDeviceCopy Phase = iota
	PhaseTransportStarted
	PhaseSignaled
	PhaseComplete
)

func (p Phase) String() string {
	switch p {
	case PhaseWaitingForDeviceCopy:
		return "waiting_for_device_copy"
	case PhaseTransportStarted:
		return "transport_started"
	case PhaseSignaled:
		return "signaled"
	case PhaseComplete:
		return "complete"
	default:
		return "unknown_phase"
	}
}

// Template identifies which of the four signaling shapes a collective's
// state follows, per SPEC_FULL.md §4.4. They differ only in when the
// device-facing SyncFlag is signaled relative to the transport call and the
// host-to-device copy-back, not in what data moves.
type Template int

const (
	// SignalAtEnd signals only after the transport has finished and any
	// result has been copied back to the device. Used by collectives that
	// produce a device-visible result: Allreduce, Allgather, Alltoall,
	// Bcast, Gather (on root), Reduce (on root), ReduceScatter, Scatter,
	// Recv, SendRecv.
	SignalAtEnd Template = iota
	// SignalNonRootEarly signals non-root ranks as soon as their
	// device-to-host copy lands, since they have no result to receive;
	// root follows SignalAtEnd. Used by Gather and Reduce's non-root path.
	SignalNonRootEarly
	// SignalAtStart signals immediately after the device-to-host copy
	// lands, before the transport call even begins, because the device
	// has nothing further to wait for. Used by Send.
	SignalAtStart
	// PureTransport has no device-side data movement at all: the
	// transport call is the entire operation. Used by Barrier.
	PureTransport
)

func (t Template) String() string {
	switch t {
	case SignalAtEnd:
		return "signal-at-end"
	case SignalNonRootEarly:
		return "signal-non-root-early"
	case SignalAtStart:
		return "signal-at-start"
	case PureTransport:
		return "pure-transport"
	default:
		return "unknown_template"
	}
}

// TransportCall is a blocking call into the transport layer, run on its own
// goroutine by the state so the progress engine's poll loop never blocks.
type TransportCall func() error

// State drives one collective from issue to completion. It is built by a
// per-collective constructor (see collectives.go) and advanced exclusively
// by the ProgressEngine's poll loop — Advance must never block.
type State struct {
	log *zap.Logger

	template Template
	isRoot   bool

	stream *device.Stream
	flag   *device.SyncFlag

	// copyToHostEvt marks completion of the device-to-host copy the
	// constructor submitted before handing back this State. nil for
	// PureTransport, which moves no data.
	copyToHostEvt *device.Event

	// copyFromHostEvt marks completion of the host-to-device copy-back, if
	// this collective has one. The copy itself, and the wait on flag that
	// gates it, are submitted to stream synchronously by the constructor
	// (see collectives.go's armCompletion) — not by Advance — so the
	// stream's own FIFO order, not progress-engine timing, is what
	// serializes a second collective issued on the same stream behind this
	// one's completion. Templates with no result to hand back
	// (SignalAtStart, and SignalNonRootEarly on non-root ranks) leave this
	// nil.
	copyFromHostEvt *device.Event

	run        TransportCall
	started    bool
	resultCh   chan error
	transportErr error

	signaled bool
	release  func() // returns pooled resources (events, pinned buffers); called once

	phase Phase
}

// Phase returns the state's current phase.
func (s *State) Phase() Phase { return s.phase }

// Flag returns the SyncFlag this state signals on completion, so a Facade
// can hand it to the Request wrapping this state.
func (s *State) Flag() *device.SyncFlag { return s.flag }

// RequestSatisfied reports whether a Request wrapping this state should
// already report itself done. SignalAtStart and SignalNonRootEarly (on a
// non-root rank) are satisfied as soon as their flag is signaled: the
// device side has nothing left to wait for, even though the state itself
// keeps running in the background to let the transport call finish and
// release its resources. Every other template requires PhaseComplete.
func (s *State) RequestSatisfied() bool {
	if s.phase == PhaseComplete {
		return true
	}
	return s.signalsEarly() && s.flag != nil && s.flag.Poll()
}

// Advance drives the state machine forward by as much as it can without
// blocking. It returns true once the state has reached PhaseComplete. The
// progress engine calls Advance repeatedly until that happens.
func (s *State) Advance() (bool, error) {
	switch s.phase {
	case PhaseWaitingForDeviceCopy:
		s.advanceWaitingForDeviceCopy()
	case PhaseTransportStarted:
		s.advanceTransportStarted()
	case PhaseSignaled:
		s.advanceSignaled()
	}
	if s.phase == PhaseComplete && s.release != nil {
		release := s.release
		s.release = nil
		release()
	}
	return s.phase == PhaseComplete, s.transportErr
}

// signalsEarly reports whether this state's template releases its flag as
// soon as the initial device-to-host copy lands, before the transport call
// even begins: SignalAtStart always, SignalNonRootEarly on a non-root rank.
// Every other template signals once the transport call completes.
func (s *State) signalsEarly() bool {
	switch s.template {
	case SignalAtStart:
		return true
	case SignalNonRootEarly:
		return !s.isRoot
	default:
		return false
	}
}

func (s *State) advanceWaitingForDeviceCopy() {
	if s.copyToHostEvt != nil && !s.copyToHostEvt.Query() {
		return
	}
	if s.signalsEarly() {
		s.signalOnce()
	}
	s.phase = PhaseTransportStarted
}

func (s *State) advanceTransportStarted() {
	if !s.started {
		s.started = true
		s.resultCh = make(chan error, 1)
		s.log.Debug("transport call starting",
			zap.Stringer("template", s.template),
			zap.Int("stream", s.stream.ID()))
		go func() {
			s.resultCh <- s.run()
		}()
	}
	select {
	case err := <-s.resultCh:
		s.transportErr = err
	default:
		return
	}
	// signalOnce is a no-op if signalsEarly already released the flag;
	// otherwise this is the signal point for every remaining template
	// (SignalAtEnd, PureTransport, a root rank under SignalNonRootEarly),
	// and on a transport error too — a failed collective still unblocks
	// whatever is waiting on it. Either way the stream-embedded copy-back
	// task (see collectives.go's armCompletion), which is blocked on this
	// same flag, can now proceed.
	s.signalOnce()
	s.phase = PhaseSignaled
}

// advanceSignaled waits for the stream-embedded copy-back — gated behind
// the same flag this state just signaled — to actually finish running
// before declaring the state complete, so release never returns pooled
// resources the copy-back task might still be touching.
func (s *State) advanceSignaled() {
	if s.copyFromHostEvt != nil && !s.copyFromHostEvt.Query() {
		return
	}
	s.phase = PhaseComplete
}

func (s *State) signalOnce() {
	if s.signaled {
		return
	}
	s.signaled = true
	if s.flag != nil {
		s.flag.Signal()
	}
}

// stateError wraps a transport failure observed by a State with the
// collective name and comm id, matching SPEC_FULL.md §7's TransportError.
func stateError(collective string, commID uint64, err error) error {
	if err == nil {
		return nil
	}
	return util.TransportErrorf(collective, commID, err)
}
