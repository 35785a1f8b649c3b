// Package events implements the single-consumer event serializer: one
// FIFO carrying membership and client-request events, drained by exactly
// one worker so that no request executes under a stale epoch and no
// membership change races an in-flight I/O.
//
// The FIFO itself is a container/list.List, the same structure the
// teacher used for its own single ordered collection (a cache's LRU
// list) — here it orders cluster events instead of cache entries.
package events

import (
	"container/list"
	"sync"

	"github.com/ridgestore/ridgestore/pkg/wire"
)

// Kind tags which of the four disjoint payloads an Event carries.
type Kind uint8

const (
	KindViewJoin Kind = iota
	KindViewLeave
	KindNotify
	KindRequest
)

func (k Kind) String() string {
	switch k {
	case KindViewJoin:
		return "ViewJoin"
	case KindViewLeave:
		return "ViewLeave"
	case KindNotify:
		return "Notify"
	case KindRequest:
		return "Request"
	default:
		return "Unknown"
	}
}

func (k Kind) isMembership() bool { return k == KindViewJoin || k == KindViewLeave || k == KindNotify }

// ViewJoin is delivered when the driver reports a node joining the group.
// Members carries the post-join roster with full NodeEntry info, as the
// driver adapter reports it — not just bare ids — so the handler can
// populate the transport roster without a separate lookup round trip.
type ViewJoin struct {
	Joined  wire.NodeID
	Members []wire.NodePair
}

// ViewLeave is delivered when the driver reports a node leaving the group.
type ViewLeave struct {
	Left    wire.NodeID
	Members []wire.NodePair
}

// Notify is a delivered broadcast message (Join, Leave, VDIOp,
// MasterChanged, MasterTransfer) at a given protocol state.
type Notify struct {
	Op        wire.Op
	State     wire.State
	From      wire.NodeID
	FromEntry wire.NodeEntry
	Body      []byte
}

// IsJoin reports whether this notify carries a Join message.
func (n Notify) IsJoin() bool { return n.Op == wire.OpJoin }

// Request is a client I/O event: either a direct request (executed
// locally) or one forwarded to the gateway pool.
type Request struct {
	OID    uint64
	Epoch  uint32
	Direct bool
	Body   []byte

	// Result receives exactly one status once the request completes,
	// whichever way it resolves (dispatched-and-done, fast-failed, or
	// parked-then-released).
	Result chan wire.Status
}

// Event is the tagged union the FIFO carries.
type Event struct {
	Kind      Kind
	ViewJoin  *ViewJoin
	ViewLeave *ViewLeave
	Notify    *Notify
	Request   *Request

	// skip is set during Fn when the event turns out not to apply (e.g.
	// a Notify arrived before this node finished joining and isn't
	// addressed to this node's own in-flight join); Done discards it
	// without mutation.
	skip bool
}

// Skip marks ev to be discarded at Done without mutation. Handlers call
// this from Fn.
func (e *Event) Skip() { e.skip = true }

// Handler runs the two phases of every non-request event. Fn runs on
// the serializer's Run goroutine without the serializer's lock held (it
// may block on I/O, e.g. broadcasting a response, and nothing else is
// scheduled until it returns) and may call ev.Skip(). Done then runs on
// the same goroutine with s passed so it can flip the suspended/joining gate
// before the next event is considered.
type Handler interface {
	Fn(ev *Event)
	Done(s *Serializer, ev *Event)
}

// Gate is the suspended/joining state machine: Idle -> Suspended ->
// Joining -> Idle. SetJoining also moves Idle -> Joining directly, which
// the coordinator does after broadcasting its own Join/INIT; Joining
// implies Suspended either way.
type Gate uint8

const (
	GateIdle Gate = iota
	GateSuspended
	GateJoining
)

func (g Gate) String() string {
	switch g {
	case GateIdle:
		return "Idle"
	case GateSuspended:
		return "Suspended"
	case GateJoining:
		return "Joining"
	default:
		return "Unknown"
	}
}

// Dispatcher submits a dispatched (non-parked, non-fast-failed) request
// to the I/O worker pool (direct) or the gateway forwarding pool
// (forwarded); it must eventually call complete exactly once.
type Dispatcher func(ev *Event, complete func(wire.Status))

// Recovering reports whether oid is currently under recovery — such
// requests are fast-failed (direct) or parked (forwarded), per the
// scheduling rule.
type Recovering func(oid uint64) bool

// LocalEpoch returns the node's current epoch for the request-epoch
// check.
type LocalEpoch func() uint32

// LocallyOwned reports whether oid is owned by this node, which gates
// whether an epoch mismatch fails Old/NewNodeVer or is allowed through.
type LocallyOwned func(oid uint64) bool

// Serializer is the single-consumer FIFO described in 4.D.
type Serializer struct {
	mu      sync.Mutex
	queue   *list.List // of *Event
	wake    chan struct{}
	stop    chan struct{}
	stopped chan struct{}

	running bool
	gate    Gate

	nrOutstandingIO int
	locked          map[uint64]int      // oid -> count of outstanding mutating requests
	waiting         map[uint64][]*Event // oid -> parked requests awaiting lock/recovery clear

	handler    Handler
	dispatch   Dispatcher
	recovering Recovering
	epoch      LocalEpoch
	ownedLocal LocallyOwned
}

// New creates a Serializer. Any of the callback parameters may be nil;
// sane no-op defaults are substituted (recovering always false, epoch
// always 0, ownedLocal always true, dispatch completes
// immediately with Success).
func New(handler Handler, dispatch Dispatcher, recovering Recovering, epoch LocalEpoch, owned LocallyOwned) *Serializer {
	if dispatch == nil {
		dispatch = func(ev *Event, complete func(wire.Status)) { complete(wire.StatusSuccess) }
	}
	if recovering == nil {
		recovering = func(uint64) bool { return false }
	}
	if epoch == nil {
		epoch = func() uint32 { return 0 }
	}
	if owned == nil {
		owned = func(uint64) bool { return true }
	}
	return &Serializer{
		queue:      list.New(),
		wake:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
		stopped:    make(chan struct{}),
		locked:     make(map[uint64]int),
		waiting:    make(map[uint64][]*Event),
		handler:    handler,
		dispatch:   dispatch,
		recovering: recovering,
		epoch:      epoch,
		ownedLocal: owned,
	}
}

func (s *Serializer) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Push enqueues ev at the tail of the FIFO.
func (s *Serializer) Push(ev *Event) {
	s.mu.Lock()
	s.queue.PushBack(ev)
	s.mu.Unlock()
	s.notify()
}

// Suspended reports whether the gate is Suspended or Joining.
func (s *Serializer) Suspended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gate != GateIdle
}

// Joining reports whether the gate is Joining specifically.
func (s *Serializer) Joining() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gate == GateJoining
}

// SetSuspended enters the Suspended gate. Called from a Handler's Done.
func (s *Serializer) SetSuspended() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gate == GateIdle {
		s.gate = GateSuspended
	}
}

// SetJoining strengthens Suspended into Joining. Called from a
// Handler's Done after dispatching this node's own Join/INIT.
func (s *Serializer) SetJoining() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gate = GateJoining
}

// ClearSuspended drops back to Idle from either Suspended or Joining — a
// Notify with state=FIN does this; if that notify is a Join, the caller
// also clears joining (which ClearSuspended already implies, since
// Joining is a strict strengthening of Suspended).
func (s *Serializer) ClearSuspended() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gate = GateIdle
}

// Run drains the FIFO until Stop is called. It must run on its own
// goroutine; it is the sole mutator of Serializer and (indirectly,
// through Handler.Done) of the membership Core.
func (s *Serializer) Run() {
	defer close(s.stopped)
	for {
		ev := s.scheduleNext()
		if ev == nil {
			select {
			case <-s.stop:
				return
			case <-s.wake:
				continue
			}
		}
		s.runEvent(ev)
	}
}

// Stop asks Run to return after draining no further events, and waits
// for it to do so.
func (s *Serializer) Stop() {
	close(s.stop)
	<-s.stopped
}

// scheduleNext implements the 4.D scheduling rule: drain leading Request
// events (checking recovery/lock/epoch, dispatching or parking each),
// then — provided nr_outstanding_io is 0 and nothing running — pop and
// return the next membership event for runEvent to process. Returns nil
// if nothing can proceed right now.
func (s *Serializer) scheduleNext() *Event {
	s.mu.Lock()

	if s.running {
		s.mu.Unlock()
		return nil
	}

	var pending []func()
	for {
		front := s.queue.Front()
		if front == nil {
			s.mu.Unlock()
			s.fireAll(pending)
			return nil
		}
		ev := front.Value.(*Event)

		if ev.Kind.isMembership() {
			break
		}

		// ev.Kind == KindRequest
		s.queue.Remove(front)
		pending = append(pending, s.handleRequestLocked(ev.Request)...)
	}

	// Step 4: membership must not advance while I/O straddles epochs.
	if s.nrOutstandingIO > 0 {
		s.mu.Unlock()
		s.fireAll(pending)
		return nil
	}

	front := s.queue.Front()
	ev := front.Value.(*Event)

	if ev.Kind == KindNotify && ev.Notify != nil && s.gate != GateIdle {
		// A Notify with state=INIT may not execute while a join round is
		// in flight on this node, per 4.D; it stays queued until the
		// matching FIN clears the gate, same as the running-view-change
		// wait.
		if ev.Notify.State == wire.StateInit {
			s.mu.Unlock()
			s.fireAll(pending)
			return nil
		}
	}

	s.queue.Remove(front)
	s.running = true
	s.mu.Unlock()
	s.fireAll(pending)
	return ev
}

func (s *Serializer) fireAll(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}

// handleRequestLocked evaluates one Request against recovery/lock/epoch
// gates and either fast-fails, parks, or dispatches it. Caller holds mu.
// It never sends on req.Result itself — the send is returned as a thunk
// so the caller can run it after releasing mu, keeping a slow reader on
// the other end from stalling the whole FIFO.
func (s *Serializer) handleRequestLocked(req *Request) []func() {
	fail := func(status wire.Status) []func() {
		return []func(){func() { req.Result <- status }}
	}

	if s.gate == GateJoining && req.Direct {
		return fail(wire.StatusNewNodeVer)
	}
	if s.recovering(req.OID) {
		if req.Direct {
			return fail(wire.StatusNewNodeVer)
		}
		s.waiting[req.OID] = append(s.waiting[req.OID], &Event{Kind: KindRequest, Request: req})
		return nil
	}
	if s.locked[req.OID] > 0 {
		s.waiting[req.OID] = append(s.waiting[req.OID], &Event{Kind: KindRequest, Request: req})
		return nil
	}
	if req.Epoch != s.epoch() && s.ownedLocal(req.OID) {
		if req.Direct {
			return fail(wire.StatusNewNodeVer)
		}
		return fail(wire.StatusOldNodeVer)
	}

	s.locked[req.OID]++
	s.nrOutstandingIO++
	dispatchEv := &Event{Kind: KindRequest, Request: req}
	return []func(){func() {
		s.dispatch(dispatchEv, func(status wire.Status) {
			s.completeRequest(req, status)
		})
	}}
}

func (s *Serializer) completeRequest(req *Request, status wire.Status) {
	s.mu.Lock()
	s.locked[req.OID]--
	if s.locked[req.OID] <= 0 {
		delete(s.locked, req.OID)
	}
	s.nrOutstandingIO--
	parked := s.waiting[req.OID]
	delete(s.waiting, req.OID)
	s.mu.Unlock()

	req.Result <- status
	s.notify()

	for _, pev := range parked {
		s.mu.Lock()
		s.queue.PushFront(pev)
		s.mu.Unlock()
	}
	if len(parked) > 0 {
		s.notify()
	}
}

// runEvent drives one membership event's Fn (off-lock) then Done
// (mutating), then clears running and wakes the scheduler again.
func (s *Serializer) runEvent(ev *Event) {
	s.handler.Fn(ev)

	if ev.skip {
		s.finishEvent()
		return
	}

	s.handler.Done(s, ev)

	if ev.Kind == KindNotify && ev.Notify != nil && ev.Notify.State == wire.StateFin {
		s.ClearSuspended()
	}

	s.finishEvent()
}

func (s *Serializer) finishEvent() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	s.notify()
}

// Len reports the current FIFO depth, for telemetry.
func (s *Serializer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}
