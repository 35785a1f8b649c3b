// Package driver defines the cluster driver adapter boundary — the four
// operations (Init/Join/Broadcast/Dispatch) and the delivery guarantees
// every membership-core implementation is built against. Two
// implementations live in subpackages: local (in-process, single
// sequencer, for deterministic tests) and etcd (production).
package driver

import "github.com/ridgestore/ridgestore/pkg/wire"

// Handlers are the three callbacks Dispatch invokes, exactly once per
// event, in the single global delivery order the driver guarantees.
type Handlers struct {
	OnViewJoin  func(joined wire.NodeID, members []wire.NodePair)
	OnViewLeave func(left wire.NodeID, members []wire.NodePair)
	OnNotify    func(from wire.NodeID, fromEntry wire.NodeEntry, op wire.Op, state wire.State, body []byte)
}

// Driver is the cluster driver adapter boundary (§4.A). A blocking poll
// loop keyed on a pollable file descriptor doesn't translate idiomatically
// to Go; Init instead returns a ready channel that receives whenever
// Dispatch has events waiting, the same shape the teacher's gossip
// package sketches for its channel transport.
type Driver interface {
	// Init registers h and returns a channel that is sent on whenever
	// Dispatch has at least one event pending, plus this node's assigned
	// identity.
	Init(h Handlers) (ready <-chan struct{}, self wire.NodeID, err error)

	// Join requests admission to the driver's group. It does not block
	// for the join protocol to complete — that happens through the
	// normal ViewJoin/Notify event stream — it only requests that this
	// node be added to the group the driver tracks.
	Join() error

	// Broadcast totally-orders body to every current member, including
	// self — self-delivery arrives back through OnNotify like any other
	// member's message.
	Broadcast(body []byte) error

	// Dispatch drains every event currently pending and invokes the
	// matching handler exactly once per event, in delivery order. It
	// never blocks waiting for new events; callers loop on the ready
	// channel from Init and call Dispatch each time it fires.
	Dispatch() error

	// Close disconnects from the group. After Close, Init's ready
	// channel is closed and no further events are delivered; on an
	// unexpected disconnect the driver closes ready on its own, and
	// the caller must treat that as the fatal EPOLLHUP-equivalent error
	// §4.A specifies.
	Close() error
}
