// Package local is an in-process cluster driver for deterministic tests:
// a single Cluster sequences every registered Driver's broadcasts and
// view-changes through one mutex-guarded delivery loop, the same total
// order a real group-communication toolkit gives for free, grounded on
// the teacher's pkg/gossip/transport.go comment describing a channel
// transport kept around for testing.
package local

import (
	"container/list"
	"errors"
	"sync"

	"github.com/ridgestore/ridgestore/internal/driver"
	"github.com/ridgestore/ridgestore/pkg/wire"
)

// Cluster is the shared total-order sequencer. Every Driver that Joins a
// Cluster sees the exact same interleaving of view-changes and notifies.
type Cluster struct {
	mu      sync.Mutex
	nextPID int64
	members []*Driver
}

// NewCluster creates an empty local cluster.
func NewCluster() *Cluster {
	return &Cluster{}
}

type eventKind int

const (
	evViewJoin eventKind = iota
	evViewLeave
	evNotify
)

type event struct {
	kind      eventKind
	joined    wire.NodeID
	left      wire.NodeID
	members   []wire.NodePair
	from      wire.NodeID
	fromEntry wire.NodeEntry
	op        wire.Op
	state     wire.State
	body      []byte
}

// Driver is one node's handle onto a Cluster.
type Driver struct {
	cluster *Cluster
	id      wire.NodeID
	entry   wire.NodeEntry

	mu       sync.Mutex
	queue    *list.List
	handlers driver.Handlers
	ready    chan struct{}
	joined   bool
	closed   bool
}

// NewDriver allocates a Driver identified by addr/port/zone/vnodes; call
// Join to admit it into cluster.
func NewDriver(cluster *Cluster, addr [16]byte, port uint16, zone uint32, vnodes uint16) *Driver {
	cluster.mu.Lock()
	cluster.nextPID++
	pid := cluster.nextPID
	cluster.mu.Unlock()

	return &Driver{
		cluster: cluster,
		id:      wire.NodeID{Addr: addr, PID: pid},
		entry:   wire.NodeEntry{Addr: addr, Port: port, Zone: zone, VNodes: vnodes},
		queue:   list.New(),
	}
}

func (d *Driver) Init(h driver.Handlers) (<-chan struct{}, wire.NodeID, error) {
	d.mu.Lock()
	d.handlers = h
	d.ready = make(chan struct{}, 1)
	d.mu.Unlock()
	return d.ready, d.id, nil
}

// Join admits d into its cluster. Every current member (d included)
// receives a ViewJoin event carrying the post-join roster, delivered
// under the cluster lock so the order is identical everywhere.
func (d *Driver) Join() error {
	d.cluster.mu.Lock()
	defer d.cluster.mu.Unlock()

	if d.joined {
		return errors.New("local: driver already joined")
	}
	d.cluster.members = append(d.cluster.members, d)
	d.joined = true

	snapshot := d.cluster.snapshotLocked()
	ev := event{kind: evViewJoin, joined: d.id, members: snapshot}
	for _, m := range d.cluster.members {
		m.push(ev)
	}
	return nil
}

// Leave removes d from its cluster and notifies every remaining member.
func (d *Driver) Leave() error {
	d.cluster.mu.Lock()
	defer d.cluster.mu.Unlock()

	if !d.removeLocked() {
		return errors.New("local: driver not a member")
	}
	snapshot := d.cluster.snapshotLocked()
	ev := event{kind: evViewLeave, left: d.id, members: snapshot}
	for _, m := range d.cluster.members {
		m.push(ev)
	}
	d.push(ev)
	return nil
}

func (d *Driver) removeLocked() bool {
	for i, m := range d.cluster.members {
		if m == d {
			d.cluster.members = append(d.cluster.members[:i], d.cluster.members[i+1:]...)
			d.joined = false
			return true
		}
	}
	return false
}

func (c *Cluster) snapshotLocked() []wire.NodePair {
	out := make([]wire.NodePair, 0, len(c.members))
	for _, m := range c.members {
		out = append(out, wire.NodePair{ID: m.id, Entry: m.entry})
	}
	return out
}

// Broadcast delivers body, prefixed by a decoded wire.Header, to every
// current member including self.
func (d *Driver) Broadcast(body []byte) error {
	h, off, err := wire.DecodeHeader(body)
	if err != nil {
		return err
	}
	rest := body[off:]

	d.cluster.mu.Lock()
	defer d.cluster.mu.Unlock()
	ev := event{kind: evNotify, from: h.From, fromEntry: h.FromEntry, op: h.Op, state: h.State, body: rest}
	for _, m := range d.cluster.members {
		m.push(ev)
	}
	return nil
}

func (d *Driver) push(ev event) {
	d.mu.Lock()
	d.queue.PushBack(ev)
	ready := d.ready
	d.mu.Unlock()
	if ready != nil {
		select {
		case ready <- struct{}{}:
		default:
		}
	}
}

// Dispatch drains every event currently queued for d.
func (d *Driver) Dispatch() error {
	for {
		d.mu.Lock()
		front := d.queue.Front()
		if front == nil {
			d.mu.Unlock()
			return nil
		}
		d.queue.Remove(front)
		h := d.handlers
		d.mu.Unlock()

		ev := front.Value.(event)
		switch ev.kind {
		case evViewJoin:
			if h.OnViewJoin != nil {
				h.OnViewJoin(ev.joined, ev.members)
			}
		case evViewLeave:
			if h.OnViewLeave != nil {
				h.OnViewLeave(ev.left, ev.members)
			}
		case evNotify:
			if h.OnNotify != nil {
				h.OnNotify(ev.from, ev.fromEntry, ev.op, ev.state, ev.body)
			}
		}
	}
}

// Close removes d from its cluster, if still a member, and closes ready.
func (d *Driver) Close() error {
	d.cluster.mu.Lock()
	d.removeLocked()
	d.cluster.mu.Unlock()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if d.ready != nil {
		close(d.ready)
	}
	return nil
}

// ID reports the NodeID this driver was assigned.
func (d *Driver) ID() wire.NodeID { return d.id }

// Entry reports the NodeEntry this driver advertises.
func (d *Driver) Entry() wire.NodeEntry { return d.entry }

var _ driver.Driver = (*Driver)(nil)
