// Package membership holds the single shared structure the event
// serializer mutates: rosters, epoch, cluster status, and the snapshots
// the I/O path reads without going through the serializer.
package membership

import (
	"sort"
	"sync"

	"github.com/ridgestore/ridgestore/pkg/ring"
	"github.com/ridgestore/ridgestore/pkg/wire"
)

// ClusterStatus mirrors spec.md's enumeration of cluster-wide formatting
// and join-quorum state.
type ClusterStatus uint8

const (
	// StatusWaitForFormat is entered by the first node in the group when
	// its epoch log is empty: no cluster has ever existed here.
	StatusWaitForFormat ClusterStatus = iota
	// StatusWaitForJoin is entered when a cluster previously existed but
	// not every previously-known node has rejoined yet.
	StatusWaitForJoin
	// StatusOk is full quorum: the cluster is serving client requests.
	StatusOk
	// StatusHalt is like Ok but I/O is administratively suspended.
	StatusHalt
	// StatusShutdown is the terminal state after an orderly shutdown.
	StatusShutdown
	// StatusJoinFailed means this node's own join was rejected; it has
	// downgraded to gateway-only and is exiting the cluster.
	StatusJoinFailed
)

func (s ClusterStatus) String() string {
	switch s {
	case StatusWaitForFormat:
		return "WaitForFormat"
	case StatusWaitForJoin:
		return "WaitForJoin"
	case StatusOk:
		return "Ok"
	case StatusHalt:
		return "Halt"
	case StatusShutdown:
		return "Shutdown"
	case StatusJoinFailed:
		return "JoinFailed"
	default:
		return "Unknown"
	}
}

// Node is one roster entry: the driver-level identity plus the
// storage-level entry (address/port/zone/vnode weight).
type Node struct {
	ID    wire.NodeID
	Entry wire.NodeEntry
}

// Core is the single shared membership structure. All mutation happens
// on the event serializer's worker goroutine; every other goroutine must
// go through the read accessors, which take a read lock and return
// copies that may be one event stale.
type Core struct {
	mu sync.RWMutex

	epoch        uint32
	status       ClusterStatus
	joinFinished bool
	selfID       wire.NodeID

	// transport is every node the driver currently reports as a group
	// member, keyed by NodeID.String(); storage is the subset whose join
	// has been ratified by a Join/FIN.
	transport map[string]Node
	storage   map[string]Node
	// leave holds nodes known to the epoch log but not currently present,
	// used to evaluate the WaitForJoin quorum formula.
	leave map[string]Node

	vnodes   *ring.HashRing
	vdiInUse map[uint32]bool
}

// NewCore creates an empty Core for selfID. vnodeReplicas/vnodeHash
// configure the virtual-node ring used for replica placement.
func NewCore(selfID wire.NodeID, vnodeReplicas int, hash ring.Hasher) *Core {
	return &Core{
		selfID:    selfID,
		transport: make(map[string]Node),
		storage:   make(map[string]Node),
		leave:     make(map[string]Node),
		vnodes:    ring.New(vnodeReplicas, hash),
		vdiInUse:  make(map[uint32]bool),
	}
}

// Epoch returns the current epoch.
func (c *Core) Epoch() uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.epoch
}

// SetEpoch sets the current epoch. Called only by the serializer worker.
func (c *Core) SetEpoch(e uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch = e
}

// Status returns the current cluster status.
func (c *Core) Status() ClusterStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// SetStatus sets the current cluster status.
func (c *Core) SetStatus(s ClusterStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = s
}

// JoinFinished reports whether this node's own join has been ratified.
func (c *Core) JoinFinished() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.joinFinished
}

// SetJoinFinished marks this node's join as ratified.
func (c *Core) SetJoinFinished(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joinFinished = v
}

// AddTransport records a node reported present by the driver's view-change,
// before its join has been ratified.
func (c *Core) AddTransport(n Node) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transport[n.ID.String()] = n
}

// RemoveTransport drops a node from the transport roster. Callers also
// call RemoveStorage separately — a driver view-change removing a NodeId
// takes it out of both rosters per the Lifecycle rule.
func (c *Core) RemoveTransport(id wire.NodeID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.transport, id.String())
}

// PromoteToStorage migrates a transport-roster node into the storage
// roster (a ratified Join/FIN) and adds its virtual nodes to the ring.
func (c *Core) PromoteToStorage(n Node) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.storage[n.ID.String()] = n
	weight := int(n.Entry.VNodes)
	c.vnodes.Add(n.ID.String(), n.Entry.String(), n.Entry.Zone, weight)
}

// RemoveStorage evicts a node from the storage roster and its virtual
// nodes from the ring.
func (c *Core) RemoveStorage(id wire.NodeID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.storage, id.String())
	c.vnodes.Remove(id.String())
}

// AddLeave records id (with its last-known entry) in the leave list.
func (c *Core) AddLeave(n Node) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leave[n.ID.String()] = n
}

// ClearLeave empties the leave list — done whenever a Join/FIN or
// Leave/FIN has been applied while status is Ok/Halt.
func (c *Core) ClearLeave() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leave = make(map[string]Node)
}

// StorageCount returns the size of the storage roster.
func (c *Core) StorageCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.storage)
}

// LeaveCount returns the size of the leave list.
func (c *Core) LeaveCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.leave)
}

// QuorumHolds evaluates the WaitForJoin quorum formula against
// nrKnown = |epoch_log[epoch]|. It returns (holds, incEpoch): holds is
// true the moment storage ∪ leave == epoch_log[epoch]; incEpoch is true
// when that match was only reached by counting known-dead members from
// the leave list (the remainder-are-known-dead case).
func (c *Core) QuorumHolds(nrKnown int) (holds bool, incEpoch bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	nrPresent := len(c.storage)
	nrLeave := len(c.leave)
	if nrKnown == nrPresent {
		return true, false
	}
	if nrKnown == nrPresent+nrLeave {
		return true, true
	}
	return false, false
}

// OrderedNodeList returns the storage roster sorted by NodeEntry order
// (addr, then port) — the deterministic total order invariant 2
// requires for master election and Join/FIN roster embedding.
func (c *Core) OrderedNodeList() []Node {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Node, 0, len(c.storage))
	for _, n := range c.storage {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Entry.Compare(out[j].Entry) < 0 })
	return out
}

// OrderedLeaveList returns the leave list in the same deterministic
// order as OrderedNodeList, for embedding in Join/FIN responses.
func (c *Core) OrderedLeaveList() []Node {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Node, 0, len(c.leave))
	for _, n := range c.leave {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Entry.Compare(out[j].Entry) < 0 })
	return out
}

// IsMaster reports whether selfID is first in the storage roster's
// deterministic order — invariant 2's "first in order becomes master,
// no negotiation". An empty roster (the first node, before its own
// join has been ratified) is trivially mastered by self.
func (c *Core) IsMaster() bool {
	ordered := c.OrderedNodeList()
	if len(ordered) == 0 {
		return true
	}
	return ordered[0].ID == c.SelfID()
}

// SelfID returns this node's driver-assigned identity.
func (c *Core) SelfID() wire.NodeID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.selfID
}

// BindSelf sets selfID after construction, for drivers (etcd's lease-based
// one) that only learn a node's identity once Init has run. Callers must
// bind before Join so no event is ever processed under the wrong identity.
func (c *Core) BindSelf(id wire.NodeID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.selfID = id
}

// VnodeRing exposes the virtual-node ring for placement queries. The ring
// has its own locking; callers must still treat the result as a snapshot
// that may be one event stale, per the package-level read-only-snapshot
// policy.
func (c *Core) VnodeRing() *ring.HashRing {
	return c.vnodes
}

// MarkVDIInUse mirrors a VDI_OP/FIN side effect onto the local
// in-use bitmap.
func (c *Core) MarkVDIInUse(id uint32, inUse bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if inUse {
		c.vdiInUse[id] = true
	} else {
		delete(c.vdiInUse, id)
	}
}

// IsVDIInUse reports the mirrored in-use bit for a VDI id.
func (c *Core) IsVDIInUse(id uint32) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vdiInUse[id]
}
