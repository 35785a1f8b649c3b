// Package coordinator implements events.Handler: it is the glue between
// a driver.Driver's delivery stream, the event serializer's fn/done
// phases, and internal/protocol's pure join/leave/vdi-op/master-transfer
// functions. It is the one place I/O (broadcasts, majority-check dials)
// and membership mutation meet, kept apart by running the former in Fn
// and the latter in Done, per the serializer's own contract.
package coordinator

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ridgestore/ridgestore/internal/driver"
	"github.com/ridgestore/ridgestore/internal/epochlog"
	"github.com/ridgestore/ridgestore/internal/events"
	"github.com/ridgestore/ridgestore/internal/membership"
	"github.com/ridgestore/ridgestore/internal/objectstore"
	"github.com/ridgestore/ridgestore/internal/protocol"
	"github.com/ridgestore/ridgestore/internal/telemetry"
	"github.com/ridgestore/ridgestore/internal/vdi"
	"github.com/ridgestore/ridgestore/pkg/health"
	"github.com/ridgestore/ridgestore/pkg/wire"
)

// rosterPeers converts the live storage roster into the health.Peer list
// CheckMajority dials. It is read before the departing node is removed,
// matching group.c's check_majority counting nr_nodes from the full
// sd_node_list still including the node on its way out.
func rosterPeers(core *membership.Core) []health.Peer {
	nodes := core.OrderedNodeList()
	out := make([]health.Peer, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, health.Peer{ID: n.ID.String(), Addr: n.Entry.String()})
	}
	return out
}

// Coordinator owns the event serializer and drives the driver loop. One
// Coordinator exists per node process.
type Coordinator struct {
	core  *membership.Core
	log   *epochlog.Log
	table *vdi.Table
	store *objectstore.Store
	drv   driver.Driver
	ser   *events.Serializer
	dial  health.Dialer
	now   func() uint64

	selfEntry wire.NodeEntry

	// reqSeq assigns ReqID to locally-originated VDI ops.
	reqSeq uint64

	mu                sync.Mutex
	pendingVDI        map[uint64]chan wire.VDIOpPayload
	lastLeaveHolds    bool
	Fenced            chan struct{}
	fencedOnce        sync.Once
	masterTransferred bool
}

// Config bundles what New needs beyond the shared core/log/table/store.
type Config struct {
	SelfEntry wire.NodeEntry
	Dial      health.Dialer
	Now       func() uint64
}

// New wires a Coordinator around core/log/table/store/drv. It does not
// start the driver loop — call Run for that, typically from cmd/ridged
// on its own goroutine.
func New(core *membership.Core, log *epochlog.Log, table *vdi.Table, store *objectstore.Store, drv driver.Driver, cfg Config) *Coordinator {
	now := cfg.Now
	if now == nil {
		now = func() uint64 { return uint64(time.Now().Unix()) }
	}
	dial := cfg.Dial
	if dial == nil {
		dial = health.TCPDialer
	}
	c := &Coordinator{
		core:       core,
		log:        log,
		table:      table,
		store:      store,
		drv:        drv,
		dial:       dial,
		now:        now,
		selfEntry:  cfg.SelfEntry,
		pendingVDI: make(map[uint64]chan wire.VDIOpPayload),
		Fenced:     make(chan struct{}),
	}
	c.ser = events.New(c, nil, store.IsRecovering, core.Epoch, c.locallyOwned)
	return c
}

func (c *Coordinator) locallyOwned(oid uint64) bool {
	key := []byte(fmt.Sprintf("%d", oid))
	owner := c.core.VnodeRing().Lookup(key)
	return owner == c.core.SelfID().String()
}

// Serializer exposes the underlying event serializer, e.g. for
// cmd/ridged to call Run/Stop and for pkg/gateway's request path (once
// wired) to Push Request events.
func (c *Coordinator) Serializer() *events.Serializer { return c.ser }

// Run starts the driver and feeds its delivery stream into the event
// serializer until ready closes (Close was called, or the driver
// disconnected unexpectedly). It must run on its own goroutine, same as
// Serializer.Run which the caller starts separately.
func (c *Coordinator) Run() error {
	ready, self, err := c.drv.Init(driver.Handlers{
		OnViewJoin:  c.onViewJoin,
		OnViewLeave: c.onViewLeave,
		OnNotify:    c.onNotify,
	})
	if err != nil {
		return fmt.Errorf("coordinator: driver init: %w", err)
	}
	if core := c.core; core.SelfID() != self {
		// local's driver assigns identity at construction, so core is
		// already seeded with it and this is a pure sanity check. etcd's
		// driver only learns a lease-derived identity here in Init, so
		// cmd/ridged builds the core with a zero-value placeholder and
		// this is where it gets bound for real. Anything else is a stale
		// core reused against a reinitialized driver.
		var zero wire.NodeID
		if core.SelfID() != zero {
			return fmt.Errorf("coordinator: driver self id %v does not match core self id %v", self, core.SelfID())
		}
		core.BindSelf(self)
	}
	if err := c.drv.Join(); err != nil {
		return fmt.Errorf("coordinator: driver join: %w", err)
	}
	for range ready {
		if err := c.drv.Dispatch(); err != nil {
			return fmt.Errorf("coordinator: dispatch: %w", err)
		}
	}
	return nil
}

func (c *Coordinator) onViewJoin(joined wire.NodeID, members []wire.NodePair) {
	c.ser.Push(&events.Event{Kind: events.KindViewJoin, ViewJoin: &events.ViewJoin{Joined: joined, Members: members}})
}

func (c *Coordinator) onViewLeave(left wire.NodeID, members []wire.NodePair) {
	c.ser.Push(&events.Event{Kind: events.KindViewLeave, ViewLeave: &events.ViewLeave{Left: left, Members: members}})
}

func (c *Coordinator) onNotify(from wire.NodeID, fromEntry wire.NodeEntry, op wire.Op, state wire.State, body []byte) {
	c.ser.Push(&events.Event{Kind: events.KindNotify, Notify: &events.Notify{
		Op: op, State: state, From: from, FromEntry: fromEntry, Body: append([]byte(nil), body...),
	}})
}

// MasterTransferred reports whether this node has broadcast or observed
// a MASTER_TRANSFER/FIN. The flag is only recorded: the coordinator keeps
// running, and IsMaster still follows the storage-roster order.
func (c *Coordinator) MasterTransferred() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.masterTransferred
}

func (c *Coordinator) refreshGauges() {
	telemetry.EpochGauge.Set(float64(c.core.Epoch()))
	telemetry.ClusterStatusGauge.Set(float64(c.core.Status()))
	isMaster := float64(0)
	if c.core.IsMaster() {
		isMaster = 1
	}
	telemetry.IsMasterGauge.Set(isMaster)
	telemetry.FifoDepthGauge.Set(float64(c.ser.Len()))
}

// Fn implements events.Handler. It runs on the serializer goroutine,
// outside the serializer's lock, and performs every blocking I/O step: the majority-check dials for a
// view-leave, and any broadcast a notify handler needs to issue.
func (c *Coordinator) Fn(ev *events.Event) {
	switch ev.Kind {
	case events.KindViewJoin:
		c.fnViewJoin(ev)
	case events.KindViewLeave:
		c.fnViewLeave(ev)
	case events.KindNotify:
		c.fnNotify(ev)
	}
}

// Done implements events.Handler. It runs on the serializer goroutine
// after Fn returns and is the only place membership/epoch-log state mutates.
func (c *Coordinator) Done(s *events.Serializer, ev *events.Event) {
	switch ev.Kind {
	case events.KindViewJoin:
		c.doneViewJoin(s, ev)
	case events.KindViewLeave:
		c.doneViewLeave(ev)
	case events.KindNotify:
		c.doneNotify(s, ev)
	}
	c.refreshGauges()
}

// isBootstrap reports whether ev is this node's own view-join arriving
// with an empty group — the "on_view_join(self, {self})" case in which
// this node is first and becomes master without a broadcast round trip.
func isBootstrap(core *membership.Core, ev *events.Event) bool {
	if ev.ViewJoin.Joined != core.SelfID() {
		return false
	}
	return len(ev.ViewJoin.Members) <= 1
}

func (c *Coordinator) fnViewJoin(ev *events.Event) {
	if c.core.JoinFinished() || isBootstrap(c.core, ev) {
		return
	}
	if ev.ViewJoin.Joined != c.core.SelfID() {
		return
	}
	// Our own admission into an existing group: broadcast Join/INIT
	// carrying what our epoch log knows. The current master answers
	// with FIN.
	latest, err := c.log.Latest()
	if err != nil {
		ev.Skip()
		return
	}
	var known []wire.NodePair
	if latest > 0 {
		rec, err := c.log.Read(latest)
		if err != nil {
			ev.Skip()
			return
		}
		known = rec.Nodes
	}
	h := wire.Header{ProtoVer: wire.ProtoVersion, From: c.core.SelfID(), FromEntry: c.selfEntry}
	msg := wire.EncodeJoin(h, wire.JoinPayload{Epoch: latest, Ctime: c.now(), Nodes: known})
	msg = setState(msg, wire.StateInit)
	if err := c.drv.Broadcast(msg); err != nil {
		ev.Skip()
	}
}

func (c *Coordinator) doneViewJoin(s *events.Serializer, ev *events.Event) {
	for _, m := range ev.ViewJoin.Members {
		c.core.AddTransport(membership.Node{ID: m.ID, Entry: m.Entry})
	}

	if isBootstrap(c.core, ev) && !c.core.JoinFinished() {
		latest, err := c.log.Latest()
		if err == nil {
			if latest == 0 {
				c.core.SetStatus(membership.StatusWaitForFormat)
			} else {
				c.core.SetEpoch(latest)
				c.core.SetStatus(membership.StatusWaitForJoin)
				c.core.PromoteToStorage(membership.Node{ID: c.core.SelfID(), Entry: c.selfEntry})
			}
			c.core.SetJoinFinished(true)
		}
	} else if ev.ViewJoin.Joined == c.core.SelfID() && !c.core.JoinFinished() {
		s.SetJoining()
	}
	telemetry.JoinsTotal.Inc()
}

func (c *Coordinator) fnViewLeave(ev *events.Event) {
	peers := rosterPeers(c.core)
	holds := protocol.CheckMajority(peers, c.core.SelfID().String(), ev.ViewLeave.Left.String(), c.dial)
	c.mu.Lock()
	c.lastLeaveHolds = holds
	c.mu.Unlock()
}

func (c *Coordinator) doneViewLeave(ev *events.Event) {
	c.mu.Lock()
	holds := c.lastLeaveHolds
	c.mu.Unlock()

	err := protocol.ApplyViewLeaveDecision(c.core, c.log, ev.ViewLeave.Left, holds, c.now())
	var fence protocol.ErrSelfFence
	if errors.As(err, &fence) {
		c.fence()
		return
	}
	telemetry.LeavesTotal.Inc()
}

func (c *Coordinator) fence() {
	c.fencedOnce.Do(func() {
		c.core.SetStatus(membership.StatusShutdown)
		close(c.Fenced)
	})
}

func (c *Coordinator) fnNotify(ev *events.Event) {
	n := ev.Notify
	switch n.Op {
	case wire.OpJoin:
		c.fnJoinNotify(ev)
	case wire.OpLeave:
		// No I/O phase: Leave/FIN is purely a membership mutation,
		// applied in Done.
	case wire.OpVDIOp:
		c.fnVDIOpNotify(ev)
	case wire.OpMasterTransfer:
		// No I/O phase: observed in Done by every node, including the
		// transferring master, which records it (see MasterTransferred).
	case wire.OpMasterChanged:
		// Informational only; no local state to mutate beyond what the
		// roster/epoch changes that triggered it already cover.
	default:
		ev.Skip()
	}
}

func (c *Coordinator) fnJoinNotify(ev *events.Event) {
	n := ev.Notify
	if n.State != wire.StateInit {
		return
	}
	if !c.core.IsMaster() {
		ev.Skip()
		return
	}
	payload, err := wire.DecodeJoinBody(n.Body)
	if err != nil {
		ev.Skip()
		return
	}

	epochToCheck := c.core.Epoch()
	var logNodes []wire.NodePair
	var localCtime uint64
	if rec, rErr := c.log.Read(epochToCheck); rErr == nil {
		logNodes = rec.Nodes
		localCtime = rec.Ctime
	}

	req := protocol.JoinRequest{
		Joiner:     wire.NodePair{ID: n.From, Entry: n.FromEntry},
		Epoch:      payload.Epoch,
		Ctime:      payload.Ctime,
		KnownNodes: payload.Nodes,
	}
	result := protocol.ClusterSanity(c.core.Status(), req, localCtime, epochToCheck, logNodes, c.core.StorageCount(), c.core.LeaveCount())

	if protocol.ShouldTransferMastership(result, req, epochToCheck) {
		h := wire.Header{ProtoVer: wire.ProtoVersion, From: c.core.SelfID(), FromEntry: c.selfEntry}
		msg := wire.EncodeMasterTransfer(h, wire.MastershipTransferPayload{Epoch: epochToCheck})
		msg = setState(msg, wire.StateFin)
		if err := c.drv.Broadcast(msg); err != nil {
			ev.Skip()
		}
		return
	}

	if result.Status == wire.StatusSuccess {
		result.Roster = buildRosterWithJoiner(c.core, req.Joiner)
	}
	if result.Status == wire.StatusSuccess && c.core.Status() == membership.StatusWaitForJoin {
		result.LeaveNodes = toNodePairsFromNodes(c.core.OrderedLeaveList())
	}

	ctime := localCtime
	if ctime == 0 {
		// WaitForFormat: no ctime has ever been recorded, so the joiner
		// that triggers formation supplies it.
		ctime = payload.Ctime
	}
	h := wire.Header{ProtoVer: wire.ProtoVersion, From: n.From, FromEntry: n.FromEntry}
	respPayload := wire.JoinPayload{
		Epoch:      epochToCheck,
		Ctime:      ctime,
		Result:     result.Status,
		Nodes:      result.Roster,
		LeaveNodes: result.LeaveNodes,
	}
	if result.IncEpoch {
		respPayload.IncEpoch = 1
	}
	msg := wire.EncodeJoin(h, respPayload)
	msg = setState(msg, wire.StateFin)
	if err := c.drv.Broadcast(msg); err != nil {
		ev.Skip()
	}
}

func toNodePairsFromNodes(nodes []membership.Node) []wire.NodePair {
	out := make([]wire.NodePair, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, wire.NodePair{ID: n.ID, Entry: n.Entry})
	}
	return out
}

// buildRosterWithJoiner returns the master's current storage roster plus
// joiner, in the same deterministic addr/port order membership.Core uses
// internally — this is what gets embedded in a successful Join/FIN so
// every node (including the joiner) agrees on the ratified roster.
func buildRosterWithJoiner(core *membership.Core, joiner wire.NodePair) []wire.NodePair {
	ordered := toNodePairsFromNodes(core.OrderedNodeList())
	out := append(ordered, joiner)
	sort.Slice(out, func(i, j int) bool { return out[i].Entry.Compare(out[j].Entry) < 0 })
	return out
}

func (c *Coordinator) doneNotify(s *events.Serializer, ev *events.Event) {
	n := ev.Notify
	switch n.Op {
	case wire.OpJoin:
		c.doneJoinNotify(s, ev)
	case wire.OpLeave:
		c.doneLeaveNotify(n)
	case wire.OpVDIOp:
		c.doneVDIOpNotify(n)
	case wire.OpMasterTransfer:
		c.mu.Lock()
		c.masterTransferred = true
		c.mu.Unlock()
		telemetry.MasterTransfersTotal.Inc()
	}
}

func (c *Coordinator) doneJoinNotify(s *events.Serializer, n *events.Event) {
	if n.Notify.State != wire.StateFin {
		return
	}
	payload, err := wire.DecodeJoinBody(n.Notify.Body)
	if err != nil {
		return
	}
	joiner := wire.NodePair{ID: n.Notify.From, Entry: n.Notify.FromEntry}
	result := protocol.JoinResult{
		Status:     payload.Result,
		IncEpoch:   payload.IncEpoch != 0,
		Roster:     payload.Nodes,
		LeaveNodes: payload.LeaveNodes,
	}
	if payload.Result != wire.StatusSuccess {
		if n.Notify.From == c.core.SelfID() {
			c.core.SetStatus(membership.StatusJoinFailed)
		}
		return
	}
	if _, err := protocol.ApplyJoinFin(c.core, c.log, joiner, result, payload.Ctime); err != nil {
		return
	}
	if n.Notify.From == c.core.SelfID() {
		c.core.SetJoinFinished(true)
	}
	if c.core.Status() == membership.StatusWaitForJoin {
		// The FIN payload can't distinguish "quorum just closed, no
		// epoch bump needed" from "still short a member" — both encode
		// as IncEpoch=0. Recompute locally against the roster this node
		// now holds instead of trusting an ambiguous wire signal.
		if rec, err := c.log.Read(c.core.Epoch()); err == nil {
			if holds, _ := c.core.QuorumHolds(len(rec.Nodes)); holds {
				c.core.SetStatus(membership.StatusOk)
			}
		}
	}
	if c.core.Status() == membership.StatusOk || c.core.Status() == membership.StatusHalt {
		c.core.ClearLeave()
		c.store.StartRecovery(c.core.Epoch(), nil)
	}
}

func (c *Coordinator) doneLeaveNotify(n *events.Notify) {
	if n.State != wire.StateFin {
		return
	}
	// The Leave body carries only the departing node's last-known epoch,
	// which distinguishes a clean departure from a crash at the driver
	// level; ApplyLeaveFin itself needs no more than the identity.
	protocol.ApplyLeaveFin(c.core, membership.Node{ID: n.From, Entry: n.FromEntry})
	if c.core.Status() == membership.StatusWaitForJoin {
		// A departure recorded on the leave list can close the quorum
		// through its known-dead branch, which bumps the epoch.
		if rec, err := c.log.Read(c.core.Epoch()); err == nil {
			if holds, inc := c.core.QuorumHolds(len(rec.Nodes)); holds {
				if inc {
					epoch := c.core.Epoch() + 1
					c.core.SetEpoch(epoch)
					_ = c.log.Write(epochlog.Record{Epoch: epoch, Ctime: rec.Ctime, Nodes: toNodePairsFromNodes(c.core.OrderedNodeList())})
				}
				c.core.SetStatus(membership.StatusOk)
			}
		}
	}
	if c.core.Status() == membership.StatusOk || c.core.Status() == membership.StatusHalt {
		c.core.ClearLeave()
		c.store.StartRecovery(c.core.Epoch(), nil)
	}
}

func (c *Coordinator) fnVDIOpNotify(ev *events.Event) {
	n := ev.Notify
	if n.State != wire.StateInit {
		return
	}
	if !c.core.IsMaster() {
		ev.Skip()
		return
	}
	payload, err := wire.DecodeVDIOpBody(n.Body)
	if err != nil {
		ev.Skip()
		return
	}
	resp := protocol.ApplyVDIOp(c.table, payload)
	h := wire.Header{ProtoVer: wire.ProtoVersion, From: n.From, FromEntry: n.FromEntry}
	msg := wire.EncodeVDIOp(h, resp)
	msg = setState(msg, wire.StateFin)
	if err := c.drv.Broadcast(msg); err != nil {
		ev.Skip()
	}
}

func (c *Coordinator) doneVDIOpNotify(n *events.Notify) {
	if n.State != wire.StateFin {
		return
	}
	payload, err := wire.DecodeVDIOpBody(n.Body)
	if err != nil {
		return
	}
	if err := protocol.ApplyVDIOpDone(c.core, c.log, payload, c.now(), c.selfEntry); err != nil {
		return
	}

	c.mu.Lock()
	ch, ok := c.pendingVDI[payload.ReqID]
	if ok {
		delete(c.pendingVDI, payload.ReqID)
	}
	c.mu.Unlock()
	if ok {
		ch <- payload
	}
}

// SubmitVDIOp is the pkg/gateway.Submitter this node uses when it is
// master's originator for a client VDI request: it assigns payload a
// fresh ReqID, broadcasts VDI_OP/INIT, and blocks until the matching
// VDI_OP/FIN is applied by Done.
func (c *Coordinator) SubmitVDIOp(payload wire.VDIOpPayload) (wire.VDIOpPayload, error) {
	c.mu.Lock()
	c.reqSeq++
	payload.ReqID = c.reqSeq
	ch := make(chan wire.VDIOpPayload, 1)
	c.pendingVDI[payload.ReqID] = ch
	c.mu.Unlock()

	h := wire.Header{ProtoVer: wire.ProtoVersion, From: c.core.SelfID(), FromEntry: c.selfEntry}
	msg := wire.EncodeVDIOp(h, payload)
	msg = setState(msg, wire.StateInit)
	if err := c.drv.Broadcast(msg); err != nil {
		c.mu.Lock()
		delete(c.pendingVDI, payload.ReqID)
		c.mu.Unlock()
		return wire.VDIOpPayload{}, fmt.Errorf("coordinator: broadcast vdi-op: %w", err)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-c.Fenced:
		return wire.VDIOpPayload{}, errors.New("coordinator: self-fenced while awaiting vdi-op response")
	}
}

// Leave broadcasts a Leave/FIN carrying this node's last-known epoch,
// then closes the driver. Callers should stop the serializer (and this
// Run loop, once ready closes as a side effect of Close) afterward.
func (c *Coordinator) Leave() error {
	payload := protocol.ApplyVoluntaryLeave(c.core)
	h := wire.Header{ProtoVer: wire.ProtoVersion, From: c.core.SelfID(), FromEntry: c.selfEntry}
	msg := wire.EncodeLeave(h, payload)
	msg = setState(msg, wire.StateFin)
	if err := c.drv.Broadcast(msg); err != nil {
		return fmt.Errorf("coordinator: broadcast leave: %w", err)
	}
	return c.drv.Close()
}

// setState patches the State byte of an already-encoded message in
// place — every Encode* helper hardcodes its own Op but leaves State at
// the caller's header value, so broadcast call sites that want INIT vs
// FIN on the same payload shape reuse one encode instead of duplicating
// the header fields twice.
func setState(msg []byte, state wire.State) []byte {
	if len(msg) > 3 {
		msg[3] = byte(state)
	}
	return msg
}
