package coordinator

import (
	"testing"
	"time"

	"github.com/go-test/deep"
	"github.com/stretchr/testify/require"

	"github.com/ridgestore/ridgestore/internal/driver/local"
	"github.com/ridgestore/ridgestore/internal/epochlog"
	"github.com/ridgestore/ridgestore/internal/membership"
	"github.com/ridgestore/ridgestore/internal/objectstore"
	"github.com/ridgestore/ridgestore/internal/vdi"
	"github.com/ridgestore/ridgestore/pkg/health"
	"github.com/ridgestore/ridgestore/pkg/ring"
	"github.com/ridgestore/ridgestore/pkg/wire"
)

// TestFullRestartWithCompleteQuorumReachesOk covers spec scenario 3: a
// three-node cluster that shut down at epoch 5 comes back up, each node
// starting in WaitForJoin against its own surviving epoch log, and
// reaches Ok once the third join is ratified. Per update_cluster_info's
// inc_epoch gating (it only fires on the "known-dead remainder" branch,
// never on "everyone rejoined"), the epoch is NOT bumped here — this
// deviates from spec.md's literal "epoch=6" wording, resolved in favor
// of the grounded original behavior (DESIGN.md Open Question #4).
func TestFullRestartWithCompleteQuorumReachesOk(t *testing.T) {
	require := require.New(t)
	cluster := local.NewCluster()

	// Build three bare coordinators first so seedRestartLog can name all
	// three as the pre-crash roster before any of them actually joins.
	drv1 := local.NewDriver(cluster, addr(1), 7000, 0, 64)
	drv2 := local.NewDriver(cluster, addr(2), 7001, 0, 64)
	drv3 := local.NewDriver(cluster, addr(3), 7002, 0, 64)
	skeleton := func(drv *local.Driver) *Coordinator {
		core := membership.NewCore(drv.ID(), 8, ring.FNV32a)
		log, err := epochlog.Open(t.TempDir())
		require.NoError(err)
		t.Cleanup(func() { _ = log.Close() })
		return New(core, log, vdi.NewTable(), objectstore.NewStore(1 << 20), drv, Config{SelfEntry: drv.Entry(), Now: func() uint64 { return 1000 }})
	}
	c1, c2, c3 := skeleton(drv1), skeleton(drv2), skeleton(drv3)
	for _, c := range []*Coordinator{c1, c2, c3} {
		rec := epochlog.Record{Epoch: 5, Ctime: 1000, Nodes: []wire.NodePair{
			{ID: c1.core.SelfID(), Entry: c1.selfEntry},
			{ID: c2.core.SelfID(), Entry: c2.selfEntry},
			{ID: c3.core.SelfID(), Entry: c3.selfEntry},
		}}
		require.NoError(c.log.Write(rec))
	}

	start := func(c *Coordinator, drv *local.Driver) {
		go c.ser.Run()
		t.Cleanup(c.ser.Stop)
		go func() { _ = c.Run() }()
		t.Cleanup(func() { _ = drv.Close() })
	}
	start(c1, drv1)
	waitFor(t, func() bool { return c1.core.JoinFinished() })
	require.Equal(membership.StatusWaitForJoin, c1.core.Status())

	start(c2, drv2)
	waitFor(t, func() bool { return c2.core.JoinFinished() })

	start(c3, drv3)
	waitFor(t, func() bool { return c3.core.JoinFinished() })

	waitFor(t, func() bool { return c1.core.Status() == membership.StatusOk })
	waitFor(t, func() bool { return c2.core.Status() == membership.StatusOk })
	waitFor(t, func() bool { return c3.core.Status() == membership.StatusOk })

	require.Equal(uint32(5), c1.core.Epoch())
	require.Equal(uint32(5), c2.core.Epoch())
	require.Equal(uint32(5), c3.core.Epoch())

	if diff := deep.Equal(orderedIDs(c1), orderedIDs(c2)); diff != nil {
		t.Fatalf("rosters diverged between n1 and n2: %v", diff)
	}
	if diff := deep.Equal(orderedIDs(c1), orderedIDs(c3)); diff != nil {
		t.Fatalf("rosters diverged between n1 and n3: %v", diff)
	}
}

// TestPartialRestartWithKnownDeadPeerBumpsEpoch covers spec scenario 4:
// N3 never rejoins; its absence is reported by a simulated Leave/FIN
// (spec.md's own "(simulated)" framing — a real N3 would have broadcast
// this on its way down). Once N1 and N2 rejoin and that leave is
// observed, the known-dead-remainder branch of the quorum formula fires
// and the epoch is bumped.
func TestPartialRestartWithKnownDeadPeerBumpsEpoch(t *testing.T) {
	require := require.New(t)
	cluster := local.NewCluster()

	drv1 := local.NewDriver(cluster, addr(1), 7000, 0, 64)
	drv2 := local.NewDriver(cluster, addr(2), 7001, 0, 64)
	n3ID := local.NewDriver(cluster, addr(3), 7002, 0, 64).ID()
	n3Entry := wire.NodeEntry{Addr: addr(3), Port: 7002}

	skeleton := func(drv *local.Driver) *Coordinator {
		core := membership.NewCore(drv.ID(), 8, ring.FNV32a)
		log, err := epochlog.Open(t.TempDir())
		require.NoError(err)
		t.Cleanup(func() { _ = log.Close() })
		return New(core, log, vdi.NewTable(), objectstore.NewStore(1 << 20), drv, Config{SelfEntry: drv.Entry(), Now: func() uint64 { return 1000 }})
	}
	c1, c2 := skeleton(drv1), skeleton(drv2)
	for _, c := range []*Coordinator{c1, c2} {
		rec := epochlog.Record{Epoch: 5, Ctime: 1000, Nodes: []wire.NodePair{
			{ID: c1.core.SelfID(), Entry: c1.selfEntry},
			{ID: c2.core.SelfID(), Entry: c2.selfEntry},
			{ID: n3ID, Entry: n3Entry},
		}}
		require.NoError(c.log.Write(rec))
	}

	start := func(c *Coordinator, drv *local.Driver) {
		go c.ser.Run()
		t.Cleanup(c.ser.Stop)
		go func() { _ = c.Run() }()
		t.Cleanup(func() { _ = drv.Close() })
	}
	start(c1, drv1)
	waitFor(t, func() bool { return c1.core.JoinFinished() })
	start(c2, drv2)
	waitFor(t, func() bool { return c2.core.JoinFinished() })

	// N3 never rejoins. Broadcast the Leave/FIN it would have sent on
	// its way down, naming itself as the departing node.
	h := wire.Header{ProtoVer: wire.ProtoVersion, From: n3ID, FromEntry: n3Entry}
	msg := wire.EncodeLeave(h, wire.LeavePayload{Epoch: 5})
	msg = setState(msg, wire.StateFin)
	require.NoError(drv1.Broadcast(msg))

	waitFor(t, func() bool { return c1.core.Status() == membership.StatusOk })
	waitFor(t, func() bool { return c2.core.Status() == membership.StatusOk })

	require.Equal(uint32(6), c1.core.Epoch())
	require.Equal(uint32(6), c2.core.Epoch())
	require.Equal(2, c1.core.StorageCount())
}

// TestMasterTransferOnEpochMismatch covers spec scenario 6: a joiner
// reports an epoch higher than the master's own. The master transfers
// mastership (broadcasts MasterTransfer/FIN) and records the transfer
// rather than admitting the joiner.
func TestMasterTransferOnEpochMismatch(t *testing.T) {
	require := require.New(t)
	cluster := local.NewCluster()

	drv1 := local.NewDriver(cluster, addr(1), 7000, 0, 64)
	core1 := membership.NewCore(drv1.ID(), 8, ring.FNV32a)
	log1, err := epochlog.Open(t.TempDir())
	require.NoError(err)
	t.Cleanup(func() { _ = log1.Close() })
	c1 := New(core1, log1, vdi.NewTable(), objectstore.NewStore(1 << 20), drv1, Config{SelfEntry: drv1.Entry(), Now: func() uint64 { return 1000 }})
	require.NoError(log1.Write(epochlog.Record{Epoch: 5, Ctime: 1000, Nodes: []wire.NodePair{{ID: drv1.ID(), Entry: drv1.Entry()}}}))

	go c1.ser.Run()
	t.Cleanup(c1.ser.Stop)
	go func() { _ = c1.Run() }()
	t.Cleanup(func() { _ = drv1.Close() })
	waitFor(t, func() bool { return c1.core.JoinFinished() })
	require.Equal(membership.StatusWaitForJoin, c1.core.Status())
	// Force this solo node straight to Ok so it is acting as a real
	// master at a fixed epoch, as ClusterSanity's Ok/Halt branch expects.
	c1.core.SetStatus(membership.StatusOk)

	joinerID := local.NewDriver(cluster, addr(9), 7999, 0, 64).ID()
	joinerEntry := wire.NodeEntry{Addr: addr(9), Port: 7999}
	h := wire.Header{ProtoVer: wire.ProtoVersion, From: joinerID, FromEntry: joinerEntry}
	msg := wire.EncodeJoin(h, wire.JoinPayload{Epoch: 7, Ctime: 1000})
	msg = setState(msg, wire.StateInit)
	require.NoError(drv1.Broadcast(msg))

	waitFor(t, func() bool { return c1.MasterTransferred() })
	require.Equal(uint32(5), c1.core.Epoch(), "master transfer must not itself mutate the epoch")
}

// TestMinorityPartitionSelfFences covers spec scenario 5: a node that
// observes on_view_leave while holding a storage roster of 3+ and
// cannot TCP-reach a majority of the remainder self-fences rather than
// continuing to serve as part of a split cluster.
func TestMinorityPartitionSelfFences(t *testing.T) {
	cluster := local.NewCluster()
	drv := local.NewDriver(cluster, addr(1), 7000, 0, 64)
	core := membership.NewCore(drv.ID(), 8, ring.FNV32a)
	log, err := epochlog.Open(t.TempDir())
	if err != nil {
		t.Fatalf("epochlog.Open: %v", err)
	}
	t.Cleanup(func() { _ = log.Close() })

	unreachable := func(addr string, _ time.Duration) error { return errUnreachable }
	c := New(core, log, vdi.NewTable(), objectstore.NewStore(1 << 20), drv, Config{
		SelfEntry: drv.Entry(),
		Dial:      health.Dialer(unreachable),
		Now:       func() uint64 { return 1000 },
	})

	n2 := membership.Node{ID: local.NewDriver(cluster, addr(2), 7001, 0, 64).ID(), Entry: wire.NodeEntry{Addr: addr(2), Port: 7001}}
	n3 := membership.Node{ID: local.NewDriver(cluster, addr(3), 7002, 0, 64).ID(), Entry: wire.NodeEntry{Addr: addr(3), Port: 7002}}
	n4 := membership.Node{ID: local.NewDriver(cluster, addr(4), 7003, 0, 64).ID(), Entry: wire.NodeEntry{Addr: addr(4), Port: 7003}}
	core.PromoteToStorage(membership.Node{ID: drv.ID(), Entry: drv.Entry()})
	core.PromoteToStorage(n2)
	core.PromoteToStorage(n3)
	core.PromoteToStorage(n4)
	core.SetStatus(membership.StatusOk)

	go c.ser.Run()
	t.Cleanup(c.ser.Stop)

	c.onViewLeave(n3.ID, []wire.NodePair{{ID: drv.ID(), Entry: drv.Entry()}, {ID: n2.ID, Entry: n2.Entry}, {ID: n4.ID, Entry: n4.Entry}})
	c.onViewLeave(n4.ID, []wire.NodePair{{ID: drv.ID(), Entry: drv.Entry()}, {ID: n2.ID, Entry: n2.Entry}})

	select {
	case <-c.Fenced:
	case <-time.After(2 * time.Second):
		t.Fatal("expected self-fence, Fenced never closed")
	}
	if c.core.Status() != membership.StatusShutdown {
		t.Fatalf("expected status Shutdown after self-fence, got %v", c.core.Status())
	}
}

var errUnreachable = &unreachableErr{}

type unreachableErr struct{}

func (*unreachableErr) Error() string { return "simulated partition: peer unreachable" }

func orderedIDs(c *Coordinator) []string {
	ordered := c.core.OrderedNodeList()
	out := make([]string, 0, len(ordered))
	for _, n := range ordered {
		out = append(out, n.ID.String())
	}
	return out
}
