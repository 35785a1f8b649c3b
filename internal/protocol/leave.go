package protocol

import (
	"time"

	"github.com/ridgestore/ridgestore/internal/epochlog"
	"github.com/ridgestore/ridgestore/internal/membership"
	"github.com/ridgestore/ridgestore/pkg/health"
	"github.com/ridgestore/ridgestore/pkg/wire"
)

// ErrSelfFence is returned by ApplyViewLeave when this node must abort
// rather than continue in a minority partition.
type ErrSelfFence struct{}

func (ErrSelfFence) Error() string {
	return "protocol: majority of storage roster unreachable, self-fencing"
}

// DialTimeout bounds each majority-check TCP probe.
const DialTimeout = 500 * time.Millisecond

// CheckMajority runs the §4.E.4 majority check for a node about to
// depart the storage roster. peers is the roster *before* removal;
// left is skipped without a dial and self counts as reachable without a
// dial. Rosters smaller than 3 always pass, mirroring group.c.
func CheckMajority(peers []health.Peer, self, left string, dial health.Dialer) bool {
	return health.HasMajority(peers, self, left, dial, DialTimeout)
}

// ApplyViewLeave runs the §4.E.4 leave protocol for a driver-reported
// view-change removing left. On self-fence it returns ErrSelfFence and
// leaves core/log untouched. Otherwise it removes left from the storage
// and transport rosters and, if status is Ok/Halt, bumps and persists the epoch.
func ApplyViewLeave(core *membership.Core, log *epochlog.Log, left wire.NodeID, peers []health.Peer, selfAddr string, dial health.Dialer, ctime uint64) error {
	holds := CheckMajority(peers, selfAddr, left.String(), dial)
	return ApplyViewLeaveDecision(core, log, left, holds, ctime)
}

// ApplyViewLeaveDecision applies the mutation half of the leave protocol
// once the majority check (the actual I/O — TCP dials) has already run,
// so callers that split fn/done phases can dial in fn and mutate in done
// without dialing twice.
func ApplyViewLeaveDecision(core *membership.Core, log *epochlog.Log, left wire.NodeID, majorityHolds bool, ctime uint64) error {
	if !majorityHolds {
		return ErrSelfFence{}
	}

	core.RemoveStorage(left)
	core.RemoveTransport(left)

	status := core.Status()
	if status == membership.StatusOk || status == membership.StatusHalt {
		epoch := core.Epoch() + 1
		core.SetEpoch(epoch)
		roster := toNodePairs(core.OrderedNodeList())
		if err := log.Write(epochlog.Record{Epoch: epoch, Ctime: ctime, Nodes: roster}); err != nil {
			return err
		}
	}
	return nil
}

// ApplyVoluntaryLeave is what a node that is leaving cleanly runs before
// closing: it broadcasts Leave/FIN (the caller does the broadcast; this
// just builds the payload) carrying its last-known epoch so peers can
// tell a clean departure from a crash.
func ApplyVoluntaryLeave(core *membership.Core) wire.LeavePayload {
	return wire.LeavePayload{Epoch: core.Epoch()}
}

// ApplyLeaveFin is what every remaining node runs on receiving a
// Leave/FIN: the peer is removed from the storage roster and, while
// status is WaitForJoin, also put on the leave list (affecting the quorum
// formula), since it may still be needed to reach quorum's "known-dead"
// branch.
func ApplyLeaveFin(core *membership.Core, from membership.Node) {
	if core.Status() == membership.StatusWaitForJoin {
		core.AddLeave(from)
	}
	core.RemoveStorage(from.ID)
}

func toNodePairs(nodes []membership.Node) []wire.NodePair {
	out := make([]wire.NodePair, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, wire.NodePair{ID: n.ID, Entry: n.Entry})
	}
	return out
}
