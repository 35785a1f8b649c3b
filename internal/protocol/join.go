// Package protocol implements the join, VDI-op, leave, and
// mastership-transfer control flows against internal/membership,
// internal/epochlog, and pkg/health, following original_source's
// group.c exactly where spec.md leaves a detail implicit.
package protocol

import (
	"github.com/ridgestore/ridgestore/internal/epochlog"
	"github.com/ridgestore/ridgestore/internal/membership"
	"github.com/ridgestore/ridgestore/pkg/wire"
)

// JoinRequest is what a joining node broadcasts as Join/INIT: its epoch,
// ctime, replication factor, and its own view of the node list at that
// epoch, read from its local epoch log.
type JoinRequest struct {
	Joiner     wire.NodePair
	Epoch      uint32
	Ctime      uint64
	NrSobjs    uint32
	KnownNodes []wire.NodePair
}

// JoinResult is the master's verdict, embedded in the Join/FIN broadcast.
type JoinResult struct {
	Status     wire.Status
	IncEpoch   bool
	Roster     []wire.NodePair
	LeaveNodes []wire.NodePair
}

// nodesEqual reports byte-for-byte equality of two node lists in the
// order given — group.c's sanity check compares the joiner's reported
// list against the epoch log verbatim, not as sets.
func nodesEqual(a, b []wire.NodePair) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID {
			return false
		}
		if a[i].Entry != b[i].Entry {
			return false
		}
	}
	return true
}

func nodesEqualUnordered(a, b []wire.NodePair) bool {
	if len(a) != len(b) {
		return false
	}
	sa := append([]wire.NodePair(nil), a...)
	sb := append([]wire.NodePair(nil), b...)
	sortPairs(sa)
	sortPairs(sb)
	return nodesEqual(sa, sb)
}

func sortPairs(p []wire.NodePair) {
	for i := 1; i < len(p); i++ {
		for j := i; j > 0 && p[j].Entry.Compare(p[j-1].Entry) < 0; j-- {
			p[j], p[j-1] = p[j-1], p[j]
		}
	}
}

// ClusterSanity implements the §4.E.2 sanity table. localCtime/localEpoch
// are the master's own view; epochLogNodes is epoch_log[localEpoch]
// (nil/empty when the log has no entry yet, e.g. WaitForFormat).
func ClusterSanity(status membership.ClusterStatus, req JoinRequest, localCtime uint64, localEpoch uint32, epochLogNodes []wire.NodePair, storageRosterSize, leaveListSize int) JoinResult {
	switch status {
	case membership.StatusShutdown:
		return JoinResult{Status: wire.StatusShutdown}

	case membership.StatusWaitForFormat:
		if len(req.KnownNodes) != 0 {
			return JoinResult{Status: wire.StatusNotFormatted}
		}
		return JoinResult{Status: wire.StatusSuccess, IncEpoch: true}

	case membership.StatusWaitForJoin:
		if req.Ctime != localCtime {
			return JoinResult{Status: wire.StatusInvalidCtime}
		}
		if req.Epoch < localEpoch {
			return JoinResult{Status: wire.StatusOldNodeVer}
		}
		if req.Epoch > localEpoch {
			return JoinResult{Status: wire.StatusNewNodeVer}
		}
		if !nodesEqual(req.KnownNodes, epochLogNodes) {
			return JoinResult{Status: wire.StatusInvalidEpoch}
		}
		holds, incEpoch := evaluateQuorum(len(epochLogNodes), storageRosterSize+1, leaveListSize)
		if !holds {
			return JoinResult{Status: wire.StatusSuccess} // admitted to storage roster, quorum still pending
		}
		return JoinResult{Status: wire.StatusSuccess, IncEpoch: incEpoch}

	case membership.StatusOk, membership.StatusHalt:
		if req.Ctime != localCtime {
			return JoinResult{Status: wire.StatusInvalidCtime}
		}
		if req.Epoch < localEpoch {
			return JoinResult{Status: wire.StatusOldNodeVer}
		}
		if req.Epoch > localEpoch {
			return JoinResult{Status: wire.StatusNewNodeVer}
		}
		return JoinResult{Status: wire.StatusSuccess, IncEpoch: true}

	default:
		return JoinResult{Status: wire.StatusSystemError}
	}
}

// evaluateQuorum is the §4.E.2 quorum formula: nr_known == nr_present
// (everyone rejoined) or nr_known == nr_present + nr_leave (remainder
// known-dead).
func evaluateQuorum(nrKnown, nrPresent, nrLeave int) (holds, incEpoch bool) {
	if nrKnown == nrPresent {
		return true, false
	}
	if nrKnown == nrPresent+nrLeave {
		return true, true
	}
	return false, false
}

// ShouldTransferMastership reports whether a failed sanity check should
// cause the master to transfer mastership and exit rather than simply
// reject the joiner — true when the joiner's reported epoch exceeds the
// master's own.
func ShouldTransferMastership(result JoinResult, req JoinRequest, localEpoch uint32) bool {
	return result.Status != wire.StatusSuccess && req.Epoch > localEpoch
}

// ApplyJoinFin is what every node (including the master and the joiner)
// runs when a Join/FIN is delivered: migrate the joiner from transport to
// storage, absorb the embedded leave list, and bump/persist the epoch if
// the master set inc_epoch. Returns the new epoch.
func ApplyJoinFin(core *membership.Core, log *epochlog.Log, joiner wire.NodePair, result JoinResult, ctime uint64) (uint32, error) {
	core.RemoveTransport(joiner.ID)
	core.PromoteToStorage(membership.Node{ID: joiner.ID, Entry: joiner.Entry})

	for _, n := range result.LeaveNodes {
		core.AddLeave(membership.Node{ID: n.ID, Entry: n.Entry})
	}

	epoch := core.Epoch()
	if result.IncEpoch {
		epoch++
		core.SetEpoch(epoch)
		roster := make([]wire.NodePair, 0, len(result.Roster))
		roster = append(roster, result.Roster...)
		if err := log.Write(epochlog.Record{Epoch: epoch, Ctime: ctime, Nodes: roster}); err != nil {
			return epoch, err
		}
	}
	return epoch, nil
}

// EpochLogNodesEqual is exported for callers that need the raw
// byte-equality rule outside the sanity table (e.g. tests, or a future
// read_remote reconciliation path).
func EpochLogNodesEqual(a, b []wire.NodePair) bool {
	return nodesEqual(a, b)
}
