package protocol

import (
	"testing"

	"github.com/ridgestore/ridgestore/internal/epochlog"
	"github.com/ridgestore/ridgestore/internal/membership"
	"github.com/ridgestore/ridgestore/pkg/ring"
	"github.com/ridgestore/ridgestore/pkg/wire"
)

func pair(pid int64, addrLast byte, port uint16) wire.NodePair {
	id := wire.NodeID{PID: pid}
	id.Addr[15] = addrLast
	entry := wire.NodeEntry{Port: port}
	entry.Addr[15] = addrLast
	return wire.NodePair{ID: id, Entry: entry}
}

func TestClusterSanityWaitForFormatRejectsNonEmptyList(t *testing.T) {
	req := JoinRequest{KnownNodes: []wire.NodePair{pair(1, 1, 7000)}}
	result := ClusterSanity(membership.StatusWaitForFormat, req, 0, 0, nil, 0, 0)
	if result.Status != wire.StatusNotFormatted {
		t.Fatalf("expected NotFormatted, got %v", result.Status)
	}
}

func TestClusterSanityWaitForFormatAccepts(t *testing.T) {
	req := JoinRequest{}
	result := ClusterSanity(membership.StatusWaitForFormat, req, 0, 0, nil, 0, 0)
	if result.Status != wire.StatusSuccess || !result.IncEpoch {
		t.Fatalf("expected (Success,true), got (%v,%v)", result.Status, result.IncEpoch)
	}
}

func TestClusterSanityShutdownRejects(t *testing.T) {
	result := ClusterSanity(membership.StatusShutdown, JoinRequest{}, 0, 0, nil, 0, 0)
	if result.Status != wire.StatusShutdown {
		t.Fatalf("expected Shutdown, got %v", result.Status)
	}
}

func TestClusterSanityWaitForJoinCtimeMismatch(t *testing.T) {
	req := JoinRequest{Ctime: 100, Epoch: 5}
	result := ClusterSanity(membership.StatusWaitForJoin, req, 200, 5, nil, 0, 0)
	if result.Status != wire.StatusInvalidCtime {
		t.Fatalf("expected InvalidCtime, got %v", result.Status)
	}
}

func TestClusterSanityWaitForJoinEpochMismatch(t *testing.T) {
	req := JoinRequest{Ctime: 100, Epoch: 3}
	result := ClusterSanity(membership.StatusWaitForJoin, req, 100, 5, nil, 0, 0)
	if result.Status != wire.StatusOldNodeVer {
		t.Fatalf("expected OldNodeVer for lower joiner epoch, got %v", result.Status)
	}

	req.Epoch = 7
	result = ClusterSanity(membership.StatusWaitForJoin, req, 100, 5, nil, 0, 0)
	if result.Status != wire.StatusNewNodeVer {
		t.Fatalf("expected NewNodeVer for higher joiner epoch, got %v", result.Status)
	}
}

func TestClusterSanityWaitForJoinNodeListMismatch(t *testing.T) {
	req := JoinRequest{Ctime: 100, Epoch: 5, KnownNodes: []wire.NodePair{pair(1, 1, 7000)}}
	epochLog := []wire.NodePair{pair(1, 1, 7000), pair(2, 2, 7001)}
	result := ClusterSanity(membership.StatusWaitForJoin, req, 100, 5, epochLog, 0, 0)
	if result.Status != wire.StatusInvalidEpoch {
		t.Fatalf("expected InvalidEpoch on node-list mismatch, got %v", result.Status)
	}
}

func TestClusterSanityWaitForJoinQuorumReached(t *testing.T) {
	epochLog := []wire.NodePair{pair(1, 1, 7000), pair(2, 2, 7001)}
	req := JoinRequest{Ctime: 100, Epoch: 5, KnownNodes: epochLog, Joiner: pair(2, 2, 7001)}
	// storageRosterSize=0 (N1 is the known-dead member), +1 joiner = 1; nrKnown=2; leave=1 known-dead -> inc_epoch
	result := ClusterSanity(membership.StatusWaitForJoin, req, 100, 5, epochLog, 0, 1)
	if result.Status != wire.StatusSuccess || !result.IncEpoch {
		t.Fatalf("expected (Success,true) via known-dead remainder, got (%v,%v)", result.Status, result.IncEpoch)
	}
}

func TestClusterSanityWaitForJoinQuorumNotYetReached(t *testing.T) {
	epochLog := []wire.NodePair{pair(1, 1, 7000), pair(2, 2, 7001), pair(3, 3, 7002)}
	req := JoinRequest{Ctime: 100, Epoch: 5, KnownNodes: epochLog}
	result := ClusterSanity(membership.StatusWaitForJoin, req, 100, 5, epochLog, 0, 0)
	if result.Status != wire.StatusSuccess || result.IncEpoch {
		t.Fatalf("expected admission without quorum yet, got (%v,%v)", result.Status, result.IncEpoch)
	}
}

func TestClusterSanityOkAdmitsAndBumpsEpoch(t *testing.T) {
	req := JoinRequest{Ctime: 100, Epoch: 5}
	result := ClusterSanity(membership.StatusOk, req, 100, 5, nil, 0, 0)
	if result.Status != wire.StatusSuccess || !result.IncEpoch {
		t.Fatalf("expected (Success,true) when Ok, got (%v,%v)", result.Status, result.IncEpoch)
	}
}

func TestShouldTransferMastershipOnHigherJoinerEpoch(t *testing.T) {
	result := JoinResult{Status: wire.StatusInvalidEpoch}
	req := JoinRequest{Epoch: 7}
	if !ShouldTransferMastership(result, req, 5) {
		t.Fatal("expected mastership transfer when joiner epoch exceeds local")
	}
	if ShouldTransferMastership(result, req, 9) {
		t.Fatal("expected no transfer when joiner epoch is lower than local")
	}
}

func TestApplyJoinFinPromotesAndBumpsEpoch(t *testing.T) {
	dir := t.TempDir()
	log, err := epochlog.Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer log.Close()

	self := wire.NodeID{PID: 1}
	core := membership.NewCore(self, 0, ring.FNV32a)
	joiner := pair(2, 2, 7001)

	result := JoinResult{Status: wire.StatusSuccess, IncEpoch: true, Roster: []wire.NodePair{joiner}}
	epoch, err := ApplyJoinFin(core, log, joiner, result, 1000)
	if err != nil {
		t.Fatalf("ApplyJoinFin: %v", err)
	}
	if epoch != 1 {
		t.Fatalf("expected epoch 1, got %d", epoch)
	}
	if core.StorageCount() != 1 {
		t.Fatalf("expected joiner promoted to storage roster, got %d members", core.StorageCount())
	}
	rec, err := log.Read(1)
	if err != nil {
		t.Fatalf("Read epoch 1: %v", err)
	}
	if len(rec.Nodes) != 1 {
		t.Fatalf("expected 1 node persisted, got %d", len(rec.Nodes))
	}
}
