package protocol

import (
	"errors"
	"testing"
	"time"

	"github.com/ridgestore/ridgestore/internal/epochlog"
	"github.com/ridgestore/ridgestore/internal/membership"
	"github.com/ridgestore/ridgestore/pkg/health"
	"github.com/ridgestore/ridgestore/pkg/ring"
	"github.com/ridgestore/ridgestore/pkg/wire"
)

func dialAllOK(addr string, _ time.Duration) error { return nil }

func dialAllFail(addr string, _ time.Duration) error { return errors.New("refused") }

func newTestCoreAndLog(t *testing.T, self wire.NodeID) (*membership.Core, *epochlog.Log) {
	t.Helper()
	log, err := epochlog.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = log.Close() })
	return membership.NewCore(self, 0, ring.FNV32a), log
}

func TestApplyViewLeaveSelfFencesOnMinority(t *testing.T) {
	n1 := pair(1, 1, 7000)
	core, log := newTestCoreAndLog(t, n1.ID)
	core.PromoteToStorage(membership.Node{ID: n1.ID, Entry: n1.Entry})
	core.PromoteToStorage(membership.Node{ID: pair(2, 2, 7001).ID, Entry: pair(2, 2, 7001).Entry})
	core.PromoteToStorage(membership.Node{ID: pair(3, 3, 7002).ID, Entry: pair(3, 3, 7002).Entry})
	core.SetStatus(membership.StatusOk)

	peers := []health.Peer{
		{ID: n1.ID.String(), Addr: "a:1"},
		{ID: pair(2, 2, 7001).ID.String(), Addr: "b:1"},
		{ID: pair(3, 3, 7002).ID.String(), Addr: "c:1"},
	}
	err := ApplyViewLeave(core, log, pair(3, 3, 7002).ID, peers, n1.ID.String(), dialAllFail, 1000)
	var fence ErrSelfFence
	if !errors.As(err, &fence) {
		t.Fatalf("expected ErrSelfFence, got %v", err)
	}
	if core.StorageCount() != 3 {
		t.Fatalf("expected roster untouched on self-fence, got %d members", core.StorageCount())
	}
}

func TestApplyViewLeaveRemovesAndBumpsEpochOnMajority(t *testing.T) {
	n1 := pair(1, 1, 7000)
	n2 := pair(2, 2, 7001)
	n3 := pair(3, 3, 7002)
	core, log := newTestCoreAndLog(t, n1.ID)
	core.PromoteToStorage(membership.Node{ID: n1.ID, Entry: n1.Entry})
	core.PromoteToStorage(membership.Node{ID: n2.ID, Entry: n2.Entry})
	core.PromoteToStorage(membership.Node{ID: n3.ID, Entry: n3.Entry})
	core.SetEpoch(5)
	core.SetStatus(membership.StatusOk)

	peers := []health.Peer{
		{ID: n1.ID.String(), Addr: "a:1"},
		{ID: n2.ID.String(), Addr: "b:1"},
		{ID: n3.ID.String(), Addr: "c:1"},
	}
	err := ApplyViewLeave(core, log, n3.ID, peers, n1.ID.String(), dialAllOK, 1000)
	if err != nil {
		t.Fatalf("ApplyViewLeave: %v", err)
	}
	if core.StorageCount() != 2 {
		t.Fatalf("expected 2 remaining storage members, got %d", core.StorageCount())
	}
	if core.Epoch() != 6 {
		t.Fatalf("expected epoch bumped to 6, got %d", core.Epoch())
	}
	rec, err := log.Read(6)
	if err != nil {
		t.Fatalf("Read epoch 6: %v", err)
	}
	if len(rec.Nodes) != 2 {
		t.Fatalf("expected 2 nodes persisted at epoch 6, got %d", len(rec.Nodes))
	}
}

func TestApplyViewLeaveSmallRosterNeverSelfFences(t *testing.T) {
	n1 := pair(1, 1, 7000)
	n2 := pair(2, 2, 7001)
	core, log := newTestCoreAndLog(t, n1.ID)
	core.PromoteToStorage(membership.Node{ID: n1.ID, Entry: n1.Entry})
	core.PromoteToStorage(membership.Node{ID: n2.ID, Entry: n2.Entry})
	core.SetStatus(membership.StatusOk)

	peers := []health.Peer{
		{ID: n1.ID.String(), Addr: "a:1"},
		{ID: n2.ID.String(), Addr: "b:1"},
	}
	err := ApplyViewLeave(core, log, n2.ID, peers, n1.ID.String(), dialAllFail, 1000)
	if err != nil {
		t.Fatalf("expected no self-fence with roster < 3, got %v", err)
	}
}

func TestApplyViewLeaveDecisionSkipsRedialing(t *testing.T) {
	n1 := pair(1, 1, 7000)
	n2 := pair(2, 2, 7001)
	n3 := pair(3, 3, 7002)
	core, log := newTestCoreAndLog(t, n1.ID)
	core.PromoteToStorage(membership.Node{ID: n1.ID, Entry: n1.Entry})
	core.PromoteToStorage(membership.Node{ID: n2.ID, Entry: n2.Entry})
	core.PromoteToStorage(membership.Node{ID: n3.ID, Entry: n3.Entry})
	core.SetStatus(membership.StatusOk)

	if err := ApplyViewLeaveDecision(core, log, n3.ID, false, 1000); !errors.As(err, new(ErrSelfFence)) {
		t.Fatalf("expected ErrSelfFence when majorityHolds=false, got %v", err)
	}
	if core.StorageCount() != 3 {
		t.Fatalf("expected no mutation on self-fence, got %d members", core.StorageCount())
	}

	if err := ApplyViewLeaveDecision(core, log, n3.ID, true, 1000); err != nil {
		t.Fatalf("ApplyViewLeaveDecision: %v", err)
	}
	if core.StorageCount() != 2 {
		t.Fatalf("expected removal when majorityHolds=true, got %d members", core.StorageCount())
	}
}

func TestApplyLeaveFinAddsToLeaveListDuringWaitForJoin(t *testing.T) {
	n1 := pair(1, 1, 7000)
	n2 := pair(2, 2, 7001)
	core, _ := newTestCoreAndLog(t, n1.ID)
	core.PromoteToStorage(membership.Node{ID: n1.ID, Entry: n1.Entry})
	core.PromoteToStorage(membership.Node{ID: n2.ID, Entry: n2.Entry})
	core.SetStatus(membership.StatusWaitForJoin)

	ApplyLeaveFin(core, membership.Node{ID: n2.ID, Entry: n2.Entry})

	if core.LeaveCount() != 1 {
		t.Fatalf("expected leave departed node added to leave list, got %d", core.LeaveCount())
	}
	if core.StorageCount() != 1 {
		t.Fatalf("expected departed node removed from storage roster, got %d", core.StorageCount())
	}
}
