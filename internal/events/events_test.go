package events

import (
	"sync"
	"testing"
	"time"

	"github.com/ridgestore/ridgestore/pkg/wire"
)

type recordingHandler struct {
	mu   sync.Mutex
	done []Kind
}

func (h *recordingHandler) Fn(ev *Event) {}

func (h *recordingHandler) Done(s *Serializer, ev *Event) {
	h.mu.Lock()
	h.done = append(h.done, ev.Kind)
	h.mu.Unlock()
}

func (h *recordingHandler) seen() []Kind {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Kind(nil), h.done...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestMembershipEventsProcessedInOrder(t *testing.T) {
	h := &recordingHandler{}
	s := New(h, nil, nil, nil, nil)
	go s.Run()
	defer s.Stop()

	s.Push(&Event{Kind: KindViewJoin, ViewJoin: &ViewJoin{}})
	s.Push(&Event{Kind: KindViewLeave, ViewLeave: &ViewLeave{}})

	waitFor(t, func() bool { return len(h.seen()) == 2 })
	got := h.seen()
	if got[0] != KindViewJoin || got[1] != KindViewLeave {
		t.Fatalf("events processed out of order: %v", got)
	}
}

func TestSkippedEventNeverReachesDone(t *testing.T) {
	h := &recordingHandler{}
	skip := &skipOnceHandler{recordingHandler: h}
	s := New(skip, nil, nil, nil, nil)
	go s.Run()
	defer s.Stop()

	s.Push(&Event{Kind: KindNotify, Notify: &Notify{Op: wire.OpJoin, State: wire.StateInit}})
	s.Push(&Event{Kind: KindViewJoin, ViewJoin: &ViewJoin{}})

	waitFor(t, func() bool { return len(h.seen()) == 1 })
	if got := h.seen(); len(got) != 1 || got[0] != KindViewJoin {
		t.Fatalf("expected only the non-skipped event in Done, got %v", got)
	}
}

type skipOnceHandler struct {
	*recordingHandler
}

func (h *skipOnceHandler) Fn(ev *Event) {
	if ev.Kind == KindNotify {
		ev.Skip()
	}
}

func TestDirectRequestFastFailsWhileJoining(t *testing.T) {
	h := &recordingHandler{}
	s := New(h, nil, nil, nil, nil)
	s.SetSuspended()
	s.SetJoining()
	go s.Run()
	defer s.Stop()

	result := make(chan wire.Status, 1)
	s.Push(&Event{Kind: KindRequest, Request: &Request{OID: 1, Direct: true, Result: result}})

	select {
	case status := <-result:
		if status != wire.StatusNewNodeVer {
			t.Fatalf("expected NewNodeVer while joining, got %v", status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("request never completed")
	}
}

func TestRequestDrainsBeforeMembershipEvent(t *testing.T) {
	h := &recordingHandler{}
	release := make(chan struct{})
	dispatch := func(ev *Event, complete func(wire.Status)) {
		go func() {
			<-release
			complete(wire.StatusSuccess)
		}()
	}
	s := New(h, dispatch, nil, nil, nil)
	go s.Run()
	defer s.Stop()

	result := make(chan wire.Status, 1)
	s.Push(&Event{Kind: KindRequest, Request: &Request{OID: 1, Result: result}})
	s.Push(&Event{Kind: KindViewJoin, ViewJoin: &ViewJoin{}})

	time.Sleep(20 * time.Millisecond)
	if len(h.seen()) != 0 {
		t.Fatal("membership event ran while request was still outstanding")
	}

	close(release)
	waitFor(t, func() bool { return len(h.seen()) == 1 })
}

func TestOldNodeVerOnEpochMismatchForLocallyOwnedObject(t *testing.T) {
	h := &recordingHandler{}
	s := New(h, nil, nil, func() uint32 { return 5 }, func(uint64) bool { return true })
	go s.Run()
	defer s.Stop()

	result := make(chan wire.Status, 1)
	s.Push(&Event{Kind: KindRequest, Request: &Request{OID: 1, Epoch: 3, Result: result}})

	select {
	case status := <-result:
		if status != wire.StatusOldNodeVer {
			t.Fatalf("expected OldNodeVer, got %v", status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("request never completed")
	}
}

func TestClearSuspendedOnNotifyFin(t *testing.T) {
	h := &recordingHandler{}
	s := New(h, nil, nil, nil, nil)
	s.SetSuspended()
	go s.Run()
	defer s.Stop()

	s.Push(&Event{Kind: KindNotify, Notify: &Notify{Op: wire.OpLeave, State: wire.StateFin}})
	waitFor(t, func() bool { return !s.Suspended() })
}
