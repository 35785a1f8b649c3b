package health

import (
	"testing"
	"time"
)

func TestPhiZeroForUnknownPeer(t *testing.T) {
	d := NewPhiAccrual(0, 0)
	if got := d.Phi("ghost", time.Now()); got != 0 {
		t.Fatalf("Phi for unknown peer = %v, want 0", got)
	}
}

func TestPhiRisesWithSilence(t *testing.T) {
	d := NewPhiAccrual(16, 10*time.Millisecond)
	start := time.Now()
	for i := 0; i < 10; i++ {
		d.Observe("n1", start.Add(time.Duration(i)*100*time.Millisecond))
	}
	last := start.Add(900 * time.Millisecond)

	soon := d.Phi("n1", last.Add(110*time.Millisecond))
	later := d.Phi("n1", last.Add(2*time.Second))
	if !(later > soon) {
		t.Fatalf("expected phi to grow with silence: soon=%v later=%v", soon, later)
	}
}

func TestPhiRemove(t *testing.T) {
	d := NewPhiAccrual(0, 0)
	now := time.Now()
	for i := 0; i < 6; i++ {
		d.Observe("n1", now.Add(time.Duration(i)*time.Second))
	}
	d.Remove("n1")
	if got := d.Phi("n1", now.Add(10*time.Second)); got != 0 {
		t.Fatalf("Phi after Remove = %v, want 0", got)
	}
}

func TestObserveOutOfOrderIgnored(t *testing.T) {
	d := NewPhiAccrual(0, 0)
	now := time.Now()
	d.Observe("n1", now)
	d.Observe("n1", now.Add(-time.Second)) // stale heartbeat, must not go negative
	d.Observe("n1", now.Add(time.Second))
	// should not panic and should still track forward progress
	_ = d.Phi("n1", now.Add(2*time.Second))
}
