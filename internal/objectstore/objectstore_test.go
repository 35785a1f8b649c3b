package objectstore

import (
	"testing"
	"time"
)

func TestPutGetDelete(t *testing.T) {
	s := NewStore(1 << 20)
	s.Put(1, []byte("hello"))
	got, ok := s.Get(1)
	if !ok || string(got) != "hello" {
		t.Fatalf("Get = (%q,%v), want (hello,true)", got, ok)
	}
	s.Delete(1)
	if _, ok := s.Get(1); ok {
		t.Fatal("expected object gone after Delete")
	}
}

func TestEvictionUnderCapacity(t *testing.T) {
	s := NewStore(10)
	s.Put(1, []byte("12345"))
	s.Put(2, []byte("12345"))
	s.Put(3, []byte("12345")) // pushes total to 15, must evict oid 1 (LRU)

	if _, ok := s.Get(1); ok {
		t.Fatal("expected oldest object to be evicted")
	}
	if _, ok := s.Get(2); !ok {
		t.Fatal("expected oid 2 to survive eviction")
	}
	if _, ok := s.Get(3); !ok {
		t.Fatal("expected oid 3 to survive eviction")
	}
}

func TestRecoveryMarksThenDrains(t *testing.T) {
	s := NewStore(1 << 20)
	s.Put(1, []byte("a"))
	s.Put(2, []byte("b"))

	done := s.StartRecovery(5, func(oid uint64) error { return nil })

	if !s.IsRecovering(1) || !s.IsRecovering(2) {
		t.Fatal("expected both oids to be marked recovering immediately")
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("recovery never completed")
	}

	if s.IsRecovering(1) || s.IsRecovering(2) {
		t.Fatal("expected recovery to clear both oids once drained")
	}
	if s.RecoveringCount() != 0 {
		t.Fatalf("RecoveringCount = %d, want 0", s.RecoveringCount())
	}
}

func TestIsRecoveringFalseForUntrackedOID(t *testing.T) {
	s := NewStore(1 << 20)
	if s.IsRecovering(999) {
		t.Fatal("untracked oid should not be recovering")
	}
}
