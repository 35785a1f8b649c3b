package epochlog

import (
	"errors"
	"testing"

	"github.com/ridgestore/ridgestore/pkg/wire"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	dir := t.TempDir()
	l, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func samplePair(pid int64, port uint16) wire.NodePair {
	return wire.NodePair{
		ID:    wire.NodeID{PID: pid},
		Entry: wire.NodeEntry{Port: port, VNodes: 64},
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	l := newTestLog(t)
	rec := Record{
		Epoch: 3,
		Ctime: 1000,
		Nodes: []wire.NodePair{samplePair(1, 7000), samplePair(2, 7001)},
	}
	if err := l.Write(rec); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := l.Read(3)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.Epoch != 3 || got.Ctime != 1000 || len(got.Nodes) != 2 {
		t.Fatalf("roundtrip mismatch: %+v", got)
	}
}

func TestReadMissingEpoch(t *testing.T) {
	l := newTestLog(t)
	_, err := l.Read(99)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLatestTracksHighestEpoch(t *testing.T) {
	l := newTestLog(t)
	if latest, err := l.Latest(); err != nil || latest != 0 {
		t.Fatalf("Latest on empty log = (%d,%v), want (0,nil)", latest, err)
	}
	for _, e := range []uint32{1, 2, 5, 3} {
		if err := l.Write(Record{Epoch: e, Nodes: []wire.NodePair{samplePair(1, 7000)}}); err != nil {
			t.Fatalf("Write epoch %d: %v", e, err)
		}
	}
	latest, err := l.Latest()
	if err != nil || latest != 5 {
		t.Fatalf("Latest = (%d,%v), want (5,nil)", latest, err)
	}
}

func TestRemoveDeletesEntry(t *testing.T) {
	l := newTestLog(t)
	if err := l.Write(Record{Epoch: 1, Nodes: []wire.NodePair{samplePair(1, 7000)}}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := l.Remove(1); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := l.Read(1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after Remove, got %v", err)
	}
}

func TestRemoveAllClearsLog(t *testing.T) {
	l := newTestLog(t)
	for _, e := range []uint32{1, 2, 3} {
		if err := l.Write(Record{Epoch: e, Nodes: []wire.NodePair{samplePair(1, 7000)}}); err != nil {
			t.Fatalf("Write epoch %d: %v", e, err)
		}
	}
	if err := l.RemoveAll(); err != nil {
		t.Fatalf("RemoveAll: %v", err)
	}
	latest, err := l.Latest()
	if err != nil || latest != 0 {
		t.Fatalf("Latest after RemoveAll = (%d,%v), want (0,nil)", latest, err)
	}
}

func TestReadNr(t *testing.T) {
	l := newTestLog(t)
	nodes := []wire.NodePair{samplePair(1, 7000), samplePair(2, 7001), samplePair(3, 7002)}
	if err := l.Write(Record{Epoch: 4, Nodes: nodes}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	nr, err := l.ReadNr(4)
	if err != nil || nr != 3 {
		t.Fatalf("ReadNr = (%d,%v), want (3,nil)", nr, err)
	}
}
