// Package objectstore is the in-memory stand-in for the object-store
// collaborator the membership core treats as an external dependency: it
// holds replicated fixed-size objects (VDI blocks, metadata, attributes)
// keyed by object id, and answers the "is this oid still recovering"
// query the event serializer's request-drain step needs.
package objectstore

import (
	"container/list"
	"sync"
)

type entry struct {
	oid   uint64
	value []byte
}

// Store is a capacity-bounded, LRU-evicted map of object id to bytes.
// Objects don't expire on their own — unlike the teacher's cache this
// store backs durable replicated data, so there is no TTL, only the
// byte-capacity eviction the teacher's LRU already provided.
type Store struct {
	mu   sync.RWMutex
	data map[uint64]*list.Element
	ll   *list.List
	used int
	cap  int

	recoverMu  sync.Mutex
	recovering map[uint64]bool
	epoch      uint32
}

// NewStore creates a Store bounded to capacityBytes total object size.
func NewStore(capacityBytes int) *Store {
	return &Store{
		data:       make(map[uint64]*list.Element),
		ll:         list.New(),
		cap:        capacityBytes,
		recovering: make(map[uint64]bool),
	}
}

// Put writes val for oid, evicting least-recently-used objects if the
// store is over capacity afterward.
func (s *Store) Put(oid uint64, val []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.data[oid]; ok {
		e := el.Value.(*entry)
		s.used -= len(e.value)
		e.value = append([]byte(nil), val...)
		s.used += len(e.value)
		s.ll.MoveToFront(el)
	} else {
		e := &entry{oid: oid, value: append([]byte(nil), val...)}
		el := s.ll.PushFront(e)
		s.data[oid] = el
		s.used += len(e.value)
	}
	s.evictIfNeeded()
}

// Get reads oid's value.
func (s *Store) Get(oid uint64) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.data[oid]
	if !ok {
		return nil, false
	}
	s.ll.MoveToFront(el)
	e := el.Value.(*entry)
	return append([]byte(nil), e.value...), true
}

// Delete removes oid.
func (s *Store) Delete(oid uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.data[oid]; ok {
		s.removeElement(el)
	}
}

// Len reports how many objects are stored.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

func (s *Store) evictIfNeeded() {
	for s.used > s.cap && s.ll.Back() != nil {
		s.removeElement(s.ll.Back())
	}
}

func (s *Store) removeElement(el *list.Element) {
	e := el.Value.(*entry)
	delete(s.data, e.oid)
	s.used -= len(e.value)
	s.ll.Remove(el)
}

// StartRecovery marks every oid currently in the store as recovering for
// epoch and returns a channel that closes once drain has cleared all of
// them. Callers that only need to fire-and-forget can ignore the channel.
func (s *Store) StartRecovery(epoch uint32, drain func(oid uint64) error) <-chan struct{} {
	s.mu.RLock()
	oids := make([]uint64, 0, len(s.data))
	for oid := range s.data {
		oids = append(oids, oid)
	}
	s.mu.RUnlock()

	s.recoverMu.Lock()
	s.epoch = epoch
	for _, oid := range oids {
		s.recovering[oid] = true
	}
	s.recoverMu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, oid := range oids {
			if drain != nil {
				_ = drain(oid) // recovery is opaque past this point; failures retry on the next epoch's recovery pass
			}
			s.recoverMu.Lock()
			delete(s.recovering, oid)
			s.recoverMu.Unlock()
		}
	}()
	return done
}

// IsRecovering reports whether oid is still being recovered.
func (s *Store) IsRecovering(oid uint64) bool {
	s.recoverMu.Lock()
	defer s.recoverMu.Unlock()
	return s.recovering[oid]
}

// RecoveringCount reports how many oids remain under recovery, for
// telemetry.
func (s *Store) RecoveringCount() int {
	s.recoverMu.Lock()
	defer s.recoverMu.Unlock()
	return len(s.recovering)
}
