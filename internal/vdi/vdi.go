// Package vdi is the in-memory virtual-disk-image name table the VDI-op
// protocol consults: name/snapshot -> id lookups and id -> attribute
// lookups. The semantic layer above it (snapshot/backup/restore) is out
// of scope; this package only tracks the identity mapping group.c's
// add_vdi/del_vdi/lookup_vdi/get_vdi_attr maintain.
package vdi

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
)

// ErrNotFound is returned when a name/snapid pair has no VDI.
var ErrNotFound = errors.New("vdi: not found")

// ErrExists is returned by Add when the name/snapid pair is already
// taken.
var ErrExists = errors.New("vdi: already exists")

const maxVDIs = 1 << 24 // mirrors group.c's SD_NR_VDIS id space

// Entry is one VDI's identity record.
type Entry struct {
	ID     uint32
	Name   string
	SnapID uint32
	Size   uint64
	BaseID uint32
	Copies uint8
	Attrs  map[string]string
}

// Table is the in-memory name table, one per node, mutated only from the
// VDI-op protocol handler (itself only reachable from the event
// serializer's worker).
type Table struct {
	mu         sync.RWMutex
	byID       map[uint32]*Entry
	byNameSnap map[string]uint32
}

// NewTable creates an empty VDI table.
func NewTable() *Table {
	return &Table{
		byID:       make(map[uint32]*Entry),
		byNameSnap: make(map[string]uint32),
	}
}

func key(name string, snapID uint32) string {
	return fmt.Sprintf("%s\x00%d", name, snapID)
}

// nameHash mirrors group.c's use of an FNV-1a hash of the VDI name,
// masked into the id space, as a VDI id derived from the name rather than
// an incrementing counter. Add probes forward from it when the id is
// taken, so snapshots of one name get distinct ids.
func nameHash(name string) uint32 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return uint32(h.Sum64() & (maxVDIs - 1))
}

// Add creates a new VDI entry for name at snapID, returning its id. base
// and copies mirror add_vdi's base_vdi_id/copies parameters (clone parent
// and replication factor).
func (t *Table) Add(name string, snapID uint32, size uint64, base uint32, copies uint8) (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := key(name, snapID)
	if _, ok := t.byNameSnap[k]; ok {
		return 0, ErrExists
	}
	id := nameHash(name)
	for {
		if _, taken := t.byID[id]; !taken {
			break
		}
		id = (id + 1) & (maxVDIs - 1)
	}
	t.byID[id] = &Entry{ID: id, Name: name, SnapID: snapID, Size: size, BaseID: base, Copies: copies, Attrs: make(map[string]string)}
	t.byNameSnap[k] = id
	return id, nil
}

// Del removes the VDI entry for name at snapID.
func (t *Table) Del(name string, snapID uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := key(name, snapID)
	id, ok := t.byNameSnap[k]
	if !ok {
		return ErrNotFound
	}
	delete(t.byNameSnap, k)
	delete(t.byID, id)
	return nil
}

// Lookup resolves name/snapID to an id and its replication factor.
func (t *Table) Lookup(name string, snapID uint32) (uint32, uint8, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.byNameSnap[key(name, snapID)]
	if !ok {
		return 0, 0, ErrNotFound
	}
	return id, t.byID[id].Copies, nil
}

// GetAttr fetches or creates attrKey on the VDI named name/snapID,
// honoring create/exclusive flags the way group.c's SD_FLAG_CMD_CREAT /
// SD_FLAG_CMD_EXCL do.
func (t *Table) GetAttr(name string, snapID uint32, attrKey, value string, create, exclusive bool) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.byNameSnap[key(name, snapID)]
	if !ok {
		return "", ErrNotFound
	}
	e := t.byID[id]
	existing, has := e.Attrs[attrKey]
	switch {
	case has && exclusive && create:
		return "", ErrExists
	case has:
		return existing, nil
	case !has && !create:
		return "", ErrNotFound
	default:
		e.Attrs[attrKey] = value
		return value, nil
	}
}

// Entry returns a copy of the VDI record for id, if present.
func (t *Table) Entry(id uint32) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.byID[id]
	if !ok {
		return Entry{}, false
	}
	cp := *e
	cp.Attrs = make(map[string]string, len(e.Attrs))
	for k, v := range e.Attrs {
		cp.Attrs[k] = v
	}
	return cp, true
}

// Len reports how many VDIs are currently tracked.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byID)
}
