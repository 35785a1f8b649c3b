// Package ring computes virtual-node placement for replica diversity: given
// the current storage roster, it assigns each node a weighted set of points
// on a hash ring and answers "which node(s) own this key", preferring
// owners in distinct zones the way replica placement wants.
package ring

import (
	"encoding/binary"
	"hash/fnv"
	"slices"
	"sort"
	"sync"
)

// Hasher maps an arbitrary byte string onto the ring's 32-bit space.
type Hasher func([]byte) uint32

// FNV32a is the default Hasher, grounded on the teacher's ring test helper.
func FNV32a(b []byte) uint32 {
	h := fnv.New32a()
	_, _ = h.Write(b)
	return h.Sum32()
}

// HashRing places weighted virtual nodes for each storage-roster member and
// answers ownership/placement queries.
type HashRing struct {
	mu       sync.RWMutex
	replicas int
	hash     Hasher
	points   []uint32          // sorted
	owners   map[uint32]string // point -> nodeID
	nodes    map[string]string // nodeID -> addr
	zones    map[string]uint32 // nodeID -> zone
}

// New creates a ring using replicas virtual nodes per member (or 128 if
// replicas <= 0) and h as the hash function (or FNV32a if nil).
func New(replicas int, h Hasher) *HashRing {
	if replicas <= 0 {
		replicas = 128
	}
	if h == nil {
		h = FNV32a
	}
	return &HashRing{
		replicas: replicas,
		hash:     h,
		owners:   make(map[uint32]string),
		nodes:    make(map[string]string),
		zones:    make(map[string]uint32),
	}
}

// Add places nodeID's virtual nodes on the ring. weight scales how many
// virtual nodes the member gets (0 defaults to the ring's base replica
// count); zone is carried for zone-diverse LookupN.
func (r *HashRing) Add(nodeID, addr string, zone uint32, weight int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[nodeID]; ok {
		return
	}
	r.nodes[nodeID] = addr
	r.zones[nodeID] = zone

	n := weight
	if n <= 0 {
		n = r.replicas
	}
	for i := 0; i < n; i++ {
		pt := r.hash(pointKey(nodeID, i))
		r.owners[pt] = nodeID
		r.points = append(r.points, pt)
	}
	slices.Sort(r.points)
}

// Remove evicts nodeID and drops its points from the ring, leaving every
// other member's points (and so its weight) as they were.
func (r *HashRing) Remove(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[nodeID]; !ok {
		return
	}
	delete(r.nodes, nodeID)
	delete(r.zones, nodeID)
	r.dropPointsLocked(nodeID)
}

// Clear removes every node from the ring.
func (r *HashRing) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes = make(map[string]string)
	r.zones = make(map[string]uint32)
	r.points = r.points[:0]
	clear(r.owners)
}

func (r *HashRing) dropPointsLocked(nodeID string) {
	kept := r.points[:0]
	for _, pt := range r.points {
		if r.owners[pt] == nodeID {
			delete(r.owners, pt)
			continue
		}
		kept = append(kept, pt)
	}
	r.points = kept
}

// Lookup returns the node owning key, or "" if the ring is empty.
func (r *HashRing) Lookup(key []byte) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.points) == 0 {
		return ""
	}
	h := r.hash(key)
	idx := sort.Search(len(r.points), func(i int) bool { return r.points[i] >= h })
	if idx == len(r.points) {
		idx = 0
	}
	return r.owners[r.points[idx]]
}

// LookupN returns up to n distinct node IDs for key, walking the ring
// clockwise from key's point. Owners already represented by a node in the
// same zone are skipped while a same-zone-free candidate remains, so the
// first min(n, distinct-zone-count) owners come from distinct zones before
// any zone repeats — the replica-placement diversity spec.md's NodeEntry
// zone id exists for.
func (r *HashRing) LookupN(key []byte, n int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.points) == 0 || n <= 0 {
		return nil
	}
	h := r.hash(key)
	idx := sort.Search(len(r.points), func(i int) bool { return r.points[i] >= h })
	if idx == len(r.points) {
		idx = 0
	}

	seenNode := make(map[string]struct{}, n)
	seenZone := make(map[uint32]struct{}, n)
	out := make([]string, 0, n)

	// First pass: one owner per zone.
	for i := 0; i < len(r.points) && len(out) < n; i++ {
		p := r.points[(idx+i)%len(r.points)]
		id := r.owners[p]
		if _, ok := seenNode[id]; ok {
			continue
		}
		z := r.zones[id]
		if _, ok := seenZone[z]; ok {
			continue
		}
		seenNode[id] = struct{}{}
		seenZone[z] = struct{}{}
		out = append(out, id)
	}
	if len(out) >= n {
		return out
	}
	// Second pass: fill remaining slots ignoring zone, still skipping
	// nodes already chosen.
	for i := 0; i < len(r.points) && len(out) < n; i++ {
		p := r.points[(idx+i)%len(r.points)]
		id := r.owners[p]
		if _, ok := seenNode[id]; ok {
			continue
		}
		seenNode[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Addr returns the stored address for nodeID.
func (r *HashRing) Addr(nodeID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.nodes[nodeID]
	return a, ok
}

// Nodes returns a copy of the nodeID -> addr map.
func (r *HashRing) Nodes() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.nodes))
	for k, v := range r.nodes {
		out[k] = v
	}
	return out
}

func pointKey(nodeID string, i int) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(i))
	return append([]byte(nodeID), buf[:]...)
}
