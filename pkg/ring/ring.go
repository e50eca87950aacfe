// Package ring is a consistent-hash ring over service instances. Keys map to
// the instance owning the first virtual point at or after the key's hash.
package ring

import (
	"encoding/binary"
	"hash/fnv"
	"maps"
	"slices"
	"sort"
	"sync"
)

const DefaultReplicas = 128

type Hasher func([]byte) uint32

type HashRing struct {
	mu       sync.RWMutex
	replicas int
	hash     Hasher
	points   []uint32          // sorted
	owners   map[uint32]string // point -> instance id
	nodes    map[string]string // instance id -> address
}

func New(replicas int, h Hasher) *HashRing {
	if replicas <= 0 {
		replicas = DefaultReplicas
	}
	if h == nil {
		h = FNV32a
	}
	return &HashRing{
		replicas: replicas,
		hash:     h,
		owners:   make(map[uint32]string),
		nodes:    make(map[string]string),
	}
}

// Add inserts an instance. Re-adding a known id only updates its address.
func (r *HashRing) Add(id, addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[id]; ok {
		r.nodes[id] = addr
		return
	}
	r.nodes[id] = addr
	for i := 0; i < r.replicas; i++ {
		pt := r.hash(pointKey(id, i))
		r.owners[pt] = id
		r.points = append(r.points, pt)
	}
	slices.Sort(r.points)
}

// Remove drops an instance and reports whether it was present.
func (r *HashRing) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[id]; !ok {
		return false
	}
	delete(r.nodes, id)
	// rebuild points/owners
	r.points = r.points[:0]
	clear(r.owners)
	for other := range r.nodes {
		for i := 0; i < r.replicas; i++ {
			pt := r.hash(pointKey(other, i))
			r.owners[pt] = other
			r.points = append(r.points, pt)
		}
	}
	slices.Sort(r.points)
	return true
}

func (r *HashRing) Lookup(key []byte) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.points) == 0 {
		return ""
	}
	return r.owners[r.points[r.search(key)]]
}

// LookupN returns up to n distinct instances walking clockwise from key.
func (r *HashRing) LookupN(key []byte, n int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.points) == 0 || n <= 0 {
		return nil
	}
	idx := r.search(key)

	seen := make(map[string]struct{}, n)
	out := make([]string, 0, n)
	for i := 0; i < len(r.points) && len(out) < n; i++ {
		id := r.owners[r.points[(idx+i)%len(r.points)]]
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

func (r *HashRing) Addr(id string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.nodes[id]
	return a, ok
}

// Nodes returns a copy of the id -> address table.
func (r *HashRing) Nodes() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.nodes)
}

func (r *HashRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// search returns the index of the first point >= hash(key), wrapping to 0.
func (r *HashRing) search(key []byte) int {
	h := r.hash(key)
	idx := sort.Search(len(r.points), func(i int) bool { return r.points[i] >= h })
	if idx == len(r.points) {
		idx = 0
	}
	return idx
}

// FNV32a is the default Hasher.
func FNV32a(b []byte) uint32 {
	h := fnv.New32a()
	_, _ = h.Write(b)
	return h.Sum32()
}

func pointKey(id string, i int) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(i))
	return append([]byte(id), buf[:]...)
}
