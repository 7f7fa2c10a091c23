// Package relay implements the store-and-forward router: it picks relay
// peers for an offline recipient, hands them a carried copy of the message,
// and tracks per-replica delivery state.
//
// Grounded on the teacher's cluster.Ring (consistent hashing over virtual
// nodes) for the underlying peer-selection structure, and cluster.Replicator
// (fan-out-and-track-responses) for the replicate/track shape — regeneralized
// from "which N replicas own this key" into "which K relay peers should
// carry this message," with the teacher's pure hash-ring ownership replaced
// by the trusted/recency policy 4.F specifies.
package relay

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"slices"
	"sort"
	"sync"
)

const defaultVnodes = 150

// Ring places known peers on a consistent-hash ring so relay selection stays
// stable as peers join and leave — the same stability property the teacher
// uses it for, reused here to avoid reshuffling every message's relay set
// whenever the peer set changes slightly.
type Ring struct {
	mu     sync.RWMutex
	vnodes int
	ring   map[uint32]string
	sorted []uint32
}

// NewRing creates an empty hash ring. A non-positive vnodes uses the default.
func NewRing(vnodes int) *Ring {
	if vnodes <= 0 {
		vnodes = defaultVnodes
	}
	return &Ring{vnodes: vnodes, ring: make(map[uint32]string)}
}

// AddPeer places peerID's virtual nodes on the ring.
func (r *Ring) AddPeer(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := 0; i < r.vnodes; i++ {
		pos := r.hash(peerID, i)
		r.ring[pos] = peerID
	}
	r.rebuild()
}

// RemovePeer takes peerID off the ring.
func (r *Ring) RemovePeer(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := 0; i < r.vnodes; i++ {
		pos := r.hash(peerID, i)
		delete(r.ring, pos)
	}
	r.rebuild()
}

// Candidates returns up to n distinct peers walking clockwise from key's
// ring position, excluding exclude. The router uses it as the last source
// of candidates, after trusted contacts and recent routing entries.
func (r *Ring) Candidates(key string, n int, exclude string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.sorted) == 0 {
		return nil
	}

	h := sha256.Sum256([]byte(key))
	pos := binary.BigEndian.Uint32(h[:4])
	idx := sort.Search(len(r.sorted), func(i int) bool { return r.sorted[i] >= pos })
	if idx == len(r.sorted) {
		idx = 0
	}

	seen := map[string]bool{exclude: true}
	var out []string
	for i := 0; i < len(r.sorted) && len(out) < n; i++ {
		vpos := r.sorted[(idx+i)%len(r.sorted)]
		peerID := r.ring[vpos]
		if !seen[peerID] {
			seen[peerID] = true
			out = append(out, peerID)
		}
	}
	return out
}

func (r *Ring) hash(peerID string, i int) uint32 {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s#%d", peerID, i)))
	return binary.BigEndian.Uint32(h[:4])
}

func (r *Ring) rebuild() {
	r.sorted = make([]uint32, 0, len(r.ring))
	for pos := range r.ring {
		r.sorted = append(r.sorted, pos)
	}
	slices.Sort(r.sorted)
}
