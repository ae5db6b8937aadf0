package upstream

import (
	"sort"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/envoyage/envoyage/internal/store"
)

// defaultVnodesPerWeight is used when a CHash is built without an explicit
// virtual-node count.
const defaultVnodesPerWeight = 160

// ring is one immutable consistent-hashing ring, a sorted slice of
// (hash, node) pairs.
type ring struct {
	hashes []uint64
	nodes  []store.Node
}

func buildRing(nodes []store.Node, vnodesPerWeight int) *ring {
	type entry struct {
		hash uint64
		node store.Node
	}
	var entries []entry
	for _, n := range nodes {
		w := n.Weight
		if w <= 0 {
			w = 1
		}
		for i := 0; i < w*vnodesPerWeight; i++ {
			key := nodeKey(n) + "#" + strconv.Itoa(i)
			entries = append(entries, entry{hash: xxhash.Sum64String(key), node: n})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].hash < entries[j].hash })

	r := &ring{hashes: make([]uint64, len(entries)), nodes: make([]store.Node, len(entries))}
	for i, e := range entries {
		r.hashes[i] = e.hash
		r.nodes[i] = e.node
	}
	return r
}

// pick walks the ring clockwise from hash, skipping excluded nodes, and
// returns the first hit (or the zero value if every node is excluded and
// the caller didn't already handle that case).
func (r *ring) pick(hash uint64, excluded map[string]bool) (store.Node, bool) {
	if len(r.hashes) == 0 {
		return store.Node{}, false
	}
	start := sort.Search(len(r.hashes), func(i int) bool { return r.hashes[i] >= hash })

	for i := 0; i < len(r.hashes); i++ {
		idx := (start + i) % len(r.hashes)
		n := r.nodes[idx]
		if !excluded[nodeKey(n)] {
			return n, true
		}
	}
	return store.Node{}, false
}

// CHash implements consistent-hash selection over a ring of virtual nodes,
// giving each real node a number of ring positions proportional to its
// weight. One ring is built per distinct node-set and cached by a
// fingerprint key, same lifecycle as RoundRobin.
type CHash struct {
	mu              sync.Mutex
	key             string
	ring            *ring
	vnodesPerWeight int
}

// NewCHash creates an empty CHash balancer with vnodesPerWeight virtual
// nodes per unit of node weight. A non-positive value falls back to
// defaultVnodesPerWeight.
func NewCHash(vnodesPerWeight int) *CHash {
	if vnodesPerWeight <= 0 {
		vnodesPerWeight = defaultVnodesPerWeight
	}
	return &CHash{vnodesPerWeight: vnodesPerWeight}
}

// Pick selects a node for hashKey (the resolved value of upstream.hash_on/
// key for this request) from nodes, honoring excluded the same way
// RoundRobin does.
func (b *CHash) Pick(key string, nodes []store.Node, hashKey string, excluded map[string]bool) (store.Node, bool) {
	b.mu.Lock()
	if key != b.key || b.ring == nil {
		b.key = key
		b.ring = buildRing(nodes, b.vnodesPerWeight)
	}
	r := b.ring
	b.mu.Unlock()

	h := xxhash.Sum64String(hashKey)
	node, ok := r.pick(h, excluded)
	if !ok {
		// All candidates excluded: fall back to the unfiltered ring, the
		// same "no alternatives remain" behavior the round-robin balancer
		// falls back to on retry.
		return r.pick(h, nil)
	}
	return node, true
}
