package upstream

import (
	"strconv"
	"sync"

	"github.com/envoyage/envoyage/internal/store"
)

// rrEntry tracks one node's smooth-weighted-round-robin state: effective
// weight plus the running current weight that decays after each pick (the
// classic nginx smooth-WRR algorithm).
type rrEntry struct {
	node    store.Node
	current int
}

// RoundRobin implements weighted smooth round-robin over healthy nodes;
// its current-weight state is kept per (upstream.version, node-set).
type RoundRobin struct {
	mu    sync.Mutex
	key   string // upstream.version + node-set fingerprint
	state []*rrEntry
}

// NewRoundRobin creates an empty RoundRobin balancer; state is lazily
// (re)built the first time Pick observes a new key.
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{}
}

// Pick selects the next node by smooth weighted round-robin, honoring
// excluded (nodes already tried this request — a retry must not revisit
// one of them unless no alternatives remain). healthy nodes that are also
// excluded are skipped first; if every candidate is excluded, the
// exclusion is ignored since no alternatives remain.
func (b *RoundRobin) Pick(key string, healthy []store.Node, excluded map[string]bool) store.Node {
	b.mu.Lock()
	defer b.mu.Unlock()

	if key != b.key || len(b.state) != len(healthy) || !sameNodeSet(b.state, healthy) {
		b.key = key
		b.state = make([]*rrEntry, len(healthy))
		for i, n := range healthy {
			w := n.Weight
			if w <= 0 {
				w = 1
			}
			b.state[i] = &rrEntry{node: store.Node{Host: n.Host, Port: n.Port, Weight: w}}
		}
	}

	candidates := b.state
	if hasNonExcluded(candidates, excluded) {
		candidates = filterExcluded(candidates, excluded)
	}

	total := 0
	var best *rrEntry
	for _, e := range candidates {
		e.current += e.node.Weight
		total += e.node.Weight
		if best == nil || e.current > best.current {
			best = e
		}
	}
	best.current -= total
	return best.node
}

func hasNonExcluded(entries []*rrEntry, excluded map[string]bool) bool {
	for _, e := range entries {
		if !excluded[nodeKey(e.node)] {
			return true
		}
	}
	return false
}

func filterExcluded(entries []*rrEntry, excluded map[string]bool) []*rrEntry {
	out := make([]*rrEntry, 0, len(entries))
	for _, e := range entries {
		if !excluded[nodeKey(e.node)] {
			out = append(out, e)
		}
	}
	return out
}

func sameNodeSet(state []*rrEntry, nodes []store.Node) bool {
	if len(state) != len(nodes) {
		return false
	}
	seen := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		seen[nodeKey(n)] = true
	}
	for _, e := range state {
		if !seen[nodeKey(e.node)] {
			return false
		}
	}
	return true
}

func nodeKey(n store.Node) string {
	return n.Host + ":" + strconv.Itoa(n.Port)
}
