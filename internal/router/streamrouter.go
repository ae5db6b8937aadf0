package router

import (
	"sync/atomic"

	"github.com/envoyage/envoyage/internal/store"
)

// StreamTree is a compiled, immutable L4 matcher keyed by server port, with
// an optional remote_addr CIDR predicate narrowing candidates on the same
// port.
type StreamTree struct {
	byPort map[int][]*store.StreamRoute
}

// BuildStream compiles routes into a new StreamTree.
func BuildStream(routes []*store.StreamRoute) *StreamTree {
	t := &StreamTree{byPort: make(map[int][]*store.StreamRoute)}
	for _, r := range routes {
		t.byPort[r.ServerPort] = append(t.byPort[r.ServerPort], r)
	}
	return t
}

// Match returns the stream route for (port, remoteAddr): among the routes on
// that port whose remote_addr predicate holds (or which have none), the one
// with the smallest id. A route with a remote_addr predicate is not
// preferred over one without.
func (t *StreamTree) Match(port int, remoteAddr string) *store.StreamRoute {
	candidates := t.byPort[port]
	var best *store.StreamRoute
	for _, r := range candidates {
		if !MatchesRemoteAddr(r.RemoteAddrs, remoteAddr) {
			continue
		}
		if best == nil || r.ID < best.ID {
			best = r
		}
	}
	return best
}

// StreamRouter holds the currently active StreamTree, rebuilding it whenever
// the StreamRoutes collection changes.
type StreamRouter struct {
	tree *atomic.Pointer[StreamTree]
	src  *store.Collection[*store.StreamRoute]
}

// NewStream creates a StreamRouter bound to routes and performs an initial
// build.
func NewStream(routes *store.Collection[*store.StreamRoute]) *StreamRouter {
	r := &StreamRouter{tree: &atomic.Pointer[StreamTree]{}, src: routes}
	r.Rebuild()
	return r
}

// Rebuild recompiles the port-keyed tree and atomically swaps it in.
func (r *StreamRouter) Rebuild() {
	r.tree.Store(BuildStream(r.src.Iterate()))
}

// MatchConnection resolves the stream route for an accepted L4 connection,
// or nil if none match.
func (r *StreamRouter) MatchConnection(port int, remoteAddr string) *store.StreamRoute {
	tree := r.tree.Load()
	if tree == nil {
		return nil
	}
	return tree.Match(port, remoteAddr)
}
