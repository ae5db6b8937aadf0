// Package router implements the HTTP router: a URI-keyed radix tree
// matcher compiled from the Routes collection, with host/method/CIDR/
// variable-predicate filtering and priority+specificity selection among
// candidates.
package router

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/envoyage/envoyage/internal/store"
)

// node is one segment of the radix tree. Each node may hold routes whose URI
// pattern terminates exactly here.
type node struct {
	segment  string
	static   map[string]*node // literal child segments
	param    *node            // single ":name" child, matches any one segment
	paramKey string
	wildcard *node // "*" child, matches the remainder of the path
	routes   []*store.Route
}

func newNode(segment string) *node {
	return &node{segment: segment, static: make(map[string]*node)}
}

// Tree is one compiled, immutable snapshot of the router's matcher. Matching
// a request never mutates a Tree, so the same *Tree can be shared across
// goroutines while a new one is built in the background and atomically
// swapped in.
type Tree struct {
	root *node
}

// Build compiles routes into a new Tree. routes is not retained; segments
// are parsed by `/`, a leading `:` marks a parameter, a lone `*` marks a
// trailing wildcard.
func Build(routes []*store.Route) *Tree {
	root := newNode("")
	for _, r := range routes {
		for _, uri := range r.URIs {
			insert(root, splitPath(uri), r)
		}
	}
	return &Tree{root: root}
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func insert(root *node, segments []string, r *store.Route) {
	cur := root
	for _, seg := range segments {
		switch {
		case seg == "*":
			if cur.wildcard == nil {
				cur.wildcard = newNode("*")
			}
			cur = cur.wildcard
		case strings.HasPrefix(seg, ":"):
			if cur.param == nil {
				cur.param = newNode(seg)
				cur.paramKey = strings.TrimPrefix(seg, ":")
			}
			cur = cur.param
		default:
			child, ok := cur.static[seg]
			if !ok {
				child = newNode(seg)
				cur.static[seg] = child
			}
			cur = child
		}
	}
	cur.routes = append(cur.routes, r)
}

// candidate pairs a matched route with the specificity of the path match
// that found it, for the tie-break that prefers a more specific URI (exact
// > longer prefix > shorter prefix).
type candidate struct {
	route       *store.Route
	specificity int // 2 per static segment consumed, +1 if the URI ends at an exact (non-wildcard) leaf
}

// collect walks every path through the tree that could match segments,
// honoring precedence static > param > wildcard at each level, appending a
// candidate per terminal route found along the way so prefix routes
// (ending in `*`) are considered too.
func collect(n *node, segments []string, staticDepth int, out *[]candidate) {
	if len(segments) == 0 {
		for _, r := range n.routes {
			*out = append(*out, candidate{route: r, specificity: staticDepth*2 + 1})
		}
		if n.wildcard != nil {
			for _, r := range n.wildcard.routes {
				*out = append(*out, candidate{route: r, specificity: staticDepth * 2})
			}
		}
		return
	}

	head, rest := segments[0], segments[1:]

	if child, ok := n.static[head]; ok {
		collect(child, rest, staticDepth+1, out)
	}
	if n.param != nil {
		collect(n.param, rest, staticDepth, out)
	}
	if n.wildcard != nil {
		for _, r := range n.wildcard.routes {
			*out = append(*out, candidate{route: r, specificity: staticDepth * 2})
		}
	}
}

// Match finds every route whose URI pattern matches vars.URI, independent of
// the other predicates; callers filter further with Select.
func (t *Tree) Match(vars *RequestVars) []candidate {
	segs := splitPath(vars.URI)
	var out []candidate
	collect(t.root, segs, 0, &out)
	return out
}

// Select applies the full predicate vector and the priority+specificity+id
// tie-break to choose a single route, or nil if none qualify.
func Select(candidates []candidate, vars *RequestVars) *store.Route {
	var best *store.Route
	var bestPriority, bestSpecificity int
	first := true

	for _, c := range candidates {
		r := c.route
		if !MatchesHost(r.Hosts, vars.Host) {
			continue
		}
		if !MatchesMethod(r.Methods, vars.Method) {
			continue
		}
		if !MatchesRemoteAddr(r.RemoteAddrs, vars.RemoteAddr) {
			continue
		}
		if !EvalAll(r.Vars, vars) {
			continue
		}

		if first {
			best, bestPriority, bestSpecificity, first = r, r.Priority, c.specificity, false
			continue
		}
		if better(r, c.specificity, best, bestPriority, bestSpecificity) {
			best, bestPriority, bestSpecificity = r, r.Priority, c.specificity
		}
	}
	return best
}

// better reports whether (r, specificity) should win over the current best:
// higher priority wins, then greater specificity, then smaller id.
func better(r *store.Route, specificity int, best *store.Route, bestPriority, bestSpecificity int) bool {
	if r.Priority != bestPriority {
		return r.Priority > bestPriority
	}
	if specificity != bestSpecificity {
		return specificity > bestSpecificity
	}
	return r.ID < best.ID
}

// Router holds the currently active Tree and rebuilds it whenever the
// Routes collection changes, exposing MatchRequest(vars) → route | nil.
// The active Tree is held in an atomic.Pointer swapped by a registered
// change callback, so readers never block on a rebuild in progress.
type Router struct {
	tree *atomic.Pointer[Tree]
	src  *store.Collection[*store.Route]
	mu   sync.Mutex // serializes concurrent rebuild triggers
}

// New creates a Router bound to routes and performs an initial build.
// Callers should additionally call routes.OnChange(r.Rebuild) (or rely on
// Store.OnAnyChange) to keep it current; New does not register itself so
// callers composing several derived structures can share one callback.
func New(routes *store.Collection[*store.Route]) *Router {
	r := &Router{tree: &atomic.Pointer[Tree]{}, src: routes}
	r.Rebuild()
	return r
}

// Rebuild recompiles the tree from the current state of the source
// collection and atomically swaps it in. Safe to call concurrently with
// Match.
func (r *Router) Rebuild() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tree.Store(Build(r.src.Iterate()))
}

// MatchRequest resolves vars against the current tree and returns the
// selected route, or nil if nothing qualifies.
func (r *Router) MatchRequest(vars *RequestVars) *store.Route {
	tree := r.tree.Load()
	if tree == nil {
		return nil
	}
	candidates := tree.Match(vars)
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].route.ID < candidates[j].route.ID
	})
	return Select(candidates, vars)
}
