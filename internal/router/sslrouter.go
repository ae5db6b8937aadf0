package router

import (
	"strings"
	"sync/atomic"

	"github.com/envoyage/envoyage/internal/store"
)

// SSLTree is a compiled, immutable SNI matcher: identical in spirit to the
// HTTP URI tree but keyed by SNI host instead of path, with wildcard
// support.
type SSLTree struct {
	exact    map[string]*store.SSL
	wildcard map[string]*store.SSL // keyed by the domain suffix after "*."
}

// BuildSSL compiles certs into a new SSLTree.
func BuildSSL(certs []*store.SSL) *SSLTree {
	t := &SSLTree{exact: make(map[string]*store.SSL), wildcard: make(map[string]*store.SSL)}
	for _, c := range certs {
		for _, sni := range c.SNIs {
			sni = strings.ToLower(sni)
			if strings.HasPrefix(sni, "*.") {
				t.wildcard[strings.TrimPrefix(sni, "*.")] = c
			} else {
				t.exact[sni] = c
			}
		}
	}
	return t
}

// Match returns the certificate for host, preferring an exact SNI match over
// a one-label wildcard match.
func (t *SSLTree) Match(host string) *store.SSL {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if c, ok := t.exact[host]; ok {
		return c
	}
	if dot := strings.IndexByte(host, '.'); dot >= 0 {
		if c, ok := t.wildcard[host[dot+1:]]; ok {
			return c
		}
	}
	return nil
}

// SSLRouter holds the currently active SSLTree, rebuilding it whenever the
// SSLCerts collection changes.
type SSLRouter struct {
	tree *atomic.Pointer[SSLTree]
	src  *store.Collection[*store.SSL]
}

// NewSSL creates an SSLRouter bound to certs and performs an initial build.
func NewSSL(certs *store.Collection[*store.SSL]) *SSLRouter {
	r := &SSLRouter{tree: &atomic.Pointer[SSLTree]{}, src: certs}
	r.Rebuild()
	return r
}

// Rebuild recompiles the SNI tree and atomically swaps it in.
func (r *SSLRouter) Rebuild() {
	r.tree.Store(BuildSSL(r.src.Iterate()))
}

// MatchSNI resolves the certificate for an incoming TLS ClientHello's server
// name by exact or wildcard SNI, or nil if none match.
func (r *SSLRouter) MatchSNI(serverName string) *store.SSL {
	tree := r.tree.Load()
	if tree == nil {
		return nil
	}
	return tree.Match(serverName)
}
