// Package dnscache implements a TTL-bounded cache mapping (upstream id,
// version) to an IP-materialized clone of that upstream, so a
// hostname-backed upstream is only resolved once per TTL instead of once
// per request. Built on hashicorp/golang-lru/v2's expirable LRU.
package dnscache

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/envoyage/envoyage/internal/store"
)

// key uniquely identifies one cached materialization.
type key struct {
	id      string
	version uint64
}

// Resolver resolves a hostname to a set of IP addresses. *net.Resolver
// satisfies this; tests substitute a fake.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Cache is the DNS Resolver Cache.
type Cache struct {
	lru      *lru.LRU[key, *store.Upstream]
	resolver Resolver
	now      func() time.Time
}

// New creates a Cache with the given TTL and capacity. resolver performs
// the actual hostname lookups; pass net.DefaultResolver in production.
func New(ttl time.Duration, capacity int, resolver Resolver) *Cache {
	return &Cache{
		lru:      lru.NewLRU[key, *store.Upstream](capacity, nil, ttl),
		resolver: resolver,
		now:      time.Now,
	}
}

// Materialize returns an IP-resolved clone of up, consulting the cache
// under (up.ID, up.Version) first.
//
// On a cache miss, every non-IP node is resolved via Resolver, the nodes
// with resolved IPs substituted. If the resulting node set is
// tuple-equivalent ({host,port,weight} sequence) to the most recently
// cached value for this upstream id, the old version string is kept so
// downstream caches keyed on conf_version don't needlessly invalidate;
// otherwise the version is suffixed with "#<timestamp>".
func (c *Cache) Materialize(ctx context.Context, up *store.Upstream) (*store.Upstream, error) {
	if !up.HasDomain() {
		return up, nil
	}

	k := key{id: up.ID, version: up.Version}
	if cached, ok := c.lru.Get(k); ok {
		return cached, nil
	}

	resolved := *up
	resolved.Nodes = make([]store.Node, 0, len(up.Nodes))
	for _, n := range up.Nodes {
		if net.ParseIP(n.Host) != nil {
			resolved.Nodes = append(resolved.Nodes, n)
			continue
		}
		ips, err := c.resolver.LookupHost(ctx, n.Host)
		if err != nil {
			return nil, fmt.Errorf("resolving %q for upstream %q: %w", n.Host, up.ID, err)
		}
		for _, ip := range ips {
			resolved.Nodes = append(resolved.Nodes, store.Node{Host: ip, Port: n.Port, Weight: n.Weight})
		}
	}

	versionStr := strconv.FormatUint(up.Version, 10)
	if prev, ok := c.previousForID(up.ID); ok && nodesEquivalent(prev.Nodes, resolved.Nodes) {
		versionStr = versionStrOf(prev)
	} else {
		versionStr = fmt.Sprintf("%d#%d", up.Version, c.now().UnixNano())
	}
	resolved.ConfVersion = versionStr

	c.lru.Add(k, &resolved)
	return &resolved, nil
}

// previousForID scans the cache for the most recent entry with the same
// upstream id (any version), used to decide whether to keep its version
// string on re-resolution.
func (c *Cache) previousForID(id string) (*store.Upstream, bool) {
	var best *store.Upstream
	var bestVersion uint64
	for _, k := range c.lru.Keys() {
		if k.id != id {
			continue
		}
		v, ok := c.lru.Peek(k)
		if !ok {
			continue
		}
		if best == nil || k.version > bestVersion {
			best = v
			bestVersion = k.version
		}
	}
	return best, best != nil
}

func versionStrOf(u *store.Upstream) string {
	if u.ConfVersion != "" {
		return u.ConfVersion
	}
	return strconv.FormatUint(u.Version, 10)
}

// nodesEquivalent compares two node sets by the {host,port,weight} tuple
// sequence.
func nodesEquivalent(a, b []store.Node) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
