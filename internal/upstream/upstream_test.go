package upstream

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/envoyage/envoyage/internal/dnscache"
	"github.com/envoyage/envoyage/internal/store"
)

func TestSelectorPrecedenceUpstreamIDWins(t *testing.T) {
	st := store.New()
	st.Upstreams.Upsert("direct", &store.Upstream{ID: "direct", Nodes: []store.Node{{Host: "10.0.0.1", Port: 80, Weight: 1}}}, func(u *store.Upstream, v uint64) *store.Upstream { u.Version = v; return u })

	route := &store.Route{
		ID:         "r1",
		UpstreamID: "direct",
		ServiceID:  "svc1",
		Upstream:   &store.Upstream{ID: "inline", Nodes: []store.Node{{Host: "10.0.0.9", Port: 80, Weight: 1}}},
	}

	sel := New(st, dnscache.New(0, 10, nil))
	up, err := sel.Resolve(context.Background(), route)
	require.NoError(t, err)
	assert.Equal(t, "direct", up.ID)
}

func TestSelectorFallsBackToServiceThenInline(t *testing.T) {
	st := store.New()
	st.Services.Upsert("svc1", &store.Service{ID: "svc1", Upstream: &store.Upstream{ID: "svc-upstream", Nodes: []store.Node{{Host: "10.0.0.2", Port: 80, Weight: 1}}}}, func(s *store.Service, v uint64) *store.Service { s.Version = v; return s })

	route := &store.Route{ID: "r2", ServiceID: "svc1", Upstream: &store.Upstream{ID: "inline", Nodes: []store.Node{{Host: "10.0.0.9", Port: 80, Weight: 1}}}}
	sel := New(st, dnscache.New(0, 10, nil))
	up, err := sel.Resolve(context.Background(), route)
	require.NoError(t, err)
	assert.Equal(t, "svc-upstream", up.ID)

	route2 := &store.Route{ID: "r3", Upstream: &store.Upstream{ID: "inline", Nodes: []store.Node{{Host: "10.0.0.9", Port: 80, Weight: 1}}}}
	up2, err := sel.Resolve(context.Background(), route2)
	require.NoError(t, err)
	assert.Equal(t, "inline", up2.ID)
}

func TestSelectorFailsWhenNoUpstreamResolves(t *testing.T) {
	st := store.New()
	route := &store.Route{ID: "r4"}
	sel := New(st, dnscache.New(0, 10, nil))
	_, err := sel.Resolve(context.Background(), route)
	assert.Error(t, err)
}

func TestRoundRobinSmoothDistribution(t *testing.T) {
	rr := NewRoundRobin()
	nodes := []store.Node{{Host: "a", Port: 1, Weight: 1}, {Host: "b", Port: 1, Weight: 1}}

	counts := map[string]int{}
	for i := 0; i < 100; i++ {
		n := rr.Pick("v1", nodes, nil)
		counts[n.Host]++
	}

	assert.InDelta(t, 50, counts["a"], 2)
	assert.InDelta(t, 50, counts["b"], 2)
}

func TestRoundRobinExcludesTriedNodes(t *testing.T) {
	rr := NewRoundRobin()
	nodes := []store.Node{{Host: "a", Port: 1, Weight: 1}, {Host: "b", Port: 1, Weight: 1}}
	excluded := map[string]bool{"a:1": true}

	for i := 0; i < 5; i++ {
		n := rr.Pick("v1", nodes, excluded)
		assert.Equal(t, "b", n.Host)
	}
}

func TestCHashStableForSameKey(t *testing.T) {
	ch := NewCHash(0)
	nodes := []store.Node{{Host: "a", Port: 1, Weight: 1}, {Host: "b", Port: 1, Weight: 1}, {Host: "c", Port: 1, Weight: 1}}

	first, ok := ch.Pick("v1", nodes, "client-123", nil)
	require.True(t, ok)
	for i := 0; i < 10; i++ {
		again, ok := ch.Pick("v1", nodes, "client-123", nil)
		require.True(t, ok)
		assert.Equal(t, first.Host, again.Host)
	}
}

func TestCHashFallsBackWhenAllExcluded(t *testing.T) {
	ch := NewCHash(0)
	nodes := []store.Node{{Host: "a", Port: 1, Weight: 1}}
	excluded := map[string]bool{"a:1": true}

	node, ok := ch.Pick("v1", nodes, "client-123", excluded)
	require.True(t, ok)
	assert.Equal(t, "a", node.Host)
}

func TestHealthRegistryExcludesUnhealthyUntilRecovered(t *testing.T) {
	reg := NewHealthRegistry()
	up := &store.Upstream{
		ID:    "up1",
		Nodes: []store.Node{{Host: "a", Port: 1}, {Host: "b", Port: 1}},
		Checks: &store.HealthChecks{
			Passive: &store.PassiveCheck{UnhealthyStatuses: []int{500}, UnhealthyThreshold: 2, HealthyThreshold: 1},
		},
	}

	reg.RecordPassive(up, up.Nodes[0], 500)
	assert.True(t, reg.IsHealthy("up1", up.Nodes[0]), "one failure below threshold must stay healthy")

	reg.RecordPassive(up, up.Nodes[0], 500)
	assert.False(t, reg.IsHealthy("up1", up.Nodes[0]), "threshold reached, node must flip unhealthy")

	healthy := reg.HealthyNodes("up1", up.Nodes)
	require.Len(t, healthy, 1)
	assert.Equal(t, "b", healthy[0].Host)

	reg.RecordPassive(up, up.Nodes[0], 200)
	assert.True(t, reg.IsHealthy("up1", up.Nodes[0]), "a success should recover the node")
}

func TestHealthRegistryFallsBackToFullSetWhenAllUnhealthy(t *testing.T) {
	reg := NewHealthRegistry()
	up := &store.Upstream{
		ID:    "up2",
		Nodes: []store.Node{{Host: "a", Port: 1}},
		Checks: &store.HealthChecks{
			Passive: &store.PassiveCheck{UnhealthyStatuses: []int{500}, UnhealthyThreshold: 1, HealthyThreshold: 1},
		},
	}
	reg.RecordPassive(up, up.Nodes[0], 500)
	require.False(t, reg.IsHealthy("up2", up.Nodes[0]))

	nodes := reg.HealthyNodes("up2", up.Nodes)
	require.Len(t, nodes, 1, "with all nodes unhealthy the balancer must fall back to the full set")
}

func TestMaxRetriesDefaultsToNodesMinusOne(t *testing.T) {
	up := &store.Upstream{Nodes: []store.Node{{}, {}, {}}}
	assert.Equal(t, 2, MaxRetries(up))

	up.Retries = 1
	assert.Equal(t, 1, MaxRetries(up))

	up.Retries = 99
	assert.Equal(t, 2, MaxRetries(up), "retries must be capped at len(nodes)-1")
}
