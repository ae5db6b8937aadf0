package dnscache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/envoyage/envoyage/internal/store"
)

type fakeResolver struct {
	answers map[string][]string
}

func (f *fakeResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	return f.answers[host], nil
}

func TestMaterializeSkipsIPOnlyUpstream(t *testing.T) {
	c := New(time.Minute, 10, &fakeResolver{})
	up := &store.Upstream{ID: "u1", Version: 1, Nodes: []store.Node{{Host: "10.0.0.1", Port: 80, Weight: 1}}}

	got, err := c.Materialize(context.Background(), up)
	require.NoError(t, err)
	assert.Same(t, up, got)
}

func TestMaterializeResolvesHostname(t *testing.T) {
	resolver := &fakeResolver{answers: map[string][]string{"svc.local": {"10.0.0.1"}}}
	c := New(time.Minute, 10, resolver)
	up := &store.Upstream{ID: "u1", Version: 1, Nodes: []store.Node{{Host: "svc.local", Port: 80, Weight: 1}}}

	got, err := c.Materialize(context.Background(), up)
	require.NoError(t, err)
	require.Len(t, got.Nodes, 1)
	assert.Equal(t, "10.0.0.1", got.Nodes[0].Host)
	assert.NotEmpty(t, got.ConfVersion)
}

func TestMaterializeReusesCacheOnUnchangedVersion(t *testing.T) {
	resolver := &fakeResolver{answers: map[string][]string{"svc.local": {"10.0.0.1"}}}
	c := New(time.Minute, 10, resolver)
	up := &store.Upstream{ID: "u1", Version: 1, Nodes: []store.Node{{Host: "svc.local", Port: 80, Weight: 1}}}

	first, err := c.Materialize(context.Background(), up)
	require.NoError(t, err)

	second, err := c.Materialize(context.Background(), up)
	require.NoError(t, err)
	assert.Same(t, first, second, "same (id, version) must hit the cache, not re-resolve")
}

func TestMaterializeKeepsVersionStringWhenNodesEquivalentAcrossVersionBump(t *testing.T) {
	resolver := &fakeResolver{answers: map[string][]string{"svc.local": {"10.0.0.1"}}}
	c := New(time.Minute, 10, resolver)

	up1 := &store.Upstream{ID: "u1", Version: 1, Nodes: []store.Node{{Host: "svc.local", Port: 80, Weight: 1}}}
	first, err := c.Materialize(context.Background(), up1)
	require.NoError(t, err)

	// A Route/Service config change bumps the upstream's Version even though
	// DNS answers (and hence the node set) are unchanged.
	up2 := &store.Upstream{ID: "u1", Version: 2, Nodes: []store.Node{{Host: "svc.local", Port: 80, Weight: 1}}}
	second, err := c.Materialize(context.Background(), up2)
	require.NoError(t, err)

	assert.Equal(t, first.ConfVersion, second.ConfVersion, "equivalent node sets must keep the prior version string")
}

func TestMaterializeBumpsVersionSuffixWhenDNSAnswerChanges(t *testing.T) {
	resolver := &fakeResolver{answers: map[string][]string{"svc.local": {"10.0.0.1"}}}
	c := New(time.Minute, 10, resolver)

	up1 := &store.Upstream{ID: "u1", Version: 1, Nodes: []store.Node{{Host: "svc.local", Port: 80, Weight: 1}}}
	first, err := c.Materialize(context.Background(), up1)
	require.NoError(t, err)

	resolver.answers["svc.local"] = []string{"10.0.0.2"}
	up2 := &store.Upstream{ID: "u1", Version: 2, Nodes: []store.Node{{Host: "svc.local", Port: 80, Weight: 1}}}
	second, err := c.Materialize(context.Background(), up2)
	require.NoError(t, err)

	assert.NotEqual(t, first.ConfVersion, second.ConfVersion)
	assert.Contains(t, second.ConfVersion, "#")
	assert.Equal(t, "10.0.0.2", second.Nodes[0].Host)
}
