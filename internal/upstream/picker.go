package upstream

import (
	"strconv"
	"strings"

	"github.com/envoyage/envoyage/internal/store"
)

// Picker combines health filtering with the two balancing algorithms and
// enforces the retry contract: each retry invokes the balancer again and
// must not revisit a node already tried this request, unless no
// alternatives remain.
//
// One Picker serves one upstream id; the balancers inside it scope their
// state to the upstream's (version, node-set) fingerprint and re-key it
// whenever that changes.
type Picker struct {
	upstreamID string
	rr         *RoundRobin
	ch         *CHash
	health     *HealthRegistry
}

// NewPicker creates a Picker for up, backed by health. vnodesPerWeight
// configures the consistent-hash ring's virtual-node density; pass 0 to use
// the default.
func NewPicker(up *store.Upstream, health *HealthRegistry, vnodesPerWeight int) *Picker {
	return &Picker{
		upstreamID: up.ID,
		rr:         NewRoundRobin(),
		ch:         NewCHash(vnodesPerWeight),
		health:     health,
	}
}

// fingerprint identifies the (version, node-set) state key balancer state
// is scoped to: the upstream id, its DNS-aware conf version (or plain
// version), and every candidate node with its weight.
func fingerprint(up *store.Upstream, nodes []store.Node) string {
	version := up.ConfVersion
	if version == "" {
		version = strconv.FormatUint(up.Version, 10)
	}
	var b strings.Builder
	b.WriteString(up.ID + "|" + version)
	for _, n := range nodes {
		b.WriteString("|" + nodeKey(n) + "*" + strconv.Itoa(n.Weight))
	}
	return b.String()
}

// Pick selects a node for this attempt of the request, excluding nodes
// already tried (tried), per up.Type.
func (p *Picker) Pick(up *store.Upstream, hashKey string, tried map[string]bool) store.Node {
	healthy := p.health.HealthyNodes(up.ID, up.Nodes)
	key := fingerprint(up, healthy)

	if up.Type == store.BalancerCHash {
		node, _ := p.ch.Pick(key, healthy, hashKey, tried)
		return node
	}
	return p.rr.Pick(key, healthy, tried)
}

// MaxRetries returns the number of additional attempts allowed beyond the
// first: up.Retries if set, capped at len(nodes)-1; otherwise len(nodes)-1.
func MaxRetries(up *store.Upstream) int {
	if up.Retries > 0 {
		ceiling := len(up.Nodes) - 1
		if ceiling < 0 {
			ceiling = 0
		}
		if up.Retries > ceiling {
			return ceiling
		}
		return up.Retries
	}
	if len(up.Nodes) > 1 {
		return len(up.Nodes) - 1
	}
	return 0
}

// RetryableStatus reports whether statusCode is one of the configurable
// upstream status codes that should trigger a retry, per up's passive
// check unhealthy-status list.
func RetryableStatus(up *store.Upstream, statusCode int) bool {
	if up.Checks == nil || up.Checks.Passive == nil {
		return false
	}
	for _, s := range up.Checks.Passive.UnhealthyStatuses {
		if s == statusCode {
			return true
		}
	}
	return false
}
