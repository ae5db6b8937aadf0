package upstream

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/envoyage/envoyage/internal/store"
)

// nodeHealth tracks one node's consecutive-failure/-success counters for
// both active and passive checks: enough consecutive failures flips a node
// unhealthy, enough consecutive successes flips it back.
type nodeHealth struct {
	mu        sync.Mutex
	healthy   bool
	failCount int
	okCount   int
}

// HealthRegistry tracks per-(upstream, node) health state shared by the
// active checker and the passive Log-phase reporter.
type HealthRegistry struct {
	mu    sync.RWMutex
	nodes map[string]*nodeHealth // key: upstreamID + "|" + host:port
}

// NewHealthRegistry creates an empty HealthRegistry; nodes default healthy
// until a check says otherwise.
func NewHealthRegistry() *HealthRegistry {
	return &HealthRegistry{nodes: make(map[string]*nodeHealth)}
}

func healthKey(upstreamID string, n store.Node) string {
	return upstreamID + "|" + nodeKey(n)
}

func (r *HealthRegistry) entry(upstreamID string, n store.Node) *nodeHealth {
	key := healthKey(upstreamID, n)
	r.mu.RLock()
	h, ok := r.nodes[key]
	r.mu.RUnlock()
	if ok {
		return h
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.nodes[key]; ok {
		return h
	}
	h = &nodeHealth{healthy: true}
	r.nodes[key] = h
	return h
}

// IsHealthy reports whether node is currently considered healthy for
// upstreamID.
func (r *HealthRegistry) IsHealthy(upstreamID string, n store.Node) bool {
	h := r.entry(upstreamID, n)
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.healthy
}

// recordOutcome applies one check outcome against threshold/recover
// thresholds, flipping health state on crossing either boundary.
func (h *nodeHealth) recordOutcome(ok bool, unhealthyThreshold, healthyThreshold int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ok {
		h.okCount++
		h.failCount = 0
		if !h.healthy && h.okCount >= max(healthyThreshold, 1) {
			h.healthy = true
		}
	} else {
		h.failCount++
		h.okCount = 0
		if h.healthy && h.failCount >= max(unhealthyThreshold, 1) {
			h.healthy = false
		}
	}
}

// HealthyNodes filters up.Nodes down to currently-healthy ones, falling
// back to the full set if none are healthy so the balancer never fails a
// request purely because every node looked bad at once.
func (r *HealthRegistry) HealthyNodes(upstreamID string, nodes []store.Node) []store.Node {
	var healthy []store.Node
	for _, n := range nodes {
		if r.IsHealthy(upstreamID, n) {
			healthy = append(healthy, n)
		}
	}
	if len(healthy) == 0 {
		return nodes
	}
	return healthy
}

// RecordPassive applies one real-request outcome to a node's passive health
// state per up.Checks.Passive. A status code is matched against the
// unhealthy list at most once per call, regardless of duplicate entries.
func (r *HealthRegistry) RecordPassive(up *store.Upstream, n store.Node, statusCode int) {
	if up.Checks == nil || up.Checks.Passive == nil {
		return
	}
	p := up.Checks.Passive
	unhealthy := false
	for _, s := range p.UnhealthyStatuses {
		if s == statusCode {
			unhealthy = true
			break
		}
	}
	r.entry(up.ID, n).recordOutcome(!unhealthy, p.UnhealthyThreshold, p.HealthyThreshold)
}

// ActiveChecker periodically probes every node of every registered upstream
// and updates HealthRegistry accordingly via HTTP, HTTPS, or plain TCP
// probes. This single-process gateway always runs as the sole active-check
// worker, so there's no leader election to do (see SPEC_FULL.md §12).
type ActiveChecker struct {
	registry        *HealthRegistry
	client          *http.Client
	defaultInterval time.Duration
}

// NewActiveChecker creates an ActiveChecker backed by registry. defaultInterval
// is used for any upstream whose active check doesn't set its own interval;
// a non-positive value falls back to 10s.
func NewActiveChecker(registry *HealthRegistry, defaultInterval time.Duration) *ActiveChecker {
	if defaultInterval <= 0 {
		defaultInterval = 10 * time.Second
	}
	return &ActiveChecker{
		registry:        registry,
		client:          &http.Client{Timeout: 5 * time.Second},
		defaultInterval: defaultInterval,
	}
}

// Run probes every node of every upstream in ups on their configured
// interval until ctx is canceled. Each upstream gets its own ticker
// goroutine so a slow upstream's probe cadence never delays another's.
func (a *ActiveChecker) Run(ctx context.Context, ups *store.Collection[*store.Upstream]) {
	started := make(map[string]bool)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, up := range ups.Iterate() {
				if up.Checks == nil || up.Checks.Active == nil {
					continue
				}
				if !started[up.ID] {
					started[up.ID] = true
					go a.probeLoop(ctx, up)
				}
			}
		}
	}
}

func (a *ActiveChecker) probeLoop(ctx context.Context, up *store.Upstream) {
	check := up.Checks.Active
	interval := time.Duration(check.Interval) * time.Second
	if interval <= 0 {
		interval = a.defaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, n := range up.Nodes {
				ok := a.probe(ctx, check, n)
				a.registry.entry(up.ID, n).recordOutcome(ok, check.UnhealthyThreshold, check.HealthyThreshold)
			}
		}
	}
}

func (a *ActiveChecker) probe(ctx context.Context, check *store.ActiveCheck, n store.Node) bool {
	timeout := time.Duration(check.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch check.Type {
	case "tcp", "":
		return a.probeTCP(probeCtx, n)
	case "http", "https":
		return a.probeHTTP(probeCtx, check, n)
	default:
		return a.probeTCP(probeCtx, n)
	}
}

func (a *ActiveChecker) probeTCP(ctx context.Context, n store.Node) bool {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(n.Host, strconv.Itoa(n.Port)))
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func (a *ActiveChecker) probeHTTP(ctx context.Context, check *store.ActiveCheck, n store.Node) bool {
	scheme := "http"
	if check.Type == "https" {
		scheme = "https"
	}
	path := check.HTTPPath
	if path == "" {
		path = "/"
	}
	url := scheme + "://" + net.JoinHostPort(n.Host, strconv.Itoa(n.Port)) + path

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}

	client := a.client
	if scheme == "https" {
		client = &http.Client{
			Timeout:   a.client.Timeout,
			Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}, //nolint:gosec
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	if len(check.HealthyStatuses) == 0 {
		return resp.StatusCode >= 200 && resp.StatusCode < 300
	}
	for _, s := range check.HealthyStatuses {
		if s == resp.StatusCode {
			return true
		}
	}
	return false
}
