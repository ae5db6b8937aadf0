package gateway

import (
	"bufio"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/envoyage/envoyage/internal/config"
	"github.com/envoyage/envoyage/internal/plugin"
	"github.com/envoyage/envoyage/internal/store"
)

// phaseSpy records every phase it is invoked in, plus the per-phase context
// state the assertions below care about.
type phaseSpy struct {
	plugin.Base
	phases       []plugin.Phase
	nodes        []store.Node
	confVersions []string
}

func (s *phaseSpy) Handler(ph plugin.Phase) plugin.Handler {
	return func(cfg map[string]any, rc *plugin.RequestContext) plugin.Result {
		s.phases = append(s.phases, ph)
		if ph == plugin.PhaseBalancer && rc.SelectedNode != nil {
			s.nodes = append(s.nodes, *rc.SelectedNode)
		}
		if ph == plugin.PhaseLog {
			s.confVersions = append(s.confVersions, rc.ConfVersion)
		}
		return plugin.Result{}
	}
}

func testConfig() *config.Config {
	return &config.Config{
		DNSResolverValid: time.Minute,
		GatewayName:      "envoyage",
		GatewayVersion:   "test",
	}
}

func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func upstreamNode(t *testing.T, backend *httptest.Server) store.Node {
	u, err := url.Parse(backend.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return store.Node{Host: u.Hostname(), Port: port, Weight: 1}
}

// TestServeHTTPProxiesMatchedRoute exercises the full Access→Balancer→
// HeaderFilter→BodyFilter happy path against a real backend.
func TestServeHTTPProxiesMatchedRoute(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("hello from upstream"))
	}))
	defer backend.Close()

	st := store.New()
	up := &store.Upstream{ID: "up1", Type: store.BalancerRoundRobin, Nodes: []store.Node{upstreamNode(t, backend)}}
	st.Upstreams.Upsert("up1", up, nil)
	st.Routes.Upsert("r1", &store.Route{ID: "r1", URIs: []string{"/hello"}, UpstreamID: "up1"}, nil)

	gw := New(st, testConfig(), nopLogger())

	req := httptest.NewRequest(http.MethodGet, "/hello", nil)
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello from upstream", rec.Body.String())
}

func TestServeHTTPNoRouteMatch(t *testing.T) {
	st := store.New()
	gw := New(st, testConfig(), nopLogger())

	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error_msg":"failed to match any routes"}`, rec.Body.String())
}

// TestServeHTTPLimitCountRejectsThirdRequest exercises the merged plugin
// chain end-to-end: a rate limit of two requests lets the first two through
// and rejects the third.
func TestServeHTTPLimitCountRejectsThirdRequest(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	st := store.New()
	up := &store.Upstream{ID: "up1", Type: store.BalancerRoundRobin, Nodes: []store.Node{upstreamNode(t, backend)}}
	st.Upstreams.Upsert("up1", up, nil)
	st.Routes.Upsert("r1", &store.Route{
		ID: "r1", URIs: []string{"/limited"}, UpstreamID: "up1",
		Plugins: []store.PluginConfig{{Name: "limit-count", Config: map[string]any{"count": 2, "time_window": 60}}},
	}, nil)

	gw := New(st, testConfig(), nopLogger())

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/limited", nil)
		req.RemoteAddr = "10.0.0.9:1234"
		rec := httptest.NewRecorder()
		gw.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/limited", nil)
	req.RemoteAddr = "10.0.0.9:1234"
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)
	assert.Equal(t, 503, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
}

// TestServeHTTPHonorsPluginConfigReference verifies plugins attached via a
// route's plugin_config_id run in the chain exactly like route-level ones:
// a shared config set limiting to one request rejects the second.
func TestServeHTTPHonorsPluginConfigReference(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	st := store.New()
	up := &store.Upstream{ID: "up1", Type: store.BalancerRoundRobin, Nodes: []store.Node{upstreamNode(t, backend)}}
	st.Upstreams.Upsert("up1", up, nil)
	st.PluginConfigs.Upsert("pc1", &store.PluginConfigSet{
		ID:      "pc1",
		Plugins: []store.PluginConfig{{Name: "limit-count", Config: map[string]any{"count": 1, "time_window": 60}}},
	}, nil)
	st.Routes.Upsert("r1", &store.Route{ID: "r1", URIs: []string{"/shared"}, UpstreamID: "up1", PluginConfigID: "pc1"}, nil)

	gw := New(st, testConfig(), nopLogger())

	req := httptest.NewRequest(http.MethodGet, "/shared", nil)
	req.RemoteAddr = "10.0.0.7:1234"
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/shared", nil)
	req.RemoteAddr = "10.0.0.7:1234"
	rec = httptest.NewRecorder()
	gw.ServeHTTP(rec, req)
	assert.Equal(t, 503, rec.Code)
}

// TestServeHTTPBalancerPhasePerAttempt verifies the balancer phase fires
// once per upstream attempt with the node chosen for that attempt: a dead
// first node forces a retry, so the spy must see two balancer invocations
// with two different nodes.
func TestServeHTTPBalancerPhasePerAttempt(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()
	good := upstreamNode(t, backend)

	// A listener that is immediately closed gives a port nothing accepts on.
	dead, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadPort := dead.Addr().(*net.TCPAddr).Port
	dead.Close()

	st := store.New()
	up := &store.Upstream{
		ID:      "up1",
		Type:    store.BalancerRoundRobin,
		Retries: 1,
		Nodes: []store.Node{
			{Host: "127.0.0.1", Port: deadPort, Weight: 2}, // heaviest, so smooth WRR tries it first
			good,
		},
	}
	st.Upstreams.Upsert("up1", up, nil)
	st.Routes.Upsert("r1", &store.Route{
		ID: "r1", URIs: []string{"/spy"}, UpstreamID: "up1",
		Plugins: []store.PluginConfig{{Name: "phase-spy"}},
	}, nil)

	gw := New(st, testConfig(), nopLogger())
	spy := &phaseSpy{Base: plugin.Base{PluginName: "phase-spy", PluginPriority: 100}}
	gw.Registry().Register(spy)

	req := httptest.NewRequest(http.MethodGet, "/spy", nil)
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	balancerRuns := 0
	for _, ph := range spy.phases {
		if ph == plugin.PhaseBalancer {
			balancerRuns++
		}
	}
	assert.Equal(t, 2, balancerRuns)
	require.Len(t, spy.nodes, 2)
	assert.NotEqual(t, spy.nodes[0], spy.nodes[1])
}

// TestServeHTTPStampsConfVersion checks the conf_version surfaced to the
// Log phase is the route's version with the service's appended when the
// route merged one.
func TestServeHTTPStampsConfVersion(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	st := store.New()
	up := &store.Upstream{ID: "up1", Type: store.BalancerRoundRobin, Nodes: []store.Node{upstreamNode(t, backend)}}
	st.Upstreams.Upsert("up1", up, nil)
	st.Services.Upsert("s1", &store.Service{ID: "s1", UpstreamID: "up1"}, func(v *store.Service, ver uint64) *store.Service { v.Version = ver; return v })
	st.Routes.Upsert("r1", &store.Route{
		ID: "r1", URIs: []string{"/svc"}, ServiceID: "s1",
		Plugins: []store.PluginConfig{{Name: "phase-spy"}},
	}, func(v *store.Route, ver uint64) *store.Route { v.Version = ver; return v })

	gw := New(st, testConfig(), nopLogger())
	spy := &phaseSpy{Base: plugin.Base{PluginName: "phase-spy", PluginPriority: 100}}
	gw.Registry().Register(spy)

	req := httptest.NewRequest(http.MethodGet, "/svc", nil)
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, spy.confVersions, 1)
	assert.Equal(t, "1&1", spy.confVersions[0])
}

// TestServeHTTPProxiesWebsocketUpgrade exercises proxyWebsocket end to end:
// the real client connection must actually get hijacked and spliced through
// to the upstream, not a detached recorder (the bug this path used to have).
func TestServeHTTPProxiesWebsocketUpgrade(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hj, ok := w.(http.Hijacker)
		require.True(t, ok)
		conn, rw, err := hj.Hijack()
		require.NoError(t, err)
		defer conn.Close()
		rw.WriteString("HTTP/1.1 101 Switching Protocols\r\nConnection: Upgrade\r\nUpgrade: websocket\r\n\r\n")
		rw.Flush()
		line, _ := rw.ReadString('\n')
		rw.WriteString("echo:" + line)
		rw.Flush()
	}))
	defer backend.Close()

	st := store.New()
	up := &store.Upstream{ID: "up1", Type: store.BalancerRoundRobin, Nodes: []store.Node{upstreamNode(t, backend)}, EnableWebsocket: true}
	st.Upstreams.Upsert("up1", up, nil)
	st.Routes.Upsert("r1", &store.Route{ID: "r1", URIs: []string{"/ws"}, UpstreamID: "up1", EnableWebsocket: true}, nil)

	gw := New(st, testConfig(), nopLogger())
	front := httptest.NewServer(gw)
	defer front.Close()

	frontURL, err := url.Parse(front.URL)
	require.NoError(t, err)
	conn, err := net.Dial("tcp", frontURL.Host)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("GET /ws HTTP/1.1\r\nHost: example.com\r\nConnection: Upgrade\r\nUpgrade: websocket\r\n\r\n"))
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	status, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, status, "101")

	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if line == "\r\n" {
			break
		}
	}

	_, err = conn.Write([]byte("hello\n"))
	require.NoError(t, err)
	echoed, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "echo:hello\n", echoed)
}
