package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/envoyage/envoyage/internal/gwerr"
	"github.com/envoyage/envoyage/internal/plugin"
	"github.com/envoyage/envoyage/internal/router"
	"github.com/envoyage/envoyage/internal/store"
	"github.com/envoyage/envoyage/internal/upstream"
)

// ServeHTTP is the request-processing core's HTTP entry point, driving the
// fixed per-request phase sequence: Rewrite, Access, Balancer, HeaderFilter,
// BodyFilter, Log (SSL is handled separately, at the TLS layer — see
// ssl.go). It is served directly by the stdlib's own net/http server.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Server", g.cfg.GatewayName+"/"+g.cfg.GatewayVersion)

	uri := r.URL.Path
	if g.cfg.DeleteURITailSlash && len(uri) > 1 && strings.HasSuffix(uri, "/") {
		uri = strings.TrimSuffix(uri, "/")
	}
	remoteHost := r.RemoteAddr
	if h, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		remoteHost = h
	}

	vars := &router.RequestVars{
		URI:        uri,
		Host:       r.Host,
		Method:     r.Method,
		RemoteAddr: remoteHost,
		Args:       singleValue(r.URL.Query()),
		Cookies:    cookieMap(r),
		Headers:    headerMap(r.Header),
	}

	route := g.router.MatchRequest(vars)
	if route == nil {
		writeJSONError(w, gwerr.New(gwerr.KindNoRouteMatch, nil))
		return
	}

	rc := plugin.Acquire(r.Method, uri, r.Host, remoteHost)
	defer plugin.Release(rc)
	rc.Headers = vars.Headers
	rc.Args = vars.Args
	rc.Cookies = vars.Cookies
	rc.Route = route

	var service *store.Service
	if route.ServiceID != "" {
		service, _ = g.store.Services.Get(route.ServiceID)
	}
	rc.Service = service

	rc.ConfType = "route"
	rc.ConfID = route.ID
	rc.ConfVersion = strconv.FormatUint(route.Version, 10)
	if service != nil {
		rc.ConfType = "route&service"
		rc.ConfID = route.ID + "&" + service.ID
		rc.ConfVersion += "&" + strconv.FormatUint(service.Version, 10)
	}

	var pluginConf *store.PluginConfigSet
	if route.PluginConfigID != "" {
		pluginConf, _ = g.store.PluginConfigs.Get(route.PluginConfigID)
	}

	globalInstances, _ := plugin.GlobalChain(g.plugins, g.store.GlobalRules.Iterate())
	mainInstances, _ := plugin.MergeRouteService(g.plugins, route, pluginConf, service)
	globalChain := plugin.NewChain(globalInstances, g.plog)
	mainChain := plugin.NewChain(mainInstances, g.plog)

	// rewrite
	globalChain.Run(plugin.PhaseRewrite, rc)
	if !rc.Aborted() {
		mainChain.Run(plugin.PhaseRewrite, rc)
	}

	// access: global chain first, then the route/service-merged chain, then
	// re-merge and re-run access for a newly identified Consumer so its
	// own plugins get a chance to act on the same request.
	if !rc.Aborted() {
		globalChain.Run(plugin.PhaseAccess, rc)
	}
	if !rc.Aborted() {
		mainChain.Run(plugin.PhaseAccess, rc)
	}
	if !rc.Aborted() && rc.Consumer != nil {
		consumerMerged, _ := plugin.MergeConsumer(g.plugins, mainInstances, rc.Consumer)
		consumerOnly := onlyNamed(consumerMerged, rc.Consumer.Plugins)
		plugin.NewChain(consumerOnly, g.plog).Run(plugin.PhaseAccess, rc)
		mainInstances = consumerMerged
		mainChain = plugin.NewChain(mainInstances, g.plog)
	}

	handled := false
	if !rc.Aborted() {
		handled = g.resolveAndProxy(w, r, rc, globalChain, mainChain)
	}

	// A hijacked websocket connection already carried its own bytes;
	// header_filter/body_filter/the response write don't apply to it, but
	// Log still fires for passive health reporting.
	if !handled {
		// header_filter / body_filter: filter phases, always run in full
		// regardless of how the response was produced.
		globalChain.Run(plugin.PhaseHeaderFilter, rc)
		mainChain.Run(plugin.PhaseHeaderFilter, rc)
		globalChain.Run(plugin.PhaseBodyFilter, rc)
		mainChain.Run(plugin.PhaseBodyFilter, rc)

		for k, v := range rc.ResponseHeaders {
			w.Header().Set(k, v)
		}
		status := rc.ResponseStatus
		if status == 0 {
			status = http.StatusInternalServerError
		}
		w.WriteHeader(status)
		_, _ = w.Write(rc.ResponseBody)
	}

	// log: passive health report, then release (handled by the deferred
	// plugin.Release above).
	globalChain.Run(plugin.PhaseLog, rc)
	mainChain.Run(plugin.PhaseLog, rc)
	if rc.Upstream != nil && rc.SelectedNode != nil {
		g.health.RecordPassive(rc.Upstream, *rc.SelectedNode, rc.ResponseStatus)
	}
}

// onlyNamed filters merged down to the Instances whose plugin name appears
// in consumerPlugins — the additions/overrides the Consumer actually
// contributed, so the re-run access pass doesn't re-execute route/service
// plugins a second time.
func onlyNamed(merged []plugin.Instance, consumerPlugins []store.PluginConfig) []plugin.Instance {
	names := make(map[string]bool, len(consumerPlugins))
	for _, p := range consumerPlugins {
		names[p.Name] = true
	}
	var out []plugin.Instance
	for _, inst := range merged {
		if names[inst.Plugin.Name()] {
			out = append(out, inst)
		}
	}
	return out
}

// resolveAndProxy resolves the effective upstream, runs the Balancer phase
// across however many attempts the upstream's retry budget allows, and
// leaves the final response on rc for the filter phases to mutate. It
// reports true if it
// already took over the real connection (a hijacked websocket upgrade or a
// streamed gRPC call), in which case the caller must not touch w again.
func (g *Gateway) resolveAndProxy(w http.ResponseWriter, r *http.Request, rc *plugin.RequestContext, globalChain, mainChain *plugin.Chain) bool {
	up, err := g.selector.Resolve(r.Context(), rc.Route)
	if err != nil {
		writeErrorToContext(rc, err)
		return false
	}
	rc.Upstream = up
	if i := strings.Index(up.ConfVersion, "#"); i >= 0 {
		rc.ConfVersion += up.ConfVersion[i:]
	}

	if isWebsocketUpgrade(r) && (up.EnableWebsocket || rc.Route.EnableWebsocket) {
		node := g.picker(up).Pick(up, upstream.ResolveHashKey(up, rc), nil)
		rc.SelectedNode = &node
		runBalancerPhase(globalChain, mainChain, rc)
		if rc.Aborted() {
			return false
		}
		g.proxyWebsocket(w, r, rc, node)
		return true
	}

	if isGRPC(r) {
		node := g.picker(up).Pick(up, upstream.ResolveHashKey(up, rc), nil)
		rc.SelectedNode = &node
		runBalancerPhase(globalChain, mainChain, rc)
		if rc.Aborted() {
			return false
		}
		g.proxyGRPC(w, r, rc, node)
		return true
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeErrorToContext(rc, gwerr.New(gwerr.KindUpstreamUnresolvable, err))
		return false
	}

	picker := g.picker(up)
	hashKey := upstream.ResolveHashKey(up, rc)
	tried := make(map[string]bool)
	attempts := 1 + upstream.MaxRetries(up)

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		node := picker.Pick(up, hashKey, tried)
		rc.SelectedNode = &node
		tried[node.Host+":"+strconv.Itoa(node.Port)] = true
		runBalancerPhase(globalChain, mainChain, rc)
		if rc.Aborted() {
			return false
		}

		status, respHeaders, respBody, attemptErr := g.doAttempt(r, rc, up, node, body)
		if attemptErr != nil {
			lastErr = attemptErr
			continue
		}
		if attempt < attempts-1 && upstream.RetryableStatus(up, status) {
			continue
		}

		rc.ResponseStatus = status
		rc.ResponseBody = respBody
		rc.UpstreamHeaders = respHeaders
		for k := range rc.ResponseHeaders {
			delete(rc.ResponseHeaders, k)
		}
		for k, vs := range respHeaders {
			if len(vs) > 0 {
				rc.ResponseHeaders[strings.ToLower(k)] = vs[0]
			}
		}
		return false
	}

	if errors.Is(lastErr, context.DeadlineExceeded) {
		writeErrorToContext(rc, gwerr.WithStatus(gwerr.KindBalancerExhausted, http.StatusGatewayTimeout, lastErr))
	} else {
		writeErrorToContext(rc, gwerr.New(gwerr.KindBalancerExhausted, lastErr))
	}
	return false
}

// doAttempt performs one upstream HTTP round trip to node.
func (g *Gateway) doAttempt(r *http.Request, rc *plugin.RequestContext, up *store.Upstream, node store.Node, body []byte) (int, map[string][]string, []byte, error) {
	timeout := 30 * time.Second
	if up.TimeoutMs > 0 {
		timeout = time.Duration(up.TimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	target := &url.URL{Scheme: "http", Host: net.JoinHostPort(node.Host, strconv.Itoa(node.Port)), Path: rc.URI, RawQuery: r.URL.RawQuery}
	req, err := http.NewRequestWithContext(ctx, rc.Method, target.String(), bytes.NewReader(body))
	if err != nil {
		return 0, nil, nil, fmt.Errorf("building upstream request: %w", err)
	}
	req.Header = r.Header.Clone()
	for k, v := range rc.Headers {
		req.Header.Set(k, v)
	}
	req.Host = rc.Host

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("upstream request to %s:%d: %w", node.Host, node.Port, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("reading upstream response: %w", err)
	}
	return resp.StatusCode, resp.Header, respBody, nil
}

// runBalancerPhase runs the balancer phase chains against the node just
// selected for the current upstream attempt, once per attempt including
// retries.
func runBalancerPhase(globalChain, mainChain *plugin.Chain, rc *plugin.RequestContext) {
	globalChain.Run(plugin.PhaseBalancer, rc)
	mainChain.Run(plugin.PhaseBalancer, rc)
}

// proxyWebsocket hands the real connection to httputil.ReverseProxy, which
// hijacks it via w's own http.Hijacker and pipes the upgraded stream
// directly, propagating the upgrade whenever the upstream or route has
// websockets enabled. Header/body filter plugins and retries do not apply
// to an already-upgraded connection, so callers must not touch w again
// once this returns.
func (g *Gateway) proxyWebsocket(w http.ResponseWriter, r *http.Request, rc *plugin.RequestContext, node store.Node) {
	target := &url.URL{Scheme: "http", Host: net.JoinHostPort(node.Host, strconv.Itoa(node.Port))}
	proxy := httputil.NewSingleHostReverseProxy(target)
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusSwitchingProtocols}
	proxy.ServeHTTP(rec, r)

	rc.ResponseStatus = rec.status
}

func isWebsocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Connection"), "upgrade") &&
		strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func isGRPC(r *http.Request) bool {
	return r.ProtoMajor == 2 && strings.HasPrefix(r.Header.Get("Content-Type"), "application/grpc")
}

func writeErrorToContext(rc *plugin.RequestContext, err error) {
	ge, ok := err.(*gwerr.Error)
	if !ok {
		ge = gwerr.New(gwerr.KindUpstreamUnresolvable, err)
	}
	body, _ := json.Marshal(map[string]string{"error_msg": ge.Error()})
	rc.ResponseStatus = ge.Status()
	rc.ResponseBody = body
}

func writeJSONError(w http.ResponseWriter, err *gwerr.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.Status())
	msg := err.Error()
	if err.Kind == gwerr.KindNoRouteMatch {
		msg = "failed to match any routes"
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"error_msg": msg})
}

func singleValue(values url.Values) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

func cookieMap(r *http.Request) map[string]string {
	out := make(map[string]string)
	for _, c := range r.Cookies() {
		out[c.Name] = c.Value
	}
	return out
}

func headerMap(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[strings.ToLower(k)] = v[0]
		}
	}
	return out
}

// statusRecorder captures the status code a ReverseProxy writes so the Log
// phase can report passive health even for a hijacked websocket connection.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("underlying ResponseWriter does not support hijacking")
	}
	return h.Hijack()
}
