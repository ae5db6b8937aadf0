// Package plugin implements the plugin registry, merge engine, and phase
// executor: named handlers registered against one or more request phases,
// merged per request from Route/Service/Consumer/Global plugin lists, and
// executed in priority order with short-circuit semantics for non-filter
// phases.
package plugin

import (
	"github.com/envoyage/envoyage/internal/store"
)

// Phase identifies one of the execution points a plugin may hook.
type Phase string

const (
	PhaseRewrite      Phase = "rewrite"
	PhaseAccess       Phase = "access"
	PhaseHeaderFilter Phase = "header_filter"
	PhaseBodyFilter   Phase = "body_filter"
	PhaseLog          Phase = "log"
	PhasePreread      Phase = "preread"
	PhaseBalancer     Phase = "balancer"
)

// filterPhases always run every handler regardless of short-circuit;
// their return values are ignored.
var filterPhases = map[Phase]bool{
	PhaseHeaderFilter: true,
	PhaseBodyFilter:   true,
	PhaseLog:          true,
}

// IsFilterPhase reports whether phase always runs to completion.
func IsFilterPhase(phase Phase) bool { return filterPhases[phase] }

// Result is what a handler returns. A non-zero StatusCode requests an early
// response with (status, body).
type Result struct {
	StatusCode int
	Body       []byte
}

// ShortCircuits reports whether this result should stop the chain.
func (r Result) ShortCircuits() bool { return r.StatusCode != 0 }

// Handler is one phase implementation of a Plugin.
type Handler func(cfg map[string]any, rc *RequestContext) Result

// Plugin is a named object exposing zero or more phase handlers.
// Implementations typically embed Base and set only the phases they need.
type Plugin interface {
	Name() string
	// Priority orders the chain; handlers run in descending priority.
	Priority() int
	// Handler returns this plugin's handler for phase, or nil if it does
	// not participate in that phase.
	Handler(phase Phase) Handler
}

// Base is embedded by concrete plugins to get a no-op Handler for every
// phase they don't implement, mirroring the corpus's habit of small plugin
// structs that only override what they need.
type Base struct {
	PluginName     string
	PluginPriority int
}

func (b Base) Name() string     { return b.PluginName }
func (b Base) Priority() int    { return b.PluginPriority }
func (b Base) Handler(Phase) Handler { return nil }

// RequestContext is the per-request state threaded through every phase
// handler: method, uri, headers, vars, matched route/service/consumer,
// selected upstream/node, and namespaced extension storage.
type RequestContext struct {
	Method     string
	URI        string
	Host       string
	RemoteAddr string
	Headers    map[string]string
	Args       map[string]string
	Cookies    map[string]string

	Route    *store.Route
	Service  *store.Service
	Consumer *store.Consumer
	Upstream *store.Upstream

	// ConfType/ConfID/ConfVersion identify the configuration this request
	// was processed under, for downstream caches keyed on it. ConfVersion
	// is the route's version, "&<service version>" appended when the route
	// merged a service, "#<timestamp>" appended when DNS materialization
	// replaced the upstream's nodes.
	ConfType    string
	ConfID      string
	ConfVersion string

	// SelectedNode is the backend target chosen for the current upstream
	// attempt, updated on every retry before the balancer phase runs.
	SelectedNode *store.Node

	// ResponseStatus/ResponseBody hold either a plugin short-circuit
	// response or, once the Balancer phase completes, the upstream's
	// response, so header_filter/body_filter handlers have one place to
	// mutate regardless of which phase produced the response.
	ResponseStatus  int
	ResponseBody    []byte
	ResponseHeaders map[string]string

	// UpstreamHeaders holds the raw response headers captured back on
	// DNS/upstream attempt, since multi-value headers don't fit the
	// single-value ResponseHeaders map plugins mutate in-place.
	UpstreamHeaders map[string][]string

	// ext is arbitrary named context plugins use to pass state to later
	// phases, namespaced by plugin name so two plugins can't collide on key
	// names.
	ext map[string]map[string]any
}

// NewRequestContext creates an empty RequestContext for one request.
func NewRequestContext(method, uri, host, remoteAddr string) *RequestContext {
	rc := &RequestContext{}
	rc.reset(method, uri, host, remoteAddr)
	return rc
}

// reset (re)initializes rc for a new request, reusing already-allocated maps
// where possible so pooled RequestContexts don't re-allocate every request.
func (rc *RequestContext) reset(method, uri, host, remoteAddr string) {
	rc.Method = method
	rc.URI = uri
	rc.Host = host
	rc.RemoteAddr = remoteAddr
	rc.Route = nil
	rc.Service = nil
	rc.Consumer = nil
	rc.Upstream = nil
	rc.SelectedNode = nil
	rc.ConfType = ""
	rc.ConfID = ""
	rc.ConfVersion = ""
	rc.ResponseStatus = 0
	rc.ResponseBody = nil

	if rc.Headers == nil {
		rc.Headers = make(map[string]string)
	} else {
		clear(rc.Headers)
	}
	if rc.Args == nil {
		rc.Args = make(map[string]string)
	} else {
		clear(rc.Args)
	}
	if rc.Cookies == nil {
		rc.Cookies = make(map[string]string)
	} else {
		clear(rc.Cookies)
	}
	if rc.ResponseHeaders == nil {
		rc.ResponseHeaders = make(map[string]string)
	} else {
		clear(rc.ResponseHeaders)
	}
	rc.UpstreamHeaders = nil
	if rc.ext == nil {
		rc.ext = make(map[string]map[string]any)
	} else {
		clear(rc.ext)
	}
}

// Set stores a value under (pluginName, key) in the context's namespaced
// extension storage.
func (rc *RequestContext) Set(pluginName, key string, value any) {
	ns, ok := rc.ext[pluginName]
	if !ok {
		ns = make(map[string]any)
		rc.ext[pluginName] = ns
	}
	ns[key] = value
}

// Get retrieves a value previously stored by Set.
func (rc *RequestContext) Get(pluginName, key string) (any, bool) {
	ns, ok := rc.ext[pluginName]
	if !ok {
		return nil, false
	}
	v, ok := ns[key]
	return v, ok
}

// Aborted reports whether a prior phase handler short-circuited the
// request.
func (rc *RequestContext) Aborted() bool { return rc.ResponseStatus != 0 }

// Abort records a short-circuit response for the current phase chain.
func (rc *RequestContext) Abort(status int, body []byte) {
	rc.ResponseStatus = status
	rc.ResponseBody = body
}
