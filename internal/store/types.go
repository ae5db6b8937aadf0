package store

import "net"

// Kind identifies one of the entity collections the config snapshot store
// maintains, matching the watch prefixes in config.WatchPrefixes.
type Kind string

const (
	KindRoute        Kind = "routes"
	KindService      Kind = "services"
	KindUpstream     Kind = "upstreams"
	KindConsumer     Kind = "consumers"
	KindSSL          Kind = "ssl"
	KindGlobalRule   Kind = "global_rules"
	KindPluginConfig Kind = "plugin_configs"
	KindStreamRoute  Kind = "stream_routes"
)

// PluginConfig is `{name, <plugin-specific config>}` attached under
// `plugins` on routes/services/consumers/global rules.
type PluginConfig struct {
	Name   string         `json:"name"`
	Config map[string]any `json:"config,omitempty"`
}

// PluginConfigSet is a standalone, reusable bundle of plugin entries.
// Routes reference one via plugin_config_id so several routes can share a
// plugin list without routing through a full Service.
type PluginConfigSet struct {
	ID      string         `json:"id"`
	Version uint64         `json:"-"`
	Plugins []PluginConfig `json:"plugins,omitempty"`
}

// VarPredicate is one `{var_name, op, value}` entry of a route's variable
// predicate vector.
type VarPredicate struct {
	Var   string `json:"var"`
	Op    string `json:"op"` // ==, !=, >, <, >=, <=, ~~, IN, HAS
	Value string `json:"value"`
}

// Route is a match predicate plus a processing directive.
type Route struct {
	ID              string         `json:"id"`
	Version         uint64         `json:"-"` // set by the store on upsert
	Priority        int            `json:"priority"`
	URIs            []string       `json:"uris"`
	Hosts           []string       `json:"hosts,omitempty"`
	Methods         []string       `json:"methods,omitempty"`
	RemoteAddrs     []string       `json:"remote_addrs,omitempty"` // CIDR
	Vars            []VarPredicate `json:"vars,omitempty"`
	UpstreamID      string         `json:"upstream_id,omitempty"`
	ServiceID       string         `json:"service_id,omitempty"`
	PluginConfigID  string         `json:"plugin_config_id,omitempty"`
	Upstream        *Upstream      `json:"upstream,omitempty"` // inline
	Plugins         []PluginConfig `json:"plugins,omitempty"`
	EnableWebsocket bool           `json:"enable_websocket,omitempty"`
}

// Service is a named bundle of plugin config and/or upstream shared by
// multiple routes.
type Service struct {
	ID         string         `json:"id"`
	Version    uint64         `json:"-"`
	UpstreamID string         `json:"upstream_id,omitempty"`
	Upstream   *Upstream      `json:"upstream,omitempty"`
	Plugins    []PluginConfig `json:"plugins,omitempty"`
}

// BalancerType selects the load-balancing algorithm for an Upstream.
type BalancerType string

const (
	BalancerRoundRobin BalancerType = "roundrobin"
	BalancerCHash      BalancerType = "chash"
)

// Node is a single backend target within an Upstream.
type Node struct {
	Host   string `json:"host"`
	Port   int    `json:"port"`
	Weight int    `json:"weight"`
}

// HealthChecks bundles the active/passive health check configuration for
// an Upstream.
type HealthChecks struct {
	Active  *ActiveCheck  `json:"active,omitempty"`
	Passive *PassiveCheck `json:"passive,omitempty"`
}

// ActiveCheck configures periodic background probing of every node.
type ActiveCheck struct {
	Type               string        `json:"type"` // http, https, tcp
	HTTPPath           string        `json:"http_path,omitempty"`
	Interval           int           `json:"interval_seconds"`
	TimeoutSeconds      int          `json:"timeout_seconds"`
	HealthyThreshold   int           `json:"healthy_threshold"`
	UnhealthyThreshold int           `json:"unhealthy_threshold"`
	HealthyStatuses    []int         `json:"healthy_statuses,omitempty"`
}

// PassiveCheck configures real-request based health reporting in the Log
// phase.
type PassiveCheck struct {
	UnhealthyStatuses  []int `json:"unhealthy_statuses,omitempty"`
	UnhealthyThreshold int   `json:"unhealthy_threshold"`
	HealthyThreshold   int   `json:"healthy_threshold"`
}

// Upstream is a named pool of backend nodes and a load-balancing policy.
type Upstream struct {
	ID              string        `json:"id"`
	Version         uint64        `json:"-"`
	// ConfVersion is the DNS-materialization-aware version string surfaced
	// as conf_version. Empty until a DNS resolver cache clone stamps it;
	// callers should fall back to Version.
	ConfVersion     string        `json:"-"`
	Type            BalancerType  `json:"type"`
	HashOn          string        `json:"hash_on,omitempty"` // vars, header, cookie
	Key             string        `json:"key,omitempty"`
	Nodes           []Node        `json:"nodes"`
	Checks          *HealthChecks `json:"checks,omitempty"`
	Retries         int           `json:"retries,omitempty"`
	RetryTimeoutMs  int           `json:"retry_timeout_ms,omitempty"`
	TimeoutMs       int           `json:"timeout_ms,omitempty"`
	EnableWebsocket bool          `json:"enable_websocket,omitempty"`
}

// HasDomain reports whether any node's host is not an IP literal.
func (u *Upstream) HasDomain() bool {
	for _, n := range u.Nodes {
		if net.ParseIP(n.Host) == nil {
			return true
		}
	}
	return false
}

// Consumer is an authenticated caller identity carrying plugin overlays.
type Consumer struct {
	Username string         `json:"username"`
	Version  uint64         `json:"-"`
	Plugins  []PluginConfig `json:"plugins,omitempty"`
}

// GlobalRule applies its plugins to every request independent of routing.
type GlobalRule struct {
	ID      string         `json:"id"`
	Version uint64         `json:"-"`
	Plugins []PluginConfig `json:"plugins,omitempty"`
}

// SSL is a certificate selectable by SNI.
type SSL struct {
	ID      string   `json:"id"`
	Version uint64   `json:"-"`
	SNIs    []string `json:"snis"`
	Cert    string   `json:"cert"`
	Key     string   `json:"key"`
}

// StreamRoute is the L4 counterpart of Route, matched on server_port and
// an optional remote_addr predicate, used by the stream sub-router.
type StreamRoute struct {
	ID          string   `json:"id"`
	Version     uint64   `json:"-"`
	ServerPort  int      `json:"server_port"`
	RemoteAddrs []string `json:"remote_addrs,omitempty"`
	UpstreamID  string   `json:"upstream_id,omitempty"`
	Upstream    *Upstream `json:"upstream,omitempty"`
	Plugins     []PluginConfig `json:"plugins,omitempty"`
}
