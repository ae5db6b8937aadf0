// Package config loads and validates the gateway's runtime configuration
// from environment variables. All settings have sensible defaults so the
// binary works out of the box for local development without any .env file.
//
// In production, copy .env.example to .env, fill in the values, and
// docker-compose will pick them up automatically.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the gateway. Values are loaded
// once at startup via Load() and then treated as immutable.
type Config struct {
	// XDSAddr is the gRPC listen address for the xDS server. A sidecar or
	// edge Envoy connects here to receive dynamic configuration derived
	// from the same config snapshot store that drives the in-process
	// router and balancer.
	XDSAddr string

	// APIAddr is the HTTP listen address for the management/admin API.
	APIAddr string

	// IngressAddr is the HTTP listen address for the request-processing
	// core itself.
	IngressAddr string

	// IngressTLSAddr is the HTTPS listen address for the same
	// request-processing core, served with per-SNI certificate selection.
	IngressTLSAddr string

	// StreamAddrs are the L4 listen addresses, one per configured stream
	// route's server_port. Only TCP is proxied; UDP is not served.
	StreamAddrs []string

	// HomeNodeID is the xDS node ID of the home Envoy instance.
	HomeNodeID string

	// VPSNodeID is the xDS node ID of the VPS/edge Envoy instance.
	VPSNodeID string

	// HomeWGIP is the WireGuard interface IP (or Docker service name in
	// Compose simulation mode) the VPS/edge Envoy uses as its upstream.
	HomeWGIP string

	// HomeEnvoyPort is the port the home Envoy listens on for proxied
	// traffic forwarded from the edge.
	HomeEnvoyPort string

	// GatewayName/Version populate the Server response header.
	GatewayName    string
	GatewayVersion string

	// EtcdEndpoints is the config store's etcd cluster address list.
	// Empty means "no etcd store configured" — the gateway then relies
	// solely on the management API / local file for configuration.
	EtcdEndpoints []string

	// EtcdDialTimeout bounds the initial etcd connection attempt.
	EtcdDialTimeout time.Duration

	// WatchPrefixes are the etcd key prefixes watched per entity kind:
	// routes, services, upstreams, consumers, ssl, global_rules,
	// plugin_configs, stream_routes.
	WatchPrefixes map[string]string

	// ReconnectBackoffMin/Max bound the exponential-backoff reconnect
	// applied to a disconnected etcd watch.
	ReconnectBackoffMin time.Duration
	ReconnectBackoffMax time.Duration

	// ConfigFile optionally points at a local YAML snapshot of the full
	// entity set, used as the config source instead of (or alongside)
	// etcd. Reloaded whenever its modification time changes.
	ConfigFile string

	// ConfigFilePoll is how often ConfigFile's modification time is
	// checked.
	ConfigFilePoll time.Duration

	// DNSResolvers is the resolver list used to materialize hostname
	// upstream nodes into IPs. Empty means "use the system resolver".
	DNSResolvers []string

	// DNSResolverValid is the default TTL for a DNS resolver cache entry.
	DNSResolverValid time.Duration

	// ActiveHealthCheckInterval is the default period between active
	// health probes when an upstream doesn't override it.
	ActiveHealthCheckInterval time.Duration

	// ConsistentHashVNodes is the number of virtual nodes per unit of
	// weight on the consistent-hash ring.
	ConsistentHashVNodes int

	// TLSCertDir is where each SSL entity's cert/key PEM is written on
	// first use, so an edge Envoy fed by the xDS server can load it from a
	// file. The gateway's own TLS handshakes use an in-memory cache and
	// never read these files back.
	TLSCertDir string

	// DeleteURITailSlash strips a trailing "/" from the request URI before
	// route matching.
	DeleteURITailSlash bool
}

// HomeEnvoyIngress returns the full upstream address the VPS Envoy uses
// to reach the home Envoy: "HomeWGIP:HomeEnvoyPort".
func (c *Config) HomeEnvoyIngress() string {
	return fmt.Sprintf("%s:%s", c.HomeWGIP, c.HomeEnvoyPort)
}

// NodeIDs returns the list of all managed Envoy node IDs.
func (c *Config) NodeIDs() []string {
	return []string{c.HomeNodeID, c.VPSNodeID}
}

// Load reads configuration from environment variables. Missing variables
// fall back to defaults suitable for local development. An error is
// returned only if a set variable fails to parse (e.g. a malformed
// duration or integer) — unset variables always fall back silently.
func Load() (*Config, error) {
	cfg := &Config{
		XDSAddr:        getEnv("ENVOYAGE_XDS_ADDR", ":9090"),
		APIAddr:        getEnv("ENVOYAGE_API_ADDR", ":8080"),
		IngressAddr:    getEnv("ENVOYAGE_INGRESS_ADDR", ":9080"),
		IngressTLSAddr: getEnv("ENVOYAGE_INGRESS_TLS_ADDR", ":9443"),
		StreamAddrs:    getEnvList("ENVOYAGE_STREAM_ADDRS", nil),
		HomeNodeID:     getEnv("ENVOYAGE_HOME_NODE_ID", "envoyage-envoy-home"),
		VPSNodeID:      getEnv("ENVOYAGE_VPS_NODE_ID", "envoyage-envoy-vps"),
		HomeWGIP:       getEnv("ENVOYAGE_HOME_WG_IP", "envoy-home"),
		HomeEnvoyPort:  getEnv("ENVOYAGE_HOME_ENVOY_PORT", "10000"),
		GatewayName:    getEnv("ENVOYAGE_GATEWAY_NAME", "envoyage"),
		GatewayVersion: getEnv("ENVOYAGE_GATEWAY_VERSION", "dev"),
		EtcdEndpoints:  getEnvList("ENVOYAGE_ETCD_ENDPOINTS", nil),
		WatchPrefixes: map[string]string{
			"routes":         getEnv("ENVOYAGE_PREFIX_ROUTES", "/routes"),
			"services":       getEnv("ENVOYAGE_PREFIX_SERVICES", "/services"),
			"upstreams":      getEnv("ENVOYAGE_PREFIX_UPSTREAMS", "/upstreams"),
			"consumers":      getEnv("ENVOYAGE_PREFIX_CONSUMERS", "/consumers"),
			"ssl":            getEnv("ENVOYAGE_PREFIX_SSL", "/ssl"),
			"global_rules":   getEnv("ENVOYAGE_PREFIX_GLOBAL_RULES", "/global_rules"),
			"plugin_configs": getEnv("ENVOYAGE_PREFIX_PLUGIN_CONFIGS", "/plugin_configs"),
			"stream_routes":  getEnv("ENVOYAGE_PREFIX_STREAM_ROUTES", "/stream_routes"),
		},
		ConfigFile:         getEnv("ENVOYAGE_CONFIG_FILE", ""),
		DNSResolvers:       getEnvList("ENVOYAGE_DNS_RESOLVERS", nil),
		TLSCertDir:         getEnv("ENVOYAGE_TLS_CERT_DIR", "/var/run/envoyage/ssl"),
		DeleteURITailSlash: getEnv("ENVOYAGE_DELETE_URI_TAIL_SLASH", "") == "true",
	}

	var err error
	if cfg.EtcdDialTimeout, err = getEnvDuration("ENVOYAGE_ETCD_DIAL_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.ReconnectBackoffMin, err = getEnvDuration("ENVOYAGE_RECONNECT_BACKOFF_MIN", 500*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.ReconnectBackoffMax, err = getEnvDuration("ENVOYAGE_RECONNECT_BACKOFF_MAX", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.ConfigFilePoll, err = getEnvDuration("ENVOYAGE_CONFIG_FILE_POLL", time.Second); err != nil {
		return nil, err
	}
	if cfg.DNSResolverValid, err = getEnvDuration("ENVOYAGE_DNS_RESOLVER_VALID", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.ActiveHealthCheckInterval, err = getEnvDuration("ENVOYAGE_HEALTHCHECK_INTERVAL", 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.ConsistentHashVNodes, err = getEnvInt("ENVOYAGE_CHASH_VNODES", 160); err != nil {
		return nil, err
	}

	return cfg, nil
}

// getEnv returns the value of the environment variable named by key,
// or fallback if the variable is unset or empty.
func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getEnvList parses a comma-separated environment variable into a slice,
// trimming whitespace around each element. Empty elements are dropped.
func getEnvList(key string, fallback []string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q: %w", key, raw, err)
	}
	return d, nil
}

func getEnvInt(key string, fallback int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q: %w", key, raw, err)
	}
	return n, nil
}
