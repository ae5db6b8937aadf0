// Package gateway wires the Router, Plugin Registry/Merge Engine, Upstream
// Selector, and DNS Resolver Cache into the per-request phase sequence:
// SSL, then Access, Balancer, HeaderFilter, BodyFilter, Log. Everything
// this package touches is read from internal/store; nothing here owns
// configuration state itself — it is threaded through an explicit
// gateway-instance object rather than kept in package-level globals.
package gateway

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/http2"

	"github.com/envoyage/envoyage/internal/config"
	"github.com/envoyage/envoyage/internal/dnscache"
	"github.com/envoyage/envoyage/internal/plugin"
	"github.com/envoyage/envoyage/internal/plugin/builtin"
	"github.com/envoyage/envoyage/internal/router"
	"github.com/envoyage/envoyage/internal/store"
	"github.com/envoyage/envoyage/internal/upstream"
)

// Gateway binds a Store to its derived Router/SSLRouter/StreamRouter,
// Plugin Registry, Upstream Selector, health registry, and per-upstream
// Pickers, and exposes http.Handler/TLS hooks for the HTTP engine to
// drive.
type Gateway struct {
	cfg   *config.Config
	log   *slog.Logger
	plog  zerolog.Logger
	store *store.Store

	router       *router.Router
	sslRouter    *router.SSLRouter
	streamRouter *router.StreamRouter

	plugins  *plugin.Registry
	selector *upstream.Selector
	health   *upstream.HealthRegistry
	active   *upstream.ActiveChecker

	pickersMu sync.Mutex
	pickers   map[string]*upstream.Picker

	httpClient   *http.Client
	h2cTransport *http2.Transport
	sslCache     *certCache
}

// New builds a Gateway bound to st and cfg. Callers still need to start the
// background loops separately: active health checking via Run, and one
// stream listener per address via ServeStream.
func New(st *store.Store, cfg *config.Config, log *slog.Logger) *Gateway {
	plog := zerolog.New(os.Stdout).With().Timestamp().Str("component", "plugin").Logger()

	g := &Gateway{
		cfg:          cfg,
		log:          log,
		plog:         plog,
		store:        st,
		router:       router.New(st.Routes),
		sslRouter:    router.NewSSL(st.SSLCerts),
		streamRouter: router.NewStream(st.StreamRoutes),
		plugins:      plugin.NewRegistry(),
		health:       upstream.NewHealthRegistry(),
		pickers:      make(map[string]*upstream.Picker),
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		h2cTransport: newH2CTransport(),
		sslCache:     newCertCache(),
	}

	dnsCache := dnscache.New(cfg.DNSResolverValid, 4096, resolverFor(cfg.DNSResolvers))
	g.selector = upstream.New(st, dnsCache)
	g.active = upstream.NewActiveChecker(g.health, cfg.ActiveHealthCheckInterval)

	builtin.Register(g.plugins, st)

	// Keep the compiled matchers current: the router/SSL router/stream
	// router are each rebuilt when their source collection's version
	// changes. One callback per collection, not Store.OnAnyChange, so an
	// upstream-only change doesn't force a route-tree rebuild.
	st.Routes.OnChange(g.router.Rebuild)
	st.SSLCerts.OnChange(func() {
		g.sslRouter.Rebuild()
		g.sslCache.invalidate()
	})
	st.StreamRoutes.OnChange(g.streamRouter.Rebuild)

	return g
}

// resolverFor builds a *net.Resolver that dials one of servers in
// round-robin order instead of the system resolver. An empty list falls
// back to net.DefaultResolver.
func resolverFor(servers []string) *net.Resolver {
	if len(servers) == 0 {
		return net.DefaultResolver
	}
	var next uint64
	return &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			i := atomic.AddUint64(&next, 1)
			server := servers[int(i-1)%len(servers)]
			if !strings.Contains(server, ":") {
				server = net.JoinHostPort(server, "53")
			}
			d := net.Dialer{}
			return d.DialContext(ctx, network, server)
		},
	}
}

// Registry exposes the plugin registry so operators can register additional
// plugins beyond the built-ins before serving traffic.
func (g *Gateway) Registry() *plugin.Registry { return g.plugins }

// Selector exposes the upstream selector so other front doors (the xDS
// snapshot builder, the stream proxy) resolve upstreams the same way the
// HTTP phase executor does.
func (g *Gateway) Selector() *upstream.Selector { return g.selector }

// Store exposes the bound config snapshot store.
func (g *Gateway) Store() *store.Store { return g.store }

// Run starts the Gateway's background loops (active health checking) and
// blocks until ctx is canceled.
func (g *Gateway) Run(ctx context.Context) {
	g.active.Run(ctx, g.store.Upstreams)
}

// picker returns the cached Picker for up, creating one on first use. One
// Picker per upstream id lives for the gateway's lifetime; the balancers
// inside it re-key their internal state whenever the upstream's fingerprint
// (version, node-set) changes.
func (g *Gateway) picker(up *store.Upstream) *upstream.Picker {
	g.pickersMu.Lock()
	defer g.pickersMu.Unlock()
	p, ok := g.pickers[up.ID]
	if !ok {
		p = upstream.NewPicker(up, g.health, g.cfg.ConsistentHashVNodes)
		g.pickers[up.ID] = p
	}
	return p
}
