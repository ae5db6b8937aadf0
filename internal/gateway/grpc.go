package gateway

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"

	"golang.org/x/net/http2"

	"github.com/envoyage/envoyage/internal/plugin"
	"github.com/envoyage/envoyage/internal/store"
)

// newH2CTransport builds the HTTP/2-over-cleartext transport gRPC requests
// are forwarded through. gRPC backends speak h2c on plain TCP, so the
// transport dials without TLS even though http2.Transport's hook is named
// DialTLSContext.
func newH2CTransport() *http2.Transport {
	return &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
	}
}

// proxyGRPC dispatches a gRPC request into a transparent forwarding path: a
// ReverseProxy over the h2c transport, streaming request and response
// frames in both directions on one HTTP/2 connection. The normal path's
// buffer-body-then-retry handling would stall bidirectional streams, so
// like websocket upgrades, gRPC gets a single attempt and the filter
// phases do not apply; Log still fires for passive health.
func (g *Gateway) proxyGRPC(w http.ResponseWriter, r *http.Request, rc *plugin.RequestContext, node store.Node) {
	target := &url.URL{Scheme: "http", Host: net.JoinHostPort(node.Host, strconv.Itoa(node.Port))}
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.Transport = g.h2cTransport
	proxy.FlushInterval = -1 // flush every frame; gRPC streams stall behind buffering

	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	proxy.ServeHTTP(rec, r)
	rc.ResponseStatus = rec.status
}
