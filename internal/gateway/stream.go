package gateway

import (
	"context"
	"io"
	"log/slog"
	"net"
	"strconv"

	"github.com/envoyage/envoyage/internal/plugin"
	"github.com/envoyage/envoyage/internal/store"
)

// ServeStream accepts L4 connections on addr and proxies each one: match the
// StreamRouter on (port, remote_addr), run the preread phase, resolve an
// upstream node via the same Selector and Picker the HTTP path uses, then
// pipe bytes in both directions. Blocks until ctx is canceled or the
// listener fails.
func (g *Gateway) ServeStream(ctx context.Context, addr string) error {
	port, err := portOf(addr)
	if err != nil {
		return err
	}

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				g.log.Warn("stream accept failed", "addr", addr, "error", err)
				continue
			}
		}
		go g.handleStreamConn(ctx, conn, port)
	}
}

func portOf(addr string) (int, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(portStr)
}

// streamRouteAsRoute adapts a StreamRoute to the *store.Route shape the
// Merge Engine and Upstream Selector already know how to resolve, since
// both only look at UpstreamID/Upstream/Plugins — the HTTP-only fields
// (URIs, Hosts, Methods) are simply left zero.
func streamRouteAsRoute(r *store.StreamRoute) *store.Route {
	return &store.Route{
		ID:         r.ID,
		UpstreamID: r.UpstreamID,
		Upstream:   r.Upstream,
		Plugins:    r.Plugins,
	}
}

func (g *Gateway) handleStreamConn(ctx context.Context, conn net.Conn, port int) {
	defer conn.Close()

	remoteHost, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	route := g.streamRouter.MatchConnection(port, remoteHost)
	if route == nil {
		g.log.Debug("stream connection matched no route", "port", port, "remote_addr", remoteHost)
		return
	}
	asRoute := streamRouteAsRoute(route)

	rc := plugin.Acquire("", "", "", remoteHost)
	defer plugin.Release(rc)

	prereadInstances, _ := plugin.MergeRouteService(g.plugins, asRoute, nil, nil)
	plugin.NewChain(prereadInstances, g.plog).Run(plugin.PhasePreread, rc)
	if rc.Aborted() {
		return
	}

	up, err := g.selector.Resolve(ctx, asRoute)
	if err != nil {
		g.log.Warn("stream upstream unresolvable", "route", route.ID, "error", err)
		return
	}

	picker := g.picker(up)
	node := picker.Pick(up, remoteHost, nil)

	upConn, err := net.Dial("tcp", net.JoinHostPort(node.Host, strconv.Itoa(node.Port)))
	if err != nil {
		g.log.Warn("stream dial failed", "node", node.Host, "error", err)
		return
	}
	defer upConn.Close()

	done := make(chan struct{}, 2)
	go func() { io.Copy(upConn, conn); done <- struct{}{} }()
	go func() { io.Copy(conn, upConn); done <- struct{}{} }()
	<-done

	g.health.RecordPassive(up, node, 200)
}

// Logger exposes the gateway's structured logger for front doors (cmd
// wiring, other transports) that need it but aren't methods on Gateway.
func (g *Gateway) Logger() *slog.Logger { return g.log }
