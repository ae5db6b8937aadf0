package xds

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	cachev3 "github.com/envoyproxy/go-control-plane/pkg/cache/v3"
	serverv3 "github.com/envoyproxy/go-control-plane/pkg/server/v3"

	clusterservice "github.com/envoyproxy/go-control-plane/envoy/service/cluster/v3"
	discoverygrpc "github.com/envoyproxy/go-control-plane/envoy/service/discovery/v3"
	endpointservice "github.com/envoyproxy/go-control-plane/envoy/service/endpoint/v3"
	listenerservice "github.com/envoyproxy/go-control-plane/envoy/service/listener/v3"
	routeservice "github.com/envoyproxy/go-control-plane/envoy/service/route/v3"
	secretservice "github.com/envoyproxy/go-control-plane/envoy/service/secret/v3"

	"google.golang.org/grpc"

	"github.com/envoyage/envoyage/internal/config"
	"github.com/envoyage/envoyage/internal/store"
	"github.com/envoyage/envoyage/internal/upstream"
)

// Server is the xDS control plane server, pushing snapshots derived from
// the config snapshot store's Routes to every Envoy node ID this gateway
// manages, feeding the edge Envoy forwarding path alongside the
// in-process request pipeline.
type Server struct {
	cache    cachev3.SnapshotCache
	builder  *SnapshotBuilder
	st       *store.Store
	selector *upstream.Selector
	cfg      *config.Config
	log      *slog.Logger
}

// NewServer creates a Server bound to st, rebuilding and pushing snapshots
// whenever the Routes collection changes. A change to Services or
// Upstreams alone does not trigger a rebuild.
func NewServer(st *store.Store, sel *upstream.Selector, cfg *config.Config, log *slog.Logger) *Server {
	port, err := strconv.ParseUint(cfg.HomeEnvoyPort, 10, 32)
	if err != nil {
		port = 10000
	}

	s := &Server{
		cache:    cachev3.NewSnapshotCache(true, cachev3.IDHash{}, nil),
		builder:  NewSnapshotBuilder(uint32(port)),
		st:       st,
		selector: sel,
		cfg:      cfg,
		log:      log,
	}

	rebuild := func() {
		if err := s.rebuildSnapshots(); err != nil {
			log.Error("failed to rebuild xDS snapshots", "error", err)
		}
	}
	st.Routes.OnChange(rebuild)

	return s
}

func (s *Server) rebuildSnapshots() error {
	routes := s.st.Routes.Iterate()
	version := s.st.Routes.Version()

	resolved := make([]ResolvedRoute, 0, len(routes))
	for _, r := range routes {
		up, err := s.selector.ResolveUpstream(r)
		if err != nil {
			s.log.Warn("skipping route from xDS snapshot, upstream unresolved", "route_id", r.ID, "error", err)
			continue
		}
		resolved = append(resolved, ResolvedRoute{Route: r, Upstream: up})
	}

	for _, nodeID := range s.cfg.NodeIDs() {
		snap, err := s.builder.Build(resolved, version)
		if err != nil {
			return fmt.Errorf("building snapshot v%d for node %q: %w", version, nodeID, err)
		}
		if err := s.cache.SetSnapshot(context.Background(), nodeID, snap); err != nil {
			return fmt.Errorf("setting snapshot v%d for node %q: %w", version, nodeID, err)
		}
	}

	s.log.Info("pushed xDS snapshots",
		"version", version,
		"routes", len(resolved),
		"nodes", len(s.cfg.NodeIDs()),
		"home_envoy_ingress", s.cfg.HomeEnvoyIngress(),
	)
	return nil
}

// Seed pushes an initial snapshot before the first change event arrives.
func (s *Server) Seed() error {
	return s.rebuildSnapshots()
}

func (s *Server) Serve(ctx context.Context, addr string) error {
	xdsServer := serverv3.NewServer(ctx, s.cache, nil)
	grpcServer := grpc.NewServer()
	registerXDSServices(grpcServer, xdsServer)

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	s.log.Info("xDS server listening", "addr", addr)

	go func() {
		<-ctx.Done()
		s.log.Info("shutting down xDS server")
		grpcServer.GracefulStop()
	}()

	return grpcServer.Serve(lis)
}

func registerXDSServices(grpcServer *grpc.Server, xdsServer serverv3.Server) {
	discoverygrpc.RegisterAggregatedDiscoveryServiceServer(grpcServer, xdsServer)
	clusterservice.RegisterClusterDiscoveryServiceServer(grpcServer, xdsServer)
	endpointservice.RegisterEndpointDiscoveryServiceServer(grpcServer, xdsServer)
	listenerservice.RegisterListenerDiscoveryServiceServer(grpcServer, xdsServer)
	routeservice.RegisterRouteDiscoveryServiceServer(grpcServer, xdsServer)
	secretservice.RegisterSecretDiscoveryServiceServer(grpcServer, xdsServer)
}
