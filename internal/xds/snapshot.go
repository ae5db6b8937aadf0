package xds

import (
	"fmt"
	"time"

	cluster "github.com/envoyproxy/go-control-plane/envoy/config/cluster/v3"
	core "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	endpoint "github.com/envoyproxy/go-control-plane/envoy/config/endpoint/v3"
	listener "github.com/envoyproxy/go-control-plane/envoy/config/listener/v3"
	route "github.com/envoyproxy/go-control-plane/envoy/config/route/v3"
	hcm "github.com/envoyproxy/go-control-plane/envoy/extensions/filters/network/http_connection_manager/v3"
	routerv3 "github.com/envoyproxy/go-control-plane/envoy/extensions/filters/http/router/v3"
	"github.com/envoyproxy/go-control-plane/pkg/cache/types"
	cachev3 "github.com/envoyproxy/go-control-plane/pkg/cache/v3"
	"github.com/envoyproxy/go-control-plane/pkg/resource/v3"
	"github.com/envoyproxy/go-control-plane/pkg/wellknown"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/envoyage/envoyage/internal/store"
)

// SnapshotBuilder translates the config snapshot store's Routes (plus
// their resolved upstreams) into Envoy xDS snapshots, for the edge-Envoy
// forwarding path this gateway drives alongside its own in-process
// request pipeline.
//
// Envoy's configuration model has core resource types, think of them as
// layers:
//
//	Listener (LDS)  — what ports/addresses Envoy listens on
//	Route (RDS)     — which host/path goes to which cluster
//	Cluster (CDS)   — target protocol, timeout, LB policy
//	Endpoint (EDS)  — actual IP:port addresses of the target
//
// Our job: take the current Routes collection (each carrying its resolved
// Upstream) and produce resources for each layer.
type SnapshotBuilder struct {
	listenerPort uint32
}

// NewSnapshotBuilder creates a SnapshotBuilder that binds its generated
// listener to listenerPort.
func NewSnapshotBuilder(listenerPort uint32) *SnapshotBuilder {
	return &SnapshotBuilder{listenerPort: listenerPort}
}

// ResolvedRoute pairs a Route with its already-resolved effective Upstream,
// since xDS resource generation needs the upstream but has no business
// re-deriving the Selector's precedence rules itself.
type ResolvedRoute struct {
	Route    *store.Route
	Upstream *store.Upstream
}

// Build creates a complete xDS snapshot from the currently active routes.
// version must change whenever the content changes — Envoy uses it to
// detect updates; callers pass the Routes collection's monotonic version
// counter.
func (b *SnapshotBuilder) Build(resolved []ResolvedRoute, version uint64) (*cachev3.Snapshot, error) {
	var (
		clusters  []types.Resource
		vhosts    []*route.VirtualHost
		listeners []types.Resource
	)

	versionStr := fmt.Sprintf("v%d", version)

	for _, rr := range resolved {
		if rr.Upstream == nil || len(rr.Upstream.Nodes) == 0 {
			continue
		}
		clusterName := fmt.Sprintf("cluster_%s", rr.Route.ID)
		clusters = append(clusters, makeCluster(clusterName, rr.Upstream))
		vhosts = append(vhosts, makeVirtualHost(rr.Route, clusterName))
	}

	routeConfig := makeRouteConfig("local_routes", vhosts)

	httpListener, err := makeHTTPListener("listener_http", b.listenerPort, "local_routes")
	if err != nil {
		return nil, fmt.Errorf("building listener: %w", err)
	}
	listeners = append(listeners, httpListener)

	snap, err := cachev3.NewSnapshot(
		versionStr,
		map[resource.Type][]types.Resource{
			resource.ClusterType:  clusters,
			resource.RouteType:    {routeConfig},
			resource.ListenerType: listeners,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("creating snapshot: %w", err)
	}

	// Consistency check: validates that all referenced clusters exist,
	// all routes point to valid clusters, etc.
	if err := snap.Consistent(); err != nil {
		return nil, fmt.Errorf("snapshot consistency check failed: %w", err)
	}

	return snap, nil
}

// makeCluster builds a weighted multi-endpoint cluster from up.Nodes.
// STRICT_DNS lets Envoy resolve hostnames itself; IP-literal nodes work the
// same way since Envoy's DNS resolver passes through literals unchanged.
func makeCluster(name string, up *store.Upstream) *cluster.Cluster {
	lbEndpoints := make([]*endpoint.LbEndpoint, 0, len(up.Nodes))
	for _, n := range up.Nodes {
		weight := uint32(n.Weight)
		if weight == 0 {
			weight = 1
		}
		lbEndpoints = append(lbEndpoints, &endpoint.LbEndpoint{
			HostIdentifier: &endpoint.LbEndpoint_Endpoint{
				Endpoint: &endpoint.Endpoint{
					Address: makeAddress(n.Host, uint32(n.Port)),
				},
			},
			LoadBalancingWeight: wrapperspb.UInt32(weight),
		})
	}

	timeout := 5 * time.Second
	if up.TimeoutMs > 0 {
		timeout = time.Duration(up.TimeoutMs) * time.Millisecond
	}

	lbPolicy := cluster.Cluster_ROUND_ROBIN
	if up.Type == store.BalancerCHash {
		lbPolicy = cluster.Cluster_MAGLEV
	}

	return &cluster.Cluster{
		Name:                 name,
		ClusterDiscoveryType: &cluster.Cluster_Type{Type: cluster.Cluster_STRICT_DNS},
		ConnectTimeout:       durationpb.New(timeout),
		LbPolicy:             lbPolicy,
		LoadAssignment: &endpoint.ClusterLoadAssignment{
			ClusterName: name,
			Endpoints: []*endpoint.LocalityLbEndpoints{{
				LbEndpoints: lbEndpoints,
			}},
		},
	}
}

func makeVirtualHost(r *store.Route, clusterName string) *route.VirtualHost {
	domains := r.Hosts
	if len(domains) == 0 {
		domains = []string{"*"}
	}

	uris := r.URIs
	if len(uris) == 0 {
		uris = []string{"/"}
	}

	routes := make([]*route.Route, 0, len(uris))
	for _, uri := range uris {
		routes = append(routes, &route.Route{
			Match: &route.RouteMatch{
				PathSpecifier: &route.RouteMatch_Prefix{Prefix: uri},
			},
			Action: &route.Route_Route{
				Route: &route.RouteAction{
					ClusterSpecifier: &route.RouteAction_Cluster{Cluster: clusterName},
				},
			},
		})
	}

	return &route.VirtualHost{
		Name:    fmt.Sprintf("vhost_%s", r.ID),
		Domains: domains,
		Routes:  routes,
	}
}

func makeRouteConfig(name string, virtualHosts []*route.VirtualHost) *route.RouteConfiguration {
	return &route.RouteConfiguration{
		Name:         name,
		VirtualHosts: virtualHosts,
	}
}

// makeHTTPListener creates an Envoy listener with an HTTP connection manager.
//
// The chain: Listener → FilterChain → NetworkFilter (HCM) → HttpFilter (Router)
func makeHTTPListener(name string, port uint32, routeConfigName string) (*listener.Listener, error) {
	routerAny, err := anypb.New(&routerv3.Router{})
	if err != nil {
		return nil, fmt.Errorf("marshaling router config: %w", err)
	}

	httpConnMgr := &hcm.HttpConnectionManager{
		StatPrefix: "ingress_http",

		RouteSpecifier: &hcm.HttpConnectionManager_Rds{
			Rds: &hcm.Rds{
				ConfigSource: &core.ConfigSource{
					ConfigSourceSpecifier: &core.ConfigSource_Ads{
						Ads: &core.AggregatedConfigSource{},
					},
					ResourceApiVersion: core.ApiVersion_V3,
				},
				RouteConfigName: routeConfigName,
			},
		},

		HttpFilters: []*hcm.HttpFilter{{
			Name: wellknown.Router,
			ConfigType: &hcm.HttpFilter_TypedConfig{
				TypedConfig: routerAny,
			},
		}},
	}

	hcmAny, err := anypb.New(httpConnMgr)
	if err != nil {
		return nil, fmt.Errorf("marshaling HCM: %w", err)
	}

	return &listener.Listener{
		Name: name,
		Address: &core.Address{
			Address: &core.Address_SocketAddress{
				SocketAddress: &core.SocketAddress{
					Protocol: core.SocketAddress_TCP,
					Address:  "0.0.0.0",
					PortSpecifier: &core.SocketAddress_PortValue{
						PortValue: port,
					},
				},
			},
		},
		FilterChains: []*listener.FilterChain{{
			Filters: []*listener.Filter{{
				Name: wellknown.HTTPConnectionManager,
				ConfigType: &listener.Filter_TypedConfig{
					TypedConfig: hcmAny,
				},
			}},
		}},
	}, nil
}

func makeAddress(host string, port uint32) *core.Address {
	return &core.Address{
		Address: &core.Address_SocketAddress{
			SocketAddress: &core.SocketAddress{
				Protocol: core.SocketAddress_TCP,
				Address:  host,
				PortSpecifier: &core.SocketAddress_PortValue{
					PortValue: port,
				},
			},
		},
	}
}
