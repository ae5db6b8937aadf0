package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/envoyage/envoyage/internal/store"
)

// corsMiddleware wraps next with a permissive CORS policy so browser-based
// dashboards can call the admin API directly: a wildcard allow-origin, a
// preflight short-circuit on OPTIONS, and a max-age so repeat preflights
// are cached by the browser.
func corsMiddleware(next http.Handler) http.Handler {
	allowedMethods := strings.Join([]string{"POST", "GET", "PUT", "OPTIONS", "DELETE", "PATCH"}, ", ")
	allowedHeaders := strings.Join([]string{"Content-Type", "Authorization"}, ", ")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")

		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", allowedMethods)
			w.Header().Set("Access-Control-Allow-Headers", allowedHeaders)
			w.Header().Set("Access-Control-Max-Age", "3600")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// mountCRUD registers GET (list/one)/PUT/DELETE handlers for one entity
// collection under base, shared across every collection the store holds.
// stamp writes the path id and the collection's version counter onto the
// decoded entity before it is stored, the same stamping every other
// ingestion path (etcd, file, Docker) performs — admin-written entities
// must carry a real version too, since it is the authoritative cache key
// for dependent derivations like the DNS resolver cache.
func mountCRUD[T any](mux *http.ServeMux, log *slog.Logger, kind, base string, col *store.Collection[T], newFn func() T, stamp func(v T, id string, ver uint64) T) {
	mux.HandleFunc("GET "+base, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"version": col.Version(), "items": col.Iterate()})
	})

	mux.HandleFunc("GET "+base+"/{id}", func(w http.ResponseWriter, r *http.Request) {
		v, ok := col.Get(r.PathValue("id"))
		if !ok {
			http.Error(w, kind+" not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(v)
	})

	mux.HandleFunc("PUT "+base+"/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		v := newFn()
		if err := json.NewDecoder(r.Body).Decode(v); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		col.Upsert(id, v, func(v T, ver uint64) T { return stamp(v, id, ver) })
		log.Info("entity upserted via admin API", "kind", kind, "id", id)
		w.WriteHeader(http.StatusCreated)
	})

	mux.HandleFunc("DELETE "+base+"/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := col.Delete(id); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		log.Info("entity deleted via admin API", "kind", kind, "id", id)
		w.WriteHeader(http.StatusNoContent)
	})
}

// newAdminMux builds the management API: CRUD over every entity collection
// the store holds, plus a health endpoint surfacing the watch transport's
// connection state.
func newAdminMux(st *store.Store, log *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mountCRUD(mux, log, "route", "/routes", st.Routes,
		func() *store.Route { return &store.Route{} },
		func(v *store.Route, id string, ver uint64) *store.Route { v.ID = id; v.Version = ver; return v })
	mountCRUD(mux, log, "service", "/services", st.Services,
		func() *store.Service { return &store.Service{} },
		func(v *store.Service, id string, ver uint64) *store.Service { v.ID = id; v.Version = ver; return v })
	mountCRUD(mux, log, "upstream", "/upstreams", st.Upstreams,
		func() *store.Upstream { return &store.Upstream{} },
		func(v *store.Upstream, id string, ver uint64) *store.Upstream { v.ID = id; v.Version = ver; return v })
	mountCRUD(mux, log, "consumer", "/consumers", st.Consumers,
		func() *store.Consumer { return &store.Consumer{} },
		func(v *store.Consumer, id string, ver uint64) *store.Consumer { v.Username = id; v.Version = ver; return v })
	mountCRUD(mux, log, "ssl", "/ssl", st.SSLCerts,
		func() *store.SSL { return &store.SSL{} },
		func(v *store.SSL, id string, ver uint64) *store.SSL { v.ID = id; v.Version = ver; return v })
	mountCRUD(mux, log, "global_rule", "/global_rules", st.GlobalRules,
		func() *store.GlobalRule { return &store.GlobalRule{} },
		func(v *store.GlobalRule, id string, ver uint64) *store.GlobalRule { v.ID = id; v.Version = ver; return v })
	mountCRUD(mux, log, "plugin_config", "/plugin_configs", st.PluginConfigs,
		func() *store.PluginConfigSet { return &store.PluginConfigSet{} },
		func(v *store.PluginConfigSet, id string, ver uint64) *store.PluginConfigSet { v.ID = id; v.Version = ver; return v })
	mountCRUD(mux, log, "stream_route", "/stream_routes", st.StreamRoutes,
		func() *store.StreamRoute { return &store.StreamRoute{} },
		func(v *store.StreamRoute, id string, ver uint64) *store.StreamRoute { v.ID = id; v.Version = ver; return v })

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if !st.Healthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(map[string]bool{"healthy": st.Healthy()})
	})

	return corsMiddleware(mux)
}
