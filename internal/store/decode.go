package store

import "encoding/json"

// EntityDecoder knows how to turn a watched key's JSON value into the right
// Collection mutation. One is registered per entity kind; the etcd watcher
// additionally assigns each its watched key prefix.
type EntityDecoder struct {
	Prefix string
	Kind   Kind
	// Apply decodes value and upserts/deletes it in the owning collection.
	// tombstone is true for deletions, which carry no value.
	Apply func(id string, value []byte, tombstone bool) error
}

// newDecoders builds the decoder table feeding st. Both watch transports
// (etcd, local file) apply entity events through this table so JSON
// decoding and version stamping live in one place.
func newDecoders(st *Store) []EntityDecoder {
	return []EntityDecoder{
		{Kind: KindRoute, Apply: applyFn(st.Routes, func(r *Route, id string) { r.ID = id }, func(v *Route, ver uint64) *Route { v.Version = ver; return v })},
		{Kind: KindService, Apply: applyFn(st.Services, func(s *Service, id string) { s.ID = id }, func(v *Service, ver uint64) *Service { v.Version = ver; return v })},
		{Kind: KindUpstream, Apply: applyFn(st.Upstreams, func(u *Upstream, id string) { u.ID = id }, func(v *Upstream, ver uint64) *Upstream { v.Version = ver; return v })},
		{Kind: KindConsumer, Apply: applyFn(st.Consumers, func(c *Consumer, id string) { c.Username = id }, func(v *Consumer, ver uint64) *Consumer { v.Version = ver; return v })},
		{Kind: KindSSL, Apply: applyFn(st.SSLCerts, func(s *SSL, id string) { s.ID = id }, func(v *SSL, ver uint64) *SSL { v.Version = ver; return v })},
		{Kind: KindGlobalRule, Apply: applyFn(st.GlobalRules, func(g *GlobalRule, id string) { g.ID = id }, func(v *GlobalRule, ver uint64) *GlobalRule { v.Version = ver; return v })},
		{Kind: KindPluginConfig, Apply: applyFn(st.PluginConfigs, func(p *PluginConfigSet, id string) { p.ID = id }, func(v *PluginConfigSet, ver uint64) *PluginConfigSet { v.Version = ver; return v })},
		{Kind: KindStreamRoute, Apply: applyFn(st.StreamRoutes, func(sr *StreamRoute, id string) { sr.ID = id }, func(v *StreamRoute, ver uint64) *StreamRoute { v.Version = ver; return v })},
	}
}

// applyFn builds one kind's Apply: decode the JSON value into a fresh T,
// stamp the entity id and collection version, and upsert — or delete on a
// tombstone, where a not-found for an unseen key is not an error.
func applyFn[T any](col *Collection[*T], setID func(*T, string), setVersion func(*T, uint64) *T) func(id string, value []byte, tombstone bool) error {
	return func(id string, value []byte, tombstone bool) error {
		if tombstone {
			_ = col.Delete(id)
			return nil
		}
		v := new(T)
		if err := json.Unmarshal(value, v); err != nil {
			return err
		}
		setID(v, id)
		col.Upsert(id, v, setVersion)
		return nil
	}
}
