package plugin

import (
	"sort"

	"github.com/envoyage/envoyage/internal/store"
)

// Instance pairs a resolved Plugin with the per-entity config attached to
// it.
type Instance struct {
	Plugin Plugin
	Config map[string]any
}

// resolve turns a store.PluginConfig list into Instances, skipping (and
// letting the caller log) names the Registry doesn't recognize.
func resolve(reg *Registry, configs []store.PluginConfig) ([]Instance, []error) {
	var out []Instance
	var errs []error
	for _, c := range configs {
		p, ok := reg.Lookup(c.Name)
		if !ok {
			errs = append(errs, ErrUnknownPlugin{Name: c.Name})
			continue
		}
		out = append(out, Instance{Plugin: p, Config: c.Config})
	}
	return out, errs
}

// mergeByName overlays base on top of under: every plugin name present in
// base wins; names only present in under are appended.
func mergeByName(base, under []Instance) []Instance {
	seen := make(map[string]bool, len(base))
	out := make([]Instance, 0, len(base)+len(under))
	for _, inst := range base {
		seen[inst.Plugin.Name()] = true
		out = append(out, inst)
	}
	for _, inst := range under {
		if !seen[inst.Plugin.Name()] {
			out = append(out, inst)
		}
	}
	return out
}

// MergeRouteService builds the main chain's plugin list: start with the
// Route's plugins, overlay the plugins of any PluginConfigSet the Route
// references underneath (Route wins per-plugin-name), then, if the Route
// references a Service, overlay the Service's plugins underneath that.
func MergeRouteService(reg *Registry, route *store.Route, pcs *store.PluginConfigSet, service *store.Service) ([]Instance, []error) {
	merged, errs := resolve(reg, route.Plugins)
	if pcs != nil {
		pcsPlugins, perrs := resolve(reg, pcs.Plugins)
		merged = mergeByName(merged, pcsPlugins)
		errs = append(errs, perrs...)
	}
	if service != nil {
		servicePlugins, serrs := resolve(reg, service.Plugins)
		merged = mergeByName(merged, servicePlugins)
		errs = append(errs, serrs...)
	}
	return merged, errs
}

// MergeConsumer re-merges consumer plugins on top of an already-merged
// chain once a plugin has identified the calling Consumer (Consumer wins
// per-plugin-name), so access continues with the Consumer's own plugins
// layered in.
func MergeConsumer(reg *Registry, merged []Instance, consumer *store.Consumer) ([]Instance, []error) {
	if consumer == nil {
		return merged, nil
	}
	consumerPlugins, errs := resolve(reg, consumer.Plugins)
	return mergeByName(consumerPlugins, merged), errs
}

// GlobalChain builds the global chain applied to every request independent
// of routing. Multiple GlobalRule entities are flattened in ascending ID
// order with earlier rules winning name conflicts.
func GlobalChain(reg *Registry, rules []*store.GlobalRule) ([]Instance, []error) {
	sorted := make([]*store.GlobalRule, len(rules))
	copy(sorted, rules)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	var merged []Instance
	var errs []error
	for _, rule := range sorted {
		instances, ierrs := resolve(reg, rule.Plugins)
		merged = mergeByName(merged, instances)
		errs = append(errs, ierrs...)
	}
	return merged, errs
}
