// Package builtin provides a small set of concrete plugins so the phase
// executor has something real to drive end to end. Each plugin is an
// ordinary plugin.Plugin implementation the way any third-party plugin
// would be; nothing about the host treats these specially.
package builtin

import (
	"strings"

	"github.com/envoyage/envoyage/internal/plugin"
	"github.com/envoyage/envoyage/internal/store"
)

// KeyAuth identifies the calling Consumer from an API key carried in a
// header: once a plugin identifies a Consumer and stores it on the
// context, the merge engine folds that Consumer's own plugins on top of
// the chain. Each Consumer opts in by attaching its own key-auth plugin
// config carrying its secret key.
type KeyAuth struct {
	plugin.Base
	store *store.Store
}

// NewKeyAuth creates a KeyAuth plugin bound to st for consumer lookup.
// Priority 2500 runs it ahead of traffic-shaping plugins like limit-count,
// so a request is attributed to its Consumer before rate limits apply.
func NewKeyAuth(st *store.Store) *KeyAuth {
	return &KeyAuth{Base: plugin.Base{PluginName: "key-auth", PluginPriority: 2500}, store: st}
}

func (k *KeyAuth) Handler(phase plugin.Phase) plugin.Handler {
	if phase != plugin.PhaseAccess {
		return nil
	}
	return k.access
}

func (k *KeyAuth) access(cfg map[string]any, rc *plugin.RequestContext) plugin.Result {
	header := "apikey"
	if h, ok := cfg["header"].(string); ok && h != "" {
		header = strings.ToLower(h)
	}
	key := rc.Headers[header]
	if key == "" {
		return plugin.Result{StatusCode: 401, Body: []byte(`{"message":"missing api key"}`)}
	}

	for _, c := range k.store.Consumers.Iterate() {
		for _, p := range c.Plugins {
			if p.Name != "key-auth" {
				continue
			}
			if configKey, _ := p.Config["key"].(string); configKey == key {
				rc.Consumer = c
				rc.Set("key-auth", "consumer_username", c.Username)
				return plugin.Result{}
			}
		}
	}
	return plugin.Result{StatusCode: 401, Body: []byte(`{"message":"invalid api key"}`)}
}
