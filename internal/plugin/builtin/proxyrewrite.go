package builtin

import "github.com/envoyage/envoyage/internal/plugin"

// ProxyRewrite rewrites the request URI and/or host before it is forwarded
// upstream. Runs in the rewrite phase, the first phase of the chain, so
// later plugins and the upstream request see the rewritten values. Route
// matching has already run by then, on the original URI and host.
type ProxyRewrite struct {
	plugin.Base
}

// NewProxyRewrite creates a ProxyRewrite plugin at priority 1008, ahead of
// most other built-ins, since rewriting the request is meant to happen
// before anything downstream inspects it.
func NewProxyRewrite() *ProxyRewrite {
	return &ProxyRewrite{Base: plugin.Base{PluginName: "proxy-rewrite", PluginPriority: 1008}}
}

func (p *ProxyRewrite) Handler(phase plugin.Phase) plugin.Handler {
	if phase != plugin.PhaseRewrite {
		return nil
	}
	return p.rewrite
}

func (p *ProxyRewrite) rewrite(cfg map[string]any, rc *plugin.RequestContext) plugin.Result {
	if uri, ok := cfg["uri"].(string); ok && uri != "" {
		rc.URI = uri
	}
	if host, ok := cfg["host"].(string); ok && host != "" {
		rc.Host = host
	}
	if headers, ok := cfg["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				rc.Headers[k] = s
			}
		}
	}
	return plugin.Result{}
}
