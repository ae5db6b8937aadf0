package builtin

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/envoyage/envoyage/internal/plugin"
)

func TestProxyRewriteRewritesURIHostAndHeaders(t *testing.T) {
	p := NewProxyRewrite()
	rc := plugin.NewRequestContext("GET", "/old", "old.example.com", "127.0.0.1")

	cfg := map[string]any{
		"uri":     "/new",
		"host":    "new.example.com",
		"headers": map[string]any{"X-Forwarded-For": "1.2.3.4"},
	}

	result := p.rewrite(cfg, rc)
	assert.Zero(t, result.StatusCode)
	assert.Equal(t, "/new", rc.URI)
	assert.Equal(t, "new.example.com", rc.Host)
	assert.Equal(t, "1.2.3.4", rc.Headers["X-Forwarded-For"])
}

func TestProxyRewriteLeavesUnsetFieldsAlone(t *testing.T) {
	p := NewProxyRewrite()
	rc := plugin.NewRequestContext("GET", "/keep", "keep.example.com", "127.0.0.1")

	p.rewrite(map[string]any{}, rc)
	assert.Equal(t, "/keep", rc.URI)
	assert.Equal(t, "keep.example.com", rc.Host)
}

func TestProxyRewriteOnlyHandlesRewritePhase(t *testing.T) {
	p := NewProxyRewrite()
	assert.NotNil(t, p.Handler(plugin.PhaseRewrite))
	assert.Nil(t, p.Handler(plugin.PhaseAccess))
}
