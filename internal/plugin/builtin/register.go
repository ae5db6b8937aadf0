package builtin

import (
	"github.com/envoyage/envoyage/internal/plugin"
	"github.com/envoyage/envoyage/internal/store"
)

// Register adds every built-in plugin to reg. Called once at gateway
// startup; plugins needing store access (key-auth's consumer lookup) are
// bound to st at construction time, same as any plugin with external
// dependencies would be.
func Register(reg *plugin.Registry, st *store.Store) {
	reg.Register(NewKeyAuth(st))
	reg.Register(NewLimitCount())
	reg.Register(NewProxyRewrite())
}
