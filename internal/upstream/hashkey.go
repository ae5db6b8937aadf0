package upstream

import (
	"strings"

	"github.com/envoyage/envoyage/internal/plugin"
	"github.com/envoyage/envoyage/internal/store"
)

// ResolveHashKey derives the consistent-hash key for up from rc, per
// up.HashOn/up.Key (e.g. vars.remote_addr, header.X-Foo, cookie.session).
func ResolveHashKey(up *store.Upstream, rc *plugin.RequestContext) string {
	switch up.HashOn {
	case "header":
		return rc.Headers[strings.ToLower(up.Key)]
	case "cookie":
		return rc.Cookies[up.Key]
	case "vars":
		fallthrough
	default:
		switch up.Key {
		case "remote_addr", "":
			return rc.RemoteAddr
		case "uri":
			return rc.URI
		case "host":
			return rc.Host
		default:
			if v, ok := rc.Args[strings.TrimPrefix(up.Key, "args.")]; ok {
				return v
			}
			return rc.RemoteAddr
		}
	}
}
