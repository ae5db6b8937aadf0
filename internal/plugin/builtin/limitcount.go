package builtin

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/envoyage/envoyage/internal/plugin"
)

// LimitCount is a fixed-window request-rate limiter: requests within the
// configured count per time_window pass through, the next one in the same
// window is rejected, and header_filter still emits rate-limit headers
// regardless of whether the request was admitted.
type LimitCount struct {
	plugin.Base

	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

type window struct {
	resetAt time.Time
	count   int
}

// NewLimitCount creates a LimitCount plugin at priority 1002, run after
// auth/rewrite plugins but ahead of plugins that only care about a request
// that is already admitted.
func NewLimitCount() *LimitCount {
	return &LimitCount{
		Base:    plugin.Base{PluginName: "limit-count", PluginPriority: 1002},
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

func (l *LimitCount) Handler(phase plugin.Phase) plugin.Handler {
	switch phase {
	case plugin.PhaseAccess:
		return l.access
	case plugin.PhaseHeaderFilter:
		return l.headerFilter
	default:
		return nil
	}
}

func limitKey(cfg map[string]any, rc *plugin.RequestContext) string {
	return fmt.Sprintf("%s|%s", rc.Route.ID, rc.RemoteAddr)
}

func intConfig(cfg map[string]any, key string, fallback int) int {
	switch v := cfg[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func (l *LimitCount) access(cfg map[string]any, rc *plugin.RequestContext) plugin.Result {
	count := intConfig(cfg, "count", 1)
	windowSecs := intConfig(cfg, "time_window", 60)
	key := limitKey(cfg, rc)
	now := l.now()

	l.mu.Lock()
	w, ok := l.windows[key]
	if !ok || now.After(w.resetAt) {
		w = &window{resetAt: now.Add(time.Duration(windowSecs) * time.Second)}
		l.windows[key] = w
	}
	w.count++
	current := w.count
	l.mu.Unlock()

	rc.Set("limit-count", "limit", count)
	rc.Set("limit-count", "remaining", count-current)

	if current > count {
		return plugin.Result{StatusCode: 503, Body: []byte(`{"message":"API rate limit exceeded"}`)}
	}
	return plugin.Result{}
}

// headerFilter always runs, even on the request that got rejected in
// access, so rate-limit headers are visible on every response regardless
// of whether it was admitted.
func (l *LimitCount) headerFilter(cfg map[string]any, rc *plugin.RequestContext) plugin.Result {
	limit, _ := rc.Get("limit-count", "limit")
	remaining, _ := rc.Get("limit-count", "remaining")
	if limitInt, ok := limit.(int); ok {
		rc.ResponseHeaders["X-RateLimit-Limit"] = strconv.Itoa(limitInt)
	}
	if remInt, ok := remaining.(int); ok {
		if remInt < 0 {
			remInt = 0
		}
		rc.ResponseHeaders["X-RateLimit-Remaining"] = strconv.Itoa(remInt)
	}
	return plugin.Result{}
}
