package plugin

import "sync"

// pool backs Acquire/Release: a RequestContext is allocated at request
// start, holds all per-request state, and is released back to the pool in
// the Log phase after passive health reporting. One shared pool serves the
// whole process; sync.Pool's per-P local caches already make that
// effectively per-worker under Go's scheduler.
var pool = sync.Pool{New: func() any { return &RequestContext{} }}

// Acquire returns a RequestContext ready for a new request, reusing a
// previously released one when available.
func Acquire(method, uri, host, remoteAddr string) *RequestContext {
	rc := pool.Get().(*RequestContext)
	rc.reset(method, uri, host, remoteAddr)
	return rc
}

// Release returns rc to the pool. Callers must not touch rc afterward — it
// may be handed to a different request immediately.
func Release(rc *RequestContext) {
	pool.Put(rc)
}
