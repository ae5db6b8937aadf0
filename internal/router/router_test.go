package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/envoyage/envoyage/internal/store"
)

func vars(uri, host, method, remoteAddr string) *RequestVars {
	return &RequestVars{
		URI:        uri,
		Host:       host,
		Method:     method,
		RemoteAddr: remoteAddr,
		Args:       map[string]string{},
		Cookies:    map[string]string{},
		Headers:    map[string]string{},
		Extra:      map[string]string{},
	}
}

func TestTreeExactBeatsWildcard(t *testing.T) {
	exact := &store.Route{ID: "a-exact", URIs: []string{"/users/profile"}}
	wild := &store.Route{ID: "b-wild", URIs: []string{"/users/*"}}

	tree := Build([]*store.Route{exact, wild})
	v := vars("/users/profile", "", "GET", "")
	got := Select(tree.Match(v), v)

	require.NotNil(t, got)
	assert.Equal(t, "a-exact", got.ID)
}

func TestPrioritySupersedesSpecificity(t *testing.T) {
	lowPriExact := &store.Route{ID: "a-exact", URIs: []string{"/users/profile"}, Priority: 0}
	highPriWild := &store.Route{ID: "b-wild", URIs: []string{"/users/*"}, Priority: 10}

	tree := Build([]*store.Route{lowPriExact, highPriWild})
	v := vars("/users/profile", "", "GET", "")
	got := Select(tree.Match(v), v)

	require.NotNil(t, got)
	assert.Equal(t, "b-wild", got.ID, "higher priority must win even against a more specific match")
}

func TestSmallerIDBreaksFullTie(t *testing.T) {
	r1 := &store.Route{ID: "z", URIs: []string{"/ping"}}
	r2 := &store.Route{ID: "a", URIs: []string{"/ping"}}

	tree := Build([]*store.Route{r1, r2})
	v := vars("/ping", "", "GET", "")
	got := Select(tree.Match(v), v)

	require.NotNil(t, got)
	assert.Equal(t, "a", got.ID)
}

func TestParamSegmentMatches(t *testing.T) {
	r := &store.Route{ID: "user-by-id", URIs: []string{"/users/:id"}}
	tree := Build([]*store.Route{r})
	v := vars("/users/42", "", "GET", "")
	got := Select(tree.Match(v), v)

	require.NotNil(t, got)
	assert.Equal(t, "user-by-id", got.ID)
}

func TestHostFilterExcludesNonMatching(t *testing.T) {
	r := &store.Route{ID: "only-api", URIs: []string{"/ping"}, Hosts: []string{"api.example.com"}}
	tree := Build([]*store.Route{r})

	v := vars("/ping", "other.example.com", "GET", "")
	assert.Nil(t, Select(tree.Match(v), v))

	v2 := vars("/ping", "api.example.com", "GET", "")
	assert.NotNil(t, Select(tree.Match(v2), v2))
}

func TestWildcardHostMatchesOneLabel(t *testing.T) {
	assert.True(t, MatchesHost([]string{"*.example.com"}, "foo.example.com"))
	assert.False(t, MatchesHost([]string{"*.example.com"}, "foo.bar.example.com"))
	assert.False(t, MatchesHost([]string{"*.example.com"}, "example.com"))
}

func TestMethodFilter(t *testing.T) {
	r := &store.Route{ID: "post-only", URIs: []string{"/submit"}, Methods: []string{"POST"}}
	tree := Build([]*store.Route{r})

	v := vars("/submit", "", "GET", "")
	assert.Nil(t, Select(tree.Match(v), v))

	v2 := vars("/submit", "", "POST", "")
	assert.NotNil(t, Select(tree.Match(v2), v2))
}

func TestRemoteAddrCIDRFilter(t *testing.T) {
	r := &store.Route{ID: "internal-only", URIs: []string{"/admin"}, RemoteAddrs: []string{"10.0.0.0/8"}}
	tree := Build([]*store.Route{r})

	v := vars("/admin", "", "GET", "203.0.113.1")
	assert.Nil(t, Select(tree.Match(v), v))

	v2 := vars("/admin", "", "GET", "10.1.2.3")
	assert.NotNil(t, Select(tree.Match(v2), v2))
}

func TestVarPredicateEval(t *testing.T) {
	r := &store.Route{
		ID:   "beta-only",
		URIs: []string{"/feature"},
		Vars: []store.VarPredicate{{Var: "args.flag", Op: "==", Value: "beta"}},
	}
	tree := Build([]*store.Route{r})

	v := vars("/feature", "", "GET", "")
	v.Args["flag"] = "prod"
	assert.Nil(t, Select(tree.Match(v), v))

	v2 := vars("/feature", "", "GET", "")
	v2.Args["flag"] = "beta"
	assert.NotNil(t, Select(tree.Match(v2), v2))
}

func TestRouterRebuildsOnStoreChange(t *testing.T) {
	col := store.NewCollection[*store.Route]()
	r := New(col)

	v := vars("/new", "", "GET", "")
	assert.Nil(t, r.MatchRequest(v))

	col.Upsert("added", &store.Route{ID: "added", URIs: []string{"/new"}}, func(rt *store.Route, ver uint64) *store.Route {
		rt.Version = ver
		return rt
	})
	r.Rebuild()

	got := r.MatchRequest(v)
	require.NotNil(t, got)
	assert.Equal(t, "added", got.ID)
}

func TestSSLRouterWildcardSNI(t *testing.T) {
	col := store.NewCollection[*store.SSL]()
	col.Upsert("wild", &store.SSL{ID: "wild", SNIs: []string{"*.example.com"}}, func(s *store.SSL, ver uint64) *store.SSL {
		s.Version = ver
		return s
	})
	sr := NewSSL(col)

	got := sr.MatchSNI("foo.example.com")
	require.NotNil(t, got)
	assert.Equal(t, "wild", got.ID)

	assert.Nil(t, sr.MatchSNI("foo.other.com"))
}

func TestSSLRouterExactBeatsWildcard(t *testing.T) {
	col := store.NewCollection[*store.SSL]()
	col.Upsert("exact", &store.SSL{ID: "exact", SNIs: []string{"foo.example.com"}}, func(s *store.SSL, ver uint64) *store.SSL {
		s.Version = ver
		return s
	})
	col.Upsert("wild", &store.SSL{ID: "wild", SNIs: []string{"*.example.com"}}, func(s *store.SSL, ver uint64) *store.SSL {
		s.Version = ver
		return s
	})
	sr := NewSSL(col)

	got := sr.MatchSNI("foo.example.com")
	require.NotNil(t, got)
	assert.Equal(t, "exact", got.ID)
}

func TestStreamRouterPortAndCIDR(t *testing.T) {
	col := store.NewCollection[*store.StreamRoute]()
	col.Upsert("internal", &store.StreamRoute{ID: "internal", ServerPort: 9000, RemoteAddrs: []string{"10.0.0.0/8"}}, func(sr *store.StreamRoute, ver uint64) *store.StreamRoute {
		sr.Version = ver
		return sr
	})
	sr := NewStream(col)

	assert.Nil(t, sr.MatchConnection(9000, "203.0.113.1"))

	got := sr.MatchConnection(9000, "10.1.2.3")
	require.NotNil(t, got)
	assert.Equal(t, "internal", got.ID)

	assert.Nil(t, sr.MatchConnection(9001, "10.1.2.3"))
}
