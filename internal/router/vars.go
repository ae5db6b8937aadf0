package router

import (
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/envoyage/envoyage/internal/store"
)

// RequestVars is the resolved set of request attributes a route's variable
// predicates are evaluated against: uri, args.<k>, cookie.<k>, http_<header>,
// remote_addr, and arbitrary named context.
type RequestVars struct {
	URI        string
	Host       string
	Method     string
	RemoteAddr string
	Args       map[string]string
	Cookies    map[string]string
	Headers    map[string]string // lower-cased header names
	Extra      map[string]string // arbitrary named context set by plugins
}

// Lookup resolves a variable name to its string value and whether it was
// found at all (distinguishing "empty string" from "no such variable").
func (v *RequestVars) Lookup(name string) (string, bool) {
	switch {
	case name == "uri":
		return v.URI, true
	case name == "host":
		return v.Host, true
	case name == "remote_addr":
		return v.RemoteAddr, true
	case strings.HasPrefix(name, "args."):
		val, ok := v.Args[strings.TrimPrefix(name, "args.")]
		return val, ok
	case strings.HasPrefix(name, "cookie."):
		val, ok := v.Cookies[strings.TrimPrefix(name, "cookie.")]
		return val, ok
	case strings.HasPrefix(name, "http_"):
		val, ok := v.Headers[strings.ToLower(strings.TrimPrefix(name, "http_"))]
		return val, ok
	default:
		val, ok := v.Extra[name]
		return val, ok
	}
}

// patternCache memoizes compiled regexes for the `~~` operator so repeated
// evaluation of the same route doesn't recompile on every request.
var patternCache sync.Map // string -> *regexp.Regexp

// EvalPredicate evaluates a single {var_name, op, value} predicate against
// vars. op is one of ==, !=, >, <, >=, <=, ~~ (regex), IN, HAS.
func EvalPredicate(p store.VarPredicate, vars *RequestVars) bool {
	val, found := vars.Lookup(p.Var)

	switch p.Op {
	case "HAS":
		return found
	case "==":
		return found && val == p.Value
	case "!=":
		return !found || val != p.Value
	case "IN":
		if !found {
			return false
		}
		for _, opt := range strings.Split(p.Value, ",") {
			if val == strings.TrimSpace(opt) {
				return true
			}
		}
		return false
	case "~~":
		if !found {
			return false
		}
		re, ok := patternCache.Load(p.Value)
		if !ok {
			compiled, err := regexp.Compile(p.Value)
			if err != nil {
				return false
			}
			re, _ = patternCache.LoadOrStore(p.Value, compiled)
		}
		return re.(*regexp.Regexp).MatchString(val)
	case ">", "<", ">=", "<=":
		if !found {
			return false
		}
		a, errA := strconv.ParseFloat(val, 64)
		b, errB := strconv.ParseFloat(p.Value, 64)
		if errA != nil || errB != nil {
			return false
		}
		switch p.Op {
		case ">":
			return a > b
		case "<":
			return a < b
		case ">=":
			return a >= b
		case "<=":
			return a <= b
		}
	}
	return false
}

// EvalAll returns true iff every predicate in preds holds.
func EvalAll(preds []store.VarPredicate, vars *RequestVars) bool {
	for _, p := range preds {
		if !EvalPredicate(p, vars) {
			return false
		}
	}
	return true
}

// MatchesHost reports whether host satisfies one of the route's configured
// hosts, supporting a single leading wildcard label ("*.example.com").
func MatchesHost(routeHosts []string, host string) bool {
	if len(routeHosts) == 0 {
		return true // no host predicate means "match any host"
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	// Strip an explicit port, hosts are matched by name only.
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	for _, rh := range routeHosts {
		rh = strings.ToLower(rh)
		if rh == host {
			return true
		}
		if strings.HasPrefix(rh, "*.") {
			suffix := rh[1:] // ".example.com"
			if strings.HasSuffix(host, suffix) {
				// The wildcard covers exactly one label: whatever precedes
				// the suffix must be a single non-empty label.
				label := host[:len(host)-len(suffix)]
				if label != "" && !strings.Contains(label, ".") {
					return true
				}
			}
		}
	}
	return false
}

// MatchesMethod reports whether method is allowed by the route.
func MatchesMethod(routeMethods []string, method string) bool {
	if len(routeMethods) == 0 {
		return true
	}
	for _, m := range routeMethods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// MatchesRemoteAddr reports whether addr falls within one of the route's
// CIDR predicates.
func MatchesRemoteAddr(cidrs []string, addr string) bool {
	if len(cidrs) == 0 {
		return true
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	for _, c := range cidrs {
		_, network, err := net.ParseCIDR(c)
		if err != nil {
			if c == addr {
				return true
			}
			continue
		}
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
