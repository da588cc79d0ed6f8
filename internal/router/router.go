// Package router implements the host/pathname glob dispatcher that picks
// which worker (root or a named mount) handles an inbound request. It has
// no teacher precedent — the teacher's single-worker model never needed
// one — so it is built fresh, in the teacher's idiom of a small
// pure-function matcher behind a Table type that is rebuilt wholesale on
// every reload rather than patched incrementally.
package router

import (
	"sort"
	"strings"

	"golang.org/x/net/idna"
)

// Route is one worker's (or mount's) route glob, as declared in options.
type Route struct {
	// WorkerName is "" for the root worker, or the mount's name.
	WorkerName string
	// Pattern is a host/pathname glob, e.g. "example.com/api*" or
	// "*.example.com/*". At most one trailing "*" is meaningful, both
	// within the host component and at the end of the whole pattern.
	Pattern string
}

// Match is the result of routing an inbound request.
type Match struct {
	WorkerName string
	// StrippedPath is, for a mount match, the request path with the matched
	// route's literal path prefix removed, so the mount sees "/...". When no
	// route matches it is the unchanged request path (root fallback); for a
	// match on one of the root worker's own routes it is empty.
	StrippedPath string
}

// compiledRoute is a Route split into comparable host/path components with
// its literal-prefix length precomputed for precedence ordering.
type compiledRoute struct {
	route         Route
	host          string // IDNA-normalised; "*", "*.sub-glob", or "prefix*"
	path          string // may end in "*"
	literalLength int    // length of the non-glob literal prefix (host+path)
}

// Table is an immutable, fully rebuilt route table. A reload replaces the
// whole Table rather than patching it in place (Design Notes: "route table
// re-materialised on next dispatch"), which sidesteps any incremental
// add/remove ordering bugs.
type Table struct {
	routes []compiledRoute
}

// Build compiles routes into a Table, most-specific-first. Routes with
// equal literal-prefix length keep their input relative order (stable
// sort), so callers can break ties by declaration order if they want a
// deterministic tiebreak.
func Build(routes []Route) *Table {
	compiled := make([]compiledRoute, 0, len(routes))
	for _, r := range routes {
		host, path := splitHostPath(r.Pattern)
		compiled = append(compiled, compiledRoute{
			route:         r,
			host:          normalizeHost(host),
			path:          path,
			literalLength: literalPrefixLength(host) + literalPrefixLength(path),
		})
	}
	sort.SliceStable(compiled, func(i, j int) bool {
		return compiled[i].literalLength > compiled[j].literalLength
	})
	return &Table{routes: compiled}
}

func splitHostPath(pattern string) (host, path string) {
	idx := strings.IndexByte(pattern, '/')
	if idx < 0 {
		return pattern, "*"
	}
	return pattern[:idx], pattern[idx:]
}

func literalPrefixLength(s string) int {
	if i := strings.IndexByte(s, '*'); i >= 0 {
		return i
	}
	return len(s)
}

// normalizeHost lowercases and IDNA-normalises the literal portion of host,
// preserving a leading "*." subdomain-wildcard marker or a trailing "*"
// prefix-glob marker exactly as found (idna.Lookup.ToASCII would reject
// either "*" form as invalid label content, so the glob markers are
// normalised around rather than through).
func normalizeHost(host string) string {
	switch {
	case host == "*":
		return "*"
	case strings.HasPrefix(host, "*."):
		return "*." + normalizeLiteral(host[2:])
	case strings.HasSuffix(host, "*"):
		return normalizeLiteral(strings.TrimSuffix(host, "*")) + "*"
	default:
		return normalizeLiteral(host)
	}
}

func normalizeLiteral(literal string) string {
	if literal == "" {
		return ""
	}
	ascii, err := idna.Lookup.ToASCII(strings.ToLower(literal))
	if err != nil {
		// Not a valid IDN label (common in test fixtures using bare
		// hostnames like "localhost") — fall back to the lowercased
		// literal unchanged.
		return strings.ToLower(literal)
	}
	return ascii
}

// hostGlobMatch matches a normalised host pattern (exact, "*", "*.suffix",
// or "prefix*") against a normalised candidate host.
func hostGlobMatch(pattern, host string) bool {
	switch {
	case pattern == "*":
		return true
	case strings.HasPrefix(pattern, "*."):
		suffix := pattern[1:] // keep the leading "." so "badexample.com" doesn't match; the bare "example.com" matches via the equality check
		return host == pattern[2:] || strings.HasSuffix(host, suffix)
	case strings.HasSuffix(pattern, "*"):
		return strings.HasPrefix(host, strings.TrimSuffix(pattern, "*"))
	default:
		return pattern == host
	}
}

// Dispatch finds the most specific route matching host and pathname, per
// the "longest literal prefix wins; root handles the residual" rule. When
// no declared route matches, the root worker handles the request (empty
// WorkerName, unstripped path) — there is always a dispatch target.
func (t *Table) Dispatch(host, pathname string) Match {
	normHost := normalizeHost(host)
	for _, cr := range t.routes {
		if !hostGlobMatch(cr.host, normHost) {
			continue
		}
		if !globMatch(cr.path, pathname) {
			continue
		}
		m := Match{WorkerName: cr.route.WorkerName}
		if cr.route.WorkerName != "" {
			m.StrippedPath = stripLiteralPrefix(cr.path, pathname)
		}
		return m
	}
	return Match{WorkerName: "", StrippedPath: pathname}
}

// globMatch matches pattern (which may end in exactly one "*") against s.
// "*" matches any (possibly empty) suffix.
func globMatch(pattern, s string) bool {
	if pattern == "" {
		return s == ""
	}
	if strings.HasSuffix(pattern, "*") {
		prefix := pattern[:len(pattern)-1]
		return strings.HasPrefix(s, prefix)
	}
	return pattern == s
}

// stripLiteralPrefix removes path's matched literal prefix (everything up
// to the glob's "*", or the mount-name segment for a legacy "/<mount>/..."
// pattern), leaving the mount-relative path the mount itself should see.
func stripLiteralPrefix(pathPattern, path string) string {
	literal := strings.TrimSuffix(pathPattern, "*")
	rest := strings.TrimPrefix(path, literal)
	if rest == "" || rest[0] != '/' {
		rest = "/" + rest
	}
	return rest
}
