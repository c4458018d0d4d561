// Package route implements a stateless mapping from inbound request
// metadata (an explicit override header, then the Host header) to a pool
// name, keyed on base-domain suffix stripping rather than exact-host or
// path-prefix routes, since pool names are dynamic and store-backed
// instead of a static route list.
package route

import (
	"strings"

	"golang.org/x/net/idna"
)

// HeaderPool is the explicit override header checked before any host-based
// resolution.
const HeaderPool = "X-Pool"

// Resolver maps a request's header/host pair to a pool name. It holds no
// per-request state and is safe for concurrent use.
type Resolver struct {
	baseDomain  string
	defaultPool string
}

// New builds a Resolver for the given deployment's base domain and default
// pool name; the default pool is a deployment option.
func New(baseDomain, defaultPool string) *Resolver {
	return &Resolver{
		baseDomain:  strings.ToLower(strings.TrimPrefix(baseDomain, ".")),
		defaultPool: defaultPool,
	}
}

// Resolve implements the pool-resolution priority chain:
//  1. a non-empty X-Pool header wins outright;
//  2. a Host ending in ".<base_domain>" resolves to its leading label;
//  3. Host equal to base_domain, or anything else, falls back to the
//     default pool.
func (r *Resolver) Resolve(headerPool, host string) string {
	if headerPool != "" {
		return headerPool
	}

	h := normalizeHost(host)
	if h == "" || r.baseDomain == "" {
		return r.defaultPool
	}

	suffix := "." + r.baseDomain
	if strings.HasSuffix(h, suffix) {
		label := strings.TrimSuffix(h, suffix)
		if label == "" {
			return r.defaultPool
		}
		return label
	}

	return r.defaultPool
}

// normalizeHost strips a port, lowercases, and passes the result through
// idna.ToASCII so punycode and unicode host headers route identically to
// their ASCII form. A normalization failure (malformed input) falls back
// to the lowercased raw host rather than failing the request.
func normalizeHost(host string) string {
	h := host
	if i := strings.LastIndexByte(h, ':'); i >= 0 && !strings.Contains(h[i:], "]") {
		h = h[:i]
	}
	h = strings.Trim(h, "[]")
	h = strings.ToLower(h)
	if h == "" {
		return ""
	}
	ascii, err := idna.ToASCII(h)
	if err != nil {
		return h
	}
	return ascii
}
