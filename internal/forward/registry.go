// Package forward builds the outbound transports HTTPProxy dials backends
// through, keyed by a pool's ssl_mode rather than a wire protocol name:
// a transport is picked by TLS posture ({off, flexible, full, full_strict})
// rather than by wire protocol, leaving HTTP/2 negotiation to Go's defaults
// in every case.
package forward

import (
	"crypto/tls"
	"crypto/x509"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/singularity-edge/edge/internal/model"
)

// Options tunes every transport the registry builds.
type Options struct {
	DialTimeout   time.Duration
	DialKeepAlive time.Duration

	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	MaxConnsPerHost     int // 0 = unlimited

	TLSHandshakeTimeout   time.Duration
	ExpectContinueTimeout time.Duration
	ResponseHeaderTimeout time.Duration // optional, 0 to disable

	RootCAs *x509.CertPool
}

// DefaultOptions holds battle-tested proxy transport settings.
func DefaultOptions() Options {
	return Options{
		DialTimeout:           5 * time.Second,
		DialKeepAlive:         60 * time.Second,
		MaxIdleConns:          512,
		MaxIdleConnsPerHost:   128,
		IdleConnTimeout:       90 * time.Second,
		MaxConnsPerHost:       0,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// Registry caches one http.RoundTripper per ssl_mode, plus the two TLS
// postures ssl_mode=full can take depending on a pool's
// validate_backend_cert flag. Safe for concurrent use; transports are
// built once and shared across every pool using the same mode/posture
// pair, keyed on TLS posture instead of wire protocol.
type Registry struct {
	mu          sync.RWMutex
	store       map[model.SSLMode]http.RoundTripper
	fullVerify  http.RoundTripper
	fullNoCheck http.RoundTripper
	opts        Options
}

// NewRegistry builds a registry with opts, pre-building a transport for
// every ssl_mode that dials a backend over HTTP(S): off and flexible share
// a plain-HTTP transport; full_strict always verifies the backend's chain
// and hostname; full dials either the verifying or the skip-verify
// transport depending on the pool's validate_backend_cert flag, read by
// Get. ssl_mode=passthrough never reaches here — TCPProxy splices raw
// bytes and never constructs an http.RoundTripper.
func NewRegistry(opts Options) *Registry {
	r := &Registry{store: make(map[model.SSLMode]http.RoundTripper), opts: opts}
	plain := r.newPlainHTTP()
	r.store[model.SSLOff] = plain
	r.store[model.SSLFlexible] = plain
	r.fullVerify = r.newTLS(false)
	r.fullNoCheck = r.newTLS(true)
	r.store[model.SSLFullStrict] = r.fullVerify
	return r
}

// NewDefaultRegistry builds a registry with DefaultOptions.
func NewDefaultRegistry() *Registry { return NewRegistry(DefaultOptions()) }

// Get returns the transport for mode, falling back to the plain-HTTP
// transport for any unrecognized mode. validateBackendCert only matters
// for ssl_mode=full: full_strict always verifies regardless of it, so
// that pair can never silently downgrade to an unverified connection.
func (r *Registry) Get(mode model.SSLMode, validateBackendCert bool) http.RoundTripper {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if mode == model.SSLFull {
		if validateBackendCert {
			return r.fullVerify
		}
		return r.fullNoCheck
	}
	if rt, ok := r.store[mode]; ok {
		return rt
	}
	return r.store[model.SSLOff]
}

// CloseIdle releases idle backend connections on every cached transport,
// used on graceful shutdown.
func (r *Registry) CloseIdle() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[*http.Transport]bool)
	all := make([]http.RoundTripper, 0, len(r.store)+2)
	for _, rt := range r.store {
		all = append(all, rt)
	}
	all = append(all, r.fullVerify, r.fullNoCheck)
	for _, rt := range all {
		if t, ok := rt.(*http.Transport); ok && !seen[t] {
			t.CloseIdleConnections()
			seen[t] = true
		}
	}
}

func (r *Registry) dialer() *net.Dialer {
	return &net.Dialer{Timeout: r.opts.DialTimeout, KeepAlive: r.opts.DialKeepAlive}
}

// newPlainHTTP serves ssl_mode off and flexible: never dial the backend
// with TLS.
func (r *Registry) newPlainHTTP() http.RoundTripper {
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           r.dialer().DialContext,
		MaxIdleConns:          r.opts.MaxIdleConns,
		MaxIdleConnsPerHost:   r.opts.MaxIdleConnsPerHost,
		IdleConnTimeout:       r.opts.IdleConnTimeout,
		MaxConnsPerHost:       r.opts.MaxConnsPerHost,
		TLSHandshakeTimeout:   r.opts.TLSHandshakeTimeout,
		ExpectContinueTimeout: r.opts.ExpectContinueTimeout,
		ResponseHeaderTimeout: r.opts.ResponseHeaderTimeout,
	}
}

// newTLS serves ssl_mode full (insecure=true: hostname verification
// disabled, chain accepted) and full_strict (insecure=false: full chain
// and hostname verification).
func (r *Registry) newTLS(insecure bool) http.RoundTripper {
	return &http.Transport{
		Proxy:       http.ProxyFromEnvironment,
		DialContext: r.dialer().DialContext,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: insecure,
			RootCAs:            r.opts.RootCAs,
		},
		MaxIdleConns:          r.opts.MaxIdleConns,
		MaxIdleConnsPerHost:   r.opts.MaxIdleConnsPerHost,
		IdleConnTimeout:       r.opts.IdleConnTimeout,
		MaxConnsPerHost:       r.opts.MaxConnsPerHost,
		TLSHandshakeTimeout:   r.opts.TLSHandshakeTimeout,
		ExpectContinueTimeout: r.opts.ExpectContinueTimeout,
		ResponseHeaderTimeout: r.opts.ResponseHeaderTimeout,
	}
}
