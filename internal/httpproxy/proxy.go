// Package httpproxy is the terminating HTTP(S) reverse proxy for every
// ssl_mode except passthrough: hand-rolled header cloning, hop-by-hop
// stripping, X-Forwarded-* header injection, streaming copy, JSON access
// log, Prometheus metrics hooks. It resolves a pool name through
// RouteResolver, selects a backend through a Pool actor under a scoped
// release guard, and chooses its outbound transport by ssl_mode instead of
// a static wire protocol.
package httpproxy

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/singularity-edge/edge/internal/apperr"
	"github.com/singularity-edge/edge/internal/forward"
	"github.com/singularity-edge/edge/internal/metrics"
	"github.com/singularity-edge/edge/internal/model"
	"github.com/singularity-edge/edge/internal/poolactor"
	"github.com/singularity-edge/edge/internal/route"
)

// Proxy is the listener-facing http.Handler for one edge entrypoint. One
// Proxy can serve many pools: the pool is resolved per request.
type Proxy struct {
	Registry        *poolactor.Registry
	Resolver        *route.Resolver
	Transports      *forward.Registry
	Metrics         *metrics.Registry
	AccessLog       io.Writer
	UpstreamTimeout time.Duration
	ListenerName    string
}

var _ http.Handler = (*Proxy)(nil)

// hopByHop lists the headers stripped from both the outbound request and
// the returned response.
var hopByHop = map[string]struct{}{
	"Connection":          {},
	"Proxy-Connection":    {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"TE":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	lw := &loggingResponseWriter{ResponseWriter: w}
	var poolName, upstreamAddr string
	defer func() {
		p.logAndRecord(lw, r, start, poolName, upstreamAddr)
	}()

	poolName = p.Resolver.Resolve(r.Header.Get(route.HeaderPool), r.Host)

	pool, err := p.Registry.Get(poolName)
	if err != nil {
		writeProxyError(lw, err)
		return
	}

	ctx := r.Context()
	if p.UpstreamTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.UpstreamTimeout)
		defer cancel()
	}

	backend, err := pool.SelectBackend(ctx)
	if err != nil {
		writeProxyError(lw, err)
		return
	}
	defer pool.ReleaseBackend(context.Background(), backend.ID)

	upstreamAddr = backendAddress(backend)

	outboundURL := &url.URL{
		Scheme:   backend.Scheme,
		Host:     net.JoinHostPort(backend.Host, strconv.Itoa(backend.Port)),
		Path:     r.URL.Path,
		RawQuery: r.URL.RawQuery,
	}

	hdr := cloneHeader(r.Header)
	dropHopByHop(hdr)
	addXFF(hdr, r.RemoteAddr)
	setXFProto(hdr, r)
	hdr.Set("X-Forwarded-Host", r.Host)

	reqUp, err := http.NewRequestWithContext(ctx, r.Method, outboundURL.String(), r.Body)
	if err != nil {
		writeProxyError(lw, apperr.Wrap(apperr.Validation, "build upstream request", err))
		return
	}
	reqUp.Header = hdr
	reqUp.Host = outboundURL.Host

	transport := p.Transports.Get(pool.Config.SSLMode, pool.Config.ValidateBackendCert)
	resUp, err := transport.RoundTrip(reqUp)
	if err != nil {
		log.Printf("httpproxy: backend %s: %v", backend.ID, err)
		writeProxyError(lw, apperr.Wrap(apperr.BackendConnect, "round trip", err))
		return
	}
	defer func() { _ = resUp.Body.Close() }()

	dropHopByHop(resUp.Header)
	copyHeaders(lw.Header(), resUp.Header)
	if len(resUp.Trailer) > 0 {
		keys := make([]string, 0, len(resUp.Trailer))
		for k := range resUp.Trailer {
			keys = append(keys, k)
		}
		lw.Header().Set("Trailer", strings.Join(keys, ","))
	}

	lw.WriteHeader(resUp.StatusCode)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	// A body-read failure mid-stream closes the client connection rather
	// than rewriting the status already sent: aborting the handler makes
	// net/http drop the connection instead of finishing the response.
	if _, err := io.Copy(lw, resUp.Body); err != nil {
		panic(http.ErrAbortHandler)
	}

	for k, vv := range resUp.Trailer {
		for _, v := range vv {
			lw.Header().Add(k, v)
		}
	}
}

func (p *Proxy) logAndRecord(lw *loggingResponseWriter, r *http.Request, start time.Time, poolName, upstreamAddr string) {
	status := lw.statusCode
	if status == 0 {
		status = http.StatusOK
	}
	duration := time.Since(start)

	if p.AccessLog != nil {
		entry := AccessLog{
			Time:         start,
			Method:       r.Method,
			Path:         r.URL.Path,
			Protocol:     r.Proto,
			Status:       status,
			DurationMS:   duration.Milliseconds(),
			RemoteIP:     r.RemoteAddr,
			UserAgent:    r.UserAgent(),
			Pool:         poolName,
			Upstream:     upstreamAddr,
			BytesWritten: lw.bytes,
		}
		if err := json.NewEncoder(p.AccessLog).Encode(entry); err != nil {
			log.Printf("httpproxy: access log: %v", err)
		}
	}

	if p.Metrics != nil {
		p.Metrics.IncRequest(poolName, p.ListenerName, r.Method, strconv.Itoa(status))
		p.Metrics.ObserveLatency(poolName, p.ListenerName, duration)
	}
}

// AccessLog is the JSON record written for every proxied request, with
// Pool identifying the backend group a static service list would have
// named Service.
type AccessLog struct {
	Time         time.Time `json:"time"`
	Method       string    `json:"method"`
	Path         string    `json:"path"`
	Protocol     string    `json:"protocol"`
	Status       int       `json:"status"`
	DurationMS   int64     `json:"duration_ms"`
	RemoteIP     string    `json:"remote_ip"`
	UserAgent    string    `json:"user_agent"`
	Pool         string    `json:"pool,omitempty"`
	Upstream     string    `json:"upstream,omitempty"`
	BytesWritten int64     `json:"bytes_written"`
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
	bytes      int64
}

func (w *loggingResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *loggingResponseWriter) Write(b []byte) (int, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}

func (w *loggingResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// writeProxyError writes the same {"error": <message>} JSON envelope the
// admin API uses, so a 503 with no healthy backends reads
// {"error":"no healthy backends available"} rather than a plain-text body.
func writeProxyError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func backendAddress(b model.Backend) string {
	return b.Scheme + "://" + net.JoinHostPort(b.Host, strconv.Itoa(b.Port))
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vv := range h {
		cc := make([]string, len(vv))
		copy(cc, vv)
		out[k] = cc
	}
	return out
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		dst.Del(k)
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func dropHopByHop(h http.Header) {
	for _, f := range h.Values("Connection") {
		for _, k := range strings.Split(f, ",") {
			k = textproto.TrimString(k)
			if k != "" {
				h.Del(k)
			}
		}
	}
	for k := range hopByHop {
		if k == "TE" && h.Get("TE") == "trailers" {
			continue
		}
		h.Del(k)
	}
}

func addXFF(h http.Header, remoteAddr string) {
	ip, _, err := net.SplitHostPort(remoteAddr)
	if err != nil || ip == "" {
		return
	}
	const key = "X-Forwarded-For"
	if prior := h.Get(key); prior != "" {
		h.Set(key, prior+", "+ip)
	} else {
		h.Set(key, ip)
	}
}

func setXFProto(h http.Header, r *http.Request) {
	if r.TLS != nil {
		h.Set("X-Forwarded-Proto", "https")
	} else {
		h.Set("X-Forwarded-Proto", "http")
	}
}
