// Package tcpproxy implements raw TCP passthrough for ssl_mode=passthrough
// pools, where the edge never parses TLS and cannot see request/response
// boundaries: bidirectional io.Copy, half-close propagation, an
// idleTimeoutConn wrapper, and an overall connection timeout via
// time.AfterFunc. It selects a backend through a Pool actor under a scoped
// release guard, and resolves the pool from the listening port or a peeked
// TLS SNI instead of always reading one static upstream.
package tcpproxy

import (
	"context"
	"crypto/tls"
	"io"
	"log"
	"net"
	"strconv"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/singularity-edge/edge/internal/metrics"
	"github.com/singularity-edge/edge/internal/poolactor"
	"github.com/singularity-edge/edge/internal/route"
)

// Proxy handles one passthrough listener. PortPools maps a listening port
// to the pool bound to it; when PeekSNI is set, the SNI hostname is
// resolved to a pool via Resolver (the same base-domain/subdomain rule
// HTTPProxy uses) before falling back to PortPools and then DefaultPool.
// PortPools is an xsync.Map rather than a plain map because pools can be
// created or deleted after the listener is already accepting connections,
// so BindPort/UnbindPort race with resolvePool on every accepted conn.
type Proxy struct {
	Registry          *poolactor.Registry
	Resolver          *route.Resolver
	PortPools         *xsync.Map[int, string]
	DefaultPool       string
	PeekSNI           bool
	IdleTimeout       time.Duration
	ConnectionTimeout time.Duration
	DialTimeout       time.Duration
	Metrics           *metrics.Registry
	ListenerName      string
}

// BindPort records that poolName owns the passthrough listener on port,
// called once the listener for a newly created pool is up.
func (p *Proxy) BindPort(port int, poolName string) {
	p.PortPools.Store(port, poolName)
}

// UnbindPort removes the port->pool mapping, called after the listener for
// a deleted pool has been closed.
func (p *Proxy) UnbindPort(port int) {
	p.PortPools.Delete(port)
}

// Handle proxies one accepted connection end to end. It never returns an
// error: failures are logged and the connection is closed, a
// fire-and-forget per-connection handler.
func (p *Proxy) Handle(conn net.Conn) {
	if p.Metrics != nil {
		p.Metrics.IncActiveConns(p.ListenerName, "passthrough")
		defer p.Metrics.DecActiveConns(p.ListenerName, "passthrough")
	}
	defer func() { _ = conn.Close() }()

	if p.ConnectionTimeout > 0 {
		timer := time.AfterFunc(p.ConnectionTimeout, func() { _ = conn.Close() })
		defer timer.Stop()
	}

	poolName, clientConn := p.resolvePool(conn)

	pool, err := p.Registry.Get(poolName)
	if err != nil {
		log.Printf("tcpproxy: unknown pool %q: %v", poolName, err)
		return
	}

	ctx := context.Background()
	backend, err := pool.SelectBackend(ctx)
	if err != nil {
		log.Printf("tcpproxy: pool %q: select backend: %v", poolName, err)
		return
	}
	defer pool.ReleaseBackend(context.Background(), backend.ID)

	dialTimeout := p.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	addr := net.JoinHostPort(backend.Host, strconv.Itoa(backend.Port))
	upstream, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		log.Printf("tcpproxy: dial backend %s: %v", addr, err)
		return
	}
	defer func() { _ = upstream.Close() }()

	var downstream net.Conn = clientConn
	var up net.Conn = upstream
	if p.IdleTimeout > 0 {
		downstream = &idleTimeoutConn{Conn: clientConn, timeout: p.IdleTimeout}
		up = &idleTimeoutConn{Conn: upstream, timeout: p.IdleTimeout}
	}

	splice(downstream, up)
}

// resolvePool picks the target pool: SNI peek first (if enabled), then the
// listening port's bound pool, then the default pool.
// clientConn is the connection handlers must read from for the rest of the
// session — when SNI peeking consumed bytes off the wire, they are
// replayed first.
func (p *Proxy) resolvePool(conn net.Conn) (string, net.Conn) {
	if p.PeekSNI {
		sni, replayed := peekSNI(conn)
		conn = replayed // whatever bytes the peek consumed must still reach the handler
		if sni != "" {
			if p.Resolver != nil {
				return p.Resolver.Resolve("", sni), conn
			}
			return p.DefaultPool, conn
		}
	}
	if addr, ok := conn.LocalAddr().(*net.TCPAddr); ok {
		if p.PortPools != nil {
			if name, ok := p.PortPools.Load(addr.Port); ok && name != "" {
				return name, conn
			}
		}
	}
	return p.DefaultPool, conn
}

// splice copies bytes in both directions until either side half-closes,
// then closes the other.
func splice(clientConn, upstreamConn net.Conn) {
	done := make(chan struct{})
	go func() {
		_, _ = io.Copy(upstreamConn, clientConn)
		if c, ok := upstreamConn.(interface{ CloseWrite() error }); ok {
			_ = c.CloseWrite()
		}
		close(done)
	}()

	_, _ = io.Copy(clientConn, upstreamConn)
	if c, ok := clientConn.(interface{ CloseWrite() error }); ok {
		_ = c.CloseWrite()
	}
	<-done
}

type idleTimeoutConn struct {
	net.Conn
	timeout time.Duration
}

func (c *idleTimeoutConn) Read(b []byte) (int, error) {
	_ = c.SetDeadline(time.Now().Add(c.timeout))
	return c.Conn.Read(b)
}

func (c *idleTimeoutConn) Write(b []byte) (int, error) {
	_ = c.SetDeadline(time.Now().Add(c.timeout))
	return c.Conn.Write(b)
}

func (c *idleTimeoutConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

// peekSNI reads just enough of the TLS ClientHello to learn its server_name
// extension, then returns a net.Conn that replays the peeked bytes before
// continuing to read live from the wire — no pack example sniffs TLS SNI
// ahead of a full handshake, so this is the one deliberately stdlib-only
// building block in the proxy stack (crypto/tls's GetConfigForClient is
// invoked with the parsed ClientHello before any certificate is chosen;
// returning an error here aborts the handshake without sending bytes back,
// leaving the connection untouched for the real backend).
func peekSNI(conn net.Conn) (sni string, replay net.Conn) {
	rec := &recordingConn{Conn: conn}
	var hello string
	tlsConn := tls.Server(rec, &tls.Config{
		GetConfigForClient: func(info *tls.ClientHelloInfo) (*tls.Config, error) {
			hello = info.ServerName
			return nil, errAbortHandshake
		},
	})
	_ = tlsConn.Handshake()
	return hello, &replayConn{Conn: conn, buf: rec.buf}
}

var errAbortHandshake = &handshakeAbortError{}

type handshakeAbortError struct{}

func (*handshakeAbortError) Error() string { return "tcpproxy: sni peek complete" }

// recordingConn records every byte Read returns so it can be replayed to
// the real handler once the peek aborts.
type recordingConn struct {
	net.Conn
	buf []byte
}

func (c *recordingConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if n > 0 {
		c.buf = append(c.buf, b[:n]...)
	}
	return n, err
}

func (c *recordingConn) Write([]byte) (int, error) { return 0, io.ErrClosedPipe }

// replayConn serves buf before falling through to the underlying conn.
type replayConn struct {
	net.Conn
	buf []byte
}

func (c *replayConn) Read(b []byte) (int, error) {
	if len(c.buf) > 0 {
		n := copy(b, c.buf)
		c.buf = c.buf[n:]
		return n, nil
	}
	return c.Conn.Read(b)
}

func (c *replayConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}
