package main

import (
	"log"
	"net"
	"strconv"
	"sync"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/singularity-edge/edge/internal/metrics"
	"github.com/singularity-edge/edge/internal/model"
	"github.com/singularity-edge/edge/internal/poolactor"
	"github.com/singularity-edge/edge/internal/route"
	"github.com/singularity-edge/edge/internal/tcpproxy"
)

// passthroughManager owns every TCP listener bound to an ssl_mode=passthrough
// pool's tcp_port metadata, starting and stopping them as pools are created
// and deleted through the registry instead of only once at process startup.
// It implements poolactor.ListenerManager.
type passthroughManager struct {
	proxy *tcpproxy.Proxy

	mu        sync.Mutex
	listeners map[string]net.Listener // pool name -> listener
	ports     map[string]int          // pool name -> port
}

func newPassthroughManager(registry *poolactor.Registry, resolver *route.Resolver, m *metrics.Registry) *passthroughManager {
	return &passthroughManager{
		proxy: &tcpproxy.Proxy{
			Registry:     registry,
			Resolver:     resolver,
			PortPools:    xsync.NewMap[int, string](),
			PeekSNI:      true,
			Metrics:      m,
			ListenerName: "tcp",
		},
		listeners: make(map[string]net.Listener),
		ports:     make(map[string]int),
	}
}

// EnsureListener implements poolactor.ListenerManager. It is a no-op for
// pools that aren't ssl_mode=passthrough or carry no tcp_port metadata, and
// for a pool already bound to the same port it recorded before.
func (m *passthroughManager) EnsureListener(pool model.Pool) error {
	if pool.SSLMode != model.SSLPassthrough {
		return nil
	}
	port, ok := tcpPortOf(pool)
	if !ok {
		log.Printf("passthrough pool %s has no tcp_port metadata, skipping its TCP listener", pool.Name)
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.ports[pool.Name]; ok {
		if existing == port {
			return nil
		}
		m.releaseLocked(pool.Name)
	}

	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return err
	}
	m.listeners[pool.Name] = ln
	m.ports[pool.Name] = port
	m.proxy.BindPort(port, pool.Name)
	go acceptLoop(ln, m.proxy)
	return nil
}

// CloseListener implements poolactor.ListenerManager.
func (m *passthroughManager) CloseListener(poolName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked(poolName)
}

func (m *passthroughManager) releaseLocked(poolName string) {
	port, ok := m.ports[poolName]
	if !ok {
		return
	}
	if ln, ok := m.listeners[poolName]; ok {
		_ = ln.Close()
	}
	m.proxy.UnbindPort(port)
	delete(m.listeners, poolName)
	delete(m.ports, poolName)
}

// CloseAll closes every bound listener, used on process shutdown.
func (m *passthroughManager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ln := range m.listeners {
		_ = ln.Close()
	}
}

// Count reports the number of currently bound listeners, for startup logging.
func (m *passthroughManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.listeners)
}

func acceptLoop(ln net.Listener, proxy *tcpproxy.Proxy) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go proxy.Handle(conn)
	}
}

func tcpPortOf(p model.Pool) (int, bool) {
	raw, ok := p.Metadata["tcp_port"]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case string:
		n, err := strconv.Atoi(v)
		return n, err == nil
	default:
		return 0, false
	}
}
