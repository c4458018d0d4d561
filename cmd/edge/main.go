// Command edge is the Singularity Edge binary: one process hosting the
// HTTP(S) terminating proxy, the raw-TCP passthrough proxy, the admin REST
// API, and cluster replication, all built from a single bootstrap Config:
// parse flags, load config, build dependencies, serve until a signal
// requests a graceful shutdown. Pool and backend lookups run through a
// Registry backed by the store rather than a static route table.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/singularity-edge/edge/internal/api"
	"github.com/singularity-edge/edge/internal/cluster"
	"github.com/singularity-edge/edge/internal/config"
	"github.com/singularity-edge/edge/internal/forward"
	"github.com/singularity-edge/edge/internal/httpproxy"
	"github.com/singularity-edge/edge/internal/metrics"
	"github.com/singularity-edge/edge/internal/model"
	"github.com/singularity-edge/edge/internal/poolactor"
	"github.com/singularity-edge/edge/internal/route"
	"github.com/singularity-edge/edge/internal/store"
	"github.com/singularity-edge/edge/internal/version"
)

const decodeCacheSize = 4096

func main() {
	configPath := flag.String("config", "./edge.yaml", "path to optional bootstrap YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	engine, err := store.Open(cfg.StoreDir)
	if err != nil {
		log.Fatalf("open store at %s: %v", cfg.StoreDir, err)
	}
	defer engine.Close()

	poolsTable, err := store.NewPoolsTable(engine, decodeCacheSize)
	if err != nil {
		log.Fatalf("pools table: %v", err)
	}
	backendsTable, err := store.NewBackendsTable(engine, decodeCacheSize)
	if err != nil {
		log.Fatalf("backends table: %v", err)
	}
	certsTable, err := store.NewCertificatesTable(engine, decodeCacheSize)
	if err != nil {
		log.Fatalf("certificates table: %v", err)
	}

	registry := poolactor.NewRegistry(poolsTable, backendsTable)
	ctx := context.Background()

	metricsRegistry := metrics.NewRegistry()
	transports := forward.NewDefaultRegistry()
	defer transports.CloseIdle()
	resolver := route.New(cfg.BaseDomain, cfg.DefaultPool)

	passthrough := newPassthroughManager(registry, resolver, metricsRegistry)
	registry.SetListenerManager(passthrough)

	if err := registry.Recover(ctx); err != nil {
		log.Fatalf("recover pools: %v", err)
	}

	selfAddr := selfReplicationAddr(cfg.Listen)
	peerCluster := cluster.New(engine, cfg.DNSQuery, cfg.PollInterval, cfg.ReleaseCookie, selfAddr)
	peerCluster.Start(ctx)
	defer peerCluster.Stop()

	adminServer := api.NewServer(registry, certsTable, metricsRegistry, selfAddr)

	if !cfg.ServerEnabled {
		log.Printf("singularity-edge %s: PHX_SERVER disabled, running as a one-shot admin process", version.Value)
		return
	}

	httpHandler := &httpproxy.Proxy{
		Registry:        registry,
		Resolver:        resolver,
		Transports:      transports,
		Metrics:         metricsRegistry,
		AccessLog:       os.Stdout,
		UpstreamTimeout: cfg.UpstreamTimeout,
		ListenerName:    "http",
	}

	mux := http.NewServeMux()
	mux.Handle("/api/", adminServer.Router())
	mux.Handle("/.well-known/acme-challenge/", adminServer.Router())
	mux.Handle("/metrics", adminServer.Router())
	mux.Handle("/internal/", peerCluster.Router())
	mux.Handle("/", httpHandler)

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	var httpsServer *http.Server
	if tlsConfig := buildTLSConfig(registry, certsTable); tlsConfig != nil {
		httpsServer = &http.Server{
			Addr:              ":443",
			Handler:           mux,
			TLSConfig:         tlsConfig,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
	}

	log.Printf("singularity-edge %s listening on %s (default_pool=%s base_domain=%s passthrough_listeners=%d)",
		version.Value, cfg.Listen, cfg.DefaultPool, cfg.BaseDomain, passthrough.Count())

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http listen: %v", err)
		}
	}()
	if httpsServer != nil {
		go func() {
			if err := httpsServer.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				log.Printf("https listen: %v", err)
			}
		}()
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	log.Printf("singularity-edge shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	if httpsServer != nil {
		_ = httpsServer.Shutdown(shutdownCtx)
	}
	passthrough.CloseAll()
}

// selfReplicationAddr extracts the bare host:port this node's peers would
// dial to reach it, falling back to the hostname when Listen is a bare
// ":port" form (the common case behind a platform-assigned private IP).
func selfReplicationAddr(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return listen
	}
	if host == "" {
		hostname, _ := os.Hostname()
		host = hostname
	}
	return net.JoinHostPort(host, port)
}

// buildTLSConfig returns a SNI-driven tls.Config, or nil if no certificate
// has been provisioned yet (the HTTPS listener is then skipped entirely;
// HTTP and TCP passthrough still run).
func buildTLSConfig(registry *poolactor.Registry, certsTable *store.CertificatesTable) *tls.Config {
	certs, err := certsTable.List()
	if err != nil || len(certs) == 0 {
		return nil
	}
	return &tls.Config{
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			cert, err := resolveCertificate(registry, certsTable, hello.ServerName)
			if err != nil {
				return nil, err
			}
			chain := cert.Certificate
			if cert.Chain != "" {
				chain += "\n" + cert.Chain
			}
			pair, err := tls.X509KeyPair([]byte(chain), []byte(cert.PrivateKey))
			if err != nil {
				return nil, err
			}
			return &pair, nil
		},
	}
}

// resolveCertificate honors the pool ssl_domain -> ssl_cert_id relationship
// when a pool claims serverName and names a certificate: this is what lets
// a certificate issued for a SAN or wildcard name serve a pool whose
// ssl_domain doesn't literally match the certificate's own Domain field.
// Pools that never set ssl_cert_id, and serverNames no pool claims, fall
// back to the flat by-domain lookup.
func resolveCertificate(registry *poolactor.Registry, certsTable *store.CertificatesTable, serverName string) (model.Certificate, error) {
	for _, p := range registry.List() {
		if p.SSLDomain == serverName && p.SSLCertID != "" {
			return certsTable.Get(p.SSLCertID)
		}
	}
	return certsTable.ByDomain(serverName)
}
