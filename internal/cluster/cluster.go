// Package cluster implements DNS-based peer discovery, full-snapshot
// bootstrap for a newly joined peer, and fire-and-forget replication of
// every local Store write to every known peer.
package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/miekg/dns"
	"github.com/robfig/cron/v3"

	"github.com/singularity-edge/edge/internal/store"
)

// replicatedTables lists every store.Engine table a peer's writes need to
// reach, and that a newly joined peer needs a full snapshot of.
var replicatedTables = []string{
	store.PoolsTableName,
	store.BackendsTableName,
	store.CertificatesTableName,
}

// updatedAtOnly decodes just the updated_at field any of the three record
// types carry, so broadcast/bootstrap never needs to know the concrete
// model type.
type updatedAtOnly struct {
	UpdatedAt time.Time `json:"updated_at"`
}

// wireEvent is one replicated write or delete as sent between peers.
type wireEvent struct {
	Table     string          `json:"table"`
	Key       string          `json:"key"`
	Deleted   bool            `json:"deleted"`
	Value     json.RawMessage `json:"value,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Cluster owns peer discovery and replication fan-out for one node.
type Cluster struct {
	Engine        *store.Engine
	DNSQuery      string
	PollInterval  time.Duration
	ReleaseCookie string
	SelfAddr      string // this node's own replication address, excluded from the peer set
	HTTPClient    *http.Client

	mu          sync.Mutex
	peers       map[string]bool
	cancelFuncs []func()
	cronJob     *cron.Cron
}

// New builds a Cluster. If releaseCookie is empty, Start runs the node
// standalone: clustering requires a shared secret, and a node without one
// never joins or accepts peers.
func New(engine *store.Engine, dnsQuery string, pollInterval time.Duration, releaseCookie, selfAddr string) *Cluster {
	return &Cluster{
		Engine:        engine,
		DNSQuery:      dnsQuery,
		PollInterval:  pollInterval,
		ReleaseCookie: releaseCookie,
		SelfAddr:      selfAddr,
		peers:         make(map[string]bool),
	}
}

func (c *Cluster) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 5 * time.Second}
}

// Start launches the DNS poll loop and the per-table replication fan-out.
// Returns immediately; both run in background goroutines until Stop.
func (c *Cluster) Start(ctx context.Context) {
	if c.ReleaseCookie == "" {
		log.Printf("cluster: RELEASE_COOKIE not set, running standalone (no peer discovery, no replication)")
		return
	}
	if c.DNSQuery == "" {
		log.Printf("cluster: no DNS query configured, running standalone")
		return
	}

	interval := c.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	c.cronJob = cron.New()
	_, err := c.cronJob.AddFunc(fmt.Sprintf("@every %s", interval), func() { c.pollOnce(ctx) })
	if err != nil {
		log.Printf("cluster: schedule DNS poll: %v", err)
		return
	}
	c.cronJob.Start()

	for _, table := range replicatedTables {
		ch, cancel := c.Engine.Subscribe(table)
		c.mu.Lock()
		c.cancelFuncs = append(c.cancelFuncs, cancel)
		c.mu.Unlock()
		go c.fanOut(table, ch)
	}
}

// Stop halts the poll loop and every fan-out subscription.
func (c *Cluster) Stop() {
	if c.cronJob != nil {
		c.cronJob.Stop()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cancel := range c.cancelFuncs {
		cancel()
	}
	c.cancelFuncs = nil
}

// pollOnce resolves DNSQuery, diffs the result against the known peer set,
// and bootstraps any newly discovered peer with a full snapshot.
func (c *Cluster) pollOnce(ctx context.Context) {
	found, err := c.resolvePeers(ctx)
	if err != nil {
		log.Printf("cluster: resolve %q: %v", c.DNSQuery, err)
		return
	}

	c.mu.Lock()
	var joined, left []string
	next := make(map[string]bool, len(found))
	for _, addr := range found {
		next[addr] = true
		if !c.peers[addr] {
			joined = append(joined, addr)
		}
	}
	for addr := range c.peers {
		if !next[addr] {
			left = append(left, addr)
		}
	}
	c.peers = next
	c.mu.Unlock()

	for _, addr := range left {
		log.Printf("cluster: peer %s no longer resolves, local reads continue unaffected", addr)
	}
	for _, addr := range joined {
		log.Printf("cluster: discovered peer %s, requesting bootstrap snapshot", addr)
		c.bootstrapFrom(ctx, addr)
	}
}

// resolvePeers queries DNSQuery for A records via the host's configured
// resolver, grounded on the same miekg/dns dependency Resinat-Resin's
// internal service discovery uses — net.LookupHost has no SRV/TTL surface
// and the pack's one DNS library is miekg/dns.
func (c *Cluster) resolvePeers(ctx context.Context) ([]string, error) {
	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(conf.Servers) == 0 {
		return nil, fmt.Errorf("load resolver config: %w", err)
	}

	client := new(dns.Client)
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(c.DNSQuery), dns.TypeA)
	server := net.JoinHostPort(conf.Servers[0], conf.Port)

	resp, _, err := client.ExchangeContext(ctx, msg, server)
	if err != nil {
		return nil, err
	}

	// Peers are dialed on this node's own replication port, so each A
	// record becomes ip:port and compares like-for-like with SelfAddr.
	_, selfPort, _ := net.SplitHostPort(c.SelfAddr)
	var addrs []string
	for _, rr := range resp.Answer {
		if a, ok := rr.(*dns.A); ok {
			addr := a.A.String()
			if addr != "" && selfPort != "" {
				addr = net.JoinHostPort(addr, selfPort)
			}
			if addr != "" && addr != c.SelfAddr {
				addrs = append(addrs, addr)
			}
		}
	}
	sort.Strings(addrs)
	return addrs, nil
}

func (c *Cluster) peerList() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.peers))
	for addr := range c.peers {
		out = append(out, addr)
	}
	return out
}

// fanOut ships every local write or delete on table to every known peer.
// Replication is fire-and-forget: each send runs in its own goroutine and
// retries a failed POST with backoff a few times before logging and
// dropping it, never queueing it — a peer that still missed
// writes while unreachable catches up via the full-snapshot bootstrap the
// next time it is rediscovered, which already resolves last-write-wins
// against whatever it has.
func (c *Cluster) fanOut(table string, ch <-chan store.Event) {
	for ev := range ch {
		we := wireEvent{Table: table, Key: ev.Key, Deleted: ev.Kind == store.EventDelete}
		if ev.Kind == store.EventPut {
			we.Value = ev.Value
			var meta updatedAtOnly
			if err := json.Unmarshal(ev.Value, &meta); err == nil {
				we.UpdatedAt = meta.UpdatedAt
			}
		}
		body, err := json.Marshal(we)
		if err != nil {
			log.Printf("cluster: marshal event for %s/%s: %v", table, ev.Key, err)
			continue
		}
		for _, peer := range c.peerList() {
			go c.send(peer, body)
		}
	}
}

func (c *Cluster) send(peer string, body []byte) {
	const attempts = 3
	url := fmt.Sprintf("http://%s/internal/replicate", peer)
	backoff := time.Second
	for attempt := 1; ; attempt++ {
		req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return
		}
		req.Header.Set("Authorization", "Bearer "+c.ReleaseCookie)
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.httpClient().Do(req)
		if err == nil {
			_ = resp.Body.Close()
			return
		}
		if attempt == attempts {
			log.Printf("cluster: replicate to %s: %v (dropped after %d attempts)", peer, err, attempt)
			return
		}
		time.Sleep(backoff)
		backoff *= 2
	}
}

// bootstrapFrom pulls a full table snapshot from a newly discovered peer
// and applies every record through PutReplicated, so a freshly joining
// node adopts existing state idempotently — PutReplicated's own LWW check
// makes re-applying an already-known record a no-op.
func (c *Cluster) bootstrapFrom(ctx context.Context, peer string) {
	for _, table := range replicatedTables {
		url := fmt.Sprintf("http://%s/internal/snapshot/%s", peer, table)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			continue
		}
		req.Header.Set("Authorization", "Bearer "+c.ReleaseCookie)

		resp, err := c.httpClient().Do(req)
		if err != nil {
			log.Printf("cluster: snapshot %s from %s: %v", table, peer, err)
			continue
		}
		var records []json.RawMessage
		err = json.NewDecoder(resp.Body).Decode(&records)
		_ = resp.Body.Close()
		if err != nil {
			log.Printf("cluster: decode snapshot %s from %s: %v", table, peer, err)
			continue
		}

		for _, raw := range records {
			var meta struct {
				updatedAtOnly
				Name string `json:"name"`
				ID   string `json:"id"`
			}
			if err := json.Unmarshal(raw, &meta); err != nil {
				continue
			}
			key := meta.Name
			if key == "" {
				key = meta.ID
			}
			if key == "" {
				continue
			}
			if err := c.Engine.PutReplicated(table, key, raw, meta.UpdatedAt); err != nil {
				log.Printf("cluster: apply bootstrap record %s/%s: %v", table, key, err)
			}
		}
	}
}

// Router returns the internal replication HTTP endpoint; cmd/edge mounts
// it under /internal/ on its HTTP listener. Every route requires the
// RELEASE_COOKIE bearer token.
func (c *Cluster) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(c.authenticate)
	r.Post("/internal/replicate", c.handleReplicate)
	r.Get("/internal/snapshot/{table}", c.handleSnapshot)
	return r
}

func (c *Cluster) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c.ReleaseCookie == "" || r.Header.Get("Authorization") != "Bearer "+c.ReleaseCookie {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (c *Cluster) handleReplicate(w http.ResponseWriter, r *http.Request) {
	var we wireEvent
	if err := json.NewDecoder(r.Body).Decode(&we); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	var err error
	if we.Deleted {
		err = c.Engine.Delete(we.Table, we.Key)
	} else {
		err = c.Engine.PutReplicated(we.Table, we.Key, we.Value, we.UpdatedAt)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (c *Cluster) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	records, err := c.Engine.List(table)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	raws := make([]json.RawMessage, len(records))
	for i, rec := range records {
		raws[i] = json.RawMessage(rec)
	}
	_ = json.NewEncoder(w).Encode(raws)
}
