// Package health implements the per-Pool HealthChecker: a periodic
// TCP-connect liveness probe, never sending application bytes, scheduled
// with robfig/cron's "@every" entries instead of a
// hand-rolled ticker.
package health

import (
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/singularity-edge/edge/internal/model"
)

const probeDeadline = 1 * time.Second

// Prober is injectable for tests; production uses dialProbe.
type Prober func(address string) bool

func dialProbe(address string) bool {
	conn, err := net.DialTimeout("tcp", address, probeDeadline)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Targets supplies the current backend snapshot to probe and receives
// health transitions. The Checker never mutates Pool state directly; it
// reports transitions back through the onEvent callback given to New so the Pool actor's mailbox
// stays the single writer of backend health.
type Targets interface {
	Snapshot() []model.Backend
}

// Checker schedules probes for one Pool.
type Checker struct {
	pool    string
	targets Targets
	prober  Prober
	onEvent func(backendID string, healthy bool)

	cron *cron.Cron

	mu       sync.Mutex
	inFlight map[string]bool
}

// New builds a Checker for one pool. The interval argument is not used
// here: the schedule is set by StartInterval, which clamps its own
// argument to model.MinHealthCheckInterval.
func New(poolName string, targets Targets, interval time.Duration, onEvent func(backendID string, healthy bool)) *Checker {
	return &Checker{
		pool:     poolName,
		targets:  targets,
		prober:   dialProbe,
		onEvent:  onEvent,
		cron:     cron.New(),
		inFlight: make(map[string]bool),
	}
}

// WithProber overrides the probe function, for tests.
func (c *Checker) WithProber(p Prober) *Checker {
	c.prober = p
	return c
}

// StartInterval begins probing every interval, immediately and then on
// schedule (cron's @every fires only after the first interval elapses, so
// an immediate pass is run directly here to avoid a cold start where every
// backend looks optimistically healthy for a full interval).
func (c *Checker) StartInterval(interval time.Duration) {
	if interval < model.MinHealthCheckInterval {
		interval = model.MinHealthCheckInterval
	}
	go c.runOnce()
	if _, err := c.cron.AddFunc("@every "+interval.String(), c.runOnce); err != nil {
		log.Printf("health: pool %s: schedule: %v", c.pool, err)
		return
	}
	c.cron.Start()
}

// Stop halts the schedule. Any probe already in flight is allowed to
// finish; it will simply report its result to a checker that no longer
// schedules new work.
func (c *Checker) Stop() {
	ctx := c.cron.Stop()
	<-ctx.Done()
}

// runOnce probes every backend in the current snapshot concurrently,
// skipping any backend whose previous probe has not yet returned so two
// probes never overlap on the same backend.
func (c *Checker) runOnce() {
	backends := c.targets.Snapshot()
	var wg sync.WaitGroup
	for _, b := range backends {
		b := b
		c.mu.Lock()
		if c.inFlight[b.ID] {
			c.mu.Unlock()
			continue
		}
		c.inFlight[b.ID] = true
		c.mu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				c.mu.Lock()
				delete(c.inFlight, b.ID)
				c.mu.Unlock()
			}()
			ok := c.prober(address(b))
			c.onEvent(b.ID, ok)
		}()
	}
	wg.Wait()
}

func address(b model.Backend) string {
	return net.JoinHostPort(b.Host, strconv.Itoa(b.Port))
}
