// Package model holds the small, dependency-free value types shared across
// the store, pool, proxy, and admin API packages.
package model

import "time"

// Algorithm is a load-balancing policy evaluated by internal/algorithm.
type Algorithm string

const (
	RoundRobin         Algorithm = "round_robin"
	LeastConnections   Algorithm = "least_connections"
	WeightedRoundRobin Algorithm = "weighted_round_robin"
	Random             Algorithm = "random"
)

// SSLMode controls TLS handling between client/edge and edge/backend.
type SSLMode string

const (
	SSLOff         SSLMode = "off"
	SSLFlexible    SSLMode = "flexible"
	SSLFull        SSLMode = "full"
	SSLFullStrict  SSLMode = "full_strict"
	SSLPassthrough SSLMode = "passthrough"
)

// Backend is a single upstream server target. Values flowing outside the
// owning Pool actor are immutable snapshots.
type Backend struct {
	ID                 string         `json:"id"`
	PoolName           string         `json:"pool_name"`
	Scheme             string         `json:"scheme"`
	Host               string         `json:"host"`
	Port               int            `json:"port"`
	Weight             int            `json:"weight"`
	Healthy            bool           `json:"healthy"`
	CurrentConnections int64          `json:"current_connections"`
	TotalRequests      int64          `json:"total_requests"`
	LastCheck          *time.Time     `json:"last_check,omitempty"`
	SSLVerify          bool           `json:"ssl_verify"`
	Metadata           map[string]any `json:"metadata,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// Pool is a named group of backends sharing an algorithm and SSL policy.
type Pool struct {
	Name                string         `json:"name"`
	Algorithm           Algorithm      `json:"algorithm"`
	SSLMode             SSLMode        `json:"ssl_mode"`
	SSLDomain           string         `json:"ssl_domain,omitempty"`
	SSLCertID           string         `json:"ssl_cert_id,omitempty"`
	ValidateBackendCert bool           `json:"validate_backend_cert"`
	HealthCheckInterval time.Duration  `json:"health_check_interval"`
	AlgorithmState      string         `json:"algorithm_state,omitempty"`
	Metadata            map[string]any `json:"metadata,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// DefaultHealthCheckInterval is the default health-check probe period.
const DefaultHealthCheckInterval = 10 * time.Second

// MinHealthCheckInterval is the floor enforced on Pool.HealthCheckInterval.
const MinHealthCheckInterval = 1 * time.Second

// Certificate is a TLS certificate/key pair tracked for a domain.
type Certificate struct {
	ID          string         `json:"id"`
	Domain      string         `json:"domain"`
	Certificate string         `json:"certificate"`
	PrivateKey  string         `json:"private_key"`
	Chain       string         `json:"chain,omitempty"`
	Issuer      string         `json:"issuer,omitempty"`
	ExpiresAt   time.Time      `json:"expires_at"`
	AutoRenew   bool           `json:"auto_renew"`
	Provider    string         `json:"provider"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// DefaultCertProvider is the default certificate issuance provider.
const DefaultCertProvider = "letsencrypt"

// expiringSoonWindow is the "expiring_soon" threshold.
const expiringSoonWindow = 30 * 24 * time.Hour

// ExpiringSoon reports whether the certificate expires within 30 days of now.
func (c Certificate) ExpiringSoon(now time.Time) bool {
	return c.ExpiresAt.Sub(now) <= expiringSoonWindow
}

// Expired reports whether the certificate's expiry is in the past.
func (c Certificate) Expired(now time.Time) bool {
	return c.ExpiresAt.Before(now)
}

// PoolStats is the snapshot returned by Pool.Stats.
type PoolStats struct {
	PoolName          string    `json:"pool_name"`
	Algorithm         Algorithm `json:"algorithm"`
	TotalBackends     int       `json:"total_backends"`
	HealthyBackends   int       `json:"healthy_backends"`
	UnhealthyBackends int       `json:"unhealthy_backends"`
	CurrentConns      int64     `json:"current_connections"`
	TotalRequests     int64     `json:"total_requests"`
}
