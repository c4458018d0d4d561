// Package backend provides the Backend value type and its pure counter
// mutators. Every function here returns a copy;
// the owning Pool actor is the only thing that treats a Backend as mutable
// state, and even it does so by replacing values, never mutating in place.
package backend

import (
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/singularity-edge/edge/internal/apperr"
	"github.com/singularity-edge/edge/internal/model"
)

// defaultPort returns the conventional port for an http/https scheme.
func defaultPort(scheme string) int {
	if scheme == "https" {
		return 443
	}
	return 80
}

// New parses scheme://host:port[/...] into a Backend. The path, if any, is
// discarded: a Backend identifies a socket, not a resource.
func New(rawURL string) (model.Backend, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return model.Backend{}, apperr.Wrap(apperr.InvalidURL, "parse backend url", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return model.Backend{}, apperr.New(apperr.InvalidURL, fmt.Sprintf("unsupported scheme %q", u.Scheme))
	}
	host := u.Hostname()
	if host == "" {
		return model.Backend{}, apperr.New(apperr.InvalidURL, "missing host")
	}
	port := defaultPort(u.Scheme)
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return model.Backend{}, apperr.Wrap(apperr.InvalidURL, "invalid port", err)
		}
		port = n
	}
	now := time.Now().UTC()
	b := model.Backend{
		ID:        ID(u.Scheme, host, port),
		Scheme:    u.Scheme,
		Host:      host,
		Port:      port,
		Weight:    1,
		Healthy:   true,
		SSLVerify: u.Scheme == "https",
		CreatedAt: now,
		UpdatedAt: now,
	}
	return b, nil
}

// ID derives the stable identity scheme://host:port for a backend.
func ID(scheme, host string, port int) string {
	return fmt.Sprintf("%s://%s:%d", scheme, host, port)
}

// SetHealth returns a copy of b with Healthy set and LastCheck stamped now.
func SetHealth(b model.Backend, ok bool) model.Backend {
	now := time.Now().UTC()
	b.Healthy = ok
	b.LastCheck = &now
	b.UpdatedAt = now
	return b
}

// IncConnections returns a copy of b with CurrentConnections and
// TotalRequests both incremented, as required on select.
func IncConnections(b model.Backend) model.Backend {
	b.CurrentConnections++
	b.TotalRequests++
	b.UpdatedAt = time.Now().UTC()
	return b
}

// DecConnections returns a copy of b with CurrentConnections decremented,
// saturating at 0.
func DecConnections(b model.Backend) model.Backend {
	if b.CurrentConnections > 0 {
		b.CurrentConnections--
	}
	b.UpdatedAt = time.Now().UTC()
	return b
}

// Address is the host:port dial target for this backend.
func Address(b model.Backend) string {
	return fmt.Sprintf("%s:%d", b.Host, b.Port)
}
