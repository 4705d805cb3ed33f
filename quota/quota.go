// Package quota provides per-service claim throttling: a sustained
// claim-rate limit and a cap on how many of a service's jobs may be in
// flight (working) at once across this broker.
package quota

import (
	"sync"

	"golang.org/x/time/rate"
)

// Config defines per-service claim limits.
type Config struct {
	// Service is the service name the limits apply to.
	Service string

	// MaxInflight caps how many of the service's jobs may be working
	// simultaneously. Zero means no cap.
	MaxInflight int

	// RateLimit is the maximum sustained claims per second the service
	// may perform. Zero disables rate limiting.
	RateLimit float64

	// RateBurst is the burst size for the token-bucket rate limiter.
	// Defaults to 1 if RateLimit is set but RateBurst is zero.
	RateBurst int
}

// serviceState tracks runtime state for a single service.
type serviceState struct {
	config   Config
	limiter  *rate.Limiter
	inflight int
}

// Manager enforces claim quotas. It is safe for concurrent use.
// Services without a configuration have no limits.
type Manager struct {
	mu       sync.Mutex
	services map[string]*serviceState
}

// NewManager creates a Manager with the given service configurations.
func NewManager(configs ...Config) *Manager {
	m := &Manager{
		services: make(map[string]*serviceState, len(configs)),
	}
	for _, cfg := range configs {
		m.services[cfg.Service] = newServiceState(cfg)
	}
	return m
}

func newServiceState(cfg Config) *serviceState {
	ss := &serviceState{config: cfg}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		ss.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return ss
}

// Acquire checks the claim rate and in-flight cap for the service. If the
// claim may proceed it increments the in-flight counter and returns true.
// The caller MUST call Release once the claimed job leaves the working
// state (complete, fail, or requeue).
func (m *Manager) Acquire(service string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	ss := m.services[service]
	if ss == nil {
		return true
	}
	if ss.limiter != nil && !ss.limiter.Allow() {
		return false
	}
	if ss.config.MaxInflight > 0 && ss.inflight >= ss.config.MaxInflight {
		return false
	}
	ss.inflight++
	return true
}

// Release decrements the in-flight count for the service.
func (m *Manager) Release(service string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ss := m.services[service]; ss != nil && ss.inflight > 0 {
		ss.inflight--
	}
}

// SetConfig dynamically updates (or creates) a service configuration.
// The current in-flight count is preserved.
func (m *Manager) SetConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.services[cfg.Service]
	ss := newServiceState(cfg)
	if existing != nil {
		ss.inflight = existing.inflight
	}
	m.services[cfg.Service] = ss
}

// Inflight returns the current number of working jobs for a service.
func (m *Manager) Inflight(service string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ss := m.services[service]; ss != nil {
		return ss.inflight
	}
	return 0
}
