package chatquota

import (
	"sync"
	"time"
)

const (
	healthFailureThreshold = 3
	healthFailureWindow    = 5 * time.Minute
	healthUnhealthyPeriod  = 30 * time.Second
)

// HealthState describes the health of an upstream.
type HealthState int

const (
	HealthHealthy HealthState = iota
	HealthUnhealthy
	HealthHalfOpen
)

func (h HealthState) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthUnhealthy:
		return "unhealthy"
	case HealthHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// HealthTracker is a per-upstream circuit breaker. While an upstream is
// unhealthy the request boundary refuses chat turns before charging quota.
type HealthTracker struct {
	mu        sync.Mutex
	now       func() time.Time
	upstreams map[string]*upstreamHealth
}

type upstreamHealth struct {
	state       HealthState
	failures    []time.Time // sliding window of failure timestamps
	unhealthyAt time.Time
}

// NewHealthTracker creates a HealthTracker. A nil now means time.Now.
func NewHealthTracker(now func() time.Time) *HealthTracker {
	if now == nil {
		now = time.Now
	}
	return &HealthTracker{
		now:       now,
		upstreams: make(map[string]*upstreamHealth),
	}
}

// GetHealth returns the current health state for an upstream.
func (h *HealthTracker) GetHealth(name string) HealthState {
	h.mu.Lock()
	defer h.mu.Unlock()

	uh, ok := h.upstreams[name]
	if !ok {
		return HealthHealthy
	}

	// Unhealthy period elapsed → let one probe through.
	if uh.state == HealthUnhealthy && h.now().Sub(uh.unhealthyAt) >= healthUnhealthyPeriod {
		uh.state = HealthHalfOpen
	}
	return uh.state
}

// Allow reports whether a turn may be sent to the upstream.
func (h *HealthTracker) Allow(name string) bool {
	return h.GetHealth(name) != HealthUnhealthy
}

// RecordSuccess records a reply that was delivered.
func (h *HealthTracker) RecordSuccess(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	uh := h.getOrCreate(name)
	uh.state = HealthHealthy
	uh.failures = uh.failures[:0]
}

// RecordFailure records a reply that failed at the upstream.
func (h *HealthTracker) RecordFailure(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	uh := h.getOrCreate(name)
	now := h.now()

	// A failed half-open probe reopens the breaker straight away.
	if uh.state == HealthHalfOpen {
		uh.state = HealthUnhealthy
		uh.unhealthyAt = now
		return
	}
	if uh.state == HealthUnhealthy {
		return
	}

	cutoff := now.Add(-healthFailureWindow)
	valid := uh.failures[:0]
	for _, t := range uh.failures {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	uh.failures = append(valid, now)

	if len(uh.failures) >= healthFailureThreshold {
		uh.state = HealthUnhealthy
		uh.unhealthyAt = now
	}
}

func (h *HealthTracker) getOrCreate(name string) *upstreamHealth {
	uh, ok := h.upstreams[name]
	if !ok {
		uh = &upstreamHealth{state: HealthHealthy}
		h.upstreams[name] = uh
	}
	return uh
}
