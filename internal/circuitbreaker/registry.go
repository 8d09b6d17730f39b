// Package circuitbreaker tracks per-service failure state and short-circuits
// calls to downstream services that keep failing. State is instance-local and
// advisory; under horizontal scale-out each instance protects only its own
// traffic.
package circuitbreaker

import (
	"encoding/json"
	"sync"
	"time"

	"wa-router/internal/common/logging"
)

// State represents the current state of a service circuit
type State int

const (
	// StateClosed means requests pass through normally
	StateClosed State = iota
	// StateOpen means requests are rejected without network I/O
	StateOpen
	// StateHalfOpen means a single probe is allowed to test recovery
	StateHalfOpen
)

// String returns the string representation of a state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the state name in health payloads
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON parses a state name
func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	switch name {
	case "open":
		*s = StateOpen
	case "half-open":
		*s = StateHalfOpen
	default:
		*s = StateClosed
	}
	return nil
}

// Config holds circuit breaker tuning
type Config struct {
	// Threshold is the consecutive failure count that opens a circuit
	Threshold int
	// OpenTimeout is how long an open circuit rejects before probing
	OpenTimeout time.Duration
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		Threshold:   5,
		OpenTimeout: 30 * time.Second,
	}
}

// Snapshot is a read-only view of one circuit for health reporting
type Snapshot struct {
	State     State     `json:"state"`
	Failures  int       `json:"failures"`
	OpenUntil time.Time `json:"open_until,omitempty"`
}

type circuit struct {
	state            State
	failures         int
	lastFailure      time.Time
	openUntil        time.Time
	halfOpenAttempts int
}

// Registry owns the per-service circuit map. A healthy service has no entry;
// circuits are created lazily on the first recorded failure and removed again
// when a half-open probe succeeds.
type Registry struct {
	config   Config
	circuits map[string]*circuit
	logger   logging.Logger
	now      func() time.Time
	mu       sync.Mutex
}

// NewRegistry creates a circuit breaker registry
func NewRegistry(config Config, logger logging.Logger) *Registry {
	if config.Threshold < 2 {
		config.Threshold = 2
	}
	if config.OpenTimeout < 5*time.Second {
		config.OpenTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Registry{
		config:   config,
		circuits: make(map[string]*circuit),
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock replaces the time source, for tests.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// IsOpen reports whether calls to service must be rejected. It is the gate
// check and has a deliberate side effect: once the open timeout elapses it
// transitions the circuit to half-open and lets exactly one probe through;
// further checks while that probe is outstanding are rejected.
func (r *Registry) IsOpen(service string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.circuits[service]
	if !ok {
		return false
	}

	now := r.now()

	switch c.state {
	case StateOpen:
		if !now.Before(c.openUntil) {
			c.state = StateHalfOpen
			c.halfOpenAttempts = 0
			r.logger.Info("CIRCUIT_HALF_OPEN",
				logging.String("service", service),
				logging.Int("previous_failures", c.failures),
			)
			return false
		}
		return true
	case StateHalfOpen:
		if c.halfOpenAttempts >= 1 {
			return true
		}
		c.halfOpenAttempts++
		return false
	default:
		return false
	}
}

// RecordSuccess records a successful call. A success during half-open closes
// the circuit by deleting its entry; a success while closed resets the
// failure count. Untracked services are a no-op.
func (r *Registry) RecordSuccess(service string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.circuits[service]
	if !ok {
		return
	}

	switch c.state {
	case StateHalfOpen:
		delete(r.circuits, service)
		r.logger.Info("CIRCUIT_CLOSED",
			logging.String("service", service),
			logging.String("reason", "success_in_half_open"),
		)
	case StateClosed:
		c.failures = 0
	}
}

// RecordFailure records a failed call. It always increments the failure count
// and stamps lastFailure. A failure while half-open reopens the circuit
// immediately; otherwise the circuit opens once failures reach the threshold.
func (r *Registry) RecordFailure(service string, errorCode interface{}, correlationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()

	c, ok := r.circuits[service]
	if !ok {
		c = &circuit{state: StateClosed}
		r.circuits[service] = c
	}

	c.failures++
	c.lastFailure = now

	r.logger.Warn("SERVICE_FAILURE_RECORDED",
		logging.String("service", service),
		logging.Int("failures", c.failures),
		logging.Int("threshold", r.config.Threshold),
		logging.Field{Key: "error_code", Value: errorCode},
		logging.String("correlation_id", correlationID),
	)

	if c.state == StateHalfOpen {
		c.state = StateOpen
		c.openUntil = now.Add(r.config.OpenTimeout)
		r.logger.Warn("CIRCUIT_REOPENED",
			logging.String("service", service),
			logging.Int("failures", c.failures),
			logging.Time("open_until", c.openUntil),
			logging.String("correlation_id", correlationID),
		)
		return
	}

	if c.failures >= r.config.Threshold {
		c.state = StateOpen
		c.openUntil = now.Add(r.config.OpenTimeout)
		r.logger.Warn("CIRCUIT_OPENED",
			logging.String("service", service),
			logging.Int("failures", c.failures),
			logging.Int("threshold", r.config.Threshold),
			logging.Time("open_until", c.openUntil),
			logging.String("correlation_id", correlationID),
		)
	}
}

// GetState returns a read-only snapshot for a service. It never mutates;
// untracked services report closed with zero failures.
func (r *Registry) GetState(service string) Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.circuits[service]
	if !ok {
		return Snapshot{State: StateClosed}
	}
	return Snapshot{
		State:     c.state,
		Failures:  c.failures,
		OpenUntil: c.openUntil,
	}
}

// AllStates returns snapshots for every tracked service, for health
// aggregation.
func (r *Registry) AllStates() map[string]Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	states := make(map[string]Snapshot, len(r.circuits))
	for service, c := range r.circuits {
		states[service] = Snapshot{
			State:     c.state,
			Failures:  c.failures,
			OpenUntil: c.openUntil,
		}
	}
	return states
}
