package evolution

import (
	"fmt"
	"sync"
	"time"

	"github.com/ellmago/ellma/internal/security"
)

// CircuitBreakerState represents the state of the integration circuit breaker.
type CircuitBreakerState string

const (
	CircuitClosed   CircuitBreakerState = "closed"
	CircuitOpen     CircuitBreakerState = "open"
	CircuitHalfOpen CircuitBreakerState = "half-open"
)

// FirewallConfig holds configurable parameters for the evolution firewall.
type FirewallConfig struct {
	Enabled             bool          `json:"enabled"`
	MaxMutationsPerHour int           `json:"max_mutations_per_hour"`
	FailureThreshold    int           `json:"failure_threshold"` // consecutive integration failures before tripping
	CooldownPeriod      time.Duration `json:"cooldown_period"`
}

// DefaultFirewallConfig returns sensible defaults.
func DefaultFirewallConfig() FirewallConfig {
	return FirewallConfig{
		Enabled:             true,
		MaxMutationsPerHour: 10,
		FailureThreshold:    3,
		CooldownPeriod:      1 * time.Hour,
	}
}

// ---- Rate Limiter ----

// MutationRateLimiter caps how many Solutions may be integrated within a
// rolling one-hour window, across all cycles.
type MutationRateLimiter struct {
	mu         sync.Mutex
	timestamps []time.Time
	maxPerHour int
}

// NewMutationRateLimiter creates a rate limiter.
func NewMutationRateLimiter(maxPerHour int) *MutationRateLimiter {
	return &MutationRateLimiter{maxPerHour: maxPerHour}
}

// AllowMutation returns true if the integration rate limit has not been exceeded.
func (rl *MutationRateLimiter) AllowMutation() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-1 * time.Hour)

	valid := rl.timestamps[:0]
	for _, t := range rl.timestamps {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	rl.timestamps = valid

	if len(rl.timestamps) >= rl.maxPerHour {
		return false
	}

	rl.timestamps = append(rl.timestamps, now)
	return true
}

// Remaining returns integrations remaining in the current window.
func (rl *MutationRateLimiter) Remaining() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-1 * time.Hour)
	count := 0
	for _, t := range rl.timestamps {
		if t.After(cutoff) {
			count++
		}
	}
	rem := rl.maxPerHour - count
	if rem < 0 {
		rem = 0
	}
	return rem
}

// ---- Circuit Breaker ----

type breakerState struct {
	state             CircuitBreakerState
	openedAt          time.Time
	consecutiveErrors int
}

// CircuitBreaker trips after a run of consecutive integration failures and
// blocks further integrations until a cooldown elapses.
type CircuitBreaker struct {
	mu        sync.Mutex
	state     breakerState
	threshold int
	cooldown  time.Duration
}

// NewCircuitBreaker creates a circuit breaker.
func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		state:     breakerState{state: CircuitClosed},
		threshold: threshold,
		cooldown:  cooldown,
	}
}

// ShouldAllowMutation checks if an integration is currently allowed.
func (cb *CircuitBreaker) ShouldAllowMutation() (bool, string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state.state {
	case CircuitClosed:
		return true, "circuit closed"
	case CircuitOpen:
		if time.Since(cb.state.openedAt) >= cb.cooldown {
			cb.state.state = CircuitHalfOpen
			return true, "circuit half-open (cooldown elapsed)"
		}
		return false, fmt.Sprintf("circuit open since %s", cb.state.openedAt.Format(time.RFC3339))
	case CircuitHalfOpen:
		return true, "circuit half-open (test integration)"
	}
	return true, ""
}

// RecordResult records the outcome of an integration attempt and
// transitions state. Returns true if this result tripped the breaker open.
func (cb *CircuitBreaker) RecordResult(success bool) (tripped bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if success {
		cb.state.consecutiveErrors = 0
		if cb.state.state == CircuitHalfOpen {
			cb.state.state = CircuitClosed
		}
		return false
	}

	cb.state.consecutiveErrors++
	if cb.state.consecutiveErrors >= cb.threshold {
		cb.state.state = CircuitOpen
		cb.state.openedAt = time.Now()
		return true
	}
	if cb.state.state == CircuitHalfOpen {
		cb.state.state = CircuitOpen
		cb.state.openedAt = time.Now()
		return true
	}
	return false
}

// GetState returns the current circuit breaker state.
func (cb *CircuitBreaker) GetState() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state.state == CircuitOpen && time.Since(cb.state.openedAt) >= cb.cooldown {
		cb.state.state = CircuitHalfOpen
	}
	return cb.state.state
}

// Reset forces the circuit breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = breakerState{state: CircuitClosed}
}

// ---- Evolution Firewall (combines rate limiter, circuit breaker, owner approval) ----

// FirewallStatus represents the current state of the firewall.
type FirewallStatus struct {
	Enabled             bool                `json:"enabled"`
	RateLimitRemaining  int                 `json:"rate_limit_remaining"`
	MaxMutationsPerHour int                 `json:"max_mutations_per_hour"`
	CircuitBreakerState CircuitBreakerState `json:"circuit_breaker_state"`
}

// OwnerApproval is a signed ModuleConstraints record the Integrate phase
// consults before auto-integrating a high-priority Solution. A nil
// approval means no owner key is configured, in which case the firewall
// treats approval as granted (supervised-by-default posture).
type OwnerApproval struct {
	Constraints security.ModuleConstraints
	Signature   []byte
	PublicKey   []byte
}

// EvolutionFirewall wraps the rate limiter and circuit breaker gating the
// Integrate phase, plus the owner-approval check for high-priority
// Opportunities.
type EvolutionFirewall struct {
	Config  FirewallConfig
	Limiter *MutationRateLimiter
	Breaker *CircuitBreaker
}

// NewEvolutionFirewall creates a new firewall with the given config.
func NewEvolutionFirewall(cfg FirewallConfig) *EvolutionFirewall {
	return &EvolutionFirewall{
		Config:  cfg,
		Limiter: NewMutationRateLimiter(cfg.MaxMutationsPerHour),
		Breaker: NewCircuitBreaker(cfg.FailureThreshold, cfg.CooldownPeriod),
	}
}

// PreMutationCheck performs the circuit breaker, rate limit, and (for
// high-priority opportunities) owner-approval checks before a Solution is
// integrated. Returns (allowed, reason, error).
func (fw *EvolutionFirewall) PreMutationCheck(priority string, approval *OwnerApproval) (bool, string, error) {
	if !fw.Config.Enabled {
		return true, "firewall disabled", nil
	}

	allowed, reason := fw.Breaker.ShouldAllowMutation()
	if !allowed {
		return false, "circuit breaker: " + reason, nil
	}

	if !fw.Limiter.AllowMutation() {
		return false, "rate limit exceeded", nil
	}

	if priority == "high" {
		ok, approvalReason, err := checkOwnerApproval(approval)
		if err != nil {
			return false, approvalReason, err
		}
		if !ok {
			return false, approvalReason, nil
		}
	}

	return true, reason, nil
}

// checkOwnerApproval verifies an owner signature over ModuleConstraints.
// Absent an approval (no owner key configured), approval is granted.
func checkOwnerApproval(approval *OwnerApproval) (bool, string, error) {
	if approval == nil || len(approval.PublicKey) == 0 {
		return true, "no owner key configured", nil
	}
	ok, err := security.VerifyConstraints(approval.Constraints, approval.Signature, approval.PublicKey)
	if err != nil {
		return false, "owner approval verification failed", fmt.Errorf("verify owner approval: %w", err)
	}
	if !ok {
		return false, "owner approval signature invalid", nil
	}
	return true, "owner approval verified", nil
}

// PostMutationCheck records the outcome of an integration attempt into the
// circuit breaker. Returns an error if this result tripped the breaker.
func (fw *EvolutionFirewall) PostMutationCheck(success bool) error {
	if !fw.Config.Enabled {
		return nil
	}
	if fw.Breaker.RecordResult(success) {
		return fmt.Errorf("circuit breaker tripped after repeated integration failures")
	}
	return nil
}

// GetFirewallStatus returns the current firewall state.
func (fw *EvolutionFirewall) GetFirewallStatus() FirewallStatus {
	return FirewallStatus{
		Enabled:             fw.Config.Enabled,
		RateLimitRemaining:  fw.Limiter.Remaining(),
		MaxMutationsPerHour: fw.Config.MaxMutationsPerHour,
		CircuitBreakerState: fw.Breaker.GetState(),
	}
}
