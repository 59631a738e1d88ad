package evolution

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/ellmago/ellma/internal/security"
)

func generateTestOwnerKeyPair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return security.GenerateOwnerKeyPair()
}

func signedOwnerApproval(t *testing.T, pub ed25519.PublicKey, priv ed25519.PrivateKey) *OwnerApproval {
	t.Helper()
	constraints := security.ModuleConstraints{
		AllowedCapabilities: []string{"run"},
		MaxSolutionsPerRun:  5,
		MinTestCoverage:     0.5,
	}
	sig, err := security.SignConstraints(constraints, priv)
	if err != nil {
		t.Fatalf("sign constraints: %v", err)
	}
	return &OwnerApproval{Constraints: constraints, Signature: sig, PublicKey: pub}
}

func TestMutationRateLimiterBlocksAfterMax(t *testing.T) {
	rl := NewMutationRateLimiter(2)
	if !rl.AllowMutation() {
		t.Fatal("first mutation should be allowed")
	}
	if !rl.AllowMutation() {
		t.Fatal("second mutation should be allowed")
	}
	if rl.AllowMutation() {
		t.Fatal("third mutation should be blocked")
	}
	if rem := rl.Remaining(); rem != 0 {
		t.Fatalf("Remaining() = %d, want 0", rem)
	}
}

func TestMutationRateLimiterForgetsOldTimestamps(t *testing.T) {
	rl := NewMutationRateLimiter(1)
	rl.timestamps = append(rl.timestamps, time.Now().Add(-2*time.Hour))
	if rem := rl.Remaining(); rem != 1 {
		t.Fatalf("Remaining() = %d, want 1 (stale timestamp should not count)", rem)
	}
	if !rl.AllowMutation() {
		t.Fatal("mutation should be allowed once the stale timestamp has rolled out")
	}
}

func TestCircuitBreakerTripsAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Hour)
	for i := 0; i < 2; i++ {
		if tripped := cb.RecordResult(false); tripped {
			t.Fatalf("breaker tripped early on failure %d", i+1)
		}
	}
	if tripped := cb.RecordResult(false); !tripped {
		t.Fatal("breaker should trip on the third consecutive failure")
	}
	if state := cb.GetState(); state != CircuitOpen {
		t.Fatalf("state = %v, want CircuitOpen", state)
	}
	if allowed, _ := cb.ShouldAllowMutation(); allowed {
		t.Fatal("mutation should be blocked while circuit is open")
	}
}

func TestCircuitBreakerHalfOpensAfterCooldown(t *testing.T) {
	cb := NewCircuitBreaker(1, 10*time.Millisecond)
	cb.RecordResult(false)
	if state := cb.GetState(); state != CircuitOpen {
		t.Fatalf("state = %v, want CircuitOpen", state)
	}
	time.Sleep(20 * time.Millisecond)
	if state := cb.GetState(); state != CircuitHalfOpen {
		t.Fatalf("state = %v, want CircuitHalfOpen after cooldown", state)
	}
	allowed, _ := cb.ShouldAllowMutation()
	if !allowed {
		t.Fatal("half-open breaker should allow a test mutation")
	}
}

func TestCircuitBreakerClosesOnSuccessFromHalfOpen(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Millisecond)
	cb.RecordResult(false)
	time.Sleep(5 * time.Millisecond)
	cb.ShouldAllowMutation() // transitions to half-open
	cb.RecordResult(true)
	if state := cb.GetState(); state != CircuitClosed {
		t.Fatalf("state = %v, want CircuitClosed after a successful half-open trial", state)
	}
}

func TestCircuitBreakerReset(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Hour)
	cb.RecordResult(false)
	if cb.GetState() != CircuitOpen {
		t.Fatal("expected breaker to be open before reset")
	}
	cb.Reset()
	if cb.GetState() != CircuitClosed {
		t.Fatal("expected breaker to be closed after reset")
	}
}

func TestPreMutationCheckDisabledFirewallAlwaysAllows(t *testing.T) {
	fw := NewEvolutionFirewall(FirewallConfig{Enabled: false})
	allowed, _, err := fw.PreMutationCheck("high", nil)
	if err != nil || !allowed {
		t.Fatalf("allowed=%v err=%v, want allowed with no error", allowed, err)
	}
}

func TestPreMutationCheckRateLimited(t *testing.T) {
	cfg := DefaultFirewallConfig()
	cfg.MaxMutationsPerHour = 1
	fw := NewEvolutionFirewall(cfg)

	allowed, _, err := fw.PreMutationCheck("low", nil)
	if err != nil || !allowed {
		t.Fatalf("first check: allowed=%v err=%v", allowed, err)
	}
	allowed, reason, err := fw.PreMutationCheck("low", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if allowed {
		t.Fatalf("second check should be rate limited, reason=%q", reason)
	}
}

func TestPreMutationCheckHighPriorityWithoutApprovalKeyPasses(t *testing.T) {
	fw := NewEvolutionFirewall(DefaultFirewallConfig())
	allowed, _, err := fw.PreMutationCheck("high", nil)
	if err != nil || !allowed {
		t.Fatalf("allowed=%v err=%v, want allowed (no owner key configured)", allowed, err)
	}
}

func TestPreMutationCheckHighPriorityWithValidApproval(t *testing.T) {
	fw := NewEvolutionFirewall(DefaultFirewallConfig())
	pub, priv, err := generateTestOwnerKeyPair()
	if err != nil {
		t.Fatalf("key pair: %v", err)
	}
	approval := signedOwnerApproval(t, pub, priv)

	allowed, _, err := fw.PreMutationCheck("high", approval)
	if err != nil || !allowed {
		t.Fatalf("allowed=%v err=%v, want allowed with a valid signature", allowed, err)
	}
}

func TestPreMutationCheckHighPriorityWithTamperedApprovalFails(t *testing.T) {
	fw := NewEvolutionFirewall(DefaultFirewallConfig())
	pub, priv, err := generateTestOwnerKeyPair()
	if err != nil {
		t.Fatalf("key pair: %v", err)
	}
	approval := signedOwnerApproval(t, pub, priv)
	approval.Constraints.MaxSolutionsPerRun++ // tamper after signing

	allowed, _, err := fw.PreMutationCheck("high", approval)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if allowed {
		t.Fatal("tampered constraints should fail signature verification")
	}
}

func TestPostMutationCheckReportsBreakerTrip(t *testing.T) {
	cfg := DefaultFirewallConfig()
	cfg.FailureThreshold = 1
	fw := NewEvolutionFirewall(cfg)

	if err := fw.PostMutationCheck(false); err == nil {
		t.Fatal("expected an error once the breaker trips")
	}
}

func TestGetFirewallStatusReflectsState(t *testing.T) {
	cfg := DefaultFirewallConfig()
	cfg.MaxMutationsPerHour = 5
	fw := NewEvolutionFirewall(cfg)
	fw.Limiter.AllowMutation()

	status := fw.GetFirewallStatus()
	if !status.Enabled {
		t.Fatal("status.Enabled = false, want true")
	}
	if status.MaxMutationsPerHour != 5 {
		t.Fatalf("MaxMutationsPerHour = %d, want 5", status.MaxMutationsPerHour)
	}
	if status.RateLimitRemaining != 4 {
		t.Fatalf("RateLimitRemaining = %d, want 4", status.RateLimitRemaining)
	}
	if status.CircuitBreakerState != CircuitClosed {
		t.Fatalf("CircuitBreakerState = %v, want CircuitClosed", status.CircuitBreakerState)
	}
}
