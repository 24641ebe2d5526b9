package worker

import (
	"testing"
	"time"
)

func TestCircuitBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreaker(3)
	for i := 0; i < 2; i++ {
		cb.RecordBudgetExceeded()
	}
	if cb.State() != CircuitClosed {
		t.Fatal("expected breaker to stay closed before reaching the failure threshold")
	}
	cb.RecordBudgetExceeded()
	if cb.State() != CircuitOpen {
		t.Fatal("expected breaker to open on reaching the failure threshold")
	}
}

func TestCircuitBreakerRejectsWhileOpen(t *testing.T) {
	cb := NewCircuitBreaker(1)
	cb.RecordBudgetExceeded()
	if cb.ShouldAdmit() {
		t.Fatal("expected an open breaker to reject admission before the cooldown elapses")
	}
}

func TestCircuitBreakerHalfOpenAdmitsLimitedTestClaims(t *testing.T) {
	cb := NewCircuitBreaker(1)
	cb.RecordBudgetExceeded()
	cb.openedAt = time.Now().Add(-time.Minute) // force past cooldown

	if !cb.ShouldAdmit() {
		t.Fatal("expected the breaker to transition to half-open and admit a test claim")
	}
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("expected half-open state, got %v", cb.State())
	}
}

func TestCircuitBreakerClosesAfterEnoughHalfOpenSuccesses(t *testing.T) {
	cb := NewCircuitBreaker(1)
	cb.RecordBudgetExceeded()
	cb.openedAt = time.Now().Add(-time.Minute)
	cb.ShouldAdmit() // enter half-open

	for i := 0; i < cb.testLimit; i++ {
		cb.RecordSuccess()
	}
	if cb.State() != CircuitClosed {
		t.Fatalf("expected breaker to close after %d half-open successes, got %v", cb.testLimit, cb.State())
	}
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(1)
	cb.RecordBudgetExceeded()
	cb.openedAt = time.Now().Add(-time.Minute)
	cb.ShouldAdmit() // enter half-open

	cb.RecordBudgetExceeded()
	if cb.State() != CircuitOpen {
		t.Fatal("expected a failure during half-open to reopen the breaker")
	}
}

func TestFamilyBreakersAreIndependentPerFamily(t *testing.T) {
	f := NewFamilyBreakers(1)
	a := f.For("search")
	b := f.For("render")

	a.RecordBudgetExceeded()
	if a.State() != CircuitOpen {
		t.Fatal("expected the search family breaker to open")
	}
	if b.State() != CircuitClosed {
		t.Fatal("expected the render family breaker to remain unaffected")
	}
	if f.For("search") != a {
		t.Fatal("expected repeated lookups of the same family to return the same breaker instance")
	}
}
