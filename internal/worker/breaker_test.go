package worker

import (
	"testing"
	"time"
)

func TestAdmissionBreakerOpensAboveThreshold(t *testing.T) {
	b := newAdmissionBreaker(10)
	if !b.shouldAdmit(5) {
		t.Fatal("expected admission below threshold")
	}
	if b.shouldAdmit(11) {
		t.Fatal("expected rejection above threshold")
	}
	if b.currentState() != admissionOpen {
		t.Fatalf("state = %s, want open", b.currentState())
	}
}

func TestAdmissionBreakerHalfOpensAfterCooldown(t *testing.T) {
	b := newAdmissionBreaker(10)
	b.cooldown = time.Millisecond
	b.shouldAdmit(50)
	if b.currentState() != admissionOpen {
		t.Fatalf("state = %s, want open", b.currentState())
	}

	time.Sleep(5 * time.Millisecond)
	if !b.shouldAdmit(50) {
		t.Fatal("expected a half-open test request to be admitted")
	}
	if b.currentState() != admissionHalfOpen {
		t.Fatalf("state = %s, want half_open", b.currentState())
	}
}

func TestAdmissionBreakerClosesAfterHealthyProbe(t *testing.T) {
	b := newAdmissionBreaker(10)
	b.cooldown = time.Millisecond
	b.testLimit = 1
	b.shouldAdmit(50)
	time.Sleep(5 * time.Millisecond)

	b.shouldAdmit(2) // consumes the single test slot
	if !b.shouldAdmit(2) {
		t.Fatal("expected admission once depth is well below half the threshold")
	}
	if b.currentState() != admissionClosed {
		t.Fatalf("state = %s, want closed", b.currentState())
	}
}

func TestAdmissionBreakerRecordFailureReopens(t *testing.T) {
	b := newAdmissionBreaker(10)
	b.cooldown = time.Millisecond
	b.shouldAdmit(50)
	time.Sleep(5 * time.Millisecond)
	b.shouldAdmit(50) // enter half-open, consume a test slot

	b.recordOutcome(false)
	if b.currentState() != admissionOpen {
		t.Fatalf("state = %s, want open after a failed probe", b.currentState())
	}
}
