package task

import (
	"errors"
	"testing"
)

func TestPriorityValid(t *testing.T) {
	cases := map[Priority]bool{
		PriorityHigh:   true,
		PriorityNormal: true,
		PriorityLow:    true,
		Priority("ultra"): false,
		Priority(""):      false,
	}
	for p, want := range cases {
		if got := p.Valid(); got != want {
			t.Errorf("Priority(%q).Valid() = %v, want %v", p, got, want)
		}
	}
}

func TestPriorityNumericAndQueue(t *testing.T) {
	if n := PriorityHigh.Numeric(); n != 9 {
		t.Errorf("PriorityHigh.Numeric() = %d, want 9", n)
	}
	if n := PriorityNormal.Numeric(); n != 5 {
		t.Errorf("PriorityNormal.Numeric() = %d, want 5", n)
	}
	if n := PriorityLow.Numeric(); n != 1 {
		t.Errorf("PriorityLow.Numeric() = %d, want 1", n)
	}
	if q := PriorityHigh.Queue(); q != "gpu-high" {
		t.Errorf("PriorityHigh.Queue() = %q, want gpu-high", q)
	}
}

func TestStateTerminal(t *testing.T) {
	terminal := []State{StateSuccess, StateFailure}
	nonTerminal := []State{StatePending, StateStarted, StateRetry}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s.Terminal() = false, want true", s)
		}
	}
	for _, s := range nonTerminal {
		if s.Terminal() {
			t.Errorf("%s.Terminal() = true, want false", s)
		}
	}
}

func TestUnknownModelError(t *testing.T) {
	err := &UnknownModelError{Model: "ghost-model", Available: []string{"superres-x4"}}
	if err.Error() == "" {
		t.Fatal("expected non-empty error message")
	}
	if !errors.Is(err, ErrUnknownModel) {
		t.Fatal("expected UnknownModelError to unwrap to ErrUnknownModel")
	}
}
