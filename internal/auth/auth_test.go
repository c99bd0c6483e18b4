package auth

import (
	"errors"
	"testing"

	"github.com/inferplane/inferplane/internal/task"
)

func TestGuardCheck(t *testing.T) {
	g := NewGuard([]string{"key-a", "key-b"})

	if err := g.Check("key-a"); err != nil {
		t.Errorf("Check(key-a) = %v, want nil", err)
	}
	if err := g.Check(""); !errors.Is(err, task.ErrMissingAPIKey) {
		t.Errorf("Check(\"\") = %v, want ErrMissingAPIKey", err)
	}
	if err := g.Check("nope"); !errors.Is(err, task.ErrInvalidAPIKey) {
		t.Errorf("Check(nope) = %v, want ErrInvalidAPIKey", err)
	}
}

func TestMaskKey(t *testing.T) {
	if got := MaskKey("abcd1234"); got != "abcd1234..." {
		t.Errorf("MaskKey = %q, want abcd1234...", got)
	}
	if got := MaskKey("ab"); got != "ab..." {
		t.Errorf("MaskKey(short) = %q, want ab...", got)
	}
}
