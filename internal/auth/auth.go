// Package auth implements the gateway's static API-key allowlist.
package auth

import (
	"crypto/subtle"

	"github.com/inferplane/inferplane/internal/task"
)

// Guard checks inbound requests against a fixed set of allowed API keys.
// It holds no per-key state beyond the allowlist itself.
type Guard struct {
	keys map[string]struct{}
}

// NewGuard builds a Guard from the configured allowlist.
func NewGuard(keys []string) *Guard {
	g := &Guard{keys: make(map[string]struct{}, len(keys))}
	for _, k := range keys {
		g.keys[k] = struct{}{}
	}
	return g
}

// Check validates an API key, returning task.ErrMissingAPIKey if empty and
// task.ErrInvalidAPIKey if it does not match the allowlist. Comparison is
// constant-time so key validity can't be inferred from response latency.
func (g *Guard) Check(apiKey string) error {
	if apiKey == "" {
		return task.ErrMissingAPIKey
	}
	for k := range g.keys {
		if subtle.ConstantTimeCompare([]byte(k), []byte(apiKey)) == 1 {
			return nil
		}
	}
	return task.ErrInvalidAPIKey
}

// MaskKey returns only the first 8 characters of key followed by an
// ellipsis, for safe inclusion in logs.
func MaskKey(key string) string {
	if len(key) <= 8 {
		return key + "..."
	}
	return key[:8] + "..."
}
