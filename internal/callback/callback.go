// Package callback delivers best-effort completion notifications to a
// client-supplied callback_url. Delivery failures are logged, never
// propagated, since a task's own terminal state is authoritative regardless
// of whether the callback lands.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/inferplane/inferplane/internal/metrics"
	"github.com/inferplane/inferplane/internal/task"
)

// Emitter POSTs result envelopes to callback URLs.
type Emitter struct {
	client *http.Client
}

// NewEmitter builds an Emitter whose POSTs are bounded by timeout.
func NewEmitter(timeout time.Duration) *Emitter {
	return &Emitter{client: &http.Client{Timeout: timeout}}
}

// Send POSTs env as JSON to url. It is fire-and-forget from the caller's
// perspective: callers should invoke it in its own goroutine so a slow or
// unreachable client-side endpoint never blocks worker throughput.
func (e *Emitter) Send(ctx context.Context, url string, env task.ResultEnvelope) {
	if url == "" {
		return
	}
	body, err := json.Marshal(env)
	if err != nil {
		log.Printf("callback: marshal envelope for task %s: %v", env.TaskID, err)
		metrics.CallbackAttempts.WithLabelValues("marshal_error").Inc()
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		log.Printf("callback: build request for task %s: %v", env.TaskID, err)
		metrics.CallbackAttempts.WithLabelValues("request_error").Inc()
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		log.Printf("callback: delivery failed for task %s to %s: %v", env.TaskID, url, err)
		metrics.CallbackAttempts.WithLabelValues("delivery_error").Inc()
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		log.Printf("callback: non-2xx response for task %s: %s", env.TaskID, resp.Status)
		metrics.CallbackAttempts.WithLabelValues(fmt.Sprintf("http_%d", resp.StatusCode)).Inc()
		return
	}
	metrics.CallbackAttempts.WithLabelValues("ok").Inc()
}
