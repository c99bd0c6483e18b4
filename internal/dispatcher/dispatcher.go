// Package dispatcher is the stateless boundary between the gateway's
// submission handler and the broker. The original push-based dispatcher
// (control_plane/jobs.go) HTTP-POSTed work to a specific agent address;
// this version only ever publishes to the broker, leaving pull-based
// delivery entirely to whichever worker calls Dequeue next.
package dispatcher

import (
	"context"
	"fmt"

	"github.com/inferplane/inferplane/internal/broker"
	"github.com/inferplane/inferplane/internal/task"
)

// Dispatcher enqueues tasks onto their priority queue.
type Dispatcher struct {
	b broker.Broker
}

// New builds a Dispatcher over b.
func New(b broker.Broker) *Dispatcher {
	return &Dispatcher{b: b}
}

// Submit publishes t and immediately records a PENDING envelope so a status
// poll issued before any worker picks the task up still gets a well-formed
// response instead of a not-found.
func (d *Dispatcher) Submit(ctx context.Context, t task.Task) error {
	if err := d.b.SetResult(ctx, t.ID, task.ResultEnvelope{TaskID: t.ID, Status: task.StatePending}); err != nil {
		return fmt.Errorf("dispatcher: record pending state: %w", err)
	}
	if err := d.b.Publish(ctx, t); err != nil {
		return fmt.Errorf("dispatcher: publish: %w", err)
	}
	return nil
}
