// Package broker implements at-least-once task delivery across the three
// named priority queues. Both backends share one contract: Publish enqueues,
// Dequeue hands a task to exactly one worker at a time with a late-ack
// window, and a background sweep redelivers anything whose worker never
// acknowledged it.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/inferplane/inferplane/internal/task"
)

// ErrNoTask is returned by Dequeue when ctx expires before a task arrives.
var ErrNoTask = errors.New("broker: no task available")

// Delivery wraps a dequeued task with the handle a worker must present to
// Ack it.
type Delivery struct {
	Task      task.Task
	DeliveryID string
}

// Broker is the pull-based queue contract. Priority ordering between the
// three named queues (gpu-high, gpu-normal, gpu-low) is enforced by the
// backend, not by the caller.
type Broker interface {
	// Publish enqueues t onto the queue for its priority.
	Publish(ctx context.Context, t task.Task) error

	// Dequeue blocks (honoring ctx) until a task is available on any
	// priority queue, preferring higher priority queues first.
	Dequeue(ctx context.Context) (*Delivery, error)

	// Ack acknowledges successful processing of a delivery, removing it
	// from the in-flight set so it is never redelivered.
	Ack(ctx context.Context, d *Delivery) error

	// SetResult stores a task's terminal or intermediate envelope.
	SetResult(ctx context.Context, taskID string, env task.ResultEnvelope) error

	// GetResult fetches a task's current envelope, if any.
	GetResult(ctx context.Context, taskID string) (*task.ResultEnvelope, bool, error)

	// QueueDepths reports the current pending count per priority queue, for
	// the queue_size gauge and worker-side admission backpressure.
	QueueDepths(ctx context.Context) (map[task.Priority]int, error)
}

// priorityQueueOrder is the fixed drain order: high before normal before
// low. A backend that can't do true priority drain (like a basic Redis
// BRPopLPush) instead polls each queue in this order with short timeouts.
var priorityQueueOrder = []task.Priority{task.PriorityHigh, task.PriorityNormal, task.PriorityLow}

const defaultVisibilityTimeout = 5 * time.Minute
