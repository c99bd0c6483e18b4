package broker

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/inferplane/inferplane/internal/task"
)

// MemoryBroker is an in-process Broker for single-replica deployments and
// tests. It keeps one FIFO list per priority queue, a processing set for
// late-ack tracking, and a sweep goroutine that redelivers anything whose
// visibility timeout has lapsed without an Ack.
type MemoryBroker struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queues  map[task.Priority]*list.List
	processing map[string]inFlight
	results map[string]task.ResultEnvelope

	visibilityTimeout time.Duration
}

type inFlight struct {
	delivery   Delivery
	expiresAt  time.Time
}

// NewMemoryBroker starts the reaper goroutine on ctx and returns the broker.
func NewMemoryBroker(ctx context.Context, sweepInterval time.Duration) *MemoryBroker {
	b := &MemoryBroker{
		queues:            make(map[task.Priority]*list.List),
		processing:        make(map[string]inFlight),
		results:           make(map[string]task.ResultEnvelope),
		visibilityTimeout: defaultVisibilityTimeout,
	}
	b.cond = sync.NewCond(&b.mu)
	for _, p := range priorityQueueOrder {
		b.queues[p] = list.New()
	}
	go b.sweepLoop(ctx, sweepInterval)
	return b
}

func (b *MemoryBroker) sweepLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.sweep()
		}
	}
}

// sweep requeues anything past its visibility timeout, simulating the
// at-least-once redelivery a worker crash would otherwise require.
func (b *MemoryBroker) sweep() {
	now := time.Now()
	b.mu.Lock()
	var stale []inFlight
	for id, f := range b.processing {
		if now.After(f.expiresAt) {
			stale = append(stale, f)
			delete(b.processing, id)
		}
	}
	for _, f := range stale {
		b.queues[f.delivery.Task.Priority].PushBack(f.delivery.Task)
	}
	if len(stale) > 0 {
		b.cond.Broadcast()
	}
	b.mu.Unlock()
}

// Publish implements Broker.
func (b *MemoryBroker) Publish(ctx context.Context, t task.Task) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[t.Priority]
	if !ok {
		return fmt.Errorf("broker: unknown priority %q", t.Priority)
	}
	q.PushBack(t)
	b.cond.Broadcast()
	return nil
}

// Dequeue implements Broker. Since sync.Cond has no native context support,
// a short-lived watcher goroutine observes ctx.Done() and broadcasts to
// wake this waiter, the same trick used to bound a condvar wait by a
// cancellable context.
func (b *MemoryBroker) Dequeue(ctx context.Context) (*Delivery, error) {
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			b.mu.Lock()
			b.cond.Broadcast()
			b.mu.Unlock()
		case <-watchDone:
		}
	}()

	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		for _, p := range priorityQueueOrder {
			q := b.queues[p]
			if q.Len() == 0 {
				continue
			}
			e := q.Front()
			q.Remove(e)
			t := e.Value.(task.Task)
			d := &Delivery{Task: t, DeliveryID: uuid.NewString()}
			b.processing[d.DeliveryID] = inFlight{delivery: *d, expiresAt: time.Now().Add(b.visibilityTimeout)}
			return d, nil
		}
		if ctx.Err() != nil {
			return nil, ErrNoTask
		}
		b.cond.Wait()
		if ctx.Err() != nil {
			return nil, ErrNoTask
		}
	}
}

// Ack implements Broker.
func (b *MemoryBroker) Ack(ctx context.Context, d *Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.processing, d.DeliveryID)
	return nil
}

// SetResult implements Broker.
func (b *MemoryBroker) SetResult(ctx context.Context, taskID string, env task.ResultEnvelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.results[taskID] = env
	return nil
}

// GetResult implements Broker.
func (b *MemoryBroker) GetResult(ctx context.Context, taskID string) (*task.ResultEnvelope, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	env, ok := b.results[taskID]
	if !ok {
		return nil, false, nil
	}
	return &env, true, nil
}

// QueueDepths implements Broker.
func (b *MemoryBroker) QueueDepths(ctx context.Context) (map[task.Priority]int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[task.Priority]int, len(b.queues))
	for p, q := range b.queues {
		out[p] = q.Len()
	}
	return out, nil
}

// marshalTask/unmarshalTask encode a Task as JSON, the same wire shape
// RedisBroker stores in its queue lists; no code in this package calls them.
func marshalTask(t task.Task) ([]byte, error)    { return json.Marshal(t) }
func unmarshalTask(b []byte) (task.Task, error) {
	var t task.Task
	err := json.Unmarshal(b, &t)
	return t, err
}
