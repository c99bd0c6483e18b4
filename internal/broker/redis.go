package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/inferplane/inferplane/internal/task"
)

// RedisBroker implements Broker with Redis lists for the three priority
// queues and the reliable-queue pattern: Dequeue moves an item atomically
// from the queue list into the shared processing list via BRPopLPush and
// records a per-delivery bookkeeping key with its visibility deadline, and a
// reaper sweep scans those keys for lapsed deadlines and pushes the payload
// back onto its queue.
type RedisBroker struct {
	client            *redis.Client
	visibilityTimeout time.Duration
	dequeuePollTimeout time.Duration
}

const (
	processingListKey = "inferplane:processing"
	resultKeyPrefix    = "inferplane:result:"
)

// NewRedisBroker connects to addr and starts the reaper goroutine on ctx.
func NewRedisBroker(ctx context.Context, addr, password string, db int, sweepInterval time.Duration) (*RedisBroker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("broker: connect redis: %w", err)
	}

	b := &RedisBroker{
		client:             client,
		visibilityTimeout:  defaultVisibilityTimeout,
		dequeuePollTimeout: 2 * time.Second,
	}
	go b.reapLoop(ctx, sweepInterval)
	return b, nil
}

func (b *RedisBroker) queueKey(p task.Priority) string {
	return "inferplane:queue:" + string(p.Queue())
}

func (b *RedisBroker) processingEntryKey(deliveryID string) string {
	return "inferplane:processing:" + deliveryID
}

// Publish implements Broker.
func (b *RedisBroker) Publish(ctx context.Context, t task.Task) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("broker: marshal task: %w", err)
	}
	if err := b.client.LPush(ctx, b.queueKey(t.Priority), payload).Err(); err != nil {
		return fmt.Errorf("broker: publish: %w", err)
	}
	return nil
}

// Dequeue implements Broker. It polls the three priority queues in order
// with a short BRPopLPush timeout each, which naturally favors higher
// priority queues without requiring a single atomic multi-key blocking
// primitive (Redis has none for list-to-list moves).
func (b *RedisBroker) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, ErrNoTask
		}
		for _, p := range priorityQueueOrder {
			res, err := b.client.BRPopLPush(ctx, b.queueKey(p), processingListKey, b.dequeuePollTimeout).Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				if ctx.Err() != nil {
					return nil, ErrNoTask
				}
				return nil, fmt.Errorf("broker: dequeue: %w", err)
			}

			var t task.Task
			if err := json.Unmarshal([]byte(res), &t); err != nil {
				log.Printf("broker: dropping undecodable processing entry: %v", err)
				b.client.LRem(ctx, processingListKey, 1, res)
				continue
			}

			d := &Delivery{Task: t, DeliveryID: uuid.NewString()}
			entry := processingEntry{Payload: res, ExpiresAt: time.Now().Add(b.visibilityTimeout)}
			entryJSON, _ := json.Marshal(entry)
			if err := b.client.Set(ctx, b.processingEntryKey(d.DeliveryID), entryJSON, b.visibilityTimeout+time.Minute).Err(); err != nil {
				return nil, fmt.Errorf("broker: record in-flight: %w", err)
			}
			return d, nil
		}
	}
}

type processingEntry struct {
	Payload   string    `json:"payload"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Ack implements Broker: it removes the delivered payload from the shared
// processing list and drops the per-delivery bookkeeping key.
func (b *RedisBroker) Ack(ctx context.Context, d *Delivery) error {
	entryKey := b.processingEntryKey(d.DeliveryID)
	raw, err := b.client.Get(ctx, entryKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("broker: ack lookup: %w", err)
	}
	var entry processingEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return fmt.Errorf("broker: ack decode: %w", err)
	}
	if err := b.client.LRem(ctx, processingListKey, 1, entry.Payload).Err(); err != nil {
		return fmt.Errorf("broker: ack remove: %w", err)
	}
	return b.client.Del(ctx, entryKey).Err()
}

// SetResult implements Broker.
func (b *RedisBroker) SetResult(ctx context.Context, taskID string, env task.ResultEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("broker: marshal result: %w", err)
	}
	return b.client.Set(ctx, resultKeyPrefix+taskID, payload, 24*time.Hour).Err()
}

// GetResult implements Broker.
func (b *RedisBroker) GetResult(ctx context.Context, taskID string) (*task.ResultEnvelope, bool, error) {
	raw, err := b.client.Get(ctx, resultKeyPrefix+taskID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("broker: get result: %w", err)
	}
	var env task.ResultEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, false, fmt.Errorf("broker: decode result: %w", err)
	}
	return &env, true, nil
}

// QueueDepths implements Broker.
func (b *RedisBroker) QueueDepths(ctx context.Context) (map[task.Priority]int, error) {
	out := make(map[task.Priority]int, len(priorityQueueOrder))
	for _, p := range priorityQueueOrder {
		n, err := b.client.LLen(ctx, b.queueKey(p)).Result()
		if err != nil {
			return nil, fmt.Errorf("broker: queue depth for %s: %w", p, err)
		}
		out[p] = int(n)
	}
	return out, nil
}

// reapLoop periodically scans the processing bookkeeping keys and requeues
// anything whose visibility window lapsed without an Ack, covering workers
// that crashed or were killed mid-task (hard timeout).
func (b *RedisBroker) reapLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.reap(ctx)
		}
	}
}

func (b *RedisBroker) reap(ctx context.Context) {
	var cursor uint64
	now := time.Now()
	for {
		keys, next, err := b.client.Scan(ctx, cursor, "inferplane:processing:*", 100).Result()
		if err != nil {
			log.Printf("broker: reap scan failed: %v", err)
			return
		}
		for _, key := range keys {
			raw, err := b.client.Get(ctx, key).Result()
			if err != nil {
				continue
			}
			var entry processingEntry
			if err := json.Unmarshal([]byte(raw), &entry); err != nil {
				continue
			}
			if now.Before(entry.ExpiresAt) {
				continue
			}

			var t task.Task
			if err := json.Unmarshal([]byte(entry.Payload), &t); err != nil {
				b.client.Del(ctx, key)
				continue
			}
			log.Printf("broker: reaping stale delivery for task %s (priority %s)", t.ID, t.Priority)
			if err := b.client.LPush(ctx, b.queueKey(t.Priority), entry.Payload).Err(); err != nil {
				log.Printf("broker: reap requeue failed for task %s: %v", t.ID, err)
				continue
			}
			b.client.LRem(ctx, processingListKey, 1, entry.Payload)
			b.client.Del(ctx, key)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
}
