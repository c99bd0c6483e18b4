package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/inferplane/inferplane/internal/broker"
	"github.com/inferplane/inferplane/internal/task"
)

func TestSubmitPublishesAndRecordsPending(t *testing.T) {
	ctx := t.Context()
	b := broker.NewMemoryBroker(ctx, time.Hour)
	d := New(b)

	in := task.Task{ID: "t1", Model: "m", Priority: task.PriorityNormal}
	if err := d.Submit(ctx, in); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	env, found, err := b.GetResult(ctx, "t1")
	if err != nil || !found {
		t.Fatalf("expected a pending result to be recorded: found=%v err=%v", found, err)
	}
	if env.Status != task.StatePending {
		t.Errorf("env.Status = %q, want PENDING", env.Status)
	}

	dctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	delivery, err := b.Dequeue(dctx)
	if err != nil {
		t.Fatalf("expected the submitted task to be dequeueable: %v", err)
	}
	if delivery.Task.ID != "t1" {
		t.Errorf("dequeued task ID = %q, want t1", delivery.Task.ID)
	}
}
