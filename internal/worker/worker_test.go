package worker

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/inferplane/inferplane/internal/blobstore"
	"github.com/inferplane/inferplane/internal/broker"
	"github.com/inferplane/inferplane/internal/callback"
	"github.com/inferplane/inferplane/internal/runner"
	"github.com/inferplane/inferplane/internal/task"
)

// flakyRunner fails the first N Infer calls then succeeds, to exercise the
// worker's retry loop.
type flakyRunner struct {
	failuresLeft int32
	loaded       bool
}

func (r *flakyRunner) Load(ctx context.Context) error { r.loaded = true; return nil }
func (r *flakyRunner) IsLoaded() bool                 { return r.loaded }
func (r *flakyRunner) Prepare(ctx context.Context, input map[string]interface{}) (interface{}, error) {
	return input, nil
}
func (r *flakyRunner) Infer(ctx context.Context, prepared interface{}) (interface{}, error) {
	if atomic.AddInt32(&r.failuresLeft, -1) >= 0 {
		return nil, fmt.Errorf("transient failure")
	}
	return prepared, nil
}
func (r *flakyRunner) Postprocess(ctx context.Context, inferred interface{}) (map[string]interface{}, error) {
	return inferred.(map[string]interface{}), nil
}
func (r *flakyRunner) Cleanup(ctx context.Context) error { return nil }

func newTestWorker(t *testing.T, b broker.Broker, reg *runner.Registry) *Worker {
	t.Helper()
	blobs, err := blobstore.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}
	emitter := callback.NewEmitter(time.Second)
	cfg := Config{
		DeviceID:       0,
		SoftTimeout:    time.Second,
		HardTimeout:    2 * time.Second,
		MaxRetries:     3,
		RetryBaseDelay: 2 * time.Millisecond,
		RetryMaxDelay:  20 * time.Millisecond,
	}
	return New(cfg, b, reg, blobs, emitter, nil)
}

func TestProcessSucceedsAfterRetries(t *testing.T) {
	ctx := t.Context()
	b := broker.NewMemoryBroker(ctx, time.Hour)
	reg := runner.NewRegistry()
	reg.Register("flaky", func(deviceID int) runner.Runner {
		return &flakyRunner{failuresLeft: 2}
	})

	w := newTestWorker(t, b, reg)

	in := task.Task{ID: "t1", Model: "flaky", Priority: task.PriorityHigh, Input: map[string]interface{}{"a": 1}}
	if err := b.Publish(ctx, in); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	dctx, cancel := context.WithTimeout(ctx, time.Second)
	d, err := b.Dequeue(dctx)
	cancel()
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}

	w.process(ctx, d)

	env, found, err := b.GetResult(ctx, "t1")
	if err != nil || !found {
		t.Fatalf("expected a result to be recorded: found=%v err=%v", found, err)
	}
	if env.Status != task.StateSuccess {
		t.Fatalf("env.Status = %q, want SUCCESS after recovering from transient failures", env.Status)
	}
}

func TestProcessFailsAfterExhaustingRetries(t *testing.T) {
	ctx := t.Context()
	b := broker.NewMemoryBroker(ctx, time.Hour)
	reg := runner.NewRegistry()
	reg.Register("always-fails", func(deviceID int) runner.Runner {
		return &flakyRunner{failuresLeft: 1000}
	})

	w := newTestWorker(t, b, reg)

	in := task.Task{ID: "t2", Model: "always-fails", Priority: task.PriorityHigh}
	b.Publish(ctx, in)

	dctx, cancel := context.WithTimeout(ctx, time.Second)
	d, err := b.Dequeue(dctx)
	cancel()
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}

	w.process(ctx, d)

	env, found, err := b.GetResult(ctx, "t2")
	if err != nil || !found {
		t.Fatalf("expected a result to be recorded: found=%v err=%v", found, err)
	}
	if env.Status != task.StateFailure {
		t.Fatalf("env.Status = %q, want FAILURE after exhausting retries", env.Status)
	}
	if env.Error == "" {
		t.Error("expected a non-empty error message on terminal failure")
	}
}

func TestBackoffIsBoundedByMaxDelay(t *testing.T) {
	w := &Worker{cfg: Config{RetryBaseDelay: time.Second, RetryMaxDelay: 5 * time.Second}}
	for attempt := 1; attempt <= 10; attempt++ {
		d := w.backoff(attempt)
		if d > w.cfg.RetryMaxDelay {
			t.Errorf("backoff(%d) = %s, exceeds max delay %s", attempt, d, w.cfg.RetryMaxDelay)
		}
		if d < 0 {
			t.Errorf("backoff(%d) = %s, must not be negative", attempt, d)
		}
	}
}

// hangingRunner blocks until its context is canceled, to exercise the hard
// timeout path in handleJob.
type hangingRunner struct{ loaded bool }

func (r *hangingRunner) Load(ctx context.Context) error { r.loaded = true; return nil }
func (r *hangingRunner) IsLoaded() bool                 { return r.loaded }
func (r *hangingRunner) Prepare(ctx context.Context, input map[string]interface{}) (interface{}, error) {
	return input, nil
}
func (r *hangingRunner) Infer(ctx context.Context, prepared interface{}) (interface{}, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
func (r *hangingRunner) Postprocess(ctx context.Context, inferred interface{}) (map[string]interface{}, error) {
	return nil, nil
}
func (r *hangingRunner) Cleanup(ctx context.Context) error { return nil }

func TestHandleJobHardTimeoutLeavesTaskUnacked(t *testing.T) {
	ctx := t.Context()
	b := broker.NewMemoryBroker(ctx, time.Hour)
	reg := runner.NewRegistry()
	reg.Register("hangs", func(deviceID int) runner.Runner { return &hangingRunner{} })

	blobs, err := blobstore.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}
	cfg := Config{
		DeviceID:       0,
		SoftTimeout:    time.Minute,
		HardTimeout:    20 * time.Millisecond,
		MaxRetries:     0,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  time.Millisecond,
	}
	w := New(cfg, b, reg, blobs, callback.NewEmitter(time.Second), nil)

	in := task.Task{ID: "t3", Model: "hangs", Priority: task.PriorityHigh}
	b.Publish(ctx, in)
	dctx, cancel := context.WithTimeout(ctx, time.Second)
	d, err := b.Dequeue(dctx)
	cancel()
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}

	w.handleJob(ctx, d)

	// The slot was "killed": no terminal FAILURE should have been recorded
	// directly by handleJob (only STARTED), since that state belongs to a
	// later attempt once retries are truly exhausted.
	env, found, err := b.GetResult(ctx, "t3")
	if err != nil || !found {
		t.Fatalf("expected a STARTED state to be recorded: found=%v err=%v", found, err)
	}
	if env.Status == task.StateFailure {
		t.Error("hard timeout must not directly record a terminal FAILURE")
	}
}

func TestExternalizeArtifactsReplacesImageBytes(t *testing.T) {
	ctx := t.Context()
	blobs, err := blobstore.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}
	w := &Worker{blobs: blobs}

	result := map[string]interface{}{"image_bytes": []byte("fake-png"), "size": []int{4, 4}}
	if err := w.externalizeArtifacts(ctx, "task-x", result); err != nil {
		t.Fatalf("externalizeArtifacts failed: %v", err)
	}

	if _, present := result["image_bytes"]; present {
		t.Error("expected image_bytes to be removed after externalization")
	}
	if _, ok := result["blob_key"].(string); !ok {
		t.Error("expected blob_key to be set")
	}
	if _, ok := result["blob_url"].(string); !ok {
		t.Error("expected blob_url to be set")
	}
}
