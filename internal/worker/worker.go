// Package worker runs one poll loop per accelerator device: dequeue a
// task, run it through the runner's four phases with a soft timeout,
// enforce a hard timeout by racing a sub-goroutine, retry with jittered
// exponential backoff, and report the terminal envelope.
package worker

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/inferplane/inferplane/internal/audit"
	"github.com/inferplane/inferplane/internal/blobstore"
	"github.com/inferplane/inferplane/internal/broker"
	"github.com/inferplane/inferplane/internal/callback"
	"github.com/inferplane/inferplane/internal/metrics"
	"github.com/inferplane/inferplane/internal/runner"
	"github.com/inferplane/inferplane/internal/task"
	"github.com/inferplane/inferplane/internal/timing"
)

// Config holds the tunables a Worker needs beyond its collaborators.
type Config struct {
	DeviceID       int
	SoftTimeout    time.Duration
	HardTimeout    time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// AdmissionQueueThreshold bounds the deepest priority queue depth the
	// worker will keep dequeuing behind. Zero disables the admission
	// breaker entirely.
	AdmissionQueueThreshold int
}

// Worker owns one accelerator device and processes one task at a time from
// it, per the one-worker-per-device model.
type Worker struct {
	cfg       Config
	b         broker.Broker
	registry  *runner.Registry
	blobs     blobstore.Store
	callbacks *callback.Emitter
	audit     *audit.Store // optional; nil disables durable history
	admission *admissionBreaker
}

// New builds a Worker. audit may be nil.
func New(cfg Config, b broker.Broker, registry *runner.Registry, blobs blobstore.Store, callbacks *callback.Emitter, auditStore *audit.Store) *Worker {
	w := &Worker{cfg: cfg, b: b, registry: registry, blobs: blobs, callbacks: callbacks, audit: auditStore}
	if cfg.AdmissionQueueThreshold > 0 {
		w.admission = newAdmissionBreaker(cfg.AdmissionQueueThreshold)
	}
	return w
}

// Run polls the broker until ctx is canceled, handling one task at a time.
func (w *Worker) Run(ctx context.Context) {
	log.Printf("[worker device=%d] starting poll loop", w.cfg.DeviceID)
	device := fmt.Sprintf("%d", w.cfg.DeviceID)
	metrics.ActiveWorkers.WithLabelValues(device).Inc()
	defer metrics.ActiveWorkers.WithLabelValues(device).Dec()

	for {
		if ctx.Err() != nil {
			log.Printf("[worker device=%d] shutting down", w.cfg.DeviceID)
			return
		}

		if w.admission != nil && !w.admission.shouldAdmit(w.deepestQueueDepth(ctx)) {
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		delivery, err := w.b.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[worker device=%d] dequeue error: %v", w.cfg.DeviceID, err)
			continue
		}

		w.handleJob(ctx, delivery)
	}
}

// deepestQueueDepth reports the largest pending count across priority
// queues, the signal the admission breaker reacts to. Errors are treated
// as zero depth so a transient broker hiccup never wrongly opens the
// breaker.
func (w *Worker) deepestQueueDepth(ctx context.Context) int {
	depths, err := w.b.QueueDepths(ctx)
	if err != nil {
		return 0
	}
	max := 0
	for _, d := range depths {
		if d > max {
			max = d
		}
	}
	return max
}

// handleJob enforces the hard timeout by racing process() in its own
// goroutine. If the hard timeout fires first, handleJob returns without
// acking, which simulates the worker slot being killed: the broker's reaper
// will later redeliver the task to another worker. No failure metric is
// emitted here — a hard timeout only becomes a terminal FAILURE once
// retries are exhausted on a later attempt, per the error contract.
func (w *Worker) handleJob(ctx context.Context, d *broker.Delivery) {
	hardCtx, cancel := context.WithTimeout(ctx, w.cfg.HardTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.process(hardCtx, d)
	}()

	select {
	case <-done:
	case <-hardCtx.Done():
		log.Printf("[worker device=%d] hard timeout killed task %s (attempt %d)", w.cfg.DeviceID, d.Task.ID, d.Task.Attempt)
		metrics.TaskRetries.WithLabelValues(d.Task.Model).Inc()
	}
}

// process runs the retry loop for one delivery: soft-timeout each attempt,
// backoff with jitter between attempts, and report STARTED/RETRY/SUCCESS/
// FAILURE state as it goes.
func (w *Worker) process(ctx context.Context, d *broker.Delivery) {
	t := d.Task
	w.setState(ctx, t, task.StateStarted, nil, "")

	var lastErr error
	for attempt := 0; attempt <= w.cfg.MaxRetries; attempt++ {
		t.Attempt = attempt
		if attempt > 0 {
			delay := w.backoff(attempt)
			log.Printf("[worker device=%d] retrying task %s in %s (attempt %d/%d)", w.cfg.DeviceID, t.ID, delay, attempt, w.cfg.MaxRetries)
			metrics.TaskRetries.WithLabelValues(t.Model).Inc()
			w.setState(ctx, t, task.StateRetry, nil, lastErr.Error())
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		}

		softCtx, cancel := context.WithTimeout(ctx, w.cfg.SoftTimeout)
		env, err := w.execute(softCtx, t)
		cancel()
		if err == nil {
			w.ackAndRecord(ctx, d, t, env)
			return
		}
		lastErr = err
		log.Printf("[worker device=%d] task %s attempt %d failed: %v", w.cfg.DeviceID, t.ID, attempt, err)
	}

	// A canceled ctx means the hard timeout (or shutdown) ended this slot:
	// leave the delivery unacked so the broker redelivers it.
	if ctx.Err() != nil {
		return
	}

	failEnv := task.ResultEnvelope{TaskID: t.ID, Status: task.StateFailure, Error: lastErr.Error()}
	w.ackAndRecord(ctx, d, t, failEnv)
}

// backoff returns an exponentially growing delay with full jitter, capped
// at RetryMaxDelay.
func (w *Worker) backoff(attempt int) time.Duration {
	base := w.cfg.RetryBaseDelay
	max := w.cfg.RetryMaxDelay
	backoff := base * time.Duration(1<<uint(attempt-1))
	if backoff > max || backoff <= 0 {
		backoff = max
	}
	jittered := time.Duration(rand.Int63n(int64(backoff) + 1))
	return jittered
}

// execute runs one attempt: the four top-level phases (model_loading,
// inference, storage, total) timed on timer and reported to the client in
// milliseconds, plus the runner's own internal sub-phases timed separately
// on innerTimer purely for the per-phase Prometheus histogram, so summing
// the client-facing Timing map never double-counts nested durations.
func (w *Worker) execute(ctx context.Context, t task.Task) (task.ResultEnvelope, error) {
	timer := timing.NewTimer()
	stopTotal := timer.Start("total")
	defer func() {
		stopTotal()
		metrics.TotalDuration.WithLabelValues(t.Model).Observe(timer.Phases()["total"])
	}()

	stopLoad := timer.Start("model_loading")
	r, err := w.registry.GetOrCreateRunner(ctx, t.Model, w.cfg.DeviceID)
	stopLoad()
	metrics.ModelLoadDuration.WithLabelValues(t.Model).Observe(timer.Phases()["model_loading"])
	if err != nil {
		return task.ResultEnvelope{TaskID: t.ID, Status: task.StateFailure, Timing: timer.Millis(), Error: err.Error()}, fmt.Errorf("acquire runner: %w", err)
	}

	innerTimer := timing.NewTimer()
	stopInfer := timer.Start("inference")
	result, err := runner.Run(ctx, t.Model, r, innerTimer, t.Input)
	stopInfer()
	metrics.InferenceDuration.WithLabelValues(t.Model).Observe(timer.Phases()["inference"])
	for phase, seconds := range innerTimer.Phases() {
		metrics.PhaseDuration.WithLabelValues(t.Model, phase).Observe(seconds)
	}
	if err != nil {
		return task.ResultEnvelope{TaskID: t.ID, Status: task.StateFailure, Timing: timer.Millis(), Error: err.Error()}, err
	}

	stopStorage := timer.Start("storage")
	err = w.externalizeArtifacts(ctx, t.ID, result)
	stopStorage()
	if err != nil {
		return task.ResultEnvelope{}, fmt.Errorf("externalize artifacts: %w", err)
	}
	metrics.StorageDuration.WithLabelValues(t.Model).Observe(timer.Phases()["storage"])

	return task.ResultEnvelope{
		TaskID: t.ID,
		Status: task.StateSuccess,
		Timing: timer.Millis(),
		Result: result,
	}, nil
}

// externalizeArtifacts replaces any raw image_bytes in result with a blob
// store reference, so the broker's result cache never carries large binary
// payloads in-envelope.
func (w *Worker) externalizeArtifacts(ctx context.Context, taskID string, result map[string]interface{}) error {
	raw, ok := result["image_bytes"].([]byte)
	if !ok {
		return nil
	}
	key := fmt.Sprintf("results/%s.png", taskID)
	if err := w.blobs.Put(ctx, key, raw, "image/png"); err != nil {
		return err
	}
	url, err := w.blobs.URL(ctx, key)
	if err != nil {
		return err
	}
	delete(result, "image_bytes")
	result["blob_key"] = key
	result["blob_url"] = url
	return nil
}

func (w *Worker) ackAndRecord(ctx context.Context, d *broker.Delivery, t task.Task, env task.ResultEnvelope) {
	if err := w.b.SetResult(ctx, t.ID, env); err != nil {
		log.Printf("[worker device=%d] failed to record result for task %s: %v", w.cfg.DeviceID, t.ID, err)
	}
	if err := w.b.Ack(ctx, d); err != nil {
		log.Printf("[worker device=%d] failed to ack task %s: %v", w.cfg.DeviceID, t.ID, err)
	}
	if env.Status.Terminal() {
		if w.admission != nil {
			w.admission.recordOutcome(env.Status == task.StateSuccess)
		}
		metrics.TaskCompleted.WithLabelValues(t.Model, string(env.Status)).Inc()
		if w.audit != nil {
			if err := w.audit.Record(ctx, t, env); err != nil {
				log.Printf("[worker device=%d] audit record failed for task %s: %v", w.cfg.DeviceID, t.ID, err)
			}
		}
		if t.CallbackURL != "" {
			go w.callbacks.Send(context.Background(), t.CallbackURL, env)
		}
	}
}

func (w *Worker) setState(ctx context.Context, t task.Task, state task.State, timingSecs map[string]float64, errMsg string) {
	env := task.ResultEnvelope{TaskID: t.ID, Status: state, Timing: timingSecs, Error: errMsg}
	if err := w.b.SetResult(ctx, t.ID, env); err != nil {
		log.Printf("[worker device=%d] failed to record state %s for task %s: %v", w.cfg.DeviceID, state, t.ID, err)
	}
}
