// Package runner defines the four-phase model contract (load, prepare,
// infer, postprocess) and the registry that lazily constructs and caches
// runner instances per (model, device).
package runner

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/inferplane/inferplane/internal/metrics"
	"github.com/inferplane/inferplane/internal/timing"
)

// Runner is the contract every model implementation satisfies. Load is
// called at most once per cached instance; Prepare/Infer/Postprocess run
// once per task against an already-loaded instance.
type Runner interface {
	// Load performs any one-time, expensive setup (reading weights,
	// allocating device memory). It is safe to call IsLoaded after.
	Load(ctx context.Context) error

	// IsLoaded reports whether Load has already completed successfully.
	IsLoaded() bool

	// Prepare validates and normalizes the raw task input into a form
	// Infer can consume.
	Prepare(ctx context.Context, input map[string]interface{}) (interface{}, error)

	// Infer runs the model against prepared input.
	Infer(ctx context.Context, prepared interface{}) (interface{}, error)

	// Postprocess converts the raw inference output into the result map
	// returned to the client.
	Postprocess(ctx context.Context, inferred interface{}) (map[string]interface{}, error)

	// Cleanup releases any resources held by the instance. Called when the
	// registry evicts this (model, device) entry.
	Cleanup(ctx context.Context) error
}

// Factory constructs a fresh, not-yet-loaded Runner for a model.
type Factory func(deviceID int) Runner

// Run drives a Runner through its four phases, timing each with t, and
// lazily loading the instance on first use. Each phase's timer is stopped as
// soon as the phase returns, before its error is checked, so a returned
// error still leaves the timings of the phases that ran.
func Run(ctx context.Context, model string, r Runner, t *timing.Timer, input map[string]interface{}) (map[string]interface{}, error) {
	if !r.IsLoaded() {
		stop := t.Start("load")
		err := r.Load(ctx)
		stop()
		if err != nil {
			return nil, fmt.Errorf("load: %w", err)
		}
	}

	stopPrepare := t.Start("prepare")
	prepared, err := r.Prepare(ctx, input)
	stopPrepare()
	if err != nil {
		return nil, fmt.Errorf("prepare: %w", err)
	}

	stopInfer := t.Start("infer")
	inferred, err := r.Infer(ctx, prepared)
	stopInfer()
	if err != nil {
		return nil, fmt.Errorf("infer: %w", err)
	}

	stopPost := t.Start("postprocess")
	result, err := r.Postprocess(ctx, inferred)
	stopPost()
	if err != nil {
		return nil, fmt.Errorf("postprocess: %w", err)
	}

	return result, nil
}

type cacheKey struct {
	model    string
	deviceID int
}

// Registry lazily constructs and caches one Runner per (model, device),
// guarding each distinct key with its own construction lock so concurrent
// first-use requests for different models don't serialize behind each
// other, while concurrent requests for the SAME (model, device) block on
// a single Load.
type Registry struct {
	factories map[string]Factory

	mu       sync.Mutex
	keyLocks map[cacheKey]*sync.Mutex
	runners  map[cacheKey]Runner
}

// NewRegistry returns an empty Registry. Register models with Register
// before calling GetOrCreateRunner.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		keyLocks:  make(map[cacheKey]*sync.Mutex),
		runners:   make(map[cacheKey]Runner),
	}
}

// Register binds a model name to the factory that builds its Runner. This
// replaces the decorator-based auto-registration of a process-wide global
// registry with an explicit call the caller makes once at startup.
func (reg *Registry) Register(model string, f Factory) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.factories[model] = f
}

// Models returns the alphabetically sorted list of known model names, used
// to populate the 400 response when an unknown model is requested.
func (reg *Registry) Models() []string {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	out := make([]string, 0, len(reg.factories))
	for m := range reg.factories {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Has reports whether model is registered.
func (reg *Registry) Has(model string) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	_, ok := reg.factories[model]
	return ok
}

func (reg *Registry) lockFor(key cacheKey) *sync.Mutex {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	l, ok := reg.keyLocks[key]
	if !ok {
		l = &sync.Mutex{}
		reg.keyLocks[key] = l
	}
	return l
}

// GetOrCreateRunner returns the cached Runner for (model, deviceID),
// constructing and loading it on first request. Concurrent calls for the
// same key block on the per-key lock rather than double-constructing; calls
// for different keys proceed in parallel.
func (reg *Registry) GetOrCreateRunner(ctx context.Context, model string, deviceID int) (Runner, error) {
	key := cacheKey{model: model, deviceID: deviceID}
	lock := reg.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	reg.mu.Lock()
	if r, ok := reg.runners[key]; ok {
		reg.mu.Unlock()
		return r, nil
	}
	factory, ok := reg.factories[model]
	reg.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("runner: unregistered model %q", model)
	}

	r := factory(deviceID)
	if err := r.Load(ctx); err != nil {
		return nil, fmt.Errorf("runner: load %s on device %d: %w", model, deviceID, err)
	}
	metrics.RunnerLoads.WithLabelValues(model, fmt.Sprintf("%d", deviceID)).Inc()

	reg.mu.Lock()
	reg.runners[key] = r
	reg.mu.Unlock()
	return r, nil
}

// Cleanup evicts and releases cached runners. If deviceID is nil, every
// device instance of model is evicted; otherwise only the named device.
func (reg *Registry) Cleanup(ctx context.Context, model string, deviceID *int) error {
	reg.mu.Lock()
	var toClean []cacheKey
	for key := range reg.runners {
		if key.model != model {
			continue
		}
		if deviceID != nil && key.deviceID != *deviceID {
			continue
		}
		toClean = append(toClean, key)
	}
	reg.mu.Unlock()

	var firstErr error
	for _, key := range toClean {
		reg.mu.Lock()
		r := reg.runners[key]
		delete(reg.runners, key)
		reg.mu.Unlock()
		if r == nil {
			continue
		}
		if err := r.Cleanup(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
