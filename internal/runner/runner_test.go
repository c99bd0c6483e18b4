package runner

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/inferplane/inferplane/internal/timing"
)

// fakeRunner is a hand-rolled test double; the codebase under test never
// imports testify, so mocks are built directly against the interface.
type fakeRunner struct {
	loadCalls int32
	loaded    bool
	loadDelay time.Duration
	failInfer bool
}

func (r *fakeRunner) Load(ctx context.Context) error {
	atomic.AddInt32(&r.loadCalls, 1)
	if r.loadDelay > 0 {
		time.Sleep(r.loadDelay)
	}
	r.loaded = true
	return nil
}

func (r *fakeRunner) IsLoaded() bool { return r.loaded }

func (r *fakeRunner) Prepare(ctx context.Context, input map[string]interface{}) (interface{}, error) {
	return input, nil
}

func (r *fakeRunner) Infer(ctx context.Context, prepared interface{}) (interface{}, error) {
	if r.failInfer {
		return nil, fmt.Errorf("boom")
	}
	return prepared, nil
}

func (r *fakeRunner) Postprocess(ctx context.Context, inferred interface{}) (map[string]interface{}, error) {
	return inferred.(map[string]interface{}), nil
}

func (r *fakeRunner) Cleanup(ctx context.Context) error { return nil }

func TestRunOrchestratesAllFourPhases(t *testing.T) {
	r := &fakeRunner{}
	timer := timing.NewTimer()
	input := map[string]interface{}{"x": 1}

	out, err := Run(context.Background(), "fake-model", r, timer, input)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if out["x"] != 1 {
		t.Errorf("unexpected output: %v", out)
	}

	phases := timer.Phases()
	for _, name := range []string{"load", "prepare", "infer", "postprocess"} {
		if _, ok := phases[name]; !ok {
			t.Errorf("expected phase %q to be timed, got %v", name, phases)
		}
	}
}

func TestRunSkipsLoadWhenAlreadyLoaded(t *testing.T) {
	r := &fakeRunner{loaded: true}
	timer := timing.NewTimer()

	if _, err := Run(context.Background(), "fake-model", r, timer, nil); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if atomic.LoadInt32(&r.loadCalls) != 0 {
		t.Errorf("expected Load not to be called when IsLoaded is already true")
	}
	if _, ok := timer.Phases()["load"]; ok {
		t.Error("expected no load phase to be timed when load was skipped")
	}
}

func TestRunPropagatesInferError(t *testing.T) {
	r := &fakeRunner{failInfer: true}
	timer := timing.NewTimer()

	_, err := Run(context.Background(), "fake-model", r, timer, nil)
	if err == nil {
		t.Fatal("expected an error from a failing Infer phase")
	}
}

func TestRegistryCachesPerModelAndDevice(t *testing.T) {
	reg := NewRegistry()
	var constructions int32
	reg.Register("m", func(deviceID int) Runner {
		atomic.AddInt32(&constructions, 1)
		return &fakeRunner{}
	})

	ctx := context.Background()
	r1, err := reg.GetOrCreateRunner(ctx, "m", 0)
	if err != nil {
		t.Fatalf("GetOrCreateRunner failed: %v", err)
	}
	r2, err := reg.GetOrCreateRunner(ctx, "m", 0)
	if err != nil {
		t.Fatalf("GetOrCreateRunner failed: %v", err)
	}
	if r1 != r2 {
		t.Error("expected the same cached instance for the same (model, device)")
	}

	if _, err := reg.GetOrCreateRunner(ctx, "m", 1); err != nil {
		t.Fatalf("GetOrCreateRunner for a different device failed: %v", err)
	}
	if atomic.LoadInt32(&constructions) != 2 {
		t.Errorf("expected 2 constructions (one per device), got %d", constructions)
	}
}

func TestRegistryConcurrentFirstUseConstructsOnce(t *testing.T) {
	reg := NewRegistry()
	var constructions int32
	reg.Register("slow", func(deviceID int) Runner {
		atomic.AddInt32(&constructions, 1)
		return &fakeRunner{loadDelay: 20 * time.Millisecond}
	})

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := reg.GetOrCreateRunner(ctx, "slow", 0); err != nil {
				t.Errorf("GetOrCreateRunner failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&constructions); got != 1 {
		t.Errorf("expected exactly 1 construction under concurrent first use, got %d", got)
	}
}

func TestRegistryUnregisteredModel(t *testing.T) {
	reg := NewRegistry()
	if _, err := reg.GetOrCreateRunner(context.Background(), "ghost", 0); err == nil {
		t.Fatal("expected an error for an unregistered model")
	}
}

func TestRegistryCleanupEvicts(t *testing.T) {
	reg := NewRegistry()
	reg.Register("m", func(deviceID int) Runner { return &fakeRunner{} })
	ctx := context.Background()

	if _, err := reg.GetOrCreateRunner(ctx, "m", 0); err != nil {
		t.Fatalf("GetOrCreateRunner failed: %v", err)
	}
	if err := reg.Cleanup(ctx, "m", nil); err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}

	reg.mu.Lock()
	_, stillCached := reg.runners[cacheKey{model: "m", deviceID: 0}]
	reg.mu.Unlock()
	if stillCached {
		t.Error("expected runner to be evicted after Cleanup")
	}
}
