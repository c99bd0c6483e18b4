package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/inferplane/inferplane/internal/audit"
	"github.com/inferplane/inferplane/internal/blobstore"
	"github.com/inferplane/inferplane/internal/broker"
	"github.com/inferplane/inferplane/internal/callback"
	"github.com/inferplane/inferplane/internal/config"
	"github.com/inferplane/inferplane/internal/runner"
	"github.com/inferplane/inferplane/internal/runners"
	"github.com/inferplane/inferplane/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	log.Printf("=== InferPlane Worker starting (broker=%s, devices=%v) ===", cfg.BrokerKind, cfg.DeviceIDs)

	b, err := newBroker(ctx, cfg)
	if err != nil {
		log.Fatalf("broker: %v", err)
	}

	blobs, err := blobstore.NewFromConfig(ctx, cfg)
	if err != nil {
		log.Fatalf("blobstore: %v", err)
	}

	registry := runner.NewRegistry()
	runners.RegisterDefaults(registry)

	var auditStore *audit.Store
	if cfg.AuditDSN != "" {
		auditStore, err = audit.New(ctx, cfg.AuditDSN)
		if err != nil {
			log.Printf("audit: disabled, connection failed: %v", err)
			auditStore = nil
		} else {
			defer auditStore.Close()
		}
	}

	emitter := callback.NewEmitter(cfg.CallbackTimeout)

	if cfg.WorkerMetricsAddr != "" {
		go func() {
			log.Printf("worker: metrics listening on %s", cfg.WorkerMetricsAddr)
			srv := &http.Server{Addr: cfg.WorkerMetricsAddr, Handler: promhttp.Handler()}
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("worker: metrics server stopped: %v", err)
			}
		}()
	}

	var wg sync.WaitGroup
	for _, deviceID := range cfg.DeviceIDs {
		wConfig := worker.Config{
			DeviceID:                deviceID,
			SoftTimeout:             cfg.SoftTimeout,
			HardTimeout:             cfg.HardTimeout,
			MaxRetries:              cfg.MaxRetries,
			RetryBaseDelay:          cfg.RetryBaseDelay,
			RetryMaxDelay:           cfg.RetryMaxDelay,
			AdmissionQueueThreshold: cfg.AdmissionQueueThreshold,
		}
		w := worker.New(wConfig, b, registry, blobs, emitter, auditStore)

		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}

	wg.Wait()
	log.Println("worker: all device loops stopped")
}

func newBroker(ctx context.Context, cfg *config.Config) (broker.Broker, error) {
	switch cfg.BrokerKind {
	case "redis":
		return broker.NewRedisBroker(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, 10*time.Second)
	case "memory", "":
		return broker.NewMemoryBroker(ctx, 10*time.Second), nil
	default:
		return nil, fmt.Errorf("unsupported BROKER_KIND %q", cfg.BrokerKind)
	}
}
