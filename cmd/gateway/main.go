package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/inferplane/inferplane/internal/audit"
	"github.com/inferplane/inferplane/internal/auth"
	"github.com/inferplane/inferplane/internal/broker"
	"github.com/inferplane/inferplane/internal/config"
	"github.com/inferplane/inferplane/internal/dispatcher"
	"github.com/inferplane/inferplane/internal/gateway"
	"github.com/inferplane/inferplane/internal/idempotency"
	"github.com/inferplane/inferplane/internal/metrics"
	"github.com/inferplane/inferplane/internal/ratelimit"
	"github.com/inferplane/inferplane/internal/runner"
	"github.com/inferplane/inferplane/internal/runners"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	log.Printf("=== InferPlane Gateway starting (broker=%s, listen=%s) ===", cfg.BrokerKind, cfg.ListenAddr)

	b, err := newBroker(ctx, cfg)
	if err != nil {
		log.Fatalf("broker: %v", err)
	}

	registry := runner.NewRegistry()
	runners.RegisterDefaults(registry)
	log.Printf("registered models: %v", registry.Models())

	guard := auth.NewGuard(cfg.APIKeys)
	limiter := ratelimit.NewSlidingWindowLimiter(cfg.RateLimitN, cfg.RateLimitWin)
	idemBackend := idempotency.NewMemoryBackend(ctx, time.Minute)
	idemStore := idempotency.NewStore(idemBackend, cfg.IdempotencyTTL)
	disp := dispatcher.New(b)

	var auditStore *audit.Store
	if cfg.AuditDSN != "" {
		store, err := audit.New(ctx, cfg.AuditDSN)
		if err != nil {
			log.Printf("audit: disabled, connection failed: %v", err)
		} else if err := store.Migrate(ctx); err != nil {
			log.Printf("audit: disabled, migrate failed: %v", err)
		} else {
			log.Printf("audit: durable task history enabled")
			defer store.Close()
			auditStore = store
		}
	}

	api := gateway.New(cfg.Environment, guard, limiter, idemStore, registry, disp, b, auditStore, cfg.StormLimitRPS, cfg.StormLimitBurst)

	go pollQueueDepths(ctx, b, 5*time.Second)

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: api.NewRouter(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.Println("gateway: shutting down")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("gateway: shutdown error: %v", err)
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("gateway: %v", err)
	}
}

// pollQueueDepths periodically samples the broker's per-priority backlog
// into the queue_depth gauge, since the broker itself has no reason to push
// on every Publish/Dequeue.
func pollQueueDepths(ctx context.Context, b broker.Broker, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depths, err := b.QueueDepths(ctx)
			if err != nil {
				log.Printf("gateway: queue depth poll failed: %v", err)
				continue
			}
			for priority, depth := range depths {
				metrics.QueueDepth.WithLabelValues(string(priority)).Set(float64(depth))
			}
		}
	}
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
