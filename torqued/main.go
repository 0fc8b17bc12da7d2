package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/torqueio/torque/torqued/bus"
	"github.com/torqueio/torque/torqued/config"
	"github.com/torqueio/torque/torqued/dispatch"
	"github.com/torqueio/torque/torqued/idempotency"
	"github.com/torqueio/torque/torqued/poller"
	"github.com/torqueio/torque/torqued/store"
	"github.com/torqueio/torque/torqued/worker"
)

func main() {
	cfg, err := config.Load(os.Getenv("TORQUE_CONFIG"))
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Task store: the single source of truth.
	var s store.Store
	if cfg.PostgresURL != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.PostgresURL)
		if err != nil {
			log.Fatalf("Failed to connect to Postgres: %v", err)
		}
		s = pg
		log.Printf("✅ Connected to Postgres task store")
	} else {
		s = store.NewMemoryStore()
		log.Printf("⚠️  No postgres_url configured; using in-memory store (single process, non-durable)")
	}
	defer s.Close()

	// Notify bus: a hint channel, never authoritative. Redis when shared
	// across processes, an in-process channel otherwise.
	var b bus.Bus
	var idem idempotency.Store
	if cfg.RedisAddr != "" {
		rb, err := bus.NewRedisBus(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.Fatalf("Failed to connect to Redis notify bus: %v", err)
		}
		b = rb
		idem = idempotency.NewRedisStore(redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}))
		log.Printf("✅ Connected to Redis notify bus at %s", cfg.RedisAddr)
	} else {
		b = bus.NewMemoryBus(4096)
		idem = idempotency.NewMemoryStore()
		log.Printf("Using in-process notify bus")
	}
	defer b.Close()

	dispatcher := dispatch.New(s, b, dispatch.Defaults{
		Timeout:       cfg.TaskTimeout.Std(),
		BackoffPolicy: store.BackoffPolicy(cfg.Backoff.Policy),
		MaxAttempts:   cfg.Backoff.MaxAttempts,
	})

	pool := worker.NewPool(s, b, worker.Config{
		Count:         cfg.WorkerCount,
		ClaimDuration: cfg.ClaimDuration.Std(),
		BaseDelay:     cfg.Backoff.BaseDelay.Std(),
		MaxDelay:      cfg.Backoff.MaxDelay.Std(),
	})
	pool.Start(ctx)

	p := poller.New(s, b, poller.Config{
		Interval:    cfg.PollInterval.Std(),
		GCInterval:  cfg.GCInterval.Std(),
		GCRetention: cfg.GCRetention.Std(),
	})
	go p.Run(ctx)

	api := NewAPI(s, dispatcher, idem, cfg)
	go api.statsHub.Run(ctx)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: api.Routes(cfg),
	}
	go func() {
		log.Printf("Torque listening on %s (workers=%d, poll=%v)",
			cfg.ListenAddr, cfg.WorkerCount, cfg.PollInterval.Std())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("Shutting down: draining workers and in-flight requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.TaskTimeout.Std()+5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown: %v", err)
	}

	// Workers stop consuming on ctx cancel and finish their in-flight
	// attempt, bounded by the outbound timeout.
	pool.Wait()
	log.Printf("Shutdown complete")
}
