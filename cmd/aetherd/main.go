package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/aether/aether/internal/audit"
	"github.com/aether/aether/internal/auth"
	"github.com/aether/aether/internal/common/config"
	"github.com/aether/aether/internal/common/logger"
	"github.com/aether/aether/internal/events/bus"
	"github.com/aether/aether/internal/gateway"
	"github.com/aether/aether/internal/kernel"
	"github.com/aether/aether/internal/scheduler"
	"github.com/aether/aether/internal/store"
	"github.com/aether/aether/internal/webhook"
)

// Exit codes: 1 for startup failures, 2 when the database is unusable
// and fallback is disabled.
const (
	exitFailure  = 1
	exitBadStore = 2
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(exitFailure)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(exitFailure)
	}
	defer log.Sync()

	log.Info("Starting aether kernel...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Event bus: NATS when configured, in-process otherwise
	var eventBus bus.Bus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryBus(log)
		log.Info("Using in-process event bus")
	}
	defer eventBus.Close()

	// 4. Open the store
	st, err := store.Open(cfg.Database, log)
	if err != nil {
		log.Error("Failed to open store", zap.Error(err))
		os.Exit(exitBadStore)
	}
	defer st.Close()
	if st.Ephemeral {
		log.Warn("Running on an in-memory store, state will not survive restarts")
	}

	// 5. Kernel: ACL, tool host, process table, agent loops
	k, err := kernel.New(ctx, cfg, st, eventBus, nil, log)
	if err != nil {
		log.Fatal("Failed to build kernel", zap.Error(err))
	}
	k.Start()
	log.Info("Kernel started", zap.Int("maxProcesses", cfg.Kernel.MaxProcesses))

	// 6. Auth service
	authSvc := auth.NewService(cfg.Auth, st, eventBus, log)

	// 7. Audit trail
	auditLog := audit.NewLogger(cfg.Audit, st, eventBus, log)
	if err := auditLog.Start(); err != nil {
		log.Fatal("Failed to start audit logger", zap.Error(err))
	}

	// 8. Schedulers
	cronDriver := scheduler.NewCronDriver(cfg.Scheduler, st, k, eventBus, log)
	cronDriver.Start()
	triggerDriver := scheduler.NewTriggerDriver(st, k, eventBus, log)
	if err := triggerDriver.Start(); err != nil {
		log.Fatal("Failed to start trigger driver", zap.Error(err))
	}

	// 9. Webhook delivery
	webhookDispatcher := webhook.NewDispatcher(cfg.Webhook, st, eventBus, log)
	if err := webhookDispatcher.Start(); err != nil {
		log.Fatal("Failed to start webhook dispatcher", zap.Error(err))
	}
	inbound := webhook.NewInbound(st, k, log)

	// 10. Gateway
	gw := gateway.New(gateway.Deps{
		Config:   cfg,
		Kernel:   k,
		Auth:     authSvc,
		Cron:     cronDriver,
		Triggers: triggerDriver,
		Webhooks: webhookDispatcher,
		Inbound:  inbound,
		Store:    st,
		Bus:      eventBus,
		Logger:   log,
	})
	server := gateway.NewServer(gw)

	go func() {
		if err := server.Start(ctx); err != nil {
			log.Fatal("Gateway server failed", zap.Error(err))
		}
	}()

	// 11. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Gateway shutdown error", zap.Error(err))
	}

	webhookDispatcher.Stop()
	triggerDriver.Stop()
	cronDriver.Stop()
	auditLog.Stop()
	k.Stop()
	cancel()

	log.Info("Aether kernel stopped")
}
