// Command realtime-fabric runs the multi-tenant realtime event bus: the
// Gateway's WebSocket/gRPC ingress backed by the Connection Manager,
// Event Router, Message Queue, Health Monitor, and a Stream Broker/MetaStore
// pair. Startup and shutdown ordering mirrors the teacher's main(): the
// broker before state persistence, the gRPC listener before the HTTP one, all
// wound down in reverse via internal/lifecycle.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/apix-platform/realtime-fabric/internal/auth"
	"github.com/apix-platform/realtime-fabric/internal/broker"
	"github.com/apix-platform/realtime-fabric/internal/bus"
	"github.com/apix-platform/realtime-fabric/internal/connmgr"
	"github.com/apix-platform/realtime-fabric/internal/config"
	"github.com/apix-platform/realtime-fabric/internal/gateway"
	"github.com/apix-platform/realtime-fabric/internal/health"
	"github.com/apix-platform/realtime-fabric/internal/lifecycle"
	"github.com/apix-platform/realtime-fabric/internal/logging"
	"github.com/apix-platform/realtime-fabric/internal/metastore"
	"github.com/apix-platform/realtime-fabric/internal/queue"
	"github.com/apix-platform/realtime-fabric/internal/router"
	"github.com/apix-platform/realtime-fabric/internal/tenant"
)

func main() {
	startedAt := time.Now()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize structured logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	eventBus := bus.New()

	streamBroker, err := buildBroker(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal("failed to construct stream broker", logging.Error(err))
	}

	store, err := metastore.NewFileStore(cfg.MetaStorePath, 5*time.Second, logger)
	if err != nil {
		logger.Fatal("failed to construct metastore", logging.Error(err))
	}

	authenticator, err := buildAuthenticator(cfg, logger)
	if err != nil {
		logger.Fatal("failed to configure websocket authenticator", logging.Error(err))
	}

	manager := connmgr.New(store, eventBus, logger, connmgr.Config{
		HeartbeatInterval:    cfg.Heartbeat.Interval,
		HeartbeatTimeout:     cfg.Heartbeat.Timeout,
		HeartbeatMaxMissed:   cfg.Heartbeat.MaxMissed,
		Strategy:             connmgr.StrategyExponential,
		MaxReconnectAttempts: cfg.Retry.MaxAttemptsConnect,
		BackoffMultiplier:    cfg.Retry.BackoffMultiplier,
		InitialDelay:         cfg.Retry.InitialDelay,
		MaxDelay:             cfg.Retry.MaxDelay,
		Jitter:               cfg.Retry.Jitter,
		ResetAfter:           cfg.Retry.ResetAfter,
	})

	monitor := health.New(manager, eventBus, logger,
		health.WithInterval(cfg.Health.Interval),
		health.WithThresholds(health.Thresholds{
			MinHealthyRatio:     cfg.Health.MinHealthyRatio,
			MaxAverageLatencyMs: cfg.Health.MaxAverageLatencyMs,
			MaxReconnectionRate: cfg.Health.MaxReconnectionRate,
			MaxErrorRate:        cfg.Health.MaxErrorRate,
			MaxSystemLoad:       cfg.Health.MaxSystemLoad,
		}),
	)

	queueSvc, err := queue.NewService(streamBroker, store, logger, queue.WithBus(eventBus))
	if err != nil {
		logger.Fatal("failed to construct message queue", logging.Error(err))
	}

	eventRouter := router.New(queueSvc, router.Config{
		MaxSubscriptions: cfg.Channels.MaxSubscriptions,
		ChannelTTL:       cfg.Channels.DefaultTTL,
	}, logger, router.WithMetaStore(store), router.WithBus(eventBus))

	gw := gateway.New(authenticator, manager, eventRouter, gateway.Config{
		MaxPayloadBytes: cfg.MaxPayloadBytes,
		MaxConnections:  cfg.MaxConnections,
		PingInterval:    cfg.Heartbeat.Interval,
		PongWaitFactor:  2,
		RateLimitWindow: cfg.RateLimit.Window,
		RateLimitMax:    cfg.RateLimit.Max,
		MaxParseErrors:  5,
		AllowedOrigins:  cfg.AllowedOrigins,
	}, logger)

	grpcServer, err := gateway.NewGRPCServer(cfg.GRPC, eventRouter, logger)
	if err != nil {
		logger.Fatal("failed to configure gRPC publish ingress", logging.Error(err))
	}

	orchestrator := lifecycle.Build(lifecycle.Components{
		Store:          store,
		Manager:        manager,
		Monitor:        monitor,
		Router:         eventRouter,
		QueueService:   queueSvc,
		Gateway:        gw,
		GRPCServer:     grpcServer,
		HTTPAddr:       cfg.Address,
		GRPCAddr:       cfg.GRPC.Address,
		ConsumeOptions: queue.DefaultConsumeOptions(),
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := orchestrator.Run(ctx); err != nil {
		logger.Fatal("startup sequence failed", logging.Error(err))
	}

	logger.Info("realtime fabric started",
		logging.String("address", listenerURL(cfg.Address, cfg.TLSCertPath != "")),
		logging.Duration("startup_elapsed", time.Since(startedAt)))

	waitForShutdownSignal()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	orchestrator.Stop(shutdownCtx)
	logger.Info("realtime fabric stopped")
}

func buildBroker(ctx context.Context, cfg *config.Config, logger *logging.Logger) (broker.Broker, error) {
	if !cfg.UseRedis {
		logger.Info("using in-memory stream broker (FABRIC_USE_REDIS not set)")
		return broker.NewMemoryBroker(), nil
	}
	logger.Info("connecting to redis stream broker", logging.String("address", cfg.RedisAddr))
	return broker.NewRedisBroker(ctx, broker.RedisOptions{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

func buildAuthenticator(cfg *config.Config, logger *logging.Logger) (auth.Authenticator, error) {
	if cfg.WSHMACSecret == "" {
		logger.Warn("no FABRIC_WS_HMAC_SECRET configured; admitting every session under a default tenant (development only)")
		return auth.NoopAuthenticator{Default: tenant.Principal{OrganizationID: "default", UserID: "anonymous"}}, nil
	}
	verifier, err := auth.NewHMACTokenVerifier(cfg.WSHMACSecret, cfg.WSHMACLeeway)
	if err != nil {
		return nil, err
	}
	return auth.NewHMACAuthenticator(verifier)
}

func waitForShutdownSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
}
