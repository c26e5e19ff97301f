package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/odin-gateway/gwctl/internal/config"
	"github.com/odin-gateway/gwctl/internal/gateway"
	"github.com/odin-gateway/gwctl/internal/ingress"
	"github.com/odin-gateway/gwctl/internal/logging"
	"github.com/odin-gateway/gwctl/internal/ownership"
	"github.com/odin-gateway/gwctl/internal/platform"
	"github.com/odin-gateway/gwctl/internal/queue"
	"github.com/odin-gateway/gwctl/internal/router"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

// gatewayAdapter narrows *gateway.Gateway's RegisterHandle (which
// takes gateway.SessionHandle) to satisfy ingress.Gateway (which takes
// ingress.SessionHandle) — the two interfaces have identical method
// sets but are distinct named types, so Go requires this shim even
// though a bare interface-to-interface value conversion between them
// is itself unrestricted.
type gatewayAdapter struct {
	*gateway.Gateway
}

func (a gatewayAdapter) RegisterHandle(connectionID string, handle ingress.SessionHandle) {
	a.Gateway.RegisterHandle(connectionID, handle)
}

func newServeCommand() *cobra.Command {
	var configPath string
	var instanceID string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run a gateway instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath, instanceID)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to gateway config YAML")
	cmd.Flags().StringVar(&instanceID, "instance-id", "", "this instance's identity; defaults to an ID generated at startup")
	cmd.MarkFlagRequired("config")
	return cmd
}

func runServe(configPath, instanceID string) error {
	cfg, err := config.LoadGateway(configPath)
	if err != nil {
		return fmt.Errorf("failed to load gateway config: %w", err)
	}

	logCfg := logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}
	logger := logging.New(logCfg)
	logging.InitGlobal(logCfg)

	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Endpoint})
	defer redisClient.Close()

	ownershipDir := ownership.New(&ownership.RedisStore{Client: redisClient}, cfg.GroupID, cfg.OwnershipTTL())

	bus := &router.Publisher{Client: redisClient, GroupID: cfg.GroupID}

	var natsConn *nats.Conn
	var producer gateway.QueuePublisher
	if cfg.Server.Comms.Mode == "bidi" {
		natsConn, err = queue.Connect(queue.ConnConfig{URL: cfg.Server.Comms.Stream.Endpoint}, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("nats connection unavailable at startup, client messages will not be published")
		}
		if natsConn != nil {
			js, err := natsConn.JetStream()
			if err != nil {
				return fmt.Errorf("failed to get jetstream context: %w", err)
			}
			if err := queue.ProvisionStream(js, queue.StreamConfig{GroupID: cfg.GroupID, Name: cfg.Server.Comms.Stream.Name}); err != nil {
				return fmt.Errorf("failed to provision stream: %w", err)
			}
			producer = queue.NewProducer(js, cfg.GroupID)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gw := gateway.New(ctx, gateway.Config{
		InstanceID:     instanceID,
		GroupID:        cfg.GroupID,
		ConnectHook:    toGatewayHook(cfg.Routes.Connect),
		DisconnectHook: toGatewayHook(cfg.Routes.Disconnect),
	}, ownershipDir, bus, producer, logger)

	instanceRouter := router.New(&router.RedisBus{Client: redisClient}, gw, logger, cfg.GroupID, instanceID)
	go instanceRouter.Run(ctx)

	currentConns := gw.LiveCount()
	guard := platform.NewResourceGuard(platform.GuardConfig{
		MaxConnections:     cfg.MaxConnections,
		MaxGoroutines:      cfg.MaxGoroutines,
		CPURejectThreshold: cfg.CPURejectThreshold,
	}, logger, currentConns)
	guard.StartMonitoring(ctx, 5*time.Second)

	rateLimiter := platform.NewConnectionRateLimiter(platform.RateLimiterConfig{Logger: logger})
	defer rateLimiter.Stop()

	mux := http.NewServeMux()
	surface := ingress.New(mux, ingress.Config{
		Endpoints:         cfg.Routes.Endpoints,
		MaxOutMessageSize: int64(cfg.Server.MaxOutMessageSize),
		GroupID:           cfg.GroupID,
		InstanceID:        instanceID,
		HeartbeatInterval: time.Duration(cfg.Server.HeartbeatIntervalSec) * time.Second,
		ConnectionTimeout: time.Duration(cfg.Server.ConnectionTimeoutSec) * time.Second,
	}, gatewayAdapter{gw}, gw, newAuthorizer(cfg.Routes.Authorizer), guard, rateLimiter, logger)

	srv := &http.Server{Addr: cfg.Server.Address, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("address", cfg.Server.Address).Str("instance", instanceID).Msg("gateway instance listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	surface.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("graceful shutdown timed out")
	}
	if natsConn != nil {
		natsConn.Close()
	}
	cancel()
	logger.Info().Msg("gateway instance shut down")
	return nil
}

func toGatewayHook(h *config.HookConfig) *gateway.HookConfig {
	if h == nil {
		return nil
	}
	return &gateway.HookConfig{Endpoint: h.Endpoint, Headers: h.Headers}
}
