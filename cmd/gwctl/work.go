package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/odin-gateway/gwctl/internal/config"
	"github.com/odin-gateway/gwctl/internal/logging"
	"github.com/odin-gateway/gwctl/internal/platform"
	"github.com/odin-gateway/gwctl/internal/queue"
	"github.com/odin-gateway/gwctl/internal/routing"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const fetchBatch = 32

func newWorkCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "work",
		Short: "run a worker process draining the durable queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWork(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to worker config YAML")
	cmd.MarkFlagRequired("config")
	return cmd
}

func runWork(configPath string) error {
	cfg, err := config.LoadWorker(configPath)
	if err != nil {
		return fmt.Errorf("failed to load worker config: %w", err)
	}

	logCfg := logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}
	logger := logging.New(logCfg)
	logging.InitGlobal(logCfg)

	natsConn, err := queue.Connect(queue.ConnConfig{URL: cfg.Stream.Endpoint}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to nats: %w", err)
	}
	defer natsConn.Close()

	js, err := natsConn.JetStream()
	if err != nil {
		return fmt.Errorf("failed to get jetstream context: %w", err)
	}

	streamCfg := queue.StreamConfig{GroupID: cfg.GroupID, Name: cfg.Stream.Name, ConsumerName: cfg.Stream.ConsumerName}
	if err := queue.ProvisionStream(js, streamCfg); err != nil {
		return fmt.Errorf("failed to provision stream: %w", err)
	}
	if err := queue.ProvisionConsumer(js, streamCfg); err != nil {
		return fmt.Errorf("failed to provision consumer: %w", err)
	}

	consumer, err := queue.NewConsumer(js, streamCfg)
	if err != nil {
		return fmt.Errorf("failed to bind consumer: %w", err)
	}

	worker, err := buildWorker(cfg, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := platform.NewPool(runtime.GOMAXPROCS(0)*2, fetchBatch*4, logger)
	pool.Start(ctx)
	defer pool.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	logger.Info().Str("group", cfg.GroupID).Str("stream", cfg.Stream.Name).Msg("worker draining queue")

	for {
		select {
		case <-sigCh:
			logger.Info().Msg("shutdown signal received")
			return nil
		default:
		}

		fetchCtx, fetchCancel := context.WithTimeout(ctx, 5*time.Second)
		msgs, err := consumer.Fetch(fetchCtx, fetchBatch)
		fetchCancel()
		if err != nil {
			logging.Error(logger, err, "fetch failed, backing off", nil)
			time.Sleep(time.Second)
			continue
		}

		for _, m := range msgs {
			msg := m
			pool.Submit(func() {
				worker.Process(ctx, msg)
			})
		}
	}
}

// buildWorker wires a routing.Worker for the configured dispatch mode:
// a regex table compiled from engine_mode.rules, or an HTTP client
// targeting engine_mode.rules_engine.
func buildWorker(cfg *config.WorkerConfig, logger zerolog.Logger) (*routing.Worker, error) {
	w := &routing.Worker{
		Mode:      routing.EngineMode(cfg.EngineMode.Mode),
		Forwarder: routing.NewForwarder(&http.Client{Timeout: 25 * time.Second}),
		Logger:    logger,
		GroupID:   cfg.GroupID,
	}

	switch w.Mode {
	case routing.EngineModeRegex:
		rules := make([]routing.Rule, 0, len(cfg.EngineMode.Regex))
		for _, r := range cfg.EngineMode.Regex {
			rules = append(rules, routing.Rule{
				Pattern: r.Regex,
				Route:   routing.Destination{Endpoint: r.Route.Endpoint, Headers: r.Route.Headers},
			})
		}
		w.RegexRouter = routing.NewRegexRouter(rules)
	case routing.EngineModeDSS:
		w.RulesEngine = &routing.HTTPRulesEngineClient{
			Client:  &http.Client{Timeout: 10 * time.Second},
			URL:     cfg.EngineMode.RulesEngine.Endpoint,
			Headers: cfg.EngineMode.RulesEngine.Headers,
		}
	default:
		return nil, fmt.Errorf("unsupported engine_mode.mode %q", cfg.EngineMode.Mode)
	}

	return w, nil
}
