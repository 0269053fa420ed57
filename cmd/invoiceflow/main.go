// Command invoiceflow runs the invoice processing API: the workflow
// engine, the human review endpoints, and the event streams on one
// port. Tool calls go to the COMMON and ATLAS servers, with mock
// fallback when they are unreachable.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/itsneelabh/invoiceflow/agents"
	"github.com/itsneelabh/invoiceflow/api"
	"github.com/itsneelabh/invoiceflow/bigtool"
	"github.com/itsneelabh/invoiceflow/core"
	"github.com/itsneelabh/invoiceflow/events"
	"github.com/itsneelabh/invoiceflow/hitl"
	"github.com/itsneelabh/invoiceflow/llm"
	"github.com/itsneelabh/invoiceflow/telemetry"
	"github.com/itsneelabh/invoiceflow/workflow"
)

func main() {
	var (
		port       = flag.Int("port", 0, "HTTP port (overrides INVOICEFLOW_PORT)")
		configFile = flag.String("config", "", "workflow definition file (YAML)")
	)
	flag.Parse()

	var opts []core.Option
	if *configFile != "" {
		opts = append(opts, core.WithConfigFile(*configFile))
	}
	if *port != 0 {
		opts = append(opts, core.WithPort(*port))
	}
	cfg, err := core.NewConfig(opts...)
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	logger := core.NewProductionLogger(cfg.Name)

	var provider *telemetry.OTelProvider
	if cfg.Telemetry.Enabled {
		provider, err = telemetry.NewOTelProvider(cfg.Name, cfg.Telemetry.Endpoint)
		if err != nil {
			log.Fatalf("Telemetry init failed: %v", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := provider.Shutdown(ctx); err != nil {
				logger.Warn("Telemetry shutdown failed", map[string]interface{}{
					"operation": "shutdown",
					"error":     err.Error(),
				})
			}
		}()
	}

	checkpoints, reviews := buildStores(cfg, logger)

	var aiClient core.AIClient
	if cfg.AI.Enabled {
		aiClient = llm.NewClient(
			llm.WithAPIKey(cfg.AI.APIKey),
			llm.WithBaseURL(cfg.AI.BaseURL),
			llm.WithModel(cfg.AI.Model),
			llm.WithClientLogger(logger),
		)
	}
	ai := llm.NewService(aiClient, llm.WithServiceLogger(logger))

	toolClient := bigtool.NewClient(
		bigtool.WithServerURLs(cfg.Tools.CommonURL, cfg.Tools.AtlasURL),
		bigtool.WithTimeouts(cfg.Tools.DiscoveryTimeout, cfg.Tools.InvokeTimeout),
		bigtool.WithMockFallback(cfg.Tools.MockFallback),
		bigtool.WithClientLogger(logger),
	)
	picker := bigtool.NewPicker(toolClient, aiClient, bigtool.WithPickerLogger(logger))

	bus := events.NewBus(events.WithLogger(logger))

	deps := agents.Deps{
		Config:  cfg,
		Logger:  logger,
		Bus:     bus,
		Picker:  picker,
		AI:      ai,
		Reviews: reviews,
	}
	if provider != nil {
		deps.Telemetry = provider
	}
	engine, err := agents.BuildEngine(checkpoints, deps)
	if err != nil {
		log.Fatalf("Failed to build workflow engine: %v", err)
	}

	srv := api.NewServer(engine, bus, reviews,
		api.WithLogger(logger),
		api.WithConfig(cfg),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Threads a previous process left mid-flight resume from their last
	// checkpoint while the server is already accepting traffic.
	go func() {
		n, err := engine.Recover(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Workflow recovery sweep failed", map[string]interface{}{
				"operation": "recover",
				"error":     err.Error(),
			})
			return
		}
		if n > 0 {
			logger.Info("Recovered in-flight workflows", map[string]interface{}{
				"operation": "recover",
				"count":     n,
			})
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("Shutdown signal received", map[string]interface{}{
			"operation": "shutdown",
			"signal":    sig.String(),
		})
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Shutdown failed", map[string]interface{}{
				"operation": "shutdown",
				"error":     err.Error(),
			})
		}
	}()

	if err := srv.Start(ctx, cfg.Port); err != nil {
		log.Fatalf("API server failed: %v", err)
	}
}

// buildStores selects Redis persistence when a URL is configured and
// falls back to the in-memory stores for local development.
func buildStores(cfg *core.Config, logger core.Logger) (workflow.CheckpointStore, hitl.ReviewStore) {
	if cfg.Redis.URL == "" {
		logger.Warn("No Redis URL configured, using in-memory stores", map[string]interface{}{
			"operation": "startup",
		})
		return workflow.NewInMemoryCheckpointStore(), hitl.NewInMemoryReviewStore()
	}

	checkpoints, err := workflow.NewRedisCheckpointStore(
		workflow.WithCheckpointRedisURL(cfg.Redis.URL),
		workflow.WithCheckpointKeyPrefix(cfg.Redis.KeyPrefix),
		workflow.WithCheckpointTTL(cfg.Redis.CheckpointTTL),
		workflow.WithCheckpointLogger(logger),
	)
	if err != nil {
		log.Fatalf("Checkpoint store init failed: %v", err)
	}

	reviews, err := hitl.NewRedisReviewStore(
		hitl.WithReviewRedisURL(cfg.Redis.URL),
		hitl.WithReviewKeyPrefix(cfg.Redis.KeyPrefix),
		hitl.WithReviewLogger(logger),
	)
	if err != nil {
		log.Fatalf("Review store init failed: %v", err)
	}

	return checkpoints, reviews
}
