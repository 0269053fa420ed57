// Command commonserver runs the COMMON capability server: validation,
// persistence, parsing, matching, checkpoint bookkeeping, accounting
// entries, and audit persistence.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/itsneelabh/invoiceflow/core"
	"github.com/itsneelabh/invoiceflow/hitl"
	"github.com/itsneelabh/invoiceflow/mcp"
)

func main() {
	var (
		port       = flag.Int("port", envPort(8001), "HTTP port (overrides PORT)")
		configFile = flag.String("config", "", "workflow definition file (YAML)")
	)
	flag.Parse()

	opts := []core.Option{core.WithName("invoiceflow-common")}
	if *configFile != "" {
		opts = append(opts, core.WithConfigFile(*configFile))
	}
	cfg, err := core.NewConfig(opts...)
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	logger := core.NewProductionLogger(cfg.Name)

	serverOpts := []mcp.ServerOption{
		mcp.WithLogger(logger),
		mcp.WithConfig(cfg),
		mcp.WithAuditStore(buildAuditStore(cfg, logger)),
	}
	srv := mcp.NewCommonServer(serverOpts...)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("Shutdown signal received", map[string]interface{}{
			"operation": "shutdown",
			"signal":    sig.String(),
		})
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Shutdown failed", map[string]interface{}{
				"operation": "shutdown",
				"error":     err.Error(),
			})
		}
	}()

	if err := srv.Start(context.Background(), *port); err != nil {
		log.Fatalf("COMMON server failed: %v", err)
	}
}

// buildAuditStore keeps trails in Redis when a URL is configured and
// in process memory otherwise.
func buildAuditStore(cfg *core.Config, logger core.Logger) hitl.AuditStore {
	if cfg.Redis.URL == "" {
		logger.Warn("No Redis URL configured, audit trails are in-memory", map[string]interface{}{
			"operation": "startup",
		})
		return hitl.NewInMemoryAuditStore()
	}
	store, err := hitl.NewRedisAuditStore(
		hitl.WithAuditRedisURL(cfg.Redis.URL),
		hitl.WithAuditKeyPrefix(cfg.Redis.KeyPrefix),
		hitl.WithAuditLogger(logger),
	)
	if err != nil {
		log.Fatalf("Audit store init failed: %v", err)
	}
	return store
}

func envPort(fallback int) int {
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			return p
		}
	}
	return fallback
}
