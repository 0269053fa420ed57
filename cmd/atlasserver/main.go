// Command atlasserver runs the ATLAS capability server: OCR, vendor
// enrichment, ERP retrieval and posting, payments, and notifications.
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
	"github.com/itsneelabh/invoiceflow/mcp"
)

func main() {
	var (
		port       = flag.Int("port", envPort(8002), "HTTP port (overrides PORT)")
		configFile = flag.String("config", "", "workflow definition file (YAML)")
	)
	flag.Parse()

	opts := []core.Option{core.WithName("invoiceflow-atlas")}
	if *configFile != "" {
		opts = append(opts, core.WithConfigFile(*configFile))
	}
	cfg, err := core.NewConfig(opts...)
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	logger := core.NewProductionLogger(cfg.Name)

	srv := mcp.NewAtlasServer(
		mcp.WithLogger(logger),
		mcp.WithConfig(cfg),
	)

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
		log.Fatalf("ATLAS server failed: %v", err)
	}
}

func envPort(fallback int) int {
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			return p
		}
	}
	return fallback
}
