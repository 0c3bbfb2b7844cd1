// Command mcp-aggregator serves one MCP endpoint that fans out to
// several upstream MCP servers, presenting their tools, prompts, and
// resources as a single merged catalog.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/cors"

	"github.com/openserve-labs/mcp-aggregator/pkg/aggregator"
	"github.com/openserve-labs/mcp-aggregator/pkg/config"
	"github.com/openserve-labs/mcp-aggregator/pkg/gateway"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	agg := aggregator.New(cfg.TargetSpecs(), aggregator.Options{
		ClientName:        cfg.Name,
		ClientVersion:     cfg.Version,
		DefaultTimeout:    cfg.DefaultTimeout,
		ReconcileInterval: cfg.ReconcileInterval,
		Logger:            logger,
	})
	if err := agg.Startup(ctx); err != nil {
		for _, status := range agg.TargetStatuses() {
			logger.Error("target unavailable", "target", status.ID, "state", status.State, "error", status.Err)
		}
		logger.Error("fatal: nothing to aggregate", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := agg.Shutdown(context.Background()); err != nil {
			logger.Warn("shutdown left dangling connections", "error", err)
		}
	}()

	gwOpts := &gateway.Options{
		Implementation: &mcp.Implementation{Name: cfg.Name, Version: cfg.Version},
		Addr:           cfg.Listen,
		Path:           cfg.Path,
		Logger:         logger,
	}
	if len(cfg.AllowedOrigins) > 0 {
		gwOpts.CORS = &cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", "Authorization", "Mcp-Session-Id", "Last-Event-ID"},
			ExposedHeaders: []string{"Mcp-Session-Id"},
		}
	}
	gw, err := gateway.New(agg, gwOpts)
	if err != nil {
		logger.Error("failed to build gateway", "error", err)
		os.Exit(1)
	}

	go agg.Reconcile(ctx)

	logger.Info("serving merged MCP catalog",
		"addr", cfg.Listen,
		"path", cfg.Path,
		"state", agg.State(),
		"capabilities", agg.Snapshot().Len())
	if err := gw.ListenAndServe(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("gateway server stopped", "error", err)
		os.Exit(1)
	}
}
