package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentmesh/mesh/pkg/config"
	"github.com/agentmesh/mesh/pkg/observability"
	"github.com/agentmesh/mesh/pkg/server"
)

// runServeCmd boots the broker and blocks until SIGINT or SIGTERM.
//
// Exit codes: 0 clean shutdown, 1 runtime failure, 2 config error.
func runServeCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	configFile := cmd.String("config", "", "YAML tuning file layered over MESH_* env vars")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 2
	}
	if *configFile != "" {
		if err := cfg.ApplyFile(*configFile); err != nil {
			fmt.Fprintf(stderr, "config: %v\n", err)
			return 2
		}
	}

	logger := observability.InitLogging(cfg.LogLevel)
	ctx := context.Background()

	var provider *observability.Provider
	if cfg.OTelEnabled {
		obsCfg := observability.DefaultConfig()
		obsCfg.Enabled = true
		provider, err = observability.New(ctx, obsCfg)
		if err != nil {
			fmt.Fprintf(stderr, "observability: %v\n", err)
			return 1
		}
	}

	mesh, err := server.New(ctx, server.Options{Config: cfg, Observability: provider})
	if err != nil {
		fmt.Fprintf(stderr, "boot: %v\n", err)
		return 1
	}
	if err := mesh.Start(ctx); err != nil {
		_ = mesh.Stop()
		fmt.Fprintf(stderr, "start: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "meshd serving on %s (store %s, evaluator %s)\n",
		cfg.TransportURL, cfg.StoreDSN, cfg.PolicyURL)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	code := 0
	if err := mesh.Stop(); err != nil {
		logger.Error("unclean shutdown", "error", err)
		code = 1
	}
	if provider != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Error("telemetry shutdown failed", "error", err)
		}
	}
	return code
}
