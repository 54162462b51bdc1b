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

	"github.com/agentmesh/mesh/pkg/adapter"
	"github.com/agentmesh/mesh/pkg/config"
	"github.com/agentmesh/mesh/pkg/observability"
	"github.com/agentmesh/mesh/pkg/transport"
)

// runAdapterCmd runs a policy-blind adapter worker for one knowledge base,
// serving {kb_id}.adapter.query until a shutdown signal. Workers started
// with the same kb_id share a queue group and split the load.
func runAdapterCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("adapter", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	kbID := cmd.String("kb-id", "", "knowledge base the worker serves")
	dsn := cmd.String("dsn", "", "postgres connection string for the backing database")
	timeout := cmd.Duration("timeout", 30*time.Second, "per-operation deadline")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *kbID == "" || *dsn == "" {
		fmt.Fprintln(stderr, "--kb-id and --dsn are required")
		cmd.Usage()
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 2
	}
	logger := observability.InitLogging(cfg.LogLevel)

	exec, err := adapter.NewPostgresExecutor(*dsn)
	if err != nil {
		fmt.Fprintf(stderr, "driver: %v\n", err)
		return 1
	}

	conn, err := transport.DialNATS(cfg.TransportURL)
	if err != nil {
		_ = exec.Close()
		fmt.Fprintf(stderr, "transport: %v\n", err)
		return 1
	}

	worker, err := adapter.NewWorker(conn, exec, adapter.WorkerConfig{
		KBID:    *kbID,
		Timeout: *timeout,
	})
	if err != nil {
		_ = conn.Close()
		_ = exec.Close()
		fmt.Fprintf(stderr, "worker: %v\n", err)
		return 1
	}
	if err := worker.Start(); err != nil {
		_ = worker.Stop()
		_ = conn.Close()
		fmt.Fprintf(stderr, "worker: %v\n", err)
		return 1
	}
	if !worker.Healthy(context.Background()) {
		logger.Warn("backing database unreachable, serving anyway", "kb_id", *kbID)
	}
	fmt.Fprintf(stdout, "adapter worker serving %s.adapter.query on %s\n", *kbID, cfg.TransportURL)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	code := 0
	if err := worker.Stop(); err != nil {
		logger.Error("unclean worker shutdown", "error", err)
		code = 1
	}
	if err := conn.Close(); err != nil {
		logger.Error("transport close failed", "error", err)
		code = 1
	}
	return code
}
