package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/agentmesh/mesh/pkg/schema"
	"github.com/agentmesh/mesh/pkg/transport"
)

// defaultWorkerTimeout bounds a single operation. It must not exceed the
// dispatcher's request timeout or the reply arrives after nobody listens.
const defaultWorkerTimeout = 30 * time.Second

// queueGroup load-balances requests when several workers serve one KB.
const queueGroup = "adapter-workers"

// WorkerConfig configures a Worker.
type WorkerConfig struct {
	// KBID names the knowledge base this worker serves; the subscription
	// subject is derived from it.
	KBID string

	// Timeout is the hard per-operation deadline. Zero means the default.
	Timeout time.Duration
}

// Worker serves {kb_id}.adapter.query. The handler table is fixed at
// startup; every request gets exactly one reply, success or error, inside
// the deadline.
type Worker struct {
	conn     transport.Conn
	exec     Executor
	cfg      WorkerConfig
	handlers map[string]Handler
	allowed  string
	logger   *slog.Logger
	sub      transport.Subscription
}

// NewWorker builds a worker for one KB over the given executor.
func NewWorker(conn transport.Conn, exec Executor, cfg WorkerConfig) (*Worker, error) {
	if cfg.KBID == "" {
		return nil, fmt.Errorf("adapter worker requires a kb_id")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultWorkerTimeout
	}
	handlers := exec.Operations()
	if len(handlers) == 0 {
		return nil, fmt.Errorf("executor for %s exposes no operations", cfg.KBID)
	}
	return &Worker{
		conn:     conn,
		exec:     exec,
		cfg:      cfg,
		handlers: handlers,
		allowed:  strings.Join(operationNames(handlers), ", "),
		logger: slog.Default().With(
			"component", "adapter_worker", "kb_id", cfg.KBID),
	}, nil
}

// Start subscribes the worker. Multiple workers for the same KB share a
// queue group, so each request lands on exactly one of them.
func (w *Worker) Start() error {
	sub, err := w.conn.QueueSubscribe(
		schema.SubjectAdapterQuery(w.cfg.KBID), queueGroup, w.handle)
	if err != nil {
		return fmt.Errorf("failed to subscribe adapter worker for %s: %w", w.cfg.KBID, err)
	}
	w.sub = sub
	w.logger.Info("adapter worker started", "operations", w.allowed)
	return nil
}

// Stop unsubscribes and closes the executor.
func (w *Worker) Stop() error {
	if w.sub != nil {
		if err := w.sub.Unsubscribe(); err != nil {
			w.logger.Warn("unsubscribe failed", "error", err)
		}
		w.sub = nil
	}
	return w.exec.Close()
}

// Healthy reports driver connectivity.
func (w *Worker) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()
	return w.exec.Ping(ctx) == nil
}

func (w *Worker) handle(msg *transport.Msg) {
	var req schema.AdapterRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		w.reply(msg, schema.AdapterReply{
			Status: "error",
			Error:  fmt.Sprintf("invalid request payload: %v", err),
		})
		return
	}

	handler, ok := w.handlers[req.Operation]
	if !ok {
		w.reply(msg, schema.AdapterReply{
			Status:    "error",
			Error:     fmt.Sprintf("unknown operation %q (allowed: %s)", req.Operation, w.allowed),
			RequestID: req.RequestID,
		})
		return
	}

	data, err := w.run(handler, req.Params)
	if err != nil {
		w.logger.Warn("operation failed", "operation", req.Operation, "error", err)
		w.reply(msg, schema.AdapterReply{
			Status:    "error",
			Error:     err.Error(),
			RequestID: req.RequestID,
		})
		return
	}
	w.reply(msg, schema.AdapterReply{
		Status:    "success",
		Data:      data,
		RequestID: req.RequestID,
	})
}

// run executes the handler under the hard deadline. The handler goroutine
// is abandoned on timeout; drivers cancel through the context.
func (w *Worker) run(handler Handler, params map[string]any) (any, error) {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.Timeout)
	defer cancel()

	type outcome struct {
		data any
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		data, err := handler(ctx, params)
		done <- outcome{data: data, err: err}
	}()

	select {
	case out := <-done:
		return out.data, out.err
	case <-ctx.Done():
		return nil, fmt.Errorf("operation timed out after %s", w.cfg.Timeout)
	}
}

func (w *Worker) reply(msg *transport.Msg, rep schema.AdapterReply) {
	payload, err := json.Marshal(rep)
	if err != nil {
		w.logger.Error("failed to encode reply", "error", err)
		return
	}
	if err := msg.Respond(payload); err != nil {
		w.logger.Warn("failed to send reply", "error", err)
	}
}
