package adapter_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/mesh/pkg/adapter"
	"github.com/agentmesh/mesh/pkg/schema"
	"github.com/agentmesh/mesh/pkg/transport"
)

func startWorker(t *testing.T, bus *transport.MemoryBus, exec adapter.Executor, cfg adapter.WorkerConfig) *adapter.Worker {
	t.Helper()
	w, err := adapter.NewWorker(bus, exec, cfg)
	require.NoError(t, err)
	require.NoError(t, w.Start())
	t.Cleanup(func() { _ = w.Stop() })
	return w
}

func dispatch(t *testing.T, bus *transport.MemoryBus, kbID string, req schema.AdapterRequest) schema.AdapterReply {
	t.Helper()
	payload, err := json.Marshal(req)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	raw, err := bus.Request(ctx, schema.SubjectAdapterQuery(kbID), payload)
	require.NoError(t, err)

	var reply schema.AdapterReply
	require.NoError(t, json.Unmarshal(raw, &reply))
	return reply
}

func TestWorkerDispatch(t *testing.T) {
	bus := transport.NewMemoryBus()
	defer bus.Close()

	exec := adapter.NewStaticExecutor(map[string]adapter.Handler{
		"sql_query": func(_ context.Context, params map[string]any) (any, error) {
			return map[string]any{
				"rows":      []any{map[string]any{"id": float64(1)}},
				"row_count": float64(1),
				"echo":      params["query"],
			}, nil
		},
		"get_schema": func(context.Context, map[string]any) (any, error) {
			return map[string]any{"tables": map[string]any{}}, nil
		},
	})
	startWorker(t, bus, exec, adapter.WorkerConfig{KBID: "customer-db"})

	reply := dispatch(t, bus, "customer-db", schema.AdapterRequest{
		Operation: "sql_query",
		Params:    map[string]any{"query": "SELECT id FROM users"},
		RequestID: "req-1",
	})
	assert.Equal(t, "success", reply.Status)
	assert.Equal(t, "req-1", reply.RequestID)
	data, ok := reply.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "SELECT id FROM users", data["echo"])
}

func TestWorkerUnknownOperation(t *testing.T) {
	bus := transport.NewMemoryBus()
	defer bus.Close()

	exec := adapter.NewCannedExecutor(map[string]any{
		"sql_query":  "ok",
		"get_schema": "ok",
	})
	startWorker(t, bus, exec, adapter.WorkerConfig{KBID: "customer-db"})

	reply := dispatch(t, bus, "customer-db", schema.AdapterRequest{Operation: "drop_everything"})
	assert.Equal(t, "error", reply.Status)
	assert.Contains(t, reply.Error, `unknown operation "drop_everything"`)
	assert.Contains(t, reply.Error, "get_schema, sql_query")
}

func TestWorkerHandlerError(t *testing.T) {
	bus := transport.NewMemoryBus()
	defer bus.Close()

	exec := adapter.NewStaticExecutor(map[string]adapter.Handler{
		"sql_query": func(context.Context, map[string]any) (any, error) {
			return nil, errors.New("relation \"users\" does not exist")
		},
	})
	startWorker(t, bus, exec, adapter.WorkerConfig{KBID: "customer-db"})

	reply := dispatch(t, bus, "customer-db", schema.AdapterRequest{Operation: "sql_query"})
	assert.Equal(t, "error", reply.Status)
	assert.Contains(t, reply.Error, "does not exist")
	assert.Nil(t, reply.Data)
}

func TestWorkerTimeout(t *testing.T) {
	bus := transport.NewMemoryBus()
	defer bus.Close()

	exec := adapter.NewStaticExecutor(map[string]adapter.Handler{
		"sql_query": func(ctx context.Context, _ map[string]any) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	startWorker(t, bus, exec, adapter.WorkerConfig{
		KBID:    "slow-db",
		Timeout: 50 * time.Millisecond,
	})

	reply := dispatch(t, bus, "slow-db", schema.AdapterRequest{Operation: "sql_query"})
	assert.Equal(t, "error", reply.Status)
	assert.Contains(t, reply.Error, "timed out")
}

func TestWorkerMalformedPayload(t *testing.T) {
	bus := transport.NewMemoryBus()
	defer bus.Close()

	exec := adapter.NewCannedExecutor(map[string]any{"sql_query": "ok"})
	startWorker(t, bus, exec, adapter.WorkerConfig{KBID: "customer-db"})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	raw, err := bus.Request(ctx, schema.SubjectAdapterQuery("customer-db"), []byte("{not json"))
	require.NoError(t, err)

	var reply schema.AdapterReply
	require.NoError(t, json.Unmarshal(raw, &reply))
	assert.Equal(t, "error", reply.Status)
	assert.Contains(t, reply.Error, "invalid request payload")
}

func TestWorkerQueueGroupSingleDelivery(t *testing.T) {
	bus := transport.NewMemoryBus()
	defer bus.Close()

	handled := make(chan string, 2)
	mkExec := func(name string) adapter.Executor {
		return adapter.NewStaticExecutor(map[string]adapter.Handler{
			"sql_query": func(context.Context, map[string]any) (any, error) {
				handled <- name
				return "ok", nil
			},
		})
	}
	startWorker(t, bus, mkExec("w1"), adapter.WorkerConfig{KBID: "shared-db"})
	startWorker(t, bus, mkExec("w2"), adapter.WorkerConfig{KBID: "shared-db"})

	reply := dispatch(t, bus, "shared-db", schema.AdapterRequest{Operation: "sql_query"})
	assert.Equal(t, "success", reply.Status)

	select {
	case <-handled:
	case <-time.After(time.Second):
		t.Fatal("no worker handled the request")
	}
	select {
	case name := <-handled:
		t.Fatalf("request delivered to a second worker: %s", name)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNewWorkerValidation(t *testing.T) {
	bus := transport.NewMemoryBus()
	defer bus.Close()

	_, err := adapter.NewWorker(bus, adapter.NewCannedExecutor(map[string]any{"x": 1}), adapter.WorkerConfig{})
	assert.Error(t, err)

	_, err = adapter.NewWorker(bus, adapter.NewStaticExecutor(nil), adapter.WorkerConfig{KBID: "kb"})
	assert.Error(t, err)
}
