package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "agentmesh-broker", config.ServiceName)
	require.Equal(t, "1.0.0", config.ServiceVersion)
	require.Equal(t, "development", config.Environment)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.Equal(t, 1.0, config.SampleRate)
	require.False(t, config.Enabled)
	require.False(t, config.Insecure)
}

func TestNewProviderDisabled(t *testing.T) {
	config := &Config{
		Enabled: false,
	}

	p, err := New(context.Background(), config)
	require.NoError(t, err)
	require.NotNil(t, p)

	// Should not fail even when disabled
	tracer := p.Tracer()
	require.NotNil(t, tracer)

	meter := p.Meter()
	require.NotNil(t, meter)
}

func TestNewProviderWithNilConfig(t *testing.T) {
	p, err := New(context.Background(), nil)
	require.NoError(t, err)
	require.NotNil(t, p)
}

func TestDisabledProviderIsSafe(t *testing.T) {
	p := Disabled()
	require.NotNil(t, p)

	ctx, finish := p.TrackOperation(context.Background(), "noop.operation")
	require.NotNil(t, ctx)
	finish(nil)

	AddSpanEvent(ctx, "noop.event", attribute.String("k", "v"))
}

func TestTrackOperation(t *testing.T) {
	config := &Config{
		Enabled: false,
	}

	p, err := New(context.Background(), config)
	require.NoError(t, err)

	ctx := context.Background()
	attrs := []attribute.KeyValue{
		attribute.String("test.key", "test.value"),
	}

	newCtx, finish := p.TrackOperation(ctx, "test.operation", attrs...)
	require.NotNil(t, newCtx)

	// Simulate some work
	time.Sleep(1 * time.Millisecond)

	// Call finish without error
	finish(nil)
}

func TestTrackOperationWithError(t *testing.T) {
	config := &Config{
		Enabled: false,
	}

	p, err := New(context.Background(), config)
	require.NoError(t, err)

	ctx := context.Background()
	_, finish := p.TrackOperation(ctx, "test.operation.error")

	// Call finish with error
	testErr := errors.New("test error")
	finish(testErr)

	// Should not panic
}

func TestRecordMetrics(t *testing.T) {
	config := &Config{
		Enabled: false,
	}

	p, err := New(context.Background(), config)
	require.NoError(t, err)

	ctx := context.Background()

	// These should not panic when provider is disabled
	p.RecordRequest(ctx, attribute.String("test", "value"))
	p.RecordError(ctx, errors.New("test"), attribute.String("test", "value"))
	p.RecordDuration(ctx, 100*time.Millisecond, attribute.String("test", "value"))
}

func TestStartSpan(t *testing.T) {
	config := &Config{
		Enabled: false,
	}

	p, err := New(context.Background(), config)
	require.NoError(t, err)

	ctx := context.Background()
	newCtx, span := p.StartSpan(ctx, "test.span")
	require.NotNil(t, newCtx)
	require.NotNil(t, span)

	span.End()
}

func TestShutdown(t *testing.T) {
	config := &Config{
		Enabled: false,
	}

	p, err := New(context.Background(), config)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = p.Shutdown(ctx)
	require.NoError(t, err)
}

// Test mesh-specific helpers

func TestQueryOperation(t *testing.T) {
	attrs := QueryOperation("analytics-agent-001", "customer-db-kb-001", "sql_query")
	require.Len(t, attrs, 3)
	require.Equal(t, "mesh.agent.id", string(attrs[0].Key))
	require.Equal(t, "analytics-agent-001", attrs[0].Value.AsString())
	require.Equal(t, "mesh.kb.id", string(attrs[1].Key))
}

func TestInvokeOperation(t *testing.T) {
	attrs := InvokeOperation("orchestrator-001", "worker-002", "execute")
	require.Len(t, attrs, 3)
	require.Equal(t, "mesh.target.id", string(attrs[1].Key))
	require.Equal(t, "worker-002", attrs[1].Value.AsString())
}

func TestPolicyEvaluation(t *testing.T) {
	attrs := PolicyEvaluation("allow", "v1.2.0", 1.5, 2)
	require.Len(t, attrs, 4)
	require.Equal(t, "mesh.policy.decision", string(attrs[0].Key))
	require.Equal(t, "allow", attrs[0].Value.AsString())
	require.Equal(t, int64(2), attrs[3].Value.AsInt64())
}

func TestAuditWrite(t *testing.T) {
	attrs := AuditWrite("query", "denied")
	require.Len(t, attrs, 2)
	require.Equal(t, "mesh.audit.outcome", string(attrs[1].Key))
	require.Equal(t, "denied", attrs[1].Value.AsString())
}
