package audit_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/mesh/pkg/audit"
	"github.com/agentmesh/mesh/pkg/schema"
	"github.com/agentmesh/mesh/pkg/store"
)

// flakyStore fails audit appends on demand so tests can exercise the
// fail-closed path.
type flakyStore struct {
	*store.Memory
	fail bool
}

func (f *flakyStore) AppendAudit(ctx context.Context, ev *schema.AuditEvent) error {
	if f.fail {
		return errors.New("disk full")
	}
	return f.Memory.AppendAudit(ctx, ev)
}

func TestRecordAdvancesChain(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	logger, err := audit.NewLogger(ctx, st, audit.Config{})
	require.NoError(t, err)
	assert.Equal(t, "genesis", logger.ChainHead())

	first, err := logger.Record(ctx, audit.Entry{
		EventType: schema.EventQuery,
		SourceID:  "analytics-agent",
		TargetID:  "customer-db",
		Outcome:   schema.OutcomeSuccess,
		PolicyDecision: map[string]any{
			"allow": true, "policy_version": "v42",
		},
		MaskedFields: []string{"ssn"},
	})
	require.NoError(t, err)
	require.Len(t, first.ProvenanceChain, 2)
	assert.Equal(t, "genesis", first.ProvenanceChain[0])
	assert.True(t, strings.HasPrefix(first.ProvenanceChain[1], "sha256:"))
	assert.NotEmpty(t, first.ID)
	assert.False(t, first.Timestamp.IsZero())
	assert.Equal(t, first.ProvenanceChain[1], logger.ChainHead())

	second, err := logger.Record(ctx, audit.Entry{
		EventType: schema.EventInvoke,
		SourceID:  "analytics-agent",
		TargetID:  "report-agent",
		Outcome:   schema.OutcomeDenied,
	})
	require.NoError(t, err)
	assert.Equal(t, first.ProvenanceChain[1], second.ProvenanceChain[0])
	assert.NotEqual(t, first.ProvenanceChain[1], second.ProvenanceChain[1])
	assert.Equal(t, second.ProvenanceChain[1], logger.ChainHead())
}

func TestVerifyChain(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	logger, err := audit.NewLogger(ctx, st, audit.Config{})
	require.NoError(t, err)
	for _, outcome := range []schema.Outcome{
		schema.OutcomeSuccess, schema.OutcomeDenied, schema.OutcomeError,
	} {
		_, err := logger.Record(ctx, audit.Entry{
			EventType: schema.EventQuery,
			SourceID:  "analytics-agent",
			Outcome:   outcome,
		})
		require.NoError(t, err)
	}
	require.NoError(t, logger.VerifyChain(ctx))

	events, _, err := st.QueryAudit(ctx, schema.AuditFilter{Limit: -1})
	require.NoError(t, err)
	require.Len(t, events, 3)

	t.Run("tampered entry", func(t *testing.T) {
		tampered := store.NewMemory()
		for i, ev := range events {
			copied := *ev
			if i == 1 {
				copied.Outcome = schema.OutcomeSuccess
			}
			require.NoError(t, tampered.AppendAudit(ctx, &copied))
		}
		vl, err := audit.NewLogger(ctx, tampered, audit.Config{})
		require.NoError(t, err)
		err = vl.VerifyChain(ctx)
		require.ErrorIs(t, err, audit.ErrChainBroken)
		assert.Contains(t, err.Error(), "hash mismatch")
	})

	t.Run("broken link", func(t *testing.T) {
		tampered := store.NewMemory()
		for i, ev := range events {
			copied := *ev
			if i == 2 {
				copied.ProvenanceChain = []string{"sha256:bogus", ev.ProvenanceChain[1]}
			}
			require.NoError(t, tampered.AppendAudit(ctx, &copied))
		}
		vl, err := audit.NewLogger(ctx, tampered, audit.Config{})
		require.NoError(t, err)
		require.ErrorIs(t, vl.VerifyChain(ctx), audit.ErrChainBroken)
	})

	t.Run("deleted entry", func(t *testing.T) {
		tampered := store.NewMemory()
		for i, ev := range events {
			if i == 1 {
				continue
			}
			copied := *ev
			require.NoError(t, tampered.AppendAudit(ctx, &copied))
		}
		vl, err := audit.NewLogger(ctx, tampered, audit.Config{})
		require.NoError(t, err)
		require.ErrorIs(t, vl.VerifyChain(ctx), audit.ErrChainBroken)
	})
}

func TestRecordStoreFailureLeavesChain(t *testing.T) {
	ctx := context.Background()
	fs := &flakyStore{Memory: store.NewMemory(), fail: true}

	logger, err := audit.NewLogger(ctx, fs, audit.Config{})
	require.NoError(t, err)

	_, err = logger.Record(ctx, audit.Entry{
		EventType: schema.EventQuery,
		SourceID:  "analytics-agent",
		Outcome:   schema.OutcomeSuccess,
	})
	require.Error(t, err)
	assert.Equal(t, "genesis", logger.ChainHead())

	fs.fail = false
	ev, err := logger.Record(ctx, audit.Entry{
		EventType: schema.EventQuery,
		SourceID:  "analytics-agent",
		Outcome:   schema.OutcomeSuccess,
	})
	require.NoError(t, err)
	assert.Equal(t, "genesis", ev.ProvenanceChain[0])
	require.NoError(t, logger.VerifyChain(ctx))
}

func TestHeavyPayloadCapture(t *testing.T) {
	ctx := context.Background()
	request := map[string]any{"operation": "sql_query", "parameters": map[string]any{"q": "SELECT 1"}}

	t.Run("off by default", func(t *testing.T) {
		logger, err := audit.NewLogger(ctx, store.NewMemory(), audit.Config{})
		require.NoError(t, err)
		ev, err := logger.Record(ctx, audit.Entry{
			EventType:   schema.EventQuery,
			SourceID:    "analytics-agent",
			Outcome:     schema.OutcomeSuccess,
			FullRequest: request,
		})
		require.NoError(t, err)
		assert.Nil(t, ev.FullRequest)
	})

	t.Run("captured when enabled", func(t *testing.T) {
		logger, err := audit.NewLogger(ctx, store.NewMemory(), audit.Config{HeavyPayloads: true})
		require.NoError(t, err)
		ev, err := logger.Record(ctx, audit.Entry{
			EventType:    schema.EventQuery,
			SourceID:     "analytics-agent",
			Outcome:      schema.OutcomeSuccess,
			FullRequest:  request,
			FullResponse: []any{map[string]any{"name": "***"}},
		})
		require.NoError(t, err)
		assert.Equal(t, request, ev.FullRequest)
		assert.Equal(t, []any{map[string]any{"name": "***"}}, ev.FullResponse)
	})

	t.Run("oversized becomes marker", func(t *testing.T) {
		logger, err := audit.NewLogger(ctx, store.NewMemory(), audit.Config{
			HeavyPayloads:   true,
			MaxPayloadBytes: 16,
		})
		require.NoError(t, err)
		ev, err := logger.Record(ctx, audit.Entry{
			EventType:   schema.EventQuery,
			SourceID:    "analytics-agent",
			Outcome:     schema.OutcomeSuccess,
			FullRequest: request,
		})
		require.NoError(t, err)
		marker, ok := ev.FullRequest.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, true, marker["truncated"])
		assert.Greater(t, marker["size_bytes"], 16)
	})

	t.Run("unserializable becomes marker", func(t *testing.T) {
		logger, err := audit.NewLogger(ctx, store.NewMemory(), audit.Config{HeavyPayloads: true})
		require.NoError(t, err)
		ev, err := logger.Record(ctx, audit.Entry{
			EventType:    schema.EventQuery,
			SourceID:     "analytics-agent",
			Outcome:      schema.OutcomeError,
			FullResponse: make(chan int),
		})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"unserializable": true}, ev.FullResponse)
	})
}

func TestNewLoggerReanchors(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	first, err := audit.NewLogger(ctx, st, audit.Config{})
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err := first.Record(ctx, audit.Entry{
			EventType: schema.EventRegister,
			SourceID:  "analytics-agent",
			Outcome:   schema.OutcomeSuccess,
		})
		require.NoError(t, err)
	}
	head := first.ChainHead()

	// A fresh logger over the same store continues the chain.
	second, err := audit.NewLogger(ctx, st, audit.Config{})
	require.NoError(t, err)
	assert.Equal(t, head, second.ChainHead())

	ev, err := second.Record(ctx, audit.Entry{
		EventType: schema.EventQuery,
		SourceID:  "analytics-agent",
		Outcome:   schema.OutcomeSuccess,
	})
	require.NoError(t, err)
	assert.Equal(t, head, ev.ProvenanceChain[0])
	require.NoError(t, second.VerifyChain(ctx))
}
