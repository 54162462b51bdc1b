// Package audit writes the mesh's tamper-evident audit log. Every governed
// event lands here exactly once before its reply goes out; entries are hash
// chained so any later mutation or deletion of a row breaks verification.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/mesh/pkg/canonicalize"
	"github.com/agentmesh/mesh/pkg/schema"
	"github.com/agentmesh/mesh/pkg/store"
)

// ErrChainBroken is returned by VerifyChain when the stored log does not
// replay to the same hashes.
var ErrChainBroken = errors.New("audit chain is broken")

// genesisHash seeds the chain before the first entry.
const genesisHash = "genesis"

// DefaultMaxPayloadBytes caps heavy request and response payloads.
const DefaultMaxPayloadBytes = 64 * 1024

// Config controls payload capture.
type Config struct {
	// HeavyPayloads stores full request and response bodies alongside the
	// event. Off by default; the decision and masked-field list are always
	// kept.
	HeavyPayloads bool

	// MaxPayloadBytes truncates heavy payloads above this serialized size.
	// Zero means DefaultMaxPayloadBytes.
	MaxPayloadBytes int
}

// Entry is one governed event to record. Payloads must already be masked;
// the logger stores what it is given.
type Entry struct {
	EventType       schema.EventType
	SourceID        string
	TargetID        string
	Outcome         schema.Outcome
	RequestMetadata map[string]any
	PolicyDecision  map[string]any
	MaskedFields    []string
	FullRequest     any
	FullResponse    any
}

// Logger appends hash-chained audit events to the store. Record serializes
// writers so the chain stays linear.
type Logger struct {
	store  store.Store
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	chainHead string
}

// NewLogger builds a Logger anchored on the store's current chain head, so
// the chain continues across restarts.
func NewLogger(ctx context.Context, st store.Store, cfg Config) (*Logger, error) {
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = DefaultMaxPayloadBytes
	}

	head := genesisHash
	last, err := st.LastAudit(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load audit chain head: %w", err)
	}
	if last != nil && len(last.ProvenanceChain) == 2 {
		head = last.ProvenanceChain[1]
	}

	return &Logger{
		store:     st,
		cfg:       cfg,
		logger:    slog.Default().With("component", "audit"),
		chainHead: head,
	}, nil
}

// Record appends one event and returns it with identity and chain filled
// in. A storage failure leaves the chain head untouched and surfaces to the
// caller, which must not report success for the governed operation.
func (l *Logger) Record(ctx context.Context, e Entry) (*schema.AuditEvent, error) {
	ev := &schema.AuditEvent{
		ID:              uuid.New().String(),
		EventType:       e.EventType,
		SourceID:        e.SourceID,
		TargetID:        e.TargetID,
		Outcome:         e.Outcome,
		Timestamp:       time.Now().UTC(),
		RequestMetadata: e.RequestMetadata,
		PolicyDecision:  e.PolicyDecision,
		MaskedFields:    e.MaskedFields,
		FullRequest:     l.capturePayload(e.FullRequest),
		FullResponse:    l.capturePayload(e.FullResponse),
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	hash, err := entryHash(ev, l.chainHead)
	if err != nil {
		return nil, fmt.Errorf("failed to hash audit entry: %w", err)
	}
	ev.ProvenanceChain = []string{l.chainHead, hash}

	if err := l.store.AppendAudit(ctx, ev); err != nil {
		l.logger.Error("audit append failed",
			"event_type", ev.EventType, "source_id", ev.SourceID, "error", err)
		return nil, err
	}

	l.chainHead = hash
	return ev, nil
}

// ChainHead returns the hash of the most recent entry.
func (l *Logger) ChainHead() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.chainHead
}

// VerifyChain replays the stored log and recomputes every link.
func (l *Logger) VerifyChain(ctx context.Context) error {
	events, _, err := l.store.QueryAudit(ctx, schema.AuditFilter{Limit: -1})
	if err != nil {
		return fmt.Errorf("failed to read audit log: %w", err)
	}

	expectedPrev := genesisHash
	for i, ev := range events {
		if len(ev.ProvenanceChain) != 2 {
			return fmt.Errorf("%w: entry %d has malformed provenance", ErrChainBroken, i)
		}
		if ev.ProvenanceChain[0] != expectedPrev {
			return fmt.Errorf("%w: entry %d links to %s, expected %s",
				ErrChainBroken, i, ev.ProvenanceChain[0], expectedPrev)
		}
		computed, err := entryHash(ev, ev.ProvenanceChain[0])
		if err != nil {
			return fmt.Errorf("%w: entry %d hash computation failed: %v", ErrChainBroken, i, err)
		}
		if computed != ev.ProvenanceChain[1] {
			return fmt.Errorf("%w: entry %d hash mismatch (computed %s, stored %s)",
				ErrChainBroken, i, computed, ev.ProvenanceChain[1])
		}
		expectedPrev = ev.ProvenanceChain[1]
	}
	return nil
}

// capturePayload applies the heavy-payload policy: drop when capture is
// off, keep when small, replace with a size marker when oversized.
func (l *Logger) capturePayload(v any) any {
	if v == nil || !l.cfg.HeavyPayloads {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return map[string]any{"unserializable": true}
	}
	if len(b) > l.cfg.MaxPayloadBytes {
		return map[string]any{"truncated": true, "size_bytes": len(b)}
	}
	return v
}

// entryHash fingerprints the chained subset of an event. Heavy payloads
// stay outside the hash; their presence varies by configuration, the chain
// must not.
func entryHash(ev *schema.AuditEvent, previous string) (string, error) {
	hashable := struct {
		ID             string         `json:"id"`
		EventType      string         `json:"event_type"`
		SourceID       string         `json:"source_id"`
		TargetID       string         `json:"target_id"`
		Outcome        string         `json:"outcome"`
		Timestamp      string         `json:"timestamp"`
		PolicyDecision map[string]any `json:"policy_decision"`
		MaskedFields   []string       `json:"masked_fields"`
		PreviousHash   string         `json:"previous_hash"`
	}{
		ID:             ev.ID,
		EventType:      string(ev.EventType),
		SourceID:       ev.SourceID,
		TargetID:       ev.TargetID,
		Outcome:        string(ev.Outcome),
		Timestamp:      ev.Timestamp.UTC().Format(time.RFC3339Nano),
		PolicyDecision: ev.PolicyDecision,
		MaskedFields:   ev.MaskedFields,
		PreviousHash:   previous,
	}
	return canonicalize.Fingerprint(hashable)
}
