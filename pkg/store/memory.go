package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/agentmesh/mesh/pkg/schema"
)

// Memory is an in-process Store with the same semantics as SQLStore. It
// backs tests and ephemeral single-node brokers.
type Memory struct {
	mu       sync.RWMutex
	agents   map[string]*schema.AgentRecord
	kbs      map[string]*schema.KBRecord
	policies map[string]*schema.PolicyRecord
	audit    []*schema.AuditEvent
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		agents:   make(map[string]*schema.AgentRecord),
		kbs:      make(map[string]*schema.KBRecord),
		policies: make(map[string]*schema.PolicyRecord),
	}
}

func (m *Memory) Migrate(ctx context.Context) error { return nil }
func (m *Memory) Ping(ctx context.Context) error    { return nil }
func (m *Memory) Close() error                      { return nil }

// ---- agents ----

func (m *Memory) SaveAgent(ctx context.Context, rec *schema.AgentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[rec.AgentID]; ok {
		return fmt.Errorf("agent %s: %w", rec.AgentID, ErrDuplicate)
	}
	for _, existing := range m.agents {
		if existing.Identity == rec.Identity {
			return fmt.Errorf("agent %s: %w", rec.AgentID, ErrDuplicate)
		}
	}
	m.agents[rec.AgentID] = cloneAgent(rec)
	return nil
}

func (m *Memory) GetAgent(ctx context.Context, agentID string) (*schema.AgentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}
	return cloneAgent(rec), nil
}

func (m *Memory) ListAgents(ctx context.Context, filter schema.RegistryFilter) ([]*schema.AgentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*schema.AgentRecord
	for _, rec := range m.agents {
		if filter.Identity != "" && rec.Identity != filter.Identity {
			continue
		}
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		if !hasAll(rec.Capabilities, filter.Capabilities) {
			continue
		}
		out = append(out, cloneAgent(rec))
	}
	slices.SortFunc(out, func(a, b *schema.AgentRecord) int {
		return strings.Compare(a.AgentID, b.AgentID)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *Memory) UpdateAgentStatus(ctx context.Context, agentID string, status schema.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.agents[agentID]
	if !ok {
		return fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}
	rec.Status = status
	return nil
}

func (m *Memory) UpdateAgentHeartbeat(ctx context.Context, agentID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.agents[agentID]
	if !ok {
		return fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}
	t := at.UTC()
	rec.LastHeartbeat = &t
	return nil
}

func (m *Memory) UpdateAgentCapabilities(ctx context.Context, agentID string, capabilities, operations []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.agents[agentID]
	if !ok {
		return fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}
	rec.Capabilities = slices.Clone(capabilities)
	rec.Operations = slices.Clone(operations)
	return nil
}

func (m *Memory) DeleteAgent(ctx context.Context, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[agentID]; !ok {
		return fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}
	delete(m.agents, agentID)
	return nil
}

// ---- knowledge bases ----

func (m *Memory) SaveKB(ctx context.Context, rec *schema.KBRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.kbs[rec.KBID]; ok {
		return fmt.Errorf("knowledge base %s: %w", rec.KBID, ErrDuplicate)
	}
	m.kbs[rec.KBID] = cloneKB(rec)
	return nil
}

func (m *Memory) GetKB(ctx context.Context, kbID string) (*schema.KBRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.kbs[kbID]
	if !ok {
		return nil, fmt.Errorf("knowledge base %s: %w", kbID, ErrNotFound)
	}
	return cloneKB(rec), nil
}

func (m *Memory) ListKBs(ctx context.Context, filter schema.RegistryFilter) ([]*schema.KBRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*schema.KBRecord
	for _, rec := range m.kbs {
		if filter.KBID != "" && rec.KBID != filter.KBID {
			continue
		}
		if filter.KBType != "" && rec.KBType != filter.KBType {
			continue
		}
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		out = append(out, cloneKB(rec))
	}
	slices.SortFunc(out, func(a, b *schema.KBRecord) int {
		return strings.Compare(a.KBID, b.KBID)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *Memory) UpdateKBStatus(ctx context.Context, kbID string, status schema.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.kbs[kbID]
	if !ok {
		return fmt.Errorf("knowledge base %s: %w", kbID, ErrNotFound)
	}
	rec.Status = status
	return nil
}

func (m *Memory) UpdateKBHealthCheck(ctx context.Context, kbID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.kbs[kbID]
	if !ok {
		return fmt.Errorf("knowledge base %s: %w", kbID, ErrNotFound)
	}
	t := at.UTC()
	rec.LastHealthCheck = &t
	return nil
}

func (m *Memory) DeleteKB(ctx context.Context, kbID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.kbs[kbID]; !ok {
		return fmt.Errorf("knowledge base %s: %w", kbID, ErrNotFound)
	}
	delete(m.kbs, kbID)
	return nil
}

// ---- policies ----

func (m *Memory) SavePolicy(ctx context.Context, rec *schema.PolicyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *rec
	clone.Metadata = maps.Clone(rec.Metadata)
	m.policies[rec.PolicyID] = &clone
	return nil
}

func (m *Memory) GetPolicy(ctx context.Context, policyID string) (*schema.PolicyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.policies[policyID]
	if !ok {
		return nil, fmt.Errorf("policy %s: %w", policyID, ErrNotFound)
	}
	clone := *rec
	clone.Metadata = maps.Clone(rec.Metadata)
	return &clone, nil
}

func (m *Memory) ListPolicies(ctx context.Context) ([]*schema.PolicyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*schema.PolicyRecord, 0, len(m.policies))
	for _, rec := range m.policies {
		clone := *rec
		clone.Metadata = maps.Clone(rec.Metadata)
		out = append(out, &clone)
	}
	slices.SortFunc(out, func(a, b *schema.PolicyRecord) int {
		if a.Precedence != b.Precedence {
			return b.Precedence - a.Precedence
		}
		return strings.Compare(a.PolicyID, b.PolicyID)
	})
	return out, nil
}

func (m *Memory) DeletePolicy(ctx context.Context, policyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.policies[policyID]; !ok {
		return fmt.Errorf("policy %s: %w", policyID, ErrNotFound)
	}
	delete(m.policies, policyID)
	return nil
}

// ---- audit ----

func (m *Memory) AppendAudit(ctx context.Context, ev *schema.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.audit {
		if existing.ID == ev.ID {
			return fmt.Errorf("audit event %s: %w", ev.ID, ErrDuplicate)
		}
	}
	m.audit = append(m.audit, cloneAudit(ev))
	return nil
}

func (m *Memory) LastAudit(ctx context.Context) (*schema.AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.audit) == 0 {
		return nil, nil
	}
	return cloneAudit(m.audit[len(m.audit)-1]), nil
}

func (m *Memory) QueryAudit(ctx context.Context, filter schema.AuditFilter) ([]*schema.AuditEvent, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*schema.AuditEvent
	for _, ev := range m.audit {
		if filter.EventType != "" && ev.EventType != filter.EventType {
			continue
		}
		if filter.SourceID != "" && ev.SourceID != filter.SourceID {
			continue
		}
		if filter.TargetID != "" && ev.TargetID != filter.TargetID {
			continue
		}
		if filter.Outcome != "" && ev.Outcome != filter.Outcome {
			continue
		}
		if filter.StartTime != nil && ev.Timestamp.Before(*filter.StartTime) {
			continue
		}
		if filter.EndTime != nil && ev.Timestamp.After(*filter.EndTime) {
			continue
		}
		matched = append(matched, ev)
	}

	total := len(matched)
	if filter.Limit == 0 {
		return nil, total, nil
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}

	out := make([]*schema.AuditEvent, len(matched))
	for i, ev := range matched {
		out[i] = cloneAudit(ev)
	}
	return out, total, nil
}

func (m *Memory) AuditStats(ctx context.Context) (*AuditStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &AuditStats{
		TotalEntries: len(m.audit),
		ByEventType:  make(map[string]int),
		ByOutcome:    make(map[string]int),
	}
	for _, ev := range m.audit {
		stats.ByEventType[string(ev.EventType)]++
		stats.ByOutcome[string(ev.Outcome)]++
		ts := ev.Timestamp
		if stats.Earliest == nil || ts.Before(*stats.Earliest) {
			t := ts
			stats.Earliest = &t
		}
		if stats.Latest == nil || ts.After(*stats.Latest) {
			t := ts
			stats.Latest = &t
		}
	}
	return stats, nil
}

// ---- clones ----

func cloneAgent(rec *schema.AgentRecord) *schema.AgentRecord {
	clone := *rec
	clone.Capabilities = slices.Clone(rec.Capabilities)
	clone.Operations = slices.Clone(rec.Operations)
	clone.Schemas = maps.Clone(rec.Schemas)
	clone.Metadata = maps.Clone(rec.Metadata)
	if rec.LastHeartbeat != nil {
		t := *rec.LastHeartbeat
		clone.LastHeartbeat = &t
	}
	return &clone
}

func cloneKB(rec *schema.KBRecord) *schema.KBRecord {
	clone := *rec
	clone.Operations = slices.Clone(rec.Operations)
	clone.KBSchema = maps.Clone(rec.KBSchema)
	clone.Credentials = maps.Clone(rec.Credentials)
	clone.Metadata = maps.Clone(rec.Metadata)
	if rec.LastHealthCheck != nil {
		t := *rec.LastHealthCheck
		clone.LastHealthCheck = &t
	}
	return &clone
}

func cloneAudit(ev *schema.AuditEvent) *schema.AuditEvent {
	clone := *ev
	clone.RequestMetadata = maps.Clone(ev.RequestMetadata)
	clone.PolicyDecision = maps.Clone(ev.PolicyDecision)
	clone.MaskedFields = slices.Clone(ev.MaskedFields)
	clone.ProvenanceChain = slices.Clone(ev.ProvenanceChain)
	return &clone
}
