// Package store implements the mesh's persistence layer: registered agents
// and knowledge bases, policy records, and the append-only audit log. The
// SQL implementation runs on SQLite for single-node deployments and
// PostgreSQL for shared ones; Memory backs tests and ephemeral brokers.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/agentmesh/mesh/pkg/schema"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicate is returned when an insert collides with an existing
	// primary key.
	ErrDuplicate = errors.New("record already exists")
)

// AuditStats summarizes the audit log for reporting.
type AuditStats struct {
	TotalEntries int            `json:"total_entries"`
	ByEventType  map[string]int `json:"by_event_type"`
	ByOutcome    map[string]int `json:"by_outcome"`
	Earliest     *time.Time     `json:"earliest,omitempty"`
	Latest       *time.Time     `json:"latest,omitempty"`
}

// Store is the persistence surface the mesh services run on.
type Store interface {
	// Migrate brings the schema up to date. Idempotent.
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	SaveAgent(ctx context.Context, rec *schema.AgentRecord) error
	GetAgent(ctx context.Context, agentID string) (*schema.AgentRecord, error)
	ListAgents(ctx context.Context, filter schema.RegistryFilter) ([]*schema.AgentRecord, error)
	UpdateAgentStatus(ctx context.Context, agentID string, status schema.Status) error
	UpdateAgentHeartbeat(ctx context.Context, agentID string, at time.Time) error
	UpdateAgentCapabilities(ctx context.Context, agentID string, capabilities, operations []string) error
	DeleteAgent(ctx context.Context, agentID string) error

	SaveKB(ctx context.Context, rec *schema.KBRecord) error
	GetKB(ctx context.Context, kbID string) (*schema.KBRecord, error)
	ListKBs(ctx context.Context, filter schema.RegistryFilter) ([]*schema.KBRecord, error)
	UpdateKBStatus(ctx context.Context, kbID string, status schema.Status) error
	UpdateKBHealthCheck(ctx context.Context, kbID string, at time.Time) error
	DeleteKB(ctx context.Context, kbID string) error

	// SavePolicy upserts by policy ID.
	SavePolicy(ctx context.Context, rec *schema.PolicyRecord) error
	GetPolicy(ctx context.Context, policyID string) (*schema.PolicyRecord, error)
	ListPolicies(ctx context.Context) ([]*schema.PolicyRecord, error)
	DeletePolicy(ctx context.Context, policyID string) error

	// AppendAudit inserts an audit event. There is deliberately no update
	// or delete for audit rows.
	AppendAudit(ctx context.Context, ev *schema.AuditEvent) error

	// LastAudit returns the most recently appended event, or nil when the
	// log is empty. It anchors hash chaining across restarts.
	LastAudit(ctx context.Context) (*schema.AuditEvent, error)

	// QueryAudit returns matching events in append order plus the total
	// match count before limit and offset were applied.
	QueryAudit(ctx context.Context, filter schema.AuditFilter) ([]*schema.AuditEvent, int, error)

	AuditStats(ctx context.Context) (*AuditStats, error)
}

// Open selects a backend from the DSN: postgres URLs and key=value
// connection strings get PostgreSQL, anything else is treated as a SQLite
// path.
func Open(dsn string) (Store, error) {
	if isPostgresDSN(dsn) {
		return OpenPostgres(dsn)
	}
	return OpenSQLite(dsn)
}

func isPostgresDSN(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") ||
		strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=")
}
