// Package schema defines the record shapes, wire messages, and error codes
// shared by every mesh component. All records are JSON-serializable; the
// JSON tags below are the normative field names on the wire and in storage.
package schema

import "time"

// Status is the health status of an agent or knowledge base.
type Status string

const (
	StatusActive   Status = "active"
	StatusDegraded Status = "degraded"
	StatusOffline  Status = "offline"
)

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusDegraded, StatusOffline:
		return true
	}
	return false
}

// EventType classifies audit events.
type EventType string

const (
	EventRegister       EventType = "register"
	EventQuery          EventType = "query"
	EventInvoke         EventType = "invoke"
	EventPolicyDecision EventType = "policy_decision"
)

// Outcome is the terminal result of a governed operation.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeDenied  Outcome = "denied"
	OutcomeError   Outcome = "error"
)

// AgentRecord is a registered agent as stored in the registry.
type AgentRecord struct {
	AgentID        string         `json:"agent_id"`
	Identity       string         `json:"identity"`
	Version        string         `json:"version"`
	Capabilities   []string       `json:"capabilities"`
	Operations     []string       `json:"operations"`
	Schemas        map[string]any `json:"schemas,omitempty"`
	HealthEndpoint string         `json:"health_endpoint"`
	Status         Status         `json:"status"`
	RegisteredAt   time.Time      `json:"registered_at"`
	LastHeartbeat  *time.Time     `json:"last_heartbeat,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// KBRecord is a registered knowledge base. Credentials are stored opaque
// and must never appear in directory replies or update events.
type KBRecord struct {
	KBID            string         `json:"kb_id"`
	KBType          string         `json:"kb_type"`
	Endpoint        string         `json:"endpoint"`
	Operations      []string       `json:"operations"`
	KBSchema        map[string]any `json:"kb_schema,omitempty"`
	Credentials     map[string]any `json:"credentials,omitempty"`
	Status          Status         `json:"status"`
	RegisteredAt    time.Time      `json:"registered_at"`
	LastHealthCheck *time.Time     `json:"last_health_check,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Public returns a copy of the record with credentials removed, safe for
// directory replies and update events.
func (k KBRecord) Public() KBRecord {
	k.Credentials = nil
	return k
}

// PolicyRecord is a stored policy document. Body is opaque policy-language
// text owned by the external evaluator; precedence and active are broker
// metadata. Lower precedence sorts first.
type PolicyRecord struct {
	PolicyID   string         `json:"policy_id"`
	Body       string         `json:"body"`
	Precedence int            `json:"precedence"`
	Active     bool           `json:"active"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// AuditEvent is one append-only audit row. Heavy fields (FullRequest,
// FullResponse) are opt-in; FullResponse is stored post-masking only.
// ProvenanceChain is [previous_hash, entry_hash] for the tamper-evidence
// chain; it is assigned by the audit writer, never by callers.
type AuditEvent struct {
	ID              string         `json:"id"`
	EventType       EventType      `json:"event_type"`
	SourceID        string         `json:"source_id"`
	TargetID        string         `json:"target_id,omitempty"`
	Outcome         Outcome        `json:"outcome"`
	Timestamp       time.Time      `json:"timestamp"`
	RequestMetadata map[string]any `json:"request_metadata,omitempty"`
	PolicyDecision  map[string]any `json:"policy_decision,omitempty"`
	MaskedFields    []string       `json:"masked_fields,omitempty"`
	FullRequest     any            `json:"full_request,omitempty"`
	FullResponse    any            `json:"full_response,omitempty"`
	ProvenanceChain []string       `json:"provenance_chain,omitempty"`
}

// RegistryFilter narrows registry list operations.
type RegistryFilter struct {
	Identity     string   `json:"identity,omitempty"`
	KBID         string   `json:"kb_id,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	KBType       string   `json:"kb_type,omitempty"`
	Status       Status   `json:"status,omitempty"`
	Limit        int      `json:"limit"`
}

// AuditFilter narrows audit queries. A nil time bound is open-ended.
type AuditFilter struct {
	EventType EventType  `json:"event_type,omitempty"`
	SourceID  string     `json:"source_id,omitempty"`
	TargetID  string     `json:"target_id,omitempty"`
	Outcome   Outcome    `json:"outcome,omitempty"`
	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	Limit     int        `json:"limit"`
}

// DefaultQueryLimit is applied at the transport boundary when a request
// omits limit. An explicit limit of zero is honored as zero rows; the
// reply still carries the real total_count.
const DefaultQueryLimit = 100
