package schema

import "time"

// AgentRegistration is the request body on mesh.registry.agent.register.
type AgentRegistration struct {
	Identity       string         `json:"identity"`
	Version        string         `json:"version"`
	Capabilities   []string       `json:"capabilities"`
	Operations     []string       `json:"operations"`
	Schemas        map[string]any `json:"schemas,omitempty"`
	HealthEndpoint string         `json:"health_endpoint"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	RequestID      string         `json:"request_id,omitempty"`
}

// AgentRegistered is the success reply to an agent registration.
type AgentRegistered struct {
	AgentID      string    `json:"agent_id"`
	Identity     string    `json:"identity"`
	Version      string    `json:"version"`
	Status       Status    `json:"status"`
	RegisteredAt time.Time `json:"registered_at"`
	RequestID    string    `json:"request_id,omitempty"`
}

// KBRegistration is the request body on mesh.registry.kb.register.
type KBRegistration struct {
	KBID        string         `json:"kb_id"`
	KBType      string         `json:"kb_type"`
	Endpoint    string         `json:"endpoint"`
	Operations  []string       `json:"operations"`
	KBSchema    map[string]any `json:"kb_schema,omitempty"`
	Credentials map[string]any `json:"credentials,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	RequestID   string         `json:"request_id,omitempty"`
}

// KBRegistered is the success reply to a KB registration.
type KBRegistered struct {
	KBID         string    `json:"kb_id"`
	Status       Status    `json:"status"`
	RegisteredAt time.Time `json:"registered_at"`
	RequestID    string    `json:"request_id,omitempty"`
}

// DeregisterRequest removes an agent (by identity) or KB (by kb_id).
type DeregisterRequest struct {
	Identity  string `json:"identity,omitempty"`
	KBID      string `json:"kb_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// HeartbeatRequest refreshes an agent's last_heartbeat timestamp.
type HeartbeatRequest struct {
	Identity  string `json:"identity"`
	RequestID string `json:"request_id,omitempty"`
}

// CapabilitiesUpdate replaces an agent's advertised capability list.
type CapabilitiesUpdate struct {
	Identity     string   `json:"identity"`
	Capabilities []string `json:"capabilities"`
	RequestID    string   `json:"request_id,omitempty"`
}

// CapabilitiesUpdated is the success reply to a capabilities update.
type CapabilitiesUpdated struct {
	AgentID      string   `json:"agent_id"`
	Identity     string   `json:"identity"`
	Capabilities []string `json:"capabilities"`
	RequestID    string   `json:"request_id,omitempty"`
}

// Ack is the minimal success reply for operations with no payload.
type Ack struct {
	Status    string `json:"status"`
	RequestID string `json:"request_id,omitempty"`
}

// DirectoryQuery is the request body on mesh.directory.query. Type selects
// "agents", "kbs", or both when empty. Limit nil means the default; an
// explicit zero returns no rows but a real total_count.
type DirectoryQuery struct {
	Type             string   `json:"type,omitempty"`
	CapabilityFilter []string `json:"capability_filter,omitempty"`
	KBTypeFilter     string   `json:"kb_type_filter,omitempty"`
	StatusFilter     string   `json:"status_filter,omitempty"`
	Limit            *int     `json:"limit,omitempty"`
	RequestID        string   `json:"request_id,omitempty"`
}

// DirectoryReply answers a directory query. Credentials are always omitted
// from KB records.
type DirectoryReply struct {
	Agents         []AgentRecord  `json:"agents,omitempty"`
	KBs            []KBRecord     `json:"kbs,omitempty"`
	TotalCount     int            `json:"total_count"`
	FiltersApplied map[string]any `json:"filters_applied"`
	RequestID      string         `json:"request_id,omitempty"`
}

// KBQueryRequest is the request body on mesh.routing.kb_query.
type KBQueryRequest struct {
	RequesterID string         `json:"requester_id"`
	KBID        string         `json:"kb_id"`
	Operation   string         `json:"operation"`
	Params      map[string]any `json:"params,omitempty"`
	RequestID   string         `json:"request_id,omitempty"`
}

// ReplyAudit is the audit echo attached to governed replies.
type ReplyAudit struct {
	FieldsMasked  []string  `json:"fields_masked"`
	PolicyVersion string    `json:"policy_version,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// KBQueryReply is the reply on mesh.routing.kb_query. Status is success,
// denied, or error; Data is present only on success and already masked.
type KBQueryReply struct {
	Status    string      `json:"status"`
	Data      any         `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Code      Code        `json:"code,omitempty"`
	Reason    string      `json:"reason,omitempty"`
	Audit     *ReplyAudit `json:"audit,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
}

// AgentInvokeRequest is the request body on mesh.routing.agent_invoke.
type AgentInvokeRequest struct {
	SourceAgentID string         `json:"source_agent_id"`
	TargetAgentID string         `json:"target_agent_id"`
	Operation     string         `json:"operation"`
	Payload       map[string]any `json:"payload,omitempty"`
	RequestID     string         `json:"request_id,omitempty"`
}

// AgentInvokeReply acknowledges an accepted invocation; the terminal state
// arrives later on mesh.routing.completion.
type AgentInvokeReply struct {
	TrackingID string `json:"tracking_id"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	Code       Code   `json:"code,omitempty"`
	Reason     string `json:"reason,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
}

// AdapterRequest is the body dispatched to {kb_id}.adapter.query and to
// agent.{agent_id} inboxes.
type AdapterRequest struct {
	Operation  string         `json:"operation"`
	Params     map[string]any `json:"params,omitempty"`
	TrackingID string         `json:"tracking_id,omitempty"`
	Source     string         `json:"source,omitempty"`
	RequestID  string         `json:"request_id,omitempty"`
}

// AdapterReply is the worker's answer: status success with data, or status
// error with the error text.
type AdapterReply struct {
	Status    string `json:"status"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// AuditQueryRequest is the request body on mesh.audit.query. Times are
// ISO-8601 strings; Limit nil means the default.
type AuditQueryRequest struct {
	EventType string `json:"event_type,omitempty"`
	SourceID  string `json:"source_id,omitempty"`
	TargetID  string `json:"target_id,omitempty"`
	Outcome   string `json:"outcome,omitempty"`
	StartTime string `json:"start_time,omitempty"`
	EndTime   string `json:"end_time,omitempty"`
	Limit     *int   `json:"limit,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// AuditQueryReply answers an audit query.
type AuditQueryReply struct {
	AuditLogs      []AuditEvent   `json:"audit_logs"`
	TotalCount     int            `json:"total_count"`
	FiltersApplied map[string]any `json:"filters_applied"`
	RequestID      string         `json:"request_id,omitempty"`
}

// AuditStatsRequest is the request body on mesh.audit.stats.
type AuditStatsRequest struct {
	SourceID  string `json:"source_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// AuditStatsReply carries event counts grouped by outcome and event type.
type AuditStatsReply struct {
	OutcomeCounts   map[string]int `json:"outcome_counts"`
	EventTypeCounts map[string]int `json:"event_type_counts"`
	RequestID       string         `json:"request_id,omitempty"`
}

// DirectoryUpdate is published on mesh.directory.updates after a registry
// commit. Data carries the public record or the change summary.
type DirectoryUpdate struct {
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Directory update event types.
const (
	UpdateAgentRegistered   = "agent_registered"
	UpdateKBRegistered      = "kb_registered"
	UpdateStatusChanged     = "status_changed"
	UpdateAgentDeregistered = "agent_deregistered"
	UpdateKBDeregistered    = "kb_deregistered"
	UpdateCapabilities      = "agent_capability_updated"
)

// CompletionEvent is published on mesh.routing.completion when an
// invocation reaches a terminal state, and mirrored to the source agent's
// notification subject.
type CompletionEvent struct {
	Type       string    `json:"type"`
	TrackingID string    `json:"tracking_id"`
	Status     string    `json:"status"`
	Result     any       `json:"result,omitempty"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// StatusCounts tallies registry records per status.
type StatusCounts struct {
	Total    int `json:"total"`
	Active   int `json:"active"`
	Degraded int `json:"degraded"`
	Offline  int `json:"offline"`
}

// HealthSummary is a point-in-time fleet overview, included in the
// mesh.health reply when the monitor is running.
type HealthSummary struct {
	Agents    StatusCounts `json:"agents"`
	KBs       StatusCounts `json:"kbs"`
	Timestamp time.Time    `json:"timestamp"`
}

// HealthReply answers mesh.health with per-component states.
type HealthReply struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
	Summary    *HealthSummary    `json:"summary,omitempty"`
	RequestID  string            `json:"request_id,omitempty"`
}

// ErrorReply is the generic failure envelope for registry, directory, and
// audit subjects.
type ErrorReply struct {
	Error     string `json:"error"`
	Code      Code   `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}
