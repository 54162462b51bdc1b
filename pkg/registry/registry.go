// Package registry validates and persists agent and knowledge-base
// registrations, keeps their lifecycle fields current, and emits directory
// update events after every commit. Registrations are audited before the
// reply goes out; directory publishes happen after commit and are never
// rolled back on failure.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/agentmesh/mesh/pkg/audit"
	"github.com/agentmesh/mesh/pkg/schema"
	"github.com/agentmesh/mesh/pkg/store"
)

// Notifier publishes directory update events. The registry treats publish
// failures as log-only: a committed row is never rolled back because
// subscribers can resync through the directory.
type Notifier interface {
	Publish(ctx context.Context, eventType string, data map[string]any) error
}

// Deps wires the registry's collaborators. Prober and HTTP default when
// nil; Notifier may be nil for brokers without a transport.
type Deps struct {
	Store    store.Store
	Audit    *audit.Logger
	Notifier Notifier
	Prober   Prober
	HTTP     *http.Client
}

// Registry is the registration service.
type Registry struct {
	store    store.Store
	audit    *audit.Logger
	notifier Notifier
	prober   Prober
	http     *http.Client
	logger   *slog.Logger
}

// New builds a Registry from its dependencies.
func New(deps Deps) *Registry {
	if deps.Prober == nil {
		deps.Prober = DriverProber{}
	}
	if deps.HTTP == nil {
		deps.HTTP = &http.Client{Timeout: probeTimeout}
	}
	return &Registry{
		store:    deps.Store,
		audit:    deps.Audit,
		notifier: deps.Notifier,
		prober:   deps.Prober,
		http:     deps.HTTP,
		logger:   slog.Default().With("component", "registry"),
	}
}

// RegisterAgent validates and stores a new agent. The initial status comes
// from a one-shot probe of the health endpoint; a duplicate identity is
// rejected with DUPLICATE.
func (r *Registry) RegisterAgent(ctx context.Context, req schema.AgentRegistration) (*schema.AgentRegistered, error) {
	identity := normalizeID(req.Identity)
	if identity == "" {
		return nil, schema.NewError(schema.CodeValidation, "identity cannot be empty")
	}
	if _, err := semver.StrictNewVersion(req.Version); err != nil {
		return nil, schema.NewError(schema.CodeValidation,
			"invalid semantic version %q", req.Version)
	}
	if len(req.Capabilities) == 0 {
		return nil, schema.NewError(schema.CodeValidation, "capabilities list cannot be empty")
	}
	if err := validateOperations("agent", req.Operations); err != nil {
		return nil, err
	}
	if !isHTTPURL(req.HealthEndpoint) {
		return nil, schema.NewError(schema.CodeValidation,
			"health_endpoint %q is not a valid http(s) URL", req.HealthEndpoint)
	}

	status := r.probeAgent(ctx, req.HealthEndpoint)

	rec := &schema.AgentRecord{
		AgentID:        uuid.New().String(),
		Identity:       identity,
		Version:        req.Version,
		Capabilities:   req.Capabilities,
		Operations:     req.Operations,
		Schemas:        req.Schemas,
		HealthEndpoint: req.HealthEndpoint,
		Status:         status,
		RegisteredAt:   time.Now().UTC(),
		Metadata:       req.Metadata,
	}
	if err := r.store.SaveAgent(ctx, rec); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, schema.NewError(schema.CodeDuplicate,
				"agent identity %s already registered", identity)
		}
		return nil, fmt.Errorf("failed to save agent %s: %w", identity, err)
	}

	if err := r.auditRegister(ctx, identity, "", map[string]any{
		"agent_id":     rec.AgentID,
		"version":      rec.Version,
		"capabilities": rec.Capabilities,
		"operations":   rec.Operations,
	}); err != nil {
		return nil, err
	}

	r.notify(ctx, schema.UpdateAgentRegistered, map[string]any{
		"identity":     rec.Identity,
		"version":      rec.Version,
		"capabilities": rec.Capabilities,
		"operations":   rec.Operations,
		"status":       string(rec.Status),
	})

	r.logger.Info("agent registered",
		"identity", identity, "agent_id", rec.AgentID, "status", rec.Status)
	return &schema.AgentRegistered{
		AgentID:      rec.AgentID,
		Identity:     rec.Identity,
		Version:      rec.Version,
		Status:       rec.Status,
		RegisteredAt: rec.RegisteredAt,
	}, nil
}

// RegisterKB validates and stores a new knowledge base. The connectivity
// probe determines the initial status but never rejects the registration;
// its outcome and latency land in the record's metadata.
func (r *Registry) RegisterKB(ctx context.Context, req schema.KBRegistration) (*schema.KBRegistered, error) {
	kbID := normalizeID(req.KBID)
	if kbID == "" {
		return nil, schema.NewError(schema.CodeValidation, "kb_id cannot be empty")
	}
	if _, ok := AllowedOperations(req.KBType); !ok || req.KBType == "agent" {
		return nil, schema.NewError(schema.CodeValidation,
			"unsupported kb_type %q (supported: %s)",
			req.KBType, strings.Join(SupportedKBTypes(), ", "))
	}
	if !isDriverURI(req.Endpoint) {
		return nil, schema.NewError(schema.CodeValidation,
			"endpoint %q is not a valid driver URI", req.Endpoint)
	}
	if err := validateOperations(req.KBType, req.Operations); err != nil {
		return nil, err
	}

	status := schema.StatusActive
	meta := cloneMeta(req.Metadata)
	started := time.Now()
	probeErr := r.prober.Probe(ctx, req.KBType, req.Endpoint, req.Credentials)
	meta["probe_latency_ms"] = float64(time.Since(started).Milliseconds())
	if probeErr != nil {
		status = schema.StatusOffline
		meta["probe_error"] = probeErr.Error()
		r.logger.Warn("kb connectivity probe failed",
			"kb_id", kbID, "kb_type", req.KBType, "error", probeErr)
	}

	rec := &schema.KBRecord{
		KBID:         kbID,
		KBType:       req.KBType,
		Endpoint:     req.Endpoint,
		Operations:   req.Operations,
		KBSchema:     req.KBSchema,
		Credentials:  req.Credentials,
		Status:       status,
		RegisteredAt: time.Now().UTC(),
		Metadata:     meta,
	}
	if err := r.store.SaveKB(ctx, rec); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, schema.NewError(schema.CodeDuplicate,
				"KB %s already registered", kbID)
		}
		return nil, fmt.Errorf("failed to save KB %s: %w", kbID, err)
	}

	if err := r.auditRegister(ctx, "system", kbID, map[string]any{
		"kb_type":    rec.KBType,
		"operations": rec.Operations,
		"status":     string(rec.Status),
	}); err != nil {
		return nil, err
	}

	public := rec.Public()
	r.notify(ctx, schema.UpdateKBRegistered, map[string]any{
		"kb_id":      public.KBID,
		"kb_type":    public.KBType,
		"operations": public.Operations,
		"status":     string(public.Status),
	})

	r.logger.Info("kb registered", "kb_id", kbID, "kb_type", req.KBType, "status", status)
	return &schema.KBRegistered{
		KBID:         rec.KBID,
		Status:       rec.Status,
		RegisteredAt: rec.RegisteredAt,
	}, nil
}

// GetAgent looks an agent up by identity.
func (r *Registry) GetAgent(ctx context.Context, identity string) (*schema.AgentRecord, error) {
	identity = normalizeID(identity)
	agents, err := r.store.ListAgents(ctx, schema.RegistryFilter{Identity: identity, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(agents) == 0 {
		return nil, schema.NewError(schema.CodeUnknownResource,
			"agent %s not found in registry", identity)
	}
	return agents[0], nil
}

// GetKB looks a knowledge base up by kb_id.
func (r *Registry) GetKB(ctx context.Context, kbID string) (*schema.KBRecord, error) {
	rec, err := r.store.GetKB(ctx, normalizeID(kbID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, schema.NewError(schema.CodeUnknownResource,
				"KB %s not found in registry", kbID)
		}
		return nil, err
	}
	return rec, nil
}

// ListAgents returns agents matching the filter.
func (r *Registry) ListAgents(ctx context.Context, filter schema.RegistryFilter) ([]*schema.AgentRecord, error) {
	return r.store.ListAgents(ctx, filter)
}

// ListKBs returns knowledge bases matching the filter.
func (r *Registry) ListKBs(ctx context.Context, filter schema.RegistryFilter) ([]*schema.KBRecord, error) {
	return r.store.ListKBs(ctx, filter)
}

// UpdateAgentStatus sets an agent's status by identity and publishes the
// change.
func (r *Registry) UpdateAgentStatus(ctx context.Context, identity string, status schema.Status) error {
	if !status.Valid() {
		return schema.NewError(schema.CodeValidation, "unknown status %q", status)
	}
	rec, err := r.GetAgent(ctx, identity)
	if err != nil {
		return err
	}
	if rec.Status == status {
		return nil
	}
	if err := r.store.UpdateAgentStatus(ctx, rec.AgentID, status); err != nil {
		return fmt.Errorf("failed to update agent %s status: %w", identity, err)
	}

	r.notify(ctx, schema.UpdateStatusChanged, map[string]any{
		"entity":   "agent",
		"identity": rec.Identity,
		"status":   string(status),
	})
	r.logger.Info("agent status changed",
		"identity", rec.Identity, "from", rec.Status, "to", status)
	return nil
}

// UpdateKBStatus sets a knowledge base's status and publishes the change.
func (r *Registry) UpdateKBStatus(ctx context.Context, kbID string, status schema.Status) error {
	if !status.Valid() {
		return schema.NewError(schema.CodeValidation, "unknown status %q", status)
	}
	rec, err := r.GetKB(ctx, kbID)
	if err != nil {
		return err
	}
	if rec.Status == status {
		return nil
	}
	if err := r.store.UpdateKBStatus(ctx, rec.KBID, status); err != nil {
		return fmt.Errorf("failed to update KB %s status: %w", kbID, err)
	}

	r.notify(ctx, schema.UpdateStatusChanged, map[string]any{
		"entity": "kb",
		"kb_id":  rec.KBID,
		"status": string(status),
	})
	r.logger.Info("kb status changed", "kb_id", rec.KBID, "from", rec.Status, "to", status)
	return nil
}

// Heartbeat refreshes an agent's last_heartbeat timestamp.
func (r *Registry) Heartbeat(ctx context.Context, identity string) error {
	rec, err := r.GetAgent(ctx, identity)
	if err != nil {
		return err
	}
	return r.store.UpdateAgentHeartbeat(ctx, rec.AgentID, time.Now().UTC())
}

// RecordKBHealthCheck stamps a successful health probe on the KB record.
func (r *Registry) RecordKBHealthCheck(ctx context.Context, kbID string) error {
	return r.store.UpdateKBHealthCheck(ctx, normalizeID(kbID), time.Now().UTC())
}

// UpdateCapabilities replaces an agent's capability list and publishes the
// change with both the old and new sets.
func (r *Registry) UpdateCapabilities(ctx context.Context, identity string, capabilities []string) (*schema.AgentRecord, error) {
	if len(capabilities) == 0 {
		return nil, schema.NewError(schema.CodeValidation, "capabilities list cannot be empty")
	}
	rec, err := r.GetAgent(ctx, identity)
	if err != nil {
		return nil, err
	}
	old := rec.Capabilities
	if err := r.store.UpdateAgentCapabilities(ctx, rec.AgentID, capabilities, rec.Operations); err != nil {
		return nil, fmt.Errorf("failed to update agent %s capabilities: %w", identity, err)
	}

	r.notify(ctx, schema.UpdateCapabilities, map[string]any{
		"identity":         rec.Identity,
		"version":          rec.Version,
		"old_capabilities": old,
		"capabilities":     capabilities,
	})

	rec.Capabilities = capabilities
	r.logger.Info("agent capabilities updated",
		"identity", rec.Identity, "capabilities", capabilities)
	return rec, nil
}

// Deregister removes an agent (by identity) or a knowledge base (by kb_id)
// and publishes the departure.
func (r *Registry) Deregister(ctx context.Context, req schema.DeregisterRequest) error {
	switch {
	case req.Identity != "":
		rec, err := r.GetAgent(ctx, req.Identity)
		if err != nil {
			return err
		}
		if err := r.store.DeleteAgent(ctx, rec.AgentID); err != nil {
			return fmt.Errorf("failed to deregister agent %s: %w", req.Identity, err)
		}
		r.notify(ctx, schema.UpdateAgentDeregistered, map[string]any{
			"identity": rec.Identity,
		})
		r.logger.Info("agent deregistered", "identity", rec.Identity)
		return nil

	case req.KBID != "":
		rec, err := r.GetKB(ctx, req.KBID)
		if err != nil {
			return err
		}
		if err := r.store.DeleteKB(ctx, rec.KBID); err != nil {
			return fmt.Errorf("failed to deregister KB %s: %w", req.KBID, err)
		}
		r.notify(ctx, schema.UpdateKBDeregistered, map[string]any{
			"kb_id": rec.KBID,
		})
		r.logger.Info("kb deregistered", "kb_id", rec.KBID)
		return nil

	default:
		return schema.NewError(schema.CodeValidation,
			"deregister requires identity or kb_id")
	}
}

// probeAgent performs the one-shot health probe at registration: a 200 is
// active, any other answer is degraded, no answer is offline.
func (r *Registry) probeAgent(ctx context.Context, endpoint string) schema.Status {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return schema.StatusOffline
	}
	resp, err := r.http.Do(req)
	if err != nil {
		r.logger.Warn("agent health probe failed", "endpoint", endpoint, "error", err)
		return schema.StatusOffline
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		r.logger.Warn("agent health probe unhealthy",
			"endpoint", endpoint, "status_code", resp.StatusCode)
		return schema.StatusDegraded
	}
	return schema.StatusActive
}

// auditRegister writes the registration audit event. A failed write
// surfaces as AUDIT_FAILURE: the row is committed but the caller must not
// see success without an audit trail.
func (r *Registry) auditRegister(ctx context.Context, sourceID, targetID string, meta map[string]any) error {
	if r.audit == nil {
		return nil
	}
	_, err := r.audit.Record(ctx, audit.Entry{
		EventType:       schema.EventRegister,
		SourceID:        sourceID,
		TargetID:        targetID,
		Outcome:         schema.OutcomeSuccess,
		RequestMetadata: meta,
	})
	if err != nil {
		return schema.NewError(schema.CodeAuditFailure,
			"registration stored but audit write failed: %v", err)
	}
	return nil
}

func (r *Registry) notify(ctx context.Context, eventType string, data map[string]any) {
	if r.notifier == nil {
		return
	}
	if err := r.notifier.Publish(ctx, eventType, data); err != nil {
		r.logger.Error("directory update publish failed",
			"event_type", eventType, "error", err)
	}
}

// normalizeID canonicalizes identifiers to NFC so visually identical
// identities collide instead of coexisting.
func normalizeID(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func isDriverURI(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return u.Scheme != "" && u.Host != ""
}

func cloneMeta(meta map[string]any) map[string]any {
	out := make(map[string]any, len(meta)+2)
	for k, v := range meta {
		out[k] = v
	}
	return out
}
