// Package enforce is the governance core: every governed request passes
// through authorize, dispatch, mask, audit, in that order. A denial means
// the adapter is never contacted; an audit write failure means the caller
// never sees success. Replies are structured, not errors: callers always
// get a status they can route on.
package enforce

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/mesh/pkg/audit"
	"github.com/agentmesh/mesh/pkg/mask"
	"github.com/agentmesh/mesh/pkg/observability"
	"github.com/agentmesh/mesh/pkg/policy"
	"github.com/agentmesh/mesh/pkg/registry"
	"github.com/agentmesh/mesh/pkg/schema"
	"github.com/agentmesh/mesh/pkg/transport"
)

// defaultDispatchTimeout bounds adapter and agent dispatches when no
// per-KB override applies.
const defaultDispatchTimeout = 30 * time.Second

// Config tunes dispatch deadlines.
type Config struct {
	// DispatchTimeout is the default adapter/agent dispatch deadline.
	DispatchTimeout time.Duration

	// KBTimeouts overrides the deadline per kb_id.
	KBTimeouts map[string]time.Duration
}

func (c Config) timeoutFor(kbID string) time.Duration {
	if d, ok := c.KBTimeouts[kbID]; ok && d > 0 {
		return d
	}
	if c.DispatchTimeout > 0 {
		return c.DispatchTimeout
	}
	return defaultDispatchTimeout
}

// Deps wires the enforcement service's collaborators.
type Deps struct {
	Registry *registry.Registry
	Policy   policy.Client
	Audit    *audit.Logger
	Conn     transport.Conn
	Config   Config

	// Obs instruments the governed path. Nil means no instrumentation.
	Obs *observability.Provider
}

// Service implements the two governed operations.
type Service struct {
	registry *registry.Registry
	policy   policy.Client
	audit    *audit.Logger
	conn     transport.Conn
	cfg      Config
	obs      *observability.Provider
	logger   *slog.Logger

	// Invocation completions run after the reply; Close waits for them.
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds the enforcement service.
func New(deps Deps) *Service {
	obs := deps.Obs
	if obs == nil {
		obs = observability.Disabled()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		registry: deps.Registry,
		policy:   deps.Policy,
		audit:    deps.Audit,
		conn:     deps.Conn,
		cfg:      deps.Config,
		obs:      obs,
		logger:   slog.Default().With("component", "enforce"),
		baseCtx:  ctx,
		cancel:   cancel,
	}
}

// Close stops accepting new lifecycle work and waits for in-flight
// invocation completions.
func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
}

// QueryKB runs the governed KB access flow. The reply is always
// structured; status is success, denied, or error.
func (s *Service) QueryKB(ctx context.Context, req schema.KBQueryRequest) *schema.KBQueryReply {
	if req.RequesterID == "" || req.KBID == "" || req.Operation == "" {
		return &schema.KBQueryReply{
			Status:    "error",
			Code:      schema.CodeValidation,
			Error:     "requester_id, kb_id, and operation are required",
			RequestID: req.RequestID,
		}
	}

	ctx, done := s.obs.TrackOperation(ctx, "mesh.kb_query",
		observability.QueryOperation(req.RequesterID, req.KBID, req.Operation)...)
	reply := s.queryKB(ctx, req)
	done(replyFailure(reply.Status, reply.Error))
	return reply
}

func (s *Service) queryKB(ctx context.Context, req schema.KBQueryRequest) *schema.KBQueryReply {
	started := time.Now()

	kb, err := s.registry.GetKB(ctx, req.KBID)
	if err != nil {
		return s.kbError(ctx, req, schema.CodeOf(err), schema.MessageOf(err), nil)
	}

	evalStarted := time.Now()
	decision, err := s.policy.Evaluate(ctx, policy.Input{
		PrincipalType: "agent",
		PrincipalID:   req.RequesterID,
		ResourceType:  "kb",
		ResourceID:    req.KBID,
		Action:        req.Operation,
		Context:       map[string]any{"kb_type": kb.KBType},
	})
	if err != nil {
		return s.kbError(ctx, req, schema.CodeOf(err), schema.MessageOf(err), nil)
	}
	annotateDecision(ctx, decision, evalStarted)

	if !decision.Allow {
		if auditErr := s.record(ctx, audit.Entry{
			EventType: schema.EventQuery,
			SourceID:  req.RequesterID,
			TargetID:  req.KBID,
			Outcome:   schema.OutcomeDenied,
			RequestMetadata: map[string]any{
				"operation": req.Operation,
				"reason":    decision.Reason,
			},
			PolicyDecision: decisionMeta(decision),
		}); auditErr != nil {
			return s.auditFailureKB(req, auditErr)
		}
		return &schema.KBQueryReply{
			Status:    "denied",
			Code:      schema.CodeDenied,
			Reason:    decision.Reason,
			Error:     fmt.Sprintf("access denied: %s", decision.Reason),
			RequestID: req.RequestID,
		}
	}

	adapterReply, err := s.dispatchKB(ctx, req)
	if err != nil {
		return s.kbError(ctx, req, schema.CodeAdapterError, err.Error(), decision)
	}

	fields := mask.Normalize(decision.MaskingRules)
	masked := mask.Apply(adapterReply.Data, fields)

	if auditErr := s.record(ctx, audit.Entry{
		EventType: schema.EventQuery,
		SourceID:  req.RequesterID,
		TargetID:  req.KBID,
		Outcome:   schema.OutcomeSuccess,
		RequestMetadata: map[string]any{
			"operation":  req.Operation,
			"latency_ms": float64(time.Since(started).Milliseconds()),
		},
		PolicyDecision: decisionMeta(decision),
		MaskedFields:   decision.MaskingRules,
		FullRequest:    req.Params,
		FullResponse:   masked,
	}); auditErr != nil {
		return s.auditFailureKB(req, auditErr)
	}

	return &schema.KBQueryReply{
		Status: "success",
		Data:   masked,
		Audit: &schema.ReplyAudit{
			FieldsMasked:  maskedOrEmpty(decision.MaskingRules),
			PolicyVersion: decision.PolicyVersion,
			Timestamp:     time.Now().UTC(),
		},
		RequestID: req.RequestID,
	}
}

// InvokeAgent authorizes and dispatches an agent-to-agent invocation. On
// allow the reply carries a tracking_id and status queued; the terminal
// state is published asynchronously on mesh.routing.completion and on the
// source agent's notification subject.
func (s *Service) InvokeAgent(ctx context.Context, req schema.AgentInvokeRequest) *schema.AgentInvokeReply {
	if req.SourceAgentID == "" || req.TargetAgentID == "" || req.Operation == "" {
		return &schema.AgentInvokeReply{
			Status:    "error",
			Code:      schema.CodeValidation,
			Error:     "source_agent_id, target_agent_id, and operation are required",
			RequestID: req.RequestID,
		}
	}

	allowed, _ := registry.AllowedOperations("agent")
	if !contains(allowed, req.Operation) {
		return &schema.AgentInvokeReply{
			Status: "error",
			Code:   schema.CodeInvalidOperation,
			Error: fmt.Sprintf("invalid operation %q (allowed: %s)",
				req.Operation, strings.Join(allowed, ", ")),
			RequestID: req.RequestID,
		}
	}

	ctx, done := s.obs.TrackOperation(ctx, "mesh.agent_invoke",
		observability.InvokeOperation(req.SourceAgentID, req.TargetAgentID, req.Operation)...)
	reply := s.invokeAgent(ctx, req)
	done(replyFailure(reply.Status, reply.Error))
	return reply
}

func (s *Service) invokeAgent(ctx context.Context, req schema.AgentInvokeRequest) *schema.AgentInvokeReply {
	target, err := s.registry.GetAgent(ctx, req.TargetAgentID)
	if err != nil {
		return s.invokeError(ctx, req, schema.CodeOf(err), schema.MessageOf(err), nil)
	}

	evalStarted := time.Now()
	decision, err := s.policy.Evaluate(ctx, policy.Input{
		PrincipalType: "agent",
		PrincipalID:   req.SourceAgentID,
		ResourceType:  "agent",
		ResourceID:    req.TargetAgentID,
		Action:        "invoke",
		Context:       map[string]any{"operation": req.Operation},
	})
	if err != nil {
		return s.invokeError(ctx, req, schema.CodeOf(err), schema.MessageOf(err), nil)
	}
	annotateDecision(ctx, decision, evalStarted)

	if !decision.Allow {
		if auditErr := s.record(ctx, audit.Entry{
			EventType: schema.EventInvoke,
			SourceID:  req.SourceAgentID,
			TargetID:  req.TargetAgentID,
			Outcome:   schema.OutcomeDenied,
			RequestMetadata: map[string]any{
				"operation": req.Operation,
				"reason":    decision.Reason,
			},
			PolicyDecision: decisionMeta(decision),
		}); auditErr != nil {
			return s.auditFailureInvoke(req, auditErr)
		}
		return &schema.AgentInvokeReply{
			Status:    "denied",
			Code:      schema.CodeDenied,
			Reason:    decision.Reason,
			Error:     fmt.Sprintf("invocation denied: %s", decision.Reason),
			RequestID: req.RequestID,
		}
	}

	trackingID := uuid.New().String()
	if auditErr := s.record(ctx, audit.Entry{
		EventType: schema.EventInvoke,
		SourceID:  req.SourceAgentID,
		TargetID:  req.TargetAgentID,
		Outcome:   schema.OutcomeSuccess,
		RequestMetadata: map[string]any{
			"operation":     req.Operation,
			"tracking_id":   trackingID,
			"status":        "queued",
			"authorization": "granted",
		},
		PolicyDecision: decisionMeta(decision),
		FullRequest:    req.Payload,
	}); auditErr != nil {
		return s.auditFailureInvoke(req, auditErr)
	}

	s.wg.Add(1)
	go s.completeInvocation(req, target.Identity, trackingID)

	return &schema.AgentInvokeReply{
		TrackingID: trackingID,
		Status:     "queued",
		RequestID:  req.RequestID,
	}
}

// completeInvocation drives the invocation from queued to its terminal
// state: dispatch to the target's inbox, wait for the reply, audit each
// transition, publish the completion.
func (s *Service) completeInvocation(req schema.AgentInvokeRequest, targetIdentity, trackingID string) {
	defer s.wg.Done()
	started := time.Now()

	ctx, cancel := context.WithTimeout(s.baseCtx, s.cfg.timeoutFor(""))
	defer cancel()

	s.recordLifecycle(ctx, req, trackingID, "processing", schema.OutcomeSuccess, nil)

	payload, err := json.Marshal(schema.AdapterRequest{
		Operation:  req.Operation,
		Params:     req.Payload,
		TrackingID: trackingID,
		Source:     req.SourceAgentID,
		RequestID:  req.RequestID,
	})
	if err != nil {
		s.finishInvocation(req, trackingID, started, nil, fmt.Errorf("failed to encode dispatch: %w", err))
		return
	}

	raw, err := s.conn.Request(ctx, schema.SubjectAgentInbox(targetIdentity), payload)
	if err != nil {
		s.finishInvocation(req, trackingID, started, nil, fmt.Errorf("agent dispatch failed: %w", err))
		return
	}

	var reply schema.AdapterReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		s.finishInvocation(req, trackingID, started, nil, fmt.Errorf("unreadable agent reply: %w", err))
		return
	}
	if reply.Status != "success" {
		s.finishInvocation(req, trackingID, started, nil, fmt.Errorf("agent reported failure: %s", reply.Error))
		return
	}
	s.finishInvocation(req, trackingID, started, reply.Data, nil)
}

// finishInvocation writes the terminal audit row and publishes the
// completion event to the routing subject and the source agent.
func (s *Service) finishInvocation(req schema.AgentInvokeRequest, trackingID string, started time.Time, result any, failure error) {
	// The request context is long gone; terminal bookkeeping gets its own
	// deadline so shutdown cannot strand an unaudited completion.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.baseCtx), 10*time.Second)
	defer cancel()

	status := "completed"
	outcome := schema.OutcomeSuccess
	var errText string
	if failure != nil {
		status = "error"
		outcome = schema.OutcomeError
		errText = failure.Error()
	}

	meta := map[string]any{
		"latency_ms": float64(time.Since(started).Milliseconds()),
	}
	if errText != "" {
		meta["error"] = errText
	}
	s.recordLifecycle(ctx, req, trackingID, status, outcome, meta)

	event := schema.CompletionEvent{
		Type:       "invocation_complete",
		TrackingID: trackingID,
		Status:     status,
		Result:     result,
		Error:      errText,
		Timestamp:  time.Now().UTC(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("failed to encode completion event", "tracking_id", trackingID, "error", err)
		return
	}
	if err := s.conn.Publish(schema.SubjectRoutingCompletion, payload); err != nil {
		s.logger.Error("completion publish failed", "tracking_id", trackingID, "error", err)
	}
	if err := s.conn.Publish(schema.SubjectAgentNotifications(req.SourceAgentID), payload); err != nil {
		s.logger.Error("source notification failed",
			"tracking_id", trackingID, "source", req.SourceAgentID, "error", err)
	}

	s.logger.Info("invocation finished",
		"tracking_id", trackingID, "status", status,
		"source", req.SourceAgentID, "target", req.TargetAgentID)
}

func (s *Service) recordLifecycle(ctx context.Context, req schema.AgentInvokeRequest, trackingID, status string, outcome schema.Outcome, extra map[string]any) {
	meta := map[string]any{
		"operation":   req.Operation,
		"tracking_id": trackingID,
		"status":      status,
	}
	for k, v := range extra {
		meta[k] = v
	}
	if err := s.record(ctx, audit.Entry{
		EventType:       schema.EventInvoke,
		SourceID:        req.SourceAgentID,
		TargetID:        req.TargetAgentID,
		Outcome:         outcome,
		RequestMetadata: meta,
	}); err != nil {
		// The reply already went out; all that is left is to make the gap
		// loud.
		s.logger.Error("lifecycle audit write failed",
			"tracking_id", trackingID, "status", status, "error", err)
	}
}

// dispatchKB sends the adapter request and decodes the worker's answer.
func (s *Service) dispatchKB(ctx context.Context, req schema.KBQueryRequest) (*schema.AdapterReply, error) {
	payload, err := json.Marshal(schema.AdapterRequest{
		Operation: req.Operation,
		Params:    req.Params,
		RequestID: req.RequestID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode adapter request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.timeoutFor(req.KBID))
	defer cancel()

	raw, err := s.conn.Request(ctx, schema.SubjectAdapterQuery(req.KBID), payload)
	if err != nil {
		if err == transport.ErrNoResponders {
			return nil, fmt.Errorf("no adapter worker serving %s", req.KBID)
		}
		return nil, fmt.Errorf("adapter dispatch failed: %w", err)
	}

	var reply schema.AdapterReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, fmt.Errorf("unreadable adapter reply: %w", err)
	}
	if reply.Status != "success" {
		return nil, fmt.Errorf("adapter error: %s", reply.Error)
	}
	return &reply, nil
}

// kbError audits an error outcome and builds the error reply. The audit
// write still precedes the reply; its failure takes precedence.
func (s *Service) kbError(ctx context.Context, req schema.KBQueryRequest, code schema.Code, message string, decision *policy.Decision) *schema.KBQueryReply {
	entry := audit.Entry{
		EventType: schema.EventQuery,
		SourceID:  req.RequesterID,
		TargetID:  req.KBID,
		Outcome:   schema.OutcomeError,
		RequestMetadata: map[string]any{
			"operation": req.Operation,
			"error":     message,
		},
	}
	if decision != nil {
		entry.PolicyDecision = decisionMeta(decision)
	}
	if auditErr := s.record(ctx, entry); auditErr != nil {
		return s.auditFailureKB(req, auditErr)
	}
	return &schema.KBQueryReply{
		Status:    "error",
		Code:      code,
		Error:     message,
		RequestID: req.RequestID,
	}
}

func (s *Service) invokeError(ctx context.Context, req schema.AgentInvokeRequest, code schema.Code, message string, decision *policy.Decision) *schema.AgentInvokeReply {
	entry := audit.Entry{
		EventType: schema.EventInvoke,
		SourceID:  req.SourceAgentID,
		TargetID:  req.TargetAgentID,
		Outcome:   schema.OutcomeError,
		RequestMetadata: map[string]any{
			"operation": req.Operation,
			"error":     message,
		},
	}
	if decision != nil {
		entry.PolicyDecision = decisionMeta(decision)
	}
	if auditErr := s.record(ctx, entry); auditErr != nil {
		return s.auditFailureInvoke(req, auditErr)
	}
	return &schema.AgentInvokeReply{
		Status:    "error",
		Code:      code,
		Error:     message,
		RequestID: req.RequestID,
	}
}

func (s *Service) auditFailureKB(req schema.KBQueryRequest, err error) *schema.KBQueryReply {
	s.logger.Error("audit write failed", "kb_id", req.KBID, "error", err)
	return &schema.KBQueryReply{
		Status:    "error",
		Code:      schema.CodeAuditFailure,
		Error:     fmt.Sprintf("audit write failed: %v", err),
		RequestID: req.RequestID,
	}
}

func (s *Service) auditFailureInvoke(req schema.AgentInvokeRequest, err error) *schema.AgentInvokeReply {
	s.logger.Error("audit write failed", "target", req.TargetAgentID, "error", err)
	return &schema.AgentInvokeReply{
		Status:    "error",
		Code:      schema.CodeAuditFailure,
		Error:     fmt.Sprintf("audit write failed: %v", err),
		RequestID: req.RequestID,
	}
}

func (s *Service) record(ctx context.Context, entry audit.Entry) error {
	_, err := s.audit.Record(ctx, entry)
	if err == nil {
		observability.AddSpanEvent(ctx, "audit.append",
			observability.AuditWrite(string(entry.EventType), string(entry.Outcome))...)
	}
	return err
}

// replyFailure turns an error-status reply into an error for the request
// metrics. Denials are policy outcomes, not failures.
func replyFailure(status, message string) error {
	if status != "error" {
		return nil
	}
	return errors.New(message)
}

// annotateDecision attaches the policy outcome to the request span.
func annotateDecision(ctx context.Context, d *policy.Decision, evalStarted time.Time) {
	label := "deny"
	if d.Allow {
		label = "allow"
	}
	observability.AddSpanEvent(ctx, "policy.decision",
		observability.PolicyEvaluation(label, d.PolicyVersion,
			time.Since(evalStarted).Seconds()*1000, len(d.MaskingRules))...)
}

func decisionMeta(d *policy.Decision) map[string]any {
	return map[string]any{
		"allow":          d.Allow,
		"reason":         d.Reason,
		"policy_version": d.PolicyVersion,
		"masking_rules":  d.MaskingRules,
	}
}

func maskedOrEmpty(rules []string) []string {
	if rules == nil {
		return []string{}
	}
	return rules
}

func contains(set []string, item string) bool {
	for _, s := range set {
		if s == item {
			return true
		}
	}
	return false
}
