// Package router is the broker's transport boundary: it subscribes the
// mesh service subjects, validates request bodies against compiled JSON
// Schemas, attaches request ids, and dispatches to the owning service. It
// does no policy work itself.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/agentmesh/mesh/pkg/audit"
	"github.com/agentmesh/mesh/pkg/directory"
	"github.com/agentmesh/mesh/pkg/enforce"
	"github.com/agentmesh/mesh/pkg/policy"
	"github.com/agentmesh/mesh/pkg/registry"
	"github.com/agentmesh/mesh/pkg/schema"
	"github.com/agentmesh/mesh/pkg/store"
	"github.com/agentmesh/mesh/pkg/transport"
)

// queueGroup lets multiple broker instances share the service subjects.
const queueGroup = "mesh-broker"

// defaultRequestTimeout bounds the handling of one inbound message.
const defaultRequestTimeout = 30 * time.Second

// Monitor exposes the health monitor's run state and fleet summary for
// mesh.health.
type Monitor interface {
	Running() bool
	Summarize(ctx context.Context) (*schema.HealthSummary, error)
}

// Config tunes the router.
type Config struct {
	// RequestTimeout is the per-message handling budget. Outbound calls
	// (policy, store, adapter dispatch) inherit it.
	RequestTimeout time.Duration
}

// Deps wires the router to the services that own each subject.
type Deps struct {
	Registry  *registry.Registry
	Directory *directory.Directory
	Enforce   *enforce.Service
	Audit     *audit.Service
	Policy    policy.Client
	Store     store.Store
	Monitor   Monitor
	Conn      transport.Conn
	Config    Config
}

// Router demultiplexes the mesh subjects.
type Router struct {
	deps    Deps
	schemas map[string]*jsonschema.Schema
	logger  *slog.Logger

	mu   sync.Mutex
	subs []transport.Subscription
	wg   sync.WaitGroup
}

// New compiles the boundary schemas and builds the router.
func New(deps Deps) (*Router, error) {
	compiled, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	return &Router{
		deps:    deps,
		schemas: compiled,
		logger:  slog.Default().With("component", "router"),
	}, nil
}

// Start subscribes every service subject. On partial failure the already
// established subscriptions are torn down.
func (r *Router) Start() error {
	bindings := []struct {
		subject string
		handler func(ctx context.Context, msg *transport.Msg)
	}{
		{schema.SubjectAgentRegister, r.handleAgentRegister},
		{schema.SubjectKBRegister, r.handleKBRegister},
		{schema.SubjectAgentDeregister, r.handleAgentDeregister},
		{schema.SubjectKBDeregister, r.handleKBDeregister},
		{schema.SubjectAgentHeartbeat, r.handleHeartbeat},
		{schema.SubjectAgentCapabilities, r.handleCapabilities},
		{schema.SubjectDirectoryQuery, r.handleDirectoryQuery},
		{schema.SubjectRoutingKBQuery, r.handleKBQuery},
		{schema.SubjectRoutingAgentInvoke, r.handleAgentInvoke},
		{schema.SubjectAuditQuery, r.handleAuditQuery},
		{schema.SubjectAuditStats, r.handleAuditStats},
		{schema.SubjectHealth, r.handleHealth},
	}

	for _, b := range bindings {
		sub, err := r.deps.Conn.QueueSubscribe(b.subject, queueGroup, r.dispatch(b.handler))
		if err != nil {
			r.Stop()
			return fmt.Errorf("failed to subscribe %s: %w", b.subject, err)
		}
		r.mu.Lock()
		r.subs = append(r.subs, sub)
		r.mu.Unlock()
	}
	r.logger.Info("router started", "subjects", len(bindings))
	return nil
}

// Stop unsubscribes all subjects and waits for in-flight handlers.
func (r *Router) Stop() {
	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			r.logger.Warn("unsubscribe failed", "error", err)
		}
	}
	r.wg.Wait()
}

// dispatch runs each message in its own goroutine so a slow KB dispatch
// cannot head-of-line block the subject.
func (r *Router) dispatch(fn func(context.Context, *transport.Msg)) transport.Handler {
	return func(msg *transport.Msg) {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout())
			defer cancel()
			fn(ctx, msg)
		}()
	}
}

func (r *Router) timeout() time.Duration {
	if r.deps.Config.RequestTimeout > 0 {
		return r.deps.Config.RequestTimeout
	}
	return defaultRequestTimeout
}

// ---- registry subjects ----

func (r *Router) handleAgentRegister(ctx context.Context, msg *transport.Msg) {
	var req schema.AgentRegistration
	if err := r.decode(msg.Data, schemaAgentRegister, &req); err != nil {
		r.respondErr(msg, requestIDOf(msg.Data), err)
		return
	}
	ensureRequestID(&req.RequestID)

	reply, err := r.deps.Registry.RegisterAgent(ctx, req)
	if err != nil {
		r.respondErr(msg, req.RequestID, err)
		return
	}
	reply.RequestID = req.RequestID
	r.respond(msg, reply)
}

func (r *Router) handleKBRegister(ctx context.Context, msg *transport.Msg) {
	var req schema.KBRegistration
	if err := r.decode(msg.Data, schemaKBRegister, &req); err != nil {
		r.respondErr(msg, requestIDOf(msg.Data), err)
		return
	}
	ensureRequestID(&req.RequestID)

	reply, err := r.deps.Registry.RegisterKB(ctx, req)
	if err != nil {
		r.respondErr(msg, req.RequestID, err)
		return
	}
	reply.RequestID = req.RequestID
	r.respond(msg, reply)
}

func (r *Router) handleAgentDeregister(ctx context.Context, msg *transport.Msg) {
	var req schema.DeregisterRequest
	if err := r.decode(msg.Data, schemaAgentDeregister, &req); err != nil {
		r.respondErr(msg, requestIDOf(msg.Data), err)
		return
	}
	ensureRequestID(&req.RequestID)

	// The subject scopes the entity kind.
	req.KBID = ""
	if err := r.deps.Registry.Deregister(ctx, req); err != nil {
		r.respondErr(msg, req.RequestID, err)
		return
	}
	r.respond(msg, schema.Ack{Status: "deregistered", RequestID: req.RequestID})
}

func (r *Router) handleKBDeregister(ctx context.Context, msg *transport.Msg) {
	var req schema.DeregisterRequest
	if err := r.decode(msg.Data, schemaKBDeregister, &req); err != nil {
		r.respondErr(msg, requestIDOf(msg.Data), err)
		return
	}
	ensureRequestID(&req.RequestID)

	req.Identity = ""
	if err := r.deps.Registry.Deregister(ctx, req); err != nil {
		r.respondErr(msg, req.RequestID, err)
		return
	}
	r.respond(msg, schema.Ack{Status: "deregistered", RequestID: req.RequestID})
}

func (r *Router) handleHeartbeat(ctx context.Context, msg *transport.Msg) {
	var req schema.HeartbeatRequest
	if err := r.decode(msg.Data, schemaHeartbeat, &req); err != nil {
		r.respondErr(msg, requestIDOf(msg.Data), err)
		return
	}
	ensureRequestID(&req.RequestID)

	if err := r.deps.Registry.Heartbeat(ctx, req.Identity); err != nil {
		r.respondErr(msg, req.RequestID, err)
		return
	}
	r.respond(msg, schema.Ack{Status: "ok", RequestID: req.RequestID})
}

func (r *Router) handleCapabilities(ctx context.Context, msg *transport.Msg) {
	var req schema.CapabilitiesUpdate
	if err := r.decode(msg.Data, schemaCapabilities, &req); err != nil {
		r.respondErr(msg, requestIDOf(msg.Data), err)
		return
	}
	ensureRequestID(&req.RequestID)

	rec, err := r.deps.Registry.UpdateCapabilities(ctx, req.Identity, req.Capabilities)
	if err != nil {
		r.respondErr(msg, req.RequestID, err)
		return
	}
	r.respond(msg, schema.CapabilitiesUpdated{
		AgentID:      rec.AgentID,
		Identity:     rec.Identity,
		Capabilities: rec.Capabilities,
		RequestID:    req.RequestID,
	})
}

// ---- directory ----

func (r *Router) handleDirectoryQuery(ctx context.Context, msg *transport.Msg) {
	var req schema.DirectoryQuery
	if err := r.decode(msg.Data, schemaDirectoryQuery, &req); err != nil {
		r.respondErr(msg, requestIDOf(msg.Data), err)
		return
	}
	ensureRequestID(&req.RequestID)

	reply, err := r.deps.Directory.Query(ctx, req)
	if err != nil {
		r.respondErr(msg, req.RequestID, err)
		return
	}
	reply.RequestID = req.RequestID
	r.respond(msg, reply)
}

// ---- governed routing ----

func (r *Router) handleKBQuery(ctx context.Context, msg *transport.Msg) {
	var req schema.KBQueryRequest
	if err := r.decode(msg.Data, schemaKBQuery, &req); err != nil {
		r.respond(msg, &schema.KBQueryReply{
			Status:    "error",
			Code:      schema.CodeValidation,
			Error:     schema.MessageOf(err),
			RequestID: requestIDOf(msg.Data),
		})
		return
	}
	ensureRequestID(&req.RequestID)
	r.respond(msg, r.deps.Enforce.QueryKB(ctx, req))
}

func (r *Router) handleAgentInvoke(ctx context.Context, msg *transport.Msg) {
	var req schema.AgentInvokeRequest
	if err := r.decode(msg.Data, schemaAgentInvoke, &req); err != nil {
		r.respond(msg, &schema.AgentInvokeReply{
			Status:    "error",
			Code:      schema.CodeValidation,
			Error:     schema.MessageOf(err),
			RequestID: requestIDOf(msg.Data),
		})
		return
	}
	ensureRequestID(&req.RequestID)
	r.respond(msg, r.deps.Enforce.InvokeAgent(ctx, req))
}

// ---- audit ----

func (r *Router) handleAuditQuery(ctx context.Context, msg *transport.Msg) {
	var req schema.AuditQueryRequest
	if err := r.decode(msg.Data, schemaAuditQuery, &req); err != nil {
		r.respondErr(msg, requestIDOf(msg.Data), err)
		return
	}
	ensureRequestID(&req.RequestID)

	reply, err := r.deps.Audit.Query(ctx, req)
	if err != nil {
		r.respondErr(msg, req.RequestID, err)
		return
	}
	r.respond(msg, reply)
}

func (r *Router) handleAuditStats(ctx context.Context, msg *transport.Msg) {
	var req schema.AuditStatsRequest
	if err := r.decode(msg.Data, schemaAuditStats, &req); err != nil {
		r.respondErr(msg, requestIDOf(msg.Data), err)
		return
	}
	ensureRequestID(&req.RequestID)

	reply, err := r.deps.Audit.Stats(ctx, req)
	if err != nil {
		r.respondErr(msg, req.RequestID, err)
		return
	}
	r.respond(msg, reply)
}

// ---- health ----

func (r *Router) handleHealth(ctx context.Context, msg *transport.Msg) {
	reply := schema.HealthReply{
		Status:     "healthy",
		Components: map[string]string{},
		RequestID:  requestIDOf(msg.Data),
	}
	mark := func(component, state string, ok bool) {
		reply.Components[component] = state
		if !ok {
			reply.Status = "degraded"
		}
	}

	if err := r.deps.Store.Ping(ctx); err != nil {
		mark("store", "unreachable", false)
	} else {
		mark("store", "ok", true)
	}

	if r.deps.Conn.Healthy() {
		mark("transport", "ok", true)
	} else {
		mark("transport", "disconnected", false)
	}

	if r.deps.Policy.Healthy(ctx) {
		mark("policy_evaluator", "ok", true)
	} else {
		mark("policy_evaluator", "unreachable", false)
	}

	switch {
	case r.deps.Monitor == nil:
		mark("health_monitor", "disabled", true)
	case r.deps.Monitor.Running():
		mark("health_monitor", "ok", true)
	default:
		mark("health_monitor", "stopped", false)
	}

	if r.deps.Monitor != nil {
		sum, err := r.deps.Monitor.Summarize(ctx)
		if err != nil {
			r.logger.Warn("fleet summary unavailable", "error", err)
		} else {
			reply.Summary = sum
		}
	}

	r.respond(msg, reply)
}

// ---- plumbing ----

// decode unmarshals and schema-validates a request body. Validation errors
// come back as coded VALIDATION errors.
func (r *Router) decode(data []byte, name string, v any) error {
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return schema.NewError(schema.CodeValidation, "malformed JSON: %v", err)
	}
	if s := r.schemas[name]; s != nil {
		if err := s.Validate(generic); err != nil {
			return schema.NewError(schema.CodeValidation, "schema validation failed: %v", err)
		}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return schema.NewError(schema.CodeValidation, "malformed request: %v", err)
	}
	return nil
}

func (r *Router) respond(msg *transport.Msg, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		r.logger.Error("reply marshal failed", "subject", msg.Subject, "error", err)
		return
	}
	if err := msg.Respond(payload); err != nil {
		r.logger.Warn("reply delivery failed", "subject", msg.Subject, "error", err)
	}
}

func (r *Router) respondErr(msg *transport.Msg, requestID string, err error) {
	r.respond(msg, schema.ErrorReply{
		Error:     schema.MessageOf(err),
		Code:      schema.CodeOf(err),
		RequestID: requestID,
	})
}

func ensureRequestID(id *string) {
	if *id == "" {
		*id = uuid.New().String()
	}
}

// requestIDOf best-effort extracts request_id so even rejects echo it.
func requestIDOf(data []byte) string {
	var probe struct {
		RequestID string `json:"request_id"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return ""
	}
	return probe.RequestID
}
