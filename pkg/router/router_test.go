package router_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/mesh/pkg/audit"
	"github.com/agentmesh/mesh/pkg/directory"
	"github.com/agentmesh/mesh/pkg/enforce"
	"github.com/agentmesh/mesh/pkg/policy"
	"github.com/agentmesh/mesh/pkg/registry"
	"github.com/agentmesh/mesh/pkg/router"
	"github.com/agentmesh/mesh/pkg/schema"
	"github.com/agentmesh/mesh/pkg/store"
	"github.com/agentmesh/mesh/pkg/transport"
)

type stubPolicy struct {
	decision *policy.Decision
	healthy  bool
}

func (p *stubPolicy) Evaluate(ctx context.Context, in policy.Input) (*policy.Decision, error) {
	if p.decision == nil {
		return &policy.Decision{Allow: true, PolicyVersion: "v1"}, nil
	}
	d := *p.decision
	return &d, nil
}

func (p *stubPolicy) UploadPolicy(context.Context, string, string) error { return nil }
func (p *stubPolicy) ListPolicies(context.Context) ([]string, error)    { return nil, nil }
func (p *stubPolicy) GetPolicy(context.Context, string) (*policy.EvaluatorPolicy, error) {
	return nil, store.ErrNotFound
}
func (p *stubPolicy) GetPolicyContent(context.Context, string) (string, error) { return "", nil }
func (p *stubPolicy) DeletePolicy(context.Context, string) error               { return nil }
func (p *stubPolicy) Healthy(context.Context) bool                             { return p.healthy }

type stubProber struct{ err error }

func (p stubProber) Probe(context.Context, string, string, map[string]any) error { return p.err }

type stubMonitor struct{ running bool }

func (m stubMonitor) Running() bool { return m.running }

func (m stubMonitor) Summarize(context.Context) (*schema.HealthSummary, error) {
	return &schema.HealthSummary{
		Agents:    schema.StatusCounts{Total: 2, Active: 2},
		KBs:       schema.StatusCounts{Total: 1, Active: 1},
		Timestamp: time.Now().UTC(),
	}, nil
}

type fixture struct {
	bus    *transport.MemoryBus
	store  *store.Memory
	policy *stubPolicy
	logger *audit.Logger
}

func startRouter(t *testing.T, monitor router.Monitor) *fixture {
	t.Helper()

	st := store.NewMemory()
	logger, err := audit.NewLogger(context.Background(), st, audit.Config{})
	require.NoError(t, err)

	bus := transport.NewMemoryBus()
	t.Cleanup(func() { bus.Close() })

	pol := &stubPolicy{healthy: true}
	reg := registry.New(registry.Deps{
		Store:    st,
		Audit:    logger,
		Notifier: directory.NewPublisher(bus),
		Prober:   stubProber{},
	})
	enf := enforce.New(enforce.Deps{
		Registry: reg,
		Policy:   pol,
		Audit:    logger,
		Conn:     bus,
		Config:   enforce.Config{DispatchTimeout: 2 * time.Second},
	})
	t.Cleanup(enf.Close)

	rt, err := router.New(router.Deps{
		Registry:  reg,
		Directory: directory.New(st),
		Enforce:   enf,
		Audit:     audit.NewService(st),
		Policy:    pol,
		Store:     st,
		Monitor:   monitor,
		Conn:      bus,
		Config:    router.Config{RequestTimeout: 3 * time.Second},
	})
	require.NoError(t, err)
	require.NoError(t, rt.Start())
	t.Cleanup(rt.Stop)

	return &fixture{bus: bus, store: st, policy: pol, logger: logger}
}

func request(t *testing.T, bus *transport.MemoryBus, subject string, body any) []byte {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	return rawRequest(t, bus, subject, payload)
}

func rawRequest(t *testing.T, bus *transport.MemoryBus, subject string, payload []byte) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	raw, err := bus.Request(ctx, subject, payload)
	require.NoError(t, err)
	return raw
}

func healthServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAgentLifecycleOverSubjects(t *testing.T) {
	f := startRouter(t, stubMonitor{running: true})
	srv := healthServer(t)

	var registered schema.AgentRegistered
	raw := request(t, f.bus, schema.SubjectAgentRegister, schema.AgentRegistration{
		Identity:       "router-agent",
		Version:        "1.4.0",
		Capabilities:   []string{"routing"},
		Operations:     []string{"query", "publish"},
		HealthEndpoint: srv.URL,
	})
	require.NoError(t, json.Unmarshal(raw, &registered))
	assert.Equal(t, "router-agent", registered.Identity)
	assert.Equal(t, schema.StatusActive, registered.Status)
	_, err := uuid.Parse(registered.AgentID)
	assert.NoError(t, err)
	_, err = uuid.Parse(registered.RequestID)
	assert.NoError(t, err, "router should attach a request_id when absent")

	var ack schema.Ack
	raw = request(t, f.bus, schema.SubjectAgentHeartbeat, schema.HeartbeatRequest{
		Identity:  "router-agent",
		RequestID: "hb-1",
	})
	require.NoError(t, json.Unmarshal(raw, &ack))
	assert.Equal(t, "ok", ack.Status)
	assert.Equal(t, "hb-1", ack.RequestID)

	raw = request(t, f.bus, schema.SubjectAgentDeregister, schema.DeregisterRequest{
		Identity: "router-agent",
	})
	require.NoError(t, json.Unmarshal(raw, &ack))
	assert.Equal(t, "deregistered", ack.Status)

	var errReply schema.ErrorReply
	raw = request(t, f.bus, schema.SubjectAgentHeartbeat, schema.HeartbeatRequest{
		Identity: "router-agent",
	})
	require.NoError(t, json.Unmarshal(raw, &errReply))
	assert.Equal(t, schema.CodeUnknownResource, errReply.Code)
	assert.Equal(t, "agent router-agent not found in registry", errReply.Error)
}

func TestCapabilitiesUpdateOverSubject(t *testing.T) {
	f := startRouter(t, stubMonitor{running: true})
	srv := healthServer(t)

	var registered schema.AgentRegistered
	raw := request(t, f.bus, schema.SubjectAgentRegister, schema.AgentRegistration{
		Identity:       "capable-agent",
		Version:        "2.0.0",
		Capabilities:   []string{"summarize"},
		Operations:     []string{"query"},
		HealthEndpoint: srv.URL,
	})
	require.NoError(t, json.Unmarshal(raw, &registered))

	updates := make(chan schema.DirectoryUpdate, 1)
	_, err := f.bus.Subscribe(schema.SubjectDirectoryUpdates, func(msg *transport.Msg) {
		var update schema.DirectoryUpdate
		if json.Unmarshal(msg.Data, &update) == nil {
			updates <- update
		}
	})
	require.NoError(t, err)

	var reply schema.CapabilitiesUpdated
	raw = request(t, f.bus, schema.SubjectAgentCapabilities, schema.CapabilitiesUpdate{
		Identity:     "capable-agent",
		Capabilities: []string{"summarize", "translate"},
		RequestID:    "caps-1",
	})
	require.NoError(t, json.Unmarshal(raw, &reply))
	assert.Equal(t, registered.AgentID, reply.AgentID)
	assert.Equal(t, "capable-agent", reply.Identity)
	assert.Equal(t, []string{"summarize", "translate"}, reply.Capabilities)
	assert.Equal(t, "caps-1", reply.RequestID)

	require.NoError(t, f.bus.Flush())
	select {
	case update := <-updates:
		assert.Equal(t, schema.UpdateCapabilities, update.Type)
		assert.Equal(t, "capable-agent", update.Data["identity"])
	case <-time.After(2 * time.Second):
		t.Fatal("no directory update received")
	}

	var errReply schema.ErrorReply
	raw = request(t, f.bus, schema.SubjectAgentCapabilities, schema.CapabilitiesUpdate{
		Identity:     "ghost-agent",
		Capabilities: []string{"summarize"},
	})
	require.NoError(t, json.Unmarshal(raw, &errReply))
	assert.Equal(t, schema.CodeUnknownResource, errReply.Code)

	raw = request(t, f.bus, schema.SubjectAgentCapabilities, map[string]any{
		"identity":     "capable-agent",
		"capabilities": []string{},
	})
	require.NoError(t, json.Unmarshal(raw, &errReply))
	assert.Equal(t, schema.CodeValidation, errReply.Code)
}

func TestBoundaryValidation(t *testing.T) {
	f := startRouter(t, stubMonitor{running: true})

	t.Run("missing required field", func(t *testing.T) {
		var reply schema.ErrorReply
		raw := request(t, f.bus, schema.SubjectAgentRegister, map[string]any{
			"identity":        "incomplete-agent",
			"capabilities":    []string{"x"},
			"operations":      []string{"query"},
			"health_endpoint": "http://localhost:9/health",
		})
		require.NoError(t, json.Unmarshal(raw, &reply))
		assert.Equal(t, schema.CodeValidation, reply.Code)
		assert.Contains(t, reply.Error, "schema validation failed")
	})

	t.Run("empty capabilities", func(t *testing.T) {
		var reply schema.ErrorReply
		raw := request(t, f.bus, schema.SubjectAgentRegister, map[string]any{
			"identity":        "no-caps",
			"version":         "1.0.0",
			"capabilities":    []string{},
			"operations":      []string{"query"},
			"health_endpoint": "http://localhost:9/health",
		})
		require.NoError(t, json.Unmarshal(raw, &reply))
		assert.Equal(t, schema.CodeValidation, reply.Code)
	})

	t.Run("malformed JSON", func(t *testing.T) {
		var reply schema.ErrorReply
		raw := rawRequest(t, f.bus, schema.SubjectDirectoryQuery, []byte("{not json"))
		require.NoError(t, json.Unmarshal(raw, &reply))
		assert.Equal(t, schema.CodeValidation, reply.Code)
		assert.Contains(t, reply.Error, "malformed JSON")
	})

	t.Run("request_id echoed on reject", func(t *testing.T) {
		var reply schema.ErrorReply
		raw := request(t, f.bus, schema.SubjectAgentRegister, map[string]any{
			"identity":   42,
			"request_id": "req-reject-7",
		})
		require.NoError(t, json.Unmarshal(raw, &reply))
		assert.Equal(t, schema.CodeValidation, reply.Code)
		assert.Equal(t, "req-reject-7", reply.RequestID)
	})

	t.Run("kb_query keeps reply shape", func(t *testing.T) {
		var reply schema.KBQueryReply
		raw := request(t, f.bus, schema.SubjectRoutingKBQuery, map[string]any{
			"requester_id": "someone",
		})
		require.NoError(t, json.Unmarshal(raw, &reply))
		assert.Equal(t, "error", reply.Status)
		assert.Equal(t, schema.CodeValidation, reply.Code)
	})
}

func TestGovernedKBQueryOverSubject(t *testing.T) {
	f := startRouter(t, stubMonitor{running: true})
	f.policy.decision = &policy.Decision{
		Allow:         true,
		MaskingRules:  []string{"salary"},
		PolicyVersion: "v2",
	}

	var kbReply schema.KBRegistered
	raw := request(t, f.bus, schema.SubjectKBRegister, schema.KBRegistration{
		KBID:        "hr-db",
		KBType:      "postgres",
		Endpoint:    "postgresql://mesh@localhost:5432/hr",
		Operations:  []string{"sql_query"},
		Credentials: map[string]any{"password": "hunter2"},
	})
	require.NoError(t, json.Unmarshal(raw, &kbReply))
	require.Equal(t, schema.StatusActive, kbReply.Status)

	sub, err := f.bus.Subscribe(schema.SubjectAdapterQuery("hr-db"), func(msg *transport.Msg) {
		out, _ := json.Marshal(schema.AdapterReply{
			Status: "success",
			Data:   map[string]any{"name": "dana", "salary": 120000},
		})
		_ = msg.Respond(out)
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	var reply schema.KBQueryReply
	raw = request(t, f.bus, schema.SubjectRoutingKBQuery, schema.KBQueryRequest{
		RequesterID: "hr-agent",
		KBID:        "hr-db",
		Operation:   "sql_query",
		Params:      map[string]any{"query": "SELECT name, salary FROM staff"},
		RequestID:   "req-hr-1",
	})
	require.NoError(t, json.Unmarshal(raw, &reply))
	require.Equal(t, "success", reply.Status, "error: %s", reply.Error)
	assert.Equal(t, "req-hr-1", reply.RequestID)

	data := reply.Data.(map[string]any)
	assert.Equal(t, "dana", data["name"])
	assert.Equal(t, "***", data["salary"])
	require.NotNil(t, reply.Audit)
	assert.Equal(t, []string{"salary"}, reply.Audit.FieldsMasked)
}

func TestDirectoryQueryOverSubject(t *testing.T) {
	f := startRouter(t, stubMonitor{running: true})
	srv := healthServer(t)

	request(t, f.bus, schema.SubjectAgentRegister, schema.AgentRegistration{
		Identity:       "finder-agent",
		Version:        "1.0.0",
		Capabilities:   []string{"search"},
		Operations:     []string{"query"},
		HealthEndpoint: srv.URL,
	})

	var reply schema.DirectoryReply
	raw := request(t, f.bus, schema.SubjectDirectoryQuery, schema.DirectoryQuery{
		Type:      "agents",
		RequestID: "dir-1",
	})
	require.NoError(t, json.Unmarshal(raw, &reply))
	assert.Equal(t, 1, reply.TotalCount)
	require.Len(t, reply.Agents, 1)
	assert.Equal(t, "finder-agent", reply.Agents[0].Identity)
	assert.Equal(t, "dir-1", reply.RequestID)

	var errReply schema.ErrorReply
	raw = request(t, f.bus, schema.SubjectDirectoryQuery, schema.DirectoryQuery{Type: "everything"})
	require.NoError(t, json.Unmarshal(raw, &errReply))
	assert.Equal(t, schema.CodeValidation, errReply.Code)
}

func TestAuditSubjects(t *testing.T) {
	f := startRouter(t, stubMonitor{running: true})

	ctx := context.Background()
	_, err := f.logger.Record(ctx, audit.Entry{
		EventType: schema.EventQuery,
		SourceID:  "agent-a",
		TargetID:  "kb-1",
		Outcome:   schema.OutcomeSuccess,
	})
	require.NoError(t, err)
	_, err = f.logger.Record(ctx, audit.Entry{
		EventType: schema.EventInvoke,
		SourceID:  "agent-b",
		TargetID:  "agent-c",
		Outcome:   schema.OutcomeDenied,
	})
	require.NoError(t, err)

	t.Run("query with filter", func(t *testing.T) {
		var reply schema.AuditQueryReply
		raw := request(t, f.bus, schema.SubjectAuditQuery, schema.AuditQueryRequest{
			EventType: "query",
			RequestID: "aq-1",
		})
		require.NoError(t, json.Unmarshal(raw, &reply))
		assert.Equal(t, 1, reply.TotalCount)
		require.Len(t, reply.AuditLogs, 1)
		assert.Equal(t, "agent-a", reply.AuditLogs[0].SourceID)
		assert.Equal(t, "query", reply.FiltersApplied["event_type"])
		assert.EqualValues(t, 100, reply.FiltersApplied["limit"])
		assert.Equal(t, "aq-1", reply.RequestID)
	})

	t.Run("bad time bound", func(t *testing.T) {
		var reply schema.ErrorReply
		raw := request(t, f.bus, schema.SubjectAuditQuery, schema.AuditQueryRequest{
			StartTime: "yesterday",
		})
		require.NoError(t, json.Unmarshal(raw, &reply))
		assert.Equal(t, schema.CodeValidation, reply.Code)
	})

	t.Run("stats", func(t *testing.T) {
		var reply schema.AuditStatsReply
		raw := request(t, f.bus, schema.SubjectAuditStats, schema.AuditStatsRequest{})
		require.NoError(t, json.Unmarshal(raw, &reply))
		assert.Equal(t, 1, reply.OutcomeCounts["success"])
		assert.Equal(t, 1, reply.OutcomeCounts["denied"])
		assert.Equal(t, 1, reply.EventTypeCounts["query"])
		assert.Equal(t, 1, reply.EventTypeCounts["invoke"])
	})

	t.Run("stats scoped by source", func(t *testing.T) {
		var reply schema.AuditStatsReply
		raw := request(t, f.bus, schema.SubjectAuditStats, schema.AuditStatsRequest{
			SourceID: "agent-b",
		})
		require.NoError(t, json.Unmarshal(raw, &reply))
		assert.Equal(t, map[string]int{"denied": 1}, reply.OutcomeCounts)
		assert.Equal(t, map[string]int{"invoke": 1}, reply.EventTypeCounts)
	})
}

func TestHealthSubject(t *testing.T) {
	t.Run("all components up", func(t *testing.T) {
		f := startRouter(t, stubMonitor{running: true})

		var reply schema.HealthReply
		raw := request(t, f.bus, schema.SubjectHealth, map[string]any{"request_id": "h-1"})
		require.NoError(t, json.Unmarshal(raw, &reply))
		assert.Equal(t, "healthy", reply.Status)
		assert.Equal(t, "ok", reply.Components["store"])
		assert.Equal(t, "ok", reply.Components["transport"])
		assert.Equal(t, "ok", reply.Components["policy_evaluator"])
		assert.Equal(t, "ok", reply.Components["health_monitor"])
		assert.Equal(t, "h-1", reply.RequestID)
		require.NotNil(t, reply.Summary)
		assert.Equal(t, 2, reply.Summary.Agents.Active)
		assert.Equal(t, 1, reply.Summary.KBs.Total)
	})

	t.Run("stopped monitor degrades", func(t *testing.T) {
		f := startRouter(t, stubMonitor{running: false})

		var reply schema.HealthReply
		raw := request(t, f.bus, schema.SubjectHealth, map[string]any{})
		require.NoError(t, json.Unmarshal(raw, &reply))
		assert.Equal(t, "degraded", reply.Status)
		assert.Equal(t, "stopped", reply.Components["health_monitor"])
	})

	t.Run("unreachable evaluator degrades", func(t *testing.T) {
		f := startRouter(t, stubMonitor{running: true})
		f.policy.healthy = false

		var reply schema.HealthReply
		raw := request(t, f.bus, schema.SubjectHealth, map[string]any{})
		require.NoError(t, json.Unmarshal(raw, &reply))
		assert.Equal(t, "degraded", reply.Status)
		assert.Equal(t, "unreachable", reply.Components["policy_evaluator"])
	})
}
