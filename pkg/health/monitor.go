// Package health runs the broker's background liveness sweep: an HTTP GET
// against every registered agent's health endpoint and a driver handshake
// against every KB, on an interval, with escalation after repeated failures.
// Status transitions go through the registry, which publishes the change;
// the monitor appends the audit trail for each transition.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/agentmesh/mesh/pkg/audit"
	"github.com/agentmesh/mesh/pkg/registry"
	"github.com/agentmesh/mesh/pkg/schema"
)

const (
	defaultInterval      = 30 * time.Second
	defaultFailThreshold = 3
	defaultProbeTimeout  = 5 * time.Second
	defaultProbesPerSec  = 20
)

// Heartbeat freshness windows for Summary classification.
const (
	heartbeatActiveWindow   = time.Minute
	heartbeatDegradedWindow = 5 * time.Minute
)

// Config tunes the sweep.
type Config struct {
	// Interval between sweeps.
	Interval time.Duration

	// FailThreshold is the consecutive-failure count that escalates the
	// status one level (active to degraded, degraded to offline).
	FailThreshold int

	// ProbeTimeout bounds each individual probe.
	ProbeTimeout time.Duration

	// ProbesPerSec paces the fan-out so a large registry does not burst.
	ProbesPerSec float64
}

func (c *Config) fill() {
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.FailThreshold <= 0 {
		c.FailThreshold = defaultFailThreshold
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = defaultProbeTimeout
	}
	if c.ProbesPerSec <= 0 {
		c.ProbesPerSec = defaultProbesPerSec
	}
}

// Deps wires the monitor's collaborators. Prober and HTTP default when nil.
type Deps struct {
	Registry *registry.Registry
	Audit    *audit.Logger
	Prober   registry.Prober
	HTTP     *http.Client
	Config   Config
}

// Monitor is the background health sweeper.
type Monitor struct {
	registry *registry.Registry
	audit    *audit.Logger
	prober   registry.Prober
	http     *http.Client
	cfg      Config
	limiter  *rate.Limiter
	logger   *slog.Logger

	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	failures map[string]int
}

// New builds a Monitor.
func New(deps Deps) *Monitor {
	deps.Config.fill()
	if deps.Prober == nil {
		deps.Prober = registry.DriverProber{}
	}
	if deps.HTTP == nil {
		deps.HTTP = &http.Client{Timeout: deps.Config.ProbeTimeout}
	}
	return &Monitor{
		registry: deps.Registry,
		audit:    deps.Audit,
		prober:   deps.Prober,
		http:     deps.HTTP,
		cfg:      deps.Config,
		limiter:  rate.NewLimiter(rate.Limit(deps.Config.ProbesPerSec), 1),
		logger:   slog.Default().With("component", "health"),
		failures: make(map[string]int),
	}
}

// Start begins the sweep loop.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("health monitor already running")
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.mu.Unlock()

	go m.loop(ctx)
	m.logger.Info("health monitor started",
		"interval", m.cfg.Interval, "fail_threshold", m.cfg.FailThreshold)
	return nil
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	done := m.doneCh
	m.mu.Unlock()

	<-done
}

// Running reports whether the loop is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.Sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep probes every registered agent and KB once and applies the failure
// escalation rules.
func (m *Monitor) Sweep(ctx context.Context) {
	agents, err := m.registry.ListAgents(ctx, schema.RegistryFilter{})
	if err != nil {
		m.logger.Error("agent sweep aborted", "error", err)
	} else {
		for _, rec := range agents {
			if err := m.limiter.Wait(ctx); err != nil {
				return
			}
			m.applyResult(ctx, "agent", rec.Identity, rec.Status, m.probeAgent(ctx, rec))
		}
	}

	kbs, err := m.registry.ListKBs(ctx, schema.RegistryFilter{})
	if err != nil {
		m.logger.Error("kb sweep aborted", "error", err)
		return
	}
	for _, rec := range kbs {
		if err := m.limiter.Wait(ctx); err != nil {
			return
		}
		m.applyResult(ctx, "kb", rec.KBID, rec.Status, m.probeKB(ctx, rec))
	}
}

func (m *Monitor) probeAgent(ctx context.Context, rec *schema.AgentRecord) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rec.HealthEndpoint, nil)
	if err != nil {
		return fmt.Errorf("bad health endpoint: %w", err)
	}
	resp, err := m.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health endpoint answered %d", resp.StatusCode)
	}
	return nil
}

func (m *Monitor) probeKB(ctx context.Context, rec *schema.KBRecord) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	if err := m.prober.Probe(ctx, rec.KBType, rec.Endpoint, rec.Credentials); err != nil {
		return err
	}
	if err := m.registry.RecordKBHealthCheck(ctx, rec.KBID); err != nil {
		m.logger.Warn("health check stamp failed", "kb_id", rec.KBID, "error", err)
	}
	return nil
}

// applyResult updates the rolling failure window. Any success resets the
// window and restores active; FailThreshold consecutive failures escalate
// the status one level.
func (m *Monitor) applyResult(ctx context.Context, entity, id string, current schema.Status, probeErr error) {
	key := entity + ":" + id

	if probeErr == nil {
		m.mu.Lock()
		delete(m.failures, key)
		m.mu.Unlock()
		if current != schema.StatusActive {
			m.transition(ctx, entity, id, current, schema.StatusActive, 0, "probe succeeded")
		}
		return
	}

	m.mu.Lock()
	m.failures[key]++
	count := m.failures[key]
	escalate := count >= m.cfg.FailThreshold
	if escalate {
		m.failures[key] = 0
	}
	m.mu.Unlock()

	m.logger.Debug("probe failed",
		"entity", entity, "id", id, "consecutive", count, "error", probeErr)

	if !escalate {
		return
	}
	next := current
	switch current {
	case schema.StatusActive:
		next = schema.StatusDegraded
	case schema.StatusDegraded:
		next = schema.StatusOffline
	}
	if next == current {
		return
	}
	m.transition(ctx, entity, id, current, next, count, probeErr.Error())
}

// transition moves the status through the registry (which publishes
// status_changed) and appends the audit row for the change.
func (m *Monitor) transition(ctx context.Context, entity, id string, from, to schema.Status, failures int, reason string) {
	var err error
	if entity == "agent" {
		err = m.registry.UpdateAgentStatus(ctx, id, to)
	} else {
		err = m.registry.UpdateKBStatus(ctx, id, to)
	}
	if err != nil {
		m.logger.Error("status transition failed",
			"entity", entity, "id", id, "to", to, "error", err)
		return
	}

	if m.audit != nil {
		if _, err := m.audit.Record(ctx, audit.Entry{
			EventType: schema.EventRegister,
			SourceID:  "health-monitor",
			TargetID:  id,
			Outcome:   schema.OutcomeSuccess,
			RequestMetadata: map[string]any{
				"action":               "status_change",
				"entity":               entity,
				"from":                 string(from),
				"to":                   string(to),
				"consecutive_failures": failures,
				"reason":               reason,
			},
		}); err != nil {
			m.logger.Error("status change audit failed",
				"entity", entity, "id", id, "error", err)
		}
	}
}

// Summarize classifies the fleet. Agents with a heartbeat are judged by its
// freshness (under a minute active, under five degraded, otherwise offline);
// agents that never sent one, and all KBs, report their stored status.
func (m *Monitor) Summarize(ctx context.Context) (*schema.HealthSummary, error) {
	agents, err := m.registry.ListAgents(ctx, schema.RegistryFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	kbs, err := m.registry.ListKBs(ctx, schema.RegistryFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to list KBs: %w", err)
	}

	now := time.Now().UTC()
	sum := &schema.HealthSummary{Timestamp: now}
	for _, rec := range agents {
		tally(&sum.Agents, effectiveStatus(rec, now))
	}
	for _, rec := range kbs {
		tally(&sum.KBs, rec.Status)
	}
	return sum, nil
}

func tally(c *schema.StatusCounts, s schema.Status) {
	c.Total++
	switch s {
	case schema.StatusActive:
		c.Active++
	case schema.StatusDegraded:
		c.Degraded++
	case schema.StatusOffline:
		c.Offline++
	}
}

func effectiveStatus(rec *schema.AgentRecord, now time.Time) schema.Status {
	if rec.LastHeartbeat == nil {
		return rec.Status
	}
	age := now.Sub(*rec.LastHeartbeat)
	switch {
	case age < heartbeatActiveWindow:
		return schema.StatusActive
	case age < heartbeatDegradedWindow:
		return schema.StatusDegraded
	default:
		return schema.StatusOffline
	}
}
