// Package server composes the broker process: one store, one transport
// connection, one policy client, and the full service graph behind the
// mesh.* subjects.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/agentmesh/mesh/pkg/audit"
	"github.com/agentmesh/mesh/pkg/config"
	"github.com/agentmesh/mesh/pkg/directory"
	"github.com/agentmesh/mesh/pkg/enforce"
	"github.com/agentmesh/mesh/pkg/health"
	"github.com/agentmesh/mesh/pkg/observability"
	"github.com/agentmesh/mesh/pkg/policy"
	"github.com/agentmesh/mesh/pkg/registry"
	"github.com/agentmesh/mesh/pkg/router"
	"github.com/agentmesh/mesh/pkg/store"
	"github.com/agentmesh/mesh/pkg/transport"
)

// Options overrides parts of the composition. Anything nil is built from
// Config, so production passes Config alone and tests inject an in-memory
// bus, store, or evaluator stub.
type Options struct {
	Config *config.Config
	Conn   transport.Conn
	Store  store.Store
	Policy policy.Client
	Prober registry.Prober

	// Observability instruments the governed request path. The caller owns
	// its lifecycle; Stop does not shut it down.
	Observability *observability.Provider
}

// Mesh is the composed broker.
type Mesh struct {
	conn    transport.Conn
	store   store.Store
	rdb     *redis.Client
	auditor *audit.Logger
	enforce *enforce.Service
	router  *router.Router
	monitor *health.Monitor
	logger  *slog.Logger
}

// New builds the full service graph and migrates the store. Nothing is
// subscribed until Start.
func New(ctx context.Context, opts Options) (*Mesh, error) {
	cfg := opts.Config
	if cfg == nil {
		loaded, err := config.Load()
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	st := opts.Store
	if st == nil {
		opened, err := store.Open(cfg.StoreDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open store: %w", err)
		}
		st = opened
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to migrate store: %w", err)
	}

	auditor, err := audit.NewLogger(ctx, st, audit.Config{
		HeavyPayloads:   cfg.AuditHeavy,
		MaxPayloadBytes: cfg.AuditMaxBytes,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	pol := opts.Policy
	if pol == nil {
		pol = policy.NewOPAClient(policy.OPAConfig{URL: cfg.PolicyURL})
	}
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pol = policy.WithCache(pol, rdb, cfg.CacheTTL)
	}

	conn := opts.Conn
	if conn == nil {
		dialed, err := transport.DialNATS(cfg.TransportURL)
		if err != nil {
			if rdb != nil {
				_ = rdb.Close()
			}
			_ = st.Close()
			return nil, err
		}
		conn = dialed
	}

	reg := registry.New(registry.Deps{
		Store:    st,
		Audit:    auditor,
		Notifier: directory.NewPublisher(conn),
		Prober:   opts.Prober,
	})
	enf := enforce.New(enforce.Deps{
		Registry: reg,
		Policy:   pol,
		Audit:    auditor,
		Conn:     conn,
		Config: enforce.Config{
			DispatchTimeout: cfg.DispatchTimeout,
			KBTimeouts:      cfg.KBTimeouts,
		},
		Obs: opts.Observability,
	})
	mon := health.New(health.Deps{
		Registry: reg,
		Audit:    auditor,
		Prober:   opts.Prober,
		Config: health.Config{
			Interval:      cfg.HealthInterval,
			FailThreshold: cfg.HealthFailThreshold,
		},
	})
	rt, err := router.New(router.Deps{
		Registry:  reg,
		Directory: directory.New(st),
		Enforce:   enf,
		Audit:     audit.NewService(st),
		Policy:    pol,
		Store:     st,
		Monitor:   mon,
		Conn:      conn,
		Config:    router.Config{RequestTimeout: cfg.RequestTimeout},
	})
	if err != nil {
		enf.Close()
		_ = conn.Close()
		if rdb != nil {
			_ = rdb.Close()
		}
		_ = st.Close()
		return nil, err
	}

	return &Mesh{
		conn:    conn,
		store:   st,
		rdb:     rdb,
		auditor: auditor,
		enforce: enf,
		router:  rt,
		monitor: mon,
		logger:  slog.Default().With("component", "server"),
	}, nil
}

// Start subscribes the service subjects and begins the health sweep.
func (m *Mesh) Start(ctx context.Context) error {
	if err := m.router.Start(); err != nil {
		return err
	}
	if err := m.monitor.Start(ctx); err != nil {
		m.router.Stop()
		return err
	}
	m.logger.Info("mesh broker started")
	return nil
}

// Stop tears the broker down in reverse order: health sweep, subject
// subscriptions, in-flight invocation completions, transport, cache, store.
func (m *Mesh) Stop() error {
	m.monitor.Stop()
	m.router.Stop()
	m.enforce.Close()

	var errs []error
	if err := m.conn.Drain(); err != nil {
		errs = append(errs, fmt.Errorf("transport drain: %w", err))
	}
	if m.rdb != nil {
		if err := m.rdb.Close(); err != nil {
			errs = append(errs, fmt.Errorf("cache close: %w", err))
		}
	}
	if err := m.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	m.logger.Info("mesh broker stopped")
	return errors.Join(errs...)
}

// AuditLogger exposes the hash-chained writer, for chain verification.
func (m *Mesh) AuditLogger() *audit.Logger {
	return m.auditor
}
