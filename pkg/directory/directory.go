// Package directory serves the read-only, filterable view over the
// registry and publishes update events when the registry commits a change.
// Credentials never leave this package: every KB record is stripped before
// it is serialized.
package directory

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/agentmesh/mesh/pkg/schema"
	"github.com/agentmesh/mesh/pkg/store"
)

// Directory answers discovery queries.
type Directory struct {
	store  store.Store
	logger *slog.Logger
}

// New builds a Directory over the given store.
func New(st store.Store) *Directory {
	return &Directory{
		store:  st,
		logger: slog.Default().With("component", "directory"),
	}
}

// Query lists agents, KBs, or both, honoring the filters. The limit is
// advisory and defaults to 100; an explicit zero returns no rows while
// total_count still reflects the full filtered set.
func (d *Directory) Query(ctx context.Context, q schema.DirectoryQuery) (*schema.DirectoryReply, error) {
	wantAgents, wantKBs, err := selectKinds(q.Type)
	if err != nil {
		return nil, err
	}
	limit := schema.DefaultQueryLimit
	if q.Limit != nil {
		if *q.Limit < 0 {
			return nil, schema.NewError(schema.CodeValidation, "limit cannot be negative")
		}
		limit = *q.Limit
	}

	status := schema.Status(q.StatusFilter)
	if q.StatusFilter != "" && !status.Valid() {
		// Matches the broker's established behavior: an unknown status is
		// dropped from the query but still echoed in filters_applied.
		d.logger.Warn("ignoring unknown status filter", "status", q.StatusFilter)
		status = ""
	}

	reply := &schema.DirectoryReply{
		FiltersApplied: filtersApplied(q),
		RequestID:      q.RequestID,
	}

	if wantAgents {
		agents, err := d.store.ListAgents(ctx, schema.RegistryFilter{
			Capabilities: q.CapabilityFilter,
			Status:       status,
		})
		if err != nil {
			return nil, fmt.Errorf("directory agent query failed: %w", err)
		}
		reply.TotalCount += len(agents)
		for _, rec := range clamp(agents, limit) {
			reply.Agents = append(reply.Agents, *rec)
		}
	}

	if wantKBs {
		kbs, err := d.store.ListKBs(ctx, schema.RegistryFilter{
			KBType: q.KBTypeFilter,
			Status: status,
		})
		if err != nil {
			return nil, fmt.Errorf("directory kb query failed: %w", err)
		}
		reply.TotalCount += len(kbs)
		for _, rec := range clamp(kbs, limit) {
			reply.KBs = append(reply.KBs, rec.Public())
		}
	}

	return reply, nil
}

func selectKinds(kind string) (agents, kbs bool, err error) {
	switch kind {
	case "":
		return true, true, nil
	case "agents":
		return true, false, nil
	case "kbs":
		return false, true, nil
	default:
		return false, false, schema.NewError(schema.CodeValidation,
			"unknown directory type %q (use agents, kbs, or omit for both)", kind)
	}
}

func filtersApplied(q schema.DirectoryQuery) map[string]any {
	applied := map[string]any{}
	if q.Type != "" {
		applied["type"] = q.Type
	}
	if len(q.CapabilityFilter) > 0 {
		applied["capability"] = q.CapabilityFilter
	}
	if q.StatusFilter != "" {
		applied["status"] = q.StatusFilter
	}
	if q.KBTypeFilter != "" {
		applied["kb_type"] = q.KBTypeFilter
	}
	if q.Limit != nil {
		applied["limit"] = *q.Limit
	}
	return applied
}

func clamp[T any](in []T, limit int) []T {
	if len(in) > limit {
		return in[:limit]
	}
	return in
}
