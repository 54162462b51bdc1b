package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/agentmesh/mesh/pkg/schema"
	"github.com/agentmesh/mesh/pkg/store"
)

// Service answers audit queries and stats over the store. It is read-only;
// writes go through Logger.
type Service struct {
	store store.Store
}

// NewService builds the audit read surface.
func NewService(st store.Store) *Service {
	return &Service{store: st}
}

// Query returns matching events in append order. Limit defaults to 100; an
// explicit zero returns no rows but the real total_count. A start_time after
// end_time matches nothing and is an empty success.
func (s *Service) Query(ctx context.Context, req schema.AuditQueryRequest) (*schema.AuditQueryReply, error) {
	filter := schema.AuditFilter{
		EventType: schema.EventType(req.EventType),
		SourceID:  req.SourceID,
		TargetID:  req.TargetID,
		Outcome:   schema.Outcome(req.Outcome),
	}

	applied := map[string]any{}
	if req.EventType != "" {
		applied["event_type"] = req.EventType
	}
	if req.SourceID != "" {
		applied["source_id"] = req.SourceID
	}
	if req.TargetID != "" {
		applied["target_id"] = req.TargetID
	}
	if req.Outcome != "" {
		applied["outcome"] = req.Outcome
	}

	if req.StartTime != "" {
		t, err := parseTimeBound(req.StartTime)
		if err != nil {
			return nil, schema.NewError(schema.CodeValidation,
				"invalid start_time %q: expected ISO-8601", req.StartTime)
		}
		filter.StartTime = &t
		applied["start_time"] = req.StartTime
	}
	if req.EndTime != "" {
		t, err := parseTimeBound(req.EndTime)
		if err != nil {
			return nil, schema.NewError(schema.CodeValidation,
				"invalid end_time %q: expected ISO-8601", req.EndTime)
		}
		filter.EndTime = &t
		applied["end_time"] = req.EndTime
	}

	limit := schema.DefaultQueryLimit
	if req.Limit != nil {
		if *req.Limit < 0 {
			return nil, schema.NewError(schema.CodeValidation, "limit cannot be negative")
		}
		limit = *req.Limit
	}
	filter.Limit = limit
	applied["limit"] = limit

	events, total, err := s.store.QueryAudit(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("audit query failed: %w", err)
	}

	logs := make([]schema.AuditEvent, len(events))
	for i, ev := range events {
		logs[i] = *ev
	}
	return &schema.AuditQueryReply{
		AuditLogs:      logs,
		TotalCount:     total,
		FiltersApplied: applied,
		RequestID:      req.RequestID,
	}, nil
}

// Stats counts events by outcome and event type, optionally scoped to one
// source agent.
func (s *Service) Stats(ctx context.Context, req schema.AuditStatsRequest) (*schema.AuditStatsReply, error) {
	reply := &schema.AuditStatsReply{
		OutcomeCounts:   map[string]int{},
		EventTypeCounts: map[string]int{},
		RequestID:       req.RequestID,
	}

	if req.SourceID == "" {
		stats, err := s.store.AuditStats(ctx)
		if err != nil {
			return nil, fmt.Errorf("audit stats failed: %w", err)
		}
		for k, v := range stats.ByOutcome {
			reply.OutcomeCounts[k] = v
		}
		for k, v := range stats.ByEventType {
			reply.EventTypeCounts[k] = v
		}
		return reply, nil
	}

	events, _, err := s.store.QueryAudit(ctx, schema.AuditFilter{
		SourceID: req.SourceID,
		Limit:    -1,
	})
	if err != nil {
		return nil, fmt.Errorf("audit stats failed: %w", err)
	}
	for _, ev := range events {
		reply.OutcomeCounts[string(ev.Outcome)]++
		reply.EventTypeCounts[string(ev.EventType)]++
	}
	return reply, nil
}

// parseTimeBound accepts RFC 3339 with or without sub-second precision, plus
// a bare date.
func parseTimeBound(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable time %q", s)
}
