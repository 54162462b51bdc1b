package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/agentmesh/mesh/pkg/schema"
)

const (
	driverSQLite   = "sqlite"
	driverPostgres = "postgres"
)

// timeFormat is RFC 3339 UTC with a fixed nine-digit fraction so that the
// lexical order of stored timestamps matches chronological order.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// SQLStore implements Store on database/sql. Queries are written with ?
// placeholders and rewritten to $n for PostgreSQL.
type SQLStore struct {
	db     *sql.DB
	driver string
	logger *slog.Logger
}

// NewSQLStore wraps an existing connection. driver is "sqlite" or
// "postgres".
func NewSQLStore(db *sql.DB, driver string) *SQLStore {
	return &SQLStore{
		db:     db,
		driver: driver,
		logger: slog.Default().With("component", "store"),
	}
}

// OpenSQLite opens or creates a SQLite database at path.
func OpenSQLite(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite at %s: %w", path, err)
	}
	// Single connection: the driver rejects concurrent writers with BUSY.
	db.SetMaxOpenConns(1)
	return NewSQLStore(db, driverSQLite), nil
}

// OpenPostgres opens a PostgreSQL connection pool for dsn.
func OpenPostgres(dsn string) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	return NewSQLStore(db, driverPostgres), nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// q rewrites ? placeholders to $1..$n for the postgres driver.
func (s *SQLStore) q(query string) string {
	if s.driver != driverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// ---- agents ----

const agentColumns = `agent_id, identity, version, capabilities, operations, schemas, health_endpoint, status, registered_at, last_heartbeat, metadata`

func (s *SQLStore) SaveAgent(ctx context.Context, rec *schema.AgentRecord) error {
	query := `INSERT INTO agents (` + agentColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, s.q(query),
		rec.AgentID,
		rec.Identity,
		rec.Version,
		jsonText(rec.Capabilities),
		jsonText(rec.Operations),
		jsonText(rec.Schemas),
		rec.HealthEndpoint,
		string(rec.Status),
		rec.RegisteredAt.UTC().Format(timeFormat),
		nullableTime(rec.LastHeartbeat),
		jsonText(rec.Metadata),
	)
	if err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("agent %s: %w", rec.AgentID, ErrDuplicate)
		}
		return fmt.Errorf("failed to insert agent: %w", err)
	}
	return nil
}

func (s *SQLStore) GetAgent(ctx context.Context, agentID string) (*schema.AgentRecord, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE agent_id = ?`
	rec, err := scanAgent(s.db.QueryRowContext(ctx, s.q(query), agentID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return rec, nil
}

func (s *SQLStore) ListAgents(ctx context.Context, filter schema.RegistryFilter) ([]*schema.AgentRecord, error) {
	query := `SELECT ` + agentColumns + ` FROM agents`
	var conds []string
	var args []any
	if filter.Identity != "" {
		conds = append(conds, "identity = ?")
		args = append(args, filter.Identity)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY agent_id"

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*schema.AgentRecord
	for rows.Next() {
		rec, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		// Capability subsets live in JSON columns, filtered here.
		if !hasAll(rec.Capabilities, filter.Capabilities) {
			continue
		}
		out = append(out, rec)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, rows.Err()
}

func (s *SQLStore) UpdateAgentStatus(ctx context.Context, agentID string, status schema.Status) error {
	return s.exec1(ctx,
		`UPDATE agents SET status = ? WHERE agent_id = ?`,
		"agent "+agentID,
		string(status), agentID)
}

func (s *SQLStore) UpdateAgentHeartbeat(ctx context.Context, agentID string, at time.Time) error {
	return s.exec1(ctx,
		`UPDATE agents SET last_heartbeat = ? WHERE agent_id = ?`,
		"agent "+agentID,
		at.UTC().Format(timeFormat), agentID)
}

func (s *SQLStore) UpdateAgentCapabilities(ctx context.Context, agentID string, capabilities, operations []string) error {
	return s.exec1(ctx,
		`UPDATE agents SET capabilities = ?, operations = ? WHERE agent_id = ?`,
		"agent "+agentID,
		jsonText(capabilities), jsonText(operations), agentID)
}

func (s *SQLStore) DeleteAgent(ctx context.Context, agentID string) error {
	return s.exec1(ctx,
		`DELETE FROM agents WHERE agent_id = ?`,
		"agent "+agentID,
		agentID)
}

// ---- knowledge bases ----

const kbColumns = `kb_id, kb_type, endpoint, operations, kb_schema, credentials, status, registered_at, last_health_check, metadata`

func (s *SQLStore) SaveKB(ctx context.Context, rec *schema.KBRecord) error {
	query := `INSERT INTO knowledge_bases (` + kbColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, s.q(query),
		rec.KBID,
		rec.KBType,
		rec.Endpoint,
		jsonText(rec.Operations),
		jsonText(rec.KBSchema),
		jsonText(rec.Credentials),
		string(rec.Status),
		rec.RegisteredAt.UTC().Format(timeFormat),
		nullableTime(rec.LastHealthCheck),
		jsonText(rec.Metadata),
	)
	if err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("knowledge base %s: %w", rec.KBID, ErrDuplicate)
		}
		return fmt.Errorf("failed to insert knowledge base: %w", err)
	}
	return nil
}

func (s *SQLStore) GetKB(ctx context.Context, kbID string) (*schema.KBRecord, error) {
	query := `SELECT ` + kbColumns + ` FROM knowledge_bases WHERE kb_id = ?`
	rec, err := scanKB(s.db.QueryRowContext(ctx, s.q(query), kbID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("knowledge base %s: %w", kbID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get knowledge base: %w", err)
	}
	return rec, nil
}

func (s *SQLStore) ListKBs(ctx context.Context, filter schema.RegistryFilter) ([]*schema.KBRecord, error) {
	query := `SELECT ` + kbColumns + ` FROM knowledge_bases`
	var conds []string
	var args []any
	if filter.KBID != "" {
		conds = append(conds, "kb_id = ?")
		args = append(args, filter.KBID)
	}
	if filter.KBType != "" {
		conds = append(conds, "kb_type = ?")
		args = append(args, filter.KBType)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY kb_id"

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list knowledge bases: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*schema.KBRecord
	for rows.Next() {
		rec, err := scanKB(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan knowledge base: %w", err)
		}
		out = append(out, rec)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, rows.Err()
}

func (s *SQLStore) UpdateKBStatus(ctx context.Context, kbID string, status schema.Status) error {
	return s.exec1(ctx,
		`UPDATE knowledge_bases SET status = ? WHERE kb_id = ?`,
		"knowledge base "+kbID,
		string(status), kbID)
}

func (s *SQLStore) UpdateKBHealthCheck(ctx context.Context, kbID string, at time.Time) error {
	return s.exec1(ctx,
		`UPDATE knowledge_bases SET last_health_check = ? WHERE kb_id = ?`,
		"knowledge base "+kbID,
		at.UTC().Format(timeFormat), kbID)
}

func (s *SQLStore) DeleteKB(ctx context.Context, kbID string) error {
	return s.exec1(ctx,
		`DELETE FROM knowledge_bases WHERE kb_id = ?`,
		"knowledge base "+kbID,
		kbID)
}

// ---- policies ----

const policyColumns = `policy_id, body, precedence, active, created_at, updated_at, metadata`

func (s *SQLStore) SavePolicy(ctx context.Context, rec *schema.PolicyRecord) error {
	query := `INSERT INTO policies (` + policyColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (policy_id) DO UPDATE SET
			body = EXCLUDED.body,
			precedence = EXCLUDED.precedence,
			active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at,
			metadata = EXCLUDED.metadata`
	_, err := s.db.ExecContext(ctx, s.q(query),
		rec.PolicyID,
		rec.Body,
		rec.Precedence,
		boolInt(rec.Active),
		rec.CreatedAt.UTC().Format(timeFormat),
		rec.UpdatedAt.UTC().Format(timeFormat),
		jsonText(rec.Metadata),
	)
	if err != nil {
		return fmt.Errorf("failed to save policy: %w", err)
	}
	return nil
}

func (s *SQLStore) GetPolicy(ctx context.Context, policyID string) (*schema.PolicyRecord, error) {
	query := `SELECT ` + policyColumns + ` FROM policies WHERE policy_id = ?`
	rec, err := scanPolicy(s.db.QueryRowContext(ctx, s.q(query), policyID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("policy %s: %w", policyID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get policy: %w", err)
	}
	return rec, nil
}

func (s *SQLStore) ListPolicies(ctx context.Context) ([]*schema.PolicyRecord, error) {
	query := `SELECT ` + policyColumns + ` FROM policies ORDER BY precedence DESC, policy_id`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list policies: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*schema.PolicyRecord
	for rows.Next() {
		rec, err := scanPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan policy: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLStore) DeletePolicy(ctx context.Context, policyID string) error {
	return s.exec1(ctx,
		`DELETE FROM policies WHERE policy_id = ?`,
		"policy "+policyID,
		policyID)
}

// ---- audit ----

const auditColumns = `id, event_type, source_id, target_id, outcome, timestamp, request_metadata, policy_decision, masked_fields, full_request, full_response, provenance_chain`

func (s *SQLStore) AppendAudit(ctx context.Context, ev *schema.AuditEvent) error {
	query := `INSERT INTO audit_logs (` + auditColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, s.q(query),
		ev.ID,
		string(ev.EventType),
		ev.SourceID,
		ev.TargetID,
		string(ev.Outcome),
		ev.Timestamp.UTC().Format(timeFormat),
		jsonText(ev.RequestMetadata),
		jsonText(ev.PolicyDecision),
		jsonText(ev.MaskedFields),
		nullableJSON(ev.FullRequest),
		nullableJSON(ev.FullResponse),
		jsonText(ev.ProvenanceChain),
	)
	if err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("audit event %s: %w", ev.ID, ErrDuplicate)
		}
		return fmt.Errorf("failed to append audit event: %w", err)
	}
	return nil
}

func (s *SQLStore) LastAudit(ctx context.Context) (*schema.AuditEvent, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_logs ORDER BY seq DESC LIMIT 1`
	ev, err := scanAudit(s.db.QueryRowContext(ctx, query))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read audit chain head: %w", err)
	}
	return ev, nil
}

func (s *SQLStore) QueryAudit(ctx context.Context, filter schema.AuditFilter) ([]*schema.AuditEvent, int, error) {
	var conds []string
	var args []any
	if filter.EventType != "" {
		conds = append(conds, "event_type = ?")
		args = append(args, string(filter.EventType))
	}
	if filter.SourceID != "" {
		conds = append(conds, "source_id = ?")
		args = append(args, filter.SourceID)
	}
	if filter.TargetID != "" {
		conds = append(conds, "target_id = ?")
		args = append(args, filter.TargetID)
	}
	if filter.Outcome != "" {
		conds = append(conds, "outcome = ?")
		args = append(args, string(filter.Outcome))
	}
	if filter.StartTime != nil {
		conds = append(conds, "timestamp >= ?")
		args = append(args, filter.StartTime.UTC().Format(timeFormat))
	}
	if filter.EndTime != nil {
		conds = append(conds, "timestamp <= ?")
		args = append(args, filter.EndTime.UTC().Format(timeFormat))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	countQuery := `SELECT COUNT(*) FROM audit_logs` + where
	if err := s.db.QueryRowContext(ctx, s.q(countQuery), args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count audit events: %w", err)
	}

	// A zero limit still reports the real total.
	if filter.Limit == 0 {
		return nil, total, nil
	}

	query := `SELECT ` + auditColumns + ` FROM audit_logs` + where + ` ORDER BY seq`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*schema.AuditEvent
	for rows.Next() {
		ev, err := scanAudit(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan audit event: %w", err)
		}
		out = append(out, ev)
	}
	return out, total, rows.Err()
}

func (s *SQLStore) AuditStats(ctx context.Context) (*AuditStats, error) {
	stats := &AuditStats{
		ByEventType: make(map[string]int),
		ByOutcome:   make(map[string]int),
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit_logs`).Scan(&stats.TotalEntries); err != nil {
		return nil, fmt.Errorf("failed to count audit events: %w", err)
	}

	if err := s.groupCount(ctx, "event_type", stats.ByEventType); err != nil {
		return nil, err
	}
	if err := s.groupCount(ctx, "outcome", stats.ByOutcome); err != nil {
		return nil, err
	}

	var earliest, latest sql.NullString
	if err := s.db.QueryRowContext(ctx,
		`SELECT MIN(timestamp), MAX(timestamp) FROM audit_logs`).Scan(&earliest, &latest); err != nil {
		return nil, fmt.Errorf("failed to read audit time range: %w", err)
	}
	stats.Earliest = timePtrFrom(earliest)
	stats.Latest = timePtrFrom(latest)

	return stats, nil
}

func (s *SQLStore) groupCount(ctx context.Context, column string, into map[string]int) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+column+`, COUNT(*) FROM audit_logs GROUP BY `+column)
	if err != nil {
		return fmt.Errorf("failed to group audit events by %s: %w", column, err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var key string
		var count int
		if err := rows.Scan(&key, &count); err != nil {
			return fmt.Errorf("failed to scan audit group: %w", err)
		}
		into[key] = count
	}
	return rows.Err()
}

// ---- helpers ----

// exec1 runs a statement that must affect exactly one row; zero rows means
// the target record does not exist.
func (s *SQLStore) exec1(ctx context.Context, query, subject string, args ...any) error {
	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", subject, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", subject, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", subject, ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(sc rowScanner) (*schema.AgentRecord, error) {
	var (
		agentID, identity, version, status, registeredAt        string
		caps, ops, schemas, healthEndpoint, lastHeartbeat, meta sql.NullString
	)
	if err := sc.Scan(&agentID, &identity, &version, &caps, &ops, &schemas,
		&healthEndpoint, &status, &registeredAt, &lastHeartbeat, &meta); err != nil {
		return nil, err
	}
	return &schema.AgentRecord{
		AgentID:        agentID,
		Identity:       identity,
		Version:        version,
		Capabilities:   stringsFromJSON(caps),
		Operations:     stringsFromJSON(ops),
		Schemas:        mapFromJSON(schemas),
		HealthEndpoint: healthEndpoint.String,
		Status:         schema.Status(status),
		RegisteredAt:   parseTime(registeredAt),
		LastHeartbeat:  timePtrFrom(lastHeartbeat),
		Metadata:       mapFromJSON(meta),
	}, nil
}

func scanKB(sc rowScanner) (*schema.KBRecord, error) {
	var (
		kbID, kbType, endpoint, status, registeredAt string
		ops, kbSchema, creds, lastHealthCheck, meta  sql.NullString
	)
	if err := sc.Scan(&kbID, &kbType, &endpoint, &ops, &kbSchema, &creds,
		&status, &registeredAt, &lastHealthCheck, &meta); err != nil {
		return nil, err
	}
	return &schema.KBRecord{
		KBID:            kbID,
		KBType:          kbType,
		Endpoint:        endpoint,
		Operations:      stringsFromJSON(ops),
		KBSchema:        mapFromJSON(kbSchema),
		Credentials:     mapFromJSON(creds),
		Status:          schema.Status(status),
		RegisteredAt:    parseTime(registeredAt),
		LastHealthCheck: timePtrFrom(lastHealthCheck),
		Metadata:        mapFromJSON(meta),
	}, nil
}

func scanPolicy(sc rowScanner) (*schema.PolicyRecord, error) {
	var (
		policyID, body, createdAt, updatedAt string
		precedence, active                   int
		meta                                 sql.NullString
	)
	if err := sc.Scan(&policyID, &body, &precedence, &active,
		&createdAt, &updatedAt, &meta); err != nil {
		return nil, err
	}
	return &schema.PolicyRecord{
		PolicyID:   policyID,
		Body:       body,
		Precedence: precedence,
		Active:     active != 0,
		CreatedAt:  parseTime(createdAt),
		UpdatedAt:  parseTime(updatedAt),
		Metadata:   mapFromJSON(meta),
	}, nil
}

func scanAudit(sc rowScanner) (*schema.AuditEvent, error) {
	var (
		id, eventType, sourceID, targetID, outcome, timestamp string
		reqMeta, decision, masked, fullReq, fullResp, chain   sql.NullString
	)
	if err := sc.Scan(&id, &eventType, &sourceID, &targetID, &outcome, &timestamp,
		&reqMeta, &decision, &masked, &fullReq, &fullResp, &chain); err != nil {
		return nil, err
	}
	return &schema.AuditEvent{
		ID:              id,
		EventType:       schema.EventType(eventType),
		SourceID:        sourceID,
		TargetID:        targetID,
		Outcome:         schema.Outcome(outcome),
		Timestamp:       parseTime(timestamp),
		RequestMetadata: mapFromJSON(reqMeta),
		PolicyDecision:  mapFromJSON(decision),
		MaskedFields:    stringsFromJSON(masked),
		FullRequest:     anyFromJSON(fullReq),
		FullResponse:    anyFromJSON(fullResp),
		ProvenanceChain: stringsFromJSON(chain),
	}, nil
}

func jsonText(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

func nullableJSON(v any) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: jsonText(v), Valid: true}
}

func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(timeFormat), Valid: true}
}

func stringsFromJSON(s sql.NullString) []string {
	if !s.Valid || s.String == "" || s.String == "null" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(s.String), &out)
	return out
}

func mapFromJSON(s sql.NullString) map[string]any {
	if !s.Valid || s.String == "" || s.String == "null" {
		return nil
	}
	var out map[string]any
	_ = json.Unmarshal([]byte(s.String), &out)
	return out
}

func anyFromJSON(s sql.NullString) any {
	if !s.Valid || s.String == "" || s.String == "null" {
		return nil
	}
	var out any
	_ = json.Unmarshal([]byte(s.String), &out)
	return out
}

func timePtrFrom(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	if t.IsZero() {
		return nil
	}
	return &t
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}

// hasAll reports whether have contains every element of want.
func hasAll(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(have))
	for _, h := range have {
		set[h] = struct{}{}
	}
	for _, w := range want {
		if _, ok := set[w]; !ok {
			return false
		}
	}
	return true
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isDuplicate(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
