package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/mesh/pkg/schema"
)

func TestPlaceholderRewrite(t *testing.T) {
	sqlite := NewSQLStore(nil, driverSQLite)
	assert.Equal(t, "a = ? AND b = ?", sqlite.q("a = ? AND b = ?"))

	postgres := NewSQLStore(nil, driverPostgres)
	assert.Equal(t, "a = $1 AND b = $2", postgres.q("a = ? AND b = ?"))
	assert.Equal(t, "no placeholders", postgres.q("no placeholders"))
}

func TestGetAgentUsesPostgresPlaceholders(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewSQLStore(db, driverPostgres)

	rows := sqlmock.NewRows([]string{
		"agent_id", "identity", "version", "capabilities", "operations",
		"schemas", "health_endpoint", "status", "registered_at",
		"last_heartbeat", "metadata",
	}).AddRow(
		"analytics-agent-001", "analytics-agent-001", "1.2.0",
		`["data_analysis"]`, `["query"]`, `{}`, "",
		"active", time.Now().UTC().Format(timeFormat), nil, `{}`,
	)

	mock.ExpectQuery(regexp.QuoteMeta(
		`SELECT `+agentColumns+` FROM agents WHERE agent_id = $1`)).
		WithArgs("analytics-agent-001").
		WillReturnRows(rows)

	rec, err := s.GetAgent(context.Background(), "analytics-agent-001")
	require.NoError(t, err)
	assert.Equal(t, "analytics-agent-001", rec.AgentID)
	assert.Equal(t, []string{"data_analysis"}, rec.Capabilities)
	assert.Equal(t, schema.StatusActive, rec.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveAgentMapsUniqueViolations(t *testing.T) {
	t.Run("postgres", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		s := NewSQLStore(db, driverPostgres)
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO agents")).
			WillReturnError(&pq.Error{Code: "23505"})

		err = s.SaveAgent(context.Background(), &schema.AgentRecord{
			AgentID: "dup-agent", Identity: "dup-agent",
			Status: schema.StatusActive, RegisteredAt: time.Now(),
		})
		require.ErrorIs(t, err, ErrDuplicate)
	})

	t.Run("sqlite", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		s := NewSQLStore(db, driverSQLite)
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO agents")).
			WillReturnError(errors.New("constraint failed: UNIQUE constraint failed: agents.agent_id (1555)"))

		err = s.SaveAgent(context.Background(), &schema.AgentRecord{
			AgentID: "dup-agent", Identity: "dup-agent",
			Status: schema.StatusActive, RegisteredAt: time.Now(),
		})
		require.ErrorIs(t, err, ErrDuplicate)
	})
}

func TestUpdateAgentStatusMissingRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewSQLStore(db, driverSQLite)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE agents SET status = ?")).
		WithArgs("offline", "no-such-agent").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = s.UpdateAgentStatus(context.Background(), "no-such-agent", schema.StatusOffline)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAppendAuditSurfacesWriteFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewSQLStore(db, driverSQLite)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_logs")).
		WillReturnError(errors.New("disk I/O error"))

	err = s.AppendAudit(context.Background(), &schema.AuditEvent{
		ID: "aud-fail", EventType: schema.EventQuery,
		SourceID: "a", TargetID: "b",
		Outcome: schema.OutcomeSuccess, Timestamp: time.Now(),
	})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrDuplicate)
	assert.Contains(t, err.Error(), "disk I/O error")
}

func TestIsDuplicate(t *testing.T) {
	assert.True(t, isDuplicate(&pq.Error{Code: "23505"}))
	assert.False(t, isDuplicate(&pq.Error{Code: "42601"}))
	assert.True(t, isDuplicate(errors.New("UNIQUE constraint failed: agents.identity")))
	assert.False(t, isDuplicate(errors.New("no such table: agents")))
}
