package directory_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/mesh/pkg/directory"
	"github.com/agentmesh/mesh/pkg/schema"
	"github.com/agentmesh/mesh/pkg/store"
	"github.com/agentmesh/mesh/pkg/transport"
)

func intPtr(n int) *int { return &n }

func seedStore(t *testing.T) *store.Memory {
	t.Helper()
	st := store.NewMemory()
	ctx := context.Background()

	agents := []*schema.AgentRecord{
		{AgentID: "a-1", Identity: "analytics-agent", Version: "1.0.0",
			Capabilities: []string{"data-analysis", "reporting"},
			Operations:   []string{"query"}, Status: schema.StatusActive},
		{AgentID: "a-2", Identity: "ingest-agent", Version: "2.1.0",
			Capabilities: []string{"data-analysis"},
			Operations:   []string{"publish"}, Status: schema.StatusDegraded},
		{AgentID: "a-3", Identity: "ops-agent", Version: "0.9.0",
			Capabilities: []string{"monitoring"},
			Operations:   []string{"subscribe"}, Status: schema.StatusActive},
	}
	for _, a := range agents {
		a.RegisteredAt = time.Now().UTC()
		require.NoError(t, st.SaveAgent(ctx, a))
	}

	kbs := []*schema.KBRecord{
		{KBID: "customer-db", KBType: "postgres", Endpoint: "postgres://db:5432/c",
			Operations: []string{"sql_query"}, Status: schema.StatusActive,
			Credentials: map[string]any{"password": "hunter2"}},
		{KBID: "graph-kb", KBType: "neo4j", Endpoint: "bolt://graph:7687",
			Operations: []string{"cypher_query"}, Status: schema.StatusOffline,
			Credentials: map[string]any{"token": "t0p"}},
	}
	for _, kb := range kbs {
		kb.RegisteredAt = time.Now().UTC()
		require.NoError(t, st.SaveKB(ctx, kb))
	}
	return st
}

func TestQueryBothKinds(t *testing.T) {
	dir := directory.New(seedStore(t))

	reply, err := dir.Query(context.Background(), schema.DirectoryQuery{})
	require.NoError(t, err)
	assert.Len(t, reply.Agents, 3)
	assert.Len(t, reply.KBs, 2)
	assert.Equal(t, 5, reply.TotalCount)
	assert.Empty(t, reply.FiltersApplied)
}

func TestQueryFilters(t *testing.T) {
	dir := directory.New(seedStore(t))
	ctx := context.Background()

	t.Run("agents by capability", func(t *testing.T) {
		reply, err := dir.Query(ctx, schema.DirectoryQuery{
			Type:             "agents",
			CapabilityFilter: []string{"data-analysis"},
		})
		require.NoError(t, err)
		assert.Len(t, reply.Agents, 2)
		assert.Equal(t, 2, reply.TotalCount)
		assert.Equal(t, []string{"data-analysis"}, reply.FiltersApplied["capability"])
	})

	t.Run("capability conjunction", func(t *testing.T) {
		reply, err := dir.Query(ctx, schema.DirectoryQuery{
			Type:             "agents",
			CapabilityFilter: []string{"data-analysis", "reporting"},
		})
		require.NoError(t, err)
		require.Len(t, reply.Agents, 1)
		assert.Equal(t, "analytics-agent", reply.Agents[0].Identity)
	})

	t.Run("kbs by type", func(t *testing.T) {
		reply, err := dir.Query(ctx, schema.DirectoryQuery{
			Type:         "kbs",
			KBTypeFilter: "postgres",
		})
		require.NoError(t, err)
		require.Len(t, reply.KBs, 1)
		assert.Equal(t, "customer-db", reply.KBs[0].KBID)
		assert.Empty(t, reply.Agents)
	})

	t.Run("status across both", func(t *testing.T) {
		reply, err := dir.Query(ctx, schema.DirectoryQuery{StatusFilter: "active"})
		require.NoError(t, err)
		assert.Len(t, reply.Agents, 2)
		assert.Len(t, reply.KBs, 1)
		assert.Equal(t, 3, reply.TotalCount)
	})

	t.Run("unknown status is ignored but echoed", func(t *testing.T) {
		reply, err := dir.Query(ctx, schema.DirectoryQuery{StatusFilter: "bogus"})
		require.NoError(t, err)
		assert.Equal(t, 5, reply.TotalCount)
		assert.Equal(t, "bogus", reply.FiltersApplied["status"])
	})
}

func TestQueryLimit(t *testing.T) {
	dir := directory.New(seedStore(t))
	ctx := context.Background()

	t.Run("zero returns counts only", func(t *testing.T) {
		reply, err := dir.Query(ctx, schema.DirectoryQuery{Limit: intPtr(0)})
		require.NoError(t, err)
		assert.Empty(t, reply.Agents)
		assert.Empty(t, reply.KBs)
		assert.Equal(t, 5, reply.TotalCount)
		assert.Equal(t, 0, reply.FiltersApplied["limit"])
	})

	t.Run("limit truncates but total does not", func(t *testing.T) {
		reply, err := dir.Query(ctx, schema.DirectoryQuery{
			Type:  "agents",
			Limit: intPtr(2),
		})
		require.NoError(t, err)
		assert.Len(t, reply.Agents, 2)
		assert.Equal(t, 3, reply.TotalCount)
	})

	t.Run("negative rejected", func(t *testing.T) {
		_, err := dir.Query(ctx, schema.DirectoryQuery{Limit: intPtr(-1)})
		require.Error(t, err)
		assert.True(t, schema.IsCode(err, schema.CodeValidation))
	})
}

func TestQueryUnknownType(t *testing.T) {
	dir := directory.New(seedStore(t))

	_, err := dir.Query(context.Background(), schema.DirectoryQuery{Type: "services"})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.CodeValidation))
}

func TestQueryNeverSerializesCredentials(t *testing.T) {
	dir := directory.New(seedStore(t))

	reply, err := dir.Query(context.Background(), schema.DirectoryQuery{Type: "kbs"})
	require.NoError(t, err)

	raw, err := json.Marshal(reply)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "hunter2")
	assert.NotContains(t, string(raw), "credentials")
	for _, kb := range reply.KBs {
		assert.Nil(t, kb.Credentials)
	}
}

func TestPublisherEmitsUpdates(t *testing.T) {
	bus := transport.NewMemoryBus()
	defer bus.Close()

	received := make(chan schema.DirectoryUpdate, 1)
	_, err := bus.Subscribe(schema.SubjectDirectoryUpdates, func(msg *transport.Msg) {
		var update schema.DirectoryUpdate
		if json.Unmarshal(msg.Data, &update) == nil {
			received <- update
		}
	})
	require.NoError(t, err)

	pub := directory.NewPublisher(bus)
	err = pub.Publish(context.Background(), schema.UpdateAgentRegistered, map[string]any{
		"identity": "analytics-agent",
	})
	require.NoError(t, err)
	require.NoError(t, bus.Flush())

	select {
	case update := <-received:
		assert.Equal(t, schema.UpdateAgentRegistered, update.Type)
		assert.Equal(t, "analytics-agent", update.Data["identity"])
		assert.WithinDuration(t, time.Now(), update.Timestamp, time.Minute)
	case <-time.After(2 * time.Second):
		t.Fatal("no directory update received")
	}
}
