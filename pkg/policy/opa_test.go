package policy_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/mesh/pkg/policy"
	"github.com/agentmesh/mesh/pkg/schema"
)

// fakeOPA mimics the evaluator's REST surface: a decision document plus
// policy CRUD.
type fakeOPA struct {
	mu       sync.Mutex
	policies map[string]string
}

func newFakeOPA(t *testing.T) (*fakeOPA, *policy.OPAClient) {
	t.Helper()
	f := &fakeOPA{policies: make(map[string]string)}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/data/agentmesh/decision", f.decide)
	mux.HandleFunc("/v1/policies", f.list)
	mux.HandleFunc("/v1/policies/", f.crud)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, policy.NewOPAClient(policy.OPAConfig{URL: srv.URL})
}

func (f *fakeOPA) decide(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Input policy.Input `json:"input"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	switch req.Input.ResourceID {
	case "undefined-kb":
		// No decision document defined for this input.
		w.Write([]byte(`{}`))
	case "denied-kb":
		json.NewEncoder(w).Encode(map[string]any{"result": policy.Decision{
			Allow: false, Reason: "write access denied", PolicyVersion: "v7",
		}})
	default:
		json.NewEncoder(w).Encode(map[string]any{"result": policy.Decision{
			Allow:         true,
			MaskingRules:  []string{"ssn", "ssn", "customer.email"},
			PolicyVersion: "v7",
		}})
	}
}

func (f *fakeOPA) list(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var result []policy.EvaluatorPolicy
	for id, raw := range f.policies {
		result = append(result, policy.EvaluatorPolicy{ID: id, Raw: raw})
	}
	json.NewEncoder(w).Encode(map[string]any{"result": result})
}

func (f *fakeOPA) crud(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/policies/")
	f.mu.Lock()
	defer f.mu.Unlock()

	switch r.Method {
	case http.MethodPut:
		raw, _ := io.ReadAll(r.Body)
		if strings.Contains(string(raw), "syntax-error") {
			http.Error(w, `{"code":"invalid_parameter","message":"rego_parse_error"}`,
				http.StatusBadRequest)
			return
		}
		f.policies[id] = string(raw)
		w.Write([]byte(`{}`))
	case http.MethodGet:
		raw, ok := f.policies[id]
		if !ok {
			http.Error(w, `{"code":"resource_not_found"}`, http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"result": policy.EvaluatorPolicy{ID: id, Raw: raw},
		})
	case http.MethodDelete:
		if _, ok := f.policies[id]; !ok {
			http.Error(w, `{"code":"resource_not_found"}`, http.StatusNotFound)
			return
		}
		delete(f.policies, id)
		w.Write([]byte(`{}`))
	}
}

func TestEvaluateAllowWithMasking(t *testing.T) {
	_, client := newFakeOPA(t)

	dec, err := client.Evaluate(context.Background(), policy.Input{
		PrincipalType: "agent",
		PrincipalID:   "marketing-agent-2",
		ResourceType:  "kb",
		ResourceID:    "sales-kb-1",
		Action:        "query",
	})
	require.NoError(t, err)
	assert.True(t, dec.Allow)
	assert.Equal(t, []string{"ssn", "customer.email"}, dec.MaskingRules)
	assert.Equal(t, "v7", dec.PolicyVersion)
}

func TestEvaluateDeny(t *testing.T) {
	_, client := newFakeOPA(t)

	dec, err := client.Evaluate(context.Background(), policy.Input{
		PrincipalType: "agent",
		PrincipalID:   "marketing-agent-2",
		ResourceType:  "kb",
		ResourceID:    "denied-kb",
		Action:        "write",
	})
	require.NoError(t, err)
	assert.False(t, dec.Allow)
	assert.Equal(t, "write access denied", dec.Reason)
}

func TestEvaluateUndefinedDecisionIsDefaultDeny(t *testing.T) {
	_, client := newFakeOPA(t)

	dec, err := client.Evaluate(context.Background(), policy.Input{
		PrincipalID: "anyone",
		ResourceID:  "undefined-kb",
		Action:      "query",
	})
	require.NoError(t, err)
	assert.False(t, dec.Allow)
	assert.Equal(t, "no policy decision for input", dec.Reason)
}

func TestEvaluateFailsClosed(t *testing.T) {
	t.Run("http 500", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		client := policy.NewOPAClient(policy.OPAConfig{URL: srv.URL})
		_, err := client.Evaluate(context.Background(), policy.Input{Action: "query"})
		require.Error(t, err)
		assert.True(t, schema.IsCode(err, schema.CodeEvaluatorUnavailable))
	})

	t.Run("unreachable", func(t *testing.T) {
		client := policy.NewOPAClient(policy.OPAConfig{
			URL:     "http://127.0.0.1:1",
			Timeout: 100 * time.Millisecond,
		})
		_, err := client.Evaluate(context.Background(), policy.Input{Action: "query"})
		require.Error(t, err)
		assert.True(t, schema.IsCode(err, schema.CodeEvaluatorUnavailable))
	})

	t.Run("garbage body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("not json"))
		}))
		defer srv.Close()

		client := policy.NewOPAClient(policy.OPAConfig{URL: srv.URL})
		_, err := client.Evaluate(context.Background(), policy.Input{Action: "query"})
		require.Error(t, err)
		assert.True(t, schema.IsCode(err, schema.CodeEvaluatorUnavailable))
	})
}

func TestPolicyCRUD(t *testing.T) {
	ctx := context.Background()
	_, client := newFakeOPA(t)

	const body = "package agentmesh\n\ndefault allow := false\n"
	require.NoError(t, client.UploadPolicy(ctx, "base-policy", body))

	ids, err := client.ListPolicies(ctx)
	require.NoError(t, err)
	assert.Contains(t, ids, "base-policy")

	got, err := client.GetPolicyContent(ctx, "base-policy")
	require.NoError(t, err)
	assert.Equal(t, body, got)

	p, err := client.GetPolicy(ctx, "base-policy")
	require.NoError(t, err)
	assert.Equal(t, "base-policy", p.ID)

	require.NoError(t, client.DeletePolicy(ctx, "base-policy"))

	_, err = client.GetPolicy(ctx, "base-policy")
	assert.True(t, schema.IsCode(err, schema.CodeUnknownResource))

	err = client.DeletePolicy(ctx, "base-policy")
	assert.True(t, schema.IsCode(err, schema.CodeUnknownResource))
}

func TestUploadPolicyRejected(t *testing.T) {
	_, client := newFakeOPA(t)

	err := client.UploadPolicy(context.Background(), "bad", "package x\nsyntax-error")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.CodeValidation))
	assert.Contains(t, err.Error(), "rejected by evaluator")
}

func TestHealthy(t *testing.T) {
	_, client := newFakeOPA(t)
	assert.True(t, client.Healthy(context.Background()))

	down := policy.NewOPAClient(policy.OPAConfig{
		URL:     "http://127.0.0.1:1",
		Timeout: 100 * time.Millisecond,
	})
	assert.False(t, down.Healthy(context.Background()))
}
