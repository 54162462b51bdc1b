package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/agentmesh/mesh/pkg/schema"
)

const (
	defaultOPATimeout  = 5 * time.Second
	defaultDecisionDoc = "/v1/data/agentmesh/decision"
)

// OPAConfig configures the OPA-backed client.
type OPAConfig struct {
	// URL is the base URL of the evaluator (e.g. "http://localhost:8181").
	URL string `json:"url"`
	// DecisionPath overrides the decision document path.
	// Default: "/v1/data/agentmesh/decision".
	DecisionPath string `json:"decision_path,omitempty"`
	// Timeout bounds each HTTP call. Default: 5s.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// OPAClient implements Client against OPA's REST API.
type OPAClient struct {
	cfg    OPAConfig
	client *http.Client
	logger *slog.Logger
}

// NewOPAClient builds an OPA-backed policy client.
func NewOPAClient(cfg OPAConfig) *OPAClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultOPATimeout
	}
	if cfg.DecisionPath == "" {
		cfg.DecisionPath = defaultDecisionDoc
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	return &OPAClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: slog.Default().With("component", "policy"),
	}
}

// decisionRequest is the evaluator's input envelope.
type decisionRequest struct {
	Input Input `json:"input"`
}

// decisionResponse is the evaluator's result envelope. A missing result
// means the decision document is undefined for this input.
type decisionResponse struct {
	Result *Decision `json:"result"`
}

// Evaluate posts the input to the decision document. Transport faults,
// bad status codes, and undecodable replies all become
// EVALUATOR_UNAVAILABLE; an evaluator that answers with no decision
// document yields a default deny.
func (c *OPAClient) Evaluate(ctx context.Context, in Input) (*Decision, error) {
	payload, err := json.Marshal(decisionRequest{Input: in})
	if err != nil {
		return nil, schema.NewError(schema.CodeEvaluatorUnavailable,
			"failed to encode decision input: %v", err)
	}

	endpoint := c.cfg.URL + c.cfg.DecisionPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, schema.NewError(schema.CodeEvaluatorUnavailable,
			"failed to build evaluator request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, schema.NewError(schema.CodeEvaluatorUnavailable,
			"policy evaluator unreachable: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, schema.NewError(schema.CodeEvaluatorUnavailable,
			"policy evaluator returned HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, schema.NewError(schema.CodeEvaluatorUnavailable,
			"failed to read evaluator response: %v", err)
	}

	var out decisionResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, schema.NewError(schema.CodeEvaluatorUnavailable,
			"undecodable evaluator response: %v", err)
	}

	if out.Result == nil {
		// Default deny: the evaluator is fine, no rule matched.
		return &Decision{Allow: false, Reason: "no policy decision for input"}, nil
	}

	dec := out.Result
	dec.MaskingRules = dedupe(dec.MaskingRules)
	if !dec.Allow && dec.Reason == "" {
		dec.Reason = "denied by policy"
	}

	c.logger.Debug("policy decision",
		"principal_id", in.PrincipalID, "resource_id", in.ResourceID,
		"action", in.Action, "allow", dec.Allow, "masking_rules", len(dec.MaskingRules))
	return dec, nil
}

// UploadPolicy puts the policy body into the evaluator. A 400 means the
// evaluator rejected the body (compile error) and maps to VALIDATION.
func (c *OPAClient) UploadPolicy(ctx context.Context, policyID, body string) error {
	endpoint := c.policyURL(policyID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, strings.NewReader(body))
	if err != nil {
		return schema.NewError(schema.CodeEvaluatorUnavailable,
			"failed to build evaluator request: %v", err)
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := c.client.Do(req)
	if err != nil {
		return schema.NewError(schema.CodeEvaluatorUnavailable,
			"policy evaluator unreachable: %v", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusBadRequest:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return schema.NewError(schema.CodeValidation,
			"policy %s rejected by evaluator: %s", policyID, strings.TrimSpace(string(detail)))
	default:
		return schema.NewError(schema.CodeEvaluatorUnavailable,
			"policy evaluator returned HTTP %d", resp.StatusCode)
	}
}

// ListPolicies returns the ids of every policy the evaluator holds.
func (c *OPAClient) ListPolicies(ctx context.Context) ([]string, error) {
	var out struct {
		Result []EvaluatorPolicy `json:"result"`
	}
	if err := c.getJSON(ctx, c.cfg.URL+"/v1/policies", nil, &out); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(out.Result))
	for _, p := range out.Result {
		ids = append(ids, p.ID)
	}
	return ids, nil
}

// GetPolicy fetches one policy with its raw body.
func (c *OPAClient) GetPolicy(ctx context.Context, policyID string) (*EvaluatorPolicy, error) {
	notFound := schema.NewError(schema.CodeUnknownResource, "policy %s not found", policyID)
	var out struct {
		Result *EvaluatorPolicy `json:"result"`
	}
	if err := c.getJSON(ctx, c.policyURL(policyID), notFound, &out); err != nil {
		return nil, err
	}
	if out.Result == nil {
		return nil, notFound
	}
	return out.Result, nil
}

// GetPolicyContent fetches just the raw policy text.
func (c *OPAClient) GetPolicyContent(ctx context.Context, policyID string) (string, error) {
	p, err := c.GetPolicy(ctx, policyID)
	if err != nil {
		return "", err
	}
	return p.Raw, nil
}

// DeletePolicy removes the policy from the evaluator.
func (c *OPAClient) DeletePolicy(ctx context.Context, policyID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.policyURL(policyID), nil)
	if err != nil {
		return schema.NewError(schema.CodeEvaluatorUnavailable,
			"failed to build evaluator request: %v", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return schema.NewError(schema.CodeEvaluatorUnavailable,
			"policy evaluator unreachable: %v", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return schema.NewError(schema.CodeUnknownResource, "policy %s not found", policyID)
	default:
		return schema.NewError(schema.CodeEvaluatorUnavailable,
			"policy evaluator returned HTTP %d", resp.StatusCode)
	}
}

// Healthy probes the evaluator's health endpoint.
func (c *OPAClient) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (c *OPAClient) policyURL(policyID string) string {
	return c.cfg.URL + "/v1/policies/" + url.PathEscape(policyID)
}

// getJSON fetches and decodes one evaluator endpoint. A 404 returns
// notFound when given, otherwise it is treated like any other bad status.
func (c *OPAClient) getJSON(ctx context.Context, endpoint string, notFound error, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return schema.NewError(schema.CodeEvaluatorUnavailable,
			"failed to build evaluator request: %v", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return schema.NewError(schema.CodeEvaluatorUnavailable,
			"policy evaluator unreachable: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound && notFound != nil {
		return notFound
	}
	if resp.StatusCode != http.StatusOK {
		return schema.NewError(schema.CodeEvaluatorUnavailable,
			"policy evaluator returned HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return schema.NewError(schema.CodeEvaluatorUnavailable,
			"failed to read evaluator response: %v", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return schema.NewError(schema.CodeEvaluatorUnavailable,
			"undecodable evaluator response: %v", err)
	}
	return nil
}

// dedupe keeps the first occurrence of each rule, preserving order.
func dedupe(rules []string) []string {
	if len(rules) < 2 {
		return rules
	}
	seen := make(map[string]struct{}, len(rules))
	out := rules[:0]
	for _, r := range rules {
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}
