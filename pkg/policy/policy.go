// Package policy is the broker's client side of the external policy
// evaluator. Evaluation is strict fail-closed: when the evaluator cannot
// produce a verdict the caller gets EVALUATOR_UNAVAILABLE, never an
// implicit allow. Policy bodies are opaque evaluator text; the broker
// stores metadata and mirrors bodies to disk so the evaluator can reload
// them after a restart.
package policy

import "context"

// Input is the decision input sent to the evaluator.
type Input struct {
	PrincipalType string         `json:"principal_type"`
	PrincipalID   string         `json:"principal_id"`
	ResourceType  string         `json:"resource_type"`
	ResourceID    string         `json:"resource_id"`
	Action        string         `json:"action"`
	Context       map[string]any `json:"context,omitempty"`
}

// Decision is the evaluator's verdict. An absent decision document is a
// deny (default deny), not an error.
type Decision struct {
	Allow         bool     `json:"allow"`
	MaskingRules  []string `json:"masking_rules,omitempty"`
	Reason        string   `json:"reason,omitempty"`
	PolicyVersion string   `json:"policy_version,omitempty"`
}

// EvaluatorPolicy is a policy as held by the evaluator.
type EvaluatorPolicy struct {
	ID  string `json:"id"`
	Raw string `json:"raw"`
}

// Client talks to the policy evaluator. Evaluate must fail closed;
// the admin operations surface evaluator rejections as coded errors.
type Client interface {
	Evaluate(ctx context.Context, in Input) (*Decision, error)
	UploadPolicy(ctx context.Context, policyID, body string) error
	ListPolicies(ctx context.Context) ([]string, error)
	GetPolicy(ctx context.Context, policyID string) (*EvaluatorPolicy, error)
	GetPolicyContent(ctx context.Context, policyID string) (string, error)
	DeletePolicy(ctx context.Context, policyID string) error
	Healthy(ctx context.Context) bool
}
