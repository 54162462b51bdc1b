package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentmesh/mesh/pkg/schema"
	"github.com/agentmesh/mesh/pkg/store"
)

const defaultPrecedence = 100

// Admin manages the policy lifecycle. The evaluator holds the active
// policy set; the policies table carries broker metadata (precedence,
// active); the policy dir mirrors bodies as {policy_id}.rego so an
// evaluator started against that dir reloads them after a restart.
type Admin struct {
	client Client
	store  store.Store
	dir    string
	logger *slog.Logger

	// mu serializes mirror writes; concurrent uploads of the same id are
	// last-writer-wins.
	mu sync.Mutex
}

// NewAdmin builds an Admin, creating the mirror dir if needed.
func NewAdmin(client Client, st store.Store, dir string) (*Admin, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create policy dir %s: %w", dir, err)
	}
	return &Admin{
		client: client,
		store:  st,
		dir:    dir,
		logger: slog.Default().With("component", "policy_admin"),
	}, nil
}

// UploadPolicy stores the policy in the evaluator and the policies table
// and, when persist is set, mirrors it to disk. The evaluator validates
// the body; a rejection surfaces as VALIDATION and nothing is stored.
// A mirror write failure is logged but not fatal: the policy is live in
// the evaluator either way.
func (a *Admin) UploadPolicy(ctx context.Context, policyID, body string, persist bool) error {
	if !validPolicyID(policyID) {
		return schema.NewError(schema.CodeValidation,
			"policy_id %q is not a valid policy name", policyID)
	}
	if strings.TrimSpace(body) == "" {
		return schema.NewError(schema.CodeValidation, "policy body is empty")
	}

	if err := a.client.UploadPolicy(ctx, policyID, body); err != nil {
		return err
	}

	now := time.Now().UTC()
	rec := &schema.PolicyRecord{
		PolicyID:   policyID,
		Body:       body,
		Precedence: defaultPrecedence,
		Active:     true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	// Precedence and metadata are operator-managed; a re-upload keeps them.
	if existing, err := a.store.GetPolicy(ctx, policyID); err == nil {
		rec.Precedence = existing.Precedence
		rec.Metadata = existing.Metadata
	}
	if err := a.store.SavePolicy(ctx, rec); err != nil {
		return fmt.Errorf("failed to persist policy %s: %w", policyID, err)
	}

	if persist {
		if err := a.writeMirror(policyID, body); err != nil {
			a.logger.Warn("policy mirror write failed",
				"policy_id", policyID, "error", err)
		}
	}

	a.logger.Info("policy uploaded", "policy_id", policyID, "persisted", persist)
	return nil
}

// DeletePolicy removes the policy from the evaluator, the policies table,
// and the mirror dir. Deleting a policy nothing knows about is
// UNKNOWN_RESOURCE.
func (a *Admin) DeletePolicy(ctx context.Context, policyID string) error {
	if !validPolicyID(policyID) {
		return schema.NewError(schema.CodeValidation,
			"policy_id %q is not a valid policy name", policyID)
	}

	evalErr := a.client.DeletePolicy(ctx, policyID)
	if evalErr != nil && !schema.IsCode(evalErr, schema.CodeUnknownResource) {
		return evalErr
	}

	storeErr := a.store.DeletePolicy(ctx, policyID)
	if storeErr != nil && !errors.Is(storeErr, store.ErrNotFound) {
		return fmt.Errorf("failed to delete policy %s: %w", policyID, storeErr)
	}

	a.mu.Lock()
	rmErr := os.Remove(filepath.Join(a.dir, policyID+".rego"))
	a.mu.Unlock()
	if rmErr != nil && !os.IsNotExist(rmErr) {
		a.logger.Warn("policy mirror removal failed",
			"policy_id", policyID, "error", rmErr)
	}

	if evalErr != nil && storeErr != nil {
		return schema.NewError(schema.CodeUnknownResource, "policy %s not found", policyID)
	}
	a.logger.Info("policy deleted", "policy_id", policyID)
	return nil
}

// ListPolicies merges the evaluator's policy set with stored metadata.
// Stored records come first in precedence order; policies only the
// evaluator knows about follow as bare active records.
func (a *Admin) ListPolicies(ctx context.Context) ([]*schema.PolicyRecord, error) {
	stored, err := a.store.ListPolicies(ctx)
	if err != nil {
		return nil, err
	}

	ids, err := a.client.ListPolicies(ctx)
	if err != nil {
		// Metadata still answers when the evaluator is down; decisions
		// are where unavailability must fail closed, not listings.
		a.logger.Warn("evaluator policy list unavailable", "error", err)
		return stored, nil
	}

	known := make(map[string]bool, len(stored))
	for _, rec := range stored {
		known[rec.PolicyID] = true
	}

	var extra []string
	for _, id := range ids {
		if !known[id] {
			extra = append(extra, id)
		}
	}
	sort.Strings(extra)
	for _, id := range extra {
		stored = append(stored, &schema.PolicyRecord{PolicyID: id, Active: true})
	}
	return stored, nil
}

// GetPolicy returns the stored record, falling back to the evaluator for
// policies uploaded out of band.
func (a *Admin) GetPolicy(ctx context.Context, policyID string) (*schema.PolicyRecord, error) {
	rec, err := a.store.GetPolicy(ctx, policyID)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	ep, err := a.client.GetPolicy(ctx, policyID)
	if err != nil {
		return nil, err
	}
	return &schema.PolicyRecord{
		PolicyID:   ep.ID,
		Body:       ep.Raw,
		Precedence: defaultPrecedence,
		Active:     true,
	}, nil
}

// GetPolicyContent returns the raw policy text the evaluator is running,
// falling back to the stored body when the evaluator cannot answer.
func (a *Admin) GetPolicyContent(ctx context.Context, policyID string) (string, error) {
	raw, err := a.client.GetPolicyContent(ctx, policyID)
	if err == nil {
		return raw, nil
	}
	if !schema.IsCode(err, schema.CodeUnknownResource) &&
		!schema.IsCode(err, schema.CodeEvaluatorUnavailable) {
		return "", err
	}

	rec, serr := a.store.GetPolicy(ctx, policyID)
	if serr != nil {
		if errors.Is(serr, store.ErrNotFound) && schema.IsCode(err, schema.CodeUnknownResource) {
			return "", schema.NewError(schema.CodeUnknownResource, "policy %s not found", policyID)
		}
		return "", err
	}
	return rec.Body, nil
}

// MirrorPath returns where a policy's body is mirrored on disk.
func (a *Admin) MirrorPath(policyID string) string {
	return filepath.Join(a.dir, policyID+".rego")
}

// writeMirror writes the body atomically so the evaluator never reads a
// half-written file.
func (a *Admin) writeMirror(policyID, body string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	path := filepath.Join(a.dir, policyID+".rego")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(body), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// validPolicyID rejects names that would escape the mirror dir.
func validPolicyID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, `/\`)
}
