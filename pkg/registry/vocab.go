package registry

import (
	"sort"
	"strings"

	"github.com/agentmesh/mesh/pkg/schema"
)

// Operation vocabularies are static per principal type. Workers declare a
// subset at registration; anything outside the set is rejected with the
// allowed operations echoed back.
var operationVocab = map[string][]string{
	"postgres": {"sql_query", "execute_sql", "get_schema"},
	"neo4j":    {"cypher_query", "create_node", "create_relationship", "find_node"},
	"agent":    {"publish", "query", "subscribe", "invoke", "execute"},
}

// AllowedOperations returns the vocabulary for a principal type.
func AllowedOperations(principalType string) ([]string, bool) {
	ops, ok := operationVocab[principalType]
	return ops, ok
}

// SupportedKBTypes lists the kb_type values the broker accepts.
func SupportedKBTypes() []string {
	types := make([]string, 0, len(operationVocab)-1)
	for t := range operationVocab {
		if t != "agent" {
			types = append(types, t)
		}
	}
	sort.Strings(types)
	return types
}

// validateOperations checks ops against the principal type's vocabulary.
func validateOperations(principalType string, ops []string) error {
	if len(ops) == 0 {
		return schema.NewError(schema.CodeValidation, "operations list cannot be empty")
	}
	allowed, ok := operationVocab[principalType]
	if !ok {
		return schema.NewError(schema.CodeValidation,
			"unsupported principal type %q", principalType)
	}

	set := make(map[string]bool, len(allowed))
	for _, op := range allowed {
		set[op] = true
	}
	var invalid []string
	for _, op := range ops {
		if !set[op] {
			invalid = append(invalid, op)
		}
	}
	if len(invalid) > 0 {
		return schema.NewError(schema.CodeInvalidOperation,
			"invalid operations: %s (allowed: %s)",
			strings.Join(invalid, ", "), strings.Join(allowed, ", "))
	}
	return nil
}
