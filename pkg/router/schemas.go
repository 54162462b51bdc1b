package router

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Schema names, one per validated subject.
const (
	schemaAgentRegister   = "agent_register"
	schemaKBRegister      = "kb_register"
	schemaAgentDeregister = "agent_deregister"
	schemaKBDeregister    = "kb_deregister"
	schemaHeartbeat       = "heartbeat"
	schemaCapabilities    = "capabilities_update"
	schemaDirectoryQuery  = "directory_query"
	schemaKBQuery         = "kb_query"
	schemaAgentInvoke     = "agent_invoke"
	schemaAuditQuery      = "audit_query"
	schemaAuditStats      = "audit_stats"
)

// Boundary schemas reject malformed shapes before any service logic runs.
// Services still own the semantic checks: operation vocabularies, uniqueness,
// resolution, policy. Unknown extra properties pass through.
var schemaSources = map[string]string{
	schemaAgentRegister: `{
		"type": "object",
		"required": ["identity", "version", "capabilities", "operations", "health_endpoint"],
		"properties": {
			"identity": {"type": "string", "minLength": 1},
			"version": {"type": "string", "minLength": 1},
			"capabilities": {"type": "array", "items": {"type": "string"}, "minItems": 1},
			"operations": {"type": "array", "items": {"type": "string"}, "minItems": 1},
			"health_endpoint": {"type": "string", "minLength": 1},
			"schemas": {"type": "object"},
			"metadata": {"type": "object"},
			"request_id": {"type": "string"}
		}
	}`,
	schemaKBRegister: `{
		"type": "object",
		"required": ["kb_id", "kb_type", "endpoint", "operations"],
		"properties": {
			"kb_id": {"type": "string", "minLength": 1},
			"kb_type": {"type": "string", "minLength": 1},
			"endpoint": {"type": "string", "minLength": 1},
			"operations": {"type": "array", "items": {"type": "string"}, "minItems": 1},
			"kb_schema": {"type": "object"},
			"credentials": {"type": "object"},
			"metadata": {"type": "object"},
			"request_id": {"type": "string"}
		}
	}`,
	schemaAgentDeregister: `{
		"type": "object",
		"required": ["identity"],
		"properties": {
			"identity": {"type": "string", "minLength": 1},
			"request_id": {"type": "string"}
		}
	}`,
	schemaKBDeregister: `{
		"type": "object",
		"required": ["kb_id"],
		"properties": {
			"kb_id": {"type": "string", "minLength": 1},
			"request_id": {"type": "string"}
		}
	}`,
	schemaHeartbeat: `{
		"type": "object",
		"required": ["identity"],
		"properties": {
			"identity": {"type": "string", "minLength": 1},
			"request_id": {"type": "string"}
		}
	}`,
	schemaCapabilities: `{
		"type": "object",
		"required": ["identity", "capabilities"],
		"properties": {
			"identity": {"type": "string", "minLength": 1},
			"capabilities": {"type": "array", "items": {"type": "string"}, "minItems": 1},
			"request_id": {"type": "string"}
		}
	}`,
	schemaDirectoryQuery: `{
		"type": "object",
		"properties": {
			"type": {"type": "string"},
			"capability_filter": {"type": "array", "items": {"type": "string"}},
			"kb_type_filter": {"type": "string"},
			"status_filter": {"type": "string"},
			"limit": {"type": "integer"},
			"request_id": {"type": "string"}
		}
	}`,
	schemaKBQuery: `{
		"type": "object",
		"required": ["requester_id", "kb_id", "operation"],
		"properties": {
			"requester_id": {"type": "string", "minLength": 1},
			"kb_id": {"type": "string", "minLength": 1},
			"operation": {"type": "string", "minLength": 1},
			"params": {"type": "object"},
			"request_id": {"type": "string"}
		}
	}`,
	schemaAgentInvoke: `{
		"type": "object",
		"required": ["source_agent_id", "target_agent_id", "operation"],
		"properties": {
			"source_agent_id": {"type": "string", "minLength": 1},
			"target_agent_id": {"type": "string", "minLength": 1},
			"operation": {"type": "string", "minLength": 1},
			"payload": {"type": "object"},
			"request_id": {"type": "string"}
		}
	}`,
	schemaAuditQuery: `{
		"type": "object",
		"properties": {
			"event_type": {"type": "string"},
			"source_id": {"type": "string"},
			"target_id": {"type": "string"},
			"outcome": {"type": "string"},
			"start_time": {"type": "string"},
			"end_time": {"type": "string"},
			"limit": {"type": "integer"},
			"request_id": {"type": "string"}
		}
	}`,
	schemaAuditStats: `{
		"type": "object",
		"properties": {
			"source_id": {"type": "string"},
			"request_id": {"type": "string"}
		}
	}`,
}

// compileSchemas builds the Draft 2020-12 validators once at startup.
func compileSchemas() (map[string]*jsonschema.Schema, error) {
	out := make(map[string]*jsonschema.Schema, len(schemaSources))
	for name, src := range schemaSources {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("https://mesh.schemas.local/%s.schema.json", name)
		if err := c.AddResource(url, strings.NewReader(src)); err != nil {
			return nil, fmt.Errorf("schema %s load failed: %w", name, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("schema %s compile failed: %w", name, err)
		}
		out[name] = compiled
	}
	return out, nil
}
