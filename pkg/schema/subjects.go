package schema

import "fmt"

// Transport subjects. Registration, discovery, and routing are request/reply;
// SubjectDirectoryUpdates and SubjectRoutingCompletion are publish-only.
const (
	SubjectAgentRegister     = "mesh.registry.agent.register"
	SubjectKBRegister        = "mesh.registry.kb.register"
	SubjectAgentDeregister   = "mesh.registry.agent.deregister"
	SubjectKBDeregister      = "mesh.registry.kb.deregister"
	SubjectAgentHeartbeat    = "mesh.registry.agent.heartbeat"
	SubjectAgentCapabilities = "mesh.registry.agent.capabilities"

	SubjectDirectoryQuery   = "mesh.directory.query"
	SubjectDirectoryUpdates = "mesh.directory.updates"

	SubjectRoutingKBQuery     = "mesh.routing.kb_query"
	SubjectRoutingAgentInvoke = "mesh.routing.agent_invoke"
	SubjectRoutingCompletion  = "mesh.routing.completion"

	SubjectAuditQuery = "mesh.audit.query"
	SubjectAuditStats = "mesh.audit.stats"
	SubjectHealth     = "mesh.health"
)

// SubjectAdapterQuery is the request subject served by the adapter worker
// that fronts kbID.
func SubjectAdapterQuery(kbID string) string {
	return fmt.Sprintf("%s.adapter.query", kbID)
}

// SubjectAgentInbox is the request subject a registered agent serves for
// governed invocations.
func SubjectAgentInbox(agentID string) string {
	return fmt.Sprintf("agent.%s", agentID)
}

// SubjectAgentNotifications carries completion notifications back to the
// agent that initiated an invocation.
func SubjectAgentNotifications(agentID string) string {
	return fmt.Sprintf("mesh.agent.%s.notifications", agentID)
}
