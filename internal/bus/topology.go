package bus

import "strings"

// Stream and group naming. The single ingress stream is shared by all worker
// pools and partitioned by the target_agent field; egress is one stream per
// chat session so concurrent sessions cannot observe each other's traffic.
const (
	// IngressStream carries backend-to-agent messages.
	IngressStream = "backend_to_agent"

	// GlobalEgressStream is the legacy broadcast egress. It is kept for
	// compatibility with older consumers and carries no correctness weight.
	GlobalEgressStream = "agent_to_backend"

	// OrchestratorGroup is the consumer group the HTTP edge uses on each
	// session egress stream.
	OrchestratorGroup = "orchestrator"

	sessionStreamPrefix = GlobalEgressStream + "_session_"
)

// SessionStream returns the egress stream name for a chat session.
func SessionStream(sessionID string) string {
	return sessionStreamPrefix + sessionID
}

// SessionFromStream extracts the session ID from an egress stream name.
// Returns "" for non-session streams.
func SessionFromStream(stream string) string {
	if !strings.HasPrefix(stream, sessionStreamPrefix) {
		return ""
	}
	return strings.TrimPrefix(stream, sessionStreamPrefix)
}

// SessionStreamPattern matches every per-session egress stream.
func SessionStreamPattern() string {
	return sessionStreamPrefix + "*"
}

// ConsumerGroup returns the ingress consumer group name for a worker pool.
func ConsumerGroup(agentName string) string {
	return strings.ToLower(agentName) + "_consumers"
}
