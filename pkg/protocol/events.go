package protocol

// WebSocket event names pushed from server to client.
const (
	EventAgent    = "agent"
	EventChat     = "chat"
	EventShutdown = "shutdown"
)

// Agent event subtypes (in payload.type)
const (
	AgentEventRunStarted   = "run.started"
	AgentEventRunCompleted = "run.completed"
	AgentEventRunFailed    = "run.failed"
	AgentEventToolCall     = "tool.call"
	AgentEventToolResult   = "tool.result"
)

// Chat event subtypes (in payload.type)
const (
	ChatEventChunk   = "chunk"
	ChatEventMessage = "message"
)
