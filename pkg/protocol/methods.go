package protocol

// RPC methods used by the relay.
const (
	MethodConnect  = "connect"
	MethodHealth   = "health"
	MethodChatSend = "chat.send"
)

// ChatSendParams are the params of MethodChatSend.
type ChatSendParams struct {
	Message    string `json:"message"`
	AgentID    string `json:"agentId,omitempty"`
	SessionKey string `json:"sessionKey,omitempty"`
	Stream     bool   `json:"stream"`
}

// ConnectParams are the params of MethodConnect.
type ConnectParams struct {
	Token    string `json:"token,omitempty"`
	Client   string `json:"client,omitempty"`
	Protocol int    `json:"protocol,omitempty"`
}
