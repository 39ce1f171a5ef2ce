package bus

// InboundMessage represents a message received from a channel.
type InboundMessage struct {
	Channel   string            `json:"channel"`
	AccountID string            `json:"account_id,omitempty"` // channel account that received it
	SenderID  string            `json:"sender_id"`
	ChatID    string            `json:"chat_id"`
	Content   string            `json:"content"`
	MessageID string            `json:"message_id,omitempty"`
	RunID     string            `json:"run_id,omitempty"` // set per dispatch, for log/trace correlation
	PeerKind  string            `json:"peer_kind,omitempty"` // "direct" or "group"
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage represents a message to be sent to a channel.
type OutboundMessage struct {
	Channel   string            `json:"channel"`
	AccountID string            `json:"account_id,omitempty"` // empty = channel default
	ChatID    string            `json:"chat_id"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"` // channel-specific metadata
}

// Peer kinds.
const (
	PeerDirect = "direct"
	PeerGroup  = "group"
)
