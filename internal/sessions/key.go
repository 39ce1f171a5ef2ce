// Package sessions builds the session keys the relay hands to the agent
// gateway, so that each WeCom user keeps one conversation per account.
//
// Keys follow the canonical format:
//
//	agent:{agentId}:{channel}:direct:{peerId}
//	agent:{agentId}:{channel}:{accountId}:direct:{peerId}
//
// The account segment is added only for deployments with several accounts,
// so single-account keys stay stable when accounts are renamed.
package sessions

import (
	"fmt"
	"strings"
)

// PeerKind distinguishes DM from group conversations.
type PeerKind string

const (
	PeerDirect PeerKind = "direct"
	PeerGroup  PeerKind = "group"
)

// BuildSessionKey builds the canonical agent session key for a channel conversation.
//
//	agent:{agentId}:{channel}:{kind}:{chatID}
func BuildSessionKey(agentID, channel string, kind PeerKind, chatID string) string {
	return fmt.Sprintf("agent:%s:%s:%s:%s", agentID, channel, kind, chatID)
}

// BuildAccountSessionKey scopes the key to a channel account. An empty
// accountID yields the plain BuildSessionKey form.
//
//	agent:{agentId}:{channel}:{accountId}:{kind}:{chatID}
func BuildAccountSessionKey(agentID, channel, accountID string, kind PeerKind, chatID string) string {
	if accountID == "" {
		return BuildSessionKey(agentID, channel, kind, chatID)
	}
	return fmt.Sprintf("agent:%s:%s:%s:%s:%s", agentID, channel, accountID, kind, chatID)
}

// ParseSessionKey extracts the agentID and rest from a canonical session key.
// Returns ("", "") if the key is not in the expected format.
func ParseSessionKey(key string) (agentID, rest string) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 3 || parts[0] != "agent" {
		return "", ""
	}
	return parts[1], parts[2]
}

// PeerKindOf maps a bus peer kind string to a PeerKind, defaulting to direct.
func PeerKindOf(s string) PeerKind {
	if PeerKind(s) == PeerGroup {
		return PeerGroup
	}
	return PeerDirect
}
