// Package channels provides the channel abstraction for the relay.
// A channel receives platform callbacks over HTTP, hands text to the reply
// engine and delivers replies back through the platform API.
package channels

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/nextlevelbuilder/wecomrelay/internal/bus"
)

// Channel defines the interface that all channel implementations must satisfy.
type Channel interface {
	// Name returns the channel identifier (e.g. "wecom").
	Name() string

	// Start begins processing. Must not block.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the channel, draining in-flight work.
	Stop(ctx context.Context) error

	// Send delivers an outbound message to the channel.
	Send(ctx context.Context, msg bus.OutboundMessage) error

	// IsRunning returns whether the channel is actively processing messages.
	IsRunning() bool

	// IsAllowed checks if a sender is permitted by the channel's allowlist.
	IsAllowed(senderID string) bool
}

// WebhookChannel is a Channel that receives callbacks over HTTP.
type WebhookChannel interface {
	Channel
	// RegisterRoutes mounts the channel's callback handlers on mux.
	RegisterRoutes(mux *http.ServeMux)
}

// BaseChannel provides shared functionality for channel implementations.
// Channel implementations should embed this struct.
type BaseChannel struct {
	name    string
	running atomic.Bool

	mu        sync.RWMutex
	allowList []string
}

// NewBaseChannel creates a new BaseChannel.
func NewBaseChannel(name string, allowList []string) *BaseChannel {
	return &BaseChannel{name: name, allowList: allowList}
}

// Name returns the channel name.
func (c *BaseChannel) Name() string { return c.name }

// IsRunning returns whether the channel is running.
func (c *BaseChannel) IsRunning() bool { return c.running.Load() }

// SetRunning updates the running state.
func (c *BaseChannel) SetRunning(running bool) { c.running.Store(running) }

// SetAllowList replaces the allowlist.
func (c *BaseChannel) SetAllowList(allowList []string) {
	c.mu.Lock()
	c.allowList = allowList
	c.mu.Unlock()
}

// HasAllowList returns true if an allowlist is configured (non-empty).
func (c *BaseChannel) HasAllowList() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.allowList) > 0
}

// IsAllowed checks if a sender is permitted by the allowlist.
// Empty allowlist means all senders are allowed.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return MatchAllowList(c.allowList, senderID)
}

// MatchAllowList reports whether senderID is in list. An empty list allows
// everyone. Supports compound "id|username" on either side and a leading "@".
func MatchAllowList(list []string, senderID string) bool {
	if len(list) == 0 {
		return true
	}

	idPart := senderID
	userPart := ""
	if idx := strings.Index(senderID, "|"); idx > 0 {
		idPart = senderID[:idx]
		userPart = senderID[idx+1:]
	}

	for _, allowed := range list {
		trimmed := strings.TrimPrefix(allowed, "@")
		allowedID := trimmed
		allowedUser := ""
		if idx := strings.Index(trimmed, "|"); idx > 0 {
			allowedID = trimmed[:idx]
			allowedUser = trimmed[idx+1:]
		}

		if senderID == trimmed ||
			idPart == trimmed ||
			idPart == allowedID ||
			(allowedUser != "" && senderID == allowedUser) ||
			(userPart != "" && (userPart == trimmed || userPart == allowedUser)) {
			return true
		}
	}
	return false
}
