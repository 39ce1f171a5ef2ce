package wecom

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nextlevelbuilder/wecomrelay/internal/clock"
)

// API is the WeCom surface a Client needs. *APIClient implements it.
type API interface {
	TokenFetcher
	Messenger
}

// Registry hands out one Client per (corp, agent) pair, so every caller
// sending as the same agent shares its token cache and outbound lanes.
type Registry struct {
	api         API
	send        SendOptions
	tokenMargin time.Duration
	clock       clock.Clock

	mu      sync.Mutex
	clients map[string]*Client
}

// NewRegistry creates an empty registry.
func NewRegistry(api API, send SendOptions, tokenMargin time.Duration, c clock.Clock) *Registry {
	return &Registry{
		api:         api,
		send:        send,
		tokenMargin: tokenMargin,
		clock:       clock.OrReal(c),
		clients:     make(map[string]*Client),
	}
}

func clientKey(corpID, agentID string) string { return corpID + ":" + agentID }

// Client returns the client for (corpID, agentID), creating it on first use.
// An existing client picks up a changed secret.
func (r *Registry) Client(corpID, secret, agentID string) *Client {
	key := clientKey(corpID, agentID)

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[key]; ok {
		c.tokens.UpdateSecret(secret)
		return c
	}
	tokens := NewTokenSource(corpID, secret, r.api, r.tokenMargin, r.clock)
	c := NewClient(corpID, agentID, r.api, tokens, r.send, r.clock)
	r.clients[key] = c
	return c
}

// Len returns the number of clients created so far.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Close drains every client's outbound lanes.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	clients := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.Unlock()

	var errs []error
	for _, c := range clients {
		errs = append(errs, c.Close(ctx))
	}
	return errors.Join(errs...)
}
