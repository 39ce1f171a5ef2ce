package wecom

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nextlevelbuilder/wecomrelay/internal/bus"
	"github.com/nextlevelbuilder/wecomrelay/internal/channels"
	"github.com/nextlevelbuilder/wecomrelay/internal/clock"
	"github.com/nextlevelbuilder/wecomrelay/internal/config"
)

// account is the resolved, immutable view of one configured account.
type account struct {
	cfg    config.WeComAccount
	codec  *Codec // nil when the account has no callback credentials
	client *Client
	allow  []string
	path   string
}

func (a *account) allowed(senderID string) bool {
	return channels.MatchAllowList(a.allow, senderID)
}

// snapshot is swapped atomically on config reload.
type snapshot struct {
	accounts  map[string]*account
	byPath    map[string]*account
	defaultID string
}

// Channel connects every enabled WeCom account to the relay: it serves
// their callbacks and sends replies and direct messages through them.
type Channel struct {
	*channels.BaseChannel
	runtime *Runtime
	limiter *channels.WebhookRateLimiter

	snap atomic.Pointer[snapshot]

	routesMu sync.Mutex
	routed   map[string]bool
}

// NewChannel creates the WeCom channel from cfg. Accounts that fail to
// resolve are logged and left out; it is an error only if none remain.
func NewChannel(cfg config.WeComConfig, rt *Runtime, c clock.Clock) (*Channel, error) {
	ch := &Channel{
		BaseChannel: channels.NewBaseChannel(ChannelName, nil),
		runtime:     rt,
		limiter:     channels.NewWebhookRateLimiter(cfg.InboundRatePerMin, time.Minute, c),
		routed:      make(map[string]bool),
	}
	if err := ch.Update(cfg); err != nil {
		return nil, err
	}
	return ch, nil
}

// Update rebuilds the account snapshot from cfg. Clients are shared through
// the registry, so a changed secret rotates the existing token cache.
func (c *Channel) Update(cfg config.WeComConfig) error {
	next := &snapshot{
		accounts:  make(map[string]*account),
		byPath:    make(map[string]*account),
		defaultID: cfg.DefaultAccountID(),
	}
	var errs []error
	for _, acc := range cfg.EnabledAccounts() {
		a, err := c.resolve(cfg, acc)
		if err != nil {
			slog.Error("wecom: account skipped", "account", acc.ID, "error", err)
			errs = append(errs, err)
			continue
		}
		next.accounts[acc.ID] = a
		if a.codec != nil {
			next.byPath[a.path] = a
		} else {
			slog.Info("wecom: account has no callback credentials, send only", "account", acc.ID)
		}
	}
	if len(next.accounts) == 0 {
		if len(errs) > 0 {
			return errors.Join(errs...)
		}
		return errors.New("wecom: no enabled accounts")
	}
	if _, ok := next.accounts[next.defaultID]; !ok {
		// Configured default is disabled or broken: use the first usable one.
		next.defaultID = ""
		for _, acc := range cfg.EnabledAccounts() {
			if _, ok := next.accounts[acc.ID]; ok {
				next.defaultID = acc.ID
				break
			}
		}
	}
	if d, ok := next.accounts[next.defaultID]; ok {
		c.SetAllowList(d.allow)
	}
	c.snap.Store(next)

	c.routesMu.Lock()
	for path := range next.byPath {
		if len(c.routed) > 0 && !c.routed[path] {
			slog.Warn("wecom: new webhook path needs a restart to be served", "path", path)
		}
	}
	c.routesMu.Unlock()
	return nil
}

func (c *Channel) resolve(cfg config.WeComConfig, acc config.WeComAccount) (*account, error) {
	if acc.CorpID == "" || acc.CorpSecret == "" || acc.AgentID == "" {
		return nil, fmt.Errorf("%w: account %s: corp_id, corp_secret and agent_id are required", ErrValidation, acc.ID)
	}
	a := &account{
		cfg:    acc,
		client: c.runtime.Registry.Client(acc.CorpID, acc.CorpSecret, acc.AgentID.String()),
		allow:  acc.NormalizedAllowFrom(),
		path:   cfg.WebhookPathFor(acc),
	}
	if acc.HasCallback() {
		codec, err := NewCodec(acc.Token, acc.EncodingAESKey, acc.CorpID, WithStrictReceiverID(cfg.StrictReceiverID))
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", acc.ID, err)
		}
		a.codec = codec
	}
	return a, nil
}

func (c *Channel) accountForPath(path string) *account {
	return c.snap.Load().byPath[path]
}

// account returns the account with id, or the default when id is empty.
func (c *Channel) account(id string) (*account, error) {
	s := c.snap.Load()
	if id == "" {
		id = s.defaultID
	}
	a, ok := s.accounts[id]
	if !ok {
		if id == "" {
			return nil, fmt.Errorf("%w: no default account", ErrValidation)
		}
		return nil, fmt.Errorf("%w: account %q is not enabled", ErrValidation, id)
	}
	return a, nil
}

// AccountIDs lists the enabled accounts.
func (c *Channel) AccountIDs() []string {
	s := c.snap.Load()
	ids := make([]string, 0, len(s.accounts))
	for id := range s.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Start begins background maintenance. Callbacks are served once routes
// are registered.
func (c *Channel) Start(ctx context.Context) error {
	c.runtime.Start(ctx)
	c.SetRunning(true)
	slog.Info("wecom channel started", "accounts", len(c.snap.Load().accounts))
	return nil
}

// Stop drains queued dispatches and sends.
func (c *Channel) Stop(ctx context.Context) error {
	c.SetRunning(false)
	return c.runtime.Shutdown(ctx)
}

// Send delivers msg.Content to msg.ChatID through msg.AccountID, or the
// default account. It shares the recipient's outbound lane with replies.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	a, err := c.account(msg.AccountID)
	if err != nil {
		return err
	}
	if msg.ChatID == "" {
		return fmt.Errorf("%w: empty recipient", ErrValidation)
	}
	return a.client.SendText(ctx, msg.ChatID, msg.Content)
}

// Handler returns the callback handler shared by every account path.
func (c *Channel) Handler() http.Handler {
	return &WebhookHandler{ch: c}
}

// RegisterRoutes mounts the callback handler at each account's webhook path.
func (c *Channel) RegisterRoutes(mux *http.ServeMux) {
	c.routesMu.Lock()
	defer c.routesMu.Unlock()

	h := c.Handler()
	for path, a := range c.snap.Load().byPath {
		if c.routed[path] {
			continue
		}
		mux.Handle(path, h)
		c.routed[path] = true
		slog.Info("wecom webhook registered", "account", a.cfg.ID, "path", path)
	}
}
