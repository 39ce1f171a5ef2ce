package wecom

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/wecomrelay/internal/clock"
	"github.com/nextlevelbuilder/wecomrelay/internal/lane"
)

const (
	// DefaultChunkSize keeps a chunk of 3-byte runes under the 2048-byte
	// message limit.
	DefaultChunkSize      = 600
	DefaultSendRetries    = 3
	DefaultRetryBaseDelay = time.Second
)

var tracer = otel.Tracer("github.com/nextlevelbuilder/wecomrelay/internal/channels/wecom")

// Messenger posts a single text message with an access token.
type Messenger interface {
	SendText(ctx context.Context, token, toUser, agentID, content string) error
}

// SendOptions tunes outbound delivery. Zero values select the defaults;
// negative Retries disables retrying.
type SendOptions struct {
	ChunkSize  int
	Retries    int
	BaseDelay  time.Duration
	RatePerSec float64 // 0 disables pacing
	IdleTTL    time.Duration
}

func (o SendOptions) withDefaults() SendOptions {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.Retries < 0 {
		o.Retries = 0
	} else if o.Retries == 0 {
		o.Retries = DefaultSendRetries
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = DefaultRetryBaseDelay
	}
	return o
}

// Client delivers text to WeCom users on behalf of one (corp, agent) pair.
// Sends to one recipient are serialized through an outbound lane, so chunks
// of concurrent SendText calls never interleave.
type Client struct {
	corpID  string
	agentID string
	api     Messenger
	tokens  *TokenSource
	queue   *lane.Queue
	limiter *rate.Limiter
	clock   clock.Clock
	opts    SendOptions
}

// NewClient creates a client sending through api with tokens from tokens.
func NewClient(corpID, agentID string, api Messenger, tokens *TokenSource, opts SendOptions, c clock.Clock) *Client {
	opts = opts.withDefaults()
	c = clock.OrReal(c)
	cl := &Client{
		corpID:  corpID,
		agentID: agentID,
		api:     api,
		tokens:  tokens,
		clock:   c,
		opts:    opts,
		queue:   lane.New("outbound:"+corpID+":"+agentID, lane.WithClock(c), lane.WithIdleTTL(opts.IdleTTL)),
	}
	if opts.RatePerSec > 0 {
		burst := int(opts.RatePerSec)
		if burst < 1 {
			burst = 1
		}
		cl.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSec), burst)
	}
	return cl
}

// Tokens returns the client's token source.
func (c *Client) Tokens() *TokenSource { return c.tokens }

// AgentID returns the agent the client sends as.
func (c *Client) AgentID() string { return c.agentID }

// SendText splits text into chunks and delivers them in order, after any
// send already queued for toUser. It blocks until this call's chunks are
// delivered or have failed. Empty text sends nothing.
func (c *Client) SendText(ctx context.Context, toUser, text string) error {
	chunks := splitRunes(text, c.opts.ChunkSize)
	if len(chunks) == 0 {
		return nil
	}

	done := c.queue.Enqueue(toUser, func(context.Context) error {
		return c.sendChunks(ctx, toUser, chunks)
	})
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) sendChunks(ctx context.Context, toUser string, chunks []string) error {
	ctx, span := tracer.Start(ctx, "wecom.send")
	defer span.End()
	span.SetAttributes(
		attribute.String("wecom.corp_id", c.corpID),
		attribute.String("wecom.agent_id", c.agentID),
		attribute.String("wecom.to_user", toUser),
		attribute.Int("wecom.chunks", len(chunks)),
	)

	for i, chunk := range chunks {
		if len(chunks) > 1 {
			slog.Debug("wecom: sending chunk", "to", toUser, "chunk", i+1, "of", len(chunks))
		}
		if err := c.sendWithRetry(ctx, toUser, chunk); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "delivery failed")
			return err
		}
	}
	return nil
}

func (c *Client) sendWithRetry(ctx context.Context, toUser, content string) error {
	var lastErr error
	for attempt := 0; attempt <= c.opts.Retries; attempt++ {
		if attempt > 0 {
			delay := c.opts.BaseDelay << (attempt - 1)
			if err := c.clock.Sleep(ctx, delay); err != nil {
				return fmt.Errorf("%w: %v (last error: %v)", ErrDelivery, err, lastErr)
			}
		}

		lastErr = c.sendOnce(ctx, toUser, content)
		if lastErr == nil {
			return nil
		}
		slog.Warn("wecom: send failed",
			"to", toUser,
			"attempt", attempt+1,
			"max_attempts", c.opts.Retries+1,
			"error", lastErr,
		)
	}
	return fmt.Errorf("%w: to %s after %d attempts: %w", ErrDelivery, toUser, c.opts.Retries+1, lastErr)
}

func (c *Client) sendOnce(ctx context.Context, toUser, content string) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}
	err = c.api.SendText(ctx, token, toUser, c.agentID, content)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.TokenInvalid() {
		c.tokens.Invalidate()
	}
	return err
}

// Close waits for queued sends to finish or ctx to expire.
func (c *Client) Close(ctx context.Context) error {
	return c.queue.Shutdown(ctx)
}

// splitRunes cuts s into pieces of at most n runes.
func splitRunes(s string, n int) []string {
	if s == "" {
		return nil
	}
	var out []string
	count, start := 0, 0
	for i := range s {
		if count == n {
			out = append(out, s[start:i])
			start, count = i, 0
		}
		count++
	}
	return append(out, s[start:])
}
