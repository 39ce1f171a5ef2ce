package wecom

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/wecomrelay/internal/bus"
	"github.com/nextlevelbuilder/wecomrelay/internal/clock"
	"github.com/nextlevelbuilder/wecomrelay/internal/lane"
	"github.com/nextlevelbuilder/wecomrelay/internal/reply"
)

// ChannelName identifies WeCom in bus messages and the channel manager.
const ChannelName = "wecom"

// RuntimeOptions wires the process-wide WeCom state.
type RuntimeOptions struct {
	API    API
	Engine reply.Engine
	Clock  clock.Clock

	Send        SendOptions
	Stream      StreamOptions
	TokenMargin time.Duration

	DedupTTL           time.Duration
	DedupSweepInterval time.Duration
	LaneIdleTTL        time.Duration

	// DispatchTimeout bounds one reply engine run. Zero means no bound.
	DispatchTimeout time.Duration
}

// Runtime holds the state shared by every WeCom account: the client
// registry, the dedup window and the inbound dispatch lanes.
type Runtime struct {
	Registry *Registry
	Dedup    *Deduplicator

	dispatch *lane.Queue
	engine   reply.Engine
	stream   StreamOptions
	timeout  time.Duration
	clock    clock.Clock
}

// NewRuntime builds a Runtime. Call Start before serving webhooks.
func NewRuntime(opts RuntimeOptions) *Runtime {
	c := clock.OrReal(opts.Clock)
	if opts.Send.IdleTTL == 0 {
		opts.Send.IdleTTL = opts.LaneIdleTTL
	}
	return &Runtime{
		Registry: NewRegistry(opts.API, opts.Send, opts.TokenMargin, c),
		Dedup:    NewDeduplicator(opts.DedupTTL, opts.DedupSweepInterval, c),
		dispatch: lane.New("inbound", lane.WithClock(c), lane.WithIdleTTL(opts.LaneIdleTTL)),
		engine:   opts.Engine,
		stream:   opts.Stream,
		timeout:  opts.DispatchTimeout,
		clock:    c,
	}
}

// Start begins the periodic dedup sweep.
func (r *Runtime) Start(ctx context.Context) {
	r.Dedup.Start(ctx)
}

// Shutdown stops the sweep, lets queued dispatches finish, then drains the
// outbound lanes.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.Dedup.Stop()
	return errors.Join(
		r.dispatch.Shutdown(ctx),
		r.Registry.Close(ctx),
	)
}

// Enqueue schedules a reply run for msg behind any earlier run for the
// same account and sender. Replies go out through client.
func (r *Runtime) Enqueue(client *Client, msg bus.InboundMessage) <-chan error {
	key := msg.AccountID + ":" + msg.SenderID
	return r.dispatch.Enqueue(key, func(ctx context.Context) error {
		return r.run(ctx, client, msg)
	})
}

// run drives the reply engine for one message. The flusher is always
// closed so buffered text is never dropped.
func (r *Runtime) run(ctx context.Context, client *Client, msg bus.InboundMessage) (err error) {
	if msg.RunID == "" {
		msg.RunID = uuid.NewString()
	}
	ctx, span := tracer.Start(ctx, "wecom.dispatch", trace.WithAttributes(
		attribute.String("wecom.account", msg.AccountID),
		attribute.String("wecom.from_user", msg.SenderID),
		attribute.String("wecom.msg_id", msg.MessageID),
		attribute.String("run_id", msg.RunID),
	))
	defer span.End()

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	toUser := msg.SenderID
	flusher := NewStreamFlusher(ctx, func(ctx context.Context, text string) error {
		return client.SendText(ctx, toUser, text)
	}, r.stream, r.clock)

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("reply engine panic: %v", p)
		}
		// Cleanup flush must not be cut short by an expired run deadline.
		err = errors.Join(err, flusher.Close(context.WithoutCancel(ctx)))
		if err != nil {
			err = fmt.Errorf("%w: run %s: %w", ErrDispatch, msg.RunID, err)
			span.RecordError(err)
			span.SetStatus(codes.Error, "dispatch failed")
			slog.Error("wecom: dispatch failed",
				"account", msg.AccountID,
				"from", msg.SenderID,
				"run_id", msg.RunID,
				"error", err,
			)
		}
	}()

	slog.Debug("wecom: dispatch start", "account", msg.AccountID, "from", msg.SenderID, "run_id", msg.RunID)
	return r.engine.Dispatch(ctx, msg, flusher.Handle)
}
