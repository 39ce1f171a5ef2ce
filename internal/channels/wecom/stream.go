package wecom

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/nextlevelbuilder/wecomrelay/internal/clock"
	"github.com/nextlevelbuilder/wecomrelay/internal/reply"
)

const (
	DefaultStreamThreshold = 1000
	DefaultStreamDebounce  = time.Second
)

// StreamState is the lifecycle position of a StreamFlusher.
type StreamState int

const (
	StreamIdle StreamState = iota
	StreamBuffering
	StreamFlushing
	StreamDone
)

func (s StreamState) String() string {
	switch s {
	case StreamIdle:
		return "idle"
	case StreamBuffering:
		return "buffering"
	case StreamFlushing:
		return "flushing"
	case StreamDone:
		return "done"
	}
	return "unknown"
}

// SendFunc delivers one piece of text to the dispatch's recipient.
type SendFunc func(ctx context.Context, text string) error

// StreamOptions tunes a StreamFlusher. Zero values select the defaults.
type StreamOptions struct {
	Threshold int           // buffered runes that force an immediate flush
	Debounce  time.Duration // inactivity that flushes a smaller buffer
}

// StreamFlusher turns a reply stream into as few outbound sends as it can.
// Block chunks are buffered and flushed by size or after a quiet period,
// tool chunks go out immediately, and the final chunk contributes only the
// part of the answer that block flushes have not already covered.
//
// One flusher serves one dispatch; it is not reused.
type StreamFlusher struct {
	ctx       context.Context
	send      SendFunc
	clock     clock.Clock
	threshold int
	debounce  time.Duration

	mu        sync.Mutex
	state     StreamState
	buf       strings.Builder
	sent      strings.Builder // cumulative text of every flushed block buffer
	delivered bool            // at least one send has succeeded
	timer     clock.Timer
	timerGen  int
	timerErr  error
}

// NewStreamFlusher creates a flusher for one dispatch. ctx is used for sends
// triggered by the debounce timer.
func NewStreamFlusher(ctx context.Context, send SendFunc, opts StreamOptions, c clock.Clock) *StreamFlusher {
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultStreamThreshold
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultStreamDebounce
	}
	return &StreamFlusher{
		ctx:       ctx,
		send:      send,
		clock:     clock.OrReal(c),
		threshold: opts.Threshold,
		debounce:  opts.Debounce,
	}
}

// Handle processes one chunk. The error covers sends made during this call
// and any failed timer flush since the previous call.
func (f *StreamFlusher) Handle(ctx context.Context, c reply.Chunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state == StreamDone {
		slog.Debug("wecom: chunk after stream end ignored", "kind", c.Kind)
		return f.takeTimerErrLocked()
	}

	var err error
	switch c.Kind {
	case reply.KindBlock:
		err = f.handleBlockLocked(ctx, c.Text)
	case reply.KindTool:
		err = errors.Join(f.flushLocked(ctx), f.sendToolLocked(ctx, c.Text))
	case reply.KindFinal:
		err = errors.Join(f.flushLocked(ctx), f.sendFinalLocked(ctx, c.Text))
		f.state = StreamDone
	default:
		slog.Warn("wecom: unknown reply chunk kind", "kind", c.Kind)
	}
	return errors.Join(f.takeTimerErrLocked(), err)
}

// Close stops the debounce timer and sends whatever is still buffered.
func (f *StreamFlusher) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	err := f.flushLocked(ctx)
	f.state = StreamDone
	return errors.Join(f.takeTimerErrLocked(), err)
}

// State returns the current lifecycle state.
func (f *StreamFlusher) State() StreamState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *StreamFlusher) handleBlockLocked(ctx context.Context, text string) error {
	f.buf.WriteString(text)
	if f.state == StreamIdle {
		f.state = StreamBuffering
	}
	if utf8.RuneCountInString(f.buf.String()) > f.threshold {
		return f.flushLocked(ctx)
	}
	f.armTimerLocked()
	return nil
}

func (f *StreamFlusher) armTimerLocked() {
	f.stopTimerLocked()
	gen := f.timerGen
	f.timer = f.clock.AfterFunc(f.debounce, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if gen != f.timerGen || f.state == StreamDone {
			return
		}
		f.timer = nil
		if err := f.flushLocked(f.ctx); err != nil {
			f.timerErr = errors.Join(f.timerErr, err)
		}
	})
}

func (f *StreamFlusher) stopTimerLocked() {
	f.timerGen++
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
}

// flushLocked sends the buffer. The sent prefix grows by the untrimmed
// buffer whether or not anything was transmitted.
func (f *StreamFlusher) flushLocked(ctx context.Context) error {
	f.stopTimerLocked()
	if f.buf.Len() == 0 {
		return nil
	}
	raw := f.buf.String()
	f.buf.Reset()
	f.sent.WriteString(raw)

	text := raw
	if !f.delivered {
		text = strings.TrimLeftFunc(text, unicode.IsSpace)
	}
	if text == "" {
		f.settleLocked()
		return nil
	}
	return f.sendLocked(ctx, text)
}

func (f *StreamFlusher) sendToolLocked(ctx context.Context, text string) error {
	if text == "" {
		return nil
	}
	return f.sendLocked(ctx, text)
}

func (f *StreamFlusher) sendFinalLocked(ctx context.Context, text string) error {
	prefix := f.sent.String()
	remaining := text
	if strings.HasPrefix(text, prefix) {
		remaining = text[len(prefix):]
	} else {
		slog.Warn("wecom: final reply does not extend streamed text, sending it in full",
			"streamed_len", len(prefix),
			"final_len", len(text),
		)
	}
	if !f.delivered {
		remaining = strings.TrimLeftFunc(remaining, unicode.IsSpace)
	}
	if strings.TrimSpace(remaining) == "" {
		return nil
	}
	return f.sendLocked(ctx, remaining)
}

func (f *StreamFlusher) sendLocked(ctx context.Context, text string) error {
	prev := f.state
	f.state = StreamFlushing
	err := f.send(ctx, text)
	if err == nil {
		f.delivered = true
	}
	if prev == StreamDone {
		f.state = StreamDone
	} else {
		f.settleLocked()
	}
	return err
}

func (f *StreamFlusher) settleLocked() {
	if f.state == StreamDone {
		return
	}
	if f.buf.Len() > 0 {
		f.state = StreamBuffering
	} else {
		f.state = StreamIdle
	}
}

func (f *StreamFlusher) takeTimerErrLocked() error {
	err := f.timerErr
	f.timerErr = nil
	return err
}
