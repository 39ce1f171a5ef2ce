package reply

import (
	"context"
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/wecomrelay/internal/bus"
)

// Echo answers every message with its own text, streamed word by word.
// It stands in for a real engine during setup and smoke tests.
type Echo struct {
	Prefix string
}

func (e Echo) Dispatch(ctx context.Context, msg bus.InboundMessage, deliver DeliverFunc) error {
	full := e.Prefix + msg.Content
	words := strings.SplitAfter(full, " ")
	for _, w := range words {
		if w == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := deliver(ctx, Chunk{Kind: KindBlock, Text: w}); err != nil {
			slog.Warn("echo: deliver block failed", "error", err)
		}
	}
	return deliver(ctx, Chunk{Kind: KindFinal, Text: full})
}
