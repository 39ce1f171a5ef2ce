// Package reply defines the boundary between the relay and the engine that
// produces answers.
//
// An Engine receives one inbound message and streams its answer back as a
// sequence of chunks through a DeliverFunc: zero or more block and tool
// chunks, then exactly one final chunk carrying the cumulative answer text.
package reply

import (
	"context"

	"github.com/nextlevelbuilder/wecomrelay/internal/bus"
)

// Kind classifies a reply chunk.
type Kind string

const (
	// KindBlock is an incremental piece of the answer.
	KindBlock Kind = "block"
	// KindTool is tool output, delivered as soon as it arrives.
	KindTool Kind = "tool"
	// KindFinal carries the complete answer and ends the stream.
	KindFinal Kind = "final"
)

// Chunk is one piece of streamed reply output.
type Chunk struct {
	Kind Kind
	Text string
}

// DeliverFunc receives chunks in order. A returned error is reported by the
// engine but does not stop the stream.
type DeliverFunc func(ctx context.Context, c Chunk) error

// Engine produces the reply for an inbound message.
type Engine interface {
	Dispatch(ctx context.Context, msg bus.InboundMessage, deliver DeliverFunc) error
}

// EngineFunc adapts a function to Engine.
type EngineFunc func(ctx context.Context, msg bus.InboundMessage, deliver DeliverFunc) error

func (f EngineFunc) Dispatch(ctx context.Context, msg bus.InboundMessage, deliver DeliverFunc) error {
	return f(ctx, msg, deliver)
}
