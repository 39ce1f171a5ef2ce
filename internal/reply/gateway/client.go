// Package gateway is a reply engine backed by an agent gateway reachable
// over WebSocket. Each dispatch opens a connection, authenticates, sends
// the message with chat.send and relays the streamed events as reply chunks.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/wecomrelay/internal/bus"
	"github.com/nextlevelbuilder/wecomrelay/internal/reply"
	"github.com/nextlevelbuilder/wecomrelay/internal/sessions"
	"github.com/nextlevelbuilder/wecomrelay/pkg/protocol"
)

const (
	DefaultTimeout   = 5 * time.Minute
	defaultAgentID   = "default"
	handshakeTimeout = 10 * time.Second
	clientName       = "wecomrelay"
)

// ErrRejected is returned when the gateway answers a request with ok=false.
var ErrRejected = errors.New("gateway rejected request")

// ErrShutdown is returned when the gateway announces shutdown mid-run.
var ErrShutdown = errors.New("gateway shutting down")

// Options configures the gateway engine.
type Options struct {
	URL     string
	Token   string
	AgentID string
	// Timeout bounds one chat.send run. Zero selects DefaultTimeout.
	Timeout time.Duration
	// ForwardToolOutput relays tool results as tool chunks.
	ForwardToolOutput bool
	// ScopeByAccount adds the channel account to session keys.
	ScopeByAccount bool
	Dialer         *websocket.Dialer
}

// Client implements reply.Engine against an agent gateway.
type Client struct {
	opts Options
}

var _ reply.Engine = (*Client)(nil)

// New creates a gateway engine.
func New(opts Options) *Client {
	if opts.AgentID == "" {
		opts.AgentID = defaultAgentID
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		}
	}
	return &Client{opts: opts}
}

// Dispatch runs one message through the gateway and streams its answer.
func (c *Client) Dispatch(ctx context.Context, msg bus.InboundMessage, deliver reply.DeliverFunc) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	conn, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return fmt.Errorf("gateway dial %s: %w", c.opts.URL, err)
	}
	defer conn.Close()

	// Unblock reads when the run is cancelled or times out.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := c.connect(conn); err != nil {
		return wrapCtx(ctx, err)
	}

	account := ""
	if c.opts.ScopeByAccount {
		account = msg.AccountID
	}
	params := protocol.ChatSendParams{
		Message:    msg.Content,
		AgentID:    c.opts.AgentID,
		SessionKey: sessions.BuildAccountSessionKey(c.opts.AgentID, msg.Channel, account, sessions.PeerKindOf(msg.PeerKind), msg.ChatID),
		Stream:     true,
	}
	reqID := uuid.NewString()
	req, err := protocol.NewRequest(reqID, protocol.MethodChatSend, params)
	if err != nil {
		return err
	}
	if err := conn.WriteJSON(req); err != nil {
		return wrapCtx(ctx, fmt.Errorf("send chat: %w", err))
	}

	return wrapCtx(ctx, c.stream(ctx, conn, reqID, msg, deliver))
}

// connect sends the connect RPC and waits for the auth response.
func (c *Client) connect(conn *websocket.Conn) error {
	_, err := c.call(conn, "connect-"+uuid.NewString()[:8], protocol.MethodConnect, protocol.ConnectParams{
		Token:    c.opts.Token,
		Client:   clientName,
		Protocol: protocol.ProtocolVersion,
	})
	return err
}

// call sends one request and waits for its response. Events and responses
// to other requests that arrive first are skipped.
func (c *Client) call(conn *websocket.Conn, id, method string, params interface{}) (*protocol.ResponseFrame, error) {
	req, err := protocol.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}
	if err := conn.WriteJSON(req); err != nil {
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("read %s response: %w", method, err)
		}
		if t, _ := protocol.ParseFrameType(raw); t != protocol.FrameTypeResponse {
			continue // challenge or presence events before the response
		}
		var resp protocol.ResponseFrame
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, fmt.Errorf("decode %s response: %w", method, err)
		}
		if resp.ID != id {
			continue
		}
		if !resp.OK {
			return nil, rejected(method, resp.Error)
		}
		return &resp, nil
	}
}

// Ping connects, authenticates and calls health. It checks that the
// gateway is reachable and accepts the configured token.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	conn, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return fmt.Errorf("gateway dial %s: %w", c.opts.URL, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := c.connect(conn); err != nil {
		return wrapCtx(ctx, err)
	}
	_, err = c.call(conn, "health-"+uuid.NewString()[:8], protocol.MethodHealth, nil)
	return wrapCtx(ctx, err)
}

// stream reads frames until the chat.send response arrives, turning chat
// chunks into block chunks and, optionally, tool results into tool chunks.
func (c *Client) stream(ctx context.Context, conn *websocket.Conn, reqID string, msg bus.InboundMessage, deliver reply.DeliverFunc) error {
	var streamed string
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		frameType, err := protocol.ParseFrameType(raw)
		if err != nil {
			slog.Debug("gateway: skipping malformed frame", "error", err)
			continue
		}

		switch frameType {
		case protocol.FrameTypeResponse:
			var resp protocol.ResponseFrame
			if err := json.Unmarshal(raw, &resp); err != nil {
				continue
			}
			if resp.ID != reqID {
				continue
			}
			if !resp.OK {
				return rejected("chat.send", resp.Error)
			}
			final := streamed
			if content := payloadString(resp.Payload, "content"); content != "" {
				final = content
			}
			return deliver(ctx, reply.Chunk{Kind: reply.KindFinal, Text: final})

		case protocol.FrameTypeEvent:
			var evt protocol.EventFrame
			if err := json.Unmarshal(raw, &evt); err != nil {
				continue
			}
			if evt.Event == protocol.EventShutdown {
				return ErrShutdown
			}
			chunk, ok := c.chunkFromEvent(evt)
			if !ok {
				continue
			}
			if chunk.Kind == reply.KindBlock {
				streamed += chunk.Text
			}
			if err := deliver(ctx, chunk); err != nil {
				slog.Warn("gateway: deliver failed",
					"kind", chunk.Kind,
					"run_id", msg.RunID,
					"error", err,
				)
			}
		}
	}
}

func (c *Client) chunkFromEvent(evt protocol.EventFrame) (reply.Chunk, bool) {
	payload, ok := evt.Payload.(map[string]interface{})
	if !ok {
		return reply.Chunk{}, false
	}
	evtType, _ := payload["type"].(string)

	switch evt.Event {
	case protocol.EventChat:
		if evtType == protocol.ChatEventChunk {
			if content, _ := payload["content"].(string); content != "" {
				return reply.Chunk{Kind: reply.KindBlock, Text: content}, true
			}
		}
	case protocol.EventAgent:
		if evtType == protocol.AgentEventToolResult && c.opts.ForwardToolOutput {
			inner, _ := payload["payload"].(map[string]interface{})
			name, _ := inner["toolName"].(string)
			if name == "" {
				name, _ = inner["name"].(string)
			}
			content, _ := inner["content"].(string)
			if content == "" {
				return reply.Chunk{}, false
			}
			if name != "" {
				content = "[" + name + "] " + content
			}
			return reply.Chunk{Kind: reply.KindTool, Text: content}, true
		}
	}
	return reply.Chunk{}, false
}

func payloadString(payload interface{}, key string) string {
	m, ok := payload.(map[string]interface{})
	if !ok {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func rejected(method string, e *protocol.ErrorShape) error {
	if e == nil {
		return fmt.Errorf("%w: %s", ErrRejected, method)
	}
	return fmt.Errorf("%w: %s: %s", ErrRejected, method, e.Message)
}

// wrapCtx reports the context error when a read failed because the run was
// cancelled or timed out.
func wrapCtx(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("gateway run: %w", ctxErr)
	}
	return err
}
