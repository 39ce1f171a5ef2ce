package wecom

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/wecomrelay/internal/bus"
)

// maxWebhookBody bounds a callback body. WeCom text callbacks are a few KB.
const maxWebhookBody = 1 << 20

const ackBody = "success"

// WebhookHandler serves WeCom callbacks for the channel's accounts. The
// account is chosen by request path from the channel's current snapshot.
type WebhookHandler struct {
	ch *Channel
}

// trackingWriter records whether a response has been started.
type trackingWriter struct {
	http.ResponseWriter
	wrote bool
}

func (w *trackingWriter) WriteHeader(code int) {
	w.wrote = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *trackingWriter) Write(b []byte) (int, error) {
	w.wrote = true
	return w.ResponseWriter.Write(b)
}

func (w *trackingWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tw := &trackingWriter{ResponseWriter: w}
	defer func() {
		if p := recover(); p != nil {
			slog.Error("wecom: webhook panic", "path", r.URL.Path, "panic", p)
			if !tw.wrote {
				http.Error(tw, "Internal error", http.StatusInternalServerError)
			}
		}
	}()

	acc := h.ch.accountForPath(r.URL.Path)
	if acc == nil || acc.codec == nil {
		http.NotFound(tw, r)
		return
	}

	ctx, span := tracer.Start(r.Context(), "wecom.webhook", trace.WithAttributes(
		attribute.String("http.method", r.Method),
		attribute.String("wecom.account", acc.cfg.ID),
	))
	defer span.End()
	r = r.WithContext(ctx)

	q := r.URL.Query()
	sig, ts, nonce := q.Get("msg_signature"), q.Get("timestamp"), q.Get("nonce")
	if sig == "" || ts == "" || nonce == "" {
		h.reject(tw, span, http.StatusBadRequest, fmt.Errorf("%w: missing signature parameters", ErrValidation))
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.serveVerify(tw, r, acc, sig, ts, nonce)
	case http.MethodPost:
		h.serveMessage(tw, r, acc, sig, ts, nonce)
	default:
		tw.Header().Set("Allow", "GET, POST")
		http.Error(tw, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// serveVerify answers the URL verification handshake.
func (h *WebhookHandler) serveVerify(w *trackingWriter, r *http.Request, acc *account, sig, ts, nonce string) {
	span := trace.SpanFromContext(r.Context())
	echo := r.URL.Query().Get("echostr")
	if echo == "" {
		h.reject(w, span, http.StatusBadRequest, fmt.Errorf("%w: missing echostr", ErrValidation))
		return
	}
	if !acc.codec.Verify(sig, ts, nonce, echo) {
		h.reject(w, span, http.StatusForbidden, fmt.Errorf("%w: echostr signature mismatch", ErrAuthentication))
		return
	}
	dec, err := acc.codec.Decrypt(echo)
	if err != nil {
		h.reject(w, span, http.StatusForbidden, err)
		return
	}
	slog.Info("wecom: url verified", "account", acc.cfg.ID)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, dec.Plaintext)
}

// serveMessage acknowledges a message callback and queues its dispatch.
func (h *WebhookHandler) serveMessage(w *trackingWriter, r *http.Request, acc *account, sig, ts, nonce string) {
	span := trace.SpanFromContext(r.Context())

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.reject(w, span, http.StatusBadRequest, fmt.Errorf("%w: read body: %v", ErrValidation, err))
		return
	}
	encrypted, ok := extractField(string(body), "Encrypt")
	if !ok || encrypted == "" {
		h.reject(w, span, http.StatusBadRequest, fmt.Errorf("%w: missing Encrypt field", ErrValidation))
		return
	}
	if !acc.codec.Verify(sig, ts, nonce, encrypted) {
		h.reject(w, span, http.StatusForbidden, fmt.Errorf("%w: message signature mismatch", ErrAuthentication))
		return
	}
	dec, err := acc.codec.Decrypt(encrypted)
	if err != nil {
		h.reject(w, span, http.StatusForbidden, err)
		return
	}

	in := parseInbound(dec.Plaintext)
	if !in.isText() {
		slog.Debug("wecom: ignored non-text message", "account", acc.cfg.ID, "msg_type", in.MsgType)
		ack(w)
		return
	}
	span.SetAttributes(attribute.String("wecom.from_user", in.FromUser), attribute.String("wecom.msg_id", in.MsgID))

	if !acc.allowed(in.FromUser) {
		slog.Info("wecom: sender not in allow_from", "account", acc.cfg.ID, "from", in.FromUser)
		ack(w)
		return
	}
	if !h.ch.limiter.Allow(acc.cfg.ID + ":" + in.FromUser) {
		slog.Warn("wecom: inbound rate limit exceeded", "account", acc.cfg.ID, "from", in.FromUser)
		ack(w)
		return
	}
	if in.MsgID != "" && h.ch.runtime.Dedup.CheckAndRemember(in.MsgID) {
		slog.Info("wecom: duplicate message ignored", "account", acc.cfg.ID, "msg_id", in.MsgID)
		ack(w)
		return
	}

	// The platform retries quickly, so the ack goes out before the reply
	// engine runs.
	ack(w)
	w.Flush()

	h.ch.runtime.Enqueue(acc.client, bus.InboundMessage{
		Channel:   ChannelName,
		AccountID: acc.cfg.ID,
		SenderID:  in.FromUser,
		ChatID:    in.FromUser,
		Content:   in.Content,
		MessageID: in.MsgID,
		PeerKind:  bus.PeerDirect,
	})
}

func (h *WebhookHandler) reject(w http.ResponseWriter, span trace.Span, status int, err error) {
	slog.Warn("wecom: webhook rejected", "status", status, "error", err)
	span.RecordError(err)
	span.SetStatus(codes.Error, http.StatusText(status))
	http.Error(w, http.StatusText(status), status)
}

func ack(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, ackBody)
}
