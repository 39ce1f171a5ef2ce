package wecom

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/wecomrelay/internal/bus"
	"github.com/nextlevelbuilder/wecomrelay/internal/clock"
	"github.com/nextlevelbuilder/wecomrelay/internal/config"
	"github.com/nextlevelbuilder/wecomrelay/internal/reply"
)

const (
	testTimestamp = "1700000000"
	testNonce     = "n0nce"
)

// recordingEngine answers every message with a fixed final chunk and keeps
// the messages it was given.
type recordingEngine struct {
	answer string

	mu   sync.Mutex
	msgs []bus.InboundMessage
}

func (e *recordingEngine) Dispatch(ctx context.Context, msg bus.InboundMessage, deliver reply.DeliverFunc) error {
	e.mu.Lock()
	e.msgs = append(e.msgs, msg)
	e.mu.Unlock()
	return deliver(ctx, reply.Chunk{Kind: reply.KindFinal, Text: e.answer})
}

func (e *recordingEngine) received() []bus.InboundMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]bus.InboundMessage(nil), e.msgs...)
}

type webhookFixture struct {
	rt      *Runtime
	ch      *Channel
	msgr    *fakeMessenger
	codec   *Codec
	handler http.Handler
}

func testWeComConfig() config.WeComConfig {
	return config.WeComConfig{Accounts: map[string]config.WeComAccount{
		"main": {
			CorpID:         testCorpID,
			CorpSecret:     "secret",
			AgentID:        "1000002",
			Token:          testToken,
			EncodingAESKey: testAESKey,
		},
	}}
}

func newWebhookFixture(t *testing.T, engine reply.Engine, mutate func(*config.WeComConfig)) *webhookFixture {
	t.Helper()
	cfg := testWeComConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	fc := clock.NewFake(epoch)
	msgr := &fakeMessenger{}
	rt := NewRuntime(RuntimeOptions{
		API:    fakeAPI{&stubFetcher{}, msgr},
		Engine: engine,
		Clock:  fc,
	})
	ch, err := NewChannel(cfg, rt, fc)
	require.NoError(t, err)
	t.Cleanup(func() { rt.Shutdown(context.Background()) })

	return &webhookFixture{
		rt:      rt,
		ch:      ch,
		msgr:    msgr,
		codec:   newTestCodec(t),
		handler: ch.Handler(),
	}
}

// drain waits for every queued dispatch and send to finish.
func (f *webhookFixture) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.rt.Shutdown(ctx))
}

func signedQuery(encrypted string) url.Values {
	return url.Values{
		"msg_signature": {Signature(testToken, testTimestamp, testNonce, encrypted)},
		"timestamp":     {testTimestamp},
		"nonce":         {testNonce},
	}
}

func textXML(from, content, msgID string) string {
	return fmt.Sprintf("<xml><ToUserName><![CDATA[%s]]></ToUserName><FromUserName><![CDATA[%s]]></FromUserName>"+
		"<CreateTime>1700000000</CreateTime><MsgType><![CDATA[text]]></MsgType>"+
		"<Content><![CDATA[%s]]></Content><MsgId>%s</MsgId><AgentID>1000002</AgentID></xml>",
		testCorpID, from, content, msgID)
}

func (f *webhookFixture) serve(method, target string, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

// postMessage encrypts inner, signs it and posts the envelope.
func (f *webhookFixture) postMessage(t *testing.T, inner string) *httptest.ResponseRecorder {
	t.Helper()
	enc, err := f.codec.Encrypt(inner)
	require.NoError(t, err)
	body := "<xml><ToUserName><![CDATA[" + testCorpID + "]]></ToUserName><Encrypt><![CDATA[" + enc + "]]></Encrypt></xml>"
	return f.serve(http.MethodPost, config.DefaultWebhookPath+"?"+signedQuery(enc).Encode(), body)
}

func TestWebhook_MissingSignatureParams(t *testing.T) {
	f := newWebhookFixture(t, &recordingEngine{}, nil)
	for _, method := range []string{http.MethodGet, http.MethodPost} {
		rec := f.serve(method, config.DefaultWebhookPath+"?timestamp=1&nonce=2", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, method)
	}
}

func TestWebhook_VerifyURL(t *testing.T) {
	f := newWebhookFixture(t, &recordingEngine{}, nil)
	echo, err := f.codec.Encrypt("echo-1234")
	require.NoError(t, err)

	t.Run("ok", func(t *testing.T) {
		q := signedQuery(echo)
		q.Set("echostr", echo)
		rec := f.serve(http.MethodGet, config.DefaultWebhookPath+"?"+q.Encode(), "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "echo-1234", rec.Body.String())
	})

	t.Run("bad signature", func(t *testing.T) {
		q := signedQuery(echo)
		q.Set("msg_signature", strings.Repeat("0", 40))
		q.Set("echostr", echo)
		rec := f.serve(http.MethodGet, config.DefaultWebhookPath+"?"+q.Encode(), "")
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("undecryptable", func(t *testing.T) {
		q := signedQuery("AAAA")
		q.Set("echostr", "AAAA")
		rec := f.serve(http.MethodGet, config.DefaultWebhookPath+"?"+q.Encode(), "")
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("missing echostr", func(t *testing.T) {
		rec := f.serve(http.MethodGet, config.DefaultWebhookPath+"?"+signedQuery("").Encode(), "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestWebhook_PostRejections(t *testing.T) {
	engine := &recordingEngine{answer: "x"}
	f := newWebhookFixture(t, engine, nil)

	t.Run("missing Encrypt", func(t *testing.T) {
		rec := f.serve(http.MethodPost, config.DefaultWebhookPath+"?"+signedQuery("").Encode(), "<xml><ToUserName>x</ToUserName></xml>")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("bad signature", func(t *testing.T) {
		enc, err := f.codec.Encrypt(textXML("alice", "hi", "1"))
		require.NoError(t, err)
		q := signedQuery(enc)
		q.Set("msg_signature", strings.Repeat("f", 40))
		rec := f.serve(http.MethodPost, config.DefaultWebhookPath+"?"+q.Encode(), "<xml><Encrypt>"+enc+"</Encrypt></xml>")
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("undecryptable", func(t *testing.T) {
		rec := f.serve(http.MethodPost, config.DefaultWebhookPath+"?"+signedQuery("AAAA").Encode(), "<xml><Encrypt>AAAA</Encrypt></xml>")
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	f.drain(t)
	assert.Empty(t, engine.received())
	assert.Empty(t, f.msgr.messages())
}

func TestWebhook_MethodNotAllowed(t *testing.T) {
	f := newWebhookFixture(t, &recordingEngine{}, nil)
	rec := f.serve(http.MethodPut, config.DefaultWebhookPath+"?"+signedQuery("x").Encode(), "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "GET, POST", rec.Header().Get("Allow"))
}

func TestWebhook_UnknownPath(t *testing.T) {
	f := newWebhookFixture(t, &recordingEngine{}, nil)
	rec := f.serve(http.MethodPost, "/wecom/webhook/other?"+signedQuery("x").Encode(), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhook_PanicBeforeResponse(t *testing.T) {
	h := &WebhookHandler{ch: &Channel{}}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, config.DefaultWebhookPath, nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestWebhook_IgnoredMessagesAreAcked(t *testing.T) {
	engine := &recordingEngine{answer: "x"}
	f := newWebhookFixture(t, engine, nil)

	tests := []struct {
		name  string
		inner string
	}{
		{"image", strings.Replace(textXML("alice", "hi", "1"), "[text]", "[image]", 1)},
		{"blank content", textXML("alice", "   ", "2")},
		{"no sender", textXML("", "hi", "3")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.postMessage(t, tt.inner)
			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, "success", rec.Body.String())
		})
	}

	f.drain(t)
	assert.Empty(t, engine.received())
}

func TestWebhook_EndToEnd(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	engine := reply.EngineFunc(func(ctx context.Context, msg bus.InboundMessage, deliver reply.DeliverFunc) error {
		close(started)
		<-release
		assert.Equal(t, "hi", msg.Content)
		assert.Equal(t, "alice", msg.SenderID)
		assert.Equal(t, "main", msg.AccountID)
		assert.Equal(t, "100001", msg.MessageID)
		assert.NotEmpty(t, msg.RunID)
		return deliver(ctx, reply.Chunk{Kind: reply.KindFinal, Text: "hello there"})
	})
	f := newWebhookFixture(t, engine, nil)

	rec := f.postMessage(t, textXML("alice", "  hi \n", "100001"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "success", rec.Body.String())

	// The ack is complete while the engine is still running.
	<-started
	assert.Empty(t, f.msgr.messages())
	close(release)

	f.drain(t)
	msgs := f.msgr.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello there", msgs[0].Content)
	assert.Equal(t, "alice", msgs[0].ToUser)
	assert.Equal(t, "1000002", msgs[0].AgentID)
}

func TestWebhook_DuplicateDispatchedOnce(t *testing.T) {
	engine := &recordingEngine{answer: "pong"}
	f := newWebhookFixture(t, engine, nil)

	for i := 0; i < 3; i++ {
		rec := f.postMessage(t, textXML("alice", "ping", "42"))
		assert.Equal(t, "success", rec.Body.String())
	}
	f.drain(t)
	assert.Len(t, engine.received(), 1)
	assert.Equal(t, []string{"pong"}, f.msgr.contents())
}

func TestWebhook_AllowFrom(t *testing.T) {
	engine := &recordingEngine{answer: "ok"}
	f := newWebhookFixture(t, engine, func(cfg *config.WeComConfig) {
		acc := cfg.Accounts["main"]
		acc.AllowFrom = []string{"wecom:alice"}
		cfg.Accounts["main"] = acc
	})

	assert.Equal(t, "success", f.postMessage(t, textXML("bob", "hi", "1")).Body.String())
	assert.Equal(t, "success", f.postMessage(t, textXML("alice", "hi", "2")).Body.String())
	f.drain(t)

	got := engine.received()
	require.Len(t, got, 1)
	assert.Equal(t, "alice", got[0].SenderID)
}

func TestWebhook_InboundRateLimit(t *testing.T) {
	engine := &recordingEngine{answer: "ok"}
	f := newWebhookFixture(t, engine, func(cfg *config.WeComConfig) {
		cfg.InboundRatePerMin = 1
	})

	f.postMessage(t, textXML("alice", "one", "1"))
	f.postMessage(t, textXML("alice", "two", "2"))
	f.postMessage(t, textXML("bob", "three", "3"))
	f.drain(t)

	assert.Len(t, engine.received(), 2)
}

func TestWebhook_SenderOrderPreserved(t *testing.T) {
	var mu sync.Mutex
	var order []string
	engine := reply.EngineFunc(func(ctx context.Context, msg bus.InboundMessage, deliver reply.DeliverFunc) error {
		mu.Lock()
		order = append(order, msg.Content)
		mu.Unlock()
		return deliver(ctx, reply.Chunk{Kind: reply.KindFinal, Text: "re:" + msg.Content})
	})
	f := newWebhookFixture(t, engine, nil)

	for i := 1; i <= 5; i++ {
		f.postMessage(t, textXML("alice", fmt.Sprintf("m%d", i), fmt.Sprint(i)))
	}
	f.drain(t)

	assert.Equal(t, []string{"m1", "m2", "m3", "m4", "m5"}, order)
	assert.Equal(t, []string{"re:m1", "re:m2", "re:m3", "re:m4", "re:m5"}, f.msgr.contents())
}

func TestWebhook_EngineErrorDoesNotStallLane(t *testing.T) {
	calls := 0
	engine := reply.EngineFunc(func(ctx context.Context, msg bus.InboundMessage, deliver reply.DeliverFunc) error {
		calls++
		if calls == 1 {
			deliver(ctx, reply.Chunk{Kind: reply.KindBlock, Text: "partial "})
			return fmt.Errorf("engine exploded")
		}
		return deliver(ctx, reply.Chunk{Kind: reply.KindFinal, Text: "second"})
	})
	f := newWebhookFixture(t, engine, nil)

	f.postMessage(t, textXML("alice", "a", "1"))
	f.postMessage(t, textXML("alice", "b", "2"))
	f.drain(t)

	// The buffered block from the failed run is still delivered on cleanup.
	assert.Equal(t, []string{"partial ", "second"}, f.msgr.contents())
}
