package wecom

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/wecomrelay/internal/clock"
)

type sentMessage struct {
	Token   string
	ToUser  string
	AgentID string
	Content string
}

// fakeMessenger records sends and fails according to a script of errors,
// consumed one per call (nil or exhausted script means success).
type fakeMessenger struct {
	mu     sync.Mutex
	sent   []sentMessage
	script []error
	hook   func(sentMessage)
}

func (m *fakeMessenger) SendText(ctx context.Context, token, toUser, agentID, content string) error {
	msg := sentMessage{token, toUser, agentID, content}
	if m.hook != nil {
		m.hook(msg)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var err error
	if len(m.script) > 0 {
		err, m.script = m.script[0], m.script[1:]
	}
	if err == nil {
		m.sent = append(m.sent, msg)
	}
	return err
}

func (m *fakeMessenger) messages() []sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentMessage(nil), m.sent...)
}

func (m *fakeMessenger) contents() []string {
	var out []string
	for _, s := range m.messages() {
		out = append(out, s.Content)
	}
	return out
}

func newTestClient(t *testing.T, m Messenger, fc *clock.Fake, f *stubFetcher) *Client {
	t.Helper()
	if f == nil {
		f = &stubFetcher{}
	}
	ts := NewTokenSource(testCorpID, "secret", f, 0, fc)
	c := NewClient(testCorpID, "1000002", m, ts, SendOptions{}, fc)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func TestSplitRunes(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want []string
	}{
		{"empty", "", 3, nil},
		{"shorter", "ab", 3, []string{"ab"}},
		{"exact", "abc", 3, []string{"abc"}},
		{"split", "abcdefg", 3, []string{"abc", "def", "g"}},
		{"multibyte", "你好世界呀", 2, []string{"你好", "世界", "呀"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, splitRunes(tt.in, tt.n))
		})
	}
}

func TestClient_SendTextChunksInOrder(t *testing.T) {
	m := &fakeMessenger{}
	c := newTestClient(t, m, clock.NewFake(epoch), nil)

	text := strings.Repeat("a", 600) + strings.Repeat("b", 600) + "c"
	require.NoError(t, c.SendText(context.Background(), "alice", text))

	sent := m.messages()
	require.Len(t, sent, 3)
	assert.Equal(t, strings.Repeat("a", 600), sent[0].Content)
	assert.Equal(t, strings.Repeat("b", 600), sent[1].Content)
	assert.Equal(t, "c", sent[2].Content)
	for _, s := range sent {
		assert.Equal(t, "alice", s.ToUser)
		assert.Equal(t, "1000002", s.AgentID)
		assert.Equal(t, "secret-tok-1", s.Token)
	}
}

func TestClient_SendTextChunkSizeInRunes(t *testing.T) {
	m := &fakeMessenger{}
	c := newTestClient(t, m, clock.NewFake(epoch), nil)

	require.NoError(t, c.SendText(context.Background(), "alice", strings.Repeat("字", 1300)))
	for _, s := range m.contents() {
		assert.LessOrEqual(t, utf8.RuneCountInString(s), DefaultChunkSize)
		assert.True(t, utf8.ValidString(s))
	}
	assert.Len(t, m.contents(), 3)
}

func TestClient_SendTextEmptyIsNoop(t *testing.T) {
	m := &fakeMessenger{}
	c := newTestClient(t, m, clock.NewFake(epoch), nil)
	require.NoError(t, c.SendText(context.Background(), "alice", ""))
	assert.Empty(t, m.messages())
}

func TestClient_RetryBackoff(t *testing.T) {
	fc := clock.NewFake(epoch)
	transient := errors.New("connection reset")
	m := &fakeMessenger{script: []error{transient, transient}}
	c := newTestClient(t, m, fc, nil)

	require.NoError(t, c.SendText(context.Background(), "alice", "hi"))
	assert.Equal(t, []string{"hi"}, m.contents())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, fc.Sleeps())
}

func TestClient_RetryExhaustion(t *testing.T) {
	fc := clock.NewFake(epoch)
	apiErr := &APIError{Code: 45009, Msg: "api freq out of limit"}
	m := &fakeMessenger{script: []error{apiErr, apiErr, apiErr, apiErr, apiErr}}
	c := newTestClient(t, m, fc, nil)

	err := c.SendText(context.Background(), "alice", "hi")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDelivery)
	var got *APIError
	require.ErrorAs(t, err, &got)
	assert.Equal(t, 45009, got.Code)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, fc.Sleeps())
	assert.Empty(t, m.messages())
}

func TestClient_TokenErrorInvalidates(t *testing.T) {
	fc := clock.NewFake(epoch)
	f := &stubFetcher{}
	m := &fakeMessenger{script: []error{&APIError{Code: codeTokenExpired, Msg: "access_token expired"}}}
	c := newTestClient(t, m, fc, f)

	require.NoError(t, c.SendText(context.Background(), "alice", "hi"))
	sent := m.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "secret-tok-2", sent[0].Token, "retry should use a refreshed token")
	assert.EqualValues(t, 2, f.calls.Load())
}

func TestClient_CredentialFailureIsRetried(t *testing.T) {
	fc := clock.NewFake(epoch)
	f := &stubFetcher{err: &CredentialError{Code: 40013, Msg: "invalid corpid"}}
	m := &fakeMessenger{}
	c := newTestClient(t, m, fc, f)

	err := c.SendText(context.Background(), "alice", "hi")
	assert.ErrorIs(t, err, ErrDelivery)
	assert.ErrorIs(t, err, ErrCredentialFetch)
	assert.EqualValues(t, 4, f.calls.Load())
}

func TestClient_ConcurrentSendsDoNotInterleave(t *testing.T) {
	firstStarted := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	m := &fakeMessenger{hook: func(msg sentMessage) {
		if strings.HasPrefix(msg.Content, "A") {
			once.Do(func() {
				close(firstStarted)
				<-release
			})
		}
	}}
	fc := clock.NewFake(epoch)
	ts := NewTokenSource(testCorpID, "secret", &stubFetcher{}, 0, fc)
	c := NewClient(testCorpID, "1000002", m, ts, SendOptions{ChunkSize: 2}, fc)
	defer c.Close(context.Background())

	errA := make(chan error, 1)
	go func() { errA <- c.SendText(context.Background(), "alice", "A1A2A3") }()
	<-firstStarted

	errB := make(chan error, 1)
	go func() { errB <- c.SendText(context.Background(), "alice", "B1B2") }()
	time.Sleep(20 * time.Millisecond)
	close(release)

	require.NoError(t, <-errA)
	require.NoError(t, <-errB)
	assert.Equal(t, []string{"A1", "A2", "A3", "B1", "B2"}, m.contents())
}
