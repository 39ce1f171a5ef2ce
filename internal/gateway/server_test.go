package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/wecomrelay/internal/bus"
	"github.com/nextlevelbuilder/wecomrelay/internal/channels"
	"github.com/nextlevelbuilder/wecomrelay/internal/config"
	"github.com/nextlevelbuilder/wecomrelay/pkg/protocol"
)

type hookChannel struct {
	*channels.BaseChannel
}

func (h *hookChannel) Start(context.Context) error                    { h.SetRunning(true); return nil }
func (h *hookChannel) Stop(context.Context) error                     { h.SetRunning(false); return nil }
func (h *hookChannel) Send(context.Context, bus.OutboundMessage) error { return nil }
func (h *hookChannel) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/hook/callback", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "success")
	})
}

func newTestServer(t *testing.T) (*Server, *hookChannel) {
	t.Helper()
	mgr := channels.NewManager()
	ch := &hookChannel{channels.NewBaseChannel("hook", nil)}
	mgr.RegisterChannel("hook", ch)
	require.NoError(t, mgr.StartAll(context.Background()))
	return NewServer(config.Default(), mgr), ch
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.BuildMux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body struct {
		Status   string                     `json:"status"`
		Protocol int                        `json:"protocol"`
		Channels map[string]map[string]bool `json:"channels"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, protocol.ProtocolVersion, body.Protocol)
	assert.True(t, body.Channels["hook"]["running"])
}

func TestHealth_MethodNotAllowed(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.BuildMux().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "GET, HEAD", rec.Header().Get("Allow"))
}

func TestBuildMux_MountsChannelRoutesOnce(t *testing.T) {
	srv, _ := newTestServer(t)
	mux := srv.BuildMux()
	assert.Same(t, mux, srv.BuildMux())

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/hook/callback", nil))
	assert.Equal(t, "success", rec.Body.String())

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nowhere", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	srv, _ := newTestServer(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/health"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(shutdownTimeout + time.Second):
		t.Fatal("server did not stop")
	}
}

func TestAddr(t *testing.T) {
	cfg := config.Default()
	cfg.Gateway.Host = "127.0.0.1"
	cfg.Gateway.Port = 18800
	assert.Equal(t, "127.0.0.1:18800", NewServer(cfg, nil).Addr())
}
