//go:build tsnet

package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"tailscale.com/tsnet"

	"github.com/nextlevelbuilder/wecomrelay/internal/config"
)

// initTailscale serves handler on the tailnet as well. It returns nil when
// no hostname is configured or the listener could not be started.
func initTailscale(ctx context.Context, cfg *config.Config, handler http.Handler) func() {
	tc := cfg.Tailscale
	if tc.Hostname == "" {
		return nil
	}

	dir := tc.StateDir
	if dir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			base = os.TempDir()
		}
		dir = filepath.Join(base, "tsnet-wecomrelay")
	}

	ts := &tsnet.Server{
		Hostname:  tc.Hostname,
		Dir:       config.ExpandHome(dir),
		AuthKey:   tc.AuthKey,
		Ephemeral: tc.Ephemeral,
		Logf: func(format string, args ...any) {
			slog.Debug(fmt.Sprintf(format, args...), "component", "tsnet")
		},
	}

	var (
		ln  net.Listener
		err error
	)
	if tc.EnableTLS {
		ln, err = ts.ListenTLS("tcp", ":443")
	} else {
		ln, err = ts.Listen("tcp", ":80")
	}
	if err != nil {
		slog.Error("tailscale listen failed", "hostname", tc.Hostname, "error", err)
		ts.Close()
		return nil
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Warn("tailscale listener stopped", "error", err)
		}
	}()
	slog.Info("tailscale listener started", "hostname", tc.Hostname, "tls", tc.EnableTLS)

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		ts.Close()
	}
}
