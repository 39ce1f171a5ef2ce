package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/wecomrelay/internal/channels"
	"github.com/nextlevelbuilder/wecomrelay/internal/channels/wecom"
	"github.com/nextlevelbuilder/wecomrelay/internal/config"
	"github.com/nextlevelbuilder/wecomrelay/internal/gateway"
	"github.com/nextlevelbuilder/wecomrelay/internal/reply"
	replygw "github.com/nextlevelbuilder/wecomrelay/internal/reply/gateway"
	"github.com/nextlevelbuilder/wecomrelay/internal/tracing"
	"github.com/nextlevelbuilder/wecomrelay/pkg/protocol"
)

// drainTimeout bounds how long shutdown waits for queued replies and sends.
const drainTimeout = 30 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook relay (default command)",
		Run: func(cmd *cobra.Command, args []string) {
			runGateway()
		},
	}
}

func runGateway() {
	setupLogging(os.Stdout)

	cfg, cfgPath := loadConfig()
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Telemetry, Version)
	if err != nil {
		slog.Warn("telemetry disabled", "error", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Warn("telemetry shutdown", "error", err)
		}
	}()

	wc := cfg.WeCom()
	engine := buildEngine(cfg, len(wc.EnabledAccounts()) > 1)
	rt := wecom.NewRuntime(runtimeOptions(wc, engine))

	ch, err := wecom.NewChannel(wc, rt, nil)
	if err != nil {
		slog.Error("failed to create wecom channel", "error", err)
		os.Exit(1)
	}

	channelMgr := channels.NewManager()
	channelMgr.RegisterChannel(ch.Name(), ch)
	if err := channelMgr.StartAll(ctx); err != nil {
		slog.Error("failed to start channels", "error", err)
		os.Exit(1)
	}

	server := gateway.NewServer(cfg, channelMgr)

	// Tailscale listener: build the mux first so the same routes are served
	// on both listeners. Compiled via build tags: `go build -tags tsnet`.
	mux := server.BuildMux()
	tsCleanup := initTailscale(ctx, cfg, mux)

	watcher := config.NewWatcher(cfgPath, cfg, func(next *config.Config) {
		if err := ch.Update(next.WeCom()); err != nil {
			slog.Warn("config reload: wecom accounts not applied", "error", err)
			return
		}
		cfg.ReplaceFrom(next)
		slog.Info("config reload applied", "accounts", ch.AccountIDs())
	})

	slog.Info("wecomrelay starting",
		"version", Version,
		"protocol", protocol.ProtocolVersion,
		"engine", engineName(cfg),
		"channels", channelMgr.GetEnabledChannels(),
		"accounts", ch.AccountIDs(),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx)
	})
	g.Go(func() error {
		if err := watcher.Run(gctx); err != nil {
			slog.Warn("config watcher unavailable", "error", err)
		}
		return nil
	})
	runErr := g.Wait()

	slog.Info("graceful shutdown initiated")
	// Both listeners are closed before the drain so no webhook enqueues
	// behind it.
	if tsCleanup != nil {
		tsCleanup()
	}
	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := channelMgr.StopAll(drainCtx); err != nil {
		slog.Warn("channels did not drain cleanly", "error", err)
	}

	if runErr != nil {
		slog.Error("gateway error", "error", runErr)
		os.Exit(1)
	}
}

func engineName(cfg *config.Config) string {
	if cfg.Reply.Engine == "" {
		return "gateway"
	}
	return cfg.Reply.Engine
}

// buildEngine selects the reply engine named in config. Session keys carry
// the account when more than one account shares the agent.
func buildEngine(cfg *config.Config, multiAccount bool) reply.Engine {
	if engineName(cfg) == "echo" {
		return reply.Echo{Prefix: cfg.Reply.Prefix}
	}
	gw := cfg.Reply.Gateway
	return replygw.New(replygw.Options{
		URL:               gw.URL,
		Token:             gw.Token,
		AgentID:           gw.AgentID,
		Timeout:           gw.Timeout.Std(),
		ForwardToolOutput: gw.ForwardToolOutput,
		ScopeByAccount:    multiAccount,
	})
}

// runtimeOptions maps the WeCom config section onto the runtime.
func runtimeOptions(wc config.WeComConfig, engine reply.Engine) wecom.RuntimeOptions {
	return wecom.RuntimeOptions{
		API:    wecom.NewAPIClient(wc.APIBase, nil),
		Engine: engine,
		Send: wecom.SendOptions{
			ChunkSize:  wc.ChunkSize,
			Retries:    wc.SendRetries,
			BaseDelay:  wc.RetryBaseDelay.Std(),
			RatePerSec: wc.SendRatePerSec,
		},
		Stream: wecom.StreamOptions{
			Threshold: wc.StreamFlushThreshold,
			Debounce:  wc.StreamDebounce.Std(),
		},
		TokenMargin:        wc.TokenMargin.Std(),
		DedupTTL:           wc.DedupTTL.Std(),
		DedupSweepInterval: wc.DedupSweepInterval.Std(),
		LaneIdleTTL:        wc.LaneIdleTTL.Std(),
	}
}
