package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/wecomrelay/internal/channels/wecom"
	"github.com/nextlevelbuilder/wecomrelay/internal/config"
	replygw "github.com/nextlevelbuilder/wecomrelay/internal/reply/gateway"
	"github.com/nextlevelbuilder/wecomrelay/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	var probe bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration health",
		Long: `Check configuration health: config file, WeCom accounts, AES keys and
reply engine reachability. With --probe each enabled account fetches an
access token from the WeCom API.`,
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor(probe)
		},
	}
	cmd.Flags().BoolVar(&probe, "probe", false, "fetch an access token for every enabled account")
	return cmd
}

func runDoctor(probe bool) {
	fmt.Println("wecomrelay doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults and env)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}
	if err := cfg.Validate(); err != nil {
		fmt.Println("  Validation:")
		for _, line := range strings.Split(err.Error(), "\n") {
			fmt.Printf("    - %s\n", line)
		}
	} else {
		fmt.Println("  Validation: OK")
	}

	fmt.Println()
	fmt.Printf("  Listen:   %s:%d\n", cfg.Gateway.Host, cfg.Gateway.Port)
	fmt.Printf("  Engine:   %s", engineName(cfg))
	if engineName(cfg) == "gateway" {
		fmt.Printf(" (%s, %s)", cfg.Reply.Gateway.URL, pingGateway(cfg))
	}
	fmt.Println()
	if cfg.Telemetry.Enabled {
		fmt.Printf("  Tracing:  %s (%s)\n", cfg.Telemetry.Endpoint, cfg.Telemetry.Protocol)
	}
	if cfg.Tailscale.Hostname != "" {
		fmt.Printf("  Tailnet:  %s\n", cfg.Tailscale.Hostname)
	}

	wc := cfg.WeCom()
	fmt.Println()
	fmt.Println("  WeCom accounts:")
	if len(wc.Accounts) == 0 {
		fmt.Println("    (none configured; set channels.wecom.accounts or WECOM_CORPID/WECOM_CORPSECRET/WECOM_AGENTID)")
	}
	defaultID := wc.DefaultAccountID()
	for _, id := range wc.AccountIDs() {
		acc, _ := wc.Account(id)
		label := id
		if id == defaultID {
			label += " (default)"
		}
		if !acc.IsEnabled() {
			fmt.Printf("    %-20s disabled\n", label+":")
			continue
		}
		fmt.Printf("    %-20s corp=%s agent=%s secret=%s\n", label+":", acc.CorpID, acc.AgentID, maskSecret(acc.CorpSecret))
		if acc.HasCallback() {
			keyStatus := "OK"
			if err := config.CheckAESKey(acc.EncodingAESKey); err != nil {
				keyStatus = err.Error()
			}
			fmt.Printf("    %-20s webhook %s, aes key %s\n", "", wc.WebhookPathFor(acc), keyStatus)
		} else {
			fmt.Printf("    %-20s send-only (no token/encoding_aes_key)\n", "")
		}
		if n := len(acc.NormalizedAllowFrom()); n > 0 {
			fmt.Printf("    %-20s allow_from: %d entries\n", "", n)
		}
		if probe {
			fmt.Printf("    %-20s token probe: %s\n", "", probeToken(wc.APIBase, acc))
		}
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func probeToken(apiBase string, acc config.WeComAccount) string {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	tok, err := wecom.NewAPIClient(apiBase, nil).FetchToken(ctx, acc.CorpID, acc.CorpSecret)
	if err != nil {
		return "FAILED (" + err.Error() + ")"
	}
	return fmt.Sprintf("OK (expires in %s)", tok.ExpiresIn)
}

// pingGateway reports whether the reply gateway accepts a connect and a
// health call with the configured token.
func pingGateway(cfg *config.Config) string {
	gw := cfg.Reply.Gateway
	err := replygw.New(replygw.Options{URL: gw.URL, Token: gw.Token}).Ping(context.Background())
	if err != nil {
		return "FAILED (" + err.Error() + ")"
	}
	return "OK"
}

func maskSecret(s string) string {
	switch {
	case s == "":
		return "(not set)"
	case len(s) <= 8:
		return strings.Repeat("*", len(s))
	default:
		return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
	}
}
