package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/wecomrelay/internal/bus"
	"github.com/nextlevelbuilder/wecomrelay/internal/channels/wecom"
	"github.com/nextlevelbuilder/wecomrelay/internal/reply"
)

func chatCmd() *cobra.Command {
	var (
		message string
		from    string
		account string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to the reply engine as a WeCom user would",
		Long: `Send messages through the configured reply engine and print each piece
exactly as it would be delivered to WeCom, after stream flushing.

Examples:
  wecomrelay chat                        # Interactive REPL
  wecomrelay chat -m "What time is it?"  # One-shot message
  wecomrelay chat --from alice           # Impersonate a WeCom user id`,
		Run: func(cmd *cobra.Command, args []string) {
			runChat(message, from, account)
		},
	}

	cmd.Flags().StringVarP(&message, "message", "m", "", "one-shot message (omit for interactive mode)")
	cmd.Flags().StringVar(&from, "from", "", "sender user id (default: random per session)")
	cmd.Flags().StringVar(&account, "account", "", "account id to report to the engine (default: the default account)")

	return cmd
}

func runChat(message, from, account string) {
	setupLogging(os.Stderr)
	cfg, _ := loadConfig()

	wc := cfg.WeCom()
	if account == "" {
		account = wc.DefaultAccountID()
	}
	if from == "" {
		from = "cli-" + uuid.NewString()[:8]
	}
	engine := buildEngine(cfg, len(wc.EnabledAccounts()) > 1)
	stream := wecom.StreamOptions{
		Threshold: wc.StreamFlushThreshold,
		Debounce:  wc.StreamDebounce.Std(),
	}

	if engineName(cfg) == "gateway" {
		fmt.Fprintf(os.Stderr, "Reply gateway: %s (%s)\n", cfg.Reply.Gateway.URL, pingGateway(cfg))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if message != "" {
		if err := chatOnce(ctx, engine, stream, account, from, message); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	fmt.Fprintf(os.Stderr, "\nwecomrelay chat (engine: %s, account: %s)\n", engineName(cfg), account)
	fmt.Fprintf(os.Stderr, "Sender: %s\n", from)
	fmt.Fprintf(os.Stderr, "Type \"exit\" to quit, \"/new\" for a new sender\n\n")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Fprint(os.Stderr, "You: ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Fprintln(os.Stderr, "Goodbye!")
			return
		}
		if input == "/new" {
			from = "cli-" + uuid.NewString()[:8]
			fmt.Fprintf(os.Stderr, "New sender: %s\n\n", from)
			continue
		}

		if err := chatOnce(ctx, engine, stream, account, from, input); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
			continue
		}
		fmt.Println()
	}
}

// chatOnce runs one message through engine, printing each flushed send.
func chatOnce(ctx context.Context, engine reply.Engine, opts wecom.StreamOptions, account, from, text string) error {
	sends := 0
	flusher := wecom.NewStreamFlusher(ctx, func(_ context.Context, out string) error {
		sends++
		fmt.Printf("[%d] %s\n", sends, out)
		return nil
	}, opts, nil)

	msg := bus.InboundMessage{
		Channel:   wecom.ChannelName,
		AccountID: account,
		SenderID:  from,
		ChatID:    from,
		Content:   text,
		RunID:     uuid.NewString(),
		PeerKind:  bus.PeerDirect,
	}
	err := engine.Dispatch(ctx, msg, flusher.Handle)
	if closeErr := flusher.Close(context.WithoutCancel(ctx)); err == nil {
		err = closeErr
	}
	return err
}
