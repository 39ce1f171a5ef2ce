package cmd

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/wecomrelay/internal/bus"
	"github.com/nextlevelbuilder/wecomrelay/internal/channels"
	"github.com/nextlevelbuilder/wecomrelay/internal/channels/wecom"
	"github.com/nextlevelbuilder/wecomrelay/internal/config"
)

// codecFlags selects callback credentials: an account from config, with
// optional explicit overrides.
type codecFlags struct {
	account string
	token   string
	aesKey  string
	corpID  string
}

func (f *codecFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.account, "account", "", "account id from config (default: the default account)")
	cmd.Flags().StringVar(&f.token, "token", "", "callback token (overrides the account)")
	cmd.Flags().StringVar(&f.aesKey, "aes-key", "", "43-char EncodingAESKey (overrides the account)")
	cmd.Flags().StringVar(&f.corpID, "corp-id", "", "corp id / receiver id (overrides the account)")
}

func (f *codecFlags) codec() (*wecom.Codec, error) {
	token, aesKey, corpID := f.token, f.aesKey, f.corpID
	if token == "" || aesKey == "" || corpID == "" {
		cfg, err := config.Load(resolveConfigPath())
		if err != nil {
			return nil, err
		}
		wc := cfg.WeCom()
		id := f.account
		if id == "" {
			id = wc.DefaultAccountID()
		}
		acc, ok := wc.Account(id)
		if !ok {
			return nil, fmt.Errorf("account %q not found in config", id)
		}
		if token == "" {
			token = acc.Token
		}
		if aesKey == "" {
			aesKey = acc.EncodingAESKey
		}
		if corpID == "" {
			corpID = acc.CorpID
		}
	}
	if token == "" || aesKey == "" {
		return nil, fmt.Errorf("token and encoding aes key are required")
	}
	return wecom.NewCodec(token, aesKey, corpID)
}

func wecomCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wecom",
		Short: "WeCom callback and API debugging helpers",
	}
	cmd.AddCommand(wecomSignCmd())
	cmd.AddCommand(wecomEncryptCmd())
	cmd.AddCommand(wecomDecryptCmd())
	cmd.AddCommand(wecomSendCmd())
	return cmd
}

func wecomSignCmd() *cobra.Command {
	var token, timestamp, nonce string
	cmd := &cobra.Command{
		Use:   "sign <encrypted>",
		Short: "Compute msg_signature for a payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				return fmt.Errorf("--token is required")
			}
			fmt.Println(wecom.Signature(token, timestamp, nonce, args[0]))
			return nil
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "callback token")
	cmd.Flags().StringVar(&timestamp, "timestamp", "", "timestamp query parameter")
	cmd.Flags().StringVar(&nonce, "nonce", "", "nonce query parameter")
	return cmd
}

func wecomEncryptCmd() *cobra.Command {
	var (
		f      codecFlags
		asText bool
		from   string
		path   string
	)
	cmd := &cobra.Command{
		Use:   "encrypt <plaintext>",
		Short: "Encrypt a payload and print the signed callback query",
		Long: `Encrypt a payload the way WeCom does and print the query string a
callback would carry. With --text the argument is wrapped in a text message
XML document and the full POST body is printed too.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			codec, err := f.codec()
			if err != nil {
				return err
			}
			plaintext := args[0]
			if asText {
				plaintext = textMessageXML(from, plaintext)
			}
			enc, err := codec.Encrypt(plaintext)
			if err != nil {
				return err
			}
			ts := strconv.FormatInt(time.Now().Unix(), 10)
			nonce := uuid.NewString()[:8]
			q := url.Values{}
			q.Set("msg_signature", codec.Signature(ts, nonce, enc))
			q.Set("timestamp", ts)
			q.Set("nonce", nonce)
			if !asText {
				q.Set("echostr", enc)
			}

			fmt.Printf("encrypt: %s\n", enc)
			fmt.Printf("query:   %s?%s\n", path, q.Encode())
			if asText {
				fmt.Printf("body:    <xml><Encrypt><![CDATA[%s]]></Encrypt></xml>\n", enc)
			}
			return nil
		},
	}
	f.register(cmd)
	cmd.Flags().BoolVar(&asText, "text", false, "wrap the argument in a text message document")
	cmd.Flags().StringVar(&from, "from", "cli-user", "FromUserName for --text")
	cmd.Flags().StringVar(&path, "path", config.DefaultWebhookPath, "webhook path to print in the query")
	return cmd
}

func textMessageXML(from, content string) string {
	var b strings.Builder
	b.WriteString("<xml>")
	fmt.Fprintf(&b, "<FromUserName><![CDATA[%s]]></FromUserName>", from)
	fmt.Fprintf(&b, "<CreateTime>%d</CreateTime>", time.Now().Unix())
	b.WriteString("<MsgType><![CDATA[text]]></MsgType>")
	fmt.Fprintf(&b, "<Content><![CDATA[%s]]></Content>", content)
	fmt.Fprintf(&b, "<MsgId>%d</MsgId>", time.Now().UnixNano())
	b.WriteString("</xml>")
	return b.String()
}

func wecomDecryptCmd() *cobra.Command {
	var f codecFlags
	cmd := &cobra.Command{
		Use:   "decrypt <encrypted>",
		Short: "Decrypt a callback payload or echostr",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			codec, err := f.codec()
			if err != nil {
				return err
			}
			out, err := codec.Decrypt(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("receiver: %s\n", out.ReceiverID)
			fmt.Println(out.Plaintext)
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

func wecomSendCmd() *cobra.Command {
	var account, to string
	cmd := &cobra.Command{
		Use:   "send <message>",
		Short: "Send a text message through a configured account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if to == "" {
				return fmt.Errorf("--to is required")
			}
			setupLogging(os.Stderr)
			cfg, _ := loadConfig()
			wc := cfg.WeCom()

			rt := wecom.NewRuntime(runtimeOptions(wc, nil))
			ch, err := wecom.NewChannel(wc, rt, nil)
			if err != nil {
				return err
			}
			mgr := channels.NewManager()
			mgr.RegisterChannel(ch.Name(), ch)
			defer mgr.StopAll(context.Background())

			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()
			err = mgr.SendToChannel(ctx, bus.OutboundMessage{
				Channel:   wecom.ChannelName,
				AccountID: account,
				ChatID:    to,
				Content:   args[0],
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(os.Stderr, "sent")
			return nil
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "account id (default: the default account)")
	cmd.Flags().StringVar(&to, "to", "", "recipient user id (touser)")
	return cmd
}
