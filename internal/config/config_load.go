package config

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host: "0.0.0.0",
			Port: 18800,
		},
		Channels: ChannelsConfig{
			WeCom: WeComConfig{
				Accounts: map[string]WeComAccount{},
			},
		},
		Reply: ReplyConfig{
			Engine: "gateway",
			Gateway: ReplyGatewayConfig{
				URL:     "ws://127.0.0.1:18790/ws",
				AgentID: "default",
			},
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file yields the defaults plus env overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.Channels.WeCom.Accounts == nil {
		cfg.Channels.WeCom.Accounts = map[string]WeComAccount{}
	}
	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	envStr("WECOMRELAY_HOST", &c.Gateway.Host)
	if v := os.Getenv("WECOMRELAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}

	// Reply engine
	envStr("WECOMRELAY_REPLY_ENGINE", &c.Reply.Engine)
	envStr("WECOMRELAY_GATEWAY_URL", &c.Reply.Gateway.URL)
	envStr("WECOMRELAY_GATEWAY_TOKEN", &c.Reply.Gateway.Token)
	envStr("WECOMRELAY_GATEWAY_AGENT", &c.Reply.Gateway.AgentID)

	// Telemetry
	envStr("WECOMRELAY_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("WECOMRELAY_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("WECOMRELAY_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	envBool("WECOMRELAY_TELEMETRY_ENABLED", &c.Telemetry.Enabled)
	envBool("WECOMRELAY_TELEMETRY_INSECURE", &c.Telemetry.Insecure)

	// Tailscale (tsnet)
	envStr("WECOMRELAY_TSNET_HOSTNAME", &c.Tailscale.Hostname)
	envStr("WECOMRELAY_TSNET_AUTH_KEY", &c.Tailscale.AuthKey)
	envStr("WECOMRELAY_TSNET_DIR", &c.Tailscale.StateDir)

	c.applyWeComEnv()
}

// applyWeComEnv builds the "env" account from WECOM_CORPID, WECOM_CORPSECRET
// and WECOM_AGENTID, and lends WECOM_TOKEN / WECOM_AESKEY to any account
// that has no callback credentials of its own.
func (c *Config) applyWeComEnv() {
	w := &c.Channels.WeCom
	token := os.Getenv("WECOM_TOKEN")
	aesKey := os.Getenv("WECOM_AESKEY")

	for id, acc := range w.Accounts {
		if acc.Token == "" {
			acc.Token = token
		}
		if acc.EncodingAESKey == "" {
			acc.EncodingAESKey = aesKey
		}
		w.Accounts[id] = acc
	}

	corpID := os.Getenv("WECOM_CORPID")
	secret := os.Getenv("WECOM_CORPSECRET")
	agentID := os.Getenv("WECOM_AGENTID")
	if corpID == "" || secret == "" || agentID == "" {
		return
	}
	acc := w.Accounts[EnvAccountID]
	acc.Enabled = nil
	acc.CorpID = corpID
	acc.CorpSecret = secret
	acc.AgentID = FlexibleString(agentID)
	if token != "" {
		acc.Token = token
	}
	if aesKey != "" {
		acc.EncodingAESKey = aesKey
	}
	if v := os.Getenv("WECOM_ALLOW_FROM"); v != "" {
		acc.AllowFrom = splitList(v)
	}
	w.Accounts[EnvAccountID] = acc
}

// Validate reports configuration errors that would stop an account from
// working. Disabled accounts are not checked.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs []error
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		errs = append(errs, fmt.Errorf("gateway.port %d out of range", c.Gateway.Port))
	}
	switch c.Reply.Engine {
	case "", "gateway":
		if c.Reply.Gateway.URL == "" {
			errs = append(errs, errors.New("reply.gateway.url is required for the gateway engine"))
		}
	case "echo":
	default:
		errs = append(errs, fmt.Errorf("reply.engine %q: want \"gateway\" or \"echo\"", c.Reply.Engine))
	}

	paths := map[string]string{}
	w := c.Channels.WeCom
	for _, acc := range w.EnabledAccounts() {
		prefix := "channels.wecom.accounts." + acc.ID
		if acc.CorpID == "" {
			errs = append(errs, fmt.Errorf("%s: corp_id is required", prefix))
		}
		if acc.CorpSecret == "" {
			errs = append(errs, fmt.Errorf("%s: corp_secret is required", prefix))
		}
		if acc.AgentID == "" {
			errs = append(errs, fmt.Errorf("%s: agent_id is required", prefix))
		}
		if (acc.Token == "") != (acc.EncodingAESKey == "") {
			errs = append(errs, fmt.Errorf("%s: token and encoding_aes_key must be set together", prefix))
		}
		if acc.EncodingAESKey != "" {
			if err := CheckAESKey(acc.EncodingAESKey); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", prefix, err))
			}
		}
		if acc.HasCallback() {
			p := w.WebhookPathFor(acc)
			if other, dup := paths[p]; dup {
				errs = append(errs, fmt.Errorf("%s: webhook path %s already used by account %s", prefix, p, other))
			}
			paths[p] = acc.ID
		}
	}
	return errors.Join(errs...)
}

// CheckAESKey verifies that an EncodingAESKey decodes to a 32-byte key.
func CheckAESKey(encodingAESKey string) error {
	key, err := base64.StdEncoding.DecodeString(encodingAESKey + "=")
	if err != nil {
		return fmt.Errorf("encoding_aes_key is not valid base64: %w", err)
	}
	if len(key) != 32 {
		return fmt.Errorf("encoding_aes_key decodes to %d bytes, want 32", len(key))
	}
	return nil
}

// Hash returns a short SHA-256 of the config, used to skip no-op reloads.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// WeCom returns a copy of the WeCom section.
func (c *Config) WeCom() WeComConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Channels.WeCom
}

const secretMask = "***"

// MaskedCopy returns a copy of the config with all secret fields masked,
// for printing.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cp := &Config{
		Gateway:   c.Gateway,
		Channels:  c.Channels,
		Reply:     c.Reply,
		Telemetry: c.Telemetry,
		Tailscale: c.Tailscale,
	}
	accounts := make(map[string]WeComAccount, len(c.Channels.WeCom.Accounts))
	for id, acc := range c.Channels.WeCom.Accounts {
		maskNonEmpty(&acc.CorpSecret)
		maskNonEmpty(&acc.Token)
		maskNonEmpty(&acc.EncodingAESKey)
		accounts[id] = acc
	}
	cp.Channels.WeCom.Accounts = accounts
	maskNonEmpty(&cp.Reply.Gateway.Token)
	maskNonEmpty(&cp.Tailscale.AuthKey)
	if len(c.Telemetry.Headers) > 0 {
		cp.Telemetry.Headers = make(map[string]string, len(c.Telemetry.Headers))
		for k := range c.Telemetry.Headers {
			cp.Telemetry.Headers[k] = secretMask
		}
	}
	return cp
}

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = secretMask
	}
}

// ExpandHome expands a leading ~ to the user's home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}

// ResolvePath picks the config file: flag value, then $WECOMRELAY_CONFIG,
// then config.json in the working directory.
func ResolvePath(flag string) string {
	if flag != "" {
		return ExpandHome(flag)
	}
	if v := os.Getenv("WECOMRELAY_CONFIG"); v != "" {
		return ExpandHome(v)
	}
	return "config.json"
}

// splitList splits a comma-separated env value.
func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
