package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validAESKey = "MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY"

// clearEnv blanks every variable Load consults so the host environment
// cannot leak into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"WECOM_CORPID", "WECOM_CORPSECRET", "WECOM_AGENTID", "WECOM_TOKEN", "WECOM_AESKEY", "WECOM_ALLOW_FROM",
		"WECOMRELAY_HOST", "WECOMRELAY_PORT", "WECOMRELAY_REPLY_ENGINE", "WECOMRELAY_GATEWAY_URL",
		"WECOMRELAY_GATEWAY_TOKEN", "WECOMRELAY_GATEWAY_AGENT", "WECOMRELAY_CONFIG",
		"WECOMRELAY_TELEMETRY_ENABLED", "WECOMRELAY_TELEMETRY_ENDPOINT",
	} {
		t.Setenv(k, "")
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "0.0.0.0", cfg.Gateway.Host)
	assert.Equal(t, 18800, cfg.Gateway.Port)
	assert.Equal(t, "gateway", cfg.Reply.Engine)
	assert.NotNil(t, cfg.Channels.WeCom.Accounts)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Equal(t, 18800, cfg.Gateway.Port)
	assert.Empty(t, cfg.Channels.WeCom.Accounts)
}

func TestLoad_JSON5(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `{
		// comments and trailing commas are fine
		gateway: { port: 9000 },
		channels: {
			wecom: {
				default_account: "main",
				dedup_ttl: "15m",
				retry_base_delay: 250,
				accounts: {
					main: {
						enabled: true,
						corp_id: "ww1",
						corp_secret: "sec",
						agent_id: 1000002,
						token: "tok",
						encoding_aes_key: "`+validAESKey+`",
						allow_from: ["wecom:Alice", 42],
					},
				},
			},
		},
		reply: { engine: "echo", prefix: "> " },
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 9000, cfg.Gateway.Port)
	assert.Equal(t, "echo", cfg.Reply.Engine)

	w := cfg.WeCom()
	assert.Equal(t, 15*time.Minute, w.DedupTTL.Std())
	assert.Equal(t, 250*time.Millisecond, w.RetryBaseDelay.Std())

	acc, ok := w.Account("main")
	require.True(t, ok)
	assert.Equal(t, "main", acc.ID)
	assert.Equal(t, "1000002", acc.AgentID.String())
	assert.True(t, acc.HasCallback())
	assert.Equal(t, []string{"Alice", "42"}, acc.NormalizedAllowFrom())
	assert.Equal(t, DefaultWebhookPath, w.WebhookPathFor(acc))
}

func TestLoad_AccountsEnabledByDefault(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `{channels: {wecom: {accounts: {
		implicit: {corp_id: "ww1", corp_secret: "s1", agent_id: "1"},
		on: {enabled: true, corp_id: "ww2", corp_secret: "s2", agent_id: "2"},
		off: {enabled: false, corp_id: "ww3", corp_secret: "s3", agent_id: "3"},
	}}}}`)
	cfg, err := Load(path)
	require.NoError(t, err)

	w := cfg.WeCom()
	var ids []string
	for _, acc := range w.EnabledAccounts() {
		ids = append(ids, acc.ID)
	}
	assert.Equal(t, []string{"implicit", "on"}, ids)

	off, ok := w.Account("off")
	require.True(t, ok)
	assert.False(t, off.IsEnabled())
}

func TestLoad_ParseError(t *testing.T) {
	clearEnv(t)
	_, err := Load(writeConfig(t, `{gateway: `))
	assert.ErrorContains(t, err, "parse config")
}

func TestLoad_EnvAccount(t *testing.T) {
	clearEnv(t)
	t.Setenv("WECOM_CORPID", "wwenv")
	t.Setenv("WECOM_CORPSECRET", "envsecret")
	t.Setenv("WECOM_AGENTID", "1000005")
	t.Setenv("WECOM_TOKEN", "envtok")
	t.Setenv("WECOM_AESKEY", validAESKey)
	t.Setenv("WECOM_ALLOW_FROM", "alice, wecom:bob,")

	path := writeConfig(t, `{channels: {wecom: {accounts: {
		other: {enabled: true, corp_id: "ww2", corp_secret: "s2", agent_id: "7"},
	}}}}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	w := cfg.WeCom()
	env, ok := w.Account(EnvAccountID)
	require.True(t, ok)
	assert.True(t, env.IsEnabled())
	assert.Equal(t, "wwenv", env.CorpID)
	assert.Equal(t, "1000005", env.AgentID.String())
	assert.Equal(t, []string{"alice", "bob"}, env.NormalizedAllowFrom())
	assert.Equal(t, EnvAccountID, w.DefaultAccountID())

	// Accounts without callback credentials borrow the env ones.
	other, _ := w.Account("other")
	assert.Equal(t, "envtok", other.Token)
	assert.Equal(t, validAESKey, other.EncodingAESKey)
	assert.Equal(t, DefaultWebhookPath+"/other", w.WebhookPathFor(other))
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("WECOMRELAY_PORT", "7777")
	t.Setenv("WECOMRELAY_GATEWAY_URL", "ws://gw:1/ws")
	t.Setenv("WECOMRELAY_TELEMETRY_ENABLED", "true")

	cfg, err := Load(writeConfig(t, `{gateway: {port: 1}}`))
	require.NoError(t, err)
	assert.Equal(t, 7777, cfg.Gateway.Port)
	assert.Equal(t, "ws://gw:1/ws", cfg.Reply.Gateway.URL)
	assert.True(t, cfg.Telemetry.Enabled)
}

func TestValidate(t *testing.T) {
	disabled := false
	tests := []struct {
		name string
		acc  WeComAccount
		want []string
	}{
		{
			name: "missing credentials",
			acc:  WeComAccount{},
			want: []string{"corp_id is required", "corp_secret is required", "agent_id is required"},
		},
		{
			name: "token without key",
			acc:  WeComAccount{CorpID: "c", CorpSecret: "s", AgentID: "1", Token: "t"},
			want: []string{"must be set together"},
		},
		{
			name: "short key",
			acc:  WeComAccount{CorpID: "c", CorpSecret: "s", AgentID: "1", Token: "t", EncodingAESKey: "YWI"},
			want: []string{"decodes to 2 bytes"},
		},
		{
			name: "disabled accounts are skipped",
			acc:  WeComAccount{Enabled: &disabled},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Channels.WeCom.Accounts["a"] = tt.acc
			err := cfg.Validate()
			if len(tt.want) == 0 {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			for _, w := range tt.want {
				assert.ErrorContains(t, err, w)
			}
		})
	}
}

func TestValidate_DuplicateWebhookPath(t *testing.T) {
	cfg := Default()
	base := WeComAccount{CorpID: "c", CorpSecret: "s", AgentID: "1", Token: "t", EncodingAESKey: validAESKey}
	a, b := base, base
	a.WebhookPath = "/hook"
	b.WebhookPath = "hook"
	cfg.Channels.WeCom.Accounts["a"] = a
	cfg.Channels.WeCom.Accounts["b"] = b
	assert.ErrorContains(t, cfg.Validate(), "already used by account a")
}

func TestValidate_ReplyEngine(t *testing.T) {
	cfg := Default()
	cfg.Reply.Engine = "llm"
	assert.ErrorContains(t, cfg.Validate(), `reply.engine "llm"`)
}

func TestDefaultAccountID(t *testing.T) {
	w := WeComConfig{Accounts: map[string]WeComAccount{"b": {}, "a": {}}}
	assert.Equal(t, "a", w.DefaultAccountID())

	w.DefaultAccount = "b"
	assert.Equal(t, "b", w.DefaultAccountID())

	w.DefaultAccount = "missing"
	assert.Equal(t, "a", w.DefaultAccountID())

	assert.Equal(t, "", WeComConfig{}.DefaultAccountID())
}

func TestDuration_Unmarshal(t *testing.T) {
	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`"1m30s"`), &d))
	assert.Equal(t, 90*time.Second, d.Std())

	require.NoError(t, json.Unmarshal([]byte(`1500`), &d))
	assert.Equal(t, 1500*time.Millisecond, d.Std())

	assert.Error(t, json.Unmarshal([]byte(`"soon"`), &d))

	out, err := json.Marshal(Duration(2 * time.Second))
	require.NoError(t, err)
	assert.JSONEq(t, `"2s"`, string(out))
}

func TestFlexibleString_Unmarshal(t *testing.T) {
	var f FlexibleString
	require.NoError(t, json.Unmarshal([]byte(`1000002`), &f))
	assert.Equal(t, FlexibleString("1000002"), f)

	require.NoError(t, json.Unmarshal([]byte(`"abc"`), &f))
	assert.Equal(t, FlexibleString("abc"), f)

	assert.Error(t, json.Unmarshal([]byte(`true`), &f))
}

func TestMaskedCopy(t *testing.T) {
	cfg := Default()
	cfg.Reply.Gateway.Token = "gw-secret"
	cfg.Channels.WeCom.Accounts["a"] = WeComAccount{CorpSecret: "s", Token: "t", EncodingAESKey: validAESKey}

	masked := cfg.MaskedCopy()
	acc := masked.Channels.WeCom.Accounts["a"]
	assert.Equal(t, secretMask, acc.CorpSecret)
	assert.Equal(t, secretMask, acc.Token)
	assert.Equal(t, secretMask, masked.Reply.Gateway.Token)

	// The original is untouched.
	assert.Equal(t, "s", cfg.Channels.WeCom.Accounts["a"].CorpSecret)
}

func TestHash_ChangesWithContent(t *testing.T) {
	a, b := Default(), Default()
	assert.Equal(t, a.Hash(), b.Hash())
	b.Gateway.Port = 1
	assert.NotEqual(t, a.Hash(), b.Hash())
}

func TestResolvePath(t *testing.T) {
	clearEnv(t)
	assert.Equal(t, "config.json", ResolvePath(""))
	t.Setenv("WECOMRELAY_CONFIG", "/etc/relay.json5")
	assert.Equal(t, "/etc/relay.json5", ResolvePath(""))
	assert.Equal(t, "x.json", ResolvePath("x.json"))
}
