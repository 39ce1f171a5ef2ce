package config

import (
	"sort"
	"strings"
)

// EnvAccountID names the account assembled from WECOM_* environment variables.
const EnvAccountID = "env"

// DefaultWebhookPath is where the default account receives callbacks.
const DefaultWebhookPath = "/wecom/webhook"

// ChannelsConfig contains per-channel configuration.
type ChannelsConfig struct {
	WeCom WeComConfig `json:"wecom"`
}

// WeComConfig holds every WeCom account plus relay tuning shared by them.
// Zero tuning values mean "use the built-in default".
type WeComConfig struct {
	Accounts       map[string]WeComAccount `json:"accounts"`
	DefaultAccount string                  `json:"default_account,omitempty"`
	APIBase        string                  `json:"api_base,omitempty"` // default "https://qyapi.weixin.qq.com"

	StrictReceiverID bool `json:"strict_receiver_id,omitempty"` // reject payloads addressed to another corp

	DedupTTL           Duration `json:"dedup_ttl,omitempty"`            // default 10m
	DedupSweepInterval Duration `json:"dedup_sweep_interval,omitempty"` // default 1h
	LaneIdleTTL        Duration `json:"lane_idle_ttl,omitempty"`        // default 5m
	TokenMargin        Duration `json:"token_margin,omitempty"`         // default 200s

	ChunkSize      int      `json:"chunk_size,omitempty"`       // runes per outbound message (default 600)
	SendRetries    int      `json:"send_retries,omitempty"`     // default 3; negative disables
	RetryBaseDelay Duration `json:"retry_base_delay,omitempty"` // default 1s, doubled per retry

	StreamFlushThreshold int      `json:"stream_flush_threshold,omitempty"` // default 1000 runes
	StreamDebounce       Duration `json:"stream_debounce,omitempty"`        // default 1s

	SendRatePerSec    float64 `json:"send_rate_per_sec,omitempty"`    // 0 = unlimited
	InboundRatePerMin int     `json:"inbound_rate_per_min,omitempty"` // per sender; 0 = unlimited
}

// WeComAccount is one self-built WeCom application.
type WeComAccount struct {
	ID             string              `json:"-"` // map key, filled by Resolve
	Enabled        *bool               `json:"enabled,omitempty"` // default true (nil = enabled)
	CorpID         string              `json:"corp_id"`
	CorpSecret     string              `json:"corp_secret"`
	AgentID        FlexibleString      `json:"agent_id"`
	Token          string              `json:"token,omitempty"`            // callback token
	EncodingAESKey string              `json:"encoding_aes_key,omitempty"` // 43 chars
	WebhookPath    string              `json:"webhook_path,omitempty"`     // default: /wecom/webhook for the default account, /wecom/webhook/<id> otherwise
	AllowFrom      FlexibleStringSlice `json:"allow_from,omitempty"`
}

// IsEnabled returns whether the account is enabled (default true).
func (a WeComAccount) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// HasCallback reports whether the account can receive callbacks.
func (a WeComAccount) HasCallback() bool {
	return a.Token != "" && a.EncodingAESKey != ""
}

// NormalizedAllowFrom returns the allow list with any "wecom:" prefix removed.
func (a WeComAccount) NormalizedAllowFrom() []string {
	if len(a.AllowFrom) == 0 {
		return nil
	}
	out := make([]string, 0, len(a.AllowFrom))
	for _, entry := range a.AllowFrom {
		entry = strings.TrimSpace(entry)
		if len(entry) >= 6 && strings.EqualFold(entry[:6], "wecom:") {
			entry = entry[6:]
		}
		if entry != "" {
			out = append(out, entry)
		}
	}
	return out
}

// AccountIDs returns the configured account ids in sorted order.
func (w WeComConfig) AccountIDs() []string {
	ids := make([]string, 0, len(w.Accounts))
	for id := range w.Accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Account returns the account with id, its ID field filled in.
func (w WeComConfig) Account(id string) (WeComAccount, bool) {
	acc, ok := w.Accounts[id]
	if !ok {
		return WeComAccount{}, false
	}
	acc.ID = id
	return acc, true
}

// DefaultAccountID picks the account used when none is named: the
// configured default, then the env account, then the first id.
func (w WeComConfig) DefaultAccountID() string {
	if w.DefaultAccount != "" {
		if _, ok := w.Accounts[w.DefaultAccount]; ok {
			return w.DefaultAccount
		}
	}
	if _, ok := w.Accounts[EnvAccountID]; ok {
		return EnvAccountID
	}
	if ids := w.AccountIDs(); len(ids) > 0 {
		return ids[0]
	}
	return ""
}

// EnabledAccounts returns enabled accounts in id order.
func (w WeComConfig) EnabledAccounts() []WeComAccount {
	var out []WeComAccount
	for _, id := range w.AccountIDs() {
		acc, _ := w.Account(id)
		if acc.IsEnabled() {
			out = append(out, acc)
		}
	}
	return out
}

// WebhookPathFor returns the callback path for an account.
func (w WeComConfig) WebhookPathFor(acc WeComAccount) string {
	if acc.WebhookPath != "" {
		return "/" + strings.TrimLeft(acc.WebhookPath, "/")
	}
	if acc.ID == w.DefaultAccountID() {
		return DefaultWebhookPath
	}
	return DefaultWebhookPath + "/" + acc.ID
}
