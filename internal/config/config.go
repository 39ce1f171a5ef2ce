package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/titanous/json5"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json5.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json5.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// FlexibleString accepts both "str" and 123 (WeCom agent ids are numeric
// but often quoted).
type FlexibleString string

func (f *FlexibleString) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json5.Unmarshal(data, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case nil:
		*f = ""
	case string:
		*f = FlexibleString(val)
	case float64:
		*f = FlexibleString(strconv.FormatFloat(val, 'f', -1, 64))
	default:
		return fmt.Errorf("expected string or number, got %T", v)
	}
	return nil
}

func (f FlexibleString) String() string { return string(f) }

// Duration is a time.Duration written as a Go duration string ("1m30s").
// Plain numbers are read as milliseconds.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json5.Unmarshal(data, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case nil:
		*d = 0
	case string:
		if val == "" {
			*d = 0
			return nil
		}
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(val * float64(time.Millisecond)))
	default:
		return fmt.Errorf("expected duration string or milliseconds, got %T", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration for the relay.
type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Channels  ChannelsConfig  `json:"channels"`
	Reply     ReplyConfig     `json:"reply"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Tailscale TailscaleConfig `json:"tailscale,omitempty"`
	mu        sync.RWMutex
}

// GatewayConfig controls the HTTP listener that serves webhooks and /health.
type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// ReplyConfig selects the engine that answers inbound messages.
type ReplyConfig struct {
	Engine  string             `json:"engine"` // "gateway" (default) or "echo"
	Prefix  string             `json:"prefix,omitempty"` // echo engine only
	Gateway ReplyGatewayConfig `json:"gateway"`
}

// ReplyGatewayConfig points at an agent gateway speaking the WebSocket
// chat protocol.
type ReplyGatewayConfig struct {
	URL               string   `json:"url"`                            // e.g. "ws://127.0.0.1:18790/ws"
	Token             string   `json:"token,omitempty"`                // from env WECOMRELAY_GATEWAY_TOKEN preferred
	AgentID           string   `json:"agent_id,omitempty"`             // default "default"
	Timeout           Duration `json:"timeout,omitempty"`              // per-dispatch run timeout (default 5m)
	ForwardToolOutput bool     `json:"forward_tool_output,omitempty"` // relay tool results as tool chunks
}

// TailscaleConfig configures the optional Tailscale tsnet listener.
// Requires building with -tags tsnet. Auth key from env only (never persisted).
type TailscaleConfig struct {
	Hostname  string `json:"hostname"`             // Tailscale machine name (e.g. "wecom-relay")
	StateDir  string `json:"state_dir,omitempty"`  // persistent state directory (default: os.UserConfigDir/tsnet-wecomrelay)
	AuthKey   string `json:"-"`                    // from env WECOMRELAY_TSNET_AUTH_KEY only
	Ephemeral bool   `json:"ephemeral,omitempty"`  // remove node on exit (default false)
	EnableTLS bool   `json:"enable_tls,omitempty"` // use ListenTLS for auto HTTPS certs
}

// TelemetryConfig configures OpenTelemetry export for traces and spans.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`      // enable OTLP export (default false)
	Endpoint    string            `json:"endpoint,omitempty"`     // OTLP endpoint (e.g. "localhost:4317", "https://otel.example.com:4318")
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // plaintext transport (local dev)
	ServiceName string            `json:"service_name,omitempty"` // OTEL service name (default "wecomrelay")
	Headers     map[string]string `json:"headers,omitempty"`      // extra headers (e.g. auth tokens for cloud backends)
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	src.mu.RLock()
	defer src.mu.RUnlock()
	c.Gateway = src.Gateway
	c.Channels = src.Channels
	c.Reply = src.Reply
	c.Telemetry = src.Telemetry
	c.Tailscale = src.Tailscale
}
