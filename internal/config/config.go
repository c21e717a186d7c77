package config

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
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

// Config is the root configuration for the chat bridge.
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Discord   DiscordConfig   `json:"discord"`
	WhatsApp  WhatsAppConfig  `json:"whatsapp"`
	Bridge    BridgeConfig    `json:"bridge"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Redis     RedisConfig     `json:"redis,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	mu        sync.RWMutex
}

// BridgeConfig holds the routing policy switches. All of them can be changed
// at runtime through a config reload.
type BridgeConfig struct {
	MultiBinding          bool   `json:"multi_binding"`                      // allow contexts to bind more than one chat (default false)
	ImplicitAddressing    string `json:"implicit_addressing,omitempty"`      // "disabled", "enabled", "warn" (default)
	PreventMessageRemoval *bool  `json:"prevent_message_removal,omitempty"` // default true
	LedgerMaxPerContext   *int   `json:"ledger_max_per_context,omitempty"`  // default 10000, 0 = unbounded
	BindCodeTTLSeconds    int    `json:"bind_code_ttl_seconds,omitempty"`   // default 600
	Workers               int    `json:"workers,omitempty"`                 // concurrent event workers (default 16)
	QueueSize             int    `json:"queue_size,omitempty"`              // pending events before publishers block (default 256)
}

// PreventRemoval returns the effective prevent-removal switch.
func (b BridgeConfig) PreventRemoval() bool {
	return b.PreventMessageRemoval == nil || *b.PreventMessageRemoval
}

// LedgerMax returns the effective per-context ledger cap (0 = unbounded).
func (b BridgeConfig) LedgerMax() int {
	if b.LedgerMaxPerContext == nil || *b.LedgerMaxPerContext < 0 {
		return DefaultLedgerMax
	}
	return *b.LedgerMaxPerContext
}

// BindCodeTTL returns how long a manual binding code stays redeemable.
func (b BridgeConfig) BindCodeTTL() time.Duration {
	if b.BindCodeTTLSeconds <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(b.BindCodeTTLSeconds) * time.Second
}

// DatabaseConfig selects the persistence backend.
// PostgresDSN is NEVER read from config.json (secret); only from env CHATBRIDGE_POSTGRES_DSN.
type DatabaseConfig struct {
	PostgresDSN string `json:"-"`                     // from env CHATBRIDGE_POSTGRES_DSN only
	Mode        string `json:"mode,omitempty"`        // "standalone" (default) or "managed"
	SQLitePath  string `json:"sqlite_path,omitempty"` // standalone database file (default ~/.chatbridge/bridge.db)
}

// IsManagedMode returns true if the bridge persists to Postgres.
func (c *Config) IsManagedMode() bool {
	return c.Database.Mode == "managed" && c.Database.PostgresDSN != ""
}

// RedisConfig enables Redis-backed binding codes when URL is set.
type RedisConfig struct {
	URL    string `json:"-"`                // from env CHATBRIDGE_REDIS_URL only
	Prefix string `json:"prefix,omitempty"` // key prefix (default "chatbridge:bindcode")
}

// TelemetryConfig configures OpenTelemetry export of router spans.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`      // enable OTLP export (default false)
	Endpoint    string            `json:"endpoint,omitempty"`     // OTLP endpoint (e.g. "localhost:4317", "https://otel.example.com:4318")
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // plaintext transport (local dev)
	ServiceName string            `json:"service_name,omitempty"` // OTEL service name (default "chatbridge")
	Headers     map[string]string `json:"headers,omitempty"`      // extra headers (e.g. auth tokens for cloud backends)
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Telegram = src.Telegram
	c.Discord = src.Discord
	c.WhatsApp = src.WhatsApp
	c.Bridge = src.Bridge
	c.Database = src.Database
	c.Redis = src.Redis
	c.Telemetry = src.Telemetry
}

// BridgeSnapshot returns the current policy switches under the read lock.
func (c *Config) BridgeSnapshot() BridgeConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Bridge
}
