package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/titanous/json5"
)

// DefaultLedgerMax is the default per-context cap of the message ledger.
const DefaultLedgerMax = 10000

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Telegram: TelegramConfig{
			RatePerSecond: 1,
			Burst:         3,
		},
		Bridge: BridgeConfig{
			ImplicitAddressing: "warn",
			BindCodeTTLSeconds: 600,
			Workers:            16,
			QueueSize:          256,
		},
		Database: DatabaseConfig{
			Mode:       "standalone",
			SQLitePath: "~/.chatbridge/bridge.db",
		},
		Redis: RedisConfig{
			Prefix: "chatbridge:bindcode",
		},
	}
}

// LoadDotEnv loads .env.local from the config file's directory, falling back
// to .env in the working directory. Variables already set win.
func LoadDotEnv(configPath string) {
	local := filepath.Join(filepath.Dir(configPath), ".env.local")
	if err := godotenv.Load(local); err != nil {
		_ = godotenv.Load(".env")
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Bridge.ImplicitAddressing {
	case "", "disabled", "enabled", "warn":
	default:
		return fmt.Errorf("bridge.implicit_addressing: unknown policy %q", c.Bridge.ImplicitAddressing)
	}
	if c.WhatsApp.Enabled && c.WhatsApp.BridgeURL == "" {
		return fmt.Errorf("whatsapp.bridge_url is required when whatsapp is enabled")
	}
	switch c.Database.Mode {
	case "", "standalone", "managed":
	default:
		return fmt.Errorf("database.mode: unknown mode %q", c.Database.Mode)
	}
	switch c.Telemetry.Protocol {
	case "", "grpc", "http":
	default:
		return fmt.Errorf("telemetry.protocol: unknown protocol %q", c.Telemetry.Protocol)
	}
	return nil
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

	envStr("CHATBRIDGE_TELEGRAM_TOKEN", &c.Telegram.Token)
	envStr("CHATBRIDGE_TELEGRAM_PROXY", &c.Telegram.Proxy)
	if v := os.Getenv("CHATBRIDGE_DISCORD_TOKEN"); v != "" {
		// Auto-enable when credentials come from env
		c.Discord.Token = v
		c.Discord.Enabled = true
	}
	if v := os.Getenv("CHATBRIDGE_WHATSAPP_BRIDGE_URL"); v != "" {
		c.WhatsApp.BridgeURL = v
		c.WhatsApp.Enabled = true
	}

	// Policy switches
	envBool("CHATBRIDGE_MULTI_BINDING", &c.Bridge.MultiBinding)
	envStr("CHATBRIDGE_IMPLICIT_ADDRESSING", &c.Bridge.ImplicitAddressing)
	if v := os.Getenv("CHATBRIDGE_PREVENT_MESSAGE_REMOVAL"); v != "" {
		b := v == "true" || v == "1"
		c.Bridge.PreventMessageRemoval = &b
	}
	if v := os.Getenv("CHATBRIDGE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Bridge.Workers = n
		}
	}

	// Database
	envStr("CHATBRIDGE_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("CHATBRIDGE_MODE", &c.Database.Mode)
	envStr("CHATBRIDGE_SQLITE_PATH", &c.Database.SQLitePath)
	envStr("CHATBRIDGE_REDIS_URL", &c.Redis.URL)

	// Telemetry
	envStr("CHATBRIDGE_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("CHATBRIDGE_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("CHATBRIDGE_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	envBool("CHATBRIDGE_TELEMETRY_ENABLED", &c.Telemetry.Enabled)
	envBool("CHATBRIDGE_TELEMETRY_INSECURE", &c.Telemetry.Insecure)
}

// ApplyEnvOverrides re-applies environment variable overrides onto the config.
func (c *Config) ApplyEnvOverrides() {
	c.applyEnvOverrides()
}

// Save writes the config to a JSON file. Secrets are never written.
func Save(path string, cfg *Config) error {
	cp := cfg.MaskedCopy()
	cp.StripSecrets()

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Hash returns a SHA-256 hash of the config, used to skip no-op reloads.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// SQLitePath returns the expanded standalone database path.
func (c *Config) SQLitePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Database.SQLitePath)
}

const secretMask = "***"

// MaskedCopy returns a deep copy of the config with all secret fields masked.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// Deep copy via JSON round-trip
	data, err := json.Marshal(c)
	if err != nil {
		return &Config{}
	}
	cp := Default()
	if err := json.Unmarshal(data, cp); err != nil {
		return &Config{}
	}

	maskNonEmpty(&cp.Telegram.Token)
	maskNonEmpty(&cp.Discord.Token)
	for k := range cp.Telemetry.Headers {
		cp.Telemetry.Headers[k] = secretMask
	}
	return cp
}

// StripSecrets zeros out all secret fields in the config.
func (c *Config) StripSecrets() {
	c.Telegram.Token = ""
	c.Discord.Token = ""
	c.Database.PostgresDSN = ""
	c.Redis.URL = ""
}

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = secretMask
	}
}

// ExpandHome replaces leading ~ with the user home directory.
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
