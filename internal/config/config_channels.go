package config

// TelegramConfig configures the front-end transport.
type TelegramConfig struct {
	Token         string              `json:"token"`
	Proxy         string              `json:"proxy,omitempty"`
	Admins        FlexibleStringSlice `json:"admins"`                    // user ids whose messages are bridged and who may run commands; empty = everyone
	RatePerSecond float64             `json:"rate_per_second,omitempty"` // outbound messages per context (default 1)
	Burst         int                 `json:"burst,omitempty"`           // default 3
}

// DiscordConfig configures the Discord remote channel.
type DiscordConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
}

// WhatsAppConfig configures the WhatsApp remote channel. The bridge (e.g.
// whatsapp-web.js based) speaks the WhatsApp protocol; chatbridge exchanges
// JSON frames with it over a WebSocket.
type WhatsAppConfig struct {
	Enabled   bool   `json:"enabled"`
	BridgeURL string `json:"bridge_url"`
}
