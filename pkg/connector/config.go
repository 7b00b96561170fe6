// Copyright 2024-2026 Aiku AI

package connector

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

// Config is the whole process configuration.
type Config struct {
	WhatsApp    WhatsAppConfig    `yaml:"whatsapp"`
	Permissions PermissionsConfig `yaml:"permissions"`
	Polls       PollsConfig       `yaml:"polls"`
	Backup      BackupConfig      `yaml:"backup"`
	Relay       RelayConfig       `yaml:"relay"`
	Admin       AdminConfig       `yaml:"admin"`
	Alerts      AlertsConfig      `yaml:"alerts"`
	Logging     zeroconfig.Config `yaml:"logging"`
}

// WhatsAppConfig controls the connection manager.
type WhatsAppConfig struct {
	// SidecarURL is the WebSocket endpoint of the protocol sidecar.
	SidecarURL string `yaml:"sidecar_url"`
	// SessionDir holds the session credentials and the pairing-mode marker.
	SessionDir string `yaml:"session_dir"`

	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
	PairingRetryDelay    time.Duration `yaml:"pairing_retry_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
	KeepAliveInterval    time.Duration `yaml:"keep_alive_interval"`
	SentMessageTTL       time.Duration `yaml:"sent_message_ttl"`

	// PrintQR renders each QR code to the terminal.
	PrintQR bool `yaml:"print_qr"`
	// FormatMarkdown converts outbound Markdown to WhatsApp formatting.
	FormatMarkdown bool `yaml:"format_markdown"`

	HistoryEnabled  bool `yaml:"history_enabled"`
	HistoryMaxCount int  `yaml:"history_max_count"`
}

// ReconnectPolicy returns the backoff settings.
func (c WhatsAppConfig) ReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		BaseDelay:    c.ReconnectBaseDelay,
		MaxDelay:     c.ReconnectMaxDelay,
		PairingDelay: c.PairingRetryDelay,
		MaxAttempts:  c.MaxReconnectAttempts,
	}
}

// PermissionsConfig configures the static chat policy. When Enabled is
// false no write policy exists and every send is refused.
type PermissionsConfig struct {
	Enabled bool              `yaml:"enabled"`
	Default string            `yaml:"default"`
	Chats   map[string]string `yaml:"chats"`
}

type PollsConfig struct {
	// Database is a SQLite path. Empty keeps polls in memory.
	Database        string        `yaml:"database"`
	Retention       time.Duration `yaml:"retention"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

type BackupConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Type     string        `yaml:"type"`
	Dir      string        `yaml:"dir"`
	Debounce time.Duration `yaml:"debounce"`
	S3       S3Config      `yaml:"s3"`
}

type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Insecure  bool   `yaml:"insecure"`
}

type RelayConfig struct {
	WebhookURL string        `yaml:"webhook_url"`
	Token      string        `yaml:"token"`
	Timeout    time.Duration `yaml:"timeout"`
	QueueSize  int           `yaml:"queue_size"`
}

type AdminConfig struct {
	// Addr is the listen address of the admin HTTP API. Empty disables it.
	Addr string `yaml:"addr"`
}

type AlertsConfig struct {
	MattermostURL   string `yaml:"mattermost_url"`
	MattermostToken string `yaml:"mattermost_token"`
	ChannelID       string `yaml:"channel_id"`
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// PostProcess fills defaults and validates the loaded values.
func (c *Config) PostProcess() error {
	c.WhatsApp.applyDefaults()
	c.Polls.applyDefaults()
	if c.Backup.Debounce <= 0 {
		c.Backup.Debounce = 5 * time.Second
	}
	if c.Relay.Timeout <= 0 {
		c.Relay.Timeout = 60 * time.Second
	}
	if c.Relay.QueueSize <= 0 {
		c.Relay.QueueSize = 256
	}
	if c.Permissions.Default == "" {
		c.Permissions.Default = string(PermissionReadOnly)
	}
	if c.Permissions.Enabled {
		if _, err := NewStaticPolicy(c.Permissions.Default, c.Permissions.Chats); err != nil {
			return err
		}
	}
	switch c.Backup.Type {
	case "", "dir", "s3":
	default:
		return fmt.Errorf("unknown backup type %q", c.Backup.Type)
	}
	return nil
}

func (c *WhatsAppConfig) applyDefaults() {
	if c.SessionDir == "" {
		c.SessionDir = "./session"
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = DefaultReconnectPolicy.BaseDelay
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = DefaultReconnectPolicy.MaxDelay
	}
	if c.PairingRetryDelay <= 0 {
		c.PairingRetryDelay = DefaultReconnectPolicy.PairingDelay
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = DefaultReconnectPolicy.MaxAttempts
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = 30 * time.Second
	}
	if c.SentMessageTTL <= 0 {
		c.SentMessageTTL = DefaultSentMessageTTL
	}
	if c.HistoryMaxCount <= 0 {
		c.HistoryMaxCount = DefaultHistoryMaxCount
	}
}

func (c *PollsConfig) applyDefaults() {
	if c.Retention <= 0 {
		c.Retention = DefaultPollRetention
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Hour
	}
}

// Policy returns the configured static policy, or nil when permissions are disabled.
func (c *Config) Policy() (*StaticPolicy, error) {
	if !c.Permissions.Enabled {
		return nil, nil
	}
	return NewStaticPolicy(c.Permissions.Default, c.Permissions.Chats)
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "whatsapp", "sidecar_url")
	helper.Copy(up.Str, "whatsapp", "session_dir")
	helper.Copy(up.Str, "whatsapp", "reconnect_base_delay")
	helper.Copy(up.Str, "whatsapp", "reconnect_max_delay")
	helper.Copy(up.Str, "whatsapp", "pairing_retry_delay")
	helper.Copy(up.Int, "whatsapp", "max_reconnect_attempts")
	helper.Copy(up.Str, "whatsapp", "connect_timeout")
	helper.Copy(up.Str, "whatsapp", "keep_alive_interval")
	helper.Copy(up.Str, "whatsapp", "sent_message_ttl")
	helper.Copy(up.Bool, "whatsapp", "print_qr")
	helper.Copy(up.Bool, "whatsapp", "format_markdown")
	helper.Copy(up.Bool, "whatsapp", "history_enabled")
	helper.Copy(up.Int, "whatsapp", "history_max_count")

	helper.Copy(up.Bool, "permissions", "enabled")
	helper.Copy(up.Str, "permissions", "default")
	helper.Copy(up.Map, "permissions", "chats")

	helper.Copy(up.Str, "polls", "database")
	helper.Copy(up.Str, "polls", "retention")
	helper.Copy(up.Str, "polls", "cleanup_interval")

	helper.Copy(up.Bool, "backup", "enabled")
	helper.Copy(up.Str, "backup", "type")
	helper.Copy(up.Str, "backup", "dir")
	helper.Copy(up.Str, "backup", "debounce")
	helper.Copy(up.Str, "backup", "s3", "endpoint")
	helper.Copy(up.Str, "backup", "s3", "bucket")
	helper.Copy(up.Str, "backup", "s3", "prefix")
	helper.Copy(up.Str, "backup", "s3", "region")
	helper.Copy(up.Str, "backup", "s3", "access_key")
	helper.Copy(up.Str, "backup", "s3", "secret_key")
	helper.Copy(up.Bool, "backup", "s3", "insecure")

	helper.Copy(up.Str, "relay", "webhook_url")
	helper.Copy(up.Str, "relay", "token")
	helper.Copy(up.Str, "relay", "timeout")
	helper.Copy(up.Int, "relay", "queue_size")

	helper.Copy(up.Str, "admin", "addr")

	helper.Copy(up.Str, "alerts", "mattermost_url")
	helper.Copy(up.Str, "alerts", "mattermost_token")
	helper.Copy(up.Str, "alerts", "channel_id")

	helper.Copy(up.Map, "logging")
}

// ConfigUpgrader merges a user config onto the embedded example.
func ConfigUpgrader() up.BaseUpgrader {
	return &up.StructUpgrader{
		SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
		Blocks: [][]string{
			{"whatsapp"},
			{"permissions"},
			{"polls"},
			{"backup"},
			{"relay"},
			{"admin"},
			{"alerts"},
			{"logging"},
		},
		Base: ExampleConfig,
	}
}

// LoadConfig upgrades the file at path in place (when save is set), then
// parses and post-processes it. A missing file is created from the example.
func LoadConfig(path string, save bool) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err = os.WriteFile(path, []byte(ExampleConfig), 0600); err != nil {
			return nil, fmt.Errorf("failed to write example config: %w", err)
		}
	}
	data, _, err := up.Do(path, save, ConfigUpgrader())
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes and post-processes YAML config data.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
