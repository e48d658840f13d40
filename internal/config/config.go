package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Config is the root configuration for wxbot.
type Config struct {
	General   GeneralConfig             `json:"general"`
	Providers map[string]ProviderConfig `json:"providers"`
	Channels  ChannelsConfig            `json:"channels"`
	Ledger    LedgerConfig              `json:"ledger"`
	Plugins   PluginsConfig             `json:"plugins"`
	Sched     SchedConfig               `json:"sched"`
	Metrics   MetricsConfig             `json:"metrics"`
}

type GeneralConfig struct {
	Workspace             string         `json:"workspace"`
	LogLevel              string         `json:"logLevel"`
	LogFile               string         `json:"logFile,omitempty"` // optional log file path
	MaxConcurrentMessages int            `json:"maxConcurrentMessages"`
	Admins                FlexStringList `json:"admins"` // sender IDs exempt from billing
}

// ProviderConfig configures one external SaaS endpoint. Presence in the
// providers map is what makes a provider available; plugins reference
// providers by map key.
type ProviderConfig struct {
	APIBase        string            `json:"apiBase,omitempty"`
	APIKey         string            `json:"apiKey,omitempty"`
	Model          string            `json:"model,omitempty"`
	TimeoutSeconds int               `json:"timeoutSeconds,omitempty"`
	Extra          map[string]string `json:"extra,omitempty"` // provider-specific knobs
}

type ChannelsConfig struct {
	WeChat   WeChatConfig   `json:"wechat"`
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord,omitempty"`
	Slack    SlackConfig    `json:"slack,omitempty"`
	CLI      CLIConfig      `json:"cli"`
	Webhook  WebhookConfig  `json:"webhook,omitempty"`
}

// WeChatConfig configures the primary channel: a WeChat gateway that
// delivers parsed message events and exposes an HTTP send API.
type WeChatConfig struct {
	Enabled       bool    `json:"enabled"`
	Mode          string  `json:"mode"`                  // "webhook" | "websocket"
	Listen        string  `json:"listen,omitempty"`      // webhook bind address
	WebhookPath   string  `json:"webhookPath,omitempty"` // callback path (default: /webhook/wechat)
	Secret        string  `json:"secret,omitempty"`      // HMAC secret for callback signatures
	APIBase       string  `json:"apiBase"`               // gateway send API base URL
	APIToken      string  `json:"apiToken,omitempty"`
	WSURL         string  `json:"wsUrl,omitempty"`         // websocket sync endpoint
	SendPerSecond float64 `json:"sendPerSecond,omitempty"` // outbound throttle (0 = unlimited)
}

type TelegramConfig struct {
	Enabled   bool           `json:"enabled"`
	Token     string         `json:"token"`
	AllowFrom FlexStringList `json:"allowFrom"`
	ParseMode string         `json:"parseMode"`
}

type DiscordConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	GuildID string `json:"guildId,omitempty"` // optional: restrict to specific guild
}

type SlackConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"botToken"`
	AppToken string `json:"appToken"` // required for Socket Mode
}

type CLIConfig struct {
	Enabled bool `json:"enabled"`
}

// WebhookConfig configures the generic signed HTTP ingress used by
// external systems (and the scheduler in remote mode) to inject
// command messages.
type WebhookConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port"`
	Path    string `json:"path,omitempty"`
	Secret  string `json:"secret,omitempty"`
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	// Try []string first
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	// Fallback: array of mixed types
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

type LedgerConfig struct {
	DBPath         string `json:"dbPath"`
	DefaultBalance int64  `json:"defaultBalance"` // balance granted on first sight of a user
}

type PluginsConfig struct {
	Dir      string         `json:"dir"` // directory of per-plugin YAML manifests
	Disabled FlexStringList `json:"disabled,omitempty"`
}

type SchedConfig struct {
	Enabled bool        `json:"enabled"`
	Tasks   []SchedTask `json:"tasks"`
}

// SchedTask publishes Message into Channel/ChatID every IntervalS seconds,
// as if a user had typed it.
type SchedTask struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Message   string `json:"message"`
	IntervalS int    `json:"intervalSeconds"`
	Channel   string `json:"channel"`
	ChatID    string `json:"chatId"`
	Enabled   bool   `json:"enabled"`
}

// MetricsConfig configures the Prometheus-text metrics endpoint.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Listen   string `json:"listen,omitempty"`
	Endpoint string `json:"endpoint"`
}

// DefaultConfigDir returns the default config directory (~/.wxbot).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".wxbot"
	}
	return filepath.Join(home, ".wxbot")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("cannot resolve home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.Workspace = expandPath(cfg.General.Workspace)
	cfg.General.LogFile = expandPath(cfg.General.LogFile)
	cfg.Ledger.DBPath = expandPath(cfg.Ledger.DBPath)
	cfg.Plugins.Dir = expandPath(cfg.Plugins.Dir)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.General.MaxConcurrentMessages < 1 || cfg.General.MaxConcurrentMessages > 100 {
		errs = append(errs, "general.maxConcurrentMessages must be between 1 and 100")
	}

	switch cfg.Channels.WeChat.Mode {
	case "", "webhook", "websocket":
		// valid
	default:
		errs = append(errs, "channels.wechat.mode must be one of: webhook, websocket")
	}
	if cfg.Channels.WeChat.Enabled {
		if cfg.Channels.WeChat.APIBase == "" {
			errs = append(errs, "channels.wechat.apiBase is required when the channel is enabled")
		}
		if cfg.Channels.WeChat.Mode == "websocket" && cfg.Channels.WeChat.WSURL == "" {
			errs = append(errs, "channels.wechat.wsUrl is required in websocket mode")
		}
	}
	if cfg.Channels.Webhook.Port < 0 || cfg.Channels.Webhook.Port > 65535 {
		errs = append(errs, "channels.webhook.port must be between 0 and 65535")
	}

	if cfg.Ledger.DBPath == "" {
		errs = append(errs, "ledger.dbPath must not be empty")
	}
	if cfg.Ledger.DefaultBalance < 0 {
		errs = append(errs, "ledger.defaultBalance must be >= 0")
	}

	if cfg.Sched.Enabled {
		for _, t := range cfg.Sched.Tasks {
			if t.Enabled && t.IntervalS < 1 {
				errs = append(errs, fmt.Sprintf("sched task %s: intervalSeconds must be >= 1", t.ID))
			}
		}
	}

	// Validate provider configs: plugins reference providers by name and
	// an adapter cannot be built without a base URL.
	for name, pc := range cfg.Providers {
		if pc.APIBase == "" {
			errs = append(errs, fmt.Sprintf("providers.%s: apiBase is required", name))
		}
		if pc.TimeoutSeconds < 0 {
			errs = append(errs, fmt.Sprintf("providers.%s: timeoutSeconds must be >= 0", name))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func expandPath(path string) string {
	return ExpandPath(path)
}

// ExpandPath resolves ~/ to the user's home directory (used by wizard and Load).
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
