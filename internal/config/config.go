// Package config loads the chatrelay configuration from a TOML file,
// merged over built-in defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the merged chatrelay configuration
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Queue    QueueConfig    `toml:"queue"`
	Pool     PoolConfig     `toml:"pool"`
	Browser  BrowserConfig  `toml:"browser"`
	Relay    RelayConfig    `toml:"relay"`
	Page     PageConfig     `toml:"page"`
	LogLevel string         `toml:"logLevel"` // "debug", "info", "warn", "error"
}

// ServerConfig holds the HTTP listener settings
type ServerConfig struct {
	Listen string `toml:"listen"` // e.g. ":5000"
	APIKey string `toml:"apiKey"` // optional shared key; empty disables the check
	Model  string `toml:"model"`  // model name echoed when the request omits one
}

// QueueConfig bounds how many requests may contend for a session at once
type QueueConfig struct {
	Capacity     int      `toml:"capacity"`
	MaxWait      Duration `toml:"maxWait"`
	PollInterval Duration `toml:"pollInterval"`
}

// PoolConfig sizes the browser session pool
type PoolConfig struct {
	Size          int    `toml:"size"`
	SweepSchedule string `toml:"sweepSchedule"` // cron spec, e.g. "@hourly"
}

// BrowserConfig controls the underlying browser process
type BrowserConfig struct {
	Headless   bool     `toml:"headless"`
	NoSandbox  bool     `toml:"noSandbox"`
	Stealth    bool     `toml:"stealth"`
	ProfileDir string   `toml:"profileDir"` // user-data dir; persists login cookies
	URL        string   `toml:"url"`        // target chat page
	NavTimeout Duration `toml:"navTimeout"`
}

// RelayConfig tunes the per-turn automation behaviour
type RelayConfig struct {
	RetryMax     int      `toml:"retryMax"`
	RetryDelay   Duration `toml:"retryDelay"`
	PollInterval Duration `toml:"pollInterval"`
	FindTimeout  Duration `toml:"findTimeout"`  // element lookup timeout per step
	ReadyTimeout Duration `toml:"readyTimeout"` // page readiness wait at session creation
}

// PageConfig holds the selectors for the target chat page.
// CSS by default; selectors starting with "//" are treated as XPath.
type PageConfig struct {
	ReadySelector        string `toml:"readySelector"`
	NewChatSelector      string `toml:"newChatSelector"`
	GreetingSelector     string `toml:"greetingSelector"`
	InputSelector        string `toml:"inputSelector"`
	SendSelector         string `toml:"sendSelector"`
	SendDisabledSelector string `toml:"sendDisabledSelector"`
	ReplySelector        string `toml:"replySelector"`
}

// Duration wraps time.Duration with TOML string decoding ("30s", "200ms")
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for TOML
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// D returns the wrapped time.Duration
func (d Duration) D() time.Duration {
	return time.Duration(d)
}

// Default returns the built-in configuration, matching the target page
// this relay was first built against.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen: ":5000",
			Model:  "gpt-3.5-turbo",
		},
		Queue: QueueConfig{
			Capacity:     5,
			MaxWait:      Duration(30 * time.Second),
			PollInterval: Duration(100 * time.Millisecond),
		},
		Pool: PoolConfig{
			Size:          1,
			SweepSchedule: "@hourly",
		},
		Browser: BrowserConfig{
			Headless:   true,
			Stealth:    true,
			ProfileDir: "chatrelay_user_data",
			URL:        "https://chat.qwen.ai/",
			NavTimeout: Duration(20 * time.Second),
		},
		Relay: RelayConfig{
			RetryMax:     3,
			RetryDelay:   Duration(500 * time.Millisecond),
			PollInterval: Duration(200 * time.Millisecond),
			FindTimeout:  Duration(15 * time.Second),
			ReadyTimeout: Duration(30 * time.Second),
		},
		Page: PageConfig{
			ReadySelector:        "#sidebar-new-chat-button",
			NewChatSelector:      "#sidebar-new-chat-button",
			GreetingSelector:     "//*[contains(text(), 'profile') and contains(text(), 'Qwen')]",
			InputSelector:        "textarea#chat-input",
			SendSelector:         "button#send-message-button",
			SendDisabledSelector: "button#send-message-button[disabled].disabled",
			ReplySelector:        "div#response-content-container",
		},
		LogLevel: "info",
	}
}

// Load reads the config file at path over the built-in defaults.
// Keys present in the file override; absent keys keep their defaults.
// A missing file is not an error; the defaults are returned as-is.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	return cfg, nil
}
