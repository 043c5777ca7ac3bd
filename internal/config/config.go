package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Transport modes.
const (
	ModeAuto      = "auto"
	ModeWebSocket = "websocket"
	ModeSSE       = "sse"
)

// Config represents the global ~/.leadchat/config.toml.
type Config struct {
	DefaultProfile string           `toml:"default_profile"`
	API            APIConfig        `toml:"api"`
	Transport      TransportConfig  `toml:"transport"`
	Send           SendConfig       `toml:"send"`
	Identity       IdentityConfig   `toml:"identity"`
	Credential     CredentialConfig `toml:"credential"`
}

// APIConfig points at the record service.
type APIConfig struct {
	BaseURL      string   `toml:"base_url"`
	Timeout      Duration `toml:"timeout"`
	ReadReceipts bool     `toml:"read_receipts"`
}

// TransportConfig selects and tunes the live channel.
type TransportConfig struct {
	Mode           string   `toml:"mode"`
	WebSocketURL   string   `toml:"websocket_url"`
	StreamURL      string   `toml:"stream_url"`
	ReconnectDelay Duration `toml:"reconnect_delay"`
	ConnectTimeout Duration `toml:"connect_timeout"`
}

// SendConfig tunes optimistic sends.
type SendConfig struct {
	EchoTimeout Duration `toml:"echo_timeout"`
}

// IdentityConfig is the local party.
type IdentityConfig struct {
	UserID string `toml:"user_id"`
	Role   string `toml:"role"`
}

// CredentialConfig says where the bearer token comes from. Token wins over
// File, File over Env.
type CredentialConfig struct {
	Token string `toml:"token,omitempty"`
	File  string `toml:"file,omitempty"`
	Env   string `toml:"env,omitempty"`
	// CacheTTL bounds how long a token is reused before it is read again.
	CacheTTL Duration `toml:"cache_ttl"`
}

// Duration is a time.Duration written as a string ("3s") in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		API: APIConfig{
			Timeout: Duration{10 * time.Second},
		},
		Transport: TransportConfig{
			Mode:           ModeAuto,
			ReconnectDelay: Duration{3 * time.Second},
			ConnectTimeout: Duration{10 * time.Second},
		},
		Send: SendConfig{
			EchoTimeout: Duration{5 * time.Second},
		},
		Credential: CredentialConfig{
			Env:      "LEADCHAT_TOKEN",
			CacheTTL: Duration{30 * time.Second},
		},
	}
}

// Load reads config from the given path over the defaults. Returns an error
// if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, falling back to Default when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	return cfg, err
}

// Validate checks enumerations.
func (c *Config) Validate() error {
	if c.API.BaseURL != "" {
		if _, err := url.Parse(c.API.BaseURL); err != nil {
			return fmt.Errorf("api.base_url: %w", err)
		}
	}
	switch c.Transport.Mode {
	case ModeAuto, ModeWebSocket, ModeSSE:
	default:
		return fmt.Errorf("transport.mode: unknown mode %q", c.Transport.Mode)
	}
	switch c.Identity.Role {
	case "", "business", "freelancer":
	default:
		return fmt.Errorf("identity.role: must be business or freelancer, got %q", c.Identity.Role)
	}
	return nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// LoadEnv overlays a .env file onto the process environment without
// replacing variables that are already set. A missing file is not an error.
func LoadEnv(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	return godotenv.Load(path)
}

// WebSocketBase returns transport.websocket_url, or api.base_url with its
// scheme switched to ws/wss.
func (c *Config) WebSocketBase() (string, error) {
	if c.Transport.WebSocketURL != "" {
		return c.Transport.WebSocketURL, nil
	}
	u, err := url.Parse(c.API.BaseURL)
	if err != nil {
		return "", fmt.Errorf("api.base_url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	return u.String(), nil
}

// StreamBase returns transport.stream_url, or api.base_url.
func (c *Config) StreamBase() string {
	if c.Transport.StreamURL != "" {
		return c.Transport.StreamURL
	}
	return c.API.BaseURL
}
