package config

import "time"

// Config holds runtime settings for the sync command-line client.
//
// SyncKey is the base64url-encoded 64-byte kSync; when empty the CLI
// prompts for it so the key never lands in shell history.
type Config struct {
	TokenServerURL string
	AccessToken    string
	KeyID          string
	SyncKey        string
	DataDir        string
	Engines        []string
	Reason         string
	StrictUploads  bool
	RequestTimeout time.Duration
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.TokenServerURL = "https://token.services.mozilla.com/1.0/sync/1.5"
	c.DataDir = "sync-data"
	c.Engines = []string{"tabs"}
	c.Reason = "scheduled"
	c.RequestTimeout = 30 * time.Second
}

// LoadConfig constructs a Config, applies defaults, then overlays values
// from JSON (if present) and command-line flags (if present). Later
// sources take precedence over earlier ones.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}
