package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ReceiverConfig is the full configuration for the rt-receiver daemon.
type ReceiverConfig struct {
	Receiver ReceiverInfo `yaml:"receiver"`
	Server   ServerTarget `yaml:"server"`
	TLS      TLSClient    `yaml:"tls"`
	Cache    CacheInfo    `yaml:"cache"`
	Logging  LoggingInfo  `yaml:"logging"`
}

// ReceiverInfo identifies the receiver device and its default resume
// mode. Mode is "Live" (default) or "Race", matching
// protocol.ReceiverMode's Kind; Race additionally requires RaceID. The
// daemon sends any other value, including "TargetedReplay", as Live.
type ReceiverInfo struct {
	ID     string `yaml:"id"`
	Mode   string `yaml:"mode"`
	RaceID string `yaml:"race_id"`
}

// CacheInfo configures the local subscription/cursor cache database.
type CacheInfo struct {
	Path string `yaml:"path"`
}

// LoadReceiverConfig reads and validates the receiver YAML config file.
func LoadReceiverConfig(path string) (*ReceiverConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading receiver config: %w", err)
	}

	var cfg ReceiverConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing receiver config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating receiver config: %w", err)
	}

	return &cfg, nil
}

func (c *ReceiverConfig) validate() error {
	if c.Receiver.ID == "" {
		return fmt.Errorf("receiver.id is required")
	}
	if c.Server.URL == "" {
		return fmt.Errorf("server.url is required")
	}
	if c.Server.Token == "" {
		return fmt.Errorf("server.token is required")
	}
	if c.Cache.Path == "" {
		return fmt.Errorf("cache.path is required")
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Receiver.Mode == "" {
		c.Receiver.Mode = "Live"
	}
	if c.Receiver.Mode == "Race" && c.Receiver.RaceID == "" {
		return fmt.Errorf("receiver.race_id is required when receiver.mode is Race")
	}
	return nil
}
