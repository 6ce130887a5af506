package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ForwarderConfig is the full configuration for the rt-forwarder daemon.
type ForwarderConfig struct {
	Forwarder ForwarderInfo `yaml:"forwarder"`
	Server    ServerTarget  `yaml:"server"`
	TLS       TLSClient     `yaml:"tls"`
	Readers   []ReaderEntry `yaml:"readers"`
	Journal   JournalInfo   `yaml:"journal"`
	Uplink    UplinkInfo    `yaml:"uplink"`
	Logging   LoggingInfo   `yaml:"logging"`
}

// ForwarderInfo identifies the forwarder device.
type ForwarderInfo struct {
	ID string `yaml:"id"`
}

// ServerTarget is the uplink WebSocket endpoint and bearer token.
type ServerTarget struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// TLSClient holds optional client certificate paths for mutual TLS.
type TLSClient struct {
	CACert     string `yaml:"ca_cert"`
	ClientCert string `yaml:"client_cert"`
	ClientKey  string `yaml:"client_key"`
}

// ReaderEntry is one local TCP timing-reader connection.
type ReaderEntry struct {
	ReaderIP string `yaml:"reader_ip"`
}

// JournalInfo configures the embedded journal database.
type JournalInfo struct {
	Path string `yaml:"path"`
}

// UplinkInfo configures uplink pacing and reconnection behavior.
type UplinkInfo struct {
	InitialBackoff   time.Duration `yaml:"initial_backoff"`
	MaxBackoff       time.Duration `yaml:"max_backoff"`
	HeartbeatPeriod  time.Duration `yaml:"heartbeat_period"`
	IdleReadTimeout  time.Duration `yaml:"idle_read_timeout"`
	BatchMaxEntries  int           `yaml:"batch_max_entries"`
	BatchMaxBytes    string        `yaml:"batch_max_bytes"`
	BatchMaxBytesRaw int64         `yaml:"-"`
	RateLimitBps     int64         `yaml:"rate_limit_bytes_per_sec"` // 0 = unlimited
}

// LoggingInfo configures the shared slog logger.
type LoggingInfo struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// LoadForwarderConfig reads and validates the forwarder YAML config file.
func LoadForwarderConfig(path string) (*ForwarderConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading forwarder config: %w", err)
	}

	var cfg ForwarderConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing forwarder config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating forwarder config: %w", err)
	}

	return &cfg, nil
}

func (c *ForwarderConfig) validate() error {
	if c.Forwarder.ID == "" {
		return fmt.Errorf("forwarder.id is required")
	}
	if c.Server.URL == "" {
		return fmt.Errorf("server.url is required")
	}
	if c.Server.Token == "" {
		return fmt.Errorf("server.token is required")
	}
	if c.Journal.Path == "" {
		return fmt.Errorf("journal.path is required")
	}
	for i, r := range c.Readers {
		if r.ReaderIP == "" {
			return fmt.Errorf("readers[%d].reader_ip is required", i)
		}
	}

	if c.Uplink.InitialBackoff <= 0 {
		c.Uplink.InitialBackoff = 1 * time.Second
	}
	if c.Uplink.MaxBackoff <= 0 {
		c.Uplink.MaxBackoff = 30 * time.Second
	}
	if c.Uplink.HeartbeatPeriod <= 0 {
		c.Uplink.HeartbeatPeriod = 10 * time.Second
	}
	if c.Uplink.IdleReadTimeout <= 0 {
		c.Uplink.IdleReadTimeout = 30 * time.Second
	}
	if c.Uplink.BatchMaxEntries <= 0 {
		c.Uplink.BatchMaxEntries = 256
	}
	if c.Uplink.BatchMaxBytes == "" {
		c.Uplink.BatchMaxBytes = "64kb"
	}
	parsed, err := ParseByteSize(c.Uplink.BatchMaxBytes)
	if err != nil {
		return fmt.Errorf("uplink.batch_max_bytes: %w", err)
	}
	c.Uplink.BatchMaxBytesRaw = parsed

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	return nil
}
