package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig is the full configuration for the rt-server daemon.
type ServerConfig struct {
	Server   ServerListen `yaml:"server"`
	TLS      TLSServer    `yaml:"tls"`
	Database DatabaseInfo `yaml:"database"`
	Admin    AdminInfo    `yaml:"admin"`
	Archival ArchivalInfo `yaml:"archival"`
	Logging  LoggingInfo  `yaml:"logging"`
	Fanout   FanoutInfo   `yaml:"fanout"`
}

// ServerListen is the WebSocket listen address.
type ServerListen struct {
	Listen string `yaml:"listen"`
}

// TLSServer holds the server certificate and optional client-CA bundle
// for the WebSocket listener. TLS itself is optional — if ServerCert is
// empty the listener serves plain HTTP, appropriate behind a
// TLS-terminating load balancer.
type TLSServer struct {
	CACert     string `yaml:"ca_cert"`
	ServerCert string `yaml:"server_cert"`
	ServerKey  string `yaml:"server_key"`
}

// DatabaseInfo is the Postgres connection string and pool size.
type DatabaseInfo struct {
	DSN            string `yaml:"dsn"`
	MaxConnections int    `yaml:"max_connections"`
}

// AdminInfo configures the loopback-only admin HTTP surface.
type AdminInfo struct {
	Listen string `yaml:"listen"`
}

// ArchivalInfo configures the cold-archival cron job.
type ArchivalInfo struct {
	Enabled      bool          `yaml:"enabled"`
	Schedule     string        `yaml:"schedule"`
	ColdAfter    time.Duration `yaml:"cold_after"`
	S3Bucket     string        `yaml:"s3_bucket"`
	S3KeyPrefix  string        `yaml:"s3_key_prefix"`
}

// FanoutInfo configures the per-stream broadcast registry.
type FanoutInfo struct {
	ChannelCapacity int `yaml:"channel_capacity"`
}

// LoadServerConfig reads and validates the server YAML config file.
func LoadServerConfig(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading server config: %w", err)
	}

	var cfg ServerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing server config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating server config: %w", err)
	}

	return &cfg, nil
}

func (c *ServerConfig) validate() error {
	if c.Server.Listen == "" {
		c.Server.Listen = ":8443"
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Database.MaxConnections <= 0 {
		c.Database.MaxConnections = 10
	}
	if c.Admin.Listen == "" {
		c.Admin.Listen = "127.0.0.1:8444"
	}
	if c.Archival.Schedule == "" {
		c.Archival.Schedule = "0 * * * *"
	}
	if c.Archival.ColdAfter <= 0 {
		c.Archival.ColdAfter = 24 * time.Hour
	}
	if c.Fanout.ChannelCapacity <= 0 {
		c.Fanout.ChannelCapacity = 1024
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return nil
}
