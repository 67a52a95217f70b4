package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/AtDexters-Lab/trainlink/internal/hostnames"
	"gopkg.in/yaml.v3"
)

const (
	DefaultReconnectDelaySeconds = 5
	DefaultLogLevel              = "info"
)

// ConnectTarget is a peer this node dials on startup and after disconnects.
type ConnectTarget struct {
	UIID string `yaml:"uiId"`
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Log configures the process-wide log output.
type Log struct {
	File       string `yaml:"file"`
	Level      string `yaml:"level"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
}

// Config holds the node configuration, loaded from a YAML file.
type Config struct {
	UIID         string          `yaml:"uiId"`
	ListenHost   string          `yaml:"listenHost"`
	Port         int             `yaml:"port"`
	AllowedPeers []string        `yaml:"allowedPeers"`
	MaxPeers     int             `yaml:"maxPeers"`
	Connect      []ConnectTarget `yaml:"connect"`

	// Optional shared secret for signed handshakes.
	HandshakeSecret          string `yaml:"handshakeSecret"`
	HandshakeTokenTTLSeconds int    `yaml:"handshakeTokenTTLSeconds"`

	HandshakeTimeoutSeconds int `yaml:"handshakeTimeoutSeconds"`
	ReadTimeoutSeconds      int `yaml:"readTimeoutSeconds"`
	WriteTimeoutSeconds     int `yaml:"writeTimeoutSeconds"`
	DialTimeoutSeconds      int `yaml:"dialTimeoutSeconds"`
	ReconnectDelaySeconds   int `yaml:"reconnectDelaySeconds"`

	MonitorListenAddress string `yaml:"monitorListenAddress"`
	JournalPath          string `yaml:"journalPath"`

	Log Log `yaml:"log"`
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func (c *Config) HandshakeTokenTTL() time.Duration { return seconds(c.HandshakeTokenTTLSeconds) }
func (c *Config) HandshakeTimeout() time.Duration  { return seconds(c.HandshakeTimeoutSeconds) }
func (c *Config) ReadTimeout() time.Duration       { return seconds(c.ReadTimeoutSeconds) }
func (c *Config) WriteTimeout() time.Duration      { return seconds(c.WriteTimeoutSeconds) }
func (c *Config) DialTimeout() time.Duration       { return seconds(c.DialTimeoutSeconds) }
func (c *Config) ReconnectDelay() time.Duration    { return seconds(c.ReconnectDelaySeconds) }

func (c *Config) applyDefaults() {
	if c.ReconnectDelaySeconds == 0 {
		c.ReconnectDelaySeconds = DefaultReconnectDelaySeconds
	}
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	c.Log.Level = strings.ToLower(c.Log.Level)

	c.ListenHost = hostnames.Normalize(c.ListenHost)
	for i := range c.Connect {
		c.Connect[i].Host = hostnames.Normalize(c.Connect[i].Host)
	}
}

// validate performs comprehensive validation of the loaded configuration.
func (c *Config) validate() error {
	if c.UIID == "" {
		return fmt.Errorf("uiId must be set")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.MaxPeers < 0 {
		return fmt.Errorf("maxPeers cannot be negative")
	}

	timeouts := map[string]int{
		"handshakeTokenTTLSeconds": c.HandshakeTokenTTLSeconds,
		"handshakeTimeoutSeconds":  c.HandshakeTimeoutSeconds,
		"readTimeoutSeconds":       c.ReadTimeoutSeconds,
		"writeTimeoutSeconds":      c.WriteTimeoutSeconds,
		"dialTimeoutSeconds":       c.DialTimeoutSeconds,
		"reconnectDelaySeconds":    c.ReconnectDelaySeconds,
	}
	for name, v := range timeouts {
		if v < 0 {
			return fmt.Errorf("%s cannot be negative", name)
		}
	}

	allowed := make(map[string]bool, len(c.AllowedPeers))
	for _, p := range c.AllowedPeers {
		allowed[p] = true
	}
	for i, t := range c.Connect {
		if t.UIID == "" {
			return fmt.Errorf("connect[%d]: uiId must be set", i)
		}
		if !allowed[t.UIID] {
			return fmt.Errorf("connect[%d]: '%s' is not in allowedPeers", i, t.UIID)
		}
		if t.Host == "" {
			return fmt.Errorf("connect[%d]: host must be set", i)
		}
		if t.Port < 1 || t.Port > 65535 {
			return fmt.Errorf("connect[%d]: port must be between 1 and 65535, got %d", i, t.Port)
		}
		if t.Port == c.Port && hostnames.IsLoopback(t.Host) {
			return fmt.Errorf("connect[%d]: %s:%d is this node's own listener", i, t.Host, t.Port)
		}
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error; got '%s'", c.Log.Level)
	}
	if c.Log.MaxSizeMB < 0 || c.Log.MaxBackups < 0 {
		return fmt.Errorf("log.maxSizeMB and log.maxBackups cannot be negative")
	}

	return nil
}

// Parse unmarshals and validates a YAML document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// LoadConfig reads the configuration from the given file path, unmarshals it,
// and performs validation.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file at %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}
