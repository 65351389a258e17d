package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Default values used when no configuration file is present
const (
	DefaultUDPPort     = 12000
	DefaultBindAddress = "0.0.0.0"
	DefaultNetwork     = "udp4"
	DefaultBufferSize  = 65536
	DefaultEngine      = EngineNet

	// MaxDatagramSize is the largest UDP payload that fits in an IPv4 datagram
	MaxDatagramSize = 65507
)

// Reactor engines
const (
	EngineNet  = "net"
	EngineGnet = "gnet"
)

// Config represents the complete service configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	HTTP    HTTPConfig    `yaml:"http"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig contains UDP echo server configuration
type ServerConfig struct {
	UDPPort     int    `yaml:"udp_port"`
	BindAddress string `yaml:"bind_address"`
	Network     string `yaml:"network"`     // udp, udp4 or udp6
	BufferSize  int    `yaml:"buffer_size"` // kernel receive buffer, bytes
	Engine      string `yaml:"engine"`      // net or gnet
	ReusePort   bool   `yaml:"reuse_port"`
	DSCP        int    `yaml:"dscp"`
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns the built-in configuration: echo on 0.0.0.0:12000, HTTP API off
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			UDPPort:     DefaultUDPPort,
			BindAddress: DefaultBindAddress,
			Network:     DefaultNetwork,
			BufferSize:  DefaultBufferSize,
			Engine:      DefaultEngine,
		},
		HTTP: HTTPConfig{
			Port:    8080,
			Address: "127.0.0.1",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load reads and parses the configuration file. Fields absent from the file
// keep their default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs validation of every configuration section
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	// Port 0 asks the kernel for an ephemeral port
	if s.UDPPort < 0 || s.UDPPort > 65535 {
		return fmt.Errorf("udp_port must be between 0 and 65535, got %d", s.UDPPort)
	}

	if s.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}

	switch s.Network {
	case "udp", "udp4", "udp6":
	default:
		return fmt.Errorf("network must be one of [udp, udp4, udp6], got '%s'", s.Network)
	}

	if s.BufferSize < 1024 {
		return fmt.Errorf("buffer_size must be at least 1024 bytes, got %d", s.BufferSize)
	}

	switch s.Engine {
	case EngineNet, EngineGnet:
	default:
		return fmt.Errorf("engine must be one of [net, gnet], got '%s'", s.Engine)
	}

	if s.DSCP < 0 || s.DSCP > 63 {
		return fmt.Errorf("dscp must be between 0 and 63, got %d", s.DSCP)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Anything other than stdout/stderr is treated as a file path

	return nil
}

// ListenAddress returns the host:port the UDP socket binds to
func (s *ServerConfig) ListenAddress() string {
	return fmt.Sprintf("%s:%d", s.BindAddress, s.UDPPort)
}

// ListenAddress returns the host:port of the HTTP API
func (h *HTTPConfig) ListenAddress() string {
	return fmt.Sprintf("%s:%d", h.Address, h.Port)
}
