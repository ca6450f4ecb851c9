// Package config handles configuration persistence for the sprayd service.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// ListenerID is a unique identifier for a config change listener.
type ListenerID uint64

// Config holds the complete application configuration.
type Config struct {
	Hardware HardwareConfig `yaml:"hardware"`
	Mock     MockConfig     `yaml:"mock,omitempty"`
	TagFile  string         `yaml:"tag_file"`
	MQTT     MQTTConfig     `yaml:"mqtt,omitempty"`
	Redis    RedisConfig    `yaml:"redis,omitempty"`
	History  HistoryConfig  `yaml:"history,omitempty"`
	LogLevel string         `yaml:"log_level,omitempty"`

	// Change listeners (not serialized). Notified after a reload.
	listeners   map[ListenerID]func() `yaml:"-"`
	listenersMu sync.RWMutex          `yaml:"-"`
	listenerSeq uint64                `yaml:"-"`
}

// HardwareConfig selects and parameterizes the hardware clients.
type HardwareConfig struct {
	ForceMock bool      `yaml:"force_mock"`
	PLC       PLCConfig `yaml:"plc"`
	SSH       SSHConfig `yaml:"ssh"`
}

// PLCConfig holds Modbus/TCP PLC connection parameters.
type PLCConfig struct {
	IP              string        `yaml:"ip"`
	Port            int           `yaml:"port,omitempty"`
	TagFile         string        `yaml:"tag_file"`
	Timeout         time.Duration `yaml:"timeout,omitempty"`
	PollingInterval time.Duration `yaml:"polling_interval,omitempty"`
}

// SSHConfig holds feeder controller connection parameters.
type SSHConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port,omitempty"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	Timeout        time.Duration `yaml:"timeout,omitempty"`
	CommandTimeout time.Duration `yaml:"command_timeout,omitempty"`
	Retry          RetryConfig   `yaml:"retry,omitempty"`

	// The feeder firmware needs settling time during the line-mode
	// handshake. BootDelay covers the slow-boot retry path; both are
	// tunable because the required delay varies between firmware
	// revisions.
	HandshakeDelay time.Duration `yaml:"handshake_delay,omitempty"`
	BootDelay      time.Duration `yaml:"boot_delay,omitempty"`
	QueueSize      int           `yaml:"queue_size,omitempty"`
}

// RetryConfig bounds connection retry behavior.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts,omitempty"`
	Delay       time.Duration `yaml:"delay,omitempty"`
}

// MockConfig tunes the simulated hardware clients.
type MockConfig struct {
	Delay     time.Duration `yaml:"delay,omitempty"`
	ErrorRate float64       `yaml:"error_rate,omitempty"`
}

// MQTTConfig holds the optional MQTT telemetry publisher settings.
type MQTTConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Broker    string `yaml:"broker,omitempty"`
	Port      int    `yaml:"port,omitempty"`
	ClientID  string `yaml:"client_id,omitempty"`
	Username  string `yaml:"username,omitempty"`
	Password  string `yaml:"password,omitempty"`
	BaseTopic string `yaml:"base_topic,omitempty"`
}

// RedisConfig holds the optional Redis current-value mirror settings.
type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Address  string        `yaml:"address,omitempty"`
	Password string        `yaml:"password,omitempty"`
	Database int           `yaml:"database,omitempty"`
	KeyTTL   time.Duration `yaml:"key_ttl,omitempty"`
	Channel  string        `yaml:"channel,omitempty"`
}

// HistoryConfig holds spray-event persistence settings.
type HistoryConfig struct {
	Enabled bool               `yaml:"enabled"`
	Path    string             `yaml:"path,omitempty"`
	Kafka   HistoryKafkaConfig `yaml:"kafka,omitempty"`
}

// HistoryKafkaConfig holds the optional spray-event stream settings.
type HistoryKafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers,omitempty"`
	Topic   string   `yaml:"topic,omitempty"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Hardware: HardwareConfig{
			ForceMock: true,
			PLC: PLCConfig{
				Port:            502,
				Timeout:         5 * time.Second,
				PollingInterval: 200 * time.Millisecond,
			},
			SSH: SSHConfig{
				Port:           22,
				Timeout:        5 * time.Second,
				CommandTimeout: 2 * time.Second,
				Retry: RetryConfig{
					MaxAttempts: 3,
					Delay:       2 * time.Second,
				},
				HandshakeDelay: time.Second,
				BootDelay:      18 * time.Second,
				QueueSize:      32,
			},
		},
		Mock: MockConfig{
			Delay: 5 * time.Millisecond,
		},
		TagFile:  "tags.yaml",
		History:  HistoryConfig{Path: "spray_history.db"},
		LogLevel: "info",
	}
}

// DefaultPath returns the default configuration file path (~/.sprayd/config.yaml).
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".sprayd", "config.yaml")
}

// Load reads configuration from a YAML file. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills zero values that have non-zero defaults. An explicit
// zero duration in the file is indistinguishable from an absent key; the
// default wins in that case.
func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Hardware.PLC.Port == 0 {
		c.Hardware.PLC.Port = d.Hardware.PLC.Port
	}
	if c.Hardware.PLC.Timeout == 0 {
		c.Hardware.PLC.Timeout = d.Hardware.PLC.Timeout
	}
	if c.Hardware.PLC.PollingInterval == 0 {
		c.Hardware.PLC.PollingInterval = d.Hardware.PLC.PollingInterval
	}
	if c.Hardware.SSH.Port == 0 {
		c.Hardware.SSH.Port = d.Hardware.SSH.Port
	}
	if c.Hardware.SSH.Timeout == 0 {
		c.Hardware.SSH.Timeout = d.Hardware.SSH.Timeout
	}
	if c.Hardware.SSH.CommandTimeout == 0 {
		c.Hardware.SSH.CommandTimeout = d.Hardware.SSH.CommandTimeout
	}
	if c.Hardware.SSH.Retry.MaxAttempts == 0 {
		c.Hardware.SSH.Retry.MaxAttempts = d.Hardware.SSH.Retry.MaxAttempts
	}
	if c.Hardware.SSH.Retry.Delay == 0 {
		c.Hardware.SSH.Retry.Delay = d.Hardware.SSH.Retry.Delay
	}
	if c.Hardware.SSH.HandshakeDelay == 0 {
		c.Hardware.SSH.HandshakeDelay = d.Hardware.SSH.HandshakeDelay
	}
	if c.Hardware.SSH.BootDelay == 0 {
		c.Hardware.SSH.BootDelay = d.Hardware.SSH.BootDelay
	}
	if c.Hardware.SSH.QueueSize == 0 {
		c.Hardware.SSH.QueueSize = d.Hardware.SSH.QueueSize
	}
	if c.TagFile == "" {
		c.TagFile = d.TagFile
	}
	if c.History.Path == "" {
		c.History.Path = d.History.Path
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Validate checks configuration invariants that would otherwise surface as
// confusing runtime failures.
func (c *Config) Validate() error {
	if !c.Hardware.ForceMock {
		if c.Hardware.PLC.IP == "" {
			return fmt.Errorf("hardware.plc.ip is required when force_mock is false")
		}
		if c.Hardware.PLC.TagFile == "" {
			return fmt.Errorf("hardware.plc.tag_file is required when force_mock is false")
		}
		if c.Hardware.SSH.Host == "" {
			return fmt.Errorf("hardware.ssh.host is required when force_mock is false")
		}
	}
	if c.Mock.ErrorRate < 0 || c.Mock.ErrorRate > 1 {
		return fmt.Errorf("mock.error_rate must be within [0,1], got %v", c.Mock.ErrorRate)
	}
	if c.Hardware.SSH.QueueSize < 1 {
		return fmt.Errorf("hardware.ssh.queue_size must be positive")
	}
	return nil
}

// RegisterChangeListener registers a callback invoked after the config is
// reloaded. Returns an ID for unregistering.
func (c *Config) RegisterChangeListener(fn func()) ListenerID {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	if c.listeners == nil {
		c.listeners = make(map[ListenerID]func())
	}
	c.listenerSeq++
	id := ListenerID(c.listenerSeq)
	c.listeners[id] = fn
	return id
}

// UnregisterChangeListener removes a previously registered listener.
func (c *Config) UnregisterChangeListener(id ListenerID) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	delete(c.listeners, id)
}

// NotifyChanged invokes all registered change listeners. Callers invoke it
// after mutating and persisting the config (e.g. a tag-document reload).
func (c *Config) NotifyChanged() {
	c.listenersMu.RLock()
	fns := make([]func(), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.listenersMu.RUnlock()

	for _, fn := range fns {
		fn()
	}
}
