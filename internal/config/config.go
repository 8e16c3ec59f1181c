package config

import (
	"fmt"
	"os"
	"time"

	"github.com/fako1024/btprobe"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Supported transport backends
const (
	BackendGatt   = "gatt"
	BackendTinyGo = "tinygo"
)

// Config holds all application configuration
type Config struct {
	Debug          bool          `yaml:"debug"`
	Backend        string        `yaml:"backend"`
	Devices        []string      `yaml:"devices"`
	Characteristic string        `yaml:"characteristic"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	MQTT           MQTTConfig    `yaml:"mqtt"`
}

// MQTTConfig holds the settings of the MQTT telemetry sink
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	Port        int    `yaml:"port"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
	Retain      bool   `yaml:"retain"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Backend:        BackendGatt,
		Characteristic: btprobe.ProbeStatusCharacteristic,
		ConnectTimeout: 30 * time.Second,
		MQTT: MQTTConfig{
			Broker:      "localhost",
			Port:        1883,
			ClientID:    "btprobe",
			TopicPrefix: "btprobe",
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// Validate checks the config for invalid values
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendGatt, BackendTinyGo:
	default:
		return fmt.Errorf("backend must be %q or %q, got %q", BackendGatt, BackendTinyGo, c.Backend)
	}

	if _, err := uuid.Parse(c.Characteristic); err != nil {
		return fmt.Errorf("characteristic must be a UUID, got %q: %w", c.Characteristic, err)
	}

	if c.ConnectTimeout < 0 {
		return fmt.Errorf("connect_timeout must not be negative")
	}

	for _, dev := range c.Devices {
		if btprobe.NormalizeAddress(dev) == "" {
			return fmt.Errorf("devices must not contain empty addresses")
		}
	}

	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker must not be empty")
		}
		if c.MQTT.Port <= 0 || c.MQTT.Port > 65535 {
			return fmt.Errorf("mqtt.port must be in 1-65535, got %d", c.MQTT.Port)
		}
		if c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
		}
	}

	return nil
}
