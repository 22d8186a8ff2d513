package main

import (
	"fmt"
	"os"

	"github.com/kwv/posegraph/spa"
	"gopkg.in/yaml.v3"
)

// Config is the CLI configuration file: the optimizer options at the top
// level plus an optional mqtt section for publishing results.
type Config struct {
	Options spa.Options
	MQTT    MQTTConfig
}

// MQTTConfig holds MQTT connection settings
type MQTTConfig struct {
	Broker        string `yaml:"broker" json:"broker"`
	PublishPrefix string `yaml:"publishPrefix" json:"publishPrefix"`
	ClientID      string `yaml:"clientId" json:"clientId"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`

	// QoS and Retain override the publisher defaults (QoS 1, retained) when set.
	QoS    *byte `yaml:"qos,omitempty" json:"qos,omitempty"`
	Retain *bool `yaml:"retain,omitempty" json:"retain,omitempty"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{Options: spa.DefaultOptions()}
}

// LoadConfig loads the configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	opts, err := spa.ParseOptions(data)
	if err != nil {
		return nil, err
	}

	var extra struct {
		MQTT MQTTConfig `yaml:"mqtt"`
	}
	if err := yaml.Unmarshal(data, &extra); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	if q := extra.MQTT.QoS; q != nil && *q > 2 {
		return nil, fmt.Errorf("invalid config: mqtt.qos must be 0, 1 or 2, got %d", *q)
	}

	return &Config{Options: opts, MQTT: extra.MQTT}, nil
}

// resolveMQTT overlays MQTT_* environment variables on the file settings and
// fills in the client ID and topic prefix.
func resolveMQTT(cfg MQTTConfig) MQTTConfig {
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		cfg.Broker = v
	}
	if v := os.Getenv("MQTT_CLIENT_ID"); v != "" {
		cfg.ClientID = v
	}
	if v := os.Getenv("MQTT_USERNAME"); v != "" {
		cfg.Username = v
	}
	if v := os.Getenv("MQTT_PASSWORD"); v != "" {
		cfg.Password = v
	}
	if v := os.Getenv("MQTT_PUBLISH_PREFIX"); v != "" {
		cfg.PublishPrefix = v
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "posegraph"
	}
	if cfg.PublishPrefix == "" {
		cfg.PublishPrefix = "posegraph"
	}
	return cfg
}
