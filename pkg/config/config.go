// Package config loads the locfixd configuration file
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config represents the locfixd configuration
type Config struct {
	LogLevel string `json:"log_level"`

	// Store backend selection
	StoreBackend string `json:"store_backend"`
	SQLitePath   string `json:"sqlite_path"`
	RedisAddr    string `json:"redis_addr"`
	RedisDB      int    `json:"redis_db"`

	// Acquisition
	GPSDURL          string `json:"gpsd_url"`
	HighAccuracy     bool   `json:"high_accuracy"`
	GoogleAPIKey     string `json:"google_api_key"`
	NetworkProviders bool   `json:"network_providers"`
	Watch            bool   `json:"watch"`

	// Adaptive frequency
	MinUpdatesPerMinute float64 `json:"min_updates_per_minute"`
	MaxUpdatesPerMinute float64 `json:"max_updates_per_minute"`
	AdaptiveFrequency   bool    `json:"adaptive_frequency"`
	BatteryOptimized    bool    `json:"battery_optimized"`

	// Listeners
	MetricsListener bool `json:"metrics_listener"`
	MetricsPort     int  `json:"metrics_port"`
	StreamListener  bool `json:"stream_listener"`
	StreamPort      int  `json:"stream_port"`

	// Telemetry publish
	MQTTEnabled     bool   `json:"mqtt_enabled"`
	MQTTBroker      string `json:"mqtt_broker"`
	MQTTPort        int    `json:"mqtt_port"`
	MQTTUsername    string `json:"mqtt_username"`
	MQTTPassword    string `json:"mqtt_password"`
	MQTTTopicPrefix string `json:"mqtt_topic_prefix"`
}

// Default configuration values
const (
	DefaultLogLevel            = "info"
	DefaultStoreBackend        = "sqlite"
	DefaultSQLitePath          = "/var/lib/locfixd/locfix.db"
	DefaultRedisAddr           = "localhost:6379"
	DefaultMinUpdatesPerMinute = 1.0
	DefaultMaxUpdatesPerMinute = 12.0
	DefaultMetricsPort         = 9101
	DefaultStreamPort          = 8081
	DefaultMQTTPort            = 1883
	DefaultMQTTTopicPrefix     = "locfix"
)

// Load reads and validates the configuration. A missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	cfg.setDefaults()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if err := cfg.parse(path); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) setDefaults() {
	c.LogLevel = DefaultLogLevel
	c.StoreBackend = DefaultStoreBackend
	c.SQLitePath = DefaultSQLitePath
	c.RedisAddr = DefaultRedisAddr
	c.RedisDB = 0
	c.GPSDURL = ""
	c.HighAccuracy = true
	c.NetworkProviders = true
	c.Watch = true
	c.MinUpdatesPerMinute = DefaultMinUpdatesPerMinute
	c.MaxUpdatesPerMinute = DefaultMaxUpdatesPerMinute
	c.AdaptiveFrequency = true
	c.BatteryOptimized = false
	c.MetricsListener = false
	c.MetricsPort = DefaultMetricsPort
	c.StreamListener = false
	c.StreamPort = DefaultStreamPort
	c.MQTTEnabled = false
	c.MQTTBroker = ""
	c.MQTTPort = DefaultMQTTPort
	c.MQTTTopicPrefix = DefaultMQTTTopicPrefix
}

// parse reads `option value` lines; # starts a comment
func (c *Config) parse(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.Fields(line)
		if len(parts) < 2 {
			continue
		}
		option := parts[0]
		value := strings.Trim(strings.Join(parts[1:], " "), "'\"")
		c.parseOption(option, value)
	}

	return nil
}

func (c *Config) parseOption(option, value string) {
	switch option {
	case "log_level":
		if isValidLogLevel(value) {
			c.LogLevel = value
		}
	case "store_backend":
		if value == "memory" || value == "sqlite" || value == "redis" {
			c.StoreBackend = value
		}
	case "sqlite_path":
		c.SQLitePath = value
	case "redis_addr":
		c.RedisAddr = value
	case "redis_db":
		if v, err := strconv.Atoi(value); err == nil && v >= 0 {
			c.RedisDB = v
		}
	case "gpsd_url":
		c.GPSDURL = value
	case "high_accuracy":
		c.HighAccuracy = value == "1"
	case "watch":
		c.Watch = value == "1"
	case "google_api_key":
		c.GoogleAPIKey = value
	case "network_providers":
		c.NetworkProviders = value == "1"
	case "min_updates_per_minute":
		if v, err := strconv.ParseFloat(value, 64); err == nil && v > 0 {
			c.MinUpdatesPerMinute = v
		}
	case "max_updates_per_minute":
		if v, err := strconv.ParseFloat(value, 64); err == nil && v > 0 {
			c.MaxUpdatesPerMinute = v
		}
	case "adaptive_frequency":
		c.AdaptiveFrequency = value == "1"
	case "battery_optimized":
		c.BatteryOptimized = value == "1"
	case "metrics_listener":
		c.MetricsListener = value == "1"
	case "metrics_port":
		if v, err := strconv.Atoi(value); err == nil && v > 0 && v < 65536 {
			c.MetricsPort = v
		}
	case "stream_listener":
		c.StreamListener = value == "1"
	case "stream_port":
		if v, err := strconv.Atoi(value); err == nil && v > 0 && v < 65536 {
			c.StreamPort = v
		}
	case "mqtt_enabled":
		c.MQTTEnabled = value == "1"
	case "mqtt_broker":
		c.MQTTBroker = value
	case "mqtt_port":
		if v, err := strconv.Atoi(value); err == nil && v > 0 && v < 65536 {
			c.MQTTPort = v
		}
	case "mqtt_username":
		c.MQTTUsername = value
	case "mqtt_password":
		c.MQTTPassword = value
	case "mqtt_topic_prefix":
		c.MQTTTopicPrefix = value
	}
}

func (c *Config) validate() error {
	if c.MinUpdatesPerMinute > c.MaxUpdatesPerMinute {
		return fmt.Errorf("min_updates_per_minute %.1f exceeds max_updates_per_minute %.1f",
			c.MinUpdatesPerMinute, c.MaxUpdatesPerMinute)
	}
	if c.StoreBackend == "sqlite" && c.SQLitePath == "" {
		return fmt.Errorf("sqlite backend requires sqlite_path")
	}
	if c.StoreBackend == "redis" && c.RedisAddr == "" {
		return fmt.Errorf("redis backend requires redis_addr")
	}
	if c.MQTTEnabled && c.MQTTBroker == "" {
		return fmt.Errorf("mqtt_enabled requires mqtt_broker")
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}
