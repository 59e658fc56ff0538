// Package mqtt publishes position updates and engine status to a broker
package mqtt

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"

	"github.com/locfix/locfix/pkg"
	"github.com/locfix/locfix/pkg/logx"
)

// Client publishes locfixd telemetry over MQTT. connected is toggled
// from paho's handler goroutines, so publishers read it atomically.
type Client struct {
	client    MQTT.Client
	logger    *logx.Logger
	config    *Config
	connected atomic.Bool

	mu          sync.Mutex
	lastPublish time.Time
}

// Config holds MQTT configuration
type Config struct {
	Broker      string `json:"broker"`
	Port        int    `json:"port"`
	ClientID    string `json:"client_id"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	TopicPrefix string `json:"topic_prefix"`
	QoS         int    `json:"qos"`
	Retain      bool   `json:"retain"`
	Enabled     bool   `json:"enabled"`
}

// DefaultConfig returns default MQTT configuration
func DefaultConfig() *Config {
	return &Config{
		Broker:      "localhost",
		Port:        1883,
		ClientID:    "locfixd",
		TopicPrefix: "locfix",
		QoS:         1,
		Retain:      false,
		Enabled:     false,
	}
}

// NewClient creates a new MQTT client
func NewClient(config *Config, logger *logx.Logger) *Client {
	return &Client{
		logger: logger.WithComponent("mqtt"),
		config: config,
	}
}

// Connect establishes the broker connection
func (c *Client) Connect() error {
	if !c.config.Enabled {
		c.logger.Debug("mqtt client disabled")
		return nil
	}

	opts := MQTT.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", c.config.Broker, c.config.Port))
	opts.SetClientID(c.config.ClientID)

	if c.config.Username != "" {
		opts.SetUsername(c.config.Username)
		opts.SetPassword(c.config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(1 * time.Minute)

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)

	c.client = MQTT.NewClient(opts)

	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	c.logger.Info("mqtt client connected",
		"broker", c.config.Broker,
		"port", c.config.Port,
	)
	return nil
}

// Disconnect closes the broker connection
func (c *Client) Disconnect() error {
	if c.client != nil && c.connected.Swap(false) {
		c.client.Disconnect(250)
		c.logger.Info("mqtt client disconnected")
	}
	return nil
}

func (c *Client) onConnect(client MQTT.Client) {
	c.connected.Store(true)
	c.logger.Info("mqtt connection established")
}

func (c *Client) onConnectionLost(client MQTT.Client, err error) {
	c.connected.Store(false)
	c.logger.Error("mqtt connection lost", "error", err.Error())
}

// PublishPosition publishes an acquired position sample
func (c *Client) PublishPosition(sample *pkg.PositionSample) error {
	if !c.config.Enabled || !c.connected.Load() {
		return nil
	}

	topic := fmt.Sprintf("%s/position", c.config.TopicPrefix)
	payload := map[string]interface{}{
		"timestamp": time.Now(),
		"position":  sample,
	}
	return c.publishJSON(topic, payload)
}

// PublishEvent publishes one engine event
func (c *Client) PublishEvent(event pkg.Event) error {
	if !c.config.Enabled || !c.connected.Load() {
		return nil
	}

	topic := fmt.Sprintf("%s/events", c.config.TopicPrefix)
	return c.publishJSON(topic, event)
}

// PublishStatus publishes the engine diagnostic aggregate
func (c *Client) PublishStatus(status interface{}) error {
	if !c.config.Enabled || !c.connected.Load() {
		return nil
	}

	topic := fmt.Sprintf("%s/status", c.config.TopicPrefix)
	payload := map[string]interface{}{
		"timestamp": time.Now(),
		"status":    status,
	}
	return c.publishJSON(topic, payload)
}

func (c *Client) publishJSON(topic string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	token := c.client.Publish(topic, byte(c.config.QoS), c.config.Retain, data)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, token.Error())
	}

	c.mu.Lock()
	c.lastPublish = time.Now()
	c.mu.Unlock()
	c.logger.Debug("mqtt message published", "topic", topic, "size", len(data))
	return nil
}

// IsConnected reports whether the broker connection is up
func (c *Client) IsConnected() bool {
	return c.connected.Load() && c.client != nil && c.client.IsConnected()
}

// LastPublish returns when the last successful publish happened
func (c *Client) LastPublish() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPublish
}
