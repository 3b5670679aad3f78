// Package emitter publishes analysis results to an MQTT broker.
package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Config configures the MQTT emitter
type Config struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Broker   string `yaml:"broker" json:"broker"` // host:port or a full URL
	ClientID string `yaml:"client_id" json:"client_id"`
	Topic    string `yaml:"topic" json:"topic"` // Prefix; results go to {topic}/results, status to {topic}/status
	QoS      byte   `yaml:"qos" json:"qos"`
}

// DefaultConfig returns a disabled emitter configuration
func DefaultConfig() Config {
	return Config{
		Broker:   "localhost:1883",
		ClientID: "livecam",
		Topic:    "livecam",
	}
}

// MQTTEmitter publishes results and status messages as JSON
type MQTTEmitter struct {
	cfg    Config
	client mqtt.Client

	mu        sync.RWMutex
	published map[string]uint64 // count per topic
	errors    uint64
	connected bool
}

// Stats contains emitter statistics
type Stats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
}

// NewMQTTEmitter creates a new MQTT emitter
func NewMQTTEmitter(cfg Config) *MQTTEmitter {
	if cfg.Topic == "" {
		cfg.Topic = DefaultConfig().Topic
	}
	return &MQTTEmitter{
		cfg:       cfg,
		published: make(map[string]uint64),
	}
}

// Connect establishes connection to the broker; the client reconnects on its own afterwards
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	broker := e.cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(e.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		log.Printf("[MQTT] Connected to %s as %s", broker, e.cfg.ClientID)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		log.Printf("[MQTT] Connection lost, will auto-reconnect: %v", err)
	}

	e.client = mqtt.NewClient(opts)
	log.Printf("[MQTT] Connecting to %s", broker)

	token := e.client.Connect()
	if err := waitToken(ctx, token, 5*time.Second); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	e.setConnected(true)
	return nil
}

// PublishResult publishes v as JSON on {topic}/results
func (e *MQTTEmitter) PublishResult(v any) error {
	return e.publish(e.cfg.Topic+"/results", false, v)
}

// PublishStatus publishes v as a retained JSON message on {topic}/status
func (e *MQTTEmitter) PublishStatus(v any) error {
	return e.publish(e.cfg.Topic+"/status", true, v)
}

func (e *MQTTEmitter) publish(topic string, retained bool, v any) error {
	if !e.isConnected() {
		e.countError()
		return fmt.Errorf("mqtt not connected")
	}

	payload, err := json.Marshal(v)
	if err != nil {
		e.countError()
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	token := e.client.Publish(topic, e.cfg.QoS, retained, payload)
	if err := waitToken(context.Background(), token, 2*time.Second); err != nil {
		e.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()
	return nil
}

// Disconnect closes the MQTT connection
func (e *MQTTEmitter) Disconnect() {
	if e.client != nil && e.client.IsConnected() {
		e.client.Disconnect(250)
		log.Printf("[MQTT] Disconnected")
	}
	e.setConnected(false)
}

// Stats returns emitter statistics
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}
	return Stats{Connected: e.connected, Published: published, Errors: e.errors}
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected && e.client != nil
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}

// waitToken waits for token completion, the timeout or ctx, whichever comes first
func waitToken(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return fmt.Errorf("timed out after %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
