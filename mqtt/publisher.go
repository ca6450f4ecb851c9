// Package mqtt publishes tag values to an MQTT broker for dashboards and
// external monitoring.
package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"sprayd/config"
	"sprayd/logging"
	"sprayd/tagcache"
)

const connectTimeout = 10 * time.Second

// TagMessage is the JSON structure published per tag update.
type TagMessage struct {
	Tag       string `json:"tag"`
	Value     any    `json:"value"`
	Unit      string `json:"unit,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Publisher maintains one broker connection and publishes tag updates as
// retained messages under a base topic.
type Publisher struct {
	cfg config.MQTTConfig
	log zerolog.Logger

	mu      sync.RWMutex
	client  pahomqtt.Client
	running bool
}

// NewPublisher builds a publisher from configuration.
func NewPublisher(cfg config.MQTTConfig) *Publisher {
	if cfg.BaseTopic == "" {
		cfg.BaseTopic = "sprayd"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "sprayd"
	}
	return &Publisher{cfg: cfg, log: logging.Component("mqtt")}
}

// Start connects to the broker. Reconnection afterwards is automatic.
func (p *Publisher) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", p.cfg.Broker, p.cfg.Port))
	opts.SetClientID(p.cfg.ClientID)
	if p.cfg.Username != "" {
		opts.SetUsername(p.cfg.Username)
		opts.SetPassword(p.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetOnConnectHandler(func(pahomqtt.Client) {
		p.log.Info().Str("broker", p.cfg.Broker).Msg("connected")
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		p.log.Warn().Err(err).Msg("connection lost")
	})

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("mqtt connect to %s: timeout", p.cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect to %s: %w", p.cfg.Broker, err)
	}

	p.client = client
	p.running = true
	return nil
}

// Stop disconnects from the broker.
func (p *Publisher) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.client.Disconnect(250)
	p.client = nil
	p.running = false
}

// IsRunning reports whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Topic returns the broker topic for a tag path.
func (p *Publisher) Topic(path string) string {
	return p.cfg.BaseTopic + "/tags/" + strings.ReplaceAll(path, ".", "/")
}

// PublishTag publishes one tag update, retained, QoS 1. Publish failures
// are logged rather than propagated; telemetry must never stall the
// control path.
func (p *Publisher) PublishTag(path string, tv tagcache.TagValue) {
	p.mu.RLock()
	client := p.client
	running := p.running
	p.mu.RUnlock()
	if !running {
		return
	}

	msg := TagMessage{
		Tag:       path,
		Value:     tv.Value.Any(),
		Timestamp: tv.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if tv.Def != nil {
		msg.Unit = tv.Def.Unit
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		p.log.Error().Err(err).Str("tag", path).Msg("marshal failed")
		return
	}

	token := client.Publish(p.Topic(path), 1, true, payload)
	go func() {
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			p.log.Warn().Err(token.Error()).Str("tag", path).Msg("publish failed")
		}
	}()
}
