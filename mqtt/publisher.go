// Package mqtt publishes tag values to an MQTT broker.
package mqtt

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"taglink/config"
	"taglink/logging"
	"taglink/push"
)

// connectTimeout bounds the initial broker connection.
const connectTimeout = 10 * time.Second

// Publisher handles one MQTT broker connection.
type Publisher struct {
	config  *config.MQTTConfig
	client  pahomqtt.Client
	running bool
	mu      sync.RWMutex
}

// NewPublisher creates an MQTT publisher for one broker.
func NewPublisher(cfg *config.MQTTConfig) *Publisher {
	return &Publisher{config: cfg}
}

// Name returns the publisher's configured name.
func (p *Publisher) Name() string {
	return p.config.Name
}

// IsRunning returns whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running && p.client != nil && p.client.IsConnected()
}

// Start connects to the broker.
func (p *Publisher) Start() error {
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(p.config.Broker)
	opts.SetClientID(fmt.Sprintf("taglink-%s-%d", p.config.Name, time.Now().Unix()))
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetKeepAlive(30 * time.Second)

	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
		opts.SetPassword(p.config.Password)
	}

	if strings.HasPrefix(p.config.Broker, "ssl://") || strings.HasPrefix(p.config.Broker, "tls://") {
		opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: p.config.Insecure})
	}

	opts.OnConnect = func(pahomqtt.Client) {
		logging.Info("mqtt", "connected to %s (%s)", p.config.Broker, p.config.Name)
	}
	opts.OnConnectionLost = func(_ pahomqtt.Client, err error) {
		logging.Warn("mqtt", "connection to %s lost: %v", p.config.Broker, err)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("mqtt connect to %s timed out", p.config.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect to %s: %w", p.config.Broker, err)
	}

	p.mu.Lock()
	p.client = client
	p.running = true
	p.mu.Unlock()

	return nil
}

// Stop disconnects from the broker.
func (p *Publisher) Stop() {
	p.mu.Lock()
	client := p.client
	p.client = nil
	p.running = false
	p.mu.Unlock()

	if client != nil {
		client.Disconnect(250)
	}
}

// Publish sends one tag observation as JSON to
// <root_topic>/<namespace>/<tag>, with '.' in tag names mapped to '/'.
func (p *Publisher) Publish(item push.Item) error {
	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()

	if client == nil || !client.IsConnected() {
		return fmt.Errorf("mqtt %s: not connected", p.config.Name)
	}

	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("mqtt %s: marshal: %w", p.config.Name, err)
	}

	topic := fmt.Sprintf("%s/%s/%s",
		p.config.RootTopic, item.Namespace, strings.ReplaceAll(item.Tag, ".", "/"))

	token := client.Publish(topic, p.config.QoS, false, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("mqtt %s: publish to %s timed out", p.config.Name, topic)
	}
	return token.Error()
}
