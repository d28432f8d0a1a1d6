// Package kafka publishes tag values to a Kafka topic.
package kafka

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"

	"taglink/config"
	"taglink/logging"
	"taglink/push"
)

// Producer handles message production to one Kafka cluster.
type Producer struct {
	config  *config.KafkaConfig
	writer  *kafkago.Writer
	running bool
	mu      sync.RWMutex

	messagesSent  int64
	messagesError int64
}

// NewProducer creates a Kafka producer.
func NewProducer(cfg *config.KafkaConfig) *Producer {
	return &Producer{config: cfg}
}

// Name returns the producer's configured name.
func (p *Producer) Name() string {
	return p.config.Name
}

// IsRunning returns whether the producer is started.
func (p *Producer) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// saslMechanism builds the configured SASL mechanism, or nil.
func (p *Producer) saslMechanism() (sasl.Mechanism, error) {
	if p.config.Username == "" {
		return nil, nil
	}

	switch p.config.Mechanism {
	case "", "plain":
		return plain.Mechanism{Username: p.config.Username, Password: p.config.Password}, nil
	case "scram-sha-256":
		return scram.Mechanism(scram.SHA256, p.config.Username, p.config.Password)
	case "scram-sha-512":
		return scram.Mechanism(scram.SHA512, p.config.Username, p.config.Password)
	default:
		return nil, fmt.Errorf("kafka %s: unknown SASL mechanism %q", p.config.Name, p.config.Mechanism)
	}
}

// Start verifies connectivity and builds the writer.
func (p *Producer) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}

	mech, err := p.saslMechanism()
	if err != nil {
		return err
	}

	transport := &kafkago.Transport{SASL: mech}
	if p.config.UseTLS {
		transport.TLS = &tls.Config{}
	}

	// Probe the first broker so misconfiguration surfaces at startup.
	dialer := &kafkago.Dialer{Timeout: 10 * time.Second, SASLMechanism: mech}
	if p.config.UseTLS {
		dialer.TLS = &tls.Config{}
	}
	conn, err := dialer.Dial("tcp", p.config.Brokers[0])
	if err != nil {
		return fmt.Errorf("kafka %s: connect: %w", p.config.Name, err)
	}
	_ = conn.Close()

	p.writer = &kafkago.Writer{
		Addr:         kafkago.TCP(p.config.Brokers...),
		Topic:        p.config.Topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireOne,
		Async:        false,
		BatchTimeout: 20 * time.Millisecond,
		Transport:    transport,
	}
	p.running = true

	logging.Info("kafka", "producer %s ready for topic %s", p.config.Name, p.config.Topic)
	return nil
}

// Stop closes the writer.
func (p *Producer) Stop() {
	p.mu.Lock()
	writer := p.writer
	p.writer = nil
	p.running = false
	p.mu.Unlock()

	if writer != nil {
		_ = writer.Close()
	}
}

// Stats returns counters for the monitor API.
func (p *Producer) Stats() (sent, errored int64) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.messagesSent, p.messagesError
}

// Publish sends one tag observation keyed by namespace/tag so all
// observations of a tag land in one partition, preserving order.
func (p *Producer) Publish(item push.Item) error {
	p.mu.RLock()
	writer := p.writer
	p.mu.RUnlock()

	if writer == nil {
		return fmt.Errorf("kafka %s: not started", p.config.Name)
	}

	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("kafka %s: marshal: %w", p.config.Name, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err = writer.WriteMessages(ctx, kafkago.Message{
		Key:   []byte(item.Namespace + "/" + item.Tag),
		Value: payload,
		Time:  item.Timestamp,
	})

	p.mu.Lock()
	if err != nil {
		p.messagesError++
	} else {
		p.messagesSent++
	}
	p.mu.Unlock()

	if err != nil {
		return fmt.Errorf("kafka %s: write: %w", p.config.Name, err)
	}
	return nil
}
