// Package valkey publishes tag values to a Valkey/Redis target: the
// current value as a key per tag, plus an optional pub/sub channel for
// live consumers. Publishes are batched on a short interval to keep
// round-trips off the hot path.
package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"taglink/config"
	"taglink/logging"
	"taglink/push"
)

// Batching configuration.
const (
	batchInterval  = 20 * time.Millisecond
	batchQueueSize = 5000
	opTimeout      = 5 * time.Second
)

// Publisher handles one Valkey/Redis connection.
type Publisher struct {
	config  *config.ValkeyConfig
	client  *redis.Client
	running bool
	mu      sync.RWMutex

	queue chan push.Item
	stop  chan struct{}
	wg    sync.WaitGroup
}

// NewPublisher creates a Valkey publisher.
func NewPublisher(cfg *config.ValkeyConfig) *Publisher {
	return &Publisher{
		config: cfg,
		queue:  make(chan push.Item, batchQueueSize),
		stop:   make(chan struct{}),
	}
}

// Name returns the publisher's configured name.
func (p *Publisher) Name() string {
	return p.config.Name
}

// IsRunning returns whether the publisher is started.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Start connects and launches the batch writer.
func (p *Publisher) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}

	opts := &redis.Options{
		Addr:     p.config.Addr,
		Password: p.config.Password,
		DB:       p.config.DB,
	}
	if p.config.UseTLS {
		opts.TLSConfig = &tls.Config{}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("valkey %s: ping: %w", p.config.Name, err)
	}

	p.client = client
	p.running = true
	p.wg.Add(1)
	go p.batchWriter()

	logging.Info("valkey", "publisher %s connected to %s", p.config.Name, p.config.Addr)
	return nil
}

// Stop flushes and disconnects.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	close(p.stop)
	p.wg.Wait()

	p.mu.Lock()
	if p.client != nil {
		_ = p.client.Close()
		p.client = nil
	}
	p.mu.Unlock()
}

// Publish enqueues one tag observation for the batch writer.
func (p *Publisher) Publish(item push.Item) error {
	select {
	case p.queue <- item:
		return nil
	default:
		return fmt.Errorf("valkey %s: queue full", p.config.Name)
	}
}

// batchWriter collects items and flushes them in pipelined batches.
func (p *Publisher) batchWriter() {
	defer p.wg.Done()

	var batch []push.Item
	ticker := time.NewTicker(batchInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := p.flushBatch(batch); err != nil {
			logging.Warn("valkey", "batch publish failed (%s): %v", p.config.Name, err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-p.stop:
			flush()
			return
		case item := <-p.queue:
			batch = append(batch, item)
			if len(batch) >= 100 {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// flushBatch writes one pipelined batch: SET per tag key, PUBLISH to the
// channel when configured.
func (p *Publisher) flushBatch(batch []push.Item) error {
	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()

	if client == nil {
		return fmt.Errorf("not connected")
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	pipe := client.Pipeline()
	for _, item := range batch {
		payload, err := json.Marshal(item)
		if err != nil {
			continue
		}

		key := joinKey(p.config.KeyPrefix, item.Namespace, item.Tag)
		pipe.Set(ctx, key, payload, 0)

		if p.config.Channel != "" {
			pipe.Publish(ctx, p.config.Channel, payload)
		}
	}

	_, err := pipe.Exec(ctx)
	return err
}

// joinKey joins key segments with colons, skipping empty segments.
func joinKey(parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(p, ":")
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, ":")
}
