// Package config handles YAML configuration for the optional daemon
// surfaces around the tag runtime: push bridges (MQTT, Kafka, Valkey),
// the monitor HTTP server, and library-wide defaults. The tag runtime
// itself is configured per tag by attribute strings; this file only
// supplies defaults and bridge wiring.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete configuration.
type Config struct {
	Namespace string `yaml:"namespace"` // topic/key prefix for bridge publishes
	Debug     int    `yaml:"debug"`     // log verbosity 0..5

	Defaults DefaultsConfig `yaml:"defaults,omitempty"`
	Monitor  MonitorConfig  `yaml:"monitor,omitempty"`

	Tags   []TagConfig    `yaml:"tags,omitempty"`
	MQTT   []MQTTConfig   `yaml:"mqtt,omitempty"`
	Kafka  []KafkaConfig  `yaml:"kafka,omitempty"`
	Valkey []ValkeyConfig `yaml:"valkey,omitempty"`
}

// DefaultsConfig supplies attribute defaults applied to tags declared in
// the config file.
type DefaultsConfig struct {
	Gateway        string        `yaml:"gateway,omitempty"`
	Path           string        `yaml:"path,omitempty"`
	PLC            string        `yaml:"plc,omitempty"`
	AutoSyncRead   time.Duration `yaml:"auto_sync_read,omitempty"`
	AutoSyncWrite  time.Duration `yaml:"auto_sync_write,omitempty"`
	ReadCache      time.Duration `yaml:"read_cache,omitempty"`
	CreateTimeout  time.Duration `yaml:"create_timeout,omitempty"`
}

// TagConfig declares one tag to create at startup.
type TagConfig struct {
	Name    string `yaml:"name"`              // symbolic tag name or data-table address
	Alias   string `yaml:"alias,omitempty"`   // published name; defaults to Name
	Attribs string `yaml:"attribs,omitempty"` // full attribute string; overrides the assembled one
	Gateway string `yaml:"gateway,omitempty"`
	Path    string `yaml:"path,omitempty"`
	PLC     string `yaml:"plc,omitempty"`
	Type    string `yaml:"type,omitempty"` // elem_type attribute
	Count   int    `yaml:"count,omitempty"`
}

// AttributeString assembles the tag's attribute string from the config
// fields and defaults, unless an explicit Attribs is set.
func (t *TagConfig) AttributeString(def DefaultsConfig) (string, error) {
	if t.Attribs != "" {
		return t.Attribs, nil
	}

	gateway := t.Gateway
	if gateway == "" {
		gateway = def.Gateway
	}
	if gateway == "" {
		return "", fmt.Errorf("tag %q: no gateway configured", t.Name)
	}

	plc := t.PLC
	if plc == "" {
		plc = def.PLC
	}
	if plc == "" {
		plc = "lgx"
	}

	attrs := fmt.Sprintf("protocol=ab_eip&gateway=%s&plc=%s&name=%s", gateway, plc, t.Name)

	path := t.Path
	if path == "" {
		path = def.Path
	}
	if path != "" {
		attrs += "&path=" + path
	}
	if t.Type != "" {
		attrs += "&elem_type=" + t.Type
	}
	if t.Count > 1 {
		attrs += fmt.Sprintf("&elem_count=%d", t.Count)
	}
	if def.AutoSyncRead > 0 {
		attrs += fmt.Sprintf("&auto_sync_read_ms=%d", def.AutoSyncRead.Milliseconds())
	}
	if def.AutoSyncWrite > 0 {
		attrs += fmt.Sprintf("&auto_sync_write_ms=%d", def.AutoSyncWrite.Milliseconds())
	}
	if def.ReadCache > 0 {
		attrs += fmt.Sprintf("&read_cache_ms=%d", def.ReadCache.Milliseconds())
	}

	return attrs, nil
}

// PublishName returns the name the bridges publish this tag under.
func (t *TagConfig) PublishName() string {
	if t.Alias != "" {
		return t.Alias
	}
	return t.Name
}

// MonitorConfig configures the diagnostic HTTP server.
type MonitorConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen,omitempty"` // default 127.0.0.1:8720
}

// MQTTConfig holds configuration for one MQTT broker connection.
type MQTTConfig struct {
	Name      string `yaml:"name"`
	Broker    string `yaml:"broker"` // tcp://host:1883 or ssl://host:8883
	Username  string `yaml:"username,omitempty"`
	Password  string `yaml:"password,omitempty"`
	RootTopic string `yaml:"root_topic,omitempty"` // default "taglink"
	QoS       byte   `yaml:"qos,omitempty"`
	Insecure  bool   `yaml:"insecure,omitempty"` // skip TLS verification
}

// KafkaConfig holds configuration for one Kafka cluster.
type KafkaConfig struct {
	Name      string   `yaml:"name"`
	Brokers   []string `yaml:"brokers"`
	Topic     string   `yaml:"topic"`
	Username  string   `yaml:"username,omitempty"`
	Password  string   `yaml:"password,omitempty"`
	Mechanism string   `yaml:"mechanism,omitempty"` // plain, scram-sha-256, scram-sha-512
	UseTLS    bool     `yaml:"use_tls,omitempty"`
}

// ValkeyConfig holds configuration for one Valkey/Redis target.
type ValkeyConfig struct {
	Name      string `yaml:"name"`
	Addr      string `yaml:"addr"` // host:6379
	Password  string `yaml:"password,omitempty"`
	DB        int    `yaml:"db,omitempty"`
	KeyPrefix string `yaml:"key_prefix,omitempty"` // default namespace
	Channel   string `yaml:"channel,omitempty"`    // pub/sub channel; empty disables publish
	UseTLS    bool   `yaml:"use_tls,omitempty"`
}

// Load reads a config file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("config parse: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes the config to a file.
func (c *Config) Save(path string) error {
	raw, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config save: %w", err)
	}
	if err := os.WriteFile(path, raw, 0644); err != nil {
		return fmt.Errorf("config save: %w", err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Namespace == "" {
		c.Namespace = "taglink"
	}
	if c.Monitor.Enabled && c.Monitor.Listen == "" {
		c.Monitor.Listen = "127.0.0.1:8720"
	}
	for i := range c.MQTT {
		if c.MQTT[i].RootTopic == "" {
			c.MQTT[i].RootTopic = c.Namespace
		}
	}
	for i := range c.Valkey {
		if c.Valkey[i].KeyPrefix == "" {
			c.Valkey[i].KeyPrefix = c.Namespace
		}
	}
}

// Validate checks the config for obvious mistakes.
func (c *Config) Validate() error {
	if c.Debug < 0 || c.Debug > 5 {
		return fmt.Errorf("config: debug level %d out of range 0..5", c.Debug)
	}

	for i, m := range c.MQTT {
		if m.Broker == "" {
			return fmt.Errorf("config: mqtt[%d] (%s): missing broker", i, m.Name)
		}
	}
	for i, k := range c.Kafka {
		if len(k.Brokers) == 0 {
			return fmt.Errorf("config: kafka[%d] (%s): missing brokers", i, k.Name)
		}
		if k.Topic == "" {
			return fmt.Errorf("config: kafka[%d] (%s): missing topic", i, k.Name)
		}
	}
	for i, v := range c.Valkey {
		if v.Addr == "" {
			return fmt.Errorf("config: valkey[%d] (%s): missing addr", i, v.Name)
		}
	}
	for i, t := range c.Tags {
		if t.Name == "" {
			return fmt.Errorf("config: tags[%d]: missing name", i)
		}
	}

	return nil
}
