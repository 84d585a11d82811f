package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML duration strings
// such as "30s" or "24h". Negative values are allowed; some settings use
// them to disable a timer.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// ServerConfig holds the HTTP/WebSocket listener settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// AllowedWSOrigins lists additional origin patterns accepted for
	// WebSocket upgrades, on top of the listener's own host.
	AllowedWSOrigins []string `yaml:"allowed_ws_origins"`
}

// ListenAddr returns the host:port the server binds to.
func (c *ServerConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DefaultServerConfig returns the built-in server defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Host: "0.0.0.0",
		Port: 8080,
	}
}

// QueueConfig controls topic queue retention and acknowledgement retries.
type QueueConfig struct {
	// ConsumerTTL purges consumers idle longer than this before entry
	// retention is evaluated.
	ConsumerTTL Duration `yaml:"consumer_ttl"`

	// MessageTTL is the minimum age before an acknowledged entry becomes
	// eligible for deletion.
	MessageTTL Duration `yaml:"message_ttl"`

	// MaxEntriesPerTopic is the hard per-topic cap, enforced regardless
	// of acknowledgement state.
	MaxEntriesPerTopic int `yaml:"max_entries_per_topic"`

	// CleanupInterval is the retention sweep period. Negative disables
	// the background sweep.
	CleanupInterval Duration `yaml:"cleanup_interval"`

	// AckRetryMaxElapsed is the total time budget for retrying a failed
	// cursor advance.
	AckRetryMaxElapsed Duration `yaml:"ack_retry_max_elapsed"`
}

// DefaultQueueConfig returns the built-in queue defaults.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		ConsumerTTL:        Duration(24 * time.Hour),
		MessageTTL:         Duration(48 * time.Hour),
		MaxEntriesPerTopic: 10000,
		CleanupInterval:    Duration(5 * time.Minute),
		AckRetryMaxElapsed: Duration(5 * time.Second),
	}
}

// TransportConfig controls per-connection WebSocket behavior.
type TransportConfig struct {
	// HeartbeatInterval is the server ping period. Negative disables
	// heartbeats.
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`

	// WriteTimeout bounds a single frame write.
	WriteTimeout Duration `yaml:"write_timeout"`

	// ReliableTimeout is how long a reliable send waits for its ack
	// before reporting a timeout.
	ReliableTimeout Duration `yaml:"reliable_timeout"`

	// ReplayBatchSize is the page size used when replaying queue entries
	// to a resubscribing client.
	ReplayBatchSize int `yaml:"replay_batch_size"`
}

// DefaultTransportConfig returns the built-in transport defaults.
func DefaultTransportConfig() *TransportConfig {
	return &TransportConfig{
		HeartbeatInterval: Duration(30 * time.Second),
		WriteTimeout:      Duration(10 * time.Second),
		ReliableTimeout:   Duration(10 * time.Second),
		ReplayBatchSize:   1000,
	}
}

// EngineConfig controls event processing.
type EngineConfig struct {
	// MaxDepth bounds recursive re-injection of processor outputs.
	MaxDepth int `yaml:"max_depth"`
}

// DefaultEngineConfig returns the built-in engine defaults.
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		MaxDepth: 100,
	}
}
