package config

import "fmt"

// ConfigValidator validates configuration comprehensively with clear error messages
type ConfigValidator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration
func NewValidator(cfg *Config) *ConfigValidator {
	return &ConfigValidator{cfg: cfg}
}

// ValidateAll performs comprehensive validation (fail-fast - stops at first error)
func (v *ConfigValidator) ValidateAll() error {
	if err := v.validateServer(); err != nil {
		return fmt.Errorf("server validation failed: %w", err)
	}

	if err := v.validateQueue(); err != nil {
		return fmt.Errorf("queue validation failed: %w", err)
	}

	if err := v.validateTransport(); err != nil {
		return fmt.Errorf("transport validation failed: %w", err)
	}

	if err := v.validateEngine(); err != nil {
		return fmt.Errorf("engine validation failed: %w", err)
	}

	return nil
}

func (v *ConfigValidator) validateServer() error {
	s := v.cfg.Server
	if s.Host == "" {
		return NewValidationError("server", "host", fmt.Errorf("%w: must not be empty", ErrInvalidValue))
	}
	if s.Port < 1 || s.Port > 65535 {
		return NewValidationError("server", "port", fmt.Errorf("%w: must be between 1 and 65535, got %d", ErrInvalidValue, s.Port))
	}
	return nil
}

func (v *ConfigValidator) validateQueue() error {
	q := v.cfg.Queue
	if q.ConsumerTTL <= 0 {
		return NewValidationError("queue", "consumer_ttl", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if q.MessageTTL <= 0 {
		return NewValidationError("queue", "message_ttl", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if q.MaxEntriesPerTopic < 1 {
		return NewValidationError("queue", "max_entries_per_topic", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	// CleanupInterval may be negative: that disables the background sweep.
	if q.CleanupInterval == 0 {
		return NewValidationError("queue", "cleanup_interval", fmt.Errorf("%w: must be non-zero (negative disables the sweep)", ErrInvalidValue))
	}
	if q.AckRetryMaxElapsed <= 0 {
		return NewValidationError("queue", "ack_retry_max_elapsed", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	return nil
}

func (v *ConfigValidator) validateTransport() error {
	t := v.cfg.Transport
	// HeartbeatInterval may be negative: that disables server pings.
	if t.HeartbeatInterval == 0 {
		return NewValidationError("transport", "heartbeat_interval", fmt.Errorf("%w: must be non-zero (negative disables heartbeats)", ErrInvalidValue))
	}
	if t.WriteTimeout <= 0 {
		return NewValidationError("transport", "write_timeout", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if t.ReliableTimeout <= 0 {
		return NewValidationError("transport", "reliable_timeout", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if t.ReplayBatchSize < 1 {
		return NewValidationError("transport", "replay_batch_size", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	return nil
}

func (v *ConfigValidator) validateEngine() error {
	if v.cfg.Engine.MaxDepth < 1 {
		return NewValidationError("engine", "max_depth", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	return nil
}
