// Package config loads and validates runtime configuration from
// parley.yaml, expanding {{.VAR}} environment references and merging
// user-provided values over built-in defaults.
package config

// Config is the fully resolved runtime configuration.
type Config struct {
	configDir string

	Server    *ServerConfig
	Queue     *QueueConfig
	Transport *TransportConfig
	Engine    *EngineConfig
}

// Default returns a configuration built entirely from defaults, as if an
// empty parley.yaml had been loaded.
func Default() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Queue:     DefaultQueueConfig(),
		Transport: DefaultTransportConfig(),
		Engine:    DefaultEngineConfig(),
	}
}

// ConfigDir returns the directory the configuration was loaded from, or ""
// for a default configuration.
func (c *Config) ConfigDir() string {
	return c.configDir
}
