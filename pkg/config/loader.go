package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// ParleyYAMLConfig represents the complete parley.yaml file structure.
// Every section is optional; omitted sections fall back to defaults.
type ParleyYAMLConfig struct {
	Server    *ServerConfig    `yaml:"server"`
	Queue     *QueueConfig     `yaml:"queue"`
	Transport *TransportConfig `yaml:"transport"`
	Engine    *EngineConfig    `yaml:"engine"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load parley.yaml from configDir
//  2. Expand environment variables
//  3. Parse YAML into structs
//  4. Merge user-provided values over built-in defaults
//  5. Validate all configuration
//  6. Return Config ready for use
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}

	log.Info("Configuration initialized successfully",
		"listen_addr", cfg.Server.ListenAddr(),
		"queue_cleanup_interval", time.Duration(cfg.Queue.CleanupInterval).String(),
		"max_entries_per_topic", cfg.Queue.MaxEntriesPerTopic)

	return cfg, nil
}

// load is the internal loader (not exported)
func load(_ context.Context, configDir string) (*Config, error) {
	loader := &configLoader{configDir: configDir}

	userCfg, err := loader.loadParleyYAML()
	if err != nil {
		return nil, NewLoadError("parley.yaml", err)
	}

	// Start each section from defaults, then merge user config on top so
	// unset fields keep their default values.
	server := DefaultServerConfig()
	if userCfg.Server != nil {
		if err := mergo.Merge(server, userCfg.Server, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge server config: %w", err)
		}
	}

	queue := DefaultQueueConfig()
	if userCfg.Queue != nil {
		if err := mergo.Merge(queue, userCfg.Queue, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge queue config: %w", err)
		}
	}

	transport := DefaultTransportConfig()
	if userCfg.Transport != nil {
		if err := mergo.Merge(transport, userCfg.Transport, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge transport config: %w", err)
		}
	}

	engine := DefaultEngineConfig()
	if userCfg.Engine != nil {
		if err := mergo.Merge(engine, userCfg.Engine, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge engine config: %w", err)
		}
	}

	return &Config{
		configDir: configDir,
		Server:    server,
		Queue:     queue,
		Transport: transport,
		Engine:    engine,
	}, nil
}

// validate performs comprehensive validation on loaded configuration
func validate(cfg *Config) error {
	return NewValidator(cfg).ValidateAll()
}

type configLoader struct {
	configDir string
}

func (l *configLoader) loadYAML(filename string, target any) error {
	path := filepath.Join(l.configDir, filename)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	// Expand environment variables using {{.VAR}} template syntax.
	// Note: ExpandEnv passes through original data on parse/execution errors,
	// allowing the YAML parser to handle the content (or fail with a clearer
	// error message).
	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return nil
}

func (l *configLoader) loadParleyYAML() (*ParleyYAMLConfig, error) {
	var config ParleyYAMLConfig
	if err := l.loadYAML("parley.yaml", &config); err != nil {
		return nil, err
	}
	return &config, nil
}
