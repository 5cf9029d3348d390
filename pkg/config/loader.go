package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Read atlas.yaml from configDir
//  2. Expand environment variables
//  3. Parse YAML
//  4. Merge on top of built-in defaults (user values win)
//  5. Validate
func Initialize(configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}

	log.Info("Configuration initialized",
		"schedules", len(cfg.Schedules),
		"agents_dir", cfg.AgentsDir,
		"skills_dir", cfg.SkillsDir)
	return cfg, nil
}

func load(configDir string) (*Config, error) {
	path := filepath.Join(configDir, "atlas.yaml")

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NewLoadError(path, ErrConfigNotFound)
		}
		return nil, NewLoadError(path, err)
	}

	data = ExpandEnv(data)

	var user Config
	if err := yaml.Unmarshal(data, &user); err != nil {
		return nil, NewLoadError(path, fmt.Errorf("%w: %v", ErrInvalidYAML, err))
	}

	cfg := Defaults()
	if err := mergo.Merge(cfg, &user, mergo.WithOverride); err != nil {
		return nil, NewLoadError(path, fmt.Errorf("merging defaults: %w", err))
	}

	return cfg, nil
}

func validate(cfg *Config) error {
	if cfg.System.ListenAddr == "" {
		return NewValidationError("system", "system", "listen_addr", ErrMissingRequiredField)
	}
	if cfg.Analysis.QueueName == "" {
		return NewValidationError("analysis", "analysis", "queue_name", ErrMissingRequiredField)
	}
	if cfg.Analysis.MaxConcurrent < 1 {
		return NewValidationError("analysis", "analysis", "max_concurrent", ErrInvalidValue)
	}
	if cfg.Runtime.EventQueueDepth < 1 {
		return NewValidationError("runtime", "runtime", "event_queue_depth", ErrInvalidValue)
	}
	seen := make(map[string]bool, len(cfg.Schedules))
	for _, sched := range cfg.Schedules {
		if sched.Name == "" {
			return NewValidationError("schedule", sched.Name, "name", ErrMissingRequiredField)
		}
		if sched.Cron == "" {
			return NewValidationError("schedule", sched.Name, "cron", ErrMissingRequiredField)
		}
		if seen[sched.Name] {
			return NewValidationError("schedule", sched.Name, "name",
				fmt.Errorf("%w: duplicate schedule name", ErrInvalidValue))
		}
		seen[sched.Name] = true
	}
	return nil
}
