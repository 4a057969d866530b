// Package config provides configuration management for rBUM.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/mpy-dev-ml/rbum/internal/models"
)

// DefaultDataDir returns the application support directory
// (os.UserConfigDir()/rBUM) where every persisted file lives.
func DefaultDataDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("get user config directory: %w", err)
	}
	return filepath.Join(base, "rBUM"), nil
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yml"), nil
}

// Schedule is one cron-driven backup definition for the daemon.
type Schedule struct {
	Name         string                 `yaml:"name"`
	RepositoryID string                 `yaml:"repository_id"`
	Cron         string                 `yaml:"cron"`
	Paths        []string               `yaml:"paths"`
	Tags         []string               `yaml:"tags,omitempty"`
	Retention    models.RetentionPolicy `yaml:"retention,omitempty"`
}

// RepositoryUUID parses the schedule's repository ID.
func (s *Schedule) RepositoryUUID() (uuid.UUID, error) {
	id, err := uuid.Parse(s.RepositoryID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("schedule %q: invalid repository id: %w", s.Name, err)
	}
	return id, nil
}

// Config holds the application configuration.
type Config struct {
	ResticBinary string     `yaml:"restic_binary,omitempty"`
	DataDir      string     `yaml:"data_dir,omitempty"`
	LogLevel     string     `yaml:"log_level,omitempty"`
	Schedules    []Schedule `yaml:"schedules,omitempty"`
}

// Validate checks that every schedule is runnable.
func (c *Config) Validate() error {
	for i, s := range c.Schedules {
		if s.Name == "" {
			return fmt.Errorf("schedule %d: name is required", i)
		}
		if s.RepositoryID == "" {
			return fmt.Errorf("schedule %q: repository_id is required", s.Name)
		}
		if _, err := uuid.Parse(s.RepositoryID); err != nil {
			return fmt.Errorf("schedule %q: invalid repository_id: %w", s.Name, err)
		}
		if s.Cron == "" {
			return fmt.Errorf("schedule %q: cron expression is required", s.Name)
		}
		if _, err := cron.ParseStandard(s.Cron); err != nil {
			return fmt.Errorf("schedule %q: invalid cron expression: %w", s.Name, err)
		}
		if len(s.Paths) == 0 {
			return fmt.Errorf("schedule %q: at least one path is required", s.Name)
		}
	}
	return nil
}

// Load reads the configuration from the given path.
// If the file does not exist, an empty config is returned.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	return &cfg, nil
}

// LoadDefault loads the configuration from the default path.
func LoadDefault() (*Config, error) {
	path, err := DefaultConfigPath()
	if err != nil {
		return nil, err
	}
	return Load(path)
}

// Save writes the configuration to the given path, creating directories
// as needed.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	// Write with restricted permissions (user-only read/write)
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}
