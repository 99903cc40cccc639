// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package waveconfig loads and validates the orchestrator's own top-level
// configuration: the HTTP surface, the Redis event bus, the checkpoint
// store, per-domain worker tuning, budget thresholds and observability.
// A Loader reads it from a file, expanding environment variables, and can
// watch the file for changes the way the agent-framework's config loader
// does.
package waveconfig

import (
	"fmt"
	"time"

	"github.com/kadirpekel/wave/pkg/checkpoint"
	"github.com/kadirpekel/wave/pkg/wavemetrics"
)

const (
	// DefaultProjectName namespaces Redis streams and channels.
	DefaultProjectName = "wave"
	// DefaultHost is the HTTP server's bind address.
	DefaultHost = "0.0.0.0"
	// DefaultPort is the HTTP server's bind port.
	DefaultPort = 8080
	// DefaultRedisURL is assumed when no pubsub.url is configured.
	DefaultRedisURL = "redis://localhost:6379/0"
	// DefaultConsumerGroup names the Redis consumer group stories and
	// workers share.
	DefaultConsumerGroup = "wave-workers"
	// DefaultLogLevel is used when logging.level is unset.
	DefaultLogLevel = "info"
	// DefaultLogFormat is used when logging.format is unset.
	DefaultLogFormat = "simple"
	// DefaultTaskTimeout bounds how long the supervisor waits for one
	// domain task to complete before treating it as failed.
	DefaultTaskTimeout = 10 * time.Minute
)

// Config is the orchestrator's complete runtime configuration.
type Config struct {
	Project string `yaml:"project,omitempty"`

	Server     ServerConfig       `yaml:"server,omitempty"`
	Pubsub     PubsubConfig       `yaml:"pubsub,omitempty"`
	Checkpoint checkpoint.Config  `yaml:"checkpoint,omitempty"`
	Budget     BudgetConfig       `yaml:"budget,omitempty"`
	Safety     SafetyConfig       `yaml:"safety,omitempty"`
	Logging    LoggingConfig      `yaml:"logging,omitempty"`
	Observability wavemetrics.Config `yaml:"observability,omitempty"`

	Domains []DomainConfig `yaml:"domains,omitempty"`

	TaskTimeout time.Duration `yaml:"task_timeout,omitempty"`
}

// ServerConfig configures the HTTP external-interface adapter.
type ServerConfig struct {
	Host string `yaml:"host,omitempty"`
	Port int    `yaml:"port,omitempty"`
}

// PubsubConfig configures the Redis-backed event bus.
type PubsubConfig struct {
	URL           string `yaml:"url,omitempty"`
	ConsumerGroup string `yaml:"consumer_group,omitempty"`
}

// BudgetConfig sets the default token/cost thresholds new trackers are
// built with, absent a per-story override.
type BudgetConfig struct {
	WarningThreshold  float64 `yaml:"warning_threshold,omitempty"`
	CriticalThreshold float64 `yaml:"critical_threshold,omitempty"`
	SoftLimit         bool    `yaml:"soft_limit,omitempty"`
}

// SafetyConfig tunes the constitutional safety checker and worker scoring.
type SafetyConfig struct {
	BlockThreshold float64 `yaml:"block_threshold,omitempty"`
}

// LoggingConfig selects the slog level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
}

// DomainConfig tunes one domain's worker poll/heartbeat cadence. Domains
// not listed fall back to the package defaults when workers are built.
type DomainConfig struct {
	Name              string        `yaml:"name"`
	PollTimeout       time.Duration `yaml:"poll_timeout,omitempty"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval,omitempty"`
	BlockThreshold    float64       `yaml:"block_threshold,omitempty"`
}

// SetDefaults fills every zero-valued field with its default.
func (c *Config) SetDefaults() {
	if c.Project == "" {
		c.Project = DefaultProjectName
	}
	c.Server.SetDefaults()
	c.Pubsub.SetDefaults()
	c.Checkpoint.SetDefaults()
	c.Budget.SetDefaults()
	c.Safety.SetDefaults()
	c.Logging.SetDefaults()
	c.Observability.SetDefaults()
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = DefaultTaskTimeout
	}
	for i := range c.Domains {
		c.Domains[i].SetDefaults()
	}
}

// Validate checks the configuration for errors, after SetDefaults has run.
func (c *Config) Validate() error {
	if c.Project == "" {
		return fmt.Errorf("project is required")
	}
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := c.Pubsub.Validate(); err != nil {
		return fmt.Errorf("pubsub: %w", err)
	}
	if err := c.Checkpoint.Validate(); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	if err := c.Budget.Validate(); err != nil {
		return fmt.Errorf("budget: %w", err)
	}
	if err := c.Observability.Validate(); err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	seen := make(map[string]struct{}, len(c.Domains))
	for _, d := range c.Domains {
		if d.Name == "" {
			return fmt.Errorf("domains: name is required")
		}
		if _, dup := seen[d.Name]; dup {
			return fmt.Errorf("domains: duplicate domain %q", d.Name)
		}
		seen[d.Name] = struct{}{}
	}
	return nil
}

// SetDefaults fills ServerConfig's zero fields.
func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
}

// Validate checks ServerConfig for errors.
func (c *ServerConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	return nil
}

// Addr returns the host:port string the HTTP server should bind to.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// SetDefaults fills PubsubConfig's zero fields.
func (c *PubsubConfig) SetDefaults() {
	if c.URL == "" {
		c.URL = DefaultRedisURL
	}
	if c.ConsumerGroup == "" {
		c.ConsumerGroup = DefaultConsumerGroup
	}
}

// Validate checks PubsubConfig for errors.
func (c *PubsubConfig) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("url is required")
	}
	return nil
}

// SetDefaults fills BudgetConfig's zero fields.
func (c *BudgetConfig) SetDefaults() {
	if c.WarningThreshold == 0 {
		c.WarningThreshold = 0.75
	}
	if c.CriticalThreshold == 0 {
		c.CriticalThreshold = 0.90
	}
}

// Validate checks BudgetConfig for errors.
func (c *BudgetConfig) Validate() error {
	if c.WarningThreshold < 0 || c.WarningThreshold > 1 {
		return fmt.Errorf("warning_threshold must be between 0 and 1, got %f", c.WarningThreshold)
	}
	if c.CriticalThreshold < 0 || c.CriticalThreshold > 1 {
		return fmt.Errorf("critical_threshold must be between 0 and 1, got %f", c.CriticalThreshold)
	}
	if c.WarningThreshold > c.CriticalThreshold {
		return fmt.Errorf("warning_threshold must not exceed critical_threshold")
	}
	return nil
}

// SetDefaults fills SafetyConfig's zero fields.
func (c *SafetyConfig) SetDefaults() {
	if c.BlockThreshold == 0 {
		c.BlockThreshold = 0.85
	}
}

// SetDefaults fills LoggingConfig's zero fields.
func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = DefaultLogLevel
	}
	if c.Format == "" {
		c.Format = DefaultLogFormat
	}
}

// SetDefaults fills one DomainConfig's zero fields from the worker
// package's own defaults.
func (c *DomainConfig) SetDefaults() {
	if c.PollTimeout == 0 {
		c.PollTimeout = 10 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.BlockThreshold == 0 {
		c.BlockThreshold = 0.85
	}
}
