package config

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stationhq/station/internal/agent"
)

// Config represents the top-level station.yml configuration
type Config struct {
	Version      string             `yaml:"version"`
	Instance     string             `yaml:"instance"`
	Redis        RedisConfig        `yaml:"redis"`
	HTTPAddr     string             `yaml:"http_addr,omitempty"`
	HeartbeatTTL int                `yaml:"heartbeat_ttl_seconds,omitempty"`
	Scheduler    *SchedulerConfig   `yaml:"scheduler,omitempty"`
	Dispatcher   *DispatcherConfig  `yaml:"dispatcher,omitempty"`
	Coordinator  *CoordinatorConfig `yaml:"coordinator,omitempty"`
	Agents       map[string]Agent   `yaml:"agents"`
}

// RedisConfig specifies how to reach the Redis backing store
type RedisConfig struct {
	URL          string `yaml:"url"`
	StreamMaxLen int64  `yaml:"stream_max_len,omitempty"` // Default: 10000
}

// SchedulerConfig specifies scheduling loop behavior
type SchedulerConfig struct {
	IntervalSeconds    int      `yaml:"interval_seconds,omitempty"`    // Default: 10
	MaxRetries         *int     `yaml:"max_retries,omitempty"`         // Default: 3
	ImbalanceThreshold *float64 `yaml:"imbalance_threshold,omitempty"` // Default: 0.3
}

// DispatcherConfig specifies routing behavior
type DispatcherConfig struct {
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds,omitempty"` // Default: 30
	PendingRetrySeconds   int `yaml:"pending_retry_seconds,omitempty"`   // Default: 5
}

// CoordinatorConfig specifies mission tracking loop behavior
type CoordinatorConfig struct {
	IntervalSeconds int `yaml:"interval_seconds,omitempty"` // Default: 5
}

// Agent represents a single agent registration
type Agent struct {
	Name               string   `yaml:"name,omitempty"`
	Capabilities       []string `yaml:"capabilities"`
	MaxConcurrentTasks int      `yaml:"max_concurrent_tasks,omitempty"` // Default: 1
}

// Validate performs strict validation on the configuration
func (c *Config) Validate() error {
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}
	if c.Instance == "" {
		return fmt.Errorf("instance name is required")
	}
	if c.Redis.URL == "" {
		return fmt.Errorf("redis.url is required")
	}
	if c.Redis.StreamMaxLen < 0 {
		return fmt.Errorf("redis.stream_max_len cannot be negative")
	}
	if c.HeartbeatTTL < 0 {
		return fmt.Errorf("heartbeat_ttl_seconds cannot be negative")
	}

	if len(c.Agents) == 0 {
		return fmt.Errorf("no agents defined")
	}
	for name, a := range c.Agents {
		if err := a.Validate(name); err != nil {
			return err
		}
	}

	if s := c.Scheduler; s != nil {
		if s.IntervalSeconds < 0 {
			return fmt.Errorf("scheduler.interval_seconds cannot be negative")
		}
		if s.MaxRetries != nil && *s.MaxRetries < 0 {
			return fmt.Errorf("scheduler.max_retries cannot be negative")
		}
		if s.ImbalanceThreshold != nil && (*s.ImbalanceThreshold <= 0 || *s.ImbalanceThreshold > 1) {
			return fmt.Errorf("scheduler.imbalance_threshold must be in (0, 1]")
		}
	}
	if d := c.Dispatcher; d != nil {
		if d.RequestTimeoutSeconds < 0 {
			return fmt.Errorf("dispatcher.request_timeout_seconds cannot be negative")
		}
		if d.PendingRetrySeconds < 0 {
			return fmt.Errorf("dispatcher.pending_retry_seconds cannot be negative")
		}
	}
	if co := c.Coordinator; co != nil && co.IntervalSeconds < 0 {
		return fmt.Errorf("coordinator.interval_seconds cannot be negative")
	}

	return nil
}

// Validate checks a single agent entry
func (a *Agent) Validate(name string) error {
	if name == "" {
		return fmt.Errorf("agent name (map key) cannot be empty")
	}
	if len(a.Capabilities) == 0 {
		return fmt.Errorf("agent '%s' declares no capabilities", name)
	}
	for _, raw := range a.Capabilities {
		if _, ok := agent.ParseCapability(raw); !ok {
			return fmt.Errorf("agent '%s' has unknown capability '%s'", name, raw)
		}
	}
	if a.MaxConcurrentTasks < 0 {
		return fmt.Errorf("agent '%s': max_concurrent_tasks cannot be negative", name)
	}
	return nil
}

// Descriptors converts the configured agents into registry descriptors with
// defaults applied, sorted by id so registration order is stable across runs.
func (c *Config) Descriptors() []*agent.Descriptor {
	names := make([]string, 0, len(c.Agents))
	for name := range c.Agents {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]*agent.Descriptor, 0, len(names))
	for _, name := range names {
		a := c.Agents[name]
		caps := make([]agent.Capability, 0, len(a.Capabilities))
		for _, raw := range a.Capabilities {
			cap, _ := agent.ParseCapability(raw)
			caps = append(caps, cap)
		}
		maxTasks := a.MaxConcurrentTasks
		if maxTasks == 0 {
			maxTasks = 1
		}
		displayName := a.Name
		if displayName == "" {
			displayName = name
		}
		out = append(out, &agent.Descriptor{
			ID:                 name,
			Name:               displayName,
			Capabilities:       caps,
			MaxConcurrentTasks: maxTasks,
		})
	}
	return out
}

// HeartbeatTTLDuration returns the configured heartbeat TTL, defaulting to
// five minutes.
func (c *Config) HeartbeatTTLDuration() time.Duration {
	if c.HeartbeatTTL == 0 {
		return 300 * time.Second
	}
	return time.Duration(c.HeartbeatTTL) * time.Second
}

// SchedulerInterval returns the scheduling loop period, defaulting to 10s.
func (c *Config) SchedulerInterval() time.Duration {
	if c.Scheduler == nil || c.Scheduler.IntervalSeconds == 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Scheduler.IntervalSeconds) * time.Second
}

// SchedulerMaxRetries returns the per-mission retry budget, defaulting to 3.
func (c *Config) SchedulerMaxRetries() int {
	if c.Scheduler == nil || c.Scheduler.MaxRetries == nil {
		return 3
	}
	return *c.Scheduler.MaxRetries
}

// SchedulerImbalanceThreshold returns the workload spread that triggers
// rebalancing, defaulting to 0.3.
func (c *Config) SchedulerImbalanceThreshold() float64 {
	if c.Scheduler == nil || c.Scheduler.ImbalanceThreshold == nil {
		return 0.3
	}
	return *c.Scheduler.ImbalanceThreshold
}

// DispatcherRequestTimeout returns the routing request timeout, defaulting
// to 30s.
func (c *Config) DispatcherRequestTimeout() time.Duration {
	if c.Dispatcher == nil || c.Dispatcher.RequestTimeoutSeconds == 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Dispatcher.RequestTimeoutSeconds) * time.Second
}

// DispatcherPendingRetry returns the pending-request retry period,
// defaulting to 5s.
func (c *Config) DispatcherPendingRetry() time.Duration {
	if c.Dispatcher == nil || c.Dispatcher.PendingRetrySeconds == 0 {
		return 5 * time.Second
	}
	return time.Duration(c.Dispatcher.PendingRetrySeconds) * time.Second
}

// CoordinatorInterval returns the mission tracking loop period, defaulting
// to 5s.
func (c *Config) CoordinatorInterval() time.Duration {
	if c.Coordinator == nil || c.Coordinator.IntervalSeconds == 0 {
		return 5 * time.Second
	}
	return time.Duration(c.Coordinator.IntervalSeconds) * time.Second
}

// StreamMaxLen returns the event stream trim length, defaulting to 10000.
func (c *Config) StreamMaxLen() int64 {
	if c.Redis.StreamMaxLen == 0 {
		return 10000
	}
	return c.Redis.StreamMaxLen
}

// Load reads and validates station.yml from the specified path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}
