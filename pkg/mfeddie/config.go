package mfeddie

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dchrostowski/mfeddie2/internal/api"
	"github.com/dchrostowski/mfeddie2/internal/browser"
	"github.com/dchrostowski/mfeddie2/internal/logger"
	"github.com/dchrostowski/mfeddie2/internal/session"
)

// Config holds all server configuration.
type Config struct {
	// Listen address
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`

	// Pool limits and timers: max_instances, status_interval,
	// process_timeout, orphan_min_age and worker_process_name.
	session.Config `yaml:",inline"`

	// Default settle delay for element actions
	Wait time.Duration `json:"wait" yaml:"wait"`

	// Browser configuration
	Browser browser.Config `json:"browser" yaml:"browser"`

	// Logging
	Log LogConfig `json:"log" yaml:"log"`

	// Per-client limit on control requests
	RateLimit RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`

	// bbolt file tracking live workers across restarts. Empty disables it.
	RegistryPath string `json:"registry_path" yaml:"registry_path"`

	// Per-action parameter rules. Entries here replace the built-in entry
	// for the same action or parameter.
	Actions api.Tables `json:"actions" yaml:"actions,omitempty"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level  string            `json:"level" yaml:"level"`
	Pretty bool              `json:"pretty" yaml:"pretty"`
	File   logger.FileConfig `json:"file" yaml:"file"`
}

// RateLimitConfig holds rate limiting settings.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second"`
	Burst             int     `json:"burst" yaml:"burst"`
	// Hosts whose X-Forwarded-For header names the real client.
	TrustedProxies []string `json:"trusted_proxies,omitempty" yaml:"trusted_proxies,omitempty"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Host:    "",
		Port:    8315,
		Config:  session.DefaultConfig(),
		Wait:    800 * time.Millisecond,
		Browser: browser.DefaultConfig(),
		Log: LogConfig{
			Level:  "info",
			Pretty: true,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 0, // unlimited
			Burst:             10,
		},
	}
}

// LoadFromFile loads configuration from a file (YAML or JSON) over the
// defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()

	// Try YAML first, then JSON
	if err := yaml.Unmarshal(data, config); err != nil {
		config = DefaultConfig()
		if err := json.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	return config, nil
}

// SaveToFile saves configuration to a file.
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	if strings.HasSuffix(path, ".json") {
		data, err = json.MarshalIndent(c, "", "  ")
	} else {
		data, err = yaml.Marshal(c)
	}

	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0644)
}

// Tables returns the built-in action tables for the configured wait with
// the configured overrides applied.
func (c *Config) Tables() api.Tables {
	t := api.DefaultTables(int(c.Wait.Milliseconds()))
	for name, spec := range c.Actions.Actions {
		t.Actions[name] = spec
	}
	for name, typ := range c.Actions.Types {
		t.Types[name] = typ
	}
	return t
}

// Effective returns a copy with the action tables expanded, as the server
// will use it.
func (c *Config) Effective() *Config {
	out := *c
	out.Actions = c.Tables()
	return &out
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LoggerConfig converts the log settings.
func (c *Config) LoggerConfig() (logger.Config, error) {
	cfg := logger.DefaultConfig()
	cfg.Pretty = c.Log.Pretty
	cfg.File = c.Log.File
	if c.Log.Level != "" {
		level, err := logger.ParseLevel(c.Log.Level)
		if err != nil {
			return cfg, fmt.Errorf("invalid log level %q: %w", c.Log.Level, err)
		}
		cfg.Level = level
	}
	return cfg, nil
}

// Validate validates the configuration, including the action tables.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}

	if c.MaxInstances < 1 {
		return fmt.Errorf("max instances must be at least 1")
	}

	if c.StatusInterval <= 0 {
		return fmt.Errorf("status interval must be positive")
	}

	if c.ProcessTimeout <= 0 {
		return fmt.Errorf("process timeout must be positive")
	}

	if c.WorkerName == "" {
		return fmt.Errorf("worker process name is required")
	}

	if c.Wait < 0 {
		return fmt.Errorf("wait must not be negative")
	}

	if c.RateLimit.RequestsPerSecond < 0 {
		return fmt.Errorf("rate limit must not be negative")
	}

	if _, err := c.LoggerConfig(); err != nil {
		return err
	}

	if err := c.Tables().Validate(); err != nil {
		return fmt.Errorf("invalid action tables: %w", err)
	}

	return nil
}
