// Package config loads and validates the service configuration from YAML
// with environment variable expansion and defaults merging.
package config

import (
	"fmt"
	"time"
)

// Config is the complete service configuration.
type Config struct {
	Coordination CoordinationConfig `yaml:"coordination"`
	Providers    []ProviderConfig   `yaml:"providers"`
	Server       ServerConfig       `yaml:"server"`
	Storage      StorageConfig      `yaml:"storage"`
	Events       EventsConfig       `yaml:"events"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// CoordinationConfig tunes the coordination core.
type CoordinationConfig struct {
	// MaxWaves caps verification retries per request.
	MaxWaves int `yaml:"max_waves"`
	// MaxIterations bounds tool-call loops per provider run, by role. The
	// limits are stated in each agent's context; execution backends enforce
	// them.
	MaxIterationsRouta   int `yaml:"max_iterations_routa"`
	MaxIterationsCrafter int `yaml:"max_iterations_crafter"`
	MaxIterationsGate    int `yaml:"max_iterations_gate"`
	// ProviderTimeout bounds one provider run.
	ProviderTimeout time.Duration `yaml:"provider_timeout"`
	// EventBusBuffer is the per-subscriber event channel capacity.
	EventBusBuffer int `yaml:"event_bus_buffer"`
	// ConversationTailMessages is the context window tail length.
	ConversationTailMessages int `yaml:"conversation_tail_messages"`
}

// ProviderConfig describes one execution backend entry for the router.
type ProviderConfig struct {
	Name                string `yaml:"name"`
	Type                string `yaml:"type"` // "mock" is built in; others are external
	SupportsStreaming   bool   `yaml:"supports_streaming"`
	SupportsFileEditing bool   `yaml:"supports_file_editing"`
	SupportsTerminal    bool   `yaml:"supports_terminal"`
	SupportsToolCalling bool   `yaml:"supports_tool_calling"`
	Priority            int    `yaml:"priority"`
}

// ServerConfig holds the HTTP API settings.
type ServerConfig struct {
	Host             string   `yaml:"host"`
	Port             int      `yaml:"port"`
	AllowedWSOrigins []string `yaml:"allowed_ws_origins"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string { return fmt.Sprintf("%s:%d", s.Host, s.Port) }

// StorageConfig selects the store backend. With an empty DatabaseURL the
// in-memory stores are used.
type StorageConfig struct {
	DatabaseURL string `yaml:"database_url"`
}

// EventsConfig holds the optional NATS mirror settings.
type EventsConfig struct {
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// Validate checks the configuration for values that cannot work. It returns
// a ConfigError naming the first offending field.
func (c *Config) Validate() error {
	if c.Coordination.MaxWaves < 1 {
		return newConfigError("coordination.max_waves", "must be at least 1")
	}
	for _, field := range []struct {
		name  string
		value int
	}{
		{"coordination.max_iterations_routa", c.Coordination.MaxIterationsRouta},
		{"coordination.max_iterations_crafter", c.Coordination.MaxIterationsCrafter},
		{"coordination.max_iterations_gate", c.Coordination.MaxIterationsGate},
		{"coordination.event_bus_buffer", c.Coordination.EventBusBuffer},
		{"coordination.conversation_tail_messages", c.Coordination.ConversationTailMessages},
	} {
		if field.value < 1 {
			return newConfigError(field.name, "must be at least 1")
		}
	}
	if c.Coordination.ProviderTimeout <= 0 {
		return newConfigError("coordination.provider_timeout", "must be positive")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return newConfigError("server.port", "must be in 1..65535")
	}
	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.Name == "" {
			return newConfigError(fmt.Sprintf("providers[%d].name", i), "is required")
		}
		if seen[p.Name] {
			return newConfigError(fmt.Sprintf("providers[%d].name", i), "duplicates "+p.Name)
		}
		seen[p.Name] = true
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return newConfigError("logging.level", "must be one of debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return newConfigError("logging.format", "must be text or json")
	}
	return nil
}

// ConfigError names a configuration field that failed validation.
type ConfigError struct {
	Field  string
	Reason string
}

func newConfigError(field, reason string) *ConfigError {
	return &ConfigError{Field: field, Reason: reason}
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s %s", e.Field, e.Reason)
}
