package config

import "time"

// Default returns the built-in configuration. Every field has a working
// value; a config file only needs to state what differs.
func Default() *Config {
	return &Config{
		Coordination: CoordinationConfig{
			MaxWaves:                 5,
			MaxIterationsRouta:       20,
			MaxIterationsCrafter:     20,
			MaxIterationsGate:        30,
			ProviderTimeout:          5 * time.Minute,
			EventBusBuffer:           256,
			ConversationTailMessages: 20,
		},
		Providers: []ProviderConfig{
			{
				Name:                "mock",
				Type:                "mock",
				SupportsStreaming:   true,
				SupportsFileEditing: true,
				SupportsTerminal:    true,
				SupportsToolCalling: true,
				Priority:            0,
			},
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Events: EventsConfig{
			SubjectPrefix: "routa",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
