package config

import "time"

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Runner: RunnerConfig{
			PollInterval:   Duration(250 * time.Millisecond),
			DispatchLimit:  4,
			MaxConcurrency: 0,
			SkipPolicy:     "satisfies",
		},
		Retry: RetryConfig{
			InitialInterval:     Duration(100 * time.Millisecond),
			MaxInterval:         Duration(10 * time.Second),
			MaxElapsedTime:      Duration(2 * time.Minute),
			Multiplier:          2.0,
			RandomizationFactor: 0.5,
		},
		Breaker: BreakerConfig{
			MaxRequests:         3,
			Timeout:             Duration(30 * time.Second),
			ConsecutiveFailures: 5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Journal: JournalConfig{
			Enabled: true,
		},
	}
}
