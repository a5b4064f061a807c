package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration is a time.Duration that reads and writes as a string such as
// "250ms" or "2m".
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// Plain numbers are nanoseconds.
		var n int64
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("invalid duration %s", data)
		}
		*d = Duration(n)
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// RunnerConfig controls the polling driver and the cluster it drives.
type RunnerConfig struct {
	PollInterval   Duration `json:"poll_interval"`   // Wait between idle ticks
	DispatchLimit  int      `json:"dispatch_limit"`  // Concurrent hook calls per tick
	MaxConcurrency int      `json:"max_concurrency"` // Busy-node limit, 0 for unlimited
	SkipPolicy     string   `json:"skip_policy"`     // "satisfies" or "blocks"
}

// RetryConfig configures exponential backoff of task dispatch.
type RetryConfig struct {
	InitialInterval     Duration `json:"initial_interval"`
	MaxInterval         Duration `json:"max_interval"`
	MaxElapsedTime      Duration `json:"max_elapsed_time"`
	Multiplier          float64  `json:"multiplier"`
	RandomizationFactor float64  `json:"randomization_factor"`
}

// BreakerConfig configures the per-node circuit breakers.
type BreakerConfig struct {
	MaxRequests         uint32   `json:"max_requests"`
	Timeout             Duration `json:"timeout"`
	ConsecutiveFailures uint32   `json:"consecutive_failures"`
}

// LoggingConfig selects the log level and format ("text" or "json").
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// JournalConfig configures the SQLite run journal.
type JournalConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// Config is the top-level configuration.
type Config struct {
	Runner  RunnerConfig  `json:"runner"`
	Retry   RetryConfig   `json:"retry"`
	Breaker BreakerConfig `json:"breaker"`
	Logging LoggingConfig `json:"logging"`
	Journal JournalConfig `json:"journal"`
}
