package scheduler

import (
	"fmt"
	"time"
)

// Config defines orchestrator-wide tunables loaded from configuration.
type Config struct {
	// BackoffBase is the delay unit for one-off task retries; retry n waits
	// 2^n times this value.
	BackoffBase time.Duration `json:"backoff_base"`
	// BackoffCap bounds the retry delay.
	BackoffCap time.Duration `json:"backoff_cap"`
	// LatencyWindow is the number of handler runs kept for the rolling
	// latency average.
	LatencyWindow int `json:"latency_window"`
}

// SetDefaults applies sane defaults.
func (c *Config) SetDefaults() {
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Minute
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = time.Hour
	}
	if c.LatencyWindow <= 0 {
		c.LatencyWindow = 100
	}
}

// Validate checks the configuration for consistency.
func (c Config) Validate() error {
	if c.BackoffCap < c.BackoffBase {
		return fmt.Errorf("backoff_cap %s below backoff_base %s", c.BackoffCap, c.BackoffBase)
	}
	return nil
}
