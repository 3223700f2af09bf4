package attribution

import "time"

// Config controls the attribution worker loop.
type Config struct {
	BatchSize    int
	PollInterval time.Duration
	RunTimeout   time.Duration
	RowTimeout   time.Duration
}

func DefaultConfig() Config {
	return Config{
		BatchSize:    100,
		PollInterval: 5 * time.Second,
		RunTimeout:   10 * time.Second,
		RowTimeout:   500 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaults.PollInterval
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = defaults.RunTimeout
	}
	if c.RowTimeout <= 0 {
		c.RowTimeout = defaults.RowTimeout
	}
	return c
}
